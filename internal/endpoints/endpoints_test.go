package endpoints

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/omslinux/agent-identity/internal/config"
	"github.com/omslinux/agent-identity/internal/errcode"
	"github.com/omslinux/agent-identity/internal/ownership"
)

const topologyResponse = `<?xml version="1.0"?>
<LinuxAgentTopologyResponse xmlns="http://schemas.microsoft.com/WorkloadMonitoring/HealthServiceProtocol/2014/09/">
   <CertificateUpdateEndpoint updateCertificate="false">https://ws-1.oms.example/RenewCertificate</CertificateUpdateEndpoint>
   <DscConfiguration>
      <Endpoint>https://dsc.example/Accounts/ws-1</Endpoint>
   </DscConfiguration>
   <RequestInterval>PT8M</RequestInterval>
</LinuxAgentTopologyResponse>
`

type fakeRenewer struct {
	calls int
	err   error
}

func (f *fakeRenewer) Renew() error {
	f.calls++
	return f.err
}

func newFixture(t *testing.T, renewer Renewer) (*Extractor, *config.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "omsadmin.conf")
	content := "WORKSPACE_ID=ws-1\nAGENT_GUID=guid-1\nURL_TLD=example\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	store := config.NewStore(path)
	return NewExtractor(store, renewer, ownership.Ownership{}), store
}

func TestApplyCertificateUpdateEndpointExtractsAndPersists(t *testing.T) {
	renewer := &fakeRenewer{}
	e, store := newFixture(t, renewer)

	got, err := e.ApplyCertificateUpdateEndpoint([]byte(topologyResponse), true)
	if err != nil {
		t.Fatal(err)
	}
	if got != "https://ws-1.oms.example/RenewCertificate" {
		t.Errorf("endpoint = %q", got)
	}
	if renewer.calls != 0 {
		t.Errorf("updateCertificate=false must not trigger renewal, got %d calls", renewer.calls)
	}

	cfg, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CertificateUpdateEndpoint != got {
		t.Errorf("endpoint not persisted: %q", cfg.CertificateUpdateEndpoint)
	}
}

func TestApplyCertificateUpdateEndpointTriggersRenewal(t *testing.T) {
	renewer := &fakeRenewer{}
	e, _ := newFixture(t, renewer)

	body := `<Response><CertificateUpdateEndpoint updateCertificate="true">https://x/RenewCertificate</CertificateUpdateEndpoint></Response>`
	got, err := e.ApplyCertificateUpdateEndpoint([]byte(body), true)
	if err != nil {
		t.Fatal(err)
	}
	if got != "https://x/RenewCertificate" {
		t.Errorf("endpoint = %q", got)
	}
	if renewer.calls != 1 {
		t.Errorf("expected exactly one renewal, got %d", renewer.calls)
	}
}

func TestApplyCertificateUpdateEndpointSuppressedRenewal(t *testing.T) {
	renewer := &fakeRenewer{}
	e, _ := newFixture(t, renewer)

	body := `<Response><CertificateUpdateEndpoint updateCertificate="true">https://x/RenewCertificate</CertificateUpdateEndpoint></Response>`
	if _, err := e.ApplyCertificateUpdateEndpoint([]byte(body), false); err != nil {
		t.Fatal(err)
	}
	if renewer.calls != 0 {
		t.Errorf("triggerRenewal=false must suppress renewal, got %d calls", renewer.calls)
	}
}

func TestApplyCertificateUpdateEndpointPropagatesRenewalError(t *testing.T) {
	renewer := &fakeRenewer{err: errcode.New(errcode.ErrorSendingHTTP, "boom")}
	e, _ := newFixture(t, renewer)

	body := `<Response><CertificateUpdateEndpoint updateCertificate="true">https://x/RenewCertificate</CertificateUpdateEndpoint></Response>`
	_, err := e.ApplyCertificateUpdateEndpoint([]byte(body), true)
	if !errcode.Is(err, errcode.ErrorSendingHTTP) {
		t.Fatalf("expected renewal error to propagate, got %v", err)
	}
}

func TestApplyCertificateUpdateEndpointMissingTag(t *testing.T) {
	e, _ := newFixture(t, &fakeRenewer{})
	_, err := e.ApplyCertificateUpdateEndpoint([]byte("<Response></Response>"), true)
	if !errcode.Is(err, errcode.MissingCertUpdateEndpoint) {
		t.Fatalf("expected MissingCertUpdateEndpoint, got %v", err)
	}
}

func TestApplyCertificateUpdateEndpointMissingAttribute(t *testing.T) {
	e, _ := newFixture(t, &fakeRenewer{})
	body := `<Response><CertificateUpdateEndpoint>https://x/RenewCertificate</CertificateUpdateEndpoint></Response>`
	_, err := e.ApplyCertificateUpdateEndpoint([]byte(body), true)
	if !errcode.Is(err, errcode.ErrorExtractingAttributes) {
		t.Fatalf("expected ErrorExtractingAttributes, got %v", err)
	}
}

func TestApplyDSCEndpointEscapesParentheses(t *testing.T) {
	e, store := newFixture(t, nil)
	body := `<Response><DscConfiguration><Endpoint>foo(1)</Endpoint></DscConfiguration></Response>`
	got, err := e.ApplyDSCEndpoint([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if got != `foo\(1\)` {
		t.Errorf("escaped endpoint = %q", got)
	}
	cfg, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DSCEndpoint != `foo\(1\)` {
		t.Errorf("persisted = %q", cfg.DSCEndpoint)
	}
}

func TestApplyDSCEndpointMissing(t *testing.T) {
	e, _ := newFixture(t, nil)
	_, err := e.ApplyDSCEndpoint([]byte("<Response><Endpoint>orphan</Endpoint></Response>"))
	if !errcode.Is(err, errcode.ErrorExtractingAttributes) {
		t.Fatalf("Endpoint outside DscConfiguration must not match, got %v", err)
	}
}

func TestApplyEndpointsFile(t *testing.T) {
	renewer := &fakeRenewer{}
	e, _ := newFixture(t, renewer)

	dir := t.TempDir()
	xmlPath := filepath.Join(dir, "topology.xml")
	outPath := filepath.Join(dir, "endpoints.out")

	body := strings.Replace(topologyResponse, `updateCertificate="false"`, `updateCertificate="true"`, 1)
	if err := os.WriteFile(xmlPath, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	if err := e.ApplyEndpointsFile(xmlPath, outPath); err != nil {
		t.Fatal(err)
	}
	if renewer.calls != 0 {
		t.Errorf("endpoints-file flow must never renew, got %d calls", renewer.calls)
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	want := "https://ws-1.oms.example/RenewCertificate\nhttps://dsc.example/Accounts/ws-1\n"
	if string(out) != want {
		t.Errorf("output file:\n got %q\nwant %q", out, want)
	}
}

func TestApplyEndpointsFileMissingInput(t *testing.T) {
	e, _ := newFixture(t, nil)
	err := e.ApplyEndpointsFile(filepath.Join(t.TempDir(), "absent.xml"), filepath.Join(t.TempDir(), "out"))
	if !errcode.Is(err, errcode.InvalidOption) {
		t.Fatalf("expected InvalidOption for unreadable input, got %v", err)
	}
}

func TestApplyEndpointsFileExtractionShortCircuits(t *testing.T) {
	e, _ := newFixture(t, nil)
	dir := t.TempDir()
	xmlPath := filepath.Join(dir, "topology.xml")
	outPath := filepath.Join(dir, "endpoints.out")
	if err := os.WriteFile(xmlPath, []byte("<Response></Response>"), 0600); err != nil {
		t.Fatal(err)
	}

	err := e.ApplyEndpointsFile(xmlPath, outPath)
	if !errcode.Is(err, errcode.MissingCertUpdateEndpoint) {
		t.Fatalf("expected MissingCertUpdateEndpoint, got %v", err)
	}
	if _, statErr := os.Stat(outPath); !os.IsNotExist(statErr) {
		t.Error("output file must not be written when extraction fails")
	}
}
