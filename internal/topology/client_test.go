package topology

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/omslinux/agent-identity/internal/config"
	"github.com/omslinux/agent-identity/internal/endpoints"
	"github.com/omslinux/agent-identity/internal/errcode"
	"github.com/omslinux/agent-identity/internal/identity"
	"github.com/omslinux/agent-identity/internal/ownership"
)

const topologyResponse = `<?xml version="1.0"?>
<LinuxAgentTopologyResponse>
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

type countingBuilder struct {
	calls int
	extra []byte
}

func (b *countingBuilder) Build(cfg *config.Config, extra []byte) ([]byte, error) {
	b.calls++
	b.extra = extra
	return []byte("<LinuxAgentTopologyRequest/>"), nil
}

type failingTelemetry struct{}

func (failingTelemetry) Collect() ([]byte, error) {
	return nil, errors.New("telemetry source unavailable")
}

type staticTelemetry struct{ fragment string }

func (s staticTelemetry) Collect() ([]byte, error) { return []byte(s.fragment), nil }

type recordingInterval struct {
	calls int
	err   error
}

func (r *recordingInterval) Apply(response []byte) error {
	r.calls++
	return r.err
}

type fixture struct {
	client  *Client
	store   *config.Store
	renewer *fakeRenewer
	builder *countingBuilder
	dir     string
}

func newFixture(t *testing.T, url string, withPair bool, opts func(*Options)) *fixture {
	t.Helper()
	dir := t.TempDir()
	confPath := filepath.Join(dir, "omsadmin.conf")
	content := "WORKSPACE_ID=ws-1\nAGENT_GUID=guid-1\nURL_TLD=example\n"
	if err := os.WriteFile(confPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	store := config.NewStore(confPath)

	certPath := filepath.Join(dir, "oms.crt")
	keyPath := filepath.Join(dir, "oms.key")
	if withPair {
		m := identity.NewManager(identity.Options{Store: store, CertPath: certPath, KeyPath: keyPath})
		if err := m.Generate("ws-1", "guid-1"); err != nil {
			t.Fatal(err)
		}
	}

	renewer := &fakeRenewer{}
	builder := &countingBuilder{}
	clientOpts := Options{
		Store:     store,
		CertPath:  certPath,
		KeyPath:   keyPath,
		Builder:   builder,
		Extractor: endpoints.NewExtractor(store, renewer, ownership.Ownership{}),
		URL:       url,
	}
	if opts != nil {
		opts(&clientOpts)
	}
	return &fixture{
		client:  NewClient(clientOpts),
		store:   store,
		renewer: renewer,
		builder: builder,
		dir:     dir,
	}
}

func TestHeartbeatMissingConfigFileSkipsNetwork(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	defer srv.Close()

	f := newFixture(t, srv.URL, true, nil)
	if err := os.Remove(f.store.Path()); err != nil {
		t.Fatal(err)
	}

	err := f.client.Heartbeat()
	if !errcode.Is(err, errcode.MissingConfigFile) {
		t.Fatalf("expected MissingConfigFile, got %v", err)
	}
	if hits != 0 {
		t.Errorf("no network call expected, server saw %d", hits)
	}
	if f.builder.calls != 0 {
		t.Errorf("request must not be built, builder saw %d calls", f.builder.calls)
	}
}

func TestHeartbeatMissingIdentityFields(t *testing.T) {
	f := newFixture(t, "http://unused.example", true, nil)
	if err := os.WriteFile(f.store.Path(), []byte("WORKSPACE_ID=ws-1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	err := f.client.Heartbeat()
	if !errcode.Is(err, errcode.MissingConfig) {
		t.Fatalf("expected MissingConfig, got %v", err)
	}
}

func TestHeartbeatMissingCerts(t *testing.T) {
	f := newFixture(t, "http://unused.example", false, nil)
	err := f.client.Heartbeat()
	if !errcode.Is(err, errcode.MissingCerts) {
		t.Fatalf("expected MissingCerts, got %v", err)
	}
}

func TestHeartbeatTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	f := newFixture(t, srv.URL, true, nil)
	err := f.client.Heartbeat()
	if !errcode.Is(err, errcode.ErrorSendingHTTP) {
		t.Fatalf("expected ErrorSendingHTTP, got %v", err)
	}
}

func TestHeartbeatNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, true, nil)
	err := f.client.Heartbeat()
	if !errcode.Is(err, errcode.HTTPNon200) {
		t.Fatalf("expected HTTPNon200, got %v", err)
	}
}

func TestHeartbeatAppliesResponse(t *testing.T) {
	interval := &recordingInterval{}
	var gotUA, gotLocale string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotLocale = r.Header.Get("Accept-Language")
		io.WriteString(w, topologyResponse)
	}))
	defer srv.Close()

	installInfo := filepath.Join(t.TempDir(), "installinfo.txt")
	if err := os.WriteFile(installInfo, []byte("1.4.2-12 20260801 Release_Build\n"), 0644); err != nil {
		t.Fatal(err)
	}

	f := newFixture(t, srv.URL, true, func(o *Options) {
		o.Interval = interval
		o.InstallInfoPath = installInfo
	})

	if err := f.client.Heartbeat(); err != nil {
		t.Fatal(err)
	}

	if gotUA != "LinuxMonitoringAgent/1.4.2-12" {
		t.Errorf("User-Agent = %q", gotUA)
	}
	if gotLocale != "en-US" {
		t.Errorf("Accept-Language = %q", gotLocale)
	}
	if interval.calls != 1 {
		t.Errorf("interval applier calls = %d", interval.calls)
	}
	if f.renewer.calls != 0 {
		t.Errorf("updateCertificate=false must not renew, got %d", f.renewer.calls)
	}

	cfg, err := f.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CertificateUpdateEndpoint != "https://ws-1.oms.example/RenewCertificate" {
		t.Errorf("cert update endpoint not persisted: %q", cfg.CertificateUpdateEndpoint)
	}
	if cfg.DSCEndpoint != "https://dsc.example/Accounts/ws-1" {
		t.Errorf("DSC endpoint not persisted: %q", cfg.DSCEndpoint)
	}
}

func TestHeartbeatUserAgentWithoutInstallInfo(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		io.WriteString(w, topologyResponse)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, true, nil)
	if err := f.client.Heartbeat(); err != nil {
		t.Fatal(err)
	}
	if gotUA != "LinuxMonitoringAgent" {
		t.Errorf("User-Agent = %q, want bare product", gotUA)
	}
}

func TestHeartbeatTelemetryFailureIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, topologyResponse)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, true, func(o *Options) {
		o.Telemetry = failingTelemetry{}
	})
	if err := f.client.Heartbeat(); err != nil {
		t.Fatalf("telemetry failure must not fail the heartbeat: %v", err)
	}
	if f.builder.extra != nil {
		t.Errorf("builder should see nil fragment after telemetry failure, got %q", f.builder.extra)
	}
}

func TestHeartbeatPassesTelemetryFragment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, topologyResponse)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, true, func(o *Options) {
		o.Telemetry = staticTelemetry{fragment: "<OperatingSystem/>"}
	})
	if err := f.client.Heartbeat(); err != nil {
		t.Fatal(err)
	}
	if string(f.builder.extra) != "<OperatingSystem/>" {
		t.Errorf("fragment not passed to builder: %q", f.builder.extra)
	}
}

func TestHeartbeatExtractionFailureShortCircuits(t *testing.T) {
	interval := &recordingInterval{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<LinuxAgentTopologyResponse/>")
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, true, func(o *Options) { o.Interval = interval })
	err := f.client.Heartbeat()
	if !errcode.Is(err, errcode.MissingCertUpdateEndpoint) {
		t.Fatalf("expected MissingCertUpdateEndpoint, got %v", err)
	}
	if interval.calls != 0 {
		t.Errorf("later steps must not run after an extraction failure, interval saw %d", interval.calls)
	}
}

func TestDefaultBuilderEmbedsFragment(t *testing.T) {
	cfg := &config.Config{WorkspaceID: "ws-1", AgentGUID: "guid-1", URLTLD: "example"}
	body, err := DefaultBuilder{}.Build(cfg, []byte("<OperatingSystem><Name>Ubuntu</Name></OperatingSystem>"))
	if err != nil {
		t.Fatal(err)
	}
	s := string(body)
	for _, want := range []string{"LinuxAgentTopologyRequest", "guid-1", "<Name>Ubuntu</Name>"} {
		if !strings.Contains(s, want) {
			t.Errorf("request body missing %q: %s", want, s)
		}
	}
}

func TestSinkIntervalApplier(t *testing.T) {
	var got string
	a := SinkIntervalApplier{Sink: func(interval string) error {
		got = interval
		return nil
	}}
	if err := a.Apply([]byte(topologyResponse)); err != nil {
		t.Fatal(err)
	}
	if got != "PT8M" {
		t.Errorf("interval = %q", got)
	}

	got = ""
	if err := a.Apply([]byte("<Response/>")); err != nil {
		t.Fatalf("absent interval element must not fail: %v", err)
	}
	if got != "" {
		t.Errorf("sink must not run without an interval, got %q", got)
	}
}
