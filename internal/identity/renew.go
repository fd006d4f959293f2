package identity

import (
	"context"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/omslinux/agent-identity/internal/errcode"
	"github.com/omslinux/agent-identity/internal/httputil"
	"github.com/omslinux/agent-identity/internal/logging"
	"github.com/omslinux/agent-identity/internal/mtls"
)

// renewalNamespace is the fixed namespace of the certificate update
// envelope the service expects.
const renewalNamespace = "http://schemas.microsoft.com/WorkloadMonitoring/HealthServiceProtocol/2014/09/"

// pairSnapshot captures the identity pair bytes so any failure after new
// files have been written can restore the exact prior state. Rollback
// restores file contents only; it never regenerates keys.
type pairSnapshot struct {
	certPath, keyPath   string
	certBytes, keyBytes []byte
	committed           bool
}

func (m *Manager) snapshotPair() (*pairSnapshot, error) {
	certBytes, err := os.ReadFile(m.certPath)
	if err != nil {
		return nil, errcode.Wrap(errcode.MissingCerts, err, "reading %s", m.certPath)
	}
	keyBytes, err := os.ReadFile(m.keyPath)
	if err != nil {
		return nil, errcode.Wrap(errcode.MissingCerts, err, "reading %s", m.keyPath)
	}
	return &pairSnapshot{
		certPath:  m.certPath,
		keyPath:   m.keyPath,
		certBytes: certBytes,
		keyBytes:  keyBytes,
	}, nil
}

// restoreUnlessCommitted puts the prior pair back on disk. Runs on every
// exit path; Commit marks the renewal as confirmed so the snapshot is
// discarded instead.
func (s *pairSnapshot) restoreUnlessCommitted() {
	if s.committed {
		return
	}
	if err := os.WriteFile(s.certPath, s.certBytes, 0600); err != nil {
		log.Error("rollback failed to restore certificate", logging.KeyError, err, "path", s.certPath)
	}
	if err := os.WriteFile(s.keyPath, s.keyBytes, 0600); err != nil {
		log.Error("rollback failed to restore key", logging.KeyError, err, "path", s.keyPath)
	}
	log.Info("restored previous identity pair")
}

func (s *pairSnapshot) commit() { s.committed = true }

// Renew replaces the identity pair and confirms the replacement with the
// service. The sequence is: snapshot the current pair, generate and write
// a new one, announce it to the certificate update endpoint authenticated
// with the OLD pair, then confirm with a fresh heartbeat. Any failure
// restores the snapshot and surfaces the failing step's code.
func (m *Manager) Renew() error {
	cfg, err := m.store.Load()
	if err != nil {
		return err
	}
	if !cfg.HasIdentity() {
		return errcode.New(errcode.MissingConfig, "workspace id or agent guid not set in %s", m.store.Path())
	}
	if cfg.CertificateUpdateEndpoint == "" {
		return errcode.New(errcode.MissingConfig, "certificate update endpoint not set in %s", m.store.Path())
	}
	if !mtls.PairPresent(m.certPath, m.keyPath) {
		return errcode.New(errcode.MissingCerts, "identity pair missing or empty, cannot renew")
	}

	snapshot, err := m.snapshotPair()
	if err != nil {
		return err
	}
	defer snapshot.restoreUnlessCommitted()

	// The renewal request authenticates with the identity the service
	// currently trusts, so the TLS config is built from the snapshot
	// before the files are overwritten.
	oldTLS, err := mtls.BuildTLSConfig(snapshot.certBytes, snapshot.keyBytes)
	if err != nil {
		return errcode.Wrap(errcode.MissingCerts, err, "current identity pair is unusable")
	}

	if err := m.Generate(cfg.WorkspaceID, cfg.AgentGUID); err != nil {
		return err
	}

	body, err := m.renewalBody()
	if err != nil {
		return errcode.Wrap(errcode.ErrorGeneratingCerts, err, "building renewal request")
	}

	proxy, err := httputil.ProxyFromFile(m.proxyPath)
	if err != nil {
		return errcode.Wrap(errcode.ErrorSendingHTTP, err, "resolving proxy")
	}
	client := httputil.NewClient(oldTLS, proxy)

	headers := http.Header{
		"Content-Type": {"application/xml"},
		"Date":         {time.Now().UTC().Format(http.TimeFormat)},
		"X-Request-ID": {uuid.NewString()},
	}

	log.Info("announcing renewed certificate",
		logging.KeyEndpoint, cfg.CertificateUpdateEndpoint)

	status, _, err := httputil.Post(context.Background(), client, cfg.CertificateUpdateEndpoint, body, headers)
	if err != nil {
		return errcode.Wrap(errcode.ErrorSendingHTTP, err, "sending certificate update request")
	}
	if status != http.StatusOK {
		return errcode.New(errcode.HTTPNon200, "certificate update endpoint answered %d", status)
	}

	if m.confirm != nil {
		if err := m.confirm.Heartbeat(); err != nil {
			log.Error("confirmation heartbeat failed, rolling back renewal", logging.KeyError, err)
			return err
		}
	} else {
		log.Debug("no confirmer wired, accepting renewal on HTTP 200 alone")
	}

	snapshot.commit()
	log.Info("identity pair renewed")
	return nil
}

// renewalBody wraps the new certificate's DER bytes, base64-encoded, in
// the fixed update envelope.
func (m *Manager) renewalBody() ([]byte, error) {
	certPEM, err := os.ReadFile(m.certPath)
	if err != nil {
		return nil, fmt.Errorf("reading new certificate: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("new certificate at %s is not PEM", m.certPath)
	}
	encoded := base64.StdEncoding.EncodeToString(block.Bytes)

	body := fmt.Sprintf(`<?xml version="1.0"?>
<CertificateUpdateRequest xmlns="%s">
   <NewCertificate>%s</NewCertificate>
</CertificateUpdateRequest>
`, renewalNamespace, encoded)
	return []byte(body), nil
}
