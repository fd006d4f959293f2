// Package identity manages the agent's identity key pair: a 2048-bit RSA
// key and a self-signed certificate binding (workspace id, agent guid).
// The pair authenticates every mutual-TLS exchange with the management
// service. Renewal is transactional: the old pair is held in memory and
// restored on any failure, so the on-disk identity is never left in a
// state the service would not recognize.
package identity

import (
	"time"

	"github.com/omslinux/agent-identity/internal/config"
	"github.com/omslinux/agent-identity/internal/logging"
	"github.com/omslinux/agent-identity/internal/ownership"
)

var log = logging.L("identity")

// Subject constants for the generated certificate.
const (
	subjectOU = "Linux Monitoring Agent"
	subjectO  = "Microsoft"

	validity = 365 * 24 * time.Hour
)

// Confirmer validates a freshly renewed identity against the service.
// The topology client implements it with a full heartbeat.
type Confirmer interface {
	Heartbeat() error
}

// Manager generates and renews the identity pair at fixed file paths.
type Manager struct {
	store     *config.Store
	certPath  string
	keyPath   string
	proxyPath string
	own       ownership.Ownership
	confirm   Confirmer
}

// Options configures a Manager.
type Options struct {
	Store     *config.Store
	CertPath  string
	KeyPath   string
	ProxyPath string
	Ownership ownership.Ownership
}

// NewManager returns a Manager for the given paths and config store.
func NewManager(opts Options) *Manager {
	return &Manager{
		store:     opts.Store,
		certPath:  opts.CertPath,
		keyPath:   opts.KeyPath,
		proxyPath: opts.ProxyPath,
		own:       opts.Ownership,
	}
}

// SetConfirmer wires the heartbeat used to confirm renewals. Set after
// construction because the topology client in turn drives renewal through
// the endpoint extractor.
func (m *Manager) SetConfirmer(c Confirmer) {
	m.confirm = c
}

// CertPath returns the certificate file path.
func (m *Manager) CertPath() string { return m.certPath }

// KeyPath returns the private key file path.
func (m *Manager) KeyPath() string { return m.keyPath }
