// Package mtls builds client TLS configuration from the agent's identity
// certificate and key.
package mtls

import (
	"crypto/tls"
	"fmt"
	"os"
)

// LoadClientCert parses a PEM-encoded certificate and private key pair.
func LoadClientCert(certPEM, keyPEM []byte) (*tls.Certificate, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mTLS key pair: %w", err)
	}
	return &cert, nil
}

// BuildTLSConfig returns a TLS config with the client certificate loaded
// from PEM bytes.
func BuildTLSConfig(certPEM, keyPEM []byte) (*tls.Config, error) {
	cert, err := LoadClientCert(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{*cert}}, nil
}

// BuildTLSConfigFromFiles reads the identity pair from disk and returns a
// TLS config authenticating with it.
func BuildTLSConfigFromFiles(certPath, keyPath string) (*tls.Config, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("reading client certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading client key: %w", err)
	}
	return BuildTLSConfig(certPEM, keyPEM)
}

// PairPresent reports whether both identity files exist and are non-empty.
func PairPresent(certPath, keyPath string) bool {
	for _, p := range []string{certPath, keyPath} {
		info, err := os.Stat(p)
		if err != nil || info.Size() == 0 {
			return false
		}
	}
	return true
}
