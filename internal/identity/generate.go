package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/omslinux/agent-identity/internal/errcode"
)

// oidCommonName is 2.5.4.3. The subject carries TWO independent CN
// attributes (workspace id and agent guid), which pkix.Name cannot express
// through its CommonName field, so both go through ExtraNames.
var oidCommonName = asn1.ObjectIdentifier{2, 5, 4, 3}

// Generate creates a fresh identity pair bound to (workspaceID, agentGUID)
// and writes it to the configured paths. Existing files are overwritten.
func (m *Manager) Generate(workspaceID, agentGUID string) error {
	if workspaceID == "" || agentGUID == "" {
		return errcode.New(errcode.MissingConfig, "workspace id and agent guid are required to generate certs")
	}

	// Create both files with restrictive permissions before any key
	// material is written. Writing first and chmodding after leaves a
	// window where the key is world-readable.
	for _, path := range []string{m.keyPath, m.certPath} {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return errcode.Wrap(errcode.ErrorGeneratingCerts, err, "preparing %s", path)
		}
		f.Close()
		if err := os.Chmod(path, 0600); err != nil {
			return errcode.Wrap(errcode.ErrorGeneratingCerts, err, "restricting %s", path)
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return errcode.Wrap(errcode.ErrorGeneratingCerts, err, "generating RSA key")
	}

	certDER, err := selfSign(key, workspaceID, agentGUID)
	if err != nil {
		return errcode.Wrap(errcode.ErrorGeneratingCerts, err, "building certificate")
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})

	if err := os.WriteFile(m.keyPath, keyPEM, 0600); err != nil {
		return errcode.Wrap(errcode.ErrorGeneratingCerts, err, "writing %s", m.keyPath)
	}
	if err := os.WriteFile(m.certPath, certPEM, 0600); err != nil {
		return errcode.Wrap(errcode.ErrorGeneratingCerts, err, "writing %s", m.certPath)
	}

	for _, path := range []string{m.keyPath, m.certPath} {
		if err := m.own.Apply(path); err != nil {
			return errcode.Wrap(errcode.ErrorGeneratingCerts, err, "assigning ownership of %s", path)
		}
	}

	// Belt and braces: a zero-length pair would authenticate nothing.
	for _, path := range []string{m.keyPath, m.certPath} {
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			return errcode.New(errcode.ErrorGeneratingCerts, "%s missing or empty after generation", path)
		}
	}

	log.Info("generated identity pair",
		"workspaceId", workspaceID, "cert", m.certPath)
	return nil
}

func selfSign(key *rsa.PrivateKey, workspaceID, agentGUID string) ([]byte, error) {
	// Serial is a random value in [1, 2^16-1].
	serial, err := rand.Int(rand.Reader, big.NewInt(0xFFFE))
	if err != nil {
		return nil, fmt.Errorf("choosing serial: %w", err)
	}
	serial.Add(serial, big.NewInt(1))

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}
	keyID := sha1.Sum(pubDER)

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			OrganizationalUnit: []string{subjectOU},
			Organization:       []string{subjectO},
			ExtraNames: []pkix.AttributeTypeAndValue{
				{Type: oidCommonName, Value: workspaceID},
				{Type: oidCommonName, Value: agentGUID},
			},
		},
		NotBefore:             now,
		NotAfter:              now.Add(validity),
		SignatureAlgorithm:    x509.SHA256WithRSA,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          keyID[:],
		AuthorityKeyId:        keyID[:],
	}

	return x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
}

// Describe parses the on-disk certificate and reports its subject, serial
// and validity window. Used for operator-facing logging after generation.
func (m *Manager) Describe() (subject string, serial *big.Int, notBefore, notAfter time.Time, err error) {
	data, err := os.ReadFile(m.certPath)
	if err != nil {
		return "", nil, time.Time{}, time.Time{}, fmt.Errorf("reading %s: %w", m.certPath, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return "", nil, time.Time{}, time.Time{}, fmt.Errorf("%s holds no PEM certificate", m.certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", nil, time.Time{}, time.Time{}, fmt.Errorf("parsing %s: %w", m.certPath, err)
	}
	return cert.Subject.String(), cert.SerialNumber, cert.NotBefore, cert.NotAfter, nil
}
