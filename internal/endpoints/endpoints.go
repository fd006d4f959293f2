// Package endpoints recovers server-directed configuration from topology
// response bodies: the certificate renewal endpoint and the DSC endpoint.
// Extracted values are folded straight into the identity config file;
// they are never held anywhere else.
package endpoints

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/omslinux/agent-identity/internal/config"
	"github.com/omslinux/agent-identity/internal/errcode"
	"github.com/omslinux/agent-identity/internal/logging"
	"github.com/omslinux/agent-identity/internal/ownership"
)

var log = logging.L("endpoints")

// Renewer triggers a certificate renewal. Implemented by the identity
// manager; kept as an interface here so extraction is testable without
// real key material.
type Renewer interface {
	Renew() error
}

// Extractor parses topology responses and persists what it finds.
type Extractor struct {
	store   *config.Store
	renewer Renewer
	own     ownership.Ownership
}

// NewExtractor returns an Extractor writing through the given store.
// renewer may be nil when renewal will never be triggered (endpoints-file
// flow).
func NewExtractor(store *config.Store, renewer Renewer, own ownership.Ownership) *Extractor {
	return &Extractor{store: store, renewer: renewer, own: own}
}

// ApplyCertificateUpdateEndpoint extracts the CertificateUpdateEndpoint
// element together with its updateCertificate attribute, persists the
// endpoint, and — when the attribute is true and triggerRenewal is set —
// synchronously renews the identity pair. Returns the extracted endpoint.
func (e *Extractor) ApplyCertificateUpdateEndpoint(response []byte, triggerRenewal bool) (string, error) {
	endpoint, attr, found, err := findCertUpdateElement(response)
	if err != nil || !found || endpoint == "" {
		return "", errcode.Wrap(errcode.MissingCertUpdateEndpoint, err, "no certificate update endpoint in response")
	}
	if attr == "" {
		// Under the legacy single-pattern extraction this branch could not
		// be reached; a structured parse makes an attribute-less element
		// observable. The failure code is kept.
		return "", errcode.New(errcode.ErrorExtractingAttributes, "certificate update endpoint carries no updateCertificate attribute")
	}

	if err := e.store.Update(config.KeyCertificateUpdateEndpoint, endpoint); err != nil {
		return "", err
	}
	log.Debug("persisted certificate update endpoint", logging.KeyEndpoint, endpoint)

	if strings.EqualFold(attr, "true") && triggerRenewal {
		if e.renewer == nil {
			return "", errcode.New(errcode.ErrorGeneratingCerts, "server requested renewal but no renewer is wired")
		}
		log.Info("server requested certificate renewal")
		if err := e.renewer.Renew(); err != nil {
			return "", err
		}
	}
	return endpoint, nil
}

// ApplyDSCEndpoint extracts the DscConfiguration/Endpoint value and
// persists it. Literal parentheses are escaped with a backslash first:
// the consumer of this value treats unescaped parentheses specially.
func (e *Extractor) ApplyDSCEndpoint(response []byte) (string, error) {
	endpoint, found, err := findDSCEndpoint(response)
	if err != nil || !found || endpoint == "" {
		return "", errcode.Wrap(errcode.ErrorExtractingAttributes, err, "no DSC endpoint in response")
	}

	escaped := strings.NewReplacer("(", `\(`, ")", `\)`).Replace(endpoint)
	if err := e.store.Update(config.KeyDSCEndpoint, escaped); err != nil {
		return "", err
	}
	log.Debug("persisted DSC endpoint", logging.KeyEndpoint, escaped)
	return escaped, nil
}

// ApplyEndpointsFile runs both extractions against a pre-fetched XML
// document (onboarding flow, renewal suppressed) and writes the two
// endpoints, one per line, to outPath.
func (e *Extractor) ApplyEndpointsFile(xmlPath, outPath string) error {
	response, err := os.ReadFile(xmlPath)
	if err != nil {
		return errcode.Wrap(errcode.InvalidOption, err, "reading endpoints document %s", xmlPath)
	}

	certEndpoint, err := e.ApplyCertificateUpdateEndpoint(response, false)
	if err != nil {
		return err
	}
	dscEndpoint, err := e.ApplyDSCEndpoint(response)
	if err != nil {
		return err
	}

	out := certEndpoint + "\n" + dscEndpoint + "\n"
	if err := os.WriteFile(outPath, []byte(out), 0644); err != nil {
		return errcode.Wrap(errcode.ErrorWritingToFile, err, "writing %s", outPath)
	}
	if err := e.own.Apply(outPath); err != nil {
		return errcode.Wrap(errcode.ErrorWritingToFile, err, "assigning ownership of %s", outPath)
	}
	return nil
}

// findCertUpdateElement walks the document for the first element locally
// named CertificateUpdateEndpoint, namespace-agnostic, returning its text
// and updateCertificate attribute.
func findCertUpdateElement(response []byte) (endpoint, attr string, found bool, err error) {
	dec := xml.NewDecoder(bytes.NewReader(response))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return "", "", false, nil
		}
		if err != nil {
			return "", "", false, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "CertificateUpdateEndpoint" {
			continue
		}
		for _, a := range start.Attr {
			if a.Name.Local == "updateCertificate" {
				attr = a.Value
			}
		}
		var text string
		if err := dec.DecodeElement(&text, &start); err != nil {
			return "", "", false, err
		}
		return strings.TrimSpace(text), attr, true, nil
	}
}

// findDSCEndpoint walks the document for an Endpoint element nested under
// DscConfiguration.
func findDSCEndpoint(response []byte) (endpoint string, found bool, err error) {
	dec := xml.NewDecoder(bytes.NewReader(response))
	depth := 0 // nesting depth inside DscConfiguration
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "DscConfiguration" {
				depth = 1
				continue
			}
			if depth > 0 {
				if t.Name.Local == "Endpoint" {
					var text string
					if err := dec.DecodeElement(&text, &t); err != nil {
						return "", false, err
					}
					return strings.TrimSpace(text), true, nil
				}
				depth++
			}
		case xml.EndElement:
			if depth > 0 {
				depth--
			}
		}
	}
}
