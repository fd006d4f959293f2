package topology

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"github.com/omslinux/agent-identity/internal/errcode"
)

// NopIntervalApplier ignores the server's request interval. Used when the
// caller has no scheduler to feed.
type NopIntervalApplier struct{}

// Apply implements IntervalApplier.
func (NopIntervalApplier) Apply(response []byte) error { return nil }

// SinkIntervalApplier extracts the RequestInterval element and hands the
// value to a sink (typically the scheduler's configuration). A response
// without the element is not an error: the server simply did not direct a
// new interval.
type SinkIntervalApplier struct {
	Sink func(interval string) error
}

// Apply implements IntervalApplier.
func (a SinkIntervalApplier) Apply(response []byte) error {
	interval, found, err := findRequestInterval(response)
	if err != nil {
		return errcode.Wrap(errcode.ErrorExtractingAttributes, err, "parsing request interval")
	}
	if !found || a.Sink == nil {
		return nil
	}
	if err := a.Sink(interval); err != nil {
		return errcode.Wrap(errcode.ErrorWritingToFile, err, "applying request interval")
	}
	return nil
}

func findRequestInterval(response []byte) (interval string, found bool, err error) {
	dec := xml.NewDecoder(bytes.NewReader(response))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "RequestInterval" {
			continue
		}
		var text string
		if err := dec.DecodeElement(&text, &start); err != nil {
			return "", false, err
		}
		return strings.TrimSpace(text), true, nil
	}
}
