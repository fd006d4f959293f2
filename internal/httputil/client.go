// Package httputil builds the HTTP clients used for agent→service calls:
// mutual-TLS transport, optional proxy from the agent's proxy config file,
// and a fixed request timeout.
package httputil

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/omslinux/agent-identity/internal/logging"
)

var log = logging.L("httputil")

// DefaultTimeout bounds every agent→service request. The management
// service is expected to answer well within this.
const DefaultTimeout = 30 * time.Second

// ProxyFromFile reads the agent proxy configuration file and returns the
// proxy URL, or nil when the file is absent or empty (direct connection).
// The file holds a single [user:pass@]host:port line; a scheme prefix is
// accepted and defaults to http.
func ProxyFromFile(path string) (*url.URL, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading proxy configuration %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.Contains(line, "://") {
			line = "http://" + line
		}
		u, err := url.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy configuration %s: %w", path, err)
		}
		log.Debug("using proxy", "host", u.Host)
		return u, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading proxy configuration %s: %w", path, err)
	}
	return nil, nil
}

// NewClient returns a client with the given client-auth TLS config and
// optional proxy. tlsCfg may be nil for plain HTTPS.
func NewClient(tlsCfg *tls.Config, proxy *url.URL) *http.Client {
	transport := &http.Transport{TLSClientConfig: tlsCfg}
	if proxy != nil {
		transport.Proxy = http.ProxyURL(proxy)
	}
	return &http.Client{Transport: transport, Timeout: DefaultTimeout}
}

// Post sends body to url with the given headers and returns the status
// code and response body. The request is sent exactly once: callers in the
// renewal path rely on at-most-once sends so their rollback decisions map
// one-to-one onto wire exchanges.
func Post(ctx context.Context, client *http.Client, url string, body []byte, headers http.Header) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("building request: %w", err)
	}
	for k, vals := range headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response body: %w", err)
	}
	return resp.StatusCode, respBody, nil
}
