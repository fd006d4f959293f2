// Package topology drives the authenticated heartbeat: it builds the
// topology request, sends it over mutual TLS, and dispatches the response
// through the endpoint extractor. A successful heartbeat is also how a
// certificate renewal is confirmed, so the identity manager calls back
// into this client.
package topology

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/omslinux/agent-identity/internal/config"
	"github.com/omslinux/agent-identity/internal/endpoints"
	"github.com/omslinux/agent-identity/internal/errcode"
	"github.com/omslinux/agent-identity/internal/httputil"
	"github.com/omslinux/agent-identity/internal/logging"
	"github.com/omslinux/agent-identity/internal/mtls"
)

var log = logging.L("topology")

const userAgentProduct = "LinuxMonitoringAgent"

// RequestBuilder produces the topology request body. The extra fragment,
// when non-nil, is best-effort telemetry to embed; the builder's payload
// beyond that is opaque to this package.
type RequestBuilder interface {
	Build(cfg *config.Config, extra []byte) ([]byte, error)
}

// TelemetryCollector supplies the optional telemetry fragment. Failures
// are logged and the heartbeat proceeds without the fragment.
type TelemetryCollector interface {
	Collect() ([]byte, error)
}

// IntervalApplier consumes the server-directed request interval from a
// topology response. Runs after both endpoint extractions.
type IntervalApplier interface {
	Apply(response []byte) error
}

// Client performs topology heartbeats for one configured agent.
type Client struct {
	store           *config.Store
	certPath        string
	keyPath         string
	proxyPath       string
	installInfoPath string
	builder         RequestBuilder
	telemetry       TelemetryCollector
	extractor       *endpoints.Extractor
	interval        IntervalApplier
	urlOverride     string
}

// Options configures a Client. Builder, Telemetry and Interval may be nil:
// a default builder, no telemetry, and a no-op applier are substituted.
type Options struct {
	Store           *config.Store
	CertPath        string
	KeyPath         string
	ProxyPath       string
	InstallInfoPath string
	Builder         RequestBuilder
	Telemetry       TelemetryCollector
	Extractor       *endpoints.Extractor
	Interval        IntervalApplier

	// URL overrides the topology URL derived from configuration. Used by
	// onboarding tooling that targets a staging service, and by tests.
	URL string
}

// NewClient returns a heartbeat client.
func NewClient(opts Options) *Client {
	c := &Client{
		store:           opts.Store,
		certPath:        opts.CertPath,
		keyPath:         opts.KeyPath,
		proxyPath:       opts.ProxyPath,
		installInfoPath: opts.InstallInfoPath,
		builder:         opts.Builder,
		telemetry:       opts.Telemetry,
		extractor:       opts.Extractor,
		interval:        opts.Interval,
		urlOverride:     opts.URL,
	}
	if c.builder == nil {
		c.builder = &DefaultBuilder{}
	}
	if c.interval == nil {
		c.interval = NopIntervalApplier{}
	}
	return c
}

// Heartbeat reloads configuration, sends one topology request, and applies
// the server's response. Configuration is reloaded on every call so a
// renewal that just rewrote the config file is observed immediately.
func (c *Client) Heartbeat() error {
	cfg, err := c.store.Load()
	if err != nil {
		return err
	}
	if !cfg.HasIdentity() || cfg.URLTLD == "" {
		return errcode.New(errcode.MissingConfig, "workspace id, agent guid and url tld must be set in %s", c.store.Path())
	}
	if !mtls.PairPresent(c.certPath, c.keyPath) {
		return errcode.New(errcode.MissingCerts, "identity pair missing or empty")
	}

	tlsCfg, err := mtls.BuildTLSConfigFromFiles(c.certPath, c.keyPath)
	if err != nil {
		return errcode.Wrap(errcode.MissingCerts, err, "identity pair is unusable")
	}

	var fragment []byte
	if c.telemetry != nil {
		fragment, err = c.telemetry.Collect()
		if err != nil {
			log.Warn("telemetry collection failed, sending heartbeat without it", logging.KeyError, err)
			fragment = nil
		}
	}

	body, err := c.builder.Build(cfg, fragment)
	if err != nil {
		return errcode.Wrap(errcode.ErrorSendingHTTP, err, "building topology request")
	}

	proxy, err := httputil.ProxyFromFile(c.proxyPath)
	if err != nil {
		return errcode.Wrap(errcode.ErrorSendingHTTP, err, "resolving proxy")
	}
	client := httputil.NewClient(tlsCfg, proxy)

	url := c.urlOverride
	if url == "" {
		url = cfg.TopologyURL()
	}
	headers := http.Header{
		"Content-Type":    {"application/xml"},
		"Date":            {time.Now().UTC().Format(http.TimeFormat)},
		"User-Agent":      {c.userAgent()},
		"Accept-Language": {"en-US"},
		"X-Request-ID":    {uuid.NewString()},
	}

	log.Debug("sending topology request",
		logging.KeyWorkspace, cfg.WorkspaceID, logging.KeyEndpoint, url)

	status, respBody, err := httputil.Post(context.Background(), client, url, body, headers)
	if err != nil {
		return errcode.Wrap(errcode.ErrorSendingHTTP, err, "sending topology request")
	}
	if status != http.StatusOK {
		return errcode.New(errcode.HTTPNon200, "topology request answered %d", status)
	}

	if _, err := c.extractor.ApplyCertificateUpdateEndpoint(respBody, true); err != nil {
		return err
	}
	if _, err := c.extractor.ApplyDSCEndpoint(respBody); err != nil {
		return err
	}
	if err := c.interval.Apply(respBody); err != nil {
		return err
	}

	log.Info("topology heartbeat succeeded", logging.KeyWorkspace, cfg.WorkspaceID)
	return nil
}

// userAgent derives LinuxMonitoringAgent/<version> from the install-info
// file; the version suffix is omitted when the file is absent or empty.
func (c *Client) userAgent() string {
	data, err := os.ReadFile(c.installInfoPath)
	if err != nil {
		return userAgentProduct
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return userAgentProduct
	}
	return userAgentProduct + "/" + fields[0]
}
