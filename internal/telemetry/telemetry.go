// Package telemetry collects best-effort host facts for the topology
// request. Collection failures are reported to the caller but are never
// fatal to a heartbeat: the request is simply sent without the fragment.
package telemetry

import (
	"encoding/xml"
	"fmt"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/omslinux/agent-identity/internal/logging"
)

var log = logging.L("telemetry")

// OperatingSystem is the telemetry fragment appended to the topology
// request body.
type OperatingSystem struct {
	XMLName       xml.Name `xml:"OperatingSystem"`
	Name          string   `xml:"Name,omitempty"`
	Version       string   `xml:"Version,omitempty"`
	Hostname      string   `xml:"Hostname,omitempty"`
	UptimeSeconds uint64   `xml:"UptimeSeconds,omitempty"`
}

// Collector gathers the OperatingSystem fragment from the installer's
// os-info file plus live host facts.
type Collector struct {
	OSInfoPath string
}

// Collect returns the telemetry fragment as rendered XML.
func (c *Collector) Collect() ([]byte, error) {
	osys := OperatingSystem{}

	name, version := readOSInfo(c.OSInfoPath)
	osys.Name = name
	osys.Version = version

	if hostname, err := os.Hostname(); err == nil {
		osys.Hostname = hostname
	}

	if info, err := host.Info(); err != nil {
		log.Debug("host facts unavailable", logging.KeyError, err)
	} else {
		osys.UptimeSeconds = info.Uptime
		if osys.Name == "" {
			osys.Name = info.Platform
		}
		if osys.Version == "" {
			osys.Version = info.PlatformVersion
		}
	}

	out, err := xml.Marshal(osys)
	if err != nil {
		return nil, fmt.Errorf("rendering telemetry fragment: %w", err)
	}
	return out, nil
}

// readOSInfo parses the installer-written os-info file (flat KEY=value,
// OSName and OSVersion keys). Missing file or keys yield empty strings.
func readOSInfo(path string) (name, version string) {
	if path == "" {
		return "", ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		switch {
		case strings.HasPrefix(line, "OSName="):
			name = strings.Trim(strings.TrimPrefix(line, "OSName="), `'"`)
		case strings.HasPrefix(line, "OSVersion="):
			version = strings.Trim(strings.TrimPrefix(line, "OSVersion="), `'"`)
		}
	}
	return name, version
}
