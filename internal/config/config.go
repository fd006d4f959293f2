// Package config owns the agent's identity configuration file: a flat
// KEY=value text file shared with the installer and other agent tooling.
// The file layout is load-bearing — other components rewrite single fields
// in place and everything else in the file must survive byte-identical —
// so this store does its own line-level parsing instead of going through a
// structured config format.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/omslinux/agent-identity/internal/errcode"
)

// Recognized keys in the identity config file.
const (
	KeyWorkspaceID               = "WORKSPACE_ID"
	KeyAgentGUID                 = "AGENT_GUID"
	KeyURLTLD                    = "URL_TLD"
	KeyLogFacility               = "LOG_FACILITY"
	KeyCertificateUpdateEndpoint = "CERTIFICATE_UPDATE_ENDPOINT"
	KeyDSCEndpoint               = "DSC_ENDPOINT"
)

// Config is an immutable snapshot of the identity file. Callers that need
// fresh values reload through the Store rather than mutating a snapshot.
type Config struct {
	WorkspaceID               string
	AgentGUID                 string
	URLTLD                    string
	LogFacility               string
	CertificateUpdateEndpoint string
	DSCEndpoint               string
}

// HasIdentity reports whether the fields required to authenticate to the
// management service are present.
func (c *Config) HasIdentity() bool {
	return c.WorkspaceID != "" && c.AgentGUID != ""
}

// TopologyURL returns the heartbeat endpoint for this workspace.
func (c *Config) TopologyURL() string {
	return fmt.Sprintf("https://%s.oms.%s/AgentService.svc/LinuxAgentTopologyRequest",
		c.WorkspaceID, c.URLTLD)
}

// Store reads and rewrites one identity config file.
type Store struct {
	path string
}

// NewStore returns a store bound to the given file path. The file need not
// exist yet; Load and Update report MissingConfigFile when it is absent.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the file path this store is bound to.
func (s *Store) Path() string { return s.path }

// Load parses the identity file into a snapshot. Each recognized KEY=
// prefix assigns that key; when a key occurs more than once the last
// occurrence wins. Absent keys are left empty — validation is the
// caller's responsibility.
func (s *Store) Load() (*Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errcode.New(errcode.MissingConfigFile, "config file %s does not exist", s.path)
		}
		return nil, errcode.Wrap(errcode.MissingConfigFile, err, "config file %s is unreadable", s.path)
	}

	cfg := &Config{}
	for _, line := range strings.Split(string(data), "\n") {
		switch {
		case strings.HasPrefix(line, KeyWorkspaceID+"="):
			cfg.WorkspaceID = strings.TrimPrefix(line, KeyWorkspaceID+"=")
		case strings.HasPrefix(line, KeyAgentGUID+"="):
			cfg.AgentGUID = strings.TrimPrefix(line, KeyAgentGUID+"=")
		case strings.HasPrefix(line, KeyURLTLD+"="):
			cfg.URLTLD = strings.TrimPrefix(line, KeyURLTLD+"=")
		case strings.HasPrefix(line, KeyLogFacility+"="):
			cfg.LogFacility = strings.TrimPrefix(line, KeyLogFacility+"=")
		case strings.HasPrefix(line, KeyCertificateUpdateEndpoint+"="):
			cfg.CertificateUpdateEndpoint = strings.TrimPrefix(line, KeyCertificateUpdateEndpoint+"=")
		case strings.HasPrefix(line, KeyDSCEndpoint+"="):
			cfg.DSCEndpoint = strings.TrimPrefix(line, KeyDSCEndpoint+"=")
		}
	}
	return cfg, nil
}

// Update replaces the first line matching `key=...` with the new value and
// rewrites the file, leaving every other line byte-identical. When no line
// matches, the key is appended so the value is not silently dropped. File
// permissions are preserved.
func (s *Store) Update(key, value string) error {
	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return errcode.New(errcode.MissingConfigFile, "config file %s does not exist", s.path)
		}
		return errcode.Wrap(errcode.MissingConfigFile, err, "config file %s is unreadable", s.path)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return errcode.Wrap(errcode.MissingConfigFile, err, "config file %s is unreadable", s.path)
	}

	// Split preserving structure: a trailing newline yields a final empty
	// element which is dropped and restored on join.
	content := string(data)
	trailingNewline := strings.HasSuffix(content, "\n")
	if trailingNewline {
		content = strings.TrimSuffix(content, "\n")
	}

	lines := strings.Split(content, "\n")
	replaced := false
	for i, line := range lines {
		if strings.HasPrefix(line, key+"=") {
			lines[i] = key + "=" + value
			replaced = true
			break
		}
	}
	if !replaced {
		lines = append(lines, key+"="+value)
	}

	out := strings.Join(lines, "\n")
	if trailingNewline || !replaced {
		out += "\n"
	}

	if err := os.WriteFile(s.path, []byte(out), info.Mode().Perm()); err != nil {
		return errcode.Wrap(errcode.ErrorWritingToFile, err, "rewriting config file %s", s.path)
	}
	return nil
}
