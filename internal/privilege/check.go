//go:build !windows

// Package privilege gates the identity operations behind the user they
// must run as: root, or the monitoring service account that owns the
// identity files.
package privilege

import (
	"os"
	"os/user"

	"github.com/omslinux/agent-identity/internal/errcode"
)

// Env vars whose joint presence marks a test environment where the
// privileged-user requirement is waived.
const (
	EnvTestWorkspaceID = "TEST_WORKSPACE_ID"
	EnvTestSharedKey   = "TEST_SHARED_KEY"
)

// IsRunningAsRoot returns true if running with UID 0 (root).
func IsRunningAsRoot() bool {
	return os.Getuid() == 0
}

// TestModeActive reports whether the test-environment bypass is in effect.
func TestModeActive() bool {
	_, hasWS := os.LookupEnv(EnvTestWorkspaceID)
	_, hasKey := os.LookupEnv(EnvTestSharedKey)
	return hasWS && hasKey
}

// Check verifies the invoking user may run identity operations: root and
// the named service account qualify, and the test-mode env bypass waives
// the check entirely. Returns a NonPrivilegedUser taxonomy error otherwise.
func Check(serviceAccount string) error {
	if TestModeActive() {
		return nil
	}
	if IsRunningAsRoot() {
		return nil
	}
	current, err := user.Current()
	if err == nil && serviceAccount != "" && current.Username == serviceAccount {
		return nil
	}
	return errcode.New(errcode.NonPrivilegedUser,
		"must run as root or %s", serviceAccount)
}
