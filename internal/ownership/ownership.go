//go:build !windows

// Package ownership assigns generated files to the monitoring service
// account. The account and group come from configuration, not compiled-in
// literals, so tests can target accounts that exist on the test host.
package ownership

import (
	"fmt"
	"os"
	"os/user"
	"strconv"

	"github.com/omslinux/agent-identity/internal/logging"
)

var log = logging.L("ownership")

// Ownership names the service account and group that should own the
// agent's identity and output files.
type Ownership struct {
	User  string
	Group string
}

// Apply chowns path to the configured account and group. Without root
// privilege chown would fail for foreign accounts, so the call is skipped
// and logged at debug. An unknown account is an error: generated identity
// files must not silently stay owned by root.
func (o Ownership) Apply(path string) error {
	if o.User == "" || os.Getuid() != 0 {
		log.Debug("skipping ownership change", "path", path, "user", o.User)
		return nil
	}

	u, err := user.Lookup(o.User)
	if err != nil {
		return fmt.Errorf("looking up service account %s: %w", o.User, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("parsing uid for %s: %w", o.User, err)
	}

	gid := -1
	if o.Group != "" {
		g, err := user.LookupGroup(o.Group)
		if err != nil {
			return fmt.Errorf("looking up service group %s: %w", o.Group, err)
		}
		gid, err = strconv.Atoi(g.Gid)
		if err != nil {
			return fmt.Errorf("parsing gid for %s: %w", o.Group, err)
		}
	}

	if err := os.Chown(path, uid, gid); err != nil {
		return fmt.Errorf("changing ownership of %s: %w", path, err)
	}
	return nil
}
