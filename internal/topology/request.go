package topology

import (
	"fmt"
	"os"

	"github.com/omslinux/agent-identity/internal/config"
)

// requestNamespace is the fixed namespace of the topology request envelope.
const requestNamespace = "http://schemas.microsoft.com/WorkloadMonitoring/HealthServiceProtocol/2014/09/"

// DefaultBuilder renders the standard topology request envelope. Anything
// richer (installed management packs, full inventory) comes from callers
// substituting their own RequestBuilder.
type DefaultBuilder struct{}

// Build implements RequestBuilder.
func (DefaultBuilder) Build(cfg *config.Config, extra []byte) ([]byte, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("resolving hostname: %w", err)
	}

	body := fmt.Sprintf(`<?xml version="1.0"?>
<LinuxAgentTopologyRequest xmlns="%s">
   <FullyQualifiedDomainName>%s</FullyQualifiedDomainName>
   <EntityTypeId>%s</EntityTypeId>
   <AuthenticationCertificate></AuthenticationCertificate>
   %s
</LinuxAgentTopologyRequest>
`, requestNamespace, hostname, cfg.AgentGUID, string(extra))
	return []byte(body), nil
}
