// oms-identity maintains the monitoring agent's trust relationship with
// the management service: it generates and renews the identity key pair,
// runs the authenticated topology heartbeat, and folds server-directed
// endpoints back into the agent's configuration. One action per
// invocation; the exit code is the machine-readable result.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/omslinux/agent-identity/internal/config"
	"github.com/omslinux/agent-identity/internal/endpoints"
	"github.com/omslinux/agent-identity/internal/errcode"
	"github.com/omslinux/agent-identity/internal/identity"
	"github.com/omslinux/agent-identity/internal/logging"
	"github.com/omslinux/agent-identity/internal/ownership"
	"github.com/omslinux/agent-identity/internal/privilege"
	"github.com/omslinux/agent-identity/internal/telemetry"
	"github.com/omslinux/agent-identity/internal/topology"
)

var version = "dev"

var (
	verbose bool
	quiet   bool

	workspaceID string
	agentGUID   string
)

var rootCmd = &cobra.Command{
	Use:           "oms-identity",
	Short:         "Linux monitoring agent identity and topology tool",
	Long:          `oms-identity manages the agent's identity certificate and its topology heartbeat against the management service.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := "info"
		if verbose {
			level = "debug"
		}
		if quiet {
			level = "error"
		}
		logging.Init("text", level, os.Stderr)

		if err := privilege.Check(viper.GetString("service-account")); err != nil {
			return err
		}

		writePIDFile(viper.GetString("pid"))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("oms-identity %s\n", version)
	},
}

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Send an authenticated topology heartbeat",
	Long:  `Send one topology request over mutual TLS and apply the server-directed configuration from the response.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _, topo := buildComponents()
		return topo.Heartbeat()
	},
}

var generateCertsCmd = &cobra.Command{
	Use:   "generate-certs",
	Short: "Generate the identity certificate and key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if workspaceID == "" || agentGUID == "" {
			return errcode.New(errcode.InvalidOption, "both --workspace-id and --agent-guid are required")
		}
		_, manager, _ := buildComponents()
		if err := manager.Generate(workspaceID, agentGUID); err != nil {
			return err
		}
		if subject, serial, _, notAfter, err := manager.Describe(); err == nil {
			logging.L("main").Info("identity generated",
				"subject", subject, "serial", serial.String(), "expires", notAfter)
		}
		return nil
	},
}

var renewCertsCmd = &cobra.Command{
	Use:   "renew-certs",
	Short: "Renew the identity pair against the certificate update endpoint",
	Long:  `Generate a new identity pair, announce it to the service authenticated with the current pair, and confirm with a heartbeat. Any failure restores the previous pair.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, manager, _ := buildComponents()
		return manager.Renew()
	},
}

var endpointsCmd = &cobra.Command{
	Use:   "endpoints <topology-xml> <output-file>",
	Short: "Apply endpoints from a pre-fetched topology document",
	Long:  `Extract the certificate update and DSC endpoints from a topology XML document saved by the onboarding flow, persist them, and write both to the output file one per line. Renewal is never triggered by this flow.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, _ := buildComponents()
		extractor := endpoints.NewExtractor(store, nil, serviceOwnership())
		return extractor.ApplyEndpointsFile(args[0], args[1])
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "/etc/opt/microsoft/omsagent/conf/omsadmin.conf", "identity config file")
	flags.String("cert", "/etc/opt/microsoft/omsagent/certs/oms.crt", "identity certificate file")
	flags.String("key", "/etc/opt/microsoft/omsagent/certs/oms.key", "identity private key file")
	flags.String("pid", "/var/opt/microsoft/omsagent/run/oms-identity.pid", "pid file")
	flags.String("proxy", "/etc/opt/microsoft/omsagent/proxy.conf", "proxy config file")
	flags.String("os-info", "/etc/opt/microsoft/scx/conf/scx-release", "os release info file")
	flags.String("install-info", "/etc/opt/microsoft/omsagent/sysconf/installinfo.txt", "install info file")
	flags.String("service-account", "omsagent", "service account that owns identity files")
	flags.String("service-group", "omiusers", "service group that owns identity files")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVarP(&quiet, "quiet", "q", false, "log errors only")

	viper.SetEnvPrefix("OMS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range []string{
		"config", "cert", "key", "pid", "proxy",
		"os-info", "install-info", "service-account", "service-group",
	} {
		viper.BindPFlag(name, flags.Lookup(name))
	}

	generateCertsCmd.Flags().StringVarP(&workspaceID, "workspace-id", "w", "", "workspace id to bind the certificate to")
	generateCertsCmd.Flags().StringVarP(&agentGUID, "agent-guid", "a", "", "agent guid to bind the certificate to")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(heartbeatCmd)
	rootCmd.AddCommand(generateCertsCmd)
	rootCmd.AddCommand(renewCertsCmd)
	rootCmd.AddCommand(endpointsCmd)
}

func serviceOwnership() ownership.Ownership {
	return ownership.Ownership{
		User:  viper.GetString("service-account"),
		Group: viper.GetString("service-group"),
	}
}

// buildComponents wires the store, certificate manager and topology client.
// The manager's confirmation heartbeat is the topology client itself, and
// the topology client drives renewal through the extractor, so the cycle
// is closed after construction.
func buildComponents() (*config.Store, *identity.Manager, *topology.Client) {
	store := config.NewStore(viper.GetString("config"))

	manager := identity.NewManager(identity.Options{
		Store:     store,
		CertPath:  viper.GetString("cert"),
		KeyPath:   viper.GetString("key"),
		ProxyPath: viper.GetString("proxy"),
		Ownership: serviceOwnership(),
	})

	extractor := endpoints.NewExtractor(store, manager, serviceOwnership())

	topo := topology.NewClient(topology.Options{
		Store:           store,
		CertPath:        viper.GetString("cert"),
		KeyPath:         viper.GetString("key"),
		ProxyPath:       viper.GetString("proxy"),
		InstallInfoPath: viper.GetString("install-info"),
		Telemetry:       &telemetry.Collector{OSInfoPath: viper.GetString("os-info")},
		Extractor:       extractor,
	})

	manager.SetConfirmer(topo)
	return store, manager, topo
}

// writePIDFile records the current pid. Best effort: scheduling tooling
// reads it, but a failure must not block the requested action.
func writePIDFile(path string) {
	if path == "" {
		return
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		logging.L("main").Debug("could not write pid file", logging.KeyError, err, "path", path)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(errcode.ExitCode(err))
	}
}
