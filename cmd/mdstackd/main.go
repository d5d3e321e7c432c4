// Mdstackd - mobile data orchestration daemon
//
// Runs the multi-SIM data stack against the in-process simulated radio:
//   - Per-subscription data network controllers with carrier retry rules
//   - Device-wide preferred-data arbitration (emergency/voice/opportunistic/
//     auto-switch/default precedence)
//   - Automatic data switching between subscriptions
//   - Stall recovery escalation ladder
//   - Diagnostics HTTP API with prometheus metrics
//
// Commands:
//
//	mdstackd run              # start the stack (foreground)
//	mdstackd status           # query a running daemon and render its state
//	mdstackd version          # build information
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mdstack-network/mdstack/pkg/config"
	"github.com/mdstack-network/mdstack/pkg/version"
)

var (
	configPath string
	verbose    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "mdstackd",
	Short:         "Mobile data orchestration daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
	Long: `Mdstackd orchestrates mobile data connectivity across SIM slots:
network request arbitration, data profile selection, setup retry, stall
recovery, and preferred-data switching.

  mdstackd run -c /etc/mdstack/config.yaml`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("mdstackd " + version.Info())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(runCmd, statusCmd, versionCmd)
}

// loadConfig layers the optional config file over the built-in defaults.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}
