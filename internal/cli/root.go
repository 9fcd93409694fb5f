// Package cli wires the betlinkd commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "betlinkd",
	Short: "betlinkd - B2B gaming wallet and AML monitoring service",
	Long: `betlinkd is the Betlink integration platform daemon. It exposes the
partner-facing wallet API (deposits, withdrawals, bets, wins, rollbacks),
runs AML transaction monitoring in the background and streams alerts to
connected partners over websockets.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "configuration file path")
}
