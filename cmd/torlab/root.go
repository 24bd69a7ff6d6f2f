package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for torlab.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "torlab",
		Short: "Private Tor network laboratory",
		Long: `torlab builds and runs private Tor networks for research and testing.

A network is a set of directory authorities, relays, clients and onion
services that bootstrap their own consensus. "torlab serve" runs the
controller and its HTTP API; the network, node, capture and circuits
commands talk to that API.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags that apply to all commands
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	cmd.PersistentFlags().StringP("config", "c", "",
		"Configuration file path (default: .torlab.yaml in current or home directory)")
	cmd.PersistentFlags().StringP("server", "s", "",
		"Control API address (default: $TORLAB_SERVER or the configured listen address)")

	// Add subcommands
	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewNetworkCmd())
	cmd.AddCommand(NewNodeCmd())
	cmd.AddCommand(NewCaptureCmd())
	cmd.AddCommand(NewCircuitsCmd())
	cmd.AddCommand(NewNodeAgentCmd())
	cmd.AddCommand(NewInitCmd())
	cmd.AddCommand(NewDoctorCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
