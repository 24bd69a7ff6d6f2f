package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/torlab/internal/client"
	"github.com/nao1215/torlab/internal/config"
)

// serverEnv overrides the control API address.
const serverEnv = "TORLAB_SERVER"

// serverAddress picks the control API address: the --server flag, then
// $TORLAB_SERVER, then the listen address of the configuration file.
func serverAddress(cmd *cobra.Command) string {
	if s, err := cmd.Flags().GetString("server"); err == nil && s != "" {
		return s
	}
	if s := os.Getenv(serverEnv); s != "" {
		return s
	}
	cfg := config.NewConfig()
	if path := config.FindConfigFile(flagString(cmd, "config")); path != "" {
		if cf, err := config.LoadConfigFile(path); err == nil {
			cf.Apply(cfg)
		}
	}
	return cfg.ListenAddr
}

// newClient returns a client of the control API selected for cmd.
func newClient(cmd *cobra.Command) (*client.Client, error) {
	return client.New(serverAddress(cmd))
}

// commandContext returns a context cancelled on SIGINT or SIGTERM.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Flag getters for flags the command itself defines; a lookup can only
// fail on a programming error and then yields the zero value.

func flagString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name) //nolint:errcheck // see above
	return v
}

func flagBool(cmd *cobra.Command, name string) bool {
	v, _ := cmd.Flags().GetBool(name) //nolint:errcheck // see above
	return v
}

func flagInt(cmd *cobra.Command, name string) int {
	v, _ := cmd.Flags().GetInt(name) //nolint:errcheck // see above
	return v
}

func flagDuration(cmd *cobra.Command, name string) time.Duration {
	v, _ := cmd.Flags().GetDuration(name) //nolint:errcheck // see above
	return v
}
