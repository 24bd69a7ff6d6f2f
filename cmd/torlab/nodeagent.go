package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/nao1215/torlab/internal/agent"
	"github.com/nao1215/torlab/internal/config"
	"github.com/nao1215/torlab/internal/log"
	"github.com/nao1215/torlab/internal/model"
	"github.com/nao1215/torlab/internal/quorum"
)

// NewNodeAgentCmd creates the node-agent command that node containers
// run as their entry point.
func NewNodeAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node-agent",
		Short: "Bootstrap one node and run tor",
		Long: `node-agent bootstraps the node described by its environment and then
runs tor in the foreground. Node containers use it as entry point.

The node is described by ROLE, NICK, NETWORK, DA_COUNT, ADDRESS,
DATA_DIR, CONTROL_PORT, OR_PORT, DIR_PORT, SOCKS_PORT, HS_PORT,
SERVICE_IP and SERVICE_PORT. Directory authorities announce themselves
in the quorum registry; every node waits until DA_COUNT authorities are
known or the quorum timeout passes.

Examples:
  ROLE=da NICK=labda0 NETWORK=lab DA_COUNT=3 torlab node-agent --quorum-dir /shared/quorum
  torlab node-agent --env-file node.env --quorum-backend etcd --etcd-endpoints etcd:2379`,
		Args: cobra.NoArgs,
		RunE: runNodeAgentCmd,
	}

	cmd.Flags().String("env-file", "", "Load node variables from this file; the process environment wins")
	cmd.Flags().String("quorum-backend", config.QuorumFile, "Quorum registry: file, etcd or redis")
	cmd.Flags().String("quorum-dir", "", "Directory of the file quorum backend")
	cmd.Flags().StringSlice("etcd-endpoints", nil, "etcd endpoints of the etcd quorum backend")
	cmd.Flags().String("redis-addr", "", "Redis address of the redis quorum backend")
	cmd.Flags().Duration("quorum-timeout", config.DefaultQuorumTimeout, "How long to wait for the authority quorum")
	cmd.Flags().Duration("poll-interval", config.DefaultQuorumPollInterval, "How often to poll the quorum registry")
	cmd.Flags().String("tor-binary", config.DefaultTorBinary, "tor executable")
	cmd.Flags().Bool("no-run", false, "Stop after writing the configuration")
	cmd.Flags().Bool("json-log", false, "Write logs as JSON")

	return cmd
}

// agentConfig is the quorum part of the node-agent flags.
type agentConfig struct {
	backend       string
	dir           string
	etcdEndpoints []string
	redisAddr     string
}

// openAgentBarrier connects to the quorum registry named by the flags.
func openAgentBarrier(ac agentConfig) (quorum.Barrier, func() error, error) {
	switch ac.backend {
	case config.QuorumFile:
		if ac.dir == "" {
			return nil, nil, fmt.Errorf("%w: the file quorum backend needs --quorum-dir", config.ErrConfiguration)
		}
		b, err := quorum.NewFile(ac.dir)
		if err != nil {
			return nil, nil, err
		}
		return b, func() error { return nil }, nil
	case config.QuorumMemory:
		return nil, nil, fmt.Errorf("%w: a node agent cannot share a memory quorum", config.ErrConfiguration)
	default:
		cfg := config.NewConfig()
		cfg.QuorumBackend = ac.backend
		cfg.EtcdEndpoints = ac.etcdEndpoints
		cfg.RedisAddr = ac.redisAddr
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
		return quorum.Open(cfg)
	}
}

// runNodeAgentCmd executes the node-agent command.
func runNodeAgentCmd(cmd *cobra.Command, _ []string) error {
	logger, closer, err := log.New(cmd.ErrOrStderr(), log.Options{
		JSON:    flagBool(cmd, "json-log"),
		Verbose: getVerboseFlag(cmd),
	})
	if err != nil {
		return err
	}
	defer closer.Close() //nolint:errcheck // stderr

	env, err := config.LoadNodeEnv(flagString(cmd, "env-file"))
	if err != nil {
		return err
	}
	endpoints, err := cmd.Flags().GetStringSlice("etcd-endpoints")
	if err != nil {
		return err
	}
	barrier, closeBarrier, err := openAgentBarrier(agentConfig{
		backend:       flagString(cmd, "quorum-backend"),
		dir:           flagString(cmd, "quorum-dir"),
		etcdEndpoints: endpoints,
		redisAddr:     flagString(cmd, "redis-addr"),
	})
	if err != nil {
		return err
	}
	defer closeBarrier() //nolint:errcheck // the process exits next

	ctx, cancel := commandContext(cmd)
	defer cancel()

	a := agent.New(barrier, nil,
		agent.WithLogger(logger),
		agent.WithQuorumTimeout(flagDuration(cmd, "quorum-timeout")),
		agent.WithPollInterval(flagDuration(cmd, "poll-interval")),
	)
	res, err := a.Bootstrap(ctx, agent.SpecFromEnv(env, model.DefaultTorTuning()))
	if err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	if flagBool(cmd, "no-run") {
		logger.Info("configuration written", slog.String("torrc", res.TorrcPath))
		return nil
	}

	logger.Info("running tor", slog.String("torrc", res.TorrcPath))
	if err := agent.RunTor(ctx, flagString(cmd, "tor-binary"), res.TorrcPath); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	return nil
}
