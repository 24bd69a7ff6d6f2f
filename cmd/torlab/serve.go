package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/torlab/internal/agent"
	"github.com/nao1215/torlab/internal/api"
	"github.com/nao1215/torlab/internal/capture"
	"github.com/nao1215/torlab/internal/circuit"
	"github.com/nao1215/torlab/internal/config"
	"github.com/nao1215/torlab/internal/controller"
	"github.com/nao1215/torlab/internal/database"
	"github.com/nao1215/torlab/internal/log"
	"github.com/nao1215/torlab/internal/metrics"
	"github.com/nao1215/torlab/internal/model"
	"github.com/nao1215/torlab/internal/quorum"
	"github.com/nao1215/torlab/internal/report"
	"github.com/nao1215/torlab/internal/runtime"
	"github.com/nao1215/torlab/internal/status"
)

// controlTimeout bounds one control port conversation of the server.
const controlTimeout = 5 * time.Second

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the controller and its HTTP API",
		Long: `Serve runs the network controller, the status tracker and the control
API until it is interrupted.

Settings are read from .torlab.yaml (current or home directory, or
--config) and can be overridden with flags.

Examples:
  # Run nodes as local tor processes
  torlab serve --runtime process --quorum-backend memory

  # Run nodes as containers that meet in etcd
  torlab serve --runtime docker --quorum-backend etcd --etcd-endpoints 127.0.0.1:2379`,
		Args: cobra.NoArgs,
		RunE: runServeCmd,
	}

	cmd.Flags().StringP("listen", "l", config.DefaultListenAddr, "Address of the control API")
	cmd.Flags().StringP("data-dir", "d", config.XDGDataDir(), "Directory for the database, node data and captures")
	cmd.Flags().StringP("runtime", "r", config.DefaultRuntime, "Node runtime: docker, process or memory")
	cmd.Flags().String("docker-image", config.DefaultDockerImage, "Image of node containers")
	cmd.Flags().String("docker-network", config.DefaultDockerNetwork, "Docker network joining node containers")
	cmd.Flags().String("tor-binary", config.DefaultTorBinary, "tor executable of the process runtime")
	cmd.Flags().String("quorum-backend", config.DefaultQuorumBackend, "Quorum registry: memory, file, etcd or redis")
	cmd.Flags().StringSlice("etcd-endpoints", nil, "etcd endpoints of the etcd quorum backend")
	cmd.Flags().String("redis-addr", "", "Redis address of the redis quorum backend and the action lock")
	cmd.Flags().Duration("quorum-timeout", config.DefaultQuorumTimeout, "How long nodes wait for the authority quorum")
	cmd.Flags().String("reconcile-schedule", config.DefaultReconcileSchedule, "Cron schedule of status reconciliation")
	cmd.Flags().Int("max-concurrent-bootstraps", config.DefaultMaxConcurrentBootstraps, "Nodes bootstrapped at once")
	cmd.Flags().Bool("json-log", false, "Write logs as JSON")
	cmd.Flags().String("log-file", "", "Write logs to a rotated file instead of stderr")

	return cmd
}

// runServeCmd executes the serve command.
func runServeCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger, closer, err := log.New(cmd.ErrOrStderr(), log.Options{
		File:    cfg.LogFile,
		JSON:    cfg.JSONLog,
		Verbose: cfg.Verbose,
	})
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer closer.Close() //nolint:errcheck // nothing left to log to
	slog.SetDefault(logger)

	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()
	if cfg.ConfigFilePath != "" {
		logger.Info("loaded configuration", "path", cfg.ConfigFilePath)
	}
	return a.run(ctx)
}

// getVerboseFlag retrieves the verbose flag from the command or its parent.
func getVerboseFlag(cmd *cobra.Command) bool {
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		verbose, err = cmd.Root().PersistentFlags().GetBool("verbose")
		if err != nil {
			return false
		}
	}
	return verbose
}

// loadConfigFile applies the configuration file to cfg. A file named with
// --config must exist; the default locations are optional.
func loadConfigFile(cmd *cobra.Command, cfg *config.Config) error {
	configPath := flagString(cmd, "config")
	path := config.FindConfigFile(configPath)
	if path == "" {
		if configPath != "" {
			return fmt.Errorf("%w: %s", config.ErrConfigNotFound, configPath)
		}
		return nil
	}
	cf, err := config.LoadConfigFile(path)
	if err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	cf.Apply(cfg)
	cfg.ConfigFilePath = path
	return nil
}

// buildConfig creates a Config from defaults, the configuration file and
// the flags of cmd, in that order.
func buildConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.NewConfig()
	if err := loadConfigFile(cmd, cfg); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	stringFlags := map[string]*string{
		"listen":             &cfg.ListenAddr,
		"data-dir":           &cfg.DataDir,
		"runtime":            &cfg.Runtime,
		"docker-image":       &cfg.DockerImage,
		"docker-network":     &cfg.DockerNetwork,
		"tor-binary":         &cfg.TorBinary,
		"quorum-backend":     &cfg.QuorumBackend,
		"redis-addr":         &cfg.RedisAddr,
		"reconcile-schedule": &cfg.ReconcileSchedule,
		"log-file":           &cfg.LogFile,
	}
	for name, dst := range stringFlags {
		if flags.Lookup(name) != nil && flags.Changed(name) {
			*dst = flagString(cmd, name)
		}
	}
	if flags.Lookup("etcd-endpoints") != nil && flags.Changed("etcd-endpoints") {
		endpoints, err := flags.GetStringSlice("etcd-endpoints")
		if err != nil {
			return nil, err
		}
		cfg.EtcdEndpoints = endpoints
	}
	if flags.Lookup("quorum-timeout") != nil && flags.Changed("quorum-timeout") {
		cfg.QuorumTimeout = flagDuration(cmd, "quorum-timeout")
	}
	if flags.Lookup("max-concurrent-bootstraps") != nil && flags.Changed("max-concurrent-bootstraps") {
		cfg.MaxConcurrentBootstraps = flagInt(cmd, "max-concurrent-bootstraps")
	}
	if flags.Lookup("json-log") != nil && flags.Changed("json-log") {
		cfg.JSONLog = flagBool(cmd, "json-log")
	}
	cfg.Verbose = cfg.Verbose || getVerboseFlag(cmd)
	return cfg, nil
}

// app is the wired controller process.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *database.Store
	rt       runtime.Runtime
	barrier  quorum.Barrier
	registry *prometheus.Registry
	captures *capture.Manager
	circuits *circuit.Recorder
	ctrl     *controller.Controller
	tracker  *status.Tracker
	server   *api.Server

	// closers release resources in reverse order of acquisition.
	closers []func() error
}

// newApp opens every component selected by cfg.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	fail := func(err error) (*app, error) {
		_ = a.Close() //nolint:errcheck // the open error is reported
		return nil, err
	}

	var err error
	a.store, err = database.Open(cfg.DataDir, database.DefaultOptions())
	if err != nil {
		return fail(fmt.Errorf("failed to open database: %w", err))
	}
	a.closers = append(a.closers, a.store.Close)

	a.rt, err = runtime.Open(ctx, cfg, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to open %s runtime: %w", cfg.Runtime, err))
	}
	a.closers = append(a.closers, a.rt.Close)

	barrier, closeBarrier, err := quorum.Open(cfg)
	if err != nil {
		return fail(fmt.Errorf("failed to open %s quorum backend: %w", cfg.QuorumBackend, err))
	}
	a.barrier = barrier
	a.closers = append(a.closers, closeBarrier)

	rec := metrics.NewRecorder(a.registry)
	dirs := controller.NodeDirs(cfg.NodesDir())

	a.captures = capture.NewManager(a.store, capture.NewRuntimeSource(a.rt), cfg.CapturesDir(),
		capture.WithLogger(logger.With("component", "capture")),
		capture.WithMetrics(rec),
		capture.WithLimits(cfg.MaxCaptureSizeMB, cfg.CaptureRotateInterval),
	)
	a.closers = append(a.closers, a.captures.Close)

	a.circuits = circuit.New(a.store,
		circuit.WithLogger(logger.With("component", "circuit")),
		circuit.WithMetrics(rec),
		circuit.WithHopResolver(a.resolveHop),
	)

	opts := []controller.Option{
		controller.WithLogger(logger.With("component", "controller")),
		controller.WithMetrics(rec),
		controller.WithCaptures(a.captures),
		controller.WithCircuitIngest(a.circuits, controller.CookieDialer(dirs, controlTimeout)),
		controller.WithDataDir(dirs),
		controller.WithMaxConcurrentBootstraps(cfg.MaxConcurrentBootstraps),
		controller.WithTopologyCacheTTL(cfg.TopologyCacheTTL),
		controller.WithCircuitWindow(cfg.CircuitWindow),
		controller.WithCaptureDefaults(model.CaptureDefaults{
			MaxCaptureSizeMB:      cfg.MaxCaptureSizeMB,
			CaptureRotateInterval: cfg.CaptureRotateInterval,
		}),
	}
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, rc.Close)
		opts = append(opts, controller.WithLocker(controller.NewRedisLocker(rc, 0)))
	}
	a.ctrl = controller.New(a.store, a.rt, a.barrier, newLauncher(cfg, a.rt, a.barrier, dirs, logger), opts...)
	a.closers = append(a.closers, a.ctrl.Close)

	a.tracker = status.New(a.store, status.NewControlProber(a.rt, status.DataDirFunc(dirs), controlTimeout),
		status.WithLogger(logger.With("component", "status")),
		status.WithMetrics(rec),
		status.WithSchedule(cfg.ReconcileSchedule),
		status.WithFailureThreshold(cfg.ControlFailureThreshold),
	)

	reports := report.NewCollector(a.ctrl,
		report.WithCaptures(a.captures),
		report.WithCircuits(a.circuits),
		report.WithVersion(getVersion()),
	)
	a.server = api.New(a.ctrl, a.store,
		api.WithLogger(logger.With("component", "api")),
		api.WithRuntime(a.rt),
		api.WithCaptures(a.captures),
		api.WithCircuits(a.circuits),
		api.WithReports(reports),
		api.WithBandwidth(controller.CookieBandwidth(dirs, controlTimeout)),
		api.WithMetrics(a.registry),
		api.WithVersion(getVersion()),
	)
	return a, nil
}

// newLauncher picks how nodes are brought up. Containers bootstrap
// themselves through the node agent; the other runtimes bootstrap in
// this process.
func newLauncher(cfg *config.Config, rt runtime.Runtime, barrier quorum.Barrier, dirs controller.DataDirFunc, logger *slog.Logger) controller.Launcher {
	if cfg.Runtime == config.RuntimeDocker {
		return controller.NewContainerLauncher(rt, dirs, controller.ContainerOptionsFrom(cfg))
	}
	return controller.NewAgentLauncher(rt, barrier, dirs, cfg.TorBinary,
		agent.WithLogger(logger.With("component", "agent")),
		agent.WithQuorumTimeout(cfg.QuorumTimeout),
		agent.WithPollInterval(cfg.QuorumPollInterval),
	)
}

// resolveHop names a circuit hop after the node that owns the
// fingerprint.
func (a *app) resolveHop(fingerprint string) (string, string, bool) {
	n, err := a.store.NodeByFingerprint(context.Background(), fingerprint)
	if err != nil {
		return "", "", false
	}
	return n.Name, n.Address, true
}

// run reconciles status and serves the API until ctx is done.
func (a *app) run(ctx context.Context) error {
	a.logger.Info("torlab started",
		"version", getVersion(),
		"runtime", a.rt.Name(),
		"quorum", a.cfg.QuorumBackend,
		"data_dir", a.cfg.DataDir,
	)
	if err := a.tracker.ReconcileAll(ctx); err != nil {
		a.logger.Warn("initial reconcile failed", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.tracker.Run(ctx)
	})
	g.Go(func() error {
		return a.server.ListenAndServe(ctx, a.cfg.ListenAddr)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases every component in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
