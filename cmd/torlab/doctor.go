package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/torlab/internal/client"
	"github.com/nao1215/torlab/internal/config"
	"github.com/nao1215/torlab/internal/quorum"
	"github.com/nao1215/torlab/internal/runtime"
	"github.com/nao1215/torlab/internal/tor"
)

// ErrChecksFailed is returned by doctor when a check failed.
var ErrChecksFailed = errors.New("some checks failed")

// doctorCheckTimeout bounds the checks that talk to other services.
const doctorCheckTimeout = 10 * time.Second

// NewDoctorCmd creates the doctor command.
func NewDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that this host can run private Tor networks",
		Long: `Doctor checks the configuration, the data directory, the node runtime,
the quorum backend and the control API. Unless --skip-tor is given it
also launches a throwaway tor to prove the tor binary works and can
reach the Tor network.`,
		Args: cobra.NoArgs,
		RunE: runDoctorCmd,
	}
	addOutputFlag(cmd)
	cmd.Flags().Bool("skip-tor", false, "Do not launch the throwaway tor")
	cmd.Flags().Duration("tor-timeout", config.DefaultTorStartupTimeout, "Timeout for the throwaway tor")
	return cmd
}

// check is the outcome of one doctor check.
type check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
	// Optional checks do not fail the command.
	Optional bool `json:"optional,omitempty"`
}

func passed(name, format string, args ...any) check {
	return check{Name: name, OK: true, Detail: fmt.Sprintf(format, args...)}
}

func broken(name string, err error) check {
	return check{Name: name, Detail: err.Error()}
}

// doctor runs the checks against one configuration.
type doctor struct {
	cfg      *config.Config
	server   string
	launcher tor.Launcher
	skipTor  bool
	timeout  time.Duration
	logger   *slog.Logger
}

func (d *doctor) run(ctx context.Context) []check {
	checks := []check{d.checkDataDir()}
	checks = append(checks, d.checkRuntime(ctx)...)
	checks = append(checks, d.checkQuorum(ctx), d.checkServer(ctx))
	if !d.skipTor {
		checks = append(checks, d.checkTor(ctx))
	}
	return checks
}

func (d *doctor) checkDataDir() check {
	const name = "data directory"
	if err := os.MkdirAll(d.cfg.DataDir, 0o750); err != nil {
		return broken(name, err)
	}
	f, err := os.CreateTemp(d.cfg.DataDir, ".doctor-*")
	if err != nil {
		return broken(name, fmt.Errorf("%s is not writable: %w", d.cfg.DataDir, err))
	}
	_ = f.Close()           //nolint:errcheck // empty probe file
	_ = os.Remove(f.Name()) //nolint:errcheck // empty probe file
	return passed(name, "%s", d.cfg.DataDir)
}

func (d *doctor) checkRuntime(ctx context.Context) []check {
	ctx, cancel := context.WithTimeout(ctx, doctorCheckTimeout)
	defer cancel()

	checks := make([]check, 0, 2)
	rt, err := runtime.Open(ctx, d.cfg, d.logger)
	if err != nil {
		checks = append(checks, broken("runtime", err))
	} else {
		checks = append(checks, passed("runtime", "%s backend is usable", rt.Name()))
		_ = rt.Close() //nolint:errcheck // probe only
	}

	if d.cfg.Runtime == config.RuntimeProcess {
		path, err := exec.LookPath(d.cfg.TorBinary)
		if err != nil {
			checks = append(checks, broken("tor binary", err))
		} else {
			checks = append(checks, passed("tor binary", "%s", path))
		}
	}
	return checks
}

func (d *doctor) checkQuorum(ctx context.Context) check {
	const name = "quorum backend"
	ctx, cancel := context.WithTimeout(ctx, doctorCheckTimeout)
	defer cancel()

	b, closeBarrier, err := quorum.Open(d.cfg)
	if err != nil {
		return broken(name, err)
	}
	defer closeBarrier() //nolint:errcheck // probe only
	if _, err := b.Lines(ctx, "torlab-doctor"); err != nil {
		return broken(name, err)
	}
	return passed(name, "%s is reachable", d.cfg.QuorumBackend)
}

func (d *doctor) checkServer(ctx context.Context) check {
	const name = "control API"
	c, err := client.New(d.server, client.WithTimeout(doctorCheckTimeout))
	if err != nil {
		return broken(name, err)
	}
	h, err := c.Health(ctx)
	if err != nil {
		res := broken(name, fmt.Errorf("not running at %s (start it with torlab serve)", c.BaseURL()))
		res.Optional = true
		return res
	}
	return passed(name, "%s, version %s, runtime %s", c.BaseURL(), h["version"], h["runtime"])
}

func (d *doctor) checkTor(ctx context.Context) check {
	const name = "tor preflight"
	res, err := tor.Preflight(ctx, d.launcher, d.timeout)
	if err != nil {
		return broken(name, err)
	}
	return passed(name, "tor came up in %s (socks %s)", res.Elapsed.Truncate(time.Millisecond), res.SocksAddr)
}

// runDoctorCmd executes the doctor command.
func runDoctorCmd(cmd *cobra.Command, _ []string) error {
	cfg := config.NewConfig()
	if err := loadConfigFile(cmd, cfg); err != nil {
		return err
	}
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}

	checks := []check{}
	if err := cfg.Validate(); err != nil {
		checks = append(checks, broken("configuration", err))
	} else {
		source := "defaults"
		if cfg.ConfigFilePath != "" {
			source = cfg.ConfigFilePath
		}
		checks = append(checks, passed("configuration", "%s", source))

		ctx, cancel := commandContext(cmd)
		defer cancel()
		d := &doctor{
			cfg:      cfg,
			server:   serverAddress(cmd),
			launcher: tor.TornagoLauncher,
			skipTor:  flagBool(cmd, "skip-tor"),
			timeout:  flagDuration(cmd, "tor-timeout"),
			logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		}
		checks = append(checks, d.run(ctx)...)
	}
	return printChecks(p, checks)
}

// printChecks renders the checks and fails when a required one failed.
func printChecks(p *printer, checks []check) error {
	failed := 0
	for _, c := range checks {
		if !c.OK && !c.Optional {
			failed++
		}
	}
	if p.structured() {
		if err := p.data(checks); err != nil {
			return err
		}
	} else {
		rows := make([][]string, 0, len(checks))
		for _, c := range checks {
			result := p.styles.ok.Render("ok")
			switch {
			case !c.OK && c.Optional:
				result = p.styles.busy.Render("warn")
			case !c.OK:
				result = p.styles.bad.Render("fail")
			}
			rows = append(rows, []string{c.Name, result, c.Detail})
		}
		if err := p.table([]string{"CHECK", "RESULT", "DETAIL"}, rows); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrChecksFailed, failed, len(checks))
	}
	return nil
}

