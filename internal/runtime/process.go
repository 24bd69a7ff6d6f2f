package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// processLogFile receives the stdout and stderr of a node process.
const processLogFile = "process.log"

// Process runs nodes as child processes of the controller.
type Process struct {
	mu     sync.Mutex
	procs  map[string]*child
	logger *slog.Logger
}

type child struct {
	spec      Spec
	cmd       *exec.Cmd
	logPath   string
	startedAt time.Time
	done      chan struct{}
	exitCode  int
}

func (c *child) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// ProcessOption configures a Process runtime.
type ProcessOption func(*Process)

// WithProcessLogger sets the logger.
func WithProcessLogger(l *slog.Logger) ProcessOption {
	return func(p *Process) { p.logger = l }
}

// NewProcess returns a runtime that executes node commands locally.
func NewProcess(opts ...ProcessOption) *Process {
	p := &Process{
		procs:  make(map[string]*child),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements Runtime.
func (p *Process) Name() string { return BackendProcess }

// Start implements Runtime. The child outlives ctx; use Stop to end it.
func (p *Process) Start(_ context.Context, spec Spec) error {
	if len(spec.Command) == 0 {
		return fmt.Errorf("%w: %s: empty command", ErrNodeRuntime, spec.Name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.procs[spec.Name]; ok && !c.exited() {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, spec.Name)
	}

	if err := os.MkdirAll(spec.DataDir, 0o700); err != nil {
		return fmt.Errorf("%w: create data dir: %w", ErrNodeRuntime, err)
	}
	logPath := filepath.Join(spec.DataDir, processLogFile)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // node data directory
	if err != nil {
		return fmt.Errorf("%w: open log: %w", ErrNodeRuntime, err)
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...) //nolint:gosec // argv is built by the controller
	cmd.Dir = spec.DataDir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("%w: start %s: %w", ErrNodeRuntime, spec.Name, err)
	}

	c := &child{
		spec:      spec,
		cmd:       cmd,
		logPath:   logPath,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	p.procs[spec.Name] = c

	go func() {
		err := cmd.Wait()
		logFile.Close()
		code := 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		p.mu.Lock()
		c.exitCode = code
		p.mu.Unlock()
		close(c.done)
		p.logger.Debug("node process exited", "node", spec.Name, "code", code)
	}()

	p.logger.Debug("node process started", "node", spec.Name, "pid", cmd.Process.Pid)
	return nil
}

func (p *Process) get(name string) (*child, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.procs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return c, nil
}

// Stop implements Runtime. It sends SIGTERM and kills the process if it
// has not exited after timeout.
func (p *Process) Stop(ctx context.Context, name string, timeout time.Duration) error {
	c, err := p.get(name)
	if err != nil {
		return err
	}
	if c.exited() {
		return nil
	}

	proc, err := process.NewProcessWithContext(ctx, int32(c.cmd.Process.Pid)) //nolint:gosec // pid fits in int32
	if err != nil {
		if c.exited() {
			return nil
		}
		return fmt.Errorf("%w: %s: %w", ErrNodeRuntime, name, err)
	}
	if err := proc.TerminateWithContext(ctx); err != nil && !c.exited() {
		return fmt.Errorf("%w: terminate %s: %w", ErrNodeRuntime, name, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	p.logger.Warn("node process ignored SIGTERM, killing", "node", name)
	if err := proc.KillWithContext(ctx); err != nil && !c.exited() {
		return fmt.Errorf("%w: kill %s: %w", ErrNodeRuntime, name, err)
	}
	<-c.done
	return nil
}

// Remove implements Runtime.
func (p *Process) Remove(ctx context.Context, name string, _ bool) error {
	if err := p.Stop(ctx, name, 5*time.Second); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.procs, name)
	p.mu.Unlock()
	return nil
}

// Inspect implements Runtime. Liveness and resource figures come from the
// process table, so a child that became a zombie reads as not running.
func (p *Process) Inspect(ctx context.Context, name string) (State, error) {
	c, err := p.get(name)
	if err != nil {
		return State{}, err
	}

	st := State{
		Name:      name,
		PID:       c.cmd.Process.Pid,
		Address:   "127.0.0.1",
		StartedAt: c.startedAt,
		Status:    "exited",
	}
	if c.exited() {
		p.mu.Lock()
		st.ExitCode = c.exitCode
		p.mu.Unlock()
		return st, nil
	}

	proc, err := process.NewProcessWithContext(ctx, int32(st.PID)) //nolint:gosec // pid fits in int32
	if err != nil {
		return st, nil //nolint:nilerr // vanished between the checks
	}
	running, err := proc.IsRunningWithContext(ctx)
	if err != nil || !running {
		return st, nil //nolint:nilerr // treat as exited
	}
	if statuses, err := proc.StatusWithContext(ctx); err == nil && slices.Contains(statuses, process.Zombie) {
		st.Status = process.Zombie
		return st, nil
	}

	st.Running = true
	st.Status = "running"
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
		st.MemoryRSS = mem.RSS
	}
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		st.CPUPercent = cpu
	}
	return st, nil
}

// Logs implements Runtime.
func (p *Process) Logs(_ context.Context, name string, tail int) ([]string, error) {
	c, err := p.get(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(c.logPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: read log: %w", ErrNodeRuntime, err)
	}
	return tailLines(string(data), tail), nil
}

// Exec implements Runtime. The command runs on the host in the node's
// data directory.
func (p *Process) Exec(ctx context.Context, name string, cmd []string) (string, error) {
	c, err := p.get(name)
	if err != nil {
		return "", err
	}
	if len(cmd) == 0 {
		return "", fmt.Errorf("%w: empty command", ErrExecFailed)
	}
	ex := exec.CommandContext(ctx, cmd[0], cmd[1:]...) //nolint:gosec // argv is built by the controller
	ex.Dir = c.spec.DataDir
	out, err := ex.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%w: %s: %w", ErrExecFailed, cmd[0], err)
	}
	return string(out), nil
}

// Stream implements Runtime.
func (p *Process) Stream(ctx context.Context, name string, cmd []string) (io.ReadCloser, error) {
	c, err := p.get(name)
	if err != nil {
		return nil, err
	}
	if len(cmd) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrExecFailed)
	}
	ex := exec.CommandContext(ctx, cmd[0], cmd[1:]...) //nolint:gosec // argv is built by the controller
	ex.Dir = c.spec.DataDir
	out, err := ex.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNodeRuntime, err)
	}
	if err := ex.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %w", ErrExecFailed, cmd[0], err)
	}
	return &cmdStream{ReadCloser: out, cmd: ex}, nil
}

// cmdStream reaps the command when the stream is closed.
type cmdStream struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (s *cmdStream) Close() error {
	err := s.ReadCloser.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill() //nolint:errcheck // may have exited already
	}
	_ = s.cmd.Wait() //nolint:errcheck // exit status is irrelevant after close
	return err
}

// Close implements Runtime. It stops every running child.
func (p *Process) Close() error {
	p.mu.Lock()
	names := make([]string, 0, len(p.procs))
	for name := range p.procs {
		names = append(names, name)
	}
	p.mu.Unlock()

	var errs []error
	for _, name := range names {
		if err := p.Stop(context.Background(), name, 5*time.Second); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
