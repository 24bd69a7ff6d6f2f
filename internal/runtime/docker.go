package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

// LabelNetwork and LabelNode tag containers with their owning records.
const (
	LabelNetwork = "io.torlab.network"
	LabelNode    = "io.torlab.node"
)

// Docker runs nodes as containers on one user defined bridge network.
type Docker struct {
	cli     *client.Client
	network string
	logger  *slog.Logger
}

// DockerOption configures a Docker runtime.
type DockerOption func(*Docker)

// WithDockerLogger sets the logger.
func WithDockerLogger(l *slog.Logger) DockerOption {
	return func(d *Docker) { d.logger = l }
}

// NewDocker connects to the docker engine configured by the environment
// and makes sure networkName exists.
func NewDocker(ctx context.Context, networkName string, opts ...DockerOption) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: docker client: %w", ErrNodeRuntime, err)
	}
	d := &Docker{cli: cli, network: networkName, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.ensureNetwork(ctx); err != nil {
		cli.Close()
		return nil, err
	}
	return d, nil
}

func (d *Docker) ensureNetwork(ctx context.Context) error {
	networks, err := d.cli.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", d.network)),
	})
	if err != nil {
		return fmt.Errorf("%w: list networks: %w", ErrNodeRuntime, err)
	}
	for _, n := range networks {
		if n.Name == d.network {
			return nil
		}
	}
	if _, err := d.cli.NetworkCreate(ctx, d.network, network.CreateOptions{Driver: "bridge"}); err != nil {
		return fmt.Errorf("%w: create network %s: %w", ErrNodeRuntime, d.network, err)
	}
	d.logger.Info("created docker network", "network", d.network)
	return nil
}

// Name implements Runtime.
func (d *Docker) Name() string { return BackendDocker }

// wrap maps docker errors onto runtime errors.
func (d *Docker) wrap(name string, err error) error {
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return fmt.Errorf("%w: %s: %w", ErrNodeRuntime, name, err)
}

// Start implements Runtime. A stale container with the same name is
// replaced.
func (d *Docker) Start(ctx context.Context, spec Spec) error {
	if info, err := d.cli.ContainerInspect(ctx, spec.Name); err == nil {
		if info.ContainerJSONBase != nil && info.State != nil && info.State.Running {
			return fmt.Errorf("%w: %s", ErrAlreadyRunning, spec.Name)
		}
		if err := d.cli.ContainerRemove(ctx, spec.Name, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			return d.wrap(spec.Name, err)
		}
	} else if !errdefs.IsNotFound(err) {
		return d.wrap(spec.Name, err)
	}

	binds := make([]string, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		binds = append(binds, m.Source+":"+m.Target)
	}

	cfg := &container.Config{
		Image:    spec.Image,
		Cmd:      spec.Command,
		Env:      spec.Env,
		Labels:   spec.Labels,
		Hostname: spec.Name,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(d.network),
		Binds:       binds,
		// Packet capture runs tcpdump inside the node's namespace.
		CapAdd: []string{"NET_ADMIN", "NET_RAW"},
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			d.network: {Aliases: []string{spec.Name}},
		},
	}

	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return d.wrap(spec.Name, err)
	}
	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return d.wrap(spec.Name, err)
	}
	d.logger.Debug("container started", "node", spec.Name, "id", shortID(created.ID))
	return nil
}

// Stop implements Runtime.
func (d *Docker) Stop(ctx context.Context, name string, timeout time.Duration) error {
	secs := int(timeout / time.Second)
	if err := d.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &secs}); err != nil {
		return d.wrap(name, err)
	}
	return nil
}

// Remove implements Runtime.
func (d *Docker) Remove(ctx context.Context, name string, removeVolumes bool) error {
	err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{
		RemoveVolumes: removeVolumes,
		Force:         true,
	})
	if err != nil {
		return d.wrap(name, err)
	}
	return nil
}

// Inspect implements Runtime.
func (d *Docker) Inspect(ctx context.Context, name string) (State, error) {
	info, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return State{}, d.wrap(name, err)
	}
	st := State{Name: name}
	if info.ContainerJSONBase == nil {
		return st, nil
	}
	st.ID = shortID(info.ID)
	if info.State != nil {
		st.Running = info.State.Running && !info.State.Restarting
		st.Status = info.State.Status
		st.ExitCode = info.State.ExitCode
		st.PID = info.State.Pid
		if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			st.StartedAt = t
		}
	}
	if info.NetworkSettings != nil {
		if ep, ok := info.NetworkSettings.Networks[d.network]; ok && ep != nil {
			st.Address = ep.IPAddress
		}
	}
	return st, nil
}

// Logs implements Runtime.
func (d *Docker) Logs(ctx context.Context, name string, tail int) ([]string, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: "all"}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	rc, err := d.cli.ContainerLogs(ctx, name, opts)
	if err != nil {
		return nil, d.wrap(name, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return nil, fmt.Errorf("%w: read logs %s: %w", ErrNodeRuntime, name, err)
	}
	return tailLines(buf.String(), tail), nil
}

// Exec implements Runtime.
func (d *Docker) Exec(ctx context.Context, name string, cmd []string) (string, error) {
	exec, err := d.cli.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", d.wrap(name, err)
	}
	resp, err := d.cli.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", d.wrap(name, err)
	}
	defer resp.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, resp.Reader); err != nil {
		return out.String(), fmt.Errorf("%w: exec %s: %w", ErrNodeRuntime, name, err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return out.String(), d.wrap(name, err)
	}
	if inspect.ExitCode != 0 {
		return out.String(), fmt.Errorf("%w: %s exited %d", ErrExecFailed, cmd[0], inspect.ExitCode)
	}
	return out.String(), nil
}

// Stream implements Runtime. Stderr of the command is discarded.
func (d *Docker) Stream(ctx context.Context, name string, cmd []string) (io.ReadCloser, error) {
	exec, err := d.cli.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, d.wrap(name, err)
	}
	resp, err := d.cli.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, d.wrap(name, err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, io.Discard, resp.Reader)
		pw.CloseWithError(err)
	}()
	stop := context.AfterFunc(ctx, resp.Close)
	return &execStream{PipeReader: pr, close: func() {
		stop()
		resp.Close()
	}}, nil
}

type execStream struct {
	*io.PipeReader
	close func()
}

func (s *execStream) Close() error {
	s.close()
	return s.PipeReader.Close()
}

// Close implements Runtime.
func (d *Docker) Close() error {
	return d.cli.Close()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
