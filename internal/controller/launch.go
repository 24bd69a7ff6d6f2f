package controller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nao1215/torlab/internal/agent"
	"github.com/nao1215/torlab/internal/config"
	"github.com/nao1215/torlab/internal/model"
	"github.com/nao1215/torlab/internal/quorum"
	"github.com/nao1215/torlab/internal/runtime"
)

// Paths inside node containers.
const (
	ContainerDataDir   = "/var/lib/tor"
	ContainerQuorumDir = "/var/lib/torlab/quorum"
)

// Default onion service target of hs nodes.
const (
	defaultHSPort    = 80
	defaultServiceIP = "127.0.0.1"
)

// Launcher brings one node up. It returns the bootstrap result when the
// node was bootstrapped in this process, or nil when the node bootstraps
// itself and reports through its data directory.
type Launcher interface {
	Launch(ctx context.Context, network *model.TorNetwork, node *model.TorNode) (*agent.Result, error)
}

// labels tags runtime units with their network and node.
func labels(network *model.TorNetwork, node *model.TorNode) map[string]string {
	return map[string]string{
		"torlab.network": network.Slug,
		"torlab.node":    node.Name,
		"torlab.role":    string(node.Type),
	}
}

// nodeSpec describes a node to the agent.
func nodeSpec(network *model.TorNetwork, node *model.TorNode, dataDir string) agent.Spec {
	spec := agent.Spec{
		Network:     network.Slug,
		Type:        node.Type,
		Nickname:    node.Name,
		DataDir:     dataDir,
		Ports:       node.Ports,
		DACount:     network.Counts.DA,
		Tuning:      network.Tuning,
		ContactInfo: "torlab " + network.Slug,
	}
	if node.Type == model.NodeTypeHS {
		spec.HSPort = defaultHSPort
		spec.ServiceIP = defaultServiceIP
		spec.ServicePort = defaultHSPort
	}
	return spec
}

// AgentLauncher runs the bootstrap in the controller process and starts
// tor through the runtime once the configuration is complete. It serves
// the process and memory runtimes, whose nodes share the host loopback.
type AgentLauncher struct {
	rt        runtime.Runtime
	barrier   quorum.Barrier
	dataDir   DataDirFunc
	torBinary string
	opts      []agent.Option
}

// NewAgentLauncher returns an AgentLauncher. opts are passed to every
// agent.
func NewAgentLauncher(rt runtime.Runtime, barrier quorum.Barrier, dataDir DataDirFunc, torBinary string, opts ...agent.Option) *AgentLauncher {
	if torBinary == "" {
		torBinary = config.DefaultTorBinary
	}
	return &AgentLauncher{
		rt:        rt,
		barrier:   barrier,
		dataDir:   dataDir,
		torBinary: torBinary,
		opts:      opts,
	}
}

// Launch implements Launcher.
func (l *AgentLauncher) Launch(ctx context.Context, network *model.TorNetwork, node *model.TorNode) (*agent.Result, error) {
	dir := l.dataDir(network, node)
	unit := runtime.UnitName(network.Slug, node.Name)
	start := func(ctx context.Context, _ agent.Spec, torrcPath string) error {
		return l.rt.Start(ctx, runtime.Spec{
			Name:    unit,
			Labels:  labels(network, node),
			Command: []string{l.torBinary, "-f", torrcPath},
			DataDir: dir,
		})
	}
	opts := append([]agent.Option{
		agent.WithResolver(func(context.Context) (string, error) { return "127.0.0.1", nil }),
	}, l.opts...)

	spec := nodeSpec(network, node, dir)
	spec.Address = "127.0.0.1"
	return agent.New(l.barrier, start, opts...).Bootstrap(ctx, spec)
}

// ContainerOptions configures the node containers of the docker runtime.
type ContainerOptions struct {
	Image string
	// Agent is the argv prefix that runs the node agent inside the image.
	Agent         []string
	QuorumBackend string
	// QuorumDir is the host directory of the file quorum backend. It is
	// mounted into every container.
	QuorumDir     string
	EtcdEndpoints []string
	RedisAddr     string
	QuorumTimeout time.Duration
}

// ContainerOptionsFrom derives container options from the controller
// configuration.
func ContainerOptionsFrom(cfg *config.Config) ContainerOptions {
	return ContainerOptions{
		Image:         cfg.DockerImage,
		Agent:         []string{"torlab", "node-agent"},
		QuorumBackend: cfg.QuorumBackend,
		QuorumDir:     cfg.QuorumDir(),
		EtcdEndpoints: cfg.EtcdEndpoints,
		RedisAddr:     cfg.RedisAddr,
		QuorumTimeout: cfg.QuorumTimeout,
	}
}

// ContainerLauncher starts a container that runs the node agent itself.
// Launch returns as soon as the container runs; the agent writes its
// bootstrap result into the mounted data directory.
type ContainerLauncher struct {
	rt      runtime.Runtime
	dataDir DataDirFunc
	opts    ContainerOptions
}

// NewContainerLauncher returns a ContainerLauncher.
func NewContainerLauncher(rt runtime.Runtime, dataDir DataDirFunc, opts ContainerOptions) *ContainerLauncher {
	return &ContainerLauncher{rt: rt, dataDir: dataDir, opts: opts}
}

// Command returns the argv the node container runs.
func (l *ContainerLauncher) Command() []string {
	cmd := append([]string{}, l.opts.Agent...)
	cmd = append(cmd, "--quorum-backend", l.opts.QuorumBackend)
	switch l.opts.QuorumBackend {
	case config.QuorumFile:
		cmd = append(cmd, "--quorum-dir", ContainerQuorumDir)
	case config.QuorumEtcd:
		cmd = append(cmd, "--etcd-endpoints", strings.Join(l.opts.EtcdEndpoints, ","))
	case config.QuorumRedis:
		cmd = append(cmd, "--redis-addr", l.opts.RedisAddr)
	}
	if l.opts.QuorumTimeout > 0 {
		cmd = append(cmd, "--quorum-timeout", l.opts.QuorumTimeout.String())
	}
	return cmd
}

// Launch implements Launcher.
func (l *ContainerLauncher) Launch(ctx context.Context, network *model.TorNetwork, node *model.TorNode) (*agent.Result, error) {
	spec := nodeSpec(network, node, ContainerDataDir)
	env := config.NodeEnv{
		Role:        spec.Type,
		Nick:        spec.Nickname,
		Network:     spec.Network,
		DACount:     spec.DACount,
		DataDir:     spec.DataDir,
		Ports:       spec.Ports,
		HSPort:      spec.HSPort,
		ServiceIP:   spec.ServiceIP,
		ServicePort: spec.ServicePort,
	}

	hostDir := l.dataDir(network, node)
	mounts := []runtime.Mount{{Source: hostDir, Target: ContainerDataDir}}
	if l.opts.QuorumBackend == config.QuorumFile {
		mounts = append(mounts, runtime.Mount{Source: l.opts.QuorumDir, Target: ContainerQuorumDir})
	}

	err := l.rt.Start(ctx, runtime.Spec{
		Name:    runtime.UnitName(network.Slug, node.Name),
		Labels:  labels(network, node),
		Image:   l.opts.Image,
		Command: l.Command(),
		Env:     env.Environ(),
		DataDir: hostDir,
		Mounts:  mounts,
	})
	if err != nil {
		return nil, fmt.Errorf("start node container: %w", err)
	}
	return nil, nil
}
