package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

// Default configuration values.
const (
	// AppName is the application name used for XDG directory paths.
	AppName = "torlab"

	// DefaultListenAddr is where the control API listens. It binds to
	// loopback because the API can start processes on this host.
	DefaultListenAddr = "127.0.0.1:8088"

	// DefaultRuntime runs nodes as docker containers.
	DefaultRuntime = RuntimeDocker

	// DefaultDockerImage is the image used for node containers. It must
	// provide the tor and tcpdump binaries.
	DefaultDockerImage = "torlab/tor-node:latest"

	// DefaultDockerNetwork is the bridge network node containers join.
	DefaultDockerNetwork = "torlab"

	// DefaultTorBinary is the tor executable used by the process runtime.
	DefaultTorBinary = "tor"

	// DefaultQuorumBackend keeps the authority registry in a locked file
	// under the data directory. Node containers see it through a bind
	// mount.
	DefaultQuorumBackend = QuorumFile

	// DefaultQuorumTimeout bounds how long a node waits for the authority
	// quorum before it starts degraded.
	DefaultQuorumTimeout = 120 * time.Second

	// DefaultQuorumPollInterval is the tick of the quorum wait.
	DefaultQuorumPollInterval = 1 * time.Second

	// DefaultReconcileSchedule drives the status tracker. It uses the
	// seconds-enabled cron syntax.
	DefaultReconcileSchedule = "@every 5s"

	// DefaultControlFailureThreshold is the number of consecutive failed
	// control port probes after which a running process is reported as an
	// error instead of still bootstrapping.
	DefaultControlFailureThreshold = 12

	// DefaultMaxConcurrentBootstraps limits node bootstraps running at once
	// within one network action.
	DefaultMaxConcurrentBootstraps = 16

	// DefaultMaxCaptureSizeMB rotates captures after 100 MiB.
	DefaultMaxCaptureSizeMB = 100

	// DefaultCaptureRotateInterval rotates captures every hour.
	DefaultCaptureRotateInterval = time.Hour

	// DefaultTopologyCacheTTL is how long a computed topology view is
	// served from cache.
	DefaultTopologyCacheTTL = 10 * time.Second

	// DefaultCircuitWindow is how far back circuit events are considered
	// when drawing circuit edges.
	DefaultCircuitWindow = 15 * time.Minute

	// DefaultTorStartupTimeout bounds the embedded tor used by the doctor
	// command.
	DefaultTorStartupTimeout = 3 * time.Minute
)

// Runtime backends.
const (
	RuntimeDocker  = "docker"
	RuntimeProcess = "process"
	RuntimeMemory  = "memory"
)

// Quorum backends.
const (
	QuorumMemory = "memory"
	QuorumFile   = "file"
	QuorumEtcd   = "etcd"
	QuorumRedis  = "redis"
)

// Config holds the controller configuration.
// It is populated from defaults, the optional YAML file and CLI flags, in
// that order, and passed through the application rather than kept in
// global state.
type Config struct {
	// DataDir holds the database, node working directories and captures.
	// Defaults to the XDG data directory (~/.local/share/torlab on Linux).
	DataDir string

	// ListenAddr is the address of the control API.
	ListenAddr string

	// Runtime selects how node processes run: docker, process or memory.
	// The memory runtime starts nothing and is used for dry runs.
	Runtime string

	// DockerImage and DockerNetwork configure the docker runtime.
	DockerImage   string
	DockerNetwork string

	// TorBinary is the tor executable used by the process runtime.
	TorBinary string

	// QuorumBackend selects where authority announcements are kept:
	// memory, file, etcd or redis.
	QuorumBackend string

	// EtcdEndpoints are used by the etcd quorum backend.
	EtcdEndpoints []string

	// RedisAddr is used by the redis quorum backend and, when set, also for
	// the per-network action lock so several controllers can share one
	// database.
	RedisAddr string

	// QuorumTimeout is the hard deadline of the quorum wait.
	QuorumTimeout time.Duration

	// QuorumPollInterval is the tick of the quorum wait.
	QuorumPollInterval time.Duration

	// ReconcileSchedule is the cron spec of the status tracker.
	ReconcileSchedule string

	// ControlFailureThreshold is the number of consecutive failed control
	// port probes tolerated before a node is reported as an error.
	ControlFailureThreshold int

	// MaxConcurrentBootstraps limits parallel node bootstraps per action.
	MaxConcurrentBootstraps int

	// MaxCaptureSizeMB and CaptureRotateInterval are the capture rotation
	// defaults for new networks. Zero disables the limit.
	MaxCaptureSizeMB      int
	CaptureRotateInterval time.Duration

	// TopologyCacheTTL is how long topology views are cached.
	TopologyCacheTTL time.Duration

	// CircuitWindow limits circuit edges to recent events.
	CircuitWindow time.Duration

	// TorStartupTimeout bounds the embedded tor preflight.
	TorStartupTimeout time.Duration

	// Verbose enables debug logging.
	Verbose bool

	// JSONLog switches the log format to JSON.
	JSONLog bool

	// LogFile, when set, writes logs to a size rotated file instead of
	// stderr.
	LogFile string

	// ConfigFilePath is the path to the configuration file. If empty, the
	// tool searches for .torlab.yaml in the current directory and then in
	// the user's home directory.
	ConfigFilePath string
}

// NewConfig creates a new Config with default values.
func NewConfig() *Config {
	return &Config{
		DataDir:                 XDGDataDir(),
		ListenAddr:              DefaultListenAddr,
		Runtime:                 DefaultRuntime,
		DockerImage:             DefaultDockerImage,
		DockerNetwork:           DefaultDockerNetwork,
		TorBinary:               DefaultTorBinary,
		QuorumBackend:           DefaultQuorumBackend,
		QuorumTimeout:           DefaultQuorumTimeout,
		QuorumPollInterval:      DefaultQuorumPollInterval,
		ReconcileSchedule:       DefaultReconcileSchedule,
		ControlFailureThreshold: DefaultControlFailureThreshold,
		MaxConcurrentBootstraps: DefaultMaxConcurrentBootstraps,
		MaxCaptureSizeMB:        DefaultMaxCaptureSizeMB,
		CaptureRotateInterval:   DefaultCaptureRotateInterval,
		TopologyCacheTTL:        DefaultTopologyCacheTTL,
		CircuitWindow:           DefaultCircuitWindow,
		TorStartupTimeout:       DefaultTorStartupTimeout,
	}
}

// XDGDataDir returns the XDG data directory for torlab.
// On Linux: ~/.local/share/torlab
func XDGDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// XDGConfigDir returns the XDG config directory for torlab.
// On Linux: ~/.config/torlab
func XDGConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// XDGCacheDir returns the XDG cache directory for torlab.
// On Linux: ~/.cache/torlab
func XDGCacheDir() string {
	return filepath.Join(xdg.CacheHome, AppName)
}

// DBPath returns the path of the SQLite database.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "torlab.db")
}

// NodesDir returns the directory holding node working directories.
func (c *Config) NodesDir() string {
	return filepath.Join(c.DataDir, "nodes")
}

// NodeDir returns the host data directory of one node.
func (c *Config) NodeDir(networkSlug, nodeName string) string {
	return filepath.Join(c.NodesDir(), networkSlug, nodeName)
}

// CapturesDir returns the directory holding pcap files.
func (c *Config) CapturesDir() string {
	return filepath.Join(c.DataDir, "captures")
}

// QuorumDir returns the directory used by the file quorum backend.
func (c *Config) QuorumDir() string {
	return filepath.Join(c.DataDir, "quorum")
}

// Validate checks if the configuration is valid.
// It returns the first problem found; every error wraps ErrConfiguration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return ErrMissingDataDir
	}

	switch c.Runtime {
	case RuntimeDocker, RuntimeProcess, RuntimeMemory:
	default:
		return ErrInvalidRuntime
	}

	switch c.QuorumBackend {
	case QuorumMemory, QuorumFile:
	case QuorumEtcd:
		if len(c.EtcdEndpoints) == 0 {
			return ErrMissingEtcdEndpoints
		}
	case QuorumRedis:
		if c.RedisAddr == "" {
			return ErrMissingRedisAddr
		}
	default:
		return ErrInvalidQuorumBackend
	}
	if c.Runtime == RuntimeDocker && c.QuorumBackend == QuorumMemory {
		return ErrQuorumNotShared
	}

	if c.QuorumTimeout <= 0 {
		return ErrInvalidTimeout
	}

	if c.QuorumPollInterval <= 0 {
		return ErrInvalidPollInterval
	}

	if c.MaxConcurrentBootstraps <= 0 {
		return ErrInvalidConcurrency
	}

	if c.MaxCaptureSizeMB < 0 || c.CaptureRotateInterval < 0 {
		return ErrInvalidCaptureLimit
	}

	return nil
}
