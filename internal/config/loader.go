package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the default configuration file name.
const DefaultConfigFile = ".torlab.yaml"

// ErrConfigNotFound is returned when the configuration file does not exist.
var ErrConfigNotFound = errors.New("configuration file not found")

// File represents the structure of the .torlab.yaml configuration file.
// Every field is optional; zero values leave the current setting alone.
type File struct {
	DataDir    string `yaml:"dataDir,omitempty"`
	ListenAddr string `yaml:"listen,omitempty"`
	Runtime    string `yaml:"runtime,omitempty"`

	Docker struct {
		Image   string `yaml:"image,omitempty"`
		Network string `yaml:"network,omitempty"`
	} `yaml:"docker,omitempty"`

	TorBinary string `yaml:"torBinary,omitempty"`

	Quorum struct {
		Backend       string        `yaml:"backend,omitempty"`
		Timeout       time.Duration `yaml:"timeout,omitempty"`
		PollInterval  time.Duration `yaml:"pollInterval,omitempty"`
		EtcdEndpoints []string      `yaml:"etcdEndpoints,omitempty"`
		RedisAddr     string        `yaml:"redisAddr,omitempty"`
	} `yaml:"quorum,omitempty"`

	Tracker struct {
		Schedule                string `yaml:"schedule,omitempty"`
		ControlFailureThreshold int    `yaml:"controlFailureThreshold,omitempty"`
	} `yaml:"tracker,omitempty"`

	Capture struct {
		MaxSizeMB      int           `yaml:"maxSizeMB,omitempty"`
		RotateInterval time.Duration `yaml:"rotateInterval,omitempty"`
	} `yaml:"capture,omitempty"`

	MaxConcurrentBootstraps int    `yaml:"maxConcurrentBootstraps,omitempty"`
	Verbose                 bool   `yaml:"verbose,omitempty"`
	JSONLog                 bool   `yaml:"jsonLog,omitempty"`
	LogFile                 string `yaml:"logFile,omitempty"`
}

// LoadConfigFile loads a configuration file from a YAML file.
// If the file does not exist, it returns ErrConfigNotFound.
// Callers should handle this error appropriately based on whether
// the config file path was explicitly specified by the user.
func LoadConfigFile(path string) (*File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // User-provided config path is intentional
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, err
	}

	var cf File
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, err
	}
	return &cf, nil
}

// Apply copies every non-zero setting of the file onto c.
func (cf *File) Apply(c *Config) {
	setString(&c.DataDir, cf.DataDir)
	setString(&c.ListenAddr, cf.ListenAddr)
	setString(&c.Runtime, cf.Runtime)
	setString(&c.DockerImage, cf.Docker.Image)
	setString(&c.DockerNetwork, cf.Docker.Network)
	setString(&c.TorBinary, cf.TorBinary)
	setString(&c.QuorumBackend, cf.Quorum.Backend)
	setString(&c.RedisAddr, cf.Quorum.RedisAddr)
	setString(&c.ReconcileSchedule, cf.Tracker.Schedule)
	setString(&c.LogFile, cf.LogFile)

	if len(cf.Quorum.EtcdEndpoints) > 0 {
		c.EtcdEndpoints = cf.Quorum.EtcdEndpoints
	}
	if cf.Quorum.Timeout > 0 {
		c.QuorumTimeout = cf.Quorum.Timeout
	}
	if cf.Quorum.PollInterval > 0 {
		c.QuorumPollInterval = cf.Quorum.PollInterval
	}
	if cf.Tracker.ControlFailureThreshold > 0 {
		c.ControlFailureThreshold = cf.Tracker.ControlFailureThreshold
	}
	if cf.Capture.MaxSizeMB > 0 {
		c.MaxCaptureSizeMB = cf.Capture.MaxSizeMB
	}
	if cf.Capture.RotateInterval > 0 {
		c.CaptureRotateInterval = cf.Capture.RotateInterval
	}
	if cf.MaxConcurrentBootstraps > 0 {
		c.MaxConcurrentBootstraps = cf.MaxConcurrentBootstraps
	}
	c.Verbose = c.Verbose || cf.Verbose
	c.JSONLog = c.JSONLog || cf.JSONLog
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// FindConfigFile searches for the configuration file in the following order:
// 1. If configPath is specified, use it directly
// 2. Look for .torlab.yaml in the current directory
// 3. Look for .torlab.yaml in the user's home directory
// 4. Look for config.yaml in the XDG config directory
//
// Returns the path to the configuration file if found, or empty string if not found.
func FindConfigFile(configPath string) string {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		return ""
	}

	candidates := make([]string, 0, 3)
	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(cwd, DefaultConfigFile))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, DefaultConfigFile))
	}
	candidates = append(candidates, filepath.Join(XDGConfigDir(), "config.yaml"))

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
