package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nao1215/torlab/internal/model"
)

// TestNewConfig verifies that NewConfig returns a Config with all expected default values.
func TestNewConfig(t *testing.T) {
	t.Parallel()

	cfg := NewConfig()

	t.Run("default runtime is docker", func(t *testing.T) {
		t.Parallel()
		if cfg.Runtime != RuntimeDocker {
			t.Errorf("expected Runtime to be %q, got %q", RuntimeDocker, cfg.Runtime)
		}
	})

	t.Run("default quorum timeout is 120 seconds", func(t *testing.T) {
		t.Parallel()
		if cfg.QuorumTimeout != 120*time.Second {
			t.Errorf("expected QuorumTimeout to be 120s, got %v", cfg.QuorumTimeout)
		}
	})

	t.Run("default quorum poll interval is 1 second", func(t *testing.T) {
		t.Parallel()
		if cfg.QuorumPollInterval != time.Second {
			t.Errorf("expected QuorumPollInterval to be 1s, got %v", cfg.QuorumPollInterval)
		}
	})

	t.Run("default quorum backend is file", func(t *testing.T) {
		t.Parallel()
		if cfg.QuorumBackend != QuorumFile {
			t.Errorf("expected QuorumBackend to be %q, got %q", QuorumFile, cfg.QuorumBackend)
		}
	})

	t.Run("default data dir is the XDG data dir", func(t *testing.T) {
		t.Parallel()
		if cfg.DataDir != XDGDataDir() {
			t.Errorf("expected DataDir %q, got %q", XDGDataDir(), cfg.DataDir)
		}
	})

	t.Run("defaults are valid", func(t *testing.T) {
		t.Parallel()
		if err := cfg.Validate(); err != nil {
			t.Errorf("expected no error, got %v", err)
		}
	})
}

// TestConfigValidate tests the Validate method with various configurations.
// Each test case is designed to test one specific validation rule.
func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(*Config)
		want   error
	}{
		{"valid config returns nil", func(*Config) {}, nil},
		{"empty data dir", func(c *Config) { c.DataDir = "" }, ErrMissingDataDir},
		{"unknown runtime", func(c *Config) { c.Runtime = "podman" }, ErrInvalidRuntime},
		{"unknown quorum backend", func(c *Config) { c.QuorumBackend = "zookeeper" }, ErrInvalidQuorumBackend},
		{"etcd without endpoints", func(c *Config) { c.QuorumBackend = QuorumEtcd }, ErrMissingEtcdEndpoints},
		{"etcd with endpoints", func(c *Config) {
			c.QuorumBackend = QuorumEtcd
			c.EtcdEndpoints = []string{"127.0.0.1:2379"}
		}, nil},
		{"docker with memory quorum", func(c *Config) { c.QuorumBackend = QuorumMemory }, ErrQuorumNotShared},
		{"process with memory quorum", func(c *Config) {
			c.Runtime = RuntimeProcess
			c.QuorumBackend = QuorumMemory
		}, nil},
		{"redis without address", func(c *Config) { c.QuorumBackend = QuorumRedis }, ErrMissingRedisAddr},
		{"zero quorum timeout", func(c *Config) { c.QuorumTimeout = 0 }, ErrInvalidTimeout},
		{"negative poll interval", func(c *Config) { c.QuorumPollInterval = -time.Second }, ErrInvalidPollInterval},
		{"zero concurrency", func(c *Config) { c.MaxConcurrentBootstraps = 0 }, ErrInvalidConcurrency},
		{"negative capture size", func(c *Config) { c.MaxCaptureSizeMB = -1 }, ErrInvalidCaptureLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := NewConfig()
			cfg.DataDir = "/tmp/torlab"
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.want == nil {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("expected error to wrap ErrConfiguration, got %v", err)
			}
		})
	}
}

// TestConfigPaths tests the derived data paths.
func TestConfigPaths(t *testing.T) {
	t.Parallel()

	cfg := &Config{DataDir: "/data"}
	if got := cfg.DBPath(); got != filepath.Join("/data", "torlab.db") {
		t.Errorf("unexpected DBPath %q", got)
	}
	if got := cfg.NodesDir(); got != filepath.Join("/data", "nodes") {
		t.Errorf("unexpected NodesDir %q", got)
	}
	if got := cfg.CapturesDir(); got != filepath.Join("/data", "captures") {
		t.Errorf("unexpected CapturesDir %q", got)
	}
	if got := cfg.QuorumDir(); got != filepath.Join("/data", "quorum") {
		t.Errorf("unexpected QuorumDir %q", got)
	}
}

// TestLoadConfigFile tests the LoadConfigFile function.
func TestLoadConfigFile(t *testing.T) {
	t.Parallel()

	t.Run("returns ErrConfigNotFound for non-existent file", func(t *testing.T) {
		t.Parallel()

		cfg, err := LoadConfigFile("/nonexistent/path/.torlab.yaml")
		if !errors.Is(err, ErrConfigNotFound) {
			t.Fatalf("expected ErrConfigNotFound, got: %v", err)
		}
		if cfg != nil {
			t.Error("expected nil config when file not found")
		}
	})

	t.Run("loads and applies valid YAML config", func(t *testing.T) {
		t.Parallel()

		configPath := filepath.Join(t.TempDir(), DefaultConfigFile)
		content := `dataDir: /srv/torlab
runtime: process
quorum:
  backend: etcd
  timeout: 30s
  etcdEndpoints:
    - 10.0.0.1:2379
tracker:
  schedule: "@every 2s"
capture:
  maxSizeMB: 5
  rotateInterval: 10m
verbose: true
`
		if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
			t.Fatalf("failed to write test config: %v", err)
		}

		file, err := LoadConfigFile(configPath)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		cfg := NewConfig()
		file.Apply(cfg)

		if cfg.DataDir != "/srv/torlab" {
			t.Errorf("expected data dir /srv/torlab, got %q", cfg.DataDir)
		}
		if cfg.Runtime != RuntimeProcess {
			t.Errorf("expected process runtime, got %q", cfg.Runtime)
		}
		if cfg.QuorumBackend != QuorumEtcd || len(cfg.EtcdEndpoints) != 1 {
			t.Errorf("unexpected quorum settings: %q %v", cfg.QuorumBackend, cfg.EtcdEndpoints)
		}
		if cfg.QuorumTimeout != 30*time.Second {
			t.Errorf("expected 30s quorum timeout, got %v", cfg.QuorumTimeout)
		}
		if cfg.ReconcileSchedule != "@every 2s" {
			t.Errorf("unexpected schedule %q", cfg.ReconcileSchedule)
		}
		if cfg.MaxCaptureSizeMB != 5 || cfg.CaptureRotateInterval != 10*time.Minute {
			t.Errorf("unexpected capture limits %d %v", cfg.MaxCaptureSizeMB, cfg.CaptureRotateInterval)
		}
		if !cfg.Verbose {
			t.Error("expected verbose to be enabled")
		}
		if cfg.ListenAddr != DefaultListenAddr {
			t.Errorf("expected unset listen address to keep default, got %q", cfg.ListenAddr)
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("expected applied config to be valid, got %v", err)
		}
	})

	t.Run("returns error for invalid YAML", func(t *testing.T) {
		t.Parallel()

		configPath := filepath.Join(t.TempDir(), DefaultConfigFile)
		if err := os.WriteFile(configPath, []byte(`invalid: yaml: content: [}`), 0600); err != nil {
			t.Fatalf("failed to write test config: %v", err)
		}

		if _, err := LoadConfigFile(configPath); err == nil {
			t.Error("expected error for invalid YAML")
		}
	})
}

// TestFindConfigFile tests the FindConfigFile function.
func TestFindConfigFile(t *testing.T) {
	t.Parallel()

	t.Run("returns explicit path if exists", func(t *testing.T) {
		t.Parallel()

		configPath := filepath.Join(t.TempDir(), "custom.yaml")
		if err := os.WriteFile(configPath, []byte("runtime: memory"), 0600); err != nil {
			t.Fatalf("failed to write test config: %v", err)
		}

		if result := FindConfigFile(configPath); result != configPath {
			t.Errorf("expected %q, got %q", configPath, result)
		}
	})

	t.Run("returns empty for non-existent explicit path", func(t *testing.T) {
		t.Parallel()

		if result := FindConfigFile("/nonexistent/path/config.yaml"); result != "" {
			t.Errorf("expected empty string, got %q", result)
		}
	})
}

// TestXDGDirs tests XDG directory functions.
func TestXDGDirs(t *testing.T) {
	t.Parallel()

	for name, dir := range map[string]string{
		"data":   XDGDataDir(),
		"config": XDGConfigDir(),
		"cache":  XDGCacheDir(),
	} {
		if dir == "" {
			t.Errorf("expected non-empty XDG %s dir", name)
		}
		if filepath.Base(dir) != AppName {
			t.Errorf("expected XDG %s dir to end with %q, got %q", name, AppName, dir)
		}
	}
}

func lookupFrom(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

// TestParseNodeEnv tests parsing of the node bootstrap environment.
func TestParseNodeEnv(t *testing.T) {
	t.Parallel()

	t.Run("missing role is a configuration error", func(t *testing.T) {
		t.Parallel()

		_, err := ParseNodeEnv(lookupFrom(map[string]string{"NICK": "a"}))
		if !errors.Is(err, ErrMissingRole) {
			t.Fatalf("expected ErrMissingRole, got %v", err)
		}
		if !errors.Is(err, ErrConfiguration) {
			t.Fatalf("expected ErrConfiguration, got %v", err)
		}
	})

	t.Run("unknown role is rejected", func(t *testing.T) {
		t.Parallel()

		_, err := ParseNodeEnv(lookupFrom(map[string]string{"ROLE": "bridge"}))
		if !errors.Is(err, ErrInvalidRole) {
			t.Fatalf("expected ErrInvalidRole, got %v", err)
		}
	})

	t.Run("relay is a middle node and DA_COUNT defaults to 3", func(t *testing.T) {
		t.Parallel()

		env, err := ParseNodeEnv(lookupFrom(map[string]string{"ROLE": "relay", "NICK": "r1", "OR_PORT": "5003"}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if env.Role != model.NodeTypeMiddle {
			t.Errorf("expected middle role, got %q", env.Role)
		}
		if env.DACount != 3 {
			t.Errorf("expected DA_COUNT 3, got %d", env.DACount)
		}
		if env.Ports.OR != 5003 {
			t.Errorf("expected OR port 5003, got %d", env.Ports.OR)
		}
	})

	t.Run("hidden service defaults", func(t *testing.T) {
		t.Parallel()

		env, err := ParseNodeEnv(lookupFrom(map[string]string{"ROLE": "hs", "HS_PORT": "8080"}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if env.ServiceIP != "127.0.0.1" || env.ServicePort != 8080 {
			t.Errorf("unexpected service target %s:%d", env.ServiceIP, env.ServicePort)
		}
		if env.Nick != "hs" {
			t.Errorf("expected nickname to default to role, got %q", env.Nick)
		}
	})

	t.Run("non numeric port is rejected", func(t *testing.T) {
		t.Parallel()

		_, err := ParseNodeEnv(lookupFrom(map[string]string{"ROLE": "da", "DA_COUNT": "three"}))
		if !errors.Is(err, ErrInvalidNodeEnv) {
			t.Fatalf("expected ErrInvalidNodeEnv, got %v", err)
		}
	})

	t.Run("environ round trips", func(t *testing.T) {
		t.Parallel()

		in := &NodeEnv{
			Role:    model.NodeTypeDA,
			Nick:    "lab0da0",
			Network: "lab",
			DACount: 5,
			Ports:   model.Ports{Control: 8000, OR: 5000, Dir: 7000},
		}
		vars := make(map[string]string)
		for _, kv := range in.Environ() {
			for i := 0; i < len(kv); i++ {
				if kv[i] == '=' {
					vars[kv[:i]] = kv[i+1:]
					break
				}
			}
		}
		out, err := ParseNodeEnv(lookupFrom(vars))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.Role != in.Role || out.Nick != in.Nick || out.Network != in.Network || out.DACount != in.DACount || out.Ports != in.Ports {
			t.Errorf("round trip mismatch: %+v != %+v", out, in)
		}
	})
}

// TestReadNodeEnvFile tests loading the node environment from a dotenv file.
func TestReadNodeEnvFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "node.env")
	content := "ROLE=client\nNICK=lab0client0\nSOCKS_PORT=9000\nCONTROL_PORT=8010\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}

	env, err := ReadNodeEnvFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Role != model.NodeTypeClient || env.Ports.Socks != 9000 || env.Ports.Control != 8010 {
		t.Errorf("unexpected env %+v", env)
	}

	if _, err := ReadNodeEnvFile(filepath.Join(t.TempDir(), "missing.env")); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for missing file, got %v", err)
	}
}
