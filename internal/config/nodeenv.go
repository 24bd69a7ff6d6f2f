package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/nao1215/torlab/internal/model"
)

// DefaultDACount is the quorum target when DA_COUNT is not set.
const DefaultDACount = model.MinAuthorities

// NodeEnv is the environment a node agent is started with.
type NodeEnv struct {
	// Role is the node type parsed from ROLE.
	Role model.NodeType
	// Nick is the Tor nickname (NICK).
	Nick string
	// Network scopes the quorum registry (NETWORK).
	Network string
	// DACount is the quorum target (DA_COUNT).
	DACount int
	// Address is the reachable address of the node (ADDRESS). When empty
	// the agent resolves it.
	Address string
	// DataDir is the tor data directory (DATA_DIR).
	DataDir string
	// Ports are read from CONTROL_PORT, OR_PORT, DIR_PORT and SOCKS_PORT.
	Ports model.Ports
	// HSPort, ServiceIP and ServicePort describe the hidden service target.
	HSPort      int
	ServiceIP   string
	ServicePort int
}

// LoadNodeEnv reads the node environment. When envFile is set its
// variables are loaded first; variables already present in the process
// environment win.
func LoadNodeEnv(envFile string) (*NodeEnv, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("%w: load env file %s: %w", ErrConfiguration, envFile, err)
		}
	}
	return ParseNodeEnv(os.LookupEnv)
}

// ReadNodeEnvFile parses an env file without touching the process
// environment.
func ReadNodeEnvFile(path string) (*NodeEnv, error) {
	vars, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read env file %s: %w", ErrConfiguration, path, err)
	}
	return ParseNodeEnv(func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	})
}

// ParseNodeEnv builds a NodeEnv from a variable lookup function.
func ParseNodeEnv(lookup func(string) (string, bool)) (*NodeEnv, error) {
	role, ok := lookup("ROLE")
	if !ok || role == "" {
		return nil, ErrMissingRole
	}
	nodeType, err := model.ParseNodeType(role)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	env := &NodeEnv{
		Role:    nodeType,
		DACount: DefaultDACount,
	}
	env.Nick, _ = lookup("NICK")
	env.Network, _ = lookup("NETWORK")
	env.Address, _ = lookup("ADDRESS")
	env.DataDir, _ = lookup("DATA_DIR")
	env.ServiceIP, _ = lookup("SERVICE_IP")

	ints := []struct {
		key string
		dst *int
	}{
		{"DA_COUNT", &env.DACount},
		{"CONTROL_PORT", &env.Ports.Control},
		{"OR_PORT", &env.Ports.OR},
		{"DIR_PORT", &env.Ports.Dir},
		{"SOCKS_PORT", &env.Ports.Socks},
		{"HS_PORT", &env.HSPort},
		{"SERVICE_PORT", &env.ServicePort},
	}
	for _, v := range ints {
		raw, ok := lookup(v.key)
		if !ok || raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: %s=%q", ErrInvalidNodeEnv, v.key, raw)
		}
		*v.dst = n
	}

	if env.DACount < 1 {
		return nil, fmt.Errorf("%w: DA_COUNT must be at least 1", ErrInvalidNodeEnv)
	}
	if env.Nick == "" {
		env.Nick = string(env.Role)
	}
	if env.Role == model.NodeTypeHS {
		if env.HSPort == 0 {
			env.HSPort = 80
		}
		if env.ServiceIP == "" {
			env.ServiceIP = "127.0.0.1"
		}
		if env.ServicePort == 0 {
			env.ServicePort = env.HSPort
		}
	}
	return env, nil
}

// Environ renders the node environment as KEY=VALUE pairs, the inverse of
// ParseNodeEnv. Runtimes pass it to the node process.
func (e *NodeEnv) Environ() []string {
	out := []string{
		"ROLE=" + string(e.Role),
		"NICK=" + e.Nick,
		"DA_COUNT=" + strconv.Itoa(e.DACount),
	}
	add := func(k, v string) {
		if v != "" {
			out = append(out, k+"="+v)
		}
	}
	addInt := func(k string, v int) {
		if v != 0 {
			out = append(out, k+"="+strconv.Itoa(v))
		}
	}
	add("NETWORK", e.Network)
	add("ADDRESS", e.Address)
	add("DATA_DIR", e.DataDir)
	addInt("CONTROL_PORT", e.Ports.Control)
	addInt("OR_PORT", e.Ports.OR)
	addInt("DIR_PORT", e.Ports.Dir)
	addInt("SOCKS_PORT", e.Ports.Socks)
	addInt("HS_PORT", e.HSPort)
	add("SERVICE_IP", e.ServiceIP)
	addInt("SERVICE_PORT", e.ServicePort)
	return out
}
