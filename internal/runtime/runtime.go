package runtime

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// Runtime errors.
var (
	// ErrNodeRuntime wraps failures of the underlying runtime.
	ErrNodeRuntime = errors.New("node runtime failure")

	// ErrNotFound is returned when the runtime has no node of that name.
	// Callers treat it as "container removed", not as a failure.
	ErrNotFound = errors.New("runtime: no such node")

	// ErrAlreadyRunning is returned by Start for a live node.
	ErrAlreadyRunning = errors.New("runtime: node already running")

	// ErrExecFailed is returned when an executed command exits non zero.
	ErrExecFailed = errors.New("runtime: command failed")
)

// Backend names.
const (
	BackendDocker  = "docker"
	BackendProcess = "process"
	BackendMemory  = "memory"
)

// Mount binds a host directory into a node.
type Mount struct {
	Source string
	Target string
}

// Spec describes a node process to start.
type Spec struct {
	// Name addresses the node in every later call.
	Name   string
	Labels map[string]string
	// Image is the container image (docker only).
	Image string
	// Command is the argv to run. The docker backend passes it as the
	// container command; the process backend executes it directly.
	Command []string
	Env     []string
	// DataDir is the host directory holding the node's files.
	DataDir string
	Mounts  []Mount
}

// State is what a runtime knows about a node.
type State struct {
	Name    string `json:"name"`
	ID      string `json:"id,omitempty"`
	Running bool   `json:"running"`
	// Status is the runtime's own word for the state, such as "running",
	// "exited" or "created".
	Status     string    `json:"status"`
	ExitCode   int       `json:"exit_code"`
	PID        int       `json:"pid,omitempty"`
	Address    string    `json:"address,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	MemoryRSS  uint64    `json:"memory_rss,omitempty"`
	CPUPercent float64   `json:"cpu_percent,omitempty"`
}

// Runtime runs node processes.
type Runtime interface {
	// Name returns the backend name.
	Name() string
	// Start launches a node.
	Start(ctx context.Context, spec Spec) error
	// Stop asks the node to exit, killing it after timeout.
	Stop(ctx context.Context, name string, timeout time.Duration) error
	// Remove deletes the node. removeVolumes also drops runtime managed
	// volumes; host data directories are left to the caller.
	Remove(ctx context.Context, name string, removeVolumes bool) error
	// Inspect returns the current state or ErrNotFound.
	Inspect(ctx context.Context, name string) (State, error)
	// Logs returns up to tail trailing log lines; tail <= 0 means all.
	Logs(ctx context.Context, name string, tail int) ([]string, error)
	// Exec runs a command next to the node and returns its output.
	Exec(ctx context.Context, name string, cmd []string) (string, error)
	// Stream runs a command next to the node and streams its stdout
	// until ctx is cancelled or the reader is closed.
	Stream(ctx context.Context, name string, cmd []string) (io.ReadCloser, error)
	// Close releases backend resources.
	Close() error
}

// tailLines returns the last n lines of text; n <= 0 returns all lines.
func tailLines(text string, n int) []string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return []string{}
	}
	lines := strings.Split(text, "\n")
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// UnitName returns the runtime name of a node: one container or process
// per node, scoped by network slug.
func UnitName(networkSlug, nodeName string) string {
	return "torlab-" + networkSlug + "-" + strings.ToLower(nodeName)
}
