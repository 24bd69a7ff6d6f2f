package runtime

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// Memory is a runtime that runs nothing. Nodes exist only as records,
// which makes it the backend for dry runs and tests.
type Memory struct {
	mu    sync.Mutex
	nodes map[string]*memoryNode

	// StartHook, when set, runs before a node is marked running. An error
	// fails the start.
	StartHook func(Spec) error
	// ExecHook, when set, produces Exec output.
	ExecHook func(name string, cmd []string) (string, error)
	// StreamHook, when set, produces Stream output.
	StreamHook func(ctx context.Context, name string, cmd []string) (io.ReadCloser, error)
}

type memoryNode struct {
	spec      Spec
	running   bool
	status    string
	exitCode  int
	startedAt time.Time
	logs      []string
	execs     [][]string
}

// NewMemory returns an empty memory runtime.
func NewMemory() *Memory {
	return &Memory{nodes: make(map[string]*memoryNode)}
}

// Name implements Runtime.
func (m *Memory) Name() string { return BackendMemory }

// Start implements Runtime.
func (m *Memory) Start(_ context.Context, spec Spec) error {
	if m.StartHook != nil {
		if err := m.StartHook(spec); err != nil {
			return fmt.Errorf("%w: %w", ErrNodeRuntime, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[spec.Name]; ok && n.running {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, spec.Name)
	}
	n, ok := m.nodes[spec.Name]
	if !ok {
		n = &memoryNode{}
		m.nodes[spec.Name] = n
	}
	n.spec = spec
	n.running = true
	n.status = "running"
	n.exitCode = 0
	n.startedAt = time.Now()
	n.logs = append(n.logs, "started "+strings.Join(spec.Command, " "))
	return nil
}

// Stop implements Runtime.
func (m *Memory) Stop(_ context.Context, name string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	n.running = false
	n.status = "exited"
	n.logs = append(n.logs, "stopped")
	return nil
}

// Remove implements Runtime.
func (m *Memory) Remove(_ context.Context, name string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(m.nodes, name)
	return nil
}

// Inspect implements Runtime.
func (m *Memory) Inspect(_ context.Context, name string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[name]
	if !ok {
		return State{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return State{
		Name:      name,
		ID:        name,
		Running:   n.running,
		Status:    n.status,
		ExitCode:  n.exitCode,
		Address:   "127.0.0.1",
		StartedAt: n.startedAt,
	}, nil
}

// Logs implements Runtime.
func (m *Memory) Logs(_ context.Context, name string, tail int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return tailLines(strings.Join(n.logs, "\n"), tail), nil
}

// Exec implements Runtime.
func (m *Memory) Exec(_ context.Context, name string, cmd []string) (string, error) {
	m.mu.Lock()
	n, ok := m.nodes[name]
	if ok {
		n.execs = append(n.execs, slices.Clone(cmd))
	}
	hook := m.ExecHook
	m.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if hook != nil {
		return hook(name, cmd)
	}
	return "", nil
}

// Stream implements Runtime.
func (m *Memory) Stream(ctx context.Context, name string, cmd []string) (io.ReadCloser, error) {
	m.mu.Lock()
	_, ok := m.nodes[name]
	hook := m.StreamHook
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if hook == nil {
		return nil, fmt.Errorf("%w: memory runtime has no stream for %s", ErrNodeRuntime, name)
	}
	return hook(ctx, name, cmd)
}

// Close implements Runtime.
func (m *Memory) Close() error { return nil }

// Crash marks a node as exited with code, as if its process died.
func (m *Memory) Crash(name string, code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[name]; ok {
		n.running = false
		n.status = "exited"
		n.exitCode = code
		n.logs = append(n.logs, fmt.Sprintf("exited with code %d", code))
	}
}

// Spec returns the spec a node was last started with.
func (m *Memory) Spec(name string) (Spec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[name]
	if !ok {
		return Spec{}, false
	}
	return n.spec, true
}

// Names returns the names of all known nodes, sorted.
func (m *Memory) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.nodes))
}
