package quorum

import (
	"context"
	"slices"
	"sync"
)

// Memory is an in-process Barrier: a mutex guarded append list per
// network.
type Memory struct {
	mu    sync.Mutex
	lines map[string][]string
}

// NewMemory returns an empty in-process barrier.
func NewMemory() *Memory {
	return &Memory{lines: make(map[string][]string)}
}

// Announce implements Barrier.
func (m *Memory) Announce(_ context.Context, network, line string) (bool, error) {
	if err := checkNetwork(network); err != nil {
		return false, err
	}
	line, err := checkLine(line)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if registered(m.lines[network], line) {
		return false, nil
	}
	m.lines[network] = append(m.lines[network], line)
	return true, nil
}

// Lines implements Barrier.
func (m *Memory) Lines(_ context.Context, network string) ([]string, error) {
	if err := checkNetwork(network); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.lines[network]), nil
}

// Reset implements Barrier.
func (m *Memory) Reset(_ context.Context, network string) error {
	if err := checkNetwork(network); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lines, network)
	return nil
}
