package model

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status change does not follow
// the lifecycle state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// Status is the lifecycle state shared by networks and nodes.
type Status string

// Lifecycle states. Networks never use StatusStarting; nodes never use
// StatusCreating.
const (
	StatusNotCreated    Status = "not_created"
	StatusCreating      Status = "creating"
	StatusCreated       Status = "created"
	StatusStarting      Status = "starting"
	StatusBootstrapping Status = "bootstrapping"
	StatusRunning       Status = "running"
	StatusStopping      Status = "stopping"
	StatusStopped       Status = "stopped"
	StatusError         Status = "error"
)

// transitions lists the forward edges of the state machine. StatusError
// is reachable from every state except StatusNotCreated and is handled
// separately in CanTransition.
var transitions = map[Status][]Status{
	StatusNotCreated:    {StatusCreating, StatusCreated},
	StatusCreating:      {StatusCreated},
	StatusCreated:       {StatusStarting, StatusBootstrapping, StatusStopping, StatusStopped},
	StatusStarting:      {StatusBootstrapping, StatusRunning, StatusStopping},
	StatusBootstrapping: {StatusRunning, StatusStopping},
	StatusRunning:       {StatusBootstrapping, StatusStopping},
	StatusStopping:      {StatusStopped},
	StatusStopped:       {StatusStarting, StatusBootstrapping, StatusStopping},
	StatusError:         {StatusStarting, StatusBootstrapping, StatusRunning, StatusStopping, StatusStopped},
}

// statusOrder ranks states along the bootstrap path. It is used to tell
// forward progress from regression.
var statusOrder = map[Status]int{
	StatusNotCreated:    0,
	StatusCreating:      1,
	StatusCreated:       2,
	StatusStarting:      3,
	StatusBootstrapping: 4,
	StatusRunning:       5,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// String implements fmt.Stringer.
func (s Status) String() string {
	return string(s)
}

// Active reports whether a node or network in this state is expected to
// have live processes.
func (s Status) Active() bool {
	switch s {
	case StatusStarting, StatusBootstrapping, StatusRunning:
		return true
	default:
		return false
	}
}

// Busy reports whether an action is still settling in this state.
func (s Status) Busy() bool {
	switch s {
	case StatusCreating, StatusStarting, StatusStopping:
		return true
	default:
		return false
	}
}

// Rank returns the position of s on the bootstrap path, or -1 for states
// off that path (stopping, stopped, error).
func (s Status) Rank() int {
	if r, ok := statusOrder[s]; ok {
		return r
	}
	return -1
}

// CanTransition reports whether moving from one status to another is a
// legal step. Staying in the same state is always legal.
func CanTransition(from, to Status) bool {
	if from == to {
		return from.Valid()
	}
	if !from.Valid() || !to.Valid() {
		return false
	}
	if to == StatusError {
		return from != StatusNotCreated
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates a status change and returns ErrInvalidTransition
// wrapped with both states when it is not allowed.
func Transition(from, to Status) (Status, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return to, nil
}
