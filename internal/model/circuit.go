package model

import (
	"fmt"
	"strings"
	"time"
)

// CircuitEventType is the lifecycle step a circuit event reports.
type CircuitEventType string

// Circuit event types.
const (
	CircuitLaunched CircuitEventType = "launched"
	CircuitBuilt    CircuitEventType = "built"
	CircuitExtended CircuitEventType = "extended"
	CircuitFailed   CircuitEventType = "failed"
	CircuitClosed   CircuitEventType = "closed"
)

// ParseCircuitEventType maps a control port CIRC status (LAUNCHED, BUILT,
// EXTENDED, FAILED, CLOSED) or a lower case name to an event type.
func ParseCircuitEventType(s string) (CircuitEventType, error) {
	t := CircuitEventType(strings.ToLower(s))
	switch t {
	case CircuitLaunched, CircuitBuilt, CircuitExtended, CircuitFailed, CircuitClosed:
		return t, nil
	default:
		return "", fmt.Errorf("unknown circuit event type %q", s)
	}
}

// Hop is one relay on a circuit path.
type Hop struct {
	Fingerprint string `json:"fingerprint"`
	Nickname    string `json:"nickname,omitempty"`
	IP          string `json:"ip,omitempty"`
}

// Label returns the nickname when known, otherwise a short fingerprint.
func (h Hop) Label() string {
	if h.Nickname != "" {
		return h.Nickname
	}
	if len(h.Fingerprint) > 8 {
		return h.Fingerprint[:8]
	}
	return h.Fingerprint
}

// CircuitEvent is one circuit lifecycle notification. Events are never
// modified once stored.
type CircuitEvent struct {
	ID        int64  `json:"id"`
	NetworkID string `json:"network_id"`
	// NodeID is empty when the originating node has been deleted.
	NodeID       string           `json:"node_id,omitempty"`
	CircuitID    string           `json:"circuit_id"`
	EventType    CircuitEventType `json:"event_type"`
	Path         []Hop            `json:"path"`
	PathDisplay  string           `json:"path_display"`
	Purpose      string           `json:"purpose,omitempty"`
	Status       string           `json:"status,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	RemoteReason string           `json:"remote_reason,omitempty"`
	BuildTime    time.Duration    `json:"build_time,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// PathDisplay joins hop labels into a human readable path.
func PathDisplay(path []Hop) string {
	labels := make([]string, 0, len(path))
	for _, h := range path {
		labels = append(labels, h.Label())
	}
	return strings.Join(labels, " -> ")
}

// CircuitFilter narrows circuit event queries. Zero fields match
// everything.
type CircuitFilter struct {
	NetworkID string
	NodeID    string
	CircuitID string
	EventType CircuitEventType
	Purpose   string
	Since     time.Time
	Limit     int
}
