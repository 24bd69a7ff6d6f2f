package model

import (
	"fmt"
	"time"
)

// TorNode is one Tor process inside a network.
type TorNode struct {
	ID        string   `json:"id"`
	NetworkID string   `json:"network_id"`
	Type      NodeType `json:"node_type"`
	// Index is the 0-based position of the node among nodes of its type.
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
	Ports   Ports  `json:"ports"`

	// Identity fields are written only by the node agent.
	Fingerprint  string `json:"fingerprint,omitempty"`
	V3Identity   string `json:"v3_identity,omitempty"`
	OnionAddress string `json:"onion_address,omitempty"`

	Status         Status `json:"status"`
	DesiredRunning bool   `json:"desired_running"`
	// Degraded is set when the node started without a full authority
	// quorum.
	Degraded  bool   `json:"degraded"`
	LastError string `json:"last_error,omitempty"`
	// ControlFailures counts consecutive failed control port probes.
	ControlFailures int `json:"control_failures"`

	BytesRead       int64 `json:"bytes_read"`
	BytesWritten    int64 `json:"bytes_written"`
	CircuitsActive  int   `json:"circuits_active"`
	CircuitsCreated int64 `json:"circuits_created"`
	BandwidthRate   int64 `json:"bandwidth_rate"`
	BandwidthBurst  int64 `json:"bandwidth_burst"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

// IsRunning reports whether the node has finished bootstrapping.
func (n *TorNode) IsRunning() bool {
	return n.Status == StatusRunning
}

// IsRelay reports whether the node relays traffic.
func (n *TorNode) IsRelay() bool {
	return n.Type.IsRelay()
}

// NodeName returns the nickname of the node at index i of type t within
// the network identified by slug. Tor nicknames are limited to 19
// alphanumeric characters, so the slug is compacted and truncated.
func NodeName(slug string, t NodeType, i int) string {
	prefix := make([]byte, 0, len(slug))
	for _, c := range []byte(slug) {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			prefix = append(prefix, c)
		}
	}
	suffix := fmt.Sprintf("%s%d", t, i)
	room := 19 - len(suffix)
	if len(prefix) > room {
		prefix = prefix[:room]
	}
	return string(prefix) + suffix
}
