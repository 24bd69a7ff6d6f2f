package model

import (
	"fmt"
	"time"
)

// CaptureType describes why a capture was started.
type CaptureType string

// Capture types.
const (
	CaptureContinuous CaptureType = "continuous"
	CaptureTriggered  CaptureType = "triggered"
	CaptureManual     CaptureType = "manual"
	CaptureCircuit    CaptureType = "circuit"
)

// ParseCaptureType converts a name into a CaptureType. An empty name means
// a manual capture.
func ParseCaptureType(s string) (CaptureType, error) {
	switch CaptureType(s) {
	case "":
		return CaptureManual, nil
	case CaptureContinuous, CaptureTriggered, CaptureManual, CaptureCircuit:
		return CaptureType(s), nil
	default:
		return "", fmt.Errorf("unknown capture type %q", s)
	}
}

// CaptureStatus is the lifecycle state of a traffic capture.
type CaptureStatus string

// Capture states.
const (
	CaptureRecording CaptureStatus = "recording"
	CaptureCompleted CaptureStatus = "completed"
	CaptureAnalyzing CaptureStatus = "analyzing"
	CaptureAnalyzed  CaptureStatus = "analyzed"
	CaptureError     CaptureStatus = "error"
	CaptureDeleted   CaptureStatus = "deleted"
)

// TrafficCapture is one pcap file recorded on a node.
type TrafficCapture struct {
	ID          string        `json:"id"`
	NodeID      string        `json:"node_id"`
	NetworkID   string        `json:"network_id"`
	Type        CaptureType   `json:"capture_type"`
	Filter      string        `json:"filter"`
	FilePath    string        `json:"file_path"`
	FileSize    int64         `json:"file_size"`
	FileHash    string        `json:"file_hash,omitempty"`
	PacketCount int64         `json:"packet_count"`
	ByteCount   int64         `json:"byte_count"`
	Status      CaptureStatus `json:"status"`
	// PredecessorID links a rotated capture to the one it replaced.
	PredecessorID string    `json:"predecessor_id,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	StoppedAt     time.Time `json:"stopped_at,omitzero"`
}

// Duration returns how long the capture recorded. A capture that is still
// recording reports the time elapsed until now.
func (c *TrafficCapture) Duration(now time.Time) time.Duration {
	if c.StoppedAt.IsZero() {
		return now.Sub(c.StartedAt)
	}
	return c.StoppedAt.Sub(c.StartedAt)
}

// CaptureFilter narrows capture listings. Zero fields match everything.
type CaptureFilter struct {
	NetworkID string
	NodeID    string
	Status    CaptureStatus
	// IncludeDeleted lists soft deleted captures too.
	IncludeDeleted bool
}
