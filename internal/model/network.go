package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Topology limits.
const (
	// MinAuthorities is the smallest authority set that can produce a
	// valid consensus.
	MinAuthorities = 3

	// MaxNodes caps the size of a single network.
	MaxNodes = 64
)

// Default base ports. Each port kind owns a range starting at its base.
const (
	DefaultControlBasePort = 8000
	DefaultSocksBasePort   = 9000
	DefaultORBasePort      = 5000
	DefaultDirBasePort     = 7000
)

// Template seeds the node counts of a new network.
type Template string

// Network templates.
const (
	TemplateMinimal  Template = "minimal"
	TemplateBasic    Template = "basic"
	TemplateStandard Template = "standard"
	TemplateForensic Template = "forensic"
	TemplateCustom   Template = "custom"
)

// NodeCounts is the number of nodes of each type in a network.
type NodeCounts struct {
	DA     int `json:"da" yaml:"da"`
	Guard  int `json:"guard" yaml:"guard"`
	Middle int `json:"middle" yaml:"middle"`
	Exit   int `json:"exit" yaml:"exit"`
	Client int `json:"client" yaml:"client"`
	HS     int `json:"hs" yaml:"hs"`
}

var templateCounts = map[Template]NodeCounts{
	TemplateMinimal:  {DA: 3, Guard: 1, Middle: 1, Exit: 1, Client: 1},
	TemplateBasic:    {DA: 3, Guard: 2, Middle: 2, Exit: 2, Client: 2, HS: 1},
	TemplateStandard: {DA: 5, Guard: 3, Middle: 4, Exit: 3, Client: 4, HS: 2},
	TemplateForensic: {DA: 3, Guard: 3, Middle: 3, Exit: 2, Client: 2, HS: 2},
}

// CountsFor returns the node counts seeded by a template. The custom
// template has no seed and reports false.
func CountsFor(t Template) (NodeCounts, bool) {
	c, ok := templateCounts[t]
	return c, ok
}

// ParseTemplate converts a template name into a Template.
func ParseTemplate(s string) (Template, error) {
	t := Template(s)
	switch t {
	case TemplateMinimal, TemplateBasic, TemplateStandard, TemplateForensic, TemplateCustom:
		return t, nil
	default:
		return "", fmt.Errorf("unknown template %q", s)
	}
}

// Get returns the count for one node type.
func (c NodeCounts) Get(t NodeType) int {
	switch t {
	case NodeTypeDA:
		return c.DA
	case NodeTypeGuard:
		return c.Guard
	case NodeTypeMiddle:
		return c.Middle
	case NodeTypeExit:
		return c.Exit
	case NodeTypeClient:
		return c.Client
	case NodeTypeHS:
		return c.HS
	default:
		return 0
	}
}

// Set updates the count for one node type.
func (c *NodeCounts) Set(t NodeType, n int) {
	switch t {
	case NodeTypeDA:
		c.DA = n
	case NodeTypeGuard:
		c.Guard = n
	case NodeTypeMiddle:
		c.Middle = n
	case NodeTypeExit:
		c.Exit = n
	case NodeTypeClient:
		c.Client = n
	case NodeTypeHS:
		c.HS = n
	}
}

// Total returns the number of nodes across all types.
func (c NodeCounts) Total() int {
	return c.DA + c.Guard + c.Middle + c.Exit + c.Client + c.HS
}

// BasePorts holds the first port of each port kind's range.
type BasePorts struct {
	Control int `json:"control_base_port" yaml:"control"`
	Socks   int `json:"socks_base_port" yaml:"socks"`
	OR      int `json:"or_base_port" yaml:"or"`
	Dir     int `json:"dir_base_port" yaml:"dir"`
}

// DefaultBasePorts returns the default base port set.
func DefaultBasePorts() BasePorts {
	return BasePorts{
		Control: DefaultControlBasePort,
		Socks:   DefaultSocksBasePort,
		OR:      DefaultORBasePort,
		Dir:     DefaultDirBasePort,
	}
}

// Get returns the base port for kind k.
func (b BasePorts) Get(k PortKind) int {
	switch k {
	case PortControl:
		return b.Control
	case PortOR:
		return b.OR
	case PortSocks:
		return b.Socks
	case PortDir:
		return b.Dir
	default:
		return 0
	}
}

// TorTuning carries the Tor options shared by every node in a network.
type TorTuning struct {
	TestingNetwork  bool          `json:"testing_network" yaml:"testingNetwork"`
	VotingInterval  time.Duration `json:"voting_interval" yaml:"votingInterval"`
	AssumeReachable bool          `json:"assume_reachable" yaml:"assumeReachable"`
}

// DefaultTorTuning returns the tuning used for fresh networks: a testing
// network with a short voting interval so consensus forms in minutes.
func DefaultTorTuning() TorTuning {
	return TorTuning{
		TestingNetwork:  true,
		VotingInterval:  20 * time.Second,
		AssumeReachable: true,
	}
}

// CaptureDefaults configures traffic captures started on the network.
type CaptureDefaults struct {
	AutoCapture           bool          `json:"auto_capture" yaml:"autoCapture"`
	Filter                string        `json:"capture_filter" yaml:"filter"`
	MaxCaptureSizeMB      int           `json:"max_capture_size_mb" yaml:"maxCaptureSizeMB"`
	CaptureRotateInterval time.Duration `json:"capture_rotate_interval" yaml:"captureRotateInterval"`
}

// TorNetwork is one private Tor network and the aggregate state of its
// nodes.
type TorNetwork struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Slug        string          `json:"slug"`
	Description string          `json:"description,omitempty"`
	Template    Template        `json:"template"`
	Counts      NodeCounts      `json:"counts"`
	BasePorts   BasePorts       `json:"base_ports"`
	Tuning      TorTuning       `json:"tuning"`
	Capture     CaptureDefaults `json:"capture"`

	Status            Status `json:"status"`
	BootstrapProgress int    `json:"bootstrap_progress"`
	// Degraded is set when at least one node started without a full
	// authority quorum.
	Degraded          bool   `json:"degraded"`
	Warning           string `json:"warning,omitempty"`
	LastError         string `json:"last_error,omitempty"`
	ErrorAcknowledged bool   `json:"error_acknowledged"`

	ConsensusValidAfter time.Time `json:"consensus_valid_after,omitzero"`
	ConsensusValidUntil time.Time `json:"consensus_valid_until,omitzero"`

	BytesRead      int64 `json:"total_bytes_read"`
	BytesWritten   int64 `json:"total_bytes_written"`
	CircuitsBuilt  int64 `json:"total_circuits_built"`
	CircuitsFailed int64 `json:"total_circuits_failed"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	StartedAt time.Time `json:"started_at,omitzero"`
	StoppedAt time.Time `json:"stopped_at,omitzero"`
}

// TotalNodes returns the number of nodes the network is defined with.
func (n *TorNetwork) TotalNodes() int {
	return n.Counts.Total()
}

// ConsensusValid reports whether the last observed consensus window
// contains t.
func (n *TorNetwork) ConsensusValid(t time.Time) bool {
	if n.ConsensusValidAfter.IsZero() || n.ConsensusValidUntil.IsZero() {
		return false
	}
	return !t.Before(n.ConsensusValidAfter) && t.Before(n.ConsensusValidUntil)
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify turns a human name into a lowercase, dash separated slug.
func Slugify(name string) string {
	s := slugInvalid.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	return strings.Trim(s, "-")
}
