package model

import "fmt"

// NodeType is the role a node plays in a private Tor network.
type NodeType string

// Node roles.
const (
	NodeTypeDA     NodeType = "da"
	NodeTypeGuard  NodeType = "guard"
	NodeTypeMiddle NodeType = "middle"
	NodeTypeExit   NodeType = "exit"
	NodeTypeClient NodeType = "client"
	NodeTypeHS     NodeType = "hs"
)

// NodeTypes lists every role in the canonical order used for port blocks,
// naming and display.
var NodeTypes = []NodeType{
	NodeTypeDA,
	NodeTypeGuard,
	NodeTypeMiddle,
	NodeTypeExit,
	NodeTypeClient,
	NodeTypeHS,
}

// ParseNodeType converts a role name into a NodeType. The node bootstrap
// environment also accepts "relay", which is treated as a middle relay.
func ParseNodeType(s string) (NodeType, error) {
	switch s {
	case "da", "authority":
		return NodeTypeDA, nil
	case "guard":
		return NodeTypeGuard, nil
	case "middle", "relay":
		return NodeTypeMiddle, nil
	case "exit":
		return NodeTypeExit, nil
	case "client":
		return NodeTypeClient, nil
	case "hs":
		return NodeTypeHS, nil
	default:
		return "", fmt.Errorf("unknown node type %q", s)
	}
}

// IsRelay reports whether nodes of this type carry traffic for others and
// therefore appear in the consensus as relays.
func (t NodeType) IsRelay() bool {
	switch t {
	case NodeTypeGuard, NodeTypeMiddle, NodeTypeExit:
		return true
	default:
		return false
	}
}

// PortKind identifies one of the listener ports a node may own.
type PortKind string

// Port kinds.
const (
	PortControl PortKind = "control"
	PortOR      PortKind = "or"
	PortSocks   PortKind = "socks"
	PortDir     PortKind = "dir"
)

// PortKinds lists the port kinds in allocation order.
var PortKinds = []PortKind{PortControl, PortOR, PortSocks, PortDir}

// PortKinds returns the port kinds valid for this node type. Only
// authorities get a dir port and only clients get a socks port.
func (t NodeType) PortKinds() []PortKind {
	switch t {
	case NodeTypeDA:
		return []PortKind{PortControl, PortOR, PortDir}
	case NodeTypeGuard, NodeTypeMiddle, NodeTypeExit:
		return []PortKind{PortControl, PortOR}
	case NodeTypeClient:
		return []PortKind{PortControl, PortSocks}
	case NodeTypeHS:
		return []PortKind{PortControl}
	default:
		return nil
	}
}

// HasPort reports whether nodes of this type receive a port of kind k.
func (t NodeType) HasPort(k PortKind) bool {
	for _, kind := range t.PortKinds() {
		if kind == k {
			return true
		}
	}
	return false
}

// Ports holds the listener ports assigned to one node. A zero value means
// the node has no listener of that kind.
type Ports struct {
	Control int `json:"control_port,omitempty" yaml:"control,omitempty"`
	OR      int `json:"or_port,omitempty" yaml:"or,omitempty"`
	Socks   int `json:"socks_port,omitempty" yaml:"socks,omitempty"`
	Dir     int `json:"dir_port,omitempty" yaml:"dir,omitempty"`
}

// Get returns the port of kind k.
func (p Ports) Get(k PortKind) int {
	switch k {
	case PortControl:
		return p.Control
	case PortOR:
		return p.OR
	case PortSocks:
		return p.Socks
	case PortDir:
		return p.Dir
	default:
		return 0
	}
}

// Set assigns the port of kind k.
func (p *Ports) Set(k PortKind, port int) {
	switch k {
	case PortControl:
		p.Control = port
	case PortOR:
		p.OR = port
	case PortSocks:
		p.Socks = port
	case PortDir:
		p.Dir = port
	}
}
