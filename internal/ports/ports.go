package ports

import (
	"errors"
	"fmt"

	"github.com/nao1215/torlab/internal/model"
)

// ErrPortConflict is returned when the base ports of a network leave no
// collision free range for every node.
var ErrPortConflict = errors.New("port conflict")

// maxPort is the highest valid TCP port.
const maxPort = 65535

// Layout is the information allocation depends on: base ports and node
// counts.
type Layout struct {
	Base   model.BasePorts
	Counts model.NodeCounts
}

// LayoutOf returns the allocation layout of a network.
func LayoutOf(n *model.TorNetwork) Layout {
	return Layout{Base: n.BasePorts, Counts: n.Counts}
}

// Range is the closed port interval used by one port kind.
type Range struct {
	Kind  model.PortKind
	First int
	Last  int
}

// Empty reports whether no node uses the range.
func (r Range) Empty() bool {
	return r.Last < r.First
}

// Overlaps reports whether two non-empty ranges share a port.
func (r Range) Overlaps(o Range) bool {
	if r.Empty() || o.Empty() {
		return false
	}
	return r.First <= o.Last && o.First <= r.Last
}

// String implements fmt.Stringer.
func (r Range) String() string {
	if r.Empty() {
		return fmt.Sprintf("%s:none", r.Kind)
	}
	return fmt.Sprintf("%s:%d-%d", r.Kind, r.First, r.Last)
}

// offset returns the first slot of nodeType inside the range of kind.
func (l Layout) offset(kind model.PortKind, nodeType model.NodeType) int {
	off := 0
	for _, t := range model.NodeTypes {
		if t == nodeType {
			break
		}
		if t.HasPort(kind) {
			off += l.Counts.Get(t)
		}
	}
	return off
}

// used returns how many nodes hold a port of kind.
func (l Layout) used(kind model.PortKind) int {
	n := 0
	for _, t := range model.NodeTypes {
		if t.HasPort(kind) {
			n += l.Counts.Get(t)
		}
	}
	return n
}

// Ranges returns the range of every port kind.
func (l Layout) Ranges() []Range {
	out := make([]Range, 0, len(model.PortKinds))
	for _, k := range model.PortKinds {
		first := l.Base.Get(k)
		out = append(out, Range{Kind: k, First: first, Last: first + l.used(k) - 1})
	}
	return out
}

// Allocate returns the ports of the node at index of nodeType. Port kinds
// the type does not use stay zero. Allocate does not check for overlaps;
// the network is validated once with Validate.
func Allocate(l Layout, nodeType model.NodeType, index int) (model.Ports, error) {
	var p model.Ports
	kinds := nodeType.PortKinds()
	if kinds == nil {
		return p, fmt.Errorf("allocate ports: unknown node type %q", nodeType)
	}
	if index < 0 || index >= l.Counts.Get(nodeType) {
		return p, fmt.Errorf("allocate ports: %s index %d out of range (count %d)", nodeType, index, l.Counts.Get(nodeType))
	}
	for _, k := range kinds {
		p.Set(k, l.Base.Get(k)+l.offset(k, nodeType)+index)
	}
	return p, nil
}

// Validate checks that every port kind's range is inside the valid port
// space and that no two ranges overlap. It returns ErrPortConflict
// wrapped with the offending ranges.
func Validate(l Layout) error {
	ranges := l.Ranges()
	for _, r := range ranges {
		if r.Empty() {
			continue
		}
		if r.First < 1 || r.Last > maxPort {
			return fmt.Errorf("%w: %s outside 1-%d", ErrPortConflict, r, maxPort)
		}
	}
	for i := range ranges {
		for j := i + 1; j < len(ranges); j++ {
			if ranges[i].Overlaps(ranges[j]) {
				return fmt.Errorf("%w: %s overlaps %s", ErrPortConflict, ranges[i], ranges[j])
			}
		}
	}
	return nil
}

// Assignment is the port set of one node.
type Assignment struct {
	Type  model.NodeType
	Index int
	Ports model.Ports
}

// AllocateAll validates the layout and returns the ports of every node in
// canonical order.
func AllocateAll(l Layout) ([]Assignment, error) {
	if err := Validate(l); err != nil {
		return nil, err
	}
	out := make([]Assignment, 0, l.Counts.Total())
	for _, t := range model.NodeTypes {
		for i := 0; i < l.Counts.Get(t); i++ {
			p, err := Allocate(l, t, i)
			if err != nil {
				return nil, err
			}
			out = append(out, Assignment{Type: t, Index: i, Ports: p})
		}
	}
	return out, nil
}
