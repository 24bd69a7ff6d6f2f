package controller

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/nao1215/torlab/internal/model"
)

// circuitEdgeLimit bounds the circuit events a topology view reads.
const circuitEdgeLimit = 5000

var typeLabels = map[model.NodeType]string{
	model.NodeTypeDA:     "Directory Authorities",
	model.NodeTypeGuard:  "Guard Relays",
	model.NodeTypeMiddle: "Middle Relays",
	model.NodeTypeExit:   "Exit Relays",
	model.NodeTypeClient: "Clients",
	model.NodeTypeHS:     "Hidden Services",
}

// TypeLabel returns the display name of a node type.
func TypeLabel(t model.NodeType) string {
	if l, ok := typeLabels[t]; ok {
		return l
	}
	return cases.Title(language.English).String(string(t))
}

// StatusLabel returns the display name of a status, e.g. "Not Created".
func StatusLabel(s model.Status) string {
	return cases.Title(language.English).String(strings.ReplaceAll(string(s), "_", " "))
}

// NodeGroup is the nodes of one type.
type NodeGroup struct {
	Type    model.NodeType `json:"node_type"`
	Label   string         `json:"label"`
	Total   int            `json:"total"`
	Running int            `json:"running"`
	// Progress is the share of running nodes in percent.
	Progress int              `json:"progress"`
	Nodes    []*model.TorNode `json:"nodes"`
}

// StatusDetail is a network with its nodes grouped by type.
type StatusDetail struct {
	Network     *model.TorNetwork `json:"network"`
	StatusLabel string            `json:"status_label"`
	Groups      []NodeGroup       `json:"groups"`
	Total       int               `json:"total"`
	Running     int               `json:"running"`
	// InFlight names the action currently running on the network.
	InFlight Action `json:"in_flight,omitempty"`
}

// StatusDetail returns the network and its nodes grouped by type in the
// fixed type order. Types without nodes are left out.
func (c *Controller) StatusDetail(ctx context.Context, ref string) (*StatusDetail, error) {
	network, err := c.store.FindNetwork(ctx, ref)
	if err != nil {
		return nil, err
	}
	nodes, err := c.store.ListNodes(ctx, network.ID)
	if err != nil {
		return nil, err
	}

	byType := make(map[model.NodeType][]*model.TorNode)
	for _, n := range nodes {
		byType[n.Type] = append(byType[n.Type], n)
	}
	detail := &StatusDetail{
		Network:     network,
		StatusLabel: StatusLabel(network.Status),
	}
	for _, t := range model.NodeTypes {
		members := byType[t]
		if len(members) == 0 {
			continue
		}
		sort.Slice(members, func(i, j int) bool { return members[i].Index < members[j].Index })
		g := NodeGroup{Type: t, Label: TypeLabel(t), Total: len(members), Nodes: members}
		for _, n := range members {
			if n.IsRunning() {
				g.Running++
			}
		}
		g.Progress = g.Running * 100 / g.Total
		detail.Groups = append(detail.Groups, g)
		detail.Total += g.Total
		detail.Running += g.Running
	}
	if a, ok := c.InFlight(network.ID); ok {
		detail.InFlight = a
	}
	return detail, nil
}

// Edge kinds of a topology graph.
const (
	EdgeConsensus = "consensus"
	EdgeDirectory = "directory"
	EdgeCircuit   = "circuit"
)

// Vertex is a node in a topology graph.
type Vertex struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Type   model.NodeType `json:"node_type"`
	Status model.Status   `json:"status"`
}

// Edge connects two vertices. Weight counts the circuits that used a
// circuit edge and is 1 for the other kinds.
type Edge struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Kind   string `json:"kind"`
	Weight int    `json:"weight"`
}

// Topology is the graph of a network.
type Topology struct {
	NetworkID   string    `json:"network_id"`
	Nodes       []Vertex  `json:"nodes"`
	Edges       []Edge    `json:"edges"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Topology returns the graph of a network. Every relay has a consensus
// edge to every authority and a directory edge to the authority it
// fetches from. Circuit edges join consecutive hops of circuits built
// within the circuit window. Views are cached until the next action on
// the network or the cache TTL.
func (c *Controller) Topology(ctx context.Context, ref string) (*Topology, error) {
	network, err := c.store.FindNetwork(ctx, ref)
	if err != nil {
		return nil, err
	}
	if c.topology != nil {
		if t, ok := c.topology.Get(network.ID); ok {
			return t, nil
		}
	}
	nodes, err := c.store.ListNodes(ctx, network.ID)
	if err != nil {
		return nil, err
	}
	now := c.now().UTC()
	t := &Topology{NetworkID: network.ID, GeneratedAt: now}

	var das []*model.TorNode
	byFingerprint := make(map[string]string)
	for _, n := range nodes {
		t.Nodes = append(t.Nodes, Vertex{ID: n.ID, Name: n.Name, Type: n.Type, Status: n.Status})
		if n.Type == model.NodeTypeDA {
			das = append(das, n)
		}
		if n.Fingerprint != "" {
			byFingerprint[strings.ToUpper(n.Fingerprint)] = n.ID
		}
	}
	sort.Slice(das, func(i, j int) bool { return das[i].Index < das[j].Index })

	relay := 0
	for _, n := range nodes {
		if !n.IsRelay() || len(das) == 0 {
			continue
		}
		for _, da := range das {
			t.Edges = append(t.Edges, Edge{From: n.ID, To: da.ID, Kind: EdgeConsensus, Weight: 1})
		}
		t.Edges = append(t.Edges, Edge{From: n.ID, To: das[relay%len(das)].ID, Kind: EdgeDirectory, Weight: 1})
		relay++
	}

	if c.circuits != nil {
		edges, err := c.circuitEdges(ctx, network.ID, now, byFingerprint)
		if err != nil {
			return nil, err
		}
		t.Edges = append(t.Edges, edges...)
	}

	sort.SliceStable(t.Edges, func(i, j int) bool {
		a, b := t.Edges[i], t.Edges[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.From != b.From {
			return a.From < b.From
		}
		return a.To < b.To
	})
	if c.topology != nil {
		c.topology.Add(network.ID, t)
	}
	return t, nil
}

// circuitEdges counts hop pairs of recently built circuits. A circuit
// reported more than once in the window counts once.
func (c *Controller) circuitEdges(ctx context.Context, networkID string, now time.Time, byFingerprint map[string]string) ([]Edge, error) {
	events, err := c.circuits.Query(ctx, model.CircuitFilter{
		NetworkID: networkID,
		EventType: model.CircuitBuilt,
		Since:     now.Add(-c.window),
		Limit:     circuitEdgeLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query circuit events: %w", err)
	}

	type pair struct{ from, to string }
	weights := make(map[pair]int)
	seen := make(map[string]bool)
	for _, e := range events {
		key := e.NodeID + "/" + e.CircuitID
		if seen[key] {
			continue
		}
		seen[key] = true

		prev := e.NodeID
		for _, hop := range e.Path {
			id, ok := byFingerprint[strings.ToUpper(hop.Fingerprint)]
			if !ok {
				prev = ""
				continue
			}
			if prev != "" && prev != id {
				weights[pair{prev, id}]++
			}
			prev = id
		}
	}

	edges := make([]Edge, 0, len(weights))
	for p, w := range weights {
		edges = append(edges, Edge{From: p.from, To: p.to, Kind: EdgeCircuit, Weight: w})
	}
	return edges, nil
}
