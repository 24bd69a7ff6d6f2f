// Package ports derives the listener ports of every node in a network.
//
// Each port kind (control, or, socks, dir) owns a range that starts at the
// network's base port for that kind. Inside a range the node types that
// use the kind get contiguous blocks in the fixed order da, guard, middle,
// exit, client, hs, so a node's port is
//
//	base(kind) + sum(count of earlier types using kind) + index
//
// Allocation is a pure function of the network definition. Validate checks
// once, when a network is created, that no two ranges overlap.
package ports
