// Package database persists networks, nodes, captures and circuit events
// in SQLite.
//
// The store uses modernc.org/sqlite, a CGO-free driver, so the controller
// stays a single static binary. One connection serves all writes; WAL mode
// keeps readers from blocking the writer. Foreign keys tie every record to
// its network, so deleting a network cascades to its nodes, captures and
// circuit events, while deleting a single node only clears the node
// reference of the circuit events it produced.
package database
