// Package circuit records circuit lifecycle events reported by node
// control ports.
//
// Events arrive as asynchronous CIRC notifications, are parsed into
// model.CircuitEvent values and appended to the store. Stored events are
// never modified; the human readable path is computed once at insert.
package circuit
