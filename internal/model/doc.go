// Package model defines the records torlab persists and passes between
// components: networks, nodes, traffic captures and circuit events.
//
// The package has no dependencies on other torlab packages so that the
// controller, the node agent, the status tracker and the storage layer
// can all share the same types without import cycles.
package model
