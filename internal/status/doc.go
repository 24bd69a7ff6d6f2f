// Package status reconciles observed node state with the stored records.
//
// A Tracker periodically probes every node of every active network,
// reduces each observation to a node status and rolls the node statuses
// up into the network status and bootstrap progress. Probing a node that
// vanished mid-pass is an observation like any other; it never aborts the
// pass for its siblings.
package status
