// Package agent bootstraps a single node.
//
// Bootstrap takes a node from an empty data directory to a started tor
// process: it resolves the node address, writes the role's torrc, creates
// identity material, announces directory authorities to the quorum
// barrier, waits for the quorum and appends the announced authorities to
// the torrc before handing it to a Starter. A quorum that does not form in
// time is not fatal; the node starts with the authorities it saw and the
// result is marked degraded.
//
// The same code runs inside node containers (torlab node-agent) and in
// the controller process for the process and memory runtimes.
package agent
