// Package runtime starts, stops and observes node processes.
//
// A Runtime hides whether a node runs as a docker container, a local tor
// child process or, in dry runs and tests, nowhere at all. Callers address
// nodes by name and read their state back through Inspect; the status
// tracker turns that state into node statuses.
package runtime
