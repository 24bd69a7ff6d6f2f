// Package client talks to the control API of a running torlab server.
//
// The CLI commands that manage networks, nodes and captures are thin
// wrappers around this client, so they work against a local server and
// a remote one alike.
package client
