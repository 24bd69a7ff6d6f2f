// Package controller owns the lifecycle of private Tor networks.
//
// A Controller creates networks and their node records, runs network and
// node actions (start, stop, restart, delete), and serves the status
// detail and topology views. Actions on one network are serialized: a
// second action while one is in flight is rejected with
// ErrActionConflict, except that stop and delete cancel a pending start.
// Actions on different networks never wait for each other.
//
// Starting a network launches every node concurrently, authorities
// first, through a Launcher. The quorum barrier makes the order safe;
// launching authorities first only shortens the wait.
package controller
