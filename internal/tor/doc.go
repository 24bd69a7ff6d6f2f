// Package tor talks to running tor processes from the outside.
//
// Query reads bootstrap progress, traffic counters and circuit status over
// tornago's control client. Control keeps a connection subscribed to
// asynchronous circuit events. The package also holds a SOCKS5 readiness
// probe for client nodes and a preflight check that launches a throwaway
// tor through tornago to prove the local binary works. Nothing here speaks
// the Tor relay protocol; tor itself stays a black box.
package tor
