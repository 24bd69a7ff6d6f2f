// Package main provides the entry point for the torlab CLI.
//
// torlab provisions private Tor networks (directory authorities, relays,
// clients and onion services) on one host, tracks their status and
// records their traffic and circuits.
//
// Usage:
//
//	torlab serve
//	torlab network create lab --template basic
//	torlab network start lab
//
// See --help for all available options.
package main

// main is the entry point for torlab.
func main() {
	Execute()
}
