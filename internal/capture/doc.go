// Package capture records node traffic into pcap files.
//
// A capture session runs tcpdump inside the node's runtime unit and
// copies the pcap stream into a file under the captures directory. When a
// file grows past the network's size limit, or is older than the rotate
// interval, the session switches to a successor file without stopping the
// stream, so no packet falls between two captures. Deleting a capture is a
// soft delete unless the caller asks to purge the file.
package capture
