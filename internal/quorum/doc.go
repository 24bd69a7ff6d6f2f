// Package quorum implements the directory authority registry that nodes
// of one network synchronize on before starting tor.
//
// Authorities announce one DirAuthority line each. Every node then waits
// with Await until the expected number of distinct lines is present or a
// deadline passes, and copies the lines it saw into its torrc. The
// registry is a one-shot counting barrier with a deadline; it assumes a
// trusted environment and does not try to agree on anything beyond the
// set of lines.
//
// Four Barrier implementations share the same contract:
//
//   - Memory keeps lines in process, for a single controller.
//   - File keeps one line file per network next to an flock'd lock file,
//     matching the shared volume layout node containers mount.
//   - Etcd and Redis let several controllers share one registry.
package quorum
