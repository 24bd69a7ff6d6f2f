// Package torrc renders tor configuration files for lab nodes.
//
// A configuration is a shared Base plus exactly one Role. Each role
// variant carries only the settings valid for it, so an exit relay cannot
// be given a socks port and a client cannot be given a dir port. The
// DirAuthority lines collected from the quorum registry are appended
// last, once the node has waited for the authorities.
package torrc
