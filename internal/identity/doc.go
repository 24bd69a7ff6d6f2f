// Package identity generates and loads the key material of lab nodes.
//
// Relays and authorities get an RSA relay identity key whose SHA-1
// fingerprint names them in the consensus. Authorities additionally get a
// long-lived authority identity key, a medium-term signing key and a
// dir-key-certificate binding the two; the hash of the authority identity
// key is the v3ident other nodes trust. Hidden services get an ed25519
// key and the v3 onion address derived from it.
//
// Files are written in the layout tor expects under a node's data
// directory, so tor picks the keys up instead of generating its own.
// Every generator reuses existing material, which keeps a restarted node's
// identity stable.
package identity
