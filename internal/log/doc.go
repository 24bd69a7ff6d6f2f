// Package log provides secure logging built on top of the standard slog
// package.
//
// The SecureHandler masks control port credentials and key material
// before records reach the output, so logs of a lab network can be shared
// without leaking the keys of its authorities or hidden services:
//   - control port passwords, auth cookies and AUTHENTICATE commands
//   - PEM encoded private keys and ed25519v1 secret key blobs
//   - HashedControlPassword values
//
// Fingerprints, v3 identities and onion addresses are public and are
// never masked.
//
// # Usage
//
//	logger, closer, err := log.New(os.Stderr, log.Options{Verbose: true})
//	if err != nil {
//	    return err
//	}
//	defer closer.Close()
//	slog.SetDefault(logger)
//
// With Options.File set, logs go to a size rotated file managed by
// lumberjack.
package log
