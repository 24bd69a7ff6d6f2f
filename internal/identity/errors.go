package identity

import "errors"

var (
	// ErrInvalidKey is returned when a key file cannot be decoded.
	ErrInvalidKey = errors.New("invalid key file")

	// ErrInvalidCertificate is returned when an authority certificate cannot
	// be parsed.
	ErrInvalidCertificate = errors.New("invalid authority certificate")

	// ErrInvalidOnionAddress is returned when an address is not a valid v3
	// onion address.
	ErrInvalidOnionAddress = errors.New("invalid onion address")
)
