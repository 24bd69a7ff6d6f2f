//go:build !unix

package quorum

import (
	"context"
	"errors"
)

// ErrFileUnsupported is returned on platforms without flock.
var ErrFileUnsupported = errors.New("file quorum backend requires a unix platform")

// File is unavailable on this platform.
type File struct{}

// NewFile always fails on this platform.
func NewFile(string) (*File, error) {
	return nil, ErrFileUnsupported
}

// Announce implements Barrier.
func (*File) Announce(context.Context, string, string) (bool, error) {
	return false, ErrFileUnsupported
}

// Lines implements Barrier.
func (*File) Lines(context.Context, string) ([]string, error) {
	return nil, ErrFileUnsupported
}

// Reset implements Barrier.
func (*File) Reset(context.Context, string) error {
	return ErrFileUnsupported
}
