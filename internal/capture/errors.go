package capture

import "errors"

var (
	// ErrAlreadyRecording is returned when a node already has a recording
	// capture.
	ErrAlreadyRecording = errors.New("node already has a recording capture")

	// ErrNotRecording is returned when stopping a capture that is not
	// recording.
	ErrNotRecording = errors.New("capture is not recording")

	// ErrCaptureWrite is recorded on captures whose file could not be
	// written. The node keeps running.
	ErrCaptureWrite = errors.New("capture write failure")

	// ErrFileMissing is returned when downloading a capture whose file is
	// gone.
	ErrFileMissing = errors.New("capture file missing")
)
