package log

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Log file rotation limits.
const (
	maxLogSizeMB  = 50
	maxLogBackups = 5
	maxLogAgeDays = 28
)

// NewFileWriter returns a writer that appends to path and rotates the file
// once it grows past 50 MB, keeping five compressed backups.
func NewFileWriter(path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxLogSizeMB,
		MaxBackups: maxLogBackups,
		MaxAge:     maxLogAgeDays,
		Compress:   true,
	}, nil
}

// Options selects where and how a logger writes.
type Options struct {
	// File, when set, receives the logs instead of the fallback writer.
	File    string
	JSON    bool
	Verbose bool
}

// New builds the application logger. When opts.File is empty logs go to
// fallback. The returned closer releases the log file.
func New(fallback io.Writer, opts Options) (*slog.Logger, io.Closer, error) {
	w := fallback
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		fw, err := NewFileWriter(opts.File)
		if err != nil {
			return nil, nil, err
		}
		w, closer = fw, fw
	}
	if opts.JSON {
		return NewSecureJSONLogger(w, opts.Verbose), closer, nil
	}
	return NewSecureLogger(w, opts.Verbose), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
