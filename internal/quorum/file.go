//go:build unix

package quorum

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// File is a Barrier backed by a directory that every node can see, such
// as a volume shared by node containers. Each network has a line file
// <network>.authorities and a lock file <network>.lock; writers hold an
// exclusive flock on the lock file and readers a shared one.
type File struct {
	dir string
}

// NewFile returns a file barrier rooted at dir, creating it if needed.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create quorum dir: %w", err)
	}
	return &File{dir: dir}, nil
}

func (f *File) linesPath(network string) string {
	return filepath.Join(f.dir, network+".authorities")
}

func (f *File) lockPath(network string) string {
	return filepath.Join(f.dir, network+".lock")
}

// withLock runs fn while holding a flock of the given kind on the
// network's lock file.
func (f *File) withLock(network string, how int, fn func() error) error {
	lock, err := os.OpenFile(f.lockPath(network), os.O_CREATE|os.O_RDWR, 0o640) //nolint:gosec // path is built from a validated network name
	if err != nil {
		return fmt.Errorf("open quorum lock: %w", err)
	}
	defer lock.Close()

	for {
		err = unix.Flock(int(lock.Fd()), how)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("flock quorum lock: %w", err)
	}
	defer unix.Flock(int(lock.Fd()), unix.LOCK_UN) //nolint:errcheck // closing the file releases the lock too

	return fn()
}

func (f *File) read(network string) ([]string, error) {
	file, err := os.Open(f.linesPath(network))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open quorum registry: %w", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read quorum registry: %w", err)
	}
	return lines, nil
}

// Announce implements Barrier.
func (f *File) Announce(ctx context.Context, network, line string) (bool, error) {
	if err := checkNetwork(network); err != nil {
		return false, err
	}
	line, err := checkLine(line)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	added := false
	err = f.withLock(network, unix.LOCK_EX, func() error {
		lines, err := f.read(network)
		if err != nil {
			return err
		}
		if registered(lines, line) {
			return nil
		}

		out, err := os.OpenFile(f.linesPath(network), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) //nolint:gosec // path is built from a validated network name
		if err != nil {
			return fmt.Errorf("open quorum registry: %w", err)
		}
		if _, err := out.WriteString(line + "\n"); err != nil {
			out.Close()
			return fmt.Errorf("append quorum registry: %w", err)
		}
		if err := out.Sync(); err != nil {
			out.Close()
			return fmt.Errorf("sync quorum registry: %w", err)
		}
		added = true
		return out.Close()
	})
	return added, err
}

// Lines implements Barrier.
func (f *File) Lines(ctx context.Context, network string) ([]string, error) {
	if err := checkNetwork(network); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var lines []string
	err := f.withLock(network, unix.LOCK_SH, func() error {
		var err error
		lines, err = f.read(network)
		return err
	})
	return lines, err
}

// Reset implements Barrier.
func (f *File) Reset(ctx context.Context, network string) error {
	if err := checkNetwork(network); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.withLock(network, unix.LOCK_EX, func() error {
		if err := os.Remove(f.linesPath(network)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove quorum registry: %w", err)
		}
		return nil
	})
}
