package quorum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Errors returned by barriers.
var (
	// ErrQuorumTimeout describes a wait that ended at its deadline with
	// fewer lines than required. It is a degraded outcome, not a failure:
	// Await itself does not return it, Result.Err does.
	ErrQuorumTimeout = errors.New("quorum timeout")

	// ErrInvalidLine is returned when an announced line is empty or spans
	// several lines.
	ErrInvalidLine = errors.New("invalid registry line")

	// ErrInvalidNetwork is returned when a network name cannot be used as a
	// registry key.
	ErrInvalidNetwork = errors.New("invalid network name")
)

// Barrier is a per-network registry of authority announcements.
//
// Implementations must be safe for concurrent use. Announce must be
// mutually exclusive with other writers and idempotent: announcing a line
// whose authority is already registered returns added=false and leaves the
// registry unchanged. Authority lines are matched by v3ident, so an
// authority that comes back with a new address is still counted once.
// Lines returns the lines in announcement order.
type Barrier interface {
	Announce(ctx context.Context, network, line string) (added bool, err error)
	Lines(ctx context.Context, network string) ([]string, error)
	Reset(ctx context.Context, network string) error
}

var networkName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

func checkNetwork(network string) error {
	if !networkName.MatchString(network) {
		return fmt.Errorf("%w: %q", ErrInvalidNetwork, network)
	}
	return nil
}

func checkLine(line string) (string, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.ContainsAny(line, "\r\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidLine, line)
	}
	return line, nil
}

// registryKey identifies what a line registers: the v3ident of an
// authority line, or the text of any other line.
func registryKey(line string) string {
	if l, err := ParseDALine(line); err == nil {
		return "v3ident=" + l.V3Ident
	}
	return line
}

// registered reports whether lines already hold the registration of line.
func registered(lines []string, line string) bool {
	key := registryKey(line)
	return slices.ContainsFunc(lines, func(l string) bool { return registryKey(l) == key })
}

// Default wait settings.
const (
	DefaultPollInterval  = time.Second
	DefaultProgressEvery = 10
)

// Result is the outcome of Await.
type Result struct {
	// Lines are all lines seen at the last poll.
	Lines []string
	// Required is the number of lines the caller waited for.
	Required int
	// Satisfied reports whether at least Required lines were seen.
	Satisfied bool
	// Waited is how long the wait took.
	Waited time.Duration
}

// Err returns nil when the quorum was reached and ErrQuorumTimeout wrapped
// with the observed count otherwise.
func (r Result) Err() error {
	if r.Satisfied {
		return nil
	}
	return fmt.Errorf("%w: %d/%d authorities after %s", ErrQuorumTimeout, len(r.Lines), r.Required, r.Waited.Round(time.Millisecond))
}

type awaitOptions struct {
	interval      time.Duration
	progressEvery int
	logger        *slog.Logger
	clock         func() time.Time
}

// AwaitOption configures Await.
type AwaitOption func(*awaitOptions)

// WithPollInterval sets the tick of the wait.
func WithPollInterval(d time.Duration) AwaitOption {
	return func(o *awaitOptions) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithProgressEvery sets after how many ticks a progress line is logged.
func WithProgressEvery(n int) AwaitOption {
	return func(o *awaitOptions) {
		if n > 0 {
			o.progressEvery = n
		}
	}
}

// WithLogger sets the logger used for progress reporting.
func WithLogger(logger *slog.Logger) AwaitOption {
	return func(o *awaitOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Await polls b until network holds at least required lines or timeout
// elapses. The registry is read once before the first tick, so a quorum
// that already exists returns immediately.
//
// A timeout is not an error: Await returns Satisfied=false with the lines
// collected so far and the caller decides to proceed degraded. Await
// returns an error only when ctx is cancelled or the barrier fails.
func Await(ctx context.Context, b Barrier, network string, required int, timeout time.Duration, opts ...AwaitOption) (Result, error) {
	o := awaitOptions{
		interval:      DefaultPollInterval,
		progressEvery: DefaultProgressEvery,
		logger:        slog.Default(),
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	start := o.clock()
	res := Result{Required: required}
	logger := o.logger.With(slog.String("network", network), slog.Int("required", required))

	poll := func() error {
		lines, err := b.Lines(ctx, network)
		if err != nil {
			return fmt.Errorf("read quorum registry: %w", err)
		}
		res.Lines = lines
		res.Satisfied = len(lines) >= required
		res.Waited = o.clock().Sub(start)
		return nil
	}

	if err := poll(); err != nil {
		return res, err
	}
	if res.Satisfied {
		return res, nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-deadline.C:
			if err := poll(); err != nil {
				return res, err
			}
			if !res.Satisfied {
				logger.Warn("quorum not reached, proceeding degraded",
					slog.Int("announced", len(res.Lines)),
					slog.Duration("waited", res.Waited))
			}
			return res, nil
		case <-ticker.C:
			ticks++
			if err := poll(); err != nil {
				return res, err
			}
			if res.Satisfied {
				logger.Debug("quorum reached",
					slog.Int("announced", len(res.Lines)),
					slog.Duration("waited", res.Waited))
				return res, nil
			}
			if ticks%o.progressEvery == 0 {
				logger.Info("waiting for directory authorities",
					slog.Int("announced", len(res.Lines)),
					slog.Duration("waited", res.Waited))
			}
		}
	}
}

// DALine is one parsed registry line:
//
//	DirAuthority <nick> orport=<port> no-v2 v3ident=<authority fp> <address>:<dirport> <relay fp>
type DALine struct {
	Nickname    string
	ORPort      int
	V3Ident     string
	Address     string
	DirPort     int
	Fingerprint string
}

// String renders the line in torrc syntax.
func (l DALine) String() string {
	return fmt.Sprintf("DirAuthority %s orport=%d no-v2 v3ident=%s %s:%d %s",
		l.Nickname, l.ORPort, l.V3Ident, l.Address, l.DirPort, l.Fingerprint)
}

// ParseDALine parses a registry line.
func ParseDALine(s string) (DALine, error) {
	var l DALine
	fields := strings.Fields(s)
	if len(fields) < 7 || fields[0] != "DirAuthority" {
		return l, fmt.Errorf("%w: %q", ErrInvalidLine, s)
	}
	l.Nickname = fields[1]

	for _, f := range fields[2:] {
		switch {
		case strings.HasPrefix(f, "orport="):
			port, err := strconv.Atoi(strings.TrimPrefix(f, "orport="))
			if err != nil {
				return l, fmt.Errorf("%w: orport in %q", ErrInvalidLine, s)
			}
			l.ORPort = port
		case strings.HasPrefix(f, "v3ident="):
			l.V3Ident = strings.TrimPrefix(f, "v3ident=")
		}
	}

	// The address and relay fingerprint are positional after the flags.
	addr := fields[len(fields)-2]
	host, port, ok := strings.Cut(addr, ":")
	if !ok {
		return l, fmt.Errorf("%w: address in %q", ErrInvalidLine, s)
	}
	dirPort, err := strconv.Atoi(port)
	if err != nil {
		return l, fmt.Errorf("%w: dirport in %q", ErrInvalidLine, s)
	}
	l.Address = host
	l.DirPort = dirPort
	l.Fingerprint = fields[len(fields)-1]

	if l.ORPort == 0 || l.V3Ident == "" {
		return l, fmt.Errorf("%w: %q", ErrInvalidLine, s)
	}
	return l, nil
}
