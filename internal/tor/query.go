package tor

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/tornago"
)

// Query is a control port connection for request/reply commands. It wraps
// tornago's ControlClient; event streaming goes through Control.
type Query struct {
	client *tornago.ControlClient
}

// DialQuery connects to the control port at addr and authenticates with
// the cookie at cookieFile. The path is where the caller sees the cookie,
// which differs from the path tor reports for a container. A missing
// cookie falls back to null authentication.
func DialQuery(ctx context.Context, addr, cookieFile string, timeout time.Duration) (*Query, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = defaultControlTimeout
	}

	auth := tornago.ControlAuth{}
	if cookieFile != "" {
		if _, err := os.Stat(cookieFile); err == nil {
			auth = tornago.ControlAuthFromCookie(cookieFile)
		}
	}
	client, err := tornago.NewControlClient(addr, auth, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrControlUnreachable, addr, err)
	}
	if err := client.Authenticate(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %w", ErrControlAuth, err)
	}
	return &Query{client: client}, nil
}

// Close closes the connection.
func (q *Query) Close() error {
	return q.client.Close()
}

// GetInfo returns the value of one GETINFO key.
func (q *Query) GetInfo(ctx context.Context, key string) (string, error) {
	v, err := q.client.GetInfo(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrControlReply, key, err)
	}
	return v, nil
}

// Bootstrap returns the bootstrap progress (0-100) tor reports.
func (q *Query) Bootstrap(ctx context.Context) (int, error) {
	phase, err := q.GetInfo(ctx, "status/bootstrap-phase")
	if err != nil {
		return 0, err
	}
	return ParseBootstrapProgress(phase)
}

// ParseBootstrapProgress extracts PROGRESS from a bootstrap status line
// such as `NOTICE BOOTSTRAP PROGRESS=100 TAG=done SUMMARY="Done"`.
func ParseBootstrapProgress(s string) (int, error) {
	for _, field := range strings.Fields(s) {
		if v, ok := strings.CutPrefix(field, "PROGRESS="); ok {
			return strconv.Atoi(v)
		}
	}
	return 0, fmt.Errorf("%w: no progress in %q", ErrControlReply, s)
}

// Bandwidth is a snapshot of a node's traffic counters and limits.
type Bandwidth struct {
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`
	Rate         int64 `json:"bandwidth_rate"`
	Burst        int64 `json:"bandwidth_burst"`
}

// Bandwidth returns traffic totals and the configured bandwidth limits.
// The limits are left zero when tor does not report them.
func (q *Query) Bandwidth(ctx context.Context) (Bandwidth, error) {
	var bw Bandwidth
	var err error
	if bw.BytesRead, err = q.int64Info(ctx, "traffic/read"); err != nil {
		return bw, err
	}
	if bw.BytesWritten, err = q.int64Info(ctx, "traffic/written"); err != nil {
		return bw, err
	}
	for key, dst := range map[string]*int64{"BandwidthRate": &bw.Rate, "BandwidthBurst": &bw.Burst} {
		v, err := q.client.GetConf(ctx, key)
		if err != nil {
			continue
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
	return bw, nil
}

func (q *Query) int64Info(ctx context.Context, key string) (int64, error) {
	v, err := q.GetInfo(ctx, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrControlReply, key, err)
	}
	return n, nil
}

// CircuitStatus returns the open circuits of the node.
func (q *Query) CircuitStatus(ctx context.Context) ([]tornago.CircuitInfo, error) {
	circuits, err := q.client.GetCircuitStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: circuit-status: %w", ErrControlReply, err)
	}
	return circuits, nil
}

// consensusTimeFormat is the layout of consensus/valid-* GETINFO values.
const consensusTimeFormat = "2006-01-02 15:04:05"

// ConsensusWindow returns the validity interval of the consensus the node
// holds.
func (q *Query) ConsensusWindow(ctx context.Context) (validAfter, validUntil time.Time, err error) {
	after, err := q.GetInfo(ctx, "consensus/valid-after")
	if err != nil {
		return validAfter, validUntil, err
	}
	until, err := q.GetInfo(ctx, "consensus/valid-until")
	if err != nil {
		return validAfter, validUntil, err
	}
	if validAfter, err = time.Parse(consensusTimeFormat, after); err != nil {
		return validAfter, validUntil, fmt.Errorf("%w: consensus/valid-after: %w", ErrControlReply, err)
	}
	if validUntil, err = time.Parse(consensusTimeFormat, until); err != nil {
		return validAfter, validUntil, fmt.Errorf("%w: consensus/valid-until: %w", ErrControlReply, err)
	}
	return validAfter, validUntil, nil
}
