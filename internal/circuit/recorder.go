package circuit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nao1215/torlab/internal/metrics"
	"github.com/nao1215/torlab/internal/model"
)

// ErrInvalidEvent is returned when an event lacks its network, circuit id
// or event type.
var ErrInvalidEvent = errors.New("invalid circuit event")

// Store is the persistence the recorder appends to.
type Store interface {
	InsertCircuitEvents(ctx context.Context, events []*model.CircuitEvent) error
	QueryCircuitEvents(ctx context.Context, f model.CircuitFilter) ([]*model.CircuitEvent, error)
	CountCircuitEvents(ctx context.Context, f model.CircuitFilter) (int64, error)
}

// Source streams asynchronous control port events. *tor.Control
// implements it.
type Source interface {
	SetEvents(events ...string) error
	Events(ctx context.Context, fn func(line string) error) error
}

// HopResolver fills in the nickname and address of a hop by fingerprint.
type HopResolver func(fingerprint string) (nickname, ip string, ok bool)

// Recorder appends circuit events and answers filtered queries.
type Recorder struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Recorder
	resolve HopResolver
	now     func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Recorder) {
		r.metrics = m
	}
}

// WithHopResolver sets the resolver used to annotate path hops.
func WithHopResolver(fn HopResolver) Option {
	return func(r *Recorder) {
		r.resolve = fn
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		r.now = now
	}
}

// New creates a Recorder backed by store.
func New(store Store, opts ...Option) *Recorder {
	r := &Recorder{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends one event. The path display and a missing timestamp are
// filled in before insert.
func (r *Recorder) Record(ctx context.Context, e *model.CircuitEvent) error {
	return r.RecordBatch(ctx, []*model.CircuitEvent{e})
}

// RecordBatch appends events in one write.
func (r *Recorder) RecordBatch(ctx context.Context, events []*model.CircuitEvent) error {
	for _, e := range events {
		if e.NetworkID == "" || e.CircuitID == "" || e.EventType == "" {
			return fmt.Errorf("%w: network, circuit id and event type are required", ErrInvalidEvent)
		}
		r.annotate(e.Path)
		e.PathDisplay = model.PathDisplay(e.Path)
		if e.Timestamp.IsZero() {
			e.Timestamp = r.now()
		}
	}
	if err := r.store.InsertCircuitEvents(ctx, events); err != nil {
		return err
	}
	for _, e := range events {
		r.metrics.ObserveCircuitEvent(e.NetworkID, e.EventType)
	}
	return nil
}

func (r *Recorder) annotate(path []model.Hop) {
	if r.resolve == nil {
		return
	}
	for i := range path {
		nick, ip, ok := r.resolve(path[i].Fingerprint)
		if !ok {
			continue
		}
		if path[i].Nickname == "" {
			path[i].Nickname = nick
		}
		if path[i].IP == "" {
			path[i].IP = ip
		}
	}
}

// Query returns events matching f in insertion order.
func (r *Recorder) Query(ctx context.Context, f model.CircuitFilter) ([]*model.CircuitEvent, error) {
	return r.store.QueryCircuitEvents(ctx, f)
}

// Count returns the number of events matching f.
func (r *Recorder) Count(ctx context.Context, f model.CircuitFilter) (int64, error) {
	return r.store.CountCircuitEvents(ctx, f)
}

// Event binds a parsed notification to a network and node.
func (r *Recorder) Event(networkID, nodeID string, p *Parsed) *model.CircuitEvent {
	e := &model.CircuitEvent{
		NetworkID:    networkID,
		NodeID:       nodeID,
		CircuitID:    p.CircuitID,
		EventType:    p.EventType,
		Path:         p.Path,
		Purpose:      p.Purpose,
		Status:       string(p.EventType),
		Reason:       p.Reason,
		RemoteReason: p.RemoteReason,
		Timestamp:    r.now(),
	}
	if p.EventType == model.CircuitBuilt && !p.Created.IsZero() {
		if d := e.Timestamp.Sub(p.Created); d > 0 {
			e.BuildTime = d
		}
	}
	return e
}

// Ingest subscribes src to CIRC events and records each one until ctx is
// done or the stream fails. Lines that do not parse are logged and
// skipped.
func (r *Recorder) Ingest(ctx context.Context, networkID, nodeID string, src Source) error {
	if err := src.SetEvents("CIRC"); err != nil {
		return fmt.Errorf("failed to subscribe to circuit events: %w", err)
	}
	err := src.Events(ctx, func(line string) error {
		p, err := Parse(line)
		if err != nil {
			r.logger.Debug("skipping control event", "node", nodeID, "line", line, "error", err)
			return nil
		}
		if err := r.Record(ctx, r.Event(networkID, nodeID, p)); err != nil {
			return fmt.Errorf("failed to record circuit event: %w", err)
		}
		return nil
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Snapshot records the current circuit-status entries of a node, as
// returned by GETINFO circuit-status. It returns the number of events
// stored.
func (r *Recorder) Snapshot(ctx context.Context, networkID, nodeID string, entries []string) (int, error) {
	events := make([]*model.CircuitEvent, 0, len(entries))
	for _, line := range entries {
		p, err := Parse(line)
		if err != nil {
			continue
		}
		events = append(events, r.Event(networkID, nodeID, p))
	}
	if len(events) == 0 {
		return 0, nil
	}
	if err := r.RecordBatch(ctx, events); err != nil {
		return 0, err
	}
	return len(events), nil
}
