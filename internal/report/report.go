package report

import (
	"context"
	"fmt"
	"time"

	"github.com/nao1215/torlab/internal/controller"
	"github.com/nao1215/torlab/internal/model"
)

// defaultRecentCircuits is how many circuit events a report lists.
const defaultRecentCircuits = 20

// Report is the state of one network at a point in time.
type Report struct {
	Version     string                   `json:"version,omitempty"`
	GeneratedAt time.Time                `json:"generated_at"`
	Detail      *controller.StatusDetail `json:"detail"`
	Captures    []*model.TrafficCapture  `json:"captures"`
	Circuits    CircuitSummary           `json:"circuits"`
}

// CircuitSummary counts circuit outcomes and keeps the latest events.
type CircuitSummary struct {
	Built  int64                 `json:"built"`
	Failed int64                 `json:"failed"`
	Recent []*model.CircuitEvent `json:"recent"`
}

// Network returns the reported network.
func (r *Report) Network() *model.TorNetwork {
	return r.Detail.Network
}

// StatusCounts counts nodes per status.
func (r *Report) StatusCounts() map[model.Status]int {
	counts := make(map[model.Status]int)
	for _, g := range r.Detail.Groups {
		for _, n := range g.Nodes {
			counts[n.Status]++
		}
	}
	return counts
}

// DetailSource returns the grouped status of a network.
// *controller.Controller implements it.
type DetailSource interface {
	StatusDetail(ctx context.Context, ref string) (*controller.StatusDetail, error)
}

// CaptureLister lists captures. *capture.Manager implements it.
type CaptureLister interface {
	List(ctx context.Context, f model.CaptureFilter) ([]*model.TrafficCapture, error)
}

// CircuitQuerier reads circuit events. *circuit.Recorder implements it.
type CircuitQuerier interface {
	Query(ctx context.Context, f model.CircuitFilter) ([]*model.CircuitEvent, error)
	Count(ctx context.Context, f model.CircuitFilter) (int64, error)
}

// Collector gathers reports.
type Collector struct {
	details  DetailSource
	captures CaptureLister
	circuits CircuitQuerier
	version  string
	recent   int
	now      func() time.Time
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithCaptures adds the capture listing to reports.
func WithCaptures(l CaptureLister) CollectorOption {
	return func(c *Collector) {
		c.captures = l
	}
}

// WithCircuits adds circuit counts and recent events to reports.
func WithCircuits(q CircuitQuerier) CollectorOption {
	return func(c *Collector) {
		c.circuits = q
	}
}

// WithVersion stamps reports with the torlab version.
func WithVersion(v string) CollectorOption {
	return func(c *Collector) {
		c.version = v
	}
}

// WithRecentCircuits sets how many recent circuit events are listed.
func WithRecentCircuits(n int) CollectorOption {
	return func(c *Collector) {
		c.recent = n
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) CollectorOption {
	return func(c *Collector) {
		c.now = now
	}
}

// NewCollector returns a Collector reading network state from details.
func NewCollector(details DetailSource, opts ...CollectorOption) *Collector {
	c := &Collector{
		details: details,
		recent:  defaultRecentCircuits,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect builds the report of a network.
func (c *Collector) Collect(ctx context.Context, ref string) (*Report, error) {
	detail, err := c.details.StatusDetail(ctx, ref)
	if err != nil {
		return nil, err
	}
	r := &Report{
		Version:     c.version,
		GeneratedAt: c.now().UTC(),
		Detail:      detail,
	}
	id := detail.Network.ID

	if c.captures != nil {
		if r.Captures, err = c.captures.List(ctx, model.CaptureFilter{NetworkID: id}); err != nil {
			return nil, fmt.Errorf("failed to list captures: %w", err)
		}
	}
	if c.circuits != nil {
		if r.Circuits.Built, err = c.circuits.Count(ctx, model.CircuitFilter{NetworkID: id, EventType: model.CircuitBuilt}); err != nil {
			return nil, fmt.Errorf("failed to count circuits: %w", err)
		}
		if r.Circuits.Failed, err = c.circuits.Count(ctx, model.CircuitFilter{NetworkID: id, EventType: model.CircuitFailed}); err != nil {
			return nil, fmt.Errorf("failed to count circuits: %w", err)
		}
		if r.Circuits.Recent, err = c.circuits.Query(ctx, model.CircuitFilter{NetworkID: id, Limit: c.recent}); err != nil {
			return nil, fmt.Errorf("failed to query circuits: %w", err)
		}
	}
	return r, nil
}
