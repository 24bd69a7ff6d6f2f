package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/torlab/internal/database"
	"github.com/nao1215/torlab/internal/metrics"
	"github.com/nao1215/torlab/internal/model"
)

const (
	defaultSchedule  = "@every 5s"
	defaultThreshold = 12
	defaultParallel  = 8
)

// Store is the persistence the tracker reconciles against.
type Store interface {
	ListNetworks(ctx context.Context) ([]*model.TorNetwork, error)
	GetNetwork(ctx context.Context, id string) (*model.TorNetwork, error)
	ListNodes(ctx context.Context, networkID string) ([]*model.TorNode, error)
	MutateNode(ctx context.Context, id string, fn func(*model.TorNode) error) (*model.TorNode, error)
	MutateNetwork(ctx context.Context, id string, fn func(*model.TorNetwork) error) (*model.TorNetwork, error)
	CountCircuitEvents(ctx context.Context, f model.CircuitFilter) (int64, error)
}

// Tracker reconciles stored node and network status with what the
// runtime reports.
type Tracker struct {
	store     Store
	prober    Prober
	logger    *slog.Logger
	metrics   *metrics.Recorder
	schedule  string
	threshold int
	parallel  int
	now       func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(t *Tracker) {
		t.metrics = m
	}
}

// WithSchedule sets the cron schedule of Run, such as "@every 5s".
func WithSchedule(spec string) Option {
	return func(t *Tracker) {
		t.schedule = spec
	}
}

// WithFailureThreshold sets how many consecutive control port failures
// turn a running node into an error.
func WithFailureThreshold(n int) Option {
	return func(t *Tracker) {
		t.threshold = n
	}
}

// WithParallelism bounds concurrent probes per network.
func WithParallelism(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.parallel = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// New creates a Tracker.
func New(store Store, prober Prober, opts ...Option) *Tracker {
	t := &Tracker{
		store:     store,
		prober:    prober,
		logger:    slog.Default(),
		schedule:  defaultSchedule,
		threshold: defaultThreshold,
		parallel:  defaultParallel,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// tracked reports whether the tracker owns the status of a network in s.
func tracked(s model.Status) bool {
	switch s {
	case model.StatusStarting, model.StatusBootstrapping, model.StatusRunning, model.StatusError:
		return true
	default:
		return false
	}
}

// ReconcileNetwork probes every node of a network and stores the derived
// node and network status.
func (t *Tracker) ReconcileNetwork(ctx context.Context, id string) (*model.TorNetwork, error) {
	network, err := t.store.GetNetwork(ctx, id)
	if err != nil {
		return nil, err
	}
	if !tracked(network.Status) {
		return network, nil
	}
	nodes, err := t.store.ListNodes(ctx, id)
	if err != nil {
		return nil, err
	}

	obs := make([]Observation, len(nodes))
	probed := make([]bool, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.parallel)
	for i, node := range nodes {
		g.Go(func() error {
			o, err := t.prober.Probe(gctx, network, node)
			if err != nil {
				// Leave the node as it is; the next pass retries.
				t.logger.Debug("probe failed", "network", network.Slug, "node", node.Name, "error", err)
				return nil
			}
			obs[i], probed[i] = o, true
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // probe goroutines never fail

	regressed := false
	updated := make([]*model.TorNode, 0, len(nodes))
	for i, node := range nodes {
		if !probed[i] {
			updated = append(updated, node)
			continue
		}
		var before model.Status
		n, err := t.store.MutateNode(ctx, node.ID, func(cur *model.TorNode) error {
			before = cur.Status
			*cur = Reduce(*cur, obs[i], t.threshold)
			cur.UpdatedAt = t.now()
			return nil
		})
		if errors.Is(err, database.ErrNotFound) {
			// Deleted while we probed.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update node %s: %w", node.Name, err)
		}
		if before != n.Status {
			t.logger.Info("node status changed", "network", network.Slug, "node", n.Name,
				"from", before, "to", n.Status, "error", n.LastError)
		}
		if Regressed(before, n.Status) {
			regressed = true
		}
		updated = append(updated, n)
	}

	built, failed := t.circuitCounts(ctx, id)
	network, err = t.store.MutateNetwork(ctx, id, func(cur *model.TorNetwork) error {
		if !tracked(cur.Status) {
			// The controller took over while we probed.
			return nil
		}
		t.rollUp(cur, updated, regressed, obs, probed)
		if built >= 0 {
			cur.CircuitsBuilt, cur.CircuitsFailed = built, failed
		}
		cur.UpdatedAt = t.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.metrics.ObserveNetwork(network, updated)
	return network, nil
}

// rollUp derives the network fields from its nodes.
func (t *Tracker) rollUp(n *model.TorNetwork, nodes []*model.TorNode, regressed bool, obs []Observation, probed []bool) {
	prev := n.Status
	n.Status = step(n.Status, Aggregate(n, nodes))
	if n.Status != prev {
		t.logger.Info("network status changed", "network", n.Slug, "from", prev, "to", n.Status)
	}
	n.BootstrapProgress = Progress(n.BootstrapProgress, nodes, regressed)

	var read, written int64
	degraded := 0
	lastError := ""
	for _, node := range nodes {
		read += node.BytesRead
		written += node.BytesWritten
		if node.Degraded {
			degraded++
		}
		if node.Status == model.StatusError && lastError == "" {
			lastError = node.Name + ": " + node.LastError
		}
	}
	n.BytesRead, n.BytesWritten = read, written
	if degraded > 0 {
		n.Degraded = true
		if n.Warning == "" {
			n.Warning = fmt.Sprintf("%d node(s) started without the full authority quorum", degraded)
		}
	}
	if n.Status == model.StatusError {
		n.LastError = lastError
	} else if lastError == "" {
		n.LastError = ""
		n.ErrorAcknowledged = false
	}

	for i := range obs {
		if !probed[i] || obs[i].ValidUntil.IsZero() {
			continue
		}
		if obs[i].ValidUntil.After(n.ConsensusValidUntil) {
			n.ConsensusValidAfter = obs[i].ValidAfter
			n.ConsensusValidUntil = obs[i].ValidUntil
		}
	}
}

// circuitCounts returns the built and failed circuit totals, or -1 when
// they cannot be read.
func (t *Tracker) circuitCounts(ctx context.Context, id string) (int64, int64) {
	built, err := t.store.CountCircuitEvents(ctx, model.CircuitFilter{NetworkID: id, EventType: model.CircuitBuilt})
	if err != nil {
		return -1, -1
	}
	failed, err := t.store.CountCircuitEvents(ctx, model.CircuitFilter{NetworkID: id, EventType: model.CircuitFailed})
	if err != nil {
		return -1, -1
	}
	return built, failed
}

// ReconcileAll reconciles every tracked network. A failure on one network
// does not stop the others.
func (t *Tracker) ReconcileAll(ctx context.Context) error {
	start := t.now()
	networks, err := t.store.ListNetworks(ctx)
	if err != nil {
		t.metrics.ObserveReconcile(t.now().Sub(start), err)
		return err
	}
	var errs []error
	for _, n := range networks {
		if !tracked(n.Status) {
			continue
		}
		if _, err := t.ReconcileNetwork(ctx, n.ID); err != nil && !errors.Is(err, database.ErrNotFound) {
			errs = append(errs, fmt.Errorf("network %s: %w", n.Slug, err))
		}
	}
	err = errors.Join(errs...)
	t.metrics.ObserveReconcile(t.now().Sub(start), err)
	return err
}

// Run reconciles on the configured schedule until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(t.logger.Handler(), slog.LevelDebug))
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := c.AddFunc(t.schedule, func() {
		if err := t.ReconcileAll(ctx); err != nil {
			t.logger.Warn("reconcile failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", t.schedule, err)
	}

	c.Start()
	t.logger.Info("status tracker started", "schedule", t.schedule)
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
