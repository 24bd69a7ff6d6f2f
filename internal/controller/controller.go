package controller

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nao1215/torlab/internal/circuit"
	"github.com/nao1215/torlab/internal/config"
	"github.com/nao1215/torlab/internal/metrics"
	"github.com/nao1215/torlab/internal/model"
	"github.com/nao1215/torlab/internal/quorum"
	"github.com/nao1215/torlab/internal/runtime"
)

const (
	defaultStopTimeout = 10 * time.Second
	defaultIngestRetry = 2 * time.Second
	topologyCacheSize  = 64
)

// Action is a lifecycle action on a network or a node.
type Action string

// Actions.
const (
	ActionStart       Action = "start"
	ActionStop        Action = "stop"
	ActionRestart     Action = "restart"
	ActionDelete      Action = "delete"
	ActionAcknowledge Action = "acknowledge"
)

// ParseAction converts an action name into an Action.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	switch a {
	case ActionStart, ActionStop, ActionRestart, ActionDelete, ActionAcknowledge:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
}

// ActionResult is what every controller action returns. Actions never
// panic and never return a bare error, so callers can render every
// outcome the same way.
type ActionResult struct {
	OK      bool         `json:"ok"`
	Status  model.Status `json:"status"`
	Message string       `json:"message"`
	// Err is the failure behind a result that is not OK.
	Err error `json:"-"`
}

func succeeded(status model.Status, format string, args ...any) ActionResult {
	return ActionResult{OK: true, Status: status, Message: fmt.Sprintf(format, args...)}
}

func failed(status model.Status, err error) ActionResult {
	return ActionResult{Status: status, Message: err.Error(), Err: err}
}

// ActionRequest is a network action with its parameters.
type ActionRequest struct {
	Action Action `json:"action"`
	// RemoveVolumes applies to delete: capture files and node data
	// directories are removed too.
	RemoveVolumes bool `json:"remove_volumes"`
}

// Store is the persistence the controller needs.
type Store interface {
	CreateNetwork(ctx context.Context, n *model.TorNetwork, nodes []*model.TorNode) error
	GetNetwork(ctx context.Context, id string) (*model.TorNetwork, error)
	FindNetwork(ctx context.Context, ref string) (*model.TorNetwork, error)
	ListNetworks(ctx context.Context) ([]*model.TorNetwork, error)
	MutateNetwork(ctx context.Context, id string, fn func(*model.TorNetwork) error) (*model.TorNetwork, error)
	DeleteNetwork(ctx context.Context, id string) error
	GetNode(ctx context.Context, id string) (*model.TorNode, error)
	FindNode(ctx context.Context, ref string) (*model.TorNode, error)
	ListNodes(ctx context.Context, networkID string) ([]*model.TorNode, error)
	MutateNode(ctx context.Context, id string, fn func(*model.TorNode) error) (*model.TorNode, error)
	DeleteNode(ctx context.Context, id string) error
}

// CaptureManager is the part of the capture manager the controller
// drives. *capture.Manager implements it.
type CaptureManager interface {
	Start(ctx context.Context, nodeID, filter string, typ model.CaptureType) (*model.TrafficCapture, error)
	StopNode(ctx context.Context, nodeID string) error
	StopNetwork(ctx context.Context, networkID string) error
	RemoveFiles(ctx context.Context, network *model.TorNetwork) error
}

// DataDirFunc returns the host data directory of a node.
type DataDirFunc func(network *model.TorNetwork, node *model.TorNode) string

// NodeDirs lays node data directories out as root/<network slug>/<node>.
func NodeDirs(root string) DataDirFunc {
	return func(network *model.TorNetwork, node *model.TorNode) string {
		return filepath.Join(root, network.Slug, node.Name)
	}
}

// Controller runs network and node actions.
type Controller struct {
	store    Store
	rt       runtime.Runtime
	barrier  quorum.Barrier
	launcher Launcher

	captures  CaptureManager
	circuits  *circuit.Recorder
	dial      ControlDialer
	locker    Locker
	dataDir   DataDirFunc
	logger    *slog.Logger
	metrics   *metrics.Recorder
	now       func() time.Time
	parallel  int
	stopWait  time.Duration
	retry     time.Duration
	window    time.Duration
	cacheTTL  time.Duration
	topology  *expirable.LRU[string, *Topology]
	defaults  model.CaptureDefaults
	base      context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]*inflight
	ingests  map[string]context.CancelFunc
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithMetrics records actions and network state.
func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithCaptures lets the controller stop captures with their nodes and
// start automatic captures.
func WithCaptures(m CaptureManager) Option {
	return func(c *Controller) {
		c.captures = m
	}
}

// WithCircuitIngest records circuit events of client and hidden service
// nodes while they run, dialing their control ports with dial.
func WithCircuitIngest(rec *circuit.Recorder, dial ControlDialer) Option {
	return func(c *Controller) {
		c.circuits = rec
		c.dial = dial
	}
}

// WithLocker adds a lock shared with other controllers around network
// actions.
func WithLocker(l Locker) Option {
	return func(c *Controller) {
		c.locker = l
	}
}

// WithDataDir sets where node data directories live. Delete with
// remove_volumes removes them.
func WithDataDir(fn DataDirFunc) Option {
	return func(c *Controller) {
		c.dataDir = fn
	}
}

// WithMaxConcurrentBootstraps bounds node launches running at once within
// one action. The bound never drops below the authority count plus one,
// so authorities cannot block each other out of the quorum.
func WithMaxConcurrentBootstraps(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.parallel = n
		}
	}
}

// WithStopTimeout sets how long a node gets to exit before it is killed.
func WithStopTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.stopWait = d
	}
}

// WithTopologyCacheTTL sets how long topology views are cached. Zero
// disables the cache.
func WithTopologyCacheTTL(d time.Duration) Option {
	return func(c *Controller) {
		c.cacheTTL = d
	}
}

// WithCircuitWindow limits circuit edges to events this recent.
func WithCircuitWindow(d time.Duration) Option {
	return func(c *Controller) {
		c.window = d
	}
}

// WithCaptureDefaults sets the capture defaults of new networks.
func WithCaptureDefaults(d model.CaptureDefaults) Option {
	return func(c *Controller) {
		c.defaults = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// New creates a Controller. Call Close to cancel pending launches and
// wait for background work.
func New(store Store, rt runtime.Runtime, barrier quorum.Barrier, launcher Launcher, opts ...Option) *Controller {
	c := &Controller{
		store:    store,
		rt:       rt,
		barrier:  barrier,
		launcher: launcher,
		logger:   slog.Default(),
		now:      time.Now,
		parallel: config.DefaultMaxConcurrentBootstraps,
		stopWait: defaultStopTimeout,
		retry:    defaultIngestRetry,
		window:   config.DefaultCircuitWindow,
		cacheTTL: config.DefaultTopologyCacheTTL,
		defaults: model.CaptureDefaults{
			MaxCaptureSizeMB:      config.DefaultMaxCaptureSizeMB,
			CaptureRotateInterval: config.DefaultCaptureRotateInterval,
		},
		inflight: make(map[string]*inflight),
		ingests:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cacheTTL > 0 {
		c.topology = expirable.NewLRU[string, *Topology](topologyCacheSize, nil, c.cacheTTL)
	}
	c.base, c.cancelAll = context.WithCancel(context.Background())
	return c
}

// Close cancels launches and circuit ingestion and waits for them.
func (c *Controller) Close() error {
	c.cancelAll()
	c.wg.Wait()
	return nil
}

// inflight is one running action.
type inflight struct {
	key     string
	kind    Action
	network string
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	unlock  func()
}

// nodeKey is the in-flight key of a node action. Network actions use the
// network id.
func nodeKey(nodeID string) string {
	return "node/" + nodeID
}

// begin registers an action. A network action conflicts with any action
// on the same network; a node action conflicts with an action on the same
// node or a network action.
func (c *Controller) begin(ctx context.Context, key, networkID string, kind Action) (*inflight, error) {
	c.mu.Lock()
	for k, a := range c.inflight {
		if k == key || (a.network == networkID && (key == networkID || k == networkID)) {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %s is already in progress", ErrActionConflict, a.kind)
		}
	}
	actx, cancel := context.WithCancel(c.base)
	a := &inflight{
		key:     key,
		kind:    kind,
		network: networkID,
		ctx:     actx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.inflight[key] = a
	c.mu.Unlock()

	if key == networkID && c.locker != nil {
		unlock, err := c.locker.Lock(ctx, networkID)
		if err != nil {
			c.finish(a)
			return nil, err
		}
		a.unlock = unlock
	}
	return a, nil
}

// finish unregisters an action and wakes its waiters.
func (c *Controller) finish(a *inflight) {
	c.mu.Lock()
	if c.inflight[a.key] == a {
		delete(c.inflight, a.key)
	}
	c.mu.Unlock()
	if a.unlock != nil {
		a.unlock()
	}
	a.cancel()
	c.invalidate(a.network)
	close(a.done)
}

// abortStarts cancels pending start and restart actions matched by match
// and waits for them to unwind.
func (c *Controller) abortStarts(ctx context.Context, match func(*inflight) bool) error {
	c.mu.Lock()
	var waits []*inflight
	for _, a := range c.inflight {
		if (a.kind == ActionStart || a.kind == ActionRestart) && match(a) {
			a.cancel()
			waits = append(waits, a)
		}
	}
	c.mu.Unlock()

	for _, a := range waits {
		select {
		case <-a.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// InFlight returns the action running on a network, if any.
func (c *Controller) InFlight(networkID string) (Action, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.inflight[networkID]; ok {
		return a.kind, true
	}
	for _, a := range c.inflight {
		if a.network == networkID {
			return a.kind, true
		}
	}
	return "", false
}

// WaitIdle blocks until no action is running on the network.
func (c *Controller) WaitIdle(ctx context.Context, networkID string) error {
	for {
		c.mu.Lock()
		var pending *inflight
		for _, a := range c.inflight {
			if a.network == networkID {
				pending = a
				break
			}
		}
		c.mu.Unlock()
		if pending == nil {
			return nil
		}
		select {
		case <-pending.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// observe logs and records the outcome of an action.
func (c *Controller) observe(action Action, target string, res ActionResult) ActionResult {
	c.metrics.ObserveAction(string(action), res.OK)
	if res.OK {
		c.logger.Info("action accepted", "action", action, "target", target, "status", res.Status, "message", res.Message)
	} else {
		c.logger.Warn("action rejected", "action", action, "target", target, "error", res.Err)
	}
	return res
}

func (c *Controller) invalidate(networkID string) {
	if c.topology != nil {
		c.topology.Remove(networkID)
	}
}
