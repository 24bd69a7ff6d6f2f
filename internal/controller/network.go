package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/torlab/internal/config"
	"github.com/nao1215/torlab/internal/model"
	"github.com/nao1215/torlab/internal/ports"
	"github.com/nao1215/torlab/internal/runtime"
	"github.com/nao1215/torlab/internal/status"
	"golang.org/x/sync/errgroup"
)

// CreateRequest defines a new network. Nil fields take the template or
// controller defaults.
type CreateRequest struct {
	Name        string                 `json:"name" yaml:"name"`
	Description string                 `json:"description,omitempty" yaml:"description"`
	Template    model.Template         `json:"template" yaml:"template"`
	Counts      *model.NodeCounts      `json:"counts,omitempty" yaml:"counts"`
	BasePorts   *model.BasePorts       `json:"base_ports,omitempty" yaml:"basePorts"`
	Tuning      *model.TorTuning       `json:"tuning,omitempty" yaml:"tuning"`
	Capture     *model.CaptureDefaults `json:"capture,omitempty" yaml:"capture"`
}

// validateCounts checks the topology invariants of a network.
func validateCounts(counts model.NodeCounts) error {
	for _, t := range model.NodeTypes {
		if counts.Get(t) < 0 {
			return fmt.Errorf("%w: negative %s count", ErrInvalidNetwork, t)
		}
	}
	if counts.DA < model.MinAuthorities {
		return fmt.Errorf("%w (got %d)", ErrTooFewAuthorities, counts.DA)
	}
	if counts.Total() > model.MaxNodes {
		return fmt.Errorf("%w (got %d)", ErrTooManyNodes, counts.Total())
	}
	return nil
}

// Create stores a network and its node records. Ports are allocated for
// every node; no process is started.
func (c *Controller) Create(ctx context.Context, req CreateRequest) (*model.TorNetwork, error) {
	name := strings.TrimSpace(req.Name)
	slug := model.Slugify(name)
	if slug == "" {
		return nil, fmt.Errorf("%w: name must contain a letter or digit", ErrInvalidNetwork)
	}

	tmpl := req.Template
	if tmpl == "" {
		tmpl = model.TemplateMinimal
		if req.Counts != nil {
			tmpl = model.TemplateCustom
		}
	}
	if _, err := model.ParseTemplate(string(tmpl)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidNetwork, err)
	}
	counts, seeded := model.CountsFor(tmpl)
	switch {
	case req.Counts != nil:
		counts = *req.Counts
	case !seeded:
		return nil, fmt.Errorf("%w: the custom template needs node counts", ErrInvalidNetwork)
	}
	if err := validateCounts(counts); err != nil {
		return nil, err
	}

	now := c.now().UTC()
	network := &model.TorNetwork{
		ID:          uuid.NewString(),
		Name:        name,
		Slug:        slug,
		Description: req.Description,
		Template:    tmpl,
		Counts:      counts,
		BasePorts:   model.DefaultBasePorts(),
		Tuning:      model.DefaultTorTuning(),
		Capture:     c.defaults,
		Status:      model.StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.BasePorts != nil {
		network.BasePorts = *req.BasePorts
	}
	if req.Tuning != nil {
		network.Tuning = *req.Tuning
	}
	if req.Capture != nil {
		network.Capture = *req.Capture
	}

	assignments, err := ports.AllocateAll(ports.LayoutOf(network))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}
	nodes := make([]*model.TorNode, 0, len(assignments))
	for _, a := range assignments {
		nodes = append(nodes, &model.TorNode{
			ID:        uuid.NewString(),
			NetworkID: network.ID,
			Type:      a.Type,
			Index:     a.Index,
			Name:      model.NodeName(slug, a.Type, a.Index),
			Ports:     a.Ports,
			Status:    model.StatusCreated,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	if err := c.store.CreateNetwork(ctx, network, nodes); err != nil {
		return nil, err
	}

	c.logger.Info("network created", "network", network.Slug, "template", tmpl, "nodes", len(nodes))
	c.metrics.ObserveNetwork(network, nodes)
	return network, nil
}

// NetworkAction dispatches a network action by name.
func (c *Controller) NetworkAction(ctx context.Context, ref string, req ActionRequest) ActionResult {
	switch req.Action {
	case ActionStart:
		return c.Start(ctx, ref)
	case ActionStop:
		return c.Stop(ctx, ref)
	case ActionRestart:
		return c.Restart(ctx, ref)
	case ActionDelete:
		return c.Delete(ctx, ref, req.RemoveVolumes)
	case ActionAcknowledge:
		return c.AcknowledgeError(ctx, ref)
	default:
		return failed("", fmt.Errorf("%w: %q", ErrUnknownAction, req.Action))
	}
}

// Start launches every node of a network. It returns once the nodes are
// marked starting; launches continue in the background until every node
// has started or failed. Use WaitIdle to wait for them.
func (c *Controller) Start(ctx context.Context, ref string) ActionResult {
	network, err := c.store.FindNetwork(ctx, ref)
	if err != nil {
		return c.observe(ActionStart, ref, failed(model.StatusNotCreated, err))
	}
	a, err := c.begin(ctx, network.ID, network.ID, ActionStart)
	if err != nil {
		return c.observe(ActionStart, network.Slug, failed(network.Status, err))
	}
	res := c.start(ctx, a, network)
	if !res.OK {
		c.finish(a)
	}
	return c.observe(ActionStart, network.Slug, res)
}

// start marks the network and its nodes starting and launches the nodes
// in the background. The background work finishes a.
func (c *Controller) start(ctx context.Context, a *inflight, network *model.TorNetwork) ActionResult {
	switch network.Status {
	case model.StatusCreated, model.StatusStopped, model.StatusError:
	default:
		return failed(network.Status, fmt.Errorf("%w: network %s is %s", ErrActionConflict, network.Name, network.Status))
	}

	// The registry only describes one bootstrap attempt.
	if err := c.barrier.Reset(ctx, network.Slug); err != nil {
		return failed(network.Status, fmt.Errorf("failed to reset quorum registry: %w", err))
	}

	now := c.now().UTC()
	updated, err := c.store.MutateNetwork(ctx, network.ID, func(cur *model.TorNetwork) error {
		next, err := model.Transition(cur.Status, model.StatusBootstrapping)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrActionConflict, err)
		}
		cur.Status = next
		cur.BootstrapProgress = 0
		cur.Degraded = false
		cur.Warning = ""
		cur.LastError = ""
		cur.ErrorAcknowledged = false
		cur.StartedAt = now
		cur.StoppedAt = time.Time{}
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		return failed(network.Status, err)
	}

	nodes, err := c.store.ListNodes(ctx, network.ID)
	if err != nil {
		return failed(updated.Status, err)
	}
	for i, node := range nodes {
		n, err := c.store.MutateNode(ctx, node.ID, func(cur *model.TorNode) error {
			markStarting(cur, now)
			return nil
		})
		if err != nil {
			return failed(updated.Status, err)
		}
		nodes[i] = n
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.finish(a)
		c.launchAll(a.ctx, updated, nodes)
	}()
	return succeeded(updated.Status, "starting %d nodes of %s", len(nodes), network.Name)
}

// markStarting resets a node for a new launch.
func markStarting(n *model.TorNode, now time.Time) {
	n.DesiredRunning = true
	n.Status = model.StatusStarting
	n.LastError = ""
	n.ControlFailures = 0
	n.Degraded = false
	n.StartedAt = time.Time{}
	n.UpdatedAt = now
}

// launchAll launches nodes concurrently. nodes are ordered authorities
// first, so authorities take the first slots.
func (c *Controller) launchAll(ctx context.Context, network *model.TorNetwork, nodes []*model.TorNode) {
	limit := max(c.parallel, network.Counts.DA+1)
	start := c.now()

	var (
		mu       sync.Mutex
		launched int
		failures int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, node := range nodes {
		g.Go(func() error {
			ok := c.launchNode(gctx, network, node)
			mu.Lock()
			if ok {
				launched++
			} else {
				failures++
			}
			mu.Unlock()
			// A failed node never stops its siblings.
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // launches never fail the group

	c.logger.Info("network launch finished",
		"network", network.Slug,
		"launched", launched,
		"failed", failures,
		"elapsed", c.now().Sub(start))
}

// launchNode runs one node launch and records its outcome. It reports
// whether the node started.
func (c *Controller) launchNode(ctx context.Context, network *model.TorNetwork, node *model.TorNode) bool {
	logger := c.logger.With("network", network.Slug, "node", node.Name)
	unit := runtime.UnitName(network.Slug, node.Name)
	if err := c.rt.Remove(ctx, unit, false); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		logger.Debug("failed to remove stale unit", "error", err)
	}

	res, err := c.launcher.Launch(ctx, network, node)
	// Outcomes are recorded even when the action was cancelled.
	wctx := context.WithoutCancel(ctx)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("node launch cancelled")
			return false
		}
		logger.Error("node launch failed", "error", err)
		c.markNodeError(wctx, node.ID, err)
		return false
	}

	if res != nil {
		c.metrics.ObserveQuorumWait(time.Duration(res.QuorumWaited), !res.Degraded)
		if _, err := c.store.MutateNode(wctx, node.ID, func(cur *model.TorNode) error {
			if res.Fingerprint != "" {
				cur.Fingerprint = res.Fingerprint
			}
			if res.V3Identity != "" {
				cur.V3Identity = res.V3Identity
			}
			if res.OnionAddress != "" {
				cur.OnionAddress = res.OnionAddress
			}
			if res.Address != "" {
				cur.Address = res.Address
			}
			cur.Degraded = res.Degraded
			cur.StartedAt = res.StartedAt
			cur.UpdatedAt = c.now().UTC()
			return nil
		}); err != nil {
			logger.Warn("failed to record node identity", "error", err)
		}
		if res.Degraded {
			c.markDegraded(wctx, network.ID, res.Warning)
		}
	}

	if ctx.Err() == nil {
		c.afterLaunch(network, node)
	}
	logger.Info("node launched")
	return true
}

// markNodeError flips a node to error.
func (c *Controller) markNodeError(ctx context.Context, nodeID string, cause error) {
	if _, err := c.store.MutateNode(ctx, nodeID, func(cur *model.TorNode) error {
		if model.CanTransition(cur.Status, model.StatusError) {
			cur.Status = model.StatusError
		}
		cur.LastError = cause.Error()
		cur.UpdatedAt = c.now().UTC()
		return nil
	}); err != nil {
		c.logger.Warn("failed to record node error", "node", nodeID, "error", err)
	}
}

// markDegraded flags a network that has a node without a full quorum.
func (c *Controller) markDegraded(ctx context.Context, networkID, warning string) {
	if _, err := c.store.MutateNetwork(ctx, networkID, func(cur *model.TorNetwork) error {
		cur.Degraded = true
		if cur.Warning == "" {
			cur.Warning = warning
		}
		return nil
	}); err != nil {
		c.logger.Warn("failed to mark network degraded", "network", networkID, "error", err)
	}
}

// afterLaunch starts the per node background work of a running node.
func (c *Controller) afterLaunch(network *model.TorNetwork, node *model.TorNode) {
	if network.Capture.AutoCapture && c.captures != nil {
		if _, err := c.captures.Start(c.base, node.ID, network.Capture.Filter, model.CaptureContinuous); err != nil {
			c.logger.Warn("automatic capture failed to start", "network", network.Slug, "node", node.Name, "error", err)
		}
	}
	if c.circuits != nil && c.dial != nil &&
		(node.Type == model.NodeTypeClient || node.Type == model.NodeTypeHS) {
		c.startIngest(network, node)
	}
}

// Stop stops every node of a network. A start still in flight is
// cancelled first.
func (c *Controller) Stop(ctx context.Context, ref string) ActionResult {
	network, err := c.store.FindNetwork(ctx, ref)
	if err != nil {
		return c.observe(ActionStop, ref, failed(model.StatusNotCreated, err))
	}
	if err := c.abortStarts(ctx, func(a *inflight) bool { return a.network == network.ID }); err != nil {
		return c.observe(ActionStop, network.Slug, failed(network.Status, err))
	}
	a, err := c.begin(ctx, network.ID, network.ID, ActionStop)
	if err != nil {
		return c.observe(ActionStop, network.Slug, failed(network.Status, err))
	}
	defer c.finish(a)

	if network, err = c.store.GetNetwork(ctx, network.ID); err != nil {
		return c.observe(ActionStop, ref, failed(model.StatusNotCreated, err))
	}
	if !stoppable(network.Status) {
		return c.observe(ActionStop, network.Slug,
			failed(network.Status, fmt.Errorf("%w: network %s is %s", ErrActionConflict, network.Name, network.Status)))
	}
	stopped, err := c.stop(ctx, network)
	if err != nil {
		return c.observe(ActionStop, network.Slug, failed(model.StatusError, err))
	}
	return c.observe(ActionStop, network.Slug, succeeded(model.StatusStopped, "stopped %d nodes of %s", stopped, network.Name))
}

// stoppable reports whether a network in s has something to stop.
func stoppable(s model.Status) bool {
	switch s {
	case model.StatusBootstrapping, model.StatusRunning, model.StatusError:
		return true
	default:
		return false
	}
}

// stop stops every node and clears the quorum registry. It returns the
// number of nodes that were stopped.
func (c *Controller) stop(ctx context.Context, network *model.TorNetwork) (int, error) {
	if _, err := c.store.MutateNetwork(ctx, network.ID, func(cur *model.TorNetwork) error {
		if model.CanTransition(cur.Status, model.StatusStopping) {
			cur.Status = model.StatusStopping
		}
		cur.UpdatedAt = c.now().UTC()
		return nil
	}); err != nil {
		return 0, err
	}

	nodes, err := c.store.ListNodes(ctx, network.ID)
	if err != nil {
		return 0, err
	}
	if c.captures != nil {
		if err := c.captures.StopNetwork(ctx, network.ID); err != nil {
			c.logger.Warn("failed to stop captures", "network", network.Slug, "error", err)
		}
	}

	var (
		mu      sync.Mutex
		stopped int
		errs    []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallel)
	for _, node := range nodes {
		g.Go(func() error {
			did, err := c.stopNode(gctx, network, node)
			mu.Lock()
			defer mu.Unlock()
			if did {
				stopped++
			}
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // errors are collected

	if err := c.barrier.Reset(ctx, network.Slug); err != nil {
		c.logger.Warn("failed to reset quorum registry", "network", network.Slug, "error", err)
	}

	stopErr := errors.Join(errs...)
	now := c.now().UTC()
	updated, err := c.store.MutateNetwork(ctx, network.ID, func(cur *model.TorNetwork) error {
		if stopErr != nil {
			cur.Status = model.StatusError
			cur.LastError = stopErr.Error()
			cur.ErrorAcknowledged = false
		} else {
			cur.Status = model.StatusStopped
			cur.LastError = ""
		}
		cur.BootstrapProgress = 0
		cur.StoppedAt = now
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		return stopped, err
	}
	if nodes, err := c.store.ListNodes(ctx, network.ID); err == nil {
		c.metrics.ObserveNetwork(updated, nodes)
	}
	return stopped, stopErr
}

// stopNode stops one node. It reports whether a unit was stopped.
func (c *Controller) stopNode(ctx context.Context, network *model.TorNetwork, node *model.TorNode) (bool, error) {
	c.stopIngest(node.ID)
	if c.captures != nil {
		if err := c.captures.StopNode(ctx, node.ID); err != nil {
			c.logger.Warn("failed to stop capture", "node", node.Name, "error", err)
		}
	}

	idle := node.Status == model.StatusCreated || node.Status == model.StatusNotCreated
	if _, err := c.store.MutateNode(ctx, node.ID, func(cur *model.TorNode) error {
		cur.DesiredRunning = false
		if !idle && model.CanTransition(cur.Status, model.StatusStopping) {
			cur.Status = model.StatusStopping
		}
		return nil
	}); err != nil {
		return false, err
	}

	unit := runtime.UnitName(network.Slug, node.Name)
	err := c.rt.Stop(ctx, unit, c.stopWait)
	did := err == nil
	if err != nil && !errors.Is(err, runtime.ErrNotFound) {
		c.markNodeError(ctx, node.ID, err)
		return false, fmt.Errorf("stop %s: %w", node.Name, err)
	}

	if _, err := c.store.MutateNode(ctx, node.ID, func(cur *model.TorNode) error {
		if !idle {
			cur.Status = model.StatusStopped
		}
		cur.LastError = ""
		cur.ControlFailures = 0
		cur.CircuitsActive = 0
		cur.UpdatedAt = c.now().UTC()
		return nil
	}); err != nil {
		return did, err
	}
	return did, nil
}

// Restart stops a running network and starts it again.
func (c *Controller) Restart(ctx context.Context, ref string) ActionResult {
	network, err := c.store.FindNetwork(ctx, ref)
	if err != nil {
		return c.observe(ActionRestart, ref, failed(model.StatusNotCreated, err))
	}
	if err := c.abortStarts(ctx, func(a *inflight) bool { return a.network == network.ID }); err != nil {
		return c.observe(ActionRestart, network.Slug, failed(network.Status, err))
	}
	a, err := c.begin(ctx, network.ID, network.ID, ActionRestart)
	if err != nil {
		return c.observe(ActionRestart, network.Slug, failed(network.Status, err))
	}

	if network, err = c.store.GetNetwork(ctx, network.ID); err != nil {
		c.finish(a)
		return c.observe(ActionRestart, ref, failed(model.StatusNotCreated, err))
	}
	if stoppable(network.Status) {
		if _, err := c.stop(ctx, network); err != nil {
			c.finish(a)
			return c.observe(ActionRestart, network.Slug, failed(model.StatusError, err))
		}
		if network, err = c.store.GetNetwork(ctx, network.ID); err != nil {
			c.finish(a)
			return c.observe(ActionRestart, ref, failed(model.StatusNotCreated, err))
		}
	}
	res := c.start(ctx, a, network)
	if !res.OK {
		c.finish(a)
	}
	return c.observe(ActionRestart, network.Slug, res)
}

// Delete stops a network if needed and removes its nodes, captures and
// circuit events. removeVolumes also removes capture files and node data
// directories; otherwise the files stay on disk.
func (c *Controller) Delete(ctx context.Context, ref string, removeVolumes bool) ActionResult {
	network, err := c.store.FindNetwork(ctx, ref)
	if err != nil {
		return c.observe(ActionDelete, ref, failed(model.StatusNotCreated, err))
	}
	if err := c.abortStarts(ctx, func(a *inflight) bool { return a.network == network.ID }); err != nil {
		return c.observe(ActionDelete, network.Slug, failed(network.Status, err))
	}
	a, err := c.begin(ctx, network.ID, network.ID, ActionDelete)
	if err != nil {
		return c.observe(ActionDelete, network.Slug, failed(network.Status, err))
	}
	defer c.finish(a)

	if network, err = c.store.GetNetwork(ctx, network.ID); err != nil {
		return c.observe(ActionDelete, ref, failed(model.StatusNotCreated, err))
	}
	nodes, err := c.store.ListNodes(ctx, network.ID)
	if err != nil {
		return c.observe(ActionDelete, network.Slug, failed(network.Status, err))
	}
	if stoppable(network.Status) || anyActive(nodes) {
		if _, err := c.stop(ctx, network); err != nil {
			// Removal below still tears the units down.
			c.logger.Warn("stop before delete failed", "network", network.Slug, "error", err)
		}
	} else if c.captures != nil {
		if err := c.captures.StopNetwork(ctx, network.ID); err != nil {
			c.logger.Warn("failed to stop captures", "network", network.Slug, "error", err)
		}
	}

	for _, node := range nodes {
		c.stopIngest(node.ID)
		unit := runtime.UnitName(network.Slug, node.Name)
		if err := c.rt.Remove(ctx, unit, removeVolumes); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			c.logger.Warn("failed to remove unit", "node", node.Name, "error", err)
		}
	}

	if removeVolumes {
		if c.captures != nil {
			if err := c.captures.RemoveFiles(ctx, network); err != nil {
				c.logger.Warn("failed to remove capture files", "network", network.Slug, "error", err)
			}
		}
		c.removeDataDirs(network, nodes)
	}
	if err := c.barrier.Reset(ctx, network.Slug); err != nil {
		c.logger.Warn("failed to reset quorum registry", "network", network.Slug, "error", err)
	}
	if err := c.store.DeleteNetwork(ctx, network.ID); err != nil {
		return c.observe(ActionDelete, network.Slug, failed(network.Status, err))
	}
	c.metrics.ForgetNetwork(network.Slug)
	return c.observe(ActionDelete, network.Slug,
		succeeded(model.StatusNotCreated, "deleted %s with %d nodes (remove_volumes=%t)", network.Name, len(nodes), removeVolumes))
}

func anyActive(nodes []*model.TorNode) bool {
	for _, n := range nodes {
		if n.Status.Active() || n.Status == model.StatusStopping || n.DesiredRunning {
			return true
		}
	}
	return false
}

// removeDataDirs removes node data directories and the network directory
// that held them, when it is left empty.
func (c *Controller) removeDataDirs(network *model.TorNetwork, nodes []*model.TorNode) {
	if c.dataDir == nil {
		return
	}
	parents := make(map[string]struct{})
	for _, node := range nodes {
		dir := c.dataDir(network, node)
		if err := os.RemoveAll(dir); err != nil {
			c.logger.Warn("failed to remove node data", "node", node.Name, "error", err)
		}
		parents[filepath.Dir(dir)] = struct{}{}
	}
	for dir := range parents {
		_ = os.Remove(dir) //nolint:errcheck // only succeeds when empty
	}
}

// AcknowledgeError marks the current error of a network as seen. Failed
// nodes then stop counting toward the network status until the next
// start.
func (c *Controller) AcknowledgeError(ctx context.Context, ref string) ActionResult {
	network, err := c.store.FindNetwork(ctx, ref)
	if err != nil {
		return c.observe(ActionAcknowledge, ref, failed(model.StatusNotCreated, err))
	}
	nodes, err := c.store.ListNodes(ctx, network.ID)
	if err != nil {
		return c.observe(ActionAcknowledge, network.Slug, failed(network.Status, err))
	}
	updated, err := c.store.MutateNetwork(ctx, network.ID, func(cur *model.TorNetwork) error {
		if cur.Status != model.StatusError && !hasFailedNode(nodes) {
			return fmt.Errorf("%w: network %s has no error to acknowledge", ErrActionConflict, cur.Name)
		}
		cur.ErrorAcknowledged = true
		if cur.Status == model.StatusError {
			if next := status.Aggregate(cur, nodes); model.CanTransition(cur.Status, next) {
				cur.Status = next
			}
		}
		cur.UpdatedAt = c.now().UTC()
		return nil
	})
	if err != nil {
		return c.observe(ActionAcknowledge, network.Slug, failed(network.Status, err))
	}
	c.invalidate(network.ID)
	return c.observe(ActionAcknowledge, network.Slug, succeeded(updated.Status, "error acknowledged on %s", network.Name))
}

func hasFailedNode(nodes []*model.TorNode) bool {
	for _, n := range nodes {
		if n.Status == model.StatusError && n.DesiredRunning {
			return true
		}
	}
	return false
}
