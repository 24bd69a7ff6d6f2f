package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nao1215/torlab/internal/model"
	"github.com/nao1215/torlab/internal/runtime"
)

// NodeAction dispatches a node action by name.
func (c *Controller) NodeAction(ctx context.Context, ref string, action Action) ActionResult {
	switch action {
	case ActionStart:
		return c.StartNode(ctx, ref)
	case ActionStop:
		return c.StopNode(ctx, ref)
	case ActionRestart:
		return c.RestartNode(ctx, ref)
	case ActionDelete:
		return c.DeleteNode(ctx, ref)
	default:
		return failed("", fmt.Errorf("%w: %q for a node", ErrUnknownAction, action))
	}
}

// lookupNode resolves a node and its network.
func (c *Controller) lookupNode(ctx context.Context, ref string) (*model.TorNetwork, *model.TorNode, error) {
	node, err := c.store.FindNode(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	network, err := c.store.GetNetwork(ctx, node.NetworkID)
	if err != nil {
		return nil, nil, err
	}
	return network, node, nil
}

// abortNodeStart cancels a pending launch of one node.
func (c *Controller) abortNodeStart(ctx context.Context, nodeID string) error {
	key := nodeKey(nodeID)
	return c.abortStarts(ctx, func(a *inflight) bool { return a.key == key })
}

// StartNode launches one node in the background.
func (c *Controller) StartNode(ctx context.Context, ref string) ActionResult {
	network, node, err := c.lookupNode(ctx, ref)
	if err != nil {
		return c.observe(ActionStart, ref, failed(model.StatusNotCreated, err))
	}
	a, err := c.begin(ctx, nodeKey(node.ID), network.ID, ActionStart)
	if err != nil {
		return c.observe(ActionStart, node.Name, failed(node.Status, err))
	}
	if node.Status.Active() || node.Status == model.StatusStopping {
		c.finish(a)
		return c.observe(ActionStart, node.Name,
			failed(node.Status, fmt.Errorf("%w: node %s is %s", ErrActionConflict, node.Name, node.Status)))
	}
	res := c.startNode(ctx, a, network, node)
	if !res.OK {
		c.finish(a)
	}
	return c.observe(ActionStart, node.Name, res)
}

// startNode marks a node starting, moves an idle network back under
// status tracking and launches the node. The background work finishes a.
func (c *Controller) startNode(ctx context.Context, a *inflight, network *model.TorNetwork, node *model.TorNode) ActionResult {
	now := c.now().UTC()
	network, err := c.store.MutateNetwork(ctx, network.ID, func(cur *model.TorNetwork) error {
		switch cur.Status {
		case model.StatusCreated, model.StatusStopped:
			cur.Status = model.StatusBootstrapping
			cur.BootstrapProgress = 0
			cur.StartedAt = now
			cur.StoppedAt = time.Time{}
		case model.StatusBootstrapping, model.StatusRunning, model.StatusError:
		default:
			return fmt.Errorf("%w: network %s is %s", ErrActionConflict, cur.Name, cur.Status)
		}
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		return failed(node.Status, err)
	}
	node, err = c.store.MutateNode(ctx, node.ID, func(cur *model.TorNode) error {
		markStarting(cur, now)
		return nil
	})
	if err != nil {
		return failed(model.StatusError, err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.finish(a)
		c.launchNode(a.ctx, network, node)
	}()
	return succeeded(node.Status, "starting node %s", node.Name)
}

// StopNode stops one node. A pending launch of the node is cancelled
// first.
func (c *Controller) StopNode(ctx context.Context, ref string) ActionResult {
	network, node, err := c.lookupNode(ctx, ref)
	if err != nil {
		return c.observe(ActionStop, ref, failed(model.StatusNotCreated, err))
	}
	if err := c.abortNodeStart(ctx, node.ID); err != nil {
		return c.observe(ActionStop, node.Name, failed(node.Status, err))
	}
	a, err := c.begin(ctx, nodeKey(node.ID), network.ID, ActionStop)
	if err != nil {
		return c.observe(ActionStop, node.Name, failed(node.Status, err))
	}
	defer c.finish(a)

	if node, err = c.store.GetNode(ctx, node.ID); err != nil {
		return c.observe(ActionStop, ref, failed(model.StatusNotCreated, err))
	}
	if !node.Status.Active() && node.Status != model.StatusError {
		return c.observe(ActionStop, node.Name,
			failed(node.Status, fmt.Errorf("%w: node %s is %s", ErrActionConflict, node.Name, node.Status)))
	}
	if _, err := c.stopNode(ctx, network, node); err != nil {
		return c.observe(ActionStop, node.Name, failed(model.StatusError, err))
	}
	return c.observe(ActionStop, node.Name, succeeded(model.StatusStopped, "stopped node %s", node.Name))
}

// RestartNode stops a node if it runs and launches it again.
func (c *Controller) RestartNode(ctx context.Context, ref string) ActionResult {
	network, node, err := c.lookupNode(ctx, ref)
	if err != nil {
		return c.observe(ActionRestart, ref, failed(model.StatusNotCreated, err))
	}
	if err := c.abortNodeStart(ctx, node.ID); err != nil {
		return c.observe(ActionRestart, node.Name, failed(node.Status, err))
	}
	a, err := c.begin(ctx, nodeKey(node.ID), network.ID, ActionRestart)
	if err != nil {
		return c.observe(ActionRestart, node.Name, failed(node.Status, err))
	}
	if node, err = c.store.GetNode(ctx, node.ID); err != nil {
		c.finish(a)
		return c.observe(ActionRestart, ref, failed(model.StatusNotCreated, err))
	}
	if node.Status.Active() || node.Status == model.StatusError {
		if _, err := c.stopNode(ctx, network, node); err != nil {
			c.finish(a)
			return c.observe(ActionRestart, node.Name, failed(model.StatusError, err))
		}
	}
	res := c.startNode(ctx, a, network, node)
	if !res.OK {
		c.finish(a)
	}
	return c.observe(ActionRestart, node.Name, res)
}

// DeleteNode stops and removes one node. Circuit events that name the
// node keep their path but lose the node reference. Authorities cannot
// be deleted below the quorum minimum.
func (c *Controller) DeleteNode(ctx context.Context, ref string) ActionResult {
	network, node, err := c.lookupNode(ctx, ref)
	if err != nil {
		return c.observe(ActionDelete, ref, failed(model.StatusNotCreated, err))
	}
	if node.Type == model.NodeTypeDA && network.Counts.DA-1 < model.MinAuthorities {
		return c.observe(ActionDelete, node.Name, failed(node.Status, ErrTooFewAuthorities))
	}
	if err := c.abortNodeStart(ctx, node.ID); err != nil {
		return c.observe(ActionDelete, node.Name, failed(node.Status, err))
	}
	a, err := c.begin(ctx, nodeKey(node.ID), network.ID, ActionDelete)
	if err != nil {
		return c.observe(ActionDelete, node.Name, failed(node.Status, err))
	}
	defer c.finish(a)

	if node, err = c.store.GetNode(ctx, node.ID); err != nil {
		return c.observe(ActionDelete, ref, failed(model.StatusNotCreated, err))
	}
	// The authority minimum is checked in the transaction that releases
	// the count, before the row is removed.
	if _, err := c.store.MutateNetwork(ctx, network.ID, func(cur *model.TorNetwork) error {
		left := cur.Counts.Get(node.Type) - 1
		if node.Type == model.NodeTypeDA && left < model.MinAuthorities {
			return ErrTooFewAuthorities
		}
		cur.Counts.Set(node.Type, max(left, 0))
		cur.UpdatedAt = c.now().UTC()
		return nil
	}); err != nil {
		return c.observe(ActionDelete, node.Name, failed(node.Status, err))
	}
	if node.Status.Active() || node.Status == model.StatusError || node.Status == model.StatusStopping {
		if _, err := c.stopNode(ctx, network, node); err != nil {
			c.logger.Warn("stop before delete failed", "node", node.Name, "error", err)
		}
	}
	unit := runtime.UnitName(network.Slug, node.Name)
	if err := c.rt.Remove(ctx, unit, true); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		c.logger.Warn("failed to remove unit", "node", node.Name, "error", err)
	}
	if c.dataDir != nil {
		if err := os.RemoveAll(c.dataDir(network, node)); err != nil {
			c.logger.Warn("failed to remove node data", "node", node.Name, "error", err)
		}
	}
	if err := c.store.DeleteNode(ctx, node.ID); err != nil {
		if _, rerr := c.store.MutateNetwork(ctx, network.ID, func(cur *model.TorNetwork) error {
			cur.Counts.Set(node.Type, cur.Counts.Get(node.Type)+1)
			return nil
		}); rerr != nil {
			c.logger.Warn("failed to restore node count", "node", node.Name, "error", rerr)
		}
		return c.observe(ActionDelete, node.Name, failed(node.Status, err))
	}
	return c.observe(ActionDelete, node.Name, succeeded(model.StatusNotCreated, "deleted node %s", node.Name))
}
