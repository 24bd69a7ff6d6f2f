package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/nao1215/torlab/internal/api"
	"github.com/nao1215/torlab/internal/controller"
	"github.com/nao1215/torlab/internal/model"
)

func networkPath(ref string, rest ...string) string {
	p := "networks/" + url.PathEscape(ref)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

// ListNetworks returns every network.
func (c *Client) ListNetworks(ctx context.Context) ([]*model.TorNetwork, error) {
	networks, _, err := list[*model.TorNetwork](ctx, c, "networks", nil)
	return networks, err
}

// CreateNetwork defines a new network.
func (c *Client) CreateNetwork(ctx context.Context, req controller.CreateRequest) (*model.TorNetwork, error) {
	var n model.TorNetwork
	if err := c.call(ctx, http.MethodPost, "networks", nil, req, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// GetNetwork returns a network and its nodes. ref is an id or a slug.
func (c *Client) GetNetwork(ctx context.Context, ref string) (*api.NetworkDetail, error) {
	var d api.NetworkDetail
	if err := c.call(ctx, http.MethodGet, networkPath(ref), nil, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// UpdateDescription replaces the description of a network.
func (c *Client) UpdateDescription(ctx context.Context, ref, description string) (*model.TorNetwork, error) {
	var n model.TorNetwork
	req := api.UpdateNetworkRequest{Description: &description}
	if err := c.call(ctx, http.MethodPatch, networkPath(ref), nil, req, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// actionResult turns an answer into an ActionResult. A rejected action
// still carries the result the server sent along.
func actionResult(err error, res controller.ActionResult) (controller.ActionResult, error) {
	if err == nil {
		return res, nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Data != nil {
		if json.Unmarshal(apiErr.Data, &res) == nil {
			res.OK = false
			res.Err = err
			return res, nil
		}
	}
	return controller.ActionResult{}, err
}

// NetworkAction runs a lifecycle action on a network. The returned error
// is set only when no action result could be obtained; a rejected action
// is a result that is not OK.
func (c *Client) NetworkAction(ctx context.Context, ref string, req controller.ActionRequest) (controller.ActionResult, error) {
	var res controller.ActionResult
	body := api.NetworkActionRequest{Action: string(req.Action), RemoveVolumes: req.RemoveVolumes}
	err := c.call(ctx, http.MethodPost, networkPath(ref, "action"), nil, body, &res)
	return actionResult(err, res)
}

// DeleteNetwork removes a network.
func (c *Client) DeleteNetwork(ctx context.Context, ref string, removeVolumes bool) (controller.ActionResult, error) {
	var res controller.ActionResult
	q := url.Values{}
	if removeVolumes {
		q.Set("remove_volumes", "true")
	}
	err := c.call(ctx, http.MethodDelete, networkPath(ref), q, nil, &res)
	return actionResult(err, res)
}

// Nodes returns the nodes of a network.
func (c *Client) Nodes(ctx context.Context, ref string) ([]*model.TorNode, error) {
	nodes, _, err := list[*model.TorNode](ctx, c, networkPath(ref, "nodes"), nil)
	return nodes, err
}

// StatusDetail returns the nodes of a network grouped by type.
func (c *Client) StatusDetail(ctx context.Context, ref string) (*controller.StatusDetail, error) {
	var d controller.StatusDetail
	if err := c.call(ctx, http.MethodGet, networkPath(ref, "status_detail"), nil, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Topology returns the graph of a network.
func (c *Client) Topology(ctx context.Context, ref string) (*controller.Topology, error) {
	var t controller.Topology
	if err := c.call(ctx, http.MethodGet, networkPath(ref, "topology"), nil, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Report writes the report of a network in format (json, markdown or
// text) to w.
func (c *Client) Report(ctx context.Context, ref, format string, w io.Writer) error {
	q := url.Values{}
	if format != "" {
		q.Set("format", format)
	}
	_, err := c.raw(ctx, networkPath(ref, "report"), q, w)
	return err
}

func nodePath(ref string, rest ...string) string {
	p := "nodes/" + url.PathEscape(ref)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

// GetNode returns a node. ref is an id or a node name.
func (c *Client) GetNode(ctx context.Context, ref string) (*model.TorNode, error) {
	var n model.TorNode
	if err := c.call(ctx, http.MethodGet, nodePath(ref), nil, nil, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// NodeAction runs a lifecycle action on a node.
func (c *Client) NodeAction(ctx context.Context, ref string, action controller.Action) (controller.ActionResult, error) {
	var res controller.ActionResult
	body := api.NodeActionRequest{Action: string(action)}
	err := c.call(ctx, http.MethodPost, nodePath(ref, "action"), nil, body, &res)
	return actionResult(err, res)
}

// NodeLogs returns the last tail lines of a node log.
func (c *Client) NodeLogs(ctx context.Context, ref string, tail int) (*api.NodeLogs, error) {
	q := url.Values{}
	if tail > 0 {
		q.Set("tail", strconv.Itoa(tail))
	}
	var logs api.NodeLogs
	if err := c.call(ctx, http.MethodGet, nodePath(ref, "logs"), q, nil, &logs); err != nil {
		return nil, err
	}
	return &logs, nil
}

// NodeBandwidth returns the traffic counters of a node.
func (c *Client) NodeBandwidth(ctx context.Context, ref string) (*api.NodeBandwidth, error) {
	var bw api.NodeBandwidth
	if err := c.call(ctx, http.MethodGet, nodePath(ref, "bandwidth"), nil, nil, &bw); err != nil {
		return nil, err
	}
	return &bw, nil
}
