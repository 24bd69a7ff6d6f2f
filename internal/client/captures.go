package client

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nao1215/torlab/internal/api"
	"github.com/nao1215/torlab/internal/model"
)

// CaptureQuery filters ListCaptures. Network and Node accept ids or
// names.
type CaptureQuery struct {
	Network        string
	Node           string
	Status         string
	IncludeDeleted bool
}

func (q CaptureQuery) values() url.Values {
	v := url.Values{}
	if q.Network != "" {
		v.Set("network_id", q.Network)
	}
	if q.Node != "" {
		v.Set("node_id", q.Node)
	}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	if q.IncludeDeleted {
		v.Set("include_deleted", "true")
	}
	return v
}

// ListCaptures returns the captures matching q.
func (c *Client) ListCaptures(ctx context.Context, q CaptureQuery) ([]*model.TrafficCapture, error) {
	captures, _, err := list[*model.TrafficCapture](ctx, c, "captures", q.values())
	return captures, err
}

// StartCapture starts recording the traffic of a node.
func (c *Client) StartCapture(ctx context.Context, node, filter string, typ model.CaptureType) (*model.TrafficCapture, error) {
	var capt model.TrafficCapture
	req := api.CaptureStartRequest{NodeID: node, Filter: filter, Type: string(typ)}
	if err := c.call(ctx, http.MethodPost, "captures", nil, req, &capt); err != nil {
		return nil, err
	}
	return &capt, nil
}

// GetCapture returns one capture.
func (c *Client) GetCapture(ctx context.Context, id string) (*model.TrafficCapture, error) {
	var capt model.TrafficCapture
	if err := c.call(ctx, http.MethodGet, "captures/"+url.PathEscape(id), nil, nil, &capt); err != nil {
		return nil, err
	}
	return &capt, nil
}

// StopCapture stops a recording capture.
func (c *Client) StopCapture(ctx context.Context, id string) (*model.TrafficCapture, error) {
	var capt model.TrafficCapture
	if err := c.call(ctx, http.MethodPost, "captures/"+url.PathEscape(id)+"/stop", nil, nil, &capt); err != nil {
		return nil, err
	}
	return &capt, nil
}

// DownloadCapture copies the pcap file of a capture to w and returns the
// SHA-256 the server reported, if any.
func (c *Client) DownloadCapture(ctx context.Context, id string, w io.Writer) (string, error) {
	h, err := c.raw(ctx, "captures/"+url.PathEscape(id)+"/download", nil, w)
	if err != nil {
		return "", err
	}
	return h.Get("X-Capture-SHA256"), nil
}

// DeleteCapture marks a capture deleted. purge removes its file too.
func (c *Client) DeleteCapture(ctx context.Context, id string, purge bool) (*model.TrafficCapture, error) {
	q := url.Values{}
	if purge {
		q.Set("purge", "true")
	}
	var capt model.TrafficCapture
	if err := c.call(ctx, http.MethodDelete, "captures/"+url.PathEscape(id), q, nil, &capt); err != nil {
		return nil, err
	}
	return &capt, nil
}

// CircuitQuery filters CircuitEvents. Network and Node accept ids or
// names.
type CircuitQuery struct {
	Network   string
	Node      string
	CircuitID string
	EventType string
	Purpose   string
	Since     time.Time
	Limit     int
}

func (q CircuitQuery) values() url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("network_id", q.Network)
	set("node_id", q.Node)
	set("circuit_id", q.CircuitID)
	set("event_type", q.EventType)
	set("purpose", q.Purpose)
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// CircuitEvents returns the newest events matching q and the number of
// matching events before the limit.
func (c *Client) CircuitEvents(ctx context.Context, q CircuitQuery) ([]*model.CircuitEvent, int64, error) {
	return list[*model.CircuitEvent](ctx, c, "circuit_events", q.values())
}
