package controller

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nao1215/torlab/internal/circuit"
	"github.com/nao1215/torlab/internal/model"
	"github.com/nao1215/torlab/internal/tor"
)

// cookieFile is the control port cookie tor writes into its data
// directory.
const cookieFile = "control_auth_cookie"

// ControlConn is an authenticated control port connection that streams
// events.
type ControlConn interface {
	circuit.Source
	io.Closer
}

// ControlDialer opens a control port connection to a node.
type ControlDialer func(ctx context.Context, network *model.TorNetwork, node *model.TorNode) (ControlConn, error)

// controlAddr returns the control port address of a node.
func controlAddr(node *model.TorNode) string {
	host := node.Address
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(node.Ports.Control))
}

// CookieDialer dials node control ports for event streaming with cookie
// authentication. The cookie is read from the node data directory on the
// host.
func CookieDialer(dataDir DataDirFunc, timeout time.Duration) ControlDialer {
	return func(ctx context.Context, network *model.TorNetwork, node *model.TorNode) (ControlConn, error) {
		conn, err := tor.DialControl(ctx, controlAddr(node),
			tor.WithCookieFile(filepath.Join(dataDir(network, node), cookieFile)),
			tor.WithControlTimeout(timeout),
		)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// BandwidthFunc reads the live traffic counters of a node.
type BandwidthFunc func(ctx context.Context, network *model.TorNetwork, node *model.TorNode) (tor.Bandwidth, error)

// CookieBandwidth reads node bandwidth over a short lived control port
// connection.
func CookieBandwidth(dataDir DataDirFunc, timeout time.Duration) BandwidthFunc {
	return func(ctx context.Context, network *model.TorNetwork, node *model.TorNode) (tor.Bandwidth, error) {
		q, err := tor.DialQuery(ctx, controlAddr(node), filepath.Join(dataDir(network, node), cookieFile), timeout)
		if err != nil {
			return tor.Bandwidth{}, err
		}
		defer q.Close()
		return q.Bandwidth(ctx)
	}
}

// startIngest records circuit events of a client or hidden service node
// until stopIngest is called for it.
func (c *Controller) startIngest(network *model.TorNetwork, node *model.TorNode) {
	if c.circuits == nil || c.dial == nil {
		return
	}
	if node.Type != model.NodeTypeClient && node.Type != model.NodeTypeHS {
		return
	}

	c.mu.Lock()
	if cancel, ok := c.ingests[node.ID]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(c.base)
	c.ingests[node.ID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.ingest(ctx, network, node)
	}()
}

func (c *Controller) stopIngest(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.ingests[nodeID]; ok {
		cancel()
		delete(c.ingests, nodeID)
	}
}

// ingest streams events from the node, reconnecting after failures.
func (c *Controller) ingest(ctx context.Context, network *model.TorNetwork, node *model.TorNode) {
	logger := c.logger.With("network", network.Slug, "node", node.Name)
	for {
		conn, err := c.dial(ctx, network, node)
		if err == nil {
			err = c.circuits.Ingest(ctx, network.ID, node.ID, conn)
			conn.Close()
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Debug("circuit event stream interrupted", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.retry):
		}
	}
}
