package status

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nao1215/torlab/internal/agent"
	"github.com/nao1215/torlab/internal/model"
	"github.com/nao1215/torlab/internal/runtime"
	"github.com/nao1215/torlab/internal/tor"
)

// Prober observes one node.
type Prober interface {
	Probe(ctx context.Context, network *model.TorNetwork, node *model.TorNode) (Observation, error)
}

// DataDirFunc returns the host data directory of a node.
type DataDirFunc func(network *model.TorNetwork, node *model.TorNode) string

// inspect reads runtime state and the bootstrap result.
func inspect(ctx context.Context, rt runtime.Runtime, dataDir DataDirFunc, network *model.TorNetwork, node *model.TorNode) (Observation, runtime.State, error) {
	obs := Observation{Bootstrap: -1}
	st, err := rt.Inspect(ctx, runtime.UnitName(network.Slug, node.Name))
	switch {
	case errors.Is(err, runtime.ErrNotFound):
	case err != nil:
		return obs, st, err
	default:
		obs.Found = true
		obs.Running = st.Running
		obs.ExitCode = st.ExitCode
		obs.Address = st.Address
	}
	if dataDir != nil {
		if res, err := agent.ReadResult(dataDir(network, node)); err == nil {
			obs.Identity = res
		}
	}
	return obs, st, nil
}

// RuntimeProber observes nodes through the runtime only. A running unit
// counts as a running node.
type RuntimeProber struct {
	rt      runtime.Runtime
	dataDir DataDirFunc
}

// NewRuntimeProber returns a prober backed by rt. dataDir may be nil.
func NewRuntimeProber(rt runtime.Runtime, dataDir DataDirFunc) *RuntimeProber {
	return &RuntimeProber{rt: rt, dataDir: dataDir}
}

// Probe implements Prober.
func (p *RuntimeProber) Probe(ctx context.Context, network *model.TorNetwork, node *model.TorNode) (Observation, error) {
	obs, _, err := inspect(ctx, p.rt, p.dataDir, network, node)
	return obs, err
}

// ControlProber observes nodes through the runtime and their control
// port.
type ControlProber struct {
	rt      runtime.Runtime
	dataDir DataDirFunc
	timeout time.Duration
}

// NewControlProber returns a prober that also queries each running
// node's control port, authenticating with the cookie in its data
// directory.
func NewControlProber(rt runtime.Runtime, dataDir DataDirFunc, timeout time.Duration) *ControlProber {
	return &ControlProber{rt: rt, dataDir: dataDir, timeout: timeout}
}

// Probe implements Prober.
func (p *ControlProber) Probe(ctx context.Context, network *model.TorNetwork, node *model.TorNode) (Observation, error) {
	obs, st, err := inspect(ctx, p.rt, p.dataDir, network, node)
	if err != nil || !obs.Running || node.Ports.Control == 0 {
		return obs, err
	}

	host := st.Address
	if host == "" {
		host = "127.0.0.1"
	}
	obs.Probed = true
	q, err := tor.DialQuery(ctx, net.JoinHostPort(host, strconv.Itoa(node.Ports.Control)),
		filepath.Join(p.dataDir(network, node), "control_auth_cookie"), p.timeout)
	if err != nil {
		return obs, nil
	}
	defer q.Close()

	progress, err := q.Bootstrap(ctx)
	if err != nil {
		return obs, nil
	}
	obs.ControlOK = true
	obs.Bootstrap = progress

	if bw, err := q.Bandwidth(ctx); err == nil {
		obs.Bandwidth = &bw
	}
	if circuits, err := q.CircuitStatus(ctx); err == nil {
		obs.CircuitsActive = len(circuits)
	}
	if after, until, err := q.ConsensusWindow(ctx); err == nil {
		obs.ValidAfter, obs.ValidUntil = after, until
	}
	return obs, nil
}
