package status

import (
	"fmt"
	"math"
	"time"

	"github.com/nao1215/torlab/internal/agent"
	"github.com/nao1215/torlab/internal/model"
	"github.com/nao1215/torlab/internal/tor"
)

// Observation is what one probe saw of a node.
type Observation struct {
	// Found is false when the runtime has no unit for the node.
	Found    bool
	Running  bool
	ExitCode int
	Address  string

	// Probed is set when the control port was tried; ControlOK when it
	// answered.
	Probed    bool
	ControlOK bool
	// Bootstrap is tor's bootstrap percentage, or -1 when unknown.
	Bootstrap      int
	Bandwidth      *tor.Bandwidth
	CircuitsActive int
	ValidAfter     time.Time
	ValidUntil     time.Time

	// Identity is the node's bootstrap result file, when present.
	Identity *agent.Result
}

// CanTransition reports whether the shared state machine allows from to
// to.
func CanTransition(from, to model.Status) bool {
	return model.CanTransition(from, to)
}

// step moves from toward to, through one intermediate state when the
// state machine has no direct edge. It stays at from when to is
// unreachable.
func step(from, to model.Status) model.Status {
	if CanTransition(from, to) {
		return to
	}
	for _, via := range []model.Status{model.StatusStarting, model.StatusBootstrapping, model.StatusStopping} {
		if CanTransition(from, via) && CanTransition(via, to) {
			return via
		}
	}
	return from
}

// Reduce applies an observation to a node and returns the updated node.
// threshold is the number of consecutive control port failures after
// which a running node is reported as error.
func Reduce(n model.TorNode, obs Observation, threshold int) model.TorNode {
	target := n.Status
	lastError := n.LastError
	// A starting node without a bootstrap result is still waiting for its
	// quorum; tor is not up yet.
	pending := n.Status == model.StatusStarting && obs.Identity == nil

	switch {
	case !n.DesiredRunning:
		switch {
		case obs.Found && obs.Running:
			target = model.StatusStopping
		case n.Status == model.StatusCreated || n.Status == model.StatusNotCreated:
		default:
			target = model.StatusStopped
		}
		n.ControlFailures = 0
	case !obs.Found && pending:
	case !obs.Found:
		target = model.StatusError
		lastError = "node runtime unit not found"
	case !obs.Running:
		target = model.StatusError
		lastError = fmt.Sprintf("tor exited with code %d", obs.ExitCode)
	case obs.Probed && !obs.ControlOK && pending:
	case obs.Probed && !obs.ControlOK:
		n.ControlFailures++
		if threshold > 0 && n.ControlFailures >= threshold {
			target = model.StatusError
			lastError = fmt.Sprintf("control port unreachable after %d attempts", n.ControlFailures)
		} else if !n.Status.Active() {
			target = model.StatusStarting
		}
	default:
		n.ControlFailures = 0
		if !obs.Probed || obs.Bootstrap >= 100 {
			target = model.StatusRunning
		} else {
			target = model.StatusBootstrapping
		}
	}

	n.Status = step(n.Status, target)
	if n.Status == model.StatusError {
		n.LastError = lastError
	} else {
		n.LastError = ""
	}

	if obs.Address != "" {
		n.Address = obs.Address
	}
	if obs.Bandwidth != nil {
		n.BytesRead = obs.Bandwidth.BytesRead
		n.BytesWritten = obs.Bandwidth.BytesWritten
		n.BandwidthRate = obs.Bandwidth.Rate
		n.BandwidthBurst = obs.Bandwidth.Burst
	}
	if obs.ControlOK {
		n.CircuitsActive = obs.CircuitsActive
	}
	if id := obs.Identity; id != nil {
		if n.Fingerprint == "" {
			n.Fingerprint = id.Fingerprint
		}
		if n.V3Identity == "" {
			n.V3Identity = id.V3Identity
		}
		if n.OnionAddress == "" {
			n.OnionAddress = id.OnionAddress
		}
		n.Degraded = id.Degraded
		if n.StartedAt.IsZero() {
			n.StartedAt = id.StartedAt
		}
	}
	return n
}

// Regressed reports whether a node moved backwards in its state machine.
func Regressed(before, after model.Status) bool {
	if after == model.StatusError && before != model.StatusError {
		return true
	}
	rb, ra := before.Rank(), after.Rank()
	return rb >= 0 && ra >= 0 && ra < rb
}

// relevant reports whether a node counts toward the network status: it
// should be running and is not an acknowledged failure.
func relevant(n *model.TorNode, acknowledged bool) bool {
	if !n.DesiredRunning {
		return false
	}
	return !(acknowledged && n.Status == model.StatusError)
}

// Aggregate derives the network status from its nodes. Networks the
// controller is creating or stopping keep their status.
func Aggregate(network *model.TorNetwork, nodes []*model.TorNode) model.Status {
	switch network.Status {
	case model.StatusNotCreated, model.StatusCreating, model.StatusCreated,
		model.StatusStopping, model.StatusStopped:
		return network.Status
	}

	var considered, running int
	for _, n := range nodes {
		if n.Status == model.StatusError && n.DesiredRunning && !network.ErrorAcknowledged {
			return model.StatusError
		}
		if !relevant(n, network.ErrorAcknowledged) {
			continue
		}
		considered++
		if n.Status == model.StatusRunning {
			running++
		}
	}
	switch {
	case considered == 0:
		return model.StatusStopped
	case running == considered:
		return model.StatusRunning
	default:
		return model.StatusBootstrapping
	}
}

// Progress returns round(100 * running / total). Unless a node regressed
// the result never drops below prev.
func Progress(prev int, nodes []*model.TorNode, regressed bool) int {
	if len(nodes) == 0 {
		return 0
	}
	var running int
	for _, n := range nodes {
		if n.Status == model.StatusRunning {
			running++
		}
	}
	p := int(math.Round(100 * float64(running) / float64(len(nodes))))
	if !regressed && p < prev {
		return prev
	}
	return p
}
