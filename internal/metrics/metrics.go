// Package metrics exposes Prometheus metrics for networks, quorum waits,
// captures and circuit events. A nil *Recorder is valid and records
// nothing, so components can take one as an optional dependency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nao1215/torlab/internal/model"
)

// Recorder records torlab metrics.
type Recorder struct {
	networkStatus   *prometheus.GaugeVec
	progress        *prometheus.GaugeVec
	degraded        *prometheus.GaugeVec
	nodeStatus      *prometheus.GaugeVec
	quorumWait      *prometheus.HistogramVec
	actions         *prometheus.CounterVec
	reconcileDur    prometheus.Histogram
	reconcileErrs   prometheus.Counter
	captureActive   prometheus.Gauge
	captureRotated  *prometheus.CounterVec
	captureBytes    *prometheus.CounterVec
	captureFailures *prometheus.CounterVec
	circuitEvents   *prometheus.CounterVec
}

// NewRecorder registers metrics with the provided registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		networkStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "torlab_network_status",
			Help: "Current network status (1 for the active status label)",
		}, []string{"network", "status"}),
		progress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "torlab_network_bootstrap_progress",
			Help: "Network bootstrap progress in percent",
		}, []string{"network"}),
		degraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "torlab_network_degraded",
			Help: "Network degraded flag (1=partial authority quorum)",
		}, []string{"network"}),
		nodeStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "torlab_nodes",
			Help: "Number of nodes per network and status",
		}, []string{"network", "status"}),
		quorumWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "torlab_quorum_wait_seconds",
			Help:    "Time nodes spent waiting for the authority quorum",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"result"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "torlab_actions_total",
			Help: "Controller actions grouped by action and outcome",
		}, []string{"action", "result"}),
		reconcileDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "torlab_reconcile_duration_seconds",
			Help:    "Latency of status reconciliation passes",
			Buckets: prometheus.DefBuckets,
		}),
		reconcileErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torlab_reconcile_errors_total",
			Help: "Total reconciliation failures",
		}),
		captureActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "torlab_captures_recording",
			Help: "Number of captures currently recording",
		}),
		captureRotated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "torlab_capture_rotations_total",
			Help: "Capture rotations grouped by trigger",
		}, []string{"trigger"}),
		captureBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "torlab_capture_bytes_total",
			Help: "Bytes written to capture files per network",
		}, []string{"network"}),
		captureFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "torlab_capture_failures_total",
			Help: "Capture write failures per network",
		}, []string{"network"}),
		circuitEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "torlab_circuit_events_total",
			Help: "Circuit events recorded grouped by event type",
		}, []string{"network", "event_type"}),
	}

	reg.MustRegister(
		r.networkStatus,
		r.progress,
		r.degraded,
		r.nodeStatus,
		r.quorumWait,
		r.actions,
		r.reconcileDur,
		r.reconcileErrs,
		r.captureActive,
		r.captureRotated,
		r.captureBytes,
		r.captureFailures,
		r.circuitEvents,
	)
	return r
}

// Handler returns an HTTP handler exposing metrics from the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

var networkStatuses = []model.Status{
	model.StatusCreated, model.StatusCreating, model.StatusStarting, model.StatusBootstrapping,
	model.StatusRunning, model.StatusStopping, model.StatusStopped, model.StatusError,
}

// ObserveNetwork records the rolled up state of a network.
func (r *Recorder) ObserveNetwork(n *model.TorNetwork, nodes []*model.TorNode) {
	if r == nil || n == nil {
		return
	}
	for _, s := range networkStatuses {
		v := 0.0
		if s == n.Status {
			v = 1
		}
		r.networkStatus.WithLabelValues(n.Slug, string(s)).Set(v)
	}
	r.progress.WithLabelValues(n.Slug).Set(float64(n.BootstrapProgress))
	degraded := 0.0
	if n.Degraded {
		degraded = 1
	}
	r.degraded.WithLabelValues(n.Slug).Set(degraded)

	counts := make(map[model.Status]int, len(networkStatuses))
	for _, node := range nodes {
		counts[node.Status]++
	}
	for _, s := range networkStatuses {
		r.nodeStatus.WithLabelValues(n.Slug, string(s)).Set(float64(counts[s]))
	}
}

// ForgetNetwork drops every series of a deleted network.
func (r *Recorder) ForgetNetwork(slug string) {
	if r == nil {
		return
	}
	labels := prometheus.Labels{"network": slug}
	r.networkStatus.DeletePartialMatch(labels)
	r.progress.DeletePartialMatch(labels)
	r.degraded.DeletePartialMatch(labels)
	r.nodeStatus.DeletePartialMatch(labels)
	r.captureBytes.DeletePartialMatch(labels)
	r.captureFailures.DeletePartialMatch(labels)
	r.circuitEvents.DeletePartialMatch(labels)
}

// ObserveQuorumWait records how long a node waited for the authority
// quorum and whether it was satisfied.
func (r *Recorder) ObserveQuorumWait(d time.Duration, satisfied bool) {
	if r == nil {
		return
	}
	result := "satisfied"
	if !satisfied {
		result = "degraded"
	}
	r.quorumWait.WithLabelValues(result).Observe(d.Seconds())
}

// ObserveAction records a controller action outcome.
func (r *Recorder) ObserveAction(action string, ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "rejected"
	}
	r.actions.WithLabelValues(action, result).Inc()
}

// ObserveReconcile records a reconciliation pass.
func (r *Recorder) ObserveReconcile(d time.Duration, err error) {
	if r == nil {
		return
	}
	r.reconcileDur.Observe(d.Seconds())
	if err != nil {
		r.reconcileErrs.Inc()
	}
}

// CaptureStarted increments the recording gauge.
func (r *Recorder) CaptureStarted() {
	if r == nil {
		return
	}
	r.captureActive.Inc()
}

// CaptureFinished decrements the recording gauge and adds written bytes.
func (r *Recorder) CaptureFinished(network string, bytes int64) {
	if r == nil {
		return
	}
	r.captureActive.Dec()
	if bytes > 0 {
		r.captureBytes.WithLabelValues(network).Add(float64(bytes))
	}
}

// ObserveRotation records a capture rotation. trigger is "size" or
// "interval".
func (r *Recorder) ObserveRotation(trigger string) {
	if r == nil {
		return
	}
	r.captureRotated.WithLabelValues(trigger).Inc()
}

// ObserveCaptureFailure records a capture write failure.
func (r *Recorder) ObserveCaptureFailure(network string) {
	if r == nil {
		return
	}
	r.captureFailures.WithLabelValues(network).Inc()
}

// ObserveCircuitEvent records one stored circuit event.
func (r *Recorder) ObserveCircuitEvent(network string, t model.CircuitEventType) {
	if r == nil {
		return
	}
	r.circuitEvents.WithLabelValues(network, string(t)).Inc()
}
