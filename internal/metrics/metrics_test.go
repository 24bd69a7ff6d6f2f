package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nao1215/torlab/internal/model"
)

func TestNilRecorder(t *testing.T) {
	t.Parallel()

	var r *Recorder
	r.ObserveNetwork(&model.TorNetwork{}, nil)
	r.ObserveQuorumWait(time.Second, true)
	r.ObserveAction("start", true)
	r.ObserveReconcile(time.Second, nil)
	r.CaptureStarted()
	r.CaptureFinished("lab", 10)
	r.ObserveRotation("size")
	r.ObserveCaptureFailure("lab")
	r.ObserveCircuitEvent("lab", model.CircuitBuilt)
	r.ForgetNetwork("lab")
}

func TestObserveNetwork(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	n := &model.TorNetwork{Slug: "lab", Status: model.StatusBootstrapping, BootstrapProgress: 57, Degraded: true}
	nodes := []*model.TorNode{
		{Status: model.StatusRunning},
		{Status: model.StatusRunning},
		{Status: model.StatusBootstrapping},
	}
	r.ObserveNetwork(n, nodes)

	if got := testutil.ToFloat64(r.progress.WithLabelValues("lab")); got != 57 {
		t.Errorf("progress = %v, want 57", got)
	}
	if got := testutil.ToFloat64(r.networkStatus.WithLabelValues("lab", "bootstrapping")); got != 1 {
		t.Errorf("bootstrapping gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.networkStatus.WithLabelValues("lab", "running")); got != 0 {
		t.Errorf("running gauge = %v, want 0", got)
	}
	if got := testutil.ToFloat64(r.nodeStatus.WithLabelValues("lab", "running")); got != 2 {
		t.Errorf("running nodes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.degraded.WithLabelValues("lab")); got != 1 {
		t.Errorf("degraded = %v, want 1", got)
	}

	r.ForgetNetwork("lab")
	if n := testutil.CollectAndCount(r.progress); n != 0 {
		t.Errorf("expected no progress series after forget, got %d", n)
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)
	r.ObserveCircuitEvent("lab", model.CircuitBuilt)
	r.ObserveRotation("size")

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`torlab_circuit_events_total{event_type="built",network="lab"} 1`,
		`torlab_capture_rotations_total{trigger="size"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
