package status

import (
	"context"
	"testing"
	"time"

	"github.com/nao1215/torlab/internal/agent"
	"github.com/nao1215/torlab/internal/database"
	"github.com/nao1215/torlab/internal/model"
	"github.com/nao1215/torlab/internal/runtime"
	"github.com/nao1215/torlab/internal/tor"
)

func TestStep(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to, want model.Status
	}{
		{model.StatusStarting, model.StatusRunning, model.StatusRunning},
		{model.StatusCreated, model.StatusRunning, model.StatusStarting},
		{model.StatusRunning, model.StatusStopped, model.StatusStopping},
		{model.StatusRunning, model.StatusError, model.StatusError},
		{model.StatusRunning, model.StatusCreated, model.StatusRunning},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			if got := step(tt.from, tt.to); got != tt.want {
				t.Errorf("step(%s, %s) = %s, want %s", tt.from, tt.to, got, tt.want)
			}
		})
	}

	if CanTransition(model.StatusRunning, model.StatusCreated) {
		t.Error("running -> created must be rejected")
	}
}

func TestReduce(t *testing.T) {
	t.Parallel()

	running := Observation{Found: true, Running: true, Bootstrap: -1}
	tests := []struct {
		name        string
		node        model.TorNode
		obs         Observation
		want        model.Status
		wantErr     bool
		wantFailure int
	}{
		{
			name: "runtime only running",
			node: model.TorNode{Status: model.StatusStarting, DesiredRunning: true},
			obs:  running,
			want: model.StatusRunning,
		},
		{
			name: "control reports partial bootstrap",
			node: model.TorNode{Status: model.StatusStarting, DesiredRunning: true},
			obs:  Observation{Found: true, Running: true, Probed: true, ControlOK: true, Bootstrap: 45, Identity: &agent.Result{}},
			want: model.StatusBootstrapping,
		},
		{
			name: "control reports done",
			node: model.TorNode{Status: model.StatusBootstrapping, DesiredRunning: true},
			obs:  Observation{Found: true, Running: true, Probed: true, ControlOK: true, Bootstrap: 100},
			want: model.StatusRunning,
		},
		{
			name:    "unit vanished",
			node:    model.TorNode{Status: model.StatusRunning, DesiredRunning: true},
			obs:     Observation{},
			want:    model.StatusError,
			wantErr: true,
		},
		{
			name: "starting node still waiting for quorum",
			node: model.TorNode{Status: model.StatusStarting, DesiredRunning: true},
			obs:  Observation{},
			want: model.StatusStarting,
		},
		{
			name:    "process exited",
			node:    model.TorNode{Status: model.StatusRunning, DesiredRunning: true},
			obs:     Observation{Found: true, ExitCode: 1},
			want:    model.StatusError,
			wantErr: true,
		},
		{
			name:        "transient control failure",
			node:        model.TorNode{Status: model.StatusRunning, DesiredRunning: true, ControlFailures: 1},
			obs:         Observation{Found: true, Running: true, Probed: true},
			want:        model.StatusRunning,
			wantFailure: 2,
		},
		{
			name:        "control failures exhausted",
			node:        model.TorNode{Status: model.StatusRunning, DesiredRunning: true, ControlFailures: 2},
			obs:         Observation{Found: true, Running: true, Probed: true},
			want:        model.StatusError,
			wantErr:     true,
			wantFailure: 3,
		},
		{
			name: "control failure while waiting for quorum is not counted",
			node: model.TorNode{Status: model.StatusStarting, DesiredRunning: true},
			obs:  Observation{Found: true, Running: true, Probed: true},
			want: model.StatusStarting,
		},
		{
			name: "stopped by operator",
			node: model.TorNode{Status: model.StatusRunning},
			obs:  Observation{Found: true},
			want: model.StatusStopping,
		},
		{
			name: "stopping settles",
			node: model.TorNode{Status: model.StatusStopping},
			obs:  Observation{},
			want: model.StatusStopped,
		},
		{
			name: "never started",
			node: model.TorNode{Status: model.StatusCreated},
			obs:  Observation{},
			want: model.StatusCreated,
		},
		{
			name: "error recovers",
			node: model.TorNode{Status: model.StatusError, DesiredRunning: true, LastError: "boom"},
			obs:  running,
			want: model.StatusRunning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := Reduce(tt.node, tt.obs, 3)
			if got.Status != tt.want {
				t.Errorf("status = %s, want %s", got.Status, tt.want)
			}
			if (got.LastError != "") != tt.wantErr {
				t.Errorf("last error = %q, wantErr %v", got.LastError, tt.wantErr)
			}
			if got.ControlFailures != tt.wantFailure {
				t.Errorf("control failures = %d, want %d", got.ControlFailures, tt.wantFailure)
			}
		})
	}
}

func TestReduceCopiesObservedFields(t *testing.T) {
	t.Parallel()

	node := model.TorNode{Status: model.StatusStarting, DesiredRunning: true, Fingerprint: "KEEP"}
	obs := Observation{
		Found: true, Running: true, Probed: true, ControlOK: true, Bootstrap: 100,
		Address:        "172.18.0.4",
		Bandwidth:      &tor.Bandwidth{BytesRead: 10, BytesWritten: 20, Rate: 30, Burst: 40},
		CircuitsActive: 3,
		Identity:       &agent.Result{Fingerprint: "NEW", V3Identity: "V3", Degraded: true},
	}
	got := Reduce(node, obs, 3)
	if got.Address != "172.18.0.4" || got.BytesRead != 10 || got.BandwidthBurst != 40 || got.CircuitsActive != 3 {
		t.Errorf("observed fields not copied: %+v", got)
	}
	if got.Fingerprint != "KEEP" || got.V3Identity != "V3" || !got.Degraded {
		t.Errorf("identity fields wrong: %+v", got)
	}
}

func nodesWith(statuses ...model.Status) []*model.TorNode {
	out := make([]*model.TorNode, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, &model.TorNode{Status: s, DesiredRunning: true})
	}
	return out
}

func TestAggregate(t *testing.T) {
	t.Parallel()

	stoppedByOperator := &model.TorNode{Status: model.StatusStopped}
	tests := []struct {
		name    string
		network model.TorNetwork
		nodes   []*model.TorNode
		want    model.Status
	}{
		{
			name:    "all running",
			network: model.TorNetwork{Status: model.StatusBootstrapping},
			nodes:   nodesWith(model.StatusRunning, model.StatusRunning),
			want:    model.StatusRunning,
		},
		{
			name:    "one still bootstrapping",
			network: model.TorNetwork{Status: model.StatusBootstrapping},
			nodes:   nodesWith(model.StatusRunning, model.StatusBootstrapping),
			want:    model.StatusBootstrapping,
		},
		{
			name:    "one error",
			network: model.TorNetwork{Status: model.StatusRunning},
			nodes:   nodesWith(model.StatusRunning, model.StatusError),
			want:    model.StatusError,
		},
		{
			name:    "acknowledged error",
			network: model.TorNetwork{Status: model.StatusError, ErrorAcknowledged: true},
			nodes:   nodesWith(model.StatusRunning, model.StatusError),
			want:    model.StatusRunning,
		},
		{
			name:    "operator stopped node is not relevant",
			network: model.TorNetwork{Status: model.StatusBootstrapping},
			nodes:   append(nodesWith(model.StatusRunning), stoppedByOperator),
			want:    model.StatusRunning,
		},
		{
			name:    "no relevant node",
			network: model.TorNetwork{Status: model.StatusRunning},
			nodes:   []*model.TorNode{stoppedByOperator},
			want:    model.StatusStopped,
		},
		{
			name:    "controller owned status",
			network: model.TorNetwork{Status: model.StatusStopping},
			nodes:   nodesWith(model.StatusRunning),
			want:    model.StatusStopping,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Aggregate(&tt.network, tt.nodes); got != tt.want {
				t.Errorf("Aggregate = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestProgress(t *testing.T) {
	t.Parallel()

	nodes := nodesWith(model.StatusRunning, model.StatusRunning, model.StatusStarting)
	if got := Progress(0, nodes, false); got != 67 {
		t.Errorf("Progress = %d, want 67", got)
	}
	if got := Progress(0, nil, false); got != 0 {
		t.Errorf("empty network progress = %d", got)
	}

	// Forward-only node movement never lowers progress.
	seq := [][]model.Status{
		{model.StatusStarting, model.StatusStarting, model.StatusStarting},
		{model.StatusBootstrapping, model.StatusRunning, model.StatusStarting},
		{model.StatusRunning, model.StatusRunning, model.StatusBootstrapping},
		{model.StatusRunning, model.StatusRunning, model.StatusRunning},
	}
	prev := 0
	for i, statuses := range seq {
		p := Progress(prev, nodesWith(statuses...), false)
		if p < prev {
			t.Fatalf("step %d: progress dropped from %d to %d", i, prev, p)
		}
		prev = p
	}
	if prev != 100 {
		t.Errorf("final progress = %d", prev)
	}

	if got := Progress(100, nodesWith(model.StatusRunning, model.StatusError), true); got != 50 {
		t.Errorf("regressed progress = %d, want 50", got)
	}
	if got := Progress(100, nodesWith(model.StatusRunning, model.StatusBootstrapping), false); got != 100 {
		t.Errorf("progress without regression dropped to %d", got)
	}
}

func TestRegressed(t *testing.T) {
	t.Parallel()

	if !Regressed(model.StatusRunning, model.StatusBootstrapping) {
		t.Error("running -> bootstrapping is a regression")
	}
	if !Regressed(model.StatusRunning, model.StatusError) {
		t.Error("running -> error is a regression")
	}
	if Regressed(model.StatusStarting, model.StatusRunning) {
		t.Error("starting -> running is progress")
	}
}

// setupTracker creates a store with a minimal network whose nodes are
// started in a memory runtime.
func setupTracker(t *testing.T) (*Tracker, *database.Store, *runtime.Memory, *model.TorNetwork, []*model.TorNode) {
	t.Helper()

	ctx := context.Background()
	store, err := database.Open(t.TempDir(), database.DefaultOptions())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	now := time.Now()
	n := &model.TorNetwork{
		ID: "net", Name: "lab", Slug: "lab", Template: model.TemplateMinimal,
		Status: model.StatusBootstrapping, CreatedAt: now, UpdatedAt: now,
	}
	rt := runtime.NewMemory()
	var nodes []*model.TorNode
	for i, typ := range []model.NodeType{model.NodeTypeDA, model.NodeTypeDA, model.NodeTypeDA, model.NodeTypeGuard, model.NodeTypeMiddle, model.NodeTypeExit, model.NodeTypeClient} {
		node := &model.TorNode{
			ID: string(typ) + "-" + string(rune('a'+i)), NetworkID: n.ID, Type: typ, Index: i,
			Name: model.NodeName("lab", typ, i), Status: model.StatusStarting, DesiredRunning: true,
			CreatedAt: now, UpdatedAt: now,
		}
		nodes = append(nodes, node)
		if err := rt.Start(ctx, runtime.Spec{Name: runtime.UnitName(n.Slug, node.Name)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.CreateNetwork(ctx, n, nodes); err != nil {
		t.Fatalf("failed to create network: %v", err)
	}
	tr := New(store, NewRuntimeProber(rt, nil), WithFailureThreshold(3))
	return tr, store, rt, n, nodes
}

func TestReconcileNetwork(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr, store, rt, n, nodes := setupTracker(t)

	got, err := tr.ReconcileNetwork(ctx, n.ID)
	if err != nil {
		t.Fatalf("ReconcileNetwork error: %v", err)
	}
	if got.Status != model.StatusRunning || got.BootstrapProgress != 100 {
		t.Fatalf("network = %s/%d, want running/100", got.Status, got.BootstrapProgress)
	}

	// A crashed node flips the network to error without touching siblings.
	rt.Crash(runtime.UnitName(n.Slug, nodes[4].Name), 1)
	got, err = tr.ReconcileNetwork(ctx, n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusError {
		t.Fatalf("network status = %s, want error", got.Status)
	}
	if got.BootstrapProgress != 86 {
		t.Errorf("progress after crash = %d, want 86", got.BootstrapProgress)
	}
	list, err := store.ListNodes(ctx, n.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, node := range list {
		want := model.StatusRunning
		if node.ID == nodes[4].ID {
			want = model.StatusError
		}
		if node.Status != want {
			t.Errorf("node %s = %s, want %s", node.Name, node.Status, want)
		}
	}

	// Acknowledging the error lets the rest of the network count as
	// running.
	if _, err := store.MutateNetwork(ctx, n.ID, func(cur *model.TorNetwork) error {
		cur.ErrorAcknowledged = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	got, err = tr.ReconcileNetwork(ctx, n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusRunning {
		t.Errorf("acknowledged network = %s, want running", got.Status)
	}

	// A removed unit is tolerated mid pass.
	if err := rt.Remove(ctx, runtime.UnitName(n.Slug, nodes[6].Name), true); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.ReconcileNetwork(ctx, n.ID); err != nil {
		t.Fatalf("reconcile with removed unit failed: %v", err)
	}
}

func TestReconcileAllSkipsIdleNetworks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr, store, _, n, _ := setupTracker(t)
	if _, err := store.MutateNetwork(ctx, n.ID, func(cur *model.TorNetwork) error {
		cur.Status = model.StatusStopped
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := tr.ReconcileAll(ctx); err != nil {
		t.Fatalf("ReconcileAll error: %v", err)
	}
	got, err := store.GetNetwork(ctx, n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusStopped || got.BootstrapProgress != 0 {
		t.Errorf("idle network touched: %s/%d", got.Status, got.BootstrapProgress)
	}
}

func TestReconcilePicksUpBootstrapResult(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := database.Open(t.TempDir(), database.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	now := time.Now()
	n := &model.TorNetwork{ID: "net", Name: "lab", Slug: "lab", Template: model.TemplateCustom,
		Status: model.StatusBootstrapping, CreatedAt: now, UpdatedAt: now}
	node := &model.TorNode{ID: "g", NetworkID: "net", Type: model.NodeTypeGuard, Name: "labguard0",
		Status: model.StatusStarting, DesiredRunning: true, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateNetwork(ctx, n, []*model.TorNode{node}); err != nil {
		t.Fatal(err)
	}

	dataDir := t.TempDir()
	if err := agent.WriteResult(dataDir, &agent.Result{
		Nickname: "labguard0", Fingerprint: "ABCDEF", Degraded: true, StartedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	rt := runtime.NewMemory()
	if err := rt.Start(ctx, runtime.Spec{Name: runtime.UnitName("lab", "labguard0")}); err != nil {
		t.Fatal(err)
	}
	tr := New(store, NewRuntimeProber(rt, func(*model.TorNetwork, *model.TorNode) string { return dataDir }))

	got, err := tr.ReconcileNetwork(ctx, n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Degraded || got.Warning == "" {
		t.Errorf("degraded node result not rolled up: %+v", got)
	}
	stored, err := store.GetNode(ctx, "g")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Fingerprint != "ABCDEF" {
		t.Errorf("fingerprint = %q", stored.Fingerprint)
	}
}

func TestRunRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	tr, _, _, _, _ := setupTracker(t)
	tr.schedule = "not a schedule"
	if err := tr.Run(context.Background()); err == nil {
		t.Error("expected schedule error")
	}
}

func TestRunReconciles(t *testing.T) {
	t.Parallel()

	tr, store, _, n, _ := setupTracker(t)
	tr.schedule = "@every 1s"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.GetNetwork(context.Background(), n.ID)
		if err == nil && got.Status == model.StatusRunning {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run error: %v", err)
	}
	got, err := store.GetNetwork(context.Background(), n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusRunning {
		t.Errorf("scheduled reconcile did not run: %s", got.Status)
	}
}
