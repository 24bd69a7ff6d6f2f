package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nao1215/torlab/internal/model"
)

// setupTestStore creates a temporary store for testing.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(t.TempDir(), DefaultOptions())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seedNetwork stores a network named name with one guard and one client.
func seedNetwork(t *testing.T, s *Store, name string) (*model.TorNetwork, []*model.TorNode) {
	t.Helper()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := &model.TorNetwork{
		ID:        name + "-id",
		Name:      name,
		Slug:      model.Slugify(name),
		Template:  model.TemplateCustom,
		Counts:    model.NodeCounts{DA: 3, Guard: 1, Client: 1},
		BasePorts: model.DefaultBasePorts(),
		Tuning:    model.DefaultTorTuning(),
		Status:    model.StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	nodes := []*model.TorNode{
		{
			ID: n.ID + "-guard0", NetworkID: n.ID, Type: model.NodeTypeGuard, Index: 0,
			Name: "guard0", Ports: model.Ports{Control: 8003, OR: 5003},
			Status: model.StatusCreated, CreatedAt: now, UpdatedAt: now,
		},
		{
			ID: n.ID + "-client0", NetworkID: n.ID, Type: model.NodeTypeClient, Index: 0,
			Name: "client0", Ports: model.Ports{Control: 8004, Socks: 9000},
			Status: model.StatusCreated, CreatedAt: now, UpdatedAt: now,
		},
	}
	if err := s.CreateNetwork(context.Background(), n, nodes); err != nil {
		t.Fatalf("failed to create network: %v", err)
	}
	return n, nodes
}

func TestOpen(t *testing.T) {
	t.Parallel()

	t.Run("creates database in new directory", func(t *testing.T) {
		t.Parallel()

		dbDir := filepath.Join(t.TempDir(), "newdir", "subdir")
		s, err := Open(dbDir, DefaultOptions())
		if err != nil {
			t.Fatalf("failed to open database: %v", err)
		}
		defer s.Close()

		if _, err := os.Stat(filepath.Join(dbDir, FileName)); os.IsNotExist(err) {
			t.Error("database file was not created")
		}
		if s.Path() != filepath.Join(dbDir, FileName) {
			t.Errorf("unexpected path %s", s.Path())
		}
	})

	t.Run("CreateIfNotExists=false returns error when database does not exist", func(t *testing.T) {
		t.Parallel()

		_, err := Open(filepath.Join(t.TempDir(), "missing"), Options{})
		if err == nil {
			t.Fatal("expected error for missing database")
		}
	})

	t.Run("reopening keeps data", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		s, err := Open(dir, DefaultOptions())
		if err != nil {
			t.Fatalf("failed to open database: %v", err)
		}
		seedNetwork(t, s, "reopen")
		_ = s.Close()

		s, err = Open(dir, Options{EnableWAL: true})
		if err != nil {
			t.Fatalf("failed to reopen database: %v", err)
		}
		defer s.Close()
		if _, err := s.FindNetwork(context.Background(), "reopen"); err != nil {
			t.Errorf("network lost after reopen: %v", err)
		}
	})
}

func TestNetworkCRUD(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := setupTestStore(t)
	n, _ := seedNetwork(t, s, "Lab One")

	t.Run("find by id, slug and name", func(t *testing.T) {
		for _, ref := range []string{n.ID, "lab-one", "Lab One"} {
			got, err := s.FindNetwork(ctx, ref)
			if err != nil {
				t.Fatalf("FindNetwork(%q) error: %v", ref, err)
			}
			if got.ID != n.ID {
				t.Errorf("FindNetwork(%q) = %s", ref, got.ID)
			}
		}
	})

	t.Run("round trip keeps structured columns", func(t *testing.T) {
		got, err := s.GetNetwork(ctx, n.ID)
		if err != nil {
			t.Fatalf("GetNetwork error: %v", err)
		}
		if got.Counts != n.Counts {
			t.Errorf("counts = %+v, want %+v", got.Counts, n.Counts)
		}
		if got.Tuning.VotingInterval != 20*time.Second {
			t.Errorf("voting interval = %s", got.Tuning.VotingInterval)
		}
		if !got.CreatedAt.Equal(n.CreatedAt) {
			t.Errorf("created_at = %s, want %s", got.CreatedAt, n.CreatedAt)
		}
		if !got.StartedAt.IsZero() {
			t.Errorf("started_at should be zero, got %s", got.StartedAt)
		}
	})

	t.Run("duplicate name conflicts", func(t *testing.T) {
		dup := *n
		dup.ID = "other"
		dup.Slug = "other"
		err := s.CreateNetwork(ctx, &dup, nil)
		if !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("update", func(t *testing.T) {
		got, err := s.GetNetwork(ctx, n.ID)
		if err != nil {
			t.Fatal(err)
		}
		got.Status = model.StatusRunning
		got.BootstrapProgress = 100
		got.Degraded = true
		got.Warning = "quorum 2/3"
		if err := s.UpdateNetwork(ctx, got); err != nil {
			t.Fatalf("UpdateNetwork error: %v", err)
		}
		again, err := s.GetNetwork(ctx, n.ID)
		if err != nil {
			t.Fatal(err)
		}
		if again.Status != model.StatusRunning || again.BootstrapProgress != 100 || !again.Degraded {
			t.Errorf("update not persisted: %+v", again)
		}
	})

	t.Run("missing network", func(t *testing.T) {
		if _, err := s.GetNetwork(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if err := s.DeleteNetwork(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestCreateNetworkIsAtomic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := setupTestStore(t)
	now := time.Now()
	n := &model.TorNetwork{
		ID: "atomic", Name: "atomic", Slug: "atomic", Template: model.TemplateMinimal,
		Status: model.StatusCreated, CreatedAt: now, UpdatedAt: now,
	}
	// Two nodes with the same name violate UNIQUE(network_id, name).
	nodes := []*model.TorNode{
		{ID: "a", NetworkID: "atomic", Type: model.NodeTypeGuard, Index: 0, Name: "dup", Status: model.StatusCreated, CreatedAt: now, UpdatedAt: now},
		{ID: "b", NetworkID: "atomic", Type: model.NodeTypeGuard, Index: 1, Name: "dup", Status: model.StatusCreated, CreatedAt: now, UpdatedAt: now},
	}
	if err := s.CreateNetwork(ctx, n, nodes); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := s.GetNetwork(ctx, "atomic"); !errors.Is(err, ErrNotFound) {
		t.Errorf("network row should have been rolled back, got %v", err)
	}
}

func TestNodes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := setupTestStore(t)
	n, nodes := seedNetwork(t, s, "nodes")

	list, err := s.ListNodes(ctx, n.ID)
	if err != nil {
		t.Fatalf("ListNodes error: %v", err)
	}
	if len(list) != 2 || list[0].Type != model.NodeTypeGuard || list[1].Type != model.NodeTypeClient {
		t.Fatalf("unexpected node order: %+v", list)
	}
	if list[1].Ports.Socks != 9000 || list[1].Ports.OR != 0 {
		t.Errorf("ports not stored per column: %+v", list[1].Ports)
	}

	guard := list[0]
	guard.Fingerprint = "ABCDEF0123456789ABCDEF0123456789ABCDEF01"
	guard.DesiredRunning = true
	guard.Status = model.StatusRunning
	if err := s.UpdateNode(ctx, guard); err != nil {
		t.Fatalf("UpdateNode error: %v", err)
	}
	got, err := s.FindNode(ctx, "guard0")
	if err != nil {
		t.Fatalf("FindNode error: %v", err)
	}
	if got.Fingerprint != guard.Fingerprint || !got.DesiredRunning || !got.IsRunning() {
		t.Errorf("node update not persisted: %+v", got)
	}
	byFP, err := s.NodeByFingerprint(ctx, guard.Fingerprint)
	if err != nil || byFP.ID != guard.ID {
		t.Errorf("NodeByFingerprint = %v, %v", byFP, err)
	}
	if _, err := s.NodeByFingerprint(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty fingerprint must not match, got %v", err)
	}

	if err := s.DeleteNode(ctx, nodes[1].ID); err != nil {
		t.Fatalf("DeleteNode error: %v", err)
	}
	if _, err := s.GetNode(ctx, nodes[1].ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func newCapture(id string, node *model.TorNode, status model.CaptureStatus, started time.Time) *model.TrafficCapture {
	return &model.TrafficCapture{
		ID:        id,
		NodeID:    node.ID,
		NetworkID: node.NetworkID,
		Type:      model.CaptureContinuous,
		FilePath:  "/tmp/" + id + ".pcap",
		Status:    status,
		StartedAt: started,
	}
}

func TestCaptures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := setupTestStore(t)
	_, nodes := seedNetwork(t, s, "captures")
	guard := nodes[0]
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := newCapture("cap-1", guard, model.CaptureRecording, start)
	if err := s.InsertCapture(ctx, first); err != nil {
		t.Fatalf("InsertCapture error: %v", err)
	}

	t.Run("second recording capture conflicts", func(t *testing.T) {
		err := s.InsertCapture(ctx, newCapture("cap-x", guard, model.CaptureRecording, start))
		if !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("rotation keeps exactly one recording capture", func(t *testing.T) {
		rotateAt := start.Add(time.Minute)
		first.Status = model.CaptureCompleted
		first.StoppedAt = rotateAt
		first.FileSize = 1 << 20
		next := newCapture("cap-2", guard, model.CaptureRecording, rotateAt)
		next.PredecessorID = first.ID

		if err := s.RotateCapture(ctx, first, next); err != nil {
			t.Fatalf("RotateCapture error: %v", err)
		}

		rec, err := s.RecordingCapture(ctx, guard.ID)
		if err != nil {
			t.Fatalf("RecordingCapture error: %v", err)
		}
		if rec.ID != "cap-2" || rec.PredecessorID != "cap-1" {
			t.Errorf("unexpected recording capture: %+v", rec)
		}
		old, err := s.GetCapture(ctx, "cap-1")
		if err != nil {
			t.Fatal(err)
		}
		if !old.StoppedAt.Equal(rec.StartedAt) {
			t.Errorf("rotation left a gap: stopped %s, next started %s", old.StoppedAt, rec.StartedAt)
		}
	})

	t.Run("failed rotation rolls back", func(t *testing.T) {
		cur, err := s.RecordingCapture(ctx, guard.ID)
		if err != nil {
			t.Fatal(err)
		}
		cur.Status = model.CaptureCompleted
		// Reusing an existing id makes the insert fail.
		dup := newCapture("cap-1", guard, model.CaptureRecording, start)
		if err := s.RotateCapture(ctx, cur, dup); err == nil {
			t.Fatal("expected rotation to fail")
		}
		again, err := s.RecordingCapture(ctx, guard.ID)
		if err != nil {
			t.Fatalf("recording capture lost after rollback: %v", err)
		}
		if again.ID != "cap-2" {
			t.Errorf("unexpected recording capture %s", again.ID)
		}
	})

	t.Run("list hides deleted unless asked", func(t *testing.T) {
		old, err := s.GetCapture(ctx, "cap-1")
		if err != nil {
			t.Fatal(err)
		}
		old.Status = model.CaptureDeleted
		if err := s.UpdateCapture(ctx, old); err != nil {
			t.Fatal(err)
		}

		list, err := s.ListCaptures(ctx, model.CaptureFilter{NodeID: guard.ID})
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 1 || list[0].ID != "cap-2" {
			t.Errorf("unexpected listing: %d captures", len(list))
		}
		all, err := s.ListCaptures(ctx, model.CaptureFilter{NodeID: guard.ID, IncludeDeleted: true})
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 2 {
			t.Errorf("expected 2 captures with deleted, got %d", len(all))
		}
	})
}

func TestCircuitEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := setupTestStore(t)
	n, nodes := seedNetwork(t, s, "circuits")
	client := nodes[1]
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	path := []model.Hop{
		{Fingerprint: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", Nickname: "guard0"},
		{Fingerprint: "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB", Nickname: "middle0"},
	}
	var events []*model.CircuitEvent
	for i, typ := range []model.CircuitEventType{model.CircuitLaunched, model.CircuitExtended, model.CircuitBuilt, model.CircuitClosed} {
		events = append(events, &model.CircuitEvent{
			NetworkID:   n.ID,
			NodeID:      client.ID,
			CircuitID:   "7",
			EventType:   typ,
			Path:        path,
			PathDisplay: model.PathDisplay(path),
			Purpose:     "GENERAL",
			BuildTime:   1500 * time.Millisecond,
			Timestamp:   base.Add(time.Duration(i) * time.Second),
		})
	}
	if err := s.InsertCircuitEvents(ctx, events); err != nil {
		t.Fatalf("InsertCircuitEvents error: %v", err)
	}
	if events[0].ID == 0 || events[3].ID <= events[0].ID {
		t.Errorf("ids not assigned in order: %d, %d", events[0].ID, events[3].ID)
	}

	t.Run("query in insertion order", func(t *testing.T) {
		got, err := s.QueryCircuitEvents(ctx, model.CircuitFilter{NetworkID: n.ID})
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 4 || got[0].EventType != model.CircuitLaunched || got[3].EventType != model.CircuitClosed {
			t.Fatalf("unexpected events: %+v", got)
		}
		if got[0].Path[1].Nickname != "middle0" || got[0].BuildTime != 1500*time.Millisecond {
			t.Errorf("event fields not preserved: %+v", got[0])
		}
	})

	t.Run("limit keeps the most recent", func(t *testing.T) {
		got, err := s.QueryCircuitEvents(ctx, model.CircuitFilter{NetworkID: n.ID, Limit: 2})
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 || got[0].EventType != model.CircuitBuilt || got[1].EventType != model.CircuitClosed {
			t.Errorf("unexpected tail: %+v", got)
		}
	})

	t.Run("filters", func(t *testing.T) {
		count, err := s.CountCircuitEvents(ctx, model.CircuitFilter{EventType: model.CircuitBuilt})
		if err != nil {
			t.Fatal(err)
		}
		if count != 1 {
			t.Errorf("expected 1 built event, got %d", count)
		}
		count, err = s.CountCircuitEvents(ctx, model.CircuitFilter{Since: base.Add(2 * time.Second)})
		if err != nil {
			t.Fatal(err)
		}
		if count != 2 {
			t.Errorf("expected 2 events since t+2s, got %d", count)
		}
	})

	t.Run("events are append-only", func(t *testing.T) {
		_, err := s.db.ExecContext(ctx, `UPDATE circuit_events SET purpose = 'HS_VANGUARDS' WHERE id = ?`, events[0].ID)
		if err == nil {
			t.Error("expected update to be rejected")
		}
	})

	t.Run("deleting the node keeps its events", func(t *testing.T) {
		if err := s.DeleteNode(ctx, client.ID); err != nil {
			t.Fatal(err)
		}
		got, err := s.QueryCircuitEvents(ctx, model.CircuitFilter{NetworkID: n.ID})
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 4 {
			t.Fatalf("events lost with node: %d", len(got))
		}
		for _, e := range got {
			if e.NodeID != "" {
				t.Errorf("node reference not cleared: %q", e.NodeID)
			}
		}
	})
}

func TestDeleteNetworkCascades(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := setupTestStore(t)
	n, nodes := seedNetwork(t, s, "cascade")
	keep, _ := seedNetwork(t, s, "keep")

	if err := s.InsertCapture(ctx, newCapture("c1", nodes[0], model.CaptureRecording, time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertCircuitEvent(ctx, &model.CircuitEvent{
		NetworkID: n.ID, NodeID: nodes[1].ID, CircuitID: "1",
		EventType: model.CircuitLaunched, Timestamp: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteNetwork(ctx, n.ID); err != nil {
		t.Fatalf("DeleteNetwork error: %v", err)
	}

	nodesLeft, err := s.ListNodes(ctx, n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodesLeft) != 0 {
		t.Errorf("nodes survived network delete: %d", len(nodesLeft))
	}
	caps, err := s.ListCaptures(ctx, model.CaptureFilter{NetworkID: n.ID, IncludeDeleted: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(caps) != 0 {
		t.Errorf("captures survived network delete: %d", len(caps))
	}
	count, err := s.CountCircuitEvents(ctx, model.CircuitFilter{NetworkID: n.ID})
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("circuit events survived network delete: %d", count)
	}

	others, err := s.ListNetworks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(others) != 1 || others[0].ID != keep.ID {
		t.Errorf("unrelated network affected: %+v", others)
	}
}

func TestMutate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := setupTestStore(t)
	n, nodes := seedNetwork(t, s, "mutate")

	got, err := s.MutateNode(ctx, nodes[0].ID, func(node *model.TorNode) error {
		node.ControlFailures++
		return nil
	})
	if err != nil {
		t.Fatalf("MutateNode error: %v", err)
	}
	if got.ControlFailures != 1 {
		t.Errorf("control failures = %d", got.ControlFailures)
	}

	stop := errors.New("stop")
	if _, err := s.MutateNode(ctx, nodes[0].ID, func(node *model.TorNode) error {
		node.ControlFailures = 99
		return stop
	}); !errors.Is(err, stop) {
		t.Errorf("expected callback error, got %v", err)
	}
	again, err := s.GetNode(ctx, nodes[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.ControlFailures != 1 {
		t.Errorf("aborted mutation was written: %d", again.ControlFailures)
	}

	if _, err := s.MutateNetwork(ctx, n.ID, func(net *model.TorNetwork) error {
		net.BootstrapProgress = 42
		return nil
	}); err != nil {
		t.Fatalf("MutateNetwork error: %v", err)
	}
	net, err := s.GetNetwork(ctx, n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if net.BootstrapProgress != 42 {
		t.Errorf("progress = %d", net.BootstrapProgress)
	}

	if _, err := s.MutateNode(ctx, "missing", func(*model.TorNode) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
