package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nao1215/torlab/internal/controller"
	"github.com/nao1215/torlab/internal/model"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testNode(id, name string, t model.NodeType, idx int, status model.Status) *model.TorNode {
	return &model.TorNode{
		ID:        id,
		NetworkID: "net-1",
		Type:      t,
		Index:     idx,
		Name:      name,
		Status:    status,
		Ports:     model.Ports{Control: 9051 + idx, OR: 5000 + idx},
	}
}

// createTestDetail returns a small network with one stopped relay.
func createTestDetail() *controller.StatusDetail {
	das := []*model.TorNode{
		testNode("da-0", "labda0", model.NodeTypeDA, 0, model.StatusRunning),
		testNode("da-1", "labda1", model.NodeTypeDA, 1, model.StatusRunning),
		testNode("da-2", "labda2", model.NodeTypeDA, 2, model.StatusRunning),
	}
	das[0].Fingerprint = "AAAABBBBCCCCDDDDEEEEFFFF0000111122223333"
	guards := []*model.TorNode{
		testNode("guard-0", "labguard0", model.NodeTypeGuard, 0, model.StatusRunning),
		testNode("guard-1", "labguard1", model.NodeTypeGuard, 1, model.StatusStopped),
	}
	guards[1].LastError = "tor exited with status 1"

	return &controller.StatusDetail{
		Network: &model.TorNetwork{
			ID:                "net-1",
			Name:              "Lab One",
			Slug:              "lab",
			Template:          model.TemplateMinimal,
			Status:            model.StatusRunning,
			BootstrapProgress: 100,
		},
		StatusLabel: "Running",
		Groups: []controller.NodeGroup{
			{Type: model.NodeTypeDA, Label: "Directory Authorities", Total: 3, Running: 3, Progress: 100, Nodes: das},
			{Type: model.NodeTypeGuard, Label: "Guard Relays", Total: 2, Running: 1, Progress: 50, Nodes: guards},
		},
		Total:   5,
		Running: 4,
	}
}

// createTestReport returns a report with captures and circuits.
func createTestReport() *Report {
	return &Report{
		Version:     "v1.2.3",
		GeneratedAt: testTime,
		Detail:      createTestDetail(),
		Captures: []*model.TrafficCapture{
			{
				ID:          "cap-1",
				NodeID:      "guard-0",
				NetworkID:   "net-1",
				Type:        model.CaptureContinuous,
				Status:      model.CaptureCompleted,
				PacketCount: 42,
				FileSize:    4096,
				FileHash:    "0123456789abcdef0123456789abcdef",
			},
		},
		Circuits: CircuitSummary{
			Built:  7,
			Failed: 2,
			Recent: []*model.CircuitEvent{
				{
					ID:          1,
					NetworkID:   "net-1",
					CircuitID:   "12",
					EventType:   model.CircuitBuilt,
					Purpose:     "GENERAL",
					PathDisplay: "labguard0 -> labda1",
					Timestamp:   testTime,
				},
			},
		},
	}
}

func TestSimpleWriter(t *testing.T) {
	t.Parallel()

	t.Run("writes header and groups", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		if _, err := NewSimpleWriter(&buf).Write(createTestReport()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		output := buf.String()
		for _, want := range []string{
			"TORLAB NETWORK REPORT",
			"Lab One (lab)",
			"4/5 running",
			"Directory Authorities",
			"3/3 running",
			"Guard Relays",
			"1/2 running",
			"Report generated by torlab v1.2.3",
		} {
			if !strings.Contains(output, want) {
				t.Errorf("expected output to contain %q", want)
			}
		}
		if strings.Contains(output, "labguard1") {
			t.Error("node details should only be listed in verbose mode")
		}
	})

	t.Run("verbose lists nodes", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		if _, err := NewSimpleWriter(&buf, WithVerbose(true)).Write(createTestReport()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		output := buf.String()
		for _, want := range []string{"labguard1", "control=9052", "Fingerprint: AAAA", "tor exited with status 1"} {
			if !strings.Contains(output, want) {
				t.Errorf("expected output to contain %q", want)
			}
		}
	})

	t.Run("writes captures and circuits", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		if _, err := NewSimpleWriter(&buf).Write(createTestReport()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		output := buf.String()
		for _, want := range []string{"CAPTURES", "[completed] labguard0 continuous 42 packets", "CIRCUITS", "Built:  7", "Failed: 2", "labguard0 -> labda1"} {
			if !strings.Contains(output, want) {
				t.Errorf("expected output to contain %q", want)
			}
		}
	})

	t.Run("hides empty sections", func(t *testing.T) {
		t.Parallel()

		r := createTestReport()
		r.Captures = nil
		r.Circuits = CircuitSummary{}

		var buf bytes.Buffer
		if _, err := NewSimpleWriter(&buf).Write(r); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if strings.Contains(buf.String(), "CAPTURES") {
			t.Error("empty captures section should be hidden")
		}

		buf.Reset()
		if _, err := NewSimpleWriter(&buf, WithShowEmpty(true)).Write(r); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(buf.String(), "No captures") {
			t.Error("expected empty captures section with WithShowEmpty")
		}
	})

	t.Run("shows degraded and error state", func(t *testing.T) {
		t.Parallel()

		r := createTestReport()
		r.Detail.Network.Degraded = true
		r.Detail.Network.Warning = "quorum timed out"
		r.Detail.Network.LastError = "labguard1 failed"
		r.Detail.Network.ErrorAcknowledged = true

		var buf bytes.Buffer
		if _, err := NewSimpleWriter(&buf).Write(r); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		output := buf.String()
		if !strings.Contains(output, "DEGRADED - quorum timed out") {
			t.Error("expected degraded warning")
		}
		if !strings.Contains(output, "labguard1 failed (acknowledged)") {
			t.Error("expected acknowledged error")
		}
	})
}

func TestMarkdownWriter(t *testing.T) {
	t.Parallel()

	t.Run("writes tables and chart", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		n, err := NewMarkdownWriter(&buf).Write(createTestReport())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n == 0 {
			t.Error("expected non-zero length")
		}
		output := buf.String()
		for _, want := range []string{
			"# Network Report: Lab One",
			"| Property",
			"## Node Status",
			"```mermaid",
			"pie",
			"Node Status Distribution",
			"### Guard Relays (1/2)",
			"labguard1",
			"## Captures",
			"## Circuits",
			"Built: 7",
			"torlab v1.2.3",
		} {
			if !strings.Contains(output, want) {
				t.Errorf("expected output to contain %q", want)
			}
		}
	})

	tests := []struct {
		name   string
		mutate func(*model.TorNetwork)
		want   string
	}{
		{
			name:   "running network gets a tip",
			mutate: func(*model.TorNetwork) {},
			want:   "[!TIP]",
		},
		{
			name: "degraded network gets a warning",
			mutate: func(n *model.TorNetwork) {
				n.Degraded = true
				n.Warning = "quorum timed out"
			},
			want: "[!WARNING]",
		},
		{
			name: "failed network gets a caution",
			mutate: func(n *model.TorNetwork) {
				n.Status = model.StatusError
				n.LastError = "boom"
			},
			want: "[!CAUTION]",
		},
		{
			name: "stopped network gets a note",
			mutate: func(n *model.TorNetwork) {
				n.Status = model.StatusStopped
			},
			want: "[!NOTE]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := createTestReport()
			tt.mutate(r.Detail.Network)

			var buf bytes.Buffer
			if _, err := NewMarkdownWriter(&buf).Write(r); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("expected output to contain %q", tt.want)
			}
		})
	}

	t.Run("empty network omits chart", func(t *testing.T) {
		t.Parallel()

		r := createTestReport()
		r.Detail.Groups = nil
		r.Detail.Total = 0
		r.Detail.Running = 0
		r.Captures = nil

		var buf bytes.Buffer
		if _, err := NewMarkdownWriter(&buf).Write(r); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if strings.Contains(buf.String(), "```mermaid") {
			t.Error("chart should be omitted without nodes")
		}
		if !strings.Contains(buf.String(), "No traffic captures.") {
			t.Error("expected empty captures message")
		}
	})
}

func TestJSONWriter(t *testing.T) {
	t.Parallel()

	t.Run("writes valid JSON", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		if _, err := NewJSONWriter(&buf).Write(createTestReport()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		var decoded Report
		if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
			t.Fatalf("output is not valid JSON: %v", err)
		}
		if decoded.Network().Slug != "lab" {
			t.Errorf("slug = %q, want lab", decoded.Network().Slug)
		}
		if decoded.Circuits.Built != 7 {
			t.Errorf("built = %d, want 7", decoded.Circuits.Built)
		}
		if len(decoded.Detail.Groups) != 2 {
			t.Errorf("groups = %d, want 2", len(decoded.Detail.Groups))
		}
	})

	t.Run("pretty print indents", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		if _, err := NewJSONWriter(&buf, WithPrettyPrint()).Write(createTestReport()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(buf.String(), "\n  \"") {
			t.Error("expected indented output")
		}
	})
}

func TestMultiWriter(t *testing.T) {
	t.Parallel()

	var text, js bytes.Buffer
	m := NewMultiWriter(NewSimpleWriter(&text), NewJSONWriter(&js))
	n, err := m.Write(createTestReport())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != text.Len()+js.Len() {
		t.Errorf("n = %d, want %d", n, text.Len()+js.Len())
	}
	if text.Len() == 0 || js.Len() == 0 {
		t.Error("expected both writers to receive the report")
	}
}

func TestNewWriter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format      Format
		want        string
		contentType string
	}{
		{FormatText, "TORLAB NETWORK REPORT", "text/plain; charset=utf-8"},
		{FormatMarkdown, "# Network Report", "text/markdown; charset=utf-8"},
		{FormatJSON, "\"generated_at\"", "application/json; charset=utf-8"},
		{Format("yaml"), "TORLAB NETWORK REPORT", "text/plain; charset=utf-8"},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			if _, err := NewWriter(tt.format, &buf).Write(createTestReport()); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("expected output to contain %q", tt.want)
			}
			if got := tt.format.ContentType(); got != tt.contentType {
				t.Errorf("ContentType() = %q, want %q", got, tt.contentType)
			}
		})
	}
}

func TestTruncateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"abcdef", 3, "abc"},
	}
	for _, tt := range tests {
		if got := truncateString(tt.in, tt.max); got != tt.want {
			t.Errorf("truncateString(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

type fakeDetails struct {
	detail *controller.StatusDetail
	err    error
}

func (f fakeDetails) StatusDetail(context.Context, string) (*controller.StatusDetail, error) {
	return f.detail, f.err
}

type fakeCaptures struct {
	got model.CaptureFilter
}

func (f *fakeCaptures) List(_ context.Context, filter model.CaptureFilter) ([]*model.TrafficCapture, error) {
	f.got = filter
	return []*model.TrafficCapture{{ID: "cap-1", NetworkID: filter.NetworkID}}, nil
}

type fakeCircuits struct {
	events []*model.CircuitEvent
	limit  int
}

func (f *fakeCircuits) Query(_ context.Context, filter model.CircuitFilter) ([]*model.CircuitEvent, error) {
	f.limit = filter.Limit
	return f.events, nil
}

func (f *fakeCircuits) Count(_ context.Context, filter model.CircuitFilter) (int64, error) {
	var n int64
	for _, e := range f.events {
		if e.EventType == filter.EventType {
			n++
		}
	}
	return n, nil
}

func TestCollector(t *testing.T) {
	t.Parallel()

	t.Run("collects all sources", func(t *testing.T) {
		t.Parallel()

		captures := &fakeCaptures{}
		circuits := &fakeCircuits{events: []*model.CircuitEvent{
			{EventType: model.CircuitBuilt},
			{EventType: model.CircuitBuilt},
			{EventType: model.CircuitFailed},
			{EventType: model.CircuitClosed},
		}}
		c := NewCollector(fakeDetails{detail: createTestDetail()},
			WithCaptures(captures),
			WithCircuits(circuits),
			WithVersion("v9"),
			WithRecentCircuits(5),
			WithClock(func() time.Time { return testTime }),
		)

		r, err := c.Collect(context.Background(), "lab")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if r.Version != "v9" || !r.GeneratedAt.Equal(testTime) {
			t.Errorf("version/time = %q/%v", r.Version, r.GeneratedAt)
		}
		if captures.got.NetworkID != "net-1" {
			t.Errorf("captures filtered by %q, want net-1", captures.got.NetworkID)
		}
		if r.Circuits.Built != 2 || r.Circuits.Failed != 1 {
			t.Errorf("built/failed = %d/%d, want 2/1", r.Circuits.Built, r.Circuits.Failed)
		}
		if circuits.limit != 5 {
			t.Errorf("recent limit = %d, want 5", circuits.limit)
		}
		if len(r.Circuits.Recent) != 4 {
			t.Errorf("recent = %d, want 4", len(r.Circuits.Recent))
		}
		counts := r.StatusCounts()
		if counts[model.StatusRunning] != 4 || counts[model.StatusStopped] != 1 {
			t.Errorf("status counts = %v", counts)
		}
	})

	t.Run("optional sources", func(t *testing.T) {
		t.Parallel()

		r, err := NewCollector(fakeDetails{detail: createTestDetail()}).Collect(context.Background(), "lab")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if r.Captures != nil || r.Circuits.Recent != nil {
			t.Error("expected no captures or circuits without sources")
		}
	})

	t.Run("propagates lookup errors", func(t *testing.T) {
		t.Parallel()

		errMissing := errors.New("missing")
		_, err := NewCollector(fakeDetails{err: errMissing}).Collect(context.Background(), "nope")
		if !errors.Is(err, errMissing) {
			t.Errorf("err = %v, want %v", err, errMissing)
		}
	})
}
