package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nao1215/torlab/internal/agent"
	"github.com/nao1215/torlab/internal/api"
	"github.com/nao1215/torlab/internal/controller"
	"github.com/nao1215/torlab/internal/database"
	"github.com/nao1215/torlab/internal/model"
	"github.com/nao1215/torlab/internal/quorum"
	"github.com/nao1215/torlab/internal/report"
	"github.com/nao1215/torlab/internal/runtime"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type unitLauncher struct {
	rt runtime.Runtime
}

func (l unitLauncher) Launch(ctx context.Context, network *model.TorNetwork, node *model.TorNode) (*agent.Result, error) {
	return nil, l.rt.Start(ctx, runtime.Spec{
		Name:    runtime.UnitName(network.Slug, node.Name),
		Command: []string{"tor", "-f", "torrc"},
	})
}

// setupServer starts a control API backed by the memory runtime.
func setupServer(t *testing.T) (*Client, *controller.Controller) {
	t.Helper()

	store, err := database.Open(t.TempDir(), database.DefaultOptions())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	rt := runtime.NewMemory()
	ctrl := controller.New(store, rt, quorum.NewMemory(), unitLauncher{rt: rt},
		controller.WithLogger(discardLogger()),
		controller.WithDataDir(controller.NodeDirs(t.TempDir())),
	)
	t.Cleanup(func() { _ = ctrl.Close() })

	srv := api.New(ctrl, store,
		api.WithLogger(discardLogger()),
		api.WithRuntime(rt),
		api.WithReports(report.NewCollector(ctrl, report.WithVersion("test"))),
		api.WithVersion("test"),
	)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c, err := New(ts.URL, WithHTTPClient(ts.Client()))
	if err != nil {
		t.Fatal(err)
	}
	return c, ctrl
}

func waitIdle(t *testing.T, ctrl *controller.Controller, id string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ctrl.WaitIdle(ctx, id); err != nil {
		t.Fatalf("WaitIdle error: %v", err)
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		url     string
		want    string
		wantErr bool
	}{
		{"full url", "http://127.0.0.1:8088", "http://127.0.0.1:8088", false},
		{"trailing slash", "http://127.0.0.1:8088/", "http://127.0.0.1:8088", false},
		{"bare host and port", "localhost:9000", "http://localhost:9000", false},
		{"with prefix", "https://lab.example/torlab", "https://lab.example/torlab", false},
		{"no host", "http://", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, err := New(tt.url)
			if tt.wantErr {
				if err == nil {
					t.Errorf("New(%q) expected an error", tt.url)
				}
				return
			}
			if err != nil {
				t.Fatalf("New(%q) error: %v", tt.url, err)
			}
			if c.BaseURL() != tt.want {
				t.Errorf("BaseURL() = %q, want %q", c.BaseURL(), tt.want)
			}
		})
	}
}

func TestEndpoint(t *testing.T) {
	t.Parallel()

	c, err := New("https://lab.example/torlab/")
	if err != nil {
		t.Fatal(err)
	}
	got := c.endpoint(networkPath("lab one", "action"), nil)
	if got != "https://lab.example/torlab/networks/lab%20one/action" {
		t.Errorf("endpoint = %q", got)
	}
}

func TestNetworks(t *testing.T) {
	t.Parallel()

	c, ctrl := setupServer(t)
	ctx := context.Background()

	h, err := c.Health(ctx)
	if err != nil {
		t.Fatalf("Health error: %v", err)
	}
	if h["runtime"] != runtime.BackendMemory {
		t.Errorf("health = %v", h)
	}

	n, err := c.CreateNetwork(ctx, controller.CreateRequest{Name: "Lab", Template: model.TemplateMinimal})
	if err != nil {
		t.Fatalf("CreateNetwork error: %v", err)
	}
	if n.Slug != "lab" || n.Status != model.StatusCreated {
		t.Fatalf("created %+v", n)
	}

	list, err := c.ListNetworks(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListNetworks = %d networks, %v", len(list), err)
	}

	detail, err := c.GetNetwork(ctx, "lab")
	if err != nil {
		t.Fatalf("GetNetwork error: %v", err)
	}
	if len(detail.Nodes) != 7 {
		t.Errorf("GetNetwork returned %d nodes", len(detail.Nodes))
	}

	updated, err := c.UpdateDescription(ctx, "lab", "client test")
	if err != nil || updated.Description != "client test" {
		t.Errorf("UpdateDescription = %+v, %v", updated, err)
	}

	sd, err := c.StatusDetail(ctx, "lab")
	if err != nil || sd.Total != 7 {
		t.Errorf("StatusDetail = %+v, %v", sd, err)
	}
	topo, err := c.Topology(ctx, n.ID)
	if err != nil || len(topo.Nodes) != 7 {
		t.Errorf("Topology = %+v, %v", topo, err)
	}

	var buf bytes.Buffer
	if err := c.Report(ctx, "lab", "markdown", &buf); err != nil {
		t.Fatalf("Report error: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "# Network Report: Lab") {
		t.Errorf("report starts with %q", strings.SplitN(buf.String(), "\n", 2)[0])
	}

	res, err := c.NetworkAction(ctx, "lab", controller.ActionRequest{Action: controller.ActionStart})
	if err != nil || !res.OK {
		t.Fatalf("start = %+v, %v", res, err)
	}
	waitIdle(t, ctrl, n.ID)

	da0 := model.NodeName("lab", model.NodeTypeDA, 0)
	logs, err := c.NodeLogs(ctx, da0, 10)
	if err != nil {
		t.Fatalf("NodeLogs error: %v", err)
	}
	if len(logs.Lines) != 1 || !strings.Contains(logs.Lines[0], "tor -f torrc") {
		t.Errorf("logs = %v", logs.Lines)
	}
	node, err := c.GetNode(ctx, da0)
	if err != nil || node.Type != model.NodeTypeDA {
		t.Errorf("GetNode = %+v, %v", node, err)
	}

	res, err = c.NodeAction(ctx, da0, controller.ActionStop)
	if err != nil || !res.OK || res.Status != model.StatusStopped {
		t.Errorf("node stop = %+v, %v", res, err)
	}

	res, err = c.NetworkAction(ctx, "lab", controller.ActionRequest{Action: controller.ActionStop})
	if err != nil || !res.OK {
		t.Fatalf("stop = %+v, %v", res, err)
	}

	res, err = c.NetworkAction(ctx, "lab", controller.ActionRequest{Action: controller.ActionStop})
	if err != nil {
		t.Fatalf("second stop error: %v", err)
	}
	if res.OK || res.Status != model.StatusStopped || !IsStatus(res.Err, http.StatusConflict) {
		t.Errorf("second stop = %+v", res)
	}

	res, err = c.DeleteNetwork(ctx, "lab", true)
	if err != nil || !res.OK {
		t.Fatalf("delete = %+v, %v", res, err)
	}
	if _, err := c.GetNetwork(ctx, "lab"); !IsStatus(err, http.StatusNotFound) {
		t.Errorf("GetNetwork after delete error = %v", err)
	}
}

func TestErrors(t *testing.T) {
	t.Parallel()

	c, _ := setupServer(t)
	ctx := context.Background()

	_, err := c.CreateNetwork(ctx, controller.CreateRequest{Name: "!!!"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest || apiErr.Msg == "" {
		t.Errorf("invalid create error = %v", err)
	}

	if _, err := c.ListCaptures(ctx, CaptureQuery{}); !IsStatus(err, http.StatusNotImplemented) {
		t.Errorf("ListCaptures error = %v", err)
	}
	if _, _, err := c.CircuitEvents(ctx, CircuitQuery{Limit: 10}); !IsStatus(err, http.StatusNotImplemented) {
		t.Errorf("CircuitEvents error = %v", err)
	}
	res, err := c.NetworkAction(ctx, "missing", controller.ActionRequest{Action: controller.ActionStart})
	if err != nil {
		t.Fatalf("NetworkAction error: %v", err)
	}
	if res.OK || res.Status != model.StatusNotCreated || !IsStatus(res.Err, http.StatusNotFound) {
		t.Errorf("missing network result = %+v", res)
	}
}

func TestUnreachable(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c, err := New(url, WithTimeout(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Health(context.Background()); !errors.Is(err, ErrUnreachable) {
		t.Errorf("Health error = %v, want ErrUnreachable", err)
	}
}

func TestDecodeErrorPlainBody(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	}))
	t.Cleanup(ts.Close)

	c, err := New(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.ListNetworks(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadGateway || apiErr.Msg != "gateway down" {
		t.Errorf("error = %#v", err)
	}
}

func TestQueryValues(t *testing.T) {
	t.Parallel()

	since := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	got := CircuitQuery{Network: "lab", EventType: "built", Since: since, Limit: 50}.values()
	want := map[string]string{
		"network_id": "lab",
		"event_type": "built",
		"since":      "2026-01-02T02:04:05Z",
		"limit":      "50",
	}
	if len(got) != len(want) {
		t.Errorf("values = %v", got)
	}
	for k, v := range want {
		if got.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, got.Get(k), v)
		}
	}

	if v := (CaptureQuery{IncludeDeleted: true}).values(); v.Get("include_deleted") != "true" || len(v) != 1 {
		t.Errorf("capture values = %v", v)
	}
}

func TestActionResultKeepsServerData(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(controller.ActionResult{Status: model.StatusRunning, Message: "busy"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := actionResult(&APIError{Status: http.StatusConflict, Msg: "busy", Data: data}, controller.ActionResult{})
	if err != nil {
		t.Fatalf("actionResult error: %v", err)
	}
	if res.OK || res.Status != model.StatusRunning || res.Err == nil {
		t.Errorf("result = %+v", res)
	}

	if _, err := actionResult(errors.New("boom"), controller.ActionResult{}); err == nil {
		t.Error("expected the transport error to surface")
	}
}
