package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nao1215/torlab/internal/agent"
	"github.com/nao1215/torlab/internal/api"
	"github.com/nao1215/torlab/internal/circuit"
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

// unitLauncher starts a runtime unit without bootstrapping tor.
type unitLauncher struct {
	rt runtime.Runtime
}

func (l unitLauncher) Launch(ctx context.Context, network *model.TorNetwork, node *model.TorNode) (*agent.Result, error) {
	return nil, l.rt.Start(ctx, runtime.Spec{
		Name:    runtime.UnitName(network.Slug, node.Name),
		Command: []string{"tor", "-f", "torrc"},
	})
}

// testServer is a control API on the memory runtime.
type testServer struct {
	url  string
	ctrl *controller.Controller
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := database.Open(t.TempDir(), database.DefaultOptions())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	rt := runtime.NewMemory()
	circuits := circuit.New(store, circuit.WithLogger(discardLogger()))
	ctrl := controller.New(store, rt, quorum.NewMemory(), unitLauncher{rt: rt},
		controller.WithLogger(discardLogger()),
		controller.WithDataDir(controller.NodeDirs(t.TempDir())),
	)
	t.Cleanup(func() { _ = ctrl.Close() })

	srv := api.New(ctrl, store,
		api.WithLogger(discardLogger()),
		api.WithRuntime(rt),
		api.WithCircuits(circuits),
		api.WithReports(report.NewCollector(ctrl, report.WithCircuits(circuits), report.WithVersion("test"))),
		api.WithVersion("test"),
	)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{url: ts.URL, ctrl: ctrl}
}

// cli runs the root command against the server.
func (s *testServer) cli(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--server", s.url}, args...))
	err := cmd.Execute()
	return out.String(), err
}

// mustCLI is cli for commands that have to succeed.
func (s *testServer) mustCLI(t *testing.T, args ...string) string {
	t.Helper()
	out, err := s.cli(t, args...)
	if err != nil {
		t.Fatalf("torlab %v: %v\n%s", args, err, out)
	}
	return out
}

func (s *testServer) waitIdle(t *testing.T, ref string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.ctrl.WaitIdle(ctx, ref); err != nil {
		t.Fatalf("WaitIdle error: %v", err)
	}
}
