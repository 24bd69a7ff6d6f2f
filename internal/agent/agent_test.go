package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nao1215/torlab/internal/config"
	"github.com/nao1215/torlab/internal/model"
	"github.com/nao1215/torlab/internal/quorum"
	"github.com/nao1215/torlab/internal/torrc"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder is a Starter that remembers which nodes it started.
type recorder struct {
	mu      sync.Mutex
	started map[string]string
}

func newRecorder() *recorder {
	return &recorder{started: make(map[string]string)}
}

func (r *recorder) start(_ context.Context, spec Spec, torrcPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started[spec.Nickname] = torrcPath
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started)
}

func testAgent(b quorum.Barrier, start Starter, timeout time.Duration) *Agent {
	return New(b, start,
		WithLogger(discardLogger()),
		WithQuorumTimeout(timeout),
		WithPollInterval(20*time.Millisecond),
		WithAuthorityKeyBits(1024),
		WithResolver(func(context.Context) (string, error) { return "127.0.0.1", nil }))
}

func daSpec(dir string, i int) Spec {
	return Spec{
		Network:  "lab",
		Type:     model.NodeTypeDA,
		Nickname: fmt.Sprintf("labda%d", i),
		DataDir:  filepath.Join(dir, fmt.Sprintf("da%d", i)),
		Ports:    model.Ports{Control: 8000 + i, OR: 5000 + i, Dir: 7000 + i},
		DACount:  3,
		Tuning:   model.DefaultTorTuning(),
	}
}

func TestBootstrapQuorum(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	barrier := quorum.NewMemory()
	rec := newRecorder()
	a := testAgent(barrier, rec.start, 30*time.Second)

	specs := []Spec{daSpec(dir, 0), daSpec(dir, 1), daSpec(dir, 2), {
		Network:  "lab",
		Type:     model.NodeTypeGuard,
		Nickname: "labguard0",
		DataDir:  filepath.Join(dir, "guard0"),
		Ports:    model.Ports{Control: 8003, OR: 5003},
		DACount:  3,
		Tuning:   model.DefaultTorTuning(),
	}, {
		Network:  "lab",
		Type:     model.NodeTypeClient,
		Nickname: "labclient0",
		DataDir:  filepath.Join(dir, "client0"),
		Ports:    model.Ports{Control: 8004, Socks: 9000},
		DACount:  3,
		Tuning:   model.DefaultTorTuning(),
	}}

	results := make([]*Result, len(specs))
	errs := make([]error, len(specs))
	var wg sync.WaitGroup
	// Non-authorities start first and have to wait for the authorities.
	for i := len(specs) - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = a.Bootstrap(context.Background(), specs[i])
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Bootstrap(%s) error = %v", specs[i].Nickname, err)
		}
	}
	if rec.count() != len(specs) {
		t.Errorf("started %d nodes, want %d", rec.count(), len(specs))
	}

	for i, res := range results {
		if res.Degraded {
			t.Errorf("%s degraded: %s", specs[i].Nickname, res.Warning)
		}
		if len(res.Authorities) != 3 {
			t.Errorf("%s saw %d authorities, want 3", specs[i].Nickname, len(res.Authorities))
		}
		lines, err := torrc.Authorities(res.TorrcPath)
		if err != nil {
			t.Fatal(err)
		}
		if len(lines) != 3 {
			t.Errorf("%s torrc has %d DirAuthority lines, want 3", specs[i].Nickname, len(lines))
		}
	}

	for i := range 3 {
		if results[i].V3Identity == "" || results[i].Fingerprint == "" || !results[i].Announced {
			t.Errorf("authority %d result = %+v", i, results[i])
		}
	}
	if results[3].Fingerprint == "" || results[3].V3Identity != "" {
		t.Errorf("guard result = %+v", results[3])
	}
	if results[4].Fingerprint != "" {
		t.Errorf("client should have no relay fingerprint, got %q", results[4].Fingerprint)
	}

	line, err := quorum.ParseDALine(results[0].Authorities[0])
	if err != nil {
		t.Fatal(err)
	}
	if line.Address != "127.0.0.1" {
		t.Errorf("announced address = %q", line.Address)
	}
}

func TestBootstrapDegraded(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	barrier := quorum.NewMemory()
	rec := newRecorder()
	a := testAgent(barrier, rec.start, 2*time.Second)

	// Only two of three authorities ever announce.
	for i := range 2 {
		spec := daSpec(dir, i)
		spec.DACount = 1
		if _, err := a.Bootstrap(context.Background(), spec); err != nil {
			t.Fatalf("Bootstrap(da%d) error = %v", i, err)
		}
	}

	client := Spec{
		Network:  "lab",
		Type:     model.NodeTypeClient,
		Nickname: "labclient0",
		DataDir:  filepath.Join(dir, "client0"),
		Ports:    model.Ports{Control: 8004, Socks: 9000},
		DACount:  3,
		Tuning:   model.DefaultTorTuning(),
	}
	began := time.Now()
	res, err := a.Bootstrap(context.Background(), client)
	if err != nil {
		t.Fatalf("Bootstrap(client) error = %v", err)
	}
	if waited := time.Since(began); waited < 2*time.Second {
		t.Errorf("returned after %v, before the timeout", waited)
	}
	if !res.Degraded || len(res.Authorities) != 2 {
		t.Errorf("result = degraded %v with %d authorities, want degraded with 2", res.Degraded, len(res.Authorities))
	}
	if !strings.Contains(res.Warning, "2/3") {
		t.Errorf("warning = %q", res.Warning)
	}
	if _, ok := rec.started["labclient0"]; !ok {
		t.Error("degraded node was not started")
	}

	stored, err := ReadResult(client.DataDir)
	if err != nil {
		t.Fatalf("ReadResult() error = %v", err)
	}
	if !stored.Degraded || time.Duration(stored.QuorumWaited) < 2*time.Second {
		t.Errorf("stored result = %+v", stored)
	}
}

func TestBootstrapRestartIsIdempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	barrier := quorum.NewMemory()
	a := testAgent(barrier, nil, time.Second)

	spec := daSpec(dir, 0)
	spec.DACount = 1
	first, err := a.Bootstrap(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.Bootstrap(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}

	if first.Fingerprint != second.Fingerprint || first.V3Identity != second.V3Identity {
		t.Error("identity changed across restarts")
	}
	lines, err := barrier.Lines(context.Background(), "lab")
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 {
		t.Errorf("registry has %d lines after re-announce, want 1", len(lines))
	}
	torrcLines, err := torrc.Authorities(second.TorrcPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(torrcLines) != 1 {
		t.Errorf("torrc has %d DirAuthority lines, want 1", len(torrcLines))
	}
}

func TestBootstrapRestartAtNewAddress(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	barrier := quorum.NewMemory()
	a := testAgent(barrier, nil, time.Second)

	spec := daSpec(dir, 0)
	spec.DACount = 1
	spec.Address = "172.18.0.2"
	first, err := a.Bootstrap(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	// The container was re-created and came back on another address.
	spec.Address = "172.18.0.9"
	second, err := a.Bootstrap(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	if first.V3Identity != second.V3Identity {
		t.Fatal("authority identity changed with the address")
	}

	lines, err := barrier.Lines(context.Background(), "lab")
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 {
		t.Fatalf("registry has %d lines, want the authority once: %q", len(lines), lines)
	}
	if !strings.Contains(lines[0], "v3ident="+first.V3Identity) {
		t.Errorf("registry line = %q", lines[0])
	}
}

func TestBootstrapHiddenService(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	barrier := quorum.NewMemory()
	if _, err := barrier.Announce(context.Background(), "lab",
		"DirAuthority labda0 orport=5000 no-v2 v3ident=AAAA 127.0.0.1:7000 BBBB"); err != nil {
		t.Fatal(err)
	}
	a := testAgent(barrier, nil, time.Second)

	env, err := config.ParseNodeEnv(func(k string) (string, bool) {
		v, ok := map[string]string{
			"ROLE":         "hs",
			"NICK":         "labhs0",
			"NETWORK":      "lab",
			"DA_COUNT":     "1",
			"DATA_DIR":     filepath.Join(dir, "hs0"),
			"CONTROL_PORT": "8010",
			"SERVICE_PORT": "8080",
		}[k]
		return v, ok
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := a.Bootstrap(context.Background(), SpecFromEnv(env, model.DefaultTorTuning()))
	if err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if !strings.HasSuffix(res.OnionAddress, ".onion") {
		t.Errorf("onion address = %q", res.OnionAddress)
	}
	data, err := os.ReadFile(res.TorrcPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "HiddenServicePort 80 127.0.0.1:8080") {
		t.Errorf("torrc lacks the service mapping:\n%s", data)
	}
}

func TestBootstrapErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	barrier := quorum.NewMemory()

	tests := []struct {
		name  string
		spec  Spec
		start Starter
		want  error
	}{
		{
			name: "missing network",
			spec: Spec{Type: model.NodeTypeDA, Nickname: "x", DataDir: dir, DACount: 3},
			want: ErrInvalidSpec,
		},
		{
			name: "client without socks port",
			spec: Spec{Network: "lab", Type: model.NodeTypeClient, Nickname: "c", DataDir: filepath.Join(dir, "c"), DACount: 1},
			want: ErrInvalidSpec,
		},
		{
			name: "starter failure",
			spec: Spec{Network: "lab", Type: model.NodeTypeClient, Nickname: "c2", DataDir: filepath.Join(dir, "c2"), DACount: 1,
				Ports: model.Ports{Socks: 9001}},
			start: func(context.Context, Spec, string) error { return errors.New("no tor binary") },
			want:  ErrStartFailed,
		},
	}

	if _, err := barrier.Announce(context.Background(), "lab",
		"DirAuthority labda0 orport=5000 no-v2 v3ident=AAAA 127.0.0.1:7000 BBBB"); err != nil {
		t.Fatal(err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := testAgent(barrier, tt.start, time.Second)
			_, err := a.Bootstrap(context.Background(), tt.spec)
			if !errors.Is(err, tt.want) {
				t.Errorf("Bootstrap() error = %v, want %v", err, tt.want)
			}
		})
	}

	t.Run("invalid spec is a configuration error", func(t *testing.T) {
		t.Parallel()
		a := testAgent(barrier, nil, time.Second)
		_, err := a.Bootstrap(context.Background(), Spec{})
		if !errors.Is(err, config.ErrConfiguration) {
			t.Errorf("Bootstrap() error = %v, want ErrConfiguration", err)
		}
	})
}

func TestBootstrapCancelled(t *testing.T) {
	t.Parallel()

	a := testAgent(quorum.NewMemory(), nil, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	spec := Spec{
		Network:  "lab",
		Type:     model.NodeTypeClient,
		Nickname: "c",
		DataDir:  t.TempDir(),
		Ports:    model.Ports{Socks: 9000},
		DACount:  3,
	}
	if _, err := a.Bootstrap(ctx, spec); !errors.Is(err, context.Canceled) {
		t.Errorf("Bootstrap() error = %v, want context.Canceled", err)
	}
}
