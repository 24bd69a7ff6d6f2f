package runtime

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func TestTailLines(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		n    int
		want []string
	}{
		{"empty", "", 10, []string{}},
		{"all lines", "a\nb\nc\n", 0, []string{"a", "b", "c"}},
		{"last two", "a\nb\nc\n", 2, []string{"b", "c"}},
		{"more than available", "a\n", 5, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tailLines(tt.text, tt.n)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Errorf("tailLines() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMemoryLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	spec := Spec{Name: "labda0", Command: []string{"tor", "-f", "torrc"}}
	if err := m.Start(ctx, spec); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := m.Start(ctx, spec); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}

	st, err := m.Inspect(ctx, "labda0")
	if err != nil || !st.Running || st.Status != "running" {
		t.Fatalf("Inspect() = %+v, %v", st, err)
	}

	m.Crash("labda0", 1)
	st, _ = m.Inspect(ctx, "labda0")
	if st.Running || st.ExitCode != 1 {
		t.Errorf("after Crash Inspect() = %+v", st)
	}

	logs, err := m.Logs(ctx, "labda0", 1)
	if err != nil || len(logs) != 1 || logs[0] != "exited with code 1" {
		t.Errorf("Logs() = %q, %v", logs, err)
	}

	if err := m.Remove(ctx, "labda0", true); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := m.Inspect(ctx, "labda0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Inspect() after Remove error = %v, want ErrNotFound", err)
	}
}

func TestMemoryHooks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()
	m.StartHook = func(s Spec) error {
		if s.Name == "broken" {
			return errors.New("image not found")
		}
		return nil
	}
	m.StreamHook = func(context.Context, string, []string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("pcap")), nil
	}

	if err := m.Start(ctx, Spec{Name: "broken"}); !errors.Is(err, ErrNodeRuntime) {
		t.Errorf("Start() error = %v, want ErrNodeRuntime", err)
	}
	if err := m.Start(ctx, Spec{Name: "ok"}); err != nil {
		t.Fatal(err)
	}
	rc, err := m.Stream(ctx, "ok", []string{"tcpdump"})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "pcap" {
		t.Errorf("Stream() data = %q", data)
	}
	if got := m.Names(); len(got) != 1 || got[0] != "ok" {
		t.Errorf("Names() = %v", got)
	}
}

func TestProcessLifecycle(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ctx := context.Background()
	p := NewProcess()
	t.Cleanup(func() { p.Close() })

	spec := Spec{
		Name:    "labguard0",
		Command: []string{"sh", "-c", "echo bootstrapped; exec sleep 30"},
		DataDir: t.TempDir(),
	}
	if err := p.Start(ctx, spec); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	st, err := p.Inspect(ctx, "labguard0")
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if !st.Running || st.PID == 0 {
		t.Errorf("Inspect() = %+v, want running", st)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		logs, err := p.Logs(ctx, "labguard0", 10)
		if err != nil {
			t.Fatalf("Logs() error = %v", err)
		}
		if len(logs) == 1 && logs[0] == "bootstrapped" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Logs() = %q, want [bootstrapped]", logs)
		}
		time.Sleep(50 * time.Millisecond)
	}

	out, err := p.Exec(ctx, "labguard0", []string{"sh", "-c", "echo hi"})
	if err != nil || strings.TrimSpace(out) != "hi" {
		t.Errorf("Exec() = %q, %v", out, err)
	}
	if _, err := p.Exec(ctx, "labguard0", []string{"sh", "-c", "exit 3"}); !errors.Is(err, ErrExecFailed) {
		t.Errorf("Exec() error = %v, want ErrExecFailed", err)
	}

	if err := p.Stop(ctx, "labguard0", 2*time.Second); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	st, err = p.Inspect(ctx, "labguard0")
	if err != nil || st.Running {
		t.Errorf("Inspect() after Stop = %+v, %v", st, err)
	}

	if err := p.Remove(ctx, "labguard0", false); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := p.Inspect(ctx, "labguard0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Inspect() after Remove error = %v, want ErrNotFound", err)
	}
}

func TestProcessExitCode(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ctx := context.Background()
	p := NewProcess()

	if err := p.Start(ctx, Spec{Name: "crash", Command: []string{"sh", "-c", "exit 7"}, DataDir: t.TempDir()}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := p.Inspect(ctx, "crash")
		if err != nil {
			t.Fatal(err)
		}
		if !st.Running && st.ExitCode == 7 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Inspect() = %+v, want exit code 7", st)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestProcessStartErrors(t *testing.T) {
	t.Parallel()
	p := NewProcess()

	if err := p.Start(context.Background(), Spec{Name: "x", DataDir: t.TempDir()}); !errors.Is(err, ErrNodeRuntime) {
		t.Errorf("Start() error = %v, want ErrNodeRuntime", err)
	}
	if _, err := p.Inspect(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Inspect() error = %v, want ErrNotFound", err)
	}
}
