package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/nao1215/torlab/internal/model"
)

func testPrinter(t *testing.T, format string) (*printer, *bytes.Buffer) {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	addOutputFlag(cmd)
	if err := cmd.ParseFlags([]string{"--output", format}); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	p, err := newPrinter(cmd)
	if err != nil {
		t.Fatalf("newPrinter(%q): %v", format, err)
	}
	return p, &buf
}

func TestPrinter(t *testing.T) {
	t.Parallel()

	type item struct {
		NodeID string `json:"node_id"`
		Count  int    `json:"count"`
	}
	v := []item{{NodeID: "n1", Count: 2}}

	t.Run("json keeps json names", func(t *testing.T) {
		t.Parallel()
		p, buf := testPrinter(t, "json")
		if !p.structured() {
			t.Error("json printer is not structured")
		}
		if err := p.data(v); err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(buf.String(), `"node_id": "n1"`) {
			t.Errorf("unexpected json output %q", buf.String())
		}
	})

	t.Run("yaml keeps json names", func(t *testing.T) {
		t.Parallel()
		p, buf := testPrinter(t, "YAML")
		if err := p.data(v); err != nil {
			t.Fatal(err)
		}
		out := buf.String()
		if !strings.Contains(out, "node_id: n1") || !strings.Contains(out, "count: 2") {
			t.Errorf("unexpected yaml output %q", out)
		}
	})

	t.Run("table aligns columns", func(t *testing.T) {
		t.Parallel()
		p, buf := testPrinter(t, "table")
		if p.structured() {
			t.Error("table printer is structured")
		}
		if err := p.data(v); err == nil {
			t.Error("expected an error printing data as a table")
		}
		if err := p.table([]string{"ID", "NAME"}, [][]string{{"1", "labda0"}, {"22", "labexit0"}}); err != nil {
			t.Fatal(err)
		}
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 3 {
			t.Fatalf("expected 3 lines, got %q", buf.String())
		}
		if strings.Index(lines[0], "NAME") != strings.Index(lines[2], "labexit0") {
			t.Errorf("columns are not aligned:\n%s", buf.String())
		}
	})

	t.Run("empty table", func(t *testing.T) {
		t.Parallel()
		p, buf := testPrinter(t, "table")
		if err := p.table([]string{"ID"}, nil); err != nil {
			t.Fatal(err)
		}
		if got := strings.TrimSpace(buf.String()); got != "No resources found." {
			t.Errorf("got %q", got)
		}
	})

	t.Run("plain status without a terminal", func(t *testing.T) {
		t.Parallel()
		p, _ := testPrinter(t, "table")
		for _, st := range []model.Status{model.StatusRunning, model.StatusBootstrapping, model.StatusError, model.StatusStopped} {
			if got := p.styles.status(st); got != string(st) {
				t.Errorf("status(%s) = %q", st, got)
			}
		}
	})
}

func TestNewPrinterUnknownFormat(t *testing.T) {
	t.Parallel()

	cmd := &cobra.Command{Use: "test"}
	addOutputFlag(cmd)
	if err := cmd.ParseFlags([]string{"-o", "xml"}); err != nil {
		t.Fatal(err)
	}
	if _, err := newPrinter(cmd); err == nil {
		t.Error("expected an error for an unknown format")
	}
}

func TestBytesHuman(t *testing.T) {
	t.Parallel()

	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
		{3 << 30, "3.0 GiB"},
	}
	for _, tt := range tests {
		if got := bytesHuman(tt.n); got != tt.want {
			t.Errorf("bytesHuman(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}
