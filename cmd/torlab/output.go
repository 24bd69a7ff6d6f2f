package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nao1215/torlab/internal/model"
)

// Output formats of the client commands.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

// addOutputFlag adds the -o flag to a command group.
func addOutputFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP("output", "o", formatTable, "Output format: table, json or yaml")
}

// printer renders API answers. Tables are the human view; json and yaml
// print the answer data as is.
type printer struct {
	format string
	w      io.Writer
	styles styles
}

// newPrinter returns the printer selected by the output flag of cmd.
func newPrinter(cmd *cobra.Command) (*printer, error) {
	format, err := cmd.Flags().GetString("output")
	if err != nil {
		format = formatTable
	}
	format = strings.ToLower(format)
	switch format {
	case formatTable, formatJSON, formatYAML:
	default:
		return nil, fmt.Errorf("unknown output format %q (use table, json or yaml)", format)
	}
	w := cmd.OutOrStdout()
	return &printer{format: format, w: w, styles: newStyles(lipgloss.NewRenderer(w))}, nil
}

// structured reports whether the printer emits json or yaml.
func (p *printer) structured() bool {
	return p.format != formatTable
}

// data prints v as json or yaml.
func (p *printer) data(v any) error {
	switch p.format {
	case formatJSON:
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("error formatting JSON: %w", err)
		}
		_, err = fmt.Fprintln(p.w, string(b))
		return err
	case formatYAML:
		// yaml.v3 ignores json tags; a round trip through JSON keeps the
		// field names of the API.
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("error formatting YAML: %w", err)
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return fmt.Errorf("error formatting YAML: %w", err)
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return fmt.Errorf("error formatting YAML: %w", err)
		}
		_, err = p.w.Write(out)
		return err
	default:
		return fmt.Errorf("format %q is not structured", p.format)
	}
}

// table prints rows under headers, aligned with a tabwriter.
func (p *printer) table(headers []string, rows [][]string) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(p.w, "No resources found.")
		return err
	}
	w := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	return w.Flush()
}

// fields prints key/value pairs.
func (p *printer) fields(pairs [][2]string) error {
	w := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	for _, kv := range pairs {
		fmt.Fprintf(w, "%s:\t%s\n", kv[0], kv[1])
	}
	return w.Flush()
}

// line prints one line.
func (p *printer) line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

// styles colors status words. The renderer drops colors when the output
// is not a terminal.
type styles struct {
	title lipgloss.Style
	ok    lipgloss.Style
	busy  lipgloss.Style
	bad   lipgloss.Style
	idle  lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		title: r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		ok:    r.NewStyle().Foreground(lipgloss.Color("10")),
		busy:  r.NewStyle().Foreground(lipgloss.Color("11")),
		bad:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		idle:  r.NewStyle().Foreground(lipgloss.Color("245")),
	}
}

// status renders a status word in its color.
func (s styles) status(st model.Status) string {
	switch st {
	case model.StatusRunning:
		return s.ok.Render(string(st))
	case model.StatusBootstrapping, model.StatusStarting, model.StatusStopping, model.StatusCreating:
		return s.busy.Render(string(st))
	case model.StatusError:
		return s.bad.Render(string(st))
	default:
		return s.idle.Render(string(st))
	}
}

// bytesHuman formats a byte count, e.g. "1.5 MiB".
func bytesHuman(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
