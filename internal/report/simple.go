package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/nao1215/torlab/internal/controller"
	"github.com/nao1215/torlab/internal/model"
)

// SimpleWriter outputs plain text reports for terminal display.
type SimpleWriter struct {
	baseWriter

	// showEmpty controls whether sections without entries are shown.
	showEmpty bool

	// verbose lists every node instead of per-type totals only.
	verbose bool
}

// SimpleWriterOption configures a SimpleWriter.
type SimpleWriterOption func(*SimpleWriter)

// WithShowEmpty configures the writer to show empty sections.
func WithShowEmpty(show bool) SimpleWriterOption {
	return func(w *SimpleWriter) {
		w.showEmpty = show
	}
}

// WithVerbose lists every node with its ports and identity.
func WithVerbose(verbose bool) SimpleWriterOption {
	return func(w *SimpleWriter) {
		w.verbose = verbose
	}
}

// NewSimpleWriter creates a SimpleWriter that outputs to the given writer.
func NewSimpleWriter(output io.Writer, opts ...SimpleWriterOption) *SimpleWriter {
	w := &SimpleWriter{
		baseWriter: newBaseWriter(output),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write outputs the report in human-readable form.
func (w *SimpleWriter) Write(report *Report) (int, error) {
	var sb strings.Builder

	w.writeHeader(&sb, report)
	w.writeNodes(&sb, report)
	w.writeCaptures(&sb, report)
	w.writeCircuits(&sb, report)
	w.writeFooter(&sb, report)

	return w.output.Write([]byte(sb.String()))
}

func section(sb *strings.Builder, title string) {
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n")
	sb.WriteString(title)
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n\n")
}

func (w *SimpleWriter) writeHeader(sb *strings.Builder, report *Report) {
	n := report.Network()
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("=", 70))
	sb.WriteString("\n")
	sb.WriteString("                      TORLAB NETWORK REPORT\n")
	sb.WriteString(strings.Repeat("=", 70))
	sb.WriteString("\n\n")

	fmt.Fprintf(sb, "Network:   %s (%s)\n", n.Name, n.Slug)
	fmt.Fprintf(sb, "Template:  %s\n", n.Template)
	fmt.Fprintf(sb, "Status:    %s (%d%%)\n", report.Detail.StatusLabel, n.BootstrapProgress)
	fmt.Fprintf(sb, "Nodes:     %d/%d running\n", report.Detail.Running, report.Detail.Total)
	fmt.Fprintf(sb, "Generated: %s\n", report.GeneratedAt.Format("2006-01-02 15:04:05 MST"))
	if report.Detail.InFlight != "" {
		fmt.Fprintf(sb, "Action:    %s in progress\n", report.Detail.InFlight)
	}
	if n.Degraded {
		fmt.Fprintf(sb, "Warning:   DEGRADED - %s\n", n.Warning)
	}
	if n.LastError != "" {
		ack := ""
		if n.ErrorAcknowledged {
			ack = " (acknowledged)"
		}
		fmt.Fprintf(sb, "Error:     %s%s\n", n.LastError, ack)
	}
	sb.WriteString("\n")
}

func (w *SimpleWriter) writeNodes(sb *strings.Builder, report *Report) {
	section(sb, "NODES")
	for _, g := range report.Detail.Groups {
		fmt.Fprintf(sb, "  %-24s %d/%d running\n", g.Label, g.Running, g.Total)
		if !w.verbose {
			continue
		}
		for _, node := range g.Nodes {
			w.writeNode(sb, node)
		}
	}
	sb.WriteString("\n")
}

func (w *SimpleWriter) writeNode(sb *strings.Builder, node *model.TorNode) {
	fmt.Fprintf(sb, "    * %-19s %-14s control=%d", node.Name, node.Status, node.Ports.Control)
	if node.Ports.OR != 0 {
		fmt.Fprintf(sb, " or=%d", node.Ports.OR)
	}
	if node.Ports.Dir != 0 {
		fmt.Fprintf(sb, " dir=%d", node.Ports.Dir)
	}
	if node.Ports.Socks != 0 {
		fmt.Fprintf(sb, " socks=%d", node.Ports.Socks)
	}
	sb.WriteString("\n")
	if node.Fingerprint != "" {
		fmt.Fprintf(sb, "      Fingerprint: %s\n", node.Fingerprint)
	}
	if node.OnionAddress != "" {
		fmt.Fprintf(sb, "      Onion: %s\n", node.OnionAddress)
	}
	if node.LastError != "" {
		fmt.Fprintf(sb, "      Error: %s\n", node.LastError)
	}
}

func (w *SimpleWriter) writeCaptures(sb *strings.Builder, report *Report) {
	if len(report.Captures) == 0 && !w.showEmpty {
		return
	}
	section(sb, "CAPTURES")
	if len(report.Captures) == 0 {
		sb.WriteString("  No captures\n\n")
		return
	}
	names := nodeNames(report.Detail)
	for _, c := range report.Captures {
		fmt.Fprintf(sb, "  [%s] %s %s %d packets %d bytes\n",
			c.Status, orDash(names[c.NodeID]), c.Type, c.PacketCount, c.FileSize)
	}
	sb.WriteString("\n")
}

func (w *SimpleWriter) writeCircuits(sb *strings.Builder, report *Report) {
	cs := report.Circuits
	if cs.Built == 0 && cs.Failed == 0 && len(cs.Recent) == 0 && !w.showEmpty {
		return
	}
	section(sb, "CIRCUITS")
	fmt.Fprintf(sb, "  Built:  %d\n", cs.Built)
	fmt.Fprintf(sb, "  Failed: %d\n\n", cs.Failed)
	for _, e := range cs.Recent {
		fmt.Fprintf(sb, "  %s circuit %s %s %s\n",
			e.Timestamp.Format("15:04:05"), e.CircuitID, e.EventType, orDash(e.PathDisplay))
	}
	if len(cs.Recent) > 0 {
		sb.WriteString("\n")
	}
}

func (w *SimpleWriter) writeFooter(sb *strings.Builder, report *Report) {
	sb.WriteString(strings.Repeat("=", 70))
	sb.WriteString("\n")
	if report.Version != "" {
		fmt.Fprintf(sb, "Report generated by torlab %s\n", report.Version)
	} else {
		sb.WriteString("Report generated by torlab\n")
	}
	sb.WriteString(strings.Repeat("=", 70))
	sb.WriteString("\n")
}

// nodeNames maps node ids to names.
func nodeNames(detail *controller.StatusDetail) map[string]string {
	names := make(map[string]string)
	for _, g := range detail.Groups {
		for _, n := range g.Nodes {
			names[n.ID] = n.Name
		}
	}
	return names
}
