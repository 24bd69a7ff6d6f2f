package report

import (
	"io"
	"strconv"

	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"

	"github.com/nao1215/torlab/internal/controller"
	"github.com/nao1215/torlab/internal/model"
)

// MarkdownWriter outputs reports in GitHub flavored Markdown, with a
// mermaid pie chart of node statuses.
type MarkdownWriter struct {
	baseWriter
}

// NewMarkdownWriter creates a MarkdownWriter that outputs to the given writer.
func NewMarkdownWriter(output io.Writer) *MarkdownWriter {
	return &MarkdownWriter{
		baseWriter: newBaseWriter(output),
	}
}

// Write outputs the report in Markdown.
func (w *MarkdownWriter) Write(report *Report) (int, error) {
	md := markdown.NewMarkdown(w.output)

	w.writeHeader(md, report)
	w.writeSummary(md, report)
	w.writeNodes(md, report)
	w.writeCaptures(md, report)
	w.writeCircuits(md, report)
	w.writeFooter(md, report)

	return len(md.String()), md.Build()
}

func (w *MarkdownWriter) writeHeader(md *markdown.Markdown, report *Report) {
	n := report.Network()
	md.H1("Network Report: " + n.Name)
	md.PlainText("")

	rows := [][]string{
		{"Slug", "`" + n.Slug + "`"},
		{"Template", string(n.Template)},
		{"Status", report.Detail.StatusLabel},
		{"Bootstrap Progress", strconv.Itoa(n.BootstrapProgress) + "%"},
		{"Nodes Running", strconv.Itoa(report.Detail.Running) + " / " + strconv.Itoa(report.Detail.Total)},
		{"Generated", report.GeneratedAt.Format("2006-01-02 15:04:05 MST")},
	}
	if !n.StartedAt.IsZero() {
		rows = append(rows, []string{"Started", n.StartedAt.Format("2006-01-02 15:04:05 MST")})
	}
	if n.Description != "" {
		rows = append(rows, []string{"Description", n.Description})
	}
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows:   rows,
	})
	md.PlainText("")
	w.writeAlert(md, n)
}

func (w *MarkdownWriter) writeAlert(md *markdown.Markdown, n *model.TorNetwork) {
	switch {
	case n.Status == model.StatusError:
		md.Cautionf("The network is in error: %s", orDash(n.LastError))
	case n.Degraded:
		md.Warningf("Some nodes started without a full authority quorum: %s", orDash(n.Warning))
	case n.Status == model.StatusBootstrapping:
		md.Importantf("The network is still bootstrapping (%d%%).", n.BootstrapProgress)
	case n.Status == model.StatusRunning:
		md.Tip("Every node is running.")
	default:
		md.Note("The network is " + controller.StatusLabel(n.Status) + ".")
	}
	md.PlainText("")
}

func (w *MarkdownWriter) writeSummary(md *markdown.Markdown, report *Report) {
	md.H2("Node Status")
	md.PlainText("")

	counts := report.StatusCounts()
	rows := make([][]string, 0, len(statusOrder))
	for _, s := range statusOrder {
		if counts[s] == 0 {
			continue
		}
		rows = append(rows, []string{controller.StatusLabel(s), strconv.Itoa(counts[s])})
	}
	rows = append(rows, []string{"**Total**", "**" + strconv.Itoa(report.Detail.Total) + "**"})
	md.Table(markdown.TableSet{
		Header: []string{"Status", "Nodes"},
		Rows:   rows,
	})
	md.PlainText("")

	if report.Detail.Total > 0 {
		w.writePieChart(md, counts)
	}
}

func (w *MarkdownWriter) writePieChart(md *markdown.Markdown, counts map[model.Status]int) {
	chart := piechart.NewPieChart(
		io.Discard,
		piechart.WithTitle("Node Status Distribution"),
		piechart.WithShowData(true),
	)
	for _, s := range statusOrder {
		if counts[s] > 0 {
			chart.LabelAndIntValue(controller.StatusLabel(s), uint64(counts[s]))
		}
	}

	md.PlainText("")
	md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
	md.PlainText("")
}

func (w *MarkdownWriter) writeNodes(md *markdown.Markdown, report *Report) {
	md.H2("Nodes")
	md.PlainText("")

	for _, g := range report.Detail.Groups {
		md.H3(g.Label + " (" + strconv.Itoa(g.Running) + "/" + strconv.Itoa(g.Total) + ")")
		md.PlainText("")

		rows := make([][]string, len(g.Nodes))
		for i, n := range g.Nodes {
			identity := n.Fingerprint
			if n.OnionAddress != "" {
				identity = n.OnionAddress
			}
			rows[i] = []string{
				n.Name,
				controller.StatusLabel(n.Status),
				ports(n.Ports),
				"`" + truncateString(orDash(identity), 24) + "`",
			}
		}
		md.Table(markdown.TableSet{
			Header: []string{"Name", "Status", "Ports", "Identity"},
			Rows:   rows,
		})
		md.PlainText("")

		for _, n := range g.Nodes {
			if n.LastError != "" {
				md.Details(n.Name+" error", n.LastError)
			}
		}
	}
}

func ports(p model.Ports) string {
	out := "control " + strconv.Itoa(p.Control)
	if p.OR != 0 {
		out += ", or " + strconv.Itoa(p.OR)
	}
	if p.Dir != 0 {
		out += ", dir " + strconv.Itoa(p.Dir)
	}
	if p.Socks != 0 {
		out += ", socks " + strconv.Itoa(p.Socks)
	}
	return out
}

func (w *MarkdownWriter) writeCaptures(md *markdown.Markdown, report *Report) {
	md.H2("Captures")
	md.PlainText("")

	if len(report.Captures) == 0 {
		md.PlainText("No traffic captures.")
		md.PlainText("")
		return
	}
	names := nodeNames(report.Detail)
	rows := make([][]string, len(report.Captures))
	for i, c := range report.Captures {
		rows[i] = []string{
			orDash(names[c.NodeID]),
			string(c.Type),
			string(c.Status),
			strconv.FormatInt(c.PacketCount, 10),
			strconv.FormatInt(c.FileSize, 10),
			"`" + truncateString(orDash(c.FileHash), 16) + "`",
		}
	}
	md.Table(markdown.TableSet{
		Header: []string{"Node", "Type", "Status", "Packets", "Bytes", "SHA-256"},
		Rows:   rows,
	})
	md.PlainText("")
}

func (w *MarkdownWriter) writeCircuits(md *markdown.Markdown, report *Report) {
	cs := report.Circuits
	md.H2("Circuits")
	md.PlainText("")
	md.BulletList(
		"Built: "+strconv.FormatInt(cs.Built, 10),
		"Failed: "+strconv.FormatInt(cs.Failed, 10),
	)
	md.PlainText("")

	if len(cs.Recent) == 0 {
		return
	}
	rows := make([][]string, len(cs.Recent))
	for i, e := range cs.Recent {
		rows[i] = []string{
			e.Timestamp.Format("15:04:05"),
			e.CircuitID,
			string(e.EventType),
			orDash(e.Purpose),
			truncateString(orDash(e.PathDisplay), 60),
		}
	}
	md.Table(markdown.TableSet{
		Header: []string{"Time", "Circuit", "Event", "Purpose", "Path"},
		Rows:   rows,
	})
	md.PlainText("")
}

func (w *MarkdownWriter) writeFooter(md *markdown.Markdown, report *Report) {
	md.HorizontalRule()
	md.PlainText("")
	if report.Version != "" {
		md.PlainTextf("*Report generated by torlab %s*", report.Version)
		return
	}
	md.PlainText("*Report generated by torlab*")
}
