package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nao1215/torlab/internal/client"
	"github.com/nao1215/torlab/internal/controller"
	"github.com/nao1215/torlab/internal/model"
)

// defaultWaitTimeout bounds --wait on lifecycle actions.
const defaultWaitTimeout = 10 * time.Minute

// NewNetworkCmd creates the network command group.
func NewNetworkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "network",
		Aliases: []string{"net", "networks"},
		Short:   "Manage private Tor networks",
		Long: `Manage private Tor networks through the control API.

Networks are addressed by id or by slug.

Examples:
  # Create a network from a template
  torlab network create lab --template basic

  # Start it and wait until every node is up
  torlab network start lab --wait

  # Show the nodes grouped by type
  torlab network status lab`,
	}
	addOutputFlag(cmd)

	cmd.AddCommand(newNetworkCreateCmd())
	cmd.AddCommand(newNetworkListCmd())
	cmd.AddCommand(newNetworkActionCmd(controller.ActionStart, "Start every node of a network"))
	cmd.AddCommand(newNetworkActionCmd(controller.ActionStop, "Stop every node of a network"))
	cmd.AddCommand(newNetworkActionCmd(controller.ActionRestart, "Stop and start a network"))
	cmd.AddCommand(newNetworkDeleteCmd())
	cmd.AddCommand(newNetworkAckCmd())
	cmd.AddCommand(newNetworkStatusCmd())
	cmd.AddCommand(newNetworkTopologyCmd())
	cmd.AddCommand(newNetworkReportCmd())
	return cmd
}

// countFlags maps count flags to node types.
var countFlags = []struct {
	flag string
	typ  model.NodeType
}{
	{"da", model.NodeTypeDA},
	{"guard", model.NodeTypeGuard},
	{"middle", model.NodeTypeMiddle},
	{"exit", model.NodeTypeExit},
	{"client", model.NodeTypeClient},
	{"hs", model.NodeTypeHS},
}

func newNetworkCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Define a new network",
		Long: `Create stores a network and allocates ports for its nodes. No node is
started.

Node counts come from the template; count flags override single types.
A YAML file can describe the whole request instead:

  name: lab
  template: custom
  counts: {da: 3, guard: 2, middle: 2, exit: 1, client: 2, hs: 1}
  basePorts: {control: 18000, socks: 19000, or: 15000, dir: 17000}

Examples:
  torlab network create lab
  torlab network create lab --template standard --hs 4
  torlab network create -f lab.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: runNetworkCreate,
	}
	cmd.Flags().StringP("template", "t", string(model.TemplateBasic),
		"Template: minimal, basic, standard, forensic or custom")
	cmd.Flags().StringP("description", "d", "", "Free text description")
	cmd.Flags().StringP("file", "f", "", "YAML file with the network definition")
	for _, cf := range countFlags {
		cmd.Flags().Int(cf.flag, 0, fmt.Sprintf("Number of %s nodes", cf.typ))
	}
	cmd.Flags().Bool("auto-capture", false, "Record traffic of every node from start")
	cmd.Flags().String("capture-filter", "", "BPF filter of automatic captures")
	return cmd
}

// buildCreateRequest assembles a create request from the file and the
// flags of cmd. Flags win over the file.
func buildCreateRequest(cmd *cobra.Command, args []string) (controller.CreateRequest, error) {
	var req controller.CreateRequest
	flags := cmd.Flags()

	file, err := flags.GetString("file")
	if err != nil {
		return req, err
	}
	if file != "" {
		data, err := os.ReadFile(filepath.Clean(file))
		if err != nil {
			return req, fmt.Errorf("failed to read network file: %w", err)
		}
		if err := yaml.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("failed to parse network file: %w", err)
		}
	}
	if len(args) > 0 {
		req.Name = args[0]
	}
	if req.Name == "" {
		return req, errors.New("a network name is required")
	}

	if flags.Changed("template") || req.Template == "" {
		t, err := model.ParseTemplate(flagString(cmd, "template"))
		if err != nil {
			return req, err
		}
		req.Template = t
	}
	if flags.Changed("description") {
		req.Description = flagString(cmd, "description")
	}

	for _, cf := range countFlags {
		if !flags.Changed(cf.flag) {
			continue
		}
		if req.Counts == nil {
			seed, _ := model.CountsFor(req.Template)
			req.Counts = &seed
		}
		req.Counts.Set(cf.typ, flagInt(cmd, cf.flag))
	}

	if flags.Changed("auto-capture") || flags.Changed("capture-filter") {
		if req.Capture == nil {
			req.Capture = &model.CaptureDefaults{}
		}
		req.Capture.AutoCapture = flagBool(cmd, "auto-capture")
		req.Capture.Filter = flagString(cmd, "capture-filter")
	}
	return req, nil
}

func runNetworkCreate(cmd *cobra.Command, args []string) error {
	req, err := buildCreateRequest(cmd, args)
	if err != nil {
		return err
	}
	return withClient(cmd, func(ctx context.Context, c *client.Client, p *printer) error {
		n, err := c.CreateNetwork(ctx, req)
		if err != nil {
			return err
		}
		if p.structured() {
			return p.data(n)
		}
		p.line("Created network %s (%s) with %d nodes", n.Name, n.ID, n.TotalNodes())
		return nil
	})
}

// withClient runs fn with a client, a printer and a signal aware context.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client, p *printer) error) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()
	return fn(ctx, c, p)
}

func newNetworkListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List networks",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client, p *printer) error {
				networks, err := c.ListNetworks(ctx)
				if err != nil {
					return err
				}
				if p.structured() {
					return p.data(networks)
				}
				rows := make([][]string, 0, len(networks))
				for _, n := range networks {
					rows = append(rows, []string{
						n.Slug, n.ID, string(n.Template), p.styles.status(n.Status),
						strconv.Itoa(n.BootstrapProgress) + "%", strconv.Itoa(n.TotalNodes()),
					})
				}
				return p.table([]string{"SLUG", "ID", "TEMPLATE", "STATUS", "PROGRESS", "NODES"}, rows)
			})
		},
	}
}

// printAction renders an action result. A rejected action is an error so
// the command exits non-zero.
func printAction(p *printer, res controller.ActionResult) error {
	if p.structured() {
		if err := p.data(res); err != nil {
			return err
		}
	} else if res.OK {
		p.line("%s (%s)", res.Message, p.styles.status(res.Status))
	}
	if !res.OK {
		if res.Err != nil {
			return res.Err
		}
		return errors.New(res.Message)
	}
	return nil
}

// waitForNetwork polls the status detail until no action runs on the
// network.
func waitForNetwork(ctx context.Context, c *client.Client, ref string, timeout time.Duration) (*controller.StatusDetail, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		d, err := c.StatusDetail(ctx, ref)
		if err != nil {
			return nil, err
		}
		if d.InFlight == "" {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return d, fmt.Errorf("network %s is still running %s: %w", ref, d.InFlight, ctx.Err())
		case <-ticker.C:
		}
	}
}

func newNetworkActionCmd(action controller.Action, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   string(action) + " NETWORK",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wait, timeout := flagBool(cmd, "wait"), flagDuration(cmd, "timeout")
			return withClient(cmd, func(ctx context.Context, c *client.Client, p *printer) error {
				res, err := c.NetworkAction(ctx, args[0], controller.ActionRequest{Action: action})
				if err != nil {
					return err
				}
				if err := printAction(p, res); err != nil || !wait {
					return err
				}
				d, err := waitForNetwork(ctx, c, args[0], timeout)
				if err != nil {
					return err
				}
				if !p.structured() {
					p.line("%s: %s, %d/%d nodes running", d.Network.Name, p.styles.status(d.Network.Status), d.Running, d.Total)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolP("wait", "w", false, "Wait until the action has finished")
	cmd.Flags().Duration("timeout", defaultWaitTimeout, "How long --wait waits")
	return cmd
}

func newNetworkDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "delete NETWORK",
		Aliases: []string{"rm"},
		Short:   "Stop and remove a network",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			removeVolumes := flagBool(cmd, "remove-volumes")
			return withClient(cmd, func(ctx context.Context, c *client.Client, p *printer) error {
				res, err := c.DeleteNetwork(ctx, args[0], removeVolumes)
				if err != nil {
					return err
				}
				return printAction(p, res)
			})
		},
	}
	cmd.Flags().Bool("remove-volumes", false, "Remove node data directories and capture files too")
	return cmd
}

func newNetworkAckCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "ack NETWORK",
		Aliases: []string{"acknowledge"},
		Short:   "Acknowledge the error of a network",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client, p *printer) error {
				res, err := c.NetworkAction(ctx, args[0], controller.ActionRequest{Action: controller.ActionAcknowledge})
				if err != nil {
					return err
				}
				return printAction(p, res)
			})
		},
	}
}

func newNetworkStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status NETWORK",
		Short: "Show a network and its nodes grouped by type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client, p *printer) error {
				d, err := c.StatusDetail(ctx, args[0])
				if err != nil {
					return err
				}
				if p.structured() {
					return p.data(d)
				}
				return printStatusDetail(p, d)
			})
		},
	}
}

func printStatusDetail(p *printer, d *controller.StatusDetail) error {
	n := d.Network
	state := p.styles.status(n.Status)
	if n.Degraded {
		state += " (degraded)"
	}
	pairs := [][2]string{
		{"Network", fmt.Sprintf("%s (%s)", n.Name, n.ID)},
		{"Status", state},
		{"Progress", fmt.Sprintf("%d%%", n.BootstrapProgress)},
		{"Nodes", fmt.Sprintf("%d/%d running", d.Running, d.Total)},
	}
	if d.InFlight != "" {
		pairs = append(pairs, [2]string{"Action", string(d.InFlight)})
	}
	if n.Warning != "" {
		pairs = append(pairs, [2]string{"Warning", n.Warning})
	}
	if n.LastError != "" {
		pairs = append(pairs, [2]string{"Error", n.LastError})
	}
	if err := p.fields(pairs); err != nil {
		return err
	}
	for _, g := range d.Groups {
		p.line("")
		p.line("%s", p.styles.title.Render(fmt.Sprintf("%s (%d/%d)", g.Label, g.Running, g.Total)))
		rows := make([][]string, 0, len(g.Nodes))
		for _, node := range g.Nodes {
			rows = append(rows, []string{
				node.Name, p.styles.status(node.Status),
				strconv.Itoa(node.Ports.Control), strconv.Itoa(node.Ports.OR),
				shortFingerprint(node.Fingerprint), node.LastError,
			})
		}
		if err := p.table([]string{"NAME", "STATUS", "CONTROL", "OR", "FINGERPRINT", "ERROR"}, rows); err != nil {
			return err
		}
	}
	return nil
}

func shortFingerprint(fp string) string {
	if len(fp) > 16 {
		return fp[:16]
	}
	return fp
}

func newNetworkTopologyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topology NETWORK",
		Short: "Show the graph of a network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := flagString(cmd, "kind")
			return withClient(cmd, func(ctx context.Context, c *client.Client, p *printer) error {
				t, err := c.Topology(ctx, args[0])
				if err != nil {
					return err
				}
				if p.structured() {
					return p.data(t)
				}
				names := make(map[string]string, len(t.Nodes))
				for _, v := range t.Nodes {
					names[v.ID] = v.Name
				}
				rows := make([][]string, 0, len(t.Edges))
				for _, e := range t.Edges {
					if kind != "" && e.Kind != kind {
						continue
					}
					rows = append(rows, []string{names[e.From], names[e.To], e.Kind, strconv.Itoa(e.Weight)})
				}
				return p.table([]string{"FROM", "TO", "KIND", "WEIGHT"}, rows)
			})
		},
	}
	cmd.Flags().String("kind", "", "Only show edges of one kind: consensus, directory or circuit")
	return cmd
}

func newNetworkReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report NETWORK",
		Short: "Render a report of a network",
		Long: `Report renders the state of a network, its captures and circuit
statistics as text, Markdown or JSON.

Examples:
  torlab network report lab --format markdown --out-file lab.md`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, outFile := flagString(cmd, "format"), flagString(cmd, "out-file")
			return withClient(cmd, func(ctx context.Context, c *client.Client, p *printer) error {
				return writeTo(outFile, p.w, func(w io.Writer) error {
					return c.Report(ctx, args[0], strings.ToLower(format), w)
				})
			})
		},
	}
	cmd.Flags().StringP("format", "F", "text", "Report format: text, markdown or json")
	cmd.Flags().StringP("out-file", "O", "", "Write the report to a file instead of stdout")
	return cmd
}

// writeTo runs fn against path, or against fallback when path is empty.
// A partially written file is removed on failure.
func writeTo(path string, fallback io.Writer, fn func(io.Writer) error) error {
	if path == "" {
		return fn(fallback)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := fn(f); err != nil {
		_ = f.Close()           //nolint:errcheck // already failing
		_ = os.Remove(f.Name()) //nolint:errcheck // best effort cleanup
		return err
	}
	return f.Close()
}
