package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nao1215/torlab/internal/client"
	"github.com/nao1215/torlab/internal/controller"
)

// defaultLogTail is how many log lines "node logs" prints.
const defaultLogTail = 100

// NewNodeCmd creates the node command group.
func NewNodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "node",
		Aliases: []string{"nodes"},
		Short:   "Manage single nodes of a network",
		Long: `Manage single nodes through the control API.

Nodes are addressed by id or by name, e.g. "labda0".

Examples:
  torlab node restart labguard0
  torlab node logs labda0 --tail 50`,
	}
	addOutputFlag(cmd)

	cmd.AddCommand(newNodeShowCmd())
	cmd.AddCommand(newNodeActionCmd(controller.ActionStart, "Start a node"))
	cmd.AddCommand(newNodeActionCmd(controller.ActionStop, "Stop a node"))
	cmd.AddCommand(newNodeActionCmd(controller.ActionRestart, "Restart a node"))
	cmd.AddCommand(newNodeActionCmd(controller.ActionDelete, "Stop and remove a node"))
	cmd.AddCommand(newNodeLogsCmd())
	cmd.AddCommand(newNodeBandwidthCmd())
	return cmd
}

func newNodeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "show NODE",
		Aliases: []string{"get"},
		Short:   "Show one node",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client, p *printer) error {
				n, err := c.GetNode(ctx, args[0])
				if err != nil {
					return err
				}
				if p.structured() {
					return p.data(n)
				}
				pairs := [][2]string{
					{"Name", n.Name},
					{"ID", n.ID},
					{"Type", controller.TypeLabel(n.Type)},
					{"Status", p.styles.status(n.Status)},
					{"Ports", fmt.Sprintf("control %d, or %d, dir %d, socks %d",
						n.Ports.Control, n.Ports.OR, n.Ports.Dir, n.Ports.Socks)},
				}
				if n.Fingerprint != "" {
					pairs = append(pairs, [2]string{"Fingerprint", n.Fingerprint})
				}
				if n.OnionAddress != "" {
					pairs = append(pairs, [2]string{"Onion", n.OnionAddress})
				}
				if n.LastError != "" {
					pairs = append(pairs, [2]string{"Error", n.LastError})
				}
				return p.fields(pairs)
			})
		},
	}
}

func newNodeActionCmd(action controller.Action, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   string(action) + " NODE",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client, p *printer) error {
				res, err := c.NodeAction(ctx, args[0], action)
				if err != nil {
					return err
				}
				return printAction(p, res)
			})
		},
	}
	if action == controller.ActionDelete {
		cmd.Aliases = []string{"rm"}
	}
	return cmd
}

func newNodeLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs NODE",
		Short: "Print the last log lines of a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tail := flagInt(cmd, "tail")
			return withClient(cmd, func(ctx context.Context, c *client.Client, p *printer) error {
				logs, err := c.NodeLogs(ctx, args[0], tail)
				if err != nil {
					return err
				}
				if p.structured() {
					return p.data(logs)
				}
				for _, l := range logs.Lines {
					p.line("%s", l)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntP("tail", "n", defaultLogTail, "Number of lines to print")
	return cmd
}

func newNodeBandwidthCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "bandwidth NODE",
		Aliases: []string{"bw"},
		Short:   "Show the traffic counters of a node",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client, p *printer) error {
				bw, err := c.NodeBandwidth(ctx, args[0])
				if err != nil {
					return err
				}
				if p.structured() {
					return p.data(bw)
				}
				rows := [][]string{{
					"stored", bytesHuman(bw.Stored.BytesRead), bytesHuman(bw.Stored.BytesWritten),
					bytesHuman(bw.Stored.Rate) + "/s", bytesHuman(bw.Stored.Burst),
				}}
				if bw.Live != nil {
					rows = append(rows, []string{
						"live", bytesHuman(bw.Live.BytesRead), bytesHuman(bw.Live.BytesWritten),
						bytesHuman(bw.Live.Rate) + "/s", bytesHuman(bw.Live.Burst),
					})
				}
				if err := p.table([]string{"SOURCE", "READ", "WRITTEN", "RATE", "BURST"}, rows); err != nil {
					return err
				}
				p.line("Circuits: %d active, %d created", bw.CircuitsActive, bw.CircuitsCreated)
				if bw.LiveError != "" {
					p.line("Live counters unavailable: %s", bw.LiveError)
				}
				return nil
			})
		},
	}
}
