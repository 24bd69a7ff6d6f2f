package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/torlab/internal/client"
	"github.com/nao1215/torlab/internal/model"
)

// NewCaptureCmd creates the capture command group.
func NewCaptureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "capture",
		Aliases: []string{"captures"},
		Short:   "Record node traffic as pcap files",
		Long: `Record the traffic of single nodes as pcap files.

Examples:
  # Record the OR traffic of a guard
  torlab capture start labguard0 --filter "tcp port 5003"

  # Fetch the file once the capture is stopped
  torlab capture stop 2b6a...
  torlab capture download 2b6a... -O guard.pcap`,
	}
	addOutputFlag(cmd)

	cmd.AddCommand(newCaptureStartCmd())
	cmd.AddCommand(newCaptureStopCmd())
	cmd.AddCommand(newCaptureListCmd())
	cmd.AddCommand(newCaptureDownloadCmd())
	cmd.AddCommand(newCaptureDeleteCmd())
	return cmd
}

func newCaptureStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start NODE",
		Short: "Start recording the traffic of a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := model.ParseCaptureType(flagString(cmd, "type"))
			if err != nil {
				return err
			}
			filter := flagString(cmd, "filter")
			return withClient(cmd, func(ctx context.Context, c *client.Client, p *printer) error {
				capt, err := c.StartCapture(ctx, args[0], filter, typ)
				if err != nil {
					return err
				}
				if p.structured() {
					return p.data(capt)
				}
				p.line("Recording %s into %s (capture %s)", args[0], capt.FilePath, capt.ID)
				return nil
			})
		},
	}
	cmd.Flags().String("filter", "", "BPF filter (default: the ports of the node)")
	cmd.Flags().String("type", string(model.CaptureManual), "Capture type: manual, continuous, triggered or circuit")
	return cmd
}

func newCaptureStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop CAPTURE",
		Short: "Stop a recording capture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client, p *printer) error {
				capt, err := c.StopCapture(ctx, args[0])
				if err != nil {
					return err
				}
				if p.structured() {
					return p.data(capt)
				}
				p.line("Stopped capture %s: %d packets, %s", capt.ID, capt.PacketCount, bytesHuman(capt.FileSize))
				return nil
			})
		},
	}
}

func newCaptureListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List captures",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := client.CaptureQuery{
				Network:        flagString(cmd, "network"),
				Node:           flagString(cmd, "node"),
				Status:         flagString(cmd, "status"),
				IncludeDeleted: flagBool(cmd, "all"),
			}
			return withClient(cmd, func(ctx context.Context, c *client.Client, p *printer) error {
				captures, err := c.ListCaptures(ctx, q)
				if err != nil {
					return err
				}
				if p.structured() {
					return p.data(captures)
				}
				now := time.Now()
				rows := make([][]string, 0, len(captures))
				for _, capt := range captures {
					rows = append(rows, []string{
						capt.ID, capt.NodeID, string(capt.Type), string(capt.Status),
						strconv.FormatInt(capt.PacketCount, 10), bytesHuman(capt.FileSize),
						capt.Duration(now).Truncate(time.Second).String(),
					})
				}
				return p.table([]string{"ID", "NODE", "TYPE", "STATUS", "PACKETS", "SIZE", "DURATION"}, rows)
			})
		},
	}
	cmd.Flags().String("network", "", "Only captures of this network")
	cmd.Flags().String("node", "", "Only captures of this node")
	cmd.Flags().String("status", "", "Only captures in this status")
	cmd.Flags().BoolP("all", "a", false, "Include deleted captures")
	return cmd
}

func newCaptureDownloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download CAPTURE",
		Short: "Download the pcap file of a capture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outFile := flagString(cmd, "out-file")
			if outFile == "" {
				outFile = args[0] + ".pcap"
			}
			return withClient(cmd, func(ctx context.Context, c *client.Client, p *printer) error {
				var sum string
				err := writeTo(outFile, nil, func(w io.Writer) error {
					var err error
					sum, err = c.DownloadCapture(ctx, args[0], w)
					return err
				})
				if err != nil {
					return err
				}
				if sum != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "sha256 %s\n", sum)
				}
				p.line("Saved %s", outFile)
				return nil
			})
		},
	}
	cmd.Flags().StringP("out-file", "O", "", "Destination file (default: CAPTURE.pcap)")
	return cmd
}

func newCaptureDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "delete CAPTURE",
		Aliases: []string{"rm"},
		Short:   "Delete a capture",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			purge := flagBool(cmd, "purge")
			return withClient(cmd, func(ctx context.Context, c *client.Client, p *printer) error {
				capt, err := c.DeleteCapture(ctx, args[0], purge)
				if err != nil {
					return err
				}
				if p.structured() {
					return p.data(capt)
				}
				p.line("Deleted capture %s", capt.ID)
				return nil
			})
		},
	}
	cmd.Flags().Bool("purge", false, "Remove the pcap file too")
	return cmd
}

// NewCircuitsCmd creates the circuits command.
func NewCircuitsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "circuits",
		Aliases: []string{"circuit"},
		Short:   "List recorded circuit events",
		Long: `List the circuit events the controller recorded from node control ports,
newest first.

Examples:
  torlab circuits --network lab --type built --since 10m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := client.CircuitQuery{
				Network:   flagString(cmd, "network"),
				Node:      flagString(cmd, "node"),
				CircuitID: flagString(cmd, "circuit"),
				EventType: flagString(cmd, "type"),
				Purpose:   flagString(cmd, "purpose"),
				Limit:     flagInt(cmd, "limit"),
			}
			if since := flagDuration(cmd, "since"); since > 0 {
				q.Since = time.Now().Add(-since)
			}
			return withClient(cmd, func(ctx context.Context, c *client.Client, p *printer) error {
				events, total, err := c.CircuitEvents(ctx, q)
				if err != nil {
					return err
				}
				if p.structured() {
					return p.data(events)
				}
				rows := make([][]string, 0, len(events))
				for _, e := range events {
					rows = append(rows, []string{
						e.Timestamp.Local().Format(time.DateTime), e.CircuitID, string(e.EventType),
						e.Purpose, e.PathDisplay,
					})
				}
				if err := p.table([]string{"TIME", "CIRCUIT", "EVENT", "PURPOSE", "PATH"}, rows); err != nil {
					return err
				}
				if int64(len(events)) < total {
					p.line("Showing %d of %d events", len(events), total)
				}
				return nil
			})
		},
	}
	addOutputFlag(cmd)
	cmd.Flags().String("network", "", "Only events of this network")
	cmd.Flags().String("node", "", "Only events seen by this node")
	cmd.Flags().String("circuit", "", "Only events of this circuit id")
	cmd.Flags().String("type", "", "Event type: launched, built, extended, failed or closed")
	cmd.Flags().String("purpose", "", "Circuit purpose, e.g. GENERAL")
	cmd.Flags().Duration("since", 0, "Only events newer than this, e.g. 15m")
	cmd.Flags().Int("limit", 50, "Maximum number of events")
	return cmd
}
