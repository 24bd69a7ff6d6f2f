package capture

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/nao1215/torlab/internal/model"
	"github.com/nao1215/torlab/internal/runtime"
)

// Source opens a pcap stream for a node.
type Source interface {
	Open(ctx context.Context, network *model.TorNetwork, node *model.TorNode, filter string) (io.ReadCloser, error)
}

// RuntimeSource runs tcpdump inside the node's runtime unit.
type RuntimeSource struct {
	rt runtime.Runtime
}

// NewRuntimeSource returns a Source backed by rt.
func NewRuntimeSource(rt runtime.Runtime) *RuntimeSource {
	return &RuntimeSource{rt: rt}
}

// Open implements Source.
func (s *RuntimeSource) Open(ctx context.Context, network *model.TorNetwork, node *model.TorNode, filter string) (io.ReadCloser, error) {
	iface := "any"
	if s.rt.Name() == runtime.BackendProcess {
		// Process nodes share the host loopback; keep each capture to the
		// node's own ports unless the caller narrowed it already.
		iface = "lo"
		if filter == "" {
			filter = PortFilter(node.Ports)
		}
	}
	stream, err := s.rt.Stream(ctx, runtime.UnitName(network.Slug, node.Name), TcpdumpCommand(iface, filter))
	if err != nil {
		return nil, fmt.Errorf("failed to start capture on %s: %w", node.Name, err)
	}
	return stream, nil
}

// TcpdumpCommand returns the argv that writes a packet-buffered pcap
// stream to stdout.
func TcpdumpCommand(iface, filter string) []string {
	cmd := []string{"tcpdump", "-i", iface, "-U", "-s", "0", "-w", "-"}
	if f := strings.TrimSpace(filter); f != "" {
		cmd = append(cmd, f)
	}
	return cmd
}

// PortFilter returns a BPF expression matching every port of a node.
func PortFilter(p model.Ports) string {
	var parts []string
	for _, kind := range model.PortKinds {
		if port := p.Get(kind); port > 0 {
			parts = append(parts, "port "+strconv.Itoa(port))
		}
	}
	return strings.Join(parts, " or ")
}
