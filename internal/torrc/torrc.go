package torrc

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/torlab/internal/model"
)

// ErrMissingPort is returned when a role lacks a port it needs.
var ErrMissingPort = errors.New("missing port")

// Files tor writes into its data directory.
const (
	LogFile = "notice.log"
	PidFile = "pid"
)

// Base holds the settings shared by every node.
type Base struct {
	Nickname    string
	DataDir     string
	Address     string
	ContactInfo string
	ControlPort int
	Tuning      model.TorTuning
}

// Role is the role specific part of a configuration.
type Role interface {
	// Type returns the node type the role configures.
	Type() model.NodeType
	render(w *writer, base Base) error
}

// Authority configures a directory authority.
type Authority struct {
	ORPort  int
	DirPort int
}

// Relay configures a guard, middle or exit relay.
type Relay struct {
	Kind   model.NodeType
	ORPort int
}

// Client configures a client exposing a socks listener.
type Client struct {
	SocksPort int
}

// HiddenService configures an onion service.
type HiddenService struct {
	Dir         string
	VirtualPort int
	TargetIP    string
	TargetPort  int
}

// Type implements Role.
func (Authority) Type() model.NodeType { return model.NodeTypeDA }

// Type implements Role.
func (r Relay) Type() model.NodeType { return r.Kind }

// Type implements Role.
func (Client) Type() model.NodeType { return model.NodeTypeClient }

// Type implements Role.
func (HiddenService) Type() model.NodeType { return model.NodeTypeHS }

// Config is a complete node configuration.
type Config struct {
	Base Base
	Role Role
	// Authorities are DirAuthority lines from the quorum registry.
	Authorities []string
}

// writer accumulates torrc lines.
type writer struct {
	b strings.Builder
}

func (w *writer) set(key string, values ...any) {
	w.b.WriteString(key)
	for _, v := range values {
		w.b.WriteByte(' ')
		fmt.Fprint(&w.b, v)
	}
	w.b.WriteByte('\n')
}

func (w *writer) comment(s string) {
	w.b.WriteString("\n## " + s + "\n")
}

func boolFlag(b bool) int {
	if b {
		return 1
	}
	return 0
}

func seconds(d time.Duration) int {
	return int(d / time.Second)
}

func (a Authority) render(w *writer, base Base) error {
	if a.ORPort == 0 || a.DirPort == 0 {
		return fmt.Errorf("%w: authority needs or and dir ports", ErrMissingPort)
	}
	w.comment("directory authority")
	w.set("ORPort", a.ORPort)
	w.set("DirPort", a.DirPort)
	w.set("AuthoritativeDirectory", 1)
	w.set("V3AuthoritativeDirectory", 1)
	w.set("ExitPolicy", "accept *:*")
	if base.Tuning.TestingNetwork {
		w.set("TestingDirAuthVoteExit", "*")
		w.set("TestingDirAuthVoteGuard", "*")
		w.set("TestingDirAuthVoteHSDir", "*")
	}
	return nil
}

func (r Relay) render(w *writer, _ Base) error {
	if !r.Kind.IsRelay() {
		return fmt.Errorf("relay role with node type %q", r.Kind)
	}
	if r.ORPort == 0 {
		return fmt.Errorf("%w: relay needs an or port", ErrMissingPort)
	}
	w.comment(string(r.Kind) + " relay")
	w.set("ORPort", r.ORPort)
	w.set("SocksPort", 0)
	switch r.Kind {
	case model.NodeTypeExit:
		w.set("ExitRelay", 1)
		w.set("ExitPolicy", "accept *:*")
		w.set("IPv6Exit", 0)
	default:
		w.set("ExitRelay", 0)
		w.set("ExitPolicy", "reject *:*")
	}
	return nil
}

func (c Client) render(w *writer, _ Base) error {
	if c.SocksPort == 0 {
		return fmt.Errorf("%w: client needs a socks port", ErrMissingPort)
	}
	w.comment("client")
	w.set("SocksPort", "0.0.0.0:"+strconv.Itoa(c.SocksPort))
	w.set("ExitRelay", 0)
	return nil
}

func (h HiddenService) render(w *writer, _ Base) error {
	if h.VirtualPort == 0 || h.TargetPort == 0 {
		return fmt.Errorf("%w: hidden service needs virtual and target ports", ErrMissingPort)
	}
	w.comment("hidden service")
	w.set("SocksPort", 0)
	w.set("HiddenServiceDir", h.Dir)
	w.set("HiddenServicePort", h.VirtualPort, h.TargetIP+":"+strconv.Itoa(h.TargetPort))
	return nil
}

// Render returns the torrc text of c.
func (c *Config) Render() (string, error) {
	if c.Role == nil {
		return "", errors.New("torrc: no role")
	}
	b := c.Base
	w := &writer{}

	w.set("## torlab", string(c.Role.Type()), b.Nickname)
	if b.Tuning.TestingNetwork {
		w.set("TestingTorNetwork", 1)
	}
	w.set("DataDirectory", b.DataDir)
	w.set("Nickname", b.Nickname)
	if b.Address != "" {
		w.set("Address", b.Address)
	}
	if b.ContactInfo != "" {
		w.set("ContactInfo", b.ContactInfo)
	}
	w.set("RunAsDaemon", 0)
	w.set("ShutdownWaitLength", 0)
	w.set("SafeLogging", 0)
	w.set("ProtocolWarnings", 1)
	w.set("Log", "notice", "stdout")
	w.set("Log", "notice", "file", filepath.Join(b.DataDir, LogFile))
	w.set("PidFile", filepath.Join(b.DataDir, PidFile))
	if b.ControlPort != 0 {
		w.set("ControlPort", "0.0.0.0:"+strconv.Itoa(b.ControlPort))
		w.set("CookieAuthentication", 1)
	}
	w.set("AssumeReachable", boolFlag(b.Tuning.AssumeReachable))
	if b.Tuning.TestingNetwork && b.Tuning.VotingInterval > 0 {
		vi := seconds(b.Tuning.VotingInterval)
		delay := max(vi/5, 2)
		w.set("TestingV3AuthInitialVotingInterval", vi)
		w.set("V3AuthVotingInterval", vi)
		w.set("TestingV3AuthInitialVoteDelay", delay)
		w.set("TestingV3AuthInitialDistDelay", delay)
		w.set("V3AuthVoteDelay", delay)
		w.set("V3AuthDistDelay", delay)
		w.set("PathsNeededToBuildCircuits", "0.67")
	}

	if err := c.Role.render(w, b); err != nil {
		return "", err
	}

	if len(c.Authorities) > 0 {
		w.b.WriteString(authoritiesMarker)
		for _, line := range c.Authorities {
			w.b.WriteString(line + "\n")
		}
	}
	return w.b.String(), nil
}

// authoritiesMarker separates the rendered configuration from the
// authority lines appended after the quorum wait.
const authoritiesMarker = "\n## authorities\n"

// Write renders c to path.
func Write(path string, c *Config) error {
	text, err := c.Render()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create torrc dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(text), 0o640); err != nil {
		return fmt.Errorf("write torrc: %w", err)
	}
	return nil
}

// AppendAuthorities replaces the authority section of the torrc at path
// with lines. Calling it again with the same lines leaves the file
// unchanged.
func AppendAuthorities(path string, lines []string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is inside the node data directory
	if err != nil {
		return fmt.Errorf("read torrc: %w", err)
	}
	text := string(data)
	if i := strings.Index(text, authoritiesMarker); i >= 0 {
		text = text[:i]
	}
	var b strings.Builder
	b.WriteString(text)
	if len(lines) > 0 {
		b.WriteString(authoritiesMarker)
		for _, line := range lines {
			b.WriteString(line + "\n")
		}
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o640); err != nil {
		return fmt.Errorf("write torrc: %w", err)
	}
	return nil
}

// Authorities returns the DirAuthority lines of the torrc at path.
func Authorities(path string) ([]string, error) {
	f, err := os.Open(path) //nolint:gosec // path is inside the node data directory
	if err != nil {
		return nil, fmt.Errorf("open torrc: %w", err)
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "DirAuthority ") {
			out = append(out, line)
		}
	}
	return out, scanner.Err()
}

// RoleFor builds the role variant of a node type from its ports. hs
// describes the onion service target and is ignored for other types.
func RoleFor(t model.NodeType, ports model.Ports, hs HiddenService) (Role, error) {
	switch t {
	case model.NodeTypeDA:
		return Authority{ORPort: ports.OR, DirPort: ports.Dir}, nil
	case model.NodeTypeGuard, model.NodeTypeMiddle, model.NodeTypeExit:
		return Relay{Kind: t, ORPort: ports.OR}, nil
	case model.NodeTypeClient:
		return Client{SocksPort: ports.Socks}, nil
	case model.NodeTypeHS:
		return hs, nil
	default:
		return nil, fmt.Errorf("torrc: unknown node type %q", t)
	}
}
