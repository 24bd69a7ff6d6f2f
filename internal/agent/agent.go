package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nao1215/torlab/internal/config"
	"github.com/nao1215/torlab/internal/identity"
	"github.com/nao1215/torlab/internal/model"
	"github.com/nao1215/torlab/internal/quorum"
	"github.com/nao1215/torlab/internal/torrc"
)

// Files the agent writes into a node's data directory.
const (
	TorrcFile  = "torrc"
	ResultFile = "bootstrap.json"
)

var (
	// ErrInvalidSpec is returned for a spec that cannot describe a node.
	ErrInvalidSpec = fmt.Errorf("%w: invalid node spec", config.ErrConfiguration)

	// ErrStartFailed is returned when the starter could not launch tor.
	ErrStartFailed = errors.New("failed to start tor")
)

// Spec describes the node to bootstrap.
type Spec struct {
	// Network scopes the quorum registry.
	Network  string
	Type     model.NodeType
	Nickname string
	// Address is the reachable address. When empty it is resolved.
	Address string
	// DataDir is the tor data directory as seen by the agent.
	DataDir string
	Ports   model.Ports
	// DACount is the quorum target.
	DACount     int
	Tuning      model.TorTuning
	ContactInfo string
	// HSPort, ServiceIP and ServicePort describe the onion service of an
	// hs node.
	HSPort      int
	ServiceIP   string
	ServicePort int
}

// SpecFromEnv converts a node environment into a Spec.
func SpecFromEnv(env *config.NodeEnv, tuning model.TorTuning) Spec {
	return Spec{
		Network:     env.Network,
		Type:        env.Role,
		Nickname:    env.Nick,
		Address:     env.Address,
		DataDir:     env.DataDir,
		Ports:       env.Ports,
		DACount:     env.DACount,
		Tuning:      tuning,
		HSPort:      env.HSPort,
		ServiceIP:   env.ServiceIP,
		ServicePort: env.ServicePort,
	}
}

func (s *Spec) validate() error {
	switch {
	case s.Network == "":
		return fmt.Errorf("%w: network is required", ErrInvalidSpec)
	case s.Nickname == "":
		return fmt.Errorf("%w: nickname is required", ErrInvalidSpec)
	case s.DataDir == "":
		return fmt.Errorf("%w: data directory is required", ErrInvalidSpec)
	case s.DACount < 1:
		return fmt.Errorf("%w: quorum target must be at least 1", ErrInvalidSpec)
	}
	if _, err := model.ParseNodeType(string(s.Type)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}
	return nil
}

// Result is what a bootstrap produced. It is also persisted as
// ResultFile so that a controller that did not run the agent itself can
// pick up the identity fields.
type Result struct {
	Nickname     string    `json:"nickname"`
	Type         string    `json:"node_type"`
	Address      string    `json:"address"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	V3Identity   string    `json:"v3_identity,omitempty"`
	OnionAddress string    `json:"onion_address,omitempty"`
	Authorities  []string  `json:"authorities"`
	Announced    bool      `json:"announced"`
	Degraded     bool      `json:"degraded"`
	Warning      string    `json:"warning,omitempty"`
	QuorumWaited Duration  `json:"quorum_waited"`
	TorrcPath    string    `json:"torrc_path"`
	StartedAt    time.Time `json:"started_at"`
}

// Duration marshals as a Go duration string.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Starter launches tor with the finished configuration.
type Starter func(ctx context.Context, spec Spec, torrcPath string) error

// Agent runs node bootstraps against one quorum barrier.
type Agent struct {
	barrier       quorum.Barrier
	start         Starter
	logger        *slog.Logger
	timeout       time.Duration
	pollInterval  time.Duration
	progressEvery int
	resolve       func(ctx context.Context) (string, error)
	now           func() time.Time
	authorityBits int
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithQuorumTimeout bounds the quorum wait.
func WithQuorumTimeout(d time.Duration) Option {
	return func(a *Agent) { a.timeout = d }
}

// WithPollInterval sets the quorum poll tick.
func WithPollInterval(d time.Duration) Option {
	return func(a *Agent) { a.pollInterval = d }
}

// WithProgressEvery sets after how many ticks quorum progress is logged.
func WithProgressEvery(n int) Option {
	return func(a *Agent) { a.progressEvery = n }
}

// WithResolver replaces address resolution.
func WithResolver(fn func(ctx context.Context) (string, error)) Option {
	return func(a *Agent) { a.resolve = fn }
}

// WithAuthorityKeyBits sets the size of generated authority identity
// keys.
func WithAuthorityKeyBits(bits int) Option {
	return func(a *Agent) { a.authorityBits = bits }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// New returns an agent. A nil start makes Bootstrap stop after writing the
// configuration, leaving tor to the caller.
func New(barrier quorum.Barrier, start Starter, opts ...Option) *Agent {
	a := &Agent{
		barrier:       barrier,
		start:         start,
		logger:        slog.Default(),
		timeout:       config.DefaultQuorumTimeout,
		pollInterval:  quorum.DefaultPollInterval,
		progressEvery: quorum.DefaultProgressEvery,
		resolve:       ResolveAddress,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Bootstrap brings the node described by spec up. Re-running it for a
// node that already bootstrapped reuses the node's keys, re-announces
// the same line and returns the same identity.
func (a *Agent) Bootstrap(ctx context.Context, spec Spec) (*Result, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	logger := a.logger.With(
		slog.String("network", spec.Network),
		slog.String("node", spec.Nickname),
		slog.String("role", string(spec.Type)))

	if err := os.MkdirAll(spec.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	if spec.Address == "" {
		addr, err := a.resolve(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve address: %w", err)
		}
		spec.Address = addr
	}

	res := &Result{
		Nickname:  spec.Nickname,
		Type:      string(spec.Type),
		Address:   spec.Address,
		TorrcPath: filepath.Join(spec.DataDir, TorrcFile),
	}

	hs := torrc.HiddenService{}
	if spec.Type == model.NodeTypeHS {
		hsDir := identity.HiddenServiceDir(spec.DataDir)
		svc, err := identity.EnsureHiddenService(hsDir)
		if err != nil {
			return nil, fmt.Errorf("hidden service identity: %w", err)
		}
		res.OnionAddress = svc.Address
		hs = torrc.HiddenService{
			Dir:         hsDir,
			VirtualPort: spec.HSPort,
			TargetIP:    spec.ServiceIP,
			TargetPort:  spec.ServicePort,
		}
	}

	role, err := torrc.RoleFor(spec.Type, spec.Ports, hs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}
	cfg := &torrc.Config{
		Base: torrc.Base{
			Nickname:    spec.Nickname,
			DataDir:     spec.DataDir,
			Address:     spec.Address,
			ContactInfo: spec.ContactInfo,
			ControlPort: spec.Ports.Control,
			Tuning:      spec.Tuning,
		},
		Role: role,
	}
	if err := torrc.Write(res.TorrcPath, cfg); err != nil {
		if errors.Is(err, torrc.ErrMissingPort) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSpec, err)
		}
		return nil, err
	}

	if spec.Type == model.NodeTypeDA || spec.Type.IsRelay() {
		relay, err := identity.EnsureRelay(spec.DataDir)
		if err != nil {
			return nil, fmt.Errorf("relay identity: %w", err)
		}
		res.Fingerprint = relay.Fingerprint
		if err := identity.WriteFingerprintFile(spec.DataDir, spec.Nickname, relay.Fingerprint); err != nil {
			return nil, err
		}
	}

	if spec.Type == model.NodeTypeDA {
		if err := a.announce(ctx, spec, res, logger); err != nil {
			return nil, err
		}
	}

	wait, err := quorum.Await(ctx, a.barrier, spec.Network, spec.DACount, a.timeout,
		quorum.WithPollInterval(a.pollInterval),
		quorum.WithProgressEvery(a.progressEvery),
		quorum.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("await quorum: %w", err)
	}
	res.Authorities = wait.Lines
	res.QuorumWaited = Duration(wait.Waited)
	if !wait.Satisfied {
		res.Degraded = true
		res.Warning = wait.Err().Error()
		logger.Warn("starting without full authority quorum",
			slog.Int("announced", len(wait.Lines)),
			slog.Int("required", spec.DACount))
	}
	if err := torrc.AppendAuthorities(res.TorrcPath, wait.Lines); err != nil {
		return nil, err
	}

	if a.start != nil {
		if err := a.start(ctx, spec, res.TorrcPath); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStartFailed, err)
		}
	}
	res.StartedAt = a.now().UTC()

	if err := WriteResult(spec.DataDir, res); err != nil {
		return nil, err
	}
	logger.Info("node bootstrap started tor",
		slog.Bool("degraded", res.Degraded),
		slog.Int("authorities", len(res.Authorities)))
	return res, nil
}

func (a *Agent) announce(ctx context.Context, spec Spec, res *Result, logger *slog.Logger) error {
	auth, err := identity.EnsureAuthority(spec.DataDir, identity.AuthorityOptions{
		IdentityBits: a.authorityBits,
		Address:      net.JoinHostPort(spec.Address, strconv.Itoa(spec.Ports.Dir)),
		Now:          a.now,
	})
	if err != nil {
		return fmt.Errorf("authority identity: %w", err)
	}
	res.V3Identity = auth.V3Ident

	line := quorum.DALine{
		Nickname:    spec.Nickname,
		ORPort:      spec.Ports.OR,
		V3Ident:     auth.V3Ident,
		Address:     spec.Address,
		DirPort:     spec.Ports.Dir,
		Fingerprint: res.Fingerprint,
	}.String()

	added, err := a.barrier.Announce(ctx, spec.Network, line)
	if err != nil {
		return fmt.Errorf("announce authority: %w", err)
	}
	res.Announced = true
	logger.Info("announced directory authority", slog.Bool("new", added), slog.String("v3ident", auth.V3Ident))
	return nil
}

// WriteResult persists res into dataDir.
func WriteResult(dataDir string, res *Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dataDir, ResultFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write bootstrap result: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dataDir, ResultFile))
}

// ReadResult loads the result a previous bootstrap left in dataDir. It
// returns os.ErrNotExist when the node never bootstrapped.
func ReadResult(dataDir string) (*Result, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, ResultFile)) //nolint:gosec // node data directory
	if err != nil {
		return nil, err
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("parse bootstrap result: %w", err)
	}
	return &res, nil
}

// ResolveAddress returns the first non-loopback IPv4 address of the host,
// or 127.0.0.1 when there is none.
func ResolveAddress(_ context.Context) (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				if ip4 := ipnet.IP.To4(); ip4 != nil {
					return ip4.String(), nil
				}
			}
		}
	}
	return "127.0.0.1", nil
}

// RunTor runs tor in the foreground with torrcPath until it exits or ctx
// is cancelled. Node containers use it after Bootstrap.
func RunTor(ctx context.Context, binary, torrcPath string) error {
	cmd := exec.CommandContext(ctx, binary, "-f", torrcPath) //nolint:gosec // binary comes from configuration
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %w", ErrStartFailed, err)
	}
	return nil
}
