package tor

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/nao1215/tornago"
)

// DefaultPreflightTimeout is how long the embedded tor may take to come up.
const DefaultPreflightTimeout = 3 * time.Minute

// PreflightResult describes a successful preflight launch.
type PreflightResult struct {
	SocksAddr   string        `json:"socks_addr"`
	ControlAddr string        `json:"control_addr"`
	Proxy       ProxyStatus   `json:"proxy_status"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Launcher starts a tor daemon and returns its listener addresses and a
// stop function. The default launcher uses tornago.
type Launcher func(ctx context.Context, timeout time.Duration) (socks, control string, stop func() error, err error)

// TornagoLauncher launches tor through tornago on OS assigned ports.
func TornagoLauncher(ctx context.Context, timeout time.Duration) (string, string, func() error, error) {
	cfg, err := tornago.NewTorLaunchConfig(
		tornago.WithTorSocksAddr(":0"),
		tornago.WithTorControlAddr(":0"),
		tornago.WithTorStartupTimeout(timeout),
	)
	if err != nil {
		return "", "", nil, fmt.Errorf("launch config: %w", err)
	}

	process, err := tornago.StartTorDaemon(cfg)
	if err != nil {
		return "", "", nil, err
	}
	if err := ctx.Err(); err != nil {
		_ = process.Stop() //nolint:errcheck // best effort cleanup
		return "", "", nil, err
	}
	return process.SocksAddr(), process.ControlAddr(), process.Stop, nil
}

// Preflight launches a throwaway tor, probes its SOCKS port and stops it.
// It proves that the tor binary on this host can start before any network
// is provisioned with the process runtime.
func Preflight(ctx context.Context, launch Launcher, timeout time.Duration) (PreflightResult, error) {
	if launch == nil {
		launch = TornagoLauncher
	}
	if timeout <= 0 {
		timeout = DefaultPreflightTimeout
	}

	began := time.Now()
	socks, control, stop, err := launch(ctx, timeout)
	if err != nil {
		return PreflightResult{}, fmt.Errorf("%w: %w", ErrPreflight, err)
	}
	defer stop() //nolint:errcheck // the daemon is discarded either way

	socks = loopbackIfUnspecified(socks)
	res := PreflightResult{
		SocksAddr:   socks,
		ControlAddr: control,
		Proxy:       ProxyStatusCannotConnect,
	}
	client, err := NewClient(socks, timeout)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrPreflight, err)
	}
	res.Proxy = client.CheckConnection(ctx)
	res.Elapsed = time.Since(began)
	if err := res.Proxy.Error(); err != nil {
		return res, fmt.Errorf("%w: %w", ErrPreflight, err)
	}
	return res, nil
}

// loopbackIfUnspecified turns ":port" into "127.0.0.1:port".
func loopbackIfUnspecified(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host != "" {
		return addr
	}
	return net.JoinHostPort("127.0.0.1", port)
}
