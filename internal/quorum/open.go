package quorum

import (
	"fmt"

	"github.com/nao1215/torlab/internal/config"
)

// Open returns the barrier selected by cfg and a function that releases
// its connections.
func Open(cfg *config.Config) (Barrier, func() error, error) {
	noop := func() error { return nil }
	switch cfg.QuorumBackend {
	case config.QuorumMemory, "":
		return NewMemory(), noop, nil
	case config.QuorumFile:
		b, err := NewFile(cfg.QuorumDir())
		if err != nil {
			return nil, nil, err
		}
		return b, noop, nil
	case config.QuorumEtcd:
		b, err := NewEtcd(cfg.EtcdEndpoints)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	case config.QuorumRedis:
		b := NewRedis(cfg.RedisAddr)
		return b, b.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", config.ErrInvalidQuorumBackend, cfg.QuorumBackend)
	}
}
