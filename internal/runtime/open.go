package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nao1215/torlab/internal/config"
)

// Open returns the runtime selected by cfg.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Runtime, error) {
	switch cfg.Runtime {
	case config.RuntimeDocker:
		return NewDocker(ctx, cfg.DockerNetwork, WithDockerLogger(logger))
	case config.RuntimeProcess:
		return NewProcess(WithProcessLogger(logger)), nil
	case config.RuntimeMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidRuntime, cfg.Runtime)
	}
}
