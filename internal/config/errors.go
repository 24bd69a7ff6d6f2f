package config

import (
	"errors"
	"fmt"
)

// ErrConfiguration is the root of every configuration error. Configuration
// errors are fatal and are reported before any process starts.
var ErrConfiguration = errors.New("configuration error")

// Configuration validation errors.
// These errors are returned by Config.Validate() and ParseNodeEnv and wrap
// ErrConfiguration, so callers can match either the specific problem or
// the whole class with errors.Is().
var (
	// ErrInvalidRuntime is returned when the runtime backend is unknown.
	ErrInvalidRuntime = fmt.Errorf("%w: runtime must be one of docker, process or memory", ErrConfiguration)

	// ErrInvalidQuorumBackend is returned when the quorum backend is unknown.
	ErrInvalidQuorumBackend = fmt.Errorf("%w: quorum backend must be one of memory, file, etcd or redis", ErrConfiguration)

	// ErrQuorumNotShared is returned when node containers could not reach
	// the quorum registry.
	ErrQuorumNotShared = fmt.Errorf("%w: the docker runtime needs a file, etcd or redis quorum backend", ErrConfiguration)

	// ErrMissingEtcdEndpoints is returned when the etcd backend is selected
	// without any endpoint.
	ErrMissingEtcdEndpoints = fmt.Errorf("%w: etcd quorum backend requires at least one endpoint", ErrConfiguration)

	// ErrMissingRedisAddr is returned when the redis backend is selected
	// without an address.
	ErrMissingRedisAddr = fmt.Errorf("%w: redis quorum backend requires an address", ErrConfiguration)

	// ErrInvalidTimeout is returned when the quorum timeout is not positive.
	// A zero timeout would make every non-authority node start degraded.
	ErrInvalidTimeout = fmt.Errorf("%w: quorum timeout must be positive", ErrConfiguration)

	// ErrInvalidPollInterval is returned when a polling interval is not
	// positive.
	ErrInvalidPollInterval = fmt.Errorf("%w: poll interval must be positive", ErrConfiguration)

	// ErrInvalidConcurrency is returned when the bootstrap concurrency is not
	// positive.
	ErrInvalidConcurrency = fmt.Errorf("%w: max concurrent bootstraps must be positive", ErrConfiguration)

	// ErrInvalidCaptureLimit is returned when capture rotation limits are
	// negative.
	ErrInvalidCaptureLimit = fmt.Errorf("%w: capture size and rotate interval must be non-negative", ErrConfiguration)

	// ErrMissingDataDir is returned when no data directory is configured.
	ErrMissingDataDir = fmt.Errorf("%w: data directory must be set", ErrConfiguration)

	// ErrMissingRole is returned when the node environment lacks ROLE.
	ErrMissingRole = fmt.Errorf("%w: ROLE is required", ErrConfiguration)

	// ErrInvalidRole is returned when ROLE names an unknown node type.
	ErrInvalidRole = fmt.Errorf("%w: ROLE must be one of da, relay, guard, middle, exit, client or hs", ErrConfiguration)

	// ErrInvalidNodeEnv is returned when a numeric node variable cannot be
	// parsed or is out of range.
	ErrInvalidNodeEnv = fmt.Errorf("%w: invalid node environment", ErrConfiguration)
)
