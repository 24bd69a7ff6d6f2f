package tor

import "errors"

// SOCKS probe errors.
var (
	// ErrProxyNotTor is returned when the address answers but does not
	// behave like a tor SOCKS5 port.
	ErrProxyNotTor = errors.New("proxy is not a Tor SOCKS5 proxy")

	// ErrProxyCannotConnect is returned when no TCP connection could be
	// made. The node is usually not listening yet.
	ErrProxyCannotConnect = errors.New("cannot connect to Tor proxy")

	// ErrProxyTimeout is returned when the handshake does not finish in
	// time.
	ErrProxyTimeout = errors.New("timeout connecting to Tor proxy")

	// ErrInvalidProxyAddress is returned when the address is not host:port.
	ErrInvalidProxyAddress = errors.New("invalid proxy address format: expected host:port")

	// ErrPreflight is returned when the embedded tor could not be launched.
	ErrPreflight = errors.New("tor preflight failed")
)

// ProxyStatus is the outcome of a SOCKS readiness probe.
type ProxyStatus int

const (
	// ProxyStatusOK means the port completed a SOCKS5 CONNECT exchange.
	ProxyStatusOK ProxyStatus = iota
	// ProxyStatusWrongType means something answered that is not tor.
	ProxyStatusWrongType
	// ProxyStatusCannotConnect means nothing is listening.
	ProxyStatusCannotConnect
	// ProxyStatusTimeout means the exchange stalled.
	ProxyStatusTimeout
)

// String returns a human readable description of the status.
func (s ProxyStatus) String() string {
	switch s {
	case ProxyStatusOK:
		return "OK"
	case ProxyStatusWrongType:
		return "wrong type (not Tor)"
	case ProxyStatusCannotConnect:
		return "cannot connect"
	case ProxyStatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error returns the error for this status, or nil if OK.
func (s ProxyStatus) Error() error {
	switch s {
	case ProxyStatusOK:
		return nil
	case ProxyStatusWrongType:
		return ErrProxyNotTor
	case ProxyStatusCannotConnect:
		return ErrProxyCannotConnect
	case ProxyStatusTimeout:
		return ErrProxyTimeout
	default:
		return errors.New("unknown proxy status")
	}
}
