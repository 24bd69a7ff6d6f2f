package tor

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"
)

// Control port errors.
var (
	// ErrControlUnreachable is returned when the control port cannot be
	// dialed.
	ErrControlUnreachable = errors.New("control port unreachable")

	// ErrControlAuth is returned when authentication is rejected or no
	// usable method is offered.
	ErrControlAuth = errors.New("control port authentication failed")

	// ErrControlReply is returned for a non 2xx reply.
	ErrControlReply = errors.New("control port error reply")
)

// defaultControlTimeout bounds dialing and each command round trip.
const defaultControlTimeout = 5 * time.Second

// Control is a control port connection that streams asynchronous events.
// Request/reply queries go through Query, whose tornago client discards
// 650 lines. A Control is not safe for concurrent use.
type Control struct {
	conn    net.Conn
	text    *textproto.Conn
	timeout time.Duration

	password   string
	cookieFile string
}

// ControlOption configures DialControl.
type ControlOption func(*Control)

// WithPassword authenticates with a control password.
func WithPassword(password string) ControlOption {
	return func(c *Control) { c.password = password }
}

// WithCookieFile reads the auth cookie from path instead of the path tor
// reports. The controller sees a container's data directory under a
// different path than tor does.
func WithCookieFile(path string) ControlOption {
	return func(c *Control) { c.cookieFile = path }
}

// WithControlTimeout sets the per command timeout.
func WithControlTimeout(d time.Duration) ControlOption {
	return func(c *Control) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// DialControl connects to the control port at addr and authenticates.
func DialControl(ctx context.Context, addr string, opts ...ControlOption) (*Control, error) {
	c := &Control{timeout: defaultControlTimeout}
	for _, opt := range opts {
		opt(c)
	}

	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrControlUnreachable, addr, err)
	}
	c.conn = conn
	c.text = textproto.NewConn(conn)

	if err := c.authenticate(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the connection after sending QUIT.
func (c *Control) Close() error {
	_ = c.conn.SetDeadline(time.Now().Add(time.Second)) //nolint:errcheck // best effort
	_ = c.text.PrintfLine("QUIT")                       //nolint:errcheck // best effort
	return c.text.Close()
}

// Reply is one control port reply.
type Reply struct {
	Status int
	// Lines holds the text of every reply line without the status code.
	Lines []string
	// Data holds the data blocks of "+" lines, keyed by the line text
	// before "=".
	Data map[string]string
}

// readReply reads a full reply: zero or more "NNN-" or "NNN+" lines and a
// final "NNN " line.
func (c *Control) readReply() (*Reply, error) {
	r := &Reply{Data: make(map[string]string)}
	for {
		line, err := c.text.ReadLine()
		if err != nil {
			return nil, err
		}
		if len(line) < 4 {
			return nil, fmt.Errorf("%w: short line %q", ErrControlReply, line)
		}
		status, err := strconv.Atoi(line[:3])
		if err != nil {
			return nil, fmt.Errorf("%w: bad status in %q", ErrControlReply, line)
		}
		r.Status = status
		sep, text := line[3], line[4:]
		r.Lines = append(r.Lines, text)

		switch sep {
		case '-':
		case '+':
			data, err := c.text.ReadDotLines()
			if err != nil {
				return nil, err
			}
			key, _, _ := strings.Cut(text, "=")
			r.Data[key] = strings.Join(data, "\n")
		case ' ':
			return r, nil
		default:
			return nil, fmt.Errorf("%w: bad separator in %q", ErrControlReply, line)
		}
	}
}

// Command sends one command and returns its reply. A reply status outside
// 2xx is returned as ErrControlReply.
func (c *Control) Command(format string, args ...any) (*Reply, error) {
	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, err
	}
	if err := c.text.PrintfLine(format, args...); err != nil {
		return nil, err
	}
	r, err := c.readReply()
	if err != nil {
		return nil, err
	}
	if r.Status < 200 || r.Status >= 300 {
		return r, fmt.Errorf("%w: %d %s", ErrControlReply, r.Status, strings.Join(r.Lines, "; "))
	}
	return r, nil
}

func (c *Control) authenticate() error {
	if c.password != "" {
		if _, err := c.Command("AUTHENTICATE %s", strconv.Quote(c.password)); err != nil {
			return fmt.Errorf("%w: %w", ErrControlAuth, err)
		}
		return nil
	}

	info, err := c.Command("PROTOCOLINFO 1")
	if err != nil {
		return fmt.Errorf("%w: protocolinfo: %w", ErrControlAuth, err)
	}
	methods, cookiePath := parseProtocolInfo(info.Lines)

	switch {
	case methods["NULL"]:
		_, err = c.Command("AUTHENTICATE")
	case methods["COOKIE"] || methods["SAFECOOKIE"]:
		path := c.cookieFile
		if path == "" {
			path = cookiePath
		}
		var cookie []byte
		cookie, err = os.ReadFile(path) //nolint:gosec // path comes from tor or the node data directory
		if err != nil {
			return fmt.Errorf("%w: read cookie: %w", ErrControlAuth, err)
		}
		_, err = c.Command("AUTHENTICATE %s", hex.EncodeToString(cookie))
	default:
		return fmt.Errorf("%w: no supported method", ErrControlAuth)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrControlAuth, err)
	}
	return nil
}

// parseProtocolInfo extracts the auth methods and cookie file path from
// PROTOCOLINFO reply lines such as
//
//	AUTH METHODS=COOKIE,SAFECOOKIE COOKIEFILE="/var/lib/tor/control_auth_cookie"
func parseProtocolInfo(lines []string) (map[string]bool, string) {
	methods := make(map[string]bool)
	cookie := ""
	for _, line := range lines {
		if !strings.HasPrefix(line, "AUTH ") {
			continue
		}
		for _, field := range strings.Fields(line[len("AUTH "):]) {
			key, value, _ := strings.Cut(field, "=")
			switch key {
			case "METHODS":
				for _, m := range strings.Split(value, ",") {
					methods[m] = true
				}
			case "COOKIEFILE":
				if unq, err := strconv.Unquote(value); err == nil {
					cookie = unq
				} else {
					cookie = value
				}
			}
		}
	}
	return methods, cookie
}

// SetEvents subscribes the connection to asynchronous events.
func (c *Control) SetEvents(events ...string) error {
	_, err := c.Command("SETEVENTS %s", strings.Join(events, " "))
	return err
}

// Events streams asynchronous event lines (the text after "650 ") to fn
// until ctx is cancelled, the connection fails or fn returns an error.
// SetEvents must have been called first.
func (c *Control) Events(ctx context.Context, fn func(line string) error) error {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now()) //nolint:errcheck // unblocks the read below
	})
	defer stop()

	if err := c.conn.SetDeadline(time.Time{}); err != nil {
		return err
	}
	for {
		line, err := c.text.ReadLine()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if len(line) < 4 || line[:3] != "650" {
			continue
		}
		if err := fn(line[4:]); err != nil {
			return err
		}
	}
}
