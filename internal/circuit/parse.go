package circuit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nao1215/torlab/internal/model"
)

// ErrMalformedEvent is returned for CIRC lines that cannot be parsed.
var ErrMalformedEvent = errors.New("malformed circuit event")

// timeCreatedFormat is the layout of the TIME_CREATED keyword.
const timeCreatedFormat = "2006-01-02T15:04:05.999999"

// Parsed is a CIRC notification before it is bound to a network.
type Parsed struct {
	CircuitID    string
	EventType    model.CircuitEventType
	Path         []model.Hop
	Purpose      string
	Reason       string
	RemoteReason string
	Flags        []string
	Created      time.Time
}

// Parse parses a CIRC event line or a circuit-status entry:
//
//	CIRC 7 BUILT $AAAA~guard0,$BBBB~middle0 PURPOSE=GENERAL TIME_CREATED=...
//	7 BUILT $AAAA~guard0,$BBBB~middle0 PURPOSE=GENERAL
func Parse(line string) (*Parsed, error) {
	fields := strings.Fields(line)
	if len(fields) > 0 && fields[0] == "CIRC" {
		fields = fields[1:]
	}
	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: %q", ErrMalformedEvent, line)
	}

	p := &Parsed{CircuitID: fields[0]}
	t, err := model.ParseCircuitEventType(fields[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	p.EventType = t

	rest := fields[2:]
	if len(rest) > 0 && strings.HasPrefix(rest[0], "$") {
		p.Path = ParsePath(rest[0])
		rest = rest[1:]
	}
	for _, kv := range rest {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch key {
		case "PURPOSE":
			p.Purpose = value
		case "REASON":
			p.Reason = value
		case "REMOTE_REASON":
			p.RemoteReason = value
		case "BUILD_FLAGS":
			p.Flags = strings.Split(value, ",")
		case "TIME_CREATED":
			if ts, err := time.Parse(timeCreatedFormat, value); err == nil {
				p.Created = ts
			}
		}
	}
	return p, nil
}

// ParsePath splits a comma separated long name list ($FP~nick or $FP=nick)
// into hops.
func ParsePath(s string) []model.Hop {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	hops := make([]model.Hop, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimPrefix(part, "$")
		fp, nick, _ := strings.Cut(part, "~")
		if nick == "" {
			fp, nick, _ = strings.Cut(part, "=")
		}
		hops = append(hops, model.Hop{Fingerprint: strings.ToUpper(fp), Nickname: nick})
	}
	return hops
}
