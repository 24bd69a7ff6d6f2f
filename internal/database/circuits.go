package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nao1215/torlab/internal/model"
)

const circuitColumns = `id, network_id, node_id, circuit_id, event_type, path, path_display,
	purpose, status, reason, remote_reason, build_time_ms, timestamp`

// InsertCircuitEvents appends events in one transaction and fills in
// their ids.
func (s *Store) InsertCircuitEvents(ctx context.Context, events []*model.CircuitEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO circuit_events (
			network_id, node_id, circuit_id, event_type, path, path_display,
			purpose, status, reason, remote_reason, build_time_ms, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, e := range events {
			path, err := json.Marshal(e.Path)
			if err != nil {
				return fmt.Errorf("failed to serialize path: %w", err)
			}
			var nodeID any
			if e.NodeID != "" {
				nodeID = e.NodeID
			}
			res, err := stmt.ExecContext(ctx,
				e.NetworkID, nodeID, e.CircuitID, string(e.EventType), string(path), e.PathDisplay,
				e.Purpose, e.Status, e.Reason, e.RemoteReason, e.BuildTime.Milliseconds(),
				formatTime(e.Timestamp),
			)
			if err != nil {
				return fmt.Errorf("failed to insert circuit event: %w", err)
			}
			if e.ID, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("failed to read circuit event id: %w", err)
			}
		}
		return nil
	})
}

// InsertCircuitEvent appends a single event.
func (s *Store) InsertCircuitEvent(ctx context.Context, e *model.CircuitEvent) error {
	return s.InsertCircuitEvents(ctx, []*model.CircuitEvent{e})
}

func circuitWhere(f model.CircuitFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.NetworkID != "" {
		where = append(where, "network_id = ?")
		args = append(args, f.NetworkID)
	}
	if f.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, f.NodeID)
	}
	if f.CircuitID != "" {
		where = append(where, "circuit_id = ?")
		args = append(args, f.CircuitID)
	}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(f.EventType))
	}
	if f.Purpose != "" {
		where = append(where, "purpose = ?")
		args = append(args, f.Purpose)
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(f.Since))
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

// QueryCircuitEvents returns events matching f in insertion order. A
// positive Limit keeps only the most recent events.
func (s *Store) QueryCircuitEvents(ctx context.Context, f model.CircuitFilter) ([]*model.CircuitEvent, error) {
	where, args := circuitWhere(f)
	query := `SELECT ` + circuitColumns + ` FROM circuit_events` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query circuit events: %w", err)
	}
	defer rows.Close()

	var out []*model.CircuitEvent
	for rows.Next() {
		var (
			e                   model.CircuitEvent
			nodeID              sql.NullString
			eventType, path, ts string
			buildMS             int64
		)
		if err := rows.Scan(
			&e.ID, &e.NetworkID, &nodeID, &e.CircuitID, &eventType, &path, &e.PathDisplay,
			&e.Purpose, &e.Status, &e.Reason, &e.RemoteReason, &buildMS, &ts,
		); err != nil {
			return nil, fmt.Errorf("failed to scan circuit event: %w", err)
		}
		e.NodeID = nodeID.String
		e.EventType = model.CircuitEventType(eventType)
		if err := json.Unmarshal([]byte(path), &e.Path); err != nil {
			return nil, fmt.Errorf("failed to parse circuit path: %w", err)
		}
		e.BuildTime = time.Duration(buildMS) * time.Millisecond
		e.Timestamp = parseTimestamp(ts)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Rows come newest first so LIMIT keeps the tail; hand them back in
	// insertion order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountCircuitEvents counts the events matching f, ignoring Limit.
func (s *Store) CountCircuitEvents(ctx context.Context, f model.CircuitFilter) (int64, error) {
	where, args := circuitWhere(f)
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM circuit_events`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count circuit events: %w", err)
	}
	return n, nil
}
