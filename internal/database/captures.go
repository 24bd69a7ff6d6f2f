package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/nao1215/torlab/internal/model"
)

const captureColumns = `id, node_id, network_id, capture_type, filter, file_path, file_size, file_hash,
	packet_count, byte_count, status, predecessor_id, error_message, started_at, stopped_at`

func captureArgs(c *model.TrafficCapture) []any {
	return []any{
		c.ID, c.NodeID, c.NetworkID, string(c.Type), c.Filter, c.FilePath, c.FileSize, c.FileHash,
		c.PacketCount, c.ByteCount, string(c.Status), c.PredecessorID, c.ErrorMessage,
		formatTime(c.StartedAt), formatTime(c.StoppedAt),
	}
}

func scanCapture(row rowScanner) (*model.TrafficCapture, error) {
	var (
		c                   model.TrafficCapture
		captureType, status string
		startedAt, stopped  string
	)
	err := row.Scan(
		&c.ID, &c.NodeID, &c.NetworkID, &captureType, &c.Filter, &c.FilePath, &c.FileSize, &c.FileHash,
		&c.PacketCount, &c.ByteCount, &status, &c.PredecessorID, &c.ErrorMessage,
		&startedAt, &stopped,
	)
	if err != nil {
		return nil, err
	}
	c.Type = model.CaptureType(captureType)
	c.Status = model.CaptureStatus(status)
	c.StartedAt = parseTimestamp(startedAt)
	c.StoppedAt = parseTimestamp(stopped)
	return &c, nil
}

func insertCapture(ctx context.Context, ex execer, c *model.TrafficCapture) error {
	query := `INSERT INTO captures (` + captureColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := ex.ExecContext(ctx, query, captureArgs(c)...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: node %s already has a recording capture", ErrConflict, c.NodeID)
		}
		return fmt.Errorf("failed to insert capture: %w", err)
	}
	return nil
}

func updateCapture(ctx context.Context, ex execer, c *model.TrafficCapture) error {
	query := `UPDATE captures SET
		node_id = ?, network_id = ?, capture_type = ?, filter = ?, file_path = ?, file_size = ?, file_hash = ?,
		packet_count = ?, byte_count = ?, status = ?, predecessor_id = ?, error_message = ?,
		started_at = ?, stopped_at = ?
	WHERE id = ?`
	args := captureArgs(c)
	res, err := ex.ExecContext(ctx, query, append(args[1:], c.ID)...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: node %s already has a recording capture", ErrConflict, c.NodeID)
		}
		return fmt.Errorf("failed to update capture: %w", err)
	}
	return expectRow(res, "capture", c.ID)
}

// InsertCapture stores a new capture. Starting a second recording capture
// for the same node returns ErrConflict.
func (s *Store) InsertCapture(ctx context.Context, c *model.TrafficCapture) error {
	return insertCapture(ctx, s.db, c)
}

// UpdateCapture overwrites the stored capture with c.
func (s *Store) UpdateCapture(ctx context.Context, c *model.TrafficCapture) error {
	return updateCapture(ctx, s.db, c)
}

// RotateCapture completes old and inserts its successor atomically, so a
// node never has zero or two recording captures in between.
func (s *Store) RotateCapture(ctx context.Context, old, successor *model.TrafficCapture) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := updateCapture(ctx, tx, old); err != nil {
			return err
		}
		return insertCapture(ctx, tx, successor)
	})
}

// GetCapture returns the capture with the given id.
func (s *Store) GetCapture(ctx context.Context, id string) (*model.TrafficCapture, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+captureColumns+` FROM captures WHERE id = ?`, id)
	c, err := scanCapture(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: capture %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get capture: %w", err)
	}
	return c, nil
}

// RecordingCapture returns the capture currently recording on a node.
func (s *Store) RecordingCapture(ctx context.Context, nodeID string) (*model.TrafficCapture, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+captureColumns+` FROM captures WHERE node_id = ? AND status = ?`,
		nodeID, string(model.CaptureRecording))
	c, err := scanCapture(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no recording capture on node %s", ErrNotFound, nodeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recording capture: %w", err)
	}
	return c, nil
}

// ListCaptures returns captures matching f, oldest first.
func (s *Store) ListCaptures(ctx context.Context, f model.CaptureFilter) ([]*model.TrafficCapture, error) {
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
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	} else if !f.IncludeDeleted {
		where = append(where, "status != ?")
		args = append(args, string(model.CaptureDeleted))
	}

	query := `SELECT ` + captureColumns + ` FROM captures`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list captures: %w", err)
	}
	defer rows.Close()

	var out []*model.TrafficCapture
	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan capture: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCapture removes the capture record.
func (s *Store) DeleteCapture(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM captures WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete capture: %w", err)
	}
	return expectRow(res, "capture", id)
}
