package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nao1215/torlab/internal/model"
)

const networkColumns = `id, name, slug, description, template, counts, base_ports, tuning, capture,
	status, bootstrap_progress, degraded, warning, last_error, error_acknowledged,
	consensus_valid_after, consensus_valid_until, bytes_read, bytes_written,
	circuits_built, circuits_failed, created_at, updated_at, started_at, stopped_at`

const nodeColumns = `id, network_id, node_type, idx, name, address,
	control_port, or_port, socks_port, dir_port, fingerprint, v3_identity, onion_address,
	status, desired_running, degraded, last_error, control_failures,
	bytes_read, bytes_written, circuits_active, circuits_created, bandwidth_rate, bandwidth_burst,
	created_at, updated_at, started_at`

// networkArgs returns the column values of n in networkColumns order.
func networkArgs(n *model.TorNetwork) ([]any, error) {
	counts, err := json.Marshal(n.Counts)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize counts: %w", err)
	}
	basePorts, err := json.Marshal(n.BasePorts)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize base ports: %w", err)
	}
	tuning, err := json.Marshal(n.Tuning)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize tuning: %w", err)
	}
	capture, err := json.Marshal(n.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize capture defaults: %w", err)
	}
	return []any{
		n.ID, n.Name, n.Slug, n.Description, string(n.Template),
		string(counts), string(basePorts), string(tuning), string(capture),
		string(n.Status), n.BootstrapProgress, n.Degraded, n.Warning, n.LastError, n.ErrorAcknowledged,
		formatTime(n.ConsensusValidAfter), formatTime(n.ConsensusValidUntil),
		n.BytesRead, n.BytesWritten, n.CircuitsBuilt, n.CircuitsFailed,
		formatTime(n.CreatedAt), formatTime(n.UpdatedAt), formatTime(n.StartedAt), formatTime(n.StoppedAt),
	}, nil
}

func scanNetwork(row rowScanner) (*model.TorNetwork, error) {
	var (
		n                                   model.TorNetwork
		template, status                    string
		counts, basePorts, tuning, capture  string
		validAfter, validUntil              string
		createdAt, updatedAt, started, stop string
	)
	err := row.Scan(
		&n.ID, &n.Name, &n.Slug, &n.Description, &template,
		&counts, &basePorts, &tuning, &capture,
		&status, &n.BootstrapProgress, &n.Degraded, &n.Warning, &n.LastError, &n.ErrorAcknowledged,
		&validAfter, &validUntil,
		&n.BytesRead, &n.BytesWritten, &n.CircuitsBuilt, &n.CircuitsFailed,
		&createdAt, &updatedAt, &started, &stop,
	)
	if err != nil {
		return nil, err
	}
	n.Template = model.Template(template)
	n.Status = model.Status(status)
	for _, f := range []struct {
		raw string
		dst any
	}{
		{counts, &n.Counts},
		{basePorts, &n.BasePorts},
		{tuning, &n.Tuning},
		{capture, &n.Capture},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("failed to parse network %s: %w", n.ID, err)
		}
	}
	n.ConsensusValidAfter = parseTimestamp(validAfter)
	n.ConsensusValidUntil = parseTimestamp(validUntil)
	n.CreatedAt = parseTimestamp(createdAt)
	n.UpdatedAt = parseTimestamp(updatedAt)
	n.StartedAt = parseTimestamp(started)
	n.StoppedAt = parseTimestamp(stop)
	return &n, nil
}

func nodeArgs(n *model.TorNode) []any {
	return []any{
		n.ID, n.NetworkID, string(n.Type), n.Index, n.Name, n.Address,
		n.Ports.Control, n.Ports.OR, n.Ports.Socks, n.Ports.Dir,
		n.Fingerprint, n.V3Identity, n.OnionAddress,
		string(n.Status), n.DesiredRunning, n.Degraded, n.LastError, n.ControlFailures,
		n.BytesRead, n.BytesWritten, n.CircuitsActive, n.CircuitsCreated, n.BandwidthRate, n.BandwidthBurst,
		formatTime(n.CreatedAt), formatTime(n.UpdatedAt), formatTime(n.StartedAt),
	}
}

func scanNode(row rowScanner) (*model.TorNode, error) {
	var (
		n                            model.TorNode
		nodeType, status             string
		createdAt, updatedAt, started string
	)
	err := row.Scan(
		&n.ID, &n.NetworkID, &nodeType, &n.Index, &n.Name, &n.Address,
		&n.Ports.Control, &n.Ports.OR, &n.Ports.Socks, &n.Ports.Dir,
		&n.Fingerprint, &n.V3Identity, &n.OnionAddress,
		&status, &n.DesiredRunning, &n.Degraded, &n.LastError, &n.ControlFailures,
		&n.BytesRead, &n.BytesWritten, &n.CircuitsActive, &n.CircuitsCreated, &n.BandwidthRate, &n.BandwidthBurst,
		&createdAt, &updatedAt, &started,
	)
	if err != nil {
		return nil, err
	}
	n.Type = model.NodeType(nodeType)
	n.Status = model.Status(status)
	n.CreatedAt = parseTimestamp(createdAt)
	n.UpdatedAt = parseTimestamp(updatedAt)
	n.StartedAt = parseTimestamp(started)
	return &n, nil
}

func insertNode(ctx context.Context, ex execer, n *model.TorNode) error {
	query := `INSERT INTO nodes (` + nodeColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := ex.ExecContext(ctx, query, nodeArgs(n)...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: node %s", ErrConflict, n.Name)
		}
		return fmt.Errorf("failed to insert node: %w", err)
	}
	return nil
}

// CreateNetwork inserts a network together with its nodes in one
// transaction. A name or slug that is already taken returns ErrConflict.
func (s *Store) CreateNetwork(ctx context.Context, n *model.TorNetwork, nodes []*model.TorNode) error {
	args, err := networkArgs(n)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := `INSERT INTO networks (` + networkColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: network %q already exists", ErrConflict, n.Name)
			}
			return fmt.Errorf("failed to insert network: %w", err)
		}
		for _, node := range nodes {
			if err := insertNode(ctx, tx, node); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetNetwork returns the network with the given id.
func (s *Store) GetNetwork(ctx context.Context, id string) (*model.TorNetwork, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+networkColumns+` FROM networks WHERE id = ?`, id)
	n, err := scanNetwork(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: network %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get network: %w", err)
	}
	return n, nil
}

// FindNetwork resolves a network by id, slug or name.
func (s *Store) FindNetwork(ctx context.Context, ref string) (*model.TorNetwork, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+networkColumns+` FROM networks WHERE id = ? OR slug = ? OR name = ? LIMIT 1`,
		ref, ref, ref)
	n, err := scanNetwork(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: network %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find network: %w", err)
	}
	return n, nil
}

// ListNetworks returns every network ordered by creation time.
func (s *Store) ListNetworks(ctx context.Context) ([]*model.TorNetwork, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+networkColumns+` FROM networks ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list networks: %w", err)
	}
	defer rows.Close()

	var out []*model.TorNetwork
	for rows.Next() {
		n, err := scanNetwork(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan network: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// UpdateNetwork overwrites the stored network with n.
func (s *Store) UpdateNetwork(ctx context.Context, n *model.TorNetwork) error {
	return updateNetwork(ctx, s.db, n)
}

// MutateNetwork applies fn to the current network record and stores the
// result in one transaction. An error from fn aborts the write.
func (s *Store) MutateNetwork(ctx context.Context, id string, fn func(*model.TorNetwork) error) (*model.TorNetwork, error) {
	var out *model.TorNetwork
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+networkColumns+` FROM networks WHERE id = ?`, id)
		n, err := scanNetwork(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: network %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to get network: %w", err)
		}
		if err := fn(n); err != nil {
			return err
		}
		out = n
		return updateNetwork(ctx, tx, n)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func updateNetwork(ctx context.Context, ex execer, n *model.TorNetwork) error {
	args, err := networkArgs(n)
	if err != nil {
		return err
	}
	query := `UPDATE networks SET
		name = ?, slug = ?, description = ?, template = ?, counts = ?, base_ports = ?, tuning = ?, capture = ?,
		status = ?, bootstrap_progress = ?, degraded = ?, warning = ?, last_error = ?, error_acknowledged = ?,
		consensus_valid_after = ?, consensus_valid_until = ?, bytes_read = ?, bytes_written = ?,
		circuits_built = ?, circuits_failed = ?, created_at = ?, updated_at = ?, started_at = ?, stopped_at = ?
	WHERE id = ?`
	res, err := ex.ExecContext(ctx, query, append(args[1:], n.ID)...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: network %q already exists", ErrConflict, n.Name)
		}
		return fmt.Errorf("failed to update network: %w", err)
	}
	return expectRow(res, "network", n.ID)
}

// DeleteNetwork removes a network. Its nodes, captures and circuit events
// go with it.
func (s *Store) DeleteNetwork(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM networks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete network: %w", err)
	}
	return expectRow(res, "network", id)
}

// AddNode inserts a node into an existing network.
func (s *Store) AddNode(ctx context.Context, n *model.TorNode) error {
	return insertNode(ctx, s.db, n)
}

// GetNode returns the node with the given id.
func (s *Store) GetNode(ctx context.Context, id string) (*model.TorNode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: node %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return n, nil
}

// FindNode resolves a node by id or by name within any network.
func (s *Store) FindNode(ctx context.Context, ref string) (*model.TorNode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = ? OR name = ? LIMIT 1`, ref, ref)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: node %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find node: %w", err)
	}
	return n, nil
}

// NodeByFingerprint returns the node whose relay fingerprint is fp.
func (s *Store) NodeByFingerprint(ctx context.Context, fp string) (*model.TorNode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE fingerprint = ? AND fingerprint != '' LIMIT 1`, fp)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: node with fingerprint %s", ErrNotFound, fp)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find node by fingerprint: %w", err)
	}
	return n, nil
}

// ListNodes returns the nodes of a network ordered by type and index.
func (s *Store) ListNodes(ctx context.Context, networkID string) ([]*model.TorNode, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE network_id = ?
		ORDER BY CASE node_type
			WHEN 'da' THEN 0 WHEN 'guard' THEN 1 WHEN 'middle' THEN 2
			WHEN 'exit' THEN 3 WHEN 'client' THEN 4 ELSE 5 END, idx`, networkID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var out []*model.TorNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// UpdateNode overwrites the stored node with n.
func (s *Store) UpdateNode(ctx context.Context, n *model.TorNode) error {
	return updateNode(ctx, s.db, n)
}

// MutateNode applies fn to the current node record and stores the result
// in one transaction. An error from fn aborts the write.
func (s *Store) MutateNode(ctx context.Context, id string, fn func(*model.TorNode) error) (*model.TorNode, error) {
	var out *model.TorNode
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
		n, err := scanNode(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: node %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to get node: %w", err)
		}
		if err := fn(n); err != nil {
			return err
		}
		out = n
		return updateNode(ctx, tx, n)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func updateNode(ctx context.Context, ex execer, n *model.TorNode) error {
	args := nodeArgs(n)
	query := `UPDATE nodes SET
		network_id = ?, node_type = ?, idx = ?, name = ?, address = ?,
		control_port = ?, or_port = ?, socks_port = ?, dir_port = ?,
		fingerprint = ?, v3_identity = ?, onion_address = ?,
		status = ?, desired_running = ?, degraded = ?, last_error = ?, control_failures = ?,
		bytes_read = ?, bytes_written = ?, circuits_active = ?, circuits_created = ?,
		bandwidth_rate = ?, bandwidth_burst = ?,
		created_at = ?, updated_at = ?, started_at = ?
	WHERE id = ?`
	res, err := ex.ExecContext(ctx, query, append(args[1:], n.ID)...)
	if err != nil {
		return fmt.Errorf("failed to update node: %w", err)
	}
	return expectRow(res, "node", n.ID)
}

// DeleteNode removes a node and its captures. Circuit events it produced
// keep their place in the log with the node reference cleared.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}
	return expectRow(res, "node", id)
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return nil
}
