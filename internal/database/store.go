package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// FileName is the database file inside the data directory.
const FileName = "torlab.db"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write violates a uniqueness rule,
	// such as a second recording capture for one node.
	ErrConflict = errors.New("conflicting record")
)

// Store is the SQLite backed record store.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Options configures Store behavior.
type Options struct {
	// CreateIfNotExists creates the database file if it doesn't exist.
	CreateIfNotExists bool

	// EnableWAL enables write-ahead logging.
	EnableWAL bool
}

// DefaultOptions returns the default database options.
func DefaultOptions() Options {
	return Options{
		CreateIfNotExists: true,
		EnableWAL:         true,
	}
}

// Open opens or creates the store in dbDir.
func Open(dbDir string, opts Options) (*Store, error) {
	dbPath := filepath.Join(dbDir, FileName)

	if !opts.CreateIfNotExists {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("database not found at %s (use CreateIfNotExists option to create)", dbPath)
		} else if err != nil {
			return nil, fmt.Errorf("failed to check database path: %w", err)
		}
	} else if err := os.MkdirAll(dbDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	mode := "rw"
	if opts.CreateIfNotExists {
		mode = "rwc"
	}
	// Pragmas in the DSN apply to every connection the pool opens.
	dsn := dbPath + "?mode=" + mode + "&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, dbPath: dbPath}

	if opts.EnableWAL {
		if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS networks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		slug TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		template TEXT NOT NULL,
		counts TEXT NOT NULL,
		base_ports TEXT NOT NULL,
		tuning TEXT NOT NULL,
		capture TEXT NOT NULL,
		status TEXT NOT NULL,
		bootstrap_progress INTEGER NOT NULL DEFAULT 0,
		degraded INTEGER NOT NULL DEFAULT 0,
		warning TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		error_acknowledged INTEGER NOT NULL DEFAULT 0,
		consensus_valid_after TEXT NOT NULL DEFAULT '',
		consensus_valid_until TEXT NOT NULL DEFAULT '',
		bytes_read INTEGER NOT NULL DEFAULT 0,
		bytes_written INTEGER NOT NULL DEFAULT 0,
		circuits_built INTEGER NOT NULL DEFAULT 0,
		circuits_failed INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		started_at TEXT NOT NULL DEFAULT '',
		stopped_at TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		network_id TEXT NOT NULL REFERENCES networks(id) ON DELETE CASCADE,
		node_type TEXT NOT NULL,
		idx INTEGER NOT NULL,
		name TEXT NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		control_port INTEGER NOT NULL DEFAULT 0,
		or_port INTEGER NOT NULL DEFAULT 0,
		socks_port INTEGER NOT NULL DEFAULT 0,
		dir_port INTEGER NOT NULL DEFAULT 0,
		fingerprint TEXT NOT NULL DEFAULT '',
		v3_identity TEXT NOT NULL DEFAULT '',
		onion_address TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		desired_running INTEGER NOT NULL DEFAULT 0,
		degraded INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		control_failures INTEGER NOT NULL DEFAULT 0,
		bytes_read INTEGER NOT NULL DEFAULT 0,
		bytes_written INTEGER NOT NULL DEFAULT 0,
		circuits_active INTEGER NOT NULL DEFAULT 0,
		circuits_created INTEGER NOT NULL DEFAULT 0,
		bandwidth_rate INTEGER NOT NULL DEFAULT 0,
		bandwidth_burst INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		started_at TEXT NOT NULL DEFAULT '',
		UNIQUE(network_id, node_type, idx),
		UNIQUE(network_id, name)
	);

	CREATE INDEX IF NOT EXISTS idx_nodes_network ON nodes(network_id);
	CREATE INDEX IF NOT EXISTS idx_nodes_fingerprint ON nodes(fingerprint);

	CREATE TABLE IF NOT EXISTS captures (
		id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
		network_id TEXT NOT NULL REFERENCES networks(id) ON DELETE CASCADE,
		capture_type TEXT NOT NULL,
		filter TEXT NOT NULL DEFAULT '',
		file_path TEXT NOT NULL,
		file_size INTEGER NOT NULL DEFAULT 0,
		file_hash TEXT NOT NULL DEFAULT '',
		packet_count INTEGER NOT NULL DEFAULT 0,
		byte_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		predecessor_id TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		stopped_at TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_captures_network ON captures(network_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_captures_one_recording
		ON captures(node_id) WHERE status = 'recording';

	CREATE TABLE IF NOT EXISTS circuit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		network_id TEXT NOT NULL REFERENCES networks(id) ON DELETE CASCADE,
		node_id TEXT REFERENCES nodes(id) ON DELETE SET NULL,
		circuit_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		path TEXT NOT NULL DEFAULT '[]',
		path_display TEXT NOT NULL DEFAULT '',
		purpose TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		remote_reason TEXT NOT NULL DEFAULT '',
		build_time_ms INTEGER NOT NULL DEFAULT 0,
		timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_circuits_network ON circuit_events(network_id, id);
	CREATE INDEX IF NOT EXISTS idx_circuits_circuit ON circuit_events(network_id, circuit_id);

	-- Events are append-only. Only the node reference may change, when the
	-- node is deleted.
	CREATE TRIGGER IF NOT EXISTS circuit_events_append_only
	BEFORE UPDATE OF network_id, circuit_id, event_type, path, path_display, purpose,
		status, reason, remote_reason, build_time_ms, timestamp ON circuit_events
	BEGIN
		SELECT RAISE(ABORT, 'circuit events are append-only');
	END;
	`
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

// withTx runs fn in a transaction, committing when fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY
// constraint failure.
func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	default:
		return false
	}
}

// storedTimeFormat is fixed width so stored timestamps sort lexically.
const storedTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime stores zero times as empty strings.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(storedTimeFormat)
}

// timestampFormats contains the timestamp formats that may be stored.
// The order matters: more specific formats should come first.
var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999",
}

// parseTimestamp parses a stored timestamp, returning the zero time for
// empty or unknown values.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, format := range timestampFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
