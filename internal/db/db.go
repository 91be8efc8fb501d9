package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database holding tunnel records, payments and the
// lifecycle event log.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the SQLite database at the specified path
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=2000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	db := &DB{
		conn: conn,
		path: path,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		// Checkpoint the WAL to ensure all data is written to the main database file
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return db.conn.Close()
	}
	return nil
}

// Flush forces a WAL checkpoint to write pending changes to the main database file
func (db *DB) Flush() error {
	if db.conn != nil {
		_, err := db.conn.Exec("PRAGMA wal_checkpoint(RESTART)")
		return err
	}
	return nil
}

// initSchema creates the database tables if they don't exist
func (db *DB) initSchema() error {
	schema := `
	-- Tunnel configuration and last known connection state
	CREATE TABLE IF NOT EXISTS tunnels (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		remote_host TEXT NOT NULL,
		remote_user TEXT NOT NULL,
		remote_port INTEGER NOT NULL,
		local_port INTEGER NOT NULL,
		ssh_port INTEGER NOT NULL DEFAULT 0,
		private_key TEXT NOT NULL DEFAULT '',
		public_key TEXT NOT NULL DEFAULT '',
		is_connected INTEGER NOT NULL DEFAULT 0,
		auto_reconnect INTEGER NOT NULL DEFAULT 1,
		process_id INTEGER,
		startup_enabled INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Paid invoices that triggered side effects
	CREATE TABLE IF NOT EXISTS payments (
		payment_hash TEXT PRIMARY KEY,
		amount INTEGER NOT NULL,
		memo TEXT,
		tag TEXT NOT NULL,
		extra TEXT,
		received_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Tunnel lifecycle events
	CREATE TABLE IF NOT EXISTS tunnel_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tunnel_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Daemon lifecycle events
	CREATE TABLE IF NOT EXISTS daemon_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_tunnels_connected ON tunnels(is_connected);
	CREATE INDEX IF NOT EXISTS idx_tunnel_events_timestamp ON tunnel_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_tunnel_events_tunnel ON tunnel_events(tunnel_id);
	CREATE INDEX IF NOT EXISTS idx_daemon_events_timestamp ON daemon_events(timestamp);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// execRetry retries briefly while the database is locked (3 attempts, 5ms
// apart). Callers on shutdown paths must not block for long.
func (db *DB) execRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	const maxRetries = 3
	for i := 0; i < maxRetries; i++ {
		res, err := db.conn.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}
		if isBusy(err) {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("database locked after %d retries", maxRetries)
}

func isBusy(err error) bool {
	return strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY")
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

// TunnelEvent represents a tunnel lifecycle event
type TunnelEvent struct {
	ID        int64     `json:"id" yaml:"id"`
	TunnelID  string    `json:"tunnel_id" yaml:"tunnel_id"`
	EventType string    `json:"event_type" yaml:"event_type"`
	Details   string    `json:"details" yaml:"details"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// LogTunnelEvent logs a tunnel lifecycle event to the database
func (db *DB) LogTunnelEvent(tunnelID, eventType, details string) error {
	_, err := db.execRetry(context.Background(),
		`INSERT INTO tunnel_events (tunnel_id, event_type, details, timestamp)
		 VALUES (?, ?, ?, ?)`,
		tunnelID, eventType, details, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to log tunnel event: %w", err)
	}
	return nil
}

// DaemonEvent represents a daemon lifecycle event
type DaemonEvent struct {
	ID        int64     `json:"id" yaml:"id"`
	EventType string    `json:"event_type" yaml:"event_type"`
	Details   string    `json:"details" yaml:"details"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// LogDaemonEvent logs a daemon lifecycle event to the database
func (db *DB) LogDaemonEvent(eventType, details string) error {
	_, err := db.execRetry(context.Background(),
		`INSERT INTO daemon_events (event_type, details, timestamp)
		 VALUES (?, ?, ?)`,
		eventType, details, time.Now(),
	)
	return err
}

// GetRecentTunnelEvents retrieves recent tunnel events, newest first.
// An empty tunnelID returns events for all tunnels.
func (db *DB) GetRecentTunnelEvents(tunnelID string, limit int) ([]TunnelEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, tunnel_id, event_type, details, timestamp
		 FROM tunnel_events
		 WHERE ? = '' OR tunnel_id = ?
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		tunnelID, tunnelID, limit,
	)
	if err != nil {
		if isMissingTable(err) {
			return []TunnelEvent{}, nil
		}
		return nil, err
	}
	defer rows.Close()

	events := []TunnelEvent{}
	for rows.Next() {
		var e TunnelEvent
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.TunnelID, &e.EventType, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Details = details.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetRecentDaemonEvents retrieves recent daemon events, newest first
func (db *DB) GetRecentDaemonEvents(limit int) ([]DaemonEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, event_type, details, timestamp
		 FROM daemon_events
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []DaemonEvent{}
	for rows.Next() {
		var e DaemonEvent
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.EventType, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Details = details.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// PruneEvents deletes tunnel and daemon events older than before and
// returns the number of rows removed.
func (db *DB) PruneEvents(before time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"tunnel_events", "daemon_events"} {
		res, err := db.execRetry(context.Background(),
			fmt.Sprintf("DELETE FROM %s WHERE timestamp < ?", table), before)
		if err != nil {
			return total, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
