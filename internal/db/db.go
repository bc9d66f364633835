// Package db keeps the agent's event history in SQLite.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection and provides logging methods
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the SQLite database at the specified path
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The agent and the tunnel daemon both write here
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=2000"} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
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

// Close closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		// Checkpoint the WAL so the main file is complete
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return db.conn.Close()
	}
	return nil
}

// Flush forces a WAL checkpoint
func (db *DB) Flush() error {
	if db.conn != nil {
		_, err := db.conn.Exec("PRAGMA wal_checkpoint(RESTART)")
		return err
	}
	return nil
}

func (db *DB) initSchema() error {
	schema := `
	-- Every action dispatched to the state store
	CREATE TABLE IF NOT EXISTS stream_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action_type TEXT NOT NULL,
		payload TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Tunnel keeper lifecycle events
	CREATE TABLE IF NOT EXISTS tunnel_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tunnel TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Daemon lifecycle events
	CREATE TABLE IF NOT EXISTS daemon_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		daemon TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_stream_events_timestamp ON stream_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_tunnel_events_timestamp ON tunnel_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_tunnel_events_tunnel ON tunnel_events(tunnel);
	CREATE INDEX IF NOT EXISTS idx_daemon_events_timestamp ON daemon_events(timestamp);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// exec retries briefly while the database is locked. Logging is best
// effort and must never block a shutdown for long.
func (db *DB) exec(query string, args ...any) error {
	const maxRetries = 3
	for range maxRetries {
		_, err := db.conn.Exec(query, args...)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("failed to write event after %d retries: database locked", maxRetries)
}

// StreamEvent is one dispatched store action
type StreamEvent struct {
	ID         int64
	ActionType string
	Payload    string
	Timestamp  time.Time
}

// LogAction records a dispatched store action with its JSON payload
func (db *DB) LogAction(actionType, payload string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	return db.exec(
		`INSERT INTO stream_events (action_type, payload, timestamp) VALUES (?, ?, ?)`,
		actionType, payload, at,
	)
}

// TunnelEvent represents a tunnel lifecycle event
type TunnelEvent struct {
	ID        int64
	Tunnel    string
	EventType string
	Details   string
	Timestamp time.Time
}

// LogTunnelEvent logs a tunnel lifecycle event
func (db *DB) LogTunnelEvent(tunnel, eventType, details string) error {
	return db.exec(
		`INSERT INTO tunnel_events (tunnel, event_type, details, timestamp) VALUES (?, ?, ?, ?)`,
		tunnel, eventType, details, time.Now(),
	)
}

// DaemonEvent represents a daemon lifecycle event
type DaemonEvent struct {
	ID        int64
	Daemon    string
	EventType string
	Details   string
	Timestamp time.Time
}

// LogDaemonEvent logs a lifecycle event of the agent or the tunnel daemon
func (db *DB) LogDaemonEvent(daemon, eventType, details string) error {
	return db.exec(
		`INSERT INTO daemon_events (daemon, event_type, details, timestamp) VALUES (?, ?, ?, ?)`,
		daemon, eventType, details, time.Now(),
	)
}

// GetRecentStreamEvents retrieves recent store actions, newest first
func (db *DB) GetRecentStreamEvents(limit int) ([]StreamEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, action_type, payload, timestamp
		 FROM stream_events
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []StreamEvent
	for rows.Next() {
		var e StreamEvent
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ActionType, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Payload = payload.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetRecentTunnelEvents retrieves recent tunnel events, newest first
func (db *DB) GetRecentTunnelEvents(limit int) ([]TunnelEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, tunnel, event_type, details, timestamp
		 FROM tunnel_events
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []TunnelEvent
	for rows.Next() {
		var e TunnelEvent
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.Tunnel, &e.EventType, &details, &e.Timestamp); err != nil {
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
		`SELECT id, daemon, event_type, details, timestamp
		 FROM daemon_events
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []DaemonEvent
	for rows.Next() {
		var e DaemonEvent
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.Daemon, &e.EventType, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Details = details.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// Event is one entry of the merged history
type Event struct {
	Source    string    `json:"source"` // "stream", "tunnel" or "daemon"
	Subject   string    `json:"subject,omitempty"`
	EventType string    `json:"event_type"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// GetRecentEvents merges all three tables into one timeline, newest first
func (db *DB) GetRecentEvents(limit int) ([]Event, error) {
	rows, err := db.conn.Query(
		`SELECT source, subject, event_type, details, timestamp FROM (
			SELECT 'stream' AS source, '' AS subject, action_type AS event_type, payload AS details, timestamp, id FROM stream_events
			UNION ALL
			SELECT 'tunnel', tunnel, event_type, details, timestamp, id FROM tunnel_events
			UNION ALL
			SELECT 'daemon', daemon, event_type, details, timestamp, id FROM daemon_events
		 )
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var details sql.NullString
		if err := rows.Scan(&e.Source, &e.Subject, &e.EventType, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Details = details.String
		events = append(events, e)
	}
	return events, rows.Err()
}
