// ABOUTME: SQLite-backed durable state for relay-console using modernc.org/sqlite
// ABOUTME: Persists the session token, user record, and a capped rolling debug log

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Session state keys. Exactly two entries survive restarts.
const (
	keyToken    = "token"
	keyUserInfo = "user_info"
)

// debugLogCap bounds the rolling debug log; oldest rows are evicted past it.
const debugLogCap = 200

// ErrNotFound is returned when a requested entry does not exist
var ErrNotFound = errors.New("not found")

// LogEntry is one row of the persisted debug log.
type LogEntry struct {
	ID        string
	Level     string
	Message   string
	CreatedAt time.Time
}

// Store implements durable local state on SQLite
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a Store at the given path. The schema is automatically created
// if it doesn't exist. Parent directories are created if needed.
func New(path string) (*Store, error) {
	logger := slog.Default().With("component", "storage")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("storage initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS session_state (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS debug_log (
			id         TEXT PRIMARY KEY,
			level      TEXT NOT NULL,
			message    TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_debug_log_created
			ON debug_log(created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// SaveSession persists the session token and user record JSON together.
func (s *Store) SaveSession(ctx context.Context, token, userJSON string) error {
	if err := s.setValue(ctx, keyToken, token); err != nil {
		return err
	}
	return s.setValue(ctx, keyUserInfo, userJSON)
}

// LoadSession returns the persisted token and user record JSON. Missing
// entries come back as empty strings, not errors.
func (s *Store) LoadSession(ctx context.Context) (token, userJSON string, err error) {
	token, err = s.getValue(ctx, keyToken)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", "", err
	}
	userJSON, err = s.getValue(ctx, keyUserInfo)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", "", err
	}
	return token, userJSON, nil
}

// ClearSession removes both session entries.
func (s *Store) ClearSession(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM session_state WHERE key IN (?, ?)", keyToken, keyUserInfo)
	if err != nil {
		return fmt.Errorf("clearing session state: %w", err)
	}
	return nil
}

// DeleteUserRecord drops only the persisted user record. Used when the stored
// JSON turns out to be corrupt.
func (s *Store) DeleteUserRecord(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM session_state WHERE key = ?", keyUserInfo)
	if err != nil {
		return fmt.Errorf("deleting user record: %w", err)
	}
	return nil
}

// AppendLog records a debug log entry and evicts the oldest rows past the cap.
func (s *Store) AppendLog(ctx context.Context, level, message string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO debug_log (id, level, message, created_at) VALUES (?, ?, ?, ?)",
		uuid.NewString(), level, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("inserting log entry: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM debug_log WHERE id NOT IN (
			SELECT id FROM debug_log ORDER BY created_at DESC, id DESC LIMIT ?
		)`, debugLogCap)
	if err != nil {
		return fmt.Errorf("trimming log entries: %w", err)
	}
	return nil
}

// RecentLogs returns up to limit log entries, newest first.
func (s *Store) RecentLogs(ctx context.Context, limit int) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, level, message, created_at FROM debug_log
		ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying log entries: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.Level, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// setValue upserts a session_state entry.
func (s *Store) setValue(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}
	return nil
}

// getValue reads a session_state entry, returning ErrNotFound when absent.
func (s *Store) getValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM session_state WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", key, err)
	}
	return value, nil
}
