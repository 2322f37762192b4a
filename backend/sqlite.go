package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLite implements Backend as a named structured on-device database.
type SQLite struct {
	db     *sql.DB
	name   string
	logger *slog.Logger
	now    func() time.Time
}

// SQLiteOption configures a SQLite backend.
type SQLiteOption func(*SQLite)

// WithSQLiteLogger sets the logger for the backend.
func WithSQLiteLogger(logger *slog.Logger) SQLiteOption {
	return func(s *SQLite) {
		s.logger = logger
	}
}

// OpenSQLite opens the named database stored at path.
// Use ":memory:" as path for an in-memory database.
func OpenSQLite(ctx context.Context, name, path string, opts ...SQLiteOption) (*SQLite, error) {
	s := &SQLite{
		name:   name,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)"
	if path == ":memory:" {
		dsn = ":memory:"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", name, err)
	}
	// a single connection keeps in-memory databases coherent and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema for %s: %w", name, err)
	}

	s.db = db
	s.logger.Debug("opened database", "name", name, "path", path)
	return s, nil
}

func (s *SQLite) Name() string { return s.name }

func (s *SQLite) Kind() Kind { return KindDatabase }

// Get retrieves the value stored at key.
func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM entries WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return value, nil
}

// Set stores value at key.
func (s *SQLite) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entries (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// Remove deletes key.
func (s *SQLite) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("removing %s: %w", key, err)
	}
	return nil
}

// Keys enumerates every stored key in key order.
func (s *SQLite) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM entries ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("enumerating keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Purge deletes every row and reclaims the freed pages.
func (s *SQLite) Purge(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return fmt.Errorf("purging %s: %w", s.name, err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		s.logger.Warn("vacuum after purge failed", "name", s.name, "error", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	s.logger.Debug("closing database", "name", s.name)
	return s.db.Close()
}

var _ Backend = (*SQLite)(nil)
