// Package sqlite stores records in an embedded SQLite database using the
// pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"pkt.systems/checkoutd/internal/ids"
	"pkt.systems/checkoutd/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	namespace  TEXT    NOT NULL,
	key        TEXT    NOT NULL,
	body       BLOB    NOT NULL,
	etag       TEXT    NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT (unixepoch()),
	PRIMARY KEY (namespace, key)
)`

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Store implements storage.Backend on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema. The
// pool is limited to one connection: SQLite serializes writers anyway and
// an in-memory database only exists on the connection that created it.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	dsn := "file::memory:"
	if path != MemoryPath {
		dsn = "file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Ping checks the handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads one record.
func (s *Store) Load(ctx context.Context, namespace, key string) (storage.LoadResult, error) {
	if err := storage.ValidateAddress(namespace, key); err != nil {
		return storage.LoadResult{}, err
	}
	var res storage.LoadResult
	err := s.db.QueryRowContext(ctx,
		`SELECT body, etag FROM records WHERE namespace = ? AND key = ?`, namespace, key,
	).Scan(&res.Body, &res.ETag)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.LoadResult{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.LoadResult{}, wrapError(err, "sqlite: load")
	}
	return res, nil
}

// Store inserts or conditionally updates one record.
func (s *Store) Store(ctx context.Context, namespace, key string, body []byte, expectedETag string) (string, error) {
	if err := storage.ValidateAddress(namespace, key); err != nil {
		return "", err
	}
	etag := ids.New()
	var (
		res sql.Result
		err error
	)
	if expectedETag == "" {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO records (namespace, key, body, etag) VALUES (?, ?, ?, ?)
			 ON CONFLICT (namespace, key) DO NOTHING`,
			namespace, key, body, etag,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE records SET body = ?, etag = ?, updated_at = unixepoch()
			 WHERE namespace = ? AND key = ? AND etag = ?`,
			body, etag, namespace, key, expectedETag,
		)
	}
	if err != nil {
		return "", wrapError(err, "sqlite: store")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", wrapError(err, "sqlite: rows affected")
	}
	if affected == 0 {
		if expectedETag == "" {
			return "", storage.ErrCASMismatch
		}
		return "", s.missOrMismatch(ctx, namespace, key)
	}
	return etag, nil
}

// Delete removes one record.
func (s *Store) Delete(ctx context.Context, namespace, key, expectedETag string) error {
	if err := storage.ValidateAddress(namespace, key); err != nil {
		return err
	}
	query := `DELETE FROM records WHERE namespace = ? AND key = ?`
	args := []any{namespace, key}
	if expectedETag != "" {
		query += ` AND etag = ?`
		args = append(args, expectedETag)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapError(err, "sqlite: delete")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapError(err, "sqlite: rows affected")
	}
	if affected == 0 {
		if expectedETag == "" {
			return storage.ErrNotFound
		}
		return s.missOrMismatch(ctx, namespace, key)
	}
	return nil
}

// ListKeys returns all keys in namespace ordered lexically.
func (s *Store) ListKeys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM records WHERE namespace = ? ORDER BY key`, namespace)
	if err != nil {
		return nil, wrapError(err, "sqlite: list")
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, wrapError(err, "sqlite: list scan")
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(err, "sqlite: list rows")
	}
	return keys, nil
}

func (s *Store) missOrMismatch(ctx context.Context, namespace, key string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM records WHERE namespace = ? AND key = ?`, namespace, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return wrapError(err, "sqlite: exists")
	}
	return storage.ErrCASMismatch
}

func wrapError(err error, msg string) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return storage.NewTransientError(wrapped)
		}
	}
	return wrapped
}
