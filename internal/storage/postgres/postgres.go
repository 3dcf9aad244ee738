// Package postgres stores records in a single PostgreSQL table through a pgx
// connection pool. CAS is expressed as conditional INSERT/UPDATE/DELETE
// statements, so every operation is atomic on the server.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pkt.systems/checkoutd/internal/ids"
	"pkt.systems/checkoutd/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkoutd_records (
	namespace  TEXT        NOT NULL,
	key        TEXT        NOT NULL,
	body       BYTEA       NOT NULL,
	etag       TEXT        NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (namespace, key)
)`

// Config configures the PostgreSQL backend.
type Config struct {
	DSN      string
	MaxConns int32
}

// Store implements storage.Backend on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects, pings and ensures the records table exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres: dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return s, nil
}

// Pool exposes the connection pool so other repositories can share it.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		return wrapError(err, "postgres: ping")
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Load reads one record.
func (s *Store) Load(ctx context.Context, namespace, key string) (storage.LoadResult, error) {
	if err := storage.ValidateAddress(namespace, key); err != nil {
		return storage.LoadResult{}, err
	}
	var res storage.LoadResult
	err := s.pool.QueryRow(ctx,
		`SELECT body, etag FROM checkoutd_records WHERE namespace=$1 AND key=$2`,
		namespace, key,
	).Scan(&res.Body, &res.ETag)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.LoadResult{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.LoadResult{}, wrapError(err, "postgres: load")
	}
	return res, nil
}

// Store inserts or conditionally updates one record.
func (s *Store) Store(ctx context.Context, namespace, key string, body []byte, expectedETag string) (string, error) {
	if err := storage.ValidateAddress(namespace, key); err != nil {
		return "", err
	}
	etag := ids.New()
	if expectedETag == "" {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO checkoutd_records (namespace, key, body, etag) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (namespace, key) DO NOTHING`,
			namespace, key, body, etag,
		)
		if err != nil {
			return "", wrapError(err, "postgres: insert")
		}
		if tag.RowsAffected() == 0 {
			return "", storage.ErrCASMismatch
		}
		return etag, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE checkoutd_records SET body=$3, etag=$4, updated_at=now()
		 WHERE namespace=$1 AND key=$2 AND etag=$5`,
		namespace, key, body, etag, expectedETag,
	)
	if err != nil {
		return "", wrapError(err, "postgres: update")
	}
	if tag.RowsAffected() == 0 {
		return "", s.missOrMismatch(ctx, namespace, key)
	}
	return etag, nil
}

// Delete removes one record, conditionally when expectedETag is set.
func (s *Store) Delete(ctx context.Context, namespace, key, expectedETag string) error {
	if err := storage.ValidateAddress(namespace, key); err != nil {
		return err
	}
	var (
		tag pgconn.CommandTag
		err error
	)
	if expectedETag == "" {
		tag, err = s.pool.Exec(ctx, `DELETE FROM checkoutd_records WHERE namespace=$1 AND key=$2`, namespace, key)
	} else {
		tag, err = s.pool.Exec(ctx, `DELETE FROM checkoutd_records WHERE namespace=$1 AND key=$2 AND etag=$3`, namespace, key, expectedETag)
	}
	if err != nil {
		return wrapError(err, "postgres: delete")
	}
	if tag.RowsAffected() == 0 {
		if expectedETag == "" {
			return storage.ErrNotFound
		}
		return s.missOrMismatch(ctx, namespace, key)
	}
	return nil
}

// ListKeys returns all keys in namespace ordered lexically.
func (s *Store) ListKeys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key FROM checkoutd_records WHERE namespace=$1 ORDER BY key`, namespace)
	if err != nil {
		return nil, wrapError(err, "postgres: list")
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, wrapError(err, "postgres: list scan")
	}
	return keys, nil
}

func (s *Store) missOrMismatch(ctx context.Context, namespace, key string) error {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM checkoutd_records WHERE namespace=$1 AND key=$2`, namespace, key).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return wrapError(err, "postgres: exists")
	}
	return storage.ErrCASMismatch
}

func wrapError(err error, msg string) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	if isTransient(err) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"):
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "53300",
			pgErr.Code == "57P01", pgErr.Code == "57P03":
			return true
		}
		return false
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
