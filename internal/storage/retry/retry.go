// Package retry wraps a storage.Backend so transient failures are retried
// with exponential backoff.
//
// A conditional Store whose first attempt committed but reported a transient
// error comes back as storage.ErrCASMismatch on the retry. When that happens
// the wrapper re-reads the key and treats a stored body equal to the one
// being written as success, returning the stored ETag.
package retry

import (
	"bytes"
	"context"
	"errors"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/checkoutd/internal/clock"
	"pkt.systems/checkoutd/internal/storage"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{inner: inner, logger: logger, clock: clock.Or(clk), cfg: cfg}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) Load(ctx context.Context, namespace, key string) (storage.LoadResult, error) {
	var res storage.LoadResult
	err := b.withRetry(ctx, "load", namespace, key, func(ctx context.Context) error {
		var err error
		res, err = b.inner.Load(ctx, namespace, key)
		return err
	})
	return res, err
}

func (b *backend) Store(ctx context.Context, namespace, key string, body []byte, expectedETag string) (string, error) {
	var etag string
	retried := false
	err := b.withRetry(ctx, "store", namespace, key, func(ctx context.Context) error {
		var err error
		etag, err = b.inner.Store(ctx, namespace, key, body, expectedETag)
		if storage.IsTransient(err) {
			retried = true
		}
		return err
	})
	if retried && errors.Is(err, storage.ErrCASMismatch) {
		if committed, ok := b.committed(ctx, namespace, key, body); ok {
			b.logger.Info("storage.store.recovered_commit", "namespace", namespace, "key", key, "etag", committed)
			return committed, nil
		}
	}
	return etag, err
}

// committed reports whether key already holds body, i.e. an attempt that
// failed transiently was in fact applied.
func (b *backend) committed(ctx context.Context, namespace, key string, body []byte) (string, bool) {
	res, err := b.inner.Load(ctx, namespace, key)
	if err != nil || !bytes.Equal(res.Body, body) {
		return "", false
	}
	return res.ETag, true
}

func (b *backend) Delete(ctx context.Context, namespace, key, expectedETag string) error {
	return b.withRetry(ctx, "delete", namespace, key, func(ctx context.Context) error {
		return b.inner.Delete(ctx, namespace, key, expectedETag)
	})
}

func (b *backend) ListKeys(ctx context.Context, namespace string) ([]string, error) {
	var keys []string
	err := b.withRetry(ctx, "list_keys", namespace, "", func(ctx context.Context) error {
		var err error
		keys, err = b.inner.ListKeys(ctx, namespace)
		return err
	})
	return keys, err
}

func (b *backend) Ping(ctx context.Context) error {
	if p, ok := b.inner.(storage.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) withRetry(ctx context.Context, op, namespace, key string, fn func(context.Context) error) error {
	delay := b.cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == b.cfg.MaxAttempts {
			return err
		}
		b.logger.Warn("storage transient error",
			"operation", op,
			"namespace", namespace,
			"key", key,
			"attempt", attempt,
			"max_attempts", b.cfg.MaxAttempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.clock.After(delay):
		}
		delay = time.Duration(float64(delay) * b.cfg.Multiplier)
		if delay > b.cfg.MaxDelay {
			delay = b.cfg.MaxDelay
		}
	}
	return lastErr
}
