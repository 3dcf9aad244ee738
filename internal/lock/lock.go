// Package lock implements short-lived, token-guarded mutual exclusion on top
// of record storage. A lock is a record in the "locks" namespace created only
// if absent; release compares the caller's token and deletes against the
// observed etag, so a holder whose TTL lapsed cannot release a lock that was
// taken over by someone else.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/checkoutd/internal/clock"
	"pkt.systems/checkoutd/internal/ids"
	"pkt.systems/checkoutd/internal/loggingutil"
	"pkt.systems/checkoutd/internal/storage"
)

// Namespace holds lock records.
const Namespace = "locks"

// DefaultTTL bounds how long a crashed holder can stall a key.
const DefaultTTL = 15 * time.Second

const releaseTimeout = 5 * time.Second

var (
	// ErrContended is returned when another holder owns an unexpired lock.
	ErrContended = errors.New("lock: contended")
	// ErrLockLost is returned on release when the stored token no longer
	// matches, i.e. the lock expired and was taken over.
	ErrLockLost = errors.New("lock: lost")
)

// Config wires a Manager.
type Config struct {
	Store  storage.Backend
	TTL    time.Duration
	Owner  string
	Clock  clock.Clock
	Logger pslog.Logger
}

// Manager hands out locks keyed by an opaque string.
type Manager struct {
	store   storage.Backend
	ttl     time.Duration
	owner   string
	clock   clock.Clock
	logger  pslog.Logger
	metrics *lockMetrics
}

// Handle identifies one successful acquisition.
type Handle struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

type entry struct {
	Token      string    `json:"token"`
	Owner      string    `json:"owner,omitempty"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// New validates cfg and returns a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("lock: store required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "checkout.lock")
	return &Manager{
		store:   cfg.Store,
		ttl:     ttl,
		owner:   strings.TrimSpace(cfg.Owner),
		clock:   clock.Or(cfg.Clock),
		logger:  logger,
		metrics: newLockMetrics(logger),
	}, nil
}

// TTL reports the lease duration applied to new locks.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Acquire tries once to take the lock for key. It never waits: a live lock
// held by someone else yields ErrContended.
func (m *Manager) Acquire(ctx context.Context, key string) (*Handle, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("lock: key required")
	}
	now := m.clock.Now()
	e := entry{Token: ids.Token(), Owner: m.owner, AcquiredAt: now, ExpiresAt: now.Add(m.ttl)}
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("lock: encode entry: %w", err)
	}
	handle := &Handle{Key: key, Token: e.Token, ExpiresAt: e.ExpiresAt}

	_, err = m.store.Store(ctx, Namespace, key, body, "")
	if err == nil {
		m.metrics.recordAcquire(ctx, "acquired")
		return handle, nil
	}
	if !errors.Is(err, storage.ErrCASMismatch) {
		m.metrics.recordAcquire(ctx, "error")
		return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
	}

	current, err := m.store.Load(ctx, Namespace, key)
	if errors.Is(err, storage.ErrNotFound) {
		// Released between our create and load; one more create-only attempt.
		if _, err := m.store.Store(ctx, Namespace, key, body, ""); err == nil {
			m.metrics.recordAcquire(ctx, "acquired")
			return handle, nil
		}
		m.metrics.recordAcquire(ctx, "contended")
		return nil, ErrContended
	}
	if err != nil {
		m.metrics.recordAcquire(ctx, "error")
		return nil, fmt.Errorf("lock: load %s: %w", key, err)
	}
	var held entry
	if err := json.Unmarshal(current.Body, &held); err == nil && now.Before(held.ExpiresAt) {
		m.metrics.recordAcquire(ctx, "contended")
		m.logger.Debug("lock.acquire.contended", "key", key, "holder", held.Owner, "expires_at", held.ExpiresAt)
		return nil, ErrContended
	}

	// Expired (or unreadable) entry: take it over against the observed etag.
	if _, err := m.store.Store(ctx, Namespace, key, body, current.ETag); err != nil {
		if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
			m.metrics.recordAcquire(ctx, "contended")
			return nil, ErrContended
		}
		m.metrics.recordAcquire(ctx, "error")
		return nil, fmt.Errorf("lock: takeover %s: %w", key, err)
	}
	m.metrics.recordAcquire(ctx, "takeover")
	m.logger.Info("lock.acquire.takeover", "key", key, "previous_holder", held.Owner, "previous_expires_at", held.ExpiresAt)
	return handle, nil
}

// Release deletes the lock when it is still held by h.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	current, err := m.store.Load(ctx, Namespace, h.Key)
	if errors.Is(err, storage.ErrNotFound) {
		m.metrics.recordRelease(ctx, "lost")
		return ErrLockLost
	}
	if err != nil {
		m.metrics.recordRelease(ctx, "error")
		return fmt.Errorf("lock: load %s: %w", h.Key, err)
	}
	var held entry
	if err := json.Unmarshal(current.Body, &held); err != nil || held.Token != h.Token {
		m.metrics.recordRelease(ctx, "lost")
		return ErrLockLost
	}
	if err := m.store.Delete(ctx, Namespace, h.Key, current.ETag); err != nil {
		if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
			m.metrics.recordRelease(ctx, "lost")
			return ErrLockLost
		}
		m.metrics.recordRelease(ctx, "error")
		return fmt.Errorf("lock: delete %s: %w", h.Key, err)
	}
	m.metrics.recordRelease(ctx, "released")
	return nil
}

// WithLock runs fn while holding the lock for key. The lock is released
// even when ctx is cancelled during fn; a lost lock is logged, not returned,
// since fn's outcome already stands.
func (m *Manager) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	h, err := m.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := m.Release(relCtx, h); err != nil {
			m.logger.Warn("lock.release.failed", "key", key, "error", err)
		}
	}()
	return fn(ctx)
}
