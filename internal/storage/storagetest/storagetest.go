// Package storagetest holds the behavioural suite every storage.Backend must
// pass. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/checkoutd/internal/storage"
)

// Backend aliases storage.Backend so callers need not import both packages.
type Backend = storage.Backend

// Factory returns a fresh, empty backend for one subtest.
type Factory func(t *testing.T) Backend

// Options tunes the suite for backends with weaker guarantees.
type Options struct {
	// SkipConcurrentCreate skips the create race for backends whose
	// conditional create is not atomic.
	SkipConcurrentCreate bool
}

// Run executes the suite with default options.
func Run(t *testing.T, factory Factory) {
	RunWithOptions(t, factory, Options{})
}

// RunWithOptions executes the suite.
func RunWithOptions(t *testing.T, factory Factory, opts Options) {
	t.Helper()
	open := func(t *testing.T) (Backend, context.Context) {
		b := factory(t)
		t.Cleanup(func() { _ = b.Close() })
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		t.Cleanup(cancel)
		return b, ctx
	}

	t.Run("CreateLoadUpdate", func(t *testing.T) {
		b, ctx := open(t)
		if _, err := b.Load(ctx, "sessions", "missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		etag, err := b.Store(ctx, "sessions", "s1", []byte(`{"v":1}`), "")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if etag == "" {
			t.Fatalf("expected etag from create")
		}
		got, err := b.Load(ctx, "sessions", "s1")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if string(got.Body) != `{"v":1}` || got.ETag != etag {
			t.Fatalf("unexpected load result body=%q etag=%q want etag %q", got.Body, got.ETag, etag)
		}
		next, err := b.Store(ctx, "sessions", "s1", []byte(`{"v":2}`), etag)
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if next == etag {
			t.Fatalf("expected etag to change on update")
		}
		if _, err := b.Store(ctx, "sessions", "s1", []byte(`{"v":3}`), etag); !errors.Is(err, storage.ErrCASMismatch) {
			t.Fatalf("expected CAS mismatch with stale etag, got %v", err)
		}
		got, err = b.Load(ctx, "sessions", "s1")
		if err != nil {
			t.Fatalf("reload: %v", err)
		}
		if string(got.Body) != `{"v":2}` {
			t.Fatalf("stale write leaked: %q", got.Body)
		}
	})

	t.Run("CreateOnlyRejectsExisting", func(t *testing.T) {
		b, ctx := open(t)
		if _, err := b.Store(ctx, "orders", "s1", []byte("a"), ""); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := b.Store(ctx, "orders", "s1", []byte("b"), ""); !errors.Is(err, storage.ErrCASMismatch) {
			t.Fatalf("expected CAS mismatch on duplicate create, got %v", err)
		}
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		b, ctx := open(t)
		if _, err := b.Store(ctx, "sessions", "ghost", []byte("x"), "etag"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("DeleteConditional", func(t *testing.T) {
		b, ctx := open(t)
		etag, err := b.Store(ctx, "locks", "s1", []byte("x"), "")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := b.Delete(ctx, "locks", "s1", "not-"+etag); !errors.Is(err, storage.ErrCASMismatch) {
			t.Fatalf("expected CAS mismatch, got %v", err)
		}
		if err := b.Delete(ctx, "locks", "s1", etag); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := b.Delete(ctx, "locks", "s1", ""); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		if _, err := b.Store(ctx, "locks", "s1", []byte("y"), ""); err != nil {
			t.Fatalf("recreate after delete: %v", err)
		}
	})

	t.Run("ListKeysByNamespace", func(t *testing.T) {
		b, ctx := open(t)
		for i := 0; i < 3; i++ {
			if _, err := b.Store(ctx, "sessions", fmt.Sprintf("s%d", i), []byte("x"), ""); err != nil {
				t.Fatalf("create: %v", err)
			}
		}
		if _, err := b.Store(ctx, "locks", "s0", []byte("x"), ""); err != nil {
			t.Fatalf("create lock: %v", err)
		}
		keys, err := b.ListKeys(ctx, "sessions")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(keys) != 3 {
			t.Fatalf("expected 3 session keys, got %v", keys)
		}
		seen := map[string]bool{}
		for _, k := range keys {
			seen[k] = true
		}
		for i := 0; i < 3; i++ {
			if !seen[fmt.Sprintf("s%d", i)] {
				t.Fatalf("missing key s%d in %v", i, keys)
			}
		}
		empty, err := b.ListKeys(ctx, "payment-intents")
		if err != nil {
			t.Fatalf("list empty: %v", err)
		}
		if len(empty) != 0 {
			t.Fatalf("expected no keys, got %v", empty)
		}
	})

	if opts.SkipConcurrentCreate {
		return
	}
	t.Run("ConcurrentCreateSingleWinner", func(t *testing.T) {
		b, ctx := open(t)
		const contenders = 8
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := b.Store(ctx, "locks", "race", []byte(fmt.Sprintf("%d", i)), "")
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, storage.ErrCASMismatch):
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()
		if wins.Load() != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins.Load())
		}
	})
}
