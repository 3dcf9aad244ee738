// Package memory provides an in-process storage.Backend for tests and
// single-node development.
package memory

import (
	"context"
	"sort"
	"sync"

	"pkt.systems/checkoutd/internal/ids"
	"pkt.systems/checkoutd/internal/storage"
)

// Store keeps records in a map guarded by a single RWMutex.
type Store struct {
	mu      sync.RWMutex
	records map[string]map[string]entry
}

type entry struct {
	body []byte
	etag string
}

// New returns an empty store.
func New() *Store {
	return &Store{records: make(map[string]map[string]entry)}
}

// Load returns a copy of the record body.
func (s *Store) Load(_ context.Context, namespace, key string) (storage.LoadResult, error) {
	if err := storage.ValidateAddress(namespace, key); err != nil {
		return storage.LoadResult{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[namespace][key]
	if !ok {
		return storage.LoadResult{}, storage.ErrNotFound
	}
	return storage.LoadResult{Body: append([]byte(nil), e.body...), ETag: e.etag}, nil
}

// Store writes body with the CAS rules described on storage.Backend.
func (s *Store) Store(_ context.Context, namespace, key string, body []byte, expectedETag string) (string, error) {
	if err := storage.ValidateAddress(namespace, key); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.records[namespace]
	current, exists := bucket[key]
	if expectedETag != "" {
		if !exists {
			return "", storage.ErrNotFound
		}
		if current.etag != expectedETag {
			return "", storage.ErrCASMismatch
		}
	} else if exists {
		return "", storage.ErrCASMismatch
	}
	if bucket == nil {
		bucket = make(map[string]entry)
		s.records[namespace] = bucket
	}
	etag := ids.New()
	bucket[key] = entry{body: append([]byte(nil), body...), etag: etag}
	return etag, nil
}

// Delete removes the record, honouring expectedETag when set.
func (s *Store) Delete(_ context.Context, namespace, key, expectedETag string) error {
	if err := storage.ValidateAddress(namespace, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.records[namespace][key]
	if !exists {
		return storage.ErrNotFound
	}
	if expectedETag != "" && current.etag != expectedETag {
		return storage.ErrCASMismatch
	}
	delete(s.records[namespace], key)
	return nil
}

// ListKeys returns the keys of namespace in lexical order.
func (s *Store) ListKeys(_ context.Context, namespace string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.records[namespace]))
	for key := range s.records[namespace] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op; data lives as long as the Store value.
func (s *Store) Close() error { return nil }
