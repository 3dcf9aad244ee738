// Package storage defines the record store every checkoutd component persists
// through. A record is an opaque body addressed by (namespace, key) and guarded
// by an etag; writes are compare-and-swap against the etag the caller observed.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates the record changed (or appeared) since the
	// caller observed it.
	ErrCASMismatch = errors.New("storage: cas mismatch")
	// ErrNotImplemented is returned by backends lacking an optional operation.
	ErrNotImplemented = errors.New("storage: not implemented")
)

// LoadResult is a record body together with its current etag.
type LoadResult struct {
	Body []byte
	ETag string
}

// Backend is implemented by every record store.
//
// Store with an empty expectedETag creates the record and fails with
// ErrCASMismatch when it already exists. A non-empty expectedETag replaces the
// record only when its etag still matches; a missing record yields
// ErrNotFound. Delete follows the same rules, where an empty expectedETag
// deletes unconditionally.
type Backend interface {
	Load(ctx context.Context, namespace, key string) (LoadResult, error)
	Store(ctx context.Context, namespace, key string, body []byte, expectedETag string) (string, error)
	Delete(ctx context.Context, namespace, key, expectedETag string) error
	ListKeys(ctx context.Context, namespace string) ([]string, error)
	Close() error
}

// Pinger is implemented by backends that can verify connectivity cheaply.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ValidateAddress rejects namespaces and keys that cannot be mapped safely to
// object paths or table rows.
func ValidateAddress(namespace, key string) error {
	if err := validateSegment("namespace", namespace); err != nil {
		return err
	}
	return validateSegment("key", key)
}

func validateSegment(kind, value string) error {
	switch {
	case value == "":
		return fmt.Errorf("storage: %s required", kind)
	case len(value) > 512:
		return fmt.Errorf("storage: %s too long", kind)
	case value == "." || value == ".." || strings.ContainsAny(value, "/\\"):
		return fmt.Errorf("storage: invalid %s %q", kind, value)
	}
	for _, r := range value {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("storage: invalid %s %q", kind, value)
		}
	}
	return nil
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
