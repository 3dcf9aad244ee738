// Package correlation carries request correlation ids across the HTTP layer,
// the orchestrator and outbound collaborator calls.
package correlation

import (
	"context"
	"strings"

	"pkt.systems/checkoutd/internal/ids"
)

// Header is the HTTP header used to propagate correlation ids.
const Header = "X-Correlation-Id"

// MaxIDLength bounds accepted correlation ids.
const MaxIDLength = 128

type ctxKey struct{}

// WithID returns ctx carrying id when id is acceptable, otherwise ctx unchanged.
func WithID(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKey{}, normalized)
}

// ID returns the correlation id on ctx or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Resolve returns ctx with a correlation id attached: candidate when it
// normalizes, a fresh one otherwise. The chosen id is returned too.
func Resolve(ctx context.Context, candidate string) (context.Context, string) {
	if id, ok := Normalize(candidate); ok {
		return WithID(ctx, id), id
	}
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := Generate()
	return WithID(ctx, id), id
}

// Normalize trims id and rejects empty, overlong or non-printable values.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate returns a new correlation id.
func Generate() string {
	return ids.New()
}
