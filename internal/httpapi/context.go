package httpapi

import (
	"context"

	"pkt.systems/checkoutd/internal/checkout"
)

type sessionKey struct{}

// withSession returns ctx carrying the session resolved from the bearer
// token.
func withSession(ctx context.Context, s *checkout.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// sessionFromContext retrieves the authenticated session, if any.
func sessionFromContext(ctx context.Context) *checkout.Session {
	if s, ok := ctx.Value(sessionKey{}).(*checkout.Session); ok {
		return s
	}
	return nil
}
