package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/checkoutd/internal/checkout"
)

func bearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", checkout.ErrMalformedToken.WithDetail("missing bearer token")
	}
	scheme, raw, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(raw) == "" {
		return "", checkout.ErrMalformedToken.WithDetail("authorization header must be a bearer token")
	}
	return strings.TrimSpace(raw), nil
}

// requireSession verifies the bearer token, loads the session it names and
// checks the token is the one currently bound to the session. The session id
// always comes from the token.
func (h *Handler) requireSession(r *http.Request) (*http.Request, *checkout.Session, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return r, nil, err
	}
	claims, err := h.tokens.Verify(raw)
	if err != nil {
		return r, nil, err
	}
	ctx := r.Context()
	session, err := h.orch.GetSession(ctx, claims.SessionID)
	if err != nil {
		return r, nil, err
	}
	if subtle.ConstantTimeCompare([]byte(session.TokenHash), []byte(h.tokens.Hash(raw))) != 1 {
		return r, nil, checkout.ErrInvalidToken.WithDetail("token has been superseded")
	}
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	logger = logger.With("session_id", session.ID)
	ctx = pslog.ContextWithLogger(withSession(ctx, session), logger)
	return r.WithContext(ctx), session, nil
}

func (h *Handler) requireAdmin(r *http.Request) error {
	if h.adminKey == "" {
		return httpError{Status: http.StatusForbidden, Code: "admin_disabled", Detail: "no admin key configured"}
	}
	raw, err := bearerToken(r)
	if err != nil {
		return httpError{Status: http.StatusUnauthorized, Code: "unauthorized", Detail: "admin bearer key required"}
	}
	if subtle.ConstantTimeCompare([]byte(raw), []byte(h.adminKey)) != 1 {
		return httpError{Status: http.StatusUnauthorized, Code: "unauthorized", Detail: "admin bearer key mismatch"}
	}
	return nil
}
