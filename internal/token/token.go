// Package token issues and verifies the HS256 bearer tokens that bind a
// client to one checkout session.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pkt.systems/checkoutd/internal/checkout"
	"pkt.systems/checkoutd/internal/clock"
	"pkt.systems/checkoutd/internal/ids"
)

// DefaultIssuer is used when Config.Issuer is empty.
const DefaultIssuer = "checkoutd"

// MinKeyLength is the shortest accepted signing key.
const MinKeyLength = 32

// Config wires a Service.
type Config struct {
	Key    []byte
	Issuer string
	Clock  clock.Clock
}

// Service signs and verifies session tokens. It keeps no state beyond its
// key.
type Service struct {
	key    []byte
	issuer string
	clock  clock.Clock
}

// Claims are the verified contents of a session token.
type Claims struct {
	SessionID string
	UserID    string
	Issuer    string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type sessionClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	if len(cfg.Key) < MinKeyLength {
		return nil, fmt.Errorf("token: signing key must be at least %d bytes", MinKeyLength)
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Service{
		key:    append([]byte(nil), cfg.Key...),
		issuer: issuer,
		clock:  clock.Or(cfg.Clock),
	}, nil
}

var _ checkout.TokenIssuer = (*Service)(nil)

// Issue signs a token for sessionID, optionally bound to userID, that
// expires at expiresAt.
func (s *Service) Issue(sessionID, userID string, expiresAt time.Time) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", fmt.Errorf("token: session id required")
	}
	now := s.clock.Now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   sessionID,
			ID:        ids.Token(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		SessionID: sessionID,
		UserID:    userID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Verify checks signature, issuer and expiry and returns the claims.
func (s *Service) Verify(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, checkout.ErrMalformedToken.WithDetail("token is empty")
	}
	var parsed sessionClaims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}
	if parsed.Issuer != s.issuer {
		return Claims{}, checkout.ErrInvalidToken.WithDetail("token issuer mismatch")
	}
	if strings.TrimSpace(parsed.SessionID) == "" {
		return Claims{}, checkout.ErrInvalidToken.WithDetail("token sessionId is required")
	}
	if parsed.ExpiresAt == nil {
		return Claims{}, checkout.ErrInvalidToken.WithDetail("token exp is required")
	}
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(s.clock.Now()) {
		return Claims{}, checkout.ErrExpiredToken.WithDetail("token expired")
	}
	claims := Claims{
		SessionID: parsed.SessionID,
		UserID:    parsed.UserID,
		Issuer:    parsed.Issuer,
		ID:        parsed.ID,
		ExpiresAt: exp,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// Hash returns the hex SHA-256 of raw.
func (s *Service) Hash(raw string) string {
	return Hash(raw)
}

// Hash returns the hex SHA-256 of raw, the form persisted on the session.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return checkout.ErrMalformedToken.WithDetail("token is malformed")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return checkout.ErrInvalidToken.WithDetail("token signature is invalid")
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return checkout.ErrInvalidToken.WithDetail("token is unverifiable")
	case errors.Is(err, jwt.ErrTokenExpired):
		return checkout.ErrExpiredToken.WithDetail("token expired")
	default:
		return checkout.ErrInvalidToken.WithDetail(err.Error())
	}
}

// GenerateKey returns a random signing key encoded as unpadded base64url.
func GenerateKey() (string, error) {
	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token: generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// DecodeKey accepts a base64 (std or url, padded or not) key and falls back
// to the raw bytes when the value is not base64.
func DecodeKey(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("token: key is empty")
	}
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.StdEncoding} {
		if decoded, err := enc.DecodeString(value); err == nil && len(decoded) >= MinKeyLength {
			return decoded, nil
		}
	}
	if len(value) < MinKeyLength {
		return nil, fmt.Errorf("token: key must be at least %d bytes", MinKeyLength)
	}
	return []byte(value), nil
}
