// Package sessionstore persists checkout sessions, the payment-intent index
// and webhook receipts on a storage.Backend. Sessions are written as one
// canonical JSON document, encrypted when a storage crypto is configured.
package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/checkoutd/internal/checkout"
	"pkt.systems/checkoutd/internal/loggingutil"
	"pkt.systems/checkoutd/internal/storage"
)

const (
	// SessionNamespace holds session documents keyed by session id.
	SessionNamespace = "sessions"
	// IntentNamespace maps payment intent ids to session ids.
	IntentNamespace = "payment-intents"
)

type intentRef struct {
	SessionID string `json:"sessionId"`
}

// Store implements checkout.SessionStore.
type Store struct {
	backend storage.Backend
	crypto  *storage.Crypto
	logger  pslog.Logger
}

// New wraps backend. crypto may be nil.
func New(backend storage.Backend, crypto *storage.Crypto, logger pslog.Logger) *Store {
	return &Store{
		backend: backend,
		crypto:  crypto,
		logger:  loggingutil.WithSubsystem(logger, "checkout.sessionstore"),
	}
}

var _ checkout.SessionStore = (*Store)(nil)

// Create persists a new session; an existing id is a conflict.
func (s *Store) Create(ctx context.Context, session *checkout.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("sessionstore: session id required")
	}
	staged := *session
	staged.Version = 1
	body, err := storage.MarshalRecord(&staged, s.crypto)
	if err != nil {
		return err
	}
	etag, err := s.backend.Store(ctx, SessionNamespace, session.ID, body, "")
	if err != nil {
		if errors.Is(err, storage.ErrCASMismatch) {
			return checkout.ErrConflict.WithDetail("session " + session.ID + " already exists")
		}
		return fmt.Errorf("sessionstore: create %s: %w", session.ID, err)
	}
	session.Version = staged.Version
	session.ETag = etag
	return nil
}

// GetByID loads one session.
func (s *Store) GetByID(ctx context.Context, id string) (*checkout.Session, error) {
	res, err := s.backend.Load(ctx, SessionNamespace, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, checkout.NotFoundf("session %s not found", id)
		}
		return nil, fmt.Errorf("sessionstore: load %s: %w", id, err)
	}
	var session checkout.Session
	if err := storage.UnmarshalRecord(res.Body, s.crypto, &session); err != nil {
		return nil, fmt.Errorf("sessionstore: decode %s: %w", id, err)
	}
	if !session.State.Valid() {
		return nil, fmt.Errorf("sessionstore: session %s has unknown state %q", id, session.State)
	}
	session.ETag = res.ETag
	return &session, nil
}

// Update writes session if nobody else wrote since it was read.
func (s *Store) Update(ctx context.Context, session *checkout.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("sessionstore: session id required")
	}
	if session.ETag == "" {
		return fmt.Errorf("sessionstore: update %s: missing etag", session.ID)
	}
	staged := *session
	staged.Version++
	body, err := storage.MarshalRecord(&staged, s.crypto)
	if err != nil {
		return err
	}
	etag, err := s.backend.Store(ctx, SessionNamespace, session.ID, body, session.ETag)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrCASMismatch):
			s.logger.Warn("sessionstore.update.cas_mismatch", "session_id", session.ID, "version", session.Version)
			return checkout.ErrConflict.WithDetail("session " + session.ID + " changed concurrently")
		case errors.Is(err, storage.ErrNotFound):
			return checkout.NotFoundf("session %s not found", session.ID)
		}
		return fmt.Errorf("sessionstore: update %s: %w", session.ID, err)
	}
	session.Version = staged.Version
	session.ETag = etag
	return nil
}

// UpdateTokenHash replaces the stored token hash.
func (s *Store) UpdateTokenHash(ctx context.Context, session *checkout.Session, tokenHash string) error {
	if tokenHash == "" {
		return fmt.Errorf("sessionstore: token hash required")
	}
	previous := session.TokenHash
	session.TokenHash = tokenHash
	if err := s.Update(ctx, session); err != nil {
		session.TokenHash = previous
		return err
	}
	return nil
}

// MarkCompleted records the order and moves the session to
// PAYMENT_COMPLETED. An order id is set at most once.
func (s *Store) MarkCompleted(ctx context.Context, session *checkout.Session, orderID string, at time.Time) error {
	if orderID == "" {
		return fmt.Errorf("sessionstore: order id required")
	}
	if session.OrderID != "" && session.OrderID != orderID {
		return checkout.ErrConflict.WithDetail("session " + session.ID + " already has order " + session.OrderID)
	}
	if !session.State.CanTransition(checkout.StatePaymentCompleted) {
		return checkout.InvalidTransitionf("Cannot complete payment in state: %s", session.State)
	}
	staged := session.Clone()
	staged.State = checkout.StatePaymentCompleted
	staged.PaymentStatus = checkout.PaymentSucceeded
	staged.OrderID = orderID
	if staged.Metadata.Payment == nil {
		staged.Metadata.Payment = &checkout.PaymentInfo{}
	}
	completedAt := at.UTC()
	staged.Metadata.Payment.CompletedAt = &completedAt
	if staged.Metadata.Payment.PaymentIntentID == "" {
		staged.Metadata.Payment.PaymentIntentID = staged.PaymentIntentID
	}
	if err := s.Update(ctx, staged); err != nil {
		return err
	}
	*session = *staged
	return nil
}

// IndexPaymentIntent points paymentIntentID at sessionID.
func (s *Store) IndexPaymentIntent(ctx context.Context, paymentIntentID, sessionID string) error {
	body, err := storage.MarshalRecord(intentRef{SessionID: sessionID}, nil)
	if err != nil {
		return err
	}
	_, err = s.backend.Store(ctx, IntentNamespace, paymentIntentID, body, "")
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrCASMismatch) {
		return fmt.Errorf("sessionstore: index intent %s: %w", paymentIntentID, err)
	}
	existing, err := s.backend.Load(ctx, IntentNamespace, paymentIntentID)
	if err != nil {
		return fmt.Errorf("sessionstore: load intent %s: %w", paymentIntentID, err)
	}
	var ref intentRef
	if err := storage.UnmarshalRecord(existing.Body, nil, &ref); err == nil && ref.SessionID == sessionID {
		return nil
	}
	s.logger.Warn("sessionstore.intent.reassigned", "payment_intent_id", paymentIntentID, "previous_session_id", ref.SessionID, "session_id", sessionID)
	if _, err := s.backend.Store(ctx, IntentNamespace, paymentIntentID, body, existing.ETag); err != nil {
		if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
			return checkout.ErrConflict.WithDetail("payment intent " + paymentIntentID + " changed concurrently")
		}
		return fmt.Errorf("sessionstore: reindex intent %s: %w", paymentIntentID, err)
	}
	return nil
}

// FindByPaymentIntent resolves the session currently bound to
// paymentIntentID. A stale index entry (the session has since renewed its
// intent) resolves to not found.
func (s *Store) FindByPaymentIntent(ctx context.Context, paymentIntentID string) (*checkout.Session, error) {
	res, err := s.backend.Load(ctx, IntentNamespace, paymentIntentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, checkout.NotFoundf("payment intent %s not found", paymentIntentID)
		}
		return nil, fmt.Errorf("sessionstore: load intent %s: %w", paymentIntentID, err)
	}
	var ref intentRef
	if err := storage.UnmarshalRecord(res.Body, nil, &ref); err != nil {
		return nil, fmt.Errorf("sessionstore: decode intent %s: %w", paymentIntentID, err)
	}
	session, err := s.GetByID(ctx, ref.SessionID)
	if err != nil {
		return nil, err
	}
	if session.PaymentIntentID != paymentIntentID {
		return nil, checkout.NotFoundf("payment intent %s superseded", paymentIntentID)
	}
	return session, nil
}

// FindExpired returns sessions past their expiry that are neither completed
// nor already expired. It scans the namespace; undecodable records are
// logged and skipped.
func (s *Store) FindExpired(ctx context.Context, now time.Time) ([]*checkout.Session, error) {
	keys, err := s.backend.ListKeys(ctx, SessionNamespace)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: list sessions: %w", err)
	}
	var out []*checkout.Session
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		session, err := s.GetByID(ctx, key)
		if err != nil {
			if errors.Is(err, checkout.ErrNotFound) {
				continue
			}
			s.logger.Warn("sessionstore.scan.skip", "session_id", key, "error", err)
			continue
		}
		if session.State.Terminal() || !session.Expired(now) {
			continue
		}
		out = append(out, session)
	}
	return out, nil
}
