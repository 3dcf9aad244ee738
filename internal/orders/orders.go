// Package orders records paid checkout sessions as orders. The record-storage
// repository keys orders by session id, which makes creation idempotent per
// session.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/checkoutd/internal/checkout"
	"pkt.systems/checkoutd/internal/clock"
	"pkt.systems/checkoutd/internal/ids"
	"pkt.systems/checkoutd/internal/loggingutil"
	"pkt.systems/checkoutd/internal/storage"
)

// Namespace holds order records keyed by session id.
const Namespace = "orders"

// Repository implements checkout.OrderRepository on record storage.
type Repository struct {
	backend storage.Backend
	crypto  *storage.Crypto
	clock   clock.Clock
	logger  pslog.Logger
}

// New wraps backend. crypto and clk may be nil.
func New(backend storage.Backend, crypto *storage.Crypto, clk clock.Clock, logger pslog.Logger) *Repository {
	return &Repository{
		backend: backend,
		crypto:  crypto,
		clock:   clock.Or(clk),
		logger:  loggingutil.WithSubsystem(logger, "orders"),
	}
}

var _ checkout.OrderRepository = (*Repository)(nil)

// CreateOrderWithPricing creates the session's order, or returns the one
// created earlier.
func (r *Repository) CreateOrderWithPricing(ctx context.Context, snap checkout.OrderSnapshot) (checkout.Order, error) {
	if snap.SessionID == "" {
		return checkout.Order{}, fmt.Errorf("orders: session id required")
	}
	order := FromSnapshot(ids.Order(), snap, r.clock.Now().UTC())
	body, err := storage.MarshalRecord(order, r.crypto)
	if err != nil {
		return checkout.Order{}, err
	}
	if _, err := r.backend.Store(ctx, Namespace, snap.SessionID, body, ""); err != nil {
		if errors.Is(err, storage.ErrCASMismatch) {
			existing, gerr := r.Get(ctx, snap.SessionID)
			if gerr != nil {
				return checkout.Order{}, gerr
			}
			r.logger.Info("orders.create.existing", "session_id", snap.SessionID, "order_id", existing.ID)
			return existing, nil
		}
		return checkout.Order{}, fmt.Errorf("orders: store %s: %w", snap.SessionID, err)
	}
	r.logger.Info("orders.created", "session_id", snap.SessionID, "order_id", order.ID, "amount", order.Pricing.FinalPrice, "currency", order.Pricing.Currency)
	return order, nil
}

// Get returns the order for sessionID.
func (r *Repository) Get(ctx context.Context, sessionID string) (checkout.Order, error) {
	res, err := r.backend.Load(ctx, Namespace, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return checkout.Order{}, checkout.NotFoundf("order for session %s not found", sessionID)
		}
		return checkout.Order{}, fmt.Errorf("orders: load %s: %w", sessionID, err)
	}
	var order checkout.Order
	if err := storage.UnmarshalRecord(res.Body, r.crypto, &order); err != nil {
		return checkout.Order{}, err
	}
	return order, nil
}

// Count returns the number of stored orders.
func (r *Repository) Count(ctx context.Context) (int, error) {
	keys, err := r.backend.ListKeys(ctx, Namespace)
	if err != nil {
		return 0, fmt.Errorf("orders: list: %w", err)
	}
	return len(keys), nil
}

// FromSnapshot builds an order from a paid session snapshot.
func FromSnapshot(id string, snap checkout.OrderSnapshot, createdAt time.Time) checkout.Order {
	return checkout.Order{
		ID:              id,
		SessionID:       snap.SessionID,
		UserID:          snap.UserID,
		PaymentIntentID: snap.PaymentIntentID,
		Plan:            snap.Plan,
		Pricing:         snap.Pricing,
		Delivery:        snap.Delivery,
		CreatedAt:       createdAt,
	}
}
