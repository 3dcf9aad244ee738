package checkout

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/checkoutd/internal/clock"
)

// SessionStore persists sessions. Writes are compare-and-swap on
// Session.ETag; a lost race surfaces as ErrConflict.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	UpdateTokenHash(ctx context.Context, s *Session, tokenHash string) error
	MarkCompleted(ctx context.Context, s *Session, orderID string, at time.Time) error
	IndexPaymentIntent(ctx context.Context, paymentIntentID, sessionID string) error
	FindByPaymentIntent(ctx context.Context, paymentIntentID string) (*Session, error)
	FindExpired(ctx context.Context, now time.Time) ([]*Session, error)
}

// Locker serializes work on one key across every server instance.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// TokenIssuer mints session bearer tokens.
type TokenIssuer interface {
	Issue(sessionID, userID string, expiresAt time.Time) (string, error)
	Hash(token string) string
}

// PricingProvider selects and prices a bundle for the given criteria. It
// returns ErrNoBundlesAvailable when nothing matches.
type PricingProvider interface {
	PriceBundle(ctx context.Context, criteria Criteria) (Pricing, error)
}

// PaymentGateway creates payment intents.
type PaymentGateway interface {
	CreatePaymentIntent(ctx context.Context, facts SessionFacts) (Intent, error)
}

// OrderRepository creates at most one order per session.
type OrderRepository interface {
	CreateOrderWithPricing(ctx context.Context, snapshot OrderSnapshot) (Order, error)
}

// Publisher delivers live session updates.
type Publisher interface {
	Publish(ctx context.Context, channel string, update SessionUpdate) error
}

// Fulfiller purchases and delivers the eSIM for a paid order.
type Fulfiller interface {
	PurchaseAndDeliverESIM(ctx context.Context, order Order) error
}

// UserDirectory resolves customer profiles.
type UserDirectory interface {
	LookupUser(ctx context.Context, userID string) (UserProfile, error)
}

// ReceiptStore remembers processed webhook events. Record is create-only and
// reports duplicate=true when the event was already recorded.
type ReceiptStore interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Record(ctx context.Context, receipt WebhookReceipt) (duplicate bool, err error)
}

// Dependencies wires an Orchestrator. Users and Receipts are optional; every
// other collaborator is required.
type Dependencies struct {
	Store     SessionStore
	Locker    Locker
	Tokens    TokenIssuer
	Pricing   PricingProvider
	Payments  PaymentGateway
	Orders    OrderRepository
	Publisher Publisher
	Fulfiller Fulfiller
	Users     UserDirectory
	Receipts  ReceiptStore
	Clock     clock.Clock
	Logger    pslog.Logger

	// WebhookLockRetries bounds how often a webhook retries lock contention
	// before giving up. Zero selects DefaultWebhookLockRetries.
	WebhookLockRetries uint
	// WebhookRetryInterval is the initial backoff between those retries.
	WebhookRetryInterval time.Duration
	// FulfillmentTimeout bounds the best-effort fulfillment call.
	FulfillmentTimeout time.Duration
}

const (
	DefaultWebhookLockRetries   = 5
	DefaultWebhookRetryInterval = 100 * time.Millisecond
	DefaultFulfillmentTimeout   = 30 * time.Second
)

func (d Dependencies) validate() error {
	missing := func(name string) error { return fmt.Errorf("checkout: %s dependency required", name) }
	switch {
	case d.Store == nil:
		return missing("session store")
	case d.Locker == nil:
		return missing("locker")
	case d.Tokens == nil:
		return missing("token issuer")
	case d.Pricing == nil:
		return missing("pricing provider")
	case d.Payments == nil:
		return missing("payment gateway")
	case d.Orders == nil:
		return missing("order repository")
	case d.Publisher == nil:
		return missing("publisher")
	case d.Fulfiller == nil:
		return missing("fulfiller")
	}
	return nil
}
