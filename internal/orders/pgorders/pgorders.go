// Package pgorders stores orders in PostgreSQL. A UNIQUE constraint on
// session_id makes creation idempotent per session.
package pgorders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pkt.systems/pslog"

	"pkt.systems/checkoutd/internal/checkout"
	"pkt.systems/checkoutd/internal/clock"
	"pkt.systems/checkoutd/internal/ids"
	"pkt.systems/checkoutd/internal/loggingutil"
	"pkt.systems/checkoutd/internal/orders"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkout_orders (
	id                TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL UNIQUE,
	user_id           TEXT NOT NULL,
	payment_intent_id TEXT NOT NULL,
	bundle_id         TEXT NOT NULL,
	amount            NUMERIC(12,2) NOT NULL,
	currency          TEXT NOT NULL,
	plan              JSONB NOT NULL,
	pricing           JSONB NOT NULL,
	delivery          JSONB,
	created_at        TIMESTAMPTZ NOT NULL
)`

// Repository implements checkout.OrderRepository on PostgreSQL.
type Repository struct {
	pool   *pgxpool.Pool
	clock  clock.Clock
	logger pslog.Logger
}

// New applies the schema and returns a repository using pool.
func New(ctx context.Context, pool *pgxpool.Pool, clk clock.Clock, logger pslog.Logger) (*Repository, error) {
	if pool == nil {
		return nil, fmt.Errorf("pgorders: pool required")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("pgorders: migrate: %w", err)
	}
	return &Repository{pool: pool, clock: clock.Or(clk), logger: loggingutil.WithSubsystem(logger, "orders.postgres")}, nil
}

// Open connects to dsn and returns a repository that owns the pool.
func Open(ctx context.Context, dsn string, clk clock.Clock, logger pslog.Logger) (*Repository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgorders: connect: %w", err)
	}
	repo, err := New(ctx, pool, clk, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// Close releases the pool.
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

var _ checkout.OrderRepository = (*Repository)(nil)

// CreateOrderWithPricing inserts the order or returns the session's
// existing one.
func (r *Repository) CreateOrderWithPricing(ctx context.Context, snap checkout.OrderSnapshot) (checkout.Order, error) {
	if snap.SessionID == "" {
		return checkout.Order{}, fmt.Errorf("pgorders: session id required")
	}
	order := orders.FromSnapshot(ids.Order(), snap, r.clock.Now().UTC())
	plan, err := json.Marshal(order.Plan)
	if err != nil {
		return checkout.Order{}, fmt.Errorf("pgorders: encode plan: %w", err)
	}
	pricing, err := json.Marshal(order.Pricing)
	if err != nil {
		return checkout.Order{}, fmt.Errorf("pgorders: encode pricing: %w", err)
	}
	var delivery []byte
	if order.Delivery != nil {
		if delivery, err = json.Marshal(order.Delivery); err != nil {
			return checkout.Order{}, fmt.Errorf("pgorders: encode delivery: %w", err)
		}
	}
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO checkout_orders
			(id, session_id, user_id, payment_intent_id, bundle_id, amount, currency, plan, pricing, delivery, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (session_id) DO NOTHING`,
		order.ID, order.SessionID, order.UserID, order.PaymentIntentID, order.Plan.BundleID,
		order.Pricing.FinalPrice, order.Pricing.Currency, plan, pricing, delivery, order.CreatedAt,
	)
	if err != nil && !isUniqueViolation(err) {
		return checkout.Order{}, fmt.Errorf("pgorders: insert: %w", err)
	}
	if err == nil && tag.RowsAffected() == 1 {
		r.logger.Info("orders.created", "session_id", order.SessionID, "order_id", order.ID)
		return order, nil
	}
	existing, err := r.Get(ctx, snap.SessionID)
	if err != nil {
		return checkout.Order{}, err
	}
	r.logger.Info("orders.create.existing", "session_id", snap.SessionID, "order_id", existing.ID)
	return existing, nil
}

// Get returns the order for sessionID.
func (r *Repository) Get(ctx context.Context, sessionID string) (checkout.Order, error) {
	var (
		order         checkout.Order
		plan, pricing []byte
		delivery      []byte
		createdAt     time.Time
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, session_id, user_id, payment_intent_id, plan, pricing, delivery, created_at
		FROM checkout_orders WHERE session_id = $1`, sessionID,
	).Scan(&order.ID, &order.SessionID, &order.UserID, &order.PaymentIntentID, &plan, &pricing, &delivery, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return checkout.Order{}, checkout.NotFoundf("order for session %s not found", sessionID)
	}
	if err != nil {
		return checkout.Order{}, fmt.Errorf("pgorders: load %s: %w", sessionID, err)
	}
	if err := json.Unmarshal(plan, &order.Plan); err != nil {
		return checkout.Order{}, fmt.Errorf("pgorders: decode plan: %w", err)
	}
	if err := json.Unmarshal(pricing, &order.Pricing); err != nil {
		return checkout.Order{}, fmt.Errorf("pgorders: decode pricing: %w", err)
	}
	if len(delivery) > 0 {
		order.Delivery = &checkout.DeliveryInfo{}
		if err := json.Unmarshal(delivery, order.Delivery); err != nil {
			return checkout.Order{}, fmt.Errorf("pgorders: decode delivery: %w", err)
		}
	}
	order.CreatedAt = createdAt.UTC()
	return order, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
