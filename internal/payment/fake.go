package payment

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"pkt.systems/checkoutd/internal/checkout"
	"pkt.systems/checkoutd/internal/ids"
)

// FakeGateway is an in-process gateway for development and tests. It hands
// out intents with checkout URLs under BaseURL and remembers what it issued.
type FakeGateway struct {
	BaseURL string

	mu      sync.Mutex
	intents map[string]checkout.SessionFacts
	err     error
}

// NewFakeGateway returns a fake whose checkout URLs start with baseURL.
func NewFakeGateway(baseURL string) *FakeGateway {
	if baseURL == "" {
		baseURL = "https://pay.invalid"
	}
	return &FakeGateway{BaseURL: strings.TrimRight(baseURL, "/"), intents: make(map[string]checkout.SessionFacts)}
}

var _ checkout.PaymentGateway = (*FakeGateway)(nil)

// FailWith makes subsequent calls return err; nil restores success.
func (g *FakeGateway) FailWith(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

// CreatePaymentIntent implements checkout.PaymentGateway.
func (g *FakeGateway) CreatePaymentIntent(ctx context.Context, facts checkout.SessionFacts) (checkout.Intent, error) {
	if err := ctx.Err(); err != nil {
		return checkout.Intent{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return checkout.Intent{}, g.err
	}
	if facts.Amount <= 0 {
		return checkout.Intent{}, fmt.Errorf("payment: amount must be positive")
	}
	id := "pi_" + ids.Token()
	g.intents[id] = facts
	return checkout.Intent{
		ID:           id,
		CheckoutURL:  g.BaseURL + "/checkout/" + id,
		WalletPayURL: g.BaseURL + "/wallet/" + id,
	}, nil
}

// Intent returns the facts an intent was created with.
func (g *FakeGateway) Intent(id string) (checkout.SessionFacts, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	facts, ok := g.intents[id]
	return facts, ok
}

// Count reports how many intents were created.
func (g *FakeGateway) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.intents)
}
