// Package payment talks to the payment gateway: it creates payment intents
// and authenticates and decodes the gateway's webhooks.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/checkoutd/internal/checkout"
)

const maxResponseBytes = 1 << 20

// HTTPConfig configures the gateway client.
type HTTPConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPGateway creates intents with POST <base>/v1/payment_intents.
type HTTPGateway struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPGateway validates cfg and returns a gateway client.
func NewHTTPGateway(cfg HTTPConfig) (*HTTPGateway, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("payment: base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &HTTPGateway{endpoint: base + "/v1/payment_intents", apiKey: cfg.APIKey, client: client}, nil
}

var _ checkout.PaymentGateway = (*HTTPGateway)(nil)

type intentRequest struct {
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description,omitempty"`
	Email       string            `json:"receiptEmail,omitempty"`
	ExpiresAt   int64             `json:"expiresAt"`
	Metadata    map[string]string `json:"metadata"`
}

// CreatePaymentIntent implements checkout.PaymentGateway. Amounts are sent
// in minor units.
func (g *HTTPGateway) CreatePaymentIntent(ctx context.Context, facts checkout.SessionFacts) (checkout.Intent, error) {
	body, err := json.Marshal(intentRequest{
		Amount:      MinorUnits(facts.Amount),
		Currency:    strings.ToLower(facts.Currency),
		Description: facts.Description,
		Email:       facts.Email,
		ExpiresAt:   facts.ExpiresAt.Unix(),
		Metadata: map[string]string{
			"sessionId": facts.SessionID,
			"userId":    facts.UserID,
		},
	})
	if err != nil {
		return checkout.Intent{}, fmt.Errorf("payment: encode intent: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return checkout.Intent{}, fmt.Errorf("payment: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return checkout.Intent{}, fmt.Errorf("payment: request: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return checkout.Intent{}, fmt.Errorf("payment: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return checkout.Intent{}, fmt.Errorf("payment: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	var intent checkout.Intent
	if err := json.Unmarshal(payload, &intent); err != nil {
		return checkout.Intent{}, fmt.Errorf("payment: decode response: %w", err)
	}
	if intent.ID == "" {
		return checkout.Intent{}, fmt.Errorf("payment: response carried no intent id")
	}
	return intent, nil
}

// MinorUnits converts a decimal amount to cents, rounding half away from zero.
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
