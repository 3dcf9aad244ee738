package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/checkoutd/internal/checkout"
)

const maxResponseBytes = 1 << 20

// HTTPConfig configures the remote pricing client.
type HTTPConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPProvider calls POST <base>/v1/price with the criteria and expects a
// checkout.Pricing document. 404 and 422 mean no bundle matched.
type HTTPProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPProvider validates cfg and returns a provider.
func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("pricing: base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &HTTPProvider{endpoint: base + "/v1/price", apiKey: cfg.APIKey, client: client}, nil
}

var _ checkout.PricingProvider = (*HTTPProvider)(nil)

// PriceBundle implements checkout.PricingProvider.
func (p *HTTPProvider) PriceBundle(ctx context.Context, criteria checkout.Criteria) (checkout.Pricing, error) {
	body, err := json.Marshal(criteria)
	if err != nil {
		return checkout.Pricing{}, fmt.Errorf("pricing: encode criteria: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return checkout.Pricing{}, fmt.Errorf("pricing: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return checkout.Pricing{}, fmt.Errorf("pricing: request: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return checkout.Pricing{}, fmt.Errorf("pricing: read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnprocessableEntity:
		return checkout.Pricing{}, checkout.ErrNoBundlesAvailable.WithDetail(strings.TrimSpace(string(payload)))
	case resp.StatusCode != http.StatusOK:
		return checkout.Pricing{}, fmt.Errorf("pricing: unexpected status %d", resp.StatusCode)
	}
	var pricing checkout.Pricing
	if err := json.Unmarshal(payload, &pricing); err != nil {
		return checkout.Pricing{}, fmt.Errorf("pricing: decode response: %w", err)
	}
	if pricing.SelectedBundle.ID == "" {
		return checkout.Pricing{}, checkout.ErrNoBundlesAvailable.WithDetail("pricing service selected no bundle")
	}
	return pricing, nil
}
