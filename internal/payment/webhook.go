package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pkt.systems/checkoutd/internal/checkout"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Checkout-Signature"

// ErrBadSignature reports a missing or wrong webhook signature.
var ErrBadSignature = errors.New("payment: webhook signature mismatch")

// Sign returns the signature a gateway sends for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature (with or without the "sha256=" prefix)
// against body.
func VerifySignature(secret, body []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	signature = strings.TrimPrefix(signature, "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) != sha256.Size {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// WebhookPayload is the gateway's event document.
type WebhookPayload struct {
	EventID         string `json:"eventId"`
	PaymentIntentID string `json:"paymentIntentId"`
	Status          string `json:"status"`
	FailureReason   string `json:"failureReason,omitempty"`
}

// ParseWebhook decodes body into an event for the orchestrator.
func ParseWebhook(body []byte) (checkout.WebhookEvent, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return checkout.WebhookEvent{}, checkout.Validationf("invalid webhook payload: %v", err)
	}
	if strings.TrimSpace(payload.PaymentIntentID) == "" {
		return checkout.WebhookEvent{}, checkout.Validationf("webhook paymentIntentId required")
	}
	status, ok := checkout.ParseWebhookStatus(payload.Status)
	if !ok {
		return checkout.WebhookEvent{}, checkout.Validationf("unsupported webhook status %q", payload.Status)
	}
	return checkout.WebhookEvent{
		EventID:         strings.TrimSpace(payload.EventID),
		PaymentIntentID: strings.TrimSpace(payload.PaymentIntentID),
		Status:          status,
		FailureReason:   payload.FailureReason,
		Raw:             append([]byte(nil), body...),
	}, nil
}

// EncodeWebhook renders a payload as a gateway would send it, with its
// signature. Used by the fake gateway tooling and tests.
func EncodeWebhook(secret []byte, payload WebhookPayload) ([]byte, string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("payment: encode webhook: %w", err)
	}
	return body, Sign(secret, body), nil
}
