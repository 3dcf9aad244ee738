package sessionstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pkt.systems/pslog"

	"pkt.systems/checkoutd/internal/checkout"
	"pkt.systems/checkoutd/internal/jsonutil"
	"pkt.systems/checkoutd/internal/loggingutil"
	"pkt.systems/checkoutd/internal/storage"
)

// ReceiptNamespace holds one record per processed webhook event id.
const ReceiptNamespace = "webhook-receipts"

// DefaultReceiptPayloadMax caps the raw payload kept with a receipt.
const DefaultReceiptPayloadMax = 64 << 10

// Receipts implements checkout.ReceiptStore.
type Receipts struct {
	backend    storage.Backend
	crypto     *storage.Crypto
	payloadMax int64
	logger     pslog.Logger
}

// NewReceipts wraps backend. payloadMax <= 0 selects DefaultReceiptPayloadMax.
func NewReceipts(backend storage.Backend, crypto *storage.Crypto, payloadMax int64, logger pslog.Logger) *Receipts {
	if payloadMax <= 0 {
		payloadMax = DefaultReceiptPayloadMax
	}
	return &Receipts{
		backend:    backend,
		crypto:     crypto,
		payloadMax: payloadMax,
		logger:     loggingutil.WithSubsystem(logger, "checkout.receipts"),
	}
}

var _ checkout.ReceiptStore = (*Receipts)(nil)

// Seen reports whether eventID was recorded.
func (r *Receipts) Seen(ctx context.Context, eventID string) (bool, error) {
	_, err := r.backend.Load(ctx, ReceiptNamespace, eventID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("receipts: load %s: %w", eventID, err)
	}
}

// Record stores receipt unless its event id is already present.
func (r *Receipts) Record(ctx context.Context, receipt checkout.WebhookReceipt) (bool, error) {
	if receipt.EventID == "" {
		return false, fmt.Errorf("receipts: event id required")
	}
	receipt.Payload = r.compact(receipt.EventID, receipt.Payload)
	body, err := storage.MarshalRecord(receipt, r.crypto)
	if err != nil {
		return false, err
	}
	if _, err := r.backend.Store(ctx, ReceiptNamespace, receipt.EventID, body, ""); err != nil {
		if errors.Is(err, storage.ErrCASMismatch) {
			return true, nil
		}
		return false, fmt.Errorf("receipts: store %s: %w", receipt.EventID, err)
	}
	return false, nil
}

// Get returns a stored receipt.
func (r *Receipts) Get(ctx context.Context, eventID string) (checkout.WebhookReceipt, error) {
	res, err := r.backend.Load(ctx, ReceiptNamespace, eventID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return checkout.WebhookReceipt{}, checkout.NotFoundf("receipt %s not found", eventID)
		}
		return checkout.WebhookReceipt{}, fmt.Errorf("receipts: load %s: %w", eventID, err)
	}
	var receipt checkout.WebhookReceipt
	if err := storage.UnmarshalRecord(res.Body, r.crypto, &receipt); err != nil {
		return checkout.WebhookReceipt{}, err
	}
	return receipt, nil
}

// compact drops payloads that are not JSON or exceed the cap; the receipt
// itself is what matters for deduplication.
func (r *Receipts) compact(eventID string, payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	out, err := jsonutil.Compact(bytes.NewReader(payload), r.payloadMax)
	if err != nil {
		r.logger.Debug("receipts.payload.dropped", "event_id", eventID, "bytes", len(payload), "error", err)
		return nil
	}
	return out
}
