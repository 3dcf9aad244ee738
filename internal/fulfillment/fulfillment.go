// Package fulfillment hands paid orders to the eSIM provisioning pipeline.
package fulfillment

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/checkoutd/internal/checkout"
	"pkt.systems/checkoutd/internal/kafka"
	"pkt.systems/checkoutd/internal/loggingutil"
)

// Request is the message the provisioning pipeline consumes.
type Request struct {
	OrderID     string                 `json:"orderId"`
	SessionID   string                 `json:"sessionId"`
	UserID      string                 `json:"userId"`
	BundleID    string                 `json:"bundleId"`
	ProviderID  string                 `json:"providerId,omitempty"`
	NumOfDays   int                    `json:"numOfDays"`
	Delivery    *checkout.DeliveryInfo `json:"delivery,omitempty"`
	RequestedAt time.Time              `json:"requestedAt"`
}

// RequestFor builds the fulfillment request for order.
func RequestFor(order checkout.Order, now time.Time) Request {
	return Request{
		OrderID:     order.ID,
		SessionID:   order.SessionID,
		UserID:      order.UserID,
		BundleID:    order.Plan.BundleID,
		ProviderID:  order.Pricing.SelectedBundle.ProviderID,
		NumOfDays:   order.Plan.NumOfDays,
		Delivery:    order.Delivery,
		RequestedAt: now.UTC(),
	}
}

// KafkaDispatcher publishes a Request per order, keyed by order id.
type KafkaDispatcher struct {
	writer kafka.Writer
}

// NewKafkaDispatcher wraps w.
func NewKafkaDispatcher(w kafka.Writer) *KafkaDispatcher {
	return &KafkaDispatcher{writer: w}
}

var _ checkout.Fulfiller = (*KafkaDispatcher)(nil)

// PurchaseAndDeliverESIM implements checkout.Fulfiller.
func (d *KafkaDispatcher) PurchaseAndDeliverESIM(ctx context.Context, order checkout.Order) error {
	return kafka.PublishJSON(ctx, d.writer, order.ID, RequestFor(order, time.Now()))
}

// Close closes the writer.
func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}

// LogDispatcher only logs; it stands in when no pipeline is configured.
type LogDispatcher struct {
	logger pslog.Logger
}

// NewLogDispatcher returns a dispatcher writing to logger.
func NewLogDispatcher(logger pslog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: loggingutil.WithSubsystem(logger, "fulfillment")}
}

var _ checkout.Fulfiller = (*LogDispatcher)(nil)

// PurchaseAndDeliverESIM implements checkout.Fulfiller.
func (d *LogDispatcher) PurchaseAndDeliverESIM(_ context.Context, order checkout.Order) error {
	method := ""
	if order.Delivery != nil {
		method = string(order.Delivery.Method)
	}
	d.logger.Info("fulfillment.requested",
		"order_id", order.ID,
		"session_id", order.SessionID,
		"bundle_id", order.Plan.BundleID,
		"delivery_method", method,
	)
	return nil
}
