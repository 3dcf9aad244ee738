package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"pkt.systems/checkoutd/internal/lock"
)

// WebhookStatus is the payment outcome a gateway event reports.
type WebhookStatus string

const (
	WebhookSucceeded WebhookStatus = "succeeded"
	WebhookFailed    WebhookStatus = "failed"
	WebhookCanceled  WebhookStatus = "canceled"
)

// ParseWebhookStatus normalizes a gateway status string.
func ParseWebhookStatus(raw string) (WebhookStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "succeeded", "success", "paid":
		return WebhookSucceeded, true
	case "failed", "failure":
		return WebhookFailed, true
	case "canceled", "cancelled":
		return WebhookCanceled, true
	}
	return "", false
}

// WebhookEvent is one inbound gateway notification.
type WebhookEvent struct {
	EventID         string
	PaymentIntentID string
	Status          WebhookStatus
	FailureReason   string
	Raw             []byte
}

// WebhookOutcome summarizes what a webhook did.
type WebhookOutcome string

const (
	WebhookApplied   WebhookOutcome = "applied"
	WebhookDuplicate WebhookOutcome = "duplicate"
	WebhookIgnored   WebhookOutcome = "ignored"
)

// WebhookResult reports the outcome of HandlePaymentWebhook.
type WebhookResult struct {
	Outcome   WebhookOutcome
	SessionID string
	State     State
	OrderID   string
	Reason    string
}

// WebhookReceipt is what the receipt store keeps per processed event.
type WebhookReceipt struct {
	EventID         string          `json:"eventId"`
	PaymentIntentID string          `json:"paymentIntentId"`
	SessionID       string          `json:"sessionId,omitempty"`
	Status          WebhookStatus   `json:"status"`
	Outcome         WebhookOutcome  `json:"outcome"`
	ReceivedAt      time.Time       `json:"receivedAt"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// HandlePaymentWebhook applies a gateway event. Business errors (unknown
// intent, illegal state) are logged and reported as an ignored outcome, never
// returned. Returned errors are transient: lock contention that outlived the
// retry budget, storage or order repository failures. The gateway is expected
// to redeliver in that case.
func (o *Orchestrator) HandlePaymentWebhook(ctx context.Context, ev WebhookEvent) (_ WebhookResult, err error) {
	ctx, done := o.observe(ctx, "webhook", "")
	defer func() { done(err) }()

	ev.PaymentIntentID = strings.TrimSpace(ev.PaymentIntentID)
	ev.EventID = strings.TrimSpace(ev.EventID)
	if ev.PaymentIntentID == "" {
		return WebhookResult{}, Validationf("paymentIntentId required")
	}
	status, ok := ParseWebhookStatus(string(ev.Status))
	if !ok {
		return WebhookResult{}, Validationf("unsupported webhook status %q", ev.Status)
	}
	ev.Status = status
	logger := o.logger.With("payment_intent_id", ev.PaymentIntentID, "status", string(ev.Status), "event_id", ev.EventID)

	if o.receipts != nil && ev.EventID != "" {
		seen, err := o.receipts.Seen(ctx, ev.EventID)
		if err != nil {
			return WebhookResult{}, err
		}
		if seen {
			logger.Debug("checkout.webhook.redelivered")
			o.metrics.recordWebhook(ctx, ev.Status, WebhookDuplicate)
			return WebhookResult{Outcome: WebhookDuplicate, Reason: "event already processed"}, nil
		}
	}

	located, err := o.store.FindByPaymentIntent(ctx, ev.PaymentIntentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			logger.Warn("checkout.webhook.unknown_intent")
			res := WebhookResult{Outcome: WebhookIgnored, Reason: "unknown payment intent"}
			o.finishWebhook(ctx, ev, res)
			return res, nil
		}
		return WebhookResult{}, err
	}

	var order *Order
	operation := func() (WebhookResult, error) {
		var res WebhookResult
		err := o.locker.WithLock(ctx, located.ID, func(ctx context.Context) error {
			current, err := o.store.GetByID(ctx, located.ID)
			if err != nil {
				return err
			}
			res, order, err = o.applyWebhook(ctx, current, ev)
			return err
		})
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, ErrConflict), errors.Is(err, lock.ErrContended):
			logger.Debug("checkout.webhook.retry", "error", err)
			return res, err
		default:
			return res, backoff.Permanent(err)
		}
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.webhookInterval
	policy.MaxInterval = 20 * o.webhookInterval
	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(o.webhookRetries),
	)
	if err != nil {
		switch {
		case errors.Is(err, lock.ErrContended):
			logger.Warn("checkout.webhook.lock_exhausted", "session_id", located.ID, "tries", o.webhookRetries)
			return WebhookResult{}, ErrLockContention.WithDetail("session " + located.ID + " is busy")
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrValidation):
			logger.Warn("checkout.webhook.ignored", "session_id", located.ID, "error", err)
			res = WebhookResult{Outcome: WebhookIgnored, SessionID: located.ID, Reason: err.Error()}
			o.finishWebhook(ctx, ev, res)
			return res, nil
		default:
			logger.Error("checkout.webhook.failed", "session_id", located.ID, "error", err)
			return WebhookResult{}, err
		}
	}

	if res.Outcome == WebhookApplied {
		if order != nil {
			o.fulfill(ctx, *order)
		}
		if s, err := o.store.GetByID(ctx, located.ID); err == nil {
			o.publish(ctx, s, "payment_"+string(ev.Status))
		}
	}
	logger.Info("checkout.webhook.handled", "session_id", res.SessionID, "outcome", string(res.Outcome), "state", res.State, "order_id", res.OrderID)
	o.finishWebhook(ctx, ev, res)
	return res, nil
}

// applyWebhook runs under the session lock.
func (o *Orchestrator) applyWebhook(ctx context.Context, current *Session, ev WebhookEvent) (WebhookResult, *Order, error) {
	base := WebhookResult{SessionID: current.ID, State: current.State, OrderID: current.OrderID}
	if current.PaymentIntentID != ev.PaymentIntentID {
		base.Outcome = WebhookIgnored
		base.Reason = "payment intent superseded"
		return base, nil, nil
	}
	now := o.now()

	if ev.Status == WebhookSucceeded {
		walk := false
		switch current.State {
		case StatePaymentCompleted:
			base.Outcome = WebhookDuplicate
			return base, nil, nil
		case StateExpired:
			o.logger.Error("checkout.webhook.succeeded_after_expiry",
				"session_id", current.ID,
				"payment_intent_id", ev.PaymentIntentID,
				"action", "reconcile_manually",
			)
			base.Outcome = WebhookIgnored
			base.Reason = "session expired"
			return base, nil, nil
		case StateInitialized, StateAuthenticated, StateDeliverySet:
			// Money moved before the customer finished checkout; there is
			// no order to attach it to.
			o.logger.Error("checkout.webhook.succeeded_before_ready",
				"session_id", current.ID,
				"state", current.State,
				"payment_intent_id", ev.PaymentIntentID,
				"action", "reconcile_manually",
			)
			base.Outcome = WebhookIgnored
			base.Reason = "payment succeeded before checkout was ready"
			return base, nil, nil
		case StatePaymentReady, StatePaymentFailed:
			walk = true
		case StatePaymentProcessing:
		default:
			return base, nil, InvalidTransitionf("Cannot complete payment in state: %s", current.State)
		}
		next := current.Clone()
		if walk {
			if err := next.transition(StatePaymentProcessing); err != nil {
				return base, nil, err
			}
			next.payment().ProcessingAt = timePtr(now)
		}
		if !next.State.CanTransition(StatePaymentCompleted) {
			return base, nil, InvalidTransitionf("Cannot complete payment in state: %s", next.State)
		}
		order, err := o.orders.CreateOrderWithPricing(ctx, OrderSnapshot{
			SessionID:       next.ID,
			UserID:          next.UserID,
			PaymentIntentID: next.PaymentIntentID,
			Plan:            next.PlanSnapshot,
			Pricing:         next.Pricing,
			Delivery:        next.Metadata.Delivery,
			PaidAt:          now,
		})
		if err != nil {
			return base, nil, Upstream("orders", err)
		}
		p := next.payment()
		p.PaymentIntentID = next.PaymentIntentID
		p.LastWebhookStatus = string(ev.Status)
		p.LastWebhookAt = timePtr(now)
		if err := o.store.MarkCompleted(ctx, next, order.ID, now); err != nil {
			return base, nil, err
		}
		return WebhookResult{Outcome: WebhookApplied, SessionID: next.ID, State: next.State, OrderID: next.OrderID}, &order, nil
	}

	walk := false
	switch current.State {
	case StatePaymentCompleted:
		o.logger.Warn("checkout.webhook.failure_after_completion", "session_id", current.ID, "payment_intent_id", ev.PaymentIntentID)
		base.Outcome = WebhookIgnored
		base.Reason = "payment already completed"
		return base, nil, nil
	case StatePaymentFailed:
		base.Outcome = WebhookDuplicate
		return base, nil, nil
	case StateExpired:
		base.Outcome = WebhookIgnored
		base.Reason = "session expired"
		return base, nil, nil
	case StatePaymentReady:
		walk = true
	case StatePaymentProcessing:
	default:
		return base, nil, InvalidTransitionf("Cannot fail payment in state: %s", current.State)
	}
	next := current.Clone()
	if walk {
		if err := next.transition(StatePaymentProcessing); err != nil {
			return base, nil, err
		}
		next.payment().ProcessingAt = timePtr(now)
	}
	if err := next.transition(StatePaymentFailed); err != nil {
		return base, nil, err
	}
	reason := strings.TrimSpace(ev.FailureReason)
	next.PaymentStatus = PaymentFailed
	if ev.Status == WebhookCanceled {
		next.PaymentStatus = PaymentCancelled
		if reason == "" {
			reason = "payment cancelled"
		}
	}
	if reason == "" {
		reason = "payment failed"
	}
	p := next.payment()
	p.PaymentIntentID = next.PaymentIntentID
	p.FailedAt = timePtr(now)
	p.FailureReason = reason
	p.LastWebhookStatus = string(ev.Status)
	p.LastWebhookAt = timePtr(now)
	if err := o.store.Update(ctx, next); err != nil {
		return base, nil, err
	}
	return WebhookResult{Outcome: WebhookApplied, SessionID: next.ID, State: next.State}, nil, nil
}

func (o *Orchestrator) fulfill(ctx context.Context, order Order) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.fulfillmentTimeout)
	defer cancel()
	if err := o.fulfiller.PurchaseAndDeliverESIM(fctx, order); err != nil {
		o.metrics.recordFulfillment(ctx, false)
		o.logger.Error("checkout.fulfillment.failed", "order_id", order.ID, "session_id", order.SessionID, "error", err)
		return
	}
	o.metrics.recordFulfillment(ctx, true)
	o.logger.Info("checkout.fulfillment.dispatched", "order_id", order.ID, "session_id", order.SessionID)
}

func (o *Orchestrator) finishWebhook(ctx context.Context, ev WebhookEvent, res WebhookResult) {
	o.metrics.recordWebhook(ctx, ev.Status, res.Outcome)
	if o.receipts == nil || ev.EventID == "" {
		return
	}
	duplicate, err := o.receipts.Record(context.WithoutCancel(ctx), WebhookReceipt{
		EventID:         ev.EventID,
		PaymentIntentID: ev.PaymentIntentID,
		SessionID:       res.SessionID,
		Status:          ev.Status,
		Outcome:         res.Outcome,
		ReceivedAt:      o.now(),
		Payload:         ev.Raw,
	})
	if err != nil {
		o.logger.Warn("checkout.webhook.receipt_failed", "event_id", ev.EventID, "error", err)
		return
	}
	if duplicate {
		o.logger.Debug("checkout.webhook.receipt_exists", "event_id", ev.EventID)
	}
}
