// Package checkout owns the lifecycle of a checkout session: creation,
// authentication, delivery selection, payment and fulfillment. Every mutating
// operation runs under the per-session lock and persists with a
// compare-and-swap on the etag it read inside that lock.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/checkoutd/internal/clock"
	"pkt.systems/checkoutd/internal/ids"
	"pkt.systems/checkoutd/internal/lock"
	"pkt.systems/checkoutd/internal/loggingutil"
)

// Orchestrator is the checkout state machine.
type Orchestrator struct {
	store     SessionStore
	locker    Locker
	tokens    TokenIssuer
	pricing   PricingProvider
	payments  PaymentGateway
	orders    OrderRepository
	publisher Publisher
	fulfiller Fulfiller
	users     UserDirectory
	receipts  ReceiptStore

	clock   clock.Clock
	logger  pslog.Logger
	metrics *checkoutMetrics

	webhookRetries     uint
	webhookInterval    time.Duration
	fulfillmentTimeout time.Duration
}

// New validates deps and returns an Orchestrator.
func New(deps Dependencies) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.WithSubsystem(deps.Logger, "checkout")
	o := &Orchestrator{
		store:              deps.Store,
		locker:             deps.Locker,
		tokens:             deps.Tokens,
		pricing:            deps.Pricing,
		payments:           deps.Payments,
		orders:             deps.Orders,
		publisher:          deps.Publisher,
		fulfiller:          deps.Fulfiller,
		users:              deps.Users,
		receipts:           deps.Receipts,
		clock:              clock.Or(deps.Clock),
		logger:             logger,
		metrics:            newCheckoutMetrics(logger),
		webhookRetries:     deps.WebhookLockRetries,
		webhookInterval:    deps.WebhookRetryInterval,
		fulfillmentTimeout: deps.FulfillmentTimeout,
	}
	if o.webhookRetries == 0 {
		o.webhookRetries = DefaultWebhookLockRetries
	}
	if o.webhookInterval <= 0 {
		o.webhookInterval = DefaultWebhookRetryInterval
	}
	if o.fulfillmentTimeout <= 0 {
		o.fulfillmentTimeout = DefaultFulfillmentTimeout
	}
	return o, nil
}

func (o *Orchestrator) now() time.Time {
	return o.clock.Now().UTC()
}

// CreateSession validates criteria, prices a bundle and persists a new
// INITIALIZED session. It returns the session and its bearer token.
func (o *Orchestrator) CreateSession(ctx context.Context, criteria Criteria) (_ *Session, _ string, err error) {
	ctx, done := o.observe(ctx, "create", "")
	defer func() { done(err) }()

	if err := criteria.Validate(); err != nil {
		return nil, "", err
	}
	criteria.CountryID = strings.TrimSpace(criteria.CountryID)
	criteria.RegionID = strings.TrimSpace(criteria.RegionID)

	pricing, err := o.pricing.PriceBundle(ctx, criteria)
	if err != nil {
		if errors.Is(err, ErrNoBundlesAvailable) {
			return nil, "", err
		}
		return nil, "", Upstream("pricing", err)
	}
	if pricing.SelectedBundle.ID == "" {
		return nil, "", ErrNoBundlesAvailable.WithDetail("pricing returned no bundle")
	}

	now := o.now()
	s := &Session{
		ID:            ids.Session(),
		State:         StateInitialized,
		PlanSnapshot:  snapshotPlan(criteria, pricing),
		Pricing:       pricing,
		PaymentStatus: PaymentPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(SessionLifetime),
	}
	token, err := o.tokens.Issue(s.ID, "", s.ExpiresAt)
	if err != nil {
		return nil, "", fmt.Errorf("checkout: issue token: %w", err)
	}
	s.TokenHash = o.tokens.Hash(token)
	if err := o.store.Create(ctx, s); err != nil {
		return nil, "", err
	}
	o.logger.Info("checkout.session.created",
		"session_id", s.ID,
		"bundle_id", s.PlanSnapshot.BundleID,
		"price", s.PlanSnapshot.Price,
		"currency", s.PlanSnapshot.Currency,
		"expires_at", s.ExpiresAt,
	)
	return s, token, nil
}

func snapshotPlan(criteria Criteria, pricing Pricing) PlanSnapshot {
	b := pricing.SelectedBundle
	currency := pricing.Currency
	if currency == "" {
		currency = b.Currency
	}
	return PlanSnapshot{
		BundleID:   b.ID,
		BundleName: b.Name,
		CountryID:  criteria.CountryID,
		RegionID:   criteria.RegionID,
		NumOfDays:  criteria.NumOfDays,
		DataMB:     b.DataMB,
		Unlimited:  b.Unlimited,
		Price:      pricing.FinalPrice,
		Currency:   currency,
	}
}

// GetSession reads a session without taking the lock.
func (o *Orchestrator) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, Validationf("session id required")
	}
	return o.store.GetByID(ctx, sessionID)
}

// AuthenticateSession binds userID to an INITIALIZED session, creates its
// payment intent and rotates the bearer token to one carrying userID.
func (o *Orchestrator) AuthenticateSession(ctx context.Context, sessionID, userID string) (_ *Session, _ string, err error) {
	ctx, done := o.observe(ctx, "authenticate", sessionID)
	defer func() { done(err) }()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, "", Validationf("userId required")
	}
	var (
		result *Session
		token  string
	)
	err = o.mutate(ctx, sessionID, func(ctx context.Context, current *Session) error {
		if current.State != StateInitialized {
			return InvalidTransitionf("Cannot authenticate session in state: %s", current.State)
		}
		now := o.now()
		if current.Expired(now) {
			return NotFoundf("session %s expired", current.ID)
		}
		profile := UserProfile{ID: userID}
		if o.users != nil {
			found, err := o.users.LookupUser(ctx, userID)
			if err != nil {
				return Upstream("user directory", err)
			}
			profile = found
			profile.ID = userID
		}
		intent, err := o.payments.CreatePaymentIntent(ctx, o.sessionFacts(current, profile))
		if err != nil {
			return Upstream("payment gateway", err)
		}
		if intent.ID == "" {
			return Upstream("payment gateway", errors.New("empty payment intent id"))
		}
		issued, err := o.tokens.Issue(current.ID, userID, current.ExpiresAt)
		if err != nil {
			return fmt.Errorf("checkout: issue token: %w", err)
		}

		next := current.Clone()
		if err := next.transition(StateAuthenticated); err != nil {
			return err
		}
		next.UserID = userID
		next.PaymentIntentID = intent.ID
		next.TokenHash = o.tokens.Hash(issued)
		next.Metadata.Auth = &AuthInfo{
			UserID:          userID,
			AuthenticatedAt: now,
			UserEmail:       profile.Email,
			UserName:        profile.Name,
			CheckoutURL:     intent.CheckoutURL,
			WalletPayURL:    intent.WalletPayURL,
			IntentCreatedAt: now,
		}
		if err := o.store.IndexPaymentIntent(ctx, intent.ID, next.ID); err != nil {
			return err
		}
		if err := o.store.Update(ctx, next); err != nil {
			return err
		}
		result, token = next, issued
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	o.logger.Info("checkout.session.authenticated", "session_id", result.ID, "user_id", userID, "payment_intent_id", result.PaymentIntentID)
	o.publish(ctx, result, "authenticated")
	return result, token, nil
}

func (o *Orchestrator) sessionFacts(s *Session, profile UserProfile) SessionFacts {
	desc := s.PlanSnapshot.BundleName
	if desc == "" {
		desc = s.PlanSnapshot.BundleID
	}
	return SessionFacts{
		SessionID:   s.ID,
		UserID:      profile.ID,
		Email:       profile.Email,
		Name:        profile.Name,
		Amount:      s.PlanSnapshot.Price,
		Currency:    s.PlanSnapshot.Currency,
		Description: desc,
		ExpiresAt:   s.ExpiresAt,
	}
}

// DeliveryInput selects the delivery method and its contact details.
type DeliveryInput struct {
	Method      DeliveryMethod `json:"method"`
	Email       string         `json:"email,omitempty"`
	PhoneNumber string         `json:"phoneNumber,omitempty"`
}

// Validate checks method-specific required fields.
func (in DeliveryInput) Validate() error {
	if !in.Method.Valid() {
		return Validationf("unknown delivery method %q", in.Method)
	}
	email := strings.TrimSpace(in.Email)
	if in.Method.NeedsEmail() {
		if email == "" {
			return Validationf("email required for delivery method %s", in.Method)
		}
		if !strings.Contains(email, "@") {
			return Validationf("invalid email address")
		}
	}
	if in.Method.NeedsPhone() && strings.TrimSpace(in.PhoneNumber) == "" {
		return Validationf("phoneNumber required for delivery method %s", in.Method)
	}
	return nil
}

// SetDeliveryMethod records the delivery choice and advances the session to
// PAYMENT_READY once authentication, delivery and the payment intent are in
// place. It may be repeated until payment starts.
func (o *Orchestrator) SetDeliveryMethod(ctx context.Context, sessionID string, in DeliveryInput) (_ *Session, err error) {
	ctx, done := o.observe(ctx, "delivery", sessionID)
	defer func() { done(err) }()

	in.Method = DeliveryMethod(strings.ToUpper(strings.TrimSpace(string(in.Method))))
	if err := in.Validate(); err != nil {
		return nil, err
	}
	var result *Session
	err = o.mutate(ctx, sessionID, func(ctx context.Context, current *Session) error {
		switch current.State {
		case StateAuthenticated, StateDeliverySet, StatePaymentReady:
		default:
			return InvalidTransitionf("Cannot set delivery method in state: %s", current.State)
		}
		now := o.now()
		if current.Expired(now) {
			return NotFoundf("session %s expired", current.ID)
		}
		next := current.Clone()
		if err := next.transition(StateDeliverySet); err != nil {
			return err
		}
		next.DeliveryMethod = in.Method
		next.Metadata.Delivery = &DeliveryInfo{
			Method:      in.Method,
			Email:       strings.TrimSpace(in.Email),
			PhoneNumber: strings.TrimSpace(in.PhoneNumber),
			SetAt:       now,
		}
		if next.UserID != "" && next.PaymentIntentID != "" {
			if err := next.transition(StatePaymentReady); err != nil {
				return err
			}
		}
		if err := o.store.Update(ctx, next); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("checkout.session.delivery_set", "session_id", result.ID, "method", in.Method, "state", result.State)
	o.publish(ctx, result, "delivery_set")
	return result, nil
}

// PaymentResult reports the outcome of ProcessPayment.
type PaymentResult struct {
	Session          *Session
	OrderID          string
	AlreadyCompleted bool
}

// ProcessPayment marks the session as paying. Settlement is confirmed by the
// gateway webhook. A completed session returns its order without mutation.
func (o *Orchestrator) ProcessPayment(ctx context.Context, sessionID string) (_ PaymentResult, err error) {
	ctx, done := o.observe(ctx, "pay", sessionID)
	defer func() { done(err) }()

	if current, err := o.GetSession(ctx, sessionID); err != nil {
		return PaymentResult{}, err
	} else if current.State == StatePaymentCompleted {
		return PaymentResult{Session: current, OrderID: current.OrderID, AlreadyCompleted: true}, nil
	}

	var result PaymentResult
	err = o.mutate(ctx, sessionID, func(ctx context.Context, current *Session) error {
		switch current.State {
		case StatePaymentCompleted:
			result = PaymentResult{Session: current, OrderID: current.OrderID, AlreadyCompleted: true}
			return nil
		case StatePaymentReady, StatePaymentFailed:
		default:
			return InvalidTransitionf("Cannot process payment in state: %s", current.State)
		}
		now := o.now()
		if current.Expired(now) {
			return NotFoundf("session %s expired", current.ID)
		}
		next := current.Clone()
		if err := next.transition(StatePaymentProcessing); err != nil {
			return err
		}
		next.PaymentStatus = PaymentProcessing
		p := next.payment()
		p.ProcessingAt = timePtr(now)
		p.Attempts++
		if err := o.store.Update(ctx, next); err != nil {
			return err
		}
		result = PaymentResult{Session: next}
		return nil
	})
	if err != nil {
		return PaymentResult{}, err
	}
	if !result.AlreadyCompleted {
		o.logger.Info("checkout.payment.processing", "session_id", sessionID, "attempt", result.Session.Metadata.Payment.Attempts)
		o.publish(ctx, result.Session, "payment_processing")
	}
	return result, nil
}

// RefreshToken replaces the session's bearer token. Tokens issued earlier
// stop matching the stored hash.
func (o *Orchestrator) RefreshToken(ctx context.Context, sessionID string) (_ *Session, _ string, err error) {
	ctx, done := o.observe(ctx, "refresh_token", sessionID)
	defer func() { done(err) }()

	var (
		result *Session
		token  string
	)
	err = o.mutate(ctx, sessionID, func(ctx context.Context, current *Session) error {
		if current.State == StateExpired || current.Expired(o.now()) {
			return NotFoundf("session %s expired", current.ID)
		}
		issued, err := o.tokens.Issue(current.ID, current.UserID, current.ExpiresAt)
		if err != nil {
			return fmt.Errorf("checkout: issue token: %w", err)
		}
		next := current.Clone()
		if err := o.store.UpdateTokenHash(ctx, next, o.tokens.Hash(issued)); err != nil {
			return err
		}
		result, token = next, issued
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	o.logger.Debug("checkout.token.refreshed", "session_id", sessionID)
	return result, token, nil
}

// RenewPaymentIntent replaces the session's payment intent with a fresh one.
// Webhooks for the superseded intent are ignored afterwards.
func (o *Orchestrator) RenewPaymentIntent(ctx context.Context, sessionID string) (_ *Session, err error) {
	ctx, done := o.observe(ctx, "renew_intent", sessionID)
	defer func() { done(err) }()

	var result *Session
	err = o.mutate(ctx, sessionID, func(ctx context.Context, current *Session) error {
		switch current.State {
		case StateAuthenticated, StateDeliverySet, StatePaymentReady, StatePaymentFailed:
		default:
			return InvalidTransitionf("Cannot renew payment intent in state: %s", current.State)
		}
		now := o.now()
		if current.Expired(now) {
			return NotFoundf("session %s expired", current.ID)
		}
		profile := UserProfile{ID: current.UserID}
		if auth := current.Metadata.Auth; auth != nil {
			profile.Email = auth.UserEmail
			profile.Name = auth.UserName
		}
		intent, err := o.payments.CreatePaymentIntent(ctx, o.sessionFacts(current, profile))
		if err != nil {
			return Upstream("payment gateway", err)
		}
		if intent.ID == "" {
			return Upstream("payment gateway", errors.New("empty payment intent id"))
		}
		next := current.Clone()
		previous := next.PaymentIntentID
		next.PaymentIntentID = intent.ID
		if next.Metadata.Auth == nil {
			next.Metadata.Auth = &AuthInfo{UserID: next.UserID}
		}
		next.Metadata.Auth.CheckoutURL = intent.CheckoutURL
		next.Metadata.Auth.WalletPayURL = intent.WalletPayURL
		next.Metadata.Auth.IntentRenewedAt = timePtr(now)
		if err := o.store.IndexPaymentIntent(ctx, intent.ID, next.ID); err != nil {
			return err
		}
		if err := o.store.Update(ctx, next); err != nil {
			return err
		}
		o.logger.Info("checkout.payment_intent.renewed", "session_id", next.ID, "previous_intent_id", previous, "payment_intent_id", intent.ID)
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// mutate runs fn under the session lock with a fresh read of the session.
func (o *Orchestrator) mutate(ctx context.Context, sessionID string, fn func(context.Context, *Session) error) error {
	if strings.TrimSpace(sessionID) == "" {
		return Validationf("session id required")
	}
	err := o.locker.WithLock(ctx, sessionID, func(ctx context.Context) error {
		current, err := o.store.GetByID(ctx, sessionID)
		if err != nil {
			return err
		}
		return fn(ctx, current)
	})
	if errors.Is(err, lock.ErrContended) {
		o.logger.Debug("lock.acquire.contended", "session_id", sessionID)
		return ErrLockContention.WithDetail("session " + sessionID + " is busy")
	}
	return err
}

func (o *Orchestrator) publish(ctx context.Context, s *Session, event string) {
	update := SessionUpdate{
		SessionID: s.ID,
		Steps:     s.Steps(),
		OrderID:   s.OrderID,
		Event:     event,
		At:        o.now(),
	}
	if err := o.publisher.Publish(context.WithoutCancel(ctx), Channel(s.ID), update); err != nil {
		o.logger.Warn("checkout.publish.failed", "session_id", s.ID, "event", event, "error", err)
	}
}
