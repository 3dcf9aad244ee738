package checkout_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/checkoutd/internal/checkout"
	"pkt.systems/checkoutd/internal/clock"
	"pkt.systems/checkoutd/internal/lock"
	"pkt.systems/checkoutd/internal/orders"
	"pkt.systems/checkoutd/internal/payment"
	"pkt.systems/checkoutd/internal/pricing"
	"pkt.systems/checkoutd/internal/sessionstore"
	"pkt.systems/checkoutd/internal/storage/memory"
	"pkt.systems/checkoutd/internal/token"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type recordingPublisher struct {
	mu      sync.Mutex
	updates []checkout.SessionUpdate
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, update checkout.SessionUpdate) error {
	if channel != checkout.Channel(update.SessionID) {
		return errors.New("update published on foreign channel")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, update)
	return nil
}

func (p *recordingPublisher) events(sessionID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, u := range p.updates {
		if u.SessionID == sessionID {
			out = append(out, u.Event)
		}
	}
	return out
}

type recordingFulfiller struct {
	mu     sync.Mutex
	orders []checkout.Order
	err    error
}

func (f *recordingFulfiller) PurchaseAndDeliverESIM(_ context.Context, order checkout.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, order)
	return f.err
}

func (f *recordingFulfiller) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

type harness struct {
	orch      *checkout.Orchestrator
	clock     *clock.Manual
	backend   *memory.Store
	store     *sessionstore.Store
	locks     *lock.Manager
	tokens    *token.Service
	gateway   *payment.FakeGateway
	orders    *orders.Repository
	receipts  *sessionstore.Receipts
	publisher *recordingPublisher
	fulfiller *recordingFulfiller
}

func newHarness(t *testing.T, opts ...func(*checkout.Dependencies)) *harness {
	t.Helper()
	h := &harness{
		clock:     clock.NewManual(time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)),
		backend:   memory.New(),
		gateway:   payment.NewFakeGateway("https://pay.test"),
		publisher: &recordingPublisher{},
		fulfiller: &recordingFulfiller{},
	}
	h.store = sessionstore.New(h.backend, nil, nil)
	h.receipts = sessionstore.NewReceipts(h.backend, nil, 0, nil)
	h.orders = orders.New(h.backend, nil, h.clock, nil)
	var err error
	h.locks, err = lock.New(lock.Config{Store: h.backend, Owner: "test", Clock: h.clock})
	if err != nil {
		t.Fatalf("lock manager: %v", err)
	}
	h.tokens, err = token.New(token.Config{Key: testKey, Clock: h.clock})
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	catalog := pricing.NewCatalog(pricing.CatalogFile{
		Currency: "USD",
		Bundles: []checkout.Bundle{
			{ID: "test-bundle", Name: "Test bundle", CountryID: "US", Days: 7, DataMB: 1024, Price: 15, Currency: "USD"},
			{ID: "long-bundle", CountryID: "US", Days: 30, Price: 40, Currency: "USD"},
		},
	})
	deps := checkout.Dependencies{
		Store:                h.store,
		Locker:               h.locks,
		Tokens:               h.tokens,
		Pricing:              catalog,
		Payments:             h.gateway,
		Orders:               h.orders,
		Publisher:            h.publisher,
		Fulfiller:            h.fulfiller,
		Receipts:             h.receipts,
		Clock:                h.clock,
		WebhookRetryInterval: time.Millisecond,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.orch, err = checkout.New(deps)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return h
}

func (h *harness) create(t *testing.T) *checkout.Session {
	t.Helper()
	s, _, err := h.orch.CreateSession(context.Background(), checkout.Criteria{CountryID: "US", NumOfDays: 7})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func (h *harness) authenticated(t *testing.T) *checkout.Session {
	t.Helper()
	s := h.create(t)
	s, _, err := h.orch.AuthenticateSession(context.Background(), s.ID, "user-123")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	return s
}

func (h *harness) ready(t *testing.T) *checkout.Session {
	t.Helper()
	s := h.authenticated(t)
	s, err := h.orch.SetDeliveryMethod(context.Background(), s.ID, checkout.DeliveryInput{Method: checkout.DeliveryEmail, Email: "e@x.com"})
	if err != nil {
		t.Fatalf("set delivery: %v", err)
	}
	if s.State != checkout.StatePaymentReady {
		t.Fatalf("expected PAYMENT_READY, got %s", s.State)
	}
	return s
}

func (h *harness) webhook(t *testing.T, eventID, intentID string, status checkout.WebhookStatus) checkout.WebhookResult {
	t.Helper()
	res, err := h.orch.HandlePaymentWebhook(context.Background(), checkout.WebhookEvent{
		EventID:         eventID,
		PaymentIntentID: intentID,
		Status:          status,
	})
	if err != nil {
		t.Fatalf("webhook %s: %v", eventID, err)
	}
	return res
}

func (h *harness) completed(t *testing.T) *checkout.Session {
	t.Helper()
	s := h.ready(t)
	if _, err := h.orch.ProcessPayment(context.Background(), s.ID); err != nil {
		t.Fatalf("process payment: %v", err)
	}
	if res := h.webhook(t, "evt-"+s.ID, s.PaymentIntentID, checkout.WebhookSucceeded); res.Outcome != checkout.WebhookApplied {
		t.Fatalf("expected applied webhook, got %+v", res)
	}
	return h.get(t, s.ID)
}

func (h *harness) get(t *testing.T, id string) *checkout.Session {
	t.Helper()
	s, err := h.orch.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("get session %s: %v", id, err)
	}
	return s
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := checkout.New(checkout.Dependencies{}); err == nil {
		t.Fatalf("expected error for missing dependencies")
	}
}

func TestCreateSessionValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, c := range []checkout.Criteria{
		{CountryID: "US", NumOfDays: -1},
		{NumOfDays: 7},
		{CountryID: "US", RegionID: "europe", NumOfDays: 7},
	} {
		if _, _, err := h.orch.CreateSession(ctx, c); !errors.Is(err, checkout.ErrValidation) {
			t.Fatalf("%+v: expected validation error, got %v", c, err)
		}
	}
	keys, err := h.backend.ListKeys(ctx, sessionstore.SessionNamespace)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("rejected criteria must not persist sessions, found %v", keys)
	}
}

func TestCreateSessionPricesBundle(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	s, raw, err := h.orch.CreateSession(context.Background(), checkout.Criteria{CountryID: "us", NumOfDays: 7})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.State != checkout.StateInitialized || s.PaymentStatus != checkout.PaymentPending {
		t.Fatalf("unexpected session %+v", s)
	}
	if s.PlanSnapshot.BundleID != "test-bundle" || s.PlanSnapshot.Price != 15 || s.PlanSnapshot.Currency != "USD" {
		t.Fatalf("unexpected plan %+v", s.PlanSnapshot)
	}
	if !s.ExpiresAt.Equal(now.Add(checkout.SessionLifetime)) {
		t.Fatalf("expected expiry %s, got %s", now.Add(checkout.SessionLifetime), s.ExpiresAt)
	}
	claims, err := h.tokens.Verify(raw)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if claims.SessionID != s.ID || claims.UserID != "" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	stored := h.get(t, s.ID)
	if stored.TokenHash != h.tokens.Hash(raw) || stored.Version != 1 {
		t.Fatalf("unexpected stored session %+v", stored)
	}

	if _, _, err := h.orch.CreateSession(context.Background(), checkout.Criteria{CountryID: "XX", NumOfDays: 7}); !errors.Is(err, checkout.ErrNoBundlesAvailable) {
		t.Fatalf("expected no bundles, got %v", err)
	}
	long, _, err := h.orch.CreateSession(context.Background(), checkout.Criteria{CountryID: "US", NumOfDays: 8})
	if err != nil {
		t.Fatalf("create long: %v", err)
	}
	if long.PlanSnapshot.BundleID != "long-bundle" {
		t.Fatalf("expected the shortest covering bundle, got %s", long.PlanSnapshot.BundleID)
	}
}

func TestAuthenticateSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := h.clock.Now()
	seed := &checkout.Session{
		ID:            "session-123",
		State:         checkout.StateInitialized,
		PlanSnapshot:  checkout.PlanSnapshot{BundleID: "test-bundle", Price: 15, Currency: "USD", NumOfDays: 7},
		PaymentStatus: checkout.PaymentPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(checkout.SessionLifetime),
	}
	if err := h.store.Create(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s, raw, err := h.orch.AuthenticateSession(ctx, "session-123", "user-123")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if s.State != checkout.StateAuthenticated || s.UserID != "user-123" || s.PaymentIntentID == "" {
		t.Fatalf("unexpected session %+v", s)
	}
	if s.Metadata.Auth == nil || s.Metadata.Auth.CheckoutURL == "" {
		t.Fatalf("auth metadata missing: %+v", s.Metadata.Auth)
	}
	facts, ok := h.gateway.Intent(s.PaymentIntentID)
	if !ok || facts.Amount != 15 || facts.SessionID != "session-123" {
		t.Fatalf("unexpected intent facts %+v ok=%v", facts, ok)
	}
	claims, err := h.tokens.Verify(raw)
	if err != nil || claims.UserID != "user-123" {
		t.Fatalf("unexpected claims %+v err=%v", claims, err)
	}
	if !s.Steps().Authentication.Completed {
		t.Fatalf("authentication step should be completed")
	}
	found, err := h.store.FindByPaymentIntent(ctx, s.PaymentIntentID)
	if err != nil || found.ID != "session-123" {
		t.Fatalf("intent index: %v %+v", err, found)
	}

	_, _, err = h.orch.AuthenticateSession(ctx, "session-123", "user-123")
	if !errors.Is(err, checkout.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	f, _ := checkout.AsFailure(err)
	if f.Detail != "Cannot authenticate session in state: AUTHENTICATED" {
		t.Fatalf("unexpected detail %q", f.Detail)
	}
	if h.gateway.Count() != 1 {
		t.Fatalf("rejected authentication must not create intents")
	}
	if events := h.publisher.events("session-123"); len(events) != 1 || events[0] != "authenticated" {
		t.Fatalf("unexpected events %v", events)
	}
}

func TestAuthenticateUpstreamFailureLeavesSessionUntouched(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)
	h.gateway.FailWith(errors.New("gateway unavailable"))
	if _, _, err := h.orch.AuthenticateSession(context.Background(), s.ID, "user-123"); !errors.Is(err, checkout.ErrUpstreamFailure) {
		t.Fatalf("expected upstream failure, got %v", err)
	}
	if got := h.get(t, s.ID); got.State != checkout.StateInitialized || got.Version != 1 {
		t.Fatalf("session changed after failure: %+v", got)
	}
	h.gateway.FailWith(nil)
	if _, _, err := h.orch.AuthenticateSession(context.Background(), s.ID, "user-123"); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestAuthenticateUnknownAndBlank(t *testing.T) {
	h := newHarness(t)
	if _, _, err := h.orch.AuthenticateSession(context.Background(), "missing", "user-123"); !errors.Is(err, checkout.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	s := h.create(t)
	if _, _, err := h.orch.AuthenticateSession(context.Background(), s.ID, " "); !errors.Is(err, checkout.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSetDeliveryMethod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	initial := h.create(t)
	if _, err := h.orch.SetDeliveryMethod(ctx, initial.ID, checkout.DeliveryInput{Method: checkout.DeliveryQR}); !errors.Is(err, checkout.ErrInvalidTransition) {
		t.Fatalf("delivery before auth: expected invalid transition, got %v", err)
	}

	s := h.authenticated(t)
	for _, in := range []checkout.DeliveryInput{
		{Method: checkout.DeliveryEmail},
		{Method: checkout.DeliverySMS},
		{Method: "PIGEON"},
	} {
		if _, err := h.orch.SetDeliveryMethod(ctx, s.ID, in); !errors.Is(err, checkout.ErrValidation) {
			t.Fatalf("%+v: expected validation error, got %v", in, err)
		}
	}

	ready, err := h.orch.SetDeliveryMethod(ctx, s.ID, checkout.DeliveryInput{Method: "email", Email: "e@x.com"})
	if err != nil {
		t.Fatalf("set delivery: %v", err)
	}
	if ready.State != checkout.StatePaymentReady || ready.DeliveryMethod != checkout.DeliveryEmail {
		t.Fatalf("unexpected session %+v", ready)
	}
	steps := ready.Steps()
	if !steps.Delivery.Completed || steps.Delivery.Email != "e@x.com" || !steps.Payment.ReadyForPayment {
		t.Fatalf("unexpected steps %+v", steps)
	}

	changed, err := h.orch.SetDeliveryMethod(ctx, s.ID, checkout.DeliveryInput{Method: checkout.DeliverySMS, PhoneNumber: "+46701234567"})
	if err != nil {
		t.Fatalf("change delivery: %v", err)
	}
	if changed.State != checkout.StatePaymentReady || changed.Metadata.Delivery.PhoneNumber != "+46701234567" {
		t.Fatalf("unexpected changed session %+v", changed)
	}
}

func TestProcessPaymentRequiresReadySession(t *testing.T) {
	h := newHarness(t)
	s := h.authenticated(t)
	if _, err := h.orch.ProcessPayment(context.Background(), s.ID); !errors.Is(err, checkout.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestPaymentCompletesOnceAcrossRedelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.ready(t)

	res, err := h.orch.ProcessPayment(ctx, s.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.AlreadyCompleted || res.Session.State != checkout.StatePaymentProcessing {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Session.Metadata.Payment.Attempts != 1 || !res.Session.Steps().Payment.Processing {
		t.Fatalf("unexpected payment metadata %+v", res.Session.Metadata.Payment)
	}

	applied := h.webhook(t, "evt-1", s.PaymentIntentID, checkout.WebhookSucceeded)
	if applied.Outcome != checkout.WebhookApplied || applied.State != checkout.StatePaymentCompleted || applied.OrderID == "" {
		t.Fatalf("unexpected webhook result %+v", applied)
	}
	if again := h.webhook(t, "evt-1", s.PaymentIntentID, checkout.WebhookSucceeded); again.Outcome != checkout.WebhookDuplicate {
		t.Fatalf("redelivered event: expected duplicate, got %+v", again)
	}
	if other := h.webhook(t, "evt-2", s.PaymentIntentID, checkout.WebhookSucceeded); other.Outcome != checkout.WebhookDuplicate || other.OrderID != applied.OrderID {
		t.Fatalf("second success event: expected duplicate with same order, got %+v", other)
	}

	count, err := h.orders.Count(ctx)
	if err != nil || count != 1 {
		t.Fatalf("expected exactly one order, got %d err=%v", count, err)
	}
	if h.fulfiller.count() != 1 {
		t.Fatalf("expected one fulfillment, got %d", h.fulfiller.count())
	}

	done := h.get(t, s.ID)
	if done.State != checkout.StatePaymentCompleted || done.OrderID != applied.OrderID || done.PaymentStatus != checkout.PaymentSucceeded {
		t.Fatalf("unexpected completed session %+v", done)
	}
	if steps := done.Steps(); !steps.Payment.Completed || steps.Payment.CompletedAt == nil {
		t.Fatalf("unexpected steps %+v", steps.Payment)
	}

	repeat, err := h.orch.ProcessPayment(ctx, s.ID)
	if err != nil {
		t.Fatalf("process after completion: %v", err)
	}
	if !repeat.AlreadyCompleted || repeat.OrderID != applied.OrderID {
		t.Fatalf("unexpected repeat result %+v", repeat)
	}
	receipt, err := h.receipts.Get(ctx, "evt-1")
	if err != nil || receipt.Outcome != checkout.WebhookApplied || receipt.SessionID != s.ID {
		t.Fatalf("unexpected receipt %+v err=%v", receipt, err)
	}
	events := h.publisher.events(s.ID)
	if last := events[len(events)-1]; last != "payment_succeeded" {
		t.Fatalf("expected payment_succeeded last, got %v", events)
	}
}

func TestWebhookSuccessBeforeProcessPayment(t *testing.T) {
	h := newHarness(t)
	s := h.ready(t)
	res := h.webhook(t, "evt-early", s.PaymentIntentID, checkout.WebhookSucceeded)
	if res.Outcome != checkout.WebhookApplied || res.State != checkout.StatePaymentCompleted {
		t.Fatalf("unexpected result %+v", res)
	}
	done := h.get(t, s.ID)
	if done.Metadata.Payment == nil || done.Metadata.Payment.ProcessingAt == nil {
		t.Fatalf("walked transition should stamp processingAt: %+v", done.Metadata.Payment)
	}
}

func TestWebhookFailureAndRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.ready(t)
	if _, err := h.orch.ProcessPayment(ctx, s.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	res, err := h.orch.HandlePaymentWebhook(ctx, checkout.WebhookEvent{
		EventID:         "evt-fail",
		PaymentIntentID: s.PaymentIntentID,
		Status:          checkout.WebhookFailed,
		FailureReason:   "card_declined",
	})
	if err != nil || res.Outcome != checkout.WebhookApplied || res.State != checkout.StatePaymentFailed {
		t.Fatalf("unexpected failure result %+v err=%v", res, err)
	}
	failed := h.get(t, s.ID)
	if steps := failed.Steps(); !steps.Payment.Failed || steps.Payment.FailureReason != "card_declined" {
		t.Fatalf("unexpected steps %+v", steps.Payment)
	}
	if failed.PaymentStatus != checkout.PaymentFailed {
		t.Fatalf("unexpected payment status %s", failed.PaymentStatus)
	}
	if dup := h.webhook(t, "evt-fail-2", s.PaymentIntentID, checkout.WebhookFailed); dup.Outcome != checkout.WebhookDuplicate {
		t.Fatalf("expected duplicate failure, got %+v", dup)
	}

	retry, err := h.orch.ProcessPayment(ctx, s.ID)
	if err != nil {
		t.Fatalf("retry payment: %v", err)
	}
	if retry.Session.State != checkout.StatePaymentProcessing || retry.Session.Metadata.Payment.Attempts != 2 {
		t.Fatalf("unexpected retry %+v", retry.Session)
	}
	canceled := h.webhook(t, "evt-cancel", s.PaymentIntentID, checkout.WebhookCanceled)
	if canceled.State != checkout.StatePaymentFailed {
		t.Fatalf("unexpected cancel result %+v", canceled)
	}
	got := h.get(t, s.ID)
	if got.PaymentStatus != checkout.PaymentCancelled || got.Metadata.Payment.FailureReason != "payment cancelled" {
		t.Fatalf("unexpected cancelled session %+v", got.Metadata.Payment)
	}
}

func TestWebhookFailureAfterCompletionIgnored(t *testing.T) {
	h := newHarness(t)
	s := h.completed(t)
	res := h.webhook(t, "evt-late-fail", s.PaymentIntentID, checkout.WebhookFailed)
	if res.Outcome != checkout.WebhookIgnored {
		t.Fatalf("expected ignored, got %+v", res)
	}
	if got := h.get(t, s.ID); got.State != checkout.StatePaymentCompleted {
		t.Fatalf("completed session regressed to %s", got.State)
	}
}

func TestWebhookBusinessErrorsAreIgnored(t *testing.T) {
	h := newHarness(t)
	if res := h.webhook(t, "evt-x", "pi_unknown", checkout.WebhookSucceeded); res.Outcome != checkout.WebhookIgnored {
		t.Fatalf("unknown intent: expected ignored, got %+v", res)
	}
	s := h.authenticated(t)
	res := h.webhook(t, "evt-early-auth", s.PaymentIntentID, checkout.WebhookSucceeded)
	if res.Outcome != checkout.WebhookIgnored {
		t.Fatalf("success before delivery: expected ignored, got %+v", res)
	}
	if got := h.get(t, s.ID); got.State != checkout.StateAuthenticated {
		t.Fatalf("state changed to %s", got.State)
	}
	if _, err := h.orch.HandlePaymentWebhook(context.Background(), checkout.WebhookEvent{PaymentIntentID: s.PaymentIntentID, Status: "refunded"}); !errors.Is(err, checkout.ErrValidation) {
		t.Fatalf("unsupported status: expected validation error, got %v", err)
	}
}

func TestWebhookSuccessBeforeDeliveryNeedsReconciliation(t *testing.T) {
	var logs bytes.Buffer
	logger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("CHECKOUTD_TEST_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel, DisableTimestamp: true, NoColor: true}),
		pslog.WithEnvWriter(&logs),
	)
	h := newHarness(t, func(d *checkout.Dependencies) {
		d.Logger = logger
	})

	auth := h.authenticated(t)
	res := h.webhook(t, "evt-paid-early", auth.PaymentIntentID, checkout.WebhookSucceeded)
	if res.Outcome != checkout.WebhookIgnored || res.State != checkout.StateAuthenticated {
		t.Fatalf("expected ignored in AUTHENTICATED, got %+v", res)
	}
	out := logs.String()
	if !strings.Contains(out, "checkout.webhook.succeeded_before_ready") || !strings.Contains(out, "reconcile_manually") {
		t.Fatalf("expected reconciliation error log, got:\n%s", out)
	}
	if strings.Contains(out, "checkout.webhook.ignored") {
		t.Fatalf("early success must not be downgraded to the warn-level ignored log:\n%s", out)
	}

	if got := h.get(t, auth.ID); got.State != checkout.StateAuthenticated || got.OrderID != "" {
		t.Fatalf("session changed: %+v", got)
	}
	if h.fulfiller.count() != 0 {
		t.Fatalf("no order may be fulfilled before checkout is ready")
	}
}

func TestWebhookLockContention(t *testing.T) {
	h := newHarness(t, func(d *checkout.Dependencies) {
		d.WebhookLockRetries = 2
	})
	ctx := context.Background()
	s := h.ready(t)

	held, err := h.locks.Acquire(ctx, s.ID)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := h.orch.SetDeliveryMethod(ctx, s.ID, checkout.DeliveryInput{Method: checkout.DeliveryQR}); !errors.Is(err, checkout.ErrLockContention) {
		t.Fatalf("client op: expected lock contention, got %v", err)
	}
	_, err = h.orch.HandlePaymentWebhook(ctx, checkout.WebhookEvent{EventID: "evt-busy", PaymentIntentID: s.PaymentIntentID, Status: checkout.WebhookSucceeded})
	if !errors.Is(err, checkout.ErrLockContention) {
		t.Fatalf("webhook: expected lock contention, got %v", err)
	}
	if seen, _ := h.receipts.Seen(ctx, "evt-busy"); seen {
		t.Fatalf("unprocessed event must not leave a receipt")
	}
	if err := h.locks.Release(ctx, held); err != nil {
		t.Fatalf("release: %v", err)
	}
	if res := h.webhook(t, "evt-busy", s.PaymentIntentID, checkout.WebhookSucceeded); res.Outcome != checkout.WebhookApplied {
		t.Fatalf("redelivery after release: expected applied, got %+v", res)
	}
}

func TestConcurrentWebhooksCreateOneOrder(t *testing.T) {
	h := newHarness(t, func(d *checkout.Dependencies) {
		d.WebhookLockRetries = 200
	})
	s := h.ready(t)
	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
		failed  []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.orch.HandlePaymentWebhook(context.Background(), checkout.WebhookEvent{
				EventID:         "evt-" + string(rune('a'+i)),
				PaymentIntentID: s.PaymentIntentID,
				Status:          checkout.WebhookSucceeded,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, err)
				return
			}
			if res.Outcome == checkout.WebhookApplied {
				applied++
			}
		}(i)
	}
	wg.Wait()
	if len(failed) > 0 {
		t.Fatalf("unexpected errors %v", failed)
	}
	if applied != 1 {
		t.Fatalf("expected exactly one applied webhook, got %d", applied)
	}
	if count, _ := h.orders.Count(context.Background()); count != 1 {
		t.Fatalf("expected one order, got %d", count)
	}
}

func TestExpiredSessionRejectsClientMutations(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)
	h.clock.Advance(checkout.SessionLifetime + time.Second)
	if _, _, err := h.orch.AuthenticateSession(context.Background(), s.ID, "user-123"); !errors.Is(err, checkout.ErrNotFound) {
		t.Fatalf("expected not found for expired session, got %v", err)
	}
	if _, _, err := h.orch.RefreshToken(context.Background(), s.ID); !errors.Is(err, checkout.ErrNotFound) {
		t.Fatalf("refresh: expected not found, got %v", err)
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	initial := h.create(t)
	authed := h.authenticated(t)
	done := h.completed(t)

	if n, err := h.orch.CleanupExpiredSessions(ctx); err != nil || n != 0 {
		t.Fatalf("early sweep: n=%d err=%v", n, err)
	}
	h.clock.Advance(checkout.SessionLifetime + time.Minute)
	n, err := h.orch.CleanupExpiredSessions(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 expired sessions, got %d", n)
	}
	for _, id := range []string{initial.ID, authed.ID} {
		got := h.get(t, id)
		if got.State != checkout.StateExpired || got.Metadata.ExpiredAt == nil {
			t.Fatalf("%s: expected SESSION_EXPIRED, got %+v", id, got)
		}
	}
	if got := h.get(t, done.ID); got.State != checkout.StatePaymentCompleted {
		t.Fatalf("completed session must survive the sweep, got %s", got.State)
	}
	if steps := h.get(t, authed.ID).Steps(); !steps.Authentication.Completed || steps.Delivery.Completed {
		t.Fatalf("unexpected expired projection %+v", steps)
	}
	if events := h.publisher.events(initial.ID); len(events) != 1 || events[0] != "expired" {
		t.Fatalf("unexpected events %v", events)
	}
	if n, err := h.orch.CleanupExpiredSessions(ctx); err != nil || n != 0 {
		t.Fatalf("second sweep: n=%d err=%v", n, err)
	}

	res := h.webhook(t, "evt-after-expiry", authed.PaymentIntentID, checkout.WebhookSucceeded)
	if res.Outcome != checkout.WebhookIgnored || res.Reason != "session expired" {
		t.Fatalf("success after expiry: expected ignored, got %+v", res)
	}
	if count, _ := h.orders.Count(ctx); count != 1 {
		t.Fatalf("expired sessions must not create orders, got %d", count)
	}
}

func TestCleanupSkipsLockedSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t)
	b := h.create(t)
	h.clock.Advance(checkout.SessionLifetime + time.Minute)
	held, err := h.locks.Acquire(ctx, a.ID)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	n, err := h.orch.CleanupExpiredSessions(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one expired with the other locked, n=%d err=%v", n, err)
	}
	if got := h.get(t, b.ID); got.State != checkout.StateExpired {
		t.Fatalf("unlocked session not expired: %s", got.State)
	}
	if err := h.locks.Release(ctx, held); err != nil {
		t.Fatalf("release: %v", err)
	}
	if n, err := h.orch.CleanupExpiredSessions(ctx); err != nil || n != 1 {
		t.Fatalf("follow-up sweep: n=%d err=%v", n, err)
	}
}

func TestRefreshToken(t *testing.T) {
	h := newHarness(t)
	s := h.authenticated(t)
	before := h.get(t, s.ID).TokenHash
	refreshed, raw, err := h.orch.RefreshToken(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.TokenHash == before || refreshed.TokenHash != h.tokens.Hash(raw) {
		t.Fatalf("token hash not rotated")
	}
	if got := h.get(t, s.ID); got.TokenHash != h.tokens.Hash(raw) || got.State != checkout.StateAuthenticated {
		t.Fatalf("unexpected stored session %+v", got)
	}
	claims, err := h.tokens.Verify(raw)
	if err != nil || claims.UserID != "user-123" || claims.SessionID != s.ID {
		t.Fatalf("unexpected claims %+v err=%v", claims, err)
	}
}

func TestRenewPaymentIntent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	initial := h.create(t)
	if _, err := h.orch.RenewPaymentIntent(ctx, initial.ID); !errors.Is(err, checkout.ErrInvalidTransition) {
		t.Fatalf("renew before auth: expected invalid transition, got %v", err)
	}

	s := h.ready(t)
	old := s.PaymentIntentID
	renewed, err := h.orch.RenewPaymentIntent(ctx, s.ID)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if renewed.PaymentIntentID == old || renewed.State != checkout.StatePaymentReady {
		t.Fatalf("unexpected renewed session %+v", renewed)
	}
	if renewed.Metadata.Auth.IntentRenewedAt == nil {
		t.Fatalf("renewal time not recorded")
	}
	if _, err := h.store.FindByPaymentIntent(ctx, old); !errors.Is(err, checkout.ErrNotFound) {
		t.Fatalf("superseded intent should not resolve, got %v", err)
	}
	if res := h.webhook(t, "evt-old", old, checkout.WebhookSucceeded); res.Outcome != checkout.WebhookIgnored {
		t.Fatalf("webhook for superseded intent: expected ignored, got %+v", res)
	}
	if res := h.webhook(t, "evt-new", renewed.PaymentIntentID, checkout.WebhookSucceeded); res.Outcome != checkout.WebhookApplied {
		t.Fatalf("webhook for current intent: expected applied, got %+v", res)
	}
}

func TestFulfillmentFailureDoesNotUndoPayment(t *testing.T) {
	h := newHarness(t)
	h.fulfiller.err = errors.New("provider down")
	s := h.completed(t)
	if s.State != checkout.StatePaymentCompleted || s.OrderID == "" {
		t.Fatalf("payment should stand despite fulfillment failure: %+v", s)
	}
}
