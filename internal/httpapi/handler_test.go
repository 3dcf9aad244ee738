package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/checkoutd/api"
	"pkt.systems/checkoutd/internal/checkout"
	"pkt.systems/checkoutd/internal/clock"
	"pkt.systems/checkoutd/internal/lock"
	"pkt.systems/checkoutd/internal/orders"
	"pkt.systems/checkoutd/internal/payment"
	"pkt.systems/checkoutd/internal/pricing"
	"pkt.systems/checkoutd/internal/pubsub"
	"pkt.systems/checkoutd/internal/sessionstore"
	"pkt.systems/checkoutd/internal/storage/memory"
	"pkt.systems/checkoutd/internal/token"
)

var (
	testKey       = []byte("0123456789abcdef0123456789abcdef")
	webhookSecret = []byte("whsec-test")
)

const adminKey = "admin-test-key"

type testEnv struct {
	server  *httptest.Server
	clock   *clock.Manual
	locks   *lock.Manager
	gateway *payment.FakeGateway
	broker  *pubsub.Broker
	orders  *orders.Repository
	ready   error
}

type fulfillNoop struct{}

func (fulfillNoop) PurchaseAndDeliverESIM(context.Context, checkout.Order) error { return nil }

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		clock:   clock.NewManual(time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)),
		gateway: payment.NewFakeGateway("https://pay.test"),
		broker:  pubsub.NewBroker(pslog.NoopLogger()),
	}
	backend := memory.New()
	env.orders = orders.New(backend, nil, env.clock, nil)
	var err error
	env.locks, err = lock.New(lock.Config{Store: backend, Owner: "test", Clock: env.clock})
	if err != nil {
		t.Fatalf("lock manager: %v", err)
	}
	tokens, err := token.New(token.Config{Key: testKey, Clock: env.clock})
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	orch, err := checkout.New(checkout.Dependencies{
		Store:  sessionstore.New(backend, nil, nil),
		Locker: env.locks,
		Tokens: tokens,
		Pricing: pricing.NewCatalog(pricing.CatalogFile{
			Currency: "USD",
			Bundles: []checkout.Bundle{
				{ID: "test-bundle", Name: "Test bundle", CountryID: "US", Days: 7, Price: 15, Currency: "USD"},
			},
		}),
		Payments:             env.gateway,
		Orders:               env.orders,
		Publisher:            env.broker,
		Fulfiller:            fulfillNoop{},
		Receipts:             sessionstore.NewReceipts(backend, nil, 0, nil),
		Clock:                env.clock,
		WebhookLockRetries:   1,
		WebhookRetryInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	handler, err := New(Config{
		Orchestrator:      orch,
		Tokens:            tokens,
		Updates:           env.broker,
		WebhookSecret:     webhookSecret,
		AdminKey:          adminKey,
		HeartbeatInterval: time.Hour,
		Ready:             func(context.Context) error { return env.ready },
		Clock:             env.clock,
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	mux := http.NewServeMux()
	handler.Register(mux)
	env.server = httptest.NewServer(mux)
	t.Cleanup(env.server.Close)
	return env
}

func doJSON(t *testing.T, server *httptest.Server, method, path, bearer string, body any, out any) (int, http.Header) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, server.URL+path, reader)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("do %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode %s: %v (%s)", path, err, data)
		}
	}
	return resp.StatusCode, resp.Header
}

func (e *testEnv) postWebhook(t *testing.T, payload payment.WebhookPayload, out any) int {
	t.Helper()
	body, sig, err := payment.EncodeWebhook(webhookSecret, payload)
	if err != nil {
		t.Fatalf("encode webhook: %v", err)
	}
	return e.postRawWebhook(t, body, sig, out)
}

func (e *testEnv) postRawWebhook(t *testing.T, body []byte, sig string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/v1/webhooks/payment", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set(payment.SignatureHeader, sig)
	resp, err := e.server.Client().Do(req)
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode webhook response: %v", err)
		}
	}
	return resp.StatusCode
}

// readySession walks a new session to PAYMENT_READY and returns the current
// token with the session view.
func (e *testEnv) readySession(t *testing.T) (string, api.Session) {
	t.Helper()
	var created api.SessionResponse
	if status, _ := doJSON(t, e.server, http.MethodPost, "/v1/session/create", "", api.CreateSessionRequest{CountryID: "US", NumOfDays: 7}, &created); status != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", status)
	}
	var authed api.SessionResponse
	if status, _ := doJSON(t, e.server, http.MethodPost, "/v1/session/authenticate", created.Token, api.AuthenticateRequest{UserID: "user-123"}, &authed); status != http.StatusOK {
		t.Fatalf("authenticate: expected 200, got %d", status)
	}
	var delivered api.SessionResponse
	if status, _ := doJSON(t, e.server, http.MethodPost, "/v1/session/delivery", authed.Token, api.DeliveryRequest{Method: "EMAIL", Email: "e@x.com"}, &delivered); status != http.StatusOK {
		t.Fatalf("delivery: expected 200, got %d", status)
	}
	return authed.Token, delivered.Session
}

func TestCheckoutFlow(t *testing.T) {
	env := newTestEnv(t)

	var created api.SessionResponse
	status, headers := doJSON(t, env.server, http.MethodPost, "/v1/session/create", "", api.CreateSessionRequest{CountryID: "US", NumOfDays: 7}, &created)
	if status != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", status)
	}
	if headers.Get(headerCorrelationID) == "" {
		t.Fatalf("expected correlation id header")
	}
	if created.Token == "" || created.Session.State != string(checkout.StateInitialized) {
		t.Fatalf("unexpected create response %+v", created)
	}
	if created.Session.Plan.BundleID != "test-bundle" || created.Session.Plan.Price != 15 {
		t.Fatalf("unexpected plan %+v", created.Session.Plan)
	}

	var authed api.SessionResponse
	if status, _ := doJSON(t, env.server, http.MethodPost, "/v1/session/authenticate", created.Token, api.AuthenticateRequest{UserID: "user-123"}, &authed); status != http.StatusOK {
		t.Fatalf("authenticate: expected 200, got %d", status)
	}
	if authed.Token == "" || authed.Token == created.Token {
		t.Fatalf("expected rotated token")
	}
	if !authed.Session.Steps.Authentication.Completed || authed.Session.CheckoutURL == "" {
		t.Fatalf("unexpected authenticated session %+v", authed.Session)
	}

	var delivered api.SessionResponse
	if status, _ := doJSON(t, env.server, http.MethodPost, "/v1/session/delivery", authed.Token, api.DeliveryRequest{Method: "EMAIL", Email: "e@x.com"}, &delivered); status != http.StatusOK {
		t.Fatalf("delivery: expected 200, got %d", status)
	}
	if !delivered.Session.Steps.Payment.ReadyForPayment {
		t.Fatalf("expected ready for payment, got %+v", delivered.Session.Steps)
	}

	var paying api.PaymentResponse
	if status, _ := doJSON(t, env.server, http.MethodPost, "/v1/session/pay", authed.Token, nil, &paying); status != http.StatusOK {
		t.Fatalf("pay: expected 200, got %d", status)
	}
	if paying.Session.State != string(checkout.StatePaymentProcessing) || paying.AlreadyCompleted {
		t.Fatalf("unexpected pay response %+v", paying)
	}

	var hook api.WebhookResponse
	if status := env.postWebhook(t, payment.WebhookPayload{EventID: "evt-1", PaymentIntentID: paying.Session.PaymentIntentID, Status: "succeeded"}, &hook); status != http.StatusOK {
		t.Fatalf("webhook: expected 200, got %d", status)
	}
	if hook.Result != string(checkout.WebhookApplied) || hook.OrderID == "" {
		t.Fatalf("unexpected webhook response %+v", hook)
	}

	var again api.WebhookResponse
	env.postWebhook(t, payment.WebhookPayload{EventID: "evt-1", PaymentIntentID: paying.Session.PaymentIntentID, Status: "succeeded"}, &again)
	if again.Result != string(checkout.WebhookDuplicate) {
		t.Fatalf("expected duplicate on redelivery, got %+v", again)
	}

	var final api.SessionResponse
	if status, _ := doJSON(t, env.server, http.MethodGet, "/v1/session", authed.Token, nil, &final); status != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", status)
	}
	if final.Session.State != string(checkout.StatePaymentCompleted) || final.Session.OrderID != hook.OrderID {
		t.Fatalf("unexpected final session %+v", final.Session)
	}
	if final.Session.Steps.Payment.CompletedAt == nil {
		t.Fatalf("expected completedAt")
	}

	var repeat api.PaymentResponse
	if status, _ := doJSON(t, env.server, http.MethodPost, "/v1/session/pay", authed.Token, nil, &repeat); status != http.StatusOK {
		t.Fatalf("repeat pay: expected 200, got %d", status)
	}
	if !repeat.AlreadyCompleted || repeat.OrderID != hook.OrderID {
		t.Fatalf("expected already completed with order, got %+v", repeat)
	}
	if n, err := env.orders.Count(context.Background()); err != nil || n != 1 {
		t.Fatalf("expected one order, got %d (%v)", n, err)
	}
}

func TestSessionRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	var errResp api.ErrorResponse
	status, _ := doJSON(t, env.server, http.MethodGet, "/v1/session", "", nil, &errResp)
	if status != http.StatusUnauthorized || errResp.ErrorCode != "malformed_token" {
		t.Fatalf("expected 401 malformed_token, got %d %+v", status, errResp)
	}
	status, _ = doJSON(t, env.server, http.MethodGet, "/v1/session", "not.a.token", nil, &errResp)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", status)
	}

	var created api.SessionResponse
	doJSON(t, env.server, http.MethodPost, "/v1/session/create", "", api.CreateSessionRequest{CountryID: "US", NumOfDays: 7}, &created)
	env.clock.Advance(checkout.SessionLifetime + time.Minute)
	status, _ = doJSON(t, env.server, http.MethodGet, "/v1/session", created.Token, nil, &errResp)
	if status != http.StatusUnauthorized || errResp.ErrorCode != "expired_token" {
		t.Fatalf("expected 401 expired_token, got %d %+v", status, errResp)
	}
}

func TestSupersededTokenRejected(t *testing.T) {
	env := newTestEnv(t)
	var created api.SessionResponse
	doJSON(t, env.server, http.MethodPost, "/v1/session/create", "", api.CreateSessionRequest{CountryID: "US", NumOfDays: 7}, &created)
	var authed api.SessionResponse
	if status, _ := doJSON(t, env.server, http.MethodPost, "/v1/session/authenticate", created.Token, api.AuthenticateRequest{UserID: "user-123"}, &authed); status != http.StatusOK {
		t.Fatalf("authenticate: expected 200, got %d", status)
	}
	var errResp api.ErrorResponse
	status, _ := doJSON(t, env.server, http.MethodGet, "/v1/session", created.Token, nil, &errResp)
	if status != http.StatusUnauthorized || errResp.ErrorCode != "invalid_token" {
		t.Fatalf("expected 401 invalid_token for superseded token, got %d %+v", status, errResp)
	}

	var refreshed api.SessionResponse
	if status, _ := doJSON(t, env.server, http.MethodPost, "/v1/session/token/refresh", authed.Token, nil, &refreshed); status != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d", status)
	}
	if status, _ := doJSON(t, env.server, http.MethodGet, "/v1/session", authed.Token, nil, nil); status != http.StatusUnauthorized {
		t.Fatalf("expected refreshed-away token to fail, got %d", status)
	}
	if status, _ := doJSON(t, env.server, http.MethodGet, "/v1/session", refreshed.Token, nil, nil); status != http.StatusOK {
		t.Fatalf("expected refreshed token to work, got %d", status)
	}
}

func TestErrorEnvelope(t *testing.T) {
	env := newTestEnv(t)
	var errResp api.ErrorResponse
	status, _ := doJSON(t, env.server, http.MethodPost, "/v1/session/create", "", api.CreateSessionRequest{CountryID: "US", NumOfDays: 0}, &errResp)
	if status != http.StatusBadRequest || errResp.ErrorCode != "validation_error" {
		t.Fatalf("expected 400 validation_error, got %d %+v", status, errResp)
	}
	status, _ = doJSON(t, env.server, http.MethodPost, "/v1/session/create", "", api.CreateSessionRequest{CountryID: "FR", NumOfDays: 7}, &errResp)
	if status != http.StatusUnprocessableEntity || errResp.ErrorCode != "no_bundles_available" {
		t.Fatalf("expected 422 no_bundles_available, got %d %+v", status, errResp)
	}
	status, _ = doJSON(t, env.server, http.MethodPost, "/v1/session/create", "", map[string]any{"countryId": "US", "numOfDays": 7, "bogus": true}, &errResp)
	if status != http.StatusBadRequest || errResp.ErrorCode != "invalid_body" {
		t.Fatalf("expected 400 invalid_body for unknown field, got %d %+v", status, errResp)
	}

	var created api.SessionResponse
	doJSON(t, env.server, http.MethodPost, "/v1/session/create", "", api.CreateSessionRequest{CountryID: "US", NumOfDays: 7}, &created)
	status, _ = doJSON(t, env.server, http.MethodPost, "/v1/session/pay", created.Token, nil, &errResp)
	if status != http.StatusConflict || errResp.ErrorCode != "invalid_transition" {
		t.Fatalf("expected 409 invalid_transition, got %d %+v", status, errResp)
	}
	status, _ = doJSON(t, env.server, http.MethodPost, "/v1/session/delivery", created.Token, api.DeliveryRequest{Method: "PIGEON"}, &errResp)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown delivery method, got %d", status)
	}
}

func TestLockContentionReturnsRetryAfter(t *testing.T) {
	env := newTestEnv(t)
	tok, session := env.readySession(t)
	held, err := env.locks.Acquire(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer env.locks.Release(context.Background(), held)

	var errResp api.ErrorResponse
	status, headers := doJSON(t, env.server, http.MethodPost, "/v1/session/pay", tok, nil, &errResp)
	if status != http.StatusConflict || errResp.ErrorCode != "lock_contention" {
		t.Fatalf("expected 409 lock_contention, got %d %+v", status, errResp)
	}
	if headers.Get("Retry-After") != "1" || errResp.RetryAfterSeconds != 1 {
		t.Fatalf("expected retry after 1s, got header %q body %d", headers.Get("Retry-After"), errResp.RetryAfterSeconds)
	}

	var hookErr api.ErrorResponse
	status = env.postWebhook(t, payment.WebhookPayload{EventID: "evt-busy", PaymentIntentID: session.PaymentIntentID, Status: "succeeded"}, &hookErr)
	if status != http.StatusServiceUnavailable {
		t.Fatalf("expected webhook 503 while locked, got %d %+v", status, hookErr)
	}
}

func TestWebhookSignatureAndValidation(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"eventId":"evt-x","paymentIntentId":"pi_x","status":"succeeded"}`)
	var errResp api.ErrorResponse
	if status := env.postRawWebhook(t, body, "sha256=00", &errResp); status != http.StatusUnauthorized || errResp.ErrorCode != "invalid_signature" {
		t.Fatalf("expected 401 invalid_signature, got %d %+v", status, errResp)
	}

	bad := []byte(`{"eventId":"evt-x","paymentIntentId":"pi_x","status":"refunded"}`)
	if status := env.postRawWebhook(t, bad, payment.Sign(webhookSecret, bad), &errResp); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported status, got %d", status)
	}

	var hook api.WebhookResponse
	if status := env.postRawWebhook(t, body, payment.Sign(webhookSecret, body), &hook); status != http.StatusOK {
		t.Fatalf("expected 200 for unknown intent, got %d", status)
	}
	if hook.Result != string(checkout.WebhookIgnored) {
		t.Fatalf("expected ignored for unknown intent, got %+v", hook)
	}
}

func TestWebhookFailureThenRetry(t *testing.T) {
	env := newTestEnv(t)
	tok, session := env.readySession(t)
	if status, _ := doJSON(t, env.server, http.MethodPost, "/v1/session/pay", tok, nil, nil); status != http.StatusOK {
		t.Fatalf("pay: expected 200, got %d", status)
	}
	var hook api.WebhookResponse
	env.postWebhook(t, payment.WebhookPayload{EventID: "evt-f", PaymentIntentID: session.PaymentIntentID, Status: "failed", FailureReason: "card_declined"}, &hook)
	if hook.Result != string(checkout.WebhookApplied) || hook.State != string(checkout.StatePaymentFailed) {
		t.Fatalf("unexpected failure response %+v", hook)
	}
	var current api.SessionResponse
	doJSON(t, env.server, http.MethodGet, "/v1/session", tok, nil, &current)
	if !current.Session.Steps.Payment.Failed || current.Session.Steps.Payment.FailureReason != "card_declined" {
		t.Fatalf("expected failed payment step, got %+v", current.Session.Steps.Payment)
	}
	var retry api.PaymentResponse
	if status, _ := doJSON(t, env.server, http.MethodPost, "/v1/session/pay", tok, nil, &retry); status != http.StatusOK {
		t.Fatalf("retry pay: expected 200, got %d", status)
	}
	if retry.Session.State != string(checkout.StatePaymentProcessing) {
		t.Fatalf("expected processing after retry, got %s", retry.Session.State)
	}
}

func TestRenewPaymentIntent(t *testing.T) {
	env := newTestEnv(t)
	tok, session := env.readySession(t)
	var renewed api.SessionResponse
	if status, _ := doJSON(t, env.server, http.MethodPost, "/v1/session/payment-intent/renew", tok, nil, &renewed); status != http.StatusOK {
		t.Fatalf("renew: expected 200, got %d", status)
	}
	if renewed.Session.PaymentIntentID == "" || renewed.Session.PaymentIntentID == session.PaymentIntentID {
		t.Fatalf("expected a fresh intent, got %q", renewed.Session.PaymentIntentID)
	}
	if env.gateway.Count() != 2 {
		t.Fatalf("expected two intents, got %d", env.gateway.Count())
	}
}

func TestAdminSweep(t *testing.T) {
	env := newTestEnv(t)
	var errResp api.ErrorResponse
	if status, _ := doJSON(t, env.server, http.MethodPost, "/v1/admin/sweep", "", nil, &errResp); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without admin key, got %d", status)
	}
	if status, _ := doJSON(t, env.server, http.MethodPost, "/v1/admin/sweep", "wrong", nil, &errResp); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong admin key, got %d", status)
	}

	env.readySession(t)
	env.clock.Advance(checkout.SessionLifetime + time.Second)
	var sweep api.SweepResponse
	if status, _ := doJSON(t, env.server, http.MethodPost, "/v1/admin/sweep", adminKey, nil, &sweep); status != http.StatusOK {
		t.Fatalf("sweep: expected 200, got %d", status)
	}
	if sweep.Expired != 1 {
		t.Fatalf("expected one expired session, got %d", sweep.Expired)
	}
	doJSON(t, env.server, http.MethodPost, "/v1/admin/sweep", adminKey, nil, &sweep)
	if sweep.Expired != 0 {
		t.Fatalf("expected second sweep to be a no-op, got %d", sweep.Expired)
	}
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)
	if status, _ := doJSON(t, env.server, http.MethodGet, "/healthz", "", nil, nil); status != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", status)
	}
	if status, _ := doJSON(t, env.server, http.MethodGet, "/readyz", "", nil, nil); status != http.StatusOK {
		t.Fatalf("readyz: expected 200, got %d", status)
	}
	env.ready = errors.New("storage unreachable")
	var errResp api.ErrorResponse
	if status, _ := doJSON(t, env.server, http.MethodGet, "/readyz", "", nil, &errResp); status != http.StatusServiceUnavailable || errResp.ErrorCode != "not_ready" {
		t.Fatalf("readyz: expected 503 not_ready, got %d %+v", status, errResp)
	}
}

func TestCorrelationEcho(t *testing.T) {
	env := newTestEnv(t)
	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/healthz", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set(headerCorrelationID, "corr-123")
	resp, err := env.server.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(headerCorrelationID); got != "corr-123" {
		t.Fatalf("expected correlation echo, got %q", got)
	}
}

type sseEvent struct {
	name string
	data api.SessionEvent
}

func readEvent(t *testing.T, r *bufio.Reader) (sseEvent, bool) {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return ev, false
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" {
				return ev, true
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.data); err != nil {
				t.Fatalf("decode event data: %v", err)
			}
		}
	}
}

func TestSessionEventsStream(t *testing.T) {
	env := newTestEnv(t)
	tok, session := env.readySession(t)
	if status, _ := doJSON(t, env.server, http.MethodPost, "/v1/session/pay", tok, nil, nil); status != http.StatusOK {
		t.Fatalf("pay: expected 200, got %d", status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+"/v1/session/events", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := env.server.Client().Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	reader := bufio.NewReader(resp.Body)
	first, ok := readEvent(t, reader)
	if !ok || first.name != "snapshot" || !first.data.Steps.Payment.Processing {
		t.Fatalf("expected processing snapshot, got %+v", first)
	}

	var hook api.WebhookResponse
	env.postWebhook(t, payment.WebhookPayload{EventID: "evt-sse", PaymentIntentID: session.PaymentIntentID, Status: "succeeded"}, &hook)
	if hook.Result != string(checkout.WebhookApplied) {
		t.Fatalf("unexpected webhook response %+v", hook)
	}
	next, ok := readEvent(t, reader)
	if !ok || !next.data.Steps.Payment.Completed || next.data.OrderID != hook.OrderID {
		t.Fatalf("expected completed event, got %+v", next)
	}
	if _, ok := readEvent(t, reader); ok {
		t.Fatalf("expected stream to end after completion")
	}
}

func TestSessionEventsClosesAfterTerminalSnapshot(t *testing.T) {
	env := newTestEnv(t)
	tok, session := env.readySession(t)
	doJSON(t, env.server, http.MethodPost, "/v1/session/pay", tok, nil, nil)
	env.postWebhook(t, payment.WebhookPayload{EventID: "evt-done", PaymentIntentID: session.PaymentIntentID, Status: "succeeded"}, nil)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/v1/session/events", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := env.server.Client().Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)
	ev, ok := readEvent(t, reader)
	if !ok || ev.name != "snapshot" || !ev.data.Steps.Payment.Completed {
		t.Fatalf("expected completed snapshot, got %+v", ev)
	}
	if _, ok := readEvent(t, reader); ok {
		t.Fatalf("expected stream to end for a completed session")
	}
	if n := env.broker.Subscribers(checkout.Channel(session.ID)); n != 0 {
		t.Fatalf("expected subscription released, got %d", n)
	}
}

func TestRouterSys(t *testing.T) {
	cases := map[string]string{
		"session.create":               "api.http.router.session.create",
		"session.payment_intent.renew": "api.http.router.session.payment.intent.renew",
		"":                             "api.http.router",
	}
	for in, want := range cases {
		if got := routerSys(in); got != want {
			t.Fatalf("routerSys(%q) = %q, want %q", in, got, want)
		}
	}
}
