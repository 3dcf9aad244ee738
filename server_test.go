package checkoutd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/checkoutd/api"
	"pkt.systems/checkoutd/client"
	"pkt.systems/checkoutd/internal/checkout"
	"pkt.systems/checkoutd/internal/clock"
	"pkt.systems/checkoutd/internal/payment"
	"pkt.systems/checkoutd/internal/storage/memory"
)

const testCatalog = `currency: USD
processing_rate: 0.03
bundles:
  - id: test-bundle
    name: Test bundle
    country: US
    days: 7
    data_mb: 3072
    price: 15
    cost: 9
`

func writeCatalog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(testCatalog), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Store:           "mem://",
		Listen:          "127.0.0.1:0",
		TokenKey:        testTokenKey,
		CatalogPath:     writeCatalog(t),
		WebhookSecret:   "whsec-server-test",
		AdminKey:        "admin-server-test",
		SweeperInterval: -1,
	}
}

func startTestServer(t *testing.T, cfg Config, opts ...Option) (*Server, *client.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, stop, err := StartServer(ctx, cfg, opts...)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		if err := stop(context.Background()); err != nil {
			t.Errorf("stop server: %v", err)
		}
	})
	base := "http://" + srv.ListenerAddr().String()
	if cfg.ListenProto == "unix" {
		base = "unix://" + cfg.Listen
	}
	cli, err := client.New(base, client.WithRetries(2), client.WithRetryBackoff(5*time.Millisecond, 20*time.Millisecond))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return srv, cli
}

func sendWebhook(t *testing.T, srv *Server, secret string, payload payment.WebhookPayload) api.WebhookResponse {
	t.Helper()
	body, sig, err := payment.EncodeWebhook([]byte(secret), payload)
	if err != nil {
		t.Fatalf("encode webhook: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, "http://"+srv.ListenerAddr().String()+"/v1/webhooks/payment", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(payment.SignatureHeader, sig)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook status %d", resp.StatusCode)
	}
	var out api.WebhookResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode webhook response: %v", err)
	}
	return out
}

func TestServerCheckoutFlow(t *testing.T) {
	cfg := testConfig(t)
	srv, cli := startTestServer(t, cfg)
	ctx := context.Background()

	created, err := cli.CreateSession(ctx, api.CreateSessionRequest{CountryID: "us", NumOfDays: 5})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Session.State != string(checkout.StateInitialized) || created.Token == "" {
		t.Fatalf("unexpected create response: %+v", created)
	}
	if created.Session.Plan.BundleID != "test-bundle" || created.Session.Plan.Price != 15 {
		t.Fatalf("unexpected plan: %+v", created.Session.Plan)
	}
	if _, err := cli.Authenticate(ctx, "user-123"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	delivered, err := cli.SetDelivery(ctx, api.DeliveryRequest{Method: "EMAIL", Email: "traveller@example.com"})
	if err != nil {
		t.Fatalf("delivery: %v", err)
	}
	if delivered.State != string(checkout.StatePaymentReady) {
		t.Fatalf("expected PAYMENT_READY, got %s", delivered.State)
	}
	paying, err := cli.Pay(ctx)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if paying.Session.State != string(checkout.StatePaymentProcessing) {
		t.Fatalf("expected PAYMENT_PROCESSING, got %s", paying.Session.State)
	}

	events, err := cli.Events(ctx)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer events.Close()
	snapshot, err := events.Next()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snapshot.Steps.Payment.Processing {
		t.Fatalf("snapshot should report processing: %+v", snapshot.Steps.Payment)
	}

	hook := sendWebhook(t, srv, cfg.WebhookSecret, payment.WebhookPayload{
		EventID:         "evt-server-1",
		PaymentIntentID: paying.Session.PaymentIntentID,
		Status:          "succeeded",
	})
	if hook.Result != string(checkout.WebhookApplied) || hook.OrderID == "" {
		t.Fatalf("unexpected webhook result: %+v", hook)
	}
	again := sendWebhook(t, srv, cfg.WebhookSecret, payment.WebhookPayload{
		EventID:         "evt-server-1",
		PaymentIntentID: paying.Session.PaymentIntentID,
		Status:          "succeeded",
	})
	if again.Result != string(checkout.WebhookDuplicate) {
		t.Fatalf("expected duplicate, got %+v", again)
	}

	update, err := events.Next()
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !update.Steps.Payment.Completed || update.OrderID != hook.OrderID {
		t.Fatalf("unexpected update: %+v", update)
	}

	final, err := cli.GetSession(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.State != string(checkout.StatePaymentCompleted) || final.OrderID != hook.OrderID {
		t.Fatalf("unexpected final session: %+v", final)
	}
	repeat, err := cli.Pay(ctx)
	if err != nil {
		t.Fatalf("repeat pay: %v", err)
	}
	if !repeat.AlreadyCompleted || repeat.OrderID != hook.OrderID {
		t.Fatalf("expected idempotent completion, got %+v", repeat)
	}
}

func TestServerUnixSocket(t *testing.T) {
	cfg := testConfig(t)
	cfg.ListenProto = "unix"
	cfg.Listen = filepath.Join(t.TempDir(), "checkoutd.sock")
	_, cli := startTestServer(t, cfg)
	created, err := cli.CreateSession(context.Background(), api.CreateSessionRequest{CountryID: "US", NumOfDays: 7})
	if err != nil {
		t.Fatalf("create over unix socket: %v", err)
	}
	if created.Session.ID == "" {
		t.Fatalf("expected session id")
	}
}

func TestServerRejectsUnknownBundle(t *testing.T) {
	_, cli := startTestServer(t, testConfig(t))
	_, err := cli.CreateSession(context.Background(), api.CreateSessionRequest{CountryID: "SE", NumOfDays: 3})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnprocessableEntity || apiErr.Code() != "no_bundles_available" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestServerAdminSweep(t *testing.T) {
	cfg := testConfig(t)
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	srv, cli := startTestServer(t, cfg, WithClock(clk), WithBackend(memory.New()))
	ctx := context.Background()
	for range 2 {
		if _, err := cli.CreateSession(ctx, api.CreateSessionRequest{CountryID: "US", NumOfDays: 7}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	clk.Advance(checkout.SessionLifetime + time.Minute)
	if _, err := cli.Sweep(ctx, "wrong-key"); err == nil {
		t.Fatalf("expected sweep with wrong key to fail")
	}
	n, err := cli.Sweep(ctx, cfg.AdminKey)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 expired sessions, got %d", n)
	}
	session, err := srv.Orchestrator().GetSession(ctx, cli.SessionID())
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.State != checkout.StateExpired {
		t.Fatalf("expected SESSION_EXPIRED, got %s", session.State)
	}
}

func TestServerBackgroundSweeper(t *testing.T) {
	cfg := testConfig(t)
	cfg.SweeperInterval = time.Minute
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	srv, cli := startTestServer(t, cfg, WithClock(clk))
	ctx := context.Background()
	created, err := cli.CreateSession(ctx, api.CreateSessionRequest{CountryID: "US", NumOfDays: 7})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for clk.Waiters() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sweeper never armed its timer")
		}
		time.Sleep(5 * time.Millisecond)
	}
	clk.Advance(checkout.SessionLifetime + time.Minute)
	for {
		session, err := srv.Orchestrator().GetSession(ctx, created.Session.ID)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if session.State == checkout.StateExpired {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session not expired by sweeper, state %s", session.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewServerInjectedPricing(t *testing.T) {
	cfg := Config{Store: "mem://", Listen: "127.0.0.1:0", TokenKey: testTokenKey}
	if _, err := NewServer(cfg); err == nil {
		t.Fatalf("expected missing pricing error")
	}
	srv, err := NewServer(cfg, WithPricingProvider(stubPricing{}))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestNewServerRejectsMissingKeyFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.StorageKeyFile = filepath.Join(t.TempDir(), "missing.pem")
	if _, err := NewServer(cfg); err == nil {
		t.Fatalf("expected storage key file error")
	}
}

type stubPricing struct{}

func (stubPricing) PriceBundle(context.Context, checkout.Criteria) (checkout.Pricing, error) {
	return checkout.Pricing{}, checkout.ErrNoBundlesAvailable
}

func TestRelayGroupIDIsPerInstance(t *testing.T) {
	a := relayGroupID("host-a/cq1")
	b := relayGroupID("host-a/cq2")
	if a == b {
		t.Fatalf("instances on one host must not share a consumer group: %q", a)
	}
	if a != "checkoutd-updates-host-a-cq1" {
		t.Fatalf("unexpected group id %q", a)
	}
}
