package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/checkoutd/internal/checkout"
)

func TestHTTPGatewayCreatesIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payment_intents" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req intentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Amount != 1500 || req.Currency != "usd" || req.Metadata["sessionId"] != "session-123" {
			t.Errorf("unexpected request %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(checkout.Intent{ID: "pi_1", CheckoutURL: "https://pay/1"})
	}))
	defer srv.Close()

	gw, err := NewHTTPGateway(HTTPConfig{BaseURL: srv.URL, APIKey: "k"})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	intent, err := gw.CreatePaymentIntent(context.Background(), checkout.SessionFacts{
		SessionID: "session-123",
		UserID:    "user-123",
		Amount:    15,
		Currency:  "USD",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if intent.ID != "pi_1" || intent.CheckoutURL != "https://pay/1" {
		t.Fatalf("unexpected intent %+v", intent)
	}
}

func TestHTTPGatewayErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "declined", http.StatusPaymentRequired)
	}))
	defer srv.Close()
	gw, err := NewHTTPGateway(HTTPConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	if _, err := gw.CreatePaymentIntent(context.Background(), checkout.SessionFacts{Amount: 1}); err == nil || !strings.Contains(err.Error(), "402") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestMinorUnits(t *testing.T) {
	cases := map[float64]int64{15: 1500, 0.1: 10, 19.99: 1999, -2.5: -250}
	for in, want := range cases {
		if got := MinorUnits(in); got != want {
			t.Fatalf("MinorUnits(%v) = %d, want %d", in, got, want)
		}
	}
}

func TestFakeGateway(t *testing.T) {
	gw := NewFakeGateway("https://pay.test/")
	intent, err := gw.CreatePaymentIntent(context.Background(), checkout.SessionFacts{SessionID: "s", Amount: 5})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(intent.ID, "pi_") || !strings.HasPrefix(intent.CheckoutURL, "https://pay.test/checkout/") {
		t.Fatalf("unexpected intent %+v", intent)
	}
	if facts, ok := gw.Intent(intent.ID); !ok || facts.SessionID != "s" {
		t.Fatalf("intent not remembered")
	}
	boom := errors.New("gateway down")
	gw.FailWith(boom)
	if _, err := gw.CreatePaymentIntent(context.Background(), checkout.SessionFacts{Amount: 5}); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if gw.Count() != 1 {
		t.Fatalf("expected one intent, got %d", gw.Count())
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	secret := []byte("whsec")
	body, sig, err := EncodeWebhook(secret, WebhookPayload{EventID: "evt_1", PaymentIntentID: "pi_1", Status: "succeeded"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := VerifySignature(secret, body, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := VerifySignature(secret, body, strings.TrimPrefix(sig, "sha256=")); err != nil {
		t.Fatalf("verify without prefix: %v", err)
	}
	if err := VerifySignature([]byte("other"), body, sig); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected bad signature, got %v", err)
	}
	if err := VerifySignature(secret, body, "nothex"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected bad signature for garbage, got %v", err)
	}
}

func TestParseWebhook(t *testing.T) {
	ev, err := ParseWebhook([]byte(`{"eventId":"evt_1","paymentIntentId":"pi_1","status":"cancelled"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.Status != checkout.WebhookCanceled || ev.EventID != "evt_1" || len(ev.Raw) == 0 {
		t.Fatalf("unexpected event %+v", ev)
	}
	for _, body := range []string{`{`, `{"status":"succeeded"}`, `{"paymentIntentId":"pi","status":"refunded"}`} {
		if _, err := ParseWebhook([]byte(body)); !errors.Is(err, checkout.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", body, err)
		}
	}
}
