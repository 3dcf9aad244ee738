package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/checkoutd/internal/checkout"
	"pkt.systems/checkoutd/internal/clock"
	"pkt.systems/checkoutd/internal/correlation"
	"pkt.systems/checkoutd/internal/ids"
	"pkt.systems/checkoutd/internal/loggingutil"
	"pkt.systems/checkoutd/internal/token"
)

const headerCorrelationID = correlation.Header

const (
	// DefaultJSONMaxBytes caps client request bodies.
	DefaultJSONMaxBytes = 64 << 10
	// DefaultWebhookMaxBytes caps gateway webhook bodies.
	DefaultWebhookMaxBytes = 256 << 10
	// DefaultHeartbeatInterval spaces SSE keepalive comments.
	DefaultHeartbeatInterval = 15 * time.Second
)

// Orchestrator is the checkout surface the handler drives.
type Orchestrator interface {
	CreateSession(ctx context.Context, criteria checkout.Criteria) (*checkout.Session, string, error)
	GetSession(ctx context.Context, sessionID string) (*checkout.Session, error)
	AuthenticateSession(ctx context.Context, sessionID, userID string) (*checkout.Session, string, error)
	SetDeliveryMethod(ctx context.Context, sessionID string, in checkout.DeliveryInput) (*checkout.Session, error)
	ProcessPayment(ctx context.Context, sessionID string) (checkout.PaymentResult, error)
	RefreshToken(ctx context.Context, sessionID string) (*checkout.Session, string, error)
	RenewPaymentIntent(ctx context.Context, sessionID string) (*checkout.Session, error)
	HandlePaymentWebhook(ctx context.Context, ev checkout.WebhookEvent) (checkout.WebhookResult, error)
	CleanupExpiredSessions(ctx context.Context) (int, error)
}

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	Verify(raw string) (token.Claims, error)
	Hash(raw string) string
}

// Subscriber feeds the session event stream.
type Subscriber interface {
	Subscribe(channel string) (<-chan checkout.SessionUpdate, func())
}

// Config wires a Handler.
type Config struct {
	Orchestrator Orchestrator
	Tokens       TokenVerifier
	// Updates enables GET /v1/session/events when set.
	Updates Subscriber
	// WebhookSecret enables HMAC verification of gateway webhooks.
	WebhookSecret []byte
	// AdminKey enables /v1/admin endpoints for callers presenting it as a
	// bearer token.
	AdminKey          string
	JSONMaxBytes      int64
	WebhookMaxBytes   int64
	HeartbeatInterval time.Duration
	// Ready backs /readyz; nil reports ready.
	Ready             func(context.Context) error
	Clock             clock.Clock
	Logger            pslog.Logger
	EnableHTTPTracing bool
}

// Handler wires HTTP endpoints to checkout operations.
type Handler struct {
	orch               Orchestrator
	tokens             TokenVerifier
	updates            Subscriber
	webhookSecret      []byte
	adminKey           string
	jsonMaxBytes       int64
	webhookMaxBytes    int64
	heartbeat          time.Duration
	ready              func(context.Context) error
	clock              clock.Clock
	logger             pslog.Logger
	tracer             trace.Tracer
	httpTracingEnabled bool
}

// New validates cfg and returns a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("httpapi: orchestrator required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("httpapi: token verifier required")
	}
	h := &Handler{
		orch:               cfg.Orchestrator,
		tokens:             cfg.Tokens,
		updates:            cfg.Updates,
		webhookSecret:      append([]byte(nil), cfg.WebhookSecret...),
		adminKey:           strings.TrimSpace(cfg.AdminKey),
		jsonMaxBytes:       cfg.JSONMaxBytes,
		webhookMaxBytes:    cfg.WebhookMaxBytes,
		heartbeat:          cfg.HeartbeatInterval,
		ready:              cfg.Ready,
		clock:              clock.Or(cfg.Clock),
		logger:             loggingutil.Ensure(cfg.Logger),
		tracer:             otel.Tracer("pkt.systems/checkoutd/httpapi"),
		httpTracingEnabled: cfg.EnableHTTPTracing,
	}
	if h.jsonMaxBytes <= 0 {
		h.jsonMaxBytes = DefaultJSONMaxBytes
	}
	if h.webhookMaxBytes <= 0 {
		h.webhookMaxBytes = DefaultWebhookMaxBytes
	}
	if h.heartbeat <= 0 {
		h.heartbeat = DefaultHeartbeatInterval
	}
	return h, nil
}

// Register mounts every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /v1/session/create", h.wrap("session.create", h.handleCreateSession))
	mux.Handle("GET /v1/session", h.wrap("session.get", h.handleGetSession))
	mux.Handle("POST /v1/session/authenticate", h.wrap("session.authenticate", h.handleAuthenticate))
	mux.Handle("POST /v1/session/delivery", h.wrap("session.delivery", h.handleDelivery))
	mux.Handle("POST /v1/session/pay", h.wrap("session.pay", h.handlePay))
	mux.Handle("POST /v1/session/token/refresh", h.wrap("session.token.refresh", h.handleRefreshToken))
	mux.Handle("POST /v1/session/payment-intent/renew", h.wrap("session.payment_intent.renew", h.handleRenewIntent))
	mux.Handle("GET /v1/session/events", h.wrap("session.events", h.handleSessionEvents))
	mux.Handle("POST /v1/webhooks/payment", h.wrap("webhook.payment", h.handlePaymentWebhook))
	mux.Handle("POST /v1/admin/sweep", h.wrap("admin.sweep", h.handleSweep))
	mux.Handle("GET /healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("GET /readyz", h.wrap("readyz", h.handleReady))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	httpSpanName := "checkoutd.http." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		span := trace.SpanFromContext(ctx)
		if h.httpTracingEnabled {
			span.SetAttributes(
				attribute.String("checkoutd.sys", sys),
				attribute.String("checkoutd.operation", operation),
			)
		}

		ctx, corr := correlation.Resolve(ctx, r.Header.Get(headerCorrelationID))
		w.Header().Set(headerCorrelationID, corr)
		logger := loggingutil.WithSubsystem(h.logger, sys).With(
			"req_id", ids.Token(),
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx, logger = applyCorrelation(ctx, logger, span)
		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		if err := fn(w, r); err != nil {
			if errors.Is(err, context.Canceled) {
				logger.Trace("http.request.canceled", "elapsed", time.Since(start))
				return
			}
			if h.httpTracingEnabled {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
				var httpErr httpError
				if errors.As(h.toHTTPError(err), &httpErr) {
					span.SetAttributes(
						attribute.String("checkoutd.error_code", httpErr.Code),
						attribute.Int("checkoutd.error_status", httpErr.Status),
					)
				}
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

type httpError struct {
	Status     int
	Code       string
	Detail     string
	RetryAfter int64
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}
