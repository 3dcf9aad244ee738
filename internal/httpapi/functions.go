package httpapi

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/checkoutd/api"
	"pkt.systems/checkoutd/internal/checkout"
	"pkt.systems/checkoutd/internal/correlation"
)

// correlationAppliedKey marks log enrichment to avoid duplicate correlation fields.
type correlationAppliedKey struct{}

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}

func applyCorrelation(ctx context.Context, logger pslog.Logger, span trace.Span) (context.Context, pslog.Logger) {
	if id := correlation.ID(ctx); id != "" {
		if ctx.Value(correlationAppliedKey{}) == nil {
			logger = logger.With("cid", id)
			ctx = context.WithValue(ctx, correlationAppliedKey{}, struct{}{})
		} else if existing := pslog.LoggerFromContext(ctx); existing != nil {
			logger = existing
		}
		if span != nil {
			span.SetAttributes(attribute.String("checkoutd.correlation_id", id))
		}
	}
	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, logger
}

func sessionView(s *checkout.Session) api.Session {
	view := api.Session{
		ID:     s.ID,
		State:  string(s.State),
		UserID: s.UserID,
		Plan: api.Plan{
			BundleID:   s.PlanSnapshot.BundleID,
			BundleName: s.PlanSnapshot.BundleName,
			CountryID:  s.PlanSnapshot.CountryID,
			RegionID:   s.PlanSnapshot.RegionID,
			NumOfDays:  s.PlanSnapshot.NumOfDays,
			DataMB:     s.PlanSnapshot.DataMB,
			Unlimited:  s.PlanSnapshot.Unlimited,
			Price:      s.PlanSnapshot.Price,
			Currency:   s.PlanSnapshot.Currency,
		},
		PaymentIntentID: s.PaymentIntentID,
		DeliveryMethod:  string(s.DeliveryMethod),
		PaymentStatus:   string(s.PaymentStatus),
		OrderID:         s.OrderID,
		Steps:           stepsView(s.Steps()),
		CreatedAt:       s.CreatedAt,
		ExpiresAt:       s.ExpiresAt,
		Version:         s.Version,
	}
	if auth := s.Metadata.Auth; auth != nil {
		view.CheckoutURL = auth.CheckoutURL
		view.WalletPayURL = auth.WalletPayURL
	}
	return view
}

func stepsView(steps checkout.Steps) api.Steps {
	return api.Steps{
		Authentication: api.AuthenticationStep{
			Completed: steps.Authentication.Completed,
			UserID:    steps.Authentication.UserID,
		},
		Delivery: api.DeliveryStep{
			Completed: steps.Delivery.Completed,
			Method:    string(steps.Delivery.Method),
			Email:     steps.Delivery.Email,
		},
		Payment: api.PaymentStep{
			ReadyForPayment: steps.Payment.ReadyForPayment,
			Processing:      steps.Payment.Processing,
			Completed:       steps.Payment.Completed,
			CompletedAt:     steps.Payment.CompletedAt,
			PaymentIntentID: steps.Payment.PaymentIntentID,
			Failed:          steps.Payment.Failed,
			FailureReason:   steps.Payment.FailureReason,
		},
	}
}

func eventView(u checkout.SessionUpdate) api.SessionEvent {
	return api.SessionEvent{
		SessionID: u.SessionID,
		Event:     u.Event,
		Steps:     stepsView(u.Steps),
		OrderID:   u.OrderID,
		At:        u.At,
	}
}
