package checkout

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
)

var tracer = otel.Tracer("pkt.systems/checkoutd/checkout")

type checkoutMetrics struct {
	operations  metric.Int64Counter
	duration    metric.Float64Histogram
	webhooks    metric.Int64Counter
	expired     metric.Int64Counter
	fulfillment metric.Int64Counter
}

func newCheckoutMetrics(logger pslog.Logger) *checkoutMetrics {
	meter := otel.Meter("pkt.systems/checkoutd/checkout")
	m := &checkoutMetrics{}
	var err error

	m.operations, err = meter.Int64Counter(
		"checkoutd.checkout.operations",
		metric.WithDescription("Checkout operations by name and result"),
	)
	logMetricInitError(logger, "checkoutd.checkout.operations", err)

	m.duration, err = meter.Float64Histogram(
		"checkoutd.checkout.operation.duration",
		metric.WithDescription("Checkout operation duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "checkoutd.checkout.operation.duration", err)

	m.webhooks, err = meter.Int64Counter(
		"checkoutd.checkout.webhooks",
		metric.WithDescription("Payment webhooks by status and outcome"),
	)
	logMetricInitError(logger, "checkoutd.checkout.webhooks", err)

	m.expired, err = meter.Int64Counter(
		"checkoutd.checkout.sweep.expired",
		metric.WithDescription("Sessions moved to SESSION_EXPIRED by the sweeper"),
	)
	logMetricInitError(logger, "checkoutd.checkout.sweep.expired", err)

	m.fulfillment, err = meter.Int64Counter(
		"checkoutd.checkout.fulfillment",
		metric.WithDescription("Fulfillment dispatches by result"),
	)
	logMetricInitError(logger, "checkoutd.checkout.fulfillment", err)
	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

// observe starts a span for op and returns a completion func that records
// the result.
func (o *Orchestrator) observe(ctx context.Context, op, sessionID string) (context.Context, func(error)) {
	start := time.Now()
	attrs := []attribute.KeyValue{attribute.String("checkout.operation", op)}
	if sessionID != "" {
		attrs = append(attrs, attribute.String("checkout.session_id", sessionID))
	}
	ctx, span := tracer.Start(ctx, "checkout."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		result := resultOf(err)
		if err != nil {
			span.RecordError(err)
			if result == "error" || result == ErrUpstreamFailure.Code {
				span.SetStatus(codes.Error, err.Error())
			}
		}
		span.SetAttributes(attribute.String("checkout.result", result))
		span.End()
		if o.metrics == nil {
			return
		}
		set := metric.WithAttributes(attribute.String("operation", op), attribute.String("result", result))
		if o.metrics.operations != nil {
			o.metrics.operations.Add(ctx, 1, set)
		}
		if o.metrics.duration != nil {
			o.metrics.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000, set)
		}
	}
}

func resultOf(err error) string {
	if err == nil {
		return "ok"
	}
	var f Failure
	if errors.As(err, &f) {
		return f.Code
	}
	return "error"
}

func (m *checkoutMetrics) recordWebhook(ctx context.Context, status WebhookStatus, outcome WebhookOutcome) {
	if m == nil || m.webhooks == nil {
		return
	}
	m.webhooks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(status)),
		attribute.String("outcome", string(outcome)),
	))
}

func (m *checkoutMetrics) recordSweep(ctx context.Context, expired int) {
	if m == nil || m.expired == nil || expired == 0 {
		return
	}
	m.expired.Add(ctx, int64(expired))
}

func (m *checkoutMetrics) recordFulfillment(ctx context.Context, ok bool) {
	if m == nil || m.fulfillment == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.fulfillment.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
