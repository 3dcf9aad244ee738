package lock

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type lockMetrics struct {
	acquire metric.Int64Counter
	release metric.Int64Counter
}

func newLockMetrics(logger pslog.Logger) *lockMetrics {
	meter := otel.Meter("pkt.systems/checkoutd/lock")
	m := &lockMetrics{}
	var err error
	m.acquire, err = meter.Int64Counter(
		"checkoutd.lock.acquire",
		metric.WithDescription("Session lock acquisitions by result"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "checkoutd.lock.acquire", "error", err)
	}
	m.release, err = meter.Int64Counter(
		"checkoutd.lock.release",
		metric.WithDescription("Session lock releases by result"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "checkoutd.lock.release", "error", err)
	}
	return m
}

func (m *lockMetrics) recordAcquire(ctx context.Context, result string) {
	if m == nil || m.acquire == nil {
		return
	}
	m.acquire.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *lockMetrics) recordRelease(ctx context.Context, result string) {
	if m == nil || m.release == nil {
		return
	}
	m.release.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
