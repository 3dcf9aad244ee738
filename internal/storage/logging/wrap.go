// Package logging decorates a storage.Backend with tracing spans, debug logs
// and an operation latency histogram.
package logging

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

	"pkt.systems/checkoutd/internal/correlation"
	"pkt.systems/checkoutd/internal/storage"
)

type backend struct {
	inner    storage.Backend
	logger   pslog.Logger
	tracer   trace.Tracer
	duration metric.Float64Histogram
	sys      string
}

// Wrap decorates inner. sys names the backend in spans and logs.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	b := &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/checkoutd/storage"),
		sys:    sys,
	}
	hist, err := otel.Meter("pkt.systems/checkoutd/storage").Float64Histogram(
		"checkoutd.storage.op.duration",
		metric.WithDescription("Record storage operation latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "metric", "checkoutd.storage.op.duration", "error", err)
	} else {
		b.duration = hist
	}
	return b
}

func (b *backend) begin(ctx context.Context, op, namespace, key string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := b.tracer.Start(ctx, "checkoutd.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("checkoutd.storage.operation", op),
		attribute.String("checkoutd.storage.namespace", namespace),
		attribute.String("checkoutd.sys", b.sys),
	)
	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	if cid := correlation.ID(ctx); cid != "" {
		span.SetAttributes(attribute.String("checkoutd.correlation_id", cid))
	}
	logger.Trace("storage."+op+".begin", "namespace", namespace, "key", key)
	return ctx, func(err error) {
		elapsed := time.Since(start)
		result := resultOf(err)
		if b.duration != nil {
			b.duration.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(
				attribute.String("operation", op),
				attribute.String("result", result),
			))
		}
		switch result {
		case "error":
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
			logger.Debug("storage."+op+".error", "namespace", namespace, "key", key, "error", err, "elapsed", elapsed)
		default:
			span.SetStatus(codes.Ok, "")
			logger.Trace("storage."+op+".done", "namespace", namespace, "key", key, "result", result, "elapsed", elapsed)
		}
		span.SetAttributes(attribute.String("checkoutd.storage.result", result))
		span.End()
	}
}

// resultOf keeps expected CAS outcomes out of the error bucket.
func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	case errors.Is(err, storage.ErrCASMismatch):
		return "cas_mismatch"
	default:
		return "error"
	}
}

func (b *backend) Load(ctx context.Context, namespace, key string) (storage.LoadResult, error) {
	ctx, done := b.begin(ctx, "load", namespace, key)
	res, err := b.inner.Load(ctx, namespace, key)
	done(err)
	return res, err
}

func (b *backend) Store(ctx context.Context, namespace, key string, body []byte, expectedETag string) (string, error) {
	ctx, done := b.begin(ctx, "store", namespace, key)
	etag, err := b.inner.Store(ctx, namespace, key, body, expectedETag)
	done(err)
	return etag, err
}

func (b *backend) Delete(ctx context.Context, namespace, key, expectedETag string) error {
	ctx, done := b.begin(ctx, "delete", namespace, key)
	err := b.inner.Delete(ctx, namespace, key, expectedETag)
	done(err)
	return err
}

func (b *backend) ListKeys(ctx context.Context, namespace string) ([]string, error) {
	ctx, done := b.begin(ctx, "list_keys", namespace, "")
	keys, err := b.inner.ListKeys(ctx, namespace)
	done(err)
	return keys, err
}

func (b *backend) Ping(ctx context.Context) error {
	if p, ok := b.inner.(storage.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (b *backend) Close() error {
	return b.inner.Close()
}
