// Package oteltest runs an in-process OTLP/gRPC trace collector so tests can
// assert on the spans a server exports.
package oteltest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	collectorTrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
)

// Span is the flattened view of one exported span.
type Span struct {
	Name       string
	Service    string
	Attributes map[string]string
}

// Collector accumulates exported spans.
type Collector struct {
	collectorTrace.UnimplementedTraceServiceServer

	mu      sync.Mutex
	spans   []Span
	raw     []*collectorTrace.ExportTraceServiceRequest
	changed chan struct{}

	srv      *grpc.Server
	listener net.Listener
	serveErr chan error
}

// Start serves the collector on 127.0.0.1 with an ephemeral port and returns
// the address to hand to an OTLP exporter.
func Start() (*Collector, string, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", fmt.Errorf("oteltest: listen: %w", err)
	}
	c := &Collector{
		changed:  make(chan struct{}),
		srv:      grpc.NewServer(),
		listener: lis,
		serveErr: make(chan error, 1),
	}
	collectorTrace.RegisterTraceServiceServer(c.srv, c)
	go func() {
		err := c.srv.Serve(lis)
		if errors.Is(err, grpc.ErrServerStopped) {
			err = nil
		}
		c.serveErr <- err
	}()
	return c, lis.Addr().String(), nil
}

// Stop shuts the gRPC server down and reports a serve failure, if any.
func (c *Collector) Stop() error {
	c.srv.Stop()
	_ = c.listener.Close()
	return <-c.serveErr
}

// Export implements the OTLP trace service.
func (c *Collector) Export(_ context.Context, req *collectorTrace.ExportTraceServiceRequest) (*collectorTrace.ExportTraceServiceResponse, error) {
	var batch []Span
	for _, rs := range req.GetResourceSpans() {
		service := attrValue(rs.GetResource().GetAttributes(), "service.name")
		for _, ss := range rs.GetScopeSpans() {
			for _, span := range ss.GetSpans() {
				attrs := make(map[string]string, len(span.GetAttributes()))
				for _, kv := range span.GetAttributes() {
					attrs[kv.GetKey()] = kv.GetValue().GetStringValue()
				}
				batch = append(batch, Span{Name: span.GetName(), Service: service, Attributes: attrs})
			}
		}
	}
	if len(batch) > 0 {
		c.mu.Lock()
		c.spans = append(c.spans, batch...)
		c.raw = append(c.raw, proto.Clone(req).(*collectorTrace.ExportTraceServiceRequest))
		close(c.changed)
		c.changed = make(chan struct{})
		c.mu.Unlock()
	}
	return &collectorTrace.ExportTraceServiceResponse{}, nil
}

// Spans returns a snapshot of everything exported so far.
func (c *Collector) Spans() []Span {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Span(nil), c.spans...)
}

// Requests returns the raw export requests.
func (c *Collector) Requests() []*collectorTrace.ExportTraceServiceRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*collectorTrace.ExportTraceServiceRequest(nil), c.raw...)
}

// SpanNames lists exported span names in arrival order.
func (c *Collector) SpanNames() []string {
	spans := c.Spans()
	names := make([]string, len(spans))
	for i, s := range spans {
		names[i] = s.Name
	}
	return names
}

// WaitForSpan blocks until a span called name arrives or ctx ends.
func (c *Collector) WaitForSpan(ctx context.Context, name string) (Span, error) {
	for {
		c.mu.Lock()
		for _, s := range c.spans {
			if s.Name == name {
				c.mu.Unlock()
				return s, nil
			}
		}
		changed := c.changed
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return Span{}, fmt.Errorf("oteltest: waiting for span %q: %w", name, ctx.Err())
		case <-changed:
		}
	}
}

func attrValue(attrs []*commonpb.KeyValue, key string) string {
	for _, kv := range attrs {
		if kv.GetKey() == key {
			return kv.GetValue().GetStringValue()
		}
	}
	return ""
}
