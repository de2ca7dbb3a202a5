package harness

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// TracerName is the instrumentation name of the harness tracer.
	TracerName = "github.com/peicuiping/cfx-nettest"

	SpanScenario  = "nettest.scenario"
	SpanHandshake = "nettest.mininode.handshake"
	SpanConnect   = "nettest.connect"

	AttrScenario   = "scenario.name"
	AttrNode       = "node.name"
	AttrPeerNode   = "peer.node"
	AttrRemoteAddr = "remote.addr"
	AttrResult     = "result"
)

// Tracer opens spans around scenario steps. The zero value and a nil
// *Tracer are no-ops.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer from provider; nil selects a no-op provider.
func NewTracer(provider trace.TracerProvider) *Tracer {
	if provider == nil {
		provider = noop.NewTracerProvider()
	}
	return &Tracer{tracer: provider.Tracer(TracerName)}
}

func (t *Tracer) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return noop.NewTracerProvider().Tracer(TracerName).Start(ctx, name)
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (t *Tracer) StartScenario(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.start(ctx, SpanScenario, attribute.String(AttrScenario, name))
}

func (t *Tracer) StartHandshake(ctx context.Context, addr string) (context.Context, trace.Span) {
	return t.start(ctx, SpanHandshake, attribute.String(AttrRemoteAddr, addr))
}

func (t *Tracer) StartConnect(ctx context.Context, from, to string) (context.Context, trace.Span) {
	return t.start(ctx, SpanConnect, attribute.String(AttrNode, from), attribute.String(AttrPeerNode, to))
}

// EndSpan records the outcome of err on span and ends it.
func EndSpan(span trace.Span, err error) {
	span.SetAttributes(attribute.String(AttrResult, ResultOf(err)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
