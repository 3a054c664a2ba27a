package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

var noopTracer = nooptrace.NewTracerProvider().Tracer(TracerName)

// Standard attribute keys for daemon spans.
var (
	AttrSessionID = attribute.Key("optad.session.id")
	AttrTurnID    = attribute.Key("optad.turn.id")
	AttrEventKind = attribute.Key("optad.event.kind")
	AttrAfterSeq  = attribute.Key("optad.replay.after_seq")
	AttrReplayed  = attribute.Key("optad.replay.count")
	AttrToolName  = attribute.Key("optad.tool.name")
	AttrRisk      = attribute.Key("optad.permission.risk")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// Tracer returns t, or a noop tracer when t is nil.
func Tracer(t trace.Tracer) trace.Tracer {
	if t == nil {
		return noopTracer
	}
	return t
}
