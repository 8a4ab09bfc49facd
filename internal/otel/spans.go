package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Span names.
const (
	SpanDispatch = "threadclaw.dispatch"
	SpanIntake   = "threadclaw.intake"
	SpanGateway  = "threadclaw.gateway"
)

var (
	AttrTaskID    = attribute.Key("threadclaw.task.id")
	AttrKind      = attribute.Key("threadclaw.task.kind")
	AttrLockKey   = attribute.Key("threadclaw.lock.key")
	AttrStatus    = attribute.Key("threadclaw.task.status")
	AttrChannelID = attribute.Key("threadclaw.channel.id")
	AttrMessageTS = attribute.Key("threadclaw.message.ts")
	AttrSource    = attribute.Key("threadclaw.source")
	AttrResult    = attribute.Key("threadclaw.result")
)

// StartSpan starts an internal span. A nil tracer yields a no-op span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(TracerName)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(TracerName)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// EndSpan records err, if any, and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
