package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/interlock-io/interlock"

// Tracer provides OpenTelemetry tracing for the engine.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new engine tracer.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartProcessSpan starts a span for processing one inbound event.
func (t *Tracer) StartProcessSpan(ctx context.Context, source, eventType, dedupeKey string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "interlock.process",
		trace.WithAttributes(
			attribute.String("interlock.source", source),
			attribute.String("interlock.event_type", eventType),
			attribute.String("interlock.dedupe_key", dedupeKey),
		),
	)
}

// EndProcessSpan ends a processing span with its outcome.
func (t *Tracer) EndProcessSpan(span trace.Span, outcome string, err string) {
	span.SetAttributes(attribute.String("interlock.outcome", outcome))
	if err != "" {
		span.SetAttributes(attribute.String("interlock.error", err))
	}
	span.End()
}

// StartCallSpan starts a span for an outbound call attempt.
func (t *Tracer) StartCallSpan(ctx context.Context, service, method, path string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "interlock.outbound_call",
		trace.WithAttributes(
			attribute.String("interlock.service", service),
			attribute.String("http.method", method),
			attribute.String("http.path", path),
		),
	)
}

// EndCallSpan ends an outbound call span with result attributes.
func (t *Tracer) EndCallSpan(span trace.Span, statusCode, latencyMs int, err string) {
	span.SetAttributes(
		attribute.Int("http.status_code", statusCode),
		attribute.Int("interlock.latency_ms", latencyMs),
	)
	if err != "" {
		span.SetAttributes(attribute.String("interlock.error", err))
	}
	span.End()
}
