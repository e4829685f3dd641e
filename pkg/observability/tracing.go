package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used when no tracer is injected.
const TracerName = "github.com/aretw0/draftkeeper"

// DefaultTracer returns the tracer from the global provider.
func DefaultTracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan opens an internal span tagged with the session ID.
func StartSpan(ctx context.Context, tracer trace.Tracer, name, sessionID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
