// Package tracing wraps the otel tracer used by repositories and the merge engine.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer trace.Tracer

func SetTracer(t trace.Tracer) {
	tracer = t
}

// StartSpan opens a child span, or hands back the span already on ctx when tracing is off.
func StartSpan(ctx context.Context, spanName string) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, spanName)
}

// Fail marks span as errored. A nil err leaves it untouched.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Annotate tags the span with the merge it belongs to.
func Annotate(span trace.Span, resourceType string, canonicalID int64) {
	span.SetAttributes(
		attribute.String("merge.resource_type", resourceType),
		attribute.Int64("merge.canonical_id", canonicalID),
	)
}

func GetTraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if tracer == nil || !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
