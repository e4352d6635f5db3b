package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanko-field/storefront/internal/platform/requestctx"
)

var tracer = otel.Tracer("github.com/hanko-field/storefront/internal/platform/observability")

// StartMutationSpan opens a client span covering one logical cart mutation
// cycle (first attempt plus all retries) and records trace ids on the
// request context for log correlation.
func StartMutationSpan(ctx context.Context, mutation string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "storefront.mutate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("cart.mutation", mutation)),
	)

	spanCtx := span.SpanContext()
	ctx = requestctx.WithTrace(ctx, requestctx.TraceInfo{
		TraceID: spanCtx.TraceID().String(),
		SpanID:  spanCtx.SpanID().String(),
		Sampled: spanCtx.IsSampled(),
	})
	return ctx, span
}

// StartCheckoutSpan opens a client span covering one checkout step call.
func StartCheckoutSpan(ctx context.Context, step string, sessionID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("checkout.step", step)}
	if sessionID != "" {
		attrs = append(attrs, attribute.String("checkout.session_id", sessionID))
	}
	return tracer.Start(ctx, "storefront.checkout",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// RecordAttempt annotates the active mutation span with the state of one
// physical attempt: its ordinal and the version precondition it carried.
func RecordAttempt(ctx context.Context, attempt int, version int64) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent("attempt", trace.WithAttributes(
		attribute.Int("cart.attempt", attempt),
		attribute.Int64("cart.version", version),
	))
}

// EndSpan closes the span, recording the classified outcome when err is
// non-nil.
func EndSpan(span trace.Span, kind string, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.SetAttributes(attribute.String("cart.error_kind", kind))
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
