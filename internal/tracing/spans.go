package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StartCallSpan creates a client span for one upstream provider call,
// covering all of its retry attempts.
func StartCallSpan(ctx context.Context, provider, url, requestID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "upstream.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("upstream.provider", provider),
			attribute.String("upstream.url", url),
			attribute.String("request.id", requestID),
		),
	)
}

// SetCallResult adds outcome attributes to the current span.
func SetCallResult(ctx context.Context, statusCode, retries int) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.Int("response.status_code", statusCode),
		attribute.Int("call.retries", retries),
	)
}

// InjectHeaders injects the current trace context (traceparent, tracestate)
// into the outgoing request so the upstream can continue the trace.
func InjectHeaders(ctx context.Context, req *http.Request) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// RecordError records an error on the current span.
func RecordError(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}
