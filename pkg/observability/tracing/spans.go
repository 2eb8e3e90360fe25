package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ordefy/ordefy"

// StartJobSpan opens a consumer span around one queue job execution.
func StartJobSpan(ctx context.Context, jobID, tenantID, topic string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, "webhook_job "+topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("webhook.job_id", jobID),
			attribute.String("webhook.tenant_id", tenantID),
			attribute.String("webhook.topic", topic),
			attribute.Int("webhook.attempt", attempt),
		),
	)
}

// StartReceiveSpan opens a span for an inbound webhook call. Under the HTTP
// tracing middleware it is a child of the request span; otherwise it is the
// server span and continues any trace context carried in the headers.
func StartReceiveSpan(r *http.Request, topic string) (context.Context, trace.Span) {
	ctx, kind := r.Context(), trace.SpanKindInternal
	if !trace.SpanFromContext(ctx).SpanContext().IsValid() {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(r.Header))
		kind = trace.SpanKindServer
	}
	return otel.Tracer(instrumentationName).Start(ctx, "webhook_receive "+topic,
		trace.WithSpanKind(kind),
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("webhook.topic", topic),
		),
	)
}

// End records err on the span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
