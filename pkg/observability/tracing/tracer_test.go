package tracing

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestNewTracerProvider_Disabled(t *testing.T) {
	provider, err := NewTracerProvider(context.Background(), TracerConfig{ServiceName: "ordefy"})
	if err != nil {
		t.Fatalf("expected no error for disabled tracing, got: %v", err)
	}
	if provider.Tracer("test") == nil {
		t.Fatal("expected tracer")
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestNewTracerProvider_ValidationErrors(t *testing.T) {
	tests := []struct {
		name        string
		config      TracerConfig
		expectedErr string
	}{
		{"missing service name", TracerConfig{Enabled: true, Endpoint: "localhost:4317"}, "service name is required"},
		{"missing endpoint", TracerConfig{Enabled: true, ServiceName: "ordefy"}, "OTLP endpoint is required"},
		{"negative sample rate", TracerConfig{Enabled: true, ServiceName: "ordefy", Endpoint: "localhost:4317", SampleRate: -0.1}, "sample rate"},
		{"sample rate above one", TracerConfig{Enabled: true, ServiceName: "ordefy", Endpoint: "localhost:4317", SampleRate: 1.5}, "sample rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTracerProvider(context.Background(), tt.config)
			if err == nil || !strings.Contains(err.Error(), tt.expectedErr) {
				t.Fatalf("expected error containing %q, got %v", tt.expectedErr, err)
			}
		})
	}
}

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	return recorder
}

func TestStartJobSpan_RecordsFailure(t *testing.T) {
	recorder := installRecorder(t)

	_, span := StartJobSpan(context.Background(), "job-1", "tenant-1", "order-create", 2)
	End(span, errors.New("downstream unavailable"))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "webhook_job order-create" {
		t.Fatalf("unexpected span name %q", spans[0].Name())
	}
	if spans[0].Status().Code != codes.Error {
		t.Fatalf("expected error status, got %v", spans[0].Status().Code)
	}
}

func TestStartReceiveSpan_Succeeds(t *testing.T) {
	recorder := installRecorder(t)

	req := httptest.NewRequest("POST", "/api/shopify/webhook/order-create", nil)
	_, span := StartReceiveSpan(req, "order-create")
	End(span, nil)

	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Status().Code != codes.Ok {
		t.Fatalf("expected one ok span, got %+v", spans)
	}
	if spans[0].SpanKind() != trace.SpanKindServer {
		t.Fatalf("expected server span without a parent, got %v", spans[0].SpanKind())
	}
}

func TestStartReceiveSpan_NestsUnderRequestSpan(t *testing.T) {
	recorder := installRecorder(t)

	parentCtx, parent := otel.Tracer("test").Start(context.Background(), "HTTP POST")
	req := httptest.NewRequest("POST", "/shopify/webhook/order-create", nil).WithContext(parentCtx)
	_, span := StartReceiveSpan(req, "order-create")
	End(span, nil)
	parent.End()

	for _, s := range recorder.Ended() {
		if s.Name() != "webhook_receive order-create" {
			continue
		}
		if s.SpanKind() != trace.SpanKindInternal || s.Parent().SpanID() != parent.SpanContext().SpanID() {
			t.Fatalf("expected internal child span, got kind %v parent %v", s.SpanKind(), s.Parent().SpanID())
		}
		return
	}
	t.Fatal("receive span not recorded")
}
