package tracing_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onnwee/audittrail/internal/audit"
	"github.com/onnwee/audittrail/internal/middleware"
	"github.com/onnwee/audittrail/internal/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestEndToEndTracing records an audit entry inside a traced HTTP request and
// checks that the commit span joins the request trace with entry attributes.
func TestEndToEndTracing(t *testing.T) {
	spanRecorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder))
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())

	commands := audit.NewCommandService(audit.NewChainWriter(audit.NewInMemoryStore()), audit.CommandConfig{})
	defer commands.Close(context.Background())

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := commands.RecordSecurityEvent(r.Context(), audit.EventSecurityViolation, "replayed token")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	req := httptest.NewRequest(http.MethodPost, "/audit/security-events", nil)
	rr := httptest.NewRecorder()
	middleware.Tracing("test-service")(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	spans := spanRecorder.Ended()
	byName := map[string]sdktrace.ReadOnlySpan{}
	for _, span := range spans {
		byName[span.Name()] = span
	}

	httpSpan, ok := byName["POST /audit/security-events"]
	if !ok {
		t.Fatalf("missing HTTP span; got %d spans", len(spans))
	}
	commitSpan, ok := byName["audit.chain.commit"]
	if !ok {
		t.Fatal("missing audit.chain.commit span")
	}
	if commitSpan.SpanContext().TraceID() != httpSpan.SpanContext().TraceID() {
		t.Error("commit span is not part of the request trace")
	}

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range commitSpan.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if attrs[tracing.AttrEntrySequence].AsInt64() != 1 {
		t.Errorf("sequence attribute = %v, want 1", attrs[tracing.AttrEntrySequence])
	}
	if attrs[tracing.AttrEventType].AsString() != string(audit.EventSecurityViolation) {
		t.Errorf("event type attribute = %v", attrs[tracing.AttrEventType])
	}
}

// TestTracingDisabled verifies span helpers are safe without a configured provider.
func TestTracingDisabled(t *testing.T) {
	provider, err := tracing.NewProvider(tracing.Config{
		ServiceName: "test-service",
		Enabled:     false,
	})
	if err != nil {
		t.Fatalf("failed to create disabled provider: %v", err)
	}
	if provider.IsEnabled() {
		t.Error("expected tracing to be disabled")
	}

	ctx, endSpan := tracing.StartSpan(context.Background(), "audit.verify")
	tracing.SetAttributes(ctx, tracing.EntryAttributes(1, "ENTITY_VIEWED", "Order")...)
	tracing.AddEvent(ctx, "verified")
	endSpan(nil)
}

// TestTraceContextPropagation verifies the handler sees the trace ID of the
// request span.
func TestTraceContextPropagation(t *testing.T) {
	spanRecorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder))
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())

	var capturedTraceID string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedTraceID = middleware.GetTraceID(r)
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/audit/verify", nil)
	rr := httptest.NewRecorder()
	middleware.Tracing("test-service")(handler).ServeHTTP(rr, req)

	if capturedTraceID == "" {
		t.Fatal("expected non-empty trace ID")
	}
	spans := spanRecorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].SpanContext().TraceID().String(); got != capturedTraceID {
		t.Errorf("trace ID mismatch: handler captured %s, span has %s", capturedTraceID, got)
	}
}
