package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestNew_Disabled(t *testing.T) {
	tr, err := New(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if tr.Enabled() {
		t.Error("Expected tracer disabled")
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected no-op shutdown, got %v", err)
	}
}

func TestNew_InvalidRatio(t *testing.T) {
	if _, err := New(context.Background(), Config{Enabled: true, SampleRatio: 1.5}); err == nil {
		t.Error("Expected error for sample ratio above 1")
	}
}

func TestHTTPMiddleware_RecordsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tr, err := New(context.Background(), Config{
		Enabled:     true,
		SampleRatio: 1,
		Exporter:    exporter,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer otel.SetTracerProvider(noop.NewTracerProvider())

	var traceID string
	handler := HTTPMiddleware("GET /v1/admission/{tenant_id}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = TraceID(r.Context())
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/admission/acme", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if traceID != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("Expected propagated trace ID, got %q", traceID)
	}
	if rec.Header().Get("X-Trace-ID") != traceID {
		t.Errorf("Expected X-Trace-ID header %q, got %q", traceID, rec.Header().Get("X-Trace-ID"))
	}

	if err := tr.provider.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush failed: %v", err)
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "GET /v1/admission/{tenant_id}" {
		t.Errorf("Expected route span name, got %q", spans[0].Name)
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("Expected error status for 503, got %v", spans[0].Status.Code)
	}
}

func TestSetStatus(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tr, err := New(context.Background(), Config{Enabled: true, SampleRatio: 1, Exporter: exporter})
	if err != nil {
		t.Fatal(err)
	}
	defer otel.SetTracerProvider(noop.NewTracerProvider())

	_, span := tr.Start(context.Background(), "op")
	SetTenant(span, "acme")
	SetStatus(span, errors.New("boom"))
	span.End()
	_ = tr.provider.ForceFlush(context.Background())

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Status.Description != "boom" {
		t.Fatalf("Expected one errored span, got %+v", spans)
	}
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "spendgate.tenant_id" && a.Value.AsString() == "acme" {
			found = true
		}
	}
	if !found {
		t.Error("Expected tenant attribute on span")
	}
}
