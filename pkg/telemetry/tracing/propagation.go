package tracing

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Extract returns r with the trace context found in its headers.
func Extract(r *http.Request) *http.Request {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	return r.WithContext(ctx)
}

// Inject writes the trace context of r's context into its headers. Used
// for outgoing notification webhooks.
func Inject(r *http.Request) {
	otel.GetTextMapPropagator().Inject(r.Context(), propagation.HeaderCarrier(r.Header))
}

// HTTPMiddleware starts a server span per request, continuing any trace
// propagated by the caller, and exposes the trace ID as X-Trace-ID.
// route names the span; pass the mux pattern rather than the raw path so
// tenant IDs do not explode span cardinality.
func HTTPMiddleware(route string, next http.Handler) http.Handler {
	tracer := otel.Tracer("mercator-hq/spendgate/server")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = Extract(r)
		ctx, span := tracer.Start(r.Context(), route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
			),
		)
		defer span.End()

		if sc := span.SpanContext(); sc.IsValid() {
			w.Header().Set("X-Trace-ID", sc.TraceID().String())
		}

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", sw.status))
		if sw.status >= http.StatusInternalServerError {
			SetStatus(span, fmt.Errorf("HTTP %d", sw.status))
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
