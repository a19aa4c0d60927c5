// Package telemetry groups the observability plumbing of Spendgate.
//
//   - logging: slog handler setup with secret redaction and request fields
//   - metrics: Prometheus registry, scrape handler and HTTP instrumentation
//   - tracing: OpenTelemetry tracer provider and HTTP span middleware
//   - health: liveness, readiness and version endpoints
package telemetry
