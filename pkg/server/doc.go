// Package server provides the Spendgate HTTP API.
//
// It ties the budget components (engine, ingestor, override manager, tenant
// service, audit recorder) to HTTP routes and manages the server lifecycle.
//
// # Basic Usage
//
//	srv := server.New(server.Config{ListenAddress: ":8080"}, server.Dependencies{
//	    Admission: eng,
//	    Ingestor:  ingestor,
//	    Overrides: overrides,
//	    Tenants:   tenantService,
//	    Audit:     recorder,
//	    Keys:      validator,
//	    Health:    checker,
//	    Metrics:   collector,
//	})
//	if err := srv.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Start blocks until ctx is cancelled or Shutdown is called, then drains
// in-flight requests for up to Config.ShutdownTimeout.
//
// # Routes
//
//   - POST /budget-events - signed spend webhook (X-Signature: sha256=<hex>)
//   - GET /v1/admission/{tenant_id} - admission decision
//   - POST /v1/overrides - create a budget override (admin)
//   - DELETE /v1/overrides/{override_id} - revoke an override (admin)
//   - GET /v1/tenants/{tenant_id}/overrides - list overrides (admin)
//   - PUT /v1/tenants/{tenant_id} - write tenant configuration (admin)
//   - GET /v1/tenants/{tenant_id} - configuration and spend state (admin)
//   - GET /v1/tenants/{tenant_id}/audit - audit trail (admin)
//   - GET /health, /ready, /version, /metrics
//
// Admin routes authenticate with X-API-Key (or a Bearer token) and record
// the key's actor in audit entries.
//
// # Middleware Chain
//
// Requests pass through the following middleware (innermost to outermost):
//  1. Timeout: bounds the request context
//  2. Logging: logs method, path, status and latency
//  3. RequestID: assigns X-Request-ID and adds it to the log context
//  4. Recovery: turns panics into a 500 JSON error
//
// Each route is additionally wrapped with a tracing span and Prometheus
// request metrics labelled by route pattern.
//
// # Errors
//
// Failures are returned as
//
//	{"error": {"code": "not_found", "message": "tenant not found"}}
//
// with 400, 401, 403, 404 or 409 chosen from the budget sentinel errors.
// Webhook processing failures past authentication and parsing are still
// acknowledged with 200 so upstream does not retry.
package server
