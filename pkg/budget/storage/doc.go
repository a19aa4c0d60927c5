// Package storage provides the repositories behind the admission engine.
//
// # Overview
//
// The engine depends only on the repository interfaces in this package:
//
//   - TenantConfigRepository: tenant budget configuration
//   - SpendStateRepository: running spend with optimistic versioning
//   - OverrideRepository: temporary budget raises, kept for history
//   - EventRepository: applied event ids for idempotency
//   - AuditRepository: the budget_alert_history table
//
// Two backends implement all of them:
//
//   - Memory: in-process maps, no persistence (default, tests)
//   - SQL: SQLite (modernc.org/sqlite) or PostgreSQL (lib/pq)
//
// ConfigCache wraps a TenantConfigRepository with an expiring LRU so the
// admission hot path rarely reads configuration from the backend.
//
// # Usage
//
//	store, err := storage.NewSQLiteStore("spendgate.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	state, err := store.GetState(ctx, "acme")
//
// # Concurrency
//
// Spend state is never locked across I/O. Writers read a state, compute the
// new one and call CompareAndSwapState with the version they read, retrying
// on budget.ErrVersionConflict.
package storage
