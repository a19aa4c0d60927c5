package storage

import (
	"context"
	"time"

	"mercator-hq/spendgate/pkg/budget"
)

// TenantConfigRepository persists tenant budget configuration.
type TenantConfigRepository interface {
	// GetConfig returns the configuration of a tenant.
	// Returns budget.ErrTenantNotFound if the tenant has none.
	GetConfig(ctx context.Context, tenantID string) (*budget.TenantConfig, error)

	// PutConfig creates or replaces a tenant configuration.
	// CreatedAt is preserved on update.
	PutConfig(ctx context.Context, cfg *budget.TenantConfig) error

	// ListConfigs returns every tenant configuration.
	ListConfigs(ctx context.Context) ([]*budget.TenantConfig, error)

	// ListDueForReset returns configurations with a positive duration whose
	// reset_at is at or before now.
	ListDueForReset(ctx context.Context, now time.Time) ([]*budget.TenantConfig, error)

	// AdvanceResetAt moves reset_at from old to next only if the stored value
	// still equals old. Returns false when another writer got there first.
	AdvanceResetAt(ctx context.Context, tenantID string, old, next time.Time) (bool, error)
}

// SpendStateRepository persists per-tenant running spend.
type SpendStateRepository interface {
	// GetState returns the spend state of a tenant, or nil if none exists yet.
	GetState(ctx context.Context, tenantID string) (*budget.SpendState, error)

	// CreateState inserts a new state. Returns budget.ErrVersionConflict if a
	// state for the tenant already exists.
	CreateState(ctx context.Context, state *budget.SpendState) error

	// CompareAndSwapState replaces the stored state only if its version still
	// equals expected. Returns budget.ErrVersionConflict otherwise.
	CompareAndSwapState(ctx context.Context, state *budget.SpendState, expected int64) error

	// ResetPeriod zeroes spend and starts a new period at boundary, only if
	// the stored period started before boundary. Returns whether a reset
	// happened. A missing state is not an error.
	ResetPeriod(ctx context.Context, tenantID string, boundary time.Time) (bool, error)
}

// OverrideRepository persists budget overrides, including expired ones.
type OverrideRepository interface {
	CreateOverride(ctx context.Context, o *budget.Override) error

	// GetOverride returns budget.ErrOverrideNotFound for unknown ids.
	GetOverride(ctx context.Context, id string) (*budget.Override, error)

	// ActiveOverride returns the most recently created override whose
	// expires_at is after now, or nil.
	ActiveOverride(ctx context.Context, tenantID string, now time.Time) (*budget.Override, error)

	// ExpireOverride sets expires_at to at if the override is still active
	// at that instant. Returns false if it was already inactive.
	ExpireOverride(ctx context.Context, id string, at time.Time) (bool, error)

	// ListOverrides returns all overrides of a tenant, newest first.
	ListOverrides(ctx context.Context, tenantID string) ([]*budget.Override, error)

	// PruneExpired deletes overrides that expired before the given time.
	PruneExpired(ctx context.Context, before time.Time) (int, error)
}

// EventRepository records applied spend events for idempotency.
type EventRepository interface {
	EventExists(ctx context.Context, tenantID, eventID string) (bool, error)

	// RecordEvent stores the event. Returns false if the (tenant, event id)
	// pair was already recorded.
	RecordEvent(ctx context.Context, event *budget.SpendEvent) (bool, error)
}

// AuditRepository is the durable table behind the audit sink.
type AuditRepository interface {
	AppendAudit(ctx context.Context, entry *budget.AuditEntry) error

	// ListAudit returns the newest entries of a tenant first. A limit of
	// zero or less returns all entries.
	ListAudit(ctx context.Context, tenantID string, limit int) ([]*budget.AuditEntry, error)
}

// Store bundles every repository behind a single backend.
// Implementations must be safe for concurrent use.
type Store interface {
	TenantConfigRepository
	SpendStateRepository
	OverrideRepository
	EventRepository
	AuditRepository

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the backend.
	Close() error
}
