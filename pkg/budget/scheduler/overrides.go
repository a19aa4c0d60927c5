package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"mercator-hq/spendgate/pkg/budget"
	"mercator-hq/spendgate/pkg/budget/storage"
)

// MaxReasonLength bounds the free-text override reason.
const MaxReasonLength = 1024

// OverrideConfig configures the OverrideManager.
type OverrideConfig struct {
	// MaxDuration is the longest override lifetime accepted.
	// Default: 30 days
	MaxDuration time.Duration

	// Timeout bounds each repository call.
	// Default: 5 seconds
	Timeout time.Duration
}

// OverrideManager creates, revokes and lists budget overrides.
// Every mutation requires the admin capability and is audited.
type OverrideManager struct {
	cfg       OverrideConfig
	configs   storage.TenantConfigRepository
	overrides storage.OverrideRepository
	authz     budget.Authorizer
	notifier  Notifier
	audit     budget.AuditSink
	logger    *slog.Logger
	now       func() time.Time
}

// OverrideOption customizes an OverrideManager.
type OverrideOption func(*OverrideManager)

// WithOverrideNotifier sets the notifier whose markers are cleared when an
// override raises the effective budget.
func WithOverrideNotifier(n Notifier) OverrideOption {
	return func(m *OverrideManager) { m.notifier = n }
}

// WithOverrideAudit sets the audit sink.
func WithOverrideAudit(a budget.AuditSink) OverrideOption {
	return func(m *OverrideManager) { m.audit = a }
}

// WithOverrideClock replaces time.Now.
func WithOverrideClock(now func() time.Time) OverrideOption {
	return func(m *OverrideManager) { m.now = now }
}

// NewOverrideManager creates an OverrideManager.
func NewOverrideManager(cfg OverrideConfig, configs storage.TenantConfigRepository, overrides storage.OverrideRepository, authz budget.Authorizer, opts ...OverrideOption) *OverrideManager {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 30 * 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	m := &OverrideManager{
		cfg:       cfg,
		configs:   configs,
		overrides: overrides,
		authz:     authz,
		notifier:  nopNotifier{},
		audit:     budget.NopAuditSink{},
		logger:    slog.Default().With("component", "overrides"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ApplyOverride grants tenantID an extra amount of budget for duration.
//
// Errors wrap budget.ErrForbidden, budget.ErrValidationFailed,
// budget.ErrTenantNotFound or budget.ErrStateUnavailable. A newer override
// supersedes an active one, which is expired at the same instant. The audit entry is recorded before the override
// is stored; if it cannot be recorded nothing is written.
func (m *OverrideManager) ApplyOverride(ctx context.Context, tenantID string, amount float64, duration time.Duration, reason, actor string) (*budget.Override, error) {
	if err := m.authz.RequireAdmin(actor); err != nil {
		m.logger.Warn("override creation denied", "tenant_id", tenantID, "actor", actor)
		return nil, err
	}

	reason = strings.TrimSpace(reason)
	switch {
	case strings.TrimSpace(tenantID) == "":
		return nil, budget.NewValidationError("tenant_id", "is required")
	case amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0):
		return nil, budget.NewValidationError("amount", "must be a positive number")
	case duration <= 0:
		return nil, budget.NewValidationError("duration", "must be positive")
	case duration > m.cfg.MaxDuration:
		return nil, budget.NewValidationError("duration", fmt.Sprintf("must not exceed %s", m.cfg.MaxDuration))
	case reason == "":
		return nil, budget.NewValidationError("reason", "is required")
	case len(reason) > MaxReasonLength:
		return nil, budget.NewValidationError("reason", fmt.Sprintf("must be at most %d characters", MaxReasonLength))
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	if _, err := m.configs.GetConfig(ctx, tenantID); err != nil {
		return nil, err
	}

	now := m.now()
	previous, err := m.overrides.ActiveOverride(ctx, tenantID, now)
	if err != nil {
		return nil, err
	}

	o := &budget.Override{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Amount:    amount,
		ExpiresAt: now.Add(duration),
		Reason:    reason,
		CreatedBy: actor,
		CreatedAt: now,
	}
	details := map[string]string{
		"override_id": o.ID,
		"amount":      strconv.FormatFloat(amount, 'f', 2, 64),
		"expires_at":  o.ExpiresAt.UTC().Format(time.RFC3339),
		"reason":      reason,
	}
	if previous != nil {
		details["supersedes"] = previous.ID
		m.logger.Info("override supersedes active override",
			"tenant_id", tenantID,
			"override_id", o.ID,
			"superseded_id", previous.ID,
		)
	}
	entry := budget.AuditEntry{
		TenantID:  tenantID,
		Operation: budget.AuditOverrideCreate,
		Actor:     actor,
		Details:   details,
	}
	if err := m.audit.Record(ctx, entry); err != nil {
		return nil, err
	}
	if err := m.overrides.CreateOverride(ctx, o); err != nil {
		m.recordFailed(ctx, entry, err)
		return nil, err
	}
	if previous != nil {
		// Revoking the new override must not bring the superseded one back.
		if _, err := m.overrides.ExpireOverride(ctx, previous.ID, now); err != nil {
			m.logger.Error("failed to expire superseded override",
				"tenant_id", tenantID,
				"override_id", previous.ID,
				"error", err,
			)
		}
	}

	// The effective budget just rose; let the next upward crossing notify.
	m.notifier.Clear(ctx, tenantID)

	m.logger.Info("override created",
		"tenant_id", tenantID,
		"override_id", o.ID,
		"amount", amount,
		"expires_at", o.ExpiresAt,
		"actor", actor,
	)
	return o, nil
}

// RevokeOverride expires an override immediately.
//
// Errors wrap budget.ErrForbidden, budget.ErrOverrideNotFound,
// budget.ErrOverrideInactive or budget.ErrStateUnavailable. The revocation
// is recorded in the audit log before the override is expired.
func (m *OverrideManager) RevokeOverride(ctx context.Context, overrideID, actor string) error {
	if err := m.authz.RequireAdmin(actor); err != nil {
		m.logger.Warn("override revocation denied", "override_id", overrideID, "actor", actor)
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	o, err := m.overrides.GetOverride(ctx, overrideID)
	if err != nil {
		return err
	}

	now := m.now()
	inactive := fmt.Errorf("%w: override %s expired at %s", budget.ErrOverrideInactive, overrideID, o.ExpiresAt.UTC().Format(time.RFC3339))
	if !o.Active(now) {
		return inactive
	}

	entry := budget.AuditEntry{
		TenantID:  o.TenantID,
		Operation: budget.AuditOverrideRevoke,
		Actor:     actor,
		Details: map[string]string{
			"override_id":         o.ID,
			"amount":              strconv.FormatFloat(o.Amount, 'f', 2, 64),
			"original_expires_at": o.ExpiresAt.UTC().Format(time.RFC3339),
		},
	}
	if err := m.audit.Record(ctx, entry); err != nil {
		return err
	}

	expired, err := m.overrides.ExpireOverride(ctx, overrideID, now)
	if err != nil {
		m.recordFailed(ctx, entry, err)
		return err
	}
	if !expired {
		m.recordFailed(ctx, entry, inactive)
		return inactive
	}

	m.logger.Info("override revoked",
		"tenant_id", o.TenantID,
		"override_id", o.ID,
		"actor", actor,
	)
	return nil
}

// ListOverrides returns every override of a tenant, newest first,
// including expired and revoked ones.
func (m *OverrideManager) ListOverrides(ctx context.Context, tenantID string) ([]*budget.Override, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	return m.overrides.ListOverrides(ctx, tenantID)
}

// recordFailed follows a recorded entry whose write did not land with a
// second entry marked outcome=failed.
func (m *OverrideManager) recordFailed(ctx context.Context, entry budget.AuditEntry, cause error) {
	m.logger.Error("override write failed after it was audited",
		"tenant_id", entry.TenantID,
		"operation", entry.Operation,
		"error", cause,
	)
	if err := m.audit.Append(ctx, failedEntry(entry)); err != nil {
		m.logger.Error("failed to audit override failure",
			"tenant_id", entry.TenantID,
			"operation", entry.Operation,
			"error", err,
		)
	}
}

// failedEntry copies entry as a new entry marked outcome=failed.
func failedEntry(entry budget.AuditEntry) budget.AuditEntry {
	details := make(map[string]string, len(entry.Details)+1)
	for k, v := range entry.Details {
		details[k] = v
	}
	details["outcome"] = "failed"
	entry.ID = ""
	entry.Timestamp = time.Time{}
	entry.Details = details
	return entry
}
