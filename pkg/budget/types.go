package budget

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Band is the admission band a tenant falls into for its current spend.
type Band string

const (
	// BandNormal means spend is below the alert threshold.
	BandNormal Band = "NORMAL"

	// BandWarning means spend is at or above the alert threshold but below
	// the grace threshold. Usage is still allowed.
	BandWarning Band = "WARNING"

	// BandBlocked means spend is at or above the grace threshold.
	BandBlocked Band = "BLOCKED"
)

// Rank orders bands from least to most severe.
func (b Band) Rank() int {
	switch b {
	case BandWarning:
		return 1
	case BandBlocked:
		return 2
	default:
		return 0
	}
}

// Above reports whether b is strictly more severe than other.
func (b Band) Above(other Band) bool {
	return b.Rank() > other.Rank()
}

// Lower returns the band name in lower case, for logs and metric labels.
func (b Band) Lower() string {
	return strings.ToLower(string(b))
}

// EventType is the upstream category of a spend event.
type EventType string

const (
	EventSpendTracked           EventType = "spend_tracked"
	EventThresholdCrossed       EventType = "threshold_crossed"
	EventBudgetCrossed          EventType = "budget_crossed"
	EventProjectedLimitExceeded EventType = "projected_limit_exceeded"

	// EventUnknown tags any category this version does not recognize.
	EventUnknown EventType = "unknown"
)

// ParseEventType maps an upstream category string to an EventType.
// Unrecognized values map to EventUnknown instead of failing.
func ParseEventType(s string) EventType {
	switch EventType(strings.ToLower(strings.TrimSpace(s))) {
	case EventSpendTracked:
		return EventSpendTracked
	case EventThresholdCrossed:
		return EventThresholdCrossed
	case EventBudgetCrossed:
		return EventBudgetCrossed
	case EventProjectedLimitExceeded:
		return EventProjectedLimitExceeded
	default:
		return EventUnknown
	}
}

// FailMode selects what Evaluate returns when state cannot be read.
type FailMode string

const (
	// FailOpen allows usage when state is unavailable.
	FailOpen FailMode = "open"

	// FailClosed blocks usage when state is unavailable.
	FailClosed FailMode = "closed"
)

// TenantConfig is the budget configuration of a single tenant.
type TenantConfig struct {
	// TenantID identifies the tenant.
	TenantID string `json:"tenant_id" yaml:"tenant_id"`

	// MaxBudget is the spend limit per period. Zero or negative means unlimited.
	MaxBudget float64 `json:"max_budget" yaml:"max_budget"`

	// AlertThresholdPct is the percentage at which the tenant enters WARNING.
	AlertThresholdPct float64 `json:"alert_threshold_pct" yaml:"alert_threshold_pct"`

	// GraceThresholdPct is the percentage at which the tenant is BLOCKED.
	GraceThresholdPct float64 `json:"grace_threshold_pct" yaml:"grace_threshold_pct"`

	// BudgetDuration is the billing period length. Zero disables resets.
	BudgetDuration time.Duration `json:"budget_duration" yaml:"budget_duration"`

	// ResetAt is the next period boundary.
	ResetAt time.Time `json:"reset_at" yaml:"reset_at"`

	// FailMode overrides the engine-wide fail mode for this tenant when the
	// configuration itself could still be read. Empty inherits the default.
	FailMode FailMode `json:"fail_mode,omitempty" yaml:"fail_mode,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Unlimited reports whether the tenant has no spend limit.
func (c *TenantConfig) Unlimited() bool {
	return c.MaxBudget <= 0
}

// Validate checks the configuration invariants. It returns a
// *ValidationError for the first violated rule.
func (c *TenantConfig) Validate() error {
	if strings.TrimSpace(c.TenantID) == "" {
		return NewValidationError("tenant_id", "is required")
	}
	for _, v := range []struct {
		field string
		value float64
	}{
		{"max_budget", c.MaxBudget},
		{"alert_threshold_pct", c.AlertThresholdPct},
		{"grace_threshold_pct", c.GraceThresholdPct},
	} {
		if math.IsNaN(v.value) || math.IsInf(v.value, 0) {
			return NewValidationError(v.field, fmt.Sprintf("must be a finite number, got %g", v.value))
		}
	}
	if c.AlertThresholdPct <= 0 || c.AlertThresholdPct > 100 {
		return NewValidationError("alert_threshold_pct", fmt.Sprintf("must be in (0, 100], got %g", c.AlertThresholdPct))
	}
	if c.GraceThresholdPct < 100 || c.GraceThresholdPct > 150 {
		return NewValidationError("grace_threshold_pct", fmt.Sprintf("must be in [100, 150], got %g", c.GraceThresholdPct))
	}
	if c.AlertThresholdPct >= c.GraceThresholdPct {
		return NewValidationError("alert_threshold_pct", "must be lower than grace_threshold_pct")
	}
	if c.BudgetDuration < 0 {
		return NewValidationError("budget_duration", "must not be negative")
	}
	switch c.FailMode {
	case "", FailOpen, FailClosed:
	default:
		return NewValidationError("fail_mode", fmt.Sprintf("must be %q or %q", FailOpen, FailClosed))
	}
	return nil
}

// SpendState is the running spend of a tenant in its current period.
type SpendState struct {
	TenantID     string    `json:"tenant_id"`
	CurrentSpend float64   `json:"current_spend"`
	Version      int64     `json:"version"`
	PeriodStart  time.Time `json:"period_start"`

	// LastEventAt is the upstream timestamp of the newest applied event.
	// Older totals arriving out of order are ignored.
	LastEventAt   time.Time `json:"last_event_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// SpendEvent is a single metered-usage notification from upstream.
// Spend is the absolute running total for the period, not a delta.
type SpendEvent struct {
	EventID           string    `json:"event_id"`
	TenantID          string    `json:"tenant_id"`
	Spend             float64   `json:"spend"`
	MaxBudgetSnapshot float64   `json:"max_budget"`
	Type              EventType `json:"event_type"`
	OccurredAt        time.Time `json:"occurred_at"`
	ReceivedAt        time.Time `json:"received_at"`
}

// Override temporarily raises a tenant's effective budget.
type Override struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Amount    float64   `json:"amount"`
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// Active reports whether the override still counts at now.
func (o *Override) Active(now time.Time) bool {
	return o != nil && o.ExpiresAt.After(now)
}

// Audit operations.
const (
	AuditBandTransition = "band_transition"
	AuditBudgetReset    = "budget_reset"
	AuditOverrideCreate = "override_created"
	AuditOverrideRevoke = "override_revoked"
	AuditConfigUpdated  = "config_updated"
)

// AuditEntry is an immutable record of a state-changing decision.
type AuditEntry struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	Operation string            `json:"operation"`
	Actor     string            `json:"actor"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// SystemActor is recorded as the actor of automatic transitions.
const SystemActor = "system"
