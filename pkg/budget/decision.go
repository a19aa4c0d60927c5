package budget

import (
	"context"
	"time"
)

// Decision is the outcome of an admission evaluation.
type Decision struct {
	// Allowed indicates whether further usage is permitted.
	Allowed bool `json:"allowed"`

	// Warning is set in the WARNING band.
	Warning bool `json:"warning"`

	// PercentageUsed is spend as a percentage of the effective budget,
	// floored to two decimals. Zero for unlimited tenants.
	PercentageUsed float64 `json:"percentage_used"`

	// Reason is a human readable explanation, set when blocked or degraded.
	Reason string `json:"reason,omitempty"`

	// Band is the computed band.
	Band Band `json:"band"`

	// Spend and EffectiveBudget are the numbers the decision was made from.
	Spend           float64 `json:"spend"`
	EffectiveBudget float64 `json:"effective_budget"`

	// Unlimited is set when the tenant has no spend limit.
	Unlimited bool `json:"unlimited,omitempty"`

	// Degraded is set when the decision came from the fail mode rather than
	// from stored state.
	Degraded bool `json:"degraded,omitempty"`

	// ResetAt is the next period boundary, if any.
	ResetAt time.Time `json:"reset_at,omitempty"`
}

// Transition is the result of applying a spend event.
type Transition struct {
	From     Band
	To       Band
	Decision Decision

	// Applied is false when the event was older than the stored state and
	// left it unchanged.
	Applied bool
}

// Upward reports whether the transition raised the band.
func (t *Transition) Upward() bool {
	return t.To.Above(t.From)
}

// Downward reports whether the transition lowered the band.
func (t *Transition) Downward() bool {
	return t.From.Above(t.To)
}

// AuditSink is an append-only record of state-changing decisions.
type AuditSink interface {
	// Append hands the entry off for background writing. It may drop the
	// entry under back-pressure and reports that as an error.
	Append(ctx context.Context, entry AuditEntry) error

	// Record returns only once the entry is durably written. Administrative
	// writes use it so none of them can be missing from the log.
	Record(ctx context.Context, entry AuditEntry) error
}

// Notifier delivers band alerts. Dispatch never blocks on delivery and
// never returns an error.
type Notifier interface {
	Dispatch(tenantID string, band Band, snapshot Decision)
	Clear(ctx context.Context, tenantID string)
}

// NopAuditSink discards entries.
type NopAuditSink struct{}

// Append implements AuditSink.
func (NopAuditSink) Append(context.Context, AuditEntry) error { return nil }

// Record implements AuditSink.
func (NopAuditSink) Record(context.Context, AuditEntry) error { return nil }

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Dispatch(string, Band, Decision) {}
func (NopNotifier) Clear(context.Context, string)   {}

// Authorizer decides whether an actor may perform administrative
// operations such as override and configuration writes.
type Authorizer interface {
	// RequireAdmin returns an error wrapping ErrForbidden if the actor lacks
	// the admin capability.
	RequireAdmin(actor string) error
}

// TrustedAuthorizer grants every actor the admin capability. It is meant
// for local operator tooling that already has direct storage access.
type TrustedAuthorizer struct{}

// RequireAdmin implements Authorizer.
func (TrustedAuthorizer) RequireAdmin(string) error { return nil }
