package engine

import (
	"fmt"
	"math"
	"time"

	"mercator-hq/spendgate/pkg/budget"
)

// Decide computes the admission decision for a tenant from its configuration,
// current spend state and override. It has no side effects.
//
// A nil cfg or a non-positive max budget means unlimited. A nil state means
// nothing has been spent yet. The override only counts while it is active
// at now.
func Decide(cfg *budget.TenantConfig, state *budget.SpendState, override *budget.Override, now time.Time) budget.Decision {
	spend := 0.0
	if state != nil && state.CurrentSpend > 0 {
		spend = state.CurrentSpend
	}

	if cfg == nil || cfg.Unlimited() {
		return budget.Decision{
			Allowed:   true,
			Band:      budget.BandNormal,
			Spend:     spend,
			Unlimited: true,
		}
	}

	effective := cfg.MaxBudget
	if override.Active(now) {
		effective += override.Amount
	}

	// Thresholds compare against the exact value so a tenant is never
	// blocked later than the true crossing.
	pct := spend * 100 / effective

	d := budget.Decision{
		Allowed:         true,
		PercentageUsed:  floor2(pct),
		Spend:           spend,
		EffectiveBudget: effective,
		ResetAt:         cfg.ResetAt,
	}

	switch {
	case pct >= cfg.GraceThresholdPct:
		d.Band = budget.BandBlocked
		d.Allowed = false
		d.Reason = blockedReason(spend, effective, d.PercentageUsed, cfg.ResetAt)
	case pct >= cfg.AlertThresholdPct:
		d.Band = budget.BandWarning
		d.Warning = true
		d.Reason = fmt.Sprintf("Spend %.2f is %.2f%% of the %.2f budget, at or above the %g%% alert threshold.",
			spend, d.PercentageUsed, effective, cfg.AlertThresholdPct)
	default:
		d.Band = budget.BandNormal
	}
	return d
}

func blockedReason(spend, limit, pct float64, resetAt time.Time) string {
	msg := fmt.Sprintf("Budget exceeded: spent %.2f of %.2f (%.2f%%).", spend, limit, pct)
	if !resetAt.IsZero() {
		msg += fmt.Sprintf(" Usage resumes when the budget resets at %s", resetAt.UTC().Format(time.RFC3339))
		return msg + " or after an administrator applies a budget override."
	}
	return msg + " Ask an administrator to raise the budget or apply a budget override."
}

// floor2 floors to two decimals, tolerating binary representation error
// just below an exact hundredth.
func floor2(v float64) float64 {
	return math.Floor(v*100+1e-9) / 100
}
