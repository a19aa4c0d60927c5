package budget

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestTenantConfig_Validate(t *testing.T) {
	base := func() TenantConfig {
		return TenantConfig{
			TenantID:          "acme",
			MaxBudget:         500,
			AlertThresholdPct: 80,
			GraceThresholdPct: 110,
			BudgetDuration:    24 * time.Hour,
		}
	}

	tests := []struct {
		name      string
		mutate    func(c *TenantConfig)
		wantField string
	}{
		{name: "valid", mutate: func(c *TenantConfig) {}},
		{name: "unlimited budget is valid", mutate: func(c *TenantConfig) { c.MaxBudget = 0 }},
		{name: "alert at 100 with grace 150", mutate: func(c *TenantConfig) { c.AlertThresholdPct = 100; c.GraceThresholdPct = 150 }},
		{name: "missing tenant", mutate: func(c *TenantConfig) { c.TenantID = " " }, wantField: "tenant_id"},
		{name: "alert zero", mutate: func(c *TenantConfig) { c.AlertThresholdPct = 0 }, wantField: "alert_threshold_pct"},
		{name: "alert above 100", mutate: func(c *TenantConfig) { c.AlertThresholdPct = 101 }, wantField: "alert_threshold_pct"},
		{name: "grace below 100", mutate: func(c *TenantConfig) { c.GraceThresholdPct = 99 }, wantField: "grace_threshold_pct"},
		{name: "grace above 150", mutate: func(c *TenantConfig) { c.GraceThresholdPct = 151 }, wantField: "grace_threshold_pct"},
		{name: "alert equals grace", mutate: func(c *TenantConfig) { c.AlertThresholdPct = 100; c.GraceThresholdPct = 100 }, wantField: "alert_threshold_pct"},
		{name: "negative duration", mutate: func(c *TenantConfig) { c.BudgetDuration = -time.Hour }, wantField: "budget_duration"},
		{name: "bad fail mode", mutate: func(c *TenantConfig) { c.FailMode = "sometimes" }, wantField: "fail_mode"},
		{name: "NaN budget", mutate: func(c *TenantConfig) { c.MaxBudget = math.NaN() }, wantField: "max_budget"},
		{name: "infinite budget", mutate: func(c *TenantConfig) { c.MaxBudget = math.Inf(1) }, wantField: "max_budget"},
		{name: "NaN alert", mutate: func(c *TenantConfig) { c.AlertThresholdPct = math.NaN() }, wantField: "alert_threshold_pct"},
		{name: "NaN grace", mutate: func(c *TenantConfig) { c.GraceThresholdPct = math.NaN() }, wantField: "grace_threshold_pct"},
		{name: "negative infinite grace", mutate: func(c *TenantConfig) { c.GraceThresholdPct = math.Inf(-1) }, wantField: "grace_threshold_pct"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, ErrValidationFailed) {
				t.Fatalf("Expected ErrValidationFailed, got %v", err)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected *ValidationError, got %T", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("Expected field %q, got %q", tt.wantField, verr.Field)
			}
		})
	}
}

func TestParseEventType(t *testing.T) {
	tests := map[string]EventType{
		"spend_tracked":            EventSpendTracked,
		"THRESHOLD_CROSSED":        EventThresholdCrossed,
		" budget_crossed ":         EventBudgetCrossed,
		"projected_limit_exceeded": EventProjectedLimitExceeded,
		"credits_granted":          EventUnknown,
		"":                         EventUnknown,
	}
	for in, want := range tests {
		if got := ParseEventType(in); got != want {
			t.Errorf("ParseEventType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBandOrdering(t *testing.T) {
	if !BandWarning.Above(BandNormal) || !BandBlocked.Above(BandWarning) || !BandBlocked.Above(BandNormal) {
		t.Error("Expected NORMAL < WARNING < BLOCKED")
	}
	if BandNormal.Above(BandNormal) {
		t.Error("Expected band not above itself")
	}

	tr := Transition{From: BandNormal, To: BandBlocked}
	if !tr.Upward() || tr.Downward() {
		t.Error("Expected NORMAL->BLOCKED to be upward")
	}
	tr = Transition{From: BandBlocked, To: BandWarning}
	if tr.Upward() || !tr.Downward() {
		t.Error("Expected BLOCKED->WARNING to be downward")
	}
}

func TestOverride_Active(t *testing.T) {
	now := time.Now()
	var nilOverride *Override
	if nilOverride.Active(now) {
		t.Error("Expected nil override to be inactive")
	}
	o := &Override{ExpiresAt: now.Add(time.Minute)}
	if !o.Active(now) {
		t.Error("Expected override to be active before expiry")
	}
	if o.Active(now.Add(time.Minute)) {
		t.Error("Expected override to be inactive at expires_at")
	}
}
