package tenants

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mercator-hq/spendgate/pkg/budget"
	"mercator-hq/spendgate/pkg/budget/storage"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type adminList map[string]bool

func (a adminList) RequireAdmin(actor string) error {
	if !a[actor] {
		return fmt.Errorf("%w: %s", budget.ErrForbidden, actor)
	}
	return nil
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []budget.AuditEntry

	recordErr error
}

func (a *recordingAudit) Append(_ context.Context, e budget.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *recordingAudit) Record(ctx context.Context, e budget.AuditEntry) error {
	if a.recordErr != nil {
		return a.recordErr
	}
	return a.Append(ctx, e)
}

func (a *recordingAudit) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

func newService(t *testing.T) (*Service, *storage.MemoryStore, *recordingAudit) {
	t.Helper()
	store := storage.NewMemoryStore()
	audit := &recordingAudit{}
	svc := NewService(store, store, adminList{"alice": true},
		WithAuditSink(audit),
		WithClock(func() time.Time { return baseTime }),
	)
	return svc, store, audit
}

func validConfig() budget.TenantConfig {
	return budget.TenantConfig{
		TenantID:          "acme",
		MaxBudget:         500,
		AlertThresholdPct: 80,
		GraceThresholdPct: 110,
		BudgetDuration:    24 * time.Hour,
	}
}

func TestService_Upsert(t *testing.T) {
	svc, store, audit := newService(t)
	ctx := context.Background()

	saved, err := svc.Upsert(ctx, validConfig(), "alice")
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if want := baseTime.Add(24 * time.Hour); !saved.ResetAt.Equal(want) {
		t.Errorf("Expected default reset_at %v, got %v", want, saved.ResetAt)
	}

	stored, err := store.GetConfig(ctx, "acme")
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}
	if stored.MaxBudget != 500 {
		t.Errorf("Expected max budget 500, got %v", stored.MaxBudget)
	}

	if audit.count() != 1 || audit.entries[0].Operation != budget.AuditConfigUpdated {
		t.Fatalf("Expected one config_updated entry, got %+v", audit.entries)
	}
	if audit.entries[0].Actor != "alice" {
		t.Errorf("Expected actor alice, got %s", audit.entries[0].Actor)
	}

	// Updating the limit keeps the running period's boundary.
	update := validConfig()
	update.MaxBudget = 800
	saved, err = svc.Upsert(ctx, update, "alice")
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !saved.ResetAt.Equal(baseTime.Add(24 * time.Hour)) {
		t.Errorf("Expected reset_at preserved on update, got %v", saved.ResetAt)
	}
	if audit.entries[1].Details["previous_max_budget"] != "500" {
		t.Errorf("Expected previous max budget in audit, got %v", audit.entries[1].Details)
	}
}

func TestService_UpsertRejects(t *testing.T) {
	svc, store, audit := newService(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*budget.TenantConfig)
		actor  string
		want   error
	}{
		{"not admin", func(*budget.TenantConfig) {}, "mallory", budget.ErrForbidden},
		{"alert above 100", func(c *budget.TenantConfig) { c.AlertThresholdPct = 120 }, "alice", budget.ErrValidationFailed},
		{"grace below 100", func(c *budget.TenantConfig) { c.GraceThresholdPct = 95 }, "alice", budget.ErrValidationFailed},
		{"grace above 150", func(c *budget.TenantConfig) { c.GraceThresholdPct = 151 }, "alice", budget.ErrValidationFailed},
		{"alert equals grace", func(c *budget.TenantConfig) { c.AlertThresholdPct = 100; c.GraceThresholdPct = 100 }, "alice", budget.ErrValidationFailed},
		{"missing tenant", func(c *budget.TenantConfig) { c.TenantID = "" }, "alice", budget.ErrValidationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			_, err := svc.Upsert(ctx, cfg, tt.actor)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, err := store.GetConfig(ctx, "acme"); !errors.Is(err, budget.ErrTenantNotFound) {
		t.Errorf("Expected nothing stored, got %v", err)
	}
	if audit.count() != 0 {
		t.Errorf("Expected no audit entries, got %d", audit.count())
	}
}

func TestService_UpsertAuditUnavailable(t *testing.T) {
	svc, store, audit := newService(t)
	audit.recordErr = fmt.Errorf("%w: audit table unreachable", budget.ErrStateUnavailable)

	if _, err := svc.Upsert(context.Background(), validConfig(), "alice"); !errors.Is(err, budget.ErrStateUnavailable) {
		t.Fatalf("Expected ErrStateUnavailable, got %v", err)
	}
	if _, err := store.GetConfig(context.Background(), "acme"); !errors.Is(err, budget.ErrTenantNotFound) {
		t.Errorf("Expected no configuration stored without an audit entry, got %v", err)
	}
	if audit.count() != 0 {
		t.Errorf("Expected no audit entries, got %d", audit.count())
	}
}

func TestService_Get(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.Get(ctx, "acme"); !errors.Is(err, budget.ErrTenantNotFound) {
		t.Errorf("Expected ErrTenantNotFound, got %v", err)
	}

	if _, err := svc.Upsert(ctx, validConfig(), "alice"); err != nil {
		t.Fatal(err)
	}
	view, err := svc.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if view.State != nil {
		t.Errorf("Expected no state before any spend, got %+v", view.State)
	}

	if err := store.CreateState(ctx, &budget.SpendState{TenantID: "acme", CurrentSpend: 42, Version: 1}); err != nil {
		t.Fatal(err)
	}
	view, _ = svc.Get(ctx, "acme")
	if view.State == nil || view.State.CurrentSpend != 42 {
		t.Errorf("Expected state with spend 42, got %+v", view.State)
	}
}

func TestService_ApplySkipsUnchanged(t *testing.T) {
	svc, _, audit := newService(t)
	ctx := context.Background()

	other := validConfig()
	other.TenantID = "globex"
	bad := validConfig()
	bad.TenantID = "broken"
	bad.GraceThresholdPct = 10

	res, err := svc.Apply(ctx, []budget.TenantConfig{validConfig(), other, bad}, "alice")
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Errorf("Expected error naming the invalid tenant, got %v", err)
	}
	if res.Created != 2 || res.Failed != 1 {
		t.Errorf("Expected 2 created and 1 failed, got %+v", res)
	}

	res, err = svc.Apply(ctx, []budget.TenantConfig{validConfig(), other}, "alice")
	if err != nil {
		t.Fatalf("Second apply failed: %v", err)
	}
	if res.Unchanged != 2 {
		t.Errorf("Expected both tenants unchanged, got %+v", res)
	}
	if audit.count() != 2 {
		t.Errorf("Expected audit entries only for real changes, got %d", audit.count())
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		want    int
		wantErr string
	}{
		{
			name: "valid",
			yaml: `
tenants:
  - tenant_id: acme
    max_budget: 500
    alert_threshold_pct: 80
    grace_threshold_pct: 110
    budget_duration: 720h
    reset_at: 2026-04-01T00:00:00Z
  - tenant_id: unlimited
    max_budget: 0
    alert_threshold_pct: 80
    grace_threshold_pct: 100
    fail_mode: closed
`,
			want: 2,
		},
		{name: "empty", yaml: "", want: 0},
		{
			name:    "unknown field",
			yaml:    "tenants:\n  - tenant_id: acme\n    budget: 5\n",
			wantErr: "budget",
		},
		{
			name:    "invalid thresholds",
			yaml:    "tenants:\n  - tenant_id: acme\n    max_budget: 5\n    alert_threshold_pct: 90\n    grace_threshold_pct: 90\n",
			wantErr: "tenants[0]",
		},
		{
			name: "duplicate",
			yaml: `
tenants:
  - {tenant_id: acme, max_budget: 5, alert_threshold_pct: 80, grace_threshold_pct: 100}
  - {tenant_id: acme, max_budget: 6, alert_threshold_pct: 80, grace_threshold_pct: 100}
`,
			wantErr: "duplicate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfgs, err := Parse([]byte(tt.yaml))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if len(cfgs) != tt.want {
				t.Errorf("Expected %d tenants, got %d", tt.want, len(cfgs))
			}
		})
	}

	cfgs, _ := Parse([]byte(tests[0].yaml))
	if cfgs[0].BudgetDuration != 720*time.Hour {
		t.Errorf("Expected duration 720h, got %v", cfgs[0].BudgetDuration)
	}
	if cfgs[1].FailMode != budget.FailClosed {
		t.Errorf("Expected fail_mode closed, got %q", cfgs[1].FailMode)
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	svc, store, _ := newService(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "tenants.yaml")

	write := func(budgetValue int) {
		content := fmt.Sprintf("tenants:\n  - tenant_id: acme\n    max_budget: %d\n    alert_threshold_pct: 80\n    grace_threshold_pct: 110\n", budgetValue)
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write(500)

	w, err := NewWatcher(path, svc, "alice", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	if _, err := w.Reload(context.Background()); err != nil {
		t.Fatalf("Initial reload failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Watch(ctx) }()
	defer w.Stop()

	// Give the watcher a moment to register the directory.
	time.Sleep(50 * time.Millisecond)
	write(900)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		cfg, err := store.GetConfig(context.Background(), "acme")
		if err == nil && cfg.MaxBudget == 900 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Expected tenant file change to be applied")
}

func TestDebouncer_CollapsesBursts(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	var calls atomic.Int32
	for i := 0; i < 10; i++ {
		d.Trigger(func() { calls.Add(1) })
	}
	time.Sleep(100 * time.Millisecond)

	if got := calls.Load(); got != 1 {
		t.Errorf("Expected 1 call, got %d", got)
	}

	d.Stop()
	d.Trigger(func() { calls.Add(1) })
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("Expected no calls after Stop, got %d", got)
	}
}
