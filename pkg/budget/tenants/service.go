// Package tenants manages tenant budget configuration.
//
// All writes go through Service, which enforces the admin capability and
// the configuration invariants and audits every change. Configuration can
// also be seeded from a YAML file, optionally re-applied when it changes.
package tenants

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"time"

	"mercator-hq/spendgate/pkg/budget"
	"mercator-hq/spendgate/pkg/budget/storage"
)

// View is a tenant's configuration together with its current spend state.
type View struct {
	Config *budget.TenantConfig `json:"config"`

	// State is nil until the first spend event is applied.
	State *budget.SpendState `json:"state"`
}

// ApplyResult summarizes a bulk apply.
type ApplyResult struct {
	Created   int
	Updated   int
	Unchanged int
	Failed    int
}

// Service validates, persists and audits tenant configuration.
type Service struct {
	configs storage.TenantConfigRepository
	states  storage.SpendStateRepository
	authz   budget.Authorizer
	audit   budget.AuditSink
	logger  *slog.Logger
	now     func() time.Time
	timeout time.Duration
}

// Option customizes a Service.
type Option func(*Service)

// WithAuditSink sets the audit sink.
func WithAuditSink(a budget.AuditSink) Option {
	return func(s *Service) { s.audit = a }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service. Passing a storage.ConfigCache as configs
// keeps the hot-path cache coherent with writes.
func NewService(configs storage.TenantConfigRepository, states storage.SpendStateRepository, authz budget.Authorizer, opts ...Option) *Service {
	s := &Service{
		configs: configs,
		states:  states,
		authz:   authz,
		audit:   budget.NopAuditSink{},
		logger:  slog.Default().With("component", "tenants"),
		now:     time.Now,
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upsert creates or replaces a tenant configuration.
//
// A zero ResetAt with a positive duration starts the first period now.
// Errors wrap budget.ErrForbidden, budget.ErrValidationFailed or
// budget.ErrStateUnavailable when the change cannot be audited.
func (s *Service) Upsert(ctx context.Context, cfg budget.TenantConfig, actor string) (*budget.TenantConfig, error) {
	if err := s.authz.RequireAdmin(actor); err != nil {
		s.logger.Warn("tenant config write denied", "tenant_id", cfg.TenantID, "actor", actor)
		return nil, err
	}
	saved, _, err := s.put(ctx, cfg, actor)
	return saved, err
}

// Get returns the configuration and spend state of a tenant.
func (s *Service) Get(ctx context.Context, tenantID string) (*View, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cfg, err := s.configs.GetConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	state, err := s.states.GetState(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &View{Config: cfg, State: state}, nil
}

// Apply upserts every configuration, skipping ones identical to what is
// stored. One invalid entry does not stop the others; the returned error
// joins every failure.
func (s *Service) Apply(ctx context.Context, cfgs []budget.TenantConfig, actor string) (*ApplyResult, error) {
	if err := s.authz.RequireAdmin(actor); err != nil {
		return nil, err
	}

	result := &ApplyResult{}
	var errs []error
	for _, cfg := range cfgs {
		_, outcome, err := s.put(ctx, cfg, actor)
		if err != nil {
			result.Failed++
			errs = append(errs, fmt.Errorf("tenant %q: %w", cfg.TenantID, err))
			continue
		}
		switch outcome {
		case outcomeCreated:
			result.Created++
		case outcomeUpdated:
			result.Updated++
		default:
			result.Unchanged++
		}
	}

	s.logger.Info("tenant configuration applied",
		"created", result.Created,
		"updated", result.Updated,
		"unchanged", result.Unchanged,
		"failed", result.Failed,
	)
	return result, errors.Join(errs...)
}

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeCreated
	outcomeUpdated
)

func (s *Service) put(ctx context.Context, cfg budget.TenantConfig, actor string) (*budget.TenantConfig, outcome, error) {
	if err := cfg.Validate(); err != nil {
		return nil, outcomeUnchanged, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	previous, err := s.configs.GetConfig(ctx, cfg.TenantID)
	if err != nil && !errors.Is(err, budget.ErrTenantNotFound) {
		return nil, outcomeUnchanged, err
	}

	if cfg.ResetAt.IsZero() && cfg.BudgetDuration > 0 {
		if previous != nil && !previous.ResetAt.IsZero() && previous.BudgetDuration == cfg.BudgetDuration {
			cfg.ResetAt = previous.ResetAt
		} else {
			cfg.ResetAt = s.now().Add(cfg.BudgetDuration)
		}
	}

	if previous != nil && sameSettings(previous, &cfg) {
		return previous, outcomeUnchanged, nil
	}

	result := outcomeCreated
	details := settingsDetails(&cfg)
	if previous != nil {
		result = outcomeUpdated
		details["previous_max_budget"] = formatFloat(previous.MaxBudget)
	}

	// Audited before it is written; without an entry nothing is written.
	entry := budget.AuditEntry{
		TenantID:  cfg.TenantID,
		Operation: budget.AuditConfigUpdated,
		Actor:     actor,
		Details:   details,
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Error("failed to audit config update", "tenant_id", cfg.TenantID, "error", err)
		return nil, outcomeUnchanged, err
	}

	if err := s.configs.PutConfig(ctx, &cfg); err != nil {
		failed := entry
		failed.Details = maps.Clone(details)
		failed.Details["outcome"] = "failed"
		if aerr := s.audit.Append(ctx, failed); aerr != nil {
			s.logger.Error("failed to audit config update failure", "tenant_id", cfg.TenantID, "error", aerr)
		}
		return nil, outcomeUnchanged, err
	}
	saved, err := s.configs.GetConfig(ctx, cfg.TenantID)
	if err != nil {
		saved = &cfg
	}

	s.logger.Info("tenant configuration saved",
		"tenant_id", cfg.TenantID,
		"max_budget", cfg.MaxBudget,
		"alert_threshold_pct", cfg.AlertThresholdPct,
		"grace_threshold_pct", cfg.GraceThresholdPct,
		"actor", actor,
	)
	return saved, result, nil
}

func sameSettings(a, b *budget.TenantConfig) bool {
	return a.MaxBudget == b.MaxBudget &&
		a.AlertThresholdPct == b.AlertThresholdPct &&
		a.GraceThresholdPct == b.GraceThresholdPct &&
		a.BudgetDuration == b.BudgetDuration &&
		a.ResetAt.Equal(b.ResetAt) &&
		a.FailMode == b.FailMode
}

func settingsDetails(cfg *budget.TenantConfig) map[string]string {
	d := map[string]string{
		"max_budget":          formatFloat(cfg.MaxBudget),
		"alert_threshold_pct": formatFloat(cfg.AlertThresholdPct),
		"grace_threshold_pct": formatFloat(cfg.GraceThresholdPct),
		"budget_duration":     cfg.BudgetDuration.String(),
	}
	if !cfg.ResetAt.IsZero() {
		d["reset_at"] = cfg.ResetAt.UTC().Format(time.RFC3339)
	}
	if cfg.FailMode != "" {
		d["fail_mode"] = string(cfg.FailMode)
	}
	return d
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
