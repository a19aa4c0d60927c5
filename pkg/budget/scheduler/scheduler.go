// Package scheduler runs periodic budget maintenance and administrative
// override operations.
//
// A Tick resets every tenant whose period boundary has passed and prunes
// long-expired overrides. Both reset steps are compare-and-set writes, so
// overlapping ticks from several replicas converge on a single reset per
// boundary even when the lease is lost mid-tick.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"mercator-hq/spendgate/pkg/budget"
	"mercator-hq/spendgate/pkg/budget/storage"
)

// Notifier is the part of the notification dispatcher the scheduler uses.
type Notifier interface {
	Clear(ctx context.Context, tenantID string)
	Alert(tenantID, text string)
}

type nopNotifier struct{}

func (nopNotifier) Clear(context.Context, string) {}
func (nopNotifier) Alert(string, string)          {}

// Config configures the Scheduler.
type Config struct {
	// Schedule is a cron expression or descriptor for Start.
	// Default: "@every 1m"
	Schedule string

	// Parallelism bounds concurrent tenant resets within a tick.
	// Default: 8
	Parallelism int

	// TenantTimeout bounds the storage calls for one tenant.
	// Default: 5 seconds
	TenantTimeout time.Duration

	// FailureAlertThreshold is the number of consecutive failed resets of a
	// tenant that raises an operational alert. Zero disables alerts.
	// Default: 3
	FailureAlertThreshold int

	// OverrideRetention is how long expired overrides are kept before
	// pruning. Zero disables pruning.
	OverrideRetention time.Duration

	// LeaseTTL is how long a tick holds the lease.
	// Default: 1 minute
	LeaseTTL time.Duration
}

// Repositories are the collaborators the scheduler mutates.
type Repositories struct {
	Configs   storage.TenantConfigRepository
	States    storage.SpendStateRepository
	Overrides storage.OverrideRepository
}

// TickResult summarizes one tick.
type TickResult struct {
	// Skipped is set when another holder had the lease.
	Skipped bool

	Due    int
	Reset  int
	Failed int
	Pruned int
}

// Scheduler resets tenant periods and prunes overrides.
type Scheduler struct {
	cfg      Config
	repos    Repositories
	lease    Lease
	notifier Notifier
	audit    budget.AuditSink
	metrics  *budget.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time

	failMu   sync.Mutex
	failures map[string]int

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLease replaces the process-local lease.
func WithLease(l Lease) Option {
	return func(s *Scheduler) { s.lease = l }
}

// WithNotifier sets the notifier used to clear markers and raise alerts.
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// WithAuditSink sets the audit sink.
func WithAuditSink(a budget.AuditSink) Option {
	return func(s *Scheduler) { s.audit = a }
}

// WithMetrics records scheduler metrics.
func WithMetrics(m *budget.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock replaces time.Now for scheduled ticks.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler.
func New(cfg Config, repos Repositories, opts ...Option) *Scheduler {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	if cfg.TenantTimeout <= 0 {
		cfg.TenantTimeout = 5 * time.Second
	}
	if cfg.FailureAlertThreshold < 0 {
		cfg.FailureAlertThreshold = 0
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Minute
	}

	s := &Scheduler{
		cfg:      cfg,
		repos:    repos,
		lease:    NewMemoryLease(),
		notifier: nopNotifier{},
		audit:    budget.NopAuditSink{},
		tracer:   otel.Tracer("mercator-hq/spendgate/scheduler"),
		logger:   slog.Default().With("component", "scheduler"),
		now:      time.Now,
		failures: make(map[string]int),
		cron:     cron.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tick runs one maintenance pass as of now. Per-tenant failures are logged
// and retried on the next tick; Tick only returns an error when it could
// not run at all.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (*TickResult, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.Tick")
	defer span.End()

	token, ok, err := s.lease.Acquire(ctx, s.cfg.LeaseTTL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lease")
		return nil, fmt.Errorf("acquire scheduler lease: %w", err)
	}
	if !ok {
		s.logger.Debug("scheduler lease held elsewhere, skipping tick")
		return &TickResult{Skipped: true}, nil
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := s.lease.Release(rctx, token); err != nil {
			s.logger.Warn("failed to release scheduler lease", "error", err)
		}
	}()

	due, err := s.repos.Configs.ListDueForReset(ctx, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list due")
		return nil, fmt.Errorf("list tenants due for reset: %w", err)
	}

	result := &TickResult{Due: len(due)}
	var resMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for _, cfg := range due {
		g.Go(func() error {
			reset, err := s.resetTenant(gctx, cfg, now)
			resMu.Lock()
			defer resMu.Unlock()
			switch {
			case err != nil:
				result.Failed++
			case reset:
				result.Reset++
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Pruned = s.prune(ctx, now)

	span.SetAttributes(
		attribute.Int("scheduler.due", result.Due),
		attribute.Int("scheduler.reset", result.Reset),
		attribute.Int("scheduler.failed", result.Failed),
		attribute.Int("scheduler.pruned", result.Pruned),
	)
	if result.Due > 0 || result.Pruned > 0 {
		s.logger.Info("scheduler tick completed",
			"due", result.Due,
			"reset", result.Reset,
			"failed", result.Failed,
			"pruned", result.Pruned,
		)
	}
	return result, nil
}

// boundaries returns the latest period boundary at or before now and the
// one after it. Missed periods collapse into a single reset.
func boundaries(resetAt time.Time, duration time.Duration, now time.Time) (latest, next time.Time) {
	latest = resetAt
	if duration <= 0 {
		return latest, latest
	}
	if elapsed := now.Sub(resetAt); elapsed >= duration {
		latest = resetAt.Add(elapsed / duration * duration)
	}
	return latest, latest.Add(duration)
}

// resetTenant starts a new period for one tenant. It reports whether this
// call performed the reset.
func (s *Scheduler) resetTenant(ctx context.Context, cfg *budget.TenantConfig, now time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TenantTimeout)
	defer cancel()

	logger := s.logger.With("tenant_id", cfg.TenantID)
	boundary, next := boundaries(cfg.ResetAt, cfg.BudgetDuration, now)

	zeroed, err := s.repos.States.ResetPeriod(ctx, cfg.TenantID, boundary)
	if err != nil {
		s.recordFailure(cfg.TenantID, err)
		return false, err
	}

	advanced, err := s.repos.Configs.AdvanceResetAt(ctx, cfg.TenantID, cfg.ResetAt, next)
	if err != nil {
		s.recordFailure(cfg.TenantID, err)
		return false, err
	}
	s.clearFailures(cfg.TenantID)

	if !advanced {
		s.metrics.RecordReset("skipped")
		logger.Debug("reset boundary already advanced by another writer", "reset_at", cfg.ResetAt)
		return false, nil
	}

	s.metrics.RecordReset("reset")
	s.notifier.Clear(ctx, cfg.TenantID)

	logger.Info("budget period reset",
		"period_start", boundary,
		"next_reset_at", next,
		"spend_zeroed", zeroed,
	)

	entry := budget.AuditEntry{
		TenantID:  cfg.TenantID,
		Operation: budget.AuditBudgetReset,
		Actor:     budget.SystemActor,
		Details: map[string]string{
			"period_start":  boundary.UTC().Format(time.RFC3339),
			"next_reset_at": next.UTC().Format(time.RFC3339),
			"spend_zeroed":  fmt.Sprintf("%t", zeroed),
		},
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		// The reset stands; the background writer retries the entry.
		logger.Error("failed to record budget reset", "error", err)
		if err := s.audit.Append(context.WithoutCancel(ctx), entry); err != nil {
			logger.Error("failed to queue budget reset audit entry", "error", err)
		}
	}
	return true, nil
}

func (s *Scheduler) recordFailure(tenantID string, err error) {
	s.metrics.RecordReset("failed")

	s.failMu.Lock()
	s.failures[tenantID]++
	count := s.failures[tenantID]
	s.failMu.Unlock()

	s.logger.Error("budget reset failed",
		"tenant_id", tenantID,
		"consecutive_failures", count,
		"error", err,
	)

	if threshold := s.cfg.FailureAlertThreshold; threshold > 0 && count >= threshold {
		s.notifier.Alert(tenantID, fmt.Sprintf(
			"Scheduled budget reset for tenant %s has failed %d consecutive times; spend is not being reset.",
			tenantID, count))
	}
}

func (s *Scheduler) clearFailures(tenantID string) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	delete(s.failures, tenantID)
}

// ConsecutiveFailures returns the current failure streak of a tenant.
func (s *Scheduler) ConsecutiveFailures(tenantID string) int {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failures[tenantID]
}

func (s *Scheduler) prune(ctx context.Context, now time.Time) int {
	if s.cfg.OverrideRetention <= 0 {
		return 0
	}
	n, err := s.repos.Overrides.PruneExpired(ctx, now.Add(-s.cfg.OverrideRetention))
	if err != nil {
		s.logger.Error("failed to prune expired overrides", "error", err)
		return 0
	}
	s.metrics.RecordPruned(n)
	return n
}

// Start runs Tick on the configured schedule until ctx is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Tick(ctx, s.now()); err != nil {
			s.logger.Error("scheduled tick failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.cfg.Schedule, err)
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("scheduler started",
		"schedule", s.cfg.Schedule,
		"parallelism", s.cfg.Parallelism,
		"override_retention", s.cfg.OverrideRetention,
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop stops the schedule and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("scheduler stopped")
}

// IsRunning reports whether the schedule is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled tick, or nil if not started.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if !s.running || len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
