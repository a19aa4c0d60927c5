package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/spendgate/pkg/budget"
	"mercator-hq/spendgate/pkg/budget/storage"
)

// Config configures the admission engine.
type Config struct {
	// HotPathTimeout bounds every repository call made by Evaluate and
	// ApplyEvent.
	// Default: 100ms
	HotPathTimeout time.Duration

	// MaxCASRetries is how many version conflicts ApplyEvent tolerates
	// before giving up.
	// Default: 5
	MaxCASRetries int

	// FailMode is returned by Evaluate when state cannot be read.
	// Tenants may override it in their configuration.
	// Default: open
	FailMode budget.FailMode
}

// Repositories are the collaborators the engine reads and writes.
type Repositories struct {
	Configs   storage.TenantConfigRepository
	States    storage.SpendStateRepository
	Overrides storage.OverrideRepository
}

// Engine evaluates admission and applies spend events.
// It is safe for concurrent use.
type Engine struct {
	cfg       Config
	configs   storage.TenantConfigRepository
	states    storage.SpendStateRepository
	overrides storage.OverrideRepository
	metrics   *budget.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithMetrics records engine metrics.
func WithMetrics(m *budget.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine.
func New(cfg Config, repos Repositories, opts ...Option) *Engine {
	if cfg.HotPathTimeout <= 0 {
		cfg.HotPathTimeout = 100 * time.Millisecond
	}
	if cfg.MaxCASRetries <= 0 {
		cfg.MaxCASRetries = 5
	}
	if cfg.FailMode == "" {
		cfg.FailMode = budget.FailOpen
	}

	e := &Engine{
		cfg:       cfg,
		configs:   repos.Configs,
		states:    repos.States,
		overrides: repos.Overrides,
		tracer:    otel.Tracer("mercator-hq/spendgate/engine"),
		logger:    slog.Default().With("component", "engine"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now returns the engine clock.
func (e *Engine) Now() time.Time {
	return e.now()
}

// HotPathTimeout returns the configured repository deadline.
func (e *Engine) HotPathTimeout() time.Duration {
	return e.cfg.HotPathTimeout
}

// Evaluate returns the admission decision for a tenant. It never mutates
// state and never returns an error: when the repositories fail or time out
// the fail mode answers instead.
func (e *Engine) Evaluate(ctx context.Context, tenantID string) budget.Decision {
	start := e.now()
	ctx, span := e.tracer.Start(ctx, "engine.Evaluate", trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.HotPathTimeout)
	defer cancel()

	cfg, err := e.configs.GetConfig(ctx, tenantID)
	switch {
	case errors.Is(err, budget.ErrTenantNotFound):
		cfg = nil
	case err != nil:
		return e.degraded(span, tenantID, e.cfg.FailMode, err)
	}

	state, err := e.states.GetState(ctx, tenantID)
	if err != nil {
		return e.degraded(span, tenantID, e.failModeFor(cfg), err)
	}

	now := e.now()
	var override *budget.Override
	if cfg != nil && !cfg.Unlimited() {
		override, err = e.overrides.ActiveOverride(ctx, tenantID, now)
		if err != nil {
			return e.degraded(span, tenantID, e.failModeFor(cfg), err)
		}
	}

	d := Decide(cfg, state, override, now)
	span.SetAttributes(
		attribute.String("budget.band", string(d.Band)),
		attribute.Bool("budget.allowed", d.Allowed),
		attribute.Float64("budget.percentage_used", d.PercentageUsed),
	)
	e.metrics.RecordAdmission(d, e.now().Sub(start))
	return d
}

func (e *Engine) failModeFor(cfg *budget.TenantConfig) budget.FailMode {
	if cfg != nil && cfg.FailMode != "" {
		return cfg.FailMode
	}
	return e.cfg.FailMode
}

// degraded builds the fail-mode decision. The cause is logged, never
// returned to the caller.
func (e *Engine) degraded(span trace.Span, tenantID string, mode budget.FailMode, cause error) budget.Decision {
	span.RecordError(cause)
	span.SetStatus(codes.Error, "state unavailable")
	e.metrics.RecordFailMode(mode)

	e.logger.Warn("budget state unavailable, applying fail mode",
		"tenant_id", tenantID,
		"fail_mode", mode,
		"error", cause,
	)

	if mode == budget.FailClosed {
		return budget.Decision{
			Allowed:  false,
			Band:     budget.BandBlocked,
			Degraded: true,
			Reason:   "Budget status could not be verified; usage is paused until it can be. Retry shortly.",
		}
	}
	return budget.Decision{
		Allowed:  true,
		Band:     budget.BandNormal,
		Degraded: true,
		Reason:   "Budget status could not be verified; usage admitted.",
	}
}

// ApplyEvent folds a spend event into the tenant's state using optimistic
// concurrency and returns the band transition it caused.
//
// Spend in the event is an absolute total, so applying the same event twice
// leaves the same state. Events older than the newest applied one are
// ignored. Errors wrap budget.ErrStateUnavailable.
func (e *Engine) ApplyEvent(ctx context.Context, event *budget.SpendEvent) (*budget.Transition, error) {
	start := e.now()
	ctx, span := e.tracer.Start(ctx, "engine.ApplyEvent", trace.WithAttributes(
		attribute.String("tenant.id", event.TenantID),
		attribute.String("event.id", event.EventID),
	))
	defer span.End()
	defer func() { e.metrics.RecordApply(e.now().Sub(start)) }()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.HotPathTimeout)
	defer cancel()

	cfg, err := e.configs.GetConfig(ctx, event.TenantID)
	if errors.Is(err, budget.ErrTenantNotFound) {
		cfg = nil
	} else if err != nil {
		return nil, e.unavailable(span, "read config", err)
	}

	spend := event.Spend
	if spend < 0 {
		spend = 0
	}

	for attempt := 0; attempt <= e.cfg.MaxCASRetries; attempt++ {
		now := e.now()

		var override *budget.Override
		if cfg != nil && !cfg.Unlimited() {
			override, err = e.overrides.ActiveOverride(ctx, event.TenantID, now)
			if err != nil {
				return nil, e.unavailable(span, "read override", err)
			}
		}

		current, err := e.states.GetState(ctx, event.TenantID)
		if err != nil {
			return nil, e.unavailable(span, "read state", err)
		}

		from := Decide(cfg, current, override, now).Band

		var next budget.SpendState
		if current == nil {
			next = budget.SpendState{
				TenantID:      event.TenantID,
				CurrentSpend:  spend,
				Version:       1,
				PeriodStart:   now,
				LastEventAt:   event.OccurredAt,
				LastUpdatedAt: now,
			}
			err = e.states.CreateState(ctx, &next)
		} else {
			if !event.OccurredAt.IsZero() && event.OccurredAt.Before(current.LastEventAt) {
				d := Decide(cfg, current, override, now)
				e.logger.Debug("ignoring out-of-order spend event",
					"tenant_id", event.TenantID,
					"event_id", event.EventID,
					"occurred_at", event.OccurredAt,
					"last_event_at", current.LastEventAt,
				)
				return &budget.Transition{From: from, To: from, Decision: d}, nil
			}

			next = *current
			next.CurrentSpend = spend
			next.Version = current.Version + 1
			next.LastUpdatedAt = now
			if event.OccurredAt.After(current.LastEventAt) {
				next.LastEventAt = event.OccurredAt
			}
			err = e.states.CompareAndSwapState(ctx, &next, current.Version)
		}

		if errors.Is(err, budget.ErrVersionConflict) {
			e.metrics.RecordCASConflict()
			continue
		}
		if err != nil {
			return nil, e.unavailable(span, "write state", err)
		}

		d := Decide(cfg, &next, override, now)
		tr := &budget.Transition{From: from, To: d.Band, Decision: d, Applied: true}
		if tr.From != tr.To {
			e.metrics.RecordTransition(tr.From, tr.To)
		}
		span.SetAttributes(
			attribute.String("budget.from", string(tr.From)),
			attribute.String("budget.to", string(tr.To)),
			attribute.Int("cas.attempts", attempt+1),
		)
		return tr, nil
	}

	return nil, e.unavailable(span, "write state",
		fmt.Errorf("%w after %d attempts", budget.ErrVersionConflict, e.cfg.MaxCASRetries+1))
}

func (e *Engine) unavailable(span trace.Span, op string, cause error) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, op)
	return fmt.Errorf("%w: %s: %w", budget.ErrStateUnavailable, op, cause)
}
