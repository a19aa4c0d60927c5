// Package ingest accepts signed spend webhooks and folds them into tenant
// spend state.
//
// Only unauthenticated or malformed requests are rejected. Once a payload
// is authenticated and parsed, internal failures are logged and the request
// is still acknowledged, so senders never enter retry storms on a slow or
// degraded backend. Notifications are only enqueued and audit entries are
// handed off in the background, so neither delays the acknowledgment.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/spendgate/pkg/budget"
	"mercator-hq/spendgate/pkg/budget/storage"
)

// StatusAccepted is the only acknowledgment status.
const StatusAccepted = "accepted"

// Applier folds a spend event into tenant state.
type Applier interface {
	ApplyEvent(ctx context.Context, event *budget.SpendEvent) (*budget.Transition, error)
}

// Config configures the Ingestor.
type Config struct {
	// Secret is the shared HMAC key. Required.
	Secret []byte

	// Timeout bounds each event repository call.
	// Default: 100ms
	Timeout time.Duration
}

// AckResult is the acknowledgment returned for an accepted event.
type AckResult struct {
	Status    string      `json:"status"`
	EventID   string      `json:"-"`
	TenantID  string      `json:"-"`
	Duplicate bool        `json:"-"`
	Band      budget.Band `json:"-"`
}

// Ingestor validates, deduplicates and applies spend events.
type Ingestor struct {
	cfg      Config
	applier  Applier
	events   storage.EventRepository
	notifier budget.Notifier
	audit    budget.AuditSink
	metrics  *budget.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time

	wg sync.WaitGroup
}

// Option customizes an Ingestor.
type Option func(*Ingestor)

// WithNotifier sets the band notifier.
func WithNotifier(n budget.Notifier) Option {
	return func(i *Ingestor) { i.notifier = n }
}

// WithAuditSink sets the audit sink.
func WithAuditSink(a budget.AuditSink) Option {
	return func(i *Ingestor) { i.audit = a }
}

// WithMetrics records ingestion metrics.
func WithMetrics(m *budget.Metrics) Option {
	return func(i *Ingestor) { i.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(i *Ingestor) { i.now = now }
}

// New creates an Ingestor.
func New(cfg Config, applier Applier, events storage.EventRepository, opts ...Option) (*Ingestor, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Millisecond
	}

	i := &Ingestor{
		cfg:      cfg,
		applier:  applier,
		events:   events,
		notifier: budget.NopNotifier{},
		audit:    budget.NopAuditSink{},
		tracer:   otel.Tracer("mercator-hq/spendgate/ingest"),
		logger:   slog.Default().With("component", "ingest"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Ingest authenticates and applies one webhook body.
//
// It returns an error wrapping budget.ErrAuthenticationFailed or
// budget.ErrValidationFailed for requests that must be rejected, and an
// accepted AckResult otherwise, even when applying the event failed.
func (i *Ingestor) Ingest(ctx context.Context, rawBody []byte, signatureHeader string) (*AckResult, error) {
	ctx, span := i.tracer.Start(ctx, "ingest.Ingest")
	defer span.End()

	if err := VerifySignature(i.cfg.Secret, rawBody, signatureHeader); err != nil {
		span.SetStatus(codes.Error, "authentication failed")
		i.metrics.RecordEvent(budget.EventUnknown, "unauthenticated")
		i.logger.Warn("rejected webhook with invalid signature", "error", err)
		return nil, err
	}

	event, err := ParseEvent(rawBody, i.now())
	if err != nil {
		span.SetStatus(codes.Error, "validation failed")
		i.metrics.RecordEvent(budget.EventUnknown, "invalid")
		i.logger.Warn("rejected malformed webhook", "error", err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("tenant.id", event.TenantID),
		attribute.String("event.id", event.EventID),
		attribute.String("event.type", string(event.Type)),
	)
	ack := &AckResult{Status: StatusAccepted, EventID: event.EventID, TenantID: event.TenantID}

	if i.seen(ctx, event) {
		ack.Duplicate = true
		span.SetAttributes(attribute.Bool("event.duplicate", true))
		i.metrics.RecordEvent(event.Type, "duplicate")
		i.logger.Debug("duplicate spend event ignored", "tenant_id", event.TenantID, "event_id", event.EventID)
		return ack, nil
	}

	tr, err := i.applier.ApplyEvent(ctx, event)
	if err != nil {
		span.RecordError(err)
		i.metrics.RecordEvent(event.Type, "error")
		i.logger.Error("failed to apply spend event",
			"tenant_id", event.TenantID,
			"event_id", event.EventID,
			"error", err,
		)
		return ack, nil
	}
	ack.Band = tr.To

	i.record(ctx, event)

	if !tr.Applied {
		i.metrics.RecordEvent(event.Type, "stale")
		return ack, nil
	}
	i.metrics.RecordEvent(event.Type, "applied")

	if tr.From != tr.To {
		i.notify(ctx, event.TenantID, tr)
		i.wg.Add(1)
		go i.afterTransition(context.WithoutCancel(ctx), event, tr)
	}
	return ack, nil
}

// Wait blocks until transition audit entries started so far have been
// handed to the audit sink.
func (i *Ingestor) Wait() {
	i.wg.Wait()
}

// seen reports whether the event was already recorded. A failed lookup
// counts as unseen: spend is an absolute total, so reapplying is harmless.
func (i *Ingestor) seen(ctx context.Context, event *budget.SpendEvent) bool {
	ctx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
	defer cancel()

	exists, err := i.events.EventExists(ctx, event.TenantID, event.EventID)
	if err != nil {
		i.logger.Warn("event dedup lookup failed, applying event",
			"tenant_id", event.TenantID,
			"event_id", event.EventID,
			"error", err,
		)
		return false
	}
	return exists
}

func (i *Ingestor) record(ctx context.Context, event *budget.SpendEvent) {
	ctx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
	defer cancel()

	inserted, err := i.events.RecordEvent(ctx, event)
	switch {
	case err != nil:
		i.logger.Warn("failed to record spend event",
			"tenant_id", event.TenantID,
			"event_id", event.EventID,
			"error", err,
		)
	case !inserted:
		i.logger.Debug("spend event recorded concurrently", "tenant_id", event.TenantID, "event_id", event.EventID)
	}
}

// notify runs in request order so a downward Clear is never overtaken by
// the Dispatch of an earlier crossing. Dispatch only enqueues; Clear is
// bounded by the repository timeout.
func (i *Ingestor) notify(ctx context.Context, tenantID string, tr *budget.Transition) {
	switch {
	case tr.Upward():
		i.notifier.Dispatch(tenantID, tr.To, tr.Decision)
	case tr.Downward():
		ctx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
		defer cancel()
		i.notifier.Clear(ctx, tenantID)
	}
}

func (i *Ingestor) afterTransition(ctx context.Context, event *budget.SpendEvent, tr *budget.Transition) {
	defer i.wg.Done()

	i.logger.Info("budget band changed",
		"tenant_id", event.TenantID,
		"from", tr.From,
		"to", tr.To,
		"percentage_used", tr.Decision.PercentageUsed,
	)

	err := i.audit.Append(ctx, budget.AuditEntry{
		TenantID:  event.TenantID,
		Operation: budget.AuditBandTransition,
		Actor:     budget.SystemActor,
		Details: map[string]string{
			"from":             string(tr.From),
			"to":               string(tr.To),
			"event_id":         event.EventID,
			"event_type":       string(event.Type),
			"spend":            formatAmount(tr.Decision.Spend),
			"effective_budget": formatAmount(tr.Decision.EffectiveBudget),
			"percentage_used":  formatAmount(tr.Decision.PercentageUsed),
		},
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		i.logger.Error("failed to audit band transition",
			"tenant_id", event.TenantID,
			"event_id", event.EventID,
			"error", err,
		)
	}
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
