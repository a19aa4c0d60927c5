package budget

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for the admission engine and its
// supporting workers. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Admission checks
	admissionChecks *prometheus.CounterVec
	failModeHits    *prometheus.CounterVec
	checkDuration   *prometheus.HistogramVec

	// Ingestion
	eventsIngested *prometheus.CounterVec
	casConflicts   prometheus.Counter
	transitions    *prometheus.CounterVec

	// Notifications
	notifications *prometheus.CounterVec

	// Scheduler
	resets            *prometheus.CounterVec
	schedulerFailures prometheus.Counter
	overridesPruned   prometheus.Counter
}

// NewMetrics creates and registers the collectors on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		admissionChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spendgate_admission_checks_total",
				Help: "Total number of admission checks by resulting band",
			},
			[]string{"band", "allowed"},
		),

		failModeHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spendgate_admission_fail_mode_total",
				Help: "Admission checks answered by the fail mode because state was unavailable",
			},
			[]string{"mode"},
		),

		checkDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spendgate_hot_path_duration_seconds",
				Help:    "Latency of hot-path operations",
				Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .2, .5},
			},
			[]string{"operation"},
		),

		eventsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spendgate_events_ingested_total",
				Help: "Spend events received by type and outcome",
			},
			[]string{"event_type", "outcome"},
		),

		casConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "spendgate_state_cas_conflicts_total",
				Help: "Optimistic concurrency conflicts on spend state",
			},
		),

		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spendgate_band_transitions_total",
				Help: "Band transitions observed while applying spend events",
			},
			[]string{"from", "to"},
		),

		notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spendgate_notifications_total",
				Help: "Notifications by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),

		resets: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spendgate_budget_resets_total",
				Help: "Scheduled budget resets by outcome",
			},
			[]string{"outcome"},
		),

		schedulerFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "spendgate_scheduler_tenant_failures_total",
				Help: "Per-tenant failures during scheduler ticks",
			},
		),

		overridesPruned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "spendgate_overrides_pruned_total",
				Help: "Expired overrides removed by housekeeping",
			},
		),
	}
}

// RecordAdmission records the outcome of an admission check.
func (m *Metrics) RecordAdmission(d Decision, duration time.Duration) {
	if m == nil {
		return
	}
	allowed := "false"
	if d.Allowed {
		allowed = "true"
	}
	m.admissionChecks.WithLabelValues(d.Band.Lower(), allowed).Inc()
	m.checkDuration.WithLabelValues("evaluate").Observe(duration.Seconds())
}

// RecordFailMode records an admission answered without stored state.
func (m *Metrics) RecordFailMode(mode FailMode) {
	if m == nil {
		return
	}
	m.failModeHits.WithLabelValues(string(mode)).Inc()
}

// RecordApply records the latency of a state update.
func (m *Metrics) RecordApply(duration time.Duration) {
	if m == nil {
		return
	}
	m.checkDuration.WithLabelValues("apply_event").Observe(duration.Seconds())
}

// RecordEvent records an ingested event. Outcome is one of accepted,
// duplicate, rejected or error.
func (m *Metrics) RecordEvent(eventType EventType, outcome string) {
	if m == nil {
		return
	}
	m.eventsIngested.WithLabelValues(string(eventType), outcome).Inc()
}

// RecordCASConflict records a version conflict on spend state.
func (m *Metrics) RecordCASConflict() {
	if m == nil {
		return
	}
	m.casConflicts.Inc()
}

// RecordTransition records a band change.
func (m *Metrics) RecordTransition(from, to Band) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from.Lower(), to.Lower()).Inc()
}

// RecordNotification records a notification outcome: sent, failed,
// suppressed or dropped.
func (m *Metrics) RecordNotification(channel, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, outcome).Inc()
}

// RecordReset records a scheduled reset outcome: reset, skipped or failed.
func (m *Metrics) RecordReset(outcome string) {
	if m == nil {
		return
	}
	m.resets.WithLabelValues(outcome).Inc()
	if outcome == "failed" {
		m.schedulerFailures.Inc()
	}
}

// RecordPruned records removed overrides.
func (m *Metrics) RecordPruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.overridesPruned.Add(float64(n))
}
