package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"mercator-hq/spendgate/pkg/budget"
)

// Config configures the Dispatcher.
type Config struct {
	// QueueSize is the number of pending notifications held before new
	// ones are dropped.
	// Default: 1024
	QueueSize int

	// Workers is the number of delivery goroutines.
	// Default: 2
	Workers int

	// SendTimeout bounds one delivery attempt on one channel.
	// Default: 10 seconds
	SendTimeout time.Duration

	// MarkerTimeout bounds marker store calls.
	// Default: 1 second
	MarkerTimeout time.Duration
}

type job struct {
	msg    Message
	marker string

	// generation is the tenant's clear generation at enqueue time.
	generation uint64
}

// Dispatcher delivers deduplicated notifications asynchronously.
//
// Dispatch and Alert only enqueue; workers take the (tenant, band) marker,
// then fan out to every channel. A channel failure never affects the other
// channels or the caller.
//
// Clear advances a per-tenant generation. A job enqueued before a Clear is
// still delivered but never leaves a marker behind, so a crossing after the
// Clear always notifies.
type Dispatcher struct {
	cfg      Config
	channels []Channel
	markers  MarkerStore
	metrics  *budget.Metrics
	logger   *slog.Logger
	now      func() time.Time

	queue  chan job
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	dropped atomic.Int64

	genMu       sync.Mutex
	generations map[string]uint64
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics records notification metrics.
func WithMetrics(m *budget.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a Dispatcher and starts its workers.
// Call Close to drain the queue and stop them.
func NewDispatcher(cfg Config, markers MarkerStore, channels []Channel, opts ...Option) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.MarkerTimeout <= 0 {
		cfg.MarkerTimeout = time.Second
	}

	d := &Dispatcher{
		cfg:      cfg,
		channels: channels,
		markers:  markers,
		logger:   slog.Default().With("component", "notify"),
		now:      time.Now,
		queue:    make(chan job, cfg.QueueSize),

		generations: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(d)
	}

	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Dispatch enqueues a band alert. Only WARNING and BLOCKED notify.
// It never blocks and never fails; a full queue drops the notification.
func (d *Dispatcher) Dispatch(tenantID string, band budget.Band, snapshot budget.Decision) {
	if band != budget.BandWarning && band != budget.BandBlocked {
		return
	}
	d.enqueue(job{
		msg:    bandMessage(tenantID, band, snapshot, d.now()),
		marker: string(band),
	})
}

// Alert enqueues an operational alert about a tenant. Operational alerts
// share one dedup slot per tenant.
func (d *Dispatcher) Alert(tenantID, text string) {
	d.enqueue(job{
		msg:    operationalMessage(tenantID, text, d.now()),
		marker: opsBand,
	})
}

// Clear removes every dedup marker of a tenant so the next upward crossing
// notifies again.
func (d *Dispatcher) Clear(ctx context.Context, tenantID string) {
	d.genMu.Lock()
	d.generations[tenantID]++
	d.genMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.MarkerTimeout)
	defer cancel()
	if err := d.markers.Clear(ctx, tenantID); err != nil {
		d.logger.Warn("failed to clear notification markers", "tenant_id", tenantID, "error", err)
	}
}

// Dropped returns how many notifications were dropped on a full queue.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Dispatcher) generation(tenantID string) uint64 {
	d.genMu.Lock()
	defer d.genMu.Unlock()
	return d.generations[tenantID]
}

func (d *Dispatcher) enqueue(j job) {
	j.generation = d.generation(j.msg.TenantID)

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.logger.Warn("dispatcher closed, dropping notification", "tenant_id", j.msg.TenantID, "marker", j.marker)
		return
	}

	select {
	case d.queue <- j:
	default:
		d.dropped.Add(1)
		d.metrics.RecordNotification("queue", "dropped")
		d.logger.Warn("notification queue full, dropping notification",
			"tenant_id", j.msg.TenantID,
			"marker", j.marker,
			"queue_size", d.cfg.QueueSize,
		)
	}
}

// Close stops accepting notifications, delivers what is queued and waits
// for the workers. Close is idempotent.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	return nil
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.queue {
		d.deliver(j)
	}
}

func (d *Dispatcher) deliver(j job) {
	tenantID := j.msg.TenantID

	if d.generation(tenantID) != j.generation {
		// Cleared while queued: the crossing happened, but its marker must
		// not outlive the Clear.
		d.send(j)
		return
	}

	mctx, cancel := context.WithTimeout(context.Background(), d.cfg.MarkerTimeout)
	acquired, err := d.markers.Acquire(mctx, tenantID, j.marker)
	cancel()
	if err != nil {
		// Without the marker store we cannot dedup; deliver rather than
		// silently miss the alert.
		d.logger.Warn("notification marker unavailable, delivering without dedup",
			"tenant_id", tenantID, "marker", j.marker, "error", err)
		acquired = true
	}
	if !acquired {
		d.metrics.RecordNotification("all", "suppressed")
		d.logger.Debug("notification suppressed by dedup marker", "tenant_id", tenantID, "marker", j.marker)
		return
	}

	if len(d.channels) == 0 {
		return
	}

	delivered := d.send(j)
	if delivered > 0 && d.generation(tenantID) == j.generation {
		return
	}

	// Nobody was told, or a Clear ran while the marker was held; let the
	// next crossing notify.
	rctx, cancel := context.WithTimeout(context.Background(), d.cfg.MarkerTimeout)
	defer cancel()
	if err := d.markers.Release(rctx, tenantID, j.marker); err != nil {
		d.logger.Warn("failed to release notification marker", "tenant_id", tenantID, "error", err)
	}
}

// send fans a job out to every channel and returns how many succeeded.
func (d *Dispatcher) send(j job) int {
	tenantID := j.msg.TenantID
	var (
		wg        sync.WaitGroup
		delivered atomic.Int32
	)
	for _, ch := range d.channels {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			if err := d.sendOne(ch, j.msg); err != nil {
				d.metrics.RecordNotification(ch.Name(), "failed")
				d.logger.Error("notification delivery failed",
					"channel", ch.Name(),
					"tenant_id", tenantID,
					"marker", j.marker,
					"error", err,
				)
				return
			}
			delivered.Add(1)
			d.metrics.RecordNotification(ch.Name(), "sent")
		}(ch)
	}
	wg.Wait()
	return int(delivered.Load())
}

func (d *Dispatcher) sendOne(ch Channel, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: channel panic: %v", budget.ErrNotificationFailed, r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
	defer cancel()
	return ch.Send(ctx, msg)
}
