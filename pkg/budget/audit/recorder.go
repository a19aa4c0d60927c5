package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mercator-hq/spendgate/pkg/budget"
	"mercator-hq/spendgate/pkg/budget/storage"
)

// ErrRecorderClosed is returned by Append after Close.
var ErrRecorderClosed = errors.New("audit recorder closed")

// Config contains configuration for the audit recorder.
type Config struct {
	// AsyncBuffer is the size of the async write channel buffer.
	// Default: 1000
	AsyncBuffer int

	// EnqueueTimeout is how long Append waits for buffer space.
	// Default: 50ms
	EnqueueTimeout time.Duration

	// WriteTimeout is the timeout for one write to one store.
	// Default: 5 seconds
	WriteTimeout time.Duration

	// MaxRetries is how many times a failed store write is retried.
	// Default: 3
	MaxRetries int

	// RetryBackoff is the initial delay between retries; it doubles.
	// Default: 100ms
	RetryBackoff time.Duration
}

// DefaultConfig returns the default recorder configuration.
func DefaultConfig() *Config {
	return &Config{
		AsyncBuffer:    1000,
		EnqueueTimeout: 50 * time.Millisecond,
		WriteTimeout:   5 * time.Second,
		MaxRetries:     3,
		RetryBackoff:   100 * time.Millisecond,
	}
}

// Recorder is the audit sink. Append assigns an id and timestamp and
// enqueues the entry; a background worker writes it to every store. Record
// writes in the caller's goroutine for entries that must not be lost.
type Recorder struct {
	stores     []Store
	reader     storage.AuditRepository
	config     *Config
	recordChan chan *budget.AuditEntry
	wg         sync.WaitGroup
	done       chan struct{}
	closeOnce  sync.Once
	logger     *slog.Logger
	now        func() time.Time
}

// NewRecorder creates a recorder writing to stores. reader serves Query and
// may be nil.
func NewRecorder(config *Config, reader storage.AuditRepository, stores ...Store) *Recorder {
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.AsyncBuffer <= 0 {
		config.AsyncBuffer = def.AsyncBuffer
	}
	if config.EnqueueTimeout <= 0 {
		config.EnqueueTimeout = def.EnqueueTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = def.RetryBackoff
	}

	r := &Recorder{
		stores:     stores,
		reader:     reader,
		config:     config,
		recordChan: make(chan *budget.AuditEntry, config.AsyncBuffer),
		done:       make(chan struct{}),
		logger:     slog.Default().With("component", "audit.recorder"),
		now:        time.Now,
	}

	r.wg.Add(1)
	go r.worker()

	names := make([]string, 0, len(stores))
	for _, s := range stores {
		names = append(names, s.Name())
	}
	r.logger.Info("audit recorder initialized",
		"async_buffer", config.AsyncBuffer,
		"write_timeout", config.WriteTimeout,
		"stores", names,
	)
	return r
}

func (r *Recorder) prepare(entry *budget.AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now()
	}
	if entry.Actor == "" {
		entry.Actor = budget.SystemActor
	}
}

// Append implements budget.AuditSink. It returns once the entry is queued,
// not when it is written.
func (r *Recorder) Append(ctx context.Context, entry budget.AuditEntry) error {
	r.prepare(&entry)

	select {
	case <-r.done:
		return ErrRecorderClosed
	default:
	}

	timer := time.NewTimer(r.config.EnqueueTimeout)
	defer timer.Stop()

	select {
	case r.recordChan <- &entry:
		return nil
	case <-timer.C:
		r.logger.Error("audit channel full, dropping entry",
			"audit_id", entry.ID,
			"tenant_id", entry.TenantID,
			"operation", entry.Operation,
			"channel_capacity", r.config.AsyncBuffer,
		)
		return fmt.Errorf("audit entry %s dropped: %w", entry.ID, context.DeadlineExceeded)
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrRecorderClosed
	}
}

// Record implements budget.AuditSink. It writes the entry to every store
// before returning and fails, wrapping budget.ErrStateUnavailable, only if
// no store accepted it. A store failing next to a successful one is logged.
func (r *Recorder) Record(ctx context.Context, entry budget.AuditEntry) error {
	r.prepare(&entry)

	select {
	case <-r.done:
		return fmt.Errorf("%w: %w", budget.ErrStateUnavailable, ErrRecorderClosed)
	default:
	}

	var errs []error
	for _, store := range r.stores {
		if err := r.writeWithRetry(ctx, store, &entry); err != nil {
			r.logger.Error("failed to record audit entry",
				"store", store.Name(),
				"audit_id", entry.ID,
				"tenant_id", entry.TenantID,
				"operation", entry.Operation,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
		}
	}
	if len(r.stores) > 0 && len(errs) == len(r.stores) {
		return fmt.Errorf("%w: audit entry %s not recorded: %w", budget.ErrStateUnavailable, entry.ID, errors.Join(errs...))
	}
	return nil
}

// Query returns the newest audit entries of a tenant.
func (r *Recorder) Query(ctx context.Context, tenantID string, limit int) ([]*budget.AuditEntry, error) {
	if r.reader == nil {
		return nil, fmt.Errorf("audit queries are not supported without a storage reader")
	}
	return r.reader.ListAudit(ctx, tenantID, limit)
}

// Close stops accepting entries, writes the queued ones and waits for the
// worker. Close is idempotent.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		r.logger.Info("shutting down audit recorder")
		close(r.done)
		r.wg.Wait()
		r.logger.Info("audit recorder shut down complete")
	})
	return nil
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	for {
		select {
		case entry := <-r.recordChan:
			r.writeEntry(entry)

		case <-r.done:
			r.logger.Info("draining audit channel before shutdown",
				"pending_count", len(r.recordChan),
			)
			for {
				select {
				case entry := <-r.recordChan:
					r.writeEntry(entry)
				default:
					return
				}
			}
		}
	}
}

// writeEntry writes an entry to every store, retrying each independently.
func (r *Recorder) writeEntry(entry *budget.AuditEntry) {
	for _, store := range r.stores {
		start := time.Now()
		err := r.writeWithRetry(context.Background(), store, entry)
		duration := time.Since(start)

		if err != nil {
			r.logger.Error("failed to write audit entry",
				"store", store.Name(),
				"audit_id", entry.ID,
				"tenant_id", entry.TenantID,
				"operation", entry.Operation,
				"error", err,
			)
			continue
		}

		r.logger.Debug("audit entry written",
			"store", store.Name(),
			"audit_id", entry.ID,
			"operation", entry.Operation,
			"duration_ms", duration.Milliseconds(),
		)
		if duration > r.config.WriteTimeout/2 {
			r.logger.Warn("slow audit write",
				"store", store.Name(),
				"audit_id", entry.ID,
				"duration_ms", duration.Milliseconds(),
			)
		}
	}
}

func (r *Recorder) writeWithRetry(parent context.Context, store Store, entry *budget.AuditEntry) error {
	backoff := r.config.RetryBackoff
	var err error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-parent.Done():
				return errors.Join(err, parent.Err())
			}
			backoff *= 2
		}
		ctx, cancel := context.WithTimeout(parent, r.config.WriteTimeout)
		err = store.Write(ctx, entry)
		cancel()
		if err == nil {
			return nil
		}
	}
	return err
}
