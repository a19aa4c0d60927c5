package tenants

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-applies a tenant seed file whenever it changes.
//
// It watches the file's directory rather than the file, so editors that
// replace the file by rename are still picked up.
type Watcher struct {
	path     string
	service  *Service
	actor    string
	watcher  *fsnotify.Watcher
	debounce *Debouncer
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher creates a watcher for path. Reloads are applied through
// service on behalf of actor.
func NewWatcher(path string, service *Service, actor string, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		path:     abs,
		service:  service,
		actor:    actor,
		watcher:  fw,
		debounce: NewDebouncer(debounce),
		logger:   slog.Default().With("component", "tenants.watcher", "path", abs),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Reload loads the file and applies it.
func (w *Watcher) Reload(ctx context.Context) (*ApplyResult, error) {
	cfgs, err := LoadFile(w.path)
	if err != nil {
		return nil, err
	}
	return w.service.Apply(ctx, cfgs, w.actor)
}

// Watch blocks, re-applying the file after each burst of changes, until
// ctx is cancelled or Stop is called. A failed reload keeps the previously
// applied configuration.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	defer close(w.doneCh)

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Info("tenant file watcher started")

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-w.stopCh:
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != w.path || event.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			w.logger.Debug("tenant file event", "op", event.Op.String())

			w.debounce.Trigger(func() {
				res, err := w.Reload(ctx)
				if err != nil {
					w.logger.Error("tenant file reload failed", "error", err)
					return
				}
				w.logger.Info("tenant file reloaded",
					"created", res.Created,
					"updated", res.Updated,
					"unchanged", res.Unchanged,
				)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("tenant file watcher error", "error", err)
		}
	}
}

// Stop stops a running Watch and releases the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	running := w.running
	w.running = false
	w.mu.Unlock()

	if running {
		close(w.stopCh)
		<-w.doneCh
	}
	w.debounce.Stop()
	return w.watcher.Close()
}

// Debouncer runs only the last callback of a burst, once the burst has
// been quiet for the interval.
type Debouncer struct {
	interval time.Duration
	timer    *time.Timer
	mu       sync.Mutex
	callback func()
	stopped  bool
}

// NewDebouncer creates a Debouncer.
func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{interval: interval}
}

// Trigger schedules callback, replacing any pending one.
func (d *Debouncer) Trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.callback = callback
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, func() {
		d.mu.Lock()
		cb := d.callback
		d.callback = nil
		stopped := d.stopped
		d.mu.Unlock()

		if cb != nil && !stopped {
			cb()
		}
	})
}

// Stop cancels any pending callback. Stop is idempotent.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.callback = nil
}
