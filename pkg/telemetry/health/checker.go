// Package health provides liveness, readiness and version endpoints.
//
// Readiness runs every registered check concurrently, each bounded by the
// checker's timeout. A failing critical check (storage) makes the service
// unready; a failing non-critical check (Redis, which the service can run
// without) only reports it as degraded.
package health

import (
	"context"
	"sync"
	"time"
)

// Status values reported by the checker.
const (
	StatusOK        = "ok"
	StatusReady     = "ready"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckFunc performs a health check for a component. It returns nil if the
// component is healthy.
type CheckFunc func(ctx context.Context) error

// Pinger is implemented by storage backends and clients that can be pinged.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck adapts a Pinger to a CheckFunc.
func PingCheck(p Pinger) CheckFunc {
	return p.Ping
}

// CheckResult represents the result of a single health check.
type CheckResult struct {
	// Status is "ok" or "unhealthy".
	Status string `json:"status"`

	// Critical reports whether a failure makes the service unready.
	Critical bool `json:"critical"`

	// Message describes the failure.
	Message string `json:"message,omitempty"`

	// DurationMs is how long the check took.
	DurationMs float64 `json:"duration_ms"`
}

// HealthStatus represents the overall health status of the service.
type HealthStatus struct {
	// Status is "ok" (liveness) or "ready", "degraded", "unhealthy".
	Status string `json:"status"`

	// Checks contains the status of individual components.
	Checks map[string]CheckResult `json:"checks,omitempty"`

	// Timestamp is when the health check was performed.
	Timestamp time.Time `json:"timestamp"`
}

type registered struct {
	check    CheckFunc
	critical bool
}

// Checker manages health checks for service components.
type Checker struct {
	mu           sync.RWMutex
	checks       map[string]registered
	checkTimeout time.Duration
}

// New creates a health checker. If checkTimeout is 0, each check is
// bounded by 2 seconds.
func New(checkTimeout time.Duration) *Checker {
	if checkTimeout <= 0 {
		checkTimeout = 2 * time.Second
	}
	return &Checker{
		checks:       make(map[string]registered),
		checkTimeout: checkTimeout,
	}
}

// RegisterCheck registers a check whose failure makes the service unready.
// A check with the same name is replaced.
func (c *Checker) RegisterCheck(name string, check CheckFunc) {
	c.register(name, check, true)
}

// RegisterOptionalCheck registers a check whose failure only degrades the
// service.
func (c *Checker) RegisterOptionalCheck(name string, check CheckFunc) {
	c.register(name, check, false)
}

func (c *Checker) register(name string, check CheckFunc, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = registered{check: check, critical: critical}
}

// CheckLiveness reports that the process is running.
func (c *Checker) CheckLiveness(context.Context) HealthStatus {
	return HealthStatus{Status: StatusOK, Timestamp: time.Now()}
}

// CheckReadiness runs all registered checks concurrently and aggregates
// their results.
func (c *Checker) CheckReadiness(ctx context.Context) HealthStatus {
	c.mu.RLock()
	checks := make(map[string]registered, len(c.checks))
	for name, r := range c.checks {
		checks[name] = r
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(checks))
	var resultMu sync.Mutex
	var wg sync.WaitGroup

	for name, r := range checks {
		wg.Add(1)
		go func(name string, r registered) {
			defer wg.Done()
			result := c.runCheck(ctx, r)

			resultMu.Lock()
			results[name] = result
			resultMu.Unlock()
		}(name, r)
	}
	wg.Wait()

	status := StatusReady
	for _, result := range results {
		if result.Status != StatusUnhealthy {
			continue
		}
		if result.Critical {
			status = StatusUnhealthy
			break
		}
		status = StatusDegraded
	}

	return HealthStatus{
		Status:    status,
		Checks:    results,
		Timestamp: time.Now(),
	}
}

// runCheck executes a single check, abandoning it at the timeout.
func (c *Checker) runCheck(ctx context.Context, r registered) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	start := time.Now()
	errChan := make(chan error, 1)
	go func() {
		errChan <- r.check(checkCtx)
	}()

	result := CheckResult{Status: StatusOK, Critical: r.critical}
	select {
	case err := <-errChan:
		if err != nil {
			result.Status = StatusUnhealthy
			result.Message = err.Error()
		}
	case <-checkCtx.Done():
		result.Status = StatusUnhealthy
		result.Message = "health check timeout"
	}
	result.DurationMs = float64(time.Since(start).Microseconds()) / 1000
	return result
}

// ListChecks returns the names of all registered checks.
func (c *Checker) ListChecks() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	return names
}
