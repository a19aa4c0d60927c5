package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"mercator-hq/spendgate/pkg/budget"
)

// MemoryStore implements Store using in-memory maps.
// All data is lost when the process exits.
//
// MemoryStore is thread-safe and returns copies, so callers can never
// mutate stored rows in place.
type MemoryStore struct {
	mu sync.RWMutex

	configs   map[string]*budget.TenantConfig
	states    map[string]*budget.SpendState
	overrides map[string]*budget.Override
	events    map[eventKey]*budget.SpendEvent
	audit     map[string][]*budget.AuditEntry
}

type eventKey struct {
	tenantID string
	eventID  string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs:   make(map[string]*budget.TenantConfig),
		states:    make(map[string]*budget.SpendState),
		overrides: make(map[string]*budget.Override),
		events:    make(map[eventKey]*budget.SpendEvent),
		audit:     make(map[string][]*budget.AuditEntry),
	}
}

// GetConfig implements TenantConfigRepository.
func (m *MemoryStore) GetConfig(ctx context.Context, tenantID string) (*budget.TenantConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, ok := m.configs[tenantID]
	if !ok {
		return nil, budget.ErrTenantNotFound
	}
	c := *cfg
	return &c, nil
}

// PutConfig implements TenantConfigRepository.
func (m *MemoryStore) PutConfig(ctx context.Context, cfg *budget.TenantConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *cfg
	now := time.Now()
	if existing, ok := m.configs[cfg.TenantID]; ok {
		c.CreatedAt = existing.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	m.configs[cfg.TenantID] = &c
	return nil
}

// ListConfigs implements TenantConfigRepository.
func (m *MemoryStore) ListConfigs(ctx context.Context) ([]*budget.TenantConfig, error) {
	return m.filterConfigs(ctx, func(*budget.TenantConfig) bool { return true })
}

// ListDueForReset implements TenantConfigRepository.
func (m *MemoryStore) ListDueForReset(ctx context.Context, now time.Time) ([]*budget.TenantConfig, error) {
	return m.filterConfigs(ctx, func(c *budget.TenantConfig) bool {
		return c.BudgetDuration > 0 && !c.ResetAt.IsZero() && !c.ResetAt.After(now)
	})
}

func (m *MemoryStore) filterConfigs(ctx context.Context, keep func(*budget.TenantConfig) bool) ([]*budget.TenantConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*budget.TenantConfig, 0, len(m.configs))
	for _, cfg := range m.configs {
		if keep(cfg) {
			c := *cfg
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

// AdvanceResetAt implements TenantConfigRepository.
func (m *MemoryStore) AdvanceResetAt(ctx context.Context, tenantID string, old, next time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[tenantID]
	if !ok {
		return false, budget.ErrTenantNotFound
	}
	if !cfg.ResetAt.Equal(old) {
		return false, nil
	}
	c := *cfg
	c.ResetAt = next
	c.UpdatedAt = time.Now()
	m.configs[tenantID] = &c
	return true, nil
}

// GetState implements SpendStateRepository.
func (m *MemoryStore) GetState(ctx context.Context, tenantID string) (*budget.SpendState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.states[tenantID]
	if !ok {
		return nil, nil
	}
	s := *st
	return &s, nil
}

// CreateState implements SpendStateRepository.
func (m *MemoryStore) CreateState(ctx context.Context, state *budget.SpendState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.states[state.TenantID]; ok {
		return budget.ErrVersionConflict
	}
	s := *state
	m.states[state.TenantID] = &s
	return nil
}

// CompareAndSwapState implements SpendStateRepository.
func (m *MemoryStore) CompareAndSwapState(ctx context.Context, state *budget.SpendState, expected int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.states[state.TenantID]
	if !ok || current.Version != expected {
		return budget.ErrVersionConflict
	}
	s := *state
	m.states[state.TenantID] = &s
	return nil
}

// ResetPeriod implements SpendStateRepository.
func (m *MemoryStore) ResetPeriod(ctx context.Context, tenantID string, boundary time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.states[tenantID]
	if !ok || !current.PeriodStart.Before(boundary) {
		return false, nil
	}
	s := *current
	s.CurrentSpend = 0
	s.Version++
	s.PeriodStart = boundary
	s.LastEventAt = boundary
	s.LastUpdatedAt = time.Now()
	m.states[tenantID] = &s
	return true, nil
}

// CreateOverride implements OverrideRepository.
func (m *MemoryStore) CreateOverride(ctx context.Context, o *budget.Override) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *o
	m.overrides[o.ID] = &c
	return nil
}

// GetOverride implements OverrideRepository.
func (m *MemoryStore) GetOverride(ctx context.Context, id string) (*budget.Override, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.overrides[id]
	if !ok {
		return nil, budget.ErrOverrideNotFound
	}
	c := *o
	return &c, nil
}

// ActiveOverride implements OverrideRepository.
func (m *MemoryStore) ActiveOverride(ctx context.Context, tenantID string, now time.Time) (*budget.Override, error) {
	list, err := m.ListOverrides(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for _, o := range list {
		if o.Active(now) {
			return o, nil
		}
	}
	return nil, nil
}

// ExpireOverride implements OverrideRepository.
func (m *MemoryStore) ExpireOverride(ctx context.Context, id string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.overrides[id]
	if !ok {
		return false, budget.ErrOverrideNotFound
	}
	if !o.Active(at) {
		return false, nil
	}
	c := *o
	c.ExpiresAt = at
	m.overrides[id] = &c
	return true, nil
}

// ListOverrides implements OverrideRepository.
func (m *MemoryStore) ListOverrides(ctx context.Context, tenantID string) ([]*budget.Override, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*budget.Override
	for _, o := range m.overrides {
		if o.TenantID == tenantID {
			c := *o
			out = append(out, &c)
		}
	}
	sortOverrides(out)
	return out, nil
}

// PruneExpired implements OverrideRepository.
func (m *MemoryStore) PruneExpired(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for id, o := range m.overrides {
		if o.ExpiresAt.Before(before) {
			delete(m.overrides, id)
			pruned++
		}
	}
	return pruned, nil
}

// EventExists implements EventRepository.
func (m *MemoryStore) EventExists(ctx context.Context, tenantID, eventID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.events[eventKey{tenantID, eventID}]
	return ok, nil
}

// RecordEvent implements EventRepository.
func (m *MemoryStore) RecordEvent(ctx context.Context, event *budget.SpendEvent) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := eventKey{event.TenantID, event.EventID}
	if _, ok := m.events[key]; ok {
		return false, nil
	}
	e := *event
	m.events[key] = &e
	return true, nil
}

// AppendAudit implements AuditRepository.
func (m *MemoryStore) AppendAudit(ctx context.Context, entry *budget.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e := *entry
	m.audit[entry.TenantID] = append(m.audit[entry.TenantID], &e)
	return nil
}

// ListAudit implements AuditRepository.
func (m *MemoryStore) ListAudit(ctx context.Context, tenantID string, limit int) ([]*budget.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.audit[tenantID]
	out := make([]*budget.AuditEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		e := *entries[i]
		out = append(out, &e)
	}
	return out, nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}

// sortOverrides orders newest first, breaking created_at ties by id.
func sortOverrides(list []*budget.Override) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID > list[j].ID
	})
}
