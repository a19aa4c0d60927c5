package storage

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"mercator-hq/spendgate/pkg/budget"
)

// ConfigCache wraps a TenantConfigRepository with a bounded, expiring
// in-process cache of tenant configurations. Writes through the cache
// invalidate the cached entry; writes that bypass it become visible after
// the TTL.
//
// A load that overlaps an invalidation is returned but not cached, so a
// configuration read before a write can never outlive it.
type ConfigCache struct {
	TenantConfigRepository
	cache *expirable.LRU[string, budget.TenantConfig]

	mu    sync.Mutex
	epoch uint64 // advanced by every invalidation
}

// NewConfigCache creates a cache holding at most size entries for ttl.
func NewConfigCache(repo TenantConfigRepository, size int, ttl time.Duration) *ConfigCache {
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &ConfigCache{
		TenantConfigRepository: repo,
		cache:                  expirable.NewLRU[string, budget.TenantConfig](size, nil, ttl),
	}
}

// GetConfig returns a cached configuration or loads it from the wrapped
// repository. Missing tenants are not cached.
func (c *ConfigCache) GetConfig(ctx context.Context, tenantID string) (*budget.TenantConfig, error) {
	if cfg, ok := c.cache.Get(tenantID); ok {
		return &cfg, nil
	}
	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()

	cfg, err := c.TenantConfigRepository.GetConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.epoch == epoch {
		c.cache.Add(tenantID, *cfg)
	}
	c.mu.Unlock()
	return cfg, nil
}

// PutConfig writes through and invalidates the cached entry.
func (c *ConfigCache) PutConfig(ctx context.Context, cfg *budget.TenantConfig) error {
	defer c.Invalidate(cfg.TenantID)
	return c.TenantConfigRepository.PutConfig(ctx, cfg)
}

// AdvanceResetAt writes through and invalidates the cached entry.
func (c *ConfigCache) AdvanceResetAt(ctx context.Context, tenantID string, old, next time.Time) (bool, error) {
	defer c.Invalidate(tenantID)
	return c.TenantConfigRepository.AdvanceResetAt(ctx, tenantID, old, next)
}

// Invalidate drops a tenant from the cache and keeps loads already in
// flight from caching what they read.
func (c *ConfigCache) Invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.cache.Remove(tenantID)
}

// Len returns the number of cached entries.
func (c *ConfigCache) Len() int {
	return c.cache.Len()
}
