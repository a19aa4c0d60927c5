package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"mercator-hq/spendgate/pkg/budget"
)

// opsBand is the marker slot used for operational alerts.
const opsBand = "OPS"

// markerBands lists every slot a tenant can hold a marker in.
var markerBands = []string{string(budget.BandWarning), string(budget.BandBlocked), opsBand}

// MarkerStore holds notification dedup markers keyed by (tenant, band).
type MarkerStore interface {
	// Acquire sets the marker if absent and reports whether this caller
	// set it. An existing unexpired marker means "already notified".
	Acquire(ctx context.Context, tenantID, band string) (bool, error)

	// Release removes a single marker.
	Release(ctx context.Context, tenantID, band string) error

	// Clear removes every marker of a tenant.
	Clear(ctx context.Context, tenantID string) error
}

func markerKey(tenantID, band string) string {
	return tenantID + "|" + band
}

// MemoryMarkerStore keeps markers in a bounded, expiring LRU.
// Markers are lost on restart, which at worst repeats one notification.
type MemoryMarkerStore struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, struct{}]
}

// NewMemoryMarkerStore creates a store whose markers live for ttl.
func NewMemoryMarkerStore(size int, ttl time.Duration) *MemoryMarkerStore {
	if size <= 0 {
		size = 100000
	}
	return &MemoryMarkerStore{
		cache: expirable.NewLRU[string, struct{}](size, nil, ttl),
	}
}

// Acquire implements MarkerStore.
func (m *MemoryMarkerStore) Acquire(_ context.Context, tenantID, band string) (bool, error) {
	key := markerKey(tenantID, band)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache.Contains(key) {
		return false, nil
	}
	m.cache.Add(key, struct{}{})
	return true, nil
}

// Release implements MarkerStore.
func (m *MemoryMarkerStore) Release(_ context.Context, tenantID, band string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Remove(markerKey(tenantID, band))
	return nil
}

// Clear implements MarkerStore.
func (m *MemoryMarkerStore) Clear(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, band := range markerBands {
		m.cache.Remove(markerKey(tenantID, band))
	}
	return nil
}

// RedisMarkerStore shares markers across replicas with SET NX PX.
type RedisMarkerStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisMarkerStore creates a Redis-backed marker store.
func NewRedisMarkerStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisMarkerStore {
	if prefix == "" {
		prefix = "spendgate:notify:"
	}
	return &RedisMarkerStore{client: client, prefix: prefix, ttl: ttl}
}

// key hash-tags the tenant so Clear's multi-key DEL stays in one cluster slot.
func (r *RedisMarkerStore) key(tenantID, band string) string {
	return r.prefix + "{" + tenantID + "}|" + band
}

// Acquire implements MarkerStore.
func (r *RedisMarkerStore) Acquire(ctx context.Context, tenantID, band string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(tenantID, band), time.Now().Unix(), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set notification marker: %w", err)
	}
	return ok, nil
}

// Release implements MarkerStore.
func (r *RedisMarkerStore) Release(ctx context.Context, tenantID, band string) error {
	if err := r.client.Del(ctx, r.key(tenantID, band)).Err(); err != nil {
		return fmt.Errorf("failed to delete notification marker: %w", err)
	}
	return nil
}

// Clear implements MarkerStore.
func (r *RedisMarkerStore) Clear(ctx context.Context, tenantID string) error {
	keys := make([]string, 0, len(markerBands))
	for _, band := range markerBands {
		keys = append(keys, r.key(tenantID, band))
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear notification markers: %w", err)
	}
	return nil
}
