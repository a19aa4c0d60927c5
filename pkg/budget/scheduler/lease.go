package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease is a mutual-exclusion lock with a TTL, so that only one process
// runs a tick at a time and a crashed holder does not block others forever.
type Lease interface {
	// Acquire tries to take the lease for ttl. It returns a token that must
	// be passed to Release, and false if another holder has it.
	Acquire(ctx context.Context, ttl time.Duration) (string, bool, error)

	// Release gives the lease up if token still holds it.
	Release(ctx context.Context, token string) error
}

// MemoryLease is a process-local Lease.
type MemoryLease struct {
	mu      sync.Mutex
	token   string
	expires time.Time
	now     func() time.Time
}

// NewMemoryLease creates a process-local lease.
func NewMemoryLease() *MemoryLease {
	return &MemoryLease{now: time.Now}
}

// Acquire implements Lease.
func (l *MemoryLease) Acquire(_ context.Context, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.token != "" && now.Before(l.expires) {
		return "", false, nil
	}
	l.token = uuid.NewString()
	l.expires = now.Add(ttl)
	return l.token, true, nil
}

// Release implements Lease.
func (l *MemoryLease) Release(_ context.Context, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token == token {
		l.token = ""
	}
	return nil
}

// releaseScript deletes the lease key only if it still holds our token.
// KEYS[1] = lease key
// ARGV[1] = token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a Lease shared by every process using the same Redis key.
type RedisLease struct {
	client redis.UniversalClient
	key    string
}

// NewRedisLease creates a Redis-backed lease on key.
// Default key: "spendgate:scheduler:lease"
func NewRedisLease(client redis.UniversalClient, key string) *RedisLease {
	if key == "" {
		key = "spendgate:scheduler:lease"
	}
	return &RedisLease{client: client, key: key}
}

// Acquire implements Lease.
func (l *RedisLease) Acquire(ctx context.Context, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release implements Lease.
func (l *RedisLease) Release(ctx context.Context, token string) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, token).Err()
}
