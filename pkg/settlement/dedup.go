package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupRegistry remembers which oracle request references have already been
// consumed, so duplicate callback deliveries are dropped before they touch
// the state machine.
type DedupRegistry interface {
	// MarkProcessed records requestRef and reports whether this was the
	// first time it was seen.
	MarkProcessed(ctx context.Context, requestRef string) (first bool, err error)
}

// MemDedup is a process-local DedupRegistry.
type MemDedup struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemDedup creates an empty registry.
func NewMemDedup() *MemDedup {
	return &MemDedup{seen: make(map[string]struct{})}
}

func (d *MemDedup) MarkProcessed(ctx context.Context, requestRef string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[requestRef]; ok {
		return false, nil
	}
	d.seen[requestRef] = struct{}{}
	return true, nil
}

// RedisDedup is a DedupRegistry shared across replicas. SETNX makes exactly
// one replica the winner for a given request reference.
type RedisDedup struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDedup creates a registry on an existing client. Entries expire
// after ttl; duplicates older than that are already impossible because the
// settlement itself is terminal by then.
func NewRedisDedup(client *redis.Client, ttl time.Duration) *RedisDedup {
	return &RedisDedup{client: client, ttl: ttl}
}

func (d *RedisDedup) MarkProcessed(ctx context.Context, requestRef string) (bool, error) {
	return d.client.SetNX(ctx, "cropledger:callback:"+requestRef, 1, d.ttl).Result()
}
