package selector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores selections by key. Implementations must be safe for
// concurrent use. A miss is reported as (Selection{}, false, nil).
type Cache interface {
	Get(ctx context.Context, key string) (Selection, bool, error)
	Set(ctx context.Context, key string, sel Selection, ttl time.Duration) error
}

// Compile-time interface assertions.
var (
	_ Cache = (*MemoryCache)(nil)
	_ Cache = (*RedisCache)(nil)
)

// ── Memory ───────────────────────────────────────────────────────────────────

type memoryEntry struct {
	sel     Selection
	expires time.Time
}

// MemoryCache is an in-process TTL cache. Expired entries are evicted lazily
// when read.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// MemoryOption configures a [MemoryCache].
type MemoryOption func(*MemoryCache)

// WithMemoryClock overrides the clock used for expiry.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) { c.now = now }
}

// NewMemoryCache returns an empty [MemoryCache].
func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the entry for key unless it has expired.
func (c *MemoryCache) Get(_ context.Context, key string) (Selection, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Selection{}, false, nil
	}
	if !c.now().Before(e.expires) {
		c.mu.Lock()
		// Re-check: a concurrent Set may have refreshed the entry.
		if cur, ok := c.entries[key]; ok && !c.now().Before(cur.expires) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return Selection{}, false, nil
	}
	return e.sel.clone(), true, nil
}

// Set stores sel under key until ttl elapses. A non-positive ttl is a no-op.
func (c *MemoryCache) Set(_ context.Context, key string, sel Selection, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	c.entries[key] = memoryEntry{sel: sel.clone(), expires: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// ── Redis ────────────────────────────────────────────────────────────────────

// RedisCache stores selections as JSON strings in Redis with SET ... EX.
type RedisCache struct {
	client redis.Cmdable
}

// NewRedisCache wraps client. The caller owns the client's lifecycle.
func NewRedisCache(client redis.Cmdable) (*RedisCache, error) {
	if client == nil {
		return nil, errors.New("selector: redis client must not be nil")
	}
	return &RedisCache{client: client}, nil
}

// Get implements [Cache].
func (c *RedisCache) Get(ctx context.Context, key string) (Selection, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Selection{}, false, nil
	}
	if err != nil {
		return Selection{}, false, fmt.Errorf("selector: redis get: %w", err)
	}
	var sel Selection
	if err := json.Unmarshal(raw, &sel); err != nil {
		return Selection{}, false, fmt.Errorf("selector: decode cached selection: %w", err)
	}
	return sel, true, nil
}

// Set implements [Cache].
func (c *RedisCache) Set(ctx context.Context, key string, sel Selection, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	body, err := json.Marshal(sel)
	if err != nil {
		return fmt.Errorf("selector: encode selection: %w", err)
	}
	if err := c.client.Set(ctx, key, body, ttl).Err(); err != nil {
		return fmt.Errorf("selector: redis set: %w", err)
	}
	return nil
}
