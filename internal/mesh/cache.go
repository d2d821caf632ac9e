package mesh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Faultbox/meshlive/internal/logger"
)

// Cache stores validated buffers keyed by CacheKey. Lookups that fail for
// any reason are misses; the kernel is then invoked as usual.
type Cache interface {
	Get(ctx context.Context, key string) (*Buffers, bool)
	Put(ctx context.Context, key string, buf *Buffers)
}

// CacheKey identifies a build by source content and parameters.
func CacheKey(sourceHash string, params Params) string {
	return sourceHash + "|" + params.Key()
}

// MemoryCache keeps the most recently stored entries in process.
type MemoryCache struct {
	mu      sync.Mutex
	max     int
	entries map[string]*Buffers
	order   []string // insertion order, oldest first
}

// NewMemoryCache creates a cache holding at most max entries.
func NewMemoryCache(max int) *MemoryCache {
	if max <= 0 {
		max = 16
	}
	return &MemoryCache{
		max:     max,
		entries: make(map[string]*Buffers),
	}
}

// Get returns the buffers stored under key.
func (c *MemoryCache) Get(_ context.Context, key string) (*Buffers, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.entries[key]
	return buf, ok
}

// Put stores buf under key, evicting the oldest entry when full.
// Stored buffers are treated as read-only.
func (c *MemoryCache) Put(_ context.Context, key string, buf *Buffers) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = buf

	for len(c.order) > c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// Len returns the number of cached entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RedisCache shares build results between processes through Redis.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	log    *zap.Logger
}

// NewRedisCache wraps client. Entries expire after ttl (0 keeps them).
func NewRedisCache(client redis.UniversalClient, prefix string, ttl time.Duration, log *zap.Logger) *RedisCache {
	if prefix == "" {
		prefix = "meshlive:mesh:"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl, log: logger.OrNop(log)}
}

// Get fetches and decodes an entry.
func (c *RedisCache) Get(ctx context.Context, key string) (*Buffers, bool) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("mesh cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	var buf Buffers
	if err := sonic.Unmarshal(data, &buf); err != nil {
		c.log.Warn("mesh cache entry corrupt", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &buf, true
}

// Put encodes and stores an entry. Failures are logged and ignored.
func (c *RedisCache) Put(ctx context.Context, key string, buf *Buffers) {
	data, err := sonic.Marshal(buf)
	if err != nil {
		c.log.Warn("mesh cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		c.log.Warn("mesh cache write failed", zap.String("key", key), zap.Error(err))
	}
}
