package scorer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// Cache stores cross-validation scores for a limited time.
type Cache interface {
	Get(ctx context.Context, key string) (float64, bool, error)
	Set(ctx context.Context, key string, score float64, ttl time.Duration) error
}

type memEntry struct {
	score   float64
	expires time.Time
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memEntry), now: time.Now}
}

// Get returns the cached score if it has not expired.
func (c *MemoryCache) Get(_ context.Context, key string) (float64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return 0, false, nil
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return 0, false, nil
	}
	return e.score, true, nil
}

// Set stores score under key for ttl.
func (c *MemoryCache) Set(_ context.Context, key string, score float64, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memEntry{score: score, expires: c.now().Add(ttl)}
	return nil
}

const redisKeyPrefix = "policy-engine:xval:"

// RedisCache shares cross-validation scores between processes.
type RedisCache struct {
	client redis.UniversalClient
}

// RedisOptions configures NewRedisCache.
type RedisOptions struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// NewRedisCache connects a RedisCache. The connection is lazy; errors
// surface on first use.
func NewRedisCache(opts RedisOptions) *RedisCache {
	return &RedisCache{client: redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})}
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

// Get reads a score. A missing key is a miss, not an error.
func (c *RedisCache) Get(ctx context.Context, key string) (float64, bool, error) {
	v, err := c.client.Get(ctx, redisKeyPrefix+key).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, eris.Wrap(err, "scorer: redis get")
	}
	return v, true, nil
}

// Set writes a score with expiry.
func (c *RedisCache) Set(ctx context.Context, key string, score float64, ttl time.Duration) error {
	if err := c.client.Set(ctx, redisKeyPrefix+key, score, ttl).Err(); err != nil {
		return eris.Wrap(err, "scorer: redis set")
	}
	return nil
}

// Ping checks the connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return eris.Wrap(c.client.Ping(ctx).Err(), "scorer: redis ping")
}

// Close releases the connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
