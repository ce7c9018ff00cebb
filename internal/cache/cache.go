// Package cache provides a Redis-backed key/value cache for provider
// responses. It falls back to process memory when Redis is unavailable.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"sitebuilder/internal/metrics"
)

// ErrCacheMiss is returned by Get when the key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// RedisClient is the subset of Redis used by the cache.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Close() error
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Config holds cache configuration.
type Config struct {
	Name           string
	DefaultTTL     time.Duration
	MaxMemoryItems int
}

// DefaultConfig caches stock searches for a day.
func DefaultConfig() Config {
	return Config{
		Name:           "stock",
		DefaultTTL:     24 * time.Hour,
		MaxMemoryItems: 1000,
	}
}

// Cache stores values in Redis when a client is configured and in memory
// otherwise or when Redis errors.
type Cache struct {
	cfg   Config
	redis RedisClient
	now   func() time.Time

	mu  sync.RWMutex
	mem map[string]entry

	statsMu sync.Mutex
	hits    int64
	misses  int64

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache. client may be nil.
func New(cfg Config, client RedisClient) *Cache {
	def := DefaultConfig()
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.MaxMemoryItems <= 0 {
		cfg.MaxMemoryItems = def.MaxMemoryItems
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	c := &Cache{
		cfg:   cfg,
		redis: client,
		now:   time.Now,
		mem:   make(map[string]entry),
		stop:  make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get returns the value stored under key.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	if c.redis != nil {
		if val, err := c.redis.Get(ctx, key); err == nil {
			c.record(true)
			return []byte(val), nil
		}
	}

	c.mu.RLock()
	e, ok := c.mem[key]
	c.mu.RUnlock()
	if !ok || c.now().After(e.expiresAt) {
		if ok {
			c.mu.Lock()
			delete(c.mem, key)
			c.mu.Unlock()
		}
		c.record(false)
		return nil, ErrCacheMiss
	}
	c.record(true)
	return e.value, nil
}

// Set stores value under key. A zero ttl uses the default.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	if c.redis != nil {
		if err := c.redis.Set(ctx, key, string(value), ttl); err == nil {
			return nil
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.mem[key]; !exists && len(c.mem) >= c.cfg.MaxMemoryItems {
		c.evictLocked()
	}
	c.mem[key] = entry{value: value, expiresAt: c.now().Add(ttl)}
	return nil
}

// Delete removes key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) error {
	var err error
	if c.redis != nil {
		err = c.redis.Del(ctx, key)
	}
	c.mu.Lock()
	delete(c.mem, key)
	c.mu.Unlock()
	return err
}

// GetJSON decodes the value stored under key into dest.
func (c *Cache) GetJSON(ctx context.Context, key string, dest any) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// SetJSON encodes value and stores it under key.
func (c *Cache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, data, ttl)
}

// Stats holds cache statistics.
type Stats struct {
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRatio   float64 `json:"hit_ratio"`
	MemorySize int     `json:"memory_size"`
	Redis      bool    `json:"redis"`
}

// Stats returns hit and miss counters.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	hits, misses := c.hits, c.misses
	c.statsMu.Unlock()

	c.mu.RLock()
	size := len(c.mem)
	c.mu.RUnlock()

	var ratio float64
	if total := hits + misses; total > 0 {
		ratio = float64(hits) / float64(total)
	}
	return Stats{Hits: hits, Misses: misses, HitRatio: ratio, MemorySize: size, Redis: c.redis != nil}
}

// Close stops the cleanup loop and closes the Redis client.
func (c *Cache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.redis != nil {
		return c.redis.Close()
	}
	return nil
}

func (c *Cache) record(hit bool) {
	c.statsMu.Lock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	c.statsMu.Unlock()
	metrics.Get().RecordCacheOperation(c.cfg.Name, hit)
}

// evictLocked drops expired entries, then arbitrary ones, until a tenth of
// the capacity is free.
func (c *Cache) evictLocked() {
	toEvict := c.cfg.MaxMemoryItems / 10
	if toEvict < 1 {
		toEvict = 1
	}
	now := c.now()
	evicted := 0
	for k, e := range c.mem {
		if evicted >= toEvict {
			return
		}
		if now.After(e.expiresAt) {
			delete(c.mem, k)
			evicted++
		}
	}
	for k := range c.mem {
		if evicted >= toEvict {
			return
		}
		delete(c.mem, k)
		evicted++
	}
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *Cache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.mem {
		if now.After(e.expiresAt) {
			delete(c.mem, k)
		}
	}
}

// StockSearchKey is the key of one provider search.
func StockSearchKey(provider, query string, count int) string {
	return fmt.Sprintf("stock:%s:%d:%s", provider, count, strings.ToLower(strings.TrimSpace(query)))
}
