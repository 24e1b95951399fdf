// Package cache provides a two-tier cache for hot consultation results:
// an in-process Ristretto L1 backed by an optional shared Redis L2.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Tiered reads through L1 then L2 and writes to both. A nil Redis client
// degrades to L1 only.
type Tiered struct {
	l1     *ristretto.Cache[string, []byte]
	l2     *redis.Client
	ttl    time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	metrics Metrics
}

// Metrics counts hits and misses per tier.
type Metrics struct {
	L1Hits   int64
	L1Misses int64
	L2Hits   int64
	L2Misses int64
}

// NewTiered creates the cache. maxCost bounds the L1 byte budget, ttl
// applies to both tiers.
func NewTiered(maxCost int64, ttl time.Duration, rdb *redis.Client, logger *zap.Logger) (*Tiered, error) {
	if maxCost <= 0 {
		maxCost = 64 << 20
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	l1, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 100_000,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create l1 cache: %w", err)
	}
	return &Tiered{
		l1:     l1,
		l2:     rdb,
		ttl:    ttl,
		logger: logger.Named("cache"),
	}, nil
}

// Get returns the cached bytes and whether they were found. L2 hits are
// promoted to L1.
func (c *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	if data, ok := c.l1.Get(key); ok {
		c.count(func(m *Metrics) { m.L1Hits++ })
		return data, true
	}
	c.count(func(m *Metrics) { m.L1Misses++ })

	if c.l2 == nil {
		return nil, false
	}
	data, err := c.l2.Get(ctx, key).Bytes()
	if err != nil || len(data) == 0 {
		c.count(func(m *Metrics) { m.L2Misses++ })
		return nil, false
	}
	c.count(func(m *Metrics) { m.L2Hits++ })
	c.l1.SetWithTTL(key, data, int64(len(data)), c.ttl)
	return data, true
}

// Set writes both tiers. The L2 write is fire-and-forget so callers never
// block on Redis.
func (c *Tiered) Set(ctx context.Context, key string, data []byte) {
	c.l1.SetWithTTL(key, data, int64(len(data)), c.ttl)
	if c.l2 == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.l2.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Debug("l2 set failed", zap.String("key", key), zap.Error(err))
		}
	}()
}

// Delete drops the key from both tiers.
func (c *Tiered) Delete(ctx context.Context, key string) {
	c.l1.Del(key)
	if c.l2 != nil {
		if err := c.l2.Del(ctx, key).Err(); err != nil {
			c.logger.Debug("l2 delete failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// GetOrCompute returns the cached value or computes and caches it.
func (c *Tiered) GetOrCompute(ctx context.Context, key string, fn func() ([]byte, error)) ([]byte, error) {
	if data, ok := c.Get(ctx, key); ok {
		return data, nil
	}
	data, err := fn()
	if err != nil {
		return nil, err
	}
	c.Set(ctx, key, data)
	return data, nil
}

// Stats returns a snapshot of the counters.
func (c *Tiered) Stats() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Tiered) count(f func(*Metrics)) {
	c.mu.Lock()
	f(&c.metrics)
	c.mu.Unlock()
}

// Close releases the L1 cache. The Redis client is owned by the caller.
func (c *Tiered) Close() {
	c.l1.Close()
}

// BriefKey builds the cache key for a consultation brief. The query is
// hashed so arbitrary text cannot grow keys without bound.
func BriefKey(namespace, query string) string {
	sum := sha256.Sum256([]byte(query))
	return "brief:" + namespace + ":" + hex.EncodeToString(sum[:16])
}
