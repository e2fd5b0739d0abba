// Package cache memoizes frame scores by image content hash. Scoring is a
// pure function of the bytes, so entries never need invalidation; the TTL
// only bounds memory.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/felipepmaragno/photo-router/internal/domain"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "score:"

// InMemoryScoreCache is a bounded in-process cache backed by ristretto.
type InMemoryScoreCache struct {
	c   *ristretto.Cache[string, domain.FrameScore]
	ttl time.Duration
}

// NewInMemoryScoreCache keeps at most maxEntries scores.
func NewInMemoryScoreCache(maxEntries int64, ttl time.Duration) (*InMemoryScoreCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, domain.FrameScore]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create score cache: %w", err)
	}
	return &InMemoryScoreCache{c: c, ttl: ttl}, nil
}

func (c *InMemoryScoreCache) Get(_ context.Context, key string) (domain.FrameScore, bool) {
	return c.c.Get(keyPrefix + key)
}

func (c *InMemoryScoreCache) Set(_ context.Context, key string, score domain.FrameScore) {
	c.c.SetWithTTL(keyPrefix+key, score, 1, c.ttl)
}

func (c *InMemoryScoreCache) Close() {
	c.c.Close()
}

// RedisScoreCache shares scores across instances.
type RedisScoreCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisScoreCache(client *redis.Client, ttl time.Duration) *RedisScoreCache {
	return &RedisScoreCache{client: client, ttl: ttl}
}

func (c *RedisScoreCache) Get(ctx context.Context, key string) (domain.FrameScore, bool) {
	data, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		return domain.FrameScore{}, false
	}

	var score domain.FrameScore
	if err := json.Unmarshal(data, &score); err != nil {
		return domain.FrameScore{}, false
	}
	return score, true
}

// Set is best effort; a failed write only costs a recomputation.
func (c *RedisScoreCache) Set(ctx context.Context, key string, score domain.FrameScore) {
	data, err := json.Marshal(score)
	if err != nil {
		return
	}
	c.client.Set(ctx, keyPrefix+key, data, c.ttl)
}
