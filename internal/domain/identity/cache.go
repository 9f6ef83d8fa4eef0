package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProviderCache holds the public provider directory between registrations.
type ProviderCache interface {
	// Get reports a miss with ok == false and a nil error.
	Get(ctx context.Context) (providers []PublicProfile, ok bool, err error)
	Set(ctx context.Context, providers []PublicProfile) error
	Invalidate(ctx context.Context) error
}

const providerCacheKey = "clinicflow:directory:providers"

// RedisProviderCache stores the directory as one JSON value with a TTL.
type RedisProviderCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisProviderCache(rdb redis.Cmdable, ttl time.Duration) *RedisProviderCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisProviderCache{rdb: rdb, ttl: ttl}
}

func (c *RedisProviderCache) Get(ctx context.Context) ([]PublicProfile, bool, error) {
	raw, err := c.rdb.Get(ctx, providerCacheKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("provider cache get: %w", err)
	}
	var providers []PublicProfile
	if err := json.Unmarshal(raw, &providers); err != nil {
		return nil, false, fmt.Errorf("provider cache decode: %w", err)
	}
	return providers, true, nil
}

func (c *RedisProviderCache) Set(ctx context.Context, providers []PublicProfile) error {
	if providers == nil {
		providers = []PublicProfile{}
	}
	raw, err := json.Marshal(providers)
	if err != nil {
		return fmt.Errorf("provider cache encode: %w", err)
	}
	if err := c.rdb.Set(ctx, providerCacheKey, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("provider cache set: %w", err)
	}
	return nil
}

func (c *RedisProviderCache) Invalidate(ctx context.Context) error {
	if err := c.rdb.Del(ctx, providerCacheKey).Err(); err != nil {
		return fmt.Errorf("provider cache invalidate: %w", err)
	}
	return nil
}
