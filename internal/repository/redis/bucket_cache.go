package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"banking-gateway/internal/client"
	"banking-gateway/internal/ratelimit"
	"banking-gateway/internal/util"
)

const rateLimitPrefix = "rate_limit:"

// BucketCache stores token-bucket state as JSON under rate_limit:<bucketKey>.
type BucketCache struct {
	client client.KVStore
}

var _ ratelimit.BucketStore = (*BucketCache)(nil)

func NewBucketCache(client client.KVStore) *BucketCache {
	return &BucketCache{client: client}
}

func (c *BucketCache) Load(ctx context.Context, key string) (ratelimit.State, bool, error) {
	raw, err := c.client.Get(ctx, rateLimitPrefix+key)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return ratelimit.State{}, false, nil
		}
		return ratelimit.State{}, false, fmt.Errorf("failed to load rate limit bucket: %w", err)
	}

	var state ratelimit.State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		// A corrupt entry is treated as absent; the next save overwrites it.
		util.Warn("Discarding unreadable rate limit bucket",
			zap.String("key", key),
			zap.Error(err))
		return ratelimit.State{}, false, nil
	}
	return state, true, nil
}

func (c *BucketCache) Save(ctx context.Context, key string, state ratelimit.State, ttl time.Duration) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal rate limit bucket: %w", err)
	}
	if err := c.client.Set(ctx, rateLimitPrefix+key, string(data), ttl); err != nil {
		return fmt.Errorf("failed to save rate limit bucket: %w", err)
	}
	util.Debug("Rate limit bucket saved",
		zap.String("key", key),
		zap.Float64("tokens", state.Tokens),
		zap.Duration("ttl", ttl))
	return nil
}

func (c *BucketCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, rateLimitPrefix+key); err != nil {
		return fmt.Errorf("failed to delete rate limit bucket: %w", err)
	}
	return nil
}

func (c *BucketCache) Exists(ctx context.Context, key string) (bool, error) {
	exists, err := c.client.Exists(ctx, rateLimitPrefix+key)
	if err != nil {
		return false, fmt.Errorf("failed to check rate limit bucket: %w", err)
	}
	return exists, nil
}
