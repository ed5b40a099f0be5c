package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// addendumModes are the modes cached per user
var addendumModes = []string{"private", "public"}

// sharedTier is the cross-process part of RedisClient the addendum cache uses
type sharedTier interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// AddendumCache caches rendered addenda per user and mode. The in-process
// tier answers first; Redis, when configured, shares payloads between
// engine processes.
type AddendumCache struct {
	local  *KeyedMemo[string]
	shared sharedTier
	ttl    time.Duration
	logger *zap.Logger
}

// NewAddendumCache creates a new addendum cache instance. redis may be nil.
func NewAddendumCache(redis *RedisClient, ttl time.Duration, logger *zap.Logger) *AddendumCache {
	return &AddendumCache{
		local:  NewKeyedMemo[string](ttl),
		shared: redis,
		ttl:    ttl,
		logger: logger,
	}
}

func addendumKey(userID, mode string) string {
	return fmt.Sprintf("%s:%s", userID, mode)
}

func redisAddendumKey(userID, mode string) string {
	return fmt.Sprintf("engine:addendum:%s:%s", userID, mode)
}

// GetOrBuild returns the cached addendum for (user, mode) or builds it.
// Redis failures degrade to the local tier.
func (c *AddendumCache) GetOrBuild(ctx context.Context, userID, mode string, build func(context.Context) (string, error)) (string, error) {
	key := addendumKey(userID, mode)
	if v, ok := c.local.Peek(key); ok {
		return v, nil
	}

	gen := c.local.Generation()
	var shared string
	err := c.shared.Get(ctx, redisAddendumKey(userID, mode), &shared)
	if err == nil {
		c.local.Store(key, shared, gen)
		return shared, nil
	}
	if !errors.Is(err, ErrMiss) {
		c.logger.Debug("redis addendum read failed", zap.String("user_id", userID), zap.Error(err))
	}

	return c.local.GetOrCompute(ctx, key, func(ctx context.Context) (string, error) {
		payload, err := build(ctx)
		if err != nil {
			return "", err
		}
		c.publish(ctx, userID, mode, payload, gen)
		return payload, nil
	})
}

// publish writes a freshly built payload to the shared tier unless an
// invalidation ran since gen. The check is repeated after the write so an
// invalidation landing in between cannot leave the stale payload behind.
func (c *AddendumCache) publish(ctx context.Context, userID, mode, payload string, gen uint64) {
	if !c.local.Unchanged(gen) {
		return
	}
	key := redisAddendumKey(userID, mode)
	if err := c.shared.Set(ctx, key, payload, c.ttl); err != nil {
		c.logger.Debug("redis addendum write failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if !c.local.Unchanged(gen) {
		if err := c.shared.Delete(ctx, key); err != nil {
			c.logger.Warn("redis stale addendum cleanup failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
}

func userKeys(userID string) []string {
	keys := make([]string, len(addendumModes))
	for i, mode := range addendumModes {
		keys[i] = addendumKey(userID, mode)
	}
	return keys
}

// InvalidateUser drops both modes of one user in both tiers
func (c *AddendumCache) InvalidateUser(ctx context.Context, userID string) {
	c.local.Invalidate(userKeys(userID)...)
	shared := make([]string, len(addendumModes))
	for i, mode := range addendumModes {
		shared[i] = redisAddendumKey(userID, mode)
	}
	if err := c.shared.Delete(ctx, shared...); err != nil {
		c.logger.Warn("redis addendum invalidation failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// InvalidateLocal drops the in-process tier only; used when another process
// already cleared Redis
func (c *AddendumCache) InvalidateLocal(userID string) {
	if userID == "" {
		c.local.InvalidateAll()
		return
	}
	c.local.Invalidate(userKeys(userID)...)
}

// InvalidateAll drops every cached addendum
func (c *AddendumCache) InvalidateAll(ctx context.Context) {
	c.local.InvalidateAll()
	if err := c.shared.DeletePrefix(ctx, "engine:addendum:"); err != nil {
		c.logger.Warn("redis addendum flush failed", zap.Error(err))
	}
}
