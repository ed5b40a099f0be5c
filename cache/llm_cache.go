package cache

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// DraftCache remembers LLM gene drafts so a pattern seen again (or seen by
// another engine process) is not sent to the model twice
type DraftCache struct {
	redis *RedisClient
	local *KeyedMemo[string]

	mu        sync.Mutex
	cooldowns map[string]time.Time
}

// NewDraftCache creates a draft cache; redis may be nil
func NewDraftCache(redis *RedisClient, ttl time.Duration) *DraftCache {
	return &DraftCache{redis: redis, local: NewKeyedMemo[string](ttl), cooldowns: make(map[string]time.Time)}
}

func draftKey(signature, dataHash string) string {
	return fmt.Sprintf("engine:llm:draft:%s:%s", signature, dataHash)
}

// GetDraft returns a cached draft for the pattern signature and input hash
func (c *DraftCache) GetDraft(ctx context.Context, signature, dataHash string) (string, bool) {
	key := draftKey(signature, dataHash)
	if v, ok := c.local.Peek(key); ok {
		return v, true
	}
	var draft string
	if err := c.redis.Get(ctx, key, &draft); err != nil {
		return "", false
	}
	c.local.Store(key, draft, c.local.Generation())
	return draft, true
}

// SetDraft caches a draft locally and in Redis
func (c *DraftCache) SetDraft(ctx context.Context, signature, dataHash, draft string, ttl time.Duration) error {
	key := draftKey(signature, dataHash)
	c.local.Store(key, draft, c.local.Generation())
	return c.redis.Set(ctx, key, draft, ttl)
}

// SetCooldown stops drafting for a signature until ttl passes, e.g. after
// the model failed
func (c *DraftCache) SetCooldown(ctx context.Context, signature string, ttl time.Duration) error {
	c.mu.Lock()
	c.cooldowns[signature] = time.Now().Add(ttl)
	c.mu.Unlock()
	key := fmt.Sprintf("engine:llm:cooldown:%s", signature)
	return c.redis.Set(ctx, key, time.Now().Unix(), ttl)
}

// IsInCooldown reports whether drafting is paused for a signature
func (c *DraftCache) IsInCooldown(ctx context.Context, signature string) bool {
	c.mu.Lock()
	until, ok := c.cooldowns[signature]
	c.mu.Unlock()
	if ok && time.Now().Before(until) {
		return true
	}
	key := fmt.Sprintf("engine:llm:cooldown:%s", signature)
	var timestamp int64
	if err := c.redis.Get(ctx, key, &timestamp); err != nil {
		return false
	}
	return timestamp > 0
}

// GenerateDataHash creates a short hash of the drafting input
func GenerateDataHash(data interface{}) string {
	jsonData, _ := json.Marshal(data)
	hash := md5.Sum(jsonData)
	return fmt.Sprintf("%x", hash[:8])
}
