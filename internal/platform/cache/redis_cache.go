package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache keeps short lived correlation data: which message a provider id belongs to and
// which callback events were already handled.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

type sentValue struct {
	MessageID int64     `json:"messageId"`
	StoredAt  time.Time `json:"storedAt"`
}

func sentKey(backendName, providerMessageID string) string {
	return fmt.Sprintf("pid:%s:%s", backendName, providerMessageID)
}

// StoreSent remembers that providerMessageID on backendName belongs to messageID.
func (c *RedisCache) StoreSent(ctx context.Context, backendName, providerMessageID string, messageID int64) error {
	b, err := json.Marshal(sentValue{MessageID: messageID, StoredAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, sentKey(backendName, providerMessageID), b, c.ttl).Err()
}

// LookupSent returns the message id stored for a provider id. ok is false on a cache miss.
func (c *RedisCache) LookupSent(ctx context.Context, backendName, providerMessageID string) (messageID int64, ok bool, err error) {
	raw, err := c.rdb.Get(ctx, sentKey(backendName, providerMessageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var val sentValue
	if err := json.Unmarshal(raw, &val); err != nil {
		return 0, false, fmt.Errorf("decoding cached correlation: %w", err)
	}
	return val.MessageID, true, nil
}

// MarkSeen records an event key and reports whether this call was the first to see it.
func (c *RedisCache) MarkSeen(ctx context.Context, key string) (bool, error) {
	return c.rdb.SetNX(ctx, "seen:"+key, 1, c.ttl).Result()
}

// Forget removes a seen marker so a failed event can be handled again.
func (c *RedisCache) Forget(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, "seen:"+key).Err()
}
