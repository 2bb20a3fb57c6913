// Package idem is the idempotent operation cache shared by the event and payment flows:
// key -> stored result with a per-key expiry, kept in Redis.
package idem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores results of previously executed operations.
type Cache struct {
	client redis.Cmdable
	prefix string
}

// New builds a cache over a Redis client. prefix namespaces every key.
func New(client redis.Cmdable, prefix string) *Cache {
	return &Cache{client: client, prefix: prefix}
}

// EventKey is the key under which an event application result is remembered.
func EventKey(idempotencyKey string) string {
	return "evt:" + idempotencyKey
}

// IntentKey maps a (session, stage) pair to its transaction reference.
func IntentKey(sessionID, stage string) string {
	return fmt.Sprintf("intent:%s:%s", sessionID, stage)
}

// PaymentRecordKey maps a transaction reference to its payment record id.
func PaymentRecordKey(transactionRef string) string {
	return "payrec:" + transactionRef
}

func (c *Cache) key(k string) string {
	return c.prefix + k
}

// Get returns the stored value and whether it exists.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idem get %s: %w", key, err)
	}
	return val, true, nil
}

// GetString is Get for string values.
func (c *Cache) GetString(ctx context.Context, key string) (string, bool, error) {
	val, ok, err := c.Get(ctx, key)
	return string(val), ok, err
}

// Put stores val under key, replacing any previous value.
func (c *Cache) Put(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key(key), val, ttl).Err(); err != nil {
		return fmt.Errorf("idem put %s: %w", key, err)
	}
	return nil
}

// PutIfAbsent stores val only when key is unset. It reports whether this call stored it.
func (c *Cache) PutIfAbsent(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.key(key), val, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idem setnx %s: %w", key, err)
	}
	return ok, nil
}

// PutJSON encodes v and stores it under key.
func (c *Cache) PutJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("idem encode %s: %w", key, err)
	}
	return c.Put(ctx, key, raw, ttl)
}
