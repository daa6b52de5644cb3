package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	cachePrefix = "nh:cache:"
	idemPrefix  = "nh:idem:"
)

// GetJSON loads a cached value into out. It returns false on a miss.
func (c *Client) GetJSON(ctx context.Context, key string, out interface{}) (bool, error) {
	raw, err := c.rdb.Get(ctx, cachePrefix+key).Bytes()
	if errors.Is(err, Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis: get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		// Stale shape from an older build; treat as a miss and drop it.
		_ = c.rdb.Del(ctx, cachePrefix+key).Err()
		return false, nil
	}
	return true, nil
}

// SetJSON stores a value under key with a TTL.
func (c *Client) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redis: marshal %s: %w", key, err)
	}
	return c.rdb.Set(ctx, cachePrefix+key, raw, ttl).Err()
}

// Evict removes cached entries by exact key.
func (c *Client) Evict(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = cachePrefix + k
	}
	return c.rdb.Del(ctx, full...).Err()
}

// EvictPrefix removes every cached entry whose key starts with prefix.
// Uses SCAN so it never blocks the server on large keyspaces.
func (c *Client) EvictPrefix(ctx context.Context, prefix string) error {
	match := cachePrefix + prefix + "*"
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, match, 200).Result()
		if err != nil {
			return fmt.Errorf("redis: scan %s: %w", match, err)
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// MarkOnce records an idempotency key. It returns true the first time a
// key is seen within ttl and false on replays.
func (c *Client) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, idemPrefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: mark once %s: %w", key, err)
	}
	return ok, nil
}
