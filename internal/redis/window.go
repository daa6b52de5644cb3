package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const windowPrefix = "nh:rl:"

// Allow records one hit against a sliding window and reports whether the
// caller stays within limit. The window is a sorted set scored by unix
// nanos; expired members are trimmed on every call.
func (c *Client) Allow(ctx context.Context, name string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	now := time.Now()
	key := windowPrefix + name
	cutoff := now.Add(-window).UnixNano()

	pipe := c.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10))
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis: rate window %s: %w", name, err)
	}
	if card.Val() >= int64(limit) {
		return false, nil
	}

	pipe = c.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, &redis.Z{Score: float64(now.UnixNano()), Member: uuid.NewString()})
	pipe.Expire(ctx, key, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis: rate window %s: %w", name, err)
	}
	return true, nil
}

// WindowRemaining reports how many hits are left in the window.
func (c *Client) WindowRemaining(ctx context.Context, name string, limit int, window time.Duration) (int, error) {
	key := windowPrefix + name
	cutoff := time.Now().Add(-window).UnixNano()

	pipe := c.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10))
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis: rate window %s: %w", name, err)
	}
	remaining := limit - int(card.Val())
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
