// Package redis wraps the shared Redis client used for poll locks,
// sliding rate windows, response caching and event fan-out.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/numhive/platform/internal/config"
	"github.com/numhive/platform/pkg/logger"
)

// Nil is re-exported so callers do not import the driver for miss checks.
var Nil = redis.Nil

// Client owns the underlying connection pool. All keys written by this
// package live under the "nh:" prefix.
type Client struct {
	rdb *redis.Client
	log *logger.Logger
}

// New connects using a redis:// or rediss:// URL and verifies the
// connection with a short ping.
func New(cfg config.RedisConfig, log *logger.Logger) (*Client, error) {
	if log == nil {
		log = logger.NewDefault("redis")
	}
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 50 * time.Millisecond
	opt.MaxRetryBackoff = 500 * time.Millisecond

	rdb := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	log.WithField("addr", opt.Addr).Info("Redis connected")
	return &Client{rdb: rdb, log: log}, nil
}

// NewFromClient wraps an already-constructed driver client. Tests use
// this with miniredis.
func NewFromClient(rdb *redis.Client, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewDefault("redis")
	}
	return &Client{rdb: rdb, log: log}
}

// Ping verifies the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Raw exposes the driver client for pub/sub subscriptions.
func (c *Client) Raw() *redis.Client {
	return c.rdb
}
