package redis

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const lockPrefix = "nh:lock:"

// releaseScript deletes a lock only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lock is a single-holder advisory lock with a TTL. It does not renew
// itself; holders must finish inside the TTL.
type Lock struct {
	c     *Client
	key   string
	token string
}

// TryLock attempts to take the named lock. It returns (nil, false, nil)
// when another holder has it.
func (c *Client) TryLock(ctx context.Context, name string, ttl time.Duration) (*Lock, bool, error) {
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, lockPrefix+name, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{c: c, key: lockPrefix + name, token: token}, true, nil
}

// Unlock releases the lock if this holder still owns it. Releasing an
// expired or stolen lock is a no-op.
func (l *Lock) Unlock(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return releaseScript.Run(ctx, l.c.rdb, []string{l.key}, l.token).Err()
}
