package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/numhive/platform/internal/domain/event"
)

const (
	// GlobalChannel carries every published envelope for live fan-out.
	GlobalChannel = "events:global"

	streamMaxLen = 100
)

// UserStream returns the replay stream key for one user.
func UserStream(userID string) string {
	return "events:stream:user:" + userID
}

// PublishEvent broadcasts the envelope on the global channel and, for
// user rooms, appends it to the user's capped replay stream. It returns
// the stream id ("" for non-user rooms).
func (c *Client) PublishEvent(ctx context.Context, env event.Envelope) (string, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("redis: marshal envelope: %w", err)
	}

	if err := c.rdb.Publish(ctx, GlobalChannel, raw).Err(); err != nil {
		return "", fmt.Errorf("redis: publish %s: %w", env.Type, err)
	}

	userID := event.UserID(env.Room)
	if userID == "" {
		return "", nil
	}
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: UserStream(userID),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"event": string(raw)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redis: append stream for %s: %w", userID, err)
	}
	return id, nil
}

// StreamEntry pairs a stream id with its decoded envelope.
type StreamEntry struct {
	ID       string
	Envelope event.Envelope
}

// ReplayUserEvents returns events appended after the given stream id,
// oldest first. Pass "" to replay the whole retained window. The stream
// is capped at streamMaxLen entries, so scanning it fully is cheap and
// works against Redis versions without exclusive range support.
func (c *Client) ReplayUserEvents(ctx context.Context, userID, afterID string, limit int) ([]StreamEntry, error) {
	if limit <= 0 || limit > streamMaxLen {
		limit = streamMaxLen
	}
	msgs, err := c.rdb.XRangeN(ctx, UserStream(userID), "-", "+", streamMaxLen).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: replay %s: %w", userID, err)
	}

	out := make([]StreamEntry, 0, len(msgs))
	for _, msg := range msgs {
		if afterID != "" && !streamIDAfter(msg.ID, afterID) {
			continue
		}
		raw, ok := msg.Values["event"].(string)
		if !ok {
			continue
		}
		var env event.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			c.log.WithError(err).WithField("stream_id", msg.ID).Warn("Dropping undecodable stream entry")
			continue
		}
		out = append(out, StreamEntry{ID: msg.ID, Envelope: env})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// streamIDAfter reports whether stream id a is strictly newer than b.
// IDs are "<ms>-<seq>"; both parts compare numerically.
func streamIDAfter(a, b string) bool {
	ams, aseq := splitStreamID(a)
	bms, bseq := splitStreamID(b)
	if ams != bms {
		return ams > bms
	}
	return aseq > bseq
}

func splitStreamID(id string) (int64, int64) {
	var ms, seq int64
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			ms = parseStreamInt(id[:i])
			seq = parseStreamInt(id[i+1:])
			return ms, seq
		}
	}
	return parseStreamInt(id), 0
}

func parseStreamInt(s string) int64 {
	var n int64
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return n
		}
		n = n*10 + int64(s[i]-'0')
	}
	return n
}

// SubscribeGlobal opens a pub/sub subscription on the global channel.
// The caller owns the returned subscription and must Close it.
func (c *Client) SubscribeGlobal(ctx context.Context) *redis.PubSub {
	return c.rdb.Subscribe(ctx, GlobalChannel)
}
