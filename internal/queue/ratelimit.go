package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// SlowmodeLimiter enforces one message per window per (chat, user). The
// window length comes from chat settings on every call, so an admin
// changing slowmode takes effect for the next message.
type SlowmodeLimiter struct {
	redis *redis.Client
}

func NewSlowmodeLimiter(rdb *redis.Client) *SlowmodeLimiter {
	return &SlowmodeLimiter{redis: rdb}
}

// Allow returns whether the user may post now. seconds <= 0 means
// slowmode is off and everything passes without touching redis.
func (s *SlowmodeLimiter) Allow(ctx context.Context, chatID, userID int64, seconds int) (allowed bool, retryAfter time.Duration, err error) {
	if seconds <= 0 {
		return true, 0, nil
	}

	key := fmt.Sprintf("modbot:slowmode:%d:%d", chatID, userID)
	count, err := incrWithTTLScript.Run(ctx, s.redis, []string{key}, seconds).Int64()
	if err != nil {
		return false, 0, fmt.Errorf("slowmode script: %w", err)
	}
	if count == 1 {
		return true, 0, nil
	}

	ttl, err := s.redis.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = time.Duration(seconds) * time.Second
	}
	return false, ttl, nil
}

// UpdateDeduplicator drops updates the bot has already seen, so webhook
// retries and overlapping pollers never double-moderate a message.
type UpdateDeduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewUpdateDeduplicator(rdb *redis.Client, ttl time.Duration) *UpdateDeduplicator {
	return &UpdateDeduplicator{redis: rdb, ttl: ttl}
}

func (d *UpdateDeduplicator) MarkFirst(ctx context.Context, updateID int64) (bool, error) {
	key := fmt.Sprintf("modbot:update:%d", updateID)
	ok, err := d.redis.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}
