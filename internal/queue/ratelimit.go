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

// RateLimiter is a local hourly quota of turns per profile, checked before a
// job is enqueued. A limit of zero or less disables it.
type RateLimiter struct {
	redis  *redis.Client
	prefix string
	limit  int64
}

func NewRateLimiter(rdb *redis.Client, prefix string, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, prefix: prefix, limit: limit}
}

// Limit is the configured turns per hour; zero or less means unlimited.
func (r *RateLimiter) Limit() int64 {
	return r.limit
}

func (r *RateLimiter) Allow(ctx context.Context, profileID string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	if r.limit <= 0 {
		return true, 0, windowEnd, nil
	}

	key := fmt.Sprintf("%s:ratelimit:%s:%s", r.prefix, profileID, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= r.limit, res, windowEnd, nil
}

// UpdateDeduplicator drops Telegram updates that are delivered twice.
type UpdateDeduplicator struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

func NewUpdateDeduplicator(rdb *redis.Client, prefix string, ttl time.Duration) *UpdateDeduplicator {
	return &UpdateDeduplicator{redis: rdb, prefix: prefix, ttl: ttl}
}

func (d *UpdateDeduplicator) MarkFirst(ctx context.Context, updateID int64) (bool, error) {
	key := fmt.Sprintf("%s:update:%d", d.prefix, updateID)
	ok, err := d.redis.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}
