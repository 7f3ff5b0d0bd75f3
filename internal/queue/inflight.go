package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var releaseIfOwnerScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// InFlight is the per-profile "one exchange at a time" flag shared by every
// process. The TTL bounds how long a crashed worker can hold it.
type InFlight struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

func NewInFlight(rdb *redis.Client, prefix string, ttl time.Duration) *InFlight {
	return &InFlight{redis: rdb, prefix: prefix, ttl: ttl}
}

func (f *InFlight) key(profileID string) string {
	return fmt.Sprintf("%s:inflight:%s", f.prefix, profileID)
}

// Acquire takes the flag for owner. It reports false when another owner holds it.
func (f *InFlight) Acquire(ctx context.Context, profileID, owner string) (bool, error) {
	ok, err := f.redis.SetNX(ctx, f.key(profileID), owner, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("inflight setnx: %w", err)
	}
	return ok, nil
}

// Release drops the flag if owner still holds it.
func (f *InFlight) Release(ctx context.Context, profileID, owner string) (bool, error) {
	n, err := releaseIfOwnerScript.Run(ctx, f.redis, []string{f.key(profileID)}, owner).Int64()
	if err != nil {
		return false, fmt.Errorf("inflight release: %w", err)
	}
	return n == 1, nil
}

// Holder returns the current owner, or "" when the flag is free.
func (f *InFlight) Holder(ctx context.Context, profileID string) (string, error) {
	owner, err := f.redis.Get(ctx, f.key(profileID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("inflight get: %w", err)
	}
	return owner, nil
}
