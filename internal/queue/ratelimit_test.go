package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRateLimiterAllow(t *testing.T) {
	_, rdb := newTestRedis(t)

	rl := NewRateLimiter(rdb, "gemchat", 2)
	now := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)

	allowed, used, _, err := rl.Allow(context.Background(), "tg:10", now)
	if err != nil {
		t.Fatalf("allow#1: %v", err)
	}
	if !allowed || used != 1 {
		t.Fatalf("expected first call allowed with used=1, got allowed=%v used=%d", allowed, used)
	}

	allowed, used, _, err = rl.Allow(context.Background(), "tg:10", now)
	if err != nil {
		t.Fatalf("allow#2: %v", err)
	}
	if !allowed || used != 2 {
		t.Fatalf("expected second call allowed with used=2, got allowed=%v used=%d", allowed, used)
	}

	allowed, used, resetAt, err := rl.Allow(context.Background(), "tg:10", now)
	if err != nil {
		t.Fatalf("allow#3: %v", err)
	}
	if allowed || used != 3 {
		t.Fatalf("expected third call denied with used=3, got allowed=%v used=%d", allowed, used)
	}
	if !resetAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("expected reset at next hour, got %v", resetAt)
	}

	allowed, _, _, err = rl.Allow(context.Background(), "tg:11", now)
	if err != nil || !allowed {
		t.Fatalf("expected other profile to be allowed, got allowed=%v err=%v", allowed, err)
	}

	allowed, _, _, err = rl.Allow(context.Background(), "tg:10", now.Add(time.Hour))
	if err != nil || !allowed {
		t.Fatalf("expected next window to be allowed, got allowed=%v err=%v", allowed, err)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	_, rdb := newTestRedis(t)
	rl := NewRateLimiter(rdb, "gemchat", 0)
	for i := 0; i < 5; i++ {
		allowed, _, _, err := rl.Allow(context.Background(), "p", time.Now())
		if err != nil || !allowed {
			t.Fatalf("expected disabled limiter to allow, got allowed=%v err=%v", allowed, err)
		}
	}
}

func TestUpdateDeduplicator(t *testing.T) {
	mr, rdb := newTestRedis(t)
	d := NewUpdateDeduplicator(rdb, "gemchat", time.Minute)

	first, err := d.MarkFirst(context.Background(), 42)
	if err != nil || !first {
		t.Fatalf("expected first delivery, got first=%v err=%v", first, err)
	}
	again, err := d.MarkFirst(context.Background(), 42)
	if err != nil || again {
		t.Fatalf("expected duplicate, got first=%v err=%v", again, err)
	}

	mr.FastForward(2 * time.Minute)
	after, err := d.MarkFirst(context.Background(), 42)
	if err != nil || !after {
		t.Fatalf("expected entry to expire, got first=%v err=%v", after, err)
	}
}
