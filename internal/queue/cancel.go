package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// CancelBus carries "stop the running exchange" requests from the webhook
// process to whichever worker runs the profile's job.
type CancelBus struct {
	redis  *redis.Client
	prefix string
}

func NewCancelBus(rdb *redis.Client, prefix string) *CancelBus {
	return &CancelBus{redis: rdb, prefix: prefix}
}

func (b *CancelBus) channel(profileID string) string {
	return fmt.Sprintf("%s:cancel:%s", b.prefix, profileID)
}

// Publish reports how many subscribers received the request.
func (b *CancelBus) Publish(ctx context.Context, profileID string) (int64, error) {
	n, err := b.redis.Publish(ctx, b.channel(profileID), "cancel").Result()
	if err != nil {
		return 0, fmt.Errorf("publish cancel: %w", err)
	}
	return n, nil
}

// Watch calls fn for every cancel request published for profileID until the
// returned stop function is called. The subscription is live when Watch
// returns.
func (b *CancelBus) Watch(ctx context.Context, profileID string, fn func()) (stop func(), err error) {
	ps := b.redis.Subscribe(ctx, b.channel(profileID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe cancel: %w", err)
	}

	done := make(chan struct{})
	ch := ps.Channel()
	go func() {
		for {
			select {
			case <-done:
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				fn()
			}
		}
	}()

	return func() {
		close(done)
		_ = ps.Close()
	}, nil
}
