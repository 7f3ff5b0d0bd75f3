package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	stepAPIKey = "api_key"
	stepImport = "import"
)

// wizardState is a pending multi-message step for one user. TargetChatID is
// the chat whose profile the step applies to, which for group settings is
// not the chat the user is typing in.
type wizardState struct {
	TargetChatID int64  `json:"target_chat_id"`
	Step         string `json:"step"`
}

type wizardStore struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

func newWizardStore(rdb *redis.Client, prefix string, ttl time.Duration) *wizardStore {
	return &wizardStore{redis: rdb, prefix: prefix, ttl: ttl}
}

func (w *wizardStore) key(userID int64) string {
	return fmt.Sprintf("%s:wizard:%d", w.prefix, userID)
}

func (w *wizardStore) Set(ctx context.Context, userID int64, state wizardState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return w.redis.Set(ctx, w.key(userID), string(b), w.ttl).Err()
}

func (w *wizardStore) Get(ctx context.Context, userID int64) (*wizardState, error) {
	raw, err := w.redis.Get(ctx, w.key(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state wizardState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (w *wizardStore) Clear(ctx context.Context, userID int64) error {
	return w.redis.Del(ctx, w.key(userID)).Err()
}
