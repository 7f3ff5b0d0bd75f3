package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gemchat/internal/chat"
	"gemchat/internal/storage"
)

type persistence struct {
	kv storage.KV
}

func (p persistence) get(ctx context.Context, key storage.Key) (string, error) {
	v, err := p.kv.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	return v, err
}

// put writes value, or removes the key when value is empty.
func (p persistence) put(ctx context.Context, key storage.Key, value string) error {
	if value == "" {
		return p.kv.Remove(ctx, key)
	}
	return p.kv.Set(ctx, key, value)
}

func (p persistence) conversations(ctx context.Context) ([]chat.Conversation, error) {
	raw, err := p.get(ctx, storage.KeyConversations)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	if raw == "" {
		return nil, nil
	}
	var convs []chat.Conversation
	if err := json.Unmarshal([]byte(raw), &convs); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	return convs, nil
}

func (p persistence) saveConversations(ctx context.Context, convs []chat.Conversation) error {
	if convs == nil {
		convs = []chat.Conversation{}
	}
	b, err := json.Marshal(convs)
	if err != nil {
		return fmt.Errorf("encode conversations: %w", err)
	}
	if err := p.kv.Set(ctx, storage.KeyConversations, string(b)); err != nil {
		return fmt.Errorf("save conversations: %w", err)
	}
	return nil
}

func (p persistence) summary(ctx context.Context, conversationID string) (string, error) {
	return p.get(ctx, storage.SummaryKey(conversationID))
}

func (p persistence) saveSummary(ctx context.Context, conversationID, text string) error {
	return p.kv.Set(ctx, storage.SummaryKey(conversationID), text)
}

func (p persistence) dropSummary(ctx context.Context, conversationID string) error {
	return p.kv.Remove(ctx, storage.SummaryKey(conversationID))
}

type summaryPurger interface {
	RemoveSummaries(ctx context.Context) (int64, error)
}

func (p persistence) dropAllSummaries(ctx context.Context, convs []chat.Conversation) error {
	if sp, ok := p.kv.(summaryPurger); ok {
		_, err := sp.RemoveSummaries(ctx)
		return err
	}
	var errs []error
	for _, c := range convs {
		if err := p.dropSummary(ctx, c.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
