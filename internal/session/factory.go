package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"gemchat/internal/gemini"
	"gemchat/internal/storage"
)

// Factory opens Managers that share one store, generator and set of
// defaults.
type Factory struct {
	Store            *storage.Store
	Generator        Generator
	Logger           zerolog.Logger
	DefaultModel     string
	DefaultAPIKey    string
	Generation       gemini.GenerationConfig
	HistoryThreshold int
	RecentWindow     int
	Now              func() time.Time
}

// Open loads profileID. A non-empty conversationID pins the Manager to that
// conversation without touching the stored active id.
func (f Factory) Open(ctx context.Context, profileID, conversationID string, listener Listener) (*Manager, error) {
	return Open(ctx, Options{
		ProfileID:        profileID,
		ConversationID:   conversationID,
		KV:               f.Store.Profile(profileID),
		Generator:        f.Generator,
		Auditor:          f.Store,
		Listener:         listener,
		Logger:           f.Logger,
		Now:              f.Now,
		DefaultModel:     f.DefaultModel,
		DefaultAPIKey:    f.DefaultAPIKey,
		Generation:       f.Generation,
		HistoryThreshold: f.HistoryThreshold,
		RecentWindow:     f.RecentWindow,
	})
}
