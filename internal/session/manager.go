// Package session owns a profile's conversations: it appends turns, builds
// request payloads with condensed history, folds streamed fragments into the
// pending reply and persists everything through a storage.KV.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gemchat/internal/chat"
	"gemchat/internal/gemini"
	"gemchat/internal/metrics"
	"gemchat/internal/storage"
)

var (
	ErrEmptyInput           = errors.New("empty input")
	ErrBusy                 = errors.New("a response is already in flight")
	ErrNoPriorUserTurn      = errors.New("no prior user turn")
	ErrInvalidIndex         = errors.New("message index out of range")
	ErrNotAssistantMessage  = errors.New("message is not an assistant reply")
	ErrNotUserMessage       = errors.New("message is not a user turn")
	ErrUnknownModel         = errors.New("unknown model")
	ErrNotStreaming         = errors.New("no response in progress")
	ErrCancelled            = errors.New("exchange cancelled")
	ErrMissingAPIKey        = gemini.ErrMissingAPIKey
	ErrConversationNotFound = fmt.Errorf("conversation %w", storage.ErrNotFound)
)

// FallbackReply is appended in place of a reply that failed outright.
const FallbackReply = "Sorry, something went wrong. Please try again."

// Auditor records destructive actions. *storage.Store satisfies it.
type Auditor interface {
	LogAction(ctx context.Context, e storage.AuditEntry) error
}

type Options struct {
	ProfileID string
	// ConversationID, when set, must name a saved conversation; it becomes
	// active for this Manager only.
	ConversationID string
	KV             storage.KV
	Generator      Generator
	Auditor        Auditor
	Listener       Listener
	Logger         zerolog.Logger
	Now            func() time.Time

	DefaultModel string
	// DefaultAPIKey is used while the profile has not stored its own key.
	DefaultAPIKey    string
	Generation       gemini.GenerationConfig
	HistoryThreshold int
	RecentWindow     int
}

type Settings struct {
	Model        string
	SystemPrompt string
	HasAPIKey    bool
	// OwnAPIKey is false when the key in use is the operator default.
	OwnAPIKey bool
}

type settings struct {
	model        string
	systemPrompt string
	apiKey       string
	ownKey       bool
}

type Manager struct {
	opts    Options
	log     zerolog.Logger
	store   persistence
	metrics *metrics.Metrics

	mu       sync.Mutex
	convs    []chat.Conversation
	draft    chat.Conversation
	activeID string
	cfg      settings
	state    State
	pending  *pending
}

// Open loads the profile's conversations and settings. The active
// conversation is restored when it still exists; otherwise a fresh, unsaved
// one becomes active.
func Open(ctx context.Context, opts Options) (*Manager, error) {
	if opts.KV == nil {
		return nil, fmt.Errorf("session: kv is nil")
	}
	if opts.Generator == nil {
		return nil, fmt.Errorf("session: generator is nil")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = gemini.DefaultModel
	}
	if opts.Generation == (gemini.GenerationConfig{}) {
		opts.Generation = gemini.DefaultGenerationConfig()
	}
	if opts.HistoryThreshold <= 0 {
		opts.HistoryThreshold = DefaultHistoryThreshold
	}
	if opts.RecentWindow <= 0 || opts.RecentWindow > opts.HistoryThreshold {
		opts.RecentWindow = min(DefaultRecentWindow, opts.HistoryThreshold)
	}

	m := &Manager{
		opts:    opts,
		log:     opts.Logger.With().Str("profile", opts.ProfileID).Logger(),
		store:   persistence{kv: opts.KV},
		metrics: metrics.Global(),
	}

	convs, err := m.store.conversations(ctx)
	if err != nil {
		return nil, err
	}
	m.convs = convs

	if err := m.loadSettings(ctx); err != nil {
		return nil, err
	}

	m.draft = chat.NewConversation(opts.Now())
	m.activeID = m.draft.ID
	activeID, err := m.store.get(ctx, storage.KeyActiveConversation)
	if err != nil {
		return nil, fmt.Errorf("load active conversation: %w", err)
	}
	if activeID != "" && chat.IndexByID(m.convs, activeID) >= 0 {
		m.activeID = activeID
	}
	if opts.ConversationID != "" {
		if chat.IndexByID(m.convs, opts.ConversationID) < 0 {
			return nil, ErrConversationNotFound
		}
		m.activeID = opts.ConversationID
	}
	return m, nil
}

func (m *Manager) loadSettings(ctx context.Context) error {
	model, err := m.store.get(ctx, storage.KeySelectedModel)
	if err != nil {
		return fmt.Errorf("load selected model: %w", err)
	}
	if !gemini.IsKnownModel(model) {
		model = m.opts.DefaultModel
	}
	prompt, err := m.store.get(ctx, storage.KeySystemPrompt)
	if err != nil {
		return fmt.Errorf("load system prompt: %w", err)
	}
	key, err := m.store.get(ctx, storage.KeyAPIKey)
	if err != nil {
		return fmt.Errorf("load api key: %w", err)
	}
	m.cfg = settings{model: model, systemPrompt: prompt, apiKey: key, ownKey: key != ""}
	if key == "" {
		m.cfg.apiKey = m.opts.DefaultAPIKey
	}
	return nil
}

func (m *Manager) ProfileID() string {
	return m.opts.ProfileID
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Settings{
		Model:        m.cfg.model,
		SystemPrompt: m.cfg.systemPrompt,
		HasAPIKey:    m.cfg.apiKey != "",
		OwnAPIKey:    m.cfg.ownKey,
	}
}

// Active returns a copy of the active conversation.
func (m *Manager) Active() chat.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked().Clone()
}

// Conversations returns copies of every saved conversation in display order.
func (m *Manager) Conversations() []chat.Conversation {
	m.mu.Lock()
	out := make([]chat.Conversation, len(m.convs))
	for i := range m.convs {
		out[i] = m.convs[i].Clone()
	}
	m.mu.Unlock()
	chat.SortForDisplay(out)
	return out
}

func (m *Manager) Conversation(id string) (chat.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conversationLocked(id)
	if c == nil {
		return chat.Conversation{}, ErrConversationNotFound
	}
	return c.Clone(), nil
}

// NewConversation abandons any in-flight exchange and makes a fresh, unsaved
// conversation active. The cached summary of the replaced conversation is
// dropped.
func (m *Manager) NewConversation(ctx context.Context) chat.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelLocked()
	replaced := m.activeID
	if err := m.store.dropSummary(ctx, replaced); err != nil {
		m.log.Warn().Err(err).Str("conversation_id", replaced).Msg("drop summary")
	}
	m.draft = chat.NewConversation(m.opts.Now())
	m.setActiveLocked(ctx, m.draft.ID)
	return m.draft.Clone()
}

func (m *Manager) OpenConversation(ctx context.Context, id string) (chat.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := chat.IndexByID(m.convs, id)
	if i < 0 {
		return chat.Conversation{}, ErrConversationNotFound
	}
	if id != m.activeID {
		m.cancelLocked()
		m.setActiveLocked(ctx, id)
	}
	return m.convs[i].Clone(), nil
}

func (m *Manager) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := chat.IndexByID(m.convs, id)
	if i < 0 {
		return ErrConversationNotFound
	}
	if m.pending != nil && m.pending.convID == id {
		m.cancelLocked()
	}
	m.convs = append(m.convs[:i], m.convs[i+1:]...)
	if err := m.store.dropSummary(ctx, id); err != nil {
		m.log.Warn().Err(err).Str("conversation_id", id).Msg("drop summary")
	}
	if err := m.store.saveConversations(ctx, m.convs); err != nil {
		return err
	}
	if id == m.activeID {
		m.draft = chat.NewConversation(m.opts.Now())
		m.setActiveLocked(ctx, m.draft.ID)
	}
	m.audit(ctx, "conversation.delete", map[string]any{"conversation_id": id})
	return nil
}

// ClearConversations deletes every conversation and cached summary.
func (m *Manager) ClearConversations(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelLocked()
	n := len(m.convs)
	if err := m.store.dropAllSummaries(ctx, m.convs); err != nil {
		m.log.Warn().Err(err).Msg("drop summaries")
	}
	m.convs = nil
	if err := m.store.saveConversations(ctx, m.convs); err != nil {
		return 0, err
	}
	m.draft = chat.NewConversation(m.opts.Now())
	m.setActiveLocked(ctx, m.draft.ID)
	m.audit(ctx, "conversation.clear", map[string]any{"count": n})
	return n, nil
}

func (m *Manager) SetPinned(ctx context.Context, id string, pinned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.conversationLocked(id)
	if c == nil || chat.IndexByID(m.convs, id) < 0 {
		return ErrConversationNotFound
	}
	if c.Pinned == pinned {
		return nil
	}
	c.Pinned = pinned
	c.PinnedAt = time.Time{}
	if pinned {
		c.PinnedAt = m.opts.Now()
	}
	return m.store.saveConversations(ctx, m.convs)
}

func (m *Manager) SetModel(ctx context.Context, model string) error {
	model = strings.TrimSpace(model)
	if !gemini.IsKnownModel(model) {
		return fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.put(ctx, storage.KeySelectedModel, model); err != nil {
		return fmt.Errorf("save selected model: %w", err)
	}
	m.cfg.model = model
	return nil
}

// SetSystemPrompt stores the instruction injected before every request. An
// empty prompt removes it.
func (m *Manager) SetSystemPrompt(ctx context.Context, prompt string) error {
	prompt = strings.TrimSpace(prompt)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.put(ctx, storage.KeySystemPrompt, prompt); err != nil {
		return fmt.Errorf("save system prompt: %w", err)
	}
	m.cfg.systemPrompt = prompt
	return nil
}

// SetAPIKey stores the profile's own key. An empty key removes it and falls
// back to the operator default, if any.
func (m *Manager) SetAPIKey(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.put(ctx, storage.KeyAPIKey, key); err != nil {
		return fmt.Errorf("save api key: %w", err)
	}
	m.cfg.ownKey = key != ""
	m.cfg.apiKey = key
	if key == "" {
		m.cfg.apiKey = m.opts.DefaultAPIKey
	}
	action := "api_key.set"
	if key == "" {
		action = "api_key.remove"
	}
	m.audit(ctx, action, nil)
	return nil
}

func (m *Manager) Export(id string) ([]byte, error) {
	m.mu.Lock()
	c := m.conversationLocked(id)
	if c == nil {
		m.mu.Unlock()
		return nil, ErrConversationNotFound
	}
	conv := c.Clone()
	m.mu.Unlock()
	return chat.Export(conv, m.opts.Now())
}

// Import adds an exported conversation under a new id and makes it active.
func (m *Manager) Import(ctx context.Context, data []byte) (chat.Conversation, error) {
	conv, err := chat.Import(data, m.opts.Now())
	if err != nil {
		return chat.Conversation{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
	m.convs = append(m.convs, conv)
	if err := m.store.saveConversations(ctx, m.convs); err != nil {
		m.convs = m.convs[:len(m.convs)-1]
		return chat.Conversation{}, err
	}
	m.setActiveLocked(ctx, conv.ID)
	m.audit(ctx, "conversation.import", map[string]any{"conversation_id": conv.ID, "messages": len(conv.Messages)})
	return conv.Clone(), nil
}

func (m *Manager) activeLocked() *chat.Conversation {
	if c := m.conversationLocked(m.activeID); c != nil {
		return c
	}
	return &m.draft
}

func (m *Manager) conversationLocked(id string) *chat.Conversation {
	if i := chat.IndexByID(m.convs, id); i >= 0 {
		return &m.convs[i]
	}
	if m.draft.ID == id {
		return &m.draft
	}
	return nil
}

func (m *Manager) setActiveLocked(ctx context.Context, id string) {
	m.activeID = id
	if chat.IndexByID(m.convs, id) < 0 {
		id = ""
	}
	if err := m.store.put(ctx, storage.KeyActiveConversation, id); err != nil {
		m.log.Warn().Err(err).Msg("save active conversation")
	}
}

// persistLocked saves the conversation list. Failures are logged; the
// in-memory state stays authoritative.
func (m *Manager) persistLocked(ctx context.Context) {
	if err := m.store.saveConversations(ctx, m.convs); err != nil {
		m.log.Error().Err(err).Msg("persist conversations")
	}
}

func (m *Manager) audit(ctx context.Context, action string, meta map[string]any) {
	if m.opts.Auditor == nil {
		return
	}
	raw := "{}"
	if meta != nil {
		if b, err := json.Marshal(meta); err == nil {
			raw = string(b)
		}
	}
	if err := m.opts.Auditor.LogAction(ctx, storage.AuditEntry{ProfileID: m.opts.ProfileID, Action: action, MetaJSON: raw}); err != nil {
		m.log.Warn().Err(err).Str("action", action).Msg("write audit entry")
	}
}

func (m *Manager) emit(events ...Event) {
	if m.opts.Listener == nil {
		return
	}
	for _, ev := range events {
		m.opts.Listener(ev)
	}
}
