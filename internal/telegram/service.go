package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"gemchat/internal/metrics"
	"gemchat/internal/queue"
	"gemchat/internal/session"
	"gemchat/internal/storage"
)

type Service struct {
	store              *storage.Store
	sessions           session.Factory
	queue              *queue.StreamQueue
	inflight           *queue.InFlight
	cancels            *queue.CancelBus
	rateLimiter        *queue.RateLimiter
	wizard             *wizardStore
	redis              *redis.Client
	files              *http.Client
	logger             zerolog.Logger
	metrics            *metrics.Metrics
	adminCacheTTL      time.Duration
	maxAttachmentBytes int64
	keyPrefix          string
	botUsername        string
	botID              int64
	accessMode         string
	adminUserID        int64
}

type Config struct {
	Store              *storage.Store
	Sessions           session.Factory
	Queue              *queue.StreamQueue
	InFlight           *queue.InFlight
	Cancels            *queue.CancelBus
	RateLimiter        *queue.RateLimiter
	Redis              *redis.Client
	FileClient         *http.Client
	Logger             zerolog.Logger
	Metrics            *metrics.Metrics
	AdminCacheTTL      time.Duration
	WizardTTL          time.Duration
	MaxAttachmentBytes int64
	KeyPrefix          string
	BotUsername        string
	BotID              int64
	AccessMode         string
	AdminUserID        int64
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.AdminCacheTTL <= 0 {
		cfg.AdminCacheTTL = 10 * time.Minute
	}
	if cfg.WizardTTL <= 0 {
		cfg.WizardTTL = 20 * time.Minute
	}
	if cfg.FileClient == nil {
		cfg.FileClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "gemchat"
	}
	return &Service{
		store:              cfg.Store,
		sessions:           cfg.Sessions,
		queue:              cfg.Queue,
		inflight:           cfg.InFlight,
		cancels:            cfg.Cancels,
		rateLimiter:        cfg.RateLimiter,
		wizard:             newWizardStore(cfg.Redis, cfg.KeyPrefix, cfg.WizardTTL),
		redis:              cfg.Redis,
		files:              cfg.FileClient,
		logger:             cfg.Logger,
		metrics:            m,
		adminCacheTTL:      cfg.AdminCacheTTL,
		maxAttachmentBytes: cfg.MaxAttachmentBytes,
		keyPrefix:          cfg.KeyPrefix,
		botUsername:        cfg.BotUsername,
		botID:              cfg.BotID,
		accessMode:         cfg.AccessMode,
		adminUserID:        cfg.AdminUserID,
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("help", s.help))
	d.AddHandler(handlers.NewCommand("start", s.start))
	d.AddHandler(handlers.NewCommand("menu", s.menu))
	d.AddHandler(handlers.NewCommand("status", s.status))
	d.AddHandler(handlers.NewCommand("cancel", s.cancelWizard))
	d.AddHandler(handlers.NewCommand("ask", s.ask))
	d.AddHandler(handlers.NewCommand("new", s.newConversation))
	d.AddHandler(handlers.NewCommand("chats", s.listConversations))
	d.AddHandler(handlers.NewCommand("open", s.openConversation))
	d.AddHandler(handlers.NewCommand("show", s.showConversation))
	d.AddHandler(handlers.NewCommand("pin", s.pinConversation))
	d.AddHandler(handlers.NewCommand("unpin", s.unpinConversation))
	d.AddHandler(handlers.NewCommand("delete", s.deleteConversation))
	d.AddHandler(handlers.NewCommand("clear", s.clearConversations))
	d.AddHandler(handlers.NewCommand("regen", s.regenerate))
	d.AddHandler(handlers.NewCommand("edit", s.editMessage))
	d.AddHandler(handlers.NewCommand("stop", s.stop))
	d.AddHandler(handlers.NewCommand("model", s.model))
	d.AddHandler(handlers.NewCommand("system", s.systemPrompt))
	d.AddHandler(handlers.NewCommand("apikey", s.apiKey))
	d.AddHandler(handlers.NewCommand("export", s.export))
	d.AddHandler(handlers.NewCommand("import", s.importConversation))
	d.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbPrefix), s.onCallback))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return message.Text(msg) && !isCommand(msg) && s.addressed(msg)
	}, s.onText))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return (message.Photo(msg) || message.Document(msg)) && s.addressed(msg)
	}, s.onFile))
}

// addressed reports whether a plain message is meant for the bot: anything
// in a private chat, and mentions or replies in groups.
func (s *Service) addressed(msg *gotgbot.Message) bool {
	if msg == nil {
		return false
	}
	if message.Private(msg) {
		return true
	}
	if r := msg.ReplyToMessage; r != nil && r.From != nil && s.botID != 0 && r.From.Id == s.botID {
		return true
	}
	if s.botUsername == "" {
		return false
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	return strings.Contains(strings.ToLower(text), "@"+strings.ToLower(s.botUsername))
}

func isCommand(msg *gotgbot.Message) bool {
	return strings.HasPrefix(strings.TrimSpace(msg.Text), "/")
}

// stripMention removes the bot's @username from group messages.
func (s *Service) stripMention(text string) string {
	if s.botUsername == "" {
		return strings.TrimSpace(text)
	}
	mention := "@" + s.botUsername
	if i := strings.Index(strings.ToLower(text), strings.ToLower(mention)); i >= 0 {
		text = text[:i] + text[i+len(mention):]
	}
	return strings.TrimSpace(text)
}

func (s *Service) deepLink(bot *gotgbot.Bot, param string) string {
	username := s.botUsername
	if username == "" {
		username = bot.User.Username
	}
	if strings.TrimSpace(username) == "" {
		return ""
	}
	return "https://t.me/" + username + "?start=" + url.QueryEscape(param)
}

func (s *Service) now() time.Time {
	return time.Now().UTC()
}

// session opens the chat's profile without a listener; ingress never runs
// exchanges itself.
func (s *Service) session(ctx context.Context, chatID int64) (*session.Manager, error) {
	return s.sessions.Open(ctx, ProfileID(chatID), "", nil)
}

// OpenFile starts downloading a Telegram file. The caller closes the body.
func OpenFile(ctx context.Context, b *gotgbot.Bot, client *http.Client, fileID string) (io.ReadCloser, error) {
	f, err := b.GetFileWithContext(ctx, fileID, nil)
	if err != nil {
		return nil, fmt.Errorf("get file: %w", redactErr(err, b.Token))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(b, nil), nil)
	if err != nil {
		return nil, fmt.Errorf("build file request: %w", redactErr(err, b.Token))
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", redactErr(err, b.Token))
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("download file: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}
