package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gemchat/internal/gemini"
)

const (
	ModeAll     = "ALL"
	ModeWebhook = "WEBHOOK"
	ModeWorker  = "WORKER"

	AccessModePublic  = "public"
	AccessModePrivate = "private"
)

var (
	ErrMissingBotToken    = errors.New("BOT_TOKEN is required")
	ErrMissingAdminUserID = errors.New("ADMIN_USER_ID is required and must be > 0")
	ErrInvalidAccessMode  = errors.New("BOT_ACCESS_MODE must be 'public' or 'private'")
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required")
	ErrMissingMasterKey   = errors.New("at least one master key is required")
	ErrUnknownModel       = errors.New("GEMINI_DEFAULT_MODEL is not a known model")
	ErrInvalidHistory     = errors.New("HISTORY_RECENT_WINDOW must be between 1 and HISTORY_THRESHOLD")
)

type Config struct {
	BotToken      string
	AppMode       string
	BotAccessMode string
	AdminUserID   int64

	BotUsername string

	DevPolling bool

	Webhook WebhookConfig
	Redis   RedisConfig
	DB      DBConfig
	Worker  WorkerConfig
	HTTP    HTTPConfig
	Gemini  GeminiConfig
	Chat    ChatConfig
	Rate    RateConfig
	Crypto  CryptoConfig
	Log     LogConfig
}

type WebhookConfig struct {
	ListenAddr     string
	PublicURL      string
	SecretPath     string
	SecretToken    string
	HealthPath     string
	MetricsPath    string
	WebhookTimeout time.Duration
}

type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	KeyPrefix     string
	QueueStream   string
	QueueGroup    string
	QueueBlock    time.Duration
	UpdateTTL     time.Duration
	AdminCacheTTL time.Duration
	WizardTTL     time.Duration
	InFlightTTL   time.Duration
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type WorkerConfig struct {
	Concurrency        int
	ConsumerName       string
	StreamEditInterval time.Duration
}

type HTTPConfig struct {
	// ClientTimeout bounds opening a generation request; streaming reads are
	// bounded by the worker's job context instead.
	ClientTimeout time.Duration
	JobTimeout    time.Duration
}

type GeminiConfig struct {
	BaseURL         string
	DefaultModel    string
	APIKey          string
	Temperature     float64
	TopK            int
	TopP            float64
	MaxOutputTokens int
}

type ChatConfig struct {
	HistoryThreshold   int
	RecentWindow       int
	MaxAttachmentBytes int64
}

type RateConfig struct {
	PerHour int64
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		BotToken:      mustEnv("BOT_TOKEN", ""),
		AppMode:       strings.ToUpper(mustEnv("APP_MODE", ModeAll)),
		BotAccessMode: strings.ToLower(mustEnv("BOT_ACCESS_MODE", AccessModePublic)),
		AdminUserID:   mustInt64("ADMIN_USER_ID", 0),
		BotUsername:   strings.TrimPrefix(mustEnv("BOT_USERNAME", ""), "@"),
		DevPolling:    mustBool("DEV_POLLING", false),
		Webhook: WebhookConfig{
			ListenAddr:     mustEnv("WEBHOOK_LISTEN_ADDR", ":8080"),
			PublicURL:      mustEnv("WEBHOOK_URL", ""),
			SecretPath:     strings.Trim(mustEnv("WEBHOOK_SECRET_PATH", "telegram"), "/"),
			SecretToken:    mustEnv("WEBHOOK_SECRET_TOKEN", ""),
			HealthPath:     mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath:    mustEnv("METRICS_PATH", "/metrics"),
			WebhookTimeout: mustDuration("WEBHOOK_TIMEOUT", 8*time.Second),
		},
		Redis: RedisConfig{
			Addr:          mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:      mustEnv("REDIS_PASSWORD", ""),
			DB:            mustInt("REDIS_DB", 0),
			KeyPrefix:     mustEnv("REDIS_KEY_PREFIX", "gemchat"),
			QueueStream:   mustEnv("QUEUE_STREAM", "gemchat:jobs"),
			QueueGroup:    mustEnv("QUEUE_GROUP", "gemchat-workers"),
			QueueBlock:    mustDuration("QUEUE_BLOCK", 5*time.Second),
			UpdateTTL:     mustDuration("UPDATE_DEDUPE_TTL", 6*time.Hour),
			AdminCacheTTL: mustDuration("ADMIN_CACHE_TTL", 10*time.Minute),
			WizardTTL:     mustDuration("WIZARD_TTL", 20*time.Minute),
			InFlightTTL:   mustDuration("INFLIGHT_TTL", 5*time.Minute),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", "file:gemchat.db"),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Worker: WorkerConfig{
			Concurrency:        mustInt("WORKER_CONCURRENCY", 4),
			ConsumerName:       mustEnv("WORKER_CONSUMER_NAME", hostnameOr("worker")),
			StreamEditInterval: mustDuration("STREAM_EDIT_INTERVAL", 1200*time.Millisecond),
		},
		HTTP: HTTPConfig{
			ClientTimeout: mustDuration("HTTP_TIMEOUT", 60*time.Second),
			JobTimeout:    mustDuration("JOB_TIMEOUT", 4*time.Minute),
		},
		Gemini: GeminiConfig{
			BaseURL:         mustEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta/models"),
			DefaultModel:    mustEnv("GEMINI_DEFAULT_MODEL", "gemini-2.5-flash"),
			APIKey:          mustEnv("GEMINI_API_KEY", ""),
			Temperature:     mustFloat("GEMINI_TEMPERATURE", 0.9),
			TopK:            mustInt("GEMINI_TOP_K", 40),
			TopP:            mustFloat("GEMINI_TOP_P", 0.95),
			MaxOutputTokens: mustInt("GEMINI_MAX_OUTPUT_TOKENS", 8192),
		},
		Chat: ChatConfig{
			HistoryThreshold:   mustInt("HISTORY_THRESHOLD", 50),
			RecentWindow:       mustInt("HISTORY_RECENT_WINDOW", 20),
			MaxAttachmentBytes: mustInt64("MAX_ATTACHMENT_BYTES", 20<<20),
		},
		Rate: RateConfig{
			PerHour: mustInt64("RATE_LIMIT_PER_HOUR", 60),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.BotToken == "" {
		return nil, ErrMissingBotToken
	}
	if cfg.BotAccessMode != AccessModePublic && cfg.BotAccessMode != AccessModePrivate {
		return nil, ErrInvalidAccessMode
	}
	if cfg.BotAccessMode == AccessModePrivate && cfg.AdminUserID <= 0 {
		return nil, ErrMissingAdminUserID
	}
	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	if cfg.AppMode != ModeAll && cfg.AppMode != ModeWebhook && cfg.AppMode != ModeWorker {
		return nil, fmt.Errorf("unsupported APP_MODE %q", cfg.AppMode)
	}
	if !gemini.IsKnownModel(cfg.Gemini.DefaultModel) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, cfg.Gemini.DefaultModel)
	}
	if cfg.Chat.HistoryThreshold < 1 || cfg.Chat.RecentWindow < 1 || cfg.Chat.RecentWindow > cfg.Chat.HistoryThreshold {
		return nil, ErrInvalidHistory
	}
	if cfg.Chat.MaxAttachmentBytes <= 0 {
		cfg.Chat.MaxAttachmentBytes = 20 << 20
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	for _, e := range os.Environ() {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 {
			continue
		}
		k, v := parts[0], parts[1]
		if !strings.HasPrefix(k, "MASTER_KEY_") || !strings.HasSuffix(k, "_B64") {
			continue
		}
		if k == "MASTER_KEY_B64" {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "MASTER_KEY_"), "_B64")
		if id == "" || v == "" {
			continue
		}
		keysB64[id] = v
	}

	current := mustEnv("MASTER_KEY_CURRENT_ID", "")
	if singleton := mustEnv("MASTER_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, ErrMissingMasterKey
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		for id := range keys {
			current = id
			break
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{
		CurrentKeyID: current,
		Keys:         keys,
	}, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustInt64(key string, def int64) int64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func mustFloat(key string, def float64) float64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func hostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return def
	}
	return h
}
