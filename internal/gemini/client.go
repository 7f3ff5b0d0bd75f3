package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"gemchat/internal/sse"
)

const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/models"

var (
	ErrRateLimited   = errors.New("gemini: rate limit exceeded")
	ErrMissingAPIKey = errors.New("gemini: api key is empty")
	ErrEmptyResponse = errors.New("gemini: response has no candidate text")
)

type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("gemini status %d", e.Code)
	}
	return fmt.Sprintf("gemini status %d: %s", e.Code, e.Body)
}

type Config struct {
	BaseURL string
	// HTTPClient must not carry a Timeout: it would cut long streams short.
	// Deadlines come from the request context instead.
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	return &Client{cfg: cfg}
}

// StreamGenerateContent opens a streaming generation. The caller owns the
// returned decoder and must Close it.
func (c *Client) StreamGenerateContent(ctx context.Context, model, apiKey string, req Request) (*sse.Decoder, error) {
	endpoint, err := c.endpointURL(model, "streamGenerateContent", apiKey, true)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, endpoint, req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return sse.NewDecoder(resp.Body, c.cfg.Logger.With().Str("model", model).Logger()), nil
}

// GenerateContent runs a single non-streaming generation and returns the
// candidate text.
func (c *Client) GenerateContent(ctx context.Context, model, apiKey string, req Request) (string, error) {
	endpoint, err := c.endpointURL(model, "generateContent", apiKey, false)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.post(ctx, endpoint, req)
	if err != nil {
		return "", err
	}
	if err := checkStatus(resp); err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}
	text, err := sse.CandidateText(body)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload Request) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal generate payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", redact(err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", redact(err))
	}
	return resp, nil
}

func (c *Client) endpointURL(model, method, apiKey string, stream bool) (string, error) {
	if strings.TrimSpace(apiKey) == "" {
		return "", ErrMissingAPIKey
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultModel
	}
	u, err := url.Parse(strings.TrimSuffix(strings.TrimSpace(c.cfg.BaseURL), "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = u.Path + "/" + model + ":" + method
	q := u.Query()
	if stream {
		q.Set("alt", "sse")
	}
	q.Set("key", apiKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return ErrRateLimited
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

// redact strips the api key from URLs embedded in transport errors.
func redact(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		ue.URL = redactURL(ue.URL)
	}
	return err
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable url>"
	}
	q := u.Query()
	if q.Has("key") {
		q.Set("key", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
