package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/v1beta/models", Logger: zerolog.Nop()})
}

func TestStreamGenerateContent(t *testing.T) {
	var gotPath, gotAlt, gotKey string
	var gotReq Request
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAlt = r.URL.Query().Get("alt")
		gotKey = r.URL.Query().Get("key")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frag := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":%q}]}}]}\n\n", frag)
		}
	})

	req := Request{
		Contents: []Content{{
			Role:  RoleUser,
			Parts: []Part{TextPart("hi"), BlobPart("image/png", "aGk=")},
		}},
		GenerationConfig: DefaultGenerationConfig(),
	}
	dec, err := c.StreamGenerateContent(context.Background(), "gemini-2.5-pro", "secret", req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer dec.Close()

	var sb strings.Builder
	for {
		f, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		sb.WriteString(f)
	}

	if sb.String() != "Hello" {
		t.Fatalf("expected Hello, got %q", sb.String())
	}
	if gotPath != "/v1beta/models/gemini-2.5-pro:streamGenerateContent" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAlt != "sse" || gotKey != "secret" {
		t.Fatalf("unexpected query alt=%q key=%q", gotAlt, gotKey)
	}
	if len(gotReq.Contents) != 1 || len(gotReq.Contents[0].Parts) != 2 {
		t.Fatalf("unexpected contents %#v", gotReq.Contents)
	}
	if gotReq.Contents[0].Parts[1].InlineData == nil || gotReq.Contents[0].Parts[1].InlineData.MimeType != "image/png" {
		t.Fatalf("inline data missing: %#v", gotReq.Contents[0].Parts[1])
	}
	if gotReq.GenerationConfig.TopK != 40 || gotReq.GenerationConfig.MaxOutputTokens != 8192 {
		t.Fatalf("unexpected generation config %#v", gotReq.GenerationConfig)
	}
}

func TestStreamGenerateContentRateLimited(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429}}`))
	})

	_, err := c.StreamGenerateContent(context.Background(), DefaultModel, "k", Request{})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestStreamGenerateContentStatusError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad model"))
	})

	_, err := c.StreamGenerateContent(context.Background(), DefaultModel, "k", Request{})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Code != http.StatusBadRequest || se.Body != "bad model" {
		t.Fatalf("unexpected status error %#v", se)
	}
}

func TestGenerateContent(t *testing.T) {
	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.URL.Query().Has("alt") {
			t.Errorf("non-streaming call must not ask for sse")
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"short summary"}]}}]}`))
	})

	text, err := c.GenerateContent(context.Background(), "", "k", Request{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text != "short summary" {
		t.Fatalf("unexpected text %q", text)
	}
	if gotPath != "/v1beta/models/"+DefaultModel+":generateContent" {
		t.Fatalf("unexpected path %q", gotPath)
	}
}

func TestGenerateContentEmpty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	})
	if _, err := c.GenerateContent(context.Background(), DefaultModel, "k", Request{}); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestMissingAPIKey(t *testing.T) {
	c := New(Config{})
	if _, err := c.StreamGenerateContent(context.Background(), DefaultModel, " ", Request{}); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestTransportErrorRedactsKey(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1/v1beta/models"})
	_, err := c.StreamGenerateContent(context.Background(), DefaultModel, "very-secret", Request{})
	if err == nil {
		t.Fatalf("expected transport error")
	}
	if strings.Contains(err.Error(), "very-secret") {
		t.Fatalf("api key leaked in error: %v", err)
	}
}
