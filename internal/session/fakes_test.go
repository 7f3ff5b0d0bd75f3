package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"gemchat/internal/chat"
	"gemchat/internal/gemini"
	"gemchat/internal/storage"
)

type mapKV struct {
	mu   sync.Mutex
	data map[storage.Key]string
}

func newMapKV() *mapKV {
	return &mapKV{data: map[storage.Key]string{}}
}

func (kv *mapKV) Get(_ context.Context, key storage.Key) (string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	v, ok := kv.data[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (kv *mapKV) Set(_ context.Context, key storage.Key, value string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.data[key] = value
	return nil
}

func (kv *mapKV) Remove(_ context.Context, key storage.Key) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.data, key)
	return nil
}

func (kv *mapKV) has(key storage.Key) bool {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	_, ok := kv.data[key]
	return ok
}

type reply struct {
	fragments []string
	openErr   error
	midErr    error
	// block waits for cancellation after the fragments are delivered.
	block bool
}

type fakeGen struct {
	mu        sync.Mutex
	replies   []reply
	requests  []gemini.Request
	summaries []gemini.Request

	summaryText string
	summaryErr  error
}

func (g *fakeGen) queue(r ...reply) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replies = append(g.replies, r...)
}

func (g *fakeGen) StreamGenerateContent(ctx context.Context, _, _ string, req gemini.Request) (Stream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	r := reply{fragments: []string{"ok"}}
	if len(g.replies) > 0 {
		r, g.replies = g.replies[0], g.replies[1:]
	}
	if r.openErr != nil {
		return nil, r.openErr
	}
	return &fakeStream{ctx: ctx, r: r}, nil
}

func (g *fakeGen) GenerateContent(_ context.Context, _, _ string, req gemini.Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.summaries = append(g.summaries, req)
	if g.summaryErr != nil {
		return "", g.summaryErr
	}
	return g.summaryText, nil
}

func (g *fakeGen) lastRequest(t *testing.T) gemini.Request {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	require.NotEmpty(t, g.requests)
	return g.requests[len(g.requests)-1]
}

func (g *fakeGen) summaryCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.summaries)
}

type fakeStream struct {
	ctx    context.Context
	r      reply
	closed bool
}

func (s *fakeStream) Next() (string, error) {
	if len(s.r.fragments) > 0 {
		f := s.r.fragments[0]
		s.r.fragments = s.r.fragments[1:]
		return f, nil
	}
	if s.r.midErr != nil {
		return "", s.r.midErr
	}
	if s.r.block {
		<-s.ctx.Done()
		return "", s.ctx.Err()
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) texts(kind EventKind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev.Text)
		}
	}
	return out
}

type fixture struct {
	kv  *mapKV
	gen *fakeGen
	rec *recorder
	m   *Manager
}

func testClock() func() time.Time {
	var tick atomic.Int64
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Second)
	}
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{kv: newMapKV(), gen: &fakeGen{summaryText: "they talked a lot"}, rec: &recorder{}}
	f.m = f.open(t, mutate...)
	return f
}

func (f *fixture) open(t *testing.T, mutate ...func(*Options)) *Manager {
	t.Helper()
	opts := Options{
		ProfileID:     "test",
		KV:            f.kv,
		Generator:     f.gen,
		Listener:      f.rec.listen,
		Logger:        zerolog.Nop(),
		Now:           testClock(),
		DefaultAPIKey: "test-key",
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	m, err := Open(context.Background(), opts)
	require.NoError(t, err)
	return m
}

// seed stores conv as the only, active conversation.
func seed(t *testing.T, kv *mapKV, conv chat.Conversation) {
	t.Helper()
	b, err := json.Marshal([]chat.Conversation{conv})
	require.NoError(t, err)
	require.NoError(t, kv.Set(context.Background(), storage.KeyConversations, string(b)))
	require.NoError(t, kv.Set(context.Background(), storage.KeyActiveConversation, conv.ID))
}

// alternating builds n messages starting with a user turn, content m0..m(n-1).
func alternating(n int) []chat.Message {
	msgs := make([]chat.Message, n)
	for i := range msgs {
		msgs[i] = chat.Message{Content: fmt.Sprintf("m%d", i), IsUser: i%2 == 0}
	}
	return msgs
}

func partTexts(req gemini.Request) []string {
	out := make([]string, 0, len(req.Contents))
	for _, c := range req.Contents {
		if len(c.Parts) == 0 {
			out = append(out, "")
			continue
		}
		out = append(out, c.Parts[0].Text)
	}
	return out
}
