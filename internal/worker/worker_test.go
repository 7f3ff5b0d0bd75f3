package worker

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"gemchat/internal/gemini"
	"gemchat/internal/queue"
	"gemchat/internal/session"
	"gemchat/internal/storage"
)

type fakeStream struct {
	ctx       context.Context
	fragments []string
	block     bool
}

func (s *fakeStream) Next() (string, error) {
	if len(s.fragments) > 0 {
		f := s.fragments[0]
		s.fragments = s.fragments[1:]
		return f, nil
	}
	if s.block {
		<-s.ctx.Done()
		return "", s.ctx.Err()
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error { return nil }

type fakeGen struct {
	fragments []string
	openErr   error
	block     bool
}

func (g *fakeGen) StreamGenerateContent(ctx context.Context, _, _ string, _ gemini.Request) (session.Stream, error) {
	if g.openErr != nil {
		return nil, g.openErr
	}
	return &fakeStream{ctx: ctx, fragments: append([]string(nil), g.fragments...), block: g.block}, nil
}

func (g *fakeGen) GenerateContent(context.Context, string, string, gemini.Request) (string, error) {
	return "summary", nil
}

type fakeMessenger struct {
	mu     sync.Mutex
	nextID int64
	texts  []string
	placed chan struct{}
}

func (m *fakeMessenger) Send(_ context.Context, _, _ int64, text string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.texts = append(m.texts, text)
	if m.placed != nil && m.nextID == 1 {
		close(m.placed)
	}
	return m.nextID, nil
}

func (m *fakeMessenger) Edit(_ context.Context, _, _ int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	return nil
}

func (m *fakeMessenger) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.texts) == 0 {
		return ""
	}
	return m.texts[len(m.texts)-1]
}

func (m *fakeMessenger) all() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strings.Join(m.texts, "\n")
}

type harness struct {
	w     *Worker
	out   *fakeMessenger
	store *storage.Store
	gen   *fakeGen
	bus   *queue.CancelBus
	locks *queue.InFlight
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	dsn := "file:" + filepath.Join(t.TempDir(), "worker.db")
	store, err := storage.Open(context.Background(), "sqlite", dsn, true, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		out:   &fakeMessenger{},
		store: store,
		gen:   &fakeGen{fragments: []string{"Hel", "lo"}},
		bus:   queue.NewCancelBus(rdb, "test"),
		locks: queue.NewInFlight(rdb, "test", time.Minute),
	}
	h.w = New(Config{
		Messenger: h.out,
		Sessions: session.Factory{
			Store:         store,
			Generator:     h.gen,
			Logger:        zerolog.Nop(),
			DefaultAPIKey: "key",
		},
		Queue:        queue.NewStreamQueue(rdb, "test:jobs", "workers", "w1", 10*time.Millisecond),
		InFlight:     h.locks,
		Cancels:      h.bus,
		EditInterval: time.Hour,
		JobTimeout:   10 * time.Second,
		Logger:       zerolog.Nop(),
	})
	return h
}

func (h *harness) run(t *testing.T, job queue.ExchangeJob) error {
	t.Helper()
	if job.JobID == "" {
		job.JobID = "job-1"
	}
	if job.ProfileID == "" {
		job.ProfileID = "tg:1"
	}
	ok, err := h.locks.Acquire(context.Background(), job.ProfileID, job.JobID)
	if err != nil || !ok {
		t.Fatalf("acquire: %v %v", ok, err)
	}
	err = h.w.processJob(context.Background(), job)
	holder, herr := h.locks.Holder(context.Background(), job.ProfileID)
	if herr != nil || holder != "" {
		t.Fatalf("in-flight lock not released: %q %v", holder, herr)
	}
	return err
}

func (h *harness) session(t *testing.T) *session.Manager {
	t.Helper()
	mgr, err := h.w.sessions.Open(context.Background(), "tg:1", "", nil)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	return mgr
}

func TestSendJobRendersAndPersists(t *testing.T) {
	h := newHarness(t)
	if err := h.run(t, queue.ExchangeJob{Op: queue.OpSend, ChatID: 1, Text: "hi"}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := h.out.last(); got != "Hello" {
		t.Fatalf("expected final reply Hello, got %q", got)
	}

	active := h.session(t).Active()
	if len(active.Messages) != 2 || active.Messages[1].Content != "Hello" {
		t.Fatalf("unexpected stored conversation: %+v", active.Messages)
	}

	h.gen.fragments = []string{"Again"}
	if err := h.run(t, queue.ExchangeJob{Op: queue.OpRegenerate, ChatID: 1, ConversationID: active.ID, Index: 1}); err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	regen, err := h.session(t).Conversation(active.ID)
	if err != nil {
		t.Fatalf("load conversation: %v", err)
	}
	if len(regen.Messages) != 2 || regen.Messages[1].Content != "Again" {
		t.Fatalf("unexpected regenerated conversation: %+v", regen.Messages)
	}
}

func TestMissingConversationIsReported(t *testing.T) {
	h := newHarness(t)
	err := h.run(t, queue.ExchangeJob{Op: queue.OpRegenerate, ChatID: 1, ConversationID: "gone", Index: 1})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !strings.Contains(h.out.last(), "no longer exists") {
		t.Fatalf("unexpected notice: %q", h.out.last())
	}
}

func TestUserErrorsAreNotJobFailures(t *testing.T) {
	h := newHarness(t)
	if err := h.run(t, queue.ExchangeJob{Op: queue.OpSend, ChatID: 1, Text: "hi"}); err != nil {
		t.Fatalf("process: %v", err)
	}
	convID := h.session(t).Active().ID

	err := h.run(t, queue.ExchangeJob{Op: queue.OpRegenerate, ChatID: 1, ConversationID: convID, Index: 0})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !strings.Contains(h.out.last(), "Only assistant replies") {
		t.Fatalf("unexpected notice: %q", h.out.last())
	}
}

func TestGenericFailureRendersFallback(t *testing.T) {
	h := newHarness(t)
	h.gen.openErr = &gemini.StatusError{Code: 500, Body: "internal"}
	err := h.run(t, queue.ExchangeJob{Op: queue.OpSend, ChatID: 1, Text: "hi"})
	if err == nil {
		t.Fatalf("expected a job error")
	}
	if !strings.Contains(h.out.last(), session.FallbackReply) {
		t.Fatalf("unexpected final text: %q", h.out.last())
	}
}

func TestRateLimitIsNotAJobFailure(t *testing.T) {
	h := newHarness(t)
	h.gen.openErr = gemini.ErrRateLimited
	if err := h.run(t, queue.ExchangeJob{Op: queue.OpSend, ChatID: 1, Text: "hi"}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !strings.Contains(h.out.last(), "rate limit") {
		t.Fatalf("unexpected notice: %q", h.out.last())
	}
	if n := len(h.session(t).Active().Messages); n != 1 {
		t.Fatalf("expected only the user turn to be stored, got %d messages", n)
	}
}

func TestOversizedAttachmentIsSkipped(t *testing.T) {
	h := newHarness(t)
	job := queue.ExchangeJob{
		Op:          queue.OpSend,
		ChatID:      1,
		Text:        "look",
		Attachments: []queue.Attachment{{FileID: "f", Name: "huge.bin", Size: 25 << 20}},
	}
	if err := h.run(t, job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !strings.Contains(h.out.all(), "Could not attach huge.bin.") {
		t.Fatalf("missing attachment note in %q", h.out.all())
	}
	msgs := h.session(t).Active().Messages
	if len(msgs) != 2 || len(msgs[0].Files) != 0 {
		t.Fatalf("expected a text-only turn and a reply, got %+v", msgs)
	}
}

func TestCancelBusStopsExchange(t *testing.T) {
	h := newHarness(t)
	h.gen.fragments = []string{"partial"}
	h.gen.block = true
	h.out.placed = make(chan struct{})

	job := queue.ExchangeJob{JobID: "job-1", Op: queue.OpSend, ProfileID: "tg:1", ChatID: 1, Text: "long story"}
	if ok, err := h.locks.Acquire(context.Background(), job.ProfileID, job.JobID); err != nil || !ok {
		t.Fatalf("acquire: %v %v", ok, err)
	}
	done := make(chan error, 1)
	go func() {
		done <- h.w.processJob(context.Background(), job)
	}()

	select {
	case <-h.out.placed:
	case <-time.After(5 * time.Second):
		t.Fatalf("placeholder never sent")
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err := h.bus.Publish(context.Background(), "tg:1")
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no subscriber for cancellations")
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error after cancel, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("exchange did not stop")
	}
	if !strings.Contains(h.out.last(), "Stopped") {
		t.Fatalf("unexpected final text: %q", h.out.last())
	}
	msgs := h.session(t).Active().Messages
	if len(msgs) != 2 || msgs[1].Content != "partial" {
		t.Fatalf("expected the partial reply to be kept, got %+v", msgs)
	}
}
