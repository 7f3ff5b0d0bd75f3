package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gemchat/internal/gemini"
	"gemchat/internal/session"
)

type sent struct {
	edit      bool
	messageID int64
	text      string
}

type fakeMessenger struct {
	mu      sync.Mutex
	nextID  int64
	log     []sent
	editErr error
}

func (m *fakeMessenger) Send(_ context.Context, _, _ int64, text string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.log = append(m.log, sent{messageID: m.nextID, text: text})
	return m.nextID, nil
}

func (m *fakeMessenger) Edit(_ context.Context, _, messageID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.editErr != nil {
		return m.editErr
	}
	m.log = append(m.log, sent{edit: true, messageID: messageID, text: text})
	return nil
}

func (m *fakeMessenger) last() sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.log[len(m.log)-1]
}

func newRenderer(out Messenger) *StreamRenderer {
	return NewStreamRenderer(context.Background(), out, 42, 7, time.Hour, zerolog.Nop())
}

func TestRendererStreamsIntoPlaceholder(t *testing.T) {
	out := &fakeMessenger{}
	r := newRenderer(out)

	r.Handle(session.Event{Kind: session.EventStateChanged, State: session.AwaitingResponse})
	r.Handle(session.Event{Kind: session.EventFragment, Text: "Hel"})
	r.Handle(session.Event{Kind: session.EventFragment, Text: "Hello"})
	r.Handle(session.Event{Kind: session.EventCompleted, Text: "Hello"})

	if len(out.log) != 3 {
		t.Fatalf("expected placeholder, one throttled edit and final edit, got %+v", out.log)
	}
	if out.log[0].edit || out.log[0].text != placeholderText {
		t.Fatalf("expected placeholder first, got %+v", out.log[0])
	}
	if !out.log[1].edit || out.log[1].text != "Hel▍" {
		t.Fatalf("expected first fragment preview, got %+v", out.log[1])
	}
	if final := out.last(); !final.edit || final.messageID != 1 || final.text != "Hello" {
		t.Fatalf("unexpected final render: %+v", final)
	}
	if !r.Finished() {
		t.Fatalf("renderer should be finished")
	}

	r.Handle(session.Event{Kind: session.EventCompleted, Text: "again"})
	if len(out.log) != 3 {
		t.Fatalf("final text rendered twice")
	}
}

func TestRendererSplitsLongReplies(t *testing.T) {
	out := &fakeMessenger{}
	r := newRenderer(out)
	r.Handle(session.Event{Kind: session.EventStateChanged, State: session.AwaitingResponse})

	long := strings.Repeat(strings.Repeat("x", 99)+"\n", 90)
	r.Handle(session.Event{Kind: session.EventCompleted, Text: long})

	var edits, sends int
	for _, s := range out.log[1:] {
		if len([]rune(s.text)) > MessageLimit {
			t.Fatalf("message over limit: %d runes", len([]rune(s.text)))
		}
		if s.edit {
			edits++
		} else {
			sends++
		}
	}
	if edits != 1 || sends != 2 {
		t.Fatalf("expected one edit and two continuation sends, got %d/%d", edits, sends)
	}
}

func TestRendererOutcomes(t *testing.T) {
	cases := []struct {
		name string
		ev   session.Event
		want string
	}{
		{"rate limit", session.Event{Kind: session.EventRateLimited}, rateLimitNotice},
		{"partial", session.Event{Kind: session.EventFailed, Partial: true, Text: "half"}, "half\n\n" + interruptedNotice},
		{"fallback", session.Event{Kind: session.EventFailed, Text: session.FallbackReply}, session.FallbackReply + " " + failedNotice},
		{"stopped empty", session.Event{Kind: session.EventCancelled}, stoppedNotice},
		{"stopped partial", session.Event{Kind: session.EventCancelled, Text: "so far"}, "so far\n\n" + stoppedNotice},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := &fakeMessenger{}
			r := newRenderer(out)
			r.Handle(session.Event{Kind: session.EventStateChanged, State: session.AwaitingResponse})
			r.Handle(tc.ev)
			if got := out.last().text; got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRendererFallsBackToSendWhenEditFails(t *testing.T) {
	out := &fakeMessenger{}
	r := newRenderer(out)
	r.Handle(session.Event{Kind: session.EventStateChanged, State: session.AwaitingResponse})
	out.editErr = errors.New("message to edit not found")
	r.Handle(session.Event{Kind: session.EventCompleted, Text: "done"})
	if last := out.last(); last.edit || last.text != "done" {
		t.Fatalf("expected a fresh message, got %+v", last)
	}
}

func TestNoticeWithoutPlaceholder(t *testing.T) {
	out := &fakeMessenger{}
	r := newRenderer(out)
	r.Notice("That conversation no longer exists.")
	if len(out.log) != 1 || out.log[0].edit {
		t.Fatalf("expected a single sent message, got %+v", out.log)
	}
}

func TestDescribe(t *testing.T) {
	silent := []error{nil, session.ErrCancelled, fmt.Errorf("wrap: %w", gemini.ErrRateLimited), errors.New("boom")}
	for _, err := range silent {
		if got := Describe(err); got != "" {
			t.Fatalf("expected no text for %v, got %q", err, got)
		}
	}
	loud := []error{
		session.ErrMissingAPIKey,
		session.ErrBusy,
		session.ErrEmptyInput,
		fmt.Errorf("regen: %w", session.ErrInvalidIndex),
		session.ErrNotAssistantMessage,
		session.ErrNotUserMessage,
		session.ErrNoPriorUserTurn,
		session.ErrConversationNotFound,
		session.ErrUnknownModel,
	}
	for _, err := range loud {
		if Describe(err) == "" {
			t.Fatalf("expected user-facing text for %v", err)
		}
	}
}
