package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"gemchat/internal/gemini"
	"gemchat/internal/session"
)

const (
	placeholderText   = "…"
	rateLimitNotice   = "Gemini rate limit reached. Wait a minute and send your message again; nothing was added to the conversation."
	interruptedNotice = "⚠️ The response was interrupted. Use /regen to try again."
	failedNotice      = "Use /regen to retry."
	stoppedNotice     = "⏹ Stopped."
	sendTimeout       = 15 * time.Second
)

// Messenger is the slice of the Bot API a StreamRenderer needs.
type Messenger interface {
	Send(ctx context.Context, chatID, replyTo int64, text string) (int64, error)
	Edit(ctx context.Context, chatID, messageID int64, text string) error
}

type botMessenger struct {
	bot *gotgbot.Bot
}

// NewMessenger adapts a bot to Messenger.
func NewMessenger(b *gotgbot.Bot) Messenger {
	return botMessenger{bot: b}
}

func (m botMessenger) Send(ctx context.Context, chatID, replyTo int64, text string) (int64, error) {
	opts := &gotgbot.SendMessageOpts{LinkPreviewOptions: &gotgbot.LinkPreviewOptions{IsDisabled: true}}
	if replyTo > 0 {
		opts.ReplyParameters = &gotgbot.ReplyParameters{MessageId: replyTo, AllowSendingWithoutReply: true}
	}
	msg, err := m.bot.SendMessageWithContext(ctx, chatID, text, opts)
	if err != nil {
		return 0, redactErr(err, m.bot.Token)
	}
	return msg.MessageId, nil
}

func (m botMessenger) Edit(ctx context.Context, chatID, messageID int64, text string) error {
	_, _, err := m.bot.EditMessageTextWithContext(ctx, text, &gotgbot.EditMessageTextOpts{
		ChatId:             chatID,
		MessageId:          messageID,
		LinkPreviewOptions: &gotgbot.LinkPreviewOptions{IsDisabled: true},
	})
	if err != nil && strings.Contains(err.Error(), "message is not modified") {
		return nil
	}
	return redactErr(err, m.bot.Token)
}

// StreamRenderer turns session events for one job into Telegram messages: a
// placeholder reply, throttled edits while fragments arrive and the final
// text split across as many messages as it needs.
type StreamRenderer struct {
	ctx     context.Context
	out     Messenger
	chatID  int64
	replyTo int64
	log     zerolog.Logger
	edits   rate.Sometimes

	mu          sync.Mutex
	placeholder int64
	shown       string
	finished    bool
}

// NewStreamRenderer renders into chatID, replying to replyTo. ctx should
// outlive the exchange so final edits land after a cancellation.
func NewStreamRenderer(ctx context.Context, out Messenger, chatID, replyTo int64, editInterval time.Duration, log zerolog.Logger) *StreamRenderer {
	if editInterval <= 0 {
		editInterval = time.Second
	}
	return &StreamRenderer{
		ctx:     ctx,
		out:     out,
		chatID:  chatID,
		replyTo: replyTo,
		log:     log,
		edits:   rate.Sometimes{Interval: editInterval},
	}
}

// Handle is a session.Listener.
func (r *StreamRenderer) Handle(ev session.Event) {
	switch ev.Kind {
	case session.EventStateChanged:
		if ev.State == session.AwaitingResponse {
			r.ensurePlaceholder()
		}
	case session.EventFragment:
		r.edits.Do(func() { r.progress(ev.Text) })
	case session.EventCompleted:
		r.final(ev.Text)
	case session.EventRateLimited:
		r.final(rateLimitNotice)
	case session.EventFailed:
		if ev.Partial {
			r.final(ev.Text + "\n\n" + interruptedNotice)
			return
		}
		r.final(ev.Text + " " + failedNotice)
	case session.EventCancelled:
		if strings.TrimSpace(ev.Text) == "" {
			r.final(stoppedNotice)
			return
		}
		r.final(ev.Text + "\n\n" + stoppedNotice)
	}
}

// Notice replaces the placeholder, or replies, with text.
func (r *StreamRenderer) Notice(text string) {
	r.final(text)
}

// Finished reports whether a final message was rendered.
func (r *StreamRenderer) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

func (r *StreamRenderer) ensurePlaceholder() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.placeholder != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, sendTimeout)
	defer cancel()
	id, err := r.out.Send(ctx, r.chatID, r.replyTo, placeholderText)
	if err != nil {
		r.log.Warn().Err(err).Msg("send placeholder")
		return
	}
	r.placeholder = id
	r.shown = placeholderText
}

func (r *StreamRenderer) progress(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished || r.placeholder == 0 {
		return
	}
	preview := ClipRunes(text, MessageLimit-1) + "▍"
	if preview == r.shown {
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, sendTimeout)
	defer cancel()
	if err := r.out.Edit(ctx, r.chatID, r.placeholder, preview); err != nil {
		r.log.Debug().Err(err).Msg("edit progress")
		return
	}
	r.shown = preview
}

func (r *StreamRenderer) final(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	r.finished = true

	ctx, cancel := context.WithTimeout(r.ctx, sendTimeout)
	defer cancel()
	chunks := SplitText(text, MessageLimit)
	if len(chunks) == 0 {
		chunks = []string{placeholderText}
	}
	first := chunks[0]
	if r.placeholder != 0 {
		if err := r.out.Edit(ctx, r.chatID, r.placeholder, first); err != nil {
			r.log.Warn().Err(err).Msg("edit final reply")
			if _, err := r.out.Send(ctx, r.chatID, r.replyTo, first); err != nil {
				r.log.Error().Err(err).Msg("send final reply")
			}
		}
	} else if _, err := r.out.Send(ctx, r.chatID, r.replyTo, first); err != nil {
		r.log.Error().Err(err).Msg("send final reply")
	}
	for _, chunk := range chunks[1:] {
		if _, err := r.out.Send(ctx, r.chatID, 0, chunk); err != nil {
			r.log.Error().Err(err).Msg("send reply continuation")
			return
		}
	}
}

// Describe maps an error from a session operation to a user-facing line, or
// "" when the renderer already showed the outcome.
func Describe(err error) string {
	switch {
	case err == nil,
		errors.Is(err, session.ErrCancelled),
		errors.Is(err, gemini.ErrRateLimited):
		return ""
	case errors.Is(err, session.ErrMissingAPIKey):
		return "No Gemini API key is configured. Send /apikey in a private chat with me to add yours."
	case errors.Is(err, session.ErrBusy):
		return "Still answering your previous message. Use /stop to interrupt it."
	case errors.Is(err, session.ErrEmptyInput):
		return "Nothing to send: the message was empty."
	case errors.Is(err, session.ErrInvalidIndex):
		return "There is no message with that number. Use /show to list them."
	case errors.Is(err, session.ErrNotAssistantMessage):
		return "Only assistant replies can be regenerated. Use /show to find their numbers."
	case errors.Is(err, session.ErrNotUserMessage):
		return "Only your own messages can be edited. Use /show to find their numbers."
	case errors.Is(err, session.ErrNoPriorUserTurn):
		return "That reply has no message of yours before it."
	case errors.Is(err, session.ErrConversationNotFound):
		return "That conversation no longer exists."
	case errors.Is(err, session.ErrUnknownModel):
		return "Unknown model. Use /model to pick one."
	default:
		return ""
	}
}
