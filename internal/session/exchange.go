package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"gemchat/internal/chat"
	"gemchat/internal/gemini"
)

type pending struct {
	convID string
	text   strings.Builder
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   bool
}

func (p *pending) cancelled() bool {
	return p.ctx != nil && errors.Is(context.Cause(p.ctx), ErrCancelled)
}

// Send appends a user turn to the active conversation and runs the exchange
// for it. It blocks until the reply is complete, has failed, or was cancelled.
func (m *Manager) Send(ctx context.Context, text string, files []chat.FileRef) error {
	if err := m.AppendUserTurn(ctx, text, files); err != nil {
		return err
	}
	return m.Exchange(ctx)
}

// AppendUserTurn adds a user message to the active conversation and marks a
// reply as awaited. It does not contact the API.
func (m *Manager) AppendUserTurn(ctx context.Context, text string, files []chat.FileRef) error {
	text = strings.TrimSpace(text)
	if text == "" && len(files) == 0 {
		return ErrEmptyInput
	}

	m.mu.Lock()
	if err := m.readyLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	if chat.IndexByID(m.convs, m.activeID) < 0 {
		m.convs = append(m.convs, m.draft)
		m.setActiveLocked(ctx, m.draft.ID)
	}
	conv := m.activeLocked()
	now := m.opts.Now()
	conv.Messages = append(conv.Messages, chat.Message{
		Content:   text,
		IsUser:    true,
		Files:     files,
		Timestamp: now,
	})
	conv.Timestamp = now
	m.persistLocked(ctx)
	ev := m.beginLocked(conv.ID)
	m.mu.Unlock()

	m.emit(ev)
	return nil
}

// Regenerate drops the assistant message at index and everything after it,
// then answers the nearest preceding user turn again.
func (m *Manager) Regenerate(ctx context.Context, index int) error {
	m.mu.Lock()
	if err := m.readyLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	conv := m.activeLocked()
	if index < 0 || index >= len(conv.Messages) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	if conv.Messages[index].IsUser {
		m.mu.Unlock()
		return ErrNotAssistantMessage
	}
	prior := lastUserIndex(conv.Messages[:index])
	if prior < 0 {
		m.mu.Unlock()
		return ErrNoPriorUserTurn
	}
	ev := m.rewindLocked(ctx, conv, prior)
	m.mu.Unlock()

	m.emit(ev)
	return m.Exchange(ctx)
}

// EditAndResend replaces the text of the user message at index, discards
// everything after it and requests a new reply.
func (m *Manager) EditAndResend(ctx context.Context, index int, text string) error {
	text = strings.TrimSpace(text)

	m.mu.Lock()
	if err := m.readyLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	conv := m.activeLocked()
	if index < 0 || index >= len(conv.Messages) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	msg := &conv.Messages[index]
	if !msg.IsUser {
		m.mu.Unlock()
		return ErrNotUserMessage
	}
	if text == "" && len(msg.Files) == 0 {
		m.mu.Unlock()
		return ErrEmptyInput
	}
	msg.Content = text
	ev := m.rewindLocked(ctx, conv, index)
	m.mu.Unlock()

	m.emit(ev)
	return m.Exchange(ctx)
}

// rewindLocked truncates conv after keep and starts a new exchange for it.
// Truncation invalidates the cached summary.
func (m *Manager) rewindLocked(ctx context.Context, conv *chat.Conversation, keep int) Event {
	conv.Messages = conv.Messages[:keep+1]
	conv.Timestamp = m.opts.Now()
	if err := m.store.dropSummary(ctx, conv.ID); err != nil {
		m.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("drop summary")
	}
	m.persistLocked(ctx)
	return m.beginLocked(conv.ID)
}

func (m *Manager) readyLocked() error {
	if m.state != Idle {
		return ErrBusy
	}
	if m.cfg.apiKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

func (m *Manager) beginLocked(convID string) Event {
	m.state = AwaitingResponse
	m.pending = &pending{convID: convID}
	return Event{Kind: EventStateChanged, ConversationID: convID, State: AwaitingResponse}
}

// Exchange runs the request/stream cycle for the awaited reply. Rate limiting
// returns gemini.ErrRateLimited and leaves the conversation untouched; other
// failures append FallbackReply, or keep the partial text when the stream
// broke midway.
func (m *Manager) Exchange(ctx context.Context) error {
	m.mu.Lock()
	p := m.pending
	if p == nil || p.ctx != nil || m.state != AwaitingResponse {
		m.mu.Unlock()
		return ErrNotStreaming
	}
	xctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	p.ctx, p.cancel = xctx, cancel
	conv := m.conversationLocked(p.convID)
	if conv == nil {
		m.finishLocked()
		m.mu.Unlock()
		return ErrConversationNotFound
	}
	conv.RequestCount++
	snapshot := conv.Clone()
	cfg := m.cfg
	m.mu.Unlock()

	log := m.log.With().Str("conversation_id", p.convID).Str("model", cfg.model).Logger()

	req, err := m.buildPayload(xctx, snapshot, cfg)
	if err != nil {
		return m.fail(ctx, p, err)
	}
	if p.cancelled() {
		return m.fail(ctx, p, ErrCancelled)
	}

	log.Debug().Int("contents", len(req.Contents)).Msg("opening stream")
	stream, err := m.opts.Generator.StreamGenerateContent(xctx, cfg.model, cfg.apiKey, req)
	if err != nil {
		return m.fail(ctx, p, err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			log.Debug().Err(err).Msg("close stream")
		}
		if s, ok := stream.(interface{ Skipped() int }); ok && s.Skipped() > 0 {
			m.metrics.DecodeSkipped.Add(float64(s.Skipped()))
		}
	}()

	m.mu.Lock()
	if m.pending != p {
		m.mu.Unlock()
		return ErrCancelled
	}
	m.state = Streaming
	m.mu.Unlock()
	m.emit(Event{Kind: EventStateChanged, ConversationID: p.convID, State: Streaming})

	for {
		frag, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return m.fail(ctx, p, err)
		}
		if err := m.applyFragment(p, frag); err != nil {
			return m.fail(ctx, p, err)
		}
	}
	if p.cancelled() {
		return m.fail(ctx, p, ErrCancelled)
	}

	_, err = m.finalize(ctx, p)
	return err
}

// ApplyResponseFragment appends text to the reply being assembled.
func (m *Manager) ApplyResponseFragment(text string) error {
	m.mu.Lock()
	p := m.pending
	m.mu.Unlock()
	if p == nil {
		return ErrNotStreaming
	}
	return m.applyFragment(p, text)
}

func (m *Manager) applyFragment(p *pending, text string) error {
	m.mu.Lock()
	if m.pending != p || p.done {
		m.mu.Unlock()
		return ErrNotStreaming
	}
	if p.cancelled() {
		m.mu.Unlock()
		return ErrCancelled
	}
	var events []Event
	if m.state == AwaitingResponse {
		m.state = Streaming
		events = append(events, Event{Kind: EventStateChanged, ConversationID: p.convID, State: Streaming})
	}
	p.text.WriteString(text)
	events = append(events, Event{Kind: EventFragment, ConversationID: p.convID, State: Streaming, Text: p.text.String()})
	m.mu.Unlock()

	m.metrics.Fragments.Inc()
	m.emit(events...)
	return nil
}

// FinalizeResponse commits the assembled reply as one assistant message,
// persists the conversation and returns to Idle. It succeeds at most once per
// reply.
func (m *Manager) FinalizeResponse(ctx context.Context) (chat.Message, error) {
	m.mu.Lock()
	p := m.pending
	m.mu.Unlock()
	if p == nil {
		return chat.Message{}, ErrNotStreaming
	}
	return m.finalize(ctx, p)
}

func (m *Manager) finalize(ctx context.Context, p *pending) (chat.Message, error) {
	m.mu.Lock()
	if m.pending != p || p.done {
		m.mu.Unlock()
		return chat.Message{}, ErrNotStreaming
	}
	text := p.text.String()
	if text == "" {
		m.mu.Unlock()
		return chat.Message{}, m.fail(ctx, p, gemini.ErrEmptyResponse)
	}
	msg := chat.Message{Content: text, Timestamp: m.opts.Now()}
	m.commitLocked(ctx, p, msg)
	m.finishLocked()
	m.mu.Unlock()

	m.metrics.Exchanges.WithLabelValues("completed").Inc()
	m.emit(
		Event{Kind: EventCompleted, ConversationID: p.convID, State: Idle, Text: text},
		Event{Kind: EventStateChanged, ConversationID: p.convID, State: Idle},
	)
	return msg, nil
}

// fail ends the exchange after cause. The returned error is what the caller
// of Exchange sees.
func (m *Manager) fail(ctx context.Context, p *pending, cause error) error {
	m.mu.Lock()
	if m.pending != p || p.done {
		m.mu.Unlock()
		return cause
	}
	partial := p.text.String()
	streaming := m.state == Streaming
	log := m.log.With().Str("conversation_id", p.convID).Logger()

	var (
		events  []Event
		outcome string
		result  error
	)
	switch {
	case p.cancelled() || errors.Is(cause, ErrCancelled):
		outcome = "cancelled"
		if partial != "" {
			m.commitLocked(ctx, p, chat.Message{Content: partial, Timestamp: m.opts.Now()})
		} else {
			m.persistLocked(ctx)
		}
		events = append(events, Event{Kind: EventCancelled, ConversationID: p.convID, Text: partial})
		result = ErrCancelled
		log.Info().Int("partial_len", len(partial)).Msg("exchange cancelled")
	case errors.Is(cause, gemini.ErrRateLimited):
		outcome = "rate_limited"
		m.persistLocked(ctx)
		events = append(events,
			Event{Kind: EventStateChanged, ConversationID: p.convID, State: Failed},
			Event{Kind: EventRateLimited, ConversationID: p.convID, State: Failed, Err: cause},
		)
		result = cause
		log.Warn().Msg("rate limited")
	case streaming && partial != "":
		outcome = "partial"
		m.commitLocked(ctx, p, chat.Message{Content: partial, Timestamp: m.opts.Now()})
		events = append(events, Event{Kind: EventFailed, ConversationID: p.convID, Text: partial, Partial: true, Err: cause})
		result = fmt.Errorf("stream interrupted: %w", cause)
		log.Warn().Err(cause).Int("partial_len", len(partial)).Msg("stream failed midway, keeping partial reply")
	default:
		outcome = "failed"
		if !streaming {
			events = append(events, Event{Kind: EventStateChanged, ConversationID: p.convID, State: Failed})
		}
		m.commitLocked(ctx, p, chat.Message{Content: FallbackReply, Timestamp: m.opts.Now()})
		events = append(events, Event{Kind: EventFailed, ConversationID: p.convID, State: Failed, Text: FallbackReply, Err: cause})
		result = fmt.Errorf("exchange failed: %w", cause)
		log.Error().Err(cause).Msg("exchange failed")
	}
	m.finishLocked()
	m.mu.Unlock()

	m.metrics.Exchanges.WithLabelValues(outcome).Inc()
	events = append(events, Event{Kind: EventStateChanged, ConversationID: p.convID, State: Idle})
	m.emit(events...)
	return result
}

// commitLocked appends msg to the conversation the exchange belongs to, which
// need not be the active one any more. A conversation deleted meanwhile
// swallows the reply.
func (m *Manager) commitLocked(ctx context.Context, p *pending, msg chat.Message) {
	p.done = true
	i := chat.IndexByID(m.convs, p.convID)
	if i < 0 {
		m.log.Info().Str("conversation_id", p.convID).Msg("conversation removed before reply landed")
		return
	}
	m.convs[i].Messages = append(m.convs[i].Messages, msg)
	m.convs[i].Timestamp = msg.Timestamp
	m.persistLocked(ctx)
}

func (m *Manager) finishLocked() {
	if m.pending != nil {
		m.pending.done = true
	}
	m.pending = nil
	m.state = Idle
}

// Cancel aborts the in-flight exchange, if any. Streamed text is kept.
func (m *Manager) Cancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelLocked()
}

func (m *Manager) cancelLocked() bool {
	p := m.pending
	if p == nil {
		return false
	}
	if p.cancel != nil {
		p.cancel(ErrCancelled)
		return true
	}
	// Turn appended but never sent.
	m.finishLocked()
	return true
}
