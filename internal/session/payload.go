package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gemchat/internal/chat"
	"gemchat/internal/gemini"
	"gemchat/internal/storage"
)

const (
	DefaultHistoryThreshold = 50
	DefaultRecentWindow     = 20

	// DescribeFilePrompt stands in for the text of a turn that only carries
	// attachments.
	DescribeFilePrompt = "Describe this file."
	systemAck          = "Understood."
	condensedPrefix    = "Summary of the earlier part of this conversation:\n"

	summaryClipRunes = 2000
)

// BuildRequestPayload assembles the request for the newest user turn of the
// conversation being answered (or the active one when nothing is in flight):
// optional system pair, optional condensed entry, recent history, new turn.
// The history is condensed once the conversation, counting the new turn,
// holds more than HistoryThreshold messages.
func (m *Manager) BuildRequestPayload(ctx context.Context) (gemini.Request, error) {
	m.mu.Lock()
	var conv chat.Conversation
	if m.pending != nil {
		if c := m.conversationLocked(m.pending.convID); c != nil {
			conv = c.Clone()
		}
	} else {
		conv = m.activeLocked().Clone()
	}
	cfg := m.cfg
	m.mu.Unlock()

	return m.buildPayload(ctx, conv, cfg)
}

func (m *Manager) buildPayload(ctx context.Context, conv chat.Conversation, cfg settings) (gemini.Request, error) {
	last := lastUserIndex(conv.Messages)
	if last < 0 {
		return gemini.Request{}, ErrNoPriorUserTurn
	}
	history := conv.Messages[:last]

	contents := make([]gemini.Content, 0, len(history)+4)
	if prompt := strings.TrimSpace(cfg.systemPrompt); prompt != "" {
		contents = append(contents,
			gemini.Content{Role: gemini.RoleUser, Parts: []gemini.Part{gemini.TextPart(prompt)}},
			gemini.Content{Role: gemini.RoleModel, Parts: []gemini.Part{gemini.TextPart(systemAck)}},
		)
	}

	if n := len(history); last+1 > m.opts.HistoryThreshold && n > m.opts.RecentWindow {
		old, recent := history[:n-m.opts.RecentWindow], history[n-m.opts.RecentWindow:]
		if summary, ok := m.condense(ctx, conv.ID, old, cfg); ok {
			contents = append(contents, gemini.Content{
				Role:  gemini.RoleUser,
				Parts: []gemini.Part{gemini.TextPart(condensedPrefix + summary)},
			})
			history = recent
		}
	}

	for _, msg := range history {
		if c, ok := toContent(msg); ok {
			contents = append(contents, c)
		}
	}
	if c, ok := toContent(conv.Messages[last]); ok {
		contents = append(contents, c)
	}

	return gemini.Request{Contents: contents, GenerationConfig: m.opts.Generation}, nil
}

// condense returns the condensed text for old, from the cache or from a
// summarization call. ok is false when neither produced anything.
func (m *Manager) condense(ctx context.Context, conversationID string, old []chat.Message, cfg settings) (string, bool) {
	log := m.log.With().Str("conversation_id", conversationID).Int("messages", len(old)).Logger()

	cached, err := m.store.summary(ctx, conversationID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Warn().Err(err).Msg("read cached summary")
	}
	if cached != "" {
		m.metrics.Summaries.WithLabelValues("cached").Inc()
		return cached, true
	}

	text, err := m.opts.Generator.GenerateContent(ctx, cfg.model, cfg.apiKey, summaryRequest(old))
	text = strings.TrimSpace(text)
	if err == nil && text == "" {
		err = gemini.ErrEmptyResponse
	}
	if err != nil {
		m.metrics.Summaries.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Msg("summarization failed, sending uncondensed history")
		return "", false
	}

	if err := m.store.saveSummary(ctx, conversationID, text); err != nil {
		log.Warn().Err(err).Msg("cache summary")
	}
	m.metrics.Summaries.WithLabelValues("generated").Inc()
	log.Debug().Int("summary_len", len(text)).Msg("history condensed")
	return text, true
}

func summaryRequest(msgs []chat.Message) gemini.Request {
	var sb strings.Builder
	sb.WriteString("Summarize the following conversation so it can be continued later. ")
	sb.WriteString("Keep facts, decisions, open questions and any names, numbers or code the user relies on. ")
	sb.WriteString("Answer with the summary only.\n\n---\n\n")
	for _, msg := range msgs {
		if msg.IsUser {
			sb.WriteString("User: ")
		} else {
			sb.WriteString("Assistant: ")
		}
		sb.WriteString(clipRunes(msg.Content, summaryClipRunes))
		for _, f := range msg.Files {
			fmt.Fprintf(&sb, " [attached %s]", f.Name)
		}
		sb.WriteString("\n\n")
	}

	return gemini.Request{
		Contents: []gemini.Content{{Role: gemini.RoleUser, Parts: []gemini.Part{gemini.TextPart(sb.String())}}},
		GenerationConfig: gemini.GenerationConfig{
			Temperature:     0.3,
			TopK:            40,
			TopP:            0.95,
			MaxOutputTokens: 1024,
		},
	}
}

func toContent(msg chat.Message) (gemini.Content, bool) {
	role := gemini.RoleModel
	if msg.IsUser {
		role = gemini.RoleUser
	}

	text := msg.Content
	if text == "" && msg.IsUser && len(msg.Files) > 0 {
		text = DescribeFilePrompt
	}

	parts := make([]gemini.Part, 0, 1+len(msg.Files))
	if text != "" {
		parts = append(parts, gemini.TextPart(text))
	}
	for _, f := range msg.Files {
		if f.Base64 == "" {
			continue
		}
		parts = append(parts, gemini.BlobPart(f.MimeType, f.Base64))
	}
	if len(parts) == 0 {
		return gemini.Content{}, false
	}
	return gemini.Content{Role: role, Parts: parts}, true
}

func lastUserIndex(msgs []chat.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsUser {
			return i
		}
	}
	return -1
}

func clipRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "...[truncated]"
}
