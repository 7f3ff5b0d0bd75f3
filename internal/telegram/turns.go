package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"gemchat/internal/chat"
	"gemchat/internal/queue"
	"gemchat/internal/session"
)

func (s *Service) onText(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveChat == nil {
		return nil
	}
	if ctx.EffectiveChat.Type == "private" && ctx.EffectiveUser != nil {
		state, err := s.wizard.Get(context.Background(), ctx.EffectiveUser.Id)
		if err != nil {
			s.logger.Error().Err(err).Msg("wizard load failed")
		} else if state != nil && state.Step == stepAPIKey {
			return s.finishAPIKeyWizard(ctx, b, state, strings.TrimSpace(msg.Text))
		}
	}
	return s.submitTurn(b, ctx, s.stripMention(msg.Text), nil)
}

func (s *Service) ask(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveChat == nil {
		return nil
	}
	prompt := strings.TrimSpace(commandRemainder(msg.GetText()))
	if prompt == "" {
		return s.reply(ctx, b, "Usage: /ask <text>")
	}
	return s.submitTurn(b, ctx, prompt, nil)
}

func (s *Service) onFile(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveChat == nil {
		return nil
	}
	if msg.Document != nil && ctx.EffectiveUser != nil {
		state, err := s.wizard.Get(context.Background(), ctx.EffectiveUser.Id)
		if err != nil {
			s.logger.Error().Err(err).Msg("wizard load failed")
		} else if state != nil && state.Step == stepImport && state.TargetChatID == ctx.EffectiveChat.Id {
			return s.finishImport(ctx, b, msg.Document)
		}
	}

	text := s.stripMention(msg.Caption)
	att, ok := attachmentOf(msg)
	if !ok {
		return s.submitTurn(b, ctx, text, nil)
	}
	if err := chat.CheckSize(att.Size, s.maxAttachmentBytes); err != nil {
		note := fmt.Sprintf("%s is larger than %s and was not attached.", att.Name, humanize.IBytes(uint64(s.attachmentLimit())))
		if text == "" {
			return s.reply(ctx, b, note)
		}
		_ = s.reply(ctx, b, note)
		return s.submitTurn(b, ctx, text, nil)
	}
	return s.submitTurn(b, ctx, text, []queue.Attachment{att})
}

func (s *Service) attachmentLimit() int64 {
	if s.maxAttachmentBytes <= 0 {
		return chat.MaxAttachmentBytes
	}
	return s.maxAttachmentBytes
}

// attachmentOf picks the largest photo size or the document of msg.
func attachmentOf(msg *gotgbot.Message) (queue.Attachment, bool) {
	if n := len(msg.Photo); n > 0 {
		p := msg.Photo[n-1]
		return queue.Attachment{
			FileID:   p.FileId,
			Name:     "photo_" + p.FileUniqueId + ".jpg",
			MimeType: "image/jpeg",
			Size:     p.FileSize,
		}, true
	}
	if d := msg.Document; d != nil {
		name := d.FileName
		if name == "" {
			name = "file_" + d.FileUniqueId
		}
		return queue.Attachment{FileID: d.FileId, Name: name, MimeType: d.MimeType, Size: d.FileSize}, true
	}
	return queue.Attachment{}, false
}

func (s *Service) submitTurn(b *gotgbot.Bot, ctx *ext.Context, text string, atts []queue.Attachment) error {
	if strings.TrimSpace(text) == "" && len(atts) == 0 {
		return s.reply(ctx, b, Describe(session.ErrEmptyInput))
	}
	mgr, ok := s.requireSession(b, ctx)
	if !ok {
		return nil
	}
	if !mgr.Settings().HasAPIKey {
		return s.reply(ctx, b, Describe(session.ErrMissingAPIKey))
	}
	return s.submit(ctx, b, queue.ExchangeJob{
		Op:             queue.OpSend,
		ConversationID: savedActiveID(mgr),
		Text:           text,
		Attachments:    atts,
	})
}

func (s *Service) regenerate(b *gotgbot.Bot, ctx *ext.Context) error {
	mgr, ok := s.requireSession(b, ctx)
	if !ok {
		return nil
	}
	convID := savedActiveID(mgr)
	if convID == "" {
		return s.reply(ctx, b, "Nothing to regenerate yet.")
	}
	index := lastAssistantIndex(mgr.Active())
	if arg := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText())); arg != "" {
		n, err := parseMessageNumber(arg)
		if err != nil {
			return s.reply(ctx, b, "Usage: /regen [n] with a reply number from /show")
		}
		index = n
	}
	if index < 0 {
		return s.reply(ctx, b, "Nothing to regenerate yet.")
	}
	return s.submit(ctx, b, queue.ExchangeJob{Op: queue.OpRegenerate, ConversationID: convID, Index: index})
}

func (s *Service) editMessage(b *gotgbot.Bot, ctx *ext.Context) error {
	const usage = "Usage: /edit <n> <new text> with a message number from /show"
	mgr, ok := s.requireSession(b, ctx)
	if !ok {
		return nil
	}
	arg, text := splitFirstWord(commandRemainder(ctx.EffectiveMessage.GetText()))
	index, err := parseMessageNumber(arg)
	if err != nil || text == "" {
		return s.reply(ctx, b, usage)
	}
	convID := savedActiveID(mgr)
	if convID == "" {
		return s.reply(ctx, b, "Nothing to edit yet.")
	}
	return s.submit(ctx, b, queue.ExchangeJob{Op: queue.OpEdit, ConversationID: convID, Index: index, Text: text})
}

// submit claims the profile's in-flight slot, charges the hourly quota and
// queues job. The worker releases the slot when the job ends.
func (s *Service) submit(ctx *ext.Context, b *gotgbot.Bot, job queue.ExchangeJob) error {
	rctx := context.Background()
	msg := ctx.EffectiveMessage
	job.JobID = uuid.NewString()
	job.ProfileID = ProfileID(ctx.EffectiveChat.Id)
	job.ChatID = ctx.EffectiveChat.Id
	job.UserID = userID(ctx)
	if msg != nil {
		job.MessageID = msg.MessageId
	}

	ok, err := s.inflight.Acquire(rctx, job.ProfileID, job.JobID)
	if err != nil {
		s.logger.Error().Err(err).Str("profile", job.ProfileID).Msg("acquire in-flight lock failed")
		return s.reply(ctx, b, "Queue is unavailable right now.")
	}
	if !ok {
		return s.reply(ctx, b, Describe(session.ErrBusy))
	}
	release := func() {
		if _, err := s.inflight.Release(rctx, job.ProfileID, job.JobID); err != nil {
			s.logger.Warn().Err(err).Str("profile", job.ProfileID).Msg("release in-flight lock failed")
		}
	}

	if !s.allowRate(rctx, ctx, b, job.ProfileID) {
		release()
		return nil
	}

	if _, _, err := s.queue.Enqueue(rctx, job); err != nil {
		release()
		s.logger.Error().Err(err).Str("op", string(job.Op)).Msg("failed to enqueue exchange job")
		return s.reply(ctx, b, "Queue is unavailable right now.")
	}
	s.metrics.EnqueuedJobs.Inc()
	if _, err := b.SendChatActionWithContext(rctx, job.ChatID, "typing", nil); err != nil {
		s.logger.Debug().Err(redactErr(err, b.Token)).Msg("send typing action failed")
	}
	return nil
}

func (s *Service) allowRate(rctx context.Context, ctx *ext.Context, b *gotgbot.Bot, profileID string) bool {
	if s.rateLimiter == nil {
		return true
	}
	ok, _, resetAt, err := s.rateLimiter.Allow(rctx, profileID, s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("rate limiter failed")
		return true
	}
	if ok {
		return true
	}
	s.metrics.QuotaExhausted.Inc()
	_ = s.reply(ctx, b, "Hourly message quota reached. Try again after "+resetAt.Format("15:04 UTC")+".")
	return false
}

// savedActiveID is the active conversation's id when it has been saved, or
// "" for a fresh draft, which the worker creates itself.
func savedActiveID(mgr *session.Manager) string {
	id := mgr.Active().ID
	for _, c := range mgr.Conversations() {
		if c.ID == id {
			return id
		}
	}
	return ""
}
