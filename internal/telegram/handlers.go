package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"gemchat/internal/chat"
	"gemchat/internal/gemini"
	"gemchat/internal/session"
)

const busyCommandText = "A reply is still streaming. Use /stop first, then try again."

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, helpText())
}

func (s *Service) start(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	args := ctx.Args()
	if ctx.EffectiveChat.Type == "private" && len(args) > 1 && strings.HasPrefix(args[1], "apikey_") {
		chatID, err := strconv.ParseInt(strings.TrimPrefix(args[1], "apikey_"), 10, 64)
		if err != nil {
			return s.reply(ctx, b, "Invalid deep-link payload.")
		}
		return s.beginAPIKeyWizard(ctx, b, chatID)
	}
	return s.sendMainMenu(ctx, b)
}

func (s *Service) cancelWizard(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	if err := s.wizard.Clear(context.Background(), ctx.EffectiveUser.Id); err != nil {
		return s.reply(ctx, b, "Failed to cancel right now.")
	}
	return s.reply(ctx, b, "Canceled.")
}

func (s *Service) newConversation(b *gotgbot.Bot, ctx *ext.Context) error {
	mgr, ok := s.requireSession(b, ctx)
	if !ok {
		return nil
	}
	s.interrupt(context.Background(), mgr.ProfileID())
	mgr.NewConversation(context.Background())
	return s.reply(ctx, b, "Started a new conversation. Send a message to begin.")
}

func (s *Service) listConversations(b *gotgbot.Bot, ctx *ext.Context) error {
	mgr, ok := s.requireSession(b, ctx)
	if !ok {
		return nil
	}
	convs := mgr.Conversations()
	return s.replyWithMarkup(ctx, b, conversationListText(convs, mgr.Active().ID), chatsKeyboard(convs))
}

func (s *Service) openConversation(b *gotgbot.Bot, ctx *ext.Context) error {
	mgr, ok := s.requireSession(b, ctx)
	if !ok {
		return nil
	}
	conv, found := resolveConversation(mgr.Conversations(), commandRemainder(ctx.EffectiveMessage.GetText()))
	if !found {
		return s.reply(ctx, b, "Usage: /open <n> with a number from /chats")
	}
	return s.switchTo(ctx, b, mgr, conv.ID)
}

func (s *Service) switchTo(ctx *ext.Context, b *gotgbot.Bot, mgr *session.Manager, id string) error {
	if mgr.Active().ID != id {
		s.interrupt(context.Background(), mgr.ProfileID())
	}
	conv, err := mgr.OpenConversation(context.Background(), id)
	if err != nil {
		return s.reply(ctx, b, s.describe(err, "Failed to open that conversation."))
	}
	return s.replyLong(ctx, b, transcriptText(conv))
}

func (s *Service) showConversation(b *gotgbot.Bot, ctx *ext.Context) error {
	mgr, ok := s.requireSession(b, ctx)
	if !ok {
		return nil
	}
	conv := mgr.Active()
	if ref := commandRemainder(ctx.EffectiveMessage.GetText()); ref != "" {
		found := false
		if conv, found = resolveConversation(mgr.Conversations(), ref); !found {
			return s.reply(ctx, b, "Usage: /show [n] with a number from /chats")
		}
	}
	return s.replyLong(ctx, b, transcriptText(conv))
}

func (s *Service) pinConversation(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.setPinned(b, ctx, true)
}

func (s *Service) unpinConversation(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.setPinned(b, ctx, false)
}

func (s *Service) setPinned(b *gotgbot.Bot, ctx *ext.Context, pinned bool) error {
	chatID, ok := s.callbackChatID(ctx)
	if !ok {
		return nil
	}
	ref := commandRemainder(ctx.EffectiveMessage.GetText())
	return s.withIdle(ctx, b, chatID, func(rctx context.Context, mgr *session.Manager) error {
		id := mgr.Active().ID
		if ref != "" {
			conv, found := resolveConversation(mgr.Conversations(), ref)
			if !found {
				return s.reply(ctx, b, "No conversation with that number. See /chats.")
			}
			id = conv.ID
		}
		return s.pin(rctx, ctx, b, mgr, id, pinned)
	})
}

// togglePin flips the pin of conversation id in chatID.
func (s *Service) togglePin(ctx *ext.Context, b *gotgbot.Bot, chatID int64, id string) error {
	return s.withIdle(ctx, b, chatID, func(rctx context.Context, mgr *session.Manager) error {
		conv, err := mgr.Conversation(id)
		if err != nil {
			return s.reply(ctx, b, s.describe(err, "Failed to update the pin."))
		}
		return s.pin(rctx, ctx, b, mgr, id, !conv.Pinned)
	})
}

func (s *Service) pin(rctx context.Context, ctx *ext.Context, b *gotgbot.Bot, mgr *session.Manager, id string, pinned bool) error {
	if err := mgr.SetPinned(rctx, id, pinned); err != nil {
		return s.reply(ctx, b, s.describe(err, "Failed to update the pin."))
	}
	if pinned {
		return s.reply(ctx, b, "Pinned.")
	}
	return s.reply(ctx, b, "Unpinned.")
}

func (s *Service) deleteConversation(b *gotgbot.Bot, ctx *ext.Context) error {
	if !s.requireSettingsRights(b, ctx) {
		return nil
	}
	const usage = "Usage: /delete <n> with a number from /chats"
	chatID, ok := s.callbackChatID(ctx)
	if !ok {
		return nil
	}
	ref := commandRemainder(ctx.EffectiveMessage.GetText())
	if ref == "" {
		return s.reply(ctx, b, usage)
	}
	return s.withIdle(ctx, b, chatID, func(rctx context.Context, mgr *session.Manager) error {
		conv, found := resolveConversation(mgr.Conversations(), ref)
		if !found {
			return s.reply(ctx, b, usage)
		}
		return s.remove(rctx, ctx, b, mgr, conv.ID)
	})
}

func (s *Service) deleteByID(ctx *ext.Context, b *gotgbot.Bot, chatID int64, id string) error {
	return s.withIdle(ctx, b, chatID, func(rctx context.Context, mgr *session.Manager) error {
		return s.remove(rctx, ctx, b, mgr, id)
	})
}

func (s *Service) remove(rctx context.Context, ctx *ext.Context, b *gotgbot.Bot, mgr *session.Manager, id string) error {
	conv, err := mgr.Conversation(id)
	if err != nil {
		return s.reply(ctx, b, s.describe(err, "Failed to delete the conversation."))
	}
	if err := mgr.DeleteConversation(rctx, id); err != nil {
		return s.reply(ctx, b, s.describe(err, "Failed to delete the conversation."))
	}
	return s.reply(ctx, b, fmt.Sprintf("Deleted %q.", conv.Title()))
}

func (s *Service) clearConversations(b *gotgbot.Bot, ctx *ext.Context) error {
	if !s.requireSettingsRights(b, ctx) {
		return nil
	}
	mgr, ok := s.requireSession(b, ctx)
	if !ok {
		return nil
	}
	n := len(mgr.Conversations())
	if n == 0 {
		return s.reply(ctx, b, "There are no saved conversations.")
	}
	return s.replyWithMarkup(ctx, b, fmt.Sprintf("Delete all %d conversations? This cannot be undone.", n), clearConfirmKeyboard())
}

func (s *Service) clearAll(ctx *ext.Context, b *gotgbot.Bot) error {
	chatID, ok := s.callbackChatID(ctx)
	if !ok {
		return nil
	}
	return s.withIdle(ctx, b, chatID, func(rctx context.Context, mgr *session.Manager) error {
		n, err := mgr.ClearConversations(rctx)
		if err != nil {
			s.logger.Error().Err(err).Str("profile", mgr.ProfileID()).Msg("clear conversations failed")
			return s.editOrReplyCallback(ctx, b, "Failed to clear conversations.", nil)
		}
		return s.editOrReplyCallback(ctx, b, fmt.Sprintf("Deleted %d conversations.", n), nil)
	})
}

func (s *Service) stop(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	rctx := context.Background()
	profile := ProfileID(ctx.EffectiveChat.Id)
	holder, err := s.inflight.Holder(rctx, profile)
	if err != nil {
		s.logger.Error().Err(err).Str("profile", profile).Msg("read in-flight holder failed")
	}
	if holder == "" {
		return s.reply(ctx, b, "Nothing is running.")
	}
	s.interrupt(rctx, profile)
	return nil
}

func (s *Service) model(b *gotgbot.Bot, ctx *ext.Context) error {
	mgr, ok := s.requireSession(b, ctx)
	if !ok {
		return nil
	}
	id := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if id == "" {
		return s.replyWithMarkup(ctx, b, "Current model: "+mgr.Settings().Model, modelKeyboard(mgr.Settings().Model))
	}
	if !s.requireSettingsRights(b, ctx) {
		return nil
	}
	if err := mgr.SetModel(context.Background(), id); err != nil {
		return s.reply(ctx, b, s.describe(err, "Failed to save the model."))
	}
	return s.reply(ctx, b, "Model set to "+id+".")
}

func (s *Service) systemPrompt(b *gotgbot.Bot, ctx *ext.Context) error {
	mgr, ok := s.requireSession(b, ctx)
	if !ok {
		return nil
	}
	prompt := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if prompt == "" {
		current := mgr.Settings().SystemPrompt
		if current == "" {
			return s.reply(ctx, b, "No system prompt is set. Usage: /system <instructions> or /system off")
		}
		return s.replyLong(ctx, b, "System prompt:\n"+current)
	}
	if !s.requireSettingsRights(b, ctx) {
		return nil
	}
	if strings.EqualFold(prompt, "off") {
		prompt = ""
	}
	if err := mgr.SetSystemPrompt(context.Background(), prompt); err != nil {
		s.logger.Error().Err(err).Str("profile", mgr.ProfileID()).Msg("save system prompt failed")
		return s.reply(ctx, b, "Failed to save the system prompt.")
	}
	if prompt == "" {
		return s.reply(ctx, b, "System prompt removed.")
	}
	return s.reply(ctx, b, "System prompt saved.")
}

func (s *Service) apiKey(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	if ctx.EffectiveChat.Type == "private" {
		return s.beginAPIKeyWizard(ctx, b, ctx.EffectiveChat.Id)
	}
	if !s.requireSettingsRights(b, ctx) {
		return nil
	}
	link := s.deepLink(b, fmt.Sprintf("apikey_%d", ctx.EffectiveChat.Id))
	if link == "" {
		return s.reply(ctx, b, "Unable to generate deep-link. Check bot username.")
	}
	return s.reply(ctx, b, "Send the key privately, not here: "+link)
}

func (s *Service) beginAPIKeyWizard(ctx *ext.Context, b *gotgbot.Bot, targetChatID int64) error {
	if ctx.EffectiveUser == nil || ctx.EffectiveChat == nil || ctx.EffectiveChat.Type != "private" {
		return nil
	}
	if targetChatID != ctx.EffectiveChat.Id {
		admin, err := s.isAdmin(context.Background(), b, targetChatID, ctx.EffectiveUser.Id)
		if err != nil {
			s.logger.Error().Err(err).Int64("chat_id", targetChatID).Msg("admin check failed in dm wizard")
			return s.reply(ctx, b, "Could not verify admin rights. Please retry.")
		}
		if !admin {
			return s.reply(ctx, b, "You are not an admin in that chat.")
		}
	}
	state := wizardState{TargetChatID: targetChatID, Step: stepAPIKey}
	if err := s.wizard.Set(context.Background(), ctx.EffectiveUser.Id, state); err != nil {
		return s.reply(ctx, b, "Failed to start. Please retry.")
	}
	return s.reply(ctx, b, "Send your Gemini API key. I will delete the message right away. Send - to remove the stored key, /cancel to stop.")
}

func (s *Service) finishAPIKeyWizard(ctx *ext.Context, b *gotgbot.Bot, state *wizardState, key string) error {
	rctx := context.Background()
	msg := ctx.EffectiveMessage
	if _, err := b.DeleteMessageWithContext(rctx, msg.Chat.Id, msg.MessageId, nil); err != nil {
		s.logger.Warn().Err(redactErr(err, b.Token)).Msg("delete api key message failed")
	}
	if key == "-" {
		key = ""
	}
	mgr, err := s.session(rctx, state.TargetChatID)
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", state.TargetChatID).Msg("open session failed")
		return s.reply(ctx, b, "Storage is unavailable right now.")
	}
	if err := mgr.SetAPIKey(rctx, key); err != nil {
		s.logger.Error().Err(err).Str("profile", mgr.ProfileID()).Msg("save api key failed")
		return s.reply(ctx, b, "Failed to save the key.")
	}
	_ = s.wizard.Clear(rctx, ctx.EffectiveUser.Id)
	if key == "" {
		return s.reply(ctx, b, "Stored key removed.")
	}
	return s.reply(ctx, b, "Key saved.")
}

func (s *Service) export(b *gotgbot.Bot, ctx *ext.Context) error {
	mgr, ok := s.requireSession(b, ctx)
	if !ok {
		return nil
	}
	conv := mgr.Active()
	if ref := commandRemainder(ctx.EffectiveMessage.GetText()); ref != "" {
		found := false
		if conv, found = resolveConversation(mgr.Conversations(), ref); !found {
			return s.reply(ctx, b, "Usage: /export [n] with a number from /chats")
		}
	}
	if len(conv.Messages) == 0 {
		return s.reply(ctx, b, "Nothing to export yet.")
	}
	data, err := mgr.Export(conv.ID)
	if err != nil {
		return s.reply(ctx, b, s.describe(err, "Failed to export the conversation."))
	}
	name := "conversation-" + conv.ID[:min(8, len(conv.ID))] + ".json"
	_, err = b.SendDocumentWithContext(context.Background(), ctx.EffectiveChat.Id,
		gotgbot.InputFileByReader(name, bytes.NewReader(data)),
		&gotgbot.SendDocumentOpts{Caption: conv.Title()})
	if err != nil {
		s.logger.Error().Err(redactErr(err, b.Token)).Msg("send export failed")
		return s.reply(ctx, b, "Failed to send the export.")
	}
	return nil
}

func (s *Service) importConversation(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	if !s.requireSettingsRights(b, ctx) {
		return nil
	}
	state := wizardState{TargetChatID: ctx.EffectiveChat.Id, Step: stepImport}
	if err := s.wizard.Set(context.Background(), ctx.EffectiveUser.Id, state); err != nil {
		return s.reply(ctx, b, "Failed to start the import. Please retry.")
	}
	return s.reply(ctx, b, "Send the exported .json file as a document, or /cancel.")
}

func (s *Service) finishImport(ctx *ext.Context, b *gotgbot.Bot, doc *gotgbot.Document) error {
	rctx := context.Background()
	_ = s.wizard.Clear(rctx, ctx.EffectiveUser.Id)
	if err := chat.CheckSize(doc.FileSize, s.maxAttachmentBytes); err != nil {
		return s.reply(ctx, b, "That file is too large to be an export.")
	}
	body, err := OpenFile(rctx, b, s.files, doc.FileId)
	if err != nil {
		s.logger.Error().Err(err).Msg("download import failed")
		return s.reply(ctx, b, "Failed to download the file.")
	}
	defer body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(body); err != nil {
		return s.reply(ctx, b, "Failed to download the file.")
	}

	return s.withIdle(ctx, b, ctx.EffectiveChat.Id, func(rctx context.Context, mgr *session.Manager) error {
		conv, err := mgr.Import(rctx, buf.Bytes())
		if err != nil {
			if errors.Is(err, chat.ErrInvalidImport) {
				return s.reply(ctx, b, "That file is not a conversation export.")
			}
			s.logger.Error().Err(err).Str("profile", mgr.ProfileID()).Msg("import failed")
			return s.reply(ctx, b, "Failed to import the conversation.")
		}
		return s.reply(ctx, b, fmt.Sprintf("Imported %q with %d messages. It is now active.", conv.Title(), len(conv.Messages)))
	})
}

func (s *Service) requireSession(b *gotgbot.Bot, ctx *ext.Context) (*session.Manager, bool) {
	chatID, ok := s.callbackChatID(ctx)
	if !ok {
		return nil, false
	}
	mgr, err := s.session(context.Background(), chatID)
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("open session failed")
		_ = s.reply(ctx, b, "Storage is unavailable right now.")
		return nil, false
	}
	return mgr, true
}

// requireSettingsRights lets anyone change their private profile; in groups
// only chat admins may.
func (s *Service) requireSettingsRights(b *gotgbot.Bot, ctx *ext.Context) bool {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return false
	}
	if ctx.EffectiveChat.Type == "private" {
		return true
	}
	chatID := ctx.EffectiveChat.Id
	uid := ctx.EffectiveUser.Id
	admin, err := s.isAdmin(context.Background(), b, chatID, uid)
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Int64("user_id", uid).Msg("admin check failed")
		_ = s.reply(ctx, b, "Failed to verify admin rights.")
		return false
	}
	if !admin {
		_ = s.reply(ctx, b, "Only chat admins can change this chat's settings.")
		return false
	}
	return true
}

func (s *Service) isAdmin(ctx context.Context, b *gotgbot.Bot, chatID, userID int64) (bool, error) {
	cacheKey := fmt.Sprintf("%s:admin:%d:%d", s.keyPrefix, chatID, userID)
	if v, err := s.redis.Get(ctx, cacheKey).Result(); err == nil {
		return v == "1", nil
	} else if err != redis.Nil {
		s.logger.Warn().Err(err).Msg("failed to read admin cache")
	}

	member, err := b.GetChatMemberWithContext(ctx, chatID, userID, nil)
	if err != nil {
		return false, redactErr(err, b.Token)
	}
	status := member.GetStatus()
	admin := status == "administrator" || status == "creator"

	value := "0"
	if admin {
		value = "1"
	}
	_ = s.redis.Set(ctx, cacheKey, value, s.adminCacheTTL).Err()
	return admin, nil
}

// withIdle runs fn while holding the chat profile's in-flight lock. The
// Manager handed to fn is loaded after the lock is taken, so it includes
// every reply a worker committed before.
func (s *Service) withIdle(ctx *ext.Context, b *gotgbot.Bot, chatID int64, fn func(context.Context, *session.Manager) error) error {
	rctx := context.Background()
	profileID := ProfileID(chatID)
	owner := "cmd:" + uuid.NewString()
	ok, err := s.inflight.Acquire(rctx, profileID, owner)
	if err != nil {
		s.logger.Error().Err(err).Str("profile", profileID).Msg("acquire in-flight lock failed")
		return s.reply(ctx, b, "Queue is unavailable right now.")
	}
	if !ok {
		return s.reply(ctx, b, busyCommandText)
	}
	defer func() {
		if _, err := s.inflight.Release(rctx, profileID, owner); err != nil {
			s.logger.Warn().Err(err).Str("profile", profileID).Msg("release in-flight lock failed")
		}
	}()
	mgr, err := s.session(rctx, chatID)
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("open session failed")
		return s.reply(ctx, b, "Storage is unavailable right now.")
	}
	return fn(rctx, mgr)
}

// interrupt asks whichever worker runs the profile's exchange to stop it.
func (s *Service) interrupt(ctx context.Context, profileID string) {
	if _, err := s.cancels.Publish(ctx, profileID); err != nil {
		s.logger.Warn().Err(err).Str("profile", profileID).Msg("publish cancel failed")
	}
}

// describe maps err to a user-facing line, falling back to fallback for
// errors that are not the user's doing.
func (s *Service) describe(err error, fallback string) string {
	if text := Describe(err); text != "" {
		return text
	}
	if errors.Is(err, gemini.ErrRateLimited) {
		return rateLimitNotice
	}
	s.logger.Error().Err(err).Msg(fallback)
	return fallback
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	chatID, ok := s.callbackChatID(ctx)
	if !ok || text == "" {
		return nil
	}
	_, err := b.SendMessage(chatID, text, nil)
	return err
}

func (s *Service) replyLong(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	for _, chunk := range SplitText(text, MessageLimit) {
		if err := s.reply(ctx, b, chunk); err != nil {
			return err
		}
	}
	return nil
}

func userID(ctx *ext.Context) int64 {
	if ctx.EffectiveUser == nil {
		return 0
	}
	return ctx.EffectiveUser.Id
}
