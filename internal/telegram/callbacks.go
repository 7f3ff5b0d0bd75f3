package telegram

import (
	"context"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
)

func (s *Service) onCallback(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx == nil || ctx.CallbackQuery == nil {
		return nil
	}

	data := strings.TrimSpace(ctx.CallbackQuery.Data)
	s.answerCallback(b, ctx)

	switch data {
	case cbMenu:
		return s.editOrReplyCallback(ctx, b, s.mainMenuText(ctx), mainMenuKeyboard())

	case cbHelp:
		return s.editOrReplyCallback(ctx, b, helpText(), backToMenuKeyboard())

	case cbStatus:
		return s.editOrReplyCallback(ctx, b, s.statusText(ctx), backToMenuKeyboard())

	case cbChats:
		mgr, ok := s.requireSession(b, ctx)
		if !ok {
			return nil
		}
		convs := mgr.Conversations()
		return s.editOrReplyCallback(ctx, b, conversationListText(convs, mgr.Active().ID), chatsKeyboard(convs))

	case cbNew:
		mgr, ok := s.requireSession(b, ctx)
		if !ok {
			return nil
		}
		s.interrupt(context.Background(), mgr.ProfileID())
		mgr.NewConversation(context.Background())
		return s.editOrReplyCallback(ctx, b, "Started a new conversation. Send a message to begin.", backToMenuKeyboard())

	case cbShow:
		mgr, ok := s.requireSession(b, ctx)
		if !ok {
			return nil
		}
		return s.replyLong(ctx, b, transcriptText(mgr.Active()))

	case cbModels:
		mgr, ok := s.requireSession(b, ctx)
		if !ok {
			return nil
		}
		model := mgr.Settings().Model
		return s.editOrReplyCallback(ctx, b, "Current model: "+model, modelKeyboard(model))

	case cbClearYes:
		if !s.requireSettingsRights(b, ctx) {
			return nil
		}
		return s.clearAll(ctx, b)

	case cbClearNo:
		return s.editOrReplyCallback(ctx, b, "Nothing was deleted.", nil)
	}

	switch {
	case strings.HasPrefix(data, cbOpenPfx):
		mgr, ok := s.requireSession(b, ctx)
		if !ok {
			return nil
		}
		return s.switchTo(ctx, b, mgr, strings.TrimPrefix(data, cbOpenPfx))

	case strings.HasPrefix(data, cbPinPfx):
		chatID, ok := s.callbackChatID(ctx)
		if !ok {
			return nil
		}
		return s.togglePin(ctx, b, chatID, strings.TrimPrefix(data, cbPinPfx))

	case strings.HasPrefix(data, cbDeletePfx):
		if !s.requireSettingsRights(b, ctx) {
			return nil
		}
		chatID, ok := s.callbackChatID(ctx)
		if !ok {
			return nil
		}
		return s.deleteByID(ctx, b, chatID, strings.TrimPrefix(data, cbDeletePfx))

	case strings.HasPrefix(data, cbModelPfx):
		if !s.requireSettingsRights(b, ctx) {
			return nil
		}
		mgr, ok := s.requireSession(b, ctx)
		if !ok {
			return nil
		}
		model := strings.TrimPrefix(data, cbModelPfx)
		if err := mgr.SetModel(context.Background(), model); err != nil {
			return s.reply(ctx, b, s.describe(err, "Failed to save the model."))
		}
		return s.editOrReplyCallback(ctx, b, "Current model: "+model, modelKeyboard(model))
	}

	s.logger.Debug().Str("data", data).Msg("unknown callback")
	return nil
}

func (s *Service) answerCallback(b *gotgbot.Bot, ctx *ext.Context) {
	if ctx == nil || ctx.CallbackQuery == nil {
		return
	}
	_, _ = b.AnswerCallbackQuery(ctx.CallbackQuery.Id, nil)
}

func (s *Service) editOrReplyCallback(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx != nil && ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		opts := &gotgbot.EditMessageTextOpts{}
		if markup != nil {
			opts.ReplyMarkup = *markup
		}
		_, _, err := ctx.CallbackQuery.Message.EditText(b, text, opts)
		if err == nil {
			return nil
		}
		if strings.Contains(strings.ToLower(err.Error()), "message is not modified") {
			return nil
		}
	}
	return s.replyWithMarkup(ctx, b, text, markup)
}

func (s *Service) callbackChatID(ctx *ext.Context) (int64, bool) {
	if ctx != nil && ctx.EffectiveChat != nil {
		return ctx.EffectiveChat.Id, true
	}
	if ctx != nil && ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		chat := ctx.CallbackQuery.Message.GetChat()
		return chat.Id, true
	}
	return 0, false
}
