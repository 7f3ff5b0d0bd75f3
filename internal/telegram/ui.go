package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"gemchat/internal/chat"
	"gemchat/internal/gemini"
)

const (
	cbPrefix = "gc:"

	cbMenu      = cbPrefix + "menu"
	cbHelp      = cbPrefix + "help"
	cbStatus    = cbPrefix + "status"
	cbChats     = cbPrefix + "chats"
	cbNew       = cbPrefix + "new"
	cbShow      = cbPrefix + "show"
	cbModels    = cbPrefix + "models"
	cbClearYes  = cbPrefix + "clear:yes"
	cbClearNo   = cbPrefix + "clear:no"
	cbOpenPfx   = cbPrefix + "open:"
	cbPinPfx    = cbPrefix + "pin:"
	cbDeletePfx = cbPrefix + "del:"
	cbModelPfx  = cbPrefix + "model:"
)

func (s *Service) menu(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.sendMainMenu(ctx, b)
}

func (s *Service) status(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.replyWithMarkup(ctx, b, s.statusText(ctx), backToMenuKeyboard())
}

func (s *Service) sendMainMenu(ctx *ext.Context, b *gotgbot.Bot) error {
	return s.replyWithMarkup(ctx, b, s.mainMenuText(ctx), mainMenuKeyboard())
}

func helpText() string {
	return strings.Join([]string{
		"Send any message (or a photo or file with a caption) to chat with Gemini.",
		"In groups, mention me, reply to me or use /ask <text>.",
		"",
		"Conversations:",
		"/new - start a new conversation",
		"/chats - list saved conversations",
		"/open <n>, /show [n], /export [n]",
		"/pin [n], /unpin [n], /delete <n>, /clear",
		"/import - restore an exported conversation",
		"",
		"Replies:",
		"/regen [n] - regenerate a reply",
		"/edit <n> <text> - rewrite your message n and resend",
		"/stop - interrupt the reply being streamed",
		"",
		"Settings:",
		"/model [id], /system <text|off>, /apikey",
		"/status, /menu, /cancel",
	}, "\n")
}

func (s *Service) mainMenuText(ctx *ext.Context) string {
	chatType := "unknown"
	if ctx != nil && ctx.EffectiveChat != nil {
		chatType = ctx.EffectiveChat.Type
	}
	return strings.Join([]string{
		"Gemini chat",
		"",
		"Send a message to talk to the active conversation.",
		"Use the buttons below or /help for every command.",
		"",
		fmt.Sprintf("Chat type: %s", chatType),
		fmt.Sprintf("Access mode: %s", s.accessMode),
	}, "\n")
}

func (s *Service) statusText(ctx *ext.Context) string {
	chatID, ok := s.callbackChatID(ctx)
	if !ok {
		return "Chat is not available for status."
	}
	rctx := context.Background()
	mgr, err := s.session(rctx, chatID)
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("open session failed")
		return "Storage is unavailable right now."
	}
	st := mgr.Settings()

	key := "missing (use /apikey)"
	switch {
	case st.OwnAPIKey:
		key = "stored for this chat"
	case st.HasAPIKey:
		key = "operator default"
	}
	prompt := "none"
	if st.SystemPrompt != "" {
		prompt = ClipRunes(st.SystemPrompt, 60)
	}
	busy := "no"
	if holder, err := s.inflight.Holder(rctx, mgr.ProfileID()); err == nil && holder != "" {
		busy = "yes"
	}
	quota := "unlimited"
	if s.rateLimiter != nil && s.rateLimiter.Limit() > 0 {
		quota = fmt.Sprintf("%d messages per hour", s.rateLimiter.Limit())
	}
	active := mgr.Active()
	imports := 0
	if s.store != nil {
		if n, err := s.store.CountActions(rctx, mgr.ProfileID(), "conversation.import"); err == nil {
			imports = n
		}
	}

	return strings.Join([]string{
		"Chat status",
		fmt.Sprintf("profile: %s", mgr.ProfileID()),
		fmt.Sprintf("model: %s", st.Model),
		fmt.Sprintf("system prompt: %s", prompt),
		fmt.Sprintf("api key: %s", key),
		fmt.Sprintf("conversations: %d (%d imported)", len(mgr.Conversations()), imports),
		fmt.Sprintf("active: %s (%d messages)", active.Title(), len(active.Messages)),
		fmt.Sprintf("reply in progress: %s", busy),
		fmt.Sprintf("quota: %s", quota),
		fmt.Sprintf("access_mode: %s", s.accessMode),
	}, "\n")
}

func mainMenuKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{
			{Text: "New conversation", CallbackData: cbNew},
			{Text: "Conversations", CallbackData: cbChats},
		},
		{
			{Text: "Show active", CallbackData: cbShow},
			{Text: "Model", CallbackData: cbModels},
		},
		{
			{Text: "Status", CallbackData: cbStatus},
			{Text: "Help", CallbackData: cbHelp},
		},
	}}
}

func backToMenuKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{{Text: "Back to menu", CallbackData: cbMenu}},
	}}
}

// chatsKeyboard has one row per listed conversation: open, pin toggle and
// delete.
func chatsKeyboard(convs []chat.Conversation) *gotgbot.InlineKeyboardMarkup {
	rows := make([][]gotgbot.InlineKeyboardButton, 0, min(len(convs), chat.ListLimit)+1)
	for i, c := range convs {
		if i >= chat.ListLimit {
			break
		}
		pin := "📌"
		if c.Pinned {
			pin = "Unpin"
		}
		rows = append(rows, []gotgbot.InlineKeyboardButton{
			{Text: fmt.Sprintf("%d. %s", i+1, ClipRunes(c.Title(), 24)), CallbackData: cbOpenPfx + c.ID},
			{Text: pin, CallbackData: cbPinPfx + c.ID},
			{Text: "🗑", CallbackData: cbDeletePfx + c.ID},
		})
	}
	rows = append(rows, []gotgbot.InlineKeyboardButton{
		{Text: "New conversation", CallbackData: cbNew},
		{Text: "Back to menu", CallbackData: cbMenu},
	})
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func modelKeyboard(current string) *gotgbot.InlineKeyboardMarkup {
	var rows [][]gotgbot.InlineKeyboardButton
	for _, id := range gemini.Models() {
		label := id
		if id == current {
			label = "✅ " + id
		}
		rows = append(rows, []gotgbot.InlineKeyboardButton{{Text: label, CallbackData: cbModelPfx + id}})
	}
	rows = append(rows, []gotgbot.InlineKeyboardButton{{Text: "Back to menu", CallbackData: cbMenu}})
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func clearConfirmKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{
			{Text: "Delete everything", CallbackData: cbClearYes},
			{Text: "Keep", CallbackData: cbClearNo},
		},
	}}
}

func (s *Service) replyWithMarkup(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	chatID, ok := s.callbackChatID(ctx)
	if !ok {
		return nil
	}
	opts := &gotgbot.SendMessageOpts{}
	if markup != nil {
		opts.ReplyMarkup = *markup
	}
	_, err := b.SendMessage(chatID, text, opts)
	return err
}
