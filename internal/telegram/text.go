package telegram

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"gemchat/internal/chat"
)

// MessageLimit keeps replies under Telegram's 4096-character cap with room
// for a trailing marker.
const MessageLimit = 4000

const previewRunes = 300

var errBadNumber = errors.New("not a message number")

// ProfileID names the stored profile for a Telegram chat. Private chats
// share their id with the user, so each user gets one profile there.
func ProfileID(chatID int64) string {
	return "tg:" + strconv.FormatInt(chatID, 10)
}

// SplitText cuts text into chunks of at most limit runes, breaking at a line
// end or a space in the second half of a chunk when there is one.
func SplitText(text string, limit int) []string {
	if limit <= 0 {
		limit = MessageLimit
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var out []string
	r := []rune(text)
	for len(r) > limit {
		cut := limit
		if i := lastRune(r[:limit], '\n'); i >= limit/2 {
			cut = i + 1
		} else if i := lastRune(r[:limit], ' '); i >= limit/2 {
			cut = i + 1
		}
		if chunk := strings.TrimSpace(string(r[:cut])); chunk != "" {
			out = append(out, chunk)
		}
		r = r[cut:]
	}
	if rest := strings.TrimSpace(string(r)); rest != "" {
		out = append(out, rest)
	}
	return out
}

func lastRune(r []rune, want rune) int {
	for i := len(r) - 1; i >= 0; i-- {
		if r[i] == want {
			return i
		}
	}
	return -1
}

// ClipRunes shortens s to n runes, marking the cut with an ellipsis.
func ClipRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// RedactToken strips the bot token, and the bot id part of API paths, from
// msg.
func RedactToken(msg, token string) string {
	if strings.TrimSpace(token) == "" {
		return msg
	}
	msg = strings.ReplaceAll(msg, token, "<redacted-token>")
	if idx := strings.Index(token, ":"); idx > 0 {
		botID := token[:idx]
		msg = strings.ReplaceAll(msg, "/bot"+botID+":", "/bot<redacted>:")
		msg = strings.ReplaceAll(msg, "bot"+botID+"/", "bot<redacted>/")
	}
	return msg
}

func redactErr(err error, token string) error {
	if err == nil {
		return nil
	}
	return errors.New(RedactToken(err.Error(), token))
}

func commandRemainder(text string) string {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func splitFirstWord(s string) (first string, rest string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	idx := strings.IndexAny(s, " \n")
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}

// parseMessageNumber converts a 1-based number as shown by /show into an
// index.
func parseMessageNumber(arg string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(arg), "#"))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %q", errBadNumber, arg)
	}
	return n - 1, nil
}

// resolveConversation accepts a 1-based position in the /chats listing or a
// conversation id.
func resolveConversation(convs []chat.Conversation, ref string) (chat.Conversation, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return chat.Conversation{}, false
	}
	if n, err := strconv.Atoi(ref); err == nil {
		if n >= 1 && n <= len(convs) && n <= chat.ListLimit {
			return convs[n-1], true
		}
		return chat.Conversation{}, false
	}
	if i := chat.IndexByID(convs, ref); i >= 0 {
		return convs[i], true
	}
	return chat.Conversation{}, false
}

// lastAssistantIndex is the default target of /regen.
func lastAssistantIndex(conv chat.Conversation) int {
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if !conv.Messages[i].IsUser {
			return i
		}
	}
	return -1
}

func conversationListText(convs []chat.Conversation, activeID string) string {
	if len(convs) == 0 {
		return "No saved conversations yet. Just send a message to start one."
	}
	lines := []string{"Conversations:"}
	for i, c := range convs {
		if i >= chat.ListLimit {
			lines = append(lines, fmt.Sprintf("…and %d more", len(convs)-chat.ListLimit))
			break
		}
		line := fmt.Sprintf("%d. %s (%d messages)", i+1, c.Title(), len(c.Messages))
		if c.Pinned {
			line = "📌 " + line
		}
		if c.ID == activeID {
			line += " ← active"
		}
		lines = append(lines, line)
	}
	lines = append(lines, "", "/open <n> switches, /pin <n> pins, /delete <n> removes.")
	return strings.Join(lines, "\n")
}

func transcriptText(conv chat.Conversation) string {
	if len(conv.Messages) == 0 {
		return "This conversation is empty."
	}
	lines := []string{conv.Title(), ""}
	for i, m := range conv.Messages {
		who := "Gemini"
		if m.IsUser {
			who = "You"
		}
		text := ClipRunes(strings.TrimSpace(m.Content), previewRunes)
		for _, f := range m.Files {
			text += " [📎 " + f.Name + "]"
		}
		lines = append(lines, fmt.Sprintf("#%d %s: %s", i+1, who, text))
	}
	return strings.Join(lines, "\n")
}
