package chat

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	titleRunes    = 30
	UntitledTitle = "New conversation"
	// ListLimit caps how many conversations a listing shows.
	ListLimit = 20
)

type FileRef struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Base64   string `json:"base64"`
}

type Message struct {
	Content   string    `json:"content"`
	IsUser    bool      `json:"isUser"`
	Files     []FileRef `json:"files,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

type Conversation struct {
	ID           string    `json:"id"`
	Messages     []Message `json:"messages"`
	Timestamp    time.Time `json:"timestamp"`
	Pinned       bool      `json:"pinned,omitempty"`
	PinnedAt     time.Time `json:"pinnedAt,omitzero"`
	RequestCount int       `json:"requestCount"`
}

func NewID() string {
	return uuid.NewString()
}

func NewConversation(now time.Time) Conversation {
	return Conversation{ID: NewID(), Messages: []Message{}, Timestamp: now}
}

// Title is the first message clipped to 30 runes.
func (c Conversation) Title() string {
	if len(c.Messages) == 0 {
		return UntitledTitle
	}
	first := c.Messages[0]
	text := strings.Join(strings.Fields(first.Content), " ")
	if text == "" && len(first.Files) > 0 {
		text = "[file] " + first.Files[0].Name
	}
	if text == "" {
		return UntitledTitle
	}
	r := []rune(text)
	if len(r) > titleRunes {
		return string(r[:titleRunes]) + "..."
	}
	return text
}

func (c Conversation) Clone() Conversation {
	out := c
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		m.Files = append([]FileRef(nil), m.Files...)
		out.Messages[i] = m
	}
	return out
}

// SortForDisplay orders pinned conversations first (earliest pin first), then
// the rest by last modification, newest first.
func SortForDisplay(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		a, b := convs[i], convs[j]
		if a.Pinned != b.Pinned {
			return a.Pinned
		}
		if a.Pinned && !a.PinnedAt.Equal(b.PinnedAt) {
			return a.PinnedAt.Before(b.PinnedAt)
		}
		return a.Timestamp.After(b.Timestamp)
	})
}

func IndexByID(convs []Conversation, id string) int {
	for i := range convs {
		if convs[i].ID == id {
			return i
		}
	}
	return -1
}
