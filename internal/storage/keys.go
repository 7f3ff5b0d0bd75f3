package storage

import "strings"

// Key names one slot in a profile's key space.
type Key string

const (
	KeyConversations      Key = "conversations"
	KeySelectedModel      Key = "selected_model"
	KeySystemPrompt       Key = "system_prompt"
	KeyAPIKey             Key = "api_key"
	KeyActiveConversation Key = "active_conversation"

	summaryPrefix = "summary:"
)

func SummaryKey(conversationID string) Key {
	return Key(summaryPrefix + conversationID)
}

func (k Key) IsSummary() bool {
	return strings.HasPrefix(string(k), summaryPrefix)
}

func (k Key) secret() bool {
	return k == KeyAPIKey
}

func (k Key) String() string {
	return string(k)
}
