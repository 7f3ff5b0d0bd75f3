package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const ExportVersion = "1.0"

var ErrInvalidImport = errors.New("invalid conversation file")

type exportDocument struct {
	Version      string               `json:"version"`
	ExportDate   time.Time            `json:"exportDate"`
	Conversation exportedConversation `json:"conversation"`
}

type exportedConversation struct {
	ID        string    `json:"id"`
	Messages  []Message `json:"messages"`
	Timestamp time.Time `json:"timestamp"`
}

func Export(c Conversation, now time.Time) ([]byte, error) {
	msgs := c.Messages
	if msgs == nil {
		msgs = []Message{}
	}
	doc := exportDocument{
		Version:    ExportVersion,
		ExportDate: now.UTC(),
		Conversation: exportedConversation{
			ID:        c.ID,
			Messages:  msgs,
			Timestamp: c.Timestamp.UTC(),
		},
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal export: %w", err)
	}
	return b, nil
}

// Import validates an exported document and returns its conversation under a
// fresh id. Nothing is returned unless the whole document is usable.
func Import(data []byte, now time.Time) (Conversation, error) {
	var doc struct {
		Conversation map[string]json.RawMessage `json:"conversation"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return Conversation{}, fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}
	if doc.Conversation == nil {
		return Conversation{}, fmt.Errorf("%w: missing conversation", ErrInvalidImport)
	}

	var id string
	if err := json.Unmarshal(doc.Conversation["id"], &id); err != nil || id == "" {
		return Conversation{}, fmt.Errorf("%w: missing conversation id", ErrInvalidImport)
	}

	rawMsgs := bytes.TrimSpace(doc.Conversation["messages"])
	if len(rawMsgs) == 0 || rawMsgs[0] != '[' {
		return Conversation{}, fmt.Errorf("%w: messages must be an array", ErrInvalidImport)
	}
	var msgs []Message
	if err := json.Unmarshal(rawMsgs, &msgs); err != nil {
		return Conversation{}, fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}
	for i := range msgs {
		msgs[i].Files = keepEncodedFiles(msgs[i].Files)
	}

	ts := parseTimestamp(doc.Conversation["timestamp"])
	if ts.IsZero() {
		ts = now
	}
	return Conversation{
		ID:        NewID(),
		Messages:  msgs,
		Timestamp: ts,
	}, nil
}

// parseTimestamp accepts RFC 3339 strings and epoch milliseconds, the format
// older exports used.
func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var t time.Time
	if err := json.Unmarshal(raw, &t); err == nil {
		return t
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	return time.Time{}
}

func keepEncodedFiles(files []FileRef) []FileRef {
	out := files[:0]
	for _, f := range files {
		if f.Base64 != "" {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
