package chat

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSortForDisplay(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	convs := []Conversation{
		{ID: "old", Timestamp: base},
		{ID: "pinned-late", Timestamp: base, Pinned: true, PinnedAt: base.Add(2 * time.Hour)},
		{ID: "new", Timestamp: base.Add(time.Hour)},
		{ID: "pinned-early", Timestamp: base.Add(-time.Hour), Pinned: true, PinnedAt: base.Add(time.Hour)},
	}
	SortForDisplay(convs)

	want := []string{"pinned-early", "pinned-late", "new", "old"}
	for i, id := range want {
		if convs[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, convs[i].ID)
		}
	}
}

func TestTitle(t *testing.T) {
	c := Conversation{}
	if c.Title() != UntitledTitle {
		t.Fatalf("expected untitled, got %q", c.Title())
	}
	c.Messages = []Message{{Content: "Explain how   goroutines\nare scheduled on threads please", IsUser: true}}
	if got := c.Title(); got != "Explain how goroutines are sch..." {
		t.Fatalf("unexpected title %q", got)
	}
	c.Messages = []Message{{IsUser: true, Files: []FileRef{{Name: "cat.png"}}}}
	if got := c.Title(); got != "[file] cat.png" {
		t.Fatalf("unexpected file title %q", got)
	}
}

func TestNewFileRef(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")
	f, err := NewFileRef("a.png", "", png)
	if err != nil {
		t.Fatalf("new file ref: %v", err)
	}
	if f.MimeType != "image/png" || !f.IsImage() {
		t.Fatalf("expected sniffed image/png, got %q", f.MimeType)
	}
	raw, _ := base64.StdEncoding.DecodeString(f.Base64)
	if !bytes.Equal(raw, png) {
		t.Fatalf("base64 does not round trip")
	}
}

func TestAttachmentLimit(t *testing.T) {
	if err := CheckSize(25<<20, 0); !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("expected 25 MiB file to be rejected, got %v", err)
	}
	if err := CheckSize(MaxAttachmentBytes, 0); err != nil {
		t.Fatalf("exactly 20 MiB must pass: %v", err)
	}

	_, err := ReadFileRef("big.bin", "application/octet-stream", bytes.NewReader(make([]byte, 11)), 10)
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("expected ErrFileTooLarge, got %v", err)
	}
	f, err := ReadFileRef("ok.txt", "text/plain", strings.NewReader("0123456789"), 10)
	if err != nil || f.MimeType != "text/plain" {
		t.Fatalf("expected 10-byte file accepted, got %v %#v", err, f)
	}
}

func TestExportImport(t *testing.T) {
	now := time.Date(2026, 5, 2, 9, 30, 0, 0, time.UTC)
	conv := Conversation{
		ID:        "abc",
		Timestamp: now.Add(-time.Hour),
		Messages: []Message{
			{Content: "hi", IsUser: true, Files: []FileRef{{Name: "x.txt", MimeType: "text/plain", Base64: "eA=="}}},
			{Content: "hello"},
		},
	}
	data, err := Export(conv, now)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(string(data), `"version": "1.0"`) {
		t.Fatalf("export is missing version: %s", data)
	}

	got, err := Import(data, now)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if got.ID == "" || got.ID == conv.ID {
		t.Fatalf("expected a regenerated id, got %q", got.ID)
	}
	if len(got.Messages) != 2 || got.Messages[1].Content != "hello" || len(got.Messages[0].Files) != 1 {
		t.Fatalf("messages not preserved: %#v", got.Messages)
	}
	if !got.Timestamp.Equal(conv.Timestamp) {
		t.Fatalf("timestamp not preserved: %v", got.Timestamp)
	}
}

func TestImportLegacyTimestamp(t *testing.T) {
	doc := `{"version":"1.0","conversation":{"id":"x","messages":[{"content":"hi","isUser":true,"files":[{}]}],"timestamp":1767225600000}}`
	got, err := Import([]byte(doc), time.Now())
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !got.Timestamp.Equal(time.UnixMilli(1767225600000).UTC()) {
		t.Fatalf("unexpected timestamp %v", got.Timestamp)
	}
	if got.Messages[0].Files != nil {
		t.Fatalf("expected empty file entries to be dropped")
	}
}

func TestImportRejectsInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"not json":         `{`,
		"no conversation":  `{"version":"1.0"}`,
		"missing id":       `{"conversation":{"messages":[]}}`,
		"numeric id":       `{"conversation":{"id":5,"messages":[]}}`,
		"missing messages": `{"conversation":{"id":"a"}}`,
		"object messages":  `{"conversation":{"id":"a","messages":{}}}`,
		"bad message":      `{"conversation":{"id":"a","messages":[{"content":1}]}}`,
	}
	for name, doc := range cases {
		if _, err := Import([]byte(doc), time.Now()); !errors.Is(err, ErrInvalidImport) {
			t.Fatalf("%s: expected ErrInvalidImport, got %v", name, err)
		}
	}
}
