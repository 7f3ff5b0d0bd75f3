package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"gemchat/internal/crypto"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	keyring, err := crypto.NewKeyring("k1", map[string][]byte{"k1": make([]byte, 32)})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	dsn := "file:" + filepath.Join(t.TempDir(), "gemchat.db")
	st, err := Open(context.Background(), "sqlite", dsn, true, keyring)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestProfileGetSetRemove(t *testing.T) {
	ctx := context.Background()
	kv := openTestStore(t).Profile("tg:1")

	if _, err := kv.Get(ctx, KeySystemPrompt); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := kv.Set(ctx, KeySystemPrompt, "be brief"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := kv.Set(ctx, KeySystemPrompt, "be terse"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := kv.Get(ctx, KeySystemPrompt)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "be terse" {
		t.Fatalf("expected last write to win, got %q", got)
	}
	if err := kv.Remove(ctx, KeySystemPrompt); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := kv.Remove(ctx, KeySystemPrompt); err != nil {
		t.Fatalf("remove absent key: %v", err)
	}
	if _, err := kv.Get(ctx, KeySystemPrompt); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}

func TestProfilesAreIsolated(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	if err := st.Profile("a").Set(ctx, KeySelectedModel, "gemini-2.5-pro"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := st.Profile("b").Get(ctx, KeySelectedModel); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected profile b to be empty, got %v", err)
	}
}

func TestAPIKeyStoredSealed(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	kv := st.Profile("tg:7")

	if err := kv.Set(ctx, KeyAPIKey, "AIza-plain"); err != nil {
		t.Fatalf("set api key: %v", err)
	}

	var raw string
	if err := st.DB().QueryRowContext(ctx, "SELECT value FROM profile_kv WHERE profile_id = ? AND key = ?", "tg:7", string(KeyAPIKey)).Scan(&raw); err != nil {
		t.Fatalf("read raw row: %v", err)
	}
	if strings.Contains(raw, "AIza-plain") {
		t.Fatalf("api key stored in clear: %s", raw)
	}

	got, err := kv.Get(ctx, KeyAPIKey)
	if err != nil {
		t.Fatalf("get api key: %v", err)
	}
	if got != "AIza-plain" {
		t.Fatalf("unexpected api key %q", got)
	}

	if _, err := st.DB().ExecContext(ctx, "UPDATE profile_kv SET profile_id = ? WHERE profile_id = ?", "tg:8", "tg:7"); err != nil {
		t.Fatalf("move row: %v", err)
	}
	if _, err := st.Profile("tg:8").Get(ctx, KeyAPIKey); !errors.Is(err, crypto.ErrScopeMismatch) {
		t.Fatalf("expected moved secret to fail, got %v", err)
	}
}

func TestRemoveSummaries(t *testing.T) {
	ctx := context.Background()
	kv := openTestStore(t).Profile("p")

	for _, id := range []string{"c1", "c2"} {
		if err := kv.Set(ctx, SummaryKey(id), "summary of "+id); err != nil {
			t.Fatalf("set summary: %v", err)
		}
	}
	if err := kv.Set(ctx, KeyConversations, "[]"); err != nil {
		t.Fatalf("set conversations: %v", err)
	}

	n, err := kv.RemoveSummaries(ctx)
	if err != nil {
		t.Fatalf("remove summaries: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 summaries removed, got %d", n)
	}
	if _, err := kv.Get(ctx, KeyConversations); err != nil {
		t.Fatalf("conversations should survive: %v", err)
	}
}

func TestLogAction(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	if err := st.LogAction(ctx, AuditEntry{ProfileID: "p", Action: "conversation.delete", MetaJSON: `{"id":"c1"}`}); err != nil {
		t.Fatalf("log action: %v", err)
	}
	if err := st.LogAction(ctx, AuditEntry{ProfileID: "p", Action: "conversation.delete", MetaJSON: "not json"}); err != nil {
		t.Fatalf("log action with bad meta: %v", err)
	}
	n, err := st.CountActions(ctx, "p", "conversation.delete")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 entries, got %d", n)
	}
}

func TestSecretWithoutKeyring(t *testing.T) {
	ctx := context.Background()
	st, err := Open(ctx, "sqlite", "file:"+filepath.Join(t.TempDir(), "nokeys.db"), true, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	if err := st.Profile("p").Set(ctx, KeyAPIKey, "x"); !errors.Is(err, ErrNoKeyring) {
		t.Fatalf("expected ErrNoKeyring, got %v", err)
	}
}
