package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendMessage_IndexesStartAtOneAndIncrease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		idx, err := s.AppendMessage(ctx, &StoredMessage{
			ConversationID: "conv-1",
			Role:           "user",
			Content:        fmt.Sprintf("message %d", i),
		})
		if err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
		if idx != i {
			t.Errorf("message index = %d, want %d", idx, i)
		}
	}
}

func TestAppendMessage_IndexesIndependentPerConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AppendMessage(ctx, &StoredMessage{ConversationID: "a", Role: "user", Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendMessage(ctx, &StoredMessage{ConversationID: "a", Role: "assistant", Content: "hello"}); err != nil {
		t.Fatal(err)
	}
	idx, err := s.AppendMessage(ctx, &StoredMessage{ConversationID: "b", Role: "user", Content: "hey"})
	if err != nil {
		t.Fatal(err)
	}
	if idx != 1 {
		t.Errorf("first index of conversation b = %d, want 1", idx)
	}
}

func TestAppendMessage_ConcurrentAppendsNeverCollide(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := s.AppendMessage(ctx, &StoredMessage{
				ConversationID: "conv-1",
				Role:           "user",
				Content:        "concurrent",
			})
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent append: %v", err)
		}
	}

	msgs, err := s.Messages(ctx, "conv-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != n {
		t.Fatalf("message count = %d, want %d", len(msgs), n)
	}
	for i, m := range msgs {
		if m.MessageIndex != i+1 {
			t.Errorf("index at position %d = %d, want %d", i, m.MessageIndex, i+1)
		}
	}
}

func TestMessages_LimitReturnsMostRecentAscending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		if _, err := s.AppendMessage(ctx, &StoredMessage{
			ConversationID: "conv-1",
			Role:           "user",
			Content:        fmt.Sprintf("m%d", i),
		}); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.Messages(ctx, "conv-1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	want := []int{8, 9, 10}
	for i, m := range msgs {
		if m.MessageIndex != want[i] {
			t.Errorf("index[%d] = %d, want %d", i, m.MessageIndex, want[i])
		}
	}
}

func TestMessages_UnknownConversationIsEmpty(t *testing.T) {
	s := newTestStore(t)

	msgs, err := s.Messages(context.Background(), "nope", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("len = %d, want 0", len(msgs))
	}
}

func TestMessages_RoundTripsFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := &StoredMessage{
		ConversationID: "conv-1",
		Role:           "assistant",
		Content:        "the answer is 42",
		TokensInput:    120,
		TokensOutput:   9,
		UserID:         "user-7",
	}
	if _, err := s.AppendMessage(ctx, in); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.Messages(ctx, "conv-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	got := msgs[0]
	if got.Role != in.Role || got.Content != in.Content ||
		got.TokensInput != in.TokensInput || got.TokensOutput != in.TokensOutput ||
		got.UserID != in.UserID {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, in)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at should be set")
	}
}

func TestDeleteConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AppendMessage(ctx, &StoredMessage{ConversationID: "conv-1", Role: "user", Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteConversation(ctx, "conv-1"); err != nil {
		t.Fatal(err)
	}
	msgs, err := s.Messages(ctx, "conv-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages after delete = %d, want 0", len(msgs))
	}

	// Deleting again is a no-op.
	if err := s.DeleteConversation(ctx, "conv-1"); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestAPIKeys_CreateAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expires := time.Now().Add(24 * time.Hour).UTC()
	in := &APIKey{
		ID:             "key-1",
		HashedSecret:   "sha256-digest-1",
		Owner:          "alice",
		ExpiresAt:      &expires,
		LimitPerMinute: 60,
		LimitPerDay:    1000,
	}
	if err := s.CreateKey(ctx, in); err != nil {
		t.Fatal(err)
	}

	got, err := s.KeyByHash(ctx, "sha256-digest-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "key-1" || got.Owner != "alice" {
		t.Errorf("KeyByHash = %+v", got)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, expires)
	}
	if got.LimitPerMinute != 60 || got.LimitPerDay != 1000 {
		t.Errorf("limits = %d/%d, want 60/1000", got.LimitPerMinute, got.LimitPerDay)
	}
	if got.Revoked {
		t.Error("new key should not be revoked")
	}
	if got.CountersJSON != "{}" {
		t.Errorf("CountersJSON = %q, want {}", got.CountersJSON)
	}

	if _, err := s.KeyByID(ctx, "key-1"); err != nil {
		t.Errorf("KeyByID: %v", err)
	}
}

func TestAPIKeys_DuplicateHashRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateKey(ctx, &APIKey{ID: "key-1", HashedSecret: "same", Owner: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateKey(ctx, &APIKey{ID: "key-2", HashedSecret: "same", Owner: "b"}); err == nil {
		t.Error("expected unique constraint violation for duplicate hashed secret")
	}
}

func TestAPIKeys_Revoke(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateKey(ctx, &APIKey{ID: "key-1", HashedSecret: "h1", Owner: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RevokeKey(ctx, "key-1"); err != nil {
		t.Fatal(err)
	}

	got, err := s.KeyByID(ctx, "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Revoked {
		t.Error("key should be revoked")
	}

	if err := s.RevokeKey(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("revoke unknown key = %v, want ErrNotFound", err)
	}
}

func TestAPIKeys_UpdateCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateKey(ctx, &APIKey{ID: "key-1", HashedSecret: "h1", Owner: "a"}); err != nil {
		t.Fatal(err)
	}
	snapshot := `{"minute":12,"day":340}`
	if err := s.UpdateKeyCounters(ctx, "key-1", snapshot); err != nil {
		t.Fatal(err)
	}

	got, err := s.KeyByID(ctx, "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.CountersJSON != snapshot {
		t.Errorf("CountersJSON = %q, want %q", got.CountersJSON, snapshot)
	}
}

func TestAPIKeys_LookupMissing(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.KeyByHash(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("KeyByHash = %v, want ErrNotFound", err)
	}
	if _, err := s.KeyByID(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("KeyByID = %v, want ErrNotFound", err)
	}
}

func TestAPIKeys_List(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		k := &APIKey{
			ID:           fmt.Sprintf("key-%d", i),
			HashedSecret: fmt.Sprintf("h%d", i),
			Owner:        "a",
			CreatedAt:    base.Add(time.Duration(i) * time.Second),
		}
		if err := s.CreateKey(ctx, k); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := s.ListKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 3 {
		t.Fatalf("len = %d, want 3", len(keys))
	}
	for i, k := range keys {
		if want := fmt.Sprintf("key-%d", i); k.ID != want {
			t.Errorf("keys[%d].ID = %q, want %q", i, k.ID, want)
		}
	}
}

func TestAudit_AppendAndQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		e := &AuditEvent{
			Timestamp:     base.Add(time.Duration(i) * time.Second),
			Actor:         "key-1",
			EventKind:     "turn.completed",
			Severity:      "info",
			PayloadDigest: fmt.Sprintf("digest-%d", i),
			LatencyMs:     int64(100 + i),
		}
		if err := s.AppendAudit(ctx, e); err != nil {
			t.Fatal(err)
		}
		if e.ID == 0 {
			t.Error("AppendAudit should assign an ID")
		}
	}

	events, err := s.RecentAudits(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("len = %d, want 3", len(events))
	}
	// Newest first.
	if events[0].PayloadDigest != "digest-4" {
		t.Errorf("first event digest = %q, want digest-4", events[0].PayloadDigest)
	}
}

func TestLedger_EmptyIsNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Ledger(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Ledger on empty table: err = %v, want ErrNotFound", err)
	}
}

func TestLedger_SaveAndRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := &LedgerTotals{
		TotalRequests:     12,
		TotalInputTokens:  3400,
		TotalOutputTokens: 1200,
		UpdatedAt:         time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
	}
	if err := s.SaveLedger(ctx, in); err != nil {
		t.Fatalf("SaveLedger: %v", err)
	}

	got, err := s.Ledger(ctx)
	if err != nil {
		t.Fatalf("Ledger: %v", err)
	}
	if got.TotalRequests != 12 || got.TotalInputTokens != 3400 || got.TotalOutputTokens != 1200 {
		t.Errorf("Ledger = %+v", got)
	}
	if !got.UpdatedAt.Equal(in.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, in.UpdatedAt)
	}
}

func TestLedger_SaveOverwritesSingleRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveLedger(ctx, &LedgerTotals{TotalRequests: 1, TotalInputTokens: 10, TotalOutputTokens: 5}); err != nil {
		t.Fatalf("SaveLedger: %v", err)
	}
	if err := s.SaveLedger(ctx, &LedgerTotals{TotalRequests: 2, TotalInputTokens: 25, TotalOutputTokens: 11}); err != nil {
		t.Fatalf("SaveLedger: %v", err)
	}

	got, err := s.Ledger(ctx)
	if err != nil {
		t.Fatalf("Ledger: %v", err)
	}
	if got.TotalRequests != 2 || got.TotalInputTokens != 25 || got.TotalOutputTokens != 11 {
		t.Errorf("Ledger = %+v, want the second snapshot", got)
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendMessage(ctx, &StoredMessage{ConversationID: "c", Role: "user", Content: "durable"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	msgs, err := s2.Messages(ctx, "c", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "durable" {
		t.Errorf("messages after reopen = %+v", msgs)
	}
}
