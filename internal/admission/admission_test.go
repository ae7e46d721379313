package admission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/talaria-ai/talaria/internal/store"
)

// fakeKeyStore is an in-memory KeyStore.
type fakeKeyStore struct {
	mu       sync.Mutex
	byID     map[string]*store.APIKey
	byHash   map[string]*store.APIKey
	counters map[string]string
	err      error
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{
		byID:     make(map[string]*store.APIKey),
		byHash:   make(map[string]*store.APIKey),
		counters: make(map[string]string),
	}
}

func (f *fakeKeyStore) CreateKey(_ context.Context, k *store.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	cp := *k
	f.byID[k.ID] = &cp
	f.byHash[k.HashedSecret] = &cp
	return nil
}

func (f *fakeKeyStore) KeyByHash(_ context.Context, hash string) (*store.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.byHash[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (f *fakeKeyStore) KeyByID(_ context.Context, id string) (*store.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (f *fakeKeyStore) ListKeys(context.Context) ([]store.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.APIKey, 0, len(f.byID))
	for _, k := range f.byID {
		out = append(out, *k)
	}
	return out, nil
}

func (f *fakeKeyStore) RevokeKey(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	k.Revoked = true
	return nil
}

func (f *fakeKeyStore) UpdateKeyCounters(_ context.Context, id, countersJSON string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[id]; !ok {
		return store.ErrNotFound
	}
	f.counters[id] = countersJSON
	return nil
}

func newTestAdmitter(t *testing.T, cfg Config) (*Admitter, *time.Time) {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = newFakeKeyStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	a.now = func() time.Time { return now }
	return a, &now
}

func TestIssue_SecretFormat(t *testing.T) {
	a, _ := newTestAdmitter(t, Config{Require: true})

	secret, key, err := a.Issue(context.Background(), "alice", 0, 0, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !strings.HasPrefix(secret, "tlk_") {
		t.Errorf("secret = %q, want tlk_ prefix", secret)
	}
	if len(secret) != len("tlk_")+43 {
		t.Errorf("secret length = %d, want %d", len(secret), len("tlk_")+43)
	}
	if key.HashedSecret != HashSecret(secret) {
		t.Error("stored hash does not match the issued secret")
	}
	if key.ExpiresAt != nil {
		t.Error("zero ttl must not set an expiry")
	}
}

func TestAdmit_ValidKey(t *testing.T) {
	a, _ := newTestAdmitter(t, Config{Require: true})
	secret, issued, _ := a.Issue(context.Background(), "alice", 0, 0, 0)

	key, err := a.Admit(context.Background(), secret)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if key.ID != issued.ID {
		t.Errorf("key ID = %q, want %q", key.ID, issued.ID)
	}
}

func TestAdmit_Rejections(t *testing.T) {
	a, now := newTestAdmitter(t, Config{Require: true})

	if _, err := a.Admit(context.Background(), ""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("empty secret: err = %v, want ErrUnauthorized", err)
	}
	if _, err := a.Admit(context.Background(), "sk-wrong-prefix"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("wrong prefix: err = %v, want ErrUnauthorized", err)
	}
	if _, err := a.Admit(context.Background(), "tlk_unknownunknownunknownunknownunknownunkn"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("unknown key: err = %v, want ErrUnauthorized", err)
	}

	secret, key, _ := a.Issue(context.Background(), "alice", 0, 0, 0)
	a.Revoke(context.Background(), key.ID)
	if _, err := a.Admit(context.Background(), secret); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("revoked key: err = %v, want ErrUnauthorized", err)
	}

	expSecret, _, _ := a.Issue(context.Background(), "bob", 0, 0, time.Hour)
	*now = now.Add(2 * time.Hour)
	if _, err := a.Admit(context.Background(), expSecret); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expired key: err = %v, want ErrUnauthorized", err)
	}
}

func TestAdmit_OptionalKey(t *testing.T) {
	a, _ := newTestAdmitter(t, Config{Require: false})

	key, err := a.Admit(context.Background(), "")
	if err != nil {
		t.Fatalf("keyless request with Require=false: %v", err)
	}
	if key != nil {
		t.Error("anonymous admission must return a nil key")
	}
	// A present but bogus key is still rejected.
	if _, err := a.Admit(context.Background(), "tlk_bogusbogusbogus"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("bogus key: err = %v, want ErrUnauthorized", err)
	}
}

func TestAdmit_MinuteLimit(t *testing.T) {
	a, now := newTestAdmitter(t, Config{Require: true, RatePerMinute: 3, RatePerDay: 1000})
	secret, _, _ := a.Issue(context.Background(), "alice", 0, 0, 0)

	for i := 0; i < 3; i++ {
		if _, err := a.Admit(context.Background(), secret); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}

	_, err := a.Admit(context.Background(), secret)
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("err = %v, want *RateLimitError", err)
	}
	if rle.Window != "minute" {
		t.Errorf("Window = %q, want minute", rle.Window)
	}
	if rle.RetryAfter <= 0 || rle.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want within (0, 1m]", rle.RetryAfter)
	}

	// The bucket refills over time.
	*now = now.Add(time.Minute)
	if _, err := a.Admit(context.Background(), secret); err != nil {
		t.Errorf("after refill: %v", err)
	}
}

func TestAdmit_DayLimit(t *testing.T) {
	a, _ := newTestAdmitter(t, Config{Require: true, RatePerMinute: 1000, RatePerDay: 2})
	secret, _, _ := a.Issue(context.Background(), "alice", 0, 0, 0)

	a.Admit(context.Background(), secret)
	a.Admit(context.Background(), secret)

	_, err := a.Admit(context.Background(), secret)
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("err = %v, want *RateLimitError", err)
	}
	if rle.Window != "day" {
		t.Errorf("Window = %q, want day", rle.Window)
	}
}

func TestAdmit_PerKeyLimitsOverrideDefaults(t *testing.T) {
	a, _ := newTestAdmitter(t, Config{Require: true, RatePerMinute: 1000, RatePerDay: 100000})
	secret, _, _ := a.Issue(context.Background(), "alice", 1, 0, 0)

	if _, err := a.Admit(context.Background(), secret); err != nil {
		t.Fatalf("first request: %v", err)
	}
	var rle *RateLimitError
	if _, err := a.Admit(context.Background(), secret); !errors.As(err, &rle) {
		t.Fatalf("err = %v, want *RateLimitError for per-key limit of 1/min", err)
	}
}

func TestAdmit_CountersSnapshotAfterInterval(t *testing.T) {
	fs := newFakeKeyStore()
	a, now := newTestAdmitter(t, Config{Store: fs, Require: true})
	secret, key, _ := a.Issue(context.Background(), "alice", 0, 0, 0)

	a.Admit(context.Background(), secret)
	if _, ok := fs.counters[key.ID]; ok {
		t.Fatal("counters snapshotted before the interval elapsed")
	}

	*now = now.Add(snapshotInterval + time.Second)
	a.Admit(context.Background(), secret)
	snap, ok := fs.counters[key.ID]
	if !ok {
		t.Fatal("counters not snapshotted after the interval")
	}
	if !strings.Contains(snap, "day_tokens") {
		t.Errorf("snapshot = %q, want day_tokens field", snap)
	}
}

func TestAdmit_RestoresCountersFromSnapshot(t *testing.T) {
	fs := newFakeKeyStore()
	a, now := newTestAdmitter(t, Config{Store: fs, Require: true, RatePerMinute: 1000, RatePerDay: 5})
	secret, key, _ := a.Issue(context.Background(), "alice", 0, 0, 0)

	// Burn 4 of 5 daily tokens, then snapshot into the stored record.
	for i := 0; i < 4; i++ {
		a.Admit(context.Background(), secret)
	}
	a.mu.Lock()
	snap := a.countersJSONLocked(a.states[key.ID], *now)
	a.mu.Unlock()
	fs.mu.Lock()
	fs.byHash[key.HashedSecret].CountersJSON = snap
	fs.mu.Unlock()

	// A fresh admitter (fresh process) resumes from the snapshot.
	b, _ := newTestAdmitter(t, Config{Store: fs, Require: true, RatePerMinute: 1000, RatePerDay: 5})
	if _, err := b.Admit(context.Background(), secret); err != nil {
		t.Fatalf("5th request: %v", err)
	}
	var rle *RateLimitError
	if _, err := b.Admit(context.Background(), secret); !errors.As(err, &rle) {
		t.Fatalf("err = %v, want *RateLimitError after restored budget is spent", err)
	}
}

func TestHashSecret_Deterministic(t *testing.T) {
	if HashSecret("tlk_abc") != HashSecret("tlk_abc") {
		t.Error("hash must be deterministic")
	}
	if HashSecret("tlk_abc") == HashSecret("tlk_abd") {
		t.Error("different secrets must hash differently")
	}
	if len(HashSecret("tlk_abc")) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(HashSecret("tlk_abc")))
	}
}

func TestBucket_BurstThenRefill(t *testing.T) {
	now := time.Unix(0, 0)
	b := newBucket(2, time.Minute, now)

	for i := 0; i < 2; i++ {
		if ok, _ := b.take(now); !ok {
			t.Fatalf("take %d refused with a full bucket", i+1)
		}
	}
	ok, retry := b.take(now)
	if ok {
		t.Fatal("take admitted with an empty bucket")
	}
	if retry <= 0 || retry > 30*time.Second {
		t.Errorf("retry = %v, want within (0, 30s] for 2/min", retry)
	}

	if ok, _ := b.take(now.Add(31 * time.Second)); !ok {
		t.Error("bucket did not refill after the advertised wait")
	}
}
