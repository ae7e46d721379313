// Package admission implements API-key authentication and per-key rate
// limiting for the HTTP and realtime endpoints.
//
// Keys are opaque secrets of the form "tlk_" followed by 43 URL-safe base64
// characters (256 bits of entropy). Only the SHA-256 digest of a secret is
// persisted; the plaintext is shown exactly once, at issuance.
//
// Each key carries two token buckets, a per-minute and a per-day budget.
// Bucket state lives in memory and is periodically snapshotted to the key's
// counters column so daily budgets survive a restart approximately.
package admission

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talaria-ai/talaria/internal/observe"
	"github.com/talaria-ai/talaria/internal/store"
)

// secretPrefix marks Talaria API keys so they are recognisable in logs and
// secret scanners.
const secretPrefix = "tlk_"

// snapshotInterval is how often dirty bucket state is flushed to the store.
const snapshotInterval = 30 * time.Second

// ErrUnauthorized is returned when the request carries no valid API key.
var ErrUnauthorized = errors.New("admission: invalid or missing API key")

// RateLimitError is returned when a key exhausts one of its budgets.
// It unwraps to nothing; match it with [errors.As].
type RateLimitError struct {
	// Window names the exhausted budget: "minute" or "day".
	Window string

	// RetryAfter is the wait until the next request would be admitted.
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("admission: %s rate limit exceeded, retry after %s", e.Window, e.RetryAfter)
}

// KeyStore is the persistence surface the admitter needs. *store.Store
// satisfies it.
type KeyStore interface {
	CreateKey(ctx context.Context, k *store.APIKey) error
	KeyByHash(ctx context.Context, hashedSecret string) (*store.APIKey, error)
	KeyByID(ctx context.Context, id string) (*store.APIKey, error)
	ListKeys(ctx context.Context) ([]store.APIKey, error)
	RevokeKey(ctx context.Context, id string) error
	UpdateKeyCounters(ctx context.Context, id, countersJSON string) error
}

// Config configures an [Admitter].
type Config struct {
	// Store persists keys and counters. Required.
	Store KeyStore

	// Require rejects requests without a key when true. When false,
	// keyless requests are admitted without rate limiting.
	Require bool

	// RatePerMinute and RatePerDay are the budgets applied to keys whose
	// stored limits are zero.
	RatePerMinute int
	RatePerDay    int

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics receives rejection counts. May be nil.
	Metrics *observe.Metrics
}

// counters is the JSON shape snapshotted into the key's counters column.
type counters struct {
	MinuteTokens float64   `json:"minute_tokens"`
	DayTokens    float64   `json:"day_tokens"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// keyState is the in-memory rate state for one key.
type keyState struct {
	key          *store.APIKey
	minute       *bucket
	day          *bucket
	lastSnapshot time.Time
}

// Admitter authenticates API keys and enforces their budgets.
// All exported methods are safe for concurrent use.
type Admitter struct {
	store   KeyStore
	require bool
	perMin  int
	perDay  int
	log     *slog.Logger
	metrics *observe.Metrics

	mu     sync.Mutex
	states map[string]*keyState

	now func() time.Time
}

// New creates an [Admitter] from cfg.
func New(cfg Config) (*Admitter, error) {
	if cfg.Store == nil {
		return nil, errors.New("admission: config: Store is required")
	}
	if cfg.RatePerMinute < 1 {
		cfg.RatePerMinute = 60
	}
	if cfg.RatePerDay < 1 {
		cfg.RatePerDay = 100000
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Admitter{
		store:   cfg.Store,
		require: cfg.Require,
		perMin:  cfg.RatePerMinute,
		perDay:  cfg.RatePerDay,
		log:     log,
		metrics: cfg.Metrics,
		states:  make(map[string]*keyState),
		now:     time.Now,
	}, nil
}

// Issue mints a new API key for owner and persists its digest. The returned
// plaintext secret is not recoverable afterwards. Zero limits fall back to
// the admitter's defaults at admission time; ttl of zero means no expiry.
func (a *Admitter) Issue(ctx context.Context, owner string, perMinute, perDay int, ttl time.Duration) (string, *store.APIKey, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("admission: generate secret: %w", err)
	}
	secret := secretPrefix + base64.RawURLEncoding.EncodeToString(raw)

	key := &store.APIKey{
		ID:             uuid.NewString(),
		HashedSecret:   HashSecret(secret),
		Owner:          owner,
		CreatedAt:      a.now().UTC(),
		LimitPerMinute: perMinute,
		LimitPerDay:    perDay,
	}
	if ttl > 0 {
		exp := key.CreatedAt.Add(ttl)
		key.ExpiresAt = &exp
	}
	if err := a.store.CreateKey(ctx, key); err != nil {
		return "", nil, fmt.Errorf("admission: issue key: %w", err)
	}
	return secret, key, nil
}

// Admit authenticates secret and charges one request against its budgets.
// It returns the key record on success, [ErrUnauthorized] for missing,
// unknown, revoked or expired keys, and a [*RateLimitError] when a budget is
// exhausted. With Require disabled, an empty secret is admitted with a nil
// key.
func (a *Admitter) Admit(ctx context.Context, secret string) (*store.APIKey, error) {
	if secret == "" {
		if !a.require {
			return nil, nil
		}
		return nil, ErrUnauthorized
	}
	if !strings.HasPrefix(secret, secretPrefix) {
		return nil, ErrUnauthorized
	}

	key, err := a.store.KeyByHash(ctx, HashSecret(secret))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("admission: key lookup: %w", err)
	}
	now := a.now()
	if key.Revoked || (key.ExpiresAt != nil && now.After(*key.ExpiresAt)) {
		return nil, ErrUnauthorized
	}

	a.mu.Lock()
	st := a.stateLocked(key, now)
	if ok, retry := st.minute.take(now); !ok {
		a.mu.Unlock()
		a.recordLimited(ctx, "minute")
		return nil, &RateLimitError{Window: "minute", RetryAfter: retry}
	}
	if ok, retry := st.day.take(now); !ok {
		// Refund the minute token so a day-limited key does not also burn
		// its minute budget.
		st.minute.tokens++
		a.mu.Unlock()
		a.recordLimited(ctx, "day")
		return nil, &RateLimitError{Window: "day", RetryAfter: retry}
	}
	snapshot := now.Sub(st.lastSnapshot) >= snapshotInterval
	if snapshot {
		st.lastSnapshot = now
	}
	cJSON := a.countersJSONLocked(st, now)
	a.mu.Unlock()

	if snapshot {
		if err := a.store.UpdateKeyCounters(ctx, key.ID, cJSON); err != nil {
			a.log.Warn("counter snapshot failed", "key_id", key.ID, "error", err)
		}
	}
	return key, nil
}

// stateLocked returns the rate state for key, creating it from the stored
// counter snapshot on first sight. Caller holds a.mu.
func (a *Admitter) stateLocked(key *store.APIKey, now time.Time) *keyState {
	if st, ok := a.states[key.ID]; ok {
		return st
	}
	perMin, perDay := key.LimitPerMinute, key.LimitPerDay
	if perMin < 1 {
		perMin = a.perMin
	}
	if perDay < 1 {
		perDay = a.perDay
	}
	st := &keyState{
		key:          key,
		minute:       newBucket(perMin, time.Minute, now),
		day:          newBucket(perDay, 24*time.Hour, now),
		lastSnapshot: now,
	}
	if key.CountersJSON != "" && key.CountersJSON != "{}" {
		var c counters
		if err := json.Unmarshal([]byte(key.CountersJSON), &c); err == nil && !c.UpdatedAt.IsZero() {
			st.minute.tokens = c.MinuteTokens
			st.minute.last = c.UpdatedAt
			st.day.tokens = c.DayTokens
			st.day.last = c.UpdatedAt
		}
	}
	a.states[key.ID] = st
	return st
}

func (a *Admitter) countersJSONLocked(st *keyState, now time.Time) string {
	b, err := json.Marshal(counters{
		MinuteTokens: st.minute.tokens,
		DayTokens:    st.day.tokens,
		UpdatedAt:    now.UTC(),
	})
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Revoke revokes the key and drops its in-memory rate state.
func (a *Admitter) Revoke(ctx context.Context, id string) error {
	if err := a.store.RevokeKey(ctx, id); err != nil {
		return fmt.Errorf("admission: revoke: %w", err)
	}
	a.mu.Lock()
	delete(a.states, id)
	a.mu.Unlock()
	return nil
}

// Keys lists all persisted keys. Secrets are not recoverable.
func (a *Admitter) Keys(ctx context.Context) ([]store.APIKey, error) {
	return a.store.ListKeys(ctx)
}

func (a *Admitter) recordLimited(ctx context.Context, window string) {
	if a.metrics != nil {
		a.metrics.RecordRateLimited(ctx, window)
	}
}

// HashSecret returns the hex SHA-256 digest of an API key secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// SecretsEqual compares two secrets in constant time.
func SecretsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
