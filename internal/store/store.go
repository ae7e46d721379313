// Package store provides durable persistence for conversations, API keys,
// and audit events on an embedded SQLite database.
//
// The database runs in WAL mode so reads never block on the writer. SQLite
// permits only one writer at a time; all mutating methods serialise on an
// internal mutex instead of relying on SQLITE_BUSY retries.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Schema is the SQL DDL for all Talaria tables. It is executed by
// [Store.Migrate] and is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS conversations (
    conversation_id TEXT    NOT NULL,
    message_index   INTEGER NOT NULL,
    role            TEXT    NOT NULL,
    content         TEXT    NOT NULL,
    created_at      TEXT    NOT NULL,
    tokens_input    INTEGER NOT NULL DEFAULT 0,
    tokens_output   INTEGER NOT NULL DEFAULT 0,
    user_id         TEXT    NOT NULL DEFAULT '',
    PRIMARY KEY (conversation_id, message_index)
);

CREATE TABLE IF NOT EXISTS api_keys (
    id               TEXT    PRIMARY KEY,
    hashed_secret    TEXT    NOT NULL UNIQUE,
    owner            TEXT    NOT NULL,
    created_at       TEXT    NOT NULL,
    expires_at       TEXT,
    revoked          INTEGER NOT NULL DEFAULT 0,
    limit_per_minute INTEGER NOT NULL DEFAULT 0,
    limit_per_day    INTEGER NOT NULL DEFAULT 0,
    counters_json    TEXT    NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS audit_logs (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp      TEXT    NOT NULL,
    actor          TEXT    NOT NULL,
    event_kind     TEXT    NOT NULL,
    severity       TEXT    NOT NULL,
    payload_digest TEXT    NOT NULL,
    latency_ms     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp);

CREATE TABLE IF NOT EXISTS ledger (
    id                  INTEGER PRIMARY KEY CHECK (id = 1),
    total_requests      INTEGER NOT NULL DEFAULT 0,
    total_input_tokens  INTEGER NOT NULL DEFAULT 0,
    total_output_tokens INTEGER NOT NULL DEFAULT 0,
    updated_at          TEXT    NOT NULL
);
`

// timeFormat is the canonical timestamp encoding used in all tables.
// RFC 3339 with nanoseconds sorts lexicographically and round-trips exactly.
const timeFormat = time.RFC3339Nano

// StoredMessage is one persisted conversation message.
type StoredMessage struct {
	ConversationID string
	MessageIndex   int
	Role           string
	Content        string
	CreatedAt      time.Time
	TokensInput    int
	TokensOutput   int
	UserID         string
}

// APIKey is one persisted API key record. The plaintext secret is never
// stored; only its SHA-256 digest in HashedSecret.
type APIKey struct {
	ID             string
	HashedSecret   string
	Owner          string
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	Revoked        bool
	LimitPerMinute int
	LimitPerDay    int
	CountersJSON   string
}

// AuditEvent is one persisted audit record. PayloadDigest carries a hash of
// the event payload rather than the payload itself, so the audit trail never
// contains user content.
type AuditEvent struct {
	ID            int64
	Timestamp     time.Time
	Actor         string
	EventKind     string
	Severity      string
	PayloadDigest string
	LatencyMs     int64
}

// LedgerTotals is the persisted usage-ledger snapshot. A single row holds the
// lifetime totals across all conversations.
type LedgerTotals struct {
	TotalRequests     int64
	TotalInputTokens  int64
	TotalOutputTokens int64
	UpdatedAt         time.Time
}

// Store is the embedded persistence layer. All exported methods are safe for
// concurrent use.
type Store struct {
	db *sql.DB

	// writeMu serialises all mutating statements; SQLite supports a single
	// writer per database file.
	writeMu sync.Mutex
}

// Open opens (creating if necessary) the SQLite database at path and applies
// the schema. Use ":memory:" for an ephemeral database in tests.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// A single connection sidesteps table-lock contention between the
	// writer and same-process readers on in-memory databases.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the [Schema] DDL. It is safe to call on an already
// migrated database.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Ping verifies database connectivity, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendMessage persists a message at the next free index of the
// conversation and returns the assigned index. Indexes start at 1 and are
// strictly increasing per conversation; the MAX+1 assignment happens inside
// the insert statement so concurrent appends to the same conversation can
// never collide.
func (s *Store) AppendMessage(ctx context.Context, m *StoredMessage) (int, error) {
	if m.ConversationID == "" {
		return 0, errors.New("store: conversation id is empty")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	const query = `
		INSERT INTO conversations (
			conversation_id, message_index, role, content, created_at,
			tokens_input, tokens_output, user_id
		)
		SELECT ?1, COALESCE(MAX(message_index), 0) + 1, ?2, ?3, ?4, ?5, ?6, ?7
		FROM conversations WHERE conversation_id = ?1
		RETURNING message_index`

	var idx int
	err := s.db.QueryRowContext(ctx, query,
		m.ConversationID, m.Role, m.Content, m.CreatedAt.UTC().Format(timeFormat),
		m.TokensInput, m.TokensOutput, m.UserID,
	).Scan(&idx)
	if err != nil {
		return 0, fmt.Errorf("store: append message: %w", err)
	}
	m.MessageIndex = idx
	return idx, nil
}

// Messages returns up to limit most recent messages of a conversation in
// ascending index order. A limit <= 0 returns the whole conversation.
func (s *Store) Messages(ctx context.Context, conversationID string, limit int) ([]StoredMessage, error) {
	const query = `
		SELECT conversation_id, message_index, role, content, created_at,
		       tokens_input, tokens_output, user_id
		FROM (
			SELECT * FROM conversations
			WHERE conversation_id = ?1
			ORDER BY message_index DESC
			LIMIT ?2
		)
		ORDER BY message_index ASC`

	effLimit := limit
	if effLimit <= 0 {
		effLimit = -1
	}
	rows, err := s.db.QueryContext(ctx, query, conversationID, effLimit)
	if err != nil {
		return nil, fmt.Errorf("store: messages %q: %w", conversationID, err)
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		var created string
		if err := rows.Scan(
			&m.ConversationID, &m.MessageIndex, &m.Role, &m.Content, &created,
			&m.TokensInput, &m.TokensOutput, &m.UserID,
		); err != nil {
			return nil, fmt.Errorf("store: messages scan: %w", err)
		}
		if m.CreatedAt, err = time.Parse(timeFormat, created); err != nil {
			return nil, fmt.Errorf("store: messages: parse created_at %q: %w", created, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: messages %q: %w", conversationID, err)
	}
	return out, nil
}

// DeleteConversation removes all messages of a conversation. Deleting an
// unknown conversation is not an error.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	const query = `DELETE FROM conversations WHERE conversation_id = ?1`
	if _, err := s.db.ExecContext(ctx, query, conversationID); err != nil {
		return fmt.Errorf("store: delete conversation %q: %w", conversationID, err)
	}
	return nil
}

// CreateKey persists a new API key record. The key's hashed secret must be
// unique; a collision returns an error.
func (s *Store) CreateKey(ctx context.Context, k *APIKey) error {
	if k.ID == "" || k.HashedSecret == "" {
		return errors.New("store: api key id and hashed secret are required")
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	if k.CountersJSON == "" {
		k.CountersJSON = "{}"
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	const query = `
		INSERT INTO api_keys (
			id, hashed_secret, owner, created_at, expires_at,
			revoked, limit_per_minute, limit_per_day, counters_json
		) VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9)`

	var expires any
	if k.ExpiresAt != nil {
		expires = k.ExpiresAt.UTC().Format(timeFormat)
	}
	_, err := s.db.ExecContext(ctx, query,
		k.ID, k.HashedSecret, k.Owner, k.CreatedAt.UTC().Format(timeFormat),
		expires, boolToInt(k.Revoked), k.LimitPerMinute, k.LimitPerDay, k.CountersJSON,
	)
	if err != nil {
		return fmt.Errorf("store: create key %q: %w", k.ID, err)
	}
	return nil
}

// KeyByHash looks up an API key by the SHA-256 digest of its secret.
// Returns [ErrNotFound] if no key matches.
func (s *Store) KeyByHash(ctx context.Context, hashedSecret string) (*APIKey, error) {
	const query = `
		SELECT id, hashed_secret, owner, created_at, expires_at,
		       revoked, limit_per_minute, limit_per_day, counters_json
		FROM api_keys WHERE hashed_secret = ?1`
	return s.scanKey(s.db.QueryRowContext(ctx, query, hashedSecret))
}

// KeyByID looks up an API key by its identifier. Returns [ErrNotFound] if no
// key matches.
func (s *Store) KeyByID(ctx context.Context, id string) (*APIKey, error) {
	const query = `
		SELECT id, hashed_secret, owner, created_at, expires_at,
		       revoked, limit_per_minute, limit_per_day, counters_json
		FROM api_keys WHERE id = ?1`
	return s.scanKey(s.db.QueryRowContext(ctx, query, id))
}

// ListKeys returns all API key records ordered by creation time.
func (s *Store) ListKeys(ctx context.Context) ([]APIKey, error) {
	const query = `
		SELECT id, hashed_secret, owner, created_at, expires_at,
		       revoked, limit_per_minute, limit_per_day, counters_json
		FROM api_keys ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list keys: %w", err)
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		k, err := scanKeyRow(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list keys: %w", err)
	}
	return keys, nil
}

// RevokeKey marks an API key as revoked. Returns [ErrNotFound] if the key
// does not exist.
func (s *Store) RevokeKey(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	const query = `UPDATE api_keys SET revoked = 1 WHERE id = ?1`
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("store: revoke key %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: revoke key %q: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("store: revoke key %q: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateKeyCounters replaces the persisted usage-counter snapshot of a key.
// The snapshot is opaque JSON maintained by admission control.
func (s *Store) UpdateKeyCounters(ctx context.Context, id, countersJSON string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	const query = `UPDATE api_keys SET counters_json = ?2 WHERE id = ?1`
	res, err := s.db.ExecContext(ctx, query, id, countersJSON)
	if err != nil {
		return fmt.Errorf("store: update key counters %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update key counters %q: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("store: update key counters %q: %w", id, ErrNotFound)
	}
	return nil
}

// SaveLedger replaces the persisted usage-ledger snapshot.
func (s *Store) SaveLedger(ctx context.Context, t *LedgerTotals) error {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	const query = `
		INSERT INTO ledger (id, total_requests, total_input_tokens, total_output_tokens, updated_at)
		VALUES (1, ?1, ?2, ?3, ?4)
		ON CONFLICT (id) DO UPDATE SET
			total_requests      = excluded.total_requests,
			total_input_tokens  = excluded.total_input_tokens,
			total_output_tokens = excluded.total_output_tokens,
			updated_at          = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		t.TotalRequests, t.TotalInputTokens, t.TotalOutputTokens,
		t.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("store: save ledger: %w", err)
	}
	return nil
}

// Ledger returns the persisted usage-ledger snapshot. Returns [ErrNotFound]
// if no snapshot has been written yet.
func (s *Store) Ledger(ctx context.Context) (*LedgerTotals, error) {
	const query = `
		SELECT total_requests, total_input_tokens, total_output_tokens, updated_at
		FROM ledger WHERE id = 1`

	var t LedgerTotals
	var updated string
	err := s.db.QueryRowContext(ctx, query).Scan(
		&t.TotalRequests, &t.TotalInputTokens, &t.TotalOutputTokens, &updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: ledger: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(timeFormat, updated); err != nil {
		return nil, fmt.Errorf("store: ledger: parse updated_at %q: %w", updated, err)
	}
	return &t, nil
}

// AppendAudit persists an audit event and fills in its assigned ID.
func (s *Store) AppendAudit(ctx context.Context, e *AuditEvent) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	const query = `
		INSERT INTO audit_logs (timestamp, actor, event_kind, severity, payload_digest, latency_ms)
		VALUES (?1, ?2, ?3, ?4, ?5, ?6)
		RETURNING id`

	err := s.db.QueryRowContext(ctx, query,
		e.Timestamp.UTC().Format(timeFormat), e.Actor, e.EventKind,
		e.Severity, e.PayloadDigest, e.LatencyMs,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("store: append audit: %w", err)
	}
	return nil
}

// RecentAudits returns up to limit audit events, newest first.
func (s *Store) RecentAudits(ctx context.Context, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT id, timestamp, actor, event_kind, severity, payload_digest, latency_ms
		FROM audit_logs ORDER BY timestamp DESC, id DESC LIMIT ?1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent audits: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Actor, &e.EventKind, &e.Severity, &e.PayloadDigest, &e.LatencyMs); err != nil {
			return nil, fmt.Errorf("store: recent audits scan: %w", err)
		}
		if e.Timestamp, err = time.Parse(timeFormat, ts); err != nil {
			return nil, fmt.Errorf("store: recent audits: parse timestamp %q: %w", ts, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent audits: %w", err)
	}
	return events, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanKey(row *sql.Row) (*APIKey, error) {
	k, err := scanKeyRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return k, nil
}

func scanKeyRow(row rowScanner) (*APIKey, error) {
	var k APIKey
	var created string
	var expires sql.NullString
	var revoked int

	err := row.Scan(
		&k.ID, &k.HashedSecret, &k.Owner, &created, &expires,
		&revoked, &k.LimitPerMinute, &k.LimitPerDay, &k.CountersJSON,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan key: %w", err)
	}

	if k.CreatedAt, err = time.Parse(timeFormat, created); err != nil {
		return nil, fmt.Errorf("store: scan key: parse created_at %q: %w", created, err)
	}
	if expires.Valid {
		t, err := time.Parse(timeFormat, expires.String)
		if err != nil {
			return nil, fmt.Errorf("store: scan key: parse expires_at %q: %w", expires.String, err)
		}
		k.ExpiresAt = &t
	}
	k.Revoked = revoked != 0
	return &k, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
