// Package convmem keeps the working memory of active conversations: a
// sliding window of the most recent messages per conversation, bounded both
// per conversation (window size) and globally (LRU over conversations).
//
// The window is the prompt context for the next turn; durable history lives
// in the store. Persistence is write-behind: appends are queued to a single
// background writer that flushes them in append order, so the durable
// transcript preserves turn order and flushes never block or fail a turn.
package convmem

import (
	"container/list"
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/talaria-ai/talaria/internal/store"
	"github.com/talaria-ai/talaria/pkg/types"
)

// persistTimeout bounds a single write-behind store operation.
const persistTimeout = 5 * time.Second

// Persister is the durable backend for conversation history. *store.Store
// satisfies this interface.
type Persister interface {
	AppendMessage(ctx context.Context, m *store.StoredMessage) (int, error)
	Messages(ctx context.Context, conversationID string, limit int) ([]store.StoredMessage, error)
}

// Config configures a [Memory].
type Config struct {
	// WindowMessages is the number of recent messages kept per conversation.
	WindowMessages int

	// MaxConversations bounds tracked conversations; the least recently
	// used conversation is evicted when the bound is exceeded.
	MaxConversations int

	// TTL ages out conversations with no traffic. Zero disables ageing.
	TTL time.Duration

	// Persist, when non-nil, receives every appended message on a
	// background goroutine.
	Persist Persister

	// Logger receives write-behind failures. Defaults to slog.Default().
	Logger *slog.Logger
}

// Entry is one message in a conversation window, annotated with the token
// accounting recorded at append time.
type Entry struct {
	Message      types.Message
	TokensInput  int
	TokensOutput int
	UserID       string
	CreatedAt    time.Time
}

// window is the in-memory state of one conversation.
type window struct {
	id         string
	entries    []Entry
	lastAccess time.Time
}

// Memory is the bounded conversation working-set. All exported methods are
// safe for concurrent use; the internal lock is only held for map and list
// manipulation, never across store calls.
type Memory struct {
	windowSize int
	maxConvs   int
	ttl        time.Duration
	persist    Persister
	log        *slog.Logger

	mu    sync.Mutex
	convs map[string]*list.Element
	lru   *list.List // front = most recently used

	// The write-behind queue is drained by a single goroutine so store
	// writes land in append order.
	flushMu   sync.Mutex
	flushCond *sync.Cond
	flushQ    []flushJob
	flushing  bool

	now func() time.Time
}

// flushJob is one batch of entries awaiting write-behind.
type flushJob struct {
	conversationID string
	entries        []Entry
}

// New creates a [Memory] with the given configuration. Zero or negative
// bounds fall back to conservative minimums.
func New(cfg Config) *Memory {
	if cfg.WindowMessages < 1 {
		cfg.WindowMessages = 1
	}
	if cfg.MaxConversations < 1 {
		cfg.MaxConversations = 1
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := &Memory{
		windowSize: cfg.WindowMessages,
		maxConvs:   cfg.MaxConversations,
		ttl:        cfg.TTL,
		persist:    cfg.Persist,
		log:        log,
		convs:      make(map[string]*list.Element),
		lru:        list.New(),
		now:        time.Now,
	}
	m.flushCond = sync.NewCond(&m.flushMu)
	if m.persist != nil {
		go m.flushLoop()
	}
	return m
}

// Append records entries at the tail of the conversation's window, trimming
// the front to the window size. The conversation becomes the most recently
// used; if the conversation bound is exceeded, the least recently used
// conversation is dropped from memory (its history stays in the store).
//
// When a [Persister] is configured, the entries are queued for the background
// writer, which flushes batches in append order; flush failures are logged,
// never returned.
func (m *Memory) Append(conversationID string, entries ...Entry) {
	if conversationID == "" || len(entries) == 0 {
		return
	}
	now := m.now()
	for i := range entries {
		if entries[i].CreatedAt.IsZero() {
			entries[i].CreatedAt = now
		}
	}

	m.mu.Lock()
	w := m.touch(conversationID, now)
	w.entries = append(w.entries, entries...)
	if n := len(w.entries) - m.windowSize; n > 0 {
		w.entries = append(w.entries[:0], w.entries[n:]...)
	}
	m.evictLocked()
	m.mu.Unlock()

	if m.persist != nil {
		m.flushMu.Lock()
		m.flushQ = append(m.flushQ, flushJob{conversationID: conversationID, entries: entries})
		m.flushMu.Unlock()
		m.flushCond.Broadcast()
	}
}

// Window returns a copy of the conversation's current message window in
// chronological order and refreshes its recency. Unknown or expired
// conversations return nil.
func (m *Memory) Window(conversationID string) []types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.convs[conversationID]
	if !ok {
		return nil
	}
	w := el.Value.(*window)
	now := m.now()
	if m.expired(w, now) {
		m.removeLocked(el)
		return nil
	}
	w.lastAccess = now
	m.lru.MoveToFront(el)

	out := make([]types.Message, len(w.entries))
	for i, e := range w.entries {
		out[i] = e.Message
	}
	return out
}

// FormatContext renders the conversation window as a role-tagged transcript
// ("User: ..." / "Assistant: ..." lines, oldest first) suitable for direct
// prompt injection. Unknown conversations return "".
func (m *Memory) FormatContext(conversationID string) string {
	msgs := m.Window(conversationID)
	if len(msgs) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, msg := range msgs {
		switch msg.Role {
		case "assistant":
			sb.WriteString("Assistant: ")
		default:
			sb.WriteString("User: ")
		}
		sb.WriteString(msg.Content)
		sb.WriteByte('\n')
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// Hydrate loads the most recent window of a conversation from the store
// into memory, replacing any in-memory state. It is used after an eviction
// or restart when a known conversation comes back. Without a configured
// [Persister] it is a no-op.
func (m *Memory) Hydrate(ctx context.Context, conversationID string) error {
	if m.persist == nil {
		return nil
	}
	stored, err := m.persist.Messages(ctx, conversationID, m.windowSize)
	if err != nil {
		return err
	}

	entries := make([]Entry, len(stored))
	for i, s := range stored {
		entries[i] = Entry{
			Message:      types.Message{Role: s.Role, Content: s.Content},
			TokensInput:  s.TokensInput,
			TokensOutput: s.TokensOutput,
			UserID:       s.UserID,
			CreatedAt:    s.CreatedAt,
		}
	}

	m.mu.Lock()
	now := m.now()
	w := m.touch(conversationID, now)
	w.entries = entries
	m.evictLocked()
	m.mu.Unlock()
	return nil
}

// Forget drops a conversation from memory. Durable history is unaffected.
func (m *Memory) Forget(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.convs[conversationID]; ok {
		m.removeLocked(el)
	}
}

// Len returns the number of conversations currently tracked.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

// Sweep removes all conversations idle longer than the TTL and returns how
// many were dropped.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ttl <= 0 {
		return 0
	}
	now := m.now()
	removed := 0
	for el := m.lru.Back(); el != nil; {
		prev := el.Prev()
		if m.expired(el.Value.(*window), now) {
			m.removeLocked(el)
			removed++
		}
		el = prev
	}
	return removed
}

// Flush blocks until every queued write-behind operation has completed.
// Call during shutdown to avoid losing tail messages.
func (m *Memory) Flush() {
	if m.persist == nil {
		return
	}
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	for len(m.flushQ) > 0 || m.flushing {
		m.flushCond.Wait()
	}
}

// touch returns the window for conversationID, creating it if needed, and
// marks it most recently used. Callers must hold m.mu.
func (m *Memory) touch(conversationID string, now time.Time) *window {
	if el, ok := m.convs[conversationID]; ok {
		w := el.Value.(*window)
		w.lastAccess = now
		m.lru.MoveToFront(el)
		return w
	}
	w := &window{id: conversationID, lastAccess: now}
	m.convs[conversationID] = m.lru.PushFront(w)
	return w
}

// evictLocked drops the LRU tail until the conversation bound holds. Expiry
// stays lazy: [Window] and [Sweep] remove aged-out conversations.
// Callers must hold m.mu.
func (m *Memory) evictLocked() {
	for m.lru.Len() > m.maxConvs {
		m.removeLocked(m.lru.Back())
	}
}

func (m *Memory) expired(w *window, now time.Time) bool {
	return m.ttl > 0 && now.Sub(w.lastAccess) >= m.ttl
}

// removeLocked unlinks el from the LRU list and the index.
// Callers must hold m.mu.
func (m *Memory) removeLocked(el *list.Element) {
	m.lru.Remove(el)
	delete(m.convs, el.Value.(*window).id)
}

// flushLoop drains the write-behind queue one job at a time, in the order
// the jobs were appended. Runs for the lifetime of the process.
func (m *Memory) flushLoop() {
	for {
		m.flushMu.Lock()
		for len(m.flushQ) == 0 {
			m.flushCond.Wait()
		}
		job := m.flushQ[0]
		m.flushQ = m.flushQ[1:]
		m.flushing = true
		m.flushMu.Unlock()

		m.flush(job)

		m.flushMu.Lock()
		m.flushing = false
		m.flushMu.Unlock()
		m.flushCond.Broadcast()
	}
}

// flush writes one job's entries through to the store.
func (m *Memory) flush(job flushJob) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	for _, e := range job.entries {
		_, err := m.persist.AppendMessage(ctx, &store.StoredMessage{
			ConversationID: job.conversationID,
			Role:           e.Message.Role,
			Content:        e.Message.Content,
			CreatedAt:      e.CreatedAt,
			TokensInput:    e.TokensInput,
			TokensOutput:   e.TokensOutput,
			UserID:         e.UserID,
		})
		if err != nil {
			m.log.Warn("conversation write-behind failed",
				"conversation_id", job.conversationID,
				"error", err)
		}
	}
}
