package rtc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/talaria-ai/talaria/internal/observe"
)

// ErrSessionLimit is returned when the concurrent session cap is reached.
// Callers should surface it as an admission failure, not a server error.
var ErrSessionLimit = errors.New("rtc: session limit reached")

// ErrSessionNotFound is returned when a session ID is unknown.
var ErrSessionNotFound = errors.New("rtc: session not found")

// ManagerConfig configures a [Manager].
type ManagerConfig struct {
	// MaxSessions caps concurrent live sessions.
	MaxSessions int

	// SessionTimeout is how long a session may go without audio before the
	// reaper closes it.
	SessionTimeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics tracks the active-session gauge. May be nil.
	Metrics *observe.Metrics
}

// Manager tracks live sessions, enforces the concurrency cap, and reaps
// sessions that have gone quiet. All exported methods are safe for
// concurrent use.
type Manager struct {
	max     int
	timeout time.Duration
	log     *slog.Logger
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*Session

	now func() time.Time
}

// NewManager creates a [Manager] from cfg.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxSessions < 1 {
		cfg.MaxSessions = 100
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 5 * time.Minute
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		max:      cfg.MaxSessions,
		timeout:  cfg.SessionTimeout,
		log:      log,
		metrics:  cfg.Metrics,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Register admits a session, enforcing the concurrency cap.
func (m *Manager) Register(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) >= m.max {
		if m.metrics != nil {
			m.metrics.RecordRateLimited(ctx, "sessions")
		}
		return ErrSessionLimit
	}
	m.sessions[s.ID] = s
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, 1)
	}
	return nil
}

// Remove drops a session from tracking and closes it.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, -1)
	}
	return s.Close()
}

// Get returns the session with the given ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SweepExpired closes and removes sessions idle past the timeout, returning
// how many were reaped.
func (m *Manager) SweepExpired(ctx context.Context) int {
	cutoff := m.now().Add(-m.timeout)

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if s.LastActivity().Before(cutoff) {
			delete(m.sessions, id)
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.log.Info("reaping idle session", "session_id", s.ID)
		if m.metrics != nil {
			m.metrics.ActiveSessions.Add(ctx, -1)
		}
		if err := s.Close(); err != nil {
			m.log.Warn("session close failed", "session_id", s.ID, "error", err)
		}
	}
	return len(expired)
}

// Run reaps idle sessions until ctx is cancelled, then closes all remaining
// sessions.
func (m *Manager) Run(ctx context.Context) {
	interval := m.timeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.closeAll(context.Background())
			return
		case <-ticker.C:
			m.SweepExpired(ctx)
		}
	}
}

func (m *Manager) closeAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		delete(m.sessions, id)
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		if m.metrics != nil {
			m.metrics.ActiveSessions.Add(ctx, -1)
		}
		s.Close()
	}
}
