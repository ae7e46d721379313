// Package ledger tracks lifetime token usage across all turns.
//
// Counters are process-wide and updated on the hot path; a background
// flusher persists the totals so they survive restarts. Loss of at most one
// flush interval of usage on a crash is acceptable for reporting purposes.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/talaria-ai/talaria/internal/store"
)

const defaultFlushInterval = 30 * time.Second

// Persister stores and loads ledger snapshots. *store.Store satisfies it.
type Persister interface {
	SaveLedger(ctx context.Context, t *store.LedgerTotals) error
	Ledger(ctx context.Context) (*store.LedgerTotals, error)
}

// Totals is a point-in-time snapshot of the counters.
type Totals struct {
	Requests     int64 `json:"total_requests"`
	InputTokens  int64 `json:"total_input_tokens"`
	OutputTokens int64 `json:"total_output_tokens"`
}

// Count estimates the token count of text. The heuristic is one token per
// four characters, rounded up, which is close enough for budget reporting
// when a provider omits exact usage.
func Count(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// Config wires a [Ledger].
type Config struct {
	// Persist stores snapshots across restarts. May be nil, in which case
	// the counters are process-local.
	Persist Persister

	// FlushInterval is the cadence of the background persist. Defaults to
	// 30 seconds.
	FlushInterval time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Ledger accumulates usage totals. All methods are safe for concurrent use.
type Ledger struct {
	persist  Persister
	interval time.Duration
	log      *slog.Logger

	mu            sync.Mutex
	totals        Totals
	lastPersisted Totals

	now func() time.Time
}

// New creates a [Ledger]. When cfg.Persist is non-nil, the counters resume
// from the stored snapshot.
func New(ctx context.Context, cfg Config) (*Ledger, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}

	l := &Ledger{
		persist:  cfg.Persist,
		interval: interval,
		log:      log,
		now:      time.Now,
	}

	if cfg.Persist != nil {
		stored, err := cfg.Persist.Ledger(ctx)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// First run; counters start at zero.
		case err != nil:
			return nil, fmt.Errorf("ledger: load snapshot: %w", err)
		default:
			l.totals = Totals{
				Requests:     stored.TotalRequests,
				InputTokens:  stored.TotalInputTokens,
				OutputTokens: stored.TotalOutputTokens,
			}
			l.lastPersisted = l.totals
		}
	}
	return l, nil
}

// Record adds one request's token usage to the totals.
func (l *Ledger) Record(inputTokens, outputTokens int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.totals.Requests++
	l.totals.InputTokens += int64(inputTokens)
	l.totals.OutputTokens += int64(outputTokens)
}

// Snapshot returns the current totals.
func (l *Ledger) Snapshot() Totals {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totals
}

// Flush persists the current totals if they changed since the last flush.
func (l *Ledger) Flush(ctx context.Context) error {
	if l.persist == nil {
		return nil
	}

	l.mu.Lock()
	t := l.totals
	dirty := t != l.lastPersisted
	l.mu.Unlock()
	if !dirty {
		return nil
	}

	err := l.persist.SaveLedger(ctx, &store.LedgerTotals{
		TotalRequests:     t.Requests,
		TotalInputTokens:  t.InputTokens,
		TotalOutputTokens: t.OutputTokens,
		UpdatedAt:         l.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("ledger: flush: %w", err)
	}

	l.mu.Lock()
	l.lastPersisted = t
	l.mu.Unlock()
	return nil
}

// Run flushes the totals on the configured interval until ctx is cancelled,
// then performs a final flush. Intended to run in its own goroutine.
func (l *Ledger) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := l.Flush(ctx); err != nil {
				l.log.Warn("ledger flush failed", "error", err)
			}
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := l.Flush(flushCtx); err != nil {
				l.log.Warn("final ledger flush failed", "error", err)
			}
			cancel()
			return
		}
	}
}
