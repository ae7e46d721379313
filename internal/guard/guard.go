// Package guard implements content guardrails for conversation turns:
// PII detection, toxicity scoring, and prompt-injection heuristics.
//
// Evaluation is asynchronous by design. A turn launches the guard pipeline
// concurrently with LLM inference and collects the verdict with a bounded
// wait when the response is ready. In fail-open mode a verdict that misses
// the wait budget never delays or blocks the response; in strict mode a
// flagged verdict withholds the response.
package guard

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// Severity ranks how serious a finding is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// rank maps severities onto a comparable scale.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// Finding is one guardrail hit.
type Finding struct {
	// Category identifies the checker ("pii", "toxicity", "injection").
	Category string

	// Kind is the checker-specific detail ("email", "credit_card", ...).
	Kind string

	// Severity ranks the finding.
	Severity Severity

	// Score is the checker's confidence in [0, 1].
	Score float64
}

// Checker inspects a piece of text. Implementations must be safe for
// concurrent use.
type Checker interface {
	// Name identifies the checker in findings and logs.
	Name() string

	// Check returns all findings for text, empty when clean.
	Check(text string) []Finding
}

// Sanitizer is implemented by checkers that can mask their findings in the
// inspected text.
type Sanitizer interface {
	// Sanitize returns text with detected spans masked and reports whether
	// anything was masked.
	Sanitize(text string) (string, bool)
}

// Verdict is the outcome of one evaluation.
type Verdict struct {
	// Findings holds every hit, ordered by descending severity.
	Findings []Finding

	// Sanitized is the inspected text with detected spans masked. Empty
	// when no checker masked anything.
	Sanitized string

	// Flagged is true when any finding reaches warning severity.
	Flagged bool

	// Complete is false when the wait budget elapsed before all checkers
	// finished; the verdict then covers only the checkers that completed.
	Complete bool

	// Elapsed is how long evaluation ran before the verdict was collected.
	Elapsed time.Duration
}

// Pipeline runs all configured checkers. All exported methods are safe for
// concurrent use.
type Pipeline struct {
	checkers   []Checker
	waitBudget time.Duration
	log        *slog.Logger
}

// Config configures a [Pipeline].
type Config struct {
	// Checkers run in parallel on every evaluation.
	Checkers []Checker

	// WaitBudget bounds how long [Evaluation.Wait] blocks before failing
	// open. Defaults to 500ms.
	WaitBudget time.Duration

	// Logger receives fail-open notices. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewPipeline creates a guard pipeline.
func NewPipeline(cfg Config) *Pipeline {
	if cfg.WaitBudget <= 0 {
		cfg.WaitBudget = 500 * time.Millisecond
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{checkers: cfg.Checkers, waitBudget: cfg.WaitBudget, log: log}
}

// WaitBudget reports how long [Evaluation.Wait] blocks before failing open.
// Callers waiting on several evaluations can derive a single shared deadline
// from it.
func (p *Pipeline) WaitBudget() time.Duration {
	return p.waitBudget
}

// Evaluation is a guard run in flight. Obtain one from [Pipeline.Start].
type Evaluation struct {
	pipeline *Pipeline
	started  time.Time
	done     chan Verdict
}

// Start launches the checkers on text and returns immediately. The caller
// collects the verdict later via [Evaluation.Wait].
func (p *Pipeline) Start(ctx context.Context, text string) *Evaluation {
	ev := &Evaluation{pipeline: p, started: time.Now(), done: make(chan Verdict, 1)}

	go func() {
		findings := p.run(ctx, text)
		ev.done <- Verdict{
			Findings:  findings,
			Sanitized: p.sanitize(text),
			Flagged:   anyAtLeast(findings, SeverityWarning),
			Complete:  true,
		}
	}()
	return ev
}

// Wait blocks until the evaluation finishes, the wait budget elapses, or
// ctx is cancelled. On timeout it fails open: the returned verdict is
// incomplete and unflagged, and the miss is logged.
func (ev *Evaluation) Wait(ctx context.Context) Verdict {
	budget := time.NewTimer(ev.pipeline.waitBudget)
	defer budget.Stop()

	select {
	case v := <-ev.done:
		v.Elapsed = time.Since(ev.started)
		return v
	case <-budget.C:
		ev.pipeline.log.Warn("guard verdict missed wait budget, failing open",
			"budget", ev.pipeline.waitBudget)
		return Verdict{Complete: false, Elapsed: time.Since(ev.started)}
	case <-ctx.Done():
		return Verdict{Complete: false, Elapsed: time.Since(ev.started)}
	}
}

// Check runs all checkers synchronously and returns the verdict. Used for
// input screening, where the text is available before any model call.
func (p *Pipeline) Check(ctx context.Context, text string) Verdict {
	started := time.Now()
	findings := p.run(ctx, text)
	return Verdict{
		Findings:  findings,
		Sanitized: p.sanitize(text),
		Flagged:   anyAtLeast(findings, SeverityWarning),
		Complete:  true,
		Elapsed:   time.Since(started),
	}
}

// sanitize chains every [Sanitizer] checker over text. Returns "" when no
// checker masked anything.
func (p *Pipeline) sanitize(text string) string {
	out, masked := text, false
	for _, c := range p.checkers {
		s, ok := c.(Sanitizer)
		if !ok {
			continue
		}
		if t, did := s.Sanitize(out); did {
			out, masked = t, true
		}
	}
	if !masked {
		return ""
	}
	return out
}

// run fans the checkers out and collects their findings, ordered by
// descending severity then category.
func (p *Pipeline) run(ctx context.Context, text string) []Finding {
	type result struct{ findings []Finding }
	results := make(chan result, len(p.checkers))

	for _, c := range p.checkers {
		go func(c Checker) {
			results <- result{findings: c.Check(text)}
		}(c)
	}

	var all []Finding
	for range p.checkers {
		select {
		case r := <-results:
			all = append(all, r.findings...)
		case <-ctx.Done():
			return sortFindings(all)
		}
	}
	return sortFindings(all)
}

func sortFindings(findings []Finding) []Finding {
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Severity.rank() != findings[j].Severity.rank() {
			return findings[i].Severity.rank() > findings[j].Severity.rank()
		}
		return findings[i].Category < findings[j].Category
	})
	return findings
}

func anyAtLeast(findings []Finding, threshold Severity) bool {
	for _, f := range findings {
		if f.Severity.AtLeast(threshold) {
			return true
		}
	}
	return false
}

// MaxSeverity returns the highest severity among findings, or the zero
// value when there are none.
func MaxSeverity(findings []Finding) Severity {
	var max Severity
	for _, f := range findings {
		if f.Severity.rank() > max.rank() {
			max = f.Severity
		}
	}
	return max
}
