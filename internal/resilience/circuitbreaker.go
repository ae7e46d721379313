// Package resilience provides circuit breaker and provider failover
// primitives for the external services Talaria depends on (LLM, STT, TTS).
//
// The central type is [CircuitBreaker], a three-state breaker
// (closed → open → half-open) that stops hammering a failing backend.
// [FallbackGroup] composes multiple instances of any provider type with
// per-entry breakers so a failing primary is bypassed in favour of healthy
// fallbacks.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker
// is open and the cooldown has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards all calls.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the cooldown
	// elapses.
	StateOpen

	// StateHalfOpen admits a limited number of probe calls; their outcome
	// decides whether the breaker closes or re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [CircuitBreaker].
type BreakerConfig struct {
	// Name labels the breaker in log messages.
	Name string

	// FailureThreshold is the number of consecutive failures that opens
	// the breaker. Default: 5.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before probing.
	// Default: 30s.
	Cooldown time.Duration

	// ProbeQuota is how many successful probes close a half-open breaker;
	// it also caps concurrent probe admissions. Default: 3.
	ProbeQuota int

	// Logger receives state-transition notices. Defaults to slog.Default().
	Logger *slog.Logger
}

// CircuitBreaker implements the three-state circuit breaker pattern.
// All exported methods are safe for concurrent use.
type CircuitBreaker struct {
	name       string
	threshold  int
	cooldown   time.Duration
	probeQuota int
	log        *slog.Logger

	mu           sync.Mutex
	state        State
	failures     int
	openedAt     time.Time
	probesSent   int
	probesFailed int

	// now is swappable for deterministic cooldown tests.
	now func() time.Time
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields
// get defaults.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeQuota <= 0 {
		cfg.ProbeQuota = 3
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &CircuitBreaker{
		name:       cfg.Name,
		threshold:  cfg.FailureThreshold,
		cooldown:   cfg.Cooldown,
		probeQuota: cfg.ProbeQuota,
		log:        log,
		state:      StateClosed,
		now:        time.Now,
	}
}

// Execute runs fn if the breaker admits the call. In the open state it
// returns [ErrCircuitOpen] without calling fn; in the half-open state only
// the probe quota is admitted.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probesSent = 0
		cb.probesFailed = 0
		cb.log.Info("circuit breaker probing", "name", cb.name)

	case StateHalfOpen:
		if cb.probesSent >= cb.probeQuota {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}

	probing := cb.state == StateHalfOpen
	if probing {
		cb.probesSent++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.onFailure(probing)
	} else {
		cb.onSuccess(probing)
	}
	return err
}

// onFailure updates failure accounting. Callers must hold cb.mu.
func (cb *CircuitBreaker) onFailure(probing bool) {
	if probing {
		// A single failed probe re-opens immediately.
		cb.probesFailed++
		cb.trip()
		return
	}
	cb.failures++
	if cb.failures >= cb.threshold {
		cb.trip()
	}
}

// onSuccess updates success accounting. Callers must hold cb.mu.
func (cb *CircuitBreaker) onSuccess(probing bool) {
	if probing {
		if cb.probesSent-cb.probesFailed >= cb.probeQuota {
			cb.state = StateClosed
			cb.failures = 0
			cb.probesSent = 0
			cb.probesFailed = 0
			cb.log.Info("circuit breaker closed", "name", cb.name)
		}
		return
	}
	cb.failures = 0
}

// trip moves the breaker to the open state. Callers must hold cb.mu.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.failures = cb.threshold
	cb.log.Warn("circuit breaker opened", "name", cb.name, "cooldown", cb.cooldown)
}

// State returns the breaker's current [State]. When the cooldown of an
// open breaker has elapsed, [StateHalfOpen] is reported; the actual
// transition happens on the next [CircuitBreaker.Execute] call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed], clearing all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.probesSent = 0
	cb.probesFailed = 0
}
