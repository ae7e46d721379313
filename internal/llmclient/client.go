// Package llmclient wraps an [llm.Provider] with the resilience policy used
// for every model call in a conversation turn: a per-call timeout, bounded
// retries with exponential backoff, and a circuit breaker that converts
// sustained backend failure into a fast [ErrUnavailable].
//
// The orchestrator talks to [Client] instead of the raw provider so that
// timeout and retry policy live in exactly one place.
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/talaria-ai/talaria/internal/observe"
	"github.com/talaria-ai/talaria/internal/resilience"
	"github.com/talaria-ai/talaria/pkg/provider/llm"
	"github.com/talaria-ai/talaria/pkg/types"
)

// ErrUnavailable is returned when the model could not be reached: the circuit
// breaker is open, or every retry attempt failed. Callers should map it to a
// 503 response.
var ErrUnavailable = errors.New("llmclient: language model unavailable")

// Config configures a [Client]. Provider is required; everything else has a
// production default.
type Config struct {
	// Provider is the backend to call. Required.
	Provider llm.Provider

	// ProviderName labels log lines and error metrics.
	ProviderName string

	// RequestTimeout bounds each individual attempt. Defaults to 15s.
	RequestTimeout time.Duration

	// MaxRetries is the number of additional attempts after the first
	// failure. Defaults to 2.
	MaxRetries int

	// RetryBackoff is the delay before the first retry; it doubles on each
	// subsequent retry. Defaults to 200ms.
	RetryBackoff time.Duration

	// Breaker configures the circuit breaker guarding the provider.
	Breaker resilience.BreakerConfig

	// Logger receives retry and breaker notices. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics receives provider-error counts. May be nil.
	Metrics *observe.Metrics
}

// Client is a resilient front for a single LLM provider.
// All exported methods are safe for concurrent use.
type Client struct {
	provider   llm.Provider
	name       string
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
	breaker    *resilience.CircuitBreaker
	log        *slog.Logger
	metrics    *observe.Metrics

	// sleep is swappable so retry tests run without real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a [Client] from cfg, applying defaults for unset fields.
func New(cfg Config) (*Client, error) {
	if cfg.Provider == nil {
		return nil, errors.New("llmclient: config: Provider is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	name := cfg.ProviderName
	if name == "" {
		name = "llm"
	}
	bc := cfg.Breaker
	if bc.Name == "" {
		bc.Name = name
	}
	if bc.Logger == nil {
		bc.Logger = log
	}
	return &Client{
		provider:   cfg.Provider,
		name:       name,
		timeout:    cfg.RequestTimeout,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff,
		breaker:    resilience.NewCircuitBreaker(bc),
		log:        log,
		metrics:    cfg.Metrics,
		sleep:      sleepCtx,
	}, nil
}

// Complete calls the provider with retry and timeout policy applied. Each
// attempt gets its own RequestTimeout deadline; attempts stop as soon as the
// parent ctx is cancelled, and errors wrapping [llm.ErrBadRequest] are never
// retried. Returns [ErrUnavailable] when the breaker is open or every attempt
// failed.
func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var (
		resp    *llm.CompletionResponse
		lastErr error
	)
	backoff := c.backoff
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, fmt.Errorf("llmclient: complete: %w", err)
			}
			backoff *= 2
		}

		err := c.breaker.Execute(func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			var innerErr error
			resp, innerErr = c.provider.Complete(attemptCtx, req)
			return innerErr
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if errors.Is(err, resilience.ErrCircuitOpen) {
			c.log.Warn("llm call rejected, circuit open", "provider", c.name)
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("llmclient: complete: %w", ctx.Err())
		}
		// Permanent rejections cannot succeed on retry.
		if errors.Is(err, llm.ErrBadRequest) {
			c.recordError(ctx, err)
			return nil, fmt.Errorf("llmclient: complete: %w", err)
		}

		c.recordError(ctx, err)
		c.log.Warn("llm call failed",
			"provider", c.name,
			"attempt", attempt+1,
			"max_attempts", c.maxRetries+1,
			"error", err)
	}
	return nil, fmt.Errorf("%w: %d attempts failed, last: %v", ErrUnavailable, c.maxRetries+1, lastErr)
}

// StreamCompletion opens a streaming completion. Only the initial connection
// is guarded by the breaker; it is not retried, because a partially delivered
// stream cannot be transparently replayed. The stream itself runs under the
// caller's ctx without an additional deadline.
func (c *Client) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	var ch <-chan llm.Chunk
	err := c.breaker.Execute(func() error {
		var innerErr error
		ch, innerErr = c.provider.StreamCompletion(ctx, req)
		return innerErr
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		c.recordError(ctx, err)
		return nil, fmt.Errorf("llmclient: stream: %w", err)
	}
	return ch, nil
}

// CountTokens delegates to the provider's estimator. No retry policy: the
// estimate is advisory and callers fall back to a heuristic on error.
func (c *Client) CountTokens(messages []types.Message) (int, error) {
	return c.provider.CountTokens(messages)
}

// BreakerState reports the current circuit breaker state, for health checks.
func (c *Client) BreakerState() resilience.State {
	return c.breaker.State()
}

func (c *Client) recordError(ctx context.Context, err error) {
	if c.metrics == nil {
		return
	}
	kind := "error"
	if errors.Is(err, context.DeadlineExceeded) {
		kind = "timeout"
	}
	c.metrics.RecordProviderError(ctx, c.name, kind)
}

// sleepCtx waits for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
