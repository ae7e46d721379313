// Package turn orchestrates a single conversation turn: cache lookup,
// conversation-window fetch, knowledge retrieval, prompt assembly, the LLM
// call, guardrail evaluation, and memory write-back.
//
// The orchestrator is transport-agnostic: the HTTP handler and the realtime
// voice session both call [Orchestrator.Do] with a [Request] and render the
// [Response] themselves.
package turn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/talaria-ai/talaria/internal/cache"
	"github.com/talaria-ai/talaria/internal/config"
	"github.com/talaria-ai/talaria/internal/convmem"
	"github.com/talaria-ai/talaria/internal/guard"
	"github.com/talaria-ai/talaria/internal/ledger"
	"github.com/talaria-ai/talaria/internal/llmclient"
	"github.com/talaria-ai/talaria/internal/observe"
	"github.com/talaria-ai/talaria/internal/prompt"
	"github.com/talaria-ai/talaria/internal/retriever"
	"github.com/talaria-ai/talaria/internal/store"
	"github.com/talaria-ai/talaria/pkg/provider/llm"
	"github.com/talaria-ai/talaria/pkg/types"
)

// AuditSink records guardrail and degradation events raised during a turn.
// *store.Store satisfies it. Only digests of user content reach the sink.
type AuditSink interface {
	AppendAudit(ctx context.Context, e *store.AuditEvent) error
}

// ErrBlocked is returned in strict guardrail mode when the exchange was
// flagged. The reply is withheld from the caller.
var ErrBlocked = errors.New("turn: response blocked by guardrails")

// fingerprintWindow is how many trailing window messages participate in the
// response-cache key. Small enough that old history does not defeat caching,
// large enough that follow-up questions with different context miss.
const fingerprintWindow = 2

// Request describes one turn of user input.
type Request struct {
	// ConversationID groups turns into a conversation. Required.
	ConversationID string

	// Message is the user's input text. Required.
	Message string

	// Context is optional request-scoped context folded into the prompt.
	Context string

	// UserID attributes the turn in persistence and audit logs. Optional.
	UserID string

	// Mode labels metrics: "text" for HTTP turns, "voice" for realtime.
	Mode string
}

// Timing reports per-stage latency for one turn, in milliseconds.
type Timing struct {
	TotalMs int64 `json:"total_ms"`
	LLMMs   int64 `json:"llm_ms"`
	RAGMs   int64 `json:"rag_ms"`
	CacheMs int64 `json:"cache_ms"`
}

// Usage reports token accounting for one turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Metadata reports what happened during the turn.
type Metadata struct {
	CacheHit        bool `json:"cache_hit"`
	RAGEnabled      bool `json:"rag_enabled"`
	RAGResultsCount int  `json:"rag_results_count"`
	RAGDegraded     bool `json:"rag_degraded,omitempty"`
	GuardFlagged    bool `json:"guard_flagged"`
	GuardComplete   bool `json:"guard_complete"`
}

// Response is the result of one completed turn.
type Response struct {
	ConversationID string   `json:"conversation_id"`
	Reply          string   `json:"response"`
	Timing         Timing   `json:"timing"`
	Tokens         Usage    `json:"tokens"`
	Metadata       Metadata `json:"metadata"`
}

// CachedResponse is the value stored in the response cache.
type CachedResponse struct {
	Reply  string
	Tokens Usage
}

// Config wires an [Orchestrator]. LLM, Memory, and Cache are required;
// Retriever and Guards are optional features.
type Config struct {
	LLM    *llmclient.Client
	Memory *convmem.Memory
	Cache  *cache.Cache[CachedResponse]

	// Retriever enables knowledge retrieval when non-nil.
	Retriever *retriever.Retriever

	// Guards enables guardrail evaluation when non-nil.
	Guards *guard.Pipeline

	// GuardMode selects fail-open or strict blocking behaviour.
	GuardMode config.GuardMode

	// SystemPrompt overrides the default persona when non-empty.
	SystemPrompt string

	// Temperature and MaxTokens are passed to the LLM on every call.
	Temperature float64
	MaxTokens   int

	// TurnTimeout bounds a whole turn end to end. Defaults to 30 seconds.
	TurnTimeout time.Duration

	// Metrics receives per-turn instrumentation. May be nil.
	Metrics *observe.Metrics

	// Ledger accumulates lifetime token totals. May be nil.
	Ledger *ledger.Ledger

	// Audit receives guard-verdict and retrieval-degradation events. May be
	// nil.
	Audit AuditSink

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Orchestrator executes conversation turns.
// All exported methods are safe for concurrent use; turns within the same
// conversation are serialised, turns across conversations run concurrently.
type Orchestrator struct {
	llm       *llmclient.Client
	memory    *convmem.Memory
	cache     *cache.Cache[CachedResponse]
	retriever *retriever.Retriever
	guards    *guard.Pipeline
	guardMode config.GuardMode
	sysPrompt string
	temp      float64
	maxTokens int
	timeout   time.Duration
	metrics   *observe.Metrics
	ledger    *ledger.Ledger
	audit     AuditSink
	log       *slog.Logger
	locks     *keyedMutex

	now func() time.Time
}

// New creates an [Orchestrator] from cfg.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.LLM == nil {
		return nil, errors.New("turn: config: LLM is required")
	}
	if cfg.Memory == nil {
		return nil, errors.New("turn: config: Memory is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("turn: config: Cache is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	mode := cfg.GuardMode
	if mode == "" {
		mode = config.GuardAsyncFailOpen
	}
	timeout := cfg.TurnTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Orchestrator{
		llm:       cfg.LLM,
		memory:    cfg.Memory,
		cache:     cfg.Cache,
		retriever: cfg.Retriever,
		guards:    cfg.Guards,
		guardMode: mode,
		sysPrompt: cfg.SystemPrompt,
		temp:      cfg.Temperature,
		maxTokens: cfg.MaxTokens,
		timeout:   timeout,
		metrics:   cfg.Metrics,
		ledger:    cfg.Ledger,
		audit:     cfg.Audit,
		log:       log,
		locks:     newKeyedMutex(),
		now:       time.Now,
	}, nil
}

// Do executes one turn. It returns [llmclient.ErrUnavailable] when the model
// cannot be reached and [ErrBlocked] when strict guardrails flag the
// exchange. On success the exchange has been appended to conversation memory.
func (o *Orchestrator) Do(ctx context.Context, req Request) (*Response, error) {
	if req.ConversationID == "" {
		return nil, errors.New("turn: conversation ID is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("turn: message is required")
	}
	mode := req.Mode
	if mode == "" {
		mode = "text"
	}

	// Outer bound on the whole turn; inner stages keep their own budgets.
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := o.now()
	if o.metrics != nil {
		o.metrics.ActiveTurns.Add(ctx, 1)
		defer o.metrics.ActiveTurns.Add(ctx, -1)
	}

	unlock := o.locks.lock(req.ConversationID)
	defer unlock()

	// Hydrate the window from persistence on first contact after a restart
	// or eviction.
	history := o.memory.Window(req.ConversationID)
	if len(history) == 0 {
		if err := o.memory.Hydrate(ctx, req.ConversationID); err != nil {
			o.log.Warn("conversation hydrate failed", "conversation_id", req.ConversationID, "error", err)
		}
		history = o.memory.Window(req.ConversationID)
	}

	// Input guards run concurrently with retrieval and the LLM call.
	var inputEval *guard.Evaluation
	if o.guards != nil {
		inputEval = o.guards.Start(ctx, req.Message)
	}

	resp := &Response{
		ConversationID: req.ConversationID,
		Metadata:       Metadata{RAGEnabled: o.retriever != nil},
	}

	key := fingerprint(req.Message, req.Context, history)
	cacheStart := o.now()
	if cached, ok := o.cache.Get(key); ok {
		resp.Reply = cached.Reply
		resp.Tokens = cached.Tokens
		resp.Metadata.CacheHit = true
		resp.Timing.CacheMs = o.sinceMs(cacheStart)
		o.recordCacheEvent(ctx, "hit")

		o.finishGuards(ctx, req, resp, inputEval, nil)
		if o.guardMode == config.GuardStrict && resp.Metadata.GuardFlagged {
			o.recordTurn(ctx, mode, "blocked", start)
			return nil, ErrBlocked
		}
		o.appendExchange(req, resp)
		resp.Timing.TotalMs = o.sinceMs(start)
		o.recordTurn(ctx, mode, "ok", start)
		return resp, nil
	}
	resp.Timing.CacheMs = o.sinceMs(cacheStart)
	o.recordCacheEvent(ctx, "miss")

	// Retrieval degrades to an empty context on deadline or error; only the
	// LLM call is allowed to fail the turn.
	var retrieved []retriever.Result
	if o.retriever != nil {
		ragStart := o.now()
		hits, err := o.retriever.Retrieve(ctx, req.Message)
		resp.Timing.RAGMs = o.sinceMs(ragStart)
		switch {
		case errors.Is(err, retriever.ErrDeadline):
			resp.Metadata.RAGDegraded = true
			if o.metrics != nil {
				o.metrics.RetrievalDegraded.Add(ctx, 1)
			}
			o.auditEvent(ctx, req, "retriever_unavailable", string(guard.SeverityWarning))
		case err != nil:
			o.log.Warn("retrieval failed, continuing without context", "error", err)
			resp.Metadata.RAGDegraded = true
			o.auditEvent(ctx, req, "retriever_unavailable", string(guard.SeverityWarning))
		default:
			retrieved = hits
			resp.Metadata.RAGResultsCount = len(hits)
		}
		if o.metrics != nil {
			o.metrics.RetrievalDuration.Record(ctx, time.Duration(resp.Timing.RAGMs*int64(time.Millisecond)).Seconds())
		}
	}

	messages := prompt.Build(prompt.Input{
		SystemPrompt: o.sysPrompt,
		History:      history,
		Retrieved:    retrieved,
		Context:      req.Context,
		UserMessage:  req.Message,
	})

	llmStart := o.now()
	completion, err := o.llm.Complete(ctx, llm.CompletionRequest{
		Messages:    messages,
		Temperature: o.temp,
		MaxTokens:   o.maxTokens,
	})
	resp.Timing.LLMMs = o.sinceMs(llmStart)
	if err != nil {
		o.recordTurn(ctx, mode, "error", start)
		return nil, fmt.Errorf("turn: %w", err)
	}
	if o.metrics != nil {
		o.metrics.LLMDuration.Record(ctx, time.Duration(resp.Timing.LLMMs*int64(time.Millisecond)).Seconds())
	}

	resp.Reply = completion.Content
	resp.Tokens = Usage{
		InputTokens:  completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
		TotalTokens:  completion.Usage.TotalTokens,
	}
	// Some providers omit usage; fall back to the char-based estimate so the
	// ledger and metrics never read zero for a real completion.
	if resp.Tokens.TotalTokens == 0 {
		resp.Tokens = estimateUsage(messages, completion.Content)
	}

	// Response guards start late but share the same bounded wait.
	var outputEval *guard.Evaluation
	if o.guards != nil {
		outputEval = o.guards.Start(ctx, completion.Content)
	}
	o.finishGuards(ctx, req, resp, inputEval, outputEval)

	if o.guardMode == config.GuardStrict && resp.Metadata.GuardFlagged {
		o.recordTurn(ctx, mode, "blocked", start)
		return nil, ErrBlocked
	}

	// Flagged exchanges are never cached, so a later identical request
	// re-evaluates rather than replaying a known-bad reply.
	if !resp.Metadata.GuardFlagged {
		o.cache.Put(key, CachedResponse{Reply: resp.Reply, Tokens: resp.Tokens})
	}

	o.appendExchange(req, resp)
	o.recordUsage(ctx, resp.Tokens)
	resp.Timing.TotalMs = o.sinceMs(start)
	o.recordTurn(ctx, mode, "ok", start)
	return resp, nil
}

// finishGuards collects the pending evaluations and folds the verdicts into
// resp.Metadata. One wait budget is shared across all evaluations so guard
// reconciliation never stretches beyond a single budget per turn.
func (o *Orchestrator) finishGuards(ctx context.Context, req Request, resp *Response, evals ...*guard.Evaluation) {
	if o.guards == nil {
		resp.Metadata.GuardComplete = true
		return
	}
	resp.Metadata.GuardComplete = true
	wait, cancel := context.WithTimeout(ctx, o.guards.WaitBudget())
	defer cancel()
	for _, ev := range evals {
		if ev == nil {
			continue
		}
		verdict := ev.Wait(wait)
		if !verdict.Complete {
			resp.Metadata.GuardComplete = false
		}
		if verdict.Flagged {
			resp.Metadata.GuardFlagged = true
			o.auditEvent(ctx, req, "guard.verdict", string(guard.MaxSeverity(verdict.Findings)))
		}
		if o.metrics != nil {
			for _, f := range verdict.Findings {
				o.metrics.RecordGuardFinding(ctx, f.Category, string(f.Severity))
			}
		}
	}
}

// auditEvent records a turn-level audit entry. Only a digest of the user
// message is persisted. Failures are logged, never surfaced.
func (o *Orchestrator) auditEvent(ctx context.Context, req Request, kind, severity string) {
	if o.audit == nil {
		return
	}
	actor := req.UserID
	if actor == "" {
		actor = "anonymous"
	}
	sum := sha256.Sum256([]byte(req.Message))
	err := o.audit.AppendAudit(ctx, &store.AuditEvent{
		Actor:         actor,
		EventKind:     kind,
		Severity:      severity,
		PayloadDigest: hex.EncodeToString(sum[:]),
	})
	if err != nil {
		o.log.Warn("audit append failed", "kind", kind, "error", err)
	}
}

func (o *Orchestrator) appendExchange(req Request, resp *Response) {
	now := o.now()
	o.memory.Append(req.ConversationID,
		convmem.Entry{
			Message:     types.Message{Role: string(types.RoleUser), Content: req.Message},
			TokensInput: resp.Tokens.InputTokens,
			UserID:      req.UserID,
			CreatedAt:   now,
		},
		convmem.Entry{
			Message:      types.Message{Role: string(types.RoleAssistant), Content: resp.Reply},
			TokensOutput: resp.Tokens.OutputTokens,
			UserID:       req.UserID,
			CreatedAt:    now,
		},
	)
}

func (o *Orchestrator) recordCacheEvent(ctx context.Context, result string) {
	if o.metrics != nil {
		o.metrics.RecordCacheEvent(ctx, result)
	}
}

func (o *Orchestrator) recordTurn(ctx context.Context, mode, status string, start time.Time) {
	if o.metrics != nil {
		o.metrics.RecordTurn(ctx, mode, status, o.now().Sub(start).Seconds())
	}
}

func (o *Orchestrator) recordUsage(ctx context.Context, u Usage) {
	if o.ledger != nil {
		o.ledger.Record(u.InputTokens, u.OutputTokens)
	}
	if o.metrics == nil {
		return
	}
	if u.InputTokens > 0 {
		o.metrics.RecordTokens(ctx, "prompt", int64(u.InputTokens))
	}
	if u.OutputTokens > 0 {
		o.metrics.RecordTokens(ctx, "completion", int64(u.OutputTokens))
	}
}

// estimateUsage approximates token usage from message lengths for providers
// that do not report it.
func estimateUsage(messages []types.Message, reply string) Usage {
	in := 0
	for _, m := range messages {
		in += ledger.Count(m.Content)
	}
	out := ledger.Count(reply)
	return Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
}

func (o *Orchestrator) sinceMs(t time.Time) int64 {
	return o.now().Sub(t).Milliseconds()
}

// fingerprint derives the response-cache key from the normalised user
// message, the request context, and the tail of the conversation window. The
// same question asked in a different conversational context must miss.
func fingerprint(message, requestContext string, history []types.Message) string {
	h := sha256.New()
	h.Write([]byte(normalizeMessage(message)))
	h.Write([]byte{0x1f})
	h.Write([]byte(requestContext))
	tail := history
	if len(tail) > fingerprintWindow {
		tail = tail[len(tail)-fingerprintWindow:]
	}
	for _, m := range tail {
		h.Write([]byte{0x1f})
		h.Write([]byte(m.Role))
		h.Write([]byte{0x1e})
		h.Write([]byte(m.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeMessage canonicalises user text for cache keying: lowercased, with
// whitespace runs collapsed to single spaces and the ends trimmed.
func normalizeMessage(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
