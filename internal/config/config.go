// Package config provides the configuration schema, loader, and provider
// registry for the Talaria conversation backend.
package config

// LogLevel controls log verbosity for the Talaria server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// GuardMode selects how guardrail findings affect a turn.
type GuardMode string

const (
	// GuardAsyncFailOpen evaluates guards concurrently with the LLM call and
	// never blocks the response on a slow evaluation.
	GuardAsyncFailOpen GuardMode = "async_fail_open"

	// GuardStrict waits for the guard verdict and withholds flagged
	// responses.
	GuardStrict GuardMode = "strict"
)

// IsValid reports whether m is a recognised guard mode.
func (m GuardMode) IsValid() bool {
	return m == GuardAsyncFailOpen || m == GuardStrict
}

// Config is the root configuration structure for Talaria.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	LLM        LLMConfig        `yaml:"llm"`
	Cache      CacheConfig      `yaml:"cache"`
	Memory     MemoryConfig     `yaml:"memory"`
	Guardrails GuardrailsConfig `yaml:"guardrails"`
	RAG        RAGConfig        `yaml:"rag"`
	Limits     LimitsConfig     `yaml:"limits"`
	RTC        RTCConfig        `yaml:"rtc"`
}

// ServerConfig holds network and logging settings for the Talaria server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// TurnTimeoutS bounds a whole conversation turn end to end, in seconds.
	TurnTimeoutS int `yaml:"turn_timeout_s"`

	// AdminToken protects the key-management endpoints. When empty, the
	// admin endpoints are disabled entirely.
	AdminToken string `yaml:"admin_token"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// StoreConfig holds the embedded database settings.
type StoreConfig struct {
	// DatabasePath is the filesystem path of the embedded database file.
	// WAL and shared-memory companions are created alongside it.
	DatabasePath string `yaml:"database_path"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai",
	// "deepgram", "energy").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// Supports ${ENV_VAR} expansion.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g.,
	// "gpt-4o-mini", "nova-3").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`
}

// LLMConfig configures the LLM client used by the turn orchestrator.
type LLMConfig struct {
	// Provider selects the LLM backend.
	Provider ProviderEntry `yaml:"provider"`

	// Fallback, when configured, is a secondary backend tried when the
	// primary fails or its circuit breaker is open.
	Fallback ProviderEntry `yaml:"fallback"`

	// RequestTimeoutS bounds a single completion attempt, in seconds.
	RequestTimeoutS int `yaml:"request_timeout_s"`

	// MaxRetries is the number of re-attempts after a failed call.
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoffMs is the base backoff between retries, in milliseconds.
	// Backoff doubles per attempt.
	RetryBackoffMs int `yaml:"retry_backoff_ms"`

	// MaxTokens caps completion length.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature controls sampling randomness in [0.0, 2.0].
	Temperature float64 `yaml:"temperature"`

	// Persona selects a built-in system-prompt template ("generic",
	// "support", "tutor"). Ignored when SystemPrompt is set.
	Persona string `yaml:"persona"`

	// SystemPrompt overrides the built-in assistant instructions.
	SystemPrompt string `yaml:"system_prompt"`
}

// CacheConfig configures the fingerprint response cache.
type CacheConfig struct {
	// Capacity is the maximum number of cached responses.
	Capacity int `yaml:"capacity"`

	// TTLSeconds is the lifetime of a cached response.
	TTLSeconds int `yaml:"ttl_s"`
}

// MemoryConfig configures the in-process conversation window store.
type MemoryConfig struct {
	// WindowMessages is the number of recent messages kept per conversation.
	WindowMessages int `yaml:"window_messages"`

	// MaxConversations bounds the number of concurrently tracked
	// conversations; least-recently-accessed conversations are evicted.
	MaxConversations int `yaml:"max_conversations"`

	// TTLHours ages out conversations that have seen no traffic.
	TTLHours int `yaml:"ttl_hours"`
}

// GuardrailsConfig configures the guard pipeline.
type GuardrailsConfig struct {
	// Enabled turns the guard pipeline on or off entirely.
	Enabled *bool `yaml:"enabled"`

	// Mode selects async-fail-open or strict gating.
	Mode GuardMode `yaml:"mode"`

	// PIIScoreThreshold is the minimum confidence for a PII finding.
	PIIScoreThreshold float64 `yaml:"pii_score_threshold"`

	// ToxicityThreshold is the minimum score for a toxicity finding.
	ToxicityThreshold float64 `yaml:"toxicity_threshold"`

	// WaitBudgetMs bounds how long a strict-mode turn waits for the guard
	// verdict before failing open.
	WaitBudgetMs int `yaml:"wait_budget_ms"`
}

// RAGConfig configures retrieval-augmented generation.
type RAGConfig struct {
	// Enabled turns retrieval on or off.
	Enabled *bool `yaml:"enabled"`

	// TopK is the number of chunks retrieved per query.
	TopK int `yaml:"top_k"`

	// ScoreThreshold drops chunks scoring below this similarity.
	ScoreThreshold float64 `yaml:"score_threshold"`

	// SoftDeadlineMs is the retrieval budget; a turn proceeds without
	// context once it elapses.
	SoftDeadlineMs int `yaml:"soft_deadline_ms"`

	// Index selects the vector index backend ("chromem" or "pgvector").
	Index string `yaml:"index"`

	// IndexPath is the on-disk location of the embedded vector collection
	// (chromem backend).
	IndexPath string `yaml:"index_path"`

	// PostgresDSN is the connection string for the pgvector backend.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Embeddings selects the embedding backend used for queries and
	// ingestion.
	Embeddings ProviderEntry `yaml:"embeddings"`

	// EmbeddingDimensions is the vector length of the configured embedding
	// model. Required for the pgvector backend's schema.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// LimitsConfig configures admission control.
type LimitsConfig struct {
	// APIKeyRequired requires a valid X-API-Key on conversation endpoints.
	APIKeyRequired bool `yaml:"api_key_required"`

	// RatePerMinute is the default per-key token bucket refill per minute.
	RatePerMinute int `yaml:"rate_per_minute"`

	// RatePerDay is the default per-key daily budget.
	RatePerDay int `yaml:"rate_per_day"`
}

// RTCConfig configures WebSocket streaming sessions.
type RTCConfig struct {
	// MaxSessions caps concurrently active streaming sessions.
	MaxSessions int `yaml:"max_sessions"`

	// SessionTimeoutS closes sessions idle for this many seconds.
	SessionTimeoutS int `yaml:"session_timeout_s"`

	// SampleRateHz is the canonical PCM sample rate.
	SampleRateHz int `yaml:"sample_rate_hz"`

	// Channels is the canonical PCM channel count.
	Channels int `yaml:"channels"`

	// VADThreshold is the default speech probability threshold in [0,1].
	VADThreshold float64 `yaml:"vad_threshold"`

	// SilenceTimeoutMs ends an utterance after this much trailing silence.
	SilenceTimeoutMs int `yaml:"silence_timeout_ms"`

	// MaxAudioDurationMs force-flushes an utterance that exceeds this
	// duration regardless of silence.
	MaxAudioDurationMs int `yaml:"max_audio_duration_ms"`

	// Language is the default recognition language (BCP-47).
	Language string `yaml:"language"`

	// STT selects the speech-to-text backend.
	STT ProviderEntry `yaml:"stt"`

	// STTFallback, when configured, is a secondary recogniser tried when
	// the primary fails or its circuit breaker is open.
	STTFallback ProviderEntry `yaml:"stt_fallback"`

	// VAD selects the voice activity detector. Defaults to the built-in
	// energy engine.
	VAD ProviderEntry `yaml:"vad"`

	// Keywords boosts recognition of domain vocabulary and feeds the
	// transcript corrector.
	Keywords []string `yaml:"keywords"`

	// TTS selects the text-to-speech backend.
	TTS ProviderEntry `yaml:"tts"`

	// VoiceID is the TTS voice used for synthesized responses.
	VoiceID string `yaml:"voice_id"`

	// SpeedFactor adjusts TTS speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64 `yaml:"speed_factor"`
}

// GuardrailsEnabled reports the effective guardrails toggle (default true).
func (c *Config) GuardrailsEnabled() bool {
	if c.Guardrails.Enabled == nil {
		return true
	}
	return *c.Guardrails.Enabled
}

// RAGEnabled reports the effective retrieval toggle (default true).
func (c *Config) RAGEnabled() bool {
	if c.RAG.Enabled == nil {
		return true
	}
	return *c.RAG.Enabled
}
