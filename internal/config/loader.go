package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads, expands, and validates a configuration file from the given
// path. Occurrences of ${ENV_VAR} in the file are replaced with the value of
// the corresponding environment variable before decoding; unset variables
// expand to the empty string.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader decodes a YAML configuration from r, applies defaults, and
// validates the result. Unknown fields are rejected to surface typos early.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	expanded := os.Expand(string(raw), func(name string) string {
		return os.Getenv(name)
	})

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in zero-valued fields with their documented defaults.
func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Store.DatabasePath == "" {
		c.Store.DatabasePath = "talaria.db"
	}
	if c.Server.TurnTimeoutS == 0 {
		c.Server.TurnTimeoutS = 30
	}

	if c.LLM.RequestTimeoutS == 0 {
		c.LLM.RequestTimeoutS = 15
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = 2
	}
	if c.LLM.RetryBackoffMs == 0 {
		c.LLM.RetryBackoffMs = 200
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 200
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.7
	}

	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = 1000
	}
	if c.Cache.TTLSeconds == 0 {
		c.Cache.TTLSeconds = 3600
	}

	if c.Memory.WindowMessages == 0 {
		c.Memory.WindowMessages = 10
	}
	if c.Memory.MaxConversations == 0 {
		c.Memory.MaxConversations = 1000
	}
	if c.Memory.TTLHours == 0 {
		c.Memory.TTLHours = 24
	}

	if c.Guardrails.Mode == "" {
		c.Guardrails.Mode = GuardAsyncFailOpen
	}
	if c.Guardrails.PIIScoreThreshold == 0 {
		c.Guardrails.PIIScoreThreshold = 0.5
	}
	if c.Guardrails.ToxicityThreshold == 0 {
		c.Guardrails.ToxicityThreshold = 0.7
	}
	if c.Guardrails.WaitBudgetMs == 0 {
		c.Guardrails.WaitBudgetMs = 500
	}

	if c.RAG.TopK == 0 {
		c.RAG.TopK = 3
	}
	if c.RAG.SoftDeadlineMs == 0 {
		c.RAG.SoftDeadlineMs = 250
	}
	if c.RAG.Index == "" {
		c.RAG.Index = "chromem"
	}
	if c.RAG.IndexPath == "" {
		c.RAG.IndexPath = "talaria-index"
	}

	if c.Limits.RatePerMinute == 0 {
		c.Limits.RatePerMinute = 60
	}
	if c.Limits.RatePerDay == 0 {
		c.Limits.RatePerDay = 100000
	}

	if c.RTC.MaxSessions == 0 {
		c.RTC.MaxSessions = 100
	}
	if c.RTC.SessionTimeoutS == 0 {
		c.RTC.SessionTimeoutS = 300
	}
	if c.RTC.SampleRateHz == 0 {
		c.RTC.SampleRateHz = 16000
	}
	if c.RTC.Channels == 0 {
		c.RTC.Channels = 1
	}
	if c.RTC.VADThreshold == 0 {
		c.RTC.VADThreshold = 0.3
	}
	if c.RTC.SilenceTimeoutMs == 0 {
		c.RTC.SilenceTimeoutMs = 700
	}
	if c.RTC.MaxAudioDurationMs == 0 {
		c.RTC.MaxAudioDurationMs = 30000
	}
	if c.RTC.Language == "" {
		c.RTC.Language = "en-US"
	}
	if c.RTC.SpeedFactor == 0 {
		c.RTC.SpeedFactor = 1.0
	}
	if c.RTC.VAD.Name == "" {
		c.RTC.VAD.Name = "energy"
	}
}

// Validate checks the configuration for structural and range errors. All
// problems found are collected and returned as a single joined error.
func (c *Config) Validate() error {
	var errs []error

	if !c.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level: unknown level %q", c.Server.LogLevel))
	}
	if c.Server.TLS != nil {
		if c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls: both cert_file and key_file are required"))
		}
	}

	if c.LLM.Provider.Name == "" {
		errs = append(errs, errors.New("llm.provider.name is required"))
	}
	if c.LLM.RequestTimeoutS < 1 {
		errs = append(errs, fmt.Errorf("llm.request_timeout_s: must be >= 1, got %d", c.LLM.RequestTimeoutS))
	}
	if c.LLM.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("llm.max_retries: must be >= 0, got %d", c.LLM.MaxRetries))
	}
	if c.LLM.MaxTokens < 1 {
		errs = append(errs, fmt.Errorf("llm.max_tokens: must be >= 1, got %d", c.LLM.MaxTokens))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature: must be in [0, 2], got %g", c.LLM.Temperature))
	}

	if c.Cache.Capacity < 1 {
		errs = append(errs, fmt.Errorf("cache.capacity: must be >= 1, got %d", c.Cache.Capacity))
	}
	if c.Cache.TTLSeconds < 1 {
		errs = append(errs, fmt.Errorf("cache.ttl_s: must be >= 1, got %d", c.Cache.TTLSeconds))
	}

	if c.Memory.WindowMessages < 1 {
		errs = append(errs, fmt.Errorf("memory.window_messages: must be >= 1, got %d", c.Memory.WindowMessages))
	}
	if c.Memory.MaxConversations < 1 {
		errs = append(errs, fmt.Errorf("memory.max_conversations: must be >= 1, got %d", c.Memory.MaxConversations))
	}

	if !c.Guardrails.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("guardrails.mode: unknown mode %q", c.Guardrails.Mode))
	}
	if t := c.Guardrails.PIIScoreThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("guardrails.pii_score_threshold: must be in [0, 1], got %g", t))
	}
	if t := c.Guardrails.ToxicityThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("guardrails.toxicity_threshold: must be in [0, 1], got %g", t))
	}

	if c.RAG.TopK < 1 {
		errs = append(errs, fmt.Errorf("rag.top_k: must be >= 1, got %d", c.RAG.TopK))
	}
	switch c.RAG.Index {
	case "chromem", "pgvector":
	default:
		errs = append(errs, fmt.Errorf("rag.index: unknown backend %q", c.RAG.Index))
	}
	if c.RAG.Index == "pgvector" && c.RAG.PostgresDSN == "" {
		errs = append(errs, errors.New("rag.postgres_dsn is required for the pgvector backend"))
	}
	if c.RAGEnabled() && c.RAG.Embeddings.Name == "" {
		errs = append(errs, errors.New("rag.embeddings.name is required when retrieval is enabled"))
	}

	if c.Limits.RatePerMinute < 1 {
		errs = append(errs, fmt.Errorf("limits.rate_per_minute: must be >= 1, got %d", c.Limits.RatePerMinute))
	}
	if c.Limits.RatePerDay < 1 {
		errs = append(errs, fmt.Errorf("limits.rate_per_day: must be >= 1, got %d", c.Limits.RatePerDay))
	}

	if c.RTC.MaxSessions < 1 {
		errs = append(errs, fmt.Errorf("rtc.max_sessions: must be >= 1, got %d", c.RTC.MaxSessions))
	}
	if c.RTC.SampleRateHz < 8000 {
		errs = append(errs, fmt.Errorf("rtc.sample_rate_hz: must be >= 8000, got %d", c.RTC.SampleRateHz))
	}
	if c.RTC.Channels != 1 && c.RTC.Channels != 2 {
		errs = append(errs, fmt.Errorf("rtc.channels: must be 1 or 2, got %d", c.RTC.Channels))
	}
	if t := c.RTC.VADThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("rtc.vad_threshold: must be in [0, 1], got %g", t))
	}
	if f := c.RTC.SpeedFactor; f < 0.5 || f > 2.0 {
		errs = append(errs, fmt.Errorf("rtc.speed_factor: must be in [0.5, 2.0], got %g", f))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %w", errors.Join(errs...))
	}
	return nil
}
