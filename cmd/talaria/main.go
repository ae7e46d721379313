// Command talaria is the entry point for the Talaria conversation backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel"

	"github.com/talaria-ai/talaria/internal/admission"
	"github.com/talaria-ai/talaria/internal/api"
	"github.com/talaria-ai/talaria/internal/cache"
	"github.com/talaria-ai/talaria/internal/config"
	"github.com/talaria-ai/talaria/internal/convmem"
	"github.com/talaria-ai/talaria/internal/guard"
	"github.com/talaria-ai/talaria/internal/health"
	"github.com/talaria-ai/talaria/internal/ledger"
	"github.com/talaria-ai/talaria/internal/llmclient"
	"github.com/talaria-ai/talaria/internal/observe"
	"github.com/talaria-ai/talaria/internal/prompt"
	"github.com/talaria-ai/talaria/internal/resilience"
	"github.com/talaria-ai/talaria/internal/retriever"
	"github.com/talaria-ai/talaria/internal/rtc"
	"github.com/talaria-ai/talaria/internal/store"
	"github.com/talaria-ai/talaria/internal/transcript"
	"github.com/talaria-ai/talaria/internal/transcript/phonetic"
	"github.com/talaria-ai/talaria/internal/turn"
	"github.com/talaria-ai/talaria/pkg/provider/embeddings"
	ollamaembed "github.com/talaria-ai/talaria/pkg/provider/embeddings/ollama"
	oaembed "github.com/talaria-ai/talaria/pkg/provider/embeddings/openai"
	"github.com/talaria-ai/talaria/pkg/provider/llm"
	"github.com/talaria-ai/talaria/pkg/provider/llm/anyllm"
	"github.com/talaria-ai/talaria/pkg/provider/stt"
	"github.com/talaria-ai/talaria/pkg/provider/stt/deepgram"
	"github.com/talaria-ai/talaria/pkg/provider/stt/whisperhttp"
	"github.com/talaria-ai/talaria/pkg/provider/tts"
	"github.com/talaria-ai/talaria/pkg/provider/tts/elevenlabs"
	"github.com/talaria-ai/talaria/pkg/provider/vad"
	"github.com/talaria-ai/talaria/pkg/provider/vad/energy"
	"github.com/talaria-ai/talaria/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	ingestDir := flag.String("ingest", "", "ingest .txt/.md documents from this directory into the knowledge index before serving")
	issueKey := flag.String("issue-key", "", "mint an API key for the given owner, print it, and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "talaria: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "talaria: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("talaria starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Persistence ───────────────────────────────────────────────────────────
	st, err := store.Open(cfg.Store.DatabasePath)
	if err != nil {
		slog.Error("failed to open store", "path", cfg.Store.DatabasePath, "err", err)
		return 1
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("store close error", "err", err)
		}
	}()

	// ── Key minting mode ──────────────────────────────────────────────────────
	if *issueKey != "" {
		return mintKey(ctx, st, cfg, *issueKey)
	}

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "talaria"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	llmProvider, err := reg.CreateLLM(cfg.LLM.Provider)
	if err != nil {
		slog.Error("failed to create llm provider", "name", cfg.LLM.Provider.Name, "err", err)
		return 1
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.LLM.Provider.Name, "model", cfg.LLM.Provider.Model)

	if cfg.LLM.Fallback.Name != "" {
		fb, err := reg.CreateLLM(cfg.LLM.Fallback)
		if err != nil {
			slog.Error("failed to create llm fallback provider", "name", cfg.LLM.Fallback.Name, "err", err)
			return 1
		}
		group := resilience.NewLLMFallback(llmProvider, cfg.LLM.Provider.Name, resilience.FallbackConfig{Logger: logger})
		group.AddFallback(cfg.LLM.Fallback.Name, fb)
		llmProvider = group
		slog.Info("llm failover enabled", "fallback", cfg.LLM.Fallback.Name)
	}

	// ── Conversation memory and response cache ────────────────────────────────
	memory := convmem.New(convmem.Config{
		WindowMessages:   cfg.Memory.WindowMessages,
		MaxConversations: cfg.Memory.MaxConversations,
		TTL:              time.Duration(cfg.Memory.TTLHours) * time.Hour,
		Persist:          st,
		Logger:           logger,
	})
	defer memory.Flush()

	respCache := cache.New[turn.CachedResponse](cfg.Cache.Capacity, time.Duration(cfg.Cache.TTLSeconds)*time.Second)

	// ── Retrieval ─────────────────────────────────────────────────────────────
	var (
		rtr      *retriever.Retriever
		ingestor *retriever.Ingestor
		index    retriever.Index
	)
	if cfg.RAGEnabled() {
		embedder, err := reg.CreateEmbeddings(cfg.RAG.Embeddings)
		if err != nil {
			slog.Error("failed to create embeddings provider", "name", cfg.RAG.Embeddings.Name, "err", err)
			return 1
		}
		index, err = openIndex(ctx, cfg)
		if err != nil {
			slog.Error("failed to open vector index", "backend", cfg.RAG.Index, "err", err)
			return 1
		}
		defer index.Close()

		rtr = retriever.New(embedder, index, retriever.Config{
			TopK:           cfg.RAG.TopK,
			ScoreThreshold: cfg.RAG.ScoreThreshold,
			SoftDeadline:   time.Duration(cfg.RAG.SoftDeadlineMs) * time.Millisecond,
			Logger:         logger,
		})
		ingestor = retriever.NewIngestor(embedder, index, retriever.Chunker{}, logger)
		slog.Info("retrieval enabled", "backend", cfg.RAG.Index, "top_k", cfg.RAG.TopK)
	}

	// Ingestion mode: chunk, embed, and upsert the documents, then exit.
	if *ingestDir != "" {
		if ingestor == nil {
			slog.Error("cannot ingest: retrieval is disabled")
			return 1
		}
		n, err := ingestor.IngestDir(ctx, *ingestDir)
		if err != nil {
			slog.Error("ingestion failed", "dir", *ingestDir, "err", err)
			return 1
		}
		slog.Info("documents ingested", "dir", *ingestDir, "chunks", n)
		return 0
	}

	// ── Usage ledger ──────────────────────────────────────────────────────────
	usageLedger, err := ledger.New(ctx, ledger.Config{Persist: st, Logger: logger})
	if err != nil {
		slog.Error("failed to create usage ledger", "err", err)
		return 1
	}
	go usageLedger.Run(ctx)
	// Registered after the store's Close so it flushes first on shutdown.
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := usageLedger.Flush(flushCtx); err != nil {
			slog.Warn("ledger flush error", "err", err)
		}
	}()

	// ── Guardrails ────────────────────────────────────────────────────────────
	var guards *guard.Pipeline
	if cfg.GuardrailsEnabled() {
		guards = guard.NewPipeline(guard.Config{
			Checkers: []guard.Checker{
				&guard.PIIChecker{ScoreThreshold: cfg.Guardrails.PIIScoreThreshold},
				&guard.ToxicityChecker{Threshold: cfg.Guardrails.ToxicityThreshold},
				&guard.InjectionChecker{},
			},
			WaitBudget: time.Duration(cfg.Guardrails.WaitBudgetMs) * time.Millisecond,
			Logger:     logger,
		})
	}

	// ── LLM client and turn orchestrator ──────────────────────────────────────
	llmClient, err := llmclient.New(llmclient.Config{
		Provider:       llmProvider,
		ProviderName:   cfg.LLM.Provider.Name,
		RequestTimeout: time.Duration(cfg.LLM.RequestTimeoutS) * time.Second,
		MaxRetries:     cfg.LLM.MaxRetries,
		RetryBackoff:   time.Duration(cfg.LLM.RetryBackoffMs) * time.Millisecond,
		Breaker:        resilience.BreakerConfig{Name: cfg.LLM.Provider.Name},
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		slog.Error("failed to create llm client", "err", err)
		return 1
	}

	systemPrompt := cfg.LLM.SystemPrompt
	if systemPrompt == "" && cfg.LLM.Persona != "" {
		p, ok := prompt.PersonaPrompt(cfg.LLM.Persona)
		if !ok {
			slog.Error("unknown persona", "persona", cfg.LLM.Persona)
			return 1
		}
		systemPrompt = p
	}

	turns, err := turn.New(turn.Config{
		LLM:          llmClient,
		Memory:       memory,
		Cache:        respCache,
		Retriever:    rtr,
		Guards:       guards,
		GuardMode:    cfg.Guardrails.Mode,
		SystemPrompt: systemPrompt,
		Temperature:  cfg.LLM.Temperature,
		MaxTokens:    cfg.LLM.MaxTokens,
		TurnTimeout:  time.Duration(cfg.Server.TurnTimeoutS) * time.Second,
		Metrics:      metrics,
		Ledger:       usageLedger,
		Audit:        st,
		Logger:       logger,
	})
	if err != nil {
		slog.Error("failed to create turn orchestrator", "err", err)
		return 1
	}

	// ── Admission control ─────────────────────────────────────────────────────
	admitter, err := admission.New(admission.Config{
		Store:         st,
		Require:       cfg.Limits.APIKeyRequired,
		RatePerMinute: cfg.Limits.RatePerMinute,
		RatePerDay:    cfg.Limits.RatePerDay,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		slog.Error("failed to create admission control", "err", err)
		return 1
	}

	// ── Realtime voice ────────────────────────────────────────────────────────
	streamHandler, manager, err := buildRealtime(cfg, reg, turns, ingestor, admitter, metrics, logger)
	if err != nil {
		slog.Error("failed to build realtime stack", "err", err)
		return 1
	}
	if manager != nil {
		go manager.Run(ctx)
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	checkers := []health.Checker{
		{Name: "store", Check: st.Ping},
		{Name: "llm", Check: func(context.Context) error {
			if llmClient.BreakerState() == resilience.StateOpen {
				return errors.New("llm circuit breaker open")
			}
			return nil
		}},
	}
	if index != nil {
		idx := index
		checkers = append(checkers, health.Checker{
			Name: "index",
			Check: func(ctx context.Context) error {
				_, err := idx.Count(ctx)
				return err
			},
		})
	}

	serverCfg := api.Config{
		ListenAddr: cfg.Server.ListenAddr,
		AdminToken: cfg.Server.AdminToken,
		Turns:      turns,
		Admitter:   admitter,
		Health:     health.New(checkers...),
		Audit:      st,
		Metrics:    metrics,
		Logger:     logger,
	}
	if streamHandler != nil {
		serverCfg.Stream = streamHandler
	}
	if cfg.Server.TLS != nil {
		serverCfg.TLSCertFile = cfg.Server.TLS.CertFile
		serverCfg.TLSKeyFile = cfg.Server.TLS.KeyFile
	}
	server, err := api.New(serverCfg)
	if err != nil {
		slog.Error("failed to create http server", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")
	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "err", err)
		return 1
	}

	slog.Info("shutdown signal received, stopping…")
	return 0
}

// mintKey creates an API key using the configured default limits and prints
// the plaintext secret. The secret is not recoverable afterwards.
func mintKey(ctx context.Context, st *store.Store, cfg *config.Config, owner string) int {
	admitter, err := admission.New(admission.Config{
		Store:         st,
		RatePerMinute: cfg.Limits.RatePerMinute,
		RatePerDay:    cfg.Limits.RatePerDay,
	})
	if err != nil {
		slog.Error("failed to create admission control", "err", err)
		return 1
	}
	secret, key, err := admitter.Issue(ctx, owner, 0, 0, 0)
	if err != nil {
		slog.Error("failed to issue key", "owner", owner, "err", err)
		return 1
	}
	fmt.Printf("id:     %s\nowner:  %s\nsecret: %s\n", key.ID, key.Owner, secret)
	fmt.Println("store the secret now; it cannot be shown again")
	return 0
}

// openIndex opens the configured vector index backend.
func openIndex(ctx context.Context, cfg *config.Config) (retriever.Index, error) {
	switch cfg.RAG.Index {
	case "pgvector":
		return retriever.NewPgvectorIndex(ctx, cfg.RAG.PostgresDSN, cfg.RAG.EmbeddingDimensions)
	default:
		return retriever.NewChromemIndex(cfg.RAG.IndexPath)
	}
}

// buildRealtime assembles the websocket voice stack. Both STT and TTS must
// be configured; otherwise the endpoint is disabled and (nil, nil, nil) is
// returned.
func buildRealtime(
	cfg *config.Config,
	reg *config.Registry,
	turns *turn.Orchestrator,
	ingestor *retriever.Ingestor,
	admitter *admission.Admitter,
	metrics *observe.Metrics,
	logger *slog.Logger,
) (*rtc.Handler, *rtc.Manager, error) {
	if cfg.RTC.STT.Name == "" || cfg.RTC.TTS.Name == "" {
		slog.Info("realtime voice disabled: rtc.stt and rtc.tts must both be configured")
		return nil, nil, nil
	}

	sttProvider, err := reg.CreateSTT(cfg.RTC.STT)
	if err != nil {
		return nil, nil, fmt.Errorf("create stt provider %q: %w", cfg.RTC.STT.Name, err)
	}
	if cfg.RTC.STTFallback.Name != "" {
		fb, err := reg.CreateSTT(cfg.RTC.STTFallback)
		if err != nil {
			return nil, nil, fmt.Errorf("create stt fallback provider %q: %w", cfg.RTC.STTFallback.Name, err)
		}
		group := resilience.NewSTTFallback(sttProvider, cfg.RTC.STT.Name, resilience.FallbackConfig{Logger: logger})
		group.AddFallback(cfg.RTC.STTFallback.Name, fb)
		sttProvider = group
		slog.Info("stt failover enabled", "fallback", cfg.RTC.STTFallback.Name)
	}
	ttsProvider, err := reg.CreateTTS(cfg.RTC.TTS)
	if err != nil {
		return nil, nil, fmt.Errorf("create tts provider %q: %w", cfg.RTC.TTS.Name, err)
	}
	vadEngine, err := reg.CreateVAD(cfg.RTC.VAD)
	if err != nil {
		return nil, nil, fmt.Errorf("create vad engine %q: %w", cfg.RTC.VAD.Name, err)
	}
	slog.Info("realtime voice enabled",
		"stt", cfg.RTC.STT.Name, "tts", cfg.RTC.TTS.Name, "vad", cfg.RTC.VAD.Name)

	corrector := transcript.NewCorrector(phonetic.New())
	vocabulary := append([]string(nil), cfg.RTC.Keywords...)
	if ingestor != nil {
		for _, kb := range ingestor.Keywords(200) {
			vocabulary = append(vocabulary, kb.Keyword)
		}
	}
	corrector.SetVocabulary(vocabulary)
	if n := corrector.VocabularySize(); n > 0 {
		slog.Info("transcript correction vocabulary loaded", "terms", n)
	}

	manager := rtc.NewManager(rtc.ManagerConfig{
		MaxSessions:    cfg.RTC.MaxSessions,
		SessionTimeout: time.Duration(cfg.RTC.SessionTimeoutS) * time.Second,
		Logger:         logger,
		Metrics:        metrics,
	})

	keywords := func() []types.KeywordBoost {
		var boosts []types.KeywordBoost
		for _, w := range cfg.RTC.Keywords {
			boosts = append(boosts, types.KeywordBoost{Keyword: w, Boost: 2.0})
		}
		if ingestor != nil {
			boosts = append(boosts, ingestor.Keywords(200)...)
		}
		return boosts
	}

	handler, err := rtc.NewHandler(rtc.HandlerConfig{
		Manager: manager,
		VAD:     vadEngine,
		Deps: rtc.SessionDeps{
			STT:       sttProvider,
			TTS:       ttsProvider,
			Turns:     turns,
			Corrector: corrector,
			Metrics:   metrics,
			Logger:    logger,
		},
		Admitter:     admitter,
		SampleRateHz: cfg.RTC.SampleRateHz,
		Channels:     cfg.RTC.Channels,
		Language:     cfg.RTC.Language,
		Voice: types.VoiceProfile{
			ID:          cfg.RTC.VoiceID,
			SpeedFactor: cfg.RTC.SpeedFactor,
		},
		VADThreshold:     cfg.RTC.VADThreshold,
		SilenceTimeoutMs: cfg.RTC.SilenceTimeoutMs,
		MaxAudioMs:       cfg.RTC.MaxAudioDurationMs,
		Keywords:         keywords,
		Logger:           logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return handler, manager, nil
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai, anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile
	// all share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisperhttp.Option
		if entry.Model != "" {
			opts = append(opts, whisperhttp.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisperhttp.WithLanguage(lang))
		}
		return whisperhttp.New(entry.BaseURL, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		cfg := oaembed.Config{
			APIKey:  entry.APIKey,
			Model:   entry.Model,
			BaseURL: entry.BaseURL,
		}
		if dims, ok := entry.Options["dimensions"].(float64); ok {
			cfg.Dimensions = int(dims)
		}
		return oaembed.New(cfg)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return ollamaembed.New(entry.BaseURL, entry.Model)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if level, ok := entry.Options["reference_level"].(float64); ok {
			opts = append(opts, energy.WithReferenceLevel(level))
		}
		return energy.New(opts...), nil
	})
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
