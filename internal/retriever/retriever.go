// Package retriever implements retrieval-augmented generation support: a
// vector index abstraction with embedded (chromem) and PostgreSQL (pgvector)
// backends, document chunking and ingestion, and a soft-deadline retriever
// that degrades gracefully when the index is slow or unavailable.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/talaria-ai/talaria/pkg/provider/embeddings"
)

var (
	// ErrDeadline is returned by [Retriever.Retrieve] when the soft deadline
	// elapses before retrieval completes. Callers should treat it as a
	// degraded turn, not a failure.
	ErrDeadline = errors.New("retriever: soft deadline exceeded")

	// ErrEmbedding marks a failure of the embedding provider.
	ErrEmbedding = errors.New("retriever: embedding failed")

	// ErrUnavailable marks a failure of the vector index.
	ErrUnavailable = errors.New("retriever: index unavailable")
)

// Document is one indexed knowledge-base chunk.
type Document struct {
	// ID uniquely identifies the chunk within the index.
	ID string

	// Text is the chunk content injected into prompts.
	Text string

	// Source names where the chunk came from (file path, URL, ...).
	Source string

	// Embedding is the chunk's vector. Required on upsert.
	Embedding []float32
}

// Result is one retrieval hit with its similarity score in [0, 1]
// (1 = identical direction under cosine similarity).
type Result struct {
	Document
	Score float64
}

// Index is a vector store for knowledge-base chunks. Implementations must be
// safe for concurrent use.
type Index interface {
	// Upsert inserts or replaces documents by ID.
	Upsert(ctx context.Context, docs []Document) error

	// Query returns up to topK documents most similar to the embedding,
	// ordered by descending score.
	Query(ctx context.Context, embedding []float32, topK int) ([]Result, error)

	// Count reports the number of indexed documents.
	Count(ctx context.Context) (int, error)

	// Close releases index resources.
	Close() error
}

// Config configures a [Retriever].
type Config struct {
	// TopK is the number of chunks requested per query.
	TopK int

	// ScoreThreshold drops hits scoring below it.
	ScoreThreshold float64

	// SoftDeadline bounds the whole retrieve operation (embedding plus
	// index query). Zero disables the bound.
	SoftDeadline time.Duration

	// Logger receives degradation notices. Defaults to slog.Default().
	Logger *slog.Logger
}

// Retriever embeds a query and searches the index under a soft deadline.
// All exported methods are safe for concurrent use.
type Retriever struct {
	embedder  embeddings.Provider
	index     Index
	topK      int
	threshold float64
	deadline  time.Duration
	log       *slog.Logger
}

// New creates a [Retriever] over the given embedder and index.
func New(embedder embeddings.Provider, index Index, cfg Config) *Retriever {
	if cfg.TopK < 1 {
		cfg.TopK = 3
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Retriever{
		embedder:  embedder,
		index:     index,
		topK:      cfg.TopK,
		threshold: cfg.ScoreThreshold,
		deadline:  cfg.SoftDeadline,
		log:       log,
	}
}

// Retrieve embeds query and returns the most similar indexed chunks above
// the score threshold. When the soft deadline elapses first, it returns
// [ErrDeadline]; the caller proceeds without retrieval context.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]Result, error) {
	if r.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.deadline)
		defer cancel()
	}

	embedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			r.log.Warn("retrieval degraded: embedding timed out", "deadline", r.deadline)
			return nil, ErrDeadline
		}
		return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}

	hits, err := r.index.Query(ctx, embedding, r.topK)
	if err != nil {
		if ctx.Err() != nil {
			r.log.Warn("retrieval degraded: index query timed out", "deadline", r.deadline)
			return nil, ErrDeadline
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	filtered := hits[:0]
	for _, h := range hits {
		if h.Score >= r.threshold {
			filtered = append(filtered, h)
		}
	}
	return filtered, nil
}

// Ready probes the index, for readiness checks.
func (r *Retriever) Ready(ctx context.Context) error {
	if _, err := r.index.Count(ctx); err != nil {
		return fmt.Errorf("retriever: index not ready: %w", err)
	}
	return nil
}
