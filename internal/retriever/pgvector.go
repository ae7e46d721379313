package retriever

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

// pgSchema is the DDL template for the knowledge chunks table. The vector
// dimension must match the configured embedding model.
const pgSchema = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS knowledge_chunks (
    id        TEXT PRIMARY KEY,
    content   TEXT NOT NULL,
    source    TEXT NOT NULL DEFAULT '',
    embedding vector(%d) NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_embedding
    ON knowledge_chunks USING hnsw (embedding vector_cosine_ops);
`

// PgvectorIndex is an [Index] backed by PostgreSQL with the pgvector
// extension, using an HNSW index for approximate nearest-neighbour search.
type PgvectorIndex struct {
	pool *pgxpool.Pool
	dims int
}

var _ Index = (*PgvectorIndex)(nil)

// NewPgvectorIndex connects to the database at dsn and ensures the chunks
// table exists with the given embedding dimension.
func NewPgvectorIndex(ctx context.Context, dsn string, dims int) (*PgvectorIndex, error) {
	if dims < 1 {
		return nil, fmt.Errorf("retriever: embedding dimension must be positive, got %d", dims)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("retriever: connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(pgSchema, dims)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("retriever: migrate pgvector schema: %w", err)
	}
	return &PgvectorIndex{pool: pool, dims: dims}, nil
}

// Upsert implements [Index].
func (p *PgvectorIndex) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	const q = `
		INSERT INTO knowledge_chunks (id, content, source, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
		    content   = EXCLUDED.content,
		    source    = EXCLUDED.source,
		    embedding = EXCLUDED.embedding`

	batch := &pgx.Batch{}
	for _, d := range docs {
		if len(d.Embedding) != p.dims {
			return fmt.Errorf("retriever: document %q embedding has %d dimensions, index expects %d",
				d.ID, len(d.Embedding), p.dims)
		}
		batch.Queue(q, d.ID, d.Text, d.Source, pgvector.NewVector(d.Embedding))
	}
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("retriever: upsert %d documents: %w", len(docs), err)
	}
	return nil
}

// Query implements [Index]. Cosine distance is converted to a similarity
// score so both backends report on the same [0, 1] scale.
func (p *PgvectorIndex) Query(ctx context.Context, embedding []float32, topK int) ([]Result, error) {
	const q = `
		SELECT id, content, source, embedding <=> $1 AS distance
		FROM knowledge_chunks
		ORDER BY distance
		LIMIT $2`

	rows, err := p.pool.Query(ctx, q, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("retriever: pgvector query: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Result, error) {
		var r Result
		var distance float64
		if err := row.Scan(&r.ID, &r.Text, &r.Source, &distance); err != nil {
			return Result{}, err
		}
		r.Score = 1 - distance
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("retriever: scan rows: %w", err)
	}
	return results, nil
}

// Count implements [Index].
func (p *PgvectorIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM knowledge_chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("retriever: count: %w", err)
	}
	return n, nil
}

// Close implements [Index].
func (p *PgvectorIndex) Close() error {
	p.pool.Close()
	return nil
}
