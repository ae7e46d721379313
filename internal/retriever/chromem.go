package retriever

import (
	"context"
	"fmt"

	chromem "github.com/philippgille/chromem-go"
)

// collectionName is the single chromem collection holding all knowledge.
const collectionName = "talaria-knowledge"

// ChromemIndex is an [Index] backed by the embedded chromem-go vector store.
// Documents persist to a local directory; no external service is required.
type ChromemIndex struct {
	db   *chromem.DB
	coll *chromem.Collection
}

var _ Index = (*ChromemIndex)(nil)

// NewChromemIndex opens (creating if necessary) a persistent chromem
// database at path.
//
// Documents are always added with precomputed embeddings, so the
// collection's own embedding function is never invoked; a stub is installed
// to make accidental text-only adds fail loudly.
func NewChromemIndex(path string) (*ChromemIndex, error) {
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("retriever: open chromem db at %s: %w", path, err)
	}

	noEmbed := func(_ context.Context, _ string) ([]float32, error) {
		return nil, fmt.Errorf("retriever: document has no precomputed embedding")
	}
	coll, err := db.GetOrCreateCollection(collectionName, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("retriever: open collection: %w", err)
	}
	return &ChromemIndex{db: db, coll: coll}, nil
}

// Upsert implements [Index].
func (c *ChromemIndex) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	converted := make([]chromem.Document, len(docs))
	for i, d := range docs {
		if len(d.Embedding) == 0 {
			return fmt.Errorf("retriever: document %q has no embedding", d.ID)
		}
		converted[i] = chromem.Document{
			ID:        d.ID,
			Content:   d.Text,
			Embedding: d.Embedding,
			Metadata:  map[string]string{"source": d.Source},
		}
	}
	if err := c.coll.AddDocuments(ctx, converted, 1); err != nil {
		return fmt.Errorf("retriever: upsert %d documents: %w", len(docs), err)
	}
	return nil
}

// Query implements [Index].
func (c *ChromemIndex) Query(ctx context.Context, embedding []float32, topK int) ([]Result, error) {
	// chromem rejects queries asking for more results than stored documents.
	if n := c.coll.Count(); topK > n {
		topK = n
	}
	if topK == 0 {
		return nil, nil
	}

	hits, err := c.coll.QueryEmbedding(ctx, embedding, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("retriever: chromem query: %w", err)
	}

	results := make([]Result, len(hits))
	for i, h := range hits {
		results[i] = Result{
			Document: Document{
				ID:     h.ID,
				Text:   h.Content,
				Source: h.Metadata["source"],
			},
			Score: float64(h.Similarity),
		}
	}
	return results, nil
}

// Count implements [Index].
func (c *ChromemIndex) Count(_ context.Context) (int, error) {
	return c.coll.Count(), nil
}

// Close implements [Index]. chromem persists on write, so Close has nothing
// to flush.
func (c *ChromemIndex) Close() error {
	return nil
}
