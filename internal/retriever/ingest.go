package retriever

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/talaria-ai/talaria/pkg/provider/embeddings"
	"github.com/talaria-ai/talaria/pkg/types"
)

// embedBatchSize caps how many chunks go to the embedder per call.
const embedBatchSize = 64

// defaultKeywordBoost is the boost intensity applied to harvested
// vocabulary when passed to STT recognition.
const defaultKeywordBoost = 2.0

// ingestConcurrency is how many documents are embedded in parallel during a
// directory ingest.
const ingestConcurrency = 4

// Ingestor reads documents, chunks them, embeds the chunks, and upserts
// them into an [Index]. It also harvests domain vocabulary from the indexed
// text for STT keyword boosting. All exported methods are safe for
// concurrent use.
type Ingestor struct {
	embedder embeddings.Provider
	index    Index
	chunker  Chunker
	log      *slog.Logger

	mu       sync.Mutex
	keywords map[string]struct{}
}

// NewIngestor creates an [Ingestor] writing to index via embedder.
func NewIngestor(embedder embeddings.Provider, index Index, chunker Chunker, log *slog.Logger) *Ingestor {
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{
		embedder: embedder,
		index:    index,
		chunker:  chunker,
		log:      log,
		keywords: make(map[string]struct{}),
	}
}

// IngestDir walks root and ingests every .txt and .md file found, embedding
// up to [ingestConcurrency] documents in parallel. Returns the number of
// chunks indexed.
func (in *Ingestor) IngestDir(ctx context.Context, root string) (int, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".txt", ".md":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("retriever: ingest dir %s: %w", root, err)
	}

	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ingestConcurrency)
	for _, path := range paths {
		g.Go(func() error {
			n, err := in.IngestFile(gctx, path)
			total.Add(int64(n))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return int(total.Load()), fmt.Errorf("retriever: ingest dir %s: %w", root, err)
	}
	return int(total.Load()), nil
}

// IngestFile chunks, embeds, and indexes a single document. Returns the
// number of chunks indexed.
func (in *Ingestor) IngestFile(ctx context.Context, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("retriever: read %s: %w", path, err)
	}

	chunks := in.chunker.Split(string(raw))
	if len(chunks) == 0 {
		in.log.Debug("skipping empty document", "path", path)
		return 0, nil
	}

	for batchStart := 0; batchStart < len(chunks); batchStart += embedBatchSize {
		end := min(batchStart+embedBatchSize, len(chunks))
		batch := chunks[batchStart:end]

		vectors, err := in.embedder.EmbedBatch(ctx, batch)
		if err != nil {
			return batchStart, fmt.Errorf("retriever: embed %s: %w", path, err)
		}

		docs := make([]Document, len(batch))
		for i, text := range batch {
			docs[i] = Document{
				ID:        chunkID(path, batchStart+i),
				Text:      text,
				Source:    path,
				Embedding: vectors[i],
			}
			in.harvestKeywords(text)
		}
		if err := in.index.Upsert(ctx, docs); err != nil {
			return batchStart, err
		}
	}

	in.log.Info("document indexed", "path", path, "chunks", len(chunks))
	return len(chunks), nil
}

// Keywords returns the domain vocabulary harvested so far as STT keyword
// boosts, sorted alphabetically, capped at max entries (<= 0 for all).
func (in *Ingestor) Keywords(max int) []types.KeywordBoost {
	in.mu.Lock()
	words := make([]string, 0, len(in.keywords))
	for w := range in.keywords {
		words = append(words, w)
	}
	in.mu.Unlock()
	sort.Strings(words)
	if max > 0 && len(words) > max {
		words = words[:max]
	}

	boosts := make([]types.KeywordBoost, len(words))
	for i, w := range words {
		boosts[i] = types.KeywordBoost{Keyword: w, Boost: defaultKeywordBoost}
	}
	return boosts
}

// harvestKeywords collects capitalised mid-sentence tokens, which in prose
// are mostly proper nouns worth boosting during speech recognition.
func (in *Ingestor) harvestKeywords(text string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	fields := strings.Fields(text)
	for i, f := range fields {
		word := strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if len(word) < 4 || len(word) > 30 {
			continue
		}
		runes := []rune(word)
		if !unicode.IsUpper(runes[0]) {
			continue
		}
		// Sentence-initial words are capitalised regardless; skip them.
		if i == 0 || strings.HasSuffix(fields[i-1], ".") {
			continue
		}
		in.keywords[word] = struct{}{}
	}
}

// chunkID derives a stable identifier from the document path and chunk
// position, so re-ingesting a changed file replaces its old chunks in place.
func chunkID(path string, i int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s#%d", path, i)))
	return hex.EncodeToString(sum[:16])
}
