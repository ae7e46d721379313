// Package openai implements the embeddings provider on the OpenAI API.
//
// The provider feeds two talaria paths with very different shapes: the
// retriever embeds one short query per turn, while the knowledge-base
// ingestion CLI embeds whole document sets. Batch requests are chunked so
// ingestion never trips the API's per-request input limit, and the vector
// width can be reduced via [Config.Dimensions] to keep the on-disk index
// compact.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/talaria-ai/talaria/pkg/provider/embeddings"
)

// DefaultModel is the embeddings model used when none is configured.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

// maxBatchInputs is the largest input slice sent in one API request. The API
// rejects larger batches outright.
const maxBatchInputs = 2048

var _ embeddings.Provider = (*Provider)(nil)

// Config holds the settings for an OpenAI embeddings provider.
type Config struct {
	// APIKey authenticates requests. Required.
	APIKey string

	// Model selects the embeddings model. Empty uses [DefaultModel].
	Model string

	// BaseURL overrides the API endpoint, for proxies and compatible servers.
	BaseURL string

	// Organization is sent as the OpenAI organization header when set.
	Organization string

	// Dimensions truncates vectors to this width when > 0. Only the
	// text-embedding-3 family supports reduction; zero keeps the model's
	// native width.
	Dimensions int

	// HTTPTimeout bounds each request. Zero means no client-side timeout
	// beyond the caller's context.
	HTTPTimeout time.Duration
}

// Provider implements embeddings.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
	dims   int
}

// New constructs an OpenAI embeddings provider from cfg.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai embeddings: APIKey must not be empty")
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	dims := cfg.Dimensions
	if dims < 0 {
		return nil, fmt.Errorf("openai embeddings: Dimensions must not be negative")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.Organization))
	}
	if cfg.HTTPTimeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}))
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  model,
		dims:   dims,
	}, nil
}

// Embed computes the vector for a single query string.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.request(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed: %w", err)
	}
	return vecs[0], nil
}

// EmbedBatch computes vectors for texts, splitting oversized slices into
// API-sized chunks. Result order follows the input order.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	result := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchInputs {
		end := start + maxBatchInputs
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := p.request(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("openai embeddings: embed batch [%d:%d]: %w", start, end, err)
		}
		result = append(result, vecs...)
	}
	return result, nil
}

// request sends one embeddings call and returns the vectors in input order.
func (p *Provider) request(ctx context.Context, inputs []string) ([][]float32, error) {
	params := oai.EmbeddingNewParams{
		Model: p.model,
	}
	if len(inputs) == 1 {
		params.Input = oai.EmbeddingNewParamsInputUnion{OfString: param.NewOpt(inputs[0])}
	} else {
		params.Input = oai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: inputs}
	}
	if p.dims > 0 {
		params.Dimensions = param.NewOpt(int64(p.dims))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(inputs), len(resp.Data))
	}

	vecs := make([][]float32, len(inputs))
	for _, e := range resp.Data {
		if int(e.Index) >= len(inputs) {
			return nil, fmt.Errorf("unexpected embedding index %d", e.Index)
		}
		vecs[e.Index] = narrow(e.Embedding)
	}
	return vecs, nil
}

// Dimensions reports the configured vector width, or the model's native
// width when no reduction is set.
func (p *Provider) Dimensions() int {
	if p.dims > 0 {
		return p.dims
	}
	return nativeDimensions(p.model)
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

func nativeDimensions(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "text-embedding-3-large"):
		return 3072
	case strings.Contains(lower, "text-embedding-3-small"),
		strings.Contains(lower, "text-embedding-ada-002"):
		return 1536
	default:
		return 1536
	}
}

func narrow(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
