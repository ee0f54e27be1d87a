package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/abathur/memstore/internal/observability"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultBatchSize      = 32
)

// OpenAIProvider implements Provider with the OpenAI embeddings API.
type OpenAIProvider struct {
	client    openai.Client
	model     openai.EmbeddingModel
	dimension int
	timeout   time.Duration
	batchSize int
}

// OpenAIOption customizes the provider.
type OpenAIOption func(*OpenAIProvider)

// WithTimeout bounds each API call. Every call carries this timeout so
// indexing never blocks indefinitely on the network.
func WithTimeout(d time.Duration) OpenAIOption {
	return func(p *OpenAIProvider) { p.timeout = d }
}

// WithBatchSize overrides the batch size (default 32).
func WithBatchSize(n int) OpenAIOption {
	return func(p *OpenAIProvider) { p.batchSize = n }
}

// NewOpenAIProvider creates a provider for the given model and target
// dimensionality. The Dimensions request parameter asks the API to truncate
// to the configured size; the pipeline still validates the result.
func NewOpenAIProvider(apiKey, model string, dimension int, opts ...OpenAIOption) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai provider: api key is required")
	}
	if model == "" {
		return nil, fmt.Errorf("openai provider: model is required")
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("openai provider: dimension must be positive")
	}

	p := &OpenAIProvider{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		model:     openai.EmbeddingModel(model),
		dimension: dimension,
		timeout:   defaultRequestTimeout,
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Dimension reports the configured vector size.
func (p *OpenAIProvider) Dimension() int {
	return p.dimension
}

// Embed generates one vector.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates vectors for a batch of texts, chunked to the
// configured batch size.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("openai provider: no texts provided")
	}

	result := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.batchSize {
		end := start + p.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := p.embedChunk(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		result = append(result, vectors...)
	}
	return result, nil
}

func (p *OpenAIProvider) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model:      p.model,
		Input:      openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Dimensions: openai.Int(int64(p.dimension)),
	})
	observability.RecordEmbeddingCall(time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings request: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: expected %d vectors, got %d", len(texts), len(resp.Data))
	}

	vectors := make([][]float32, len(resp.Data))
	for i, data := range resp.Data {
		vec := make([]float32, len(data.Embedding))
		for j, v := range data.Embedding {
			vec[j] = float32(v)
		}
		vectors[i] = vec
	}
	return vectors, nil
}
