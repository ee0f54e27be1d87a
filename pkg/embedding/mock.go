package embedding

import (
	"context"
)

// MockProvider generates deterministic embeddings for tests and offline use.
// The same text always maps to the same vector.
type MockProvider struct {
	dimension int
}

func NewMockProvider(dimension int) *MockProvider {
	return &MockProvider{dimension: dimension}
}

func (p *MockProvider) Dimension() int {
	return p.dimension
}

func (p *MockProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	// Derive the vector from a simple text hash
	vector := make([]float32, p.dimension)
	hash := 0
	for _, c := range text {
		hash = hash*31 + int(c)
	}

	for i := 0; i < p.dimension; i++ {
		vector[i] = float32((hash+i)%100) / 100.0
	}

	return vector, nil
}

func (p *MockProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := p.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = vec
	}
	return vectors, nil
}
