package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abathur/memstore/pkg/storage"
)

func TestMockProviderDeterministic(t *testing.T) {
	p := NewMockProvider(64)
	ctx := context.Background()

	first, err := p.Embed(ctx, "the same text")
	require.NoError(t, err)
	second, err := p.Embed(ctx, "the same text")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first, 64)

	other, err := p.Embed(ctx, "different text")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestMockProviderBatch(t *testing.T) {
	p := NewMockProvider(16)
	ctx := context.Background()

	texts := []string{"one", "two", "three"}
	vectors, err := p.EmbedBatch(ctx, texts)
	require.NoError(t, err)
	require.Len(t, vectors, 3)

	// Batch output matches single calls element for element.
	for i, text := range texts {
		single, err := p.Embed(ctx, text)
		require.NoError(t, err)
		assert.Equal(t, single, vectors[i])
	}
}

func TestValidateDimension(t *testing.T) {
	assert.NoError(t, ValidateDimension(make([]float32, 8), 8))

	err := ValidateDimension(make([]float32, 4), 8)
	require.Error(t, err)
	assert.True(t, storage.IsValidation(err))
}

func TestNewOpenAIProviderValidation(t *testing.T) {
	_, err := NewOpenAIProvider("", "text-embedding-3-small", 1536)
	assert.Error(t, err)

	_, err = NewOpenAIProvider("sk-test", "", 1536)
	assert.Error(t, err)

	_, err = NewOpenAIProvider("sk-test", "text-embedding-3-small", 0)
	assert.Error(t, err)

	p, err := NewOpenAIProvider("sk-test", "text-embedding-3-small", 1536)
	require.NoError(t, err)
	assert.Equal(t, 1536, p.Dimension())
}
