// Package embedding defines the text→vector provider contract consumed by
// the document indexing pipeline, plus the OpenAI implementation and a
// deterministic mock for tests.
package embedding

import (
	"context"
	"fmt"

	"github.com/abathur/memstore/pkg/storage"
)

// Provider generates fixed-dimension vector embeddings from text. Callers
// must validate returned dimensionality against their configured value;
// ValidateDimension does the check.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// ValidateDimension rejects a vector whose length does not match the
// configured dimensionality. A mismatch is a data-integrity problem, not a
// transient failure.
func ValidateDimension(vec []float32, want int) error {
	if len(vec) != want {
		return &storage.Error{
			Kind:       storage.KindValidation,
			Op:         "embedding.validate",
			Constraint: fmt.Sprintf("dimension=%d", want),
			Err:        fmt.Errorf("provider returned %d-dimension vector, %d configured", len(vec), want),
		}
	}
	return nil
}
