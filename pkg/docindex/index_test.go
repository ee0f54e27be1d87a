package docindex

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abathur/memstore/pkg/audit"
	"github.com/abathur/memstore/pkg/embedding"
	"github.com/abathur/memstore/pkg/storage"
)

func newTestIndex(t *testing.T, provider embedding.Provider, dim int) (*Index, *storage.DB) {
	t.Helper()
	tmpDir := t.TempDir()
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)

	db, err := storage.Open(storage.Options{
		Path:      filepath.Join(tmpDir, "test.db"),
		VectorDim: dim,
		Logger:    logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Initialize(context.Background()))

	ix, err := NewIndex(Config{
		DB:       db,
		Audit:    audit.NewRecorder(db, logger),
		Provider: provider,
		Model:    "mock",
		Logger:   logger,
	})
	require.NoError(t, err)
	return ix, db
}

func writeTestFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "note.md")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSyncDocument(t *testing.T) {
	ix, db := newTestIndex(t, embedding.NewMockProvider(64), 64)
	ctx := context.Background()

	path := writeTestFile(t, "# Project Notes\n\nGo services use structured logging everywhere.\n")

	result, err := ix.SyncDocument(ctx, path)
	require.NoError(t, err)
	assert.True(t, result.Indexed)
	assert.Equal(t, 1, result.ChunkCount)
	assert.NotEmpty(t, result.AuditID)

	doc, err := ix.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, SyncDone, doc.SyncStatus)
	assert.Equal(t, "Project Notes", doc.Title)
	assert.Equal(t, 1, doc.ChunkCount)
	assert.NotEmpty(t, doc.ContentHash)

	var embeddings int
	require.NoError(t, db.SQL().QueryRow(
		`SELECT COUNT(*) FROM document_embeddings WHERE document_id = ?`, doc.ID).Scan(&embeddings))
	assert.Equal(t, 1, embeddings)
}

func TestSyncDocumentIdempotent(t *testing.T) {
	ix, _ := newTestIndex(t, embedding.NewMockProvider(64), 64)
	ctx := context.Background()

	path := writeTestFile(t, "# Notes\n\nUnchanged content.\n")

	first, err := ix.SyncDocument(ctx, path)
	require.NoError(t, err)
	assert.True(t, first.Indexed)

	second, err := ix.SyncDocument(ctx, path)
	require.NoError(t, err)
	assert.False(t, second.Indexed, "unchanged content must be skipped")
	assert.Equal(t, first.DocumentID, second.DocumentID)
	assert.Equal(t, first.ChunkCount, second.ChunkCount)

	// Changed content re-indexes under the same document id.
	require.NoError(t, os.WriteFile(path, []byte("# Notes\n\nRevised content.\n"), 0o644))
	third, err := ix.SyncDocument(ctx, path)
	require.NoError(t, err)
	assert.True(t, third.Indexed)
	assert.Equal(t, first.DocumentID, third.DocumentID)
}

func TestSyncDocumentMissingFile(t *testing.T) {
	ix, _ := newTestIndex(t, nil, 0)

	_, err := ix.SyncDocument(context.Background(), filepath.Join(t.TempDir(), "absent.md"))
	require.Error(t, err)
	assert.True(t, storage.IsNotFound(err))
}

// wrongDimProvider reports one dimension but emits another, simulating a
// misconfigured provider.
type wrongDimProvider struct {
	reported int
	actual   int
}

func (p *wrongDimProvider) Dimension() int { return p.reported }

func (p *wrongDimProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return make([]float32, p.actual), nil
}

func (p *wrongDimProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, p.actual)
	}
	return out, nil
}

func TestSyncDocumentDimensionMismatch(t *testing.T) {
	ix, db := newTestIndex(t, &wrongDimProvider{reported: 64, actual: 32}, 64)
	ctx := context.Background()

	path := writeTestFile(t, "# Mismatch\n\nThis content never gets vectors.\n")

	_, err := ix.SyncDocument(ctx, path)
	require.Error(t, err)
	assert.True(t, storage.IsValidation(err))

	// The document row records the failure and carries no embedding rows.
	doc, err := ix.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, SyncFailed, doc.SyncStatus)
	assert.Equal(t, 0, doc.ChunkCount)

	var embeddings int
	require.NoError(t, db.SQL().QueryRow(
		`SELECT COUNT(*) FROM document_embeddings WHERE document_id = ?`, doc.ID).Scan(&embeddings))
	assert.Equal(t, 0, embeddings)
}

func TestMarkStale(t *testing.T) {
	ix, _ := newTestIndex(t, embedding.NewMockProvider(64), 64)
	ctx := context.Background()

	path := writeTestFile(t, "# Stale Soon\n\nContent about deployment pipelines.\n")
	_, err := ix.SyncDocument(ctx, path)
	require.NoError(t, err)

	require.NoError(t, ix.MarkStale(ctx, path))

	doc, err := ix.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, SyncStale, doc.SyncStatus)

	// Stale documents no longer surface in search.
	resp, err := ix.HybridSearch(ctx, "deployment pipelines", nil)
	require.NoError(t, err)
	assert.Empty(t, resp.Results)

	err = ix.MarkStale(ctx, "never-indexed.md")
	assert.True(t, storage.IsNotFound(err))
}

func TestIndexStatus(t *testing.T) {
	ix, _ := newTestIndex(t, embedding.NewMockProvider(64), 64)
	ctx := context.Background()

	for _, content := range []string{
		"# One\n\nFirst document body.\n",
		"# Two\n\nSecond document body.\n",
	} {
		_, err := ix.SyncDocument(ctx, writeTestFile(t, content))
		require.NoError(t, err)
	}

	st, err := ix.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalDocuments)
	assert.Equal(t, 0, st.InFlightCount)
	assert.Equal(t, 2, st.TotalChunks)
	assert.Equal(t, 0, st.FailedCount)
	assert.Equal(t, 0, st.StaleCount)
}

// statusReadingProvider captures the document's sync status as seen from
// inside the embedding call, when no write transaction is open.
type statusReadingProvider struct {
	*embedding.MockProvider
	db   *storage.DB
	path string
	seen SyncStatus
}

func (p *statusReadingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.db.SQL().QueryRowContext(ctx,
		`SELECT sync_status FROM document_index WHERE file_path = ?`, p.path).Scan(&p.seen)
	return p.MockProvider.EmbedBatch(ctx, texts)
}

func TestSyncFlagsDocumentWhileEmbedding(t *testing.T) {
	p := &statusReadingProvider{MockProvider: embedding.NewMockProvider(64)}
	ix, db := newTestIndex(t, p, 64)
	p.db = db
	ctx := context.Background()

	path := writeTestFile(t, "# In Flight\n\nThe row is observable while embeddings are generated.\n")
	p.path = path

	_, err := ix.SyncDocument(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, SyncActive, p.seen, "status must read syncing during the embedding call")

	doc, err := ix.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, SyncDone, doc.SyncStatus)
}

func TestChunkerDeterministic(t *testing.T) {
	c := Chunker{MaxSize: 80, MinSize: 10, Overlap: 20}

	content := "line one about storage\nline two about indexes\nline three about vectors\nline four about search\nline five about sessions\n"

	first := c.Split(content)
	second := c.Split(content)
	require.Equal(t, first, second, "chunking must be deterministic")
	require.Greater(t, len(first), 1)

	for i := 1; i < len(first); i++ {
		assert.Less(t, first[i].startOffset, first[i-1].endOffset,
			"consecutive chunks must overlap")
	}
}

func TestChunkerFoldsShortTrailer(t *testing.T) {
	c := Chunker{MaxSize: 125, MinSize: 40, Overlap: 0}

	// Two 120-byte lines force two flushes; the 4-byte tail lands alone
	// below MinSize.
	content := strings.Repeat("alpha ", 20) + "\n" + strings.Repeat("bravo ", 20) + "\n" + "tail\n"
	chunks := c.Split(content)
	require.Len(t, chunks, 2)

	// The short tail must not be dropped; it joins the last chunk.
	assert.Contains(t, chunks[1].text, "bravo")
	assert.Contains(t, chunks[1].text, "tail")
	assert.GreaterOrEqual(t, chunks[1].endOffset, len(content))
}

func TestChunkerSmallContent(t *testing.T) {
	c := DefaultChunker()

	chunks := c.Split("just one short line")
	require.Len(t, chunks, 1)
	assert.Equal(t, "just one short line", chunks[0].text)

	assert.Empty(t, c.Split(""))
}

func TestTitleOf(t *testing.T) {
	assert.Equal(t, "Heading", titleOf("preamble\n## Heading\nbody"))
	assert.Equal(t, "", titleOf("no headings here"))
}
