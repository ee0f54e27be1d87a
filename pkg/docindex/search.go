package docindex

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/abathur/memstore/internal/observability"
	"github.com/abathur/memstore/internal/tracing"
	"github.com/abathur/memstore/pkg/storage"
)

// searchTimeout bounds the whole hybrid query, embedding call included.
const searchTimeout = 5 * time.Second

// candidateLimit is how many raw hits each arm fetches before merging.
const candidateLimit = 200

type exactHit struct {
	documentID string
	chunkIndex int
	content    string
	title      string
	filePath   string
	bm25       float64
}

type semanticHit struct {
	documentID string
	chunkIndex int
	similarity float64
}

// HybridSearch runs the exact and semantic arms in parallel and merges their
// scores. One failing arm degrades the response rather than failing it; both
// arms failing is an error.
func (ix *Index) HybridSearch(ctx context.Context, query string, opts *SearchOptions) (*SearchResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "docindex.search",
		attribute.String("query", query))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, ix.logger)
	start := time.Now()

	if strings.TrimSpace(query) == "" {
		return nil, storage.NewError(storage.KindValidation, "docindex.search", "empty query")
	}
	if opts == nil {
		opts = DefaultSearchOptions()
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultSearchOptions().Limit
	}

	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	var exactHits []exactHit
	var semanticHits []semanticHit
	var exactErr, semanticErr error

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		exactHits, exactErr = ix.exactSearch(ctx, query, candidateLimit)
	}()
	go func() {
		defer wg.Done()
		if ix.provider == nil {
			semanticErr = storage.NewError(storage.KindInvalidState, "docindex.search", "no embedding provider")
			return
		}
		semanticHits, semanticErr = ix.semanticSearch(ctx, query, candidateLimit)
	}()
	wg.Wait()

	degraded := false
	if semanticErr != nil {
		degraded = true
		logger.Warn().Err(semanticErr).Msg("Semantic search unavailable, exact arm only")
	}
	if exactErr != nil {
		degraded = true
		logger.Warn().Err(exactErr).Msg("Exact search failed, semantic arm only")
	}
	if exactErr != nil && semanticErr != nil {
		span.RecordError(exactErr)
		span.RecordError(semanticErr)
		span.SetStatus(codes.Error, "both search arms failed")
		observability.RecordHybridSearch(time.Since(start), true)
		return nil, storage.WrapError("docindex.search", "", fmt.Errorf("both search arms failed: %v; %v", exactErr, semanticErr))
	}

	results := ix.mergeHits(ctx, exactHits, semanticHits, opts)
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}

	observability.RecordHybridSearch(time.Since(start), degraded)
	logger.Debug().
		Str("query", query).
		Int("results", len(results)).
		Bool("degraded", degraded).
		Msg("Hybrid search completed")

	return &SearchResponse{Results: results, Degraded: degraded}, nil
}

// exactSearch runs the FTS5 arm over titles and chunk text, restricted to
// synced documents.
func (ix *Index) exactSearch(ctx context.Context, query string, limit int) ([]exactHit, error) {
	if !ix.db.FTSEnabled() {
		return nil, storage.NewError(storage.KindInvalidState, "docindex.search", "keyword search requires the fts5 module")
	}
	rows, err := ix.db.SQL().QueryContext(ctx, `
		SELECT f.document_id, f.chunk_index, f.content, d.title, d.file_path, bm25(documents_fts) AS score
		FROM documents_fts f
		JOIN document_index d ON d.id = f.document_id
		WHERE documents_fts MATCH ? AND d.sync_status = 'synced'
		ORDER BY score
		LIMIT ?`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []exactHit
	for rows.Next() {
		var h exactHit
		var score float64
		if err := rows.Scan(&h.documentID, &h.chunkIndex, &h.content, &h.title, &h.filePath, &score); err != nil {
			return nil, err
		}
		// bm25 reports better matches as more negative
		h.bm25 = -score
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// semanticSearch embeds the query and scans the vector table by cosine
// distance.
func (ix *Index) semanticSearch(ctx context.Context, query string, limit int) ([]semanticHit, error) {
	vector, err := ix.provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	vecJSON, err := json.Marshal(vector)
	if err != nil {
		return nil, err
	}

	rows, err := ix.db.SQL().QueryContext(ctx, `
		SELECT chunk_ref, vec_distance_cosine(embedding, ?) AS distance
		FROM chunk_vectors
		ORDER BY distance ASC
		LIMIT ?`, string(vecJSON), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []semanticHit
	for rows.Next() {
		var ref string
		var distance float64
		if err := rows.Scan(&ref, &distance); err != nil {
			return nil, err
		}
		docID, chunkIndex, ok := parseChunkRef(ref)
		if !ok {
			continue
		}
		hits = append(hits, semanticHit{
			documentID: docID,
			chunkIndex: chunkIndex,
			similarity: 1.0 - distance,
		})
	}
	return hits, rows.Err()
}

// mergeHits combines the arms. A chunk missing from one arm scores zero on
// that side, so the combined score is always at least each weighted
// component.
func (ix *Index) mergeHits(ctx context.Context, exactHits []exactHit, semanticHits []semanticHit, opts *SearchOptions) []SearchResult {
	type key struct {
		docID string
		chunk int
	}

	exactMap := make(map[key]exactHit, len(exactHits))
	var maxBM25 float64
	for _, h := range exactHits {
		exactMap[key{h.documentID, h.chunkIndex}] = h
		if h.bm25 > maxBM25 {
			maxBM25 = h.bm25
		}
	}
	semanticMap := make(map[key]float64, len(semanticHits))
	for _, h := range semanticHits {
		semanticMap[key{h.documentID, h.chunkIndex}] = h.similarity
	}

	seen := make(map[key]bool, len(exactMap)+len(semanticMap))
	for k := range exactMap {
		seen[k] = true
	}
	for k := range semanticMap {
		seen[k] = true
	}

	results := make([]SearchResult, 0, len(seen))
	for k := range seen {
		var exactNorm, semanticNorm float64
		var exactPtr, semanticPtr *float64

		if h, ok := exactMap[k]; ok && maxBM25 > 0 {
			exactNorm = h.bm25 / maxBM25
			exactPtr = &exactNorm
		}
		if sim, ok := semanticMap[k]; ok {
			// cosine similarity [-1, 1] mapped onto [0, 1]
			semanticNorm = (sim + 1) / 2
			semanticPtr = &semanticNorm
		}

		score := exactNorm*opts.ExactWeight + semanticNorm*opts.SemanticWeight
		if opts.MinScore > 0 && score < opts.MinScore {
			continue
		}

		r := SearchResult{
			DocumentID:    k.docID,
			ChunkIndex:    k.chunk,
			Score:         score,
			ExactScore:    exactPtr,
			SemanticScore: semanticPtr,
		}
		if h, ok := exactMap[k]; ok {
			r.Content = h.content
			r.Title = h.title
			r.FilePath = h.filePath
		} else if err := ix.fillChunkDetails(ctx, &r); err != nil {
			ix.logger.Warn().Err(err).Str("document", k.docID).Int("chunk", k.chunk).
				Msg("Failed to fetch chunk details")
			continue
		}
		results = append(results, r)
	}

	// Score descending, then path and chunk ascending for stable output.
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].FilePath != results[j].FilePath {
			return results[i].FilePath < results[j].FilePath
		}
		return results[i].ChunkIndex < results[j].ChunkIndex
	})

	return results
}

// fillChunkDetails loads content and file metadata for semantic-only hits.
// Stale and failed documents are filtered here too.
func (ix *Index) fillChunkDetails(ctx context.Context, r *SearchResult) error {
	return ix.db.SQL().QueryRowContext(ctx, `
		SELECT e.chunk_text, d.title, d.file_path
		FROM document_embeddings e
		JOIN document_index d ON d.id = e.document_id
		WHERE e.document_id = ? AND e.chunk_index = ? AND d.sync_status = 'synced'`,
		r.DocumentID, r.ChunkIndex).
		Scan(&r.Content, &r.Title, &r.FilePath)
}

func parseChunkRef(ref string) (string, int, bool) {
	i := strings.LastIndex(ref, "#")
	if i < 0 {
		return "", 0, false
	}
	idx, err := strconv.Atoi(ref[i+1:])
	if err != nil {
		return "", 0, false
	}
	return ref[:i], idx, true
}
