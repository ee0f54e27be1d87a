package docindex

import "time"

// SyncStatus tracks where a document sits in the indexing lifecycle.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncActive  SyncStatus = "syncing"
	SyncDone    SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
	// SyncStale marks documents whose source file disappeared. Rows are kept
	// for audit continuity and excluded from search.
	SyncStale SyncStatus = "stale"
)

// Document is one indexed source file.
type Document struct {
	ID             string     `json:"id"`
	FilePath       string     `json:"file_path"`
	Title          string     `json:"title"`
	DocumentType   string     `json:"document_type"`
	ContentHash    string     `json:"content_hash"`
	ChunkCount     int        `json:"chunk_count"`
	EmbeddingModel string     `json:"embedding_model"`
	SyncStatus     SyncStatus `json:"sync_status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// SyncResult reports the outcome of a single document sync.
type SyncResult struct {
	DocumentID string `json:"document_id"`
	FilePath   string `json:"file_path"`
	Indexed    bool   `json:"indexed"` // false when the hash matched and nothing changed
	ChunkCount int    `json:"chunk_count"`
	AuditID    string `json:"audit_id,omitempty"`
}

// SearchOptions configures hybrid search behavior.
type SearchOptions struct {
	Limit          int     `json:"limit"`
	ExactWeight    float64 `json:"exact_weight"`
	SemanticWeight float64 `json:"semantic_weight"`
	MinScore       float64 `json:"min_score"`
}

// DefaultSearchOptions returns the standard weighting: semantic similarity
// dominates, exact term hits boost.
func DefaultSearchOptions() *SearchOptions {
	return &SearchOptions{
		Limit:          20,
		ExactWeight:    0.3,
		SemanticWeight: 0.7,
	}
}

// SearchResult is one scored chunk. ExactScore and SemanticScore are nil when
// the corresponding arm did not match the chunk.
type SearchResult struct {
	DocumentID    string   `json:"document_id"`
	FilePath      string   `json:"file_path"`
	Title         string   `json:"title"`
	ChunkIndex    int      `json:"chunk_index"`
	Content       string   `json:"content"`
	Score         float64  `json:"score"`
	ExactScore    *float64 `json:"exact_score,omitempty"`
	SemanticScore *float64 `json:"semantic_score,omitempty"`
}

// SearchResponse carries results plus a degradation marker set when one
// search arm was unavailable.
type SearchResponse struct {
	Results  []SearchResult `json:"results"`
	Degraded bool           `json:"degraded"`
}

// IndexStatus summarizes the index for status reporting.
type IndexStatus struct {
	TotalDocuments int `json:"total_documents"`
	InFlightCount  int `json:"in_flight_count"`
	TotalChunks    int `json:"total_chunks"`
	FailedCount    int `json:"failed_count"`
	StaleCount     int `json:"stale_count"`
}
