package docindex

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/abathur/memstore/internal/observability"
	"github.com/abathur/memstore/internal/tracing"
	"github.com/abathur/memstore/pkg/audit"
	"github.com/abathur/memstore/pkg/embedding"
	"github.com/abathur/memstore/pkg/storage"
)

// embedRetries bounds provider retry attempts during indexing. Search never
// retries; it degrades instead.
const embedRetries = 3

// embedBackoff is the initial delay between embedding retries, doubled per
// attempt.
const embedBackoff = 200 * time.Millisecond

// Index owns the document indexing pipeline and hybrid search.
type Index struct {
	db       *storage.DB
	audit    *audit.Recorder
	provider embedding.Provider
	chunker  Chunker
	model    string
	logger   zerolog.Logger
}

// Config holds Index dependencies. Provider may be nil; the index then runs
// exact-only and every search reports Degraded.
type Config struct {
	DB       *storage.DB
	Audit    *audit.Recorder
	Provider embedding.Provider
	Chunker  Chunker
	Model    string
	Logger   zerolog.Logger
}

// NewIndex creates the document index.
func NewIndex(cfg Config) (*Index, error) {
	observability.EnsureRegistered()

	if cfg.DB == nil {
		return nil, errors.New("docindex: database is required")
	}
	if cfg.Audit == nil {
		return nil, errors.New("docindex: audit recorder is required")
	}
	if cfg.Chunker.MaxSize == 0 {
		cfg.Chunker = DefaultChunker()
	}
	if cfg.Provider != nil {
		if want := cfg.DB.VectorDim(); want > 0 && cfg.Provider.Dimension() != want {
			return nil, fmt.Errorf("docindex: provider dimension %d does not match vector table dimension %d",
				cfg.Provider.Dimension(), want)
		}
	}

	return &Index{
		db:       cfg.DB,
		audit:    cfg.Audit,
		provider: cfg.Provider,
		chunker:  cfg.Chunker,
		model:    cfg.Model,
		logger:   cfg.Logger,
	}, nil
}

// SyncDocument ingests one file identified by its logical path. The caller
// passes the path used as the stable document key plus the file's location on
// disk (often the same string). An unchanged content hash short-circuits
// without touching the database.
func (ix *Index) SyncDocument(ctx context.Context, path string) (*SyncResult, error) {
	ctx, span := tracing.StartSpan(ctx, "docindex.sync",
		attribute.String("path", path))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, ix.logger)
	start := time.Now()

	content, err := os.ReadFile(path)
	if err != nil {
		observability.RecordDocumentSync("failed", time.Since(start))
		if os.IsNotExist(err) {
			return nil, &storage.Error{Kind: storage.KindNotFound, Op: "docindex.sync", Entity: docRef(path), Err: err}
		}
		return nil, storage.WrapError("docindex.sync", docRef(path), err)
	}
	return ix.syncContent(ctx, span, logger, path, content, start)
}

// SyncContent ingests in-memory content under a logical path, for callers
// that do not read from disk.
func (ix *Index) SyncContent(ctx context.Context, path string, content []byte) (*SyncResult, error) {
	ctx, span := tracing.StartSpan(ctx, "docindex.sync",
		attribute.String("path", path))
	defer span.End()
	return ix.syncContent(ctx, span, tracing.LoggerFromContext(ctx, ix.logger), path, content, time.Now())
}

func (ix *Index) syncContent(ctx context.Context, span trace.Span, logger zerolog.Logger, path string, content []byte, start time.Time) (*SyncResult, error) {
	hash := sha256.Sum256(content)
	contentHash := hex.EncodeToString(hash[:])

	// Idempotence check. Same hash and a settled status means nothing to do.
	var docID, existingHash string
	var status SyncStatus
	err := ix.db.SQL().QueryRowContext(ctx,
		`SELECT id, content_hash, sync_status FROM document_index WHERE file_path = ?`, path).
		Scan(&docID, &existingHash, &status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		docID, err = gonanoid.New()
		if err != nil {
			return nil, storage.WrapError("docindex.sync", docRef(path), err)
		}
	case err != nil:
		observability.RecordDocumentSync("failed", time.Since(start))
		return nil, storage.WrapError("docindex.sync", docRef(path), err)
	case existingHash == contentHash && status == SyncDone:
		observability.RecordDocumentSync("skipped", time.Since(start))
		logger.Debug().Str("path", path).Msg("Document unchanged, skipping")
		var chunkCount int
		ix.db.SQL().QueryRowContext(ctx,
			`SELECT chunk_count FROM document_index WHERE id = ?`, docID).Scan(&chunkCount)
		return &SyncResult{DocumentID: docID, FilePath: path, Indexed: false, ChunkCount: chunkCount}, nil
	}

	chunks := ix.chunker.Split(string(content))
	title := titleOf(string(content))

	// Embeddings happen before the write transaction opens. A slow provider
	// must not hold a database lock. The row is flagged syncing for the
	// duration so status reports show in-flight documents.
	var vectors [][]float32
	if ix.provider != nil && len(chunks) > 0 {
		ix.setSyncing(ctx, docID, path, title)
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.text
		}
		vectors, err = ix.embedWithRetry(ctx, texts)
		if err != nil {
			ix.markStatus(ctx, docID, path, contentHash, title, SyncFailed)
			observability.RecordDocumentSync("failed", time.Since(start))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, storage.WrapError("docindex.sync", docRef(path), err)
		}
		want := ix.db.VectorDim()
		for _, vec := range vectors {
			if verr := embedding.ValidateDimension(vec, want); verr != nil {
				ix.markStatus(ctx, docID, path, contentHash, title, SyncFailed)
				observability.RecordDocumentSync("failed", time.Since(start))
				span.SetStatus(codes.Error, "embedding dimension mismatch")
				return nil, storage.WrapError("docindex.sync", docRef(path), verr)
			}
		}
	}

	result := &SyncResult{DocumentID: docID, FilePath: path, Indexed: true, ChunkCount: len(chunks)}
	err = ix.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO document_index (id, file_path, title, document_type, content_hash, chunk_count, embedding_model, sync_status, created_at, updated_at)
			 VALUES (?, ?, ?, 'markdown', ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(file_path) DO UPDATE SET
			   title = excluded.title,
			   content_hash = excluded.content_hash,
			   chunk_count = excluded.chunk_count,
			   embedding_model = excluded.embedding_model,
			   sync_status = excluded.sync_status,
			   updated_at = excluded.updated_at`,
			docID, path, title, contentHash, len(chunks), ix.model, SyncDone, now, now); err != nil {
			return err
		}

		// Rewrite replaces every derived row for the document.
		if err := ix.deleteDerived(ctx, tx, docID); err != nil {
			return err
		}

		for i, c := range chunks {
			if ix.db.FTSEnabled() {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO documents_fts (document_id, chunk_index, title, content) VALUES (?, ?, ?, ?)`,
					docID, i, title, c.text); err != nil {
					return err
				}
			}
			if ix.provider == nil {
				continue
			}
			blob, err := sqlite_vec.SerializeFloat32(vectors[i])
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO document_embeddings (document_id, chunk_index, chunk_text, embedding, dimension, created_at)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				docID, i, c.text, blob, len(vectors[i]), now); err != nil {
				return err
			}
			// vec0 accepts a JSON array for the vector column
			vecJSON, err := json.Marshal(vectors[i])
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO chunk_vectors (chunk_ref, embedding) VALUES (?, ?)`,
				chunkRef(docID, i), string(vecJSON)); err != nil {
				return err
			}
		}

		result.AuditID, err = ix.audit.RecordTx(ctx, tx, audit.EntityDocument, docID, "sync", "")
		return err
	})
	if err != nil {
		observability.RecordDocumentSync("failed", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, storage.WrapError("docindex.sync", docRef(path), err)
	}

	observability.RecordDocumentSync("synced", time.Since(start))
	ix.updateSizeMetric(ctx)
	logger.Debug().Str("path", path).Int("chunks", len(chunks)).Msg("Document indexed")
	return result, nil
}

// MarkStale flags a document whose source file was removed. Index rows stay
// in place; stale documents drop out of search.
func (ix *Index) MarkStale(ctx context.Context, path string) error {
	err := ix.db.WithTx(ctx, func(tx *sql.Tx) error {
		var docID string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM document_index WHERE file_path = ?`, path).Scan(&docID)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.NewError(storage.KindNotFound, "docindex.mark_stale", docRef(path))
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE document_index SET sync_status = ?, updated_at = ? WHERE id = ?`,
			SyncStale, time.Now().UnixMilli(), docID); err != nil {
			return err
		}
		_, err = ix.audit.RecordTx(ctx, tx, audit.EntityDocument, docID, "mark_stale", "")
		return err
	})
	if err != nil {
		return storage.WrapError("docindex.mark_stale", docRef(path), err)
	}
	return nil
}

// Get returns the index row for a path.
func (ix *Index) Get(ctx context.Context, path string) (*Document, error) {
	var doc Document
	var createdAt, updatedAt int64
	err := ix.db.SQL().QueryRowContext(ctx,
		`SELECT id, file_path, title, document_type, content_hash, chunk_count, embedding_model, sync_status, created_at, updated_at
		 FROM document_index WHERE file_path = ?`, path).
		Scan(&doc.ID, &doc.FilePath, &doc.Title, &doc.DocumentType, &doc.ContentHash,
			&doc.ChunkCount, &doc.EmbeddingModel, &doc.SyncStatus, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NewError(storage.KindNotFound, "docindex.get", docRef(path))
	}
	if err != nil {
		return nil, storage.WrapError("docindex.get", docRef(path), err)
	}
	doc.CreatedAt = time.UnixMilli(createdAt).UTC()
	doc.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &doc, nil
}

// Status summarizes the index.
func (ix *Index) Status(ctx context.Context) (*IndexStatus, error) {
	var st IndexStatus
	row := ix.db.SQL().QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN sync_status IN (?, ?) THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(chunk_count), 0),
			COALESCE(SUM(CASE WHEN sync_status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN sync_status = ? THEN 1 ELSE 0 END), 0)
		FROM document_index`, SyncPending, SyncActive, SyncFailed, SyncStale)
	if err := row.Scan(&st.TotalDocuments, &st.InFlightCount, &st.TotalChunks, &st.FailedCount, &st.StaleCount); err != nil {
		return nil, storage.WrapError("docindex.status", "", err)
	}
	return &st, nil
}

// embedWithRetry calls the provider with exponential backoff. Only transient
// failures earn another attempt.
func (ix *Index) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	delay := embedBackoff
	for attempt := 0; attempt < embedRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		vectors, err := ix.provider.EmbedBatch(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if storage.IsValidation(err) {
			return nil, err
		}
		ix.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Embedding batch failed")
	}
	return nil, lastErr
}

// setSyncing flags a document as in flight while its embeddings are being
// generated. Best effort; the hash and chunk count only change once the
// write transaction commits.
func (ix *Index) setSyncing(ctx context.Context, docID, path, title string) {
	now := time.Now().UnixMilli()
	if _, err := ix.db.SQL().ExecContext(ctx,
		`INSERT INTO document_index (id, file_path, title, document_type, content_hash, chunk_count, embedding_model, sync_status, created_at, updated_at)
		 VALUES (?, ?, ?, 'markdown', '', 0, ?, ?, ?, ?)
		 ON CONFLICT(file_path) DO UPDATE SET
		   sync_status = excluded.sync_status,
		   updated_at = excluded.updated_at`,
		docID, path, title, ix.model, SyncActive, now, now); err != nil {
		ix.logger.Debug().Err(err).Str("path", path).Msg("Failed to flag document as syncing")
	}
}

// markStatus records a terminal status outside the main write path, keeping
// the row itself so operators can see the failure. Derived rows are cleared
// so a failed document never contributes partial chunks.
func (ix *Index) markStatus(ctx context.Context, docID, path, contentHash, title string, status SyncStatus) {
	err := ix.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO document_index (id, file_path, title, document_type, content_hash, chunk_count, embedding_model, sync_status, created_at, updated_at)
			 VALUES (?, ?, ?, 'markdown', ?, 0, ?, ?, ?, ?)
			 ON CONFLICT(file_path) DO UPDATE SET
			   sync_status = excluded.sync_status,
			   chunk_count = 0,
			   updated_at = excluded.updated_at`,
			docID, path, title, contentHash, ix.model, status, now, now); err != nil {
			return err
		}
		if err := ix.deleteDerived(ctx, tx, docID); err != nil {
			return err
		}
		_, err := ix.audit.RecordTx(ctx, tx, audit.EntityDocument, docID, "sync_"+string(status), "")
		return err
	})
	if err != nil {
		ix.logger.Error().Err(err).Str("path", path).Msg("Failed to record sync status")
	}
}

// deleteDerived clears every row derived from a document. Vector rows are
// deleted by exact chunk ref; vec0 tables only support point deletes on the
// primary key.
func (ix *Index) deleteDerived(ctx context.Context, tx *sql.Tx, docID string) error {
	var oldChunks []int
	rows, err := tx.QueryContext(ctx,
		`SELECT chunk_index FROM document_embeddings WHERE document_id = ?`, docID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			rows.Close()
			return err
		}
		oldChunks = append(oldChunks, idx)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM document_embeddings WHERE document_id = ?`, docID); err != nil {
		return err
	}
	if ix.db.FTSEnabled() {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM documents_fts WHERE document_id = ?`, docID); err != nil {
			return err
		}
	}
	if ix.db.VectorDim() > 0 {
		for _, idx := range oldChunks {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM chunk_vectors WHERE chunk_ref = ?`, chunkRef(docID, idx)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (ix *Index) updateSizeMetric(ctx context.Context) {
	var docs, chunks int
	if err := ix.db.SQL().QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(chunk_count), 0) FROM document_index WHERE sync_status = 'synced'`).
		Scan(&docs, &chunks); err == nil {
		observability.SetIndexSize(docs, chunks)
	}
}

func chunkRef(docID string, index int) string {
	return fmt.Sprintf("%s#%d", docID, index)
}

func docRef(path string) string {
	return "document " + path
}
