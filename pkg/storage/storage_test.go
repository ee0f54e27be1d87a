package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T, vectorDim int) *DB {
	t.Helper()
	tmpDir := t.TempDir()
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)

	db, err := Open(Options{
		Path:      filepath.Join(tmpDir, "test.db"),
		VectorDim: vectorDim,
		Logger:    logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Initialize(context.Background()))
	return db
}

func TestOpenAppliesPragmas(t *testing.T) {
	db := newTestDB(t, 0)

	var journalMode string
	require.NoError(t, db.SQL().QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var foreignKeys int
	require.NoError(t, db.SQL().QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	assert.Equal(t, 1, foreignKeys)

	var busyTimeout int
	require.NoError(t, db.SQL().QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Options{})
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestInitializeCreatesTables(t *testing.T) {
	db := newTestDB(t, 8)

	tables := []string{
		"sessions", "session_events", "memory_entries", "document_index",
		"document_embeddings", "tasks", "agents", "audit_log",
		"checkpoints", "metrics", "chunk_vectors",
	}
	for _, table := range tables {
		var name string
		err := db.SQL().QueryRow(
			`SELECT name FROM sqlite_master WHERE name = ?`, table).Scan(&name)
		assert.NoError(t, err, "table %s should exist", table)
	}

	// The keyword table exists exactly when the driver carries FTS5.
	var ftsCount int
	require.NoError(t, db.SQL().QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE name = 'documents_fts'`).Scan(&ftsCount))
	if db.FTSEnabled() {
		assert.Equal(t, 1, ftsCount)
	} else {
		assert.Equal(t, 0, ftsCount)
	}

	// Initialize is idempotent.
	require.NoError(t, db.Initialize(context.Background()))
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db := newTestDB(t, 0)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO metrics (name, value, recorded_at) VALUES ('x', 1, 0)`)
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, db.SQL().QueryRow(`SELECT COUNT(*) FROM metrics`).Scan(&count))
	assert.Equal(t, 0, count, "failed transaction must leave no rows")
}

func TestForeignKeysEnforced(t *testing.T) {
	db := newTestDB(t, 0)
	ctx := context.Background()

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO session_events (id, session_id, seq, event_type, created_at)
			 VALUES ('e1', 'no-such-session', 1, 'test', 0)`)
		return err
	})
	require.Error(t, err)
	assert.Equal(t, KindIntegrity, KindOf(err))
}

func TestCheckpoint(t *testing.T) {
	db := newTestDB(t, 0)
	ctx := context.Background()

	result, err := db.Checkpoint(ctx)
	require.NoError(t, err)
	require.NotNil(t, result)

	var count int
	require.NoError(t, db.SQL().QueryRow(`SELECT COUNT(*) FROM checkpoints`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestValidateIntegrityCleanDatabase(t *testing.T) {
	db := newTestDB(t, 0)

	violations, err := db.ValidateIntegrity(context.Background())
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestRecordMetric(t *testing.T) {
	db := newTestDB(t, 0)
	ctx := context.Background()

	require.NoError(t, db.RecordMetric(ctx, "sweep.count", 3))

	var value float64
	require.NoError(t, db.SQL().QueryRow(
		`SELECT value FROM metrics WHERE name = 'sweep.count'`).Scan(&value))
	assert.Equal(t, 3.0, value)
}

func TestErrorTaxonomy(t *testing.T) {
	t.Run("kind helpers", func(t *testing.T) {
		assert.True(t, IsNotFound(NewError(KindNotFound, "op", "e")))
		assert.True(t, IsConflict(NewError(KindConflict, "op", "e")))
		assert.True(t, IsValidation(NewError(KindValidation, "op", "e")))
		assert.False(t, IsNotFound(NewError(KindConflict, "op", "e")))
	})

	t.Run("wrapping preserves the inner kind", func(t *testing.T) {
		inner := NewError(KindBusy, "storage.checkpoint", "db")
		outer := WrapError("engine.close", "", fmt.Errorf("shutdown: %w", inner))
		assert.Equal(t, KindBusy, outer.Kind)
		assert.Equal(t, "engine.close", outer.Op)
	})

	t.Run("context deadline maps to timeout", func(t *testing.T) {
		assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	})

	t.Run("retryable kinds", func(t *testing.T) {
		assert.True(t, IsRetryable(NewError(KindBusy, "op", "")))
		assert.True(t, IsRetryable(NewError(KindConflict, "op", "")))
		assert.True(t, IsRetryable(NewError(KindTimeout, "op", "")))
		assert.False(t, IsRetryable(NewError(KindValidation, "op", "")))
		assert.False(t, IsRetryable(NewError(KindInvalidTransition, "op", "")))
	})

	t.Run("unknown errors are internal", func(t *testing.T) {
		assert.Equal(t, KindInternal, KindOf(errors.New("mystery")))
	})
}
