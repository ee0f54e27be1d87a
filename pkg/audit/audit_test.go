package audit

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abathur/memstore/pkg/storage"
)

func newTestRecorder(t *testing.T) (*Recorder, *storage.DB) {
	t.Helper()
	tmpDir := t.TempDir()
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)

	db, err := storage.Open(storage.Options{
		Path:   filepath.Join(tmpDir, "test.db"),
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Initialize(context.Background()))

	return NewRecorder(db, logger), db
}

func record(t *testing.T, r *Recorder, db *storage.DB, kind, entityID, op, actor string) string {
	t.Helper()
	var id string
	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		var err error
		id, err = r.RecordTx(context.Background(), tx, kind, entityID, op, actor)
		return err
	})
	require.NoError(t, err)
	// Keep created_at strictly increasing across records; the column has
	// millisecond resolution.
	time.Sleep(2 * time.Millisecond)
	return id
}

func TestRecordTxCommitsWithTransaction(t *testing.T) {
	r, db := newTestRecorder(t)
	ctx := context.Background()

	id := record(t, r, db, EntitySession, "s1", "create", "alice")
	assert.NotEmpty(t, id)

	// A rolled-back transaction takes its audit record with it.
	rollbackErr := db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := r.RecordTx(ctx, tx, EntitySession, "s2", "create", "alice")
		require.NoError(t, err)
		return assert.AnError
	})
	require.Error(t, rollbackErr)

	records, err := r.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "s1", records[0].EntityID)
}

func TestQueryFilters(t *testing.T) {
	r, db := newTestRecorder(t)
	ctx := context.Background()

	record(t, r, db, EntitySession, "s1", "create", "alice")
	record(t, r, db, EntitySession, "s1", "append_event", "alice")
	record(t, r, db, EntityMemory, "memory user:alice/theme", "add", "alice")

	t.Run("by entity kind", func(t *testing.T) {
		records, err := r.Query(ctx, Filter{EntityKind: EntityMemory})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "add", records[0].Operation)
	})

	t.Run("by entity id", func(t *testing.T) {
		records, err := r.Query(ctx, Filter{EntityKind: EntitySession, EntityID: "s1"})
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})

	t.Run("ordered oldest first", func(t *testing.T) {
		records, err := r.Query(ctx, Filter{EntityID: "s1"})
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "create", records[0].Operation)
		assert.Equal(t, "append_event", records[1].Operation)
	})

	t.Run("time range excludes the future", func(t *testing.T) {
		records, err := r.Query(ctx, Filter{Since: time.Now().Add(time.Hour)})
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("limit", func(t *testing.T) {
		records, err := r.Query(ctx, Filter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})
}
