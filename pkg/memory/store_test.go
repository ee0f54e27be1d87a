package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abathur/memstore/pkg/audit"
	"github.com/abathur/memstore/pkg/storage"
)

func newTestStore(t *testing.T) (*Store, *storage.DB) {
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

	return NewStore(db, audit.NewRecorder(db, logger), logger), db
}

func TestAddAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	result, err := s.Add(ctx, "user:alice:preferences", "theme", json.RawMessage(`"dark"`), TypeSemantic, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Version)
	assert.NotEmpty(t, result.AuditID)

	entry, err := s.Get(ctx, "user:alice:preferences", "theme")
	require.NoError(t, err)
	assert.JSONEq(t, `"dark"`, string(entry.Value))
	assert.Equal(t, TypeSemantic, entry.Type)
	assert.Equal(t, int64(1), entry.Version)

	t.Run("add existing pair conflicts", func(t *testing.T) {
		_, err := s.Add(ctx, "user:alice:preferences", "theme", json.RawMessage(`"light"`), TypeSemantic, "alice")
		require.Error(t, err)
		assert.True(t, storage.IsConflict(err))
	})

	t.Run("invalid namespace", func(t *testing.T) {
		for _, ns := range []string{"", ":", "a::b", "a:"} {
			_, err := s.Add(ctx, ns, "k", json.RawMessage(`1`), TypeSemantic, "alice")
			assert.True(t, storage.IsValidation(err), "namespace %q", ns)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := s.Add(ctx, "user:bob", "k", json.RawMessage(`1`), Type("magical"), "bob")
		require.Error(t, err)
		assert.True(t, storage.IsValidation(err))
	})
}

func TestUpdateVersioning(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, "user:alice", "theme", json.RawMessage(`"dark"`), TypeSemantic, "alice")
	require.NoError(t, err)

	for i := 2; i <= 5; i++ {
		result, err := s.Update(ctx, "user:alice", "theme",
			json.RawMessage(fmt.Sprintf(`"v%d"`, i)), "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(i), result.Version)
	}

	// Current read returns the latest; every prior version stays readable.
	entry, err := s.Get(ctx, "user:alice", "theme")
	require.NoError(t, err)
	assert.Equal(t, int64(5), entry.Version)
	assert.JSONEq(t, `"v5"`, string(entry.Value))

	v3, err := s.GetVersion(ctx, "user:alice", "theme", 3)
	require.NoError(t, err)
	assert.JSONEq(t, `"v3"`, string(v3.Value))

	history, err := s.History(ctx, "user:alice", "theme")
	require.NoError(t, err)
	require.Len(t, history, 5)
	assert.Equal(t, int64(5), history[0].Version, "history is newest first")

	t.Run("update without prior version acts as add", func(t *testing.T) {
		result, err := s.Update(ctx, "user:alice", "fresh", json.RawMessage(`1`), "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(1), result.Version)
	})
}

func TestDeleteCurtain(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, "user:alice", "secret", json.RawMessage(`"hunter2"`), TypeSemantic, "alice")
	require.NoError(t, err)
	_, err = s.Update(ctx, "user:alice", "secret", json.RawMessage(`"hunter3"`), "alice")
	require.NoError(t, err)

	result, err := s.Delete(ctx, "user:alice", "secret", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Version, "delete writes a new tombstone version")

	// Current reads hit the curtain.
	_, err = s.Get(ctx, "user:alice", "secret")
	require.Error(t, err)
	assert.True(t, storage.IsNotFound(err))

	// Explicit versions stay readable behind it.
	v2, err := s.GetVersion(ctx, "user:alice", "secret", 2)
	require.NoError(t, err)
	assert.JSONEq(t, `"hunter3"`, string(v2.Value))
	assert.False(t, v2.IsDeleted)

	tombstone, err := s.GetVersion(ctx, "user:alice", "secret", 3)
	require.NoError(t, err)
	assert.True(t, tombstone.IsDeleted)

	t.Run("double delete", func(t *testing.T) {
		_, err := s.Delete(ctx, "user:alice", "secret", "alice")
		require.Error(t, err)
		assert.True(t, storage.IsNotFound(err))
	})

	t.Run("update after delete resumes versioning", func(t *testing.T) {
		result, err := s.Update(ctx, "user:alice", "secret", json.RawMessage(`"hunter4"`), "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(4), result.Version)

		entry, err := s.Get(ctx, "user:alice", "secret")
		require.NoError(t, err)
		assert.JSONEq(t, `"hunter4"`, string(entry.Value))
	})
}

func TestConcurrentUpdates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, "user:alice", "counter", json.RawMessage(`0`), TypeSemantic, "alice")
	require.NoError(t, err)

	const writers = 4
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Update(ctx, "user:alice", "counter",
				json.RawMessage(fmt.Sprintf(`%d`, i)), "writer")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "writer %d", i)
	}

	// Every writer landed a distinct version; none overwrote another.
	history, err := s.History(ctx, "user:alice", "counter")
	require.NoError(t, err)
	assert.Len(t, history, writers+1)
	seen := make(map[int64]bool)
	for _, e := range history {
		assert.False(t, seen[e.Version], "duplicate version %d", e.Version)
		seen[e.Version] = true
	}
}

func TestSearchNamespacePrefix(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	entries := map[string]string{
		"user:alice:preferences": "theme",
		"user:alice:projects":    "current",
		"user:alicedata":         "other", // shares the string prefix, not the segment prefix
		"user:bob:preferences":   "theme",
	}
	for ns, key := range entries {
		_, err := s.Add(ctx, ns, key, json.RawMessage(`"v"`), TypeSemantic, "test")
		require.NoError(t, err)
	}

	results, err := s.Search(ctx, SearchParams{NamespacePrefix: "user:alice"})
	require.NoError(t, err)
	require.Len(t, results, 2, "prefix match is segment-aware")
	for _, e := range results {
		assert.NotEqual(t, "user:alicedata", e.Namespace)
		assert.NotEqual(t, "user:bob:preferences", e.Namespace)
	}

	t.Run("exact namespace matches itself", func(t *testing.T) {
		results, err := s.Search(ctx, SearchParams{NamespacePrefix: "user:alicedata"})
		require.NoError(t, err)
		assert.Len(t, results, 1)
	})

	t.Run("type filter", func(t *testing.T) {
		_, err := s.Add(ctx, "user:alice:log", "e1", json.RawMessage(`"x"`), TypeEpisodic, "test")
		require.NoError(t, err)

		results, err := s.Search(ctx, SearchParams{NamespacePrefix: "user:alice", Type: TypeEpisodic})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, TypeEpisodic, results[0].Type)
	})

	t.Run("deleted entries excluded", func(t *testing.T) {
		_, err := s.Delete(ctx, "user:alice:projects", "current", "test")
		require.NoError(t, err)

		results, err := s.Search(ctx, SearchParams{NamespacePrefix: "user:alice:projects"})
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("only latest version surfaces", func(t *testing.T) {
		_, err := s.Update(ctx, "user:alice:preferences", "theme", json.RawMessage(`"light"`), "test")
		require.NoError(t, err)

		results, err := s.Search(ctx, SearchParams{NamespacePrefix: "user:alice:preferences"})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.JSONEq(t, `"light"`, string(results[0].Value))
	})
}
