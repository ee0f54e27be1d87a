package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abathur/memstore/pkg/audit"
	"github.com/abathur/memstore/pkg/embedding"
	"github.com/abathur/memstore/pkg/memory"
	"github.com/abathur/memstore/pkg/session"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	tmpDir := t.TempDir()

	eng, err := New(Options{
		DBPath:   filepath.Join(tmpDir, "test.db"),
		Provider: embedding.NewMockProvider(64),
		Logger:   zerolog.New(os.Stdout).Level(zerolog.Disabled),
	})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestEngineScenario(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	// A session runs through its lifecycle while accumulating events.
	_, err := eng.CreateSession(ctx, session.CreateParams{
		ID:      "s1",
		AppName: "abathur",
		UserID:  "alice",
	})
	require.NoError(t, err)

	_, err = eng.SetSessionStatus(ctx, "s1", session.StatusActive, "alice")
	require.NoError(t, err)

	appended, err := eng.AppendEvent(ctx, session.AppendEventParams{
		SessionID:  "s1",
		Type:       "user_message",
		Actor:      "alice",
		Content:    json.RawMessage(`{"text":"remember my theme"}`),
		StateDelta: json.RawMessage(`{"topic":"preferences"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), appended.Seq)

	// The runtime stores a durable memory alongside.
	_, err = eng.AddMemory(ctx, "user:alice:preferences", "theme",
		json.RawMessage(`"dark"`), memory.TypeSemantic, "alice")
	require.NoError(t, err)

	entry, err := eng.GetMemory(ctx, "user:alice:preferences", "theme")
	require.NoError(t, err)
	assert.JSONEq(t, `"dark"`, string(entry.Value))

	// Documents flow through the index and become searchable.
	docPath := filepath.Join(t.TempDir(), "guide.md")
	require.NoError(t, os.WriteFile(docPath,
		[]byte("# Theme Guide\n\nDark themes reduce eye strain in low light.\n"), 0o644))

	syncResult, err := eng.SyncDocument(ctx, docPath)
	require.NoError(t, err)
	assert.True(t, syncResult.Indexed)

	searchResp, err := eng.HybridSearch(ctx, "dark themes", nil)
	require.NoError(t, err)
	assert.Equal(t, !eng.DB().FTSEnabled(), searchResp.Degraded,
		"search degrades exactly when fts5 is not compiled in")
	require.NotEmpty(t, searchResp.Results)

	// Every mutation so far left an audit trail.
	records, err := eng.AuditQuery(ctx, audit.Filter{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(records), 5)

	// Status reflects it all.
	st, err := eng.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.SessionsByStatus["active"])
	assert.Equal(t, 1, st.MemoryEntries)
	assert.Equal(t, 1, st.Index.TotalDocuments)

	// Maintenance paths work end to end.
	violations, err := eng.ValidateIntegrity(ctx)
	require.NoError(t, err)
	assert.Empty(t, violations)

	cpResult, err := eng.Checkpoint(ctx)
	require.NoError(t, err)
	assert.NotNil(t, cpResult)

	swept, err := eng.SweepExpiredEpisodic(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
}

func TestEngineStartStop(t *testing.T) {
	tmpDir := t.TempDir()

	eng, err := New(Options{
		DBPath:    filepath.Join(tmpDir, "test.db"),
		Provider:  embedding.NewMockProvider(32),
		WatchDirs: []string{tmpDir},
		Logger:    zerolog.New(os.Stdout).Level(zerolog.Disabled),
	})
	require.NoError(t, err)

	require.NoError(t, eng.Start())
	require.NoError(t, eng.Close())
}

func TestEngineWithoutProvider(t *testing.T) {
	tmpDir := t.TempDir()

	eng, err := New(Options{
		DBPath: filepath.Join(tmpDir, "test.db"),
		Logger: zerolog.New(os.Stdout).Level(zerolog.Disabled),
	})
	require.NoError(t, err)
	defer eng.Close()
	if !eng.DB().FTSEnabled() {
		t.Skip("fts5 not compiled in; no search arm left without a provider")
	}

	ctx := context.Background()
	docPath := filepath.Join(t.TempDir(), "plain.md")
	require.NoError(t, os.WriteFile(docPath, []byte("# Plain\n\nExact search only here.\n"), 0o644))

	_, err = eng.SyncDocument(ctx, docPath)
	require.NoError(t, err)

	resp, err := eng.HybridSearch(ctx, "exact search", nil)
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.NotEmpty(t, resp.Results)
}
