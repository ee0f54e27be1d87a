package docindex

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abathur/memstore/pkg/embedding"
)

func TestWatcherIndexesNewFile(t *testing.T) {
	ix, _ := newTestIndex(t, embedding.NewMockProvider(64), 64)

	w, err := NewWatcher(ix, ix.logger)
	require.NoError(t, err)
	defer w.Stop()

	dir := t.TempDir()
	require.NoError(t, w.Watch(dir))

	path := filepath.Join(dir, "watched.md")
	require.NoError(t, os.WriteFile(path, []byte("# Watched\n\nPicked up automatically.\n"), 0o644))

	require.Eventually(t, func() bool {
		doc, err := ix.Get(context.Background(), path)
		return err == nil && doc.SyncStatus == SyncDone
	}, 5*time.Second, 50*time.Millisecond, "watcher should index the new file")
}

func TestWatcherMarksRemovedFileStale(t *testing.T) {
	ix, _ := newTestIndex(t, embedding.NewMockProvider(64), 64)

	dir := t.TempDir()
	path := filepath.Join(dir, "doomed.md")
	require.NoError(t, os.WriteFile(path, []byte("# Doomed\n\nAbout to disappear.\n"), 0o644))

	_, err := ix.SyncDocument(context.Background(), path)
	require.NoError(t, err)

	w, err := NewWatcher(ix, ix.logger)
	require.NoError(t, err)
	defer w.Stop()
	require.NoError(t, w.Watch(dir))

	require.NoError(t, os.Remove(path))

	require.Eventually(t, func() bool {
		doc, err := ix.Get(context.Background(), path)
		return err == nil && doc.SyncStatus == SyncStale
	}, 5*time.Second, 50*time.Millisecond, "watcher should mark the removed file stale")
}

func TestWatcherIgnoresOtherExtensions(t *testing.T) {
	ix, _ := newTestIndex(t, nil, 0)

	w, err := NewWatcher(ix, ix.logger)
	require.NoError(t, err)
	defer w.Stop()

	dir := t.TempDir()
	require.NoError(t, w.Watch(dir))

	path := filepath.Join(dir, "data.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"k":"v"}`), 0o644))

	time.Sleep(2 * w.debounce)
	_, err = ix.Get(context.Background(), path)
	assert.Error(t, err)
}

// Stop racing a firing debounce timer must never send on the closed job
// channel. Zero debounce fires the callbacks immediately, keeping Stop and
// the sends in flight together.
func TestWatcherStopDuringDebounce(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 200; i++ {
		ix, _ := newTestIndex(t, nil, 0)

		w, err := NewWatcher(ix, ix.logger)
		require.NoError(t, err)
		w.debounce = 0

		done := make(chan struct{})
		go func() {
			defer close(done)
			for j := 0; j < 16; j++ {
				w.schedule(filepath.Join(dir, fmt.Sprintf("burst-%d.md", j)), j%2 == 0)
			}
		}()

		require.NoError(t, w.Stop())
		<-done
		assert.NoError(t, w.Stop())
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	ix, _ := newTestIndex(t, nil, 0)

	w, err := NewWatcher(ix, ix.logger)
	require.NoError(t, err)

	require.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}
