package docindex

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/abathur/memstore/pkg/storage"
)

const (
	defaultDebounce = 500 * time.Millisecond
	defaultWorkers  = 4
	syncJobTimeout  = 2 * time.Minute
)

// job is one unit of watcher work. removed selects MarkStale over sync.
type job struct {
	path    string
	removed bool
}

// Watcher feeds filesystem changes into the index. Events are debounced per
// path so an editor save burst produces one sync, and syncs run on a bounded
// worker pool so a large directory drop cannot fan out unbounded.
type Watcher struct {
	index    *Index
	fs       *fsnotify.Watcher
	logger   zerolog.Logger
	debounce time.Duration

	jobs   chan job
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	timers  map[string]*time.Timer
	pending sync.WaitGroup // armed debounce timers not yet fired or cancelled
	closed  bool
}

// NewWatcher starts the event loop and worker pool.
func NewWatcher(index *Index, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		index:    index,
		fs:       fsw,
		logger:   logger,
		debounce: defaultDebounce,
		jobs:     make(chan job, 64),
		stopCh:   make(chan struct{}),
		timers:   make(map[string]*time.Timer),
	}

	for i := 0; i < defaultWorkers; i++ {
		w.wg.Add(1)
		go w.worker()
	}
	go w.run()

	return w, nil
}

// Watch adds a directory to the watch set.
func (w *Watcher) Watch(path string) error {
	return w.fs.Add(path)
}

// Stop shuts the watcher down. Queued and in-flight syncs finish before Stop
// returns; pending debounce timers are cancelled. A timer callback that is
// already executing is waited out before the job channel closes, so it can
// never send on a closed channel.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, t := range w.timers {
		if t.Stop() {
			w.pending.Done()
		}
	}
	w.mu.Unlock()

	w.pending.Wait()
	close(w.stopCh)
	err := w.fs.Close()
	close(w.jobs)
	w.wg.Wait()
	return err
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(strings.ToLower(event.Name), ".md") {
				continue
			}

			switch {
			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				w.schedule(event.Name, true)
			case event.Has(fsnotify.Write) || event.Has(fsnotify.Create):
				w.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("File change detected")
				w.schedule(event.Name, false)
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("File watcher error")

		case <-w.stopCh:
			return
		}
	}
}

// schedule arms the per-path debounce timer. A later event within the quiet
// period resets it.
func (w *Watcher) schedule(path string, removed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	if t, ok := w.timers[path]; ok {
		if t.Stop() {
			w.pending.Done()
		}
	}
	w.pending.Add(1)
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		defer w.pending.Done()

		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return
		}
		delete(w.timers, path)
		w.mu.Unlock()

		select {
		case w.jobs <- job{path: path, removed: removed}:
		default:
			w.logger.Warn().Str("path", path).Msg("Sync queue full, dropping event")
		}
	})
}

func (w *Watcher) worker() {
	defer w.wg.Done()
	for j := range w.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), syncJobTimeout)
		var err error
		if j.removed {
			err = w.index.MarkStale(ctx, j.path)
			if storage.IsNotFound(err) {
				err = nil
			}
		} else {
			_, err = w.index.SyncDocument(ctx, j.path)
		}
		cancel()
		if err != nil {
			w.logger.Warn().Err(err).Str("path", j.path).Msg("Watcher sync failed")
		}
	}
}
