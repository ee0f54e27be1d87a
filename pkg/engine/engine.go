// Package engine assembles the storage components into one service facade:
// schema lifecycle, session store, memory store, document index, audit trail,
// and the background collaborators (file watcher, retention sweeper, WAL
// checkpointer).
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/abathur/memstore/internal/observability"
	"github.com/abathur/memstore/internal/tracing"
	"github.com/abathur/memstore/pkg/audit"
	"github.com/abathur/memstore/pkg/docindex"
	"github.com/abathur/memstore/pkg/embedding"
	"github.com/abathur/memstore/pkg/memory"
	"github.com/abathur/memstore/pkg/session"
	"github.com/abathur/memstore/pkg/storage"
)

// Options configures the engine. Zero values fall back to component defaults.
type Options struct {
	DBPath         string
	VectorDim      int
	BusyTimeout    time.Duration
	MaxConns       int
	EmbeddingModel string

	// Provider overrides the embedding provider. When nil and OpenAIAPIKey is
	// set, an OpenAI provider is built; otherwise the engine runs exact-only.
	Provider     embedding.Provider
	OpenAIAPIKey string

	WatchDirs []string

	EpisodicTTL        time.Duration
	SweepSchedule      string
	CheckpointSchedule string

	ServiceName string
	Logger      zerolog.Logger
}

// Engine is the top-level facade over the storage components.
type Engine struct {
	db       *storage.DB
	audit    *audit.Recorder
	sessions *session.Store
	memory   *memory.Store
	docs     *docindex.Index
	watcher  *docindex.Watcher
	sweeper  *memory.Sweeper
	cron     *cron.Cron
	logger   zerolog.Logger
	opts     Options
}

// checkpointSchedule is the default WAL maintenance cadence.
const checkpointSchedule = "@every 15m"

// New opens the datastore, initializes the schema, and wires every component.
// Background collaborators stay idle until Start.
func New(opts Options) (*Engine, error) {
	observability.EnsureRegistered()

	serviceName := opts.ServiceName
	if serviceName == "" {
		serviceName = "memstore"
	}
	if err := tracing.InitOpenTelemetry(serviceName); err != nil {
		opts.Logger.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
	}

	provider := opts.Provider
	if provider == nil && opts.OpenAIAPIKey != "" {
		dim := opts.VectorDim
		if dim <= 0 {
			return nil, errors.New("engine: vector dimension is required with an embedding provider")
		}
		var err error
		provider, err = embedding.NewOpenAIProvider(opts.OpenAIAPIKey, opts.EmbeddingModel, dim)
		if err != nil {
			return nil, err
		}
	}

	vectorDim := 0
	if provider != nil {
		vectorDim = provider.Dimension()
	}

	db, err := storage.Open(storage.Options{
		Path:        opts.DBPath,
		BusyTimeout: opts.BusyTimeout,
		MaxConns:    opts.MaxConns,
		VectorDim:   vectorDim,
		Logger:      opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	if err := db.Initialize(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	recorder := audit.NewRecorder(db, opts.Logger)
	docs, err := docindex.NewIndex(docindex.Config{
		DB:       db,
		Audit:    recorder,
		Provider: provider,
		Model:    opts.EmbeddingModel,
		Logger:   opts.Logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	ttl := opts.EpisodicTTL
	if ttl <= 0 {
		ttl = memory.DefaultEpisodicTTL
	}
	schedule := opts.SweepSchedule
	if schedule == "" {
		schedule = memory.DefaultSweepSchedule
	}
	memStore := memory.NewStore(db, recorder, opts.Logger)

	e := &Engine{
		db:       db,
		audit:    recorder,
		sessions: session.NewStore(db, recorder, opts.Logger),
		memory:   memStore,
		docs:     docs,
		sweeper:  memory.NewSweeper(memStore, ttl, schedule, opts.Logger),
		logger:   opts.Logger,
		opts:     opts,
	}

	e.logger.Info().
		Str("db_path", opts.DBPath).
		Int("vector_dim", vectorDim).
		Msg("Engine initialized")
	return e, nil
}

// Start launches the file watcher, the retention sweeper, and the checkpoint
// schedule.
func (e *Engine) Start() error {
	if len(e.opts.WatchDirs) > 0 {
		w, err := docindex.NewWatcher(e.docs, e.logger)
		if err != nil {
			return err
		}
		for _, dir := range e.opts.WatchDirs {
			if err := w.Watch(dir); err != nil {
				w.Stop()
				return err
			}
		}
		e.watcher = w
	}

	if err := e.sweeper.Start(); err != nil {
		return err
	}

	schedule := e.opts.CheckpointSchedule
	if schedule == "" {
		schedule = checkpointSchedule
	}
	e.cron = cron.New()
	if _, err := e.cron.AddFunc(schedule, e.runCheckpoint); err != nil {
		return err
	}
	e.cron.Start()

	e.logger.Info().Msg("Engine started")
	return nil
}

// Close stops background work, checkpoints the WAL, and closes the datastore.
func (e *Engine) Close() error {
	if e.watcher != nil {
		if err := e.watcher.Stop(); err != nil {
			e.logger.Warn().Err(err).Msg("Watcher stop failed")
		}
	}
	e.sweeper.Stop()
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := e.db.Checkpoint(ctx); err != nil && !storage.IsBusy(err) {
		e.logger.Warn().Err(err).Msg("Final checkpoint failed")
	}

	e.logger.Info().Msg("Engine closed")
	return e.db.Close()
}

func (e *Engine) runCheckpoint() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	result, err := e.db.Checkpoint(ctx)
	if err != nil {
		if storage.IsBusy(err) {
			e.logger.Debug().Msg("Checkpoint skipped, writers active")
			return
		}
		e.logger.Warn().Err(err).Msg("Checkpoint failed")
		return
	}
	e.logger.Debug().Int("wal_pages", result.WalPages).Int("moved", result.MovedPages).
		Msg("WAL checkpoint completed")
}

// Session operations.

func (e *Engine) CreateSession(ctx context.Context, p session.CreateParams) (*session.Session, error) {
	return e.sessions.Create(ctx, p)
}

func (e *Engine) AppendEvent(ctx context.Context, p session.AppendEventParams) (*session.MutationResult, error) {
	return e.sessions.AppendEvent(ctx, p)
}

func (e *Engine) UpdateState(ctx context.Context, sessionID, key string, value json.RawMessage, actor string) (*session.MutationResult, error) {
	return e.sessions.UpdateState(ctx, sessionID, key, value, actor)
}

func (e *Engine) SetSessionStatus(ctx context.Context, sessionID string, next session.Status, actor string) (*session.MutationResult, error) {
	return e.sessions.SetStatus(ctx, sessionID, next, actor)
}

func (e *Engine) GetSession(ctx context.Context, sessionID string) (*session.Session, error) {
	return e.sessions.Get(ctx, sessionID)
}

func (e *Engine) Sessions() *session.Store { return e.sessions }

// Memory operations.

func (e *Engine) AddMemory(ctx context.Context, namespace, key string, value json.RawMessage, memType memory.Type, actor string) (*memory.WriteResult, error) {
	return e.memory.Add(ctx, namespace, key, value, memType, actor)
}

func (e *Engine) UpdateMemory(ctx context.Context, namespace, key string, value json.RawMessage, actor string) (*memory.WriteResult, error) {
	return e.memory.Update(ctx, namespace, key, value, actor)
}

func (e *Engine) GetMemory(ctx context.Context, namespace, key string) (*memory.Entry, error) {
	return e.memory.Get(ctx, namespace, key)
}

func (e *Engine) DeleteMemory(ctx context.Context, namespace, key, actor string) (*memory.WriteResult, error) {
	return e.memory.Delete(ctx, namespace, key, actor)
}

func (e *Engine) SearchMemories(ctx context.Context, p memory.SearchParams) ([]memory.Entry, error) {
	return e.memory.Search(ctx, p)
}

func (e *Engine) SweepExpiredEpisodic(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		ttl = memory.DefaultEpisodicTTL
	}
	return e.memory.SweepExpiredEpisodic(ctx, ttl)
}

func (e *Engine) Memory() *memory.Store { return e.memory }

// Document operations.

func (e *Engine) SyncDocument(ctx context.Context, path string) (*docindex.SyncResult, error) {
	return e.docs.SyncDocument(ctx, path)
}

func (e *Engine) HybridSearch(ctx context.Context, query string, opts *docindex.SearchOptions) (*docindex.SearchResponse, error) {
	return e.docs.HybridSearch(ctx, query, opts)
}

func (e *Engine) Documents() *docindex.Index { return e.docs }

// Audit and maintenance.

func (e *Engine) AuditQuery(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	return e.audit.Query(ctx, f)
}

func (e *Engine) ValidateIntegrity(ctx context.Context) ([]storage.Violation, error) {
	return e.db.ValidateIntegrity(ctx)
}

func (e *Engine) Checkpoint(ctx context.Context) (*storage.CheckpointResult, error) {
	return e.db.Checkpoint(ctx)
}

func (e *Engine) DB() *storage.DB { return e.db }
