package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

// Options configures the shared datastore.
type Options struct {
	// Path is the single backing database file.
	Path string
	// BusyTimeout bounds how long a writer waits for the write lock before
	// failing with a Busy error.
	BusyTimeout time.Duration
	// MaxConns bounds the connection pool. SQLite serializes writers
	// internally; extra connections serve concurrent readers under WAL.
	MaxConns int
	// CacheSizeKB bounds the per-connection page cache.
	CacheSizeKB int
	// VectorDim provisions the vec0 virtual table for chunk embeddings.
	// Zero disables vector search.
	VectorDim int
	Logger    zerolog.Logger
}

// DB wraps the shared single-file datastore behind a bounded pool. All
// components acquire connections through it; none hold a raw handle.
type DB struct {
	sql        *sql.DB
	path       string
	vectorDim  int
	ftsEnabled bool
	logger     zerolog.Logger
}

const (
	defaultBusyTimeout = 5 * time.Second
	defaultMaxConns    = 8
	defaultCacheSizeKB = 8000
)

// Open opens (or creates) the datastore and applies connection-scoped
// pragmas. Pragmas ride the DSN so every pooled connection gets them.
func Open(opts Options) (*DB, error) {
	if opts.Path == "" {
		return nil, NewError(KindValidation, "storage.open", "database path is required")
	}
	if opts.BusyTimeout == 0 {
		opts.BusyTimeout = defaultBusyTimeout
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = defaultMaxConns
	}
	if opts.CacheSizeKB <= 0 {
		opts.CacheSizeKB = defaultCacheSizeKB
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on&_synchronous=NORMAL&_cache_size=-%d",
		url.PathEscape(opts.Path), opts.BusyTimeout.Milliseconds(), opts.CacheSizeKB,
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(opts.MaxConns)
	db.SetMaxIdleConns(opts.MaxConns / 2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	// Periodic checkpointing: let SQLite fold the WAL back every ~1000 pages.
	if _, err := db.Exec("PRAGMA wal_autocheckpoint=1000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal_autocheckpoint: %w", err)
	}

	d := &DB{
		sql:       db,
		path:      opts.Path,
		vectorDim: opts.VectorDim,
		logger:    opts.Logger,
	}

	d.logger.Debug().Str("path", opts.Path).Int("max_conns", opts.MaxConns).Msg("Datastore opened")
	return d, nil
}

// SQL exposes the pooled handle for components built on this datastore.
func (d *DB) SQL() *sql.DB {
	return d.sql
}

// VectorDim reports the configured embedding dimensionality (0 = disabled).
func (d *DB) VectorDim() int {
	return d.vectorDim
}

// FTSEnabled reports whether the FTS5 module is compiled into the driver.
// mattn/go-sqlite3 only includes it under the sqlite_fts5 build tag; without
// it keyword search is unavailable and hybrid search runs semantic-only.
// Set during Initialize.
func (d *DB) FTSEnabled() bool {
	return d.ftsEnabled
}

// Path returns the backing file path.
func (d *DB) Path() string {
	return d.path
}

// WithTx runs fn inside a single transaction. Multi-statement mutations go
// through here so a failure mid-way leaves no partial state.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Close shuts down the pool.
func (d *DB) Close() error {
	d.logger.Debug().Msg("Closing datastore")
	return d.sql.Close()
}
