package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Table DDL, grouped per logical step. Each step runs in its own
// transaction; a failure aborts startup with no partial schema.
var schemaSteps = []struct {
	name string
	ddl  string
}{
	{"sessions", `
		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			app_name      TEXT NOT NULL,
			user_id       TEXT NOT NULL,
			project_id    TEXT,
			status        TEXT NOT NULL DEFAULT 'created',
			state         TEXT NOT NULL DEFAULT '{}',
			metadata      TEXT NOT NULL DEFAULT '{}',
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL,
			terminated_at INTEGER,
			archived_at   INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_app_user ON sessions(app_name, user_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

		CREATE TABLE IF NOT EXISTS session_events (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			seq        INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			actor      TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL DEFAULT '{}',
			is_final   INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			UNIQUE (session_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_events_session ON session_events(session_id, seq);
	`},
	{"memory_entries", `
		CREATE TABLE IF NOT EXISTS memory_entries (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			namespace   TEXT NOT NULL,
			key         TEXT NOT NULL,
			value       TEXT NOT NULL,
			memory_type TEXT NOT NULL DEFAULT 'semantic',
			version     INTEGER NOT NULL,
			is_deleted  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL,
			created_by  TEXT NOT NULL DEFAULT '',
			updated_by  TEXT NOT NULL DEFAULT '',
			UNIQUE (namespace, key, version)
		);
		CREATE INDEX IF NOT EXISTS idx_memory_ns_key ON memory_entries(namespace, key, version DESC);
		CREATE INDEX IF NOT EXISTS idx_memory_ns_prefix ON memory_entries(namespace);
		CREATE INDEX IF NOT EXISTS idx_memory_type_updated ON memory_entries(memory_type, updated_at);
	`},
	{"document_index", `
		CREATE TABLE IF NOT EXISTS document_index (
			id              TEXT PRIMARY KEY,
			file_path       TEXT NOT NULL UNIQUE,
			title           TEXT NOT NULL DEFAULT '',
			document_type   TEXT NOT NULL DEFAULT 'markdown',
			content_hash    TEXT NOT NULL DEFAULT '',
			chunk_count     INTEGER NOT NULL DEFAULT 0,
			embedding_model TEXT NOT NULL DEFAULT '',
			sync_status     TEXT NOT NULL DEFAULT 'pending',
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_documents_status ON document_index(sync_status);
		CREATE INDEX IF NOT EXISTS idx_documents_hash ON document_index(content_hash);

		CREATE TABLE IF NOT EXISTS document_embeddings (
			document_id TEXT NOT NULL REFERENCES document_index(id) ON DELETE CASCADE,
			chunk_index INTEGER NOT NULL,
			chunk_text  TEXT NOT NULL,
			embedding   BLOB NOT NULL,
			dimension   INTEGER NOT NULL,
			created_at  INTEGER NOT NULL,
			PRIMARY KEY (document_id, chunk_index)
		);
	`},
	{"tasks_agents", `
		CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			session_id   TEXT REFERENCES sessions(id) ON DELETE SET NULL,
			description  TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL DEFAULT 'pending',
			created_at   INTEGER NOT NULL,
			completed_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id, status);

		CREATE TABLE IF NOT EXISTS agents (
			id            TEXT PRIMARY KEY,
			session_id    TEXT REFERENCES sessions(id) ON DELETE SET NULL,
			name          TEXT NOT NULL,
			role          TEXT NOT NULL DEFAULT '',
			registered_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_agents_session ON agents(session_id);
	`},
	{"audit_log", `
		CREATE TABLE IF NOT EXISTS audit_log (
			id          TEXT PRIMARY KEY,
			entity_kind TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			operation   TEXT NOT NULL,
			actor       TEXT NOT NULL DEFAULT '',
			created_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_kind, entity_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);
	`},
	{"checkpoints_metrics", `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			checkpointed_at INTEGER NOT NULL,
			wal_pages       INTEGER NOT NULL DEFAULT 0,
			moved_pages     INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS metrics (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			name        TEXT NOT NULL,
			value       REAL NOT NULL,
			recorded_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_metrics_name ON metrics(name, recorded_at);
	`},
}

// ftsDDL provisions the keyword search table. FTS5 is only compiled into
// mattn/go-sqlite3 under the sqlite_fts5 build tag, so this step is allowed
// to fail; the keyword arm then degrades the same way semantic search does
// without a provider.
const ftsDDL = `
	CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
		document_id UNINDEXED,
		chunk_index UNINDEXED,
		title,
		content,
		tokenize='porter unicode61'
	);
`

// Additive migrations for pre-existing databases. Duplicate-column errors
// mean the column already landed and are ignored.
var columnMigrations = []string{
	`ALTER TABLE sessions ADD COLUMN metadata TEXT NOT NULL DEFAULT '{}'`,
	`ALTER TABLE session_events ADD COLUMN is_final INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE document_index ADD COLUMN embedding_model TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE memory_entries ADD COLUMN created_by TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE memory_entries ADD COLUMN updated_by TEXT NOT NULL DEFAULT ''`,
}

// Initialize creates all tables and indexes, applies additive migrations,
// and provisions the vec0 table when a vector dimension is configured. Safe
// to invoke repeatedly; DDL failures are fatal at startup.
func (d *DB) Initialize(ctx context.Context) error {
	for _, step := range schemaSteps {
		err := d.WithTx(ctx, func(tx *sql.Tx) error {
			_, execErr := tx.ExecContext(ctx, step.ddl)
			return execErr
		})
		if err != nil {
			return fmt.Errorf("schema step %s: %w", step.name, err)
		}
	}

	if _, err := d.sql.ExecContext(ctx, ftsDDL); err != nil {
		if !strings.Contains(err.Error(), "no such module: fts5") {
			return fmt.Errorf("create fts table: %w", err)
		}
		d.ftsEnabled = false
		d.logger.Warn().Msg("FTS5 module unavailable, keyword search disabled; build with -tags sqlite_fts5 to enable it")
	} else {
		d.ftsEnabled = true
	}

	for _, mig := range columnMigrations {
		if _, err := d.sql.ExecContext(ctx, mig); err != nil {
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("migration %q: %w", mig, err)
		}
	}

	if d.vectorDim > 0 {
		vectorDDL := fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS chunk_vectors USING vec0(
				chunk_ref TEXT PRIMARY KEY,
				embedding float[%d] distance_metric=cosine
			);
		`, d.vectorDim)
		if _, err := d.sql.ExecContext(ctx, vectorDDL); err != nil {
			return fmt.Errorf("create vector table: %w", err)
		}
	}

	d.logger.Info().Int("vector_dim", d.vectorDim).Msg("Schema initialized")
	return nil
}
