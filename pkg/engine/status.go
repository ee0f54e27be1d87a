package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/abathur/memstore/pkg/docindex"
	"github.com/abathur/memstore/pkg/storage"
)

// Status is the operator-facing snapshot of the datastore.
type Status struct {
	DBPath           string               `json:"db_path"`
	SessionsByStatus map[string]int       `json:"sessions_by_status"`
	MemoryEntries    int                  `json:"memory_entries"`
	MemoryVersions   int                  `json:"memory_versions"`
	Index            docindex.IndexStatus `json:"index"`
	AuditRecords     int                  `json:"audit_records"`
	LastCheckpoint   *time.Time           `json:"last_checkpoint,omitempty"`
}

// Status gathers counts across every table for reporting.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		DBPath:           e.db.Path(),
		SessionsByStatus: make(map[string]int),
	}

	rows, err := e.db.SQL().QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, storage.WrapError("engine.status", "", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, err
		}
		st.SessionsByStatus[status] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Entries count logical pairs with a live current version; versions count
	// every row ever written.
	if err := e.db.SQL().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memory_entries m
		WHERE m.version = (
			SELECT MAX(version) FROM memory_entries
			WHERE namespace = m.namespace AND key = m.key
		) AND m.is_deleted = 0`).Scan(&st.MemoryEntries); err != nil {
		return nil, storage.WrapError("engine.status", "", err)
	}
	if err := e.db.SQL().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_entries`).Scan(&st.MemoryVersions); err != nil {
		return nil, storage.WrapError("engine.status", "", err)
	}

	idx, err := e.docs.Status(ctx)
	if err != nil {
		return nil, err
	}
	st.Index = *idx

	if err := e.db.SQL().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_log`).Scan(&st.AuditRecords); err != nil {
		return nil, storage.WrapError("engine.status", "", err)
	}

	var checkpointedAt int64
	err = e.db.SQL().QueryRowContext(ctx,
		`SELECT checkpointed_at FROM checkpoints ORDER BY id DESC LIMIT 1`).Scan(&checkpointedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, storage.WrapError("engine.status", "", err)
	default:
		t := time.UnixMilli(checkpointedAt).UTC()
		st.LastCheckpoint = &t
	}

	return st, nil
}
