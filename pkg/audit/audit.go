// Package audit records every mutation across the session, memory, and
// document stores. Records are write-once: there is no update or delete path.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/abathur/memstore/internal/observability"
	"github.com/abathur/memstore/pkg/storage"
)

// Entity kinds referenced by audit records.
const (
	EntitySession  = "session"
	EntityMemory   = "memory"
	EntityDocument = "document"
	EntityTask     = "task"
	EntityAgent    = "agent"
)

// Record is one immutable audit row.
type Record struct {
	ID         string    `json:"id"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id"`
	Operation  string    `json:"operation"`
	Actor      string    `json:"actor"`
	CreatedAt  time.Time `json:"created_at"`
}

// Filter selects records by entity reference and/or time range.
type Filter struct {
	EntityKind string
	EntityID   string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// Recorder writes and queries the audit trail.
type Recorder struct {
	db     *storage.DB
	logger zerolog.Logger
}

// NewRecorder creates a Recorder over the shared datastore.
func NewRecorder(db *storage.DB, logger zerolog.Logger) *Recorder {
	return &Recorder{db: db, logger: logger}
}

// RecordTx appends one audit record inside the caller's transaction so the
// record commits or rolls back with the mutation it describes. The record id
// is returned for the caller to surface.
func (r *Recorder) RecordTx(ctx context.Context, tx *sql.Tx, entityKind, entityID, operation, actor string) (string, error) {
	id := uuid.New().String()
	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit_log (id, entity_kind, entity_id, operation, actor, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, entityKind, entityID, operation, actor, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("insert audit record: %w", err)
	}
	observability.RecordAuditWrite()
	return id, nil
}

// Query returns records matching the filter, oldest first.
func (r *Recorder) Query(ctx context.Context, f Filter) ([]Record, error) {
	where := []string{"1=1"}
	var args []interface{}

	if f.EntityKind != "" {
		where = append(where, "entity_kind = ?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, f.Until.UnixMilli())
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(
		`SELECT id, entity_kind, entity_id, operation, actor, created_at
		 FROM audit_log WHERE %s ORDER BY created_at ASC, id ASC LIMIT ?`,
		strings.Join(where, " AND "))

	rows, err := r.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.WrapError("audit.query", f.EntityKind, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.EntityKind, &rec.EntityID, &rec.Operation, &rec.Actor, &createdAt); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}
