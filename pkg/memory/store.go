package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/abathur/memstore/internal/jsonval"
	"github.com/abathur/memstore/internal/observability"
	"github.com/abathur/memstore/internal/tracing"
	"github.com/abathur/memstore/pkg/audit"
	"github.com/abathur/memstore/pkg/storage"
)

// conflictRetries bounds how often a writer losing the version race retries
// with a freshly read max version.
const conflictRetries = 5

// Store is the hierarchical, versioned key/value memory store. Updates
// never overwrite: every logical change inserts a new version row, and the
// UNIQUE(namespace, key, version) constraint settles concurrent writers.
type Store struct {
	db     *storage.DB
	audit  *audit.Recorder
	logger zerolog.Logger
}

// NewStore creates a memory store on the shared datastore.
func NewStore(db *storage.DB, recorder *audit.Recorder, logger zerolog.Logger) *Store {
	observability.EnsureRegistered()
	return &Store{db: db, audit: recorder, logger: logger}
}

// Add writes version 1 of a new (namespace, key) pair. Fails with Conflict
// if the pair already exists; use Update for subsequent versions.
func (s *Store) Add(ctx context.Context, namespace, key string, value json.RawMessage, memType Type, actor string) (*WriteResult, error) {
	ctx, span := tracing.StartSpan(ctx, "memory.add",
		attribute.String("namespace", namespace),
		attribute.String("key", key))
	defer span.End()
	start := time.Now()

	if err := s.validateWrite(namespace, key, value, memType, "memory.add"); err != nil {
		return nil, err
	}

	result := &WriteResult{Namespace: namespace, Key: key, Version: 1}
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memory_entries (namespace, key, value, memory_type, version, is_deleted, created_at, updated_at, created_by, updated_by)
			 VALUES (?, ?, ?, ?, 1, 0, ?, ?, ?, ?)`,
			namespace, key, string(value), memType, now, now, actor, actor); err != nil {
			return err
		}
		var err error
		result.AuditID, err = s.audit.RecordTx(ctx, tx, audit.EntityMemory, entryRef(namespace, key), "add", actor)
		return err
	})
	observability.RecordMemoryWrite("add", time.Since(start), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		wrapped := storage.WrapError("memory.add", entryRef(namespace, key), err)
		if wrapped.Kind == storage.KindConflict {
			wrapped.Constraint = "memory_entries(namespace,key,version)"
		}
		return nil, wrapped
	}
	s.updateVersionMetric(ctx)
	return result, nil
}

// Update inserts version max+1 for an existing pair, or behaves as Add when
// no prior version exists. A concurrent writer that loses the race on the
// uniqueness constraint retries with a freshly read max version, bounded.
func (s *Store) Update(ctx context.Context, namespace, key string, value json.RawMessage, actor string) (*WriteResult, error) {
	ctx, span := tracing.StartSpan(ctx, "memory.update",
		attribute.String("namespace", namespace),
		attribute.String("key", key))
	defer span.End()
	start := time.Now()

	if !validNamespace(namespace) || key == "" {
		return nil, storage.NewError(storage.KindValidation, "memory.update", entryRef(namespace, key))
	}
	if err := jsonval.ValidateValue(value); err != nil {
		return nil, &storage.Error{Kind: storage.KindValidation, Op: "memory.update", Entity: entryRef(namespace, key), Err: err}
	}

	var lastErr error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		result := &WriteResult{Namespace: namespace, Key: key}
		err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
			var maxVersion int64
			var memType Type
			var createdAt int64
			var createdBy string
			err := tx.QueryRowContext(ctx,
				`SELECT version, memory_type, created_at, created_by FROM memory_entries
				 WHERE namespace = ? AND key = ?
				 ORDER BY version DESC LIMIT 1`, namespace, key).
				Scan(&maxVersion, &memType, &createdAt, &createdBy)
			if errors.Is(err, sql.ErrNoRows) {
				// First write for this pair.
				maxVersion = 0
				memType = TypeSemantic
				createdAt = time.Now().UnixMilli()
				createdBy = actor
			} else if err != nil {
				return err
			}

			result.Version = maxVersion + 1
			now := time.Now().UnixMilli()
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO memory_entries (namespace, key, value, memory_type, version, is_deleted, created_at, updated_at, created_by, updated_by)
				 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
				namespace, key, string(value), memType, result.Version, createdAt, now, createdBy, actor); err != nil {
				return err
			}
			result.AuditID, err = s.audit.RecordTx(ctx, tx, audit.EntityMemory, entryRef(namespace, key), "update", actor)
			return err
		})
		if err == nil {
			observability.RecordMemoryWrite("update", time.Since(start), true)
			s.updateVersionMetric(ctx)
			return result, nil
		}
		lastErr = err
		if !storage.IsRetryable(err) {
			break
		}
		s.logger.Debug().
			Str("namespace", namespace).
			Str("key", key).
			Int("attempt", attempt+1).
			Msg("Version race lost, retrying with fresh max version")
	}

	observability.RecordMemoryWrite("update", time.Since(start), false)
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return nil, storage.WrapError("memory.update", entryRef(namespace, key), lastErr)
}

// Get returns the current value: the highest version row that is not
// deleted. If the highest version is a delete marker the key resolves to
// absent, regardless of older live versions.
func (s *Store) Get(ctx context.Context, namespace, key string) (*Entry, error) {
	row := s.db.SQL().QueryRowContext(ctx,
		`SELECT namespace, key, value, memory_type, version, is_deleted, created_at, updated_at, created_by, updated_by
		 FROM memory_entries WHERE namespace = ? AND key = ?
		 ORDER BY version DESC LIMIT 1`, namespace, key)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NewError(storage.KindNotFound, "memory.get", entryRef(namespace, key))
	}
	if err != nil {
		return nil, storage.WrapError("memory.get", entryRef(namespace, key), err)
	}
	if entry.IsDeleted {
		// Deletion is a forward-only curtain; callers wanting history must
		// ask for an explicit version.
		return nil, storage.NewError(storage.KindNotFound, "memory.get", entryRef(namespace, key))
	}
	return entry, nil
}

// GetVersion returns an exact historical row, deletion marker or not.
// History stays inspectable for audit and rollback.
func (s *Store) GetVersion(ctx context.Context, namespace, key string, version int64) (*Entry, error) {
	row := s.db.SQL().QueryRowContext(ctx,
		`SELECT namespace, key, value, memory_type, version, is_deleted, created_at, updated_at, created_by, updated_by
		 FROM memory_entries WHERE namespace = ? AND key = ? AND version = ?`,
		namespace, key, version)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NewError(storage.KindNotFound, "memory.get",
			fmt.Sprintf("%s v%d", entryRef(namespace, key), version))
	}
	if err != nil {
		return nil, storage.WrapError("memory.get", entryRef(namespace, key), err)
	}
	return entry, nil
}

// History lists all version rows for a pair, newest first.
func (s *Store) History(ctx context.Context, namespace, key string) ([]Entry, error) {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT namespace, key, value, memory_type, version, is_deleted, created_at, updated_at, created_by, updated_by
		 FROM memory_entries WHERE namespace = ? AND key = ?
		 ORDER BY version DESC`, namespace, key)
	if err != nil {
		return nil, storage.WrapError("memory.history", entryRef(namespace, key), err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// Delete soft-deletes by inserting a tombstone version. Prior versions stay
// queryable via GetVersion and History.
func (s *Store) Delete(ctx context.Context, namespace, key, actor string) (*WriteResult, error) {
	ctx, span := tracing.StartSpan(ctx, "memory.delete",
		attribute.String("namespace", namespace),
		attribute.String("key", key))
	defer span.End()
	start := time.Now()

	result := &WriteResult{Namespace: namespace, Key: key}
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		version, err := insertTombstone(ctx, tx, namespace, key, actor, "memory.delete")
		if err != nil {
			return err
		}
		result.Version = version
		result.AuditID, err = s.audit.RecordTx(ctx, tx, audit.EntityMemory, entryRef(namespace, key), "delete", actor)
		return err
	})
	observability.RecordMemoryWrite("delete", time.Since(start), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, storage.WrapError("memory.delete", entryRef(namespace, key), err)
	}
	s.updateVersionMetric(ctx)
	return result, nil
}

// Search returns current, non-deleted entries whose namespace equals the
// prefix or sits below it in the hierarchy, ordered by recency. This is a
// segment-aware prefix scan: "user:alice" matches "user:alice:pref" but
// never "user:alicex".
func (s *Store) Search(ctx context.Context, p SearchParams) ([]Entry, error) {
	ctx, span := tracing.StartSpan(ctx, "memory.search",
		attribute.String("prefix", p.NamespacePrefix))
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordMemorySearch(time.Since(start)) }()

	if !validNamespace(p.NamespacePrefix) {
		return nil, storage.NewError(storage.KindValidation, "memory.search", "namespace prefix "+p.NamespacePrefix)
	}
	if p.Type != "" && !p.Type.Valid() {
		return nil, storage.NewError(storage.KindValidation, "memory.search", "memory type "+string(p.Type))
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}

	where := []string{
		"m.is_deleted = 0",
		`(m.namespace = ? OR m.namespace LIKE ? ESCAPE '\')`,
	}
	args := []interface{}{p.NamespacePrefix, likeEscape(p.NamespacePrefix) + ":%"}
	if p.Type != "" {
		where = append(where, "m.memory_type = ?")
		args = append(args, p.Type)
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT m.namespace, m.key, m.value, m.memory_type, m.version, m.is_deleted,
		       m.created_at, m.updated_at, m.created_by, m.updated_by
		FROM memory_entries m
		INNER JOIN (
			SELECT namespace, key, MAX(version) AS max_ver
			FROM memory_entries
			GROUP BY namespace, key
		) latest ON m.namespace = latest.namespace AND m.key = latest.key AND m.version = latest.max_ver
		WHERE %s
		ORDER BY m.updated_at DESC, m.namespace ASC, m.key ASC
		LIMIT ?`, strings.Join(where, " AND "))

	rows, err := s.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.WrapError("memory.search", "prefix "+p.NamespacePrefix, err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *Store) validateWrite(namespace, key string, value json.RawMessage, memType Type, op string) error {
	if !validNamespace(namespace) {
		return &storage.Error{Kind: storage.KindValidation, Op: op, Entity: entryRef(namespace, key),
			Err: fmt.Errorf("namespace must be a colon-delimited path")}
	}
	if key == "" {
		return &storage.Error{Kind: storage.KindValidation, Op: op, Entity: entryRef(namespace, key),
			Err: fmt.Errorf("key is required")}
	}
	if !memType.Valid() {
		return &storage.Error{Kind: storage.KindValidation, Op: op, Entity: entryRef(namespace, key),
			Err: fmt.Errorf("unknown memory type %q", memType)}
	}
	if err := jsonval.ValidateValue(value); err != nil {
		return &storage.Error{Kind: storage.KindValidation, Op: op, Entity: entryRef(namespace, key), Err: err}
	}
	return nil
}

// insertTombstone appends a delete-marker version carrying the prior value.
func insertTombstone(ctx context.Context, tx *sql.Tx, namespace, key, actor, op string) (int64, error) {
	var maxVersion int64
	var value string
	var memType Type
	var isDeleted int
	var createdAt int64
	var createdBy string
	err := tx.QueryRowContext(ctx,
		`SELECT version, value, memory_type, is_deleted, created_at, created_by FROM memory_entries
		 WHERE namespace = ? AND key = ? ORDER BY version DESC LIMIT 1`,
		namespace, key).Scan(&maxVersion, &value, &memType, &isDeleted, &createdAt, &createdBy)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.NewError(storage.KindNotFound, op, entryRef(namespace, key))
	}
	if err != nil {
		return 0, err
	}
	if isDeleted != 0 {
		return 0, storage.NewError(storage.KindNotFound, op, entryRef(namespace, key))
	}

	version := maxVersion + 1
	now := time.Now().UnixMilli()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO memory_entries (namespace, key, value, memory_type, version, is_deleted, created_at, updated_at, created_by, updated_by)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?)`,
		namespace, key, value, memType, version, createdAt, now, createdBy, actor)
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (s *Store) updateVersionMetric(ctx context.Context) {
	var count int
	if err := s.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_entries`).Scan(&count); err != nil {
		return
	}
	observability.SetMemoryVersions(count)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var value string
	var isDeleted int
	var createdAt, updatedAt int64
	err := row.Scan(&e.Namespace, &e.Key, &value, &e.Type, &e.Version, &isDeleted,
		&createdAt, &updatedAt, &e.CreatedBy, &e.UpdatedBy)
	if err != nil {
		return nil, err
	}
	e.Value = json.RawMessage(value)
	e.IsDeleted = isDeleted != 0
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	e.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &e, nil
}

func collectEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// likeEscape escapes LIKE wildcards in a literal prefix.
func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func entryRef(namespace, key string) string {
	return "memory " + namespace + "/" + key
}
