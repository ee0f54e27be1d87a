package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/abathur/memstore/internal/jsonval"
	"github.com/abathur/memstore/internal/observability"
	"github.com/abathur/memstore/internal/tracing"
	"github.com/abathur/memstore/pkg/audit"
	"github.com/abathur/memstore/pkg/storage"
)

// Store manages session lifecycle, event logs, and derived state on the
// shared datastore. Every mutation writes one audit record in the same
// transaction.
type Store struct {
	db     *storage.DB
	audit  *audit.Recorder
	logger zerolog.Logger
}

// NewStore creates a session store.
func NewStore(db *storage.DB, recorder *audit.Recorder, logger zerolog.Logger) *Store {
	observability.EnsureRegistered()
	return &Store{db: db, audit: recorder, logger: logger}
}

// Create initializes a session with status=created, an empty event log, and
// empty state. Fails with AlreadyExists if the id is taken.
func (s *Store) Create(ctx context.Context, p CreateParams) (*Session, error) {
	ctx, span := tracing.StartSpan(ctx, "session.create",
		attribute.String("session_id", p.ID))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()

	if p.ID == "" || p.AppName == "" || p.UserID == "" {
		return nil, storage.NewError(storage.KindValidation, "session.create", "id, app name, and user id are required")
	}
	metadata := p.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	} else if err := jsonval.ValidateObject(metadata); err != nil {
		return nil, &storage.Error{Kind: storage.KindValidation, Op: "session.create", Entity: entityRef(p.ID), Err: err}
	}

	now := time.Now()
	sess := &Session{
		ID:        p.ID,
		AppName:   p.AppName,
		UserID:    p.UserID,
		ProjectID: p.ProjectID,
		Status:    StatusCreated,
		Events:    []Event{},
		State:     map[string]json.RawMessage{},
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var projectID interface{}
	if p.ProjectID != "" {
		projectID = p.ProjectID
	}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, app_name, user_id, project_id, status, state, metadata, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, '{}', ?, ?, ?)`,
			p.ID, p.AppName, p.UserID, projectID, StatusCreated, string(metadata),
			now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return err
		}
		_, err = s.audit.RecordTx(ctx, tx, audit.EntitySession, p.ID, "create", p.UserID)
		return err
	})
	observability.RecordSessionWrite("create", time.Since(start), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		wrapped := storage.WrapError("session.create", entityRef(p.ID), err)
		if wrapped.Kind == storage.KindConflict {
			wrapped.Kind = storage.KindAlreadyExists
			wrapped.Constraint = "sessions(id)"
		}
		return nil, wrapped
	}

	logger.Info().Str("session_id", p.ID).Str("app", p.AppName).Msg("Session created")
	s.updateActiveSessionsMetric(ctx)
	return sess, nil
}

// AppendEvent appends one event to the ordered log and shallow-merges the
// optional state delta, atomically with the audit record. Terminated and
// archived sessions reject writes.
func (s *Store) AppendEvent(ctx context.Context, p AppendEventParams) (*MutationResult, error) {
	ctx, span := tracing.StartSpan(ctx, "session.append_event",
		attribute.String("session_id", p.SessionID),
		attribute.String("event_type", p.Type))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()

	if p.Type == "" {
		return nil, storage.NewError(storage.KindValidation, "session.append_event", "event type is required")
	}
	content := p.Content
	if len(content) == 0 {
		content = json.RawMessage(`{}`)
	} else if err := jsonval.ValidateObject(content); err != nil {
		return nil, &storage.Error{Kind: storage.KindValidation, Op: "session.append_event", Entity: entityRef(p.SessionID), Err: err}
	}
	if len(p.StateDelta) > 0 {
		if err := jsonval.ValidateObject(p.StateDelta); err != nil {
			return nil, &storage.Error{Kind: storage.KindValidation, Op: "session.append_event", Entity: entityRef(p.SessionID), Err: err}
		}
	}

	result := &MutationResult{SessionID: p.SessionID, EventID: uuid.New().String()}
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		status, state, err := s.lockRow(ctx, tx, p.SessionID, "session.append_event")
		if err != nil {
			return err
		}
		if !status.writable() {
			return &storage.Error{
				Kind:   storage.KindInvalidState,
				Op:     "session.append_event",
				Entity: entityRef(p.SessionID),
				Err:    fmt.Errorf("session is %s", status),
			}
		}
		result.Status = status

		var seq int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM session_events WHERE session_id = ?`,
			p.SessionID).Scan(&seq); err != nil {
			return err
		}
		result.Seq = seq

		now := time.Now().UnixMilli()
		isFinal := 0
		if p.IsFinal {
			isFinal = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_events (id, session_id, seq, event_type, actor, content, is_final, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			result.EventID, p.SessionID, seq, p.Type, p.Actor, string(content), isFinal, now); err != nil {
			return err
		}

		if len(p.StateDelta) > 0 {
			merged, err := mergeState(state, p.StateDelta)
			if err != nil {
				return err
			}
			state = merged
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET state = ?, updated_at = ? WHERE id = ?`,
			state, now, p.SessionID); err != nil {
			return err
		}

		result.AuditID, err = s.audit.RecordTx(ctx, tx, audit.EntitySession, p.SessionID, "append_event", p.Actor)
		return err
	})
	observability.RecordSessionWrite("append_event", time.Since(start), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, storage.WrapError("session.append_event", entityRef(p.SessionID), err)
	}

	logger.Debug().
		Str("session_id", p.SessionID).
		Int64("seq", result.Seq).
		Str("event_type", p.Type).
		Msg("Event appended")
	return result, nil
}

// UpdateState merges a single key into the session state.
func (s *Store) UpdateState(ctx context.Context, sessionID, key string, value json.RawMessage, actor string) (*MutationResult, error) {
	ctx, span := tracing.StartSpan(ctx, "session.update_state",
		attribute.String("session_id", sessionID),
		attribute.String("key", key))
	defer span.End()
	start := time.Now()

	if key == "" {
		return nil, storage.NewError(storage.KindValidation, "session.update_state", "state key is required")
	}
	if err := jsonval.ValidateValue(value); err != nil {
		return nil, &storage.Error{Kind: storage.KindValidation, Op: "session.update_state", Entity: entityRef(sessionID), Err: err}
	}

	delta, err := json.Marshal(map[string]json.RawMessage{key: value})
	if err != nil {
		return nil, err
	}

	result := &MutationResult{SessionID: sessionID}
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		status, state, err := s.lockRow(ctx, tx, sessionID, "session.update_state")
		if err != nil {
			return err
		}
		if !status.writable() {
			return &storage.Error{
				Kind:   storage.KindInvalidState,
				Op:     "session.update_state",
				Entity: entityRef(sessionID),
				Err:    fmt.Errorf("session is %s", status),
			}
		}
		result.Status = status

		merged, err := mergeState(state, delta)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET state = ?, updated_at = ? WHERE id = ?`,
			merged, time.Now().UnixMilli(), sessionID); err != nil {
			return err
		}

		result.AuditID, err = s.audit.RecordTx(ctx, tx, audit.EntitySession, sessionID, "update_state", actor)
		return err
	})
	observability.RecordSessionWrite("update_state", time.Since(start), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, storage.WrapError("session.update_state", entityRef(sessionID), err)
	}
	return result, nil
}

// SetStatus moves the session along the lifecycle order, stamping
// terminated_at/archived_at as appropriate. Illegal moves fail with
// InvalidTransition.
func (s *Store) SetStatus(ctx context.Context, sessionID string, next Status, actor string) (*MutationResult, error) {
	ctx, span := tracing.StartSpan(ctx, "session.set_status",
		attribute.String("session_id", sessionID),
		attribute.String("status", string(next)))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()

	if !next.Valid() {
		return nil, &storage.Error{
			Kind:   storage.KindValidation,
			Op:     "session.set_status",
			Entity: entityRef(sessionID),
			Err:    fmt.Errorf("unknown status %q", next),
		}
	}

	result := &MutationResult{SessionID: sessionID, Status: next}
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		current, _, err := s.lockRow(ctx, tx, sessionID, "session.set_status")
		if err != nil {
			return err
		}
		if !current.canTransitionTo(next) {
			return &storage.Error{
				Kind:   storage.KindInvalidTransition,
				Op:     "session.set_status",
				Entity: entityRef(sessionID),
				Err:    fmt.Errorf("cannot move %s -> %s", current, next),
			}
		}

		now := time.Now().UnixMilli()
		switch next {
		case StatusTerminated:
			_, err = tx.ExecContext(ctx,
				`UPDATE sessions SET status = ?, terminated_at = ?, updated_at = ? WHERE id = ?`,
				next, now, now, sessionID)
		case StatusArchived:
			_, err = tx.ExecContext(ctx,
				`UPDATE sessions SET status = ?, archived_at = ?, updated_at = ? WHERE id = ?`,
				next, now, now, sessionID)
		default:
			_, err = tx.ExecContext(ctx,
				`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
				next, now, sessionID)
		}
		if err != nil {
			return err
		}

		result.AuditID, err = s.audit.RecordTx(ctx, tx, audit.EntitySession, sessionID, "set_status:"+string(next), actor)
		return err
	})
	observability.RecordSessionWrite("set_status", time.Since(start), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, storage.WrapError("session.set_status", entityRef(sessionID), err)
	}

	logger.Info().Str("session_id", sessionID).Str("status", string(next)).Msg("Session status changed")
	s.updateActiveSessionsMetric(ctx)
	return result, nil
}

// Get loads a session with its full event log and state. Pure read, no
// audit record.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	ctx, span := tracing.StartSpan(ctx, "session.get",
		attribute.String("session_id", sessionID))
	defer span.End()

	row := s.db.SQL().QueryRowContext(ctx,
		`SELECT id, app_name, user_id, project_id, status, state, metadata,
		        created_at, updated_at, terminated_at, archived_at
		 FROM sessions WHERE id = ?`, sessionID)

	var sess Session
	var projectID sql.NullString
	var state, metadata string
	var createdAt, updatedAt int64
	var terminatedAt, archivedAt sql.NullInt64
	err := row.Scan(&sess.ID, &sess.AppName, &sess.UserID, &projectID, &sess.Status,
		&state, &metadata, &createdAt, &updatedAt, &terminatedAt, &archivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NewError(storage.KindNotFound, "session.get", entityRef(sessionID))
	}
	if err != nil {
		return nil, storage.WrapError("session.get", entityRef(sessionID), err)
	}

	if projectID.Valid {
		sess.ProjectID = projectID.String
	}
	if err := json.Unmarshal([]byte(state), &sess.State); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	sess.Metadata = json.RawMessage(metadata)
	sess.CreatedAt = time.UnixMilli(createdAt).UTC()
	sess.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if terminatedAt.Valid {
		t := time.UnixMilli(terminatedAt.Int64).UTC()
		sess.TerminatedAt = &t
	}
	if archivedAt.Valid {
		t := time.UnixMilli(archivedAt.Int64).UTC()
		sess.ArchivedAt = &t
	}

	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT id, seq, event_type, actor, content, is_final, created_at
		 FROM session_events WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, storage.WrapError("session.get", entityRef(sessionID), err)
	}
	defer rows.Close()

	sess.Events = []Event{}
	for rows.Next() {
		var ev Event
		var content string
		var isFinal int
		var evCreated int64
		if err := rows.Scan(&ev.ID, &ev.Seq, &ev.Type, &ev.Actor, &content, &isFinal, &evCreated); err != nil {
			return nil, err
		}
		ev.SessionID = sessionID
		ev.Content = json.RawMessage(content)
		ev.IsFinal = isFinal != 0
		ev.CreatedAt = time.UnixMilli(evCreated).UTC()
		sess.Events = append(sess.Events, ev)
	}
	return &sess, rows.Err()
}

// lockRow reads status and state within the transaction, surfacing NotFound
// for absent sessions.
func (s *Store) lockRow(ctx context.Context, tx *sql.Tx, sessionID, op string) (Status, string, error) {
	var status Status
	var state string
	err := tx.QueryRowContext(ctx,
		`SELECT status, state FROM sessions WHERE id = ?`, sessionID).Scan(&status, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", storage.NewError(storage.KindNotFound, op, entityRef(sessionID))
	}
	if err != nil {
		return "", "", err
	}
	return status, state, nil
}

// mergeState applies a shallow delta to the stored state object. Keys in the
// delta replace keys in the state; everything else is untouched.
func mergeState(state string, delta json.RawMessage) (string, error) {
	current := map[string]json.RawMessage{}
	if state != "" {
		if err := json.Unmarshal([]byte(state), &current); err != nil {
			return "", fmt.Errorf("decode state: %w", err)
		}
	}
	patch := map[string]json.RawMessage{}
	if err := json.Unmarshal(delta, &patch); err != nil {
		return "", fmt.Errorf("decode state delta: %w", err)
	}
	for k, v := range patch {
		current[k] = v
	}
	merged, err := json.Marshal(current)
	if err != nil {
		return "", err
	}
	return string(merged), nil
}

func (s *Store) updateActiveSessionsMetric(ctx context.Context) {
	var count int
	if err := s.db.SQL().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE status NOT IN (?, ?)`,
		StatusTerminated, StatusArchived).Scan(&count); err != nil {
		return
	}
	observability.SetActiveSessions(count)
}

func entityRef(sessionID string) string {
	return "session " + sessionID
}
