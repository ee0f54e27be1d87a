package session

import (
	"context"
	"database/sql"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/abathur/memstore/pkg/audit"
	"github.com/abathur/memstore/pkg/storage"
)

// Task statuses.
const (
	TaskPending   = "pending"
	TaskCompleted = "completed"
)

// CreateTask records a unit of work against a session. Tasks survive the
// session: the foreign key is ON DELETE SET NULL, never a cascade.
func (s *Store) CreateTask(ctx context.Context, sessionID, description, actor string) (*Task, error) {
	if description == "" {
		return nil, storage.NewError(storage.KindValidation, "session.create_task", "description is required")
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	task := &Task{
		ID:          id,
		SessionID:   sessionID,
		Description: description,
		Status:      TaskPending,
		CreatedAt:   now,
	}

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, _, err := s.lockRow(ctx, tx, sessionID, "session.create_task"); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (id, session_id, description, status, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, sessionID, description, TaskPending, now.UnixMilli()); err != nil {
			return err
		}
		_, err := s.audit.RecordTx(ctx, tx, audit.EntityTask, id, "create", actor)
		return err
	})
	if err != nil {
		return nil, storage.WrapError("session.create_task", entityRef(sessionID), err)
	}
	return task, nil
}

// CompleteTask marks a task done.
func (s *Store) CompleteTask(ctx context.Context, taskID, actor string) error {
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
			TaskCompleted, time.Now().UnixMilli(), taskID, TaskPending)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return storage.NewError(storage.KindNotFound, "session.complete_task", "task "+taskID)
		}
		_, err = s.audit.RecordTx(ctx, tx, audit.EntityTask, taskID, "complete", actor)
		return err
	})
	if err != nil {
		return storage.WrapError("session.complete_task", "task "+taskID, err)
	}
	return nil
}

// RegisterAgent ties a named worker to a session.
func (s *Store) RegisterAgent(ctx context.Context, sessionID, name, role string) (*Agent, error) {
	if name == "" {
		return nil, storage.NewError(storage.KindValidation, "session.register_agent", "agent name is required")
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	agent := &Agent{ID: id, SessionID: sessionID, Name: name, Role: role, RegisteredAt: now}

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, _, err := s.lockRow(ctx, tx, sessionID, "session.register_agent"); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agents (id, session_id, name, role, registered_at) VALUES (?, ?, ?, ?, ?)`,
			id, sessionID, name, role, now.UnixMilli()); err != nil {
			return err
		}
		_, err := s.audit.RecordTx(ctx, tx, audit.EntityAgent, id, "register", name)
		return err
	})
	if err != nil {
		return nil, storage.WrapError("session.register_agent", entityRef(sessionID), err)
	}
	return agent, nil
}

// Tasks lists the tasks recorded for a session.
func (s *Store) Tasks(ctx context.Context, sessionID string) ([]Task, error) {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT id, session_id, description, status, created_at, completed_at
		 FROM tasks WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, storage.WrapError("session.tasks", entityRef(sessionID), err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		var sid sql.NullString
		var createdAt int64
		var completedAt sql.NullInt64
		if err := rows.Scan(&t.ID, &sid, &t.Description, &t.Status, &createdAt, &completedAt); err != nil {
			return nil, err
		}
		if sid.Valid {
			t.SessionID = sid.String
		}
		t.CreatedAt = time.UnixMilli(createdAt).UTC()
		if completedAt.Valid {
			done := time.UnixMilli(completedAt.Int64).UTC()
			t.CompletedAt = &done
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
