package session

import (
	"encoding/json"
	"time"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusCreated    Status = "created"
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
	StatusTerminated Status = "terminated"
	StatusArchived   Status = "archived"
)

// Transitions are monotonic: created→active↔paused→terminated→archived.
// Archiving straight from created is rejected.
var legalTransitions = map[Status][]Status{
	StatusCreated:    {StatusActive},
	StatusActive:     {StatusPaused, StatusTerminated},
	StatusPaused:     {StatusActive, StatusTerminated},
	StatusTerminated: {StatusArchived},
	StatusArchived:   {},
}

func (s Status) canTransitionTo(next Status) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// writable reports whether events and state updates are still accepted.
func (s Status) writable() bool {
	switch s {
	case StatusCreated, StatusActive, StatusPaused:
		return true
	}
	return false
}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusActive, StatusPaused, StatusTerminated, StatusArchived:
		return true
	}
	return false
}

// Event is one immutable entry in a session's append-only log.
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor,omitempty"`
	Content   json.RawMessage `json:"content"`
	IsFinal   bool            `json:"is_final,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Session is the full session record including its event log and derived state.
type Session struct {
	ID           string                     `json:"id"`
	AppName      string                     `json:"app_name"`
	UserID       string                     `json:"user_id"`
	ProjectID    string                     `json:"project_id,omitempty"`
	Status       Status                     `json:"status"`
	Events       []Event                    `json:"events"`
	State        map[string]json.RawMessage `json:"state"`
	Metadata     json.RawMessage            `json:"metadata,omitempty"`
	CreatedAt    time.Time                  `json:"created_at"`
	UpdatedAt    time.Time                  `json:"updated_at"`
	TerminatedAt *time.Time                 `json:"terminated_at,omitempty"`
	ArchivedAt   *time.Time                 `json:"archived_at,omitempty"`
}

// Task is a unit of work tied to a session. Deleting or archiving the
// session never cascades; the task keeps its history with session_id nulled.
type Task struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id,omitempty"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Agent is a worker registered against a session.
type Agent struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id,omitempty"`
	Name         string    `json:"name"`
	Role         string    `json:"role,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// CreateParams configures a new session.
type CreateParams struct {
	ID        string
	AppName   string
	UserID    string
	ProjectID string
	Metadata  json.RawMessage
}

// AppendEventParams appends one event and optionally merges a state delta
// in the same transaction.
type AppendEventParams struct {
	SessionID  string
	Type       string
	Actor      string
	Content    json.RawMessage
	IsFinal    bool
	StateDelta json.RawMessage
}

// MutationResult carries enough information for the caller to verify the
// effect without a follow-up read.
type MutationResult struct {
	SessionID string `json:"session_id"`
	EventID   string `json:"event_id,omitempty"`
	Seq       int64  `json:"seq,omitempty"`
	Status    Status `json:"status"`
	AuditID   string `json:"audit_id"`
}
