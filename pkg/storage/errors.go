package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// Kind classifies engine errors so callers can branch without string matching.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindAlreadyExists     Kind = "already_exists"
	KindConflict          Kind = "conflict"
	KindInvalidState      Kind = "invalid_state"
	KindInvalidTransition Kind = "invalid_transition"
	KindValidation        Kind = "validation"
	KindBusy              Kind = "busy"
	KindTimeout           Kind = "timeout"
	KindIntegrity         Kind = "integrity"
	KindInternal          Kind = "internal"
)

// Error carries structured context for every engine failure: the operation,
// the entity it referenced, and an optional constraint name.
type Error struct {
	Kind       Kind
	Op         string // e.g. "memory.update"
	Entity     string // e.g. "session s1", "memory user:alice/theme"
	Constraint string // e.g. "memory_entries(namespace,key,version)"
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Entity != "" {
		msg += " (" + e.Entity + ")"
	}
	if e.Constraint != "" {
		msg += " [" + e.Constraint + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified error without an underlying cause.
func NewError(kind Kind, op, entity string) *Error {
	return &Error{Kind: kind, Op: op, Entity: entity}
}

// WrapError classifies an underlying error, mapping sqlite and context
// failures to their taxonomy kinds.
func WrapError(op, entity string, err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		// Already classified; keep the original kind but note the outer op.
		return &Error{Kind: se.Kind, Op: op, Entity: entity, Constraint: se.Constraint, Err: err}
	}
	return &Error{Kind: classify(err), Op: op, Entity: entity, Err: err}
}

func classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return KindBusy
		case sqlite3.ErrConstraint:
			switch sqliteErr.ExtendedCode {
			case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
				return KindConflict
			case sqlite3.ErrConstraintForeignKey:
				return KindIntegrity
			}
			return KindConflict
		}
	}
	return KindInternal
}

// KindOf returns the classified kind, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return classify(err)
}

func IsNotFound(err error) bool      { return KindOf(err) == KindNotFound }
func IsAlreadyExists(err error) bool { return KindOf(err) == KindAlreadyExists }
func IsConflict(err error) bool      { return KindOf(err) == KindConflict }
func IsValidation(err error) bool    { return KindOf(err) == KindValidation }
func IsBusy(err error) bool          { return KindOf(err) == KindBusy }
func IsTimeout(err error) bool       { return KindOf(err) == KindTimeout }

// IsRetryable reports whether a bounded retry is worth attempting. Only lock
// contention, version races, and provider timeouts qualify; validation and
// lifecycle errors indicate a caller bug and are never retried.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindBusy, KindTimeout, KindConflict:
		return true
	}
	return false
}
