// Package session persists agent sessions: an append-only event log, a
// derived state mapping updated by shallow merges, and a monotonic lifecycle.
//
// Invariants:
// - Events are immutable once appended and strictly ordered by seq.
// - Status only moves forward: created→active↔paused→terminated→archived.
// - Every mutation commits exactly one audit record in the same transaction.
// - Sessions are never physically deleted, only archived.
package session
