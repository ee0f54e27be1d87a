// Package storage owns the shared single-file SQLite datastore: schema DDL,
// connection configuration, integrity validation, and the error taxonomy
// used across the engine.
//
// Invariants:
//   - Every pooled connection carries the same pragmas (WAL, busy timeout,
//     foreign keys, bounded cache) via the DSN.
//   - Initialize is idempotent and each logical DDL step runs in one tx.
//   - ValidateIntegrity reports violations; it never auto-repairs.
package storage
