// Package docindex maintains the searchable document index: file ingestion,
// deterministic chunking, embedding generation, and hybrid exact+semantic
// retrieval over FTS5 and sqlite-vec.
//
// Invariants:
//   - Re-syncing an unchanged file is a no-op; the content hash decides.
//   - Embedding rows for a document always match its recorded chunk_count,
//     or are absent entirely when sync_status is failed.
//   - Embeddings are generated outside the write transaction so provider
//     latency never holds a database lock.
//   - Search never fails outright when one arm degrades; results carry a
//     Degraded flag instead.
package docindex
