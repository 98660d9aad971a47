// Package store provides SQLite-backed durable storage for convo messages and
// session manifests.
//
// The store implements:
//   - Messages: an append-only log of immutable message records. Content above
//     the blob threshold is written to the blob store and kept here as a hash
//     plus preview.
//   - Sessions: one manifest row per session with fork lineage, compaction
//     state and token usage.
//   - Session messages: the ordered message references of each manifest.
//     References point at messages; they never copy content.
//   - Merges: the audit trail of merge and cherry-pick operations.
//
// # Critical Patterns
//
// Append-only messages:
//   - There is no UPDATE of a message row
//   - Rows are deleted only by DeleteOrphanedMessages, and only when no
//     manifest references them (enforced by a foreign key)
//
// Deterministic ordering:
//   - Manifest references are ordered by position ASC
//   - Session listings are ordered by last_active_at DESC, id ASC
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Either SQLite driver may be used: "sqlite3" (github.com/mattn/go-sqlite3,
// cgo) or "sqlite" (modernc.org/sqlite, pure Go).
package store
