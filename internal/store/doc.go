// Package store provides SQLite-backed durable storage for the canon engine:
//
//   - Reference heads: the single current snapshot per reference id, with
//     an optimistic version column guarding commits
//   - Reference history: immutable superseded snapshot versions
//   - Identity links: cross-system correlation with conflict detection
//   - Projection tasks: scheduled work deduplicated by
//     UNIQUE(reference_id, version, view_name)
//   - Source records: the append-only historical log replay scans
//
// # Critical Patterns
//
// Triple-level idempotency
//   - UNIQUE(reference_id, version, view_name) on projection_tasks
//   - InsertTaskIfMissing is insert-or-select in one transaction
//
// Optimistic snapshot commit
//   - CommitSnapshot applies UPDATE ... WHERE version = expected
//   - rowsAffected == 0 surfaces as VERSION_CONFLICT, never a lock
//
// Deterministic query results
//   - Observation queries ORDER BY seq ASC, id ASC
//   - Window scans ORDER BY observed_at ASC, id ASC with keyset cursors
//
// Conflict-detecting correlation
//   - Partial UNIQUE index on active (source_system, source_key) pairs
//   - A colliding insert surfaces as CORRELATION_CONFLICT with both sides
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
//
// Snapshots and source-record fields are persisted as RFC 8785 canonical
// JSON via model.MarshalCanonical, so equal materializations are equal TEXT.
package store
