// Package store provides SQLite-backed durable storage for the consistency
// engine.
//
// The store keeps, per concern, an append-friendly log plus a current-state
// projection:
//   - Records: versioned payloads; the EntityStore primitive
//   - Pools and Allocations: pool counters and the allocation ledger
//   - Transactions, Operations and Rollback Log: the saga journal
//   - Conflicts and Replica Values: reconciliation state per subsystem
//
// # Critical Patterns
//
// Atomic Compare-And-Set
//   - CompareAndSet and Delete are one conditional statement each
//     (UPDATE ... WHERE id = ? AND version = ?), never read-then-write
//   - A failed write never consumes a version
//
// Additive Counters
//   - pools.allocated only moves by +granted or -granted inside the same
//     database transaction that appends or releases the ledger row
//
// Logical Ordering
//   - Ledgers and journals order by seq INTEGER (logical clock), then id
//   - Wall-clock timestamps are informational only
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Payloads and field values are stored as RFC 8785 canonical JSON produced
// by internal/model.
package store
