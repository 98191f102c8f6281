// Package harness runs conformance scenarios against the engine.
//
// A scenario drives a fresh engine through setup calls and a flow of calls
// with expected outcomes, then checks assertions over the trace and the
// final store state. Scenarios double as executable documentation of the
// engine's guarantees.
//
// # Scenario Format
//
//	name: seat_enrollment
//	description: "Two students compete for the last seat"
//	subsystems: [crm, billing]
//	setup:
//	  - action: pool.register
//	    args: { pool_id: act-1, capacity: 1, kind: membership }
//	flow:
//	  - invoke: pool.allocate
//	    args: { pool_id: act-1, requester_id: s1, quantity: 1 }
//	    expect:
//	      case: ok
//	      result: { status: granted, seat_number: 1 }
//	  - invoke: pool.allocate
//	    args: { pool_id: missing, requester_id: s2, quantity: 1 }
//	    expect: { case: UNKNOWN_POOL }
//	assertions:
//	  - type: final_state
//	    table: pools
//	    where: { pool_id: act-1 }
//	    expect: { allocated: 1 }
//
// The outcome case of a call is "ok" or the engine error code of its
// failure. Actions are named after the CLI commands: pool.register,
// pool.allocate, pool.release, pool.resize, pool.inspect, pool.delete,
// record.read, record.write, record.patch, tx.run, tx.verify,
// conflict.report, conflict.detect and conflict.resolve.
//
// # Assertion Types
//
//   - trace_contains: an action appears in the trace with matching args
//   - trace_order: actions appear in the specified order
//   - trace_count: an action appears exactly N times
//   - final_state: one row of a store table has the expected columns
//   - consistent: all subsystems agree on an entity
//   - rollback_clean: a rolled back transaction left nothing behind
//
// # Deterministic Testing
//
// Every scenario runs on an in-memory SQLite database with a deterministic
// clock, sequential transaction ids (tx-1, tx-2, ...) and sequential
// allocation ids (alloc-1, ...). Traces are serialized as canonical JSON
// and compared against golden files with goldie.
package harness
