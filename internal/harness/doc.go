// Package harness runs YAML session scenarios against a real session manager
// over a throwaway data directory.
//
// # Scenario Format
//
//	name: fork_divergence
//	description: "Forked sessions share a prefix and diverge afterwards"
//	project: /work/app
//	steps:
//	  - op: append
//	    session: A
//	    content: "message"
//	    count: 3
//	  - op: fork
//	    session: A
//	    at: 2
//	    as: B
//	    expect: { len: 2 }
//	  - op: fork
//	    session: A
//	    at: 9
//	    expect: { error: INVALID_RANGE }
//	assertions:
//	  - type: op_count
//	    op: fork
//	    count: 2
//	  - type: final_state
//	    table: sessions
//	    session: B
//	    expect: { fork_index: 2 }
//
// Session names in a scenario are aliases. Sessions created by append or
// create use the alias as their id; forks get a generated id that the
// harness maps back to the alias given in "as".
//
// # Step Ops
//
//   - create: session, name
//   - append: session, role (default user), content, count
//   - fork: session, at, as, name
//   - merge: session (target), source, indices
//   - cherry_pick: session (target), source, index, context
//   - compact: session, summary, before
//   - clear_compaction: session
//   - rename: session, name
//   - delete: session
//   - cleanup
//   - load: session
//
// # Expect Clauses
//
// len (manifest length), context_len (loaded context entries), error (an
// error code such as INVALID_RANGE or NOT_FOUND), removed (orphans removed
// by cleanup) and messages (distinct stored messages after the step).
// A step without an error expectation must succeed.
//
// # Assertions
//
//   - op_count: op appears exactly count times in the trace
//   - op_order: ops appear in the given order
//   - final_state: a row of table, selected by where and optionally by the
//     session alias, has the expected column values
//
// # Golden Files
//
// RunWithGolden compares the step trace against
// testdata/golden/<name>.golden; run tests with -update to regenerate.
package harness
