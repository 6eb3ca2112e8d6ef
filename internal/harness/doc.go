// Package harness runs coordination scenarios against an in-process
// dispatcher.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: lock_contention
//	description: "A second caller is refused while the lock is held"
//	catalog: ../catalog          # optional, relative to the scenario file
//	settings:
//	  maintenance: false
//	  privileged_callers: [ops]
//	steps:
//	  - call:
//	      function: vend.echo
//	      caller: alice
//	      args: { n: 1 }
//	      lock: { key: "user:1", auto_release: false }
//	    expect:
//	      status: ok
//	      extensions:
//	        lock: { acquired: true }
//	  - advance: 30s
//	  - drain: true
//	  - maintenance: false
//	  - wait: true
//	assertions:
//	  - type: executions
//	    function: vend.echo
//	    count: 1
//
// Each step does exactly one thing. A call step may declare the lock,
// idempotency, async and replay extensions by their short names; the
// options are passed through untouched.
//
// # Assertion Types
//
//   - executions: the handler of function ran exactly count times
//   - replay_count: count entries of the queue are in status
//   - operation_status: operation id is in status
//   - lock_held: key (scoped to function unless scope is global) is or is
//     not held
//   - callbacks: count callbacks were delivered
//
// # Determinism
//
// Every scenario gets a fresh memory store, a manual clock starting at
// Epoch, and sequence generators for ids ("id-0001") and lock owners
// ("owner-0001"). Time only moves on advance steps. Callbacks are buffered
// and written to the trace after wait and drain steps, sorted by target,
// so background completion order never shows in a golden trace.
package harness
