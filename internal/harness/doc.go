// Package harness runs conformance scenarios for the tether protocol.
//
// A scenario wires an origin session (with a local replica and a
// transaction tracker) to an authority session (with its own replica and
// the peer request handler) over an in-process pipe, drives both sides
// step by step and asserts on the frames exchanged and the final state.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: t1_ack
//	description: "A submitted transaction is acknowledged"
//	authority:
//	  silent: false        # true: a peer that never answers
//	  records:             # seed the authority replica
//	    - {id: a, n: 1}
//	steps:
//	  - submit:
//	      id: t1
//	      mutations:
//	        - {type: insert, data: {id: b}}
//	      expect: {}       # success; or {error: TIMEOUT, id: t1}
//	  - request: {as: r1, method: count, expect: {result: 2}}
//	  - push: {op: insert, data: {id: c}}
//	  - sync: {rows: [{id: x}, {id: y}]}
//	  - snapshot: true     # the authority sends its own replica
//	  - raw: {frame: '{"type":"unknown"}', invalid: true}
//	  - advance: 10s
//	  - await: {name: r1, expect: {error: TIMEOUT}}
//	  - drop: true
//	  - wait_state: connected
//	  - close: true
//	assertions:
//	  - {type: frame_count, kind: ack, count: 1}
//	  - {type: frame_order, kinds: [transaction, ack]}
//	  - {type: replica, records: {x: {}, y: {}}}
//	  - {type: replica, peer: authority, records: {a: {n: 1}, b: {}}}
//	  - {type: ready, ready: true}
//	  - {type: validation_errors, count: 1}
//	  - {type: state, state: disconnected}
//	  - {type: pending, count: 0}
//
// # Deterministic Testing
//
// Time is a testutil.FakeClock moved only by advance steps, and request ids
// come from a sequential generator ("req-1", "req-2", ...), so the trace of
// a scenario is identical across runs and can be compared against a golden
// file with RunWithGolden.
//
// Steps that cause inbound work wait, in real time, until the origin has
// applied or rejected it before the next step runs.
package harness
