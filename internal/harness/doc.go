// Package harness runs end-to-end ledger scenarios described in YAML.
//
// A scenario submits wire payloads through the engine's idempotency guard,
// optionally drives one allocation period through its workflow (open, close,
// approve, distribute, cancel, reverse or a dry run), verifies any journal
// transactions it lists, and then evaluates assertions against the store:
//
//	name: two_laborers
//	description: Two labor contributors split the surplus.
//	period:
//	  id: "2024"
//	  surplus: "1000.00"
//	  contributions:
//	    - {id: c-1, member: alice, type: labor, value: "200.00", status: approved, approved_at: 2024-03-01T00:00:00Z}
//	    - {id: c-2, member: bob, type: labor, value: "300.00", status: approved, approved_at: 2024-03-01T00:00:00Z}
//	  actions: [close, approve]
//	assertions:
//	  - {type: allocation, member: alice, total: "400.00", cash: "80.00"}
//	  - {type: balance, member: alice, book: "320.00"}
//
// Every run uses a fresh in-memory store, a stepping wall clock and a fixed
// approval time, so results are reproducible and can be compared against
// golden files with RunWithGolden.
//
// Failures of the code under test (rejected payloads, a close refused by the
// verification gate, an invalid transition) are recorded in the trace and do
// not abort the run. Run returns an error only when the scenario itself is
// unusable or the store fails.
package harness
