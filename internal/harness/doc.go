// Package harness runs end-to-end replication scenarios.
//
// A scenario seeds in-memory source and target stores, builds an
// orchestrator from an embedded syncline configuration, executes a flow of
// runs and conflict resolutions, and checks the outcome.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	config:                      # a syncline configuration document
//	  options: { batch_size: 200 }
//	  tables: [...]
//	  mappings: [...]
//	sample: { memory_percent: 90 }
//	clock_step: 1ms
//	source:
//	  - table: properties
//	    columns:
//	      - { name: property_id, type: INTEGER, primary_key: true }
//	      - { name: updated_at, type: TIMESTAMP }
//	    rows:
//	      - { property_id: 101, updated_at: "2024-03-02T12:00:00Z" }
//	target:
//	  - table: property_records
//	    columns: [...]
//	faults:
//	  - { store: target, fail_first: 2, on: inserts, kind: connection }
//	flow:
//	  - run: full
//	    expect: { success: true, processed: 1 }
//	assertions:
//	  - type: final_state
//	    table: property_records
//	    key: PROP-101
//	    expect: { valuation.total: 350000 }
//
// String cells of typed columns are converted to the column type, so
// timestamps and JSON objects can be written as text.
//
// # Flow Steps
//
//   - full, incremental (since), selective (tables, where): one run each
//   - resolve: resolves the pending conflict of target_id with strategy
//     and optional values
//   - bulk_resolve: resolves every pending conflict with strategy
//
// # Assertion Types
//
//   - final_state: a target row holds the expected values at dotted paths
//   - row_count: a target table holds count rows
//   - journal_count: count mutations reached a target table
//   - watermark: a source table has (or lacks) a stored watermark
//   - pending_conflicts: count conflicts are pending
//   - batch_sizes: a stage's batch at index lies within [min, max]
//   - retry_delays: every retry delay lies within [min, max] and grows by
//     at least ratio
//
// # Deterministic Testing
//
// Runs use a fake clock, sequential run IDs, a static resource sample and
// zero retry jitter. Retry sleeps are recorded, not slept. The final target
// tables and step outcomes are compared with golden files under
// testdata/golden.
package harness
