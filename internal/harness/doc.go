// Package harness runs YAML scenarios against a real orchestrator.
//
// Each scenario gets a fresh in-memory SQLite store, a fake wall clock
// starting at testutil.Epoch, a fresh logical clock and sequential ids, so
// the same scenario always produces the same trace. Specifications, rules,
// wrenches, operators and settings come from CUE, either a directory named
// by the scenario or an inline document.
//
// The trace interleaves one "step" entry per scenario step with the
// notifications that step caused (event, transition, warning, blocked,
// approval), in seq order within each step. Traces are compared against
// golden files with goldie:
//
//	go test ./internal/harness -update
package harness
