// Package rules evaluates normalized readings against a configurable set of
// named validation rules.
//
// Rules are a closed set of kinds with typed parameters. The Engine is
// stateless; everything a rule needs besides the reading arrives in a
// Context assembled by the session state machine. Gate rules (wrench
// calibration, operator certification) run first and short-circuit
// evaluation when they block. Aggregate folds outcomes into a single event
// status using a fixed precedence.
package rules
