// Package compiler turns CUE documents into specifications, validation
// rules, resource records and orchestrator settings.
//
// A document is a CUE package whose top-level blocks are keyed by id:
//
//	specification: "head-gasket": {
//		target_torque: 90
//		pattern:       "STAR"
//		bolt_count:    8
//		passes:        2
//		pass_fractions: [0.5, 1.0]
//	}
//	rule: "standard-tolerance": {kind: "TOLERANCE", tolerance: max_retries: 3}
//	wrench: "W-100": {calibration_due: "2030-01-01T00:00:00Z"}
//	operator: "op-7": certifications: [{name: "torque-l2", expires_at: "2030-01-01T00:00:00Z"}]
//	settings: {allow_operator_override: false, idle_timeout: "5m"}
//
// Errors carry the CUE source position of the offending field.
package compiler
