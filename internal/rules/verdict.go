package rules

import "github.com/roach88/torque/internal/torque"

// precedence orders failing statuses; the first present wins.
var precedence = []torque.EventStatus{
	torque.StatusSequenceViolation,
	torque.StatusYieldDetected,
	torque.StatusOverTorque,
	torque.StatusUnderTorque,
	torque.StatusAngleFail,
}

// Verdict folds a set of outcomes into one decision.
type Verdict struct {
	Status           torque.EventStatus
	Blocked          bool
	RequiresApproval bool
	Override         bool
	Failures         []Outcome
	Warnings         []Outcome
}

// Aggregate folds outcomes. Only CRITICAL failures affect Status; WARNING
// failures are reported but never change it.
func Aggregate(outcomes []Outcome) Verdict {
	v := Verdict{Status: torque.StatusPass}
	seen := make(map[torque.EventStatus]bool)
	for _, o := range outcomes {
		if o.Overridden {
			v.Override = true
		}
		if o.Passed {
			continue
		}
		if o.Blocked {
			v.Blocked = true
		}
		if o.Severity == SeverityWarning {
			v.Warnings = append(v.Warnings, o)
			continue
		}
		v.Failures = append(v.Failures, o)
		if o.RequiresApproval {
			v.RequiresApproval = true
		}
		if o.Status != "" {
			seen[o.Status] = true
		}
	}
	for _, s := range precedence {
		if seen[s] {
			v.Status = s
			break
		}
	}
	return v
}

// Primary returns the failing outcome that set Status, if any.
func (v Verdict) Primary() (Outcome, bool) {
	for _, o := range v.Failures {
		if o.Status == v.Status {
			return o, true
		}
	}
	return Outcome{}, false
}
