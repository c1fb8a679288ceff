package rules

import (
	"fmt"
	"slices"
	"time"

	"github.com/roach88/torque/internal/torque"
)

// Kind identifies a rule variant. The set is closed: Evaluate switches on it.
type Kind string

const (
	KindTolerance     Kind = "TOLERANCE"
	KindAngle         Kind = "ANGLE"
	KindYield         Kind = "YIELD"
	KindProgressive   Kind = "PROGRESSIVE"
	KindSequence      Kind = "SEQUENCE"
	KindCalibration   Kind = "CALIBRATION"
	KindCertification Kind = "CERTIFICATION"
	KindEnvironmental Kind = "ENVIRONMENTAL"
)

// Severity decides whether a failing outcome blocks advancement.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityWarning  Severity = "WARNING"
)

// ToleranceParams configures the torque band check.
type ToleranceParams struct {
	// TolerancePercent overrides the specification band when non-zero.
	TolerancePercent float64 `json:"tolerance_percent,omitempty"`
	// MaxRetries caps re-torque attempts on one position. A failure past the
	// cap needs supervisor approval. Zero means unlimited.
	MaxRetries int `json:"max_retries,omitempty"`
}

// AngleParams configures the fixed-degree angle band.
type AngleParams struct {
	// ToleranceDegrees overrides the specification angle tolerance when non-zero.
	ToleranceDegrees float64 `json:"tolerance_degrees,omitempty"`
}

// YieldParams configures torque/angle curve inflection detection.
type YieldParams struct {
	// SlopeThreshold is the incremental Nm per degree below which the joint
	// is considered yielding.
	SlopeThreshold float64 `json:"slope_threshold"`
	MinAngle       float64 `json:"min_angle,omitempty"`
	// MaxAngle of zero leaves the window open-ended.
	MaxAngle   float64 `json:"max_angle,omitempty"`
	MinSamples int     `json:"min_samples,omitempty"`
}

// ProgressiveParams configures the pass-over-pass increase check.
type ProgressiveParams struct {
	MinIncrement float64 `json:"min_increment"`
}

// SequenceParams configures bolt-order enforcement.
type SequenceParams struct {
	// AllowSingleSkip lets a caller holding an override token tighten the
	// bolt after the expected one.
	AllowSingleSkip bool `json:"allow_single_skip"`
}

// CalibrationParams configures the wrench calibration gate.
type CalibrationParams struct {
	WarningWindow time.Duration `json:"warning_window,omitempty"`
}

// CertificationParams configures the operator certification gate.
type CertificationParams struct {
	// Required names the certification. Empty accepts any.
	Required      string        `json:"required,omitempty"`
	WarningWindow time.Duration `json:"warning_window,omitempty"`
}

// EnvironmentalParams configures the temperature and humidity band.
type EnvironmentalParams struct {
	MinTemperature float64 `json:"min_temperature"`
	MaxTemperature float64 `json:"max_temperature"`
	MaxHumidity    float64 `json:"max_humidity,omitempty"`
}

// Rule is a named, parameterized predicate. Exactly one params field,
// matching Kind, is set.
type Rule struct {
	Name     string   `json:"name"`
	Kind     Kind     `json:"kind"`
	Enabled  bool     `json:"enabled"`
	Severity Severity `json:"severity"`

	// Applicability filters. Empty matches everything.
	SafetyLevels []torque.SafetyLevel `json:"safety_levels,omitempty"`
	Methods      []torque.Method      `json:"methods,omitempty"`

	Tolerance     *ToleranceParams     `json:"tolerance,omitempty"`
	Angle         *AngleParams         `json:"angle,omitempty"`
	Yield         *YieldParams         `json:"yield,omitempty"`
	Progressive   *ProgressiveParams   `json:"progressive,omitempty"`
	Sequence      *SequenceParams      `json:"sequence,omitempty"`
	Calibration   *CalibrationParams   `json:"calibration,omitempty"`
	Certification *CertificationParams `json:"certification,omitempty"`
	Environmental *EnvironmentalParams `json:"environmental,omitempty"`
}

// Gate reports whether the rule runs before physical evaluation and blocks
// the reading outright on failure.
func (r Rule) Gate() bool {
	return r.Kind == KindCalibration || r.Kind == KindCertification
}

// Validate checks that the params match the kind.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.Severity != SeverityCritical && r.Severity != SeverityWarning {
		return fmt.Errorf("rule %s: unknown severity %q", r.Name, r.Severity)
	}

	var ok bool
	switch r.Kind {
	case KindTolerance:
		ok = r.Tolerance != nil
		if ok && (r.Tolerance.TolerancePercent < 0 || r.Tolerance.MaxRetries < 0) {
			return fmt.Errorf("rule %s: tolerance params must not be negative", r.Name)
		}
	case KindAngle:
		ok = r.Angle != nil
	case KindYield:
		ok = r.Yield != nil
		if ok && r.Yield.SlopeThreshold <= 0 {
			return fmt.Errorf("rule %s: yield slope threshold must be positive", r.Name)
		}
		if ok && r.Yield.MaxAngle != 0 && r.Yield.MaxAngle < r.Yield.MinAngle {
			return fmt.Errorf("rule %s: yield window max below min", r.Name)
		}
	case KindProgressive:
		ok = r.Progressive != nil
	case KindSequence:
		ok = r.Sequence != nil
	case KindCalibration:
		ok = r.Calibration != nil
	case KindCertification:
		ok = r.Certification != nil
	case KindEnvironmental:
		ok = r.Environmental != nil
		if r.Severity != SeverityWarning {
			return fmt.Errorf("rule %s: environmental rules are advisory and must be WARNING", r.Name)
		}
		if ok && r.Environmental.MaxTemperature < r.Environmental.MinTemperature {
			return fmt.Errorf("rule %s: temperature band max below min", r.Name)
		}
	default:
		return fmt.Errorf("rule %s: unknown kind %q", r.Name, r.Kind)
	}
	if !ok {
		return fmt.Errorf("rule %s: missing %s params", r.Name, r.Kind)
	}
	return nil
}

// Applies reports whether the rule should be evaluated for this reading.
func (r Rule) Applies(c Context, reading torque.Reading) bool {
	if !r.Enabled {
		return false
	}
	if len(r.SafetyLevels) > 0 && !slices.Contains(r.SafetyLevels, c.Spec.SafetyLevel) {
		return false
	}
	if len(r.Methods) > 0 && !slices.Contains(r.Methods, c.Spec.Method) {
		return false
	}

	switch r.Kind {
	case KindAngle:
		return c.Spec.Method == torque.MethodTorqueAngle
	case KindYield:
		return c.Spec.Method == torque.MethodTorqueToYield
	case KindProgressive:
		return c.Pass > 1 && c.PreviousPassTorque != nil
	case KindEnvironmental:
		return reading.Temperature != nil || reading.Humidity != nil
	}
	return true
}

// Context is everything a rule may consult besides the reading itself.
type Context struct {
	Spec torque.Specification

	// Expected is the position the state machine expects next.
	Expected torque.Position
	// NextPosition is the bolt after Expected in this pass, if any.
	NextPosition string
	Pass         int
	// Attempt is the 1-based attempt number on the evaluated position.
	Attempt int

	// History holds earlier readings on the evaluated bolt, all passes, in
	// arrival order.
	History []torque.Reading
	// PreviousPassTorque is the accepted torque of the same bolt in the
	// previous pass.
	PreviousPassTorque *float64

	Wrench   torque.Wrench
	Operator torque.Operator
	Now      time.Time

	OverrideToken string
}
