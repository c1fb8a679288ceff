package rules

import (
	"time"

	"github.com/roach88/torque/internal/torque"
)

// DefaultRules is the built-in rule set used when no rules are configured.
// The environmental rule ships disabled.
func DefaultRules() []Rule {
	week := 7 * 24 * time.Hour
	return []Rule{
		{
			Name:        "wrench-calibration",
			Kind:        KindCalibration,
			Enabled:     true,
			Severity:    SeverityCritical,
			Calibration: &CalibrationParams{WarningWindow: week},
		},
		{
			Name:          "operator-certification",
			Kind:          KindCertification,
			Enabled:       true,
			Severity:      SeverityCritical,
			Certification: &CertificationParams{WarningWindow: week},
		},
		{
			Name:     "sequence-order",
			Kind:     KindSequence,
			Enabled:  true,
			Severity: SeverityCritical,
			Sequence: &SequenceParams{AllowSingleSkip: true},
		},
		{
			Name:      "standard-tolerance",
			Kind:      KindTolerance,
			Enabled:   true,
			Severity:  SeverityCritical,
			Tolerance: &ToleranceParams{MaxRetries: 3},
		},
		{
			Name:     "angle-window",
			Kind:     KindAngle,
			Enabled:  true,
			Severity: SeverityCritical,
			Methods:  []torque.Method{torque.MethodTorqueAngle},
			Angle:    &AngleParams{},
		},
		{
			Name:     "yield-detection",
			Kind:     KindYield,
			Enabled:  true,
			Severity: SeverityCritical,
			Methods:  []torque.Method{torque.MethodTorqueToYield},
			Yield:    &YieldParams{SlopeThreshold: 0.05, MinAngle: 30, MinSamples: 3},
		},
		{
			Name:        "progressive-torque",
			Kind:        KindProgressive,
			Enabled:     true,
			Severity:    SeverityCritical,
			Progressive: &ProgressiveParams{},
		},
		{
			Name:          "environmental",
			Kind:          KindEnvironmental,
			Enabled:       false,
			Severity:      SeverityWarning,
			Environmental: &EnvironmentalParams{MinTemperature: 10, MaxTemperature: 35, MaxHumidity: 85},
		},
	}
}
