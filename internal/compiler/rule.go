package compiler

import (
	"cuelang.org/go/cue"

	"github.com/roach88/torque/internal/rules"
	"github.com/roach88/torque/internal/torque"
)

// CompileRule parses a CUE value into a validation rule. The rule name is
// the value's label. Params live in a block named after the kind in lower
// case; YIELD and ENVIRONMENTAL rules require theirs.
//
//	rule: "standard-tolerance": {
//		kind:      "TOLERANCE"
//		severity:  "CRITICAL"
//		tolerance: max_retries: 3
//	}
func CompileRule(v cue.Value) (*rules.Rule, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	r := &rules.Rule{Name: label(v)}

	kind, err := requireString(v, "kind")
	if err != nil {
		return nil, err
	}
	r.Kind = rules.Kind(kind)

	severity, err := optString(v, "severity")
	if err != nil {
		return nil, err
	}
	if severity == "" {
		severity = string(rules.SeverityCritical)
		if r.Kind == rules.KindEnvironmental {
			severity = string(rules.SeverityWarning)
		}
	}
	r.Severity = rules.Severity(severity)

	if r.Enabled, err = optBool(v, "enabled", true); err != nil {
		return nil, err
	}

	levels, err := optStrings(v, "safety_levels")
	if err != nil {
		return nil, err
	}
	for _, l := range levels {
		sl, perr := torque.ParseSafetyLevel(l)
		if perr != nil {
			return nil, invalidAt(v, "safety_levels", perr)
		}
		r.SafetyLevels = append(r.SafetyLevels, sl)
	}
	methods, err := optStrings(v, "methods")
	if err != nil {
		return nil, err
	}
	for _, m := range methods {
		mt, perr := torque.ParseMethod(m)
		if perr != nil {
			return nil, invalidAt(v, "methods", perr)
		}
		r.Methods = append(r.Methods, mt)
	}

	if err := parseParams(v, r); err != nil {
		return nil, err
	}

	if err := r.Validate(); err != nil {
		return nil, &CompileError{
			Code:    ErrCodeRule,
			Field:   "rule",
			Message: err.Error(),
			Pos:     v.Pos(),
		}
	}
	return r, nil
}

// parseParams fills the params block matching r.Kind. Blocks for other
// kinds are ignored.
func parseParams(v cue.Value, r *rules.Rule) error {
	var err error
	switch r.Kind {
	case rules.KindTolerance:
		p := &rules.ToleranceParams{}
		f, _ := field(v, "tolerance")
		if p.TolerancePercent, err = optFloat(f, "tolerance_percent"); err != nil {
			return err
		}
		if p.MaxRetries, err = optInt(f, "max_retries"); err != nil {
			return err
		}
		r.Tolerance = p
	case rules.KindAngle:
		p := &rules.AngleParams{}
		f, _ := field(v, "angle")
		if p.ToleranceDegrees, err = optFloat(f, "tolerance_degrees"); err != nil {
			return err
		}
		r.Angle = p
	case rules.KindYield:
		f, ok := field(v, "yield")
		if !ok {
			return missing("yield", v.Pos())
		}
		p := &rules.YieldParams{}
		if p.SlopeThreshold, err = requireFloat(f, "slope_threshold"); err != nil {
			return err
		}
		if p.MinAngle, err = optFloat(f, "min_angle"); err != nil {
			return err
		}
		if p.MaxAngle, err = optFloat(f, "max_angle"); err != nil {
			return err
		}
		if p.MinSamples, err = optInt(f, "min_samples"); err != nil {
			return err
		}
		r.Yield = p
	case rules.KindProgressive:
		p := &rules.ProgressiveParams{}
		f, _ := field(v, "progressive")
		if p.MinIncrement, err = optFloat(f, "min_increment"); err != nil {
			return err
		}
		r.Progressive = p
	case rules.KindSequence:
		p := &rules.SequenceParams{}
		f, _ := field(v, "sequence")
		if p.AllowSingleSkip, err = optBool(f, "allow_single_skip", false); err != nil {
			return err
		}
		r.Sequence = p
	case rules.KindCalibration:
		p := &rules.CalibrationParams{}
		f, _ := field(v, "calibration")
		if p.WarningWindow, err = optDuration(f, "warning_window"); err != nil {
			return err
		}
		r.Calibration = p
	case rules.KindCertification:
		p := &rules.CertificationParams{}
		f, _ := field(v, "certification")
		if p.Required, err = optString(f, "required"); err != nil {
			return err
		}
		if p.WarningWindow, err = optDuration(f, "warning_window"); err != nil {
			return err
		}
		r.Certification = p
	case rules.KindEnvironmental:
		f, ok := field(v, "environmental")
		if !ok {
			return missing("environmental", v.Pos())
		}
		p := &rules.EnvironmentalParams{}
		if p.MinTemperature, err = requireFloat(f, "min_temperature"); err != nil {
			return err
		}
		if p.MaxTemperature, err = requireFloat(f, "max_temperature"); err != nil {
			return err
		}
		if p.MaxHumidity, err = optFloat(f, "max_humidity"); err != nil {
			return err
		}
		r.Environmental = p
	}
	return nil
}
