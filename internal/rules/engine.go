package rules

import (
	"fmt"
	"math"

	"github.com/roach88/torque/internal/torque"
)

// eps absorbs floating-point noise at band boundaries so a reading exactly
// on the limit passes.
const eps = 1e-9

// Outcome is the result of one rule against one reading.
type Outcome struct {
	Rule     string   `json:"rule"`
	Kind     Kind     `json:"kind"`
	Severity Severity `json:"severity"`
	Passed   bool     `json:"passed"`
	Blocked  bool     `json:"blocked,omitempty"`

	// Status is the event status this outcome maps to when it fails.
	Status torque.EventStatus `json:"status,omitempty"`

	Deviation float64 `json:"deviation,omitempty"`
	// Excess is the distance past the violated limit.
	Excess  float64 `json:"excess,omitempty"`
	Message string  `json:"message"`

	// RequiresApproval freezes the position until a supervisor disposes.
	RequiresApproval bool `json:"requires_approval,omitempty"`
	// Overridden marks a pass granted by an override token.
	Overridden bool `json:"overridden,omitempty"`
}

// Failing reports whether the outcome failed at the given severity.
func (o Outcome) Failing(s Severity) bool {
	return !o.Passed && o.Severity == s
}

// Engine evaluates a fixed rule set. It holds no mutable state and is safe
// for concurrent use.
type Engine struct {
	rules []Rule
}

// NewEngine validates and copies rules. Rule names must be unique.
func NewEngine(rules []Rule) (*Engine, error) {
	seen := make(map[string]bool, len(rules))
	cp := make([]Rule, len(rules))
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("duplicate rule name: %s", r.Name)
		}
		seen[r.Name] = true
		cp[i] = r
	}
	return &Engine{rules: cp}, nil
}

// Rules returns a copy of the rule set in evaluation order.
func (e *Engine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Evaluate runs every applicable rule and returns all outcomes.
//
// Gate rules (calibration, certification) run first. If any gate blocks,
// only gate outcomes are returned and no physical evaluation happens.
func (e *Engine) Evaluate(reading torque.Reading, c Context) []Outcome {
	var gates []Outcome
	blocked := false
	for _, r := range e.rules {
		if !r.Gate() || !r.Applies(c, reading) {
			continue
		}
		for _, o := range evaluate(r, reading, c) {
			blocked = blocked || o.Blocked
			gates = append(gates, o)
		}
	}
	if blocked {
		return gates
	}

	out := gates
	for _, r := range e.rules {
		if r.Gate() || !r.Applies(c, reading) {
			continue
		}
		out = append(out, evaluate(r, reading, c)...)
	}
	return out
}

func evaluate(r Rule, reading torque.Reading, c Context) []Outcome {
	switch r.Kind {
	case KindTolerance:
		return []Outcome{evalTolerance(r, reading, c)}
	case KindAngle:
		return []Outcome{evalAngle(r, reading, c)}
	case KindYield:
		return evalYield(r, reading, c)
	case KindProgressive:
		return []Outcome{evalProgressive(r, reading, c)}
	case KindSequence:
		return []Outcome{evalSequence(r, reading, c)}
	case KindCalibration:
		return evalCalibration(r, reading, c)
	case KindCertification:
		return evalCertification(r, c)
	case KindEnvironmental:
		return []Outcome{evalEnvironmental(r, reading)}
	}
	return nil
}

func outcome(r Rule) Outcome {
	return Outcome{Rule: r.Name, Kind: r.Kind, Severity: r.Severity, Passed: true}
}

func evalTolerance(r Rule, reading torque.Reading, c Context) Outcome {
	o := outcome(r)
	target := c.Spec.PassTarget(c.Pass)
	lower, upper := c.Spec.Band(c.Pass)
	if pct := r.Tolerance.TolerancePercent; pct > 0 {
		lower, upper = target*(1-pct/100), target*(1+pct/100)
	}

	o.Deviation = reading.Torque - target
	switch {
	case reading.Torque < lower-eps:
		o.Passed = false
		o.Status = torque.StatusUnderTorque
		o.Excess = reading.Torque - lower
		o.Message = fmt.Sprintf("torque %.2f Nm below lower limit %.2f Nm", reading.Torque, lower)
	case reading.Torque > upper+eps:
		o.Passed = false
		o.Status = torque.StatusOverTorque
		o.Excess = reading.Torque - upper
		o.Message = fmt.Sprintf("torque %.2f Nm above upper limit %.2f Nm", reading.Torque, upper)
	default:
		o.Message = fmt.Sprintf("torque %.2f Nm within [%.2f, %.2f]", reading.Torque, lower, upper)
		return o
	}

	if r.Severity == SeverityCritical && c.Spec.SafetyLevel == torque.SafetyCritical {
		o.RequiresApproval = true
		o.Message += "; supervisor approval required"
	} else if limit := r.Tolerance.MaxRetries; limit > 0 && c.Attempt > limit {
		o.RequiresApproval = true
		o.Message += fmt.Sprintf("; retry limit %d reached", limit)
	}
	return o
}

func evalAngle(r Rule, reading torque.Reading, c Context) Outcome {
	o := outcome(r)
	tol := r.Angle.ToleranceDegrees
	if tol == 0 {
		tol = c.Spec.AngleTolerance
	}
	if reading.Angle == nil {
		o.Passed = false
		o.Status = torque.StatusAngleFail
		o.Message = "angle required but not reported"
		return o
	}
	o.Deviation = *reading.Angle - c.Spec.TargetAngle
	if math.Abs(o.Deviation) > tol+eps {
		o.Passed = false
		o.Status = torque.StatusAngleFail
		o.Excess = math.Abs(o.Deviation) - tol
		o.Message = fmt.Sprintf("angle %.1f° outside %.1f° ± %.1f°", *reading.Angle, c.Spec.TargetAngle, tol)
		return o
	}
	o.Message = fmt.Sprintf("angle %.1f° within %.1f° ± %.1f°", *reading.Angle, c.Spec.TargetAngle, tol)
	return o
}

// evalYield looks at the slope of the torque/angle curve built from the
// bolt's history plus the new reading. Yield is flagged when the latest
// incremental slope drops below the threshold inside the angle window.
func evalYield(r Rule, reading torque.Reading, c Context) []Outcome {
	p := r.Yield
	minSamples := p.MinSamples
	if minSamples < 3 {
		minSamples = 3
	}

	var pts []torque.Reading
	for _, h := range c.History {
		if h.Angle != nil {
			pts = append(pts, h)
		}
	}
	if reading.Angle != nil {
		pts = append(pts, reading)
	}
	if len(pts) < minSamples || reading.Angle == nil {
		// Not enough curve to judge yet.
		return nil
	}

	prev, last := pts[len(pts)-2], pts[len(pts)-1]
	dTheta := *last.Angle - *prev.Angle
	if dTheta <= 0 {
		return nil
	}
	slope := (last.Torque - prev.Torque) / dTheta

	o := outcome(r)
	o.Deviation = slope
	angle := *last.Angle
	inWindow := angle >= p.MinAngle-eps && (p.MaxAngle == 0 || angle <= p.MaxAngle+eps)
	if inWindow && slope < p.SlopeThreshold {
		o.Passed = false
		o.Status = torque.StatusYieldDetected
		o.Message = fmt.Sprintf("slope %.4f Nm/° below %.4f at %.1f°", slope, p.SlopeThreshold, angle)
		return []Outcome{o}
	}
	o.Message = fmt.Sprintf("slope %.4f Nm/° at %.1f°", slope, angle)
	return []Outcome{o}
}

func evalProgressive(r Rule, reading torque.Reading, c Context) Outcome {
	o := outcome(r)
	prev := *c.PreviousPassTorque
	o.Deviation = reading.Torque - prev
	if o.Deviation < r.Progressive.MinIncrement-eps {
		o.Passed = false
		o.Status = torque.StatusSequenceViolation
		o.Excess = o.Deviation - r.Progressive.MinIncrement
		o.Message = fmt.Sprintf("pass %d torque %.2f Nm does not exceed pass %d torque %.2f Nm by %.2f Nm",
			c.Pass, reading.Torque, c.Pass-1, prev, r.Progressive.MinIncrement)
		return o
	}
	o.Message = fmt.Sprintf("pass %d increased %.2f Nm over pass %d", c.Pass, o.Deviation, c.Pass-1)
	return o
}

func evalSequence(r Rule, reading torque.Reading, c Context) Outcome {
	o := outcome(r)
	expected := c.Expected.BoltPosition
	got := reading.BoltPosition
	switch {
	case got == "" || got == expected:
		o.Message = fmt.Sprintf("bolt %s in sequence", expected)
	case r.Sequence.AllowSingleSkip && c.OverrideToken != "" && got == c.NextPosition:
		o.Overridden = true
		o.Message = fmt.Sprintf("bolt %s tightened ahead of %s by override", got, expected)
	default:
		o.Passed = false
		o.Status = torque.StatusSequenceViolation
		o.Message = fmt.Sprintf("expected bolt %s, got %s", expected, got)
	}
	return o
}

func evalCalibration(r Rule, reading torque.Reading, c Context) []Outcome {
	o := outcome(r)
	w := c.Wrench
	if reading.WrenchID != "" && reading.WrenchID != w.ID {
		o.Passed = false
		o.Blocked = true
		o.Message = fmt.Sprintf("reading from wrench %s, session holds %s", reading.WrenchID, w.ID)
		return []Outcome{o}
	}
	if !w.CalibrationValid(c.Now) {
		o.Passed = false
		o.Blocked = true
		if w.CalibrationDue.IsZero() {
			o.Message = fmt.Sprintf("wrench %s has no calibration record", w.ID)
		} else {
			o.Message = fmt.Sprintf("wrench %s calibration lapsed %s", w.ID, w.CalibrationDue.Format("2006-01-02"))
		}
		return []Outcome{o}
	}
	if win := r.Calibration.WarningWindow; win > 0 && w.CalibrationDue.Sub(c.Now) < win {
		o.Passed = false
		o.Severity = SeverityWarning
		o.Message = fmt.Sprintf("wrench %s calibration due %s", w.ID, w.CalibrationDue.Format("2006-01-02"))
		return []Outcome{o}
	}
	o.Message = fmt.Sprintf("wrench %s calibrated until %s", w.ID, w.CalibrationDue.Format("2006-01-02"))
	return []Outcome{o}
}

func evalCertification(r Rule, c Context) []Outcome {
	o := outcome(r)
	p := r.Certification
	cert, ok := c.Operator.Certification(p.Required)
	if !ok {
		o.Passed = false
		o.Blocked = true
		o.Message = fmt.Sprintf("operator %s holds no %s certification", c.Operator.ID, certName(p.Required))
		return []Outcome{o}
	}
	if c.Now.After(cert.ExpiresAt) {
		o.Passed = false
		o.Blocked = true
		o.Message = fmt.Sprintf("operator %s %s certification lapsed %s", c.Operator.ID, certName(cert.Name), cert.ExpiresAt.Format("2006-01-02"))
		return []Outcome{o}
	}
	if p.WarningWindow > 0 && cert.ExpiresAt.Sub(c.Now) < p.WarningWindow {
		o.Passed = false
		o.Severity = SeverityWarning
		o.Message = fmt.Sprintf("operator %s %s certification expires %s", c.Operator.ID, certName(cert.Name), cert.ExpiresAt.Format("2006-01-02"))
		return []Outcome{o}
	}
	o.Message = fmt.Sprintf("operator %s certified", c.Operator.ID)
	return []Outcome{o}
}

func certName(n string) string {
	if n == "" {
		return "torque"
	}
	return n
}

func evalEnvironmental(r Rule, reading torque.Reading) Outcome {
	o := outcome(r)
	p := r.Environmental
	if t := reading.Temperature; t != nil && (*t < p.MinTemperature-eps || *t > p.MaxTemperature+eps) {
		o.Passed = false
		o.Message = fmt.Sprintf("temperature %.1f°C outside [%.1f, %.1f]", *t, p.MinTemperature, p.MaxTemperature)
		return o
	}
	if h := reading.Humidity; h != nil && p.MaxHumidity > 0 && *h > p.MaxHumidity+eps {
		o.Passed = false
		o.Message = fmt.Sprintf("humidity %.1f%% above %.1f%%", *h, p.MaxHumidity)
		return o
	}
	o.Message = "environment within band"
	return o
}
