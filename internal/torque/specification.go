package torque

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Default tolerance bands (percent of target) when a specification does not
// carry an explicit band or percentage.
const (
	DefaultTolerancePercent         = 3.0
	DefaultCriticalTolerancePercent = 1.5
)

// ErrSpecificationApproved is returned when an approved specification is
// mutated instead of revised.
var ErrSpecificationApproved = errors.New("specification is approved and cannot be modified")

// Fastener describes the hardware being installed.
type Fastener struct {
	PartNumber  string `json:"part_number,omitempty"`
	Size        string `json:"size,omitempty"`
	Grade       string `json:"grade,omitempty"`
	Lubrication string `json:"lubrication,omitempty"`
}

// Approval records the engineering sign-off that freezes a specification.
type Approval struct {
	By string    `json:"by"`
	At time.Time `json:"at"`
}

// Point is a bolt coordinate used for spiral ordering and visualization.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Specification is the engineered description of a fastening job.
//
// A Specification is a value. Copies share nothing mutable because slice
// fields are cloned by Clone, Revise and Approve.
type Specification struct {
	ID       string `json:"id"`
	Revision int    `json:"revision"`
	Name     string `json:"name"`

	TargetTorque     float64 `json:"target_torque"`
	TorqueLower      float64 `json:"torque_lower,omitempty"`
	TorqueUpper      float64 `json:"torque_upper,omitempty"`
	TolerancePercent float64 `json:"tolerance_percent,omitempty"`

	TargetAngle    float64 `json:"target_angle,omitempty"`
	AngleTolerance float64 `json:"angle_tolerance,omitempty"`

	Method      Method      `json:"method"`
	Pattern     Pattern     `json:"pattern"`
	BoltCount   int         `json:"bolt_count"`
	Passes      int         `json:"passes"`
	SafetyLevel SafetyLevel `json:"safety_level"`

	// PassFractions scales the final target for each pass (e.g. 0.3, 0.7, 1.0).
	// Empty means every pass targets TargetTorque.
	PassFractions []float64 `json:"pass_fractions,omitempty"`

	// Layout holds one coordinate per bolt, indexed by physical position - 1.
	Layout []Point `json:"layout,omitempty"`

	Fastener      Fastener  `json:"fastener"`
	EffectiveFrom time.Time `json:"effective_from"`
	ExpiresAt     time.Time `json:"expires_at"`
	Approval      *Approval `json:"approval,omitempty"`
}

// Approved reports whether engineering approval has been granted.
func (s Specification) Approved() bool {
	return s.Approval != nil
}

// Clone returns a deep copy.
func (s Specification) Clone() Specification {
	c := s
	if s.PassFractions != nil {
		c.PassFractions = append([]float64(nil), s.PassFractions...)
	}
	if s.Layout != nil {
		c.Layout = append([]Point(nil), s.Layout...)
	}
	if s.Approval != nil {
		a := *s.Approval
		c.Approval = &a
	}
	return c
}

// Validate checks internal consistency.
func (s Specification) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("specification id is required")
	}
	if !(s.TargetTorque > 0) || math.IsInf(s.TargetTorque, 0) {
		return fmt.Errorf("specification %s: target torque must be positive", s.ID)
	}
	if s.BoltCount <= 0 {
		return fmt.Errorf("specification %s: bolt count must be positive", s.ID)
	}
	if s.Passes <= 0 {
		return fmt.Errorf("specification %s: passes must be at least 1", s.ID)
	}
	if _, err := ParseMethod(string(s.Method)); err != nil {
		return fmt.Errorf("specification %s: %w", s.ID, err)
	}
	if _, err := ParsePattern(string(s.Pattern)); err != nil {
		return fmt.Errorf("specification %s: %w", s.ID, err)
	}
	if _, err := ParseSafetyLevel(string(s.SafetyLevel)); err != nil {
		return fmt.Errorf("specification %s: %w", s.ID, err)
	}
	if s.TorqueLower != 0 || s.TorqueUpper != 0 {
		if !(s.TorqueLower <= s.TargetTorque && s.TargetTorque <= s.TorqueUpper) {
			return fmt.Errorf("specification %s: band [%g, %g] does not contain target %g",
				s.ID, s.TorqueLower, s.TorqueUpper, s.TargetTorque)
		}
	}
	if s.TolerancePercent < 0 {
		return fmt.Errorf("specification %s: tolerance percent must not be negative", s.ID)
	}
	if s.Method == MethodTorqueAngle && (s.TargetAngle <= 0 || s.AngleTolerance <= 0) {
		return fmt.Errorf("specification %s: TORQUE_ANGLE requires target angle and angle tolerance", s.ID)
	}
	if len(s.PassFractions) > 0 {
		if len(s.PassFractions) != s.Passes {
			return fmt.Errorf("specification %s: %d pass fractions for %d passes",
				s.ID, len(s.PassFractions), s.Passes)
		}
		for i, f := range s.PassFractions {
			if f <= 0 || f > 1 {
				return fmt.Errorf("specification %s: pass fraction %d out of range (0, 1]: %g", s.ID, i+1, f)
			}
		}
	}
	if len(s.Layout) > 0 && len(s.Layout) != s.BoltCount {
		return fmt.Errorf("specification %s: layout has %d points for %d bolts", s.ID, len(s.Layout), s.BoltCount)
	}
	if !s.ExpiresAt.IsZero() && !s.EffectiveFrom.IsZero() && s.ExpiresAt.Before(s.EffectiveFrom) {
		return fmt.Errorf("specification %s: expires before it becomes effective", s.ID)
	}
	return nil
}

// EffectiveAt reports whether the specification may be used at t.
func (s Specification) EffectiveAt(t time.Time) bool {
	if !s.EffectiveFrom.IsZero() && t.Before(s.EffectiveFrom) {
		return false
	}
	if !s.ExpiresAt.IsZero() && t.After(s.ExpiresAt) {
		return false
	}
	return true
}

// PassTarget returns the torque target for a 1-based pass number.
func (s Specification) PassTarget(pass int) float64 {
	if pass >= 1 && pass <= len(s.PassFractions) {
		return s.TargetTorque * s.PassFractions[pass-1]
	}
	return s.TargetTorque
}

// Band returns the acceptable [lower, upper] torque for a pass.
//
// An explicit band is scaled with the pass fraction. Otherwise the band is
// TolerancePercent around the pass target, falling back to the safety-level
// default.
func (s Specification) Band(pass int) (lower, upper float64) {
	target := s.PassTarget(pass)
	if s.TorqueLower != 0 || s.TorqueUpper != 0 {
		scale := target / s.TargetTorque
		return s.TorqueLower * scale, s.TorqueUpper * scale
	}
	pct := s.TolerancePercent
	if pct == 0 {
		pct = DefaultTolerancePercentFor(s.SafetyLevel)
	}
	return target * (1 - pct/100), target * (1 + pct/100)
}

// DefaultTolerancePercentFor returns the band used when a specification
// carries neither an explicit band nor a percentage.
func DefaultTolerancePercentFor(level SafetyLevel) float64 {
	if level == SafetyCritical {
		return DefaultCriticalTolerancePercent
	}
	return DefaultTolerancePercent
}

// Approve returns an approved copy. Approving twice is an error.
func (s Specification) Approve(by string, at time.Time) (Specification, error) {
	if s.Approved() {
		return Specification{}, ErrSpecificationApproved
	}
	if by == "" {
		return Specification{}, fmt.Errorf("approver is required")
	}
	if err := s.Validate(); err != nil {
		return Specification{}, err
	}
	c := s.Clone()
	c.Approval = &Approval{By: by, At: at}
	return c, nil
}

// Revise applies mutate to a copy and returns it as the next revision.
// The returned specification is unapproved.
func (s Specification) Revise(mutate func(*Specification)) (Specification, error) {
	c := s.Clone()
	c.Approval = nil
	if mutate != nil {
		mutate(&c)
	}
	c.ID = s.ID
	c.Revision = s.Revision + 1
	if err := c.Validate(); err != nil {
		return Specification{}, fmt.Errorf("revise %s: %w", s.ID, err)
	}
	return c, nil
}
