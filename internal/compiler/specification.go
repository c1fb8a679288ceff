package compiler

import (
	"fmt"

	"cuelang.org/go/cue"

	"github.com/roach88/torque/internal/torque"
)

// CompileSpecification parses a CUE value into a Specification. The id is
// the value's label.
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`specification: "head": { ... }`)
//	spec, err := CompileSpecification(v.LookupPath(cue.ParsePath(`specification."head"`)))
func CompileSpecification(v cue.Value) (*torque.Specification, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	spec := &torque.Specification{ID: label(v)}
	if spec.ID == "" {
		return nil, missing("id", v.Pos())
	}

	var err error
	if spec.Revision, err = optInt(v, "revision"); err != nil {
		return nil, err
	}
	if spec.Revision == 0 {
		spec.Revision = 1
	}
	if spec.Name, err = optString(v, "name"); err != nil {
		return nil, err
	}

	if spec.TargetTorque, err = requireFloat(v, "target_torque"); err != nil {
		return nil, err
	}
	if spec.TorqueLower, err = optFloat(v, "torque_lower"); err != nil {
		return nil, err
	}
	if spec.TorqueUpper, err = optFloat(v, "torque_upper"); err != nil {
		return nil, err
	}
	if spec.TolerancePercent, err = optFloat(v, "tolerance_percent"); err != nil {
		return nil, err
	}
	if spec.TargetAngle, err = optFloat(v, "target_angle"); err != nil {
		return nil, err
	}
	if spec.AngleTolerance, err = optFloat(v, "angle_tolerance"); err != nil {
		return nil, err
	}

	method, err := optString(v, "method")
	if err != nil {
		return nil, err
	}
	if method == "" {
		method = string(torque.MethodTorqueOnly)
	}
	if spec.Method, err = torque.ParseMethod(method); err != nil {
		return nil, invalidAt(v, "method", err)
	}

	pattern, err := requireString(v, "pattern")
	if err != nil {
		return nil, err
	}
	if spec.Pattern, err = torque.ParsePattern(pattern); err != nil {
		return nil, invalidAt(v, "pattern", err)
	}

	if spec.BoltCount, err = requireInt(v, "bolt_count"); err != nil {
		return nil, err
	}
	if spec.Passes, err = optInt(v, "passes"); err != nil {
		return nil, err
	}
	if spec.Passes == 0 {
		spec.Passes = 1
	}

	level, err := optString(v, "safety_level")
	if err != nil {
		return nil, err
	}
	if level == "" {
		level = string(torque.SafetyNormal)
	}
	if spec.SafetyLevel, err = torque.ParseSafetyLevel(level); err != nil {
		return nil, invalidAt(v, "safety_level", err)
	}

	if spec.PassFractions, err = optFloats(v, "pass_fractions"); err != nil {
		return nil, err
	}
	if spec.Layout, err = parseLayout(v); err != nil {
		return nil, err
	}
	if spec.Fastener, err = parseFastener(v); err != nil {
		return nil, err
	}

	if spec.EffectiveFrom, err = optTime(v, "effective_from"); err != nil {
		return nil, err
	}
	if spec.ExpiresAt, err = optTime(v, "expires_at"); err != nil {
		return nil, err
	}
	if spec.Approval, err = parseApproval(v); err != nil {
		return nil, err
	}

	if err := spec.Validate(); err != nil {
		return nil, &CompileError{
			Code:    ErrCodeSpecification,
			Field:   "specification",
			Message: err.Error(),
			Pos:     v.Pos(),
		}
	}
	return spec, nil
}

func invalidAt(v cue.Value, name string, err error) *CompileError {
	f, _ := field(v, name)
	return invalid(name, f.Pos(), "%v", err)
}

func parseLayout(v cue.Value) ([]torque.Point, error) {
	f, ok := field(v, "layout")
	if !ok {
		return nil, nil
	}
	iter, err := f.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var points []torque.Point
	for iter.Next() {
		p := iter.Value()
		x, err := requireFloat(p, "x")
		if err != nil {
			return nil, err
		}
		y, err := requireFloat(p, "y")
		if err != nil {
			return nil, err
		}
		points = append(points, torque.Point{X: x, Y: y})
	}
	return points, nil
}

func parseFastener(v cue.Value) (torque.Fastener, error) {
	var fs torque.Fastener
	f, ok := field(v, "fastener")
	if !ok {
		return fs, nil
	}
	var err error
	if fs.PartNumber, err = optString(f, "part_number"); err != nil {
		return fs, err
	}
	if fs.Size, err = optString(f, "size"); err != nil {
		return fs, err
	}
	if fs.Grade, err = optString(f, "grade"); err != nil {
		return fs, err
	}
	if fs.Lubrication, err = optString(f, "lubrication"); err != nil {
		return fs, err
	}
	return fs, nil
}

func parseApproval(v cue.Value) (*torque.Approval, error) {
	f, ok := field(v, "approval")
	if !ok {
		return nil, nil
	}
	by, err := requireString(f, "by")
	if err != nil {
		return nil, err
	}
	at, err := optTime(f, "at")
	if err != nil {
		return nil, err
	}
	if at.IsZero() {
		return nil, missing("approval.at", f.Pos())
	}
	return &torque.Approval{By: by, At: at}, nil
}

// specPath is the path of a specification in a document, for error context.
func specPath(id string) string {
	return fmt.Sprintf("specification.%q", id)
}
