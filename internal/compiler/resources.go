package compiler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cuelang.org/go/cue"

	"github.com/roach88/torque/internal/torque"
)

// ErrUnknownResource is returned by Catalog for ids it does not hold.
var ErrUnknownResource = errors.New("unknown resource")

// CompileWrench parses a CUE value into a Wrench. The id is the label.
func CompileWrench(v cue.Value) (*torque.Wrench, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	w := &torque.Wrench{ID: label(v)}

	var err error
	if w.Model, err = optString(v, "model"); err != nil {
		return nil, err
	}
	if w.Serial, err = optString(v, "serial"); err != nil {
		return nil, err
	}
	conn, err := optString(v, "connection_type")
	if err != nil {
		return nil, err
	}
	if conn == "" {
		conn = string(torque.ConnectionBluetooth)
	}
	if w.ConnectionType, err = torque.ParseConnectionType(conn); err != nil {
		return nil, invalidAt(v, "connection_type", err)
	}
	if w.Address, err = optString(v, "address"); err != nil {
		return nil, err
	}
	if w.CalibratedAt, err = optTime(v, "calibrated_at"); err != nil {
		return nil, err
	}
	if w.CalibrationDue, err = optTime(v, "calibration_due"); err != nil {
		return nil, err
	}
	if w.AngleCapable, err = optBool(v, "angle_capable", false); err != nil {
		return nil, err
	}
	if w.YieldCapable, err = optBool(v, "yield_capable", false); err != nil {
		return nil, err
	}
	if !w.CalibratedAt.IsZero() && w.CalibrationDue.Before(w.CalibratedAt) {
		return nil, &CompileError{
			Code:    ErrCodeResource,
			Field:   "calibration_due",
			Message: fmt.Sprintf("wrench %s: calibration due before it was calibrated", w.ID),
			Pos:     v.Pos(),
		}
	}
	return w, nil
}

// CompileOperator parses a CUE value into an Operator. The id is the label.
func CompileOperator(v cue.Value) (*torque.Operator, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	op := &torque.Operator{ID: label(v)}

	var err error
	if op.Name, err = optString(v, "name"); err != nil {
		return nil, err
	}
	f, ok := field(v, "certifications")
	if !ok {
		return op, nil
	}
	iter, err := f.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		c := iter.Value()
		name, err := requireString(c, "name")
		if err != nil {
			return nil, err
		}
		exp, err := optTime(c, "expires_at")
		if err != nil {
			return nil, err
		}
		if exp.IsZero() {
			return nil, missing("expires_at", c.Pos())
		}
		op.Certifications = append(op.Certifications, torque.Certification{Name: name, ExpiresAt: exp})
	}
	return op, nil
}

// Catalog serves compiled wrenches and operators by id. It satisfies the
// orchestrator's Resources interface. Safe for concurrent use.
type Catalog struct {
	mu        sync.RWMutex
	wrenches  map[string]torque.Wrench
	operators map[string]torque.Operator
}

// NewCatalog creates a catalog holding copies of ws and ops.
func NewCatalog(ws []torque.Wrench, ops []torque.Operator) *Catalog {
	c := &Catalog{
		wrenches:  make(map[string]torque.Wrench, len(ws)),
		operators: make(map[string]torque.Operator, len(ops)),
	}
	for _, w := range ws {
		c.wrenches[w.ID] = w
	}
	for _, op := range ops {
		c.PutOperator(op)
	}
	return c
}

// Wrench returns the wrench with id.
func (c *Catalog) Wrench(_ context.Context, id string) (torque.Wrench, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.wrenches[id]
	if !ok {
		return torque.Wrench{}, fmt.Errorf("wrench %s: %w", id, ErrUnknownResource)
	}
	return w, nil
}

// Operator returns the operator with id.
func (c *Catalog) Operator(_ context.Context, id string) (torque.Operator, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	op, ok := c.operators[id]
	if !ok {
		return torque.Operator{}, fmt.Errorf("operator %s: %w", id, ErrUnknownResource)
	}
	op.Certifications = append([]torque.Certification(nil), op.Certifications...)
	return op, nil
}

// PutWrench adds or replaces a wrench, e.g. after recalibration.
func (c *Catalog) PutWrench(w torque.Wrench) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wrenches[w.ID] = w
}

// PutOperator adds or replaces an operator.
func (c *Catalog) PutOperator(op torque.Operator) {
	op.Certifications = append([]torque.Certification(nil), op.Certifications...)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operators[op.ID] = op
}
