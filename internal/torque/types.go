package torque

import "time"

// Sequence is one bolt position of a specification in expansion order.
type Sequence struct {
	ID              string  `json:"id"`
	SpecificationID string  `json:"specification_id"`
	BoltPosition    string  `json:"bolt_position"`
	Bolt            int     `json:"bolt"`
	SequenceNumber  int     `json:"sequence_number"`
	X               float64 `json:"x"`
	Y               float64 `json:"y"`
}

// Telemetry is the live state reported by a tool adapter.
type Telemetry struct {
	Connected bool `json:"connected"`
	Battery   int  `json:"battery"`
	Signal    int  `json:"signal"`
}

// Wrench is a handle to a physical digital torque tool.
type Wrench struct {
	ID             string         `json:"id"`
	Model          string         `json:"model,omitempty"`
	Serial         string         `json:"serial,omitempty"`
	ConnectionType ConnectionType `json:"connection_type"`
	Address        string         `json:"address,omitempty"`
	CalibratedAt   time.Time      `json:"calibrated_at"`
	CalibrationDue time.Time      `json:"calibration_due"`
	AngleCapable   bool           `json:"angle_capable"`
	YieldCapable   bool           `json:"yield_capable"`
	Telemetry      Telemetry      `json:"telemetry"`
}

// CalibrationValid reports whether the wrench is within calibration at now.
// A wrench with no due date has never been calibrated.
func (w Wrench) CalibrationValid(now time.Time) bool {
	return !w.CalibrationDue.IsZero() && !now.After(w.CalibrationDue)
}

// Certification is a qualification held by an operator.
type Certification struct {
	Name      string    `json:"name"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Operator is the person applying torque.
type Operator struct {
	ID             string          `json:"id"`
	Name           string          `json:"name,omitempty"`
	Certifications []Certification `json:"certifications,omitempty"`
}

// Certification returns the named certification. An empty name matches the
// certification that expires last.
func (o Operator) Certification(name string) (Certification, bool) {
	var best Certification
	found := false
	for _, c := range o.Certifications {
		if name != "" && c.Name != name {
			continue
		}
		if !found || c.ExpiresAt.After(best.ExpiresAt) {
			best = c
			found = true
		}
	}
	return best, found
}

// RawReading is a tool-adapter payload before normalization.
type RawReading struct {
	Torque           float64   `json:"torque"`
	Units            string    `json:"units,omitempty"`
	Angle            *float64  `json:"angle,omitempty"`
	AngleUnits       string    `json:"angle_units,omitempty"`
	Timestamp        time.Time `json:"timestamp,omitempty"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TemperatureUnits string    `json:"temperature_units,omitempty"`
	Humidity         *float64  `json:"humidity,omitempty"`
	BoltPosition     string    `json:"bolt_position,omitempty"`
	WrenchID         string    `json:"wrench_id,omitempty"`
}

// Reading is a normalized measurement: Nm, degrees, Celsius, percent RH.
type Reading struct {
	Torque       float64   `json:"torque"`
	Angle        *float64  `json:"angle,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Temperature  *float64  `json:"temperature,omitempty"`
	Humidity     *float64  `json:"humidity,omitempty"`
	BoltPosition string    `json:"bolt_position,omitempty"`
	WrenchID     string    `json:"wrench_id,omitempty"`
}

// Position is a cursor into a session: which bolt, in which pass.
type Position struct {
	SequenceID     string `json:"sequence_id"`
	BoltPosition   string `json:"bolt_position"`
	SequenceNumber int    `json:"sequence_number"`
	Index          int    `json:"index"`
	Pass           int    `json:"pass"`
}

// Session is a snapshot of the runtime aggregate.
type Session struct {
	ID              string        `json:"id"`
	SpecificationID string        `json:"specification_id"`
	WorkOrderID     string        `json:"work_order_id,omitempty"`
	OperatorID      string        `json:"operator_id"`
	WrenchID        string        `json:"wrench_id"`
	Status          SessionStatus `json:"status"`

	CurrentSequenceIndex int `json:"current_sequence_index"`
	CurrentPassNumber    int `json:"current_pass_number"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`

	EventCount   int `json:"event_count"`
	PassCount    int `json:"pass_count"`
	FailureCount int `json:"failure_count"`

	// Held is set while a failure awaits supervisor approval.
	Held       bool   `json:"held,omitempty"`
	HoldReason string `json:"hold_reason,omitempty"`

	// Complete is set when every (sequence, pass) pair has been closed out.
	Complete bool `json:"complete"`
}

// Event is an immutable TorqueEvent.
type Event struct {
	ID              string `json:"id"`
	Seq             int64  `json:"seq"`
	SessionID       string `json:"session_id"`
	SpecificationID string `json:"specification_id"`
	SequenceID      string `json:"sequence_id"`
	BoltPosition    string `json:"bolt_position"`
	PassNumber      int    `json:"pass_number"`
	Attempt         int    `json:"attempt"`

	// ExpectedBolt is set when the reading named a bolt other than the one
	// the cursor expected. The event is then recorded against the named
	// bolt and does not count toward the expected bolt's attempts.
	ExpectedBolt string `json:"expected_bolt,omitempty"`

	ActualTorque float64  `json:"actual_torque"`
	TargetTorque float64  `json:"target_torque"`
	ActualAngle  *float64 `json:"actual_angle,omitempty"`
	TargetAngle  *float64 `json:"target_angle,omitempty"`

	Status           EventStatus `json:"status"`
	Deviation        float64     `json:"deviation"`
	PercentDeviation float64     `json:"percent_deviation"`

	// Advanced is true when this event closed out its position.
	Advanced bool `json:"advanced"`
	Override bool `json:"override,omitempty"`

	WrenchID   string    `json:"wrench_id"`
	OperatorID string    `json:"operator_id"`
	Timestamp  time.Time `json:"timestamp"`
}
