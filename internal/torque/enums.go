package torque

import "fmt"

// Method is the tightening strategy of a specification.
type Method string

const (
	MethodTorqueOnly    Method = "TORQUE_ONLY"
	MethodTorqueAngle   Method = "TORQUE_ANGLE"
	MethodTorqueToYield Method = "TORQUE_TO_YIELD"
)

// Pattern is the geometric order in which bolts are tightened within a pass.
type Pattern string

const (
	PatternStar   Pattern = "STAR"
	PatternLinear Pattern = "LINEAR"
	PatternCross  Pattern = "CROSS"
	PatternSpiral Pattern = "SPIRAL"
)

// SafetyLevel classifies how strictly failures are handled.
type SafetyLevel string

const (
	SafetyNormal   SafetyLevel = "NORMAL"
	SafetyCritical SafetyLevel = "CRITICAL"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionPaused    SessionStatus = "PAUSED"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionAborted   SessionStatus = "ABORTED"
)

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionAborted
}

// Open reports whether the session still holds its specification and wrench.
func (s SessionStatus) Open() bool {
	return s == SessionActive || s == SessionPaused
}

// EventStatus is the aggregate verdict recorded on a TorqueEvent.
type EventStatus string

const (
	StatusPass              EventStatus = "PASS"
	StatusUnderTorque       EventStatus = "UNDER_TORQUE"
	StatusOverTorque        EventStatus = "OVER_TORQUE"
	StatusAngleFail         EventStatus = "ANGLE_FAIL"
	StatusYieldDetected     EventStatus = "YIELD_DETECTED"
	StatusSequenceViolation EventStatus = "SEQUENCE_VIOLATION"
)

// Failed reports whether the status is anything other than PASS.
func (s EventStatus) Failed() bool {
	return s != StatusPass
}

// ConnectionType is the transport a wrench uses. The core never talks to the
// transport; it is carried for display and adapter selection.
type ConnectionType string

const (
	ConnectionBluetooth ConnectionType = "BLUETOOTH"
	ConnectionWiFi      ConnectionType = "WIFI"
	ConnectionSerial    ConnectionType = "SERIAL"
	ConnectionEthernet  ConnectionType = "ETHERNET"
)

// ParseMethod converts a string into a Method.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case MethodTorqueOnly, MethodTorqueAngle, MethodTorqueToYield:
		return m, nil
	}
	return "", fmt.Errorf("unknown method %q", s)
}

// ParsePattern converts a string into a Pattern.
func ParsePattern(s string) (Pattern, error) {
	switch p := Pattern(s); p {
	case PatternStar, PatternLinear, PatternCross, PatternSpiral:
		return p, nil
	}
	return "", fmt.Errorf("unknown pattern %q", s)
}

// ParseSafetyLevel converts a string into a SafetyLevel.
func ParseSafetyLevel(s string) (SafetyLevel, error) {
	switch l := SafetyLevel(s); l {
	case SafetyNormal, SafetyCritical:
		return l, nil
	}
	return "", fmt.Errorf("unknown safety level %q", s)
}

// ParseConnectionType converts a string into a ConnectionType.
func ParseConnectionType(s string) (ConnectionType, error) {
	switch c := ConnectionType(s); c {
	case ConnectionBluetooth, ConnectionWiFi, ConnectionSerial, ConnectionEthernet:
		return c, nil
	}
	return "", fmt.Errorf("unknown connection type %q", s)
}
