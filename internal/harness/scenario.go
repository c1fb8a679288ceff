package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario drives one session through a list of steps and asserts on the
// resulting trace and final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Specs is a directory of CUE files. Relative paths are resolved
	// against the scenario file's directory.
	Specs string `yaml:"specs,omitempty"`

	// Source is an inline CUE document, used instead of Specs.
	Source string `yaml:"source,omitempty"`

	Session SessionSetup `yaml:"session"`

	Steps []Step `yaml:"steps,omitempty"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// SessionSetup names the resources of the scenario's session. Operator
// and wrench ids are looked up in the CUE document.
type SessionSetup struct {
	Specification string `yaml:"specification"`
	WorkOrder     string `yaml:"work_order,omitempty"`
	Operator      string `yaml:"operator"`
	Wrench        string `yaml:"wrench"`

	// Expect checks the creation outcome. Only Error and Next apply.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Step actions.
const (
	ActionReading   = "reading"
	ActionPause     = "pause"
	ActionResume    = "resume"
	ActionEnd       = "end"
	ActionAbort     = "abort"
	ActionApprove   = "approve"
	ActionAdvance   = "advance"
	ActionCalibrate = "calibrate"
)

// Step is one scenario step. Exactly one of Reading or Action is set; a
// step with Reading is a reading step.
type Step struct {
	Reading *Reading `yaml:"reading,omitempty"`
	Action  string   `yaml:"action,omitempty"`

	// Repeat submits the same reading this many times. Zero means once.
	Repeat int `yaml:"repeat,omitempty"`

	// Override is the operator override token sent with a reading.
	Override string `yaml:"override,omitempty"`

	// Reason is the abort reason.
	Reason string `yaml:"reason,omitempty"`

	// Approve carries the supervisor decision for an approve step.
	Approve *ApproveStep `yaml:"approve,omitempty"`

	// Duration is how far an advance step moves the wall clock.
	Duration string `yaml:"duration,omitempty"`

	// Due is the new calibration due date (RFC 3339) of a calibrate step.
	Due string `yaml:"due,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

func (s Step) action() string {
	if s.Reading != nil {
		return ActionReading
	}
	return s.Action
}

// Reading is a raw reading as written in a scenario.
type Reading struct {
	Torque      float64  `yaml:"torque"`
	Units       string   `yaml:"units,omitempty"`
	Angle       *float64 `yaml:"angle,omitempty"`
	Bolt        string   `yaml:"bolt,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	Humidity    *float64 `yaml:"humidity,omitempty"`
}

// ApproveStep is a supervisor decision on a held failure.
type ApproveStep struct {
	Supervisor  string `yaml:"supervisor"`
	Disposition string `yaml:"disposition"`
	Note        string `yaml:"note,omitempty"`
}

// Expect checks a step's outcome. Empty fields are not checked, except
// Error: an unexpected error always fails the step.
type Expect struct {
	// Status is the event status of a reading.
	Status string `yaml:"status,omitempty"`
	// Error is the expected session error code.
	Error string `yaml:"error,omitempty"`
	// Next is the bolt expected next, or "none" when every position is done.
	Next string `yaml:"next,omitempty"`
	// Pass is the pass number of the next position.
	Pass int `yaml:"pass,omitempty"`
	// Session is the session status after the step.
	Session string `yaml:"session,omitempty"`
	Held    *bool  `yaml:"held,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": some trace entry matches Match
	// - "trace_order": entries matching each of Sequence appear in order
	// - "trace_count": exactly Count entries match Match
	// - "session": the final session snapshot matches Expect
	// - "metrics": the final session metrics match Expect
	// - "final_state": a row of Table selected by Where matches Expect
	Type string `yaml:"type"`

	// Match is a subset of trace entry fields.
	Match map[string]any `yaml:"match,omitempty"`

	// Sequence is the expected order of trace_order matches.
	Sequence []map[string]any `yaml:"sequence,omitempty"`

	Count int `yaml:"count,omitempty"`

	// Table is the store table name (used by final_state).
	Table string `yaml:"table,omitempty"`

	// Where specifies query filters (used by final_state).
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected field values. Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertSession       = "session"
	AssertMetrics       = "metrics"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file, resolving Specs
// relative to the file's directory.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving Specs relative to basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	if scenario.Specs != "" && !filepath.IsAbs(scenario.Specs) && basePath != "" {
		scenario.Specs = filepath.Join(basePath, scenario.Specs)
	}
	if scenario.Specs != "" {
		if _, err := os.Stat(scenario.Specs); os.IsNotExist(err) {
			return nil, fmt.Errorf("invalid scenario: specs directory not found: %s", scenario.Specs)
		}
	}
	return scenario, nil
}

// ParseScenario decodes and validates scenario YAML. Unknown fields are
// rejected so typos fail loudly.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if (s.Specs == "") == (s.Source == "") {
		return fmt.Errorf("exactly one of specs or source is required")
	}
	if s.Session.Specification == "" {
		return fmt.Errorf("session.specification is required")
	}
	if s.Session.Operator == "" || s.Session.Wrench == "" {
		return fmt.Errorf("session.operator and session.wrench are required")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i := range s.Steps {
		if err := validateStep(i, &s.Steps[i]); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, st *Step) error {
	if st.Reading != nil {
		if st.Action != "" && st.Action != ActionReading {
			return fmt.Errorf("steps[%d]: reading steps cannot also have action %q", i, st.Action)
		}
		st.Action = ActionReading
	}
	if st.Repeat < 0 {
		return fmt.Errorf("steps[%d]: repeat must be non-negative", i)
	}

	switch st.Action {
	case ActionReading, ActionPause, ActionResume, ActionEnd, ActionAbort:
	case ActionApprove:
		if st.Approve == nil || st.Approve.Supervisor == "" || st.Approve.Disposition == "" {
			return fmt.Errorf("steps[%d]: approve needs supervisor and disposition", i)
		}
	case ActionAdvance:
		if _, err := time.ParseDuration(st.Duration); err != nil {
			return fmt.Errorf("steps[%d]: advance needs a duration: %w", i, err)
		}
	case ActionCalibrate:
		if _, err := time.Parse(time.RFC3339, st.Due); err != nil {
			return fmt.Errorf("steps[%d]: calibrate needs an RFC 3339 due date: %w", i, err)
		}
	case "":
		return fmt.Errorf("steps[%d]: reading or action is required", i)
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", i, st.Action)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if len(a.Match) == 0 {
			return fmt.Errorf("assertions[%d]: match is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Sequence) == 0 {
			return fmt.Errorf("assertions[%d]: sequence is required for trace_order", index)
		}
	case AssertTraceCount:
		if len(a.Match) == 0 {
			return fmt.Errorf("assertions[%d]: match is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertSession, AssertMetrics:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for %s", index, a.Type)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
