package harness

// Trace entry types. Notification entries use the notification kind.
const (
	TraceCreate = "create"
	TraceStep   = "step"
)

// TraceEvent is one entry of a scenario trace. Fields irrelevant to the
// entry type are left empty.
type TraceEvent struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq,omitempty"`
	Step int    `json:"step,omitempty"`

	// Action is the step action: reading, pause, resume, end, abort,
	// approve, advance or calibrate.
	Action string `json:"action,omitempty"`

	// Event fields. Step entries leave them empty; the event entry that
	// follows a reading step carries them.

	Bolt     string  `json:"bolt,omitempty"`
	Expected string  `json:"expected_bolt,omitempty"`
	Pass     int     `json:"pass,omitempty"`
	Attempt  int     `json:"attempt,omitempty"`
	Torque   float64 `json:"torque,omitempty"`
	Target   float64 `json:"target,omitempty"`
	PctDev   float64 `json:"percent_deviation,omitempty"`
	Advanced bool    `json:"advanced,omitempty"`
	Override bool    `json:"override,omitempty"`

	// Status is the event status for readings and the session status for
	// create and transition entries.
	Status string `json:"status,omitempty"`
	From   string `json:"from,omitempty"`
	Reason string `json:"reason,omitempty"`
	Next   string `json:"next,omitempty"`
	Held   bool   `json:"held,omitempty"`

	// Code is a warning code or an approval disposition.
	Code  string   `json:"code,omitempty"`
	Rules []string `json:"rules,omitempty"`

	// Error is the session error code of a failed step, or the error text
	// when the error carries no code.
	Error string `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	// Errors holds one message per failed expectation or assertion.
	Errors []string `json:"errors,omitempty"`

	// State holds the final "session" and "metrics" snapshots, decoded to
	// maps for subset matching.
	State map[string]any `json:"state,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]any),
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(e TraceEvent) {
	r.Trace = append(r.Trace, e)
}
