package engine

import (
	"fmt"
	"time"

	"github.com/roach88/torque/internal/normalize"
	"github.com/roach88/torque/internal/planner"
	"github.com/roach88/torque/internal/rules"
	"github.com/roach88/torque/internal/torque"
)

// Config tunes session policy.
type Config struct {
	// AllowOperatorOverride lets an operator holding an override token
	// advance past a failing reading on a NORMAL specification, provided no
	// rule demands supervisor approval and the bolt order was respected.
	// When false, every failure is retried or approved.
	AllowOperatorOverride bool
}

// Transition is a session state change.
type Transition struct {
	SessionID string               `json:"session_id"`
	From      torque.SessionStatus `json:"from"`
	To        torque.SessionStatus `json:"to"`
	Reason    string               `json:"reason,omitempty"`
	At        time.Time            `json:"at"`
}

// Disposition is a supervisor's decision on a held failure.
type Disposition string

const (
	// DispositionAccept closes out the held position as if it had passed.
	DispositionAccept Disposition = "ACCEPT"
	// DispositionRetry releases the hold; the operator re-torques.
	DispositionRetry Disposition = "RETRY"
)

// Approval is the external signal that releases a hold.
type Approval struct {
	SupervisorID string      `json:"supervisor_id"`
	Disposition  Disposition `json:"disposition"`
	Note         string      `json:"note,omitempty"`
}

// ProcessOptions carries per-reading caller input.
type ProcessOptions struct {
	OverrideToken string

	// Wrench and Operator replace the records held since creation. Callers
	// re-read calibration and certification state for every reading.
	Wrench   *torque.Wrench
	Operator *torque.Operator
}

// Response is returned for every processed reading, pass or fail.
type Response struct {
	Event    *torque.Event      `json:"event,omitempty"`
	Status   torque.EventStatus `json:"status,omitempty"`
	Outcomes []rules.Outcome    `json:"outcomes"`
	Warnings []rules.Outcome    `json:"warnings,omitempty"`
	// Next is the position expected next, nil once every position is done.
	Next       *torque.Position `json:"next"`
	Held       bool             `json:"held,omitempty"`
	Transition *Transition      `json:"transition,omitempty"`
}

// ApprovalResult reports the effect of an approval.
type ApprovalResult struct {
	Next       *torque.Position `json:"next"`
	Transition *Transition      `json:"transition,omitempty"`
}

// Params are the inputs to NewMachine.
type Params struct {
	SessionID   string
	WorkOrderID string
	Spec        torque.Specification
	Plan        planner.Plan
	Rules       *rules.Engine
	Wrench      torque.Wrench
	Operator    torque.Operator
	Config      Config
	Clock       *Clock
	IDs         IDGenerator
	Now         func() time.Time
}

type posKey struct {
	pass  int
	index int
}

type hold struct {
	key    posKey
	torque float64
	// stray holds never close a position on accept.
	stray bool
}

type strayKey struct {
	pass int
	bolt string
}

// Machine is the state of one tightening session.
//
// A Machine is not safe for concurrent use. Exactly one Worker owns it and
// every mutation happens on that worker's goroutine.
type Machine struct {
	session  torque.Session
	spec     torque.Specification
	plan     planner.Plan
	rules    *rules.Engine
	norm     *normalize.Normalizer
	wrench   torque.Wrench
	operator torque.Operator
	cfg      Config
	clock    *Clock
	ids      IDGenerator
	now      func() time.Time

	// Cursor: pass is 1-based; index is the first incomplete position of
	// the pass. Positions after index may already be done via a skip.
	pass  int
	index int
	done  []bool

	attempts map[posKey]int
	strays   map[strayKey]int
	accepted map[posKey]float64
	history  map[string][]torque.Reading
	held     *hold
	events   []torque.Event
}

// NewMachine creates an ACTIVE session positioned at the first bolt of
// pass 1.
func NewMachine(p Params) (*Machine, error) {
	if p.Rules == nil {
		return nil, fmt.Errorf("new machine: rule engine is required")
	}
	if p.Plan.Len() != p.Spec.BoltCount {
		return nil, fmt.Errorf("new machine: plan has %d positions for %d bolts", p.Plan.Len(), p.Spec.BoltCount)
	}
	if p.Spec.Passes < 1 {
		return nil, fmt.Errorf("new machine: specification %s has no passes", p.Spec.ID)
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.Clock == nil {
		p.Clock = NewClock()
	}
	if p.IDs == nil {
		p.IDs = UUIDv7Generator{}
	}

	m := &Machine{
		session: torque.Session{
			ID:                p.SessionID,
			SpecificationID:   p.Spec.ID,
			WorkOrderID:       p.WorkOrderID,
			OperatorID:        p.Operator.ID,
			WrenchID:          p.Wrench.ID,
			Status:            torque.SessionActive,
			CurrentPassNumber: 1,
			StartedAt:         p.Now(),
		},
		spec:     p.Spec.Clone(),
		plan:     p.Plan,
		rules:    p.Rules,
		norm:     normalize.New(p.Now),
		wrench:   p.Wrench,
		operator: p.Operator,
		cfg:      p.Config,
		clock:    p.Clock,
		ids:      p.IDs,
		now:      p.Now,
		pass:     1,
		done:     make([]bool, p.Plan.Len()),
		attempts: make(map[posKey]int),
		strays:   make(map[strayKey]int),
		accepted: make(map[posKey]float64),
		history:  make(map[string][]torque.Reading),
	}
	return m, nil
}

// ID returns the session id.
func (m *Machine) ID() string {
	return m.session.ID
}

// Status returns the lifecycle state.
func (m *Machine) Status() torque.SessionStatus {
	return m.session.Status
}

// Spec returns the specification the session runs against.
func (m *Machine) Spec() torque.Specification {
	return m.spec.Clone()
}

// Snapshot returns a copy of the session aggregate.
func (m *Machine) Snapshot() torque.Session {
	s := m.session
	s.CurrentSequenceIndex = m.index
	s.CurrentPassNumber = m.pass
	return s
}

// Events returns the session's event log in emission order.
func (m *Machine) Events() []torque.Event {
	return append([]torque.Event(nil), m.events...)
}

// Cursor returns the position expected next, or nil once complete.
func (m *Machine) Cursor() *torque.Position {
	if m.session.Complete || m.index >= len(m.done) {
		return nil
	}
	p := m.position(m.pass, m.index)
	return &p
}

func (m *Machine) position(pass, index int) torque.Position {
	seq := m.plan.Sequences[index]
	return torque.Position{
		SequenceID:     seq.ID,
		BoltPosition:   seq.BoltPosition,
		SequenceNumber: seq.SequenceNumber,
		Index:          index,
		Pass:           pass,
	}
}

// nextIndex returns the first incomplete position after the cursor.
func (m *Machine) nextIndex() (int, bool) {
	for j := m.index + 1; j < len(m.done); j++ {
		if !m.done[j] {
			return j, true
		}
	}
	return 0, false
}

func (m *Machine) acceptsReadings() error {
	switch {
	case m.session.Status.Terminal():
		return NewError(ErrCodeClosed, m.session.ID, "session is %s", m.session.Status)
	case m.session.Status != torque.SessionActive:
		return NewError(ErrCodeNotActive, m.session.ID, "session is %s", m.session.Status)
	case m.held != nil:
		return NewError(ErrCodeHeld, m.session.ID, "awaiting supervisor approval: %s", m.session.HoldReason)
	}
	return nil
}

// Process validates one raw reading and records it.
//
// Business failures (under torque, sequence violation, ...) are returned as
// a Response whose Event carries the failing status, with a nil error. A
// blocked reading returns the Response with its gate outcomes together with
// a ValidationBlocked error; no event is recorded.
func (m *Machine) Process(raw torque.RawReading, opts ProcessOptions) (Response, error) {
	if err := m.acceptsReadings(); err != nil {
		return Response{}, err
	}
	if opts.Wrench != nil {
		m.wrench = *opts.Wrench
	}
	if opts.Operator != nil {
		m.operator = *opts.Operator
	}

	reading, err := m.norm.Normalize(raw)
	if err != nil {
		return Response{}, NewError(ErrCodeInvalidReading, m.session.ID, "%v", err)
	}

	expected := m.position(m.pass, m.index)
	nextBolt := ""
	evalIdx := m.index
	if j, ok := m.nextIndex(); ok {
		nextBolt = m.plan.Sequences[j].BoltPosition
		if opts.OverrideToken != "" && reading.BoltPosition == nextBolt {
			evalIdx = j
		}
	}
	seq := m.plan.Sequences[evalIdx]
	key := posKey{pass: m.pass, index: evalIdx}
	attempt := m.attempts[key] + 1

	// A reading that names some other bolt without a permitted skip is
	// recorded against that bolt. The cursor's bolt keeps its attempts.
	stray := reading.BoltPosition != "" && reading.BoltPosition != expected.BoltPosition && evalIdx == m.index
	if stray {
		seq = torque.Sequence{BoltPosition: reading.BoltPosition}
		key = posKey{pass: m.pass, index: -1}
		if j, ok := m.plan.IndexOf(reading.BoltPosition); ok {
			seq = m.plan.Sequences[j]
			key.index = j
		}
		attempt = m.strays[strayKey{pass: m.pass, bolt: reading.BoltPosition}] + 1
	}

	rc := rules.Context{
		Spec:          m.spec,
		Expected:      expected,
		NextPosition:  nextBolt,
		Pass:          m.pass,
		Attempt:       attempt,
		History:       append([]torque.Reading(nil), m.history[seq.BoltPosition]...),
		Wrench:        m.wrench,
		Operator:      m.operator,
		Now:           m.now(),
		OverrideToken: opts.OverrideToken,
	}
	if prev, ok := m.accepted[posKey{pass: m.pass - 1, index: key.index}]; ok {
		rc.PreviousPassTorque = &prev
	}

	outcomes := m.rules.Evaluate(reading, rc)
	verdict := rules.Aggregate(outcomes)
	resp := Response{Outcomes: outcomes, Warnings: verdict.Warnings}

	if verdict.Blocked {
		resp.Next = m.Cursor()
		var blocking []rules.Outcome
		for _, o := range outcomes {
			if o.Blocked {
				blocking = append(blocking, o)
			}
		}
		serr := NewError(ErrCodeBlocked, m.session.ID, "%s", blocking[0].Message)
		serr.Outcomes = blocking
		return resp, serr
	}

	if stray {
		m.strays[strayKey{pass: m.pass, bolt: reading.BoltPosition}] = attempt
	} else {
		m.attempts[key] = attempt
		m.history[seq.BoltPosition] = append(m.history[seq.BoltPosition], reading)
	}

	target := m.spec.PassTarget(m.pass)
	ev := torque.Event{
		ID:               m.ids.Generate(),
		Seq:              m.clock.Next(),
		SessionID:        m.session.ID,
		SpecificationID:  m.spec.ID,
		SequenceID:       seq.ID,
		BoltPosition:     seq.BoltPosition,
		PassNumber:       m.pass,
		Attempt:          attempt,
		ActualTorque:     reading.Torque,
		TargetTorque:     target,
		ActualAngle:      reading.Angle,
		Status:           verdict.Status,
		Deviation:        reading.Torque - target,
		PercentDeviation: (reading.Torque - target) / target * 100,
		Override:         verdict.Override,
		WrenchID:         m.wrench.ID,
		OperatorID:       m.operator.ID,
		Timestamp:        reading.Timestamp,
	}
	if stray {
		ev.ExpectedBolt = expected.BoltPosition
	}
	if m.spec.TargetAngle > 0 {
		ta := m.spec.TargetAngle
		ev.TargetAngle = &ta
	}

	advance := verdict.Status == torque.StatusPass && !stray
	if !advance && !stray && m.overridePermitted(verdict, opts) {
		advance = true
		ev.Override = true
	}
	ev.Advanced = advance

	m.session.EventCount++
	if ev.Status.Failed() {
		m.session.FailureCount++
	} else {
		m.session.PassCount++
	}
	m.events = append(m.events, ev)

	switch {
	case advance:
		resp.Transition = m.closePosition(key, reading.Torque, reading.Timestamp)
	case verdict.RequiresApproval:
		m.held = &hold{key: key, torque: reading.Torque, stray: stray}
		m.session.Held = true
		if p, ok := verdict.Primary(); ok {
			m.session.HoldReason = p.Message
		} else {
			m.session.HoldReason = string(verdict.Status)
		}
	}

	resp.Event = &ev
	resp.Status = ev.Status
	resp.Held = m.session.Held
	resp.Next = m.Cursor()
	return resp, nil
}

func (m *Machine) overridePermitted(v rules.Verdict, opts ProcessOptions) bool {
	if !m.cfg.AllowOperatorOverride || opts.OverrideToken == "" {
		return false
	}
	if m.spec.SafetyLevel != torque.SafetyNormal || v.RequiresApproval {
		return false
	}
	for _, f := range v.Failures {
		if f.Kind == rules.KindSequence {
			return false
		}
	}
	return true
}

// closePosition marks key done, moves the cursor and rolls over passes.
// It returns the COMPLETED transition when the last position closes.
func (m *Machine) closePosition(key posKey, actual float64, at time.Time) *Transition {
	m.accepted[key] = actual
	m.done[key.index] = true
	for m.index < len(m.done) && m.done[m.index] {
		m.index++
	}
	if m.index < len(m.done) {
		return nil
	}
	if m.pass < m.spec.Passes {
		m.pass++
		m.index = 0
		clear(m.done)
		return nil
	}
	m.session.Complete = true
	return m.transition(torque.SessionCompleted, "all positions complete", at)
}

func (m *Machine) transition(to torque.SessionStatus, reason string, at time.Time) *Transition {
	if at.IsZero() {
		at = m.now()
	}
	tr := &Transition{
		SessionID: m.session.ID,
		From:      m.session.Status,
		To:        to,
		Reason:    reason,
		At:        at,
	}
	m.session.Status = to
	if to.Terminal() {
		m.session.EndedAt = at
	}
	return tr
}

// Pause moves an ACTIVE session to PAUSED.
func (m *Machine) Pause() (*Transition, error) {
	if m.session.Status.Terminal() {
		return nil, NewError(ErrCodeClosed, m.session.ID, "session is %s", m.session.Status)
	}
	if m.session.Status != torque.SessionActive {
		return nil, NewError(ErrCodeInvalidTransition, m.session.ID, "cannot pause a %s session", m.session.Status)
	}
	return m.transition(torque.SessionPaused, "paused", time.Time{}), nil
}

// Resume moves a PAUSED session back to ACTIVE.
func (m *Machine) Resume() (*Transition, error) {
	if m.session.Status.Terminal() {
		return nil, NewError(ErrCodeClosed, m.session.ID, "session is %s", m.session.Status)
	}
	if m.session.Status != torque.SessionPaused {
		return nil, NewError(ErrCodeInvalidTransition, m.session.ID, "cannot resume a %s session", m.session.Status)
	}
	return m.transition(torque.SessionActive, "resumed", time.Time{}), nil
}

// End completes the session. Positions left open stay open and
// Snapshot().Complete reports false. Ending a terminal session is a no-op
// and returns a nil transition.
func (m *Machine) End() *Transition {
	if m.session.Status.Terminal() {
		return nil
	}
	reason := "ended"
	if !m.session.Complete {
		reason = "ended with open positions"
	}
	return m.transition(torque.SessionCompleted, reason, time.Time{})
}

// Abort terminates the session. Aborting a terminal session is a no-op and
// returns a nil transition.
func (m *Machine) Abort(reason string) *Transition {
	if m.session.Status.Terminal() {
		return nil
	}
	if reason == "" {
		reason = "aborted"
	}
	return m.transition(torque.SessionAborted, reason, time.Time{})
}

// Approve disposes of a held failure.
func (m *Machine) Approve(a Approval) (ApprovalResult, error) {
	if m.session.Status.Terminal() {
		return ApprovalResult{}, NewError(ErrCodeClosed, m.session.ID, "session is %s", m.session.Status)
	}
	if m.held == nil {
		return ApprovalResult{}, NewError(ErrCodeNotHeld, m.session.ID, "no failure awaits approval")
	}
	if a.SupervisorID == "" {
		return ApprovalResult{}, NewError(ErrCodeInvalidTransition, m.session.ID, "approval requires a supervisor id")
	}

	h := *m.held
	var res ApprovalResult
	switch a.Disposition {
	case DispositionAccept:
		if !h.stray {
			res.Transition = m.closePosition(h.key, h.torque, time.Time{})
		}
	case DispositionRetry:
	default:
		return ApprovalResult{}, NewError(ErrCodeInvalidTransition, m.session.ID, "unknown disposition %q", a.Disposition)
	}
	m.held = nil
	m.session.Held = false
	m.session.HoldReason = ""
	res.Next = m.Cursor()
	return res, nil
}
