package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/roach88/torque/internal/compiler"
	"github.com/roach88/torque/internal/engine"
	"github.com/roach88/torque/internal/orchestrator"
	"github.com/roach88/torque/internal/store"
	"github.com/roach88/torque/internal/testutil"
	"github.com/roach88/torque/internal/torque"
)

// Harness is the scenario execution engine. One Harness runs one scenario.
type Harness struct {
	orc     *orchestrator.Orchestrator
	catalog *compiler.Catalog
	clock   *testutil.FakeClock
	setup   SessionSetup

	sessionID string
	sub       *orchestrator.Subscription
}

// Run executes a scenario and returns the result.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext executes a scenario and returns the result.
//
// Execution flow:
// 1. Compile the scenario's CUE document
// 2. Create a fresh in-memory store and save every specification
// 3. Create the session and subscribe to its notifications
// 4. Execute steps, checking each step's expectations
// 5. Snapshot final session and metrics state, then evaluate assertions
//
// The returned error reports harness failures such as an uncompilable
// document. Failed expectations and assertions are recorded in the Result.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	bundle, err := compileScenario(scenario)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	for _, spec := range bundle.Specifications {
		if err := st.SaveSpecification(ctx, spec); err != nil {
			return nil, fmt.Errorf("failed to save specification %s: %w", spec.ID, err)
		}
	}

	ruleEngine, err := bundle.RuleEngine()
	if err != nil {
		return nil, fmt.Errorf("failed to build rules: %w", err)
	}

	clock := testutil.NewFakeClock(time.Time{})
	catalog := bundle.Catalog()
	opts := append(bundle.Settings.Options(),
		orchestrator.WithRules(ruleEngine),
		orchestrator.WithClock(engine.NewClock()),
		orchestrator.WithIDs(testutil.NewSequentialIDs("id")),
		orchestrator.WithNow(clock.Now),
		// Idle warnings depend on real time.
		orchestrator.WithIdleTimeout(0),
	)
	orc, err := orchestrator.New(orchestrator.Deps{
		Specs:     st,
		Sink:      st,
		Resources: catalog,
		Notifier:  orchestrator.LogNotifier{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))},
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	defer orc.Shutdown(context.WithoutCancel(ctx))

	h := &Harness{
		orc:     orc,
		catalog: catalog,
		clock:   clock,
		setup:   scenario.Session,
	}

	result := NewResult()
	if err := h.create(ctx, result); err != nil {
		return nil, err
	}
	if h.sessionID != "" {
		defer h.sub.Close()
		h.executeSteps(ctx, scenario.Steps, result)
		if err := h.snapshot(result); err != nil {
			return nil, err
		}
	}

	for _, msg := range Evaluate(ctx, result, scenario.Assertions, st) {
		result.AddError(msg)
	}
	return result, nil
}

func compileScenario(s *Scenario) (*compiler.Bundle, error) {
	var (
		bundle *compiler.Bundle
		errs   []error
	)
	if s.Source != "" {
		bundle, errs = compiler.CompileSource(s.Name+".cue", s.Source, compiler.LoadModeFailFast)
	} else {
		bundle, errs = compiler.Load(s.Specs, compiler.LoadModeFailFast)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("failed to compile scenario document: %w", errs[0])
	}
	return bundle, nil
}

// create opens the scenario's session. A creation failure the scenario
// expects leaves sessionID empty and skips the steps.
func (h *Harness) create(ctx context.Context, result *Result) error {
	op, err := h.catalog.Operator(ctx, h.setup.Operator)
	if err != nil {
		return fmt.Errorf("session setup: %w", err)
	}
	w, err := h.catalog.Wrench(ctx, h.setup.Wrench)
	if err != nil {
		return fmt.Errorf("session setup: %w", err)
	}

	created, err := h.orc.CreateSession(ctx, orchestrator.CreateRequest{
		SpecificationID: h.setup.Specification,
		WorkOrderID:     h.setup.WorkOrder,
		Operator:        op,
		Wrench:          w,
	})

	entry := TraceEvent{Type: TraceCreate}
	if err != nil {
		entry.Error = errorCode(err)
	} else {
		entry.Status = string(created.Session.Status)
		entry.Next = bolt(created.Next)
	}
	result.add(entry)

	if exp := h.setup.Expect; exp != nil {
		if msg := checkError("session", exp.Error, err); msg != "" {
			result.AddError(msg)
		}
		if err == nil && exp.Next != "" && exp.Next != nextLabel(created.Next) {
			result.AddError(fmt.Sprintf("session: expected next %s, got %s", exp.Next, nextLabel(created.Next)))
		}
	} else if err != nil {
		result.AddError(fmt.Sprintf("session: unexpected error: %v", err))
	}
	if err != nil {
		return nil
	}

	h.sessionID = created.Session.ID
	h.sub, err = h.orc.SubscribeEvents(h.sessionID)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func (h *Harness) executeSteps(ctx context.Context, steps []Step, result *Result) {
	for i, step := range steps {
		for range max(step.Repeat, 1) {
			entry, err := h.execute(ctx, step)
			entry.Type = TraceStep
			entry.Step = i + 1
			entry.Action = step.action()
			if err != nil {
				entry.Error = errorCode(err)
			}

			sess, serr := h.orc.GetSession(h.sessionID)
			cursor, cerr := h.orc.GetCurrentSequence(h.sessionID)
			if serr != nil || cerr != nil {
				result.AddError(fmt.Sprintf("step %d: session lookup failed: %v", i+1, firstErr(serr, cerr)))
				return
			}
			entry.Next = bolt(cursor)
			entry.Held = sess.Held

			result.add(entry)
			h.drain(result)

			for _, msg := range checkExpect(i+1, step.Expect, entry, err, sess, cursor) {
				result.AddError(msg)
			}
		}
	}
}

// execute performs one step. The returned entry carries the step's status:
// the event status of a reading or the target status of a transition.
func (h *Harness) execute(ctx context.Context, step Step) (TraceEvent, error) {
	var entry TraceEvent
	switch step.action() {
	case ActionReading:
		r := step.Reading
		raw := torque.RawReading{
			Torque:       r.Torque,
			Units:        r.Units,
			Angle:        r.Angle,
			Temperature:  r.Temperature,
			Humidity:     r.Humidity,
			BoltPosition: r.Bolt,
		}
		resp, err := h.orc.ProcessReading(ctx, h.sessionID, raw, engine.ProcessOptions{OverrideToken: step.Override})
		entry.Status = string(resp.Status)
		return entry, err

	case ActionPause:
		tr, err := h.orc.PauseSession(ctx, h.sessionID)
		setTransition(&entry, tr)
		return entry, err

	case ActionResume:
		tr, err := h.orc.ResumeSession(ctx, h.sessionID)
		setTransition(&entry, tr)
		return entry, err

	case ActionEnd:
		tr, err := h.orc.EndSession(ctx, h.sessionID)
		setTransition(&entry, tr)
		return entry, err

	case ActionAbort:
		err := h.orc.AbortSession(ctx, h.sessionID, step.Reason)
		if err == nil {
			if sess, gerr := h.orc.GetSession(h.sessionID); gerr == nil {
				entry.Status = string(sess.Status)
			}
		}
		return entry, err

	case ActionApprove:
		a := step.Approve
		entry.Code = a.Disposition
		res, err := h.orc.ApproveHold(ctx, h.sessionID, engine.Approval{
			SupervisorID: a.Supervisor,
			Disposition:  engine.Disposition(a.Disposition),
			Note:         a.Note,
		})
		setTransition(&entry, res.Transition)
		return entry, err

	case ActionAdvance:
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return entry, err
		}
		h.clock.Advance(d)
		return entry, nil

	case ActionCalibrate:
		due, err := time.Parse(time.RFC3339, step.Due)
		if err != nil {
			return entry, err
		}
		w, err := h.catalog.Wrench(ctx, h.setup.Wrench)
		if err != nil {
			return entry, err
		}
		w.CalibratedAt = h.clock.Peek()
		w.CalibrationDue = due.UTC()
		h.catalog.PutWrench(w)
		return entry, nil
	}
	return entry, fmt.Errorf("unknown action %q", step.Action)
}

func setTransition(e *TraceEvent, tr *engine.Transition) {
	if tr == nil {
		return
	}
	e.From = string(tr.From)
	e.Status = string(tr.To)
}

// drain moves every notification already delivered to the subscription
// into the trace. Notifications are published before the step's call
// returns, so nothing of the step is left behind.
func (h *Harness) drain(result *Result) {
	for {
		select {
		case n, ok := <-h.sub.C:
			if !ok {
				return
			}
			result.add(notificationEntry(n))
		default:
			return
		}
	}
}

func notificationEntry(n engine.Notification) TraceEvent {
	e := TraceEvent{Type: string(n.Kind), Seq: n.Seq}
	switch n.Kind {
	case engine.NotifyEvent:
		ev := n.Event
		e.Bolt = ev.BoltPosition
		e.Expected = ev.ExpectedBolt
		e.Pass = ev.PassNumber
		e.Attempt = ev.Attempt
		e.Torque = round(ev.ActualTorque)
		e.Target = round(ev.TargetTorque)
		e.PctDev = round(ev.PercentDeviation)
		e.Advanced = ev.Advanced
		e.Override = ev.Override
		e.Status = string(ev.Status)
	case engine.NotifyTransition:
		e.From = string(n.Transition.From)
		e.Status = string(n.Transition.To)
		e.Reason = n.Transition.Reason
	case engine.NotifyWarning:
		e.Code = n.Warning.Code
		if n.Warning.Rule != "" {
			e.Rules = []string{n.Warning.Rule}
		}
	case engine.NotifyBlocked:
		for _, o := range n.Blocked {
			e.Rules = append(e.Rules, o.Rule)
		}
	case engine.NotifyApproval:
		e.Code = string(n.Approval.Disposition)
	}
	return e
}

// snapshot records the final session and metrics as generic maps.
func (h *Harness) snapshot(result *Result) error {
	sess, err := h.orc.GetSession(h.sessionID)
	if err != nil {
		return fmt.Errorf("final session: %w", err)
	}
	snap, err := h.orc.GetSessionMetrics(h.sessionID)
	if err != nil {
		return fmt.Errorf("final metrics: %w", err)
	}
	if result.State["session"], err = toMap(sess); err != nil {
		return err
	}
	if result.State["metrics"], err = toMap(snap); err != nil {
		return err
	}
	return nil
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return m, nil
}

func checkExpect(step int, exp *Expect, entry TraceEvent, err error, sess torque.Session, cursor *torque.Position) []string {
	var errs []string
	want := ""
	if exp != nil {
		want = exp.Error
	}
	if msg := checkError(fmt.Sprintf("step %d", step), want, err); msg != "" {
		errs = append(errs, msg)
	}
	if exp == nil {
		return errs
	}

	if exp.Status != "" && exp.Status != entry.Status {
		errs = append(errs, fmt.Sprintf("step %d: expected status %s, got %q", step, exp.Status, entry.Status))
	}
	if exp.Next != "" && exp.Next != nextLabel(cursor) {
		errs = append(errs, fmt.Sprintf("step %d: expected next %s, got %s", step, exp.Next, nextLabel(cursor)))
	}
	if exp.Pass != 0 && (cursor == nil || cursor.Pass != exp.Pass) {
		errs = append(errs, fmt.Sprintf("step %d: expected pass %d, got cursor %v", step, exp.Pass, cursor))
	}
	if exp.Session != "" && exp.Session != string(sess.Status) {
		errs = append(errs, fmt.Sprintf("step %d: expected session %s, got %s", step, exp.Session, sess.Status))
	}
	if exp.Held != nil && *exp.Held != sess.Held {
		errs = append(errs, fmt.Sprintf("step %d: expected held=%t, got %t", step, *exp.Held, sess.Held))
	}
	return errs
}

// checkError compares err against an expected error code. An empty want
// means no error is expected.
func checkError(where, want string, err error) string {
	switch {
	case want == "" && err != nil:
		return fmt.Sprintf("%s: unexpected error: %v", where, err)
	case want != "" && err == nil:
		return fmt.Sprintf("%s: expected error %s, got success", where, want)
	case want != "" && errorCode(err) != want:
		return fmt.Sprintf("%s: expected error %s, got %v", where, want, err)
	}
	return ""
}

func errorCode(err error) string {
	if code := engine.Code(err); code != "" {
		return string(code)
	}
	return err.Error()
}

func bolt(p *torque.Position) string {
	if p == nil {
		return ""
	}
	return p.BoltPosition
}

func nextLabel(p *torque.Position) string {
	if p == nil {
		return "none"
	}
	return p.BoltPosition
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// round keeps four decimals so traces do not depend on float noise.
func round(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
