package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/torque/internal/rules"
	"github.com/roach88/torque/internal/torque"
)

// NotificationKind distinguishes what a Notification carries.
type NotificationKind string

const (
	NotifyEvent      NotificationKind = "event"
	NotifyTransition NotificationKind = "transition"
	NotifyWarning    NotificationKind = "warning"
	NotifyBlocked    NotificationKind = "blocked"
	NotifyApproval   NotificationKind = "approval"
)

// Warning codes carried by NotifyWarning notifications.
const (
	WarningSessionIdle      = "SESSION_IDLE"
	WarningApprovalRequired = "APPROVAL_REQUIRED"
)

// Warning is an advisory condition. It never changes session state.
type Warning struct {
	Code    string `json:"code"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

// Notification is one entry of a session's outbound stream.
type Notification struct {
	Kind            NotificationKind `json:"kind"`
	Seq             int64            `json:"seq"`
	SessionID       string           `json:"session_id"`
	SpecificationID string           `json:"specification_id"`
	At              time.Time        `json:"at"`

	Event      *torque.Event   `json:"event,omitempty"`
	Transition *Transition     `json:"transition,omitempty"`
	Warning    *Warning        `json:"warning,omitempty"`
	Blocked    []rules.Outcome `json:"blocked,omitempty"`
	Approval   *Approval       `json:"approval,omitempty"`
}

// Publisher receives notifications in emission order. Publish is called on
// the worker goroutine and must not block.
type Publisher interface {
	Publish(n Notification)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Notification)

// Publish calls f(n).
func (f PublisherFunc) Publish(n Notification) { f(n) }

// Sink persists events and session snapshots.
type Sink interface {
	SaveEvent(ctx context.Context, e torque.Event) error
	SaveSession(ctx context.Context, s torque.Session) error
}

// State is the published view of a worker's session.
type State struct {
	Session torque.Session
	Cursor  *torque.Position
}

// WorkerConfig wires a worker to its collaborators.
type WorkerConfig struct {
	Sink      Sink
	Publisher Publisher
	Clock     *Clock
	Now       func() time.Time

	// IdleTimeout raises a SESSION_IDLE warning when no command arrives
	// within the window. Zero disables idle detection.
	IdleTimeout time.Duration
}

type commandKind int

const (
	cmdReading commandKind = iota + 1
	cmdPause
	cmdResume
	cmdEnd
	cmdApprove
)

type command struct {
	kind     commandKind
	raw      torque.RawReading
	opts     ProcessOptions
	approval Approval
	reply    chan result
}

type result struct {
	resp     Response
	approval ApprovalResult
	tr       *Transition
	err      error
}

// Worker is the single goroutine that owns a Machine.
//
// Commands are served strictly in arrival order. Abort bypasses the queue:
// it closes a channel the worker selects on, so an idle session can be
// aborted without waiting for the next reading, and commands still queued
// behind the abort are answered with SessionClosed.
//
// Thread-safety model:
//   - Process, Pause, Resume, End, Approve, Abort, State: any goroutine
//   - Run: exactly one goroutine
type Worker struct {
	m     *Machine
	queue *commandQueue
	sink  Sink
	pub   Publisher
	clock *Clock
	now   func() time.Time
	idle  time.Duration

	abortOnce   sync.Once
	abortCh     chan struct{}
	abortReason string

	state atomic.Pointer[State]
	done  chan struct{}
}

// NewWorker wraps m. Call Run to start serving.
func NewWorker(m *Machine, cfg WorkerConfig) *Worker {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Clock == nil {
		cfg.Clock = m.clock
	}
	w := &Worker{
		m:       m,
		queue:   newCommandQueue(),
		sink:    cfg.Sink,
		pub:     cfg.Publisher,
		clock:   cfg.Clock,
		now:     cfg.Now,
		idle:    cfg.IdleTimeout,
		abortCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	w.publishState()
	return w
}

// ID returns the session id.
func (w *Worker) ID() string {
	return w.m.ID()
}

// State returns the latest published session view without touching the
// worker goroutine.
func (w *Worker) State() State {
	return *w.state.Load()
}

// Done is closed when Run returns.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Run serves commands until the session terminates or ctx is cancelled.
// Cancelling ctx stops the worker without a state transition.
//
// Persistence errors are logged and processing continues: the in-memory
// log stays authoritative and a failing store must not stall the line.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)
	slog.Debug("session worker starting", "session", w.m.ID())
	w.saveSession(ctx)

	var idleC <-chan time.Time
	resetIdle := func() {}
	if w.idle > 0 {
		timer := time.NewTimer(w.idle)
		defer timer.Stop()
		idleC = timer.C
		resetIdle = func() { timer.Reset(w.idle) }
	}
	return w.loop(ctx, idleC, resetIdle)
}

func (w *Worker) loop(ctx context.Context, idleC <-chan time.Time, resetIdle func()) error {
	for {
		// Abort wins over anything still queued.
		select {
		case <-w.abortCh:
			w.abort(ctx)
			return nil
		default:
		}

		if cmd, ok := w.queue.TryDequeue(); ok {
			cmd.reply <- w.handle(ctx, cmd)
			if w.m.Status().Terminal() {
				w.finish()
				return nil
			}
			resetIdle()
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("session worker stopping", "session", w.m.ID(), "reason", "context cancelled")
			w.finish()
			return ctx.Err()

		case <-w.abortCh:
			w.abort(ctx)
			return nil

		case <-w.queue.Wait():
			// Loop back to TryDequeue.

		case <-idleC:
			if w.m.Status() == torque.SessionActive {
				w.warn(Warning{
					Code:    WarningSessionIdle,
					Message: fmt.Sprintf("no reading for %s", w.idle),
				})
			}
			resetIdle()
		}
	}
}

func (w *Worker) handle(ctx context.Context, cmd command) result {
	defer w.publishState()

	switch cmd.kind {
	case cmdReading:
		resp, err := w.m.Process(cmd.raw, cmd.opts)
		if resp.Event != nil {
			w.saveEvent(ctx, *resp.Event)
			if resp.Transition == nil {
				w.saveSession(ctx)
			}
			ev := *resp.Event
			w.emit(Notification{Kind: NotifyEvent, Seq: ev.Seq, Event: &ev, At: ev.Timestamp})
		}
		for _, o := range resp.Warnings {
			w.warn(Warning{Code: string(o.Kind) + "_WARNING", Rule: o.Rule, Message: o.Message})
		}
		var se *SessionError
		if errors.As(err, &se) && se.Code == ErrCodeBlocked {
			w.emit(Notification{Kind: NotifyBlocked, Seq: w.clock.Next(), Blocked: se.Outcomes, At: w.now()})
			slog.Warn("reading blocked", "session", w.m.ID(), "reason", se.Message)
		}
		if resp.Held {
			w.warn(Warning{Code: WarningApprovalRequired, Message: w.m.Snapshot().HoldReason})
		}
		w.transitioned(ctx, resp.Transition)
		return result{resp: resp, err: err}

	case cmdPause:
		tr, err := w.m.Pause()
		w.transitioned(ctx, tr)
		return result{tr: tr, err: err}

	case cmdResume:
		tr, err := w.m.Resume()
		w.transitioned(ctx, tr)
		return result{tr: tr, err: err}

	case cmdEnd:
		tr := w.m.End()
		w.transitioned(ctx, tr)
		return result{tr: tr}

	case cmdApprove:
		res, err := w.m.Approve(cmd.approval)
		if err == nil {
			a := cmd.approval
			w.emit(Notification{Kind: NotifyApproval, Seq: w.clock.Next(), Approval: &a, At: w.now()})
			w.saveSession(ctx)
		}
		w.transitioned(ctx, res.Transition)
		return result{approval: res, tr: res.Transition, err: err}
	}
	return result{err: fmt.Errorf("unknown command kind: %d", cmd.kind)}
}

func (w *Worker) abort(ctx context.Context) {
	tr := w.m.Abort(w.abortReason)
	w.transitioned(ctx, tr)
	w.finish()
}

// refused is the error for a command the closed queue will not run.
func refused(sessionID string, status torque.SessionStatus) error {
	if status.Terminal() {
		return NewError(ErrCodeClosed, sessionID, "session is %s", status)
	}
	return NewError(ErrCodeStopped, sessionID, "orchestrator stopped; session left %s", status)
}

// finish closes the queue and answers everything still in it. End and
// Abort are idempotent, so they succeed; anything else is SessionClosed,
// or OrchestratorStopped when the worker stopped on an open session.
func (w *Worker) finish() {
	w.queue.Close()
	for {
		cmd, ok := w.queue.TryDequeue()
		if !ok {
			break
		}
		if cmd.kind == cmdEnd {
			cmd.reply <- result{}
			continue
		}
		cmd.reply <- result{err: refused(w.m.ID(), w.m.Status())}
	}
	w.publishState()
}

func (w *Worker) transitioned(ctx context.Context, tr *Transition) {
	if tr == nil {
		return
	}
	slog.Info("session transition",
		"session", tr.SessionID,
		"from", tr.From,
		"to", tr.To,
		"reason", tr.Reason,
	)
	w.saveSession(ctx)
	t := *tr
	w.emit(Notification{Kind: NotifyTransition, Seq: w.clock.Next(), Transition: &t, At: tr.At})
}

func (w *Worker) warn(warning Warning) {
	w.emit(Notification{Kind: NotifyWarning, Seq: w.clock.Next(), Warning: &warning, At: w.now()})
}

func (w *Worker) emit(n Notification) {
	if w.pub == nil {
		return
	}
	n.SessionID = w.m.ID()
	n.SpecificationID = w.m.spec.ID
	w.pub.Publish(n)
}

func (w *Worker) saveEvent(ctx context.Context, e torque.Event) {
	if w.sink == nil {
		return
	}
	if err := w.sink.SaveEvent(context.WithoutCancel(ctx), e); err != nil {
		slog.Error("save event failed",
			"session", e.SessionID,
			"event", e.ID,
			"seq", e.Seq,
			"error", err,
		)
	}
}

func (w *Worker) saveSession(ctx context.Context) {
	if w.sink == nil {
		return
	}
	s := w.m.Snapshot()
	if err := w.sink.SaveSession(context.WithoutCancel(ctx), s); err != nil {
		slog.Error("save session failed", "session", s.ID, "status", s.Status, "error", err)
	}
}

func (w *Worker) publishState() {
	w.state.Store(&State{Session: w.m.Snapshot(), Cursor: w.m.Cursor()})
}

// do enqueues cmd and waits for its reply.
func (w *Worker) do(ctx context.Context, cmd command) result {
	cmd.reply = make(chan result, 1)
	if !w.queue.Enqueue(cmd) {
		if cmd.kind == cmdEnd {
			return result{}
		}
		return result{err: refused(w.m.ID(), w.State().Session.Status)}
	}
	select {
	case r := <-cmd.reply:
		return r
	case <-ctx.Done():
		return result{err: ctx.Err()}
	}
}

// Process submits a raw reading.
func (w *Worker) Process(ctx context.Context, raw torque.RawReading, opts ProcessOptions) (Response, error) {
	r := w.do(ctx, command{kind: cmdReading, raw: raw, opts: opts})
	return r.resp, r.err
}

// Pause moves the session to PAUSED.
func (w *Worker) Pause(ctx context.Context) (*Transition, error) {
	r := w.do(ctx, command{kind: cmdPause})
	return r.tr, r.err
}

// Resume moves the session back to ACTIVE.
func (w *Worker) Resume(ctx context.Context) (*Transition, error) {
	r := w.do(ctx, command{kind: cmdResume})
	return r.tr, r.err
}

// End completes the session. Idempotent.
func (w *Worker) End(ctx context.Context) (*Transition, error) {
	r := w.do(ctx, command{kind: cmdEnd})
	if r.err != nil {
		return nil, r.err
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		return r.tr, ctx.Err()
	}
	return r.tr, nil
}

// Approve disposes of a held failure.
func (w *Worker) Approve(ctx context.Context, a Approval) (ApprovalResult, error) {
	r := w.do(ctx, command{kind: cmdApprove, approval: a})
	return r.approval, r.err
}

// Abort terminates the session and waits for the worker to exit. It is
// delivered even while the worker waits for input. Idempotent.
func (w *Worker) Abort(ctx context.Context, reason string) error {
	w.abortOnce.Do(func() {
		w.abortReason = reason
		close(w.abortCh)
	})
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
