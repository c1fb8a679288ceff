package orchestrator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/torque/internal/adapter"
	"github.com/roach88/torque/internal/engine"
	"github.com/roach88/torque/internal/metrics"
	"github.com/roach88/torque/internal/planner"
	"github.com/roach88/torque/internal/rules"
	"github.com/roach88/torque/internal/torque"
)

// SpecStore is the lookup half of the persistence interface.
// *store.Store implements it.
type SpecStore interface {
	GetSpecification(ctx context.Context, id string) (torque.Specification, error)
	GetSequences(ctx context.Context, specID string) ([]torque.Sequence, error)
}

// Resources re-reads wrench and operator records. Calibration and
// certification are owned elsewhere and may change during a session, so
// they are fetched again for every reading.
type Resources interface {
	Wrench(ctx context.Context, id string) (torque.Wrench, error)
	Operator(ctx context.Context, id string) (torque.Operator, error)
}

// Deps are the orchestrator's external collaborators. Only Specs is
// required.
type Deps struct {
	Specs     SpecStore
	Sink      engine.Sink
	Resources Resources
	Adapter   adapter.ToolAdapter
	Notifier  Notifier
}

type options struct {
	cfg     engine.Config
	rules   *rules.Engine
	clock   *engine.Clock
	ids     engine.IDGenerator
	now     func() time.Time
	idle    time.Duration
	buffer  int
	metrics *metrics.Aggregator
}

// Option configures an Orchestrator.
type Option func(*options)

// WithConfig sets session policy, including AllowOperatorOverride.
func WithConfig(cfg engine.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithRules replaces the default rule set.
func WithRules(r *rules.Engine) Option {
	return func(o *options) { o.rules = r }
}

// WithClock sets the logical clock. A restarted process seeds it from the
// store's highest seq.
func WithClock(c *engine.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithIDs sets the session and event id generator.
func WithIDs(g engine.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithNow sets the wall clock.
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIdleTimeout enables SESSION_IDLE warnings after d without input.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.idle = d }
}

// WithSubscriberBuffer sets the per-subscriber channel capacity.
func WithSubscriberBuffer(n int) Option {
	return func(o *options) { o.buffer = n }
}

// WithMetrics shares an existing aggregator.
func WithMetrics(a *metrics.Aggregator) Option {
	return func(o *options) { o.metrics = a }
}

// CreateRequest names the specification, operator and wrench of a new
// session. WorkOrderID distinguishes concurrent physical instances of the
// same specification; sessions with different work orders do not conflict.
type CreateRequest struct {
	SpecificationID string
	WorkOrderID     string
	Operator        torque.Operator
	Wrench          torque.Wrench
}

// Created is the result of CreateSession.
type Created struct {
	Session torque.Session   `json:"session"`
	Next    *torque.Position `json:"next"`
	// Warnings carries non-fatal planner warnings such as a pattern
	// fallback.
	Warnings []planner.Warning `json:"warnings,omitempty"`
}

type session struct {
	id       string
	spec     torque.Specification
	claim    string
	wrenchID string
	worker   *engine.Worker
	bcast    *Broadcaster

	// gone is closed once the worker has exited and the claims are
	// released.
	gone chan struct{}
}

func (s *session) wait(ctx context.Context) error {
	select {
	case <-s.gone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Orchestrator is the session registry and concurrency manager.
//
// It is an explicit value: tests and processes create as many as they
// need. Registry state lives in sync.Maps keyed by session, specification
// claim and wrench, so sessions on different specifications never share a
// lock.
type Orchestrator struct {
	deps Deps
	opts options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	sessions sync.Map // session id -> *session
	claims   sync.Map // claim key -> session id
	wrenches sync.Map // wrench id -> session id
}

// New creates an Orchestrator.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	if deps.Specs == nil {
		return nil, errors.New("new orchestrator: specification store is required")
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.rules == nil {
		r, err := rules.NewEngine(rules.DefaultRules())
		if err != nil {
			return nil, fmt.Errorf("new orchestrator: %w", err)
		}
		o.rules = r
	}
	if o.clock == nil {
		o.clock = engine.NewClock()
	}
	if o.ids == nil {
		o.ids = engine.UUIDv7Generator{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}
	if deps.Notifier == nil {
		deps.Notifier = LogNotifier{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{deps: deps, opts: o, ctx: ctx, cancel: cancel}, nil
}

// ClaimKey identifies the specification instance a session occupies.
func ClaimKey(specID, workOrderID string) string {
	if workOrderID == "" {
		return specID
	}
	return specID + "#" + workOrderID
}

// CreateSession starts an ACTIVE session.
//
// Fails with ConflictError if the specification instance already has an
// ACTIVE or PAUSED session, and with WrenchBusy if the wrench is held by
// another open session. Both claims are taken atomically per key; on any
// later failure they are released.
func (o *Orchestrator) CreateSession(ctx context.Context, req CreateRequest) (Created, error) {
	if o.closed.Load() {
		return Created{}, engine.NewError(engine.ErrCodeStopped, "", "orchestrator stopped")
	}
	if req.Wrench.ID == "" || req.Operator.ID == "" {
		return Created{}, errors.New("create session: wrench and operator are required")
	}

	spec, err := o.deps.Specs.GetSpecification(ctx, req.SpecificationID)
	if err != nil {
		return Created{}, engine.NewError(engine.ErrCodeSpecUnavailable, "", "%v", err)
	}
	if !spec.EffectiveAt(o.opts.now()) {
		return Created{}, engine.NewError(engine.ErrCodeSpecUnavailable, "",
			"specification %s@%d is not effective", spec.ID, spec.Revision)
	}
	plan, err := o.plan(ctx, spec)
	if err != nil {
		return Created{}, err
	}

	id := o.opts.ids.Generate()
	claim := ClaimKey(spec.ID, req.WorkOrderID)
	if owner, loaded := o.claims.LoadOrStore(claim, id); loaded {
		return Created{}, engine.NewError(engine.ErrCodeConflict, owner.(string),
			"specification %s already has an open session", claim)
	}
	if owner, loaded := o.wrenches.LoadOrStore(req.Wrench.ID, id); loaded {
		o.claims.CompareAndDelete(claim, id)
		return Created{}, engine.NewError(engine.ErrCodeWrenchBusy, owner.(string),
			"wrench %s is in use", req.Wrench.ID)
	}
	release := func() {
		o.claims.CompareAndDelete(claim, id)
		o.wrenches.CompareAndDelete(req.Wrench.ID, id)
	}

	if o.deps.Adapter != nil {
		if err := o.deps.Adapter.Connect(ctx, req.Wrench); err != nil {
			release()
			return Created{}, fmt.Errorf("create session: connect %s: %w", req.Wrench.ID, err)
		}
	}

	m, err := engine.NewMachine(engine.Params{
		SessionID:   id,
		WorkOrderID: req.WorkOrderID,
		Spec:        spec,
		Plan:        plan,
		Rules:       o.opts.rules,
		Wrench:      req.Wrench,
		Operator:    req.Operator,
		Config:      o.opts.cfg,
		Clock:       o.opts.clock,
		IDs:         o.opts.ids,
		Now:         o.opts.now,
	})
	if err != nil {
		o.disconnect(req.Wrench.ID)
		release()
		return Created{}, fmt.Errorf("create session: %w", err)
	}

	s := &session{
		id:       id,
		spec:     spec,
		claim:    claim,
		wrenchID: req.Wrench.ID,
		bcast:    NewBroadcaster(o.opts.buffer),
		gone:     make(chan struct{}),
	}
	s.worker = engine.NewWorker(m, engine.WorkerConfig{
		Sink:        o.deps.Sink,
		Publisher:   o.publisher(s),
		Clock:       o.opts.clock,
		Now:         o.opts.now,
		IdleTimeout: o.opts.idle,
	})
	o.sessions.Store(id, s)

	o.wg.Add(1)
	go o.run(s)

	slog.Info("session created",
		"session", id,
		"specification", spec.ID,
		"revision", spec.Revision,
		"operator", req.Operator.ID,
		"wrench", req.Wrench.ID,
	)
	st := s.worker.State()
	return Created{Session: st.Session, Next: st.Cursor, Warnings: plan.Warnings}, nil
}

// plan uses the stored sequence when there is one and expands the
// specification otherwise.
func (o *Orchestrator) plan(ctx context.Context, spec torque.Specification) (planner.Plan, error) {
	rows, err := o.deps.Specs.GetSequences(ctx, spec.ID)
	if err != nil {
		return planner.Plan{}, fmt.Errorf("create session: sequences for %s: %w", spec.ID, err)
	}
	if len(rows) > 0 {
		plan, err := planner.FromSequences(spec, rows)
		if err != nil {
			return planner.Plan{}, fmt.Errorf("create session: %w", err)
		}
		return plan, nil
	}
	plan, err := planner.Expand(spec)
	if err != nil {
		return planner.Plan{}, fmt.Errorf("create session: %w", err)
	}
	return plan, nil
}

func (o *Orchestrator) publisher(s *session) engine.Publisher {
	return engine.PublisherFunc(func(n engine.Notification) {
		if n.Kind == engine.NotifyEvent && n.Event != nil {
			o.opts.metrics.Observe(s.spec, *n.Event)
		}
		s.bcast.Publish(n)
		if audited(n) {
			o.deps.Notifier.Notify(n)
		}
	})
}

// run owns the worker goroutine's lifetime and releases the session's
// resources when it exits.
func (o *Orchestrator) run(s *session) {
	defer o.wg.Done()
	defer close(s.gone)

	if err := s.worker.Run(o.ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("session worker failed", "session", s.id, "error", err)
	}
	s.bcast.Close()
	o.disconnect(s.wrenchID)
	o.claims.CompareAndDelete(s.claim, s.id)
	o.wrenches.CompareAndDelete(s.wrenchID, s.id)
	slog.Debug("session released", "session", s.id, "status", s.worker.State().Session.Status)
}

func (o *Orchestrator) disconnect(wrenchID string) {
	if o.deps.Adapter == nil {
		return
	}
	err := o.deps.Adapter.Disconnect(context.Background(), wrenchID)
	if err != nil && !errors.Is(err, adapter.ErrNotConnected) {
		slog.Warn("wrench disconnect failed", "wrench", wrenchID, "error", err)
	}
}

func (o *Orchestrator) lookup(id string) (*session, error) {
	v, ok := o.sessions.Load(id)
	if !ok {
		return nil, engine.NewError(engine.ErrCodeNotFound, id, "no such session")
	}
	return v.(*session), nil
}

// refresh fills in current wrench and operator records from Resources.
func (o *Orchestrator) refresh(ctx context.Context, s *session, opts *engine.ProcessOptions) error {
	if o.deps.Resources == nil {
		return nil
	}
	st := s.worker.State().Session
	if opts.Wrench == nil {
		w, err := o.deps.Resources.Wrench(ctx, st.WrenchID)
		if err != nil {
			return fmt.Errorf("refresh wrench %s: %w", st.WrenchID, err)
		}
		opts.Wrench = &w
	}
	if opts.Operator == nil {
		op, err := o.deps.Resources.Operator(ctx, st.OperatorID)
		if err != nil {
			return fmt.Errorf("refresh operator %s: %w", st.OperatorID, err)
		}
		opts.Operator = &op
	}
	return nil
}

// ProcessReading submits a raw reading to a session's worker and waits for
// the response. Torque, angle, yield and sequence failures come back as a
// Response with a failing status and a nil error.
//
// When the reading completes the session, ProcessReading returns after the
// session's claims are released.
func (o *Orchestrator) ProcessReading(ctx context.Context, sessionID string, raw torque.RawReading, opts engine.ProcessOptions) (engine.Response, error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return engine.Response{}, err
	}
	if err := o.refresh(ctx, s, &opts); err != nil {
		return engine.Response{}, err
	}
	resp, err := s.worker.Process(ctx, raw, opts)
	if resp.Transition != nil && resp.Transition.To.Terminal() {
		if werr := s.wait(ctx); werr != nil {
			return resp, werr
		}
	}
	return resp, err
}

// PauseSession moves an ACTIVE session to PAUSED.
func (o *Orchestrator) PauseSession(ctx context.Context, sessionID string) (*engine.Transition, error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return s.worker.Pause(ctx)
}

// ResumeSession moves a PAUSED session back to ACTIVE.
func (o *Orchestrator) ResumeSession(ctx context.Context, sessionID string) (*engine.Transition, error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return s.worker.Resume(ctx)
}

// EndSession completes a session. On an already terminal session it is a
// no-op returning a nil transition.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) (*engine.Transition, error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	tr, err := s.worker.End(ctx)
	if err != nil {
		return nil, err
	}
	return tr, s.wait(ctx)
}

// AbortSession aborts a session, including one that is idle or paused.
// Idempotent.
func (o *Orchestrator) AbortSession(ctx context.Context, sessionID, reason string) error {
	s, err := o.lookup(sessionID)
	if err != nil {
		return err
	}
	if err := s.worker.Abort(ctx, reason); err != nil {
		return err
	}
	return s.wait(ctx)
}

// ApproveHold disposes of a failure awaiting supervisor approval.
func (o *Orchestrator) ApproveHold(ctx context.Context, sessionID string, a engine.Approval) (engine.ApprovalResult, error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return engine.ApprovalResult{}, err
	}
	res, err := s.worker.Approve(ctx, a)
	if err == nil && res.Transition != nil && res.Transition.To.Terminal() {
		err = s.wait(ctx)
	}
	return res, err
}

// GetSession returns the latest snapshot of a session.
func (o *Orchestrator) GetSession(sessionID string) (torque.Session, error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return torque.Session{}, err
	}
	return s.worker.State().Session, nil
}

// Sessions returns snapshots of every session known to the registry,
// ordered by start time then id.
func (o *Orchestrator) Sessions() []torque.Session {
	var out []torque.Session
	o.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*session).worker.State().Session)
		return true
	})
	slices.SortFunc(out, func(a, b torque.Session) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// GetCurrentSequence returns the position expected next, or nil once every
// position is done.
func (o *Orchestrator) GetCurrentSequence(sessionID string) (*torque.Position, error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return s.worker.State().Cursor, nil
}

// GetSessionMetrics returns the streaming metrics of a session.
func (o *Orchestrator) GetSessionMetrics(sessionID string) (metrics.Snapshot, error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return metrics.Snapshot{}, err
	}
	if snap, ok := o.opts.metrics.Session(sessionID); ok {
		return snap, nil
	}
	lo, hi := metrics.Limits(s.spec)
	return metrics.Snapshot{LowerLimitPct: lo, UpperLimitPct: hi}, nil
}

// GetSpecificationMetrics returns metrics across every session of a
// specification run by this orchestrator.
func (o *Orchestrator) GetSpecificationMetrics(specID string) (metrics.Snapshot, bool) {
	return o.opts.metrics.Specification(specID)
}

// WrenchStatus returns the adapter telemetry of a session's wrench.
func (o *Orchestrator) WrenchStatus(sessionID string) (torque.Telemetry, error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return torque.Telemetry{}, err
	}
	if o.deps.Adapter == nil {
		return torque.Telemetry{}, errors.New("wrench status: no tool adapter configured")
	}
	return o.deps.Adapter.Status(s.wrenchID)
}

// SubscribeEvents returns a live subscription to a session's
// notifications. Late subscribers see only what is published after the
// call. A terminal session yields an already closed channel.
func (o *Orchestrator) SubscribeEvents(sessionID string) (*Subscription, error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return s.bcast.Subscribe(), nil
}

// Attach pumps the session wrench's adapter stream into ProcessReading
// until the stream closes, the session terminates or ctx is done. Each
// result is passed to fn. Per-reading errors such as ValidationBlocked do
// not stop the pump.
func (o *Orchestrator) Attach(ctx context.Context, sessionID string, fn func(engine.Response, error)) error {
	if o.deps.Adapter == nil {
		return errors.New("attach: no tool adapter configured")
	}
	s, err := o.lookup(sessionID)
	if err != nil {
		return err
	}
	readings, err := o.deps.Adapter.Readings(s.wrenchID)
	if err != nil {
		return fmt.Errorf("attach %s: %w", sessionID, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.gone:
			return nil
		case raw, ok := <-readings:
			if !ok {
				return nil
			}
			resp, err := o.ProcessReading(ctx, sessionID, raw, engine.ProcessOptions{})
			if fn != nil {
				fn(resp, err)
			}
			if engine.IsClosed(err) || engine.IsStopped(err) {
				return nil
			}
		}
	}
}

// Shutdown stops accepting sessions and stops every worker without a state
// transition. Open sessions keep their last persisted status.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.closed.Store(true)
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
