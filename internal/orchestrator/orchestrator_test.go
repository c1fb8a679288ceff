package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/torque/internal/adapter"
	"github.com/roach88/torque/internal/engine"
	"github.com/roach88/torque/internal/planner"
	"github.com/roach88/torque/internal/store"
	"github.com/roach88/torque/internal/testutil"
	"github.com/roach88/torque/internal/torque"
)

type memSpecs struct {
	specs     map[string]torque.Specification
	sequences map[string][]torque.Sequence
}

func (m memSpecs) GetSpecification(_ context.Context, id string) (torque.Specification, error) {
	s, ok := m.specs[id]
	if !ok {
		return torque.Specification{}, fmt.Errorf("specification %q: %w", id, store.ErrNotFound)
	}
	return s, nil
}

func (m memSpecs) GetSequences(_ context.Context, id string) ([]torque.Sequence, error) {
	return m.sequences[id], nil
}

// resources serves wrench and operator records that tests can swap.
type resources struct {
	mu       sync.Mutex
	wrenches map[string]torque.Wrench
	ops      map[string]torque.Operator
}

func (r *resources) Wrench(_ context.Context, id string) (torque.Wrench, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.wrenches[id]
	if !ok {
		return torque.Wrench{}, fmt.Errorf("unknown wrench %s", id)
	}
	return w, nil
}

func (r *resources) Operator(_ context.Context, id string) (torque.Operator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok {
		return torque.Operator{}, fmt.Errorf("unknown operator %s", id)
	}
	return op, nil
}

func (r *resources) setWrench(w torque.Wrench) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wrenches[w.ID] = w
}

type auditLog struct {
	mu sync.Mutex
	ns []engine.Notification
}

func (a *auditLog) Notify(n engine.Notification) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ns = append(a.ns, n)
}

func (a *auditLog) kinds(k engine.NotificationKind) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, x := range a.ns {
		if x.Kind == k {
			n++
		}
	}
	return n
}

func flange(id string) torque.Specification {
	return torque.Specification{
		ID:           id,
		TargetTorque: 95,
		TorqueLower:  90,
		TorqueUpper:  100,
		Method:       torque.MethodTorqueOnly,
		Pattern:      torque.PatternLinear,
		BoltCount:    4,
		Passes:       2,
		SafetyLevel:  torque.SafetyNormal,
	}
}

func wrench(id string) torque.Wrench {
	return torque.Wrench{ID: id, CalibrationDue: testutil.Epoch.AddDate(0, 6, 0)}
}

func operator(id string) torque.Operator {
	return torque.Operator{ID: id, Certifications: []torque.Certification{
		{Name: "TORQUE", ExpiresAt: testutil.Epoch.AddDate(1, 0, 0)},
	}}
}

type fixture struct {
	o     *Orchestrator
	res   *resources
	audit *auditLog
	sim   *adapter.Simulated
	clock *testutil.FakeClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	specs := memSpecs{
		specs: map[string]torque.Specification{
			"flange": flange("flange"),
			"cover":  flange("cover"),
		},
		sequences: map[string][]torque.Sequence{},
	}
	expired := flange("old")
	expired.ExpiresAt = testutil.Epoch.AddDate(0, -1, 0)
	specs.specs["old"] = expired

	// STAR has no 7-bolt table; its seeded rows are the LINEAR order.
	star7 := flange("star7")
	star7.Pattern = torque.PatternStar
	star7.BoltCount = 7
	specs.specs["star7"] = star7
	seeded, err := planner.Expand(star7)
	require.NoError(t, err)
	specs.sequences["star7"] = seeded.Sequences

	f := &fixture{
		res: &resources{
			wrenches: map[string]torque.Wrench{"W1": wrench("W1"), "W2": wrench("W2")},
			ops:      map[string]torque.Operator{"op1": operator("op1"), "op2": operator("op2")},
		},
		audit: &auditLog{},
		sim:   adapter.NewSimulated(0),
		clock: testutil.NewFakeClock(time.Time{}),
	}
	opts = append([]Option{
		WithNow(f.clock.Now),
		WithIDs(testutil.NewSequentialIDs("id")),
	}, opts...)

	o, err := New(Deps{
		Specs:     specs,
		Resources: f.res,
		Adapter:   f.sim,
		Notifier:  f.audit,
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	f.o = o
	return f
}

func (f *fixture) create(t *testing.T, spec, wr, op string) Created {
	t.Helper()
	c, err := f.o.CreateSession(context.Background(), CreateRequest{
		SpecificationID: spec,
		Operator:        operator(op),
		Wrench:          wrench(wr),
	})
	require.NoError(t, err)
	return c
}

func reading(nm float64) torque.RawReading {
	return torque.RawReading{Torque: nm}
}

func TestCreateSession_ConflictOnOpenSpecification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.create(t, "flange", "W1", "op1")
	assert.Equal(t, torque.SessionActive, first.Session.Status)
	require.NotNil(t, first.Next)
	assert.Equal(t, "B01", first.Next.BoltPosition)

	_, err := f.o.CreateSession(ctx, CreateRequest{SpecificationID: "flange", Operator: operator("op2"), Wrench: wrench("W2")})
	assert.True(t, engine.IsConflict(err), "got %v", err)

	// A paused session still holds the claim.
	_, err = f.o.PauseSession(ctx, first.Session.ID)
	require.NoError(t, err)
	_, err = f.o.CreateSession(ctx, CreateRequest{SpecificationID: "flange", Operator: operator("op2"), Wrench: wrench("W2")})
	assert.True(t, engine.IsConflict(err))

	// A different work order is a different instance.
	_, err = f.o.CreateSession(ctx, CreateRequest{SpecificationID: "flange", WorkOrderID: "WO-2", Operator: operator("op2"), Wrench: wrench("W2")})
	assert.NoError(t, err)
}

func TestCreateSession_StoredFallbackSequenceWarns(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, "star7", "W1", "op1")

	require.Len(t, c.Warnings, 1)
	assert.Equal(t, planner.WarningPatternFallback, c.Warnings[0].Code)
	require.NotNil(t, c.Next)
	assert.Equal(t, "B01", c.Next.BoltPosition)
}

func TestCreateSession_WrenchBusyReleasesSpecClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "flange", "W1", "op1")

	_, err := f.o.CreateSession(ctx, CreateRequest{SpecificationID: "cover", Operator: operator("op2"), Wrench: wrench("W1")})
	assert.True(t, engine.IsWrenchBusy(err), "got %v", err)

	// The failed attempt must not leave "cover" claimed.
	f.create(t, "cover", "W2", "op2")
}

func TestCreateSession_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	f := newFixture(t)

	const n = 16
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.o.CreateSession(context.Background(), CreateRequest{
				SpecificationID: "flange",
				Operator:        operator("op1"),
				Wrench:          wrench(fmt.Sprintf("WX%d", i)),
			})
			switch {
			case err == nil:
				wins.Add(1)
			case engine.IsConflict(err):
				conflicts.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(n-1), conflicts.Load())
}

func TestCreateSession_SpecificationUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.o.CreateSession(ctx, CreateRequest{SpecificationID: "missing", Operator: operator("op1"), Wrench: wrench("W1")})
	assert.True(t, engine.IsSpecUnavailable(err))

	_, err = f.o.CreateSession(ctx, CreateRequest{SpecificationID: "old", Operator: operator("op1"), Wrench: wrench("W1")})
	assert.True(t, engine.IsSpecUnavailable(err))

	// Nothing was claimed.
	f.create(t, "flange", "W1", "op1")
}

func TestEndSession_IdempotentAndReleasesClaims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, "flange", "W1", "op1")

	sub, err := f.o.SubscribeEvents(c.Session.ID)
	require.NoError(t, err)

	tr, err := f.o.EndSession(ctx, c.Session.ID)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, torque.SessionCompleted, tr.To)

	tr, err = f.o.EndSession(ctx, c.Session.ID)
	require.NoError(t, err)
	assert.Nil(t, tr, "second EndSession is a no-op")

	var transitions int
	for n := range sub.C {
		if n.Kind == engine.NotifyTransition {
			transitions++
		}
	}
	assert.Equal(t, 1, transitions, "no duplicate terminal event")

	sess, err := f.o.GetSession(c.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, torque.SessionCompleted, sess.Status)

	// Claims are free again.
	f.create(t, "flange", "W1", "op1")
}

func TestAbortSession_PausedThenReadingIsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, "flange", "W1", "op1")

	_, err := f.o.PauseSession(ctx, c.Session.ID)
	require.NoError(t, err)

	_, err = f.o.ProcessReading(ctx, c.Session.ID, reading(95), engine.ProcessOptions{})
	assert.True(t, engine.IsNotActive(err), "paused sessions reject readings")

	require.NoError(t, f.o.AbortSession(ctx, c.Session.ID, "part scrapped"))
	require.NoError(t, f.o.AbortSession(ctx, c.Session.ID, "again"))

	sess, err := f.o.GetSession(c.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, torque.SessionAborted, sess.Status)

	_, err = f.o.ProcessReading(ctx, c.Session.ID, reading(95), engine.ProcessOptions{})
	assert.True(t, engine.IsClosed(err))
	assert.Equal(t, 2, f.audit.kinds(engine.NotifyTransition), "pause then abort")
}

func TestAbortSession_IdleSession(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, "flange", "W1", "op1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.o.AbortSession(ctx, c.Session.ID, ""))

	sess, _ := f.o.GetSession(c.Session.ID)
	assert.Equal(t, torque.SessionAborted, sess.Status)
}

func TestProcessReading_ExpiredCalibrationIsBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, "flange", "W1", "op1")

	// Calibration lapses after session start; it is re-read per reading.
	lapsed := wrench("W1")
	lapsed.CalibrationDue = testutil.Epoch.Add(-time.Hour)
	f.res.setWrench(lapsed)

	resp, err := f.o.ProcessReading(ctx, c.Session.ID, reading(95), engine.ProcessOptions{})
	assert.True(t, engine.IsBlocked(err), "got %v", err)
	assert.Nil(t, resp.Event)
	require.NotNil(t, resp.Next)
	assert.Equal(t, "B01", resp.Next.BoltPosition)

	sess, _ := f.o.GetSession(c.Session.ID)
	assert.Equal(t, 0, sess.EventCount)
	assert.Equal(t, 0, sess.CurrentSequenceIndex)
	assert.Equal(t, 1, f.audit.kinds(engine.NotifyBlocked))
}

func TestProcessReading_UnderTorqueScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, "flange", "W1", "op1")

	resp, err := f.o.ProcessReading(ctx, c.Session.ID, reading(88.5), engine.ProcessOptions{})
	require.NoError(t, err)
	require.NotNil(t, resp.Event)
	assert.Equal(t, torque.StatusUnderTorque, resp.Event.Status)
	assert.InDelta(t, -6.842, resp.Event.PercentDeviation, 0.001)
	assert.Equal(t, "B01", resp.Next.BoltPosition, "position holds")
}

func TestSubscribeEvents_OrderedUntilCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, "flange", "W1", "op1")

	sub, err := f.o.SubscribeEvents(c.Session.ID)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		_, err := f.o.ProcessReading(ctx, c.Session.ID, reading(95), engine.ProcessOptions{})
		require.NoError(t, err)
	}

	var got []engine.Notification
	for n := range sub.C {
		got = append(got, n)
	}
	require.Len(t, got, 9, "8 events and the COMPLETED transition")
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].Seq, got[i].Seq)
	}
	assert.Equal(t, engine.NotifyTransition, got[8].Kind)
	assert.Equal(t, torque.SessionCompleted, got[8].Transition.To)
	assert.Zero(t, sub.Dropped())

	cur, err := f.o.GetCurrentSequence(c.Session.ID)
	require.NoError(t, err)
	assert.Nil(t, cur)

	late, err := f.o.SubscribeEvents(c.Session.ID)
	require.NoError(t, err)
	_, open := <-late.C
	assert.False(t, open, "terminal sessions have nothing to stream")
}

func TestMetrics_SessionAndSpecification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, "flange", "W1", "op1")

	empty, err := f.o.GetSessionMetrics(c.Session.ID)
	require.NoError(t, err)
	assert.Zero(t, empty.Count)
	assert.InDelta(t, -5.263, empty.LowerLimitPct, 0.001)

	for _, nm := range []float64{95, 88, 94, 96} {
		_, err := f.o.ProcessReading(ctx, c.Session.ID, reading(nm), engine.ProcessOptions{})
		require.NoError(t, err)
	}

	snap, err := f.o.GetSessionMetrics(c.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.Count)
	assert.Equal(t, 1, snap.Fail)
	assert.Equal(t, 3, snap.FirstAttempts)
	assert.InDelta(t, 2.0/3.0, snap.FirstPassYield, 1e-9)

	spec, ok := f.o.GetSpecificationMetrics("flange")
	require.True(t, ok)
	assert.Equal(t, 4, spec.Count)

	_, err = f.o.GetSessionMetrics("nope")
	assert.True(t, engine.IsNotFound(err))
}

func TestAttach_PumpsAdapterStream(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := f.create(t, "flange", "W1", "op1")

	tel, err := f.o.WrenchStatus(c.Session.ID)
	require.NoError(t, err)
	assert.True(t, tel.Connected)

	var mu sync.Mutex
	var statuses []torque.EventStatus
	done := make(chan error, 1)
	go func() {
		done <- f.o.Attach(ctx, c.Session.ID, func(resp engine.Response, err error) {
			mu.Lock()
			defer mu.Unlock()
			if err == nil && resp.Event != nil {
				statuses = append(statuses, resp.Event.Status)
			}
		})
	}()

	for _, nm := range []float64{95, 101, 95, 95, 95, 95, 95, 95, 95} {
		require.NoError(t, f.sim.Emit(ctx, "W1", reading(nm)))
	}
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, statuses, 9)
	assert.Equal(t, torque.StatusOverTorque, statuses[1])

	sess, _ := f.o.GetSession(c.Session.ID)
	assert.Equal(t, torque.SessionCompleted, sess.Status)
	_, err = f.sim.Status("W1")
	assert.ErrorIs(t, err, adapter.ErrNotConnected, "wrench disconnected on completion")
}

func TestShutdown_StopsWorkersWithoutTransition(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, "flange", "W1", "op1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.o.Shutdown(ctx))

	sess, _ := f.o.GetSession(c.Session.ID)
	assert.Equal(t, torque.SessionActive, sess.Status)
	assert.Zero(t, f.audit.kinds(engine.NotifyTransition))

	_, err := f.o.CreateSession(ctx, CreateRequest{SpecificationID: "cover", Operator: operator("op2"), Wrench: wrench("W2")})
	assert.True(t, engine.IsStopped(err))
	_, err = f.o.ProcessReading(ctx, c.Session.ID, reading(95), engine.ProcessOptions{})
	assert.True(t, engine.IsStopped(err), "an open session is not reported as closed")
	assert.False(t, engine.IsClosed(err))
	assert.Contains(t, err.Error(), "orchestrator stopped")
	assert.Contains(t, err.Error(), "ACTIVE")
}

func TestOrchestrator_PersistsThroughStore(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "torque.db"))
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()
	require.NoError(t, st.SaveSpecification(ctx, flange("flange")))

	o, err := New(Deps{Specs: st, Sink: st},
		WithNow(testutil.NewFakeClock(time.Time{}).Now),
		WithIDs(testutil.NewSequentialIDs("s")),
	)
	require.NoError(t, err)
	defer o.Shutdown(ctx)

	c, err := o.CreateSession(ctx, CreateRequest{SpecificationID: "flange", Operator: operator("op1"), Wrench: wrench("W1")})
	require.NoError(t, err)
	for _, nm := range []float64{95, 89, 95} {
		_, err := o.ProcessReading(ctx, c.Session.ID, reading(nm), engine.ProcessOptions{})
		require.NoError(t, err)
	}
	_, err = o.EndSession(ctx, c.Session.ID)
	require.NoError(t, err)

	events, err := st.ReadSessionEvents(ctx, c.Session.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, torque.StatusUnderTorque, events[1].Status)

	sess, err := st.GetSession(ctx, c.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, torque.SessionCompleted, sess.Status)
	assert.False(t, sess.Complete)
}
