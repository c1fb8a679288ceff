package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/torque/internal/torque"
)

type recorder struct {
	mu sync.Mutex
	ns []Notification
}

func (r *recorder) Publish(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ns = append(r.ns, n)
}

func (r *recorder) kinds(k NotificationKind) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.ns {
		if n.Kind == k {
			out = append(out, n)
		}
	}
	return out
}

func (r *recorder) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.ns...)
}

type memSink struct {
	mu       sync.Mutex
	events   []torque.Event
	sessions []torque.Session
	err      error
}

func (s *memSink) SaveEvent(_ context.Context, e torque.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, e)
	return nil
}

func (s *memSink) SaveSession(_ context.Context, sess torque.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sessions = append(s.sessions, sess)
	return nil
}

func startWorker(t *testing.T, spec torque.Specification, cfg WorkerConfig) (*Worker, *recorder, context.CancelFunc) {
	t.Helper()
	rec := &recorder{}
	if cfg.Publisher == nil {
		cfg.Publisher = rec
	}
	w := NewWorker(newMachine(t, spec, Config{}), cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-w.Done()
	})
	return w, rec, cancel
}

func TestWorker_ProcessPersistsAndPublishesInOrder(t *testing.T) {
	sink := &memSink{}
	w, rec, _ := startWorker(t, bandSpec(), WorkerConfig{Sink: sink})
	ctx := context.Background()

	for _, nm := range []float64{95, 88, 95, 96} {
		cur := w.State().Cursor
		require.NotNil(t, cur)
		_, err := w.Process(ctx, raw(cur.BoltPosition, nm), ProcessOptions{})
		require.NoError(t, err)
	}

	events := rec.kinds(NotifyEvent)
	require.Len(t, events, 4)
	for i := 1; i < len(events); i++ {
		assert.Less(t, events[i-1].Seq, events[i].Seq)
	}
	assert.Equal(t, torque.StatusUnderTorque, events[1].Event.Status)

	sink.mu.Lock()
	assert.Len(t, sink.events, 4)
	sink.mu.Unlock()

	st := w.State()
	assert.Equal(t, 3, st.Session.CurrentSequenceIndex)
	assert.Equal(t, "B04", st.Cursor.BoltPosition)
}

func TestWorker_AbortWhileIdle(t *testing.T) {
	w, rec, _ := startWorker(t, bandSpec(), WorkerConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Nothing is queued; the worker is blocked waiting for input.
	require.NoError(t, w.Abort(ctx, "supervisor stop"))
	assert.Equal(t, torque.SessionAborted, w.State().Session.Status)

	trs := rec.kinds(NotifyTransition)
	require.Len(t, trs, 1)
	assert.Equal(t, "supervisor stop", trs[0].Transition.Reason)

	_, err := w.Process(ctx, raw("B01", 95), ProcessOptions{})
	assert.True(t, IsClosed(err))
	require.NoError(t, w.Abort(ctx, "again"), "abort is idempotent")
	assert.Len(t, rec.kinds(NotifyTransition), 1)
}

func TestWorker_AbortPausedThenReadingIsClosed(t *testing.T) {
	w, _, _ := startWorker(t, bandSpec(), WorkerConfig{})
	ctx := context.Background()

	_, err := w.Pause(ctx)
	require.NoError(t, err)
	assert.Equal(t, torque.SessionPaused, w.State().Session.Status)

	require.NoError(t, w.Abort(ctx, ""))
	assert.Equal(t, torque.SessionAborted, w.State().Session.Status)

	_, err = w.Process(ctx, raw("B01", 95), ProcessOptions{})
	assert.True(t, IsClosed(err))
}

func TestWorker_EndTwiceEmitsOneTerminalTransition(t *testing.T) {
	w, rec, _ := startWorker(t, bandSpec(), WorkerConfig{})
	ctx := context.Background()

	tr, err := w.End(ctx)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, torque.SessionCompleted, tr.To)

	tr, err = w.End(ctx)
	require.NoError(t, err)
	assert.Nil(t, tr)

	assert.Equal(t, torque.SessionCompleted, w.State().Session.Status)
	assert.Len(t, rec.kinds(NotifyTransition), 1)
}

func TestWorker_IdleWarningIsAdvisory(t *testing.T) {
	w, rec, _ := startWorker(t, bandSpec(), WorkerConfig{IdleTimeout: 10 * time.Millisecond})

	require.Eventually(t, func() bool {
		for _, n := range rec.kinds(NotifyWarning) {
			if n.Warning.Code == WarningSessionIdle {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, torque.SessionActive, w.State().Session.Status)
	_, err := w.Process(context.Background(), raw("B01", 95), ProcessOptions{})
	assert.NoError(t, err)
}

func TestWorker_PersistenceFailureDoesNotStall(t *testing.T) {
	sink := &memSink{err: errors.New("disk full")}
	w, rec, _ := startWorker(t, bandSpec(), WorkerConfig{Sink: sink})

	resp, err := w.Process(context.Background(), raw("B01", 95), ProcessOptions{})
	require.NoError(t, err)
	require.NotNil(t, resp.Event)
	assert.Len(t, rec.kinds(NotifyEvent), 1)
}

func TestWorker_BlockedReadingNotifies(t *testing.T) {
	rec := &recorder{}
	wr := goodWrench()
	wr.CalibrationDue = now.Add(-time.Hour)
	w := NewWorker(newMachineWith(t, bandSpec(), Config{}, wr), WorkerConfig{Publisher: rec})
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer func() {
		cancel()
		<-w.Done()
	}()

	_, err := w.Process(ctx, raw("B01", 95), ProcessOptions{})
	assert.True(t, IsBlocked(err))
	assert.Empty(t, rec.kinds(NotifyEvent))
	blocked := rec.kinds(NotifyBlocked)
	require.Len(t, blocked, 1)
	assert.NotEmpty(t, blocked[0].Blocked)
}

func TestWorker_ConcurrentSubmittersAreSerialized(t *testing.T) {
	w, rec, _ := startWorker(t, bandSpec(), WorkerConfig{})
	ctx := context.Background()

	const submitters = 8
	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Bolt left empty: each reading is taken for the expected position.
			_, _ = w.Process(ctx, raw("", 95), ProcessOptions{})
		}()
	}
	wg.Wait()

	st := w.State().Session
	assert.Equal(t, submitters, st.EventCount)
	assert.Equal(t, torque.SessionCompleted, st.Status, "8 readings close 4 bolts × 2 passes")

	all := rec.all()
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Seq, all[i].Seq)
	}
	last := all[len(all)-1]
	assert.Equal(t, NotifyTransition, last.Kind)
}

func TestWorker_CancelStopsWithoutTransition(t *testing.T) {
	w, rec, cancel := startWorker(t, bandSpec(), WorkerConfig{})
	cancel()
	<-w.Done()

	assert.Equal(t, torque.SessionActive, w.State().Session.Status)
	assert.Empty(t, rec.kinds(NotifyTransition))
	_, err := w.Process(context.Background(), raw("B01", 95), ProcessOptions{})
	assert.True(t, IsStopped(err))
	assert.Contains(t, err.Error(), "session left ACTIVE")
}

func TestMultiSink_AttemptsEverySink(t *testing.T) {
	bad := &memSink{err: errors.New("offline")}
	good := &memSink{}
	ms := MultiSink{bad, good}

	err := ms.SaveEvent(context.Background(), torque.Event{ID: "e1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offline")
	assert.Len(t, good.events, 1)

	require.Error(t, ms.SaveSession(context.Background(), torque.Session{ID: "s1"}))
	assert.Len(t, good.sessions, 1)
	assert.NoError(t, MultiSink{good}.SaveSession(context.Background(), torque.Session{ID: "s1"}))
}
