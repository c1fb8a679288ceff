package harness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/torque/internal/store"
	"github.com/roach88/torque/internal/testutil"
	"github.com/roach88/torque/internal/torque"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Type: TraceCreate, Status: "ACTIVE", Next: "B01"},
		{Type: TraceStep, Step: 1, Action: ActionReading, Status: "UNDER_TORQUE", Next: "B01"},
		{Type: "event", Seq: 1, Bolt: "B01", Pass: 1, Attempt: 1, Torque: 23, Target: 25, PctDev: -8, Status: "UNDER_TORQUE"},
		{Type: TraceStep, Step: 2, Action: ActionReading, Status: "PASS", Next: "B02"},
		{Type: "event", Seq: 2, Bolt: "B01", Pass: 1, Attempt: 2, Torque: 25, Target: 25, Advanced: true, Status: "PASS"},
		{Type: "blocked", Seq: 3, Rules: []string{"wrench-calibration", "operator-certification"}},
	}
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	tests := []struct {
		name  string
		match map[string]any
		ok    bool
	}{
		{"by type and bolt", map[string]any{"type": "event", "bolt": "B01"}, true},
		{"int matches float field", map[string]any{"type": "event", "attempt": 2}, true},
		{"float value", map[string]any{"percent_deviation": -8.0}, true},
		{"bool value", map[string]any{"type": "event", "advanced": true}, true},
		{"omitted zero matches", map[string]any{"type": "event", "attempt": 1, "advanced": false}, true},
		{"slice value", map[string]any{"rules": []any{"wrench-calibration", "operator-certification"}}, true},
		{"slice order matters", map[string]any{"rules": []any{"operator-certification", "wrench-calibration"}}, false},
		{"wrong value", map[string]any{"type": "event", "status": "OVER_TORQUE"}, false},
		{"missing non-zero field", map[string]any{"type": "create", "code": "X"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertTraceContains(trace, Assertion{Type: AssertTraceContains, Match: tt.match})
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var ae *AssertionError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, AssertTraceContains, ae.Kind)
			assert.Equal(t, "no such entry", ae.Got)
		})
	}
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	err := assertTraceOrder(trace, Assertion{Sequence: []map[string]any{
		{"type": "create"},
		{"type": "event", "status": "UNDER_TORQUE"},
		{"type": "blocked"},
	}})
	assert.NoError(t, err)

	err = assertTraceOrder(trace, Assertion{Sequence: []map[string]any{
		{"type": "event", "status": "PASS"},
		{"type": "event", "status": "UNDER_TORQUE"},
	}})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Contains(t, ae.Got, "element 2 (map[status:UNDER_TORQUE type:event]) never matched after element 1")

	err = assertTraceOrder(trace, Assertion{Sequence: []map[string]any{{"type": "transition"}}})
	assert.Error(t, err)
}

func TestAssertTraceOrder_SameMatchTwice(t *testing.T) {
	trace := sampleTrace()

	err := assertTraceOrder(trace, Assertion{Sequence: []map[string]any{
		{"type": "event"},
		{"type": "event"},
	}})
	assert.NoError(t, err)

	err = assertTraceOrder(trace, Assertion{Sequence: []map[string]any{
		{"type": "blocked"},
		{"type": "blocked"},
	}})
	assert.Error(t, err)
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, Assertion{Match: map[string]any{"type": "event"}, Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Match: map[string]any{"type": "transition"}, Count: 0}))

	err := assertTraceCount(trace, Assertion{Match: map[string]any{"type": TraceStep}, Count: 3})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "2 entries", ae.Got)
}

func TestAssertSnapshot(t *testing.T) {
	result := NewResult()
	result.State["session"] = map[string]any{"status": "COMPLETED", "event_count": 4.0, "complete": true}

	assert.NoError(t, assertSnapshot(result, Assertion{Type: AssertSession, Expect: map[string]any{"status": "COMPLETED", "event_count": 4}}))
	assert.NoError(t, assertSnapshot(result, Assertion{Type: AssertSession, Expect: map[string]any{"held": false}}))
	assert.Error(t, assertSnapshot(result, Assertion{Type: AssertSession, Expect: map[string]any{"event_count": 5}}))
	assert.Error(t, assertSnapshot(result, Assertion{Type: AssertSession, Expect: map[string]any{"hold_reason": "x"}}))

	err := assertSnapshot(result, Assertion{Type: AssertMetrics, Expect: map[string]any{"count": 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "the session was never created")
}

func TestValuesEqual(t *testing.T) {
	tests := []struct {
		name     string
		actual   any
		expected any
		want     bool
	}{
		{"strings", "a", "a", true},
		{"different strings", "a", "b", false},
		{"int and float", 4.0, 4, true},
		{"int64 and int", int64(4), 4, true},
		{"float noise", 0.1 + 0.2, 0.3, true},
		{"number and string", 4.0, "4", false},
		{"nil both", nil, nil, true},
		{"nil one", nil, "a", false},
		{"bools", true, true, true},
		{"slices", []any{1.0, "x"}, []any{1, "x"}, true},
		{"slice lengths", []any{1.0}, []any{1, 2}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, valuesEqual(tt.actual, tt.expected))
		})
	}
}

func TestColumnValueEqual(t *testing.T) {
	assert.True(t, columnValueEqual("ACTIVE", "ACTIVE"))
	assert.True(t, columnValueEqual("ACTIVE", []byte("ACTIVE")))
	assert.True(t, columnValueEqual(4, int64(4)))
	assert.True(t, columnValueEqual(true, int64(1)))
	assert.True(t, columnValueEqual(false, int64(0)))
	assert.False(t, columnValueEqual(true, "true"))
	assert.True(t, columnValueEqual(nil, nil))
	assert.False(t, columnValueEqual(nil, "x"))
}

func TestWhereClause(t *testing.T) {
	cols := map[string]bool{"bolt_position": true, "seq": true, "status": true}

	cond, args, err := whereClause("events", cols, nil)
	require.NoError(t, err)
	assert.Empty(t, cond)
	assert.Nil(t, args)

	cond, args, err = whereClause("events", cols, map[string]any{"status": "PASS", "seq": 3, "bolt_position": "B01"})
	require.NoError(t, err)
	assert.Equal(t, "bolt_position = ? AND seq = ? AND status = ?", cond)
	assert.Equal(t, []any{"B01", 3, "PASS"}, args)

	_, _, err = whereClause("events", cols, map[string]any{"status; DROP TABLE events": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `events has no column "status; DROP TABLE events"`)
}

func TestDescribeWhere(t *testing.T) {
	assert.Equal(t, "any row", describeWhere(nil))
	assert.Equal(t, "a=1, b=x", describeWhere(map[string]any{"b": "x", "a": 1}))
}

func TestSQLArg(t *testing.T) {
	assert.Equal(t, "x", sqlArg("x"))
	assert.Equal(t, 3, sqlArg(3))
	assert.Equal(t, 2.5, sqlArg(2.5))
	assert.Equal(t, true, sqlArg(true))
	assert.Equal(t, "[1 2]", sqlArg([]int{1, 2}))
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	at := testutil.Epoch
	require.NoError(t, st.SaveSession(ctx, torque.Session{
		ID: "s-1", SpecificationID: "manifold", Status: torque.SessionCompleted, EventCount: 2, StartedAt: at,
	}))
	require.NoError(t, st.SaveSession(ctx, torque.Session{
		ID: "s-2", SpecificationID: "manifold", Status: torque.SessionActive, StartedAt: at.Add(time.Minute),
	}))
	return st
}

func TestAssertFinalState(t *testing.T) {
	st := setupTestStore(t)
	db := st.DB()
	ctx := context.Background()

	tests := []struct {
		name    string
		a       Assertion
		wantErr string
	}{
		{
			name: "row found",
			a:    Assertion{Table: "sessions", Where: map[string]any{"id": "s-1"}, Expect: map[string]any{"status": "COMPLETED", "event_count": 2}},
		},
		{
			name: "multiple where conditions",
			a:    Assertion{Table: "sessions", Where: map[string]any{"specification_id": "manifold", "status": "ACTIVE"}, Expect: map[string]any{"id": "s-2"}},
		},
		{
			name:    "row not found",
			a:       Assertion{Table: "sessions", Where: map[string]any{"id": "s-9"}, Expect: map[string]any{"status": "ACTIVE"}},
			wantErr: "no matching row",
		},
		{
			name:    "ambiguous",
			a:       Assertion{Table: "sessions", Where: map[string]any{"specification_id": "manifold"}, Expect: map[string]any{"status": "ACTIVE"}},
			wantErr: "more than one matching row",
		},
		{
			name:    "value mismatch",
			a:       Assertion{Table: "sessions", Where: map[string]any{"id": "s-1"}, Expect: map[string]any{"event_count": 3}},
			wantErr: "sessions.event_count = 3",
		},
		{
			name:    "missing column",
			a:       Assertion{Table: "sessions", Where: map[string]any{"id": "s-1"}, Expect: map[string]any{"operator": "op-7"}},
			wantErr: "column sessions.operator",
		},
		{
			name:    "unknown table",
			a:       Assertion{Table: "wrenches", Expect: map[string]any{"id": "W-100"}},
			wantErr: `"wrenches" is not a store table`,
		},
		{
			name:    "injected table name",
			a:       Assertion{Table: "sessions; DROP TABLE events", Expect: map[string]any{"id": "x"}},
			wantErr: "is not a store table",
		},
		{
			name:    "unknown where column",
			a:       Assertion{Table: "events", Where: map[string]any{"torque": 25}, Expect: map[string]any{"status": "PASS"}},
			wantErr: `events has no column "torque"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.a.Type = AssertFinalState
			err := assertFinalState(ctx, db, tt.a)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEvaluate(t *testing.T) {
	st := setupTestStore(t)
	result := NewResult()
	result.Trace = sampleTrace()

	assertions := []Assertion{
		{Type: AssertTraceContains, Match: map[string]any{"type": "blocked"}},
		{Type: AssertTraceCount, Match: map[string]any{"type": "event"}, Count: 5},
		{Type: AssertFinalState, Table: "sessions", Where: map[string]any{"id": "s-1"}, Expect: map[string]any{"status": "COMPLETED"}},
		{Type: "eventually"},
	}

	errs := Evaluate(context.Background(), result, assertions, st)
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "trace_count")
	assert.Contains(t, errs[1], `unknown assertion type "eventually"`)

	errs = Evaluate(context.Background(), result, assertions[2:3], nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "final_state needs a store")
}

func TestAssertionError_ErrorFormat(t *testing.T) {
	err := &AssertionError{
		Kind:  AssertTraceCount,
		Want:  "2 entries",
		Got:   "1 entries",
		Trace: sampleTrace()[:3],
	}

	msg := err.Error()
	assert.Contains(t, msg, "trace_count assertion failed")
	assert.Contains(t, msg, "want: 2 entries")
	assert.Contains(t, msg, "got:  1 entries")
	assert.Contains(t, msg, "#1 create status=ACTIVE next=B01")
	assert.Contains(t, msg, "#3 event seq=1 bolt=B01 pass=1 torque=23 status=UNDER_TORQUE")
}
