package harness

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/torque/internal/store"
)

// numericTolerance is the absolute difference under which two numbers
// compare equal. Torque values are float64 and YAML numbers are often ints.
const numericTolerance = 1e-6

// AssertionError describes a failed assertion. Trace is attached for the
// trace_* kinds so the report shows what the session actually did.
type AssertionError struct {
	Kind  string
	Want  string
	Got   string
	Trace []TraceEvent
}

func (e *AssertionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s assertion failed\n", e.Kind)
	fmt.Fprintf(&b, "  want: %s\n", e.Want)
	fmt.Fprintf(&b, "  got:  %s\n", e.Got)
	if len(e.Trace) == 0 {
		return b.String()
	}
	b.WriteString("trace:\n")
	for i, entry := range e.Trace {
		fmt.Fprintf(&b, "  #%d %s\n", i+1, describe(entry))
	}
	return b.String()
}

// describe renders a trace entry on one line, omitting zero fields.
func describe(e TraceEvent) string {
	parts := []string{e.Type}
	add := func(k string, v any, ok bool) {
		if ok {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}
	add("seq", e.Seq, e.Seq != 0)
	add("step", e.Step, e.Step != 0)
	add("action", e.Action, e.Action != "")
	add("bolt", e.Bolt, e.Bolt != "")
	add("pass", e.Pass, e.Pass != 0)
	add("torque", e.Torque, e.Torque != 0)
	add("status", e.Status, e.Status != "")
	add("code", e.Code, e.Code != "")
	add("rules", e.Rules, len(e.Rules) > 0)
	add("next", e.Next, e.Next != "")
	add("error", e.Error, e.Error != "")
	return strings.Join(parts, " ")
}

// traceMaps decodes trace entries to maps keyed by their JSON names so
// assertions can match on any field.
func traceMaps(trace []TraceEvent) []map[string]any {
	out := make([]map[string]any, 0, len(trace))
	for _, e := range trace {
		m, err := toMap(e)
		if err != nil {
			m = map[string]any{"type": e.Type}
		}
		out = append(out, m)
	}
	return out
}

func countMatches(trace []TraceEvent, match map[string]any) int {
	n := 0
	for _, entry := range traceMaps(trace) {
		if matchEntry(entry, match) {
			n++
		}
	}
	return n
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	if countMatches(trace, a.Match) > 0 {
		return nil
	}
	return &AssertionError{
		Kind:  AssertTraceContains,
		Want:  fmt.Sprintf("an entry matching %v", a.Match),
		Got:   "no such entry",
		Trace: trace,
	}
}

// assertTraceOrder walks the trace once; each element of a.Sequence must
// match an entry after the one that matched its predecessor.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	entries := traceMaps(trace)
	next := 0
	for i, want := range a.Sequence {
		for next < len(entries) && !matchEntry(entries[next], want) {
			next++
		}
		if next == len(entries) {
			return &AssertionError{
				Kind:  AssertTraceOrder,
				Want:  fmt.Sprintf("entries in order %v", a.Sequence),
				Got:   fmt.Sprintf("element %d (%v) never matched after element %d", i+1, want, i),
				Trace: trace,
			}
		}
		next++
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	if n := countMatches(trace, a.Match); n != a.Count {
		return &AssertionError{
			Kind:  AssertTraceCount,
			Want:  fmt.Sprintf("%d entries matching %v", a.Count, a.Match),
			Got:   fmt.Sprintf("%d entries", n),
			Trace: trace,
		}
	}
	return nil
}

// assertSnapshot compares the final session or metrics snapshot with
// a.Expect. Keys absent from the snapshot match zero expectations since
// snapshots drop empty fields.
func assertSnapshot(result *Result, a Assertion) error {
	snap, ok := result.State[a.Type].(map[string]any)
	if !ok {
		return &AssertionError{
			Kind: a.Type,
			Want: "a " + a.Type + " snapshot",
			Got:  "none, the session was never created",
		}
	}
	for _, key := range sortedKeys(a.Expect) {
		want := a.Expect[key]
		got, present := snap[key]
		if !present && isZero(want) {
			continue
		}
		if !present || !valuesEqual(got, want) {
			return &AssertionError{
				Kind: a.Type,
				Want: fmt.Sprintf("%s = %v", key, want),
				Got:  fmt.Sprintf("%s = %v", key, got),
			}
		}
	}
	return nil
}

// storeTables are the tables final_state may read.
var storeTables = map[string]bool{
	"specifications": true,
	"sequences":      true,
	"sessions":       true,
	"events":         true,
}

// tableColumns lists a store table's columns. Only names returned here
// are ever interpolated into a query.
func tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	if !storeTables[table] {
		return nil, fmt.Errorf("final_state: %q is not a store table", table)
	}
	rows, err := db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, fmt.Errorf("final_state: columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("final_state: columns of %s: %w", table, err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// whereClause renders where as "a = ? AND b = ?" in key order. Every key
// must be a column of the table.
func whereClause(table string, cols map[string]bool, where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}
	keys := sortedKeys(where)
	terms := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		if !cols[k] {
			return "", nil, fmt.Errorf("final_state: %s has no column %q", table, k)
		}
		terms = append(terms, k+" = ?")
		args = append(args, sqlArg(where[k]))
	}
	return strings.Join(terms, " AND "), args, nil
}

// sqlArg passes scalars through and stringifies anything else YAML produced.
func sqlArg(v any) any {
	switch v.(type) {
	case string, int, int64, float64, bool:
		return v
	}
	return fmt.Sprint(v)
}

func describeWhere(where map[string]any) string {
	if len(where) == 0 {
		return "any row"
	}
	parts := make([]string, 0, len(where))
	for _, k := range sortedKeys(where) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, ", ")
}

// assertFinalState requires exactly one row of a.Table selected by a.Where
// and compares the a.Expect columns of that row.
func assertFinalState(ctx context.Context, db *sql.DB, a Assertion) error {
	cols, err := tableColumns(ctx, db, a.Table)
	if err != nil {
		return err
	}
	for _, k := range sortedKeys(a.Expect) {
		if !cols[k] {
			return &AssertionError{
				Kind: AssertFinalState,
				Want: fmt.Sprintf("column %s.%s", a.Table, k),
				Got:  fmt.Sprintf("%s has columns %v", a.Table, columnNames(cols)),
			}
		}
	}

	cond, args, err := whereClause(a.Table, cols, a.Where)
	if err != nil {
		return err
	}
	query := "SELECT * FROM " + a.Table
	if cond != "" {
		query += " WHERE " + cond
	}
	query += " LIMIT 2"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("final_state: query %s: %w", a.Table, err)
	}
	defer rows.Close()

	found, err := scanRows(rows)
	if err != nil {
		return fmt.Errorf("final_state: read %s: %w", a.Table, err)
	}
	switch len(found) {
	case 0:
		return &AssertionError{
			Kind: AssertFinalState,
			Want: fmt.Sprintf("a %s row where %s", a.Table, describeWhere(a.Where)),
			Got:  "no matching row",
		}
	case 2:
		return &AssertionError{
			Kind: AssertFinalState,
			Want: fmt.Sprintf("one %s row where %s", a.Table, describeWhere(a.Where)),
			Got:  "more than one matching row",
		}
	}

	row := found[0]
	for _, k := range sortedKeys(a.Expect) {
		if !columnValueEqual(a.Expect[k], row[k]) {
			return &AssertionError{
				Kind: AssertFinalState,
				Want: fmt.Sprintf("%s.%s = %v", a.Table, k, a.Expect[k]),
				Got:  fmt.Sprintf("%s.%s = %v", a.Table, k, row[k]),
			}
		}
	}
	return nil
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(names))
		for i, n := range names {
			row[n] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func columnNames(cols map[string]bool) []string {
	names := make([]string, 0, len(cols))
	for n := range cols {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// columnValueEqual compares a YAML expectation with a value scanned from
// SQLite, which hands back int64 for INTEGER (and booleans) and []byte or
// string for TEXT.
func columnValueEqual(want, got any) bool {
	if b, ok := got.([]byte); ok {
		got = string(b)
	}
	if w, ok := want.(bool); ok {
		switch g := got.(type) {
		case bool:
			return w == g
		case int64:
			return w == (g != 0)
		}
		return false
	}
	return valuesEqual(got, want)
}

// matchEntry reports whether entry holds every key of match with an equal
// value. A key missing from entry matches a zero expectation because trace
// entries omit empty fields.
func matchEntry(entry, match map[string]any) bool {
	for k, want := range match {
		got, present := entry[k]
		if !present {
			if isZero(want) {
				continue
			}
			return false
		}
		if !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// valuesEqual compares numbers by value across int and float types and
// slices element by element.
func valuesEqual(actual, expected any) bool {
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}

	if a, ok := toFloat(actual); ok {
		e, ok := toFloat(expected)
		return ok && math.Abs(a-e) <= numericTolerance
	}

	av, ev := reflect.ValueOf(actual), reflect.ValueOf(expected)
	if av.Kind() == reflect.Slice && ev.Kind() == reflect.Slice {
		if av.Len() != ev.Len() {
			return false
		}
		for i := 0; i < av.Len(); i++ {
			if !valuesEqual(av.Index(i).Interface(), ev.Index(i).Interface()) {
				return false
			}
		}
		return true
	}

	return reflect.DeepEqual(actual, expected)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func isZero(v any) bool {
	if v == nil {
		return true
	}
	if f, ok := toFloat(v); ok {
		return f == 0
	}
	switch val := v.(type) {
	case string:
		return val == ""
	case bool:
		return !val
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Evaluate checks every assertion against the run result and returns one
// message per failure. st backs final_state and may be nil when a
// scenario has none.
func Evaluate(ctx context.Context, result *Result, assertions []Assertion, st *store.Store) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertSession, AssertMetrics:
			err = assertSnapshot(result, a)
		case AssertFinalState:
			if st == nil {
				err = fmt.Errorf("assertions[%d]: final_state needs a store", i)
				break
			}
			err = assertFinalState(ctx, st.DB(), a)
		default:
			err = fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}
