package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenarioDir = "../../testdata/scenarios"

func writeScenario(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const minimalScenario = `
name: minimal
description: minimal scenario
source: |
  specification: s: {target_torque: 10, pattern: "LINEAR", bolt_count: 1}
session:
  specification: s
  operator: op
  wrench: w
assertions:
  - type: trace_count
    match: {type: event}
    count: 0
`

func TestParseScenario_Minimal(t *testing.T) {
	s, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)

	assert.Equal(t, "minimal", s.Name)
	assert.Contains(t, s.Source, "specification: s:")
	assert.Equal(t, "s", s.Session.Specification)
	assert.Empty(t, s.Steps)
	require.Len(t, s.Assertions, 1)
	assert.Equal(t, AssertTraceCount, s.Assertions[0].Type)
}

func TestLoadScenario_ResolvesSpecsRelativeToFile(t *testing.T) {
	s, err := LoadScenario(filepath.Join(scenarioDir, "manifold_happy_path.yaml"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(scenarioDir, "../specs"), s.Specs)
	assert.Equal(t, "WO-1001", s.Session.WorkOrder)
	require.Len(t, s.Steps, 1)
	assert.Equal(t, 4, s.Steps[0].Repeat)
	assert.Equal(t, ActionReading, s.Steps[0].Action)
	require.NotNil(t, s.Steps[0].Reading)
	assert.InDelta(t, 25.0, s.Steps[0].Reading.Torque, 1e-9)
}

func TestLoadScenarioWithBasePath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "specs"), 0755))
	path := writeScenario(t, t.TempDir(), "s.yaml", `
name: based
description: specs resolved against a base path
specs: specs
session: {specification: s, operator: op, wrench: w}
assertions:
  - {type: session, expect: {status: ACTIVE}}
`)

	s, err := LoadScenarioWithBasePath(path, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "specs"), s.Specs)
}

func TestLoadScenario_MissingSpecsDir(t *testing.T) {
	path := writeScenario(t, t.TempDir(), "s.yaml", `
name: nospecs
description: specs directory does not exist
specs: nowhere
session: {specification: s, operator: op, wrench: w}
assertions:
  - {type: session, expect: {status: ACTIVE}}
`)

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "specs directory not found")
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    `{description: d, source: x, session: {specification: s, operator: o, wrench: w}, assertions: [{type: session, expect: {a: 1}}]}`,
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			yaml:    `{name: n, source: x, session: {specification: s, operator: o, wrench: w}, assertions: [{type: session, expect: {a: 1}}]}`,
			wantErr: "description is required",
		},
		{
			name:    "both specs and source",
			yaml:    `{name: n, description: d, specs: a, source: x, session: {specification: s, operator: o, wrench: w}, assertions: [{type: session, expect: {a: 1}}]}`,
			wantErr: "exactly one of specs or source",
		},
		{
			name:    "neither specs nor source",
			yaml:    `{name: n, description: d, session: {specification: s, operator: o, wrench: w}, assertions: [{type: session, expect: {a: 1}}]}`,
			wantErr: "exactly one of specs or source",
		},
		{
			name:    "missing specification",
			yaml:    `{name: n, description: d, source: x, session: {operator: o, wrench: w}, assertions: [{type: session, expect: {a: 1}}]}`,
			wantErr: "session.specification is required",
		},
		{
			name:    "missing wrench",
			yaml:    `{name: n, description: d, source: x, session: {specification: s, operator: o}, assertions: [{type: session, expect: {a: 1}}]}`,
			wantErr: "session.operator and session.wrench are required",
		},
		{
			name:    "no assertions",
			yaml:    `{name: n, description: d, source: x, session: {specification: s, operator: o, wrench: w}}`,
			wantErr: "assertions list is required",
		},
		{
			name:    "empty step",
			yaml:    `{name: n, description: d, source: x, session: {specification: s, operator: o, wrench: w}, steps: [{}], assertions: [{type: session, expect: {a: 1}}]}`,
			wantErr: "steps[0]: reading or action is required",
		},
		{
			name:    "unknown action",
			yaml:    `{name: n, description: d, source: x, session: {specification: s, operator: o, wrench: w}, steps: [{action: jump}], assertions: [{type: session, expect: {a: 1}}]}`,
			wantErr: `unknown action "jump"`,
		},
		{
			name:    "reading with action",
			yaml:    `{name: n, description: d, source: x, session: {specification: s, operator: o, wrench: w}, steps: [{reading: {torque: 1}, action: pause}], assertions: [{type: session, expect: {a: 1}}]}`,
			wantErr: "reading steps cannot also have action",
		},
		{
			name:    "approve without supervisor",
			yaml:    `{name: n, description: d, source: x, session: {specification: s, operator: o, wrench: w}, steps: [{action: approve, approve: {disposition: ACCEPT}}], assertions: [{type: session, expect: {a: 1}}]}`,
			wantErr: "approve needs supervisor and disposition",
		},
		{
			name:    "advance without duration",
			yaml:    `{name: n, description: d, source: x, session: {specification: s, operator: o, wrench: w}, steps: [{action: advance}], assertions: [{type: session, expect: {a: 1}}]}`,
			wantErr: "advance needs a duration",
		},
		{
			name:    "calibrate with bad date",
			yaml:    `{name: n, description: d, source: x, session: {specification: s, operator: o, wrench: w}, steps: [{action: calibrate, due: tomorrow}], assertions: [{type: session, expect: {a: 1}}]}`,
			wantErr: "calibrate needs an RFC 3339 due date",
		},
		{
			name:    "negative repeat",
			yaml:    `{name: n, description: d, source: x, session: {specification: s, operator: o, wrench: w}, steps: [{action: pause, repeat: -1}], assertions: [{type: session, expect: {a: 1}}]}`,
			wantErr: "repeat must be non-negative",
		},
		{
			name:    "unknown assertion type",
			yaml:    `{name: n, description: d, source: x, session: {specification: s, operator: o, wrench: w}, assertions: [{type: eventually}]}`,
			wantErr: `unknown assertion type "eventually"`,
		},
		{
			name:    "trace_order without sequence",
			yaml:    `{name: n, description: d, source: x, session: {specification: s, operator: o, wrench: w}, assertions: [{type: trace_order}]}`,
			wantErr: "sequence is required for trace_order",
		},
		{
			name:    "final_state without table",
			yaml:    `{name: n, description: d, source: x, session: {specification: s, operator: o, wrench: w}, assertions: [{type: final_state, expect: {status: ACTIVE}}]}`,
			wantErr: "table is required for final_state",
		},
		{
			name:    "negative trace count",
			yaml:    `{name: n, description: d, source: x, session: {specification: s, operator: o, wrench: w}, assertions: [{type: trace_count, match: {type: event}, count: -1}]}`,
			wantErr: "count must be non-negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseScenario_UnknownFieldsRejected(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario + "work_cell: abc\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")

	_, err = ParseScenario([]byte(`
name: n
description: d
source: x
session: {specification: s, operator: o, wrench: w}
steps:
  - reading: {torque: 1, newton: true}
assertions:
  - {type: session, expect: {status: ACTIVE}}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newton")
}

func TestParseScenario_TraceCountZeroAllowed(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)
}

func TestLoadScenario_AllTestdata(t *testing.T) {
	files, err := Discover(scenarioDir)
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, f := range files {
		t.Run(filepath.Base(f), func(t *testing.T) {
			s, err := LoadScenario(f)
			require.NoError(t, err)
			assert.Equal(t, filepath.Base(f), s.Name+".yaml")
		})
	}
}
