package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarioTraces_Golden(t *testing.T) {
	names := []string{
		"manifold_happy_path",
		"manifold_under_torque_retry",
		"expired_wrench_blocked",
		"pause_resume_sequence",
		"wheel_hub_hold",
	}

	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			s, err := LoadScenario(filepath.Join(scenarioDir, name+".yaml"))
			require.NoError(t, err)

			result, err := Run(s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			AssertGoldenTrace(t, s.Name, result)
		})
	}
}

func TestGoldenBytes(t *testing.T) {
	result := NewResult()
	result.Trace = []TraceEvent{
		{Type: TraceCreate, Status: "ACTIVE", Next: "B01"},
		{Type: "event", Seq: 1, Bolt: "B01", Pass: 1, Attempt: 1, Torque: 9.5, Target: 10, PctDev: -5, Status: "PASS", Advanced: true},
	}

	data, err := goldenBytes("tiny", result)
	require.NoError(t, err)

	want := `{
  "scenario_name": "tiny",
  "trace": [
    {
      "type": "create",
      "status": "ACTIVE",
      "next": "B01"
    },
    {
      "type": "event",
      "seq": 1,
      "bolt": "B01",
      "pass": 1,
      "attempt": 1,
      "torque": 9.5,
      "target": 10,
      "percent_deviation": -5,
      "advanced": true,
      "status": "PASS"
    }
  ]
}
`
	assert.Equal(t, want, string(data))
}
