package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// goldenDir is the directory, next to a scenario file, holding its trace.
const goldenDir = "golden"

// GoldenTrace is the on-disk form of a scenario's trace. Field order fixes
// key order, so equal traces encode to equal bytes.
type GoldenTrace struct {
	Scenario string       `json:"scenario_name"`
	Trace    []TraceEvent `json:"trace"`
}

func goldenBytes(scenario string, result *Result) ([]byte, error) {
	data, err := json.MarshalIndent(GoldenTrace{Scenario: scenario, Trace: result.Trace}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode golden trace of %s: %w", scenario, err)
	}
	return append(data, '\n'), nil
}

// GoldenPath maps dir/name.yaml to dir/golden/name.golden.
func GoldenPath(scenarioFile string) string {
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(scenarioFile), goldenDir, name+".golden")
}

// CompareGoldenFile reports whether result's trace matches the file at
// path byte for byte. A missing file returns an error wrapping
// os.ErrNotExist.
func CompareGoldenFile(path, scenario string, result *Result) (bool, error) {
	want, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	got, err := goldenBytes(scenario, result)
	if err != nil {
		return false, err
	}
	return bytes.Equal(want, got), nil
}

// WriteGoldenFile records result's trace at path.
func WriteGoldenFile(path, scenario string, result *Result) error {
	data, err := goldenBytes(scenario, result)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create golden directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// AssertGoldenTrace checks result's trace against
// testdata/golden/<scenario>.golden of the calling package's tests.
// Regenerate with `go test -update`.
func AssertGoldenTrace(t *testing.T, scenario string, result *Result) {
	t.Helper()

	data, err := goldenBytes(scenario, result)
	if err != nil {
		t.Fatal(err)
	}
	g := goldie.New(t,
		goldie.WithFixtureDir(filepath.Join("testdata", goldenDir)),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario, data)
}
