package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ScenarioNotFoundError is returned when a requested scenario path doesn't
// exist.
type ScenarioNotFoundError struct {
	Path string
}

// Error implements the error interface.
func (e *ScenarioNotFoundError) Error() string {
	return fmt.Sprintf("scenario %q does not exist", e.Path)
}

// Discover returns every scenario file under path. A file path is returned
// as is; a directory is walked for .yaml and .yml files, in lexical order.
// Files under a golden/ directory are skipped.
func Discover(path string) ([]string, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, &ScenarioNotFoundError{Path: path}
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != path && d.Name() == goldenDir {
				return filepath.SkipDir
			}
			return nil
		}
		switch strings.ToLower(filepath.Ext(p)) {
		case ".yaml", ".yml":
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	sort.Strings(files)
	return files, nil
}

// SuiteOption configures RunSuite.
type SuiteOption func(*suiteConfig)

type suiteConfig struct {
	filter string
	golden bool
	update bool
}

// WithFilter runs only scenario files whose base name, without extension,
// matches the filepath.Match pattern.
func WithFilter(pattern string) SuiteOption {
	return func(c *suiteConfig) { c.filter = pattern }
}

// WithGoldenFiles compares each trace with golden/<file>.golden next to
// the scenario file when that file exists. With update the golden file is
// written instead.
func WithGoldenFiles(update bool) SuiteOption {
	return func(c *suiteConfig) {
		c.golden = true
		c.update = update
	}
}

// Golden comparison outcomes.
const (
	GoldenMatch    = "match"
	GoldenMismatch = "mismatch"
	GoldenUpdated  = "updated"
)

// SuiteResult summarizes a run over many scenario files.
type SuiteResult struct {
	Total     int               `json:"total"`
	Passed    int               `json:"passed"`
	Failed    int               `json:"failed"`
	Scenarios []ScenarioOutcome `json:"scenarios"`
}

// ScenarioOutcome is the result of one scenario file.
type ScenarioOutcome struct {
	Scenario string   `json:"scenario"`
	Path     string   `json:"path"`
	Pass     bool     `json:"pass"`
	Golden   string   `json:"golden,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// Failures returns the outcomes that did not pass, in run order.
func (r *SuiteResult) Failures() []ScenarioOutcome {
	var out []ScenarioOutcome
	for _, s := range r.Scenarios {
		if !s.Pass {
			out = append(out, s)
		}
	}
	return out
}

// RunSuite loads and runs every scenario found under paths.
//
// For each path:
// 1. Discover scenario files and apply the filter
// 2. Load each scenario relative to its own directory
// 3. Run it, compare golden files if enabled, and record pass or fail
//
// Load and run errors count as failures; only a missing path or a bad
// filter aborts.
func RunSuite(ctx context.Context, paths []string, opts ...SuiteOption) (*SuiteResult, error) {
	var cfg suiteConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.filter != "" {
		if _, err := filepath.Match(cfg.filter, ""); err != nil {
			return nil, fmt.Errorf("invalid filter pattern %q: %w", cfg.filter, err)
		}
	}

	var files []string
	for _, p := range paths {
		found, err := Discover(p)
		if err != nil {
			return nil, err
		}
		for _, f := range found {
			if cfg.matches(f) {
				files = append(files, f)
			}
		}
	}

	result := &SuiteResult{Scenarios: []ScenarioOutcome{}}
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		outcome := runFile(ctx, file, cfg)
		result.Total++
		if outcome.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
		result.Scenarios = append(result.Scenarios, outcome)
	}
	return result, nil
}

func (c suiteConfig) matches(file string) bool {
	if c.filter == "" {
		return true
	}
	base := filepath.Base(file)
	ok, _ := filepath.Match(c.filter, strings.TrimSuffix(base, filepath.Ext(base)))
	return ok
}

func runFile(ctx context.Context, file string, cfg suiteConfig) ScenarioOutcome {
	out := ScenarioOutcome{Path: file}

	scenario, err := LoadScenario(file)
	if err != nil {
		out.Errors = []string{fmt.Sprintf("failed to load scenario: %v", err)}
		return out
	}
	out.Scenario = scenario.Name

	run, err := RunContext(ctx, scenario)
	if err != nil {
		out.Errors = []string{fmt.Sprintf("scenario execution failed: %v", err)}
		return out
	}
	out.Errors = run.Errors
	out.Pass = run.Pass

	if !cfg.golden {
		return out
	}
	path := GoldenPath(file)
	if cfg.update {
		if err := WriteGoldenFile(path, scenario.Name, run); err != nil {
			out.Pass = false
			out.Errors = append(out.Errors, fmt.Sprintf("failed to update golden file: %v", err))
			return out
		}
		out.Golden = GoldenUpdated
		return out
	}

	match, err := CompareGoldenFile(path, scenario.Name, run)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// No golden file: assertions only.
	case err != nil:
		out.Pass = false
		out.Errors = append(out.Errors, fmt.Sprintf("golden comparison failed: %v", err))
	case match:
		out.Golden = GoldenMatch
	default:
		out.Pass = false
		out.Golden = GoldenMismatch
		out.Errors = append(out.Errors, "trace does not match golden file (run with --update to regenerate)")
	}
	return out
}
