package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/torque/internal/harness"
)

type TestOptions struct {
	*RootOptions
	Update bool
	Filter string // glob over scenario names
}

func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenario-path>...",
		Short: "Run scenario conformance tests",
		Long: `Run YAML scenarios against a fresh engine and check their
assertions. Each path is a scenario file or a directory that is searched
for .yaml and .yml files.

A scenario's trace is compared with golden/<name>.golden next to the
scenario file when that file exists. --update rewrites the golden files.

Exit codes:
  0  every scenario passed
  1  at least one scenario failed
  2  a path is missing or the filter is not a valid glob

Examples:
  torque test ./scenarios
  torque test ./scenarios --filter "manifold_*"
  torque test ./scenarios --update
  torque test ./scenarios --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "rewrite golden traces from this run")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "only run scenarios whose name matches this glob")

	return cmd
}

func runTests(opts *TestOptions, paths []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	result, err := harness.RunSuite(cmd.Context(), paths,
		harness.WithFilter(opts.Filter),
		harness.WithGoldenFiles(opts.Update),
	)
	if err != nil {
		var nf *harness.ScenarioNotFoundError
		if errors.As(err, &nf) {
			return formatter.Fail(ExitCommandError, ErrCodeNotFound, nf.Error(), nil)
		}
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "failed to run scenarios", err)
	}
	formatter.Debugf("Ran %d scenario(s)", result.Total)

	if formatter.JSON() {
		return outputTestJSON(formatter, result)
	}
	return outputTestText(formatter, result)
}

func outputTestJSON(f *OutputFormatter, result *harness.SuiteResult) error {
	if result.Failed == 0 {
		return f.Success(result)
	}
	msg := fmt.Sprintf("%d scenario(s) failed", result.Failed)
	if err := f.encode(CLIResponse{
		Status: "error",
		Data:   result,
		Error:  &CLIError{Code: ErrCodeTestFailed, Message: msg},
	}); err != nil {
		return err
	}
	return NewExitError(ExitFailure, msg)
}

func outputTestText(f *OutputFormatter, result *harness.SuiteResult) error {
	w := f.Writer
	if result.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return nil
	}

	for _, s := range result.Scenarios {
		name := s.Scenario
		if name == "" {
			name = s.Path
		}
		if s.Pass {
			if s.Golden == harness.GoldenUpdated {
				fmt.Fprintf(w, "✓ %s (golden updated)\n", name)
			} else {
				fmt.Fprintf(w, "✓ %s\n", name)
			}
			continue
		}
		fmt.Fprintf(w, "✗ %s\n", name)
		for _, e := range s.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Test Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	fmt.Fprintln(w, "✓ All scenarios passed")
	return nil
}
