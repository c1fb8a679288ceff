package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/torque/internal/compiler"
	"github.com/roach88/torque/internal/planner"
	"github.com/roach88/torque/internal/torque"
)

// PlanOptions holds flags for the plan command.
type PlanOptions struct {
	*RootOptions
	All bool // list every (pass, position) step instead of one pass
}

// PlanStep is one entry of a multi-pass schedule.
type PlanStep struct {
	Pass         int     `json:"pass"`
	Index        int     `json:"index"`
	BoltPosition string  `json:"bolt_position"`
	Target       float64 `json:"target_torque"`
}

// PlanResult is the JSON form of a plan.
type PlanResult struct {
	Specification string            `json:"specification"`
	Requested     torque.Pattern    `json:"requested"`
	Pattern       torque.Pattern    `json:"pattern"`
	Passes        int               `json:"passes"`
	Sequences     []torque.Sequence `json:"sequences"`
	Steps         []PlanStep        `json:"steps,omitempty"`
	Warnings      []planner.Warning `json:"warnings,omitempty"`
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "plan <spec-id> [specs-dir]",
		Short: "Print the tightening order of a specification",
		Long: `Expand a specification's tightening pattern into its bolt order.

With --all the full schedule is printed: every pass in order with the
target torque of that pass.

Example:
  torque plan head-gasket ./specs
  torque plan head-gasket ./specs --all --format json`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := rootOpts.specsDir(cmd, args, 1)
			if err != nil {
				return err
			}
			return runPlan(opts, args[0], dir, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "list every pass")

	return cmd
}

func runPlan(opts *PlanOptions, specID, specsDir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	bundle, err := loadBundle(formatter, specsDir)
	if err != nil {
		return err
	}
	spec, ok := bundle.Specification(specID)
	if !ok {
		return formatter.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("specification %q not found in %s", specID, specsDir), nil)
	}

	plan, err := planner.Expand(spec)
	if err != nil {
		return formatter.Fail(ExitFailure, compiler.ErrCodeSpecification, "failed to plan specification", err)
	}

	result := PlanResult{
		Specification: spec.ID,
		Requested:     plan.Requested,
		Pattern:       plan.Used,
		Passes:        spec.Passes,
		Sequences:     plan.Sequences,
		Warnings:      plan.Warnings,
	}
	if opts.All {
		for _, s := range plan.Steps(spec.Passes) {
			result.Steps = append(result.Steps, PlanStep{
				Pass:         s.Pass,
				Index:        s.Index,
				BoltPosition: s.Sequence.BoltPosition,
				Target:       spec.PassTarget(s.Pass),
			})
		}
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}

	w := formatter.Writer
	if err := plan.Render(w); err != nil {
		return err
	}
	if opts.All {
		fmt.Fprintln(w)
		for _, s := range result.Steps {
			fmt.Fprintf(w, "pass %d  %3d  %s  %.2f Nm\n", s.Pass, s.Index+1, s.BoltPosition, s.Target)
		}
	}
	return nil
}
