package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed [specs-dir]",
		Short: "Store specifications and their bolt order",
		Long: `Compile a specs directory and store every specification, together
with its planned bolt order, in the SQLite database. Re-seeding an
unchanged revision is a no-op; changing an approved revision is an
error.

Example:
  torque seed --db ./torque.db ./specs
  TORQUE_DB=./torque.db TORQUE_SPECS=./specs torque seed`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := rootOpts.specsDir(cmd, args, 0)
			if err != nil {
				return err
			}
			return runSeed(rootOpts, dir, cmd)
		},
	}

	cmd.Flags().String(KeyDB, "", "path to SQLite database")

	return cmd
}

func runSeed(opts *RootOptions, specsDir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	bundle, err := loadBundle(formatter, specsDir)
	if err != nil {
		return err
	}

	st, err := openStore(formatter, opts.setting(cmd, KeyDB))
	if err != nil {
		return err
	}
	defer closeStore(st)

	results, err := seedSpecifications(cmd.Context(), st, bundle.Specifications)
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeDatabase, "failed to seed specifications", err)
	}

	if formatter.JSON() {
		return formatter.Success(results)
	}
	w := formatter.Writer
	for _, r := range results {
		fmt.Fprintf(w, "✓ %s@%d %s, %d bolts\n", r.Specification, r.Revision, r.Pattern, r.Bolts)
		for _, warn := range r.Warnings {
			fmt.Fprintf(w, "  ! %s: %s\n", warn.Code, warn.Message)
		}
	}
	fmt.Fprintf(w, "Seeded %d specification(s)\n", len(results))
	return nil
}
