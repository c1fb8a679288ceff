package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/torque/internal/compiler"
	"github.com/roach88/torque/internal/planner"
	"github.com/roach88/torque/internal/store"
	"github.com/roach88/torque/internal/torque"
)

// loadBundle compiles a specs directory, stopping at the first error.
func loadBundle(formatter *OutputFormatter, specsDir string) (*compiler.Bundle, error) {
	bundle, errs := compiler.Load(specsDir, compiler.LoadModeFailFast)
	if len(errs) > 0 {
		err := errs[0]
		exit := ExitFailure
		if bundle == nil {
			exit = ExitCommandError
		}
		return nil, formatter.Fail(exit, compiler.Code(err), "failed to compile specs", err)
	}
	formatter.Debugf("Compiled %d specification(s) from %d file(s) in %s",
		len(bundle.Specifications), bundle.FileCount, specsDir)
	return bundle, nil
}

// openStore opens the SQLite store at path.
func openStore(formatter *OutputFormatter, path string) (*store.Store, error) {
	if path == "" {
		return nil, formatter.Fail(ExitCommandError, ErrCodeDatabase, "database path is required (--db or TORQUE_DB)", nil)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, formatter.Fail(ExitCommandError, ErrCodeDatabase, "failed to open database", err)
	}
	slog.Debug("database ready", "path", path)
	return st, nil
}

func closeStore(st *store.Store) {
	if err := st.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// SeedResult describes one stored specification.
type SeedResult struct {
	Specification string            `json:"specification"`
	Revision      int               `json:"revision"`
	Pattern       torque.Pattern    `json:"pattern"`
	Bolts         int               `json:"bolts"`
	Warnings      []planner.Warning `json:"warnings,omitempty"`
}

// seedSpecifications stores every specification of the bundle together
// with its planned bolt order.
func seedSpecifications(ctx context.Context, st *store.Store, specs []torque.Specification) ([]SeedResult, error) {
	results := make([]SeedResult, 0, len(specs))
	for _, spec := range specs {
		plan, err := planner.Expand(spec)
		if err != nil {
			return results, err
		}
		if err := st.SaveSpecification(ctx, spec); err != nil {
			return results, err
		}
		if err := st.SaveSequences(ctx, spec.ID, plan.Sequences); err != nil {
			return results, fmt.Errorf("specification %s: %w", spec.ID, err)
		}
		slog.Debug("specification seeded", "specification", spec.ID, "revision", spec.Revision, "pattern", plan.Used)
		results = append(results, SeedResult{
			Specification: spec.ID,
			Revision:      spec.Revision,
			Pattern:       plan.Used,
			Bolts:         plan.Len(),
			Warnings:      plan.Warnings,
		})
	}
	return results, nil
}
