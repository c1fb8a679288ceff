package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/torque/internal/compiler"
	"github.com/roach88/torque/internal/planner"
)

// ValidationError is one problem found in a specs directory.
type ValidationError struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid          bool              `json:"valid"`
	Specifications int               `json:"specifications"`
	Rules          int               `json:"rules"`
	Wrenches       int               `json:"wrenches"`
	Operators      int               `json:"operators"`
	Warnings       []planner.Warning `json:"warnings,omitempty"`
	Errors         []ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [specs-dir]",
		Short: "Validate specification documents",
		Long: `Compile every CUE document in a specs directory and report all
problems: CUE errors, missing or invalid specification fields, unknown
rule kinds, resource records and settings. Each specification is also
expanded by the sequence planner so pattern fallbacks are surfaced.

The directory defaults to the specs setting (TORQUE_SPECS).

Exit codes:
  0 - All documents valid
  1 - Validation errors found
  2 - Command error (directory missing, no CUE files, etc.)`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := rootOpts.specsDir(cmd, args, 0)
			if err != nil {
				return err
			}
			return runValidate(rootOpts, dir, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, specsDir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	bundle, errs := compiler.Load(specsDir, compiler.LoadModeCollectAll)
	if bundle == nil {
		// Directory-level failure: nothing was compiled.
		err := firstError(errs)
		_ = formatter.WriteError(compiler.Code(err), errorMessage(err), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", compiler.Code(err), errorMessage(err)))
	}
	formatter.Debugf("Found %d CUE file(s) in %s", bundle.FileCount, specsDir)

	result := ValidationResult{
		Specifications: len(bundle.Specifications),
		Rules:          len(bundle.Rules),
		Wrenches:       len(bundle.Wrenches),
		Operators:      len(bundle.Operators),
	}
	for _, err := range errs {
		result.Errors = append(result.Errors, toValidationError(err))
	}

	if _, err := bundle.RuleEngine(); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Code:    compiler.ErrCodeRule,
			Field:   "rule",
			Message: err.Error(),
		})
	}

	for _, spec := range bundle.Specifications {
		formatter.Debugf("Planning specification: %s", spec.ID)
		plan, err := planner.Expand(spec)
		if err != nil {
			result.Errors = append(result.Errors, ValidationError{
				Code:    compiler.ErrCodeSpecification,
				Field:   "specification." + spec.ID,
				Message: err.Error(),
			})
			continue
		}
		result.Warnings = append(result.Warnings, plan.Warnings...)
	}

	result.Valid = len(result.Errors) == 0
	if !result.Valid {
		return outputValidationErrors(formatter, result)
	}
	return outputValidateSuccess(formatter, result)
}

// toValidationError flattens a compile error and its source position.
func toValidationError(err error) ValidationError {
	ve := ValidationError{Code: compiler.Code(err), Message: errorMessage(err)}
	var ce *compiler.CompileError
	if errors.As(err, &ce) {
		ve.Field = ce.Field
		if ce.Pos.IsValid() {
			ve.File = ce.Pos.Filename()
			ve.Line = ce.Pos.Line()
		}
	}
	return ve
}

// errorMessage returns a compile error's message without its position
// prefix.
func errorMessage(err error) string {
	var ce *compiler.CompileError
	if errors.As(err, &ce) {
		return ce.Message
	}
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func firstError(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.JSON() {
		return formatter.Success(result)
	}

	w := formatter.Writer
	for _, warn := range result.Warnings {
		fmt.Fprintf(w, "! %s: %s\n", warn.Code, warn.Message)
	}
	fmt.Fprintf(w, "✓ All specs valid (%d specifications, %d rules, %d wrenches, %d operators)\n",
		result.Specifications, result.Rules, result.Wrenches, result.Operators)
	return nil
}

// outputValidationErrors outputs every validation error.
func outputValidationErrors(formatter *OutputFormatter, result ValidationResult) error {
	exitErr := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))

	if formatter.JSON() {
		first := result.Errors[0]
		if err := formatter.encode(CLIResponse{
			Status: "error",
			Data:   result,
			Error:  &CLIError{Code: first.Code, Message: first.Message},
		}); err != nil {
			return err
		}
		return exitErr
	}

	w := formatter.Writer
	fmt.Fprintln(w, "✗ Validation failed")
	fmt.Fprintln(w)
	for _, e := range result.Errors {
		if e.Line > 0 {
			fmt.Fprintf(w, "%s:%d\n", e.File, e.Line)
		}
		if e.Field != "" {
			fmt.Fprintf(w, "  %s %s: %s\n\n", e.Code, e.Field, e.Message)
		} else {
			fmt.Fprintf(w, "  %s: %s\n\n", e.Code, e.Message)
		}
	}
	return exitErr
}
