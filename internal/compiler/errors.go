package compiler

import (
	"fmt"

	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// Error codes reported by Load. E0xx are file and CUE evaluation problems,
// E1xx are document content problems.
const (
	ErrCodeGeneric     = "E001"
	ErrCodeScanError   = "E002"
	ErrCodeNoFiles     = "E003"
	ErrCodeLoadFailed  = "E004"
	ErrCodeNotFound    = "E005"
	ErrCodeBuildFailed = "E006"

	ErrCodeMissingField  = "E101"
	ErrCodeInvalidValue  = "E102"
	ErrCodeSpecification = "E103"
	ErrCodeRule          = "E104"
	ErrCodeSettings      = "E105"
	ErrCodeResource      = "E106"
	ErrCodeDuplicate     = "E107"
)

// CompileError represents a compilation error with source position.
type CompileError struct {
	Code    string
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func missing(field string, pos token.Pos) *CompileError {
	return &CompileError{
		Code:    ErrCodeMissingField,
		Field:   field,
		Message: field + " is required",
		Pos:     pos,
	}
}

func invalid(field string, pos token.Pos, format string, args ...any) *CompileError {
	return &CompileError{
		Code:    ErrCodeInvalidValue,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
		Pos:     pos,
	}
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	positions := errors.Positions(first)
	if len(positions) > 0 {
		return &CompileError{
			Code:    ErrCodeInvalidValue,
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
