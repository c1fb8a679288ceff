package compiler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/roach88/torque/internal/rules"
	"github.com/roach88/torque/internal/torque"
)

// LoadMode controls how errors are handled during loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// Bundle is everything compiled from one CUE instance. A document has up
// to five top-level blocks: specification, rule, wrench and operator are
// keyed by id; settings is a single struct.
type Bundle struct {
	Specifications []torque.Specification
	Rules          []rules.Rule
	Wrenches       []torque.Wrench
	Operators      []torque.Operator
	Settings       Settings

	CUEValue  cue.Value
	FileCount int
}

// Specification returns the specification with id.
func (b *Bundle) Specification(id string) (torque.Specification, bool) {
	for _, s := range b.Specifications {
		if s.ID == id {
			return s, true
		}
	}
	return torque.Specification{}, false
}

// RuleEngine builds a rule engine from the bundle's rules, or from the
// built-in defaults when the bundle defines none.
func (b *Bundle) RuleEngine() (*rules.Engine, error) {
	if len(b.Rules) == 0 {
		return rules.NewEngine(rules.DefaultRules())
	}
	return rules.NewEngine(b.Rules)
}

// Catalog returns a resource catalog of the bundle's wrenches and operators.
func (b *Bundle) Catalog() *Catalog {
	return NewCatalog(b.Wrenches, b.Operators)
}

// Load compiles every CUE file of the package in dir.
// If mode is LoadModeFailFast, returns on first error.
// If mode is LoadModeCollectAll, collects all errors.
func Load(dir string, mode LoadMode) (*Bundle, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&CompileError{Code: ErrCodeNotFound, Field: "path", Message: fmt.Sprintf("specs directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&CompileError{Code: ErrCodeNotFound, Field: "path", Message: fmt.Sprintf("error accessing specs directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&CompileError{Code: ErrCodeNotFound, Field: "path", Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&CompileError{Code: ErrCodeScanError, Field: "path", Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(files) == 0 {
		return nil, []error{&CompileError{Code: ErrCodeNoFiles, Field: "path", Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&CompileError{Code: ErrCodeLoadFailed, Field: "cue", Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&CompileError{Code: ErrCodeLoadFailed, Field: "cue", Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Validate(); err != nil {
		return nil, []error{buildError(err)}
	}
	b, errs := compile(value, mode)
	if b != nil {
		b.FileCount = len(files)
	}
	return b, errs
}

// CompileSource compiles a single in-memory document, as embedded in a
// scenario file.
func CompileSource(filename, src string, mode LoadMode) (*Bundle, []error) {
	ctx := cuecontext.New()
	value := ctx.CompileString(src, cue.Filename(filename))
	if err := value.Validate(); err != nil {
		return nil, []error{buildError(err)}
	}
	b, errs := compile(value, mode)
	if b != nil {
		b.FileCount = 1
	}
	return b, errs
}

func buildError(err error) error {
	var ce *CompileError
	if errors.As(formatCUEError(err), &ce) {
		ce.Code = ErrCodeBuildFailed
		return ce
	}
	return &CompileError{Code: ErrCodeBuildFailed, Field: "cue", Message: fmt.Sprintf("building CUE value: %v", err)}
}

func compile(value cue.Value, mode LoadMode) (*Bundle, []error) {
	b := &Bundle{CUEValue: value, Settings: DefaultSettings()}
	var errs []error

	fail := func(err error) bool {
		errs = append(errs, err)
		return mode == LoadModeFailFast
	}

	specs := make(map[string]bool)
	stop := eachField(value, "specification", fail, func(v cue.Value) error {
		s, err := CompileSpecification(v)
		if err != nil {
			return err
		}
		if specs[s.ID] {
			return &CompileError{Code: ErrCodeDuplicate, Field: specPath(s.ID), Message: "defined twice", Pos: v.Pos()}
		}
		specs[s.ID] = true
		b.Specifications = append(b.Specifications, *s)
		return nil
	})
	if stop {
		return b, errs
	}

	stop = eachField(value, "rule", fail, func(v cue.Value) error {
		r, err := CompileRule(v)
		if err != nil {
			return err
		}
		b.Rules = append(b.Rules, *r)
		return nil
	})
	if stop {
		return b, errs
	}

	stop = eachField(value, "wrench", fail, func(v cue.Value) error {
		w, err := CompileWrench(v)
		if err != nil {
			return err
		}
		b.Wrenches = append(b.Wrenches, *w)
		return nil
	})
	if stop {
		return b, errs
	}

	stop = eachField(value, "operator", fail, func(v cue.Value) error {
		op, err := CompileOperator(v)
		if err != nil {
			return err
		}
		b.Operators = append(b.Operators, *op)
		return nil
	})
	if stop {
		return b, errs
	}

	if sv, ok := field(value, "settings"); ok {
		s, err := CompileSettings(sv)
		if err != nil {
			if fail(err) {
				return b, errs
			}
		} else {
			b.Settings = *s
		}
	}

	if len(b.Specifications) == 0 && len(errs) == 0 {
		errs = append(errs, &CompileError{Code: ErrCodeGeneric, Field: "specification", Message: "no specifications found"})
	}
	sort.Slice(b.Specifications, func(i, j int) bool { return b.Specifications[i].ID < b.Specifications[j].ID })
	return b, errs
}

// eachField compiles every field of the named block. It reports whether
// the caller should stop.
func eachField(v cue.Value, block string, fail func(error) bool, fn func(cue.Value) error) bool {
	bv, ok := field(v, block)
	if !ok {
		return false
	}
	iter, err := bv.Fields()
	if err != nil {
		return fail(formatCUEError(err))
	}
	for iter.Next() {
		if err := fn(iter.Value()); err != nil {
			if fail(err) {
				return true
			}
		}
	}
	return false
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// Code returns the error code of a compile error, or ErrCodeGeneric.
func Code(err error) string {
	var ce *CompileError
	if errors.As(err, &ce) && ce.Code != "" {
		return ce.Code
	}
	return ErrCodeGeneric
}
