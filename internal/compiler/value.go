package compiler

import (
	"time"

	"cuelang.org/go/cue"
)

// Field accessors. Absent optional fields yield the zero value; a present
// field of the wrong kind is a CompileError at the field's position.

func field(v cue.Value, name string) (cue.Value, bool) {
	f := v.LookupPath(cue.MakePath(cue.Str(name)))
	return f, f.Exists()
}

func label(v cue.Value) string {
	sels := v.Path().Selectors()
	if len(sels) == 0 {
		return ""
	}
	s := sels[len(sels)-1]
	if s.LabelType() == cue.StringLabel {
		return s.Unquoted()
	}
	return s.String()
}

func requireString(v cue.Value, name string) (string, error) {
	f, ok := field(v, name)
	if !ok {
		return "", missing(name, v.Pos())
	}
	s, err := f.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	if s == "" {
		return "", invalid(name, f.Pos(), "%s must not be empty", name)
	}
	return s, nil
}

func optString(v cue.Value, name string) (string, error) {
	f, ok := field(v, name)
	if !ok {
		return "", nil
	}
	s, err := f.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func requireFloat(v cue.Value, name string) (float64, error) {
	if _, ok := field(v, name); !ok {
		return 0, missing(name, v.Pos())
	}
	return optFloat(v, name)
}

func optFloat(v cue.Value, name string) (float64, error) {
	f, ok := field(v, name)
	if !ok {
		return 0, nil
	}
	x, err := f.Float64()
	if err != nil {
		return 0, formatCUEError(err)
	}
	return x, nil
}

func optFloatPtr(v cue.Value, name string) (*float64, error) {
	if _, ok := field(v, name); !ok {
		return nil, nil
	}
	x, err := optFloat(v, name)
	if err != nil {
		return nil, err
	}
	return &x, nil
}

func requireInt(v cue.Value, name string) (int, error) {
	if _, ok := field(v, name); !ok {
		return 0, missing(name, v.Pos())
	}
	return optInt(v, name)
}

func optInt(v cue.Value, name string) (int, error) {
	f, ok := field(v, name)
	if !ok {
		return 0, nil
	}
	n, err := f.Int64()
	if err != nil {
		return 0, formatCUEError(err)
	}
	return int(n), nil
}

func optBool(v cue.Value, name string, def bool) (bool, error) {
	f, ok := field(v, name)
	if !ok {
		return def, nil
	}
	b, err := f.Bool()
	if err != nil {
		return false, formatCUEError(err)
	}
	return b, nil
}

// optTime parses an RFC 3339 timestamp.
func optTime(v cue.Value, name string) (time.Time, error) {
	s, err := optString(v, name)
	if err != nil || s == "" {
		return time.Time{}, err
	}
	t, perr := time.Parse(time.RFC3339, s)
	if perr != nil {
		f, _ := field(v, name)
		return time.Time{}, invalid(name, f.Pos(), "not an RFC 3339 timestamp: %q", s)
	}
	return t.UTC(), nil
}

// optDuration parses a Go duration string such as "168h".
func optDuration(v cue.Value, name string) (time.Duration, error) {
	s, err := optString(v, name)
	if err != nil || s == "" {
		return 0, err
	}
	d, perr := time.ParseDuration(s)
	if perr != nil || d < 0 {
		f, _ := field(v, name)
		return 0, invalid(name, f.Pos(), "not a non-negative duration: %q", s)
	}
	return d, nil
}

func optStrings(v cue.Value, name string) ([]string, error) {
	f, ok := field(v, name)
	if !ok {
		return nil, nil
	}
	iter, err := f.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

func optFloats(v cue.Value, name string) ([]float64, error) {
	f, ok := field(v, name)
	if !ok {
		return nil, nil
	}
	iter, err := f.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []float64
	for iter.Next() {
		x, err := iter.Value().Float64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, x)
	}
	return out, nil
}
