package compiler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/torque/internal/rules"
	"github.com/roach88/torque/internal/torque"
)

func compileAt(t *testing.T, src, path string) cue.Value {
	t.Helper()
	v := cuecontext.New().CompileString(src, cue.Filename("test.cue"))
	require.NoError(t, v.Err())
	if path == "" {
		return v
	}
	return v.LookupPath(cue.ParsePath(path))
}

func TestCompileSpecificationBasic(t *testing.T) {
	v := compileAt(t, `
		specification: "head-gasket": {
			revision:       2
			name:           "Head gasket"
			target_torque:  90
			pattern:        "STAR"
			bolt_count:     8
			passes:         2
			pass_fractions: [0.5, 1]
			fastener: part_number: "HB-1012"
			effective_from: "2025-01-01T00:00:00Z"
			approval: {by: "eng", at: "2025-01-02T00:00:00Z"}
		}
	`, `specification."head-gasket"`)

	spec, err := CompileSpecification(v)
	require.NoError(t, err)

	assert.Equal(t, "head-gasket", spec.ID)
	assert.Equal(t, 2, spec.Revision)
	assert.Equal(t, 90.0, spec.TargetTorque)
	assert.Equal(t, torque.PatternStar, spec.Pattern)
	assert.Equal(t, torque.MethodTorqueOnly, spec.Method, "method defaults to TORQUE_ONLY")
	assert.Equal(t, torque.SafetyNormal, spec.SafetyLevel)
	assert.Equal(t, []float64{0.5, 1}, spec.PassFractions)
	assert.Equal(t, "HB-1012", spec.Fastener.PartNumber)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), spec.EffectiveFrom)
	require.NotNil(t, spec.Approval)
	assert.Equal(t, "eng", spec.Approval.By)
}

func TestCompileSpecificationDefaults(t *testing.T) {
	v := compileAt(t, `
		specification: plate: {
			target_torque: 20
			pattern:       "LINEAR"
			bolt_count:    3
		}
	`, "specification.plate")

	spec, err := CompileSpecification(v)
	require.NoError(t, err)
	assert.Equal(t, 1, spec.Revision)
	assert.Equal(t, 1, spec.Passes)
	assert.False(t, spec.Approved())
}

func TestCompileSpecificationMissingTarget(t *testing.T) {
	v := compileAt(t, `
		specification: bad: {
			pattern:    "STAR"
			bolt_count: 4
		}
	`, "specification.bad")

	_, err := CompileSpecification(v)
	require.Error(t, err)

	var ce *CompileError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrCodeMissingField, ce.Code)
	assert.Equal(t, "target_torque", ce.Field)
	assert.Contains(t, err.Error(), "required")
}

func TestCompileSpecificationInvalidEnums(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"pattern", `pattern: "ZIGZAG", method: "TORQUE_ONLY"`, "pattern"},
		{"method", `pattern: "STAR", method: "TURN_OF_NUT"`, "method"},
		{"safety", `pattern: "STAR", safety_level: "EXTREME"`, "safety_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := compileAt(t, `specification: s: {target_torque: 10, bolt_count: 4, `+tt.body+`}`, "specification.s")
			_, err := CompileSpecification(v)
			var ce *CompileError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, tt.field, ce.Field)
			assert.Equal(t, ErrCodeInvalidValue, ce.Code)
			assert.True(t, ce.Pos.IsValid())
		})
	}
}

func TestCompileSpecificationRunsValidate(t *testing.T) {
	v := compileAt(t, `
		specification: s: {
			target_torque:  10
			pattern:        "STAR"
			bolt_count:     4
			passes:         3
			pass_fractions: [0.5, 1]
		}
	`, "specification.s")

	_, err := CompileSpecification(v)
	var ce *CompileError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrCodeSpecification, ce.Code)
	assert.Contains(t, ce.Message, "2 pass fractions for 3 passes")
}

func TestCompileSpecificationBadTimestamp(t *testing.T) {
	v := compileAt(t, `
		specification: s: {
			target_torque:  10
			pattern:        "STAR"
			bolt_count:     4
			effective_from: "yesterday"
		}
	`, "specification.s")

	_, err := CompileSpecification(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RFC 3339")
}

func TestCompileSpecificationWrongKind(t *testing.T) {
	v := compileAt(t, `
		specification: s: {
			target_torque: "ninety"
			pattern:       "STAR"
			bolt_count:    4
		}
	`, "specification.s")

	_, err := CompileSpecification(v)
	require.Error(t, err)
}

func TestCompileSpecificationLayout(t *testing.T) {
	v := compileAt(t, `
		specification: ring: {
			target_torque: 30
			pattern:       "SPIRAL"
			bolt_count:    3
			layout: [{x: 0, y: 1}, {x: 1, y: 0}, {x: -1, y: 0}]
		}
	`, "specification.ring")

	spec, err := CompileSpecification(v)
	require.NoError(t, err)
	assert.Equal(t, []torque.Point{{X: 0, Y: 1}, {X: 1, Y: 0}, {X: -1, Y: 0}}, spec.Layout)
}

func TestCompileRule(t *testing.T) {
	v := compileAt(t, `
		rule: "tight-band": {
			kind:          "TOLERANCE"
			safety_levels: ["CRITICAL"]
			tolerance: {
				tolerance_percent: 1.5
				max_retries:       2
			}
		}
	`, `rule."tight-band"`)

	r, err := CompileRule(v)
	require.NoError(t, err)
	assert.Equal(t, "tight-band", r.Name)
	assert.Equal(t, rules.KindTolerance, r.Kind)
	assert.Equal(t, rules.SeverityCritical, r.Severity, "severity defaults to CRITICAL")
	assert.True(t, r.Enabled, "enabled defaults to true")
	assert.Equal(t, []torque.SafetyLevel{torque.SafetyCritical}, r.SafetyLevels)
	require.NotNil(t, r.Tolerance)
	assert.Equal(t, 1.5, r.Tolerance.TolerancePercent)
	assert.Equal(t, 2, r.Tolerance.MaxRetries)
}

func TestCompileRuleDurationsAndDefaults(t *testing.T) {
	v := compileAt(t, `
		rule: cal: {
			kind: "CALIBRATION"
			calibration: warning_window: "72h"
		}
		rule: env: {
			kind: "ENVIRONMENTAL"
			environmental: {min_temperature: 5, max_temperature: 40}
		}
	`, "rule")

	cal, err := CompileRule(v.LookupPath(cue.ParsePath("cal")))
	require.NoError(t, err)
	assert.Equal(t, 72*time.Hour, cal.Calibration.WarningWindow)
	assert.True(t, cal.Gate())

	env, err := CompileRule(v.LookupPath(cue.ParsePath("env")))
	require.NoError(t, err)
	assert.Equal(t, rules.SeverityWarning, env.Severity, "environmental rules default to WARNING")
	assert.Equal(t, 40.0, env.Environmental.MaxTemperature)
}

func TestCompileRuleErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown kind", `kind: "VIBES"`, "unknown kind"},
		{"missing kind", `severity: "CRITICAL"`, "kind is required"},
		{"yield without params", `kind: "YIELD"`, "yield is required"},
		{"critical environmental", `kind: "ENVIRONMENTAL", severity: "CRITICAL", environmental: {min_temperature: 0, max_temperature: 1}`, "must be WARNING"},
		{"bad duration", `kind: "CERTIFICATION", certification: warning_window: "soon"`, "duration"},
		{"bad method filter", `kind: "ANGLE", methods: ["HAMMER"]`, "unknown method"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := compileAt(t, `rule: r: {`+tt.src+`}`, "rule.r")
			_, err := CompileRule(v)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCompileWrenchAndOperator(t *testing.T) {
	v := compileAt(t, `
		wrench: "W-1": {
			connection_type: "SERIAL"
			calibrated_at:   "2025-01-01T00:00:00Z"
			calibration_due: "2026-01-01T00:00:00Z"
			yield_capable:   true
		}
		operator: "op-1": {
			name: "Sam"
			certifications: [{name: "torque-l1", expires_at: "2027-01-01T00:00:00Z"}]
		}
	`, "")

	w, err := CompileWrench(v.LookupPath(cue.ParsePath(`wrench."W-1"`)))
	require.NoError(t, err)
	assert.Equal(t, "W-1", w.ID)
	assert.Equal(t, torque.ConnectionSerial, w.ConnectionType)
	assert.True(t, w.YieldCapable)
	assert.True(t, w.CalibrationValid(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))

	op, err := CompileOperator(v.LookupPath(cue.ParsePath(`operator."op-1"`)))
	require.NoError(t, err)
	c, ok := op.Certification("torque-l1")
	require.True(t, ok)
	assert.Equal(t, 2027, c.ExpiresAt.Year())
}

func TestCompileWrenchRejectsInvertedCalibration(t *testing.T) {
	v := compileAt(t, `
		wrench: w: {
			calibrated_at:   "2025-01-01T00:00:00Z"
			calibration_due: "2024-01-01T00:00:00Z"
		}
	`, "wrench.w")

	_, err := CompileWrench(v)
	assert.Equal(t, ErrCodeResource, Code(err))
}

func TestCompileSettings(t *testing.T) {
	v := compileAt(t, `settings: {allow_operator_override: true, idle_timeout: "90s", trend_weight: 0.5}`, "settings")
	s, err := CompileSettings(v)
	require.NoError(t, err)
	assert.True(t, s.AllowOperatorOverride)
	assert.Equal(t, 90*time.Second, s.IdleTimeout)
	assert.Equal(t, 0.5, s.TrendWeight)
	assert.Equal(t, DefaultSettings().SubscriberBuffer, s.SubscriberBuffer)
	assert.Len(t, s.Options(), 4)

	v = compileAt(t, `settings: {subscriber_buffer: 0}`, "settings")
	_, err = CompileSettings(v)
	assert.Equal(t, ErrCodeSettings, Code(err))

	v = compileAt(t, `settings: {trend_weight: 1.5}`, "settings")
	_, err = CompileSettings(v)
	assert.Equal(t, ErrCodeSettings, Code(err))
}

func TestCatalog(t *testing.T) {
	c := NewCatalog(
		[]torque.Wrench{{ID: "W-1"}},
		[]torque.Operator{{ID: "op-1", Certifications: []torque.Certification{{Name: "a"}}}},
	)
	ctx := context.Background()

	w, err := c.Wrench(ctx, "W-1")
	require.NoError(t, err)
	assert.Equal(t, "W-1", w.ID)

	_, err = c.Wrench(ctx, "W-9")
	assert.ErrorIs(t, err, ErrUnknownResource)
	_, err = c.Operator(ctx, "nobody")
	assert.ErrorIs(t, err, ErrUnknownResource)

	op, err := c.Operator(ctx, "op-1")
	require.NoError(t, err)
	op.Certifications[0].Name = "mutated"
	again, _ := c.Operator(ctx, "op-1")
	assert.Equal(t, "a", again.Certifications[0].Name, "returned operators are copies")

	due := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	c.PutWrench(torque.Wrench{ID: "W-1", CalibrationDue: due})
	w, _ = c.Wrench(ctx, "W-1")
	assert.Equal(t, due, w.CalibrationDue)
}

func TestLoadTestdata(t *testing.T) {
	b, errs := Load(filepath.Join("..", "..", "testdata", "specs"), LoadModeCollectAll)
	require.Empty(t, errs)
	require.NotNil(t, b)

	assert.Equal(t, 3, b.FileCount)
	require.Len(t, b.Specifications, 3)
	assert.Equal(t, "head-gasket", b.Specifications[0].ID, "sorted by id")

	head, ok := b.Specification("head-gasket")
	require.True(t, ok)
	assert.True(t, head.Approved())
	_, ok = b.Specification("missing")
	assert.False(t, ok)

	assert.Len(t, b.Wrenches, 2)
	assert.Len(t, b.Operators, 1)
	assert.Equal(t, 5*time.Minute, b.Settings.IdleTimeout)
	assert.Equal(t, 128, b.Settings.SubscriberBuffer)

	eng, err := b.RuleEngine()
	require.NoError(t, err)
	assert.Len(t, eng.Rules(), len(rules.DefaultRules()), "no rule block means defaults")

	_, err = b.Catalog().Wrench(context.Background(), "W-200")
	assert.NoError(t, err)
}

func TestLoadErrors(t *testing.T) {
	_, errs := Load(filepath.Join(t.TempDir(), "nope"), LoadModeFailFast)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrCodeNotFound, Code(errs[0]))

	empty := t.TempDir()
	_, errs = Load(empty, LoadModeFailFast)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrCodeNoFiles, Code(errs[0]))

	file := filepath.Join(empty, "x.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, errs = Load(file, LoadModeFailFast)
	assert.Equal(t, ErrCodeNotFound, Code(errs[0]))
}

func TestLoadCollectAllVersusFailFast(t *testing.T) {
	dir := t.TempDir()
	src := `package torque

specification: a: {pattern: "STAR", bolt_count: 4}
specification: b: {target_torque: 10, pattern: "NOPE", bolt_count: 4}
specification: c: {target_torque: 10, pattern: "STAR", bolt_count: 4}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "specs.cue"), []byte(src), 0o644))

	b, errs := Load(dir, LoadModeCollectAll)
	assert.Len(t, errs, 2)
	require.NotNil(t, b)
	assert.Len(t, b.Specifications, 1)

	_, errs = Load(dir, LoadModeFailFast)
	assert.Len(t, errs, 1)
}

func TestLoadBuildError(t *testing.T) {
	dir := t.TempDir()
	src := "package torque\n\nspecification: a: target_torque: 10\nspecification: a: target_torque: 20\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "conflict.cue"), []byte(src), 0o644))

	_, errs := Load(dir, LoadModeCollectAll)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrCodeBuildFailed, Code(errs[0]))
}

func TestCompileSource(t *testing.T) {
	b, errs := CompileSource("inline.cue", `
		specification: s: {target_torque: 10, pattern: "LINEAR", bolt_count: 2}
		settings: allow_operator_override: true
	`, LoadModeFailFast)
	require.Empty(t, errs)
	assert.Len(t, b.Specifications, 1)
	assert.True(t, b.Settings.AllowOperatorOverride)

	_, errs = CompileSource("inline.cue", `settings: {}`, LoadModeFailFast)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "no specifications found")
}
