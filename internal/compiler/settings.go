package compiler

import (
	"time"

	"cuelang.org/go/cue"

	"github.com/roach88/torque/internal/engine"
	"github.com/roach88/torque/internal/metrics"
	"github.com/roach88/torque/internal/orchestrator"
)

// Settings is the orchestrator policy block of a document.
type Settings struct {
	AllowOperatorOverride bool          `json:"allow_operator_override"`
	IdleTimeout           time.Duration `json:"idle_timeout"`
	SubscriberBuffer      int           `json:"subscriber_buffer"`
	TrendWeight           float64       `json:"trend_weight"`
}

// DefaultSettings is used when a document has no settings block.
func DefaultSettings() Settings {
	return Settings{
		SubscriberBuffer: orchestrator.DefaultSubscriberBuffer,
		TrendWeight:      metrics.DefaultTrendWeight,
	}
}

// CompileSettings parses a settings block. Absent fields keep their
// defaults.
func CompileSettings(v cue.Value) (*Settings, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	s := DefaultSettings()

	var err error
	if s.AllowOperatorOverride, err = optBool(v, "allow_operator_override", false); err != nil {
		return nil, err
	}
	if s.IdleTimeout, err = optDuration(v, "idle_timeout"); err != nil {
		return nil, err
	}
	if f, ok := field(v, "subscriber_buffer"); ok {
		if s.SubscriberBuffer, err = optInt(v, "subscriber_buffer"); err != nil {
			return nil, err
		}
		if s.SubscriberBuffer < 1 {
			return nil, &CompileError{Code: ErrCodeSettings, Field: "subscriber_buffer", Message: "must be at least 1", Pos: f.Pos()}
		}
	}
	if f, ok := field(v, "trend_weight"); ok {
		if s.TrendWeight, err = optFloat(v, "trend_weight"); err != nil {
			return nil, err
		}
		if s.TrendWeight <= 0 || s.TrendWeight > 1 {
			return nil, &CompileError{Code: ErrCodeSettings, Field: "trend_weight", Message: "must be in (0, 1]", Pos: f.Pos()}
		}
	}
	return &s, nil
}

// Options converts the settings into orchestrator options.
func (s Settings) Options() []orchestrator.Option {
	return []orchestrator.Option{
		orchestrator.WithConfig(engine.Config{AllowOperatorOverride: s.AllowOperatorOverride}),
		orchestrator.WithIdleTimeout(s.IdleTimeout),
		orchestrator.WithSubscriberBuffer(s.SubscriberBuffer),
		orchestrator.WithMetrics(metrics.New(metrics.WithTrendWeight(s.TrendWeight))),
	}
}
