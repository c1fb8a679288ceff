// Package normalize converts heterogeneous tool-adapter payloads into the
// canonical torque.Reading: Nm, degrees, Celsius, percent relative humidity.
package normalize

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/torque/internal/torque"
)

// Conversion factors to Nm.
const (
	FootPoundToNm  = 1.3558179483314004
	InchPoundToNm  = 0.1129848290276167
	KgfMeterToNm   = 9.80665
	KgfCentiToNm   = 0.0980665
	DecinewtonToNm = 0.1
)

var torqueUnits = map[string]float64{
	"":             1,
	"nm":           1,
	"newtonmeter":  1,
	"newtonmeters": 1,
	"dnm":          DecinewtonToNm,
	"ftlb":         FootPoundToNm,
	"ftlbf":        FootPoundToNm,
	"lbft":         FootPoundToNm,
	"lbfft":        FootPoundToNm,
	"inlb":         InchPoundToNm,
	"inlbf":        InchPoundToNm,
	"lbin":         InchPoundToNm,
	"lbfin":        InchPoundToNm,
	"kgfm":         KgfMeterToNm,
	"kgm":          KgfMeterToNm,
	"kgfcm":        KgfCentiToNm,
	"kgcm":         KgfCentiToNm,
}

// UnitError reports a unit token the normalizer does not recognise.
type UnitError struct {
	Quantity string
	Unit     string
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("unknown %s unit %q", e.Quantity, e.Unit)
}

// Normalizer converts raw readings. The clock assigns timestamps to readings
// that arrive without one.
type Normalizer struct {
	now func() time.Time
}

// New returns a Normalizer that stamps missing timestamps with now.
func New(now func() time.Time) *Normalizer {
	if now == nil {
		now = time.Now
	}
	return &Normalizer{now: now}
}

// Normalize converts raw to canonical units.
func (n *Normalizer) Normalize(raw torque.RawReading) (torque.Reading, error) {
	if math.IsNaN(raw.Torque) || math.IsInf(raw.Torque, 0) {
		return torque.Reading{}, fmt.Errorf("normalize: torque is not finite")
	}
	if raw.Torque < 0 {
		return torque.Reading{}, fmt.Errorf("normalize: torque must not be negative: %g", raw.Torque)
	}

	factor, ok := torqueUnits[n.unitKey(raw.Units)]
	if !ok {
		return torque.Reading{}, &UnitError{Quantity: "torque", Unit: raw.Units}
	}

	r := torque.Reading{
		Torque:       raw.Torque * factor,
		Timestamp:    raw.Timestamp,
		BoltPosition: strings.TrimSpace(raw.BoltPosition),
		WrenchID:     raw.WrenchID,
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = n.now()
	}

	if raw.Angle != nil {
		a, err := n.angle(*raw.Angle, raw.AngleUnits)
		if err != nil {
			return torque.Reading{}, err
		}
		r.Angle = &a
	}
	if raw.Temperature != nil {
		c, err := n.temperature(*raw.Temperature, raw.TemperatureUnits)
		if err != nil {
			return torque.Reading{}, err
		}
		r.Temperature = &c
	}
	if raw.Humidity != nil {
		h := *raw.Humidity
		if math.IsNaN(h) || h < 0 || h > 100 {
			return torque.Reading{}, fmt.Errorf("normalize: humidity out of range: %g", h)
		}
		r.Humidity = &h
	}
	return r, nil
}

func (n *Normalizer) angle(v float64, unit string) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("normalize: angle is not finite")
	}
	switch n.unitKey(unit) {
	case "", "deg", "degree", "degrees", "°":
		return v, nil
	case "rad", "radian", "radians":
		return v * 180 / math.Pi, nil
	}
	return 0, &UnitError{Quantity: "angle", Unit: unit}
}

func (n *Normalizer) temperature(v float64, unit string) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("normalize: temperature is not finite")
	}
	switch n.unitKey(unit) {
	case "", "c", "°c", "celsius":
		return v, nil
	case "f", "°f", "fahrenheit":
		return (v - 32) * 5 / 9, nil
	case "k", "kelvin":
		return v - 273.15, nil
	}
	return 0, &UnitError{Quantity: "temperature", Unit: unit}
}

// unitKey reduces a unit token to a lookup key: NFKC (so "N·m", "N⋅m" and
// full-width forms collapse), case-folded, with separators removed.
// A Caser is stateful, so one is created per call.
func (n *Normalizer) unitKey(unit string) string {
	s := cases.Fold().String(norm.NFKC.String(strings.TrimSpace(unit)))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '°':
			b.WriteRune(r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		}
	}
	return b.String()
}
