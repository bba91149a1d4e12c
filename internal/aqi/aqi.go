// Package aqi converts raw PM2.5 particulate concentrations to the US EPA
// Air Quality Index, including the EPA wood-smoke correction for optical
// particle counters.
package aqi

import (
	"errors"
	"math"
)

// ErrInvalidConcentration rejects negative or non-finite input.
var ErrInvalidConcentration = errors.New("aqi: concentration must be finite and non-negative")

// breakpoint maps one EPA concentration interval onto its index interval.
type breakpoint struct {
	aqiLo, aqiHi   float64
	concLo, concHi float64
}

// PM2.5 breakpoints per the AQI equation (µg/m³, 24h).
var pm25Breakpoints = []breakpoint{
	{0, 50, 0.0, 12.0},
	{51, 100, 12.1, 35.4},
	{101, 150, 35.5, 55.4},
	{151, 200, 55.5, 150.4},
	{201, 300, 150.5, 250.4},
	{301, 500, 250.5, 500.4},
}

// FromConcentration converts a PM2.5 concentration to an integer AQI by
// linear interpolation within the containing breakpoint interval. The
// concentration is truncated to 0.1 µg/m³ before lookup and the result is
// rounded to the nearest whole number, matching the EPA procedure.
func FromConcentration(conc float64) (int, error) {
	if math.IsNaN(conc) || math.IsInf(conc, 0) || conc < 0 {
		return 0, ErrInvalidConcentration
	}

	conc = math.Trunc(conc*10) / 10

	for _, bp := range pm25Breakpoints {
		if conc >= bp.concLo && conc <= bp.concHi {
			idx := (bp.aqiHi-bp.aqiLo)/(bp.concHi-bp.concLo)*(conc-bp.concLo) + bp.aqiLo
			return int(math.Round(idx)), nil
		}
	}

	// Above the top of the table the index scale continues at the
	// concentration value itself.
	return int(math.Round(conc)), nil
}

// Correct applies the EPA correction for wood-smoke particulate to a raw
// PM2.5 (CF=1) concentration given relative humidity in percent. Negative
// inputs are treated as zero; the corrected value is clamped at zero so a
// clean sensor under high humidity cannot report a negative concentration.
func Correct(pm, humidity float64) float64 {
	if pm < 0 || math.IsNaN(pm) {
		pm = 0
	}
	if humidity < 0 || math.IsNaN(humidity) {
		humidity = 0
	}

	var corrected float64
	if pm <= 343 {
		corrected = 0.52*pm - 0.086*humidity + 5.75
	} else {
		corrected = 0.46*pm + 3.93e-4*pm*pm + 2.97
	}

	corrected = math.Round(corrected*1000) / 1000
	if corrected < 0 {
		return 0
	}
	return corrected
}

const (
	// maxPlausible is the ceiling above which a PM channel is considered
	// saturated or faulty.
	maxPlausible = 2000.0
	// channel A/B disagreement limits.
	maxAbsDelta = 5.0
	maxRelDelta = 0.7
)

// CombineChannels averages the two particulate channels of a dual-laser
// sensor. It reports ok=false when either channel is saturated or the
// channels disagree beyond the EPA plausibility limits, in which case the
// reading should be discarded.
func CombineChannels(a, b float64) (float64, bool) {
	if a > maxPlausible || b > maxPlausible {
		return 0, false
	}
	if a < 0 || b < 0 || math.IsNaN(a) || math.IsNaN(b) {
		return 0, false
	}

	delta := math.Abs(a - b)
	if delta >= maxAbsDelta {
		return 0, false
	}
	mean := (a + b + 1e-6) / 2
	if delta/mean >= maxRelDelta {
		return 0, false
	}

	return (a + b) / 2, true
}
