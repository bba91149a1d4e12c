package sampling

import "time"

// DefaultMinTrendSpan is the minimum covered duration below which a rate of
// change is considered noise amplification rather than signal.
const DefaultMinTrendSpan = 2 * time.Minute

// Trend summarises one entity's window for a single tick. Recomputed every
// tick, never persisted as-is.
type Trend struct {
	Entity        string
	Mean          float64
	RatePerMinute float64
	Samples       int
	Covered       time.Duration
	// Computable is false when the window is too thin to support a rate
	// of change. Mean remains valid whenever Samples > 0.
	Computable bool
}

// ComputeTrend derives the arithmetic mean AQI and the AQI-per-minute rate
// of change over a window snapshot. The rate is reported as zero and
// flagged not computable with fewer than two samples or when the covered
// duration is below minSpan.
func ComputeTrend(window []Reading, minSpan time.Duration) Trend {
	if minSpan <= 0 {
		minSpan = DefaultMinTrendSpan
	}

	trend := Trend{Samples: len(window)}
	if len(window) == 0 {
		return trend
	}
	trend.Entity = window[0].Entity

	sum := 0.0
	for _, r := range window {
		sum += float64(r.AQI)
	}
	trend.Mean = sum / float64(len(window))

	first, last := window[0], window[len(window)-1]
	trend.Covered = last.Timestamp.Sub(first.Timestamp)
	if len(window) < 2 || trend.Covered < minSpan {
		return trend
	}

	minutes := trend.Covered.Minutes()
	trend.RatePerMinute = float64(last.AQI-first.AQI) / minutes
	trend.Computable = true
	return trend
}
