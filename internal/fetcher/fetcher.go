package fetcher

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnreachable marks a transport-level failure talking to the
	// sensor service. Transient; the next tick is the retry.
	ErrUnreachable = errors.New("fetcher: sensor service unreachable")
	// ErrMalformedPayload marks a response that arrived but could not be
	// interpreted. Logged and skipped for the tick.
	ErrMalformedPayload = errors.New("fetcher: malformed sensor payload")
)

// Sample is one raw observation reported by a sensor: both particulate
// channels plus the humidity needed for the EPA correction.
type Sample struct {
	SensorIndex int
	Name        string
	Timestamp   time.Time
	PM25A       float64
	PM25B       float64
	Humidity    float64
}

// SensorFetcher pulls fresh raw samples for the designated local sensor and
// for every sensor inside the regional bounding box.
type SensorFetcher interface {
	FetchLocal(ctx context.Context) (Sample, error)
	FetchRegional(ctx context.Context) ([]Sample, error)
}
