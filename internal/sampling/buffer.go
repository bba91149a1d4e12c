// Package sampling holds the rolling reading window and the trend
// statistics derived from it.
package sampling

import (
	"errors"
	"time"
)

// ErrOutOfOrder rejects a reading older than the newest one already
// recorded for the same entity. The tick loop is the sole producer, so an
// ordering violation indicates a bug upstream rather than reorderable data.
var ErrOutOfOrder = errors.New("sampling: reading timestamp out of order")

// Reading is one converted observation for an entity. Immutable once
// recorded.
type Reading struct {
	Entity        string
	Timestamp     time.Time
	Concentration float64
	AQI           int
}

// Buffer retains recent readings per entity, bounded by time rather than
// count. Under degraded sampling a window may hold fewer points than the
// cadence predicts; that is a valid thin-data state, not an error.
type Buffer struct {
	retention time.Duration
	windows   map[string][]Reading
}

// NewBuffer constructs a buffer that exposes only readings within
// retention of the observation time passed to Snapshot.
func NewBuffer(retention time.Duration) *Buffer {
	if retention <= 0 {
		retention = 30 * time.Minute
	}
	return &Buffer{
		retention: retention,
		windows:   make(map[string][]Reading),
	}
}

// Record appends a reading to its entity's window, then evicts entries
// older than the retention bound relative to the reading's own timestamp.
// Timestamps must be non-decreasing per entity.
func (b *Buffer) Record(r Reading) error {
	window := b.windows[r.Entity]
	if n := len(window); n > 0 && r.Timestamp.Before(window[n-1].Timestamp) {
		return ErrOutOfOrder
	}

	window = append(window, r)

	cutoff := r.Timestamp.Add(-b.retention)
	start := 0
	for start < len(window) && window[start].Timestamp.Before(cutoff) {
		start++
	}
	if start > 0 {
		window = append(window[:0], window[start:]...)
	}

	b.windows[r.Entity] = window
	return nil
}

// Snapshot returns a copy of the entity's readings with timestamp within
// retention of now, in insertion order. Record only evicts relative to the
// incoming reading's timestamp, so after a data gap the stored window can
// trail now by hours; filtering here keeps stale readings out of any
// evaluation. The result may be empty during a data gap.
func (b *Buffer) Snapshot(entity string, now time.Time) []Reading {
	window := b.windows[entity]
	cutoff := now.Add(-b.retention)
	start := 0
	for start < len(window) && window[start].Timestamp.Before(cutoff) {
		start++
	}
	out := make([]Reading, len(window)-start)
	copy(out, window[start:])
	return out
}

// Entities lists every entity that currently holds at least one reading.
func (b *Buffer) Entities() []string {
	out := make([]string, 0, len(b.windows))
	for entity, window := range b.windows {
		if len(window) > 0 {
			out = append(out, entity)
		}
	}
	return out
}

// Retention reports the configured window duration.
func (b *Buffer) Retention() time.Duration {
	return b.retention
}
