package sampling

import (
	"errors"
	"testing"
	"time"
)

var base = time.Date(2024, 6, 11, 13, 0, 0, 0, time.UTC)

func reading(entity string, offset time.Duration, index int) Reading {
	return Reading{
		Entity:        entity,
		Timestamp:     base.Add(offset),
		Concentration: float64(index),
		AQI:           index,
	}
}

func TestBufferEvictsOutsideRetention(t *testing.T) {
	b := NewBuffer(30 * time.Minute)

	offsets := []time.Duration{0, 10 * time.Minute, 25 * time.Minute, 35 * time.Minute}
	for i, off := range offsets {
		if err := b.Record(reading("local", off, 100+i)); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	window := b.Snapshot("local", base.Add(35*time.Minute))
	if len(window) != 3 {
		t.Fatalf("expected 3 retained readings, got %d", len(window))
	}

	newest := window[len(window)-1].Timestamp
	for _, r := range window {
		if newest.Sub(r.Timestamp) > 30*time.Minute {
			t.Errorf("reading at %v is older than the retention bound", r.Timestamp)
		}
	}
}

func TestSnapshotDropsReadingsStaleRelativeToNow(t *testing.T) {
	b := NewBuffer(30 * time.Minute)
	if err := b.Record(reading("local", 0, 180)); err != nil {
		t.Fatalf("record: %v", err)
	}

	// Record never ran again, so eviction alone would keep the reading
	// forever. Three hours later it must not survive into a snapshot.
	if got := len(b.Snapshot("local", base.Add(3*time.Hour))); got != 0 {
		t.Fatalf("snapshot after a 3h data gap holds %d readings, want 0", got)
	}

	// Within retention the reading is still visible.
	if got := len(b.Snapshot("local", base.Add(10*time.Minute))); got != 1 {
		t.Fatalf("snapshot inside retention holds %d readings, want 1", got)
	}
}

func TestBufferRejectsOutOfOrder(t *testing.T) {
	b := NewBuffer(30 * time.Minute)
	if err := b.Record(reading("local", 10*time.Minute, 50)); err != nil {
		t.Fatalf("record: %v", err)
	}
	err := b.Record(reading("local", 5*time.Minute, 60))
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
	if len(b.Snapshot("local", base.Add(10*time.Minute))) != 1 {
		t.Error("rejected reading must not be retained")
	}
}

func TestBufferAcceptsEqualTimestamps(t *testing.T) {
	b := NewBuffer(30 * time.Minute)
	if err := b.Record(reading("local", 0, 50)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := b.Record(reading("local", 0, 51)); err != nil {
		t.Fatalf("equal timestamps are non-decreasing, got %v", err)
	}
}

func TestBufferEntitiesAreIndependent(t *testing.T) {
	b := NewBuffer(30 * time.Minute)
	if err := b.Record(reading("local", 0, 10)); err != nil {
		t.Fatal(err)
	}
	if err := b.Record(reading("region/9338", 0, 20)); err != nil {
		t.Fatal(err)
	}

	if got := len(b.Snapshot("local", base)); got != 1 {
		t.Errorf("local window size = %d, want 1", got)
	}
	if got := len(b.Snapshot("region/9338", base)); got != 1 {
		t.Errorf("regional window size = %d, want 1", got)
	}
	if got := len(b.Snapshot("missing", base)); got != 0 {
		t.Errorf("unknown entity should yield an empty window, got %d", got)
	}
	if got := len(b.Entities()); got != 2 {
		t.Errorf("Entities() = %d, want 2", got)
	}
}

func TestComputeTrendMeanAndRate(t *testing.T) {
	window := []Reading{
		reading("local", 0, 100),
		reading("local", 5*time.Minute, 110),
		reading("local", 10*time.Minute, 120),
	}

	trend := ComputeTrend(window, 2*time.Minute)
	if !trend.Computable {
		t.Fatal("trend over 10 minutes should be computable")
	}
	if trend.Mean != 110 {
		t.Errorf("mean = %v, want 110", trend.Mean)
	}
	if trend.RatePerMinute != 2 {
		t.Errorf("rate = %v AQI/min, want 2", trend.RatePerMinute)
	}
	if trend.Samples != 3 {
		t.Errorf("samples = %d, want 3", trend.Samples)
	}
}

func TestComputeTrendFlatWindow(t *testing.T) {
	window := []Reading{
		reading("local", 0, 80),
		reading("local", 4*time.Minute, 80),
		reading("local", 8*time.Minute, 80),
	}
	trend := ComputeTrend(window, 2*time.Minute)
	if trend.RatePerMinute != 0 {
		t.Errorf("identical values must yield zero rate, got %v", trend.RatePerMinute)
	}
	if !trend.Computable {
		t.Error("flat but well-covered window is still computable")
	}
}

func TestComputeTrendThinData(t *testing.T) {
	single := []Reading{reading("local", 0, 130)}
	trend := ComputeTrend(single, 2*time.Minute)
	if trend.Computable {
		t.Error("single sample must not be computable")
	}
	if trend.RatePerMinute != 0 {
		t.Errorf("rate should report zero, got %v", trend.RatePerMinute)
	}
	if trend.Mean != 130 {
		t.Errorf("mean of one sample = %v, want 130", trend.Mean)
	}

	narrow := []Reading{
		reading("local", 0, 100),
		reading("local", 30*time.Second, 140),
	}
	trend = ComputeTrend(narrow, 2*time.Minute)
	if trend.Computable {
		t.Error("near-simultaneous samples must not be computable")
	}

	empty := ComputeTrend(nil, 2*time.Minute)
	if empty.Samples != 0 || empty.Computable || empty.Mean != 0 {
		t.Errorf("empty window should be zero-valued, got %+v", empty)
	}
}
