package schedule

import (
	"testing"
	"time"
)

func defaultWindows(t *testing.T) []Window {
	t.Helper()
	morningStart, _ := ParseClockTime("05:30:00")
	morningEnd, _ := ParseClockTime("07:59:59")
	dayStart, _ := ParseClockTime("08:00:00")
	dayEnd, _ := ParseClockTime("16:00:00")
	return []Window{
		{Name: "morning", Start: morningStart, End: morningEnd, Threshold: 125},
		{Name: "day", Start: dayStart, End: dayEnd, Threshold: 140},
	}
}

func pacificClock(t *testing.T) *Clock {
	t.Helper()
	clock, err := NewClock("America/Los_Angeles", defaultWindows(t), true)
	if err != nil {
		t.Fatalf("NewClock: %v", err)
	}
	return clock
}

func TestParseClockTime(t *testing.T) {
	ct, err := ParseClockTime("05:30:00")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ct.SecondOfDay() != 5*3600+30*60 {
		t.Errorf("SecondOfDay = %d", ct.SecondOfDay())
	}
	if _, err := ParseClockTime("24:00:00"); err == nil {
		t.Error("hour 24 should be rejected")
	}
	if _, err := ParseClockTime("garbage"); err == nil {
		t.Error("unparseable input should be rejected")
	}
	if _, err := ParseClockTime("05:30:00junk"); err == nil {
		t.Error("trailing characters should be rejected")
	}

	short, err := ParseClockTime("08:00")
	if err != nil {
		t.Fatalf("parse without seconds: %v", err)
	}
	if short.SecondOfDay() != 8*3600 {
		t.Errorf("SecondOfDay = %d", short.SecondOfDay())
	}
}

func TestClassifyWeekdayWindows(t *testing.T) {
	clock := pacificClock(t)
	loc := clock.Location()

	cases := []struct {
		local     time.Time
		window    string
		threshold int
	}{
		// Tuesday 2024-06-11.
		{time.Date(2024, 6, 11, 6, 0, 0, 0, loc), "morning", 125},
		{time.Date(2024, 6, 11, 5, 30, 0, 0, loc), "morning", 125},
		{time.Date(2024, 6, 11, 7, 59, 59, 0, loc), "morning", 125},
		{time.Date(2024, 6, 11, 8, 0, 0, 0, loc), "day", 140},
		{time.Date(2024, 6, 11, 16, 0, 0, 0, loc), "day", 140},
		{time.Date(2024, 6, 11, 12, 30, 0, 0, loc), "day", 140},
	}
	for _, tc := range cases {
		cls := clock.Classify(tc.local.UTC())
		threshold, ok := cls.Threshold()
		if !ok {
			t.Fatalf("%v should classify inside a window", tc.local)
		}
		if cls.Window.Name != tc.window || threshold != tc.threshold {
			t.Errorf("%v -> %s/%d, want %s/%d", tc.local, cls.Window.Name, threshold, tc.window, tc.threshold)
		}
	}
}

func TestClassifyOutsideWindows(t *testing.T) {
	clock := pacificClock(t)
	loc := clock.Location()

	outside := []time.Time{
		time.Date(2024, 6, 11, 5, 29, 59, 0, loc),
		time.Date(2024, 6, 11, 16, 0, 1, 0, loc),
		time.Date(2024, 6, 11, 2, 0, 0, 0, loc),
		// Saturday and Sunday inside what would be the day window.
		time.Date(2024, 6, 8, 9, 0, 0, 0, loc),
		time.Date(2024, 6, 9, 9, 0, 0, 0, loc),
	}
	for _, local := range outside {
		cls := clock.Classify(local.UTC())
		if _, ok := cls.Threshold(); ok {
			t.Errorf("%v should be outside every window", local)
		}
	}
}

func TestClassifyAcrossDSTTransitions(t *testing.T) {
	clock := pacificClock(t)

	// 06:00 local on the US spring-forward and fall-back dates. The UTC
	// instants differ by an hour of offset; both must land in the morning
	// window when resolved by calendar rule. Both dates are Sundays, so
	// use the following Monday at the same local clock time.
	cases := []struct {
		utc  time.Time
		name string
	}{
		// 2024-03-11 06:00 PDT = 13:00 UTC.
		{time.Date(2024, 3, 11, 13, 0, 0, 0, time.UTC), "spring forward"},
		// 2024-11-04 06:00 PST = 14:00 UTC.
		{time.Date(2024, 11, 4, 14, 0, 0, 0, time.UTC), "fall back"},
	}
	for _, tc := range cases {
		cls := clock.Classify(tc.utc)
		if cls.Window == nil || cls.Window.Name != "morning" {
			t.Errorf("%s: %v should classify as morning, got %+v", tc.name, tc.utc, cls.Window)
		}
		if cls.Local.Hour() != 6 {
			t.Errorf("%s: local hour = %d, want 6", tc.name, cls.Local.Hour())
		}
	}

	// A fixed UTC offset would misclassify one of the two: 13:00 UTC is
	// 05:00 local under PST rules, outside the morning window.
	winter := time.Date(2024, 11, 4, 13, 0, 0, 0, time.UTC)
	if cls := clock.Classify(winter); cls.Window != nil {
		t.Errorf("13:00 UTC in November is 05:00 PST and must be outside, got %q", cls.Window.Name)
	}
}

func TestClassifyOnTransitionDates(t *testing.T) {
	// The transition dates themselves (2024-03-10, 2024-11-03) are
	// Sundays, so run an all-days clock to check the offset resolution
	// at 06:00 local, then confirm the weekday-only clock excludes them.
	allDays, err := NewClock("America/Los_Angeles", defaultWindows(t), false)
	if err != nil {
		t.Fatalf("NewClock: %v", err)
	}
	weekdays := pacificClock(t)

	cases := []struct {
		utc  time.Time
		name string
	}{
		// The jump happens at 02:00, so 06:00 local on 2024-03-10 is
		// already PDT: 13:00 UTC.
		{time.Date(2024, 3, 10, 13, 0, 0, 0, time.UTC), "spring forward"},
		// 06:00 local on 2024-11-03 is past the fall-back: PST, 14:00 UTC.
		{time.Date(2024, 11, 3, 14, 0, 0, 0, time.UTC), "fall back"},
	}
	for _, tc := range cases {
		cls := allDays.Classify(tc.utc)
		if cls.Local.Hour() != 6 {
			t.Errorf("%s: local hour = %d, want 6", tc.name, cls.Local.Hour())
		}
		if cls.Window == nil || cls.Window.Name != "morning" {
			t.Errorf("%s: 06:00 local should be in the morning window", tc.name)
		}
		if wcls := weekdays.Classify(tc.utc); wcls.Window != nil {
			t.Errorf("%s: weekday-only clock must exclude the Sunday", tc.name)
		}
	}
}

func TestNewClockValidation(t *testing.T) {
	if _, err := NewClock("Not/AZone", defaultWindows(t), true); err == nil {
		t.Error("unknown zone should fail construction")
	}

	bad := defaultWindows(t)
	bad[1].Start, _ = ParseClockTime("07:00:00")
	if _, err := NewClock("America/Los_Angeles", bad, true); err == nil {
		t.Error("overlapping windows should fail construction")
	}

	inverted := defaultWindows(t)
	inverted[0].Start, inverted[0].End = inverted[0].End, inverted[0].Start
	if _, err := NewClock("America/Los_Angeles", inverted, true); err == nil {
		t.Error("inverted window should fail construction")
	}
}
