// Package schedule classifies instants against configured local-time alert
// windows. Offsets are always resolved from the IANA calendar rules for the
// configured zone, never from a pinned UTC offset, so window boundaries stay
// correct across daylight-saving transitions.
package schedule

import (
	"fmt"
	"strings"
	"time"
)

// ClockTime is a wall-clock time of day, timezone-agnostic.
type ClockTime struct {
	Hour   int
	Minute int
	Second int
}

// ParseClockTime parses "HH:MM:SS" (seconds optional). Trailing characters
// are an error, not ignored.
func ParseClockTime(s string) (ClockTime, error) {
	layout := "15:04:05"
	if strings.Count(s, ":") == 1 {
		layout = "15:04"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return ClockTime{}, fmt.Errorf("schedule: parse clock time %q: %w", s, err)
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
}

// SecondOfDay returns seconds elapsed since local midnight.
func (ct ClockTime) SecondOfDay() int {
	return ct.Hour*3600 + ct.Minute*60 + ct.Second
}

// String renders HH:MM:SS.
func (ct ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", ct.Hour, ct.Minute, ct.Second)
}

// Window is one configured local-time interval with its alert threshold.
// Both bounds are inclusive. Windows apply on weekdays only.
type Window struct {
	Name      string
	Start     ClockTime
	End       ClockTime
	Threshold int
}

func (w Window) contains(secondOfDay int) bool {
	return secondOfDay >= w.Start.SecondOfDay() && secondOfDay <= w.End.SecondOfDay()
}

// Classification is the result of mapping an instant onto the schedule.
// Window is nil outside every window.
type Classification struct {
	Window *Window
	Local  time.Time
}

// Threshold returns the applicable alert threshold, or ok=false when the
// instant falls outside all windows and no alerting applies.
func (c Classification) Threshold() (int, bool) {
	if c.Window == nil {
		return 0, false
	}
	return c.Window.Threshold, true
}

// Clock resolves instants to civil time in a fixed zone and classifies them
// against the configured windows.
type Clock struct {
	loc          *time.Location
	windows      []Window
	weekdaysOnly bool
}

// NewClock loads the IANA zone and validates the window set. When
// weekdaysOnly is set, Saturdays and Sundays classify outside every window
// regardless of clock time. A zone that cannot be resolved is a
// construction error; the caller must not run the alert loop without a
// working clock.
func NewClock(zone string, windows []Window, weekdaysOnly bool) (*Clock, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("schedule: resolve timezone %q: %w", zone, err)
	}

	for i, w := range windows {
		if w.Start.SecondOfDay() > w.End.SecondOfDay() {
			return nil, fmt.Errorf("schedule: window %q starts after it ends", w.Name)
		}
		if w.Threshold <= 0 {
			return nil, fmt.Errorf("schedule: window %q needs a positive threshold", w.Name)
		}
		for _, other := range windows[:i] {
			if w.Start.SecondOfDay() <= other.End.SecondOfDay() && other.Start.SecondOfDay() <= w.End.SecondOfDay() {
				return nil, fmt.Errorf("schedule: windows %q and %q overlap", other.Name, w.Name)
			}
		}
	}

	return &Clock{loc: loc, windows: windows, weekdaysOnly: weekdaysOnly}, nil
}

// Location exposes the resolved zone.
func (c *Clock) Location() *time.Location {
	return c.loc
}

// Classify maps a UTC instant to its schedule classification using the
// zone's calendar rules for that date.
func (c *Clock) Classify(t time.Time) Classification {
	local := t.In(c.loc)
	cls := Classification{Local: local}

	if c.weekdaysOnly {
		switch local.Weekday() {
		case time.Saturday, time.Sunday:
			return cls
		}
	}

	second := local.Hour()*3600 + local.Minute()*60 + local.Second()
	for i := range c.windows {
		if c.windows[i].contains(second) {
			cls.Window = &c.windows[i]
			return cls
		}
	}
	return cls
}
