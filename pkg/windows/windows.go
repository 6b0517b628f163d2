package windows

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	minutesPerHour = 60
	hoursPerDay    = 24
	minutesPerDay  = hoursPerDay * minutesPerHour
)

// TimeOfDay is a minute-precision offset from local midnight in [0, 1440).
type TimeOfDay int

// ParseTimeOfDay parses an "HH:MM" value.
func ParseTimeOfDay(value string) (TimeOfDay, error) {
	trimmed := strings.TrimSpace(value)
	parts := strings.Split(trimmed, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q (expected HH:MM)", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid hour in %q", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid minute in %q", value)
	}
	if hour < 0 || hour > 23 {
		return 0, fmt.Errorf("hour out of range in %q", value)
	}
	if minute < 0 || minute > 59 {
		return 0, fmt.Errorf("minute out of range in %q", value)
	}
	return TimeOfDay(hour*minutesPerHour + minute), nil
}

// Clock returns the time of day of t in t's own location.
func Clock(t time.Time) TimeOfDay {
	return TimeOfDay(t.Hour()*minutesPerHour + t.Minute())
}

func (d TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(d)/minutesPerHour, int(d)%minutesPerHour)
}

// TimeWindow is a half-open time-of-day interval [Start, End).
//
// End before Start wraps past midnight. Start equal to End covers the whole day.
type TimeWindow struct {
	name  string
	start TimeOfDay
	end   TimeOfDay
}

// NewTimeWindow parses the start and end expressions into a window.
func NewTimeWindow(name, start, end string) (TimeWindow, error) {
	s, err := ParseTimeOfDay(start)
	if err != nil {
		return TimeWindow{}, fmt.Errorf("start: %w", err)
	}
	e, err := ParseTimeOfDay(end)
	if err != nil {
		return TimeWindow{}, fmt.Errorf("end: %w", err)
	}
	return TimeWindow{name: strings.TrimSpace(name), start: s, end: e}, nil
}

// MustTimeWindow is NewTimeWindow for literals; it panics on malformed input.
func MustTimeWindow(name, start, end string) TimeWindow {
	w, err := NewTimeWindow(name, start, end)
	if err != nil {
		panic(err)
	}
	return w
}

// Name returns the label the window was configured with, possibly empty.
func (w TimeWindow) Name() string { return w.name }

// Start returns the first minute inside the window.
func (w TimeWindow) Start() TimeOfDay { return w.start }

// End returns the first minute after the window.
func (w TimeWindow) End() TimeOfDay { return w.end }

// Wraps reports whether the window crosses midnight.
func (w TimeWindow) Wraps() bool {
	return w.end < w.start
}

// AllDay reports whether the window is zero-length and therefore always active.
func (w TimeWindow) AllDay() bool {
	return w.start == w.end
}

// Duration returns how much of a day the window covers.
func (w TimeWindow) Duration() time.Duration {
	length := int(w.end) - int(w.start)
	if length <= 0 {
		length += minutesPerDay
	}
	return time.Duration(length) * time.Minute
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	return w.containsMinute(Clock(t))
}

func (w TimeWindow) containsMinute(m TimeOfDay) bool {
	switch {
	case w.start < w.end:
		return m >= w.start && m < w.end
	case w.start > w.end:
		return m >= w.start || m < w.end
	default:
		return true
	}
}

func (w TimeWindow) String() string {
	if w.name == "" {
		return fmt.Sprintf("%s-%s", w.start, w.end)
	}
	return fmt.Sprintf("%s %s-%s", w.name, w.start, w.end)
}

// Schedule is an ordered set of windows evaluated with OR semantics.
// The zero value is an empty schedule that is never active.
type Schedule struct {
	windows []TimeWindow
}

// NewSchedule copies the given windows into a schedule.
func NewSchedule(windows ...TimeWindow) Schedule {
	copied := make([]TimeWindow, len(windows))
	copy(copied, windows)
	return Schedule{windows: copied}
}

// Windows returns a copy of the configured windows in order.
func (s Schedule) Windows() []TimeWindow {
	copied := make([]TimeWindow, len(s.windows))
	copy(copied, s.windows)
	return copied
}

// Len returns the number of windows.
func (s Schedule) Len() int { return len(s.windows) }

// Contains reports whether t is inside any window.
func (s Schedule) Contains(t time.Time) bool {
	_, ok := s.Match(t)
	return ok
}

// Match returns the first window containing t.
func (s Schedule) Match(t time.Time) (TimeWindow, bool) {
	m := Clock(t)
	for _, w := range s.windows {
		if w.containsMinute(m) {
			return w, true
		}
	}
	return TimeWindow{}, false
}

// NextTransition returns the earliest instant after t at which Contains may change value.
// The second result is false when the schedule never changes (empty or all-day).
func (s Schedule) NextTransition(t time.Time) (time.Time, bool) {
	if len(s.windows) == 0 {
		return time.Time{}, false
	}
	current := s.Contains(t)
	base := t.Truncate(time.Minute)
	for offset := 1; offset <= minutesPerDay; offset++ {
		candidate := base.Add(time.Duration(offset) * time.Minute)
		if s.Contains(candidate) != current {
			return candidate, true
		}
	}
	return time.Time{}, false
}
