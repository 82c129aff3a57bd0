// Package attendance turns positive face matches into attendance rows for a course.
package attendance

import (
	"fmt"
	"time"
)

// DefaultDuration is how long a marking window stays open when no duration is given.
const DefaultDuration = 15 * time.Minute

// Window is a course's attendance-taking period.
type Window struct {
	Marking  bool
	Start    time.Time
	Duration time.Duration
}

// WindowStatus describes a Window at a given instant.
type WindowStatus struct {
	Active    bool          `json:"active"`
	Remaining int           `json:"remaining_minutes"`
	Start     time.Time     `json:"start"`
	End       time.Time     `json:"end"`
	Left      time.Duration `json:"-"`
}

// End returns the instant the window closes.
func (w Window) End() time.Time {
	return w.Start.Add(w.Duration)
}

// Status reports whether the window is open at now and how many whole minutes remain.
// A window is open from Start through End inclusive, and only while marking is on.
func (w Window) Status(now time.Time) WindowStatus {
	if !w.Marking || w.Start.IsZero() {
		return WindowStatus{}
	}

	st := WindowStatus{Start: w.Start, End: w.End()}
	if now.Before(st.Start) || now.After(st.End) {
		return st
	}
	st.Active = true
	st.Left = st.End.Sub(now)
	st.Remaining = int(st.Left / time.Minute)
	return st
}

// DayLayout is the date format used to select an attendance day.
const DayLayout = "2006-01-02"

// ParseDay parses a YYYY-MM-DD day in now's location. An empty string selects now's day.
func ParseDay(s string, now time.Time) (time.Time, error) {
	if s == "" {
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location()), nil
	}
	day, err := time.ParseInLocation(DayLayout, s, now.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day %q (use YYYY-MM-DD): %w", s, err)
	}
	return day, nil
}
