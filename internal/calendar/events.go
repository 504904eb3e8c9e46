package calendar

import (
	"errors"
	"time"
)

// MaxRange bounds a single event listing.
const MaxRange = 92 * 24 * time.Hour

var (
	ErrInvalidRange   = errors.New("to must be after from")
	ErrRangeTooWide   = errors.New("range exceeds 92 days")
	ErrEndBeforeStart = errors.New("endsAt must be after startsAt")
)

// ValidateRange checks a listing window.
func ValidateRange(from, to time.Time) error {
	if !to.After(from) {
		return ErrInvalidRange
	}
	if to.Sub(from) > MaxRange {
		return ErrRangeTooWide
	}
	return nil
}

// NormalizeSpan validates an event span. All-day events are widened to whole
// UTC days: start snaps to midnight and end to the following midnight.
func NormalizeSpan(start, end time.Time, allDay bool) (time.Time, time.Time, error) {
	start, end = start.UTC(), end.UTC()
	if allDay {
		start = midnight(start)
		if end.IsZero() || !end.After(start) {
			end = start
		}
		if !end.Equal(midnight(end)) {
			end = midnight(end).Add(24 * time.Hour)
		}
		if !end.After(start) {
			end = start.Add(24 * time.Hour)
		}
		return start, end, nil
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, ErrEndBeforeStart
	}
	return start, end, nil
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
