package generic

import (
	"time"
)

// =============================================================================
// DATES - Day-granular helpers (aging and statements work in whole days)
// =============================================================================

// DateLayout is the wire format for calendar dates.
const DateLayout = "2006-01-02"

// Date returns midnight UTC of the given calendar day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Today returns midnight UTC of the current day.
func Today() time.Time { return StartOfDay(time.Now()) }

// ParseDate parses "2006-01-02" into midnight UTC.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// StartOfDay truncates t to midnight of its calendar day, in UTC.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return Date(t.Year(), t.Month(), t.Day())
}

// EndOfDay returns the last representable instant of t's calendar day.
func EndOfDay(t time.Time) time.Time {
	return StartOfDay(t).AddDate(0, 0, 1).Add(-time.Nanosecond)
}

// SameDay reports whether a and b fall on the same UTC calendar day.
func SameDay(a, b time.Time) bool { return StartOfDay(a).Equal(StartOfDay(b)) }

// DaysBetween counts whole calendar days from `from` to `to`.
// Negative when `to` is earlier.
func DaysBetween(from, to time.Time) int {
	return int(StartOfDay(to).Sub(StartOfDay(from)).Hours() / 24)
}

func StartOfMonth(year int, month time.Month) time.Time { return Date(year, month, 1) }
func EndOfMonth(year int, month time.Month) time.Time {
	return Date(year, month+1, 1).AddDate(0, 0, -1)
}
