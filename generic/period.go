package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - Inclusive range of calendar days
// =============================================================================

// Period is an inclusive range of calendar days. Statements and event
// listings are always computed for a period.
//
// Examples:
//   - March 2025: Mar 1 - Mar 31
//   - Q1 2025: Jan 1 - Mar 31
type Period struct {
	Start time.Time
	End   time.Time
}

// NewPeriod normalizes both ends to calendar days and validates order.
func NewPeriod(start, end time.Time) (Period, error) {
	p := Period{Start: StartOfDay(start), End: StartOfDay(end)}
	if p.End.Before(p.Start) {
		return Period{}, fmt.Errorf("%w: %s > %s", ErrInvalidPeriod,
			p.Start.Format(DateLayout), p.End.Format(DateLayout))
	}
	return p, nil
}

// Contains returns true if t falls on a day within [Start, End].
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(EndOfDay(p.End))
}

// Before returns true if t falls on a day before Start.
func (p Period) Before(t time.Time) bool { return t.Before(p.Start) }

// Days returns the number of calendar days in the period.
func (p Period) Days() int { return DaysBetween(p.Start, p.End) + 1 }

func (p Period) String() string {
	return "[" + p.Start.Format(DateLayout) + ", " + p.End.Format(DateLayout) + "]"
}

// PeriodType defines how periods are laid out on the calendar.
type PeriodType string

const (
	PeriodMonth   PeriodType = "month"   // 1st to last day of a month
	PeriodQuarter PeriodType = "quarter" // Jan-Mar, Apr-Jun, ...
	PeriodYear    PeriodType = "year"    // Jan 1 - Dec 31
)

// PeriodFor returns the period of the given type containing date.
func PeriodFor(pt PeriodType, date time.Time) Period {
	date = StartOfDay(date)
	switch pt {
	case PeriodQuarter:
		first := time.Month((int(date.Month())-1)/3*3 + 1)
		return Period{Start: StartOfMonth(date.Year(), first), End: EndOfMonth(date.Year(), first+2)}
	case PeriodYear:
		return Period{Start: Date(date.Year(), time.January, 1), End: Date(date.Year(), time.December, 31)}
	default:
		return MonthPeriod(date.Year(), date.Month())
	}
}

// MonthPeriod returns the calendar month as a period.
func MonthPeriod(year int, month time.Month) Period {
	return Period{Start: StartOfMonth(year, month), End: EndOfMonth(year, month)}
}

// ParseMonth parses "YYYY-MM" into the calendar month period.
func ParseMonth(s string) (Period, error) {
	t, err := time.ParseInLocation("2006-01", s, time.UTC)
	if err != nil {
		return Period{}, fmt.Errorf("%w: month must be YYYY-MM, got %q", ErrInvalidPeriod, s)
	}
	return MonthPeriod(t.Year(), t.Month()), nil
}

// NextPeriod returns the period of equal length that follows this one.
func (p Period) NextPeriod() Period {
	start := p.End.AddDate(0, 0, 1)
	return Period{Start: start, End: start.AddDate(0, 0, p.Days()-1)}
}

// PreviousPeriod returns the period of equal length before this one.
func (p Period) PreviousPeriod() Period {
	end := p.Start.AddDate(0, 0, -1)
	return Period{Start: end.AddDate(0, 0, -(p.Days() - 1)), End: end}
}
