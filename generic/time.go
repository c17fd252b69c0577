package generic

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// DATE - A calendar day with no time-of-day, always in UTC
// =============================================================================

// DateLayout is the wire format for calendar days.
const DateLayout = "2006-01-02"

// Date is a calendar day. All comparisons happen in UTC so a date never drifts
// by one when the caller sits in a different zone.
type Date struct {
	t time.Time
}

// Clock returns the current instant. Engines and services take one so tests
// can pin "today".
type Clock func() time.Time

// SystemClock is the wall clock.
func SystemClock() time.Time { return time.Now() }

// Constructors
func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates an instant to its UTC calendar day.
func DateOf(t time.Time) Date {
	u := t.UTC()
	return NewDate(u.Year(), u.Month(), u.Day())
}

// Today returns the UTC calendar day of the clock's current instant.
func Today(clock Clock) Date {
	if clock == nil {
		clock = SystemClock
	}
	return DateOf(clock())
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return Date{}, &ValidationError{Field: "date", Value: s, Message: "must be a YYYY-MM-DD calendar date"}
	}
	return Date{t: t}, nil
}

// MustParseDate is ParseDate for literals in tests and fixtures.
func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// ParseDates parses a batch, failing on the first malformed entry.
func ParseDates(values []string) ([]Date, error) {
	dates := make([]Date, 0, len(values))
	for _, v := range values {
		d, err := ParseDate(v)
		if err != nil {
			return nil, err
		}
		dates = append(dates, d)
	}
	return dates, nil
}

// Comparison
func (d Date) Before(other Date) bool        { return d.t.Before(other.t) }
func (d Date) After(other Date) bool         { return d.t.After(other.t) }
func (d Date) Equal(other Date) bool         { return d.t.Equal(other.t) }
func (d Date) BeforeOrEqual(other Date) bool { return !d.t.After(other.t) }
func (d Date) AfterOrEqual(other Date) bool  { return !d.t.Before(other.t) }

// Arithmetic
func (d Date) AddDays(n int) Date { return Date{t: d.t.AddDate(0, 0, n)} }

// Properties
func (d Date) Time() time.Time   { return d.t }
func (d Date) Year() int         { return d.t.Year() }
func (d Date) Month() time.Month { return d.t.Month() }
func (d Date) Day() int          { return d.t.Day() }
func (d Date) IsZero() bool      { return d.t.IsZero() }
func (d Date) String() string    { return d.t.Format(DateLayout) }
func (d Date) Key() string       { return d.String() }

// MarshalText encodes the date as YYYY-MM-DD, which also covers JSON.
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText accepts YYYY-MM-DD and full RFC3339 timestamps; the latter are
// truncated to their UTC day.
func (d *Date) UnmarshalText(b []byte) error {
	s := string(b)
	if parsed, err := ParseDate(s); err == nil {
		*d = parsed
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("invalid date %q: %w", s, err)
	}
	*d = DateOf(t)
	return nil
}

// =============================================================================
// DATE UTILITIES
// =============================================================================

// DaysBetween returns the signed number of days from `from` to `to`.
func DaysBetween(from, to Date) int { return int(to.t.Sub(from.t).Hours() / 24) }

// Span lists every calendar day from start to end inclusive.
func Span(start, end Date) []Date {
	if end.Before(start) {
		return nil
	}
	out := make([]Date, 0, DaysBetween(start, end)+1)
	for d := start; d.BeforeOrEqual(end); d = d.AddDays(1) {
		out = append(out, d)
	}
	return out
}

// DateSet is a set of calendar days keyed by their canonical string.
type DateSet map[string]Date

func NewDateSet(dates ...Date) DateSet {
	s := make(DateSet, len(dates))
	for _, d := range dates {
		s[d.Key()] = d
	}
	return s
}

func (s DateSet) Has(d Date) bool {
	_, ok := s[d.Key()]
	return ok
}

func (s DateSet) Add(d Date)    { s[d.Key()] = d }
func (s DateSet) Remove(d Date) { delete(s, d.Key()) }
