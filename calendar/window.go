/*
Package calendar models the dining days of one cycle and how break days move them.

PURPOSE:
  A dining month always bills exactly 30 calendar days. Managers can pull any
  future dining day out as a break; the window then slides forward to pick up
  a replacement day at the end. Restoring a break pulls the window back.

KEY CONCEPTS:
  Slot:     One of the 30 fixed day identities. Students enroll against a
            slot, never against a date. A reschedule hands each slot a new
            (dayNumber, date) payload by position.
  BreakDay: A calendar date excluded from billing, with a reason.
  Window:   The 30 slots plus the break set. Start and End bound the coverage.

INVARIANTS (checked by Window.Validate):
  1. len(Slots) == DayCount, DayNumber == index+1, dates strictly ascending
  2. No slot date is a break date
  3. {slot dates} ∪ {break dates <= End} == every calendar day in [Start, End]
  4. End == date of slot 30

  Breaks after End are dormant: they were restored-past by a shrink or never
  reached. Extension skips them if the window grows again.

EXAMPLE:
  Start 2025-01-01, no breaks:  slots 1..30 = Jan 1..Jan 30
  Break Jan 5:                  slots 1..4 = Jan 1..4, 5..30 = Jan 6..31
  Restore Jan 5:                back to Jan 1..Jan 30

SEE ALSO:
  - engine.go: AddBreakDates / RemoveBreakDates
*/
package calendar

import (
	"fmt"
	"sort"
	"time"

	"github.com/messhall/dining-engine/generic"
)

// DayCount is the number of billable days in every dining month.
const DayCount = 30

// DefaultBreakReason is used when a break is added without one.
const DefaultBreakReason = "Break day"

// =============================================================================
// SLOT / BREAK DAY
// =============================================================================

// Slot is a persistent dining-day identity with its current payload.
type Slot struct {
	ID        generic.DayID
	DayNumber int
	Date      generic.Date
	IsPast    bool
	Students  []generic.StudentID
}

// HasStudent reports whether id is enrolled on the slot.
func (s Slot) HasStudent(id generic.StudentID) bool {
	for _, sid := range s.Students {
		if sid == id {
			return true
		}
	}
	return false
}

type BreakDay struct {
	Date   generic.Date
	Reason string
}

// =============================================================================
// WINDOW
// =============================================================================

type Window struct {
	Start  generic.Date
	End    generic.Date
	Slots  []Slot
	Breaks []BreakDay
}

// NewWindow lays out DayCount consecutive dining days from start, each with a
// fresh identity.
func NewWindow(start generic.Date, today generic.Date) *Window {
	w := &Window{Start: start, Slots: make([]Slot, DayCount)}
	for i := range w.Slots {
		d := start.AddDays(i)
		w.Slots[i] = Slot{
			ID:        generic.NewDayID(),
			DayNumber: i + 1,
			Date:      d,
			IsPast:    d.Before(today),
		}
	}
	w.End = w.Slots[DayCount-1].Date
	return w
}

// Clone returns a deep copy. Engines only ever mutate clones.
func (w *Window) Clone() *Window {
	c := &Window{
		Start:  w.Start,
		End:    w.End,
		Slots:  make([]Slot, len(w.Slots)),
		Breaks: append([]BreakDay(nil), w.Breaks...),
	}
	for i, s := range w.Slots {
		s.Students = append([]generic.StudentID(nil), s.Students...)
		c.Slots[i] = s
	}
	return c
}

// IsBillable reports whether d is currently a dining date.
func (w *Window) IsBillable(d generic.Date) bool {
	_, ok := w.SlotByDate(d)
	return ok
}

// IsBreak reports whether d is a break, dormant or not.
func (w *Window) IsBreak(d generic.Date) bool {
	for _, b := range w.Breaks {
		if b.Date.Equal(d) {
			return true
		}
	}
	return false
}

// SlotByDate returns the slot currently holding d.
func (w *Window) SlotByDate(d generic.Date) (Slot, bool) {
	i := sort.Search(len(w.Slots), func(i int) bool {
		return w.Slots[i].Date.AfterOrEqual(d)
	})
	if i < len(w.Slots) && w.Slots[i].Date.Equal(d) {
		return w.Slots[i], true
	}
	return Slot{}, false
}

// SlotByID returns the slot with the given identity.
func (w *Window) SlotByID(id generic.DayID) (Slot, bool) {
	for _, s := range w.Slots {
		if s.ID == id {
			return s, true
		}
	}
	return Slot{}, false
}

// DayNumber pairs a dense day number with its date.
type DayNumber struct {
	Number int
	Date   generic.Date
}

// DenseDayNumbers lists (dayNumber, date) in ascending date order.
func (w *Window) DenseDayNumbers() []DayNumber {
	out := make([]DayNumber, len(w.Slots))
	for i, s := range w.Slots {
		out[i] = DayNumber{Number: s.DayNumber, Date: s.Date}
	}
	return out
}

// CoverageRange returns the first and last calendar day the window spans.
func (w *Window) CoverageRange() (generic.Date, generic.Date) {
	return w.Start, w.End
}

// DiningDates lists the billable dates in ascending order.
func (w *Window) DiningDates() []generic.Date {
	out := make([]generic.Date, len(w.Slots))
	for i, s := range w.Slots {
		out[i] = s.Date
	}
	return out
}

// BreakDates lists every break date in ascending order.
func (w *Window) BreakDates() []generic.Date {
	out := make([]generic.Date, len(w.Breaks))
	for i, b := range w.Breaks {
		out[i] = b.Date
	}
	return out
}

// RefreshPast recomputes IsPast against today.
func (w *Window) RefreshPast(today generic.Date) {
	for i := range w.Slots {
		w.Slots[i].IsPast = w.Slots[i].Date.Before(today)
	}
}

// Stats summarizes how far into the cycle today is.
type Stats struct {
	PastCount      int `json:"pastCount"`
	RemainingCount int `json:"remainingCount"`
	Total          int `json:"total"`
}

func (w *Window) Stats(today generic.Date) Stats {
	st := Stats{Total: DayCount}
	for _, s := range w.Slots {
		if s.Date.Before(today) {
			st.PastCount++
		}
	}
	st.RemainingCount = st.Total - st.PastCount
	return st
}

// Validate checks the window invariants.
func (w *Window) Validate() error {
	if len(w.Slots) != DayCount {
		return fmt.Errorf("window has %d dining days, want %d", len(w.Slots), DayCount)
	}
	breaks := generic.NewDateSet(w.BreakDates()...)
	if len(breaks) != len(w.Breaks) {
		return fmt.Errorf("duplicate break dates")
	}
	for i, s := range w.Slots {
		if s.DayNumber != i+1 {
			return fmt.Errorf("slot %s has day number %d at position %d", s.ID, s.DayNumber, i+1)
		}
		if i > 0 && !s.Date.After(w.Slots[i-1].Date) {
			return fmt.Errorf("dining dates not strictly ascending at day %d", s.DayNumber)
		}
		if breaks.Has(s.Date) {
			return fmt.Errorf("%s is both a dining day and a break", s.Date)
		}
	}
	if !w.End.Equal(w.Slots[DayCount-1].Date) {
		return fmt.Errorf("end %s does not match day %d (%s)", w.End, DayCount, w.Slots[DayCount-1].Date)
	}
	if !w.Slots[0].Date.Equal(w.Start) && !breaks.Has(w.Start) {
		return fmt.Errorf("start %s is neither a dining day nor a break", w.Start)
	}

	covered := generic.NewDateSet(w.DiningDates()...)
	for _, b := range w.Breaks {
		if b.Date.BeforeOrEqual(w.End) {
			if b.Date.Before(w.Start) {
				return fmt.Errorf("break %s precedes start %s", b.Date, w.Start)
			}
			covered.Add(b.Date)
		}
	}
	span := generic.Span(w.Start, w.End)
	if len(covered) != len(span) {
		return fmt.Errorf("coverage has %d days, span %s..%s has %d", len(covered), w.Start, w.End, len(span))
	}
	for _, d := range span {
		if !covered.Has(d) {
			return fmt.Errorf("gap in coverage at %s", d)
		}
	}
	return nil
}

func (w *Window) sortBreaks() {
	sort.Slice(w.Breaks, func(i, j int) bool {
		return w.Breaks[i].Date.Before(w.Breaks[j].Date)
	})
}

// =============================================================================
// MONTH
// =============================================================================

// Month is one manager's dining cycle.
type Month struct {
	ID        generic.MonthID
	ManagerID generic.ManagerID
	Window    *Window
	DayCount  int
	IsActive  bool
	CreatedAt time.Time
}

// NewMonth starts an active cycle on start.
func NewMonth(manager generic.ManagerID, start generic.Date, now time.Time) *Month {
	return &Month{
		ID:        generic.NewMonthID(),
		ManagerID: manager,
		Window:    NewWindow(start, generic.DateOf(now)),
		DayCount:  DayCount,
		IsActive:  true,
		CreatedAt: now.UTC(),
	}
}

func (m *Month) Clone() *Month {
	c := *m
	c.Window = m.Window.Clone()
	return &c
}
