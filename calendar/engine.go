package calendar

import (
	"sort"
	"strings"

	"github.com/messhall/dining-engine/generic"
)

// =============================================================================
// RESCHEDULE ENGINE
// =============================================================================

// Engine applies break insertions and removals to a Window.
//
// Both operations validate the whole batch before touching anything and
// return a new Window; the input is never modified. Slot identities are
// reassigned by position, so enrollments follow the slot, not the date.
// Pastness of the requested dates is the caller's concern.
type Engine struct {
	clock generic.Clock
}

func NewEngine(clock generic.Clock) *Engine {
	if clock == nil {
		clock = generic.SystemClock
	}
	return &Engine{clock: clock}
}

// AddBreakDates turns dining dates into breaks and extends the window
// forward until DayCount dining dates are available again.
func (e *Engine) AddBreakDates(w *Window, dates []generic.Date, reason string) (*Window, error) {
	if err := checkBatch(dates); err != nil {
		return nil, err
	}
	for _, d := range dates {
		if w.IsBreak(d) {
			return nil, &generic.ValidationError{Field: "dates", Value: d.String(), Message: "is already a break day"}
		}
		if !w.IsBillable(d) {
			return nil, &generic.ValidationError{Field: "dates", Value: d.String(), Message: "is not a dining day of the current month"}
		}
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultBreakReason
	}

	out := w.Clone()
	for _, d := range dates {
		out.Breaks = append(out.Breaks, BreakDay{Date: d, Reason: reason})
	}
	out.sortBreaks()

	broken := generic.NewDateSet(dates...)
	available := make([]generic.Date, 0, DayCount)
	for _, d := range w.DiningDates() {
		if !broken.Has(d) {
			available = append(available, d)
		}
	}

	next := w.End
	for len(available) < DayCount {
		next = next.AddDays(1)
		if out.IsBreak(next) {
			continue
		}
		available = append(available, next)
	}

	e.reassign(out, available)
	return out, nil
}

// RemoveBreakDates restores breaks to dining dates. The earliest DayCount
// candidates keep a slot; the rest fall off the end of the window.
func (e *Engine) RemoveBreakDates(w *Window, dates []generic.Date) (*Window, error) {
	if err := checkBatch(dates); err != nil {
		return nil, err
	}
	for _, d := range dates {
		if !w.IsBreak(d) {
			return nil, &generic.ValidationError{Field: "dates", Value: d.String(), Message: "is not a break day"}
		}
	}

	restored := generic.NewDateSet(dates...)
	out := w.Clone()
	kept := out.Breaks[:0]
	for _, b := range out.Breaks {
		if !restored.Has(b.Date) {
			kept = append(kept, b)
		}
	}
	out.Breaks = kept

	candidates := append(w.DiningDates(), dates...)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Before(candidates[j]) })

	e.reassign(out, candidates[:DayCount])
	return out, nil
}

// reassign hands dates[i] to slot i. Slots are already in ascending date
// order, so identities keep their relative position.
func (e *Engine) reassign(w *Window, dates []generic.Date) {
	today := generic.Today(e.clock)
	for i := range w.Slots {
		w.Slots[i].DayNumber = i + 1
		w.Slots[i].Date = dates[i]
		w.Slots[i].IsPast = dates[i].Before(today)
	}
	w.End = dates[DayCount-1]
}

func checkBatch(dates []generic.Date) error {
	if len(dates) == 0 {
		return &generic.ValidationError{Field: "dates", Message: "at least one date is required"}
	}
	seen := generic.NewDateSet()
	for _, d := range dates {
		if seen.Has(d) {
			return &generic.ValidationError{Field: "dates", Value: d.String(), Message: "appears more than once"}
		}
		seen.Add(d)
	}
	return nil
}
