/*
Package dining orchestrates the calendar and account engines against a Store.

PURPOSE:
  The two services here are the boundary of the core. They load state inside
  one unit of work, run a pure engine over it, write the result and commit.
  Every error they return is classified by generic.KindOf, so the caller can
  turn it into a generic.Fault without guessing.

SERVICES:
  MonthService:   start a cycle, read the calendar, add/remove breaks, dashboard
  AccountService: search, purchase, return, fees, settlement, listings

ONE ACTIVE MONTH PER MANAGER:
  StartCycle deactivates and inserts in the same unit of work. Adapters back
  this with a uniqueness constraint on (manager, active) so a concurrent
  second start fails with a ConflictError instead of leaving two active.

SEE ALSO:
  - store.go: The persistence port
  - calendar/engine.go, account/engine.go: The rules
*/
package dining

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/messhall/dining-engine/calendar"
	"github.com/messhall/dining-engine/generic"
)

// =============================================================================
// MONTH SERVICE
// =============================================================================

type MonthService struct {
	store  Store
	engine *calendar.Engine
	clock  generic.Clock
	logger *zap.Logger
}

func NewMonthService(store Store, clock generic.Clock, logger *zap.Logger) *MonthService {
	if clock == nil {
		clock = generic.SystemClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MonthService{
		store:  store,
		engine: calendar.NewEngine(clock),
		clock:  clock,
		logger: logger,
	}
}

// StartCycle deactivates the manager's current month and opens a new one
// with 30 consecutive dining days from start.
func (s *MonthService) StartCycle(ctx context.Context, manager generic.ManagerID, start generic.Date) (*calendar.Month, error) {
	if manager == "" {
		return nil, &generic.ValidationError{Field: "managerId", Message: "is required"}
	}
	if start.IsZero() {
		return nil, &generic.ValidationError{Field: "startDate", Message: "is required"}
	}

	month := calendar.NewMonth(manager, start, s.clock())
	err := s.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.DeactivateMonths(ctx, manager); err != nil {
			return err
		}
		return tx.InsertMonth(ctx, month)
	})
	if err != nil {
		return nil, s.reject("start cycle", manager, err)
	}

	s.logger.Info("dining month started",
		zap.String("manager", string(manager)),
		zap.String("month", string(month.ID)),
		zap.Stringer("start", month.Window.Start),
		zap.Stringer("end", month.Window.End),
	)
	return month, nil
}

// CalendarView is the read model of the active month.
type CalendarView struct {
	Month      *calendar.Month
	DiningDays []calendar.Slot
	BreakDays  []calendar.BreakDay
	Stats      calendar.Stats
}

// GetCalendar returns the active month with pastness computed for today.
func (s *MonthService) GetCalendar(ctx context.Context, manager generic.ManagerID) (*CalendarView, error) {
	month, err := s.active(ctx, manager)
	if err != nil {
		return nil, s.reject("get calendar", manager, err)
	}
	today := generic.Today(s.clock)
	return &CalendarView{
		Month:      month,
		DiningDays: month.Window.Slots,
		BreakDays:  month.Window.Breaks,
		Stats:      month.Window.Stats(today),
	}, nil
}

// AddBreaks turns future dining dates into breaks. Past dates are rejected
// here; the engine does not look at pastness.
func (s *MonthService) AddBreaks(ctx context.Context, manager generic.ManagerID, dates []generic.Date, reason string) (*calendar.Month, error) {
	today := generic.Today(s.clock)
	for _, d := range dates {
		if d.Before(today) {
			return nil, s.reject("add breaks", manager,
				&generic.ValidationError{Field: "dates", Value: d.String(), Message: "is in the past"})
		}
	}

	month, err := s.reschedule(ctx, manager, func(w *calendar.Window) (*calendar.Window, error) {
		return s.engine.AddBreakDates(w, dates, reason)
	})
	if err != nil {
		return nil, s.reject("add breaks", manager, err)
	}

	s.logger.Info("break days added",
		zap.String("manager", string(manager)),
		zap.String("month", string(month.ID)),
		zap.Stringers("dates", dates),
		zap.Stringer("end", month.Window.End),
	)
	return month, nil
}

// RemoveBreaks restores break dates to dining dates.
func (s *MonthService) RemoveBreaks(ctx context.Context, manager generic.ManagerID, dates []generic.Date) (*calendar.Month, error) {
	month, err := s.reschedule(ctx, manager, func(w *calendar.Window) (*calendar.Window, error) {
		return s.engine.RemoveBreakDates(w, dates)
	})
	if err != nil {
		return nil, s.reject("remove breaks", manager, err)
	}

	s.logger.Info("break days removed",
		zap.String("manager", string(manager)),
		zap.String("month", string(month.ID)),
		zap.Stringers("dates", dates),
		zap.Stringer("end", month.Window.End),
	)
	return month, nil
}

// reschedule runs fn over the active window and writes month and slots in
// one unit of work.
func (s *MonthService) reschedule(ctx context.Context, manager generic.ManagerID, fn func(*calendar.Window) (*calendar.Window, error)) (*calendar.Month, error) {
	var updated *calendar.Month
	err := s.store.WithTx(ctx, func(tx Tx) error {
		month, err := tx.ActiveMonth(ctx, manager)
		if err != nil {
			return err
		}
		w, err := fn(month.Window)
		if err != nil {
			return err
		}
		if err := w.Validate(); err != nil {
			return err
		}
		next := month.Clone()
		next.Window = w
		if err := tx.UpdateMonth(ctx, next); err != nil {
			return err
		}
		updated = next
		return nil
	})
	return updated, err
}

// =============================================================================
// DASHBOARD
// =============================================================================

// NextDay describes the first dining day after today.
type NextDay struct {
	DayNumber     int          `json:"dayNumber"`
	Date          generic.Date `json:"date"`
	EnrolledCount int          `json:"enrolledCount"`
}

type Dashboard struct {
	Month        *calendar.Month
	Today        generic.Date
	CurrentDay   int // days since start + 1, 0 before the cycle begins
	NextDay      *NextDay
	Stats        calendar.Stats
	StudentCount int
}

// Dashboard summarizes the active month for the manager's landing page.
func (s *MonthService) Dashboard(ctx context.Context, manager generic.ManagerID) (*Dashboard, error) {
	today := generic.Today(s.clock)
	var dash *Dashboard
	err := s.store.WithTx(ctx, func(tx Tx) error {
		month, err := tx.ActiveMonth(ctx, manager)
		if err != nil {
			return err
		}
		students, err := tx.ListStudents(ctx, month.ID)
		if err != nil {
			return err
		}
		month.Window.RefreshPast(today)

		dash = &Dashboard{
			Month:        month,
			Today:        today,
			Stats:        month.Window.Stats(today),
			StudentCount: len(students),
		}
		if !today.Before(month.Window.Start) {
			dash.CurrentDay = generic.DaysBetween(month.Window.Start, today) + 1
		}
		for _, slot := range month.Window.Slots {
			if slot.Date.After(today) {
				dash.NextDay = &NextDay{
					DayNumber:     slot.DayNumber,
					Date:          slot.Date,
					EnrolledCount: len(slot.Students),
				}
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, s.reject("dashboard", manager, err)
	}
	return dash, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *MonthService) active(ctx context.Context, manager generic.ManagerID) (*calendar.Month, error) {
	var month *calendar.Month
	err := s.store.WithTx(ctx, func(tx Tx) error {
		m, err := tx.ActiveMonth(ctx, manager)
		if err != nil {
			return err
		}
		month = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	month.Window.RefreshPast(generic.Today(s.clock))
	return month, nil
}

func (s *MonthService) reject(op string, manager generic.ManagerID, err error) error {
	return rejected(s.logger, op, manager, err)
}

// rejected logs a failed call and makes sure the error carries a kind.
// Anything unclassified at this point is an invariant breach, not bad input.
func rejected(logger *zap.Logger, op string, manager generic.ManagerID, err error) error {
	kind := generic.KindOf(err)
	fields := []zap.Field{
		zap.String("op", op),
		zap.String("manager", string(manager)),
		zap.String("kind", string(kind)),
		zap.Error(err),
	}
	switch kind {
	case generic.KindInternal:
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			err = &generic.PersistenceError{Op: op, Err: err, Retryable: true}
		}
		logger.Error("operation failed", fields...)
	case generic.KindPersistence:
		logger.Error("operation not applied", fields...)
	default:
		logger.Warn("operation rejected", fields...)
	}
	return err
}
