package dining

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/messhall/dining-engine/account"
	"github.com/messhall/dining-engine/calendar"
	"github.com/messhall/dining-engine/generic"
)

// =============================================================================
// ACCOUNT SERVICE
// =============================================================================

type AccountService struct {
	store  Store
	engine *account.Engine
	clock  generic.Clock
	logger *zap.Logger
}

func NewAccountService(store Store, policy account.Policy, clock generic.Clock, logger *zap.Logger) *AccountService {
	if clock == nil {
		clock = generic.SystemClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountService{
		store:  store,
		engine: account.NewEngine(policy, clock),
		clock:  clock,
		logger: logger,
	}
}

func (s *AccountService) Policy() account.Policy { return s.engine.Policy() }

// =============================================================================
// SEARCH
// =============================================================================

// SearchResult is what the purchase screen needs: the student if known and
// the calendar to pick slots from.
type SearchResult struct {
	Exists       bool
	Student      *account.Student
	Quota        account.ReturnInfo
	CalendarDays []calendar.Slot
	BreakDays    []calendar.BreakDay
}

func (s *AccountService) SearchStudent(ctx context.Context, manager generic.ManagerID, code string) (*SearchResult, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, s.reject("search student", manager, &generic.ValidationError{Field: "studentId", Message: "is required"})
	}

	var res *SearchResult
	err := s.store.WithTx(ctx, func(tx Tx) error {
		month, err := tx.ActiveMonth(ctx, manager)
		if err != nil {
			return err
		}
		student, err := tx.FindStudent(ctx, month.ID, code)
		if err != nil {
			return err
		}
		month.Window.RefreshPast(generic.Today(s.clock))
		res = &SearchResult{
			Exists:       student != nil,
			Student:      student,
			CalendarDays: month.Window.Slots,
			BreakDays:    month.Window.Breaks,
		}
		if student != nil {
			res.Quota = s.engine.Quota(student)
		}
		return nil
	})
	if err != nil {
		return nil, s.reject("search student", manager, err)
	}
	return res, nil
}

// =============================================================================
// PURCHASE / RETURN
// =============================================================================

// PurchaseDays buys slots for the student, creating the account on first use.
// info is required for a new student and overwrites non-empty fields otherwise.
func (s *AccountService) PurchaseDays(ctx context.Context, manager generic.ManagerID, code string, dayIDs []generic.DayID, paid generic.Amount, info *account.Info) (*account.Student, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, s.reject("purchase days", manager, &generic.ValidationError{Field: "studentId", Message: "is required"})
	}

	var out *account.Outcome
	err := s.store.WithTx(ctx, func(tx Tx) error {
		month, err := tx.ActiveMonth(ctx, manager)
		if err != nil {
			return err
		}
		student, err := tx.FindStudent(ctx, month.ID, code)
		if err != nil {
			return err
		}
		if student == nil {
			if info == nil || strings.TrimSpace(info.Name) == "" {
				return &generic.ValidationError{Field: "name", Message: "is required for a new student"}
			}
			student = account.NewStudent(manager, month.ID, code, *info, s.clock())
		} else if info != nil {
			student.ApplyInfo(*info)
		}

		out, err = s.engine.AdjustDays(student, month.Window, dayIDs, paid)
		if err != nil {
			return err
		}
		return s.commit(ctx, tx, month, out)
	})
	if err != nil {
		return nil, s.reject("purchase days", manager, err)
	}

	s.logged("days purchased", manager, out)
	return out.Student, nil
}

// ReturnDays gives back held days by date, subject to the return quota.
func (s *AccountService) ReturnDays(ctx context.Context, manager generic.ManagerID, code string, dates []generic.Date, refund *generic.Amount) (*account.Student, account.ReturnInfo, error) {
	var (
		out  *account.Outcome
		info account.ReturnInfo
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		month, student, err := s.load(ctx, tx, manager, code)
		if err != nil {
			return err
		}
		out, info, err = s.engine.ReturnToken(student, month.Window, dates, refund)
		if err != nil {
			return err
		}
		return s.commit(ctx, tx, month, out)
	})
	if err != nil {
		return nil, account.ReturnInfo{}, s.reject("return days", manager, err)
	}

	s.logged("days returned", manager, out, zap.Int("returnCount", info.ReturnCount))
	return out.Student, info, nil
}

// =============================================================================
// FEES / SETTLEMENT
// =============================================================================

func (s *AccountService) PayFeast(ctx context.Context, manager generic.ManagerID, code string) (*account.Student, error) {
	return s.apply(ctx, "pay feast", manager, code, s.engine.PayFeastDue)
}

func (s *AccountService) PayDailyQuota(ctx context.Context, manager generic.ManagerID, code string) (*account.Student, error) {
	return s.apply(ctx, "pay daily quota", manager, code, s.engine.PayDailyFeastQuota)
}

func (s *AccountService) ClearDue(ctx context.Context, manager generic.ManagerID, code string) (*account.Student, error) {
	return s.apply(ctx, "clear due", manager, code, s.engine.ClearDue)
}

// apply runs a student-only operation. The flag check and the ledger append
// happen in the same unit of work.
func (s *AccountService) apply(ctx context.Context, op string, manager generic.ManagerID, code string, fn func(*account.Student) (*account.Outcome, error)) (*account.Student, error) {
	var out *account.Outcome
	err := s.store.WithTx(ctx, func(tx Tx) error {
		month, student, err := s.load(ctx, tx, manager, code)
		if err != nil {
			return err
		}
		out, err = fn(student)
		if err != nil {
			return err
		}
		return s.commit(ctx, tx, month, out)
	})
	if err != nil {
		return nil, s.reject(op, manager, err)
	}

	s.logged(op, manager, out)
	return out.Student, nil
}

// =============================================================================
// LISTINGS
// =============================================================================

// StudentSummary is a student with the totals replayed from its log.
type StudentSummary struct {
	Student     *account.Student
	TotalDays   int
	TotalAmount generic.Amount
	TotalPaid   generic.Amount
	DueAmount   generic.Amount
}

func (s *AccountService) ListStudents(ctx context.Context, manager generic.ManagerID) ([]StudentSummary, error) {
	students, err := s.students(ctx, manager)
	if err != nil {
		return nil, s.reject("list students", manager, err)
	}
	out := make([]StudentSummary, 0, len(students))
	for _, st := range students {
		totals := st.Totals()
		out = append(out, StudentSummary{
			Student:     st,
			TotalDays:   totals.TotalDays,
			TotalAmount: totals.TotalAmount,
			TotalPaid:   totals.TotalPaid,
			DueAmount:   totals.Due(),
		})
	}
	return out, nil
}

// TransactionRecord is one ledger entry flattened with its owner.
type TransactionRecord struct {
	StudentCode string
	StudentName string
	RoomNo      string
	generic.Transaction
}

// ListTransactions returns every entry of the active month, oldest first.
// Entries posted at the same instant keep their per-student log order.
func (s *AccountService) ListTransactions(ctx context.Context, manager generic.ManagerID) ([]TransactionRecord, error) {
	students, err := s.students(ctx, manager)
	if err != nil {
		return nil, s.reject("list transactions", manager, err)
	}
	var out []TransactionRecord
	for _, st := range students {
		for _, tx := range st.Transactions {
			out = append(out, TransactionRecord{
				StudentCode: st.Code,
				StudentName: st.Name,
				RoomNo:      st.RoomNo,
				Transaction: tx,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Date.Before(out[j].Date)
	})
	return out, nil
}

func (s *AccountService) students(ctx context.Context, manager generic.ManagerID) ([]*account.Student, error) {
	var students []*account.Student
	err := s.store.WithTx(ctx, func(tx Tx) error {
		month, err := tx.ActiveMonth(ctx, manager)
		if err != nil {
			return err
		}
		students, err = tx.ListStudents(ctx, month.ID)
		return err
	})
	return students, err
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *AccountService) load(ctx context.Context, tx Tx, manager generic.ManagerID, code string) (*calendar.Month, *account.Student, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, nil, &generic.ValidationError{Field: "studentId", Message: "is required"}
	}
	month, err := tx.ActiveMonth(ctx, manager)
	if err != nil {
		return nil, nil, err
	}
	student, err := tx.FindStudent(ctx, month.ID, code)
	if err != nil {
		return nil, nil, err
	}
	if student == nil {
		return nil, nil, &generic.NotFoundError{Resource: "student", Key: code}
	}
	return month, student, nil
}

// commit writes the student and, when enrollment moved, the month's slots.
func (s *AccountService) commit(ctx context.Context, tx Tx, month *calendar.Month, out *account.Outcome) error {
	if err := tx.SaveStudent(ctx, out.Student); err != nil {
		return err
	}
	if out.Window == nil {
		return nil
	}
	next := month.Clone()
	next.Window = out.Window
	return tx.UpdateMonth(ctx, next)
}

func (s *AccountService) logged(msg string, manager generic.ManagerID, out *account.Outcome, extra ...zap.Field) {
	fields := []zap.Field{
		zap.String("manager", string(manager)),
		zap.String("student", out.Student.Code),
		zap.Stringer("due", out.Student.Due()),
	}
	if tx := out.Transaction; tx != nil {
		fields = append(fields,
			zap.String("type", string(tx.Type)),
			zap.Int("days", tx.Days),
			zap.Stringer("amount", tx.Amount),
			zap.Stringer("paid", tx.PaidAmount),
			zap.Time("at", tx.Date.In(time.UTC)),
		)
	}
	s.logger.Info(msg, append(fields, extra...)...)
}

func (s *AccountService) reject(op string, manager generic.ManagerID, err error) error {
	return rejected(s.logger, op, manager, err)
}
