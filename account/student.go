package account

import (
	"time"

	"github.com/messhall/dining-engine/generic"
)

// =============================================================================
// POLICY - Tariff card for one mess
// =============================================================================

// Policy holds the rates and quota limits the engine enforces.
type Policy struct {
	RatePerDay       generic.Amount // charged per purchased day
	RefundRatePerDay generic.Amount // default refund per returned day
	FeastFee         generic.Amount // one-time feast fee
	DailyQuotaRate   generic.Amount // per day not bought or returned
	MaxReturns       int            // cumulative days a student may return per cycle
	MinReturnBatch   int            // smallest batch accepted by a single return
	DayCount         int            // billable days per cycle
}

// DefaultPolicy is the standard tariff: 80/day, 35/day back on returns,
// feast 100, quota 10/day, at most 10 returned days in batches of 3 or more.
func DefaultPolicy() Policy {
	return Policy{
		RatePerDay:       generic.NewAmountFromInt(80),
		RefundRatePerDay: generic.NewAmountFromInt(35),
		FeastFee:         generic.NewAmountFromInt(100),
		DailyQuotaRate:   generic.NewAmountFromInt(10),
		MaxReturns:       10,
		MinReturnBatch:   3,
		DayCount:         30,
	}
}

// =============================================================================
// STUDENT
// =============================================================================

// Student is one boarder's account within a (manager, month) scope.
//
// SelectedDays and ReturnedDays hold slot identities and never intersect.
// ReturnCount only grows.
type Student struct {
	ID        generic.StudentID
	ManagerID generic.ManagerID
	MonthID   generic.MonthID
	Code      string // human student code, unique within the scope
	Name      string
	Phone     string
	RoomNo    string

	SelectedDays []generic.DayID
	ReturnedDays []generic.DayID
	ReturnCount  int

	Transactions        generic.Ledger
	FeastPaid           bool
	DailyFeastQuotaPaid bool
	FeastTokenStartDay  int // 0 when the student holds no feast token

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Info is the optional contact data sent with a purchase.
type Info struct {
	Name   string
	Phone  string
	RoomNo string
}

// NewStudent opens an account with no days and an empty log.
func NewStudent(manager generic.ManagerID, month generic.MonthID, code string, info Info, now time.Time) *Student {
	return &Student{
		ID:        generic.NewStudentID(),
		ManagerID: manager,
		MonthID:   month,
		Code:      code,
		Name:      info.Name,
		Phone:     info.Phone,
		RoomNo:    info.RoomNo,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

// ApplyInfo overwrites contact fields that are non-empty in info.
func (s *Student) ApplyInfo(info Info) {
	if info.Name != "" {
		s.Name = info.Name
	}
	if info.Phone != "" {
		s.Phone = info.Phone
	}
	if info.RoomNo != "" {
		s.RoomNo = info.RoomNo
	}
}

func (s *Student) Clone() *Student {
	c := *s
	c.SelectedDays = append([]generic.DayID(nil), s.SelectedDays...)
	c.ReturnedDays = append([]generic.DayID(nil), s.ReturnedDays...)
	c.Transactions = append(generic.Ledger(nil), s.Transactions...)
	return &c
}

func (s *Student) HasSelected(id generic.DayID) bool { return containsDay(s.SelectedDays, id) }
func (s *Student) HasReturned(id generic.DayID) bool { return containsDay(s.ReturnedDays, id) }

// Totals replays the transaction log.
func (s *Student) Totals() generic.Totals { return s.Transactions.Totals() }

// Due is the derived balance. Positive: the student owes. Negative: the mess owes.
func (s *Student) Due() generic.Amount { return s.Transactions.Due() }

func containsDay(ids []generic.DayID, id generic.DayID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
