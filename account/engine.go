/*
Package account holds the per-student money and quota rules of a dining month.

PURPOSE:
  Every money-moving action on a student appends exactly one transaction to
  the student's log. The due amount is never stored; it is replayed from the
  log (see generic/ledger.go).

OPERATIONS:
  AdjustDays         Buy days by slot identity. Returned days are blacklisted.
  ReturnToken        Give back days by date, subject to the return quota.
  PayFeastDue        One-time feast fee.
  PayDailyFeastQuota Surcharge for every day neither bought nor returned.
  ClearDue           Balancing entry that brings the due to exactly zero.
  CreateFeastToken   Feast subscription from a start day, paid in instalments
                     with PayFeastToken (see feast_token.go).

RETURN QUOTA (checked in this order):
  1. ReturnCount < MaxReturns
  2. batch size >= MinReturnBatch
  3. batch size <= MaxReturns - ReturnCount

ENROLLMENT:
  Slot.Students on the window is a back-reference. Every operation that moves
  days keeps it in step with Student.SelectedDays and returns the updated
  window alongside the student, so both are written in one unit of work.

EXAMPLE:
  Buy days 1-5, pay 400:          due 0
  Return 3 of them, refund 90:    returnCount 3, due -90
  Buy day 2 again:                ConflictError listing day 2's slot

SEE ALSO:
  - dining/account.go: Loads, runs and commits these operations atomically
*/
package account

import (
	"fmt"

	"github.com/messhall/dining-engine/calendar"
	"github.com/messhall/dining-engine/generic"
)

// Engine applies Policy to students. It never mutates its inputs.
type Engine struct {
	policy Policy
	clock  generic.Clock
}

func NewEngine(policy Policy, clock generic.Clock) *Engine {
	if clock == nil {
		clock = generic.SystemClock
	}
	return &Engine{policy: policy, clock: clock}
}

func (e *Engine) Policy() Policy { return e.policy }

// Outcome is the result of a successful operation.
type Outcome struct {
	Student     *Student
	Window      *calendar.Window // nil when enrollment did not change
	Transaction *generic.Transaction
}

// ReturnInfo reports the quota after a return.
type ReturnInfo struct {
	ReturnCount      int    `json:"returnCount"`
	RemainingReturns int    `json:"remainingReturns"`
	MaxReturns       int    `json:"maxReturns"`
	Notice           string `json:"notice"`
}

// =============================================================================
// PURCHASE
// =============================================================================

// AdjustDays adds the given slots to the student's selection. Already
// selected slots are a no-op; only net new days are charged.
func (e *Engine) AdjustDays(s *Student, w *calendar.Window, dayIDs []generic.DayID, paid generic.Amount) (*Outcome, error) {
	if len(dayIDs) == 0 {
		return nil, &generic.ValidationError{Field: "dayIds", Message: "at least one day is required"}
	}
	if paid.IsNegative() {
		return nil, &generic.ValidationError{Field: "paidAmount", Value: paid.String(), Message: "must not be negative"}
	}
	for _, id := range dayIDs {
		if _, ok := w.SlotByID(id); !ok {
			return nil, &generic.ValidationError{Field: "dayIds", Value: string(id), Message: "is not a dining day of the current month"}
		}
	}

	var restricted []generic.DayID
	for _, id := range dayIDs {
		if s.HasReturned(id) && !containsDay(restricted, id) {
			restricted = append(restricted, id)
		}
	}
	if len(restricted) > 0 {
		return nil, &generic.ConflictError{Message: "cannot re-purchase days that have been returned", Restricted: restricted}
	}

	out := s.Clone()
	win := w.Clone()
	var added []generic.DayID
	for _, id := range dayIDs {
		if out.HasSelected(id) || containsDay(added, id) {
			continue
		}
		added = append(added, id)
	}
	out.SelectedDays = append(out.SelectedDays, added...)
	enroll(win, out.ID, added)

	now := e.clock()
	out.UpdatedAt = now.UTC()
	if len(added) == 0 && paid.IsZero() {
		return &Outcome{Student: out}, nil
	}

	tx := generic.Transaction{
		ID:         generic.NewTransactionID(),
		Date:       now.UTC(),
		Days:       len(added),
		Amount:     e.policy.RatePerDay.MulInt(len(added)),
		PaidAmount: paid,
		Type:       generic.TxPayment,
	}
	out.Transactions = out.Transactions.Append(tx)
	return &Outcome{Student: out, Window: win, Transaction: &tx}, nil
}

// =============================================================================
// RETURN
// =============================================================================

// ReturnToken moves the slots currently holding dates from the selection to
// the blacklist. refund overrides the default rate when non-nil.
func (e *Engine) ReturnToken(s *Student, w *calendar.Window, dates []generic.Date, refund *generic.Amount) (*Outcome, ReturnInfo, error) {
	if len(dates) == 0 {
		return nil, ReturnInfo{}, &generic.ValidationError{Field: "dates", Message: "at least one date is required"}
	}
	seen := generic.NewDateSet()
	for _, d := range dates {
		if seen.Has(d) {
			return nil, ReturnInfo{}, &generic.ValidationError{Field: "dates", Value: d.String(), Message: "appears more than once"}
		}
		seen.Add(d)
	}
	if refund != nil && refund.IsNegative() {
		return nil, ReturnInfo{}, &generic.ValidationError{Field: "refundedAmount", Value: refund.String(), Message: "must not be negative"}
	}

	if err := e.checkQuota(s, len(dates)); err != nil {
		return nil, ReturnInfo{}, err
	}

	ids := make([]generic.DayID, 0, len(dates))
	for _, d := range dates {
		slot, ok := w.SlotByDate(d)
		if !ok || !s.HasSelected(slot.ID) {
			return nil, ReturnInfo{}, &generic.ValidationError{Field: "dates", Value: d.String(), Message: "is not a day the student holds"}
		}
		ids = append(ids, slot.ID)
	}

	out := s.Clone()
	win := w.Clone()
	kept := out.SelectedDays[:0]
	for _, id := range out.SelectedDays {
		if !containsDay(ids, id) {
			kept = append(kept, id)
		}
	}
	out.SelectedDays = kept
	out.ReturnedDays = append(out.ReturnedDays, ids...)
	out.ReturnCount += len(ids)
	unenroll(win, out.ID, ids)

	amount := e.policy.RefundRatePerDay.MulInt(len(ids))
	if refund != nil {
		amount = *refund
	}
	now := e.clock()
	tx := generic.Transaction{
		ID:         generic.NewTransactionID(),
		Date:       now.UTC(),
		Days:       -len(ids),
		Amount:     amount.Neg(),
		PaidAmount: generic.ZeroAmount(),
		Type:       generic.TxRefund,
	}
	out.Transactions = out.Transactions.Append(tx)
	out.UpdatedAt = now.UTC()

	return &Outcome{Student: out, Window: win, Transaction: &tx}, e.Quota(out), nil
}

func (e *Engine) checkQuota(s *Student, requested int) error {
	q := &generic.QuotaExceededError{
		ReturnCount:      s.ReturnCount,
		RemainingReturns: e.remaining(s),
		MaxReturns:       e.policy.MaxReturns,
		MinReturnDays:    e.policy.MinReturnBatch,
		Requested:        requested,
	}
	switch {
	case s.ReturnCount >= e.policy.MaxReturns:
		q.Reason = generic.QuotaLimitReached
	case requested < e.policy.MinReturnBatch:
		q.Reason = generic.QuotaBelowMinimum
	case requested > q.RemainingReturns:
		q.Reason = generic.QuotaOverRemaining
	default:
		return nil
	}
	return q
}

func (e *Engine) remaining(s *Student) int {
	r := e.policy.MaxReturns - s.ReturnCount
	if r < 0 {
		return 0
	}
	return r
}

// Quota reports the student's return allowance.
func (e *Engine) Quota(s *Student) ReturnInfo {
	info := ReturnInfo{
		ReturnCount:      s.ReturnCount,
		RemainingReturns: e.remaining(s),
		MaxReturns:       e.policy.MaxReturns,
	}
	if info.RemainingReturns > 0 {
		info.Notice = fmt.Sprintf("Token returned successfully. %d return(s) remaining out of %d.", info.RemainingReturns, info.MaxReturns)
	} else {
		info.Notice = fmt.Sprintf("Token returned successfully. Student has reached maximum return limit (%d returns).", info.MaxReturns)
	}
	return info
}

// =============================================================================
// ONE-TIME FEES
// =============================================================================

// PayFeastDue posts the feast fee. A second call is a ConflictError.
func (e *Engine) PayFeastDue(s *Student) (*Outcome, error) {
	if s.FeastPaid {
		return nil, &generic.ConflictError{Message: "feast fee already posted"}
	}
	if s.FeastTokenStartDay != 0 {
		return nil, &generic.ConflictError{Message: "feast token already covers the feast fee"}
	}
	out := s.Clone()
	out.FeastPaid = true
	tx := e.post(out, generic.TxFeast, e.policy.FeastFee)
	return &Outcome{Student: out, Transaction: &tx}, nil
}

// DailyFeastQuotaFee is max(0, DayCount - (selected + returned)) * DailyQuotaRate.
func (e *Engine) DailyFeastQuotaFee(s *Student) generic.Amount {
	open := e.policy.DayCount - (len(s.SelectedDays) + len(s.ReturnedDays))
	if open < 0 {
		open = 0
	}
	return e.policy.DailyQuotaRate.MulInt(open)
}

// PayDailyFeastQuota posts the surcharge for unbought days. A second call is
// a ConflictError.
func (e *Engine) PayDailyFeastQuota(s *Student) (*Outcome, error) {
	if s.DailyFeastQuotaPaid {
		return nil, &generic.ConflictError{Message: "daily feast quota already posted"}
	}
	if s.FeastTokenStartDay != 0 {
		return nil, &generic.ConflictError{Message: "feast token already covers the daily quota"}
	}
	out := s.Clone()
	out.DailyFeastQuotaPaid = true
	tx := e.post(out, generic.TxDailyFeastQuota, e.DailyFeastQuotaFee(s))
	return &Outcome{Student: out, Transaction: &tx}, nil
}

// post appends a fee that is charged and settled in the same entry.
func (e *Engine) post(s *Student, typ generic.TransactionType, fee generic.Amount) generic.Transaction {
	now := e.clock()
	tx := generic.Transaction{
		ID:         generic.NewTransactionID(),
		Date:       now.UTC(),
		Amount:     fee,
		PaidAmount: fee,
		Type:       typ,
	}
	s.Transactions = s.Transactions.Append(tx)
	s.UpdatedAt = now.UTC()
	return tx
}

// =============================================================================
// CLEAR DUE
// =============================================================================

// ClearDue appends a settlement entry with paidAmount equal to the current
// due, so the replayed due is exactly zero afterwards.
func (e *Engine) ClearDue(s *Student) (*Outcome, error) {
	due := s.Due()
	if due.IsZero() {
		return nil, &generic.ValidationError{Field: "dueAmount", Value: due.String(), Message: "nothing to clear"}
	}
	typ := generic.TxPayment
	if due.IsNegative() {
		typ = generic.TxRefund
	}

	out := s.Clone()
	now := e.clock()
	tx := generic.Transaction{
		ID:         generic.NewTransactionID(),
		Date:       now.UTC(),
		Amount:     generic.ZeroAmount(),
		PaidAmount: due,
		Type:       typ,
		Note:       "due cleared",
	}
	out.Transactions = out.Transactions.Append(tx)
	out.UpdatedAt = now.UTC()
	return &Outcome{Student: out, Transaction: &tx}, nil
}

// =============================================================================
// ENROLLMENT
// =============================================================================

func enroll(w *calendar.Window, student generic.StudentID, ids []generic.DayID) {
	for i := range w.Slots {
		if containsDay(ids, w.Slots[i].ID) && !w.Slots[i].HasStudent(student) {
			w.Slots[i].Students = append(w.Slots[i].Students, student)
		}
	}
}

func unenroll(w *calendar.Window, student generic.StudentID, ids []generic.DayID) {
	for i := range w.Slots {
		if !containsDay(ids, w.Slots[i].ID) {
			continue
		}
		kept := w.Slots[i].Students[:0]
		for _, sid := range w.Slots[i].Students {
			if sid != student {
				kept = append(kept, sid)
			}
		}
		w.Slots[i].Students = kept
	}
}
