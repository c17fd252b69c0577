package account

import (
	"fmt"
	"strconv"
	"time"

	"github.com/messhall/dining-engine/generic"
)

// =============================================================================
// FEAST TOKEN - Feast subscription paid in instalments
// =============================================================================

// FeastToken is the state of a student's feast subscription, replayed from
// the log: the Feast Token entry is the charge, Feast Token Payment entries
// are the instalments.
type FeastToken struct {
	ID            generic.TransactionID
	StartDay      int
	EndDay        int
	RemainingDays int
	TotalCost     generic.Amount
	PaidAmount    generic.Amount
	DueAmount     generic.Amount
	IsPaid        bool
	CreatedAt     time.Time
}

// FeastTokenCost is (DayCount + 1 - startDay) * DailyQuotaRate + FeastFee.
func (e *Engine) FeastTokenCost(startDay int) generic.Amount {
	return e.policy.DailyQuotaRate.MulInt(e.policy.DayCount + 1 - startDay).Add(e.policy.FeastFee)
}

// CreateFeastToken charges the subscription from startDay to the last day of
// the cycle. The token replaces the separate feast fee and daily quota, so
// it is refused once either was posted.
func (e *Engine) CreateFeastToken(s *Student, startDay int) (*Outcome, error) {
	if startDay < 1 || startDay > e.policy.DayCount {
		return nil, &generic.ValidationError{
			Field:   "startDay",
			Value:   strconv.Itoa(startDay),
			Message: fmt.Sprintf("must be between 1 and %d", e.policy.DayCount),
		}
	}
	if s.FeastTokenStartDay != 0 {
		return nil, &generic.ConflictError{Message: "feast token already created"}
	}
	if s.FeastPaid || s.DailyFeastQuotaPaid {
		return nil, &generic.ConflictError{Message: "feast fee or daily quota already posted"}
	}

	out := s.Clone()
	now := e.clock().UTC()
	tx := generic.Transaction{
		ID:         generic.NewTransactionID(),
		Date:       now,
		Amount:     e.FeastTokenCost(startDay),
		PaidAmount: generic.ZeroAmount(),
		Type:       generic.TxFeastToken,
		Note:       fmt.Sprintf("feast token from day %d", startDay),
	}
	out.Transactions = out.Transactions.Append(tx)
	out.FeastTokenStartDay = startDay
	out.UpdatedAt = now
	return &Outcome{Student: out, Transaction: &tx}, nil
}

// PayFeastToken records an instalment. It must be positive and no larger
// than what the token still owes.
func (e *Engine) PayFeastToken(s *Student, amount generic.Amount) (*Outcome, error) {
	token, ok := e.FeastTokenOf(s)
	if !ok {
		return nil, &generic.NotFoundError{Resource: "feast token", Key: s.Code}
	}
	if !amount.IsPositive() {
		return nil, &generic.ValidationError{Field: "paidAmount", Value: amount.String(), Message: "must be positive"}
	}
	if amount.GreaterThan(token.DueAmount) {
		return nil, &generic.ValidationError{
			Field:   "paidAmount",
			Value:   amount.String(),
			Message: fmt.Sprintf("exceeds the token's due amount %s", token.DueAmount),
		}
	}

	out := s.Clone()
	now := e.clock().UTC()
	tx := generic.Transaction{
		ID:         generic.NewTransactionID(),
		Date:       now,
		Amount:     generic.ZeroAmount(),
		PaidAmount: amount,
		Type:       generic.TxFeastTokenPayment,
		Note:       "feast token payment",
	}
	out.Transactions = out.Transactions.Append(tx)
	out.UpdatedAt = now
	return &Outcome{Student: out, Transaction: &tx}, nil
}

// FeastTokenOf replays the student's token. ok is false when there is none.
func (e *Engine) FeastTokenOf(s *Student) (token FeastToken, ok bool) {
	if s.FeastTokenStartDay == 0 {
		return FeastToken{}, false
	}
	token = FeastToken{
		StartDay:      s.FeastTokenStartDay,
		EndDay:        e.policy.DayCount,
		RemainingDays: e.policy.DayCount + 1 - s.FeastTokenStartDay,
		TotalCost:     generic.ZeroAmount(),
		PaidAmount:    generic.ZeroAmount(),
	}
	for _, tx := range s.Transactions {
		switch tx.Type {
		case generic.TxFeastToken:
			token.ID = tx.ID
			token.TotalCost = tx.Amount
			token.CreatedAt = tx.Date
		case generic.TxFeastTokenPayment:
			token.PaidAmount = token.PaidAmount.Add(tx.PaidAmount)
		}
	}
	token.DueAmount = token.TotalCost.Sub(token.PaidAmount)
	token.IsPaid = !token.DueAmount.IsPositive()
	return token, true
}
