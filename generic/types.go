/*
Package generic provides the primitives shared by the dining engine.

PURPOSE:
  Nothing in this package knows about hostels, break days or return quotas.
  It holds the building blocks the domain packages are written in:
  calendar days, money, identifiers, the append-only transaction log and
  the error taxonomy.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A money value (decimal, never float)
  - Identifiers: Type-safe IDs for managers, months, day slots, students
  - Transaction: An immutable ledger entry with signed amount and paid amount

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified, only balanced by new ones
  2. Precision: decimal.Decimal for every amount
  3. Type Safety: A DayID can't be passed where a StudentID is expected

SEE ALSO:
  - ledger.go: Derived totals and due amount
  - time.go: Date, the UTC calendar day
  - errors.go: Error kinds surfaced at the service boundary
*/
package generic

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Money in the mess's single currency
// =============================================================================

// Amount is a signed money value. There is one currency, so no unit is carried.
type Amount struct {
	Value decimal.Decimal
}

func NewAmount(value float64) Amount    { return Amount{Value: decimal.NewFromFloat(value)} }
func NewAmountFromInt(value int) Amount { return Amount{Value: decimal.NewFromInt(int64(value))} }
func ZeroAmount() Amount                { return Amount{Value: decimal.Zero} }

// ParseAmount reads a decimal string as stored by the persistence adapters.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, err
	}
	return Amount{Value: d}, nil
}

func (a Amount) Add(b Amount) Amount       { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount       { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) MulInt(n int) Amount       { return Amount{Value: a.Value.Mul(decimal.NewFromInt(int64(n)))} }
func (a Amount) Neg() Amount               { return Amount{Value: a.Value.Neg()} }
func (a Amount) IsNegative() bool          { return a.Value.IsNegative() }
func (a Amount) IsZero() bool              { return a.Value.IsZero() }
func (a Amount) IsPositive() bool          { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool       { return a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool { return a.Value.GreaterThan(b.Value) }
func (a Amount) Float64() float64          { return a.Value.InexactFloat64() }
func (a Amount) String() string            { return a.Value.String() }


// =============================================================================
// IDENTIFIERS
// =============================================================================

type ManagerID string
type MonthID string
type DayID string
type StudentID string
type TransactionID string

// NewID returns a fresh random identifier.
func NewID() string { return uuid.NewString() }

func NewMonthID() MonthID             { return MonthID(NewID()) }
func NewDayID() DayID                 { return DayID(NewID()) }
func NewStudentID() StudentID         { return StudentID(NewID()) }
func NewTransactionID() TransactionID { return TransactionID(NewID()) }

// =============================================================================
// TRANSACTION - Immutable money movement on a student's account
// =============================================================================

type TransactionType string

const (
	TxPayment         TransactionType = "Payment"           // Day purchase, or a due settlement
	TxRefund          TransactionType = "Refund"            // Returned days, or a refund settlement
	TxFeast           TransactionType = "Feast"             // One-time feast fee
	TxDailyFeastQuota TransactionType = "Daily Feast Quota" // Per-unbought-day feast surcharge

	TxFeastToken        TransactionType = "Feast Token"         // Feast subscription charge, paid in instalments
	TxFeastTokenPayment TransactionType = "Feast Token Payment" // Instalment against the feast token
)

// Transaction is one entry in a student's append-only log.
//
// Days is signed: positive for purchased days, negative for returned ones.
// Amount is what the entry charges (negative for refunds); PaidAmount is what
// changed hands when it was posted.
type Transaction struct {
	ID         TransactionID
	Date       time.Time
	Days       int
	Amount     Amount
	PaidAmount Amount
	Type       TransactionType
	Note       string
}
