/*
ledger.go - Append-only transaction log

PURPOSE:
  The Ledger is the single source of truth for a student's money. Purchases,
  refunds, fees and settlements are all recorded here. The due amount is
  always computed by summing transactions - there's no separate "due" field
  that can get out of sync.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IMMUTABLE: Once written, transactions cannot be modified
  3. DERIVED DUE: Due = sum(Amount) - sum(PaidAmount), over the full log

CORRECTIONS:
  A wrong balance is never edited. A balancing entry is appended instead
  (see account.Engine.ClearDue), and both entries stay in the history.

EXAMPLE FLOW:
  1. Buy 5 days, pay 400:          Payment  amount +400 paid +400
  2. Return 3 days, refund 90:     Refund   amount  -90 paid    0
  3. Hand the 90 back:             Refund   amount    0 paid  -90

  Due after 2: 310 - 400 = -90 (mess owes the student)
  Due after 3: 310 - 310 = 0
*/
package generic

// Ledger is an ordered, append-only list of transactions.
type Ledger []Transaction

// Append returns the ledger with tx added at the end. The receiver's backing
// array is never written through, so earlier copies keep their contents.
func (l Ledger) Append(tx Transaction) Ledger {
	out := make(Ledger, len(l), len(l)+1)
	copy(out, l)
	return append(out, tx)
}

// Totals are the derived sums over a ledger.
type Totals struct {
	// TotalDays is the sum of |days| over every entry, purchases and returns alike
	TotalDays   int
	TotalAmount Amount
	TotalPaid   Amount
}

// Due is TotalAmount - TotalPaid. Negative means money is owed to the student.
func (t Totals) Due() Amount {
	return t.TotalAmount.Sub(t.TotalPaid)
}

// Totals replays the whole log.
func (l Ledger) Totals() Totals {
	totals := Totals{TotalAmount: ZeroAmount(), TotalPaid: ZeroAmount()}
	for _, tx := range l {
		days := tx.Days
		if days < 0 {
			days = -days
		}
		totals.TotalDays += days
		totals.TotalAmount = totals.TotalAmount.Add(tx.Amount)
		totals.TotalPaid = totals.TotalPaid.Add(tx.PaidAmount)
	}
	return totals
}

// Due is shorthand for Totals().Due().
func (l Ledger) Due() Amount {
	return l.Totals().Due()
}

