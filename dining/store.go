/*
store.go - Persistence port for dining months and student accounts

PURPOSE:
  Defines the interface between the services and the database. Every
  service call runs inside exactly one unit of work: it is committed once
  or rolled back once, and never left open across calls.

KEY INTERFACES:
  Store: Opens units of work
  Tx:    The reads and writes available inside one unit of work

ATOMICITY:
  A reschedule rewrites the month and all 30 slots. A purchase rewrites the
  student and the slot enrollments. Either everything in the unit is
  written or nothing is; a half-renumbered month is never observable.

APPEND-ONLY CONTRACT:
  SaveStudent upserts the student's scalar fields but only ever inserts the
  transactions it has not seen before. Adapters must never rewrite or drop
  an existing ledger entry.

FAILURES:
  Adapters report driver failures as *generic.PersistenceError. A unit of
  work that aborts on a timeout or a write conflict is marked Retryable.
  Nothing is retried internally.

IMPLEMENTATIONS:
  - store/memory:  Snapshot/restore, for tests and development
  - store/sqlite:  database/sql transaction
  - store/mongo:   Session transaction across collections

SEE ALSO:
  - month.go, account.go: The services that use this port
*/
package dining

import (
	"context"

	"github.com/messhall/dining-engine/account"
	"github.com/messhall/dining-engine/calendar"
	"github.com/messhall/dining-engine/generic"
)

// Store opens units of work.
type Store interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the view of the store inside one unit of work.
type Tx interface {
	// ActiveMonth returns the manager's active month with its 30 slots, or
	// generic.ErrNoActiveMonth.
	ActiveMonth(ctx context.Context, manager generic.ManagerID) (*calendar.Month, error)

	// DeactivateMonths clears the active flag on every month of the manager.
	DeactivateMonths(ctx context.Context, manager generic.ManagerID) error

	// InsertMonth stores a new month and its slots. A second active month for
	// the same manager is a *generic.ConflictError.
	InsertMonth(ctx context.Context, month *calendar.Month) error

	// UpdateMonth rewrites the month's window: dates, breaks and every slot.
	UpdateMonth(ctx context.Context, month *calendar.Month) error

	// FindStudent returns nil, nil when no student has code in the month.
	FindStudent(ctx context.Context, month generic.MonthID, code string) (*account.Student, error)

	// SaveStudent inserts or updates the student and appends new transactions.
	SaveStudent(ctx context.Context, student *account.Student) error

	// ListStudents returns the month's students ordered by code.
	ListStudents(ctx context.Context, month generic.MonthID) ([]*account.Student, error)
}
