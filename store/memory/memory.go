// Package memory provides an in-memory dining.Store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/messhall/dining-engine/account"
	"github.com/messhall/dining-engine/calendar"
	"github.com/messhall/dining-engine/dining"
	"github.com/messhall/dining-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Store struct {
	mu       sync.Mutex
	months   map[generic.MonthID]*calendar.Month
	students map[studentKey]*account.Student

	// failures injected by tests, keyed by operation name
	failures map[string]error
}

type studentKey struct {
	MonthID generic.MonthID
	Code    string
}

var _ dining.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		months:   make(map[generic.MonthID]*calendar.Month),
		students: make(map[studentKey]*account.Student),
		failures: make(map[string]error),
	}
}

// FailOn makes the next call to op inside a unit of work return err.
// op is a Tx method name such as "UpdateMonth".
func (m *Store) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Units of work are serialized.
func (m *Store) WithTx(ctx context.Context, fn func(dining.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return &generic.PersistenceError{Op: "begin", Err: err, Retryable: true}
	}

	snap := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	months   map[generic.MonthID]*calendar.Month
	students map[studentKey]*account.Student
}

func (m *Store) snapshot() memorySnapshot {
	s := memorySnapshot{
		months:   make(map[generic.MonthID]*calendar.Month, len(m.months)),
		students: make(map[studentKey]*account.Student, len(m.students)),
	}
	for k, v := range m.months {
		s.months[k] = v.Clone()
	}
	for k, v := range m.students {
		s.students[k] = v.Clone()
	}
	return s
}

func (m *Store) restore(s memorySnapshot) {
	m.months = s.months
	m.students = s.students
}

func (m *Store) fail(op string) error {
	if err, ok := m.failures[op]; ok {
		delete(m.failures, op)
		return &generic.PersistenceError{Op: op, Err: err, Retryable: true}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// txView reads and writes the parent's maps directly; the parent holds the
// lock for the whole unit of work. Everything crossing the boundary is cloned.
type txView struct {
	parent *Store
}

func (tv *txView) ActiveMonth(_ context.Context, manager generic.ManagerID) (*calendar.Month, error) {
	if err := tv.parent.fail("ActiveMonth"); err != nil {
		return nil, err
	}
	for _, month := range tv.parent.months {
		if month.ManagerID == manager && month.IsActive {
			return month.Clone(), nil
		}
	}
	return nil, generic.ErrNoActiveMonth
}

func (tv *txView) DeactivateMonths(_ context.Context, manager generic.ManagerID) error {
	if err := tv.parent.fail("DeactivateMonths"); err != nil {
		return err
	}
	for _, month := range tv.parent.months {
		if month.ManagerID == manager {
			month.IsActive = false
		}
	}
	return nil
}

func (tv *txView) InsertMonth(_ context.Context, month *calendar.Month) error {
	if err := tv.parent.fail("InsertMonth"); err != nil {
		return err
	}
	if _, ok := tv.parent.months[month.ID]; ok {
		return &generic.ConflictError{Message: fmt.Sprintf("month %s already exists", month.ID)}
	}
	if month.IsActive {
		for _, other := range tv.parent.months {
			if other.ManagerID == month.ManagerID && other.IsActive {
				return &generic.ConflictError{Message: "manager already has an active dining month"}
			}
		}
	}
	tv.parent.months[month.ID] = month.Clone()
	return nil
}

func (tv *txView) UpdateMonth(_ context.Context, month *calendar.Month) error {
	if err := tv.parent.fail("UpdateMonth"); err != nil {
		return err
	}
	if _, ok := tv.parent.months[month.ID]; !ok {
		return &generic.NotFoundError{Resource: "dining month", Key: string(month.ID)}
	}
	tv.parent.months[month.ID] = month.Clone()
	return nil
}

func (tv *txView) FindStudent(_ context.Context, month generic.MonthID, code string) (*account.Student, error) {
	if err := tv.parent.fail("FindStudent"); err != nil {
		return nil, err
	}
	st, ok := tv.parent.students[studentKey{MonthID: month, Code: code}]
	if !ok {
		return nil, nil
	}
	return st.Clone(), nil
}

func (tv *txView) SaveStudent(_ context.Context, student *account.Student) error {
	if err := tv.parent.fail("SaveStudent"); err != nil {
		return err
	}
	k := studentKey{MonthID: student.MonthID, Code: student.Code}
	if prev, ok := tv.parent.students[k]; ok {
		if prev.ID != student.ID {
			return &generic.ConflictError{Message: fmt.Sprintf("student code %s already taken", student.Code)}
		}
		if len(student.Transactions) < len(prev.Transactions) {
			return generic.Persistence("SaveStudent", fmt.Errorf("ledger of %s would shrink", student.Code))
		}
		for i, tx := range prev.Transactions {
			if student.Transactions[i].ID != tx.ID {
				return generic.Persistence("SaveStudent", fmt.Errorf("ledger entry %s of %s rewritten", tx.ID, student.Code))
			}
		}
	}
	tv.parent.students[k] = student.Clone()
	return nil
}

func (tv *txView) ListStudents(_ context.Context, month generic.MonthID) ([]*account.Student, error) {
	if err := tv.parent.fail("ListStudents"); err != nil {
		return nil, err
	}
	var out []*account.Student
	for k, st := range tv.parent.students {
		if k.MonthID == month {
			out = append(out, st.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}
