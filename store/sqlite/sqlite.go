/*
Package sqlite provides a SQLite-backed implementation of dining.Store.

PURPOSE:
  Durable single-node storage for dining months, their slots and break days,
  students and their transaction logs. Every unit of work is one sql.Tx.

KEY TABLES:
  months:        One row per cycle. is_active flags the manager's current one
  dining_days:   The 30 slot identities of a month with their current payload
  break_days:    Break dates of a month with their reason
  students:      Accounts, scoped to a month by (month_id, code)
  transactions:  Append-only ledger entries, ordered by (student_id, seq)

INDEXES:
  - idx_months_one_active: partial UNIQUE on manager_id WHERE is_active = 1.
    A second active month for a manager cannot be committed, however the
    writes race.
  - idx_students_code: UNIQUE (month_id, code)
  - idx_transactions_seq: UNIQUE (student_id, seq), the log order

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on transactions
  - No DELETE statements on transactions
  - SaveStudent inserts only entries beyond the stored sequence

CONCURRENCY:
  Uses sync.RWMutex for thread-safety on top of SQLite's own locking.
  SQLITE_BUSY / SQLITE_LOCKED surface as retryable persistence errors.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/dining.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - dining/store.go: Interface definitions
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/messhall/dining-engine/account"
	"github.com/messhall/dining-engine/calendar"
	"github.com/messhall/dining-engine/dining"
	"github.com/messhall/dining-engine/generic"
)

// Store implements dining.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ dining.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// each connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS months (
		id TEXT PRIMARY KEY,
		manager_id TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		day_count INTEGER NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	-- One active month per manager
	CREATE UNIQUE INDEX IF NOT EXISTS idx_months_one_active
		ON months(manager_id) WHERE is_active = 1;

	CREATE TABLE IF NOT EXISTS dining_days (
		id TEXT PRIMARY KEY,
		month_id TEXT NOT NULL REFERENCES months(id),
		day_number INTEGER NOT NULL,
		date TEXT NOT NULL,
		is_past INTEGER NOT NULL DEFAULT 0,
		students_json TEXT NOT NULL DEFAULT '[]',
		UNIQUE(month_id, day_number)
	);

	CREATE INDEX IF NOT EXISTS idx_dining_days_month_date
		ON dining_days(month_id, date);

	CREATE TABLE IF NOT EXISTS break_days (
		month_id TEXT NOT NULL REFERENCES months(id),
		date TEXT NOT NULL,
		reason TEXT NOT NULL,
		PRIMARY KEY (month_id, date)
	);

	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		manager_id TEXT NOT NULL,
		month_id TEXT NOT NULL REFERENCES months(id),
		code TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		room_no TEXT NOT NULL DEFAULT '',
		selected_json TEXT NOT NULL DEFAULT '[]',
		returned_json TEXT NOT NULL DEFAULT '[]',
		return_count INTEGER NOT NULL DEFAULT 0,
		feast_paid INTEGER NOT NULL DEFAULT 0,
		daily_quota_paid INTEGER NOT NULL DEFAULT 0,
		feast_token_start_day INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_students_code
		ON students(month_id, code);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES students(id),
		seq INTEGER NOT NULL,
		date TEXT NOT NULL,
		days INTEGER NOT NULL,
		amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT ''
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_seq
		ON transactions(student_id, seq);
	CREATE INDEX IF NOT EXISTS idx_transactions_date
		ON transactions(date);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// databases created before feast tokens lack the column
	var has int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info('students') WHERE name = 'feast_token_start_day'`).Scan(&has); err != nil {
		return err
	}
	if has == 0 {
		_, err := s.db.Exec(`ALTER TABLE students ADD COLUMN feast_token_start_day INTEGER NOT NULL DEFAULT 0`)
		return err
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (dining.Store interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(dining.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

// =============================================================================
// MONTHS
// =============================================================================

func (ts *txStore) ActiveMonth(ctx context.Context, manager generic.ManagerID) (*calendar.Month, error) {
	var (
		m          calendar.Month
		start, end string
		createdAt  string
		isActive   bool
	)
	err := ts.tx.QueryRowContext(ctx, `
		SELECT id, manager_id, start_date, end_date, day_count, is_active, created_at
		FROM months
		WHERE manager_id = ? AND is_active = 1
	`, manager).Scan(&m.ID, &m.ManagerID, &start, &end, &m.DayCount, &isActive, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.ErrNoActiveMonth
	}
	if err != nil {
		return nil, classify("load month", err)
	}
	m.IsActive = isActive
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	w := &calendar.Window{}
	if w.Start, err = generic.ParseDate(start); err != nil {
		return nil, classify("load month", err)
	}
	if w.End, err = generic.ParseDate(end); err != nil {
		return nil, classify("load month", err)
	}
	if w.Slots, err = ts.loadSlots(ctx, m.ID); err != nil {
		return nil, err
	}
	if w.Breaks, err = ts.loadBreaks(ctx, m.ID); err != nil {
		return nil, err
	}
	m.Window = w
	return &m, nil
}

func (ts *txStore) loadSlots(ctx context.Context, month generic.MonthID) ([]calendar.Slot, error) {
	rows, err := ts.tx.QueryContext(ctx, `
		SELECT id, day_number, date, is_past, students_json
		FROM dining_days
		WHERE month_id = ?
		ORDER BY day_number ASC
	`, month)
	if err != nil {
		return nil, classify("load dining days", err)
	}
	defer rows.Close()

	var slots []calendar.Slot
	for rows.Next() {
		var (
			slot         calendar.Slot
			date         string
			studentsJSON string
		)
		if err := rows.Scan(&slot.ID, &slot.DayNumber, &date, &slot.IsPast, &studentsJSON); err != nil {
			return nil, classify("scan dining day", err)
		}
		if slot.Date, err = generic.ParseDate(date); err != nil {
			return nil, classify("scan dining day", err)
		}
		if err := json.Unmarshal([]byte(studentsJSON), &slot.Students); err != nil {
			return nil, classify("scan dining day", err)
		}
		slots = append(slots, slot)
	}
	return slots, classify("load dining days", rows.Err())
}

func (ts *txStore) loadBreaks(ctx context.Context, month generic.MonthID) ([]calendar.BreakDay, error) {
	rows, err := ts.tx.QueryContext(ctx, `
		SELECT date, reason FROM break_days WHERE month_id = ? ORDER BY date ASC
	`, month)
	if err != nil {
		return nil, classify("load break days", err)
	}
	defer rows.Close()

	var breaks []calendar.BreakDay
	for rows.Next() {
		var (
			b    calendar.BreakDay
			date string
		)
		if err := rows.Scan(&date, &b.Reason); err != nil {
			return nil, classify("scan break day", err)
		}
		if b.Date, err = generic.ParseDate(date); err != nil {
			return nil, classify("scan break day", err)
		}
		breaks = append(breaks, b)
	}
	return breaks, classify("load break days", rows.Err())
}

func (ts *txStore) DeactivateMonths(ctx context.Context, manager generic.ManagerID) error {
	_, err := ts.tx.ExecContext(ctx, `UPDATE months SET is_active = 0 WHERE manager_id = ? AND is_active = 1`, manager)
	return classify("deactivate months", err)
}

func (ts *txStore) InsertMonth(ctx context.Context, m *calendar.Month) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO months (id, manager_id, start_date, end_date, day_count, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ManagerID, m.Window.Start.String(), m.Window.End.String(), m.DayCount, m.IsActive,
		m.CreatedAt.UTC().Format(time.RFC3339Nano))
	if isUniqueConstraintError(err) {
		return &generic.ConflictError{Message: "manager already has an active dining month"}
	}
	if err != nil {
		return classify("insert month", err)
	}

	for _, slot := range m.Window.Slots {
		studentsJSON, err := marshalIDs(slot.Students)
		if err != nil {
			return classify("insert dining day", err)
		}
		if _, err := ts.tx.ExecContext(ctx, `
			INSERT INTO dining_days (id, month_id, day_number, date, is_past, students_json)
			VALUES (?, ?, ?, ?, ?, ?)
		`, slot.ID, m.ID, slot.DayNumber, slot.Date.String(), slot.IsPast, studentsJSON); err != nil {
			return classify("insert dining day", err)
		}
	}
	return ts.writeBreaks(ctx, m)
}

func (ts *txStore) UpdateMonth(ctx context.Context, m *calendar.Month) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE months SET start_date = ?, end_date = ?, is_active = ? WHERE id = ?
	`, m.Window.Start.String(), m.Window.End.String(), m.IsActive, m.ID)
	if err != nil {
		return classify("update month", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &generic.NotFoundError{Resource: "dining month", Key: string(m.ID)}
	}

	for _, slot := range m.Window.Slots {
		studentsJSON, err := marshalIDs(slot.Students)
		if err != nil {
			return classify("update dining day", err)
		}
		if _, err := ts.tx.ExecContext(ctx, `
			UPDATE dining_days SET day_number = ?, date = ?, is_past = ?, students_json = ?
			WHERE id = ? AND month_id = ?
		`, slot.DayNumber, slot.Date.String(), slot.IsPast, studentsJSON, slot.ID, m.ID); err != nil {
			return classify("update dining day", err)
		}
	}

	if _, err := ts.tx.ExecContext(ctx, `DELETE FROM break_days WHERE month_id = ?`, m.ID); err != nil {
		return classify("update break days", err)
	}
	return ts.writeBreaks(ctx, m)
}

func (ts *txStore) writeBreaks(ctx context.Context, m *calendar.Month) error {
	for _, b := range m.Window.Breaks {
		if _, err := ts.tx.ExecContext(ctx, `
			INSERT INTO break_days (month_id, date, reason) VALUES (?, ?, ?)
		`, m.ID, b.Date.String(), b.Reason); err != nil {
			return classify("insert break day", err)
		}
	}
	return nil
}

// =============================================================================
// STUDENTS
// =============================================================================

const studentColumns = `
	id, manager_id, month_id, code, name, phone, room_no, selected_json, returned_json,
	return_count, feast_paid, daily_quota_paid, feast_token_start_day, created_at, updated_at
`

func (ts *txStore) FindStudent(ctx context.Context, month generic.MonthID, code string) (*account.Student, error) {
	rows, err := ts.tx.QueryContext(ctx,
		`SELECT `+studentColumns+` FROM students WHERE month_id = ? AND code = ?`, month, code)
	if err != nil {
		return nil, classify("find student", err)
	}
	students, err := ts.scanStudents(rows)
	if err != nil {
		return nil, err
	}
	if len(students) == 0 {
		return nil, nil
	}
	st := students[0]
	if st.Transactions, err = ts.loadTransactions(ctx, st.ID); err != nil {
		return nil, err
	}
	return st, nil
}

func (ts *txStore) ListStudents(ctx context.Context, month generic.MonthID) ([]*account.Student, error) {
	rows, err := ts.tx.QueryContext(ctx,
		`SELECT `+studentColumns+` FROM students WHERE month_id = ? ORDER BY code ASC`, month)
	if err != nil {
		return nil, classify("list students", err)
	}
	students, err := ts.scanStudents(rows)
	if err != nil {
		return nil, err
	}
	for _, st := range students {
		if st.Transactions, err = ts.loadTransactions(ctx, st.ID); err != nil {
			return nil, err
		}
	}
	return students, nil
}

func (ts *txStore) scanStudents(rows *sql.Rows) ([]*account.Student, error) {
	defer rows.Close()

	var students []*account.Student
	for rows.Next() {
		var (
			st                   account.Student
			selected, returned   string
			createdAt, updatedAt string
		)
		err := rows.Scan(&st.ID, &st.ManagerID, &st.MonthID, &st.Code, &st.Name, &st.Phone, &st.RoomNo,
			&selected, &returned, &st.ReturnCount, &st.FeastPaid, &st.DailyFeastQuotaPaid,
			&st.FeastTokenStartDay, &createdAt, &updatedAt)
		if err != nil {
			return nil, classify("scan student", err)
		}
		if err := json.Unmarshal([]byte(selected), &st.SelectedDays); err != nil {
			return nil, classify("scan student", err)
		}
		if err := json.Unmarshal([]byte(returned), &st.ReturnedDays); err != nil {
			return nil, classify("scan student", err)
		}
		st.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		students = append(students, &st)
	}
	return students, classify("scan students", rows.Err())
}

func (ts *txStore) SaveStudent(ctx context.Context, st *account.Student) error {
	selected, err := marshalIDs(st.SelectedDays)
	if err != nil {
		return classify("save student", err)
	}
	returned, err := marshalIDs(st.ReturnedDays)
	if err != nil {
		return classify("save student", err)
	}

	_, err = ts.tx.ExecContext(ctx, `
		INSERT INTO students (`+studentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			phone = excluded.phone,
			room_no = excluded.room_no,
			selected_json = excluded.selected_json,
			returned_json = excluded.returned_json,
			return_count = excluded.return_count,
			feast_paid = excluded.feast_paid,
			daily_quota_paid = excluded.daily_quota_paid,
			feast_token_start_day = excluded.feast_token_start_day,
			updated_at = excluded.updated_at
	`, st.ID, st.ManagerID, st.MonthID, st.Code, st.Name, st.Phone, st.RoomNo, selected, returned,
		st.ReturnCount, st.FeastPaid, st.DailyFeastQuotaPaid, st.FeastTokenStartDay,
		st.CreatedAt.UTC().Format(time.RFC3339Nano), st.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if isUniqueConstraintError(err) {
		return &generic.ConflictError{Message: fmt.Sprintf("student code %s already taken", st.Code)}
	}
	if err != nil {
		return classify("save student", err)
	}

	stored, err := ts.storedTxIDs(ctx, st.ID)
	if err != nil {
		return err
	}
	if len(stored) > len(st.Transactions) {
		return classify("save student", fmt.Errorf("ledger of %s would shrink from %d to %d entries", st.Code, len(stored), len(st.Transactions)))
	}
	for i, id := range stored {
		if st.Transactions[i].ID != id {
			return classify("save student", fmt.Errorf("ledger entry %s of %s rewritten", id, st.Code))
		}
	}
	for seq := len(stored); seq < len(st.Transactions); seq++ {
		if err := ts.appendTx(ctx, st.ID, seq, st.Transactions[seq]); err != nil {
			return err
		}
	}
	return nil
}

// storedTxIDs lists the persisted entry IDs of a student in log order.
func (ts *txStore) storedTxIDs(ctx context.Context, student generic.StudentID) ([]generic.TransactionID, error) {
	rows, err := ts.tx.QueryContext(ctx,
		`SELECT id FROM transactions WHERE student_id = ? ORDER BY seq ASC`, student)
	if err != nil {
		return nil, classify("list transaction ids", err)
	}
	defer rows.Close()

	var ids []generic.TransactionID
	for rows.Next() {
		var id generic.TransactionID
		if err := rows.Scan(&id); err != nil {
			return nil, classify("list transaction ids", err)
		}
		ids = append(ids, id)
	}
	return ids, classify("list transaction ids", rows.Err())
}

func (ts *txStore) appendTx(ctx context.Context, student generic.StudentID, seq int, tx generic.Transaction) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO transactions (id, student_id, seq, date, days, amount, paid_amount, tx_type, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tx.ID, student, seq, tx.Date.UTC().Format(time.RFC3339Nano), tx.Days,
		tx.Amount.String(), tx.PaidAmount.String(), tx.Type, tx.Note)
	return classify("append transaction", err)
}

func (ts *txStore) loadTransactions(ctx context.Context, student generic.StudentID) (generic.Ledger, error) {
	rows, err := ts.tx.QueryContext(ctx, `
		SELECT id, date, days, amount, paid_amount, tx_type, note
		FROM transactions
		WHERE student_id = ?
		ORDER BY seq ASC
	`, student)
	if err != nil {
		return nil, classify("load transactions", err)
	}
	defer rows.Close()

	var ledger generic.Ledger
	for rows.Next() {
		var (
			tx           generic.Transaction
			date         string
			amount, paid string
		)
		if err := rows.Scan(&tx.ID, &date, &tx.Days, &amount, &paid, &tx.Type, &tx.Note); err != nil {
			return nil, classify("scan transaction", err)
		}
		if tx.Date, err = time.Parse(time.RFC3339Nano, date); err != nil {
			return nil, classify("scan transaction", err)
		}
		if tx.Amount, err = generic.ParseAmount(amount); err != nil {
			return nil, classify("scan transaction", err)
		}
		if tx.PaidAmount, err = generic.ParseAmount(paid); err != nil {
			return nil, classify("scan transaction", err)
		}
		ledger = append(ledger, tx)
	}
	return ledger, classify("load transactions", rows.Err())
}

// =============================================================================
// HELPERS
// =============================================================================

func marshalIDs[T ~string](ids []T) (string, error) {
	if ids == nil {
		ids = []T{}
	}
	b, err := json.Marshal(ids)
	return string(b), err
}

// classify turns a driver error into a persistence error. Lock contention and
// interrupted statements are retryable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if generic.KindOf(err) != generic.KindInternal {
		return err
	}
	pe := &generic.PersistenceError{Op: op, Err: err}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrInterrupt:
			pe.Retryable = true
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		pe.Retryable = true
	}
	return pe
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
