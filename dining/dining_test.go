package dining_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/messhall/dining-engine/account"
	"github.com/messhall/dining-engine/calendar"
	"github.com/messhall/dining-engine/dining"
	"github.com/messhall/dining-engine/generic"
	"github.com/messhall/dining-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const manager generic.ManagerID = "mgr-1"

type fixture struct {
	store    *memory.Store
	months   *dining.MonthService
	accounts *dining.AccountService
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.New(),
		now:   time.Date(2024, time.December, 31, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.months = dining.NewMonthService(f.store, clock, nil)
	f.accounts = dining.NewAccountService(f.store, account.DefaultPolicy(), clock, nil)
	return f
}

func d(s string) generic.Date { return generic.MustParseDate(s) }

func (f *fixture) start(t *testing.T) *calendar.Month {
	t.Helper()
	m, err := f.months.StartCycle(context.Background(), manager, d("2025-01-01"))
	require.NoError(t, err)
	return m
}

func ids(m *calendar.Month, from, to int) []generic.DayID {
	var out []generic.DayID
	for i := from - 1; i < to; i++ {
		out = append(out, m.Window.Slots[i].ID)
	}
	return out
}

var rafi = &account.Info{Name: "Rafi", Phone: "0170000000", RoomNo: "204"}

// =============================================================================
// MONTH SERVICE
// =============================================================================

func TestStartCycle_SingleActiveMonth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.start(t)
	second, err := f.months.StartCycle(ctx, manager, d("2025-02-01"))
	require.NoError(t, err)

	view, err := f.months.GetCalendar(ctx, manager)
	require.NoError(t, err)
	assert.Equal(t, second.ID, view.Month.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, d("2025-03-02"), view.Month.Window.End)

	// Other managers are untouched
	_, err = f.months.GetCalendar(ctx, "someone-else")
	assert.ErrorIs(t, err, generic.ErrNoActiveMonth)
	assert.True(t, generic.IsNotFound(err))
}

func TestBreaks_ScenarioThroughService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t)

	m, err := f.months.AddBreaks(ctx, manager, []generic.Date{d("2025-01-05")}, "Holiday")
	require.NoError(t, err)
	assert.Equal(t, d("2025-01-31"), m.Window.End)

	view, err := f.months.GetCalendar(ctx, manager)
	require.NoError(t, err)
	require.Len(t, view.BreakDays, 1)
	assert.Equal(t, "Holiday", view.BreakDays[0].Reason)
	assert.Len(t, view.DiningDays, 30)
	assert.Equal(t, calendar.Stats{PastCount: 0, RemainingCount: 30, Total: 30}, view.Stats)

	m, err = f.months.RemoveBreaks(ctx, manager, []generic.Date{d("2025-01-05")})
	require.NoError(t, err)
	assert.Equal(t, d("2025-01-30"), m.Window.End)
	assert.Empty(t, m.Window.Breaks)
}

func TestAddBreaks_RejectsPastDates(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.now = time.Date(2025, time.January, 10, 8, 0, 0, 0, time.UTC)

	_, err := f.months.AddBreaks(context.Background(), manager, []generic.Date{d("2025-01-09")}, "")

	var ve *generic.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "2025-01-09", ve.Value)
}

func TestAddBreaks_RollsBackOnStoreFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t)
	f.store.FailOn("UpdateMonth", errors.New("disk full"))

	_, err := f.months.AddBreaks(ctx, manager, []generic.Date{d("2025-01-05")}, "")

	assert.ErrorIs(t, err, generic.ErrPersistence)
	assert.True(t, generic.IsRetryable(err))
	view, err := f.months.GetCalendar(ctx, manager)
	require.NoError(t, err)
	assert.Empty(t, view.BreakDays)
	assert.Equal(t, d("2025-01-30"), view.Month.Window.End)
}

func TestStartCycle_RollsBackDeactivation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.start(t)
	f.store.FailOn("InsertMonth", errors.New("write conflict"))

	_, err := f.months.StartCycle(ctx, manager, d("2025-02-01"))
	require.ErrorIs(t, err, generic.ErrPersistence)

	view, err := f.months.GetCalendar(ctx, manager)
	require.NoError(t, err)
	assert.Equal(t, first.ID, view.Month.ID, "previous month still active")
}

func TestDashboard_NextDiningDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.start(t)
	_, err := f.accounts.PurchaseDays(ctx, manager, "S-1", ids(m, 4, 6), generic.NewAmountFromInt(240), rafi)
	require.NoError(t, err)
	_, err = f.months.AddBreaks(ctx, manager, []generic.Date{d("2025-01-04")}, "")
	require.NoError(t, err)

	// WHEN: Today is Jan 3; Jan 4 is a break
	f.now = time.Date(2025, time.January, 3, 9, 0, 0, 0, time.UTC)
	dash, err := f.months.Dashboard(ctx, manager)
	require.NoError(t, err)

	// THEN: Next day is Jan 5 in slot 4, which still carries the enrollment
	assert.Equal(t, 3, dash.CurrentDay)
	require.NotNil(t, dash.NextDay)
	assert.Equal(t, 4, dash.NextDay.DayNumber)
	assert.Equal(t, d("2025-01-05"), dash.NextDay.Date)
	assert.Equal(t, 1, dash.NextDay.EnrolledCount)
	assert.Equal(t, 1, dash.StudentCount)
	assert.Equal(t, 2, dash.Stats.PastCount)
}

// =============================================================================
// ACCOUNT SERVICE
// =============================================================================

func TestPurchaseAndReturn_Scenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.start(t)

	// GIVEN: Days 1-5 bought and paid
	st, err := f.accounts.PurchaseDays(ctx, manager, "S-1", ids(m, 1, 5), generic.NewAmountFromInt(400), rafi)
	require.NoError(t, err)
	assert.True(t, st.Due().IsZero())

	// WHEN: Three are returned for 90
	refund := generic.NewAmountFromInt(90)
	st, info, err := f.accounts.ReturnDays(ctx, manager, "S-1", []generic.Date{d("2025-01-01"), d("2025-01-02"), d("2025-01-03")}, &refund)
	require.NoError(t, err)

	// THEN
	assert.Equal(t, 3, st.ReturnCount)
	assert.Equal(t, 7, info.RemainingReturns)
	assert.True(t, st.Due().Equal(generic.NewAmountFromInt(-90)))

	_, err = f.accounts.PurchaseDays(ctx, manager, "S-1", ids(m, 2, 2), generic.ZeroAmount(), nil)
	var ce *generic.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ids(m, 2, 2), ce.Restricted)

	// AND: Back-references on the stored calendar match the selection
	res, err := f.accounts.SearchStudent(ctx, manager, "S-1")
	require.NoError(t, err)
	require.True(t, res.Exists)
	for _, slot := range res.CalendarDays {
		assert.Equal(t, res.Student.HasSelected(slot.ID), slot.HasStudent(res.Student.ID), "slot %d", slot.DayNumber)
	}
}

func TestPurchaseDays_NewStudentNeedsName(t *testing.T) {
	f := newFixture(t)
	m := f.start(t)

	_, err := f.accounts.PurchaseDays(context.Background(), manager, "S-9", ids(m, 1, 1), generic.ZeroAmount(), nil)

	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestPurchaseDays_UpdatesInfo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.start(t)
	_, err := f.accounts.PurchaseDays(ctx, manager, "S-1", ids(m, 1, 1), generic.ZeroAmount(), rafi)
	require.NoError(t, err)

	st, err := f.accounts.PurchaseDays(ctx, manager, "S-1", ids(m, 2, 2), generic.ZeroAmount(), &account.Info{RoomNo: "310"})
	require.NoError(t, err)

	assert.Equal(t, "Rafi", st.Name)
	assert.Equal(t, "310", st.RoomNo)
}

func TestPurchaseDays_RollsBackStudentWhenSlotWriteFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.start(t)
	f.store.FailOn("UpdateMonth", errors.New("timeout"))

	_, err := f.accounts.PurchaseDays(ctx, manager, "S-1", ids(m, 1, 3), generic.NewAmountFromInt(240), rafi)
	require.ErrorIs(t, err, generic.ErrPersistence)

	res, err := f.accounts.SearchStudent(ctx, manager, "S-1")
	require.NoError(t, err)
	assert.False(t, res.Exists, "student write rolled back with the slots")
	for _, slot := range res.CalendarDays {
		assert.Empty(t, slot.Students)
	}
}

func TestFees_RepeatIsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.start(t)
	_, err := f.accounts.PurchaseDays(ctx, manager, "S-1", ids(m, 1, 10), generic.NewAmountFromInt(800), rafi)
	require.NoError(t, err)

	st, err := f.accounts.PayFeast(ctx, manager, "S-1")
	require.NoError(t, err)
	assert.True(t, st.FeastPaid)
	_, err = f.accounts.PayFeast(ctx, manager, "S-1")
	assert.ErrorIs(t, err, generic.ErrConflict)

	st, err = f.accounts.PayDailyQuota(ctx, manager, "S-1")
	require.NoError(t, err)
	last := st.Transactions[len(st.Transactions)-1]
	assert.True(t, last.Amount.Equal(generic.NewAmountFromInt(200)))
	_, err = f.accounts.PayDailyQuota(ctx, manager, "S-1")
	assert.ErrorIs(t, err, generic.ErrConflict)
}

func TestUnknownStudent_NotFound(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	_, err := f.accounts.ClearDue(context.Background(), manager, "ghost")

	var ne *generic.NotFoundError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, "ghost", ne.Key)
	fault := generic.Describe(err)
	assert.Equal(t, generic.KindNotFound, fault.Kind)
}

func TestListings_ReconcileWithLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.start(t)

	_, err := f.accounts.PurchaseDays(ctx, manager, "S-2", ids(m, 1, 4), generic.NewAmountFromInt(100), &account.Info{Name: "Nadia"})
	require.NoError(t, err)
	f.now = f.now.Add(time.Hour)
	_, err = f.accounts.PurchaseDays(ctx, manager, "S-1", ids(m, 1, 5), generic.NewAmountFromInt(400), rafi)
	require.NoError(t, err)
	f.now = f.now.Add(time.Hour)
	_, _, err = f.accounts.ReturnDays(ctx, manager, "S-1", []generic.Date{d("2025-01-01"), d("2025-01-02"), d("2025-01-03")}, nil)
	require.NoError(t, err)

	list, err := f.accounts.ListStudents(ctx, manager)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "S-1", list[0].Student.Code)
	assert.Equal(t, 8, list[0].TotalDays)
	assert.True(t, list[0].DueAmount.Equal(generic.NewAmountFromInt(-105)))
	assert.True(t, list[1].DueAmount.Equal(generic.NewAmountFromInt(220)))
	for _, row := range list {
		assert.True(t, row.DueAmount.Equal(row.TotalAmount.Sub(row.TotalPaid)))
	}

	txs, err := f.accounts.ListTransactions(ctx, manager)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, "S-2", txs[0].StudentCode)
	assert.Equal(t, "S-1", txs[1].StudentCode)
	assert.Equal(t, generic.TxRefund, txs[2].Type)
}

func TestFeastToken_CreatePayAndList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.start(t)
	_, err := f.accounts.PurchaseDays(ctx, manager, "S-1", ids(m, 1, 2), generic.NewAmountFromInt(160), rafi)
	require.NoError(t, err)
	_, err = f.accounts.PurchaseDays(ctx, manager, "S-2", ids(m, 1, 2), generic.NewAmountFromInt(160), &account.Info{Name: "Nadia"})
	require.NoError(t, err)

	// GIVEN: No tokens yet
	_, err = f.accounts.FeastTokenDetails(ctx, manager, "S-1")
	assert.ErrorIs(t, err, generic.ErrNotFound)

	// WHEN: Rafi subscribes from day 26 and pays part of it
	rec, err := f.accounts.CreateFeastToken(ctx, manager, "S-1", 26)
	require.NoError(t, err)
	assert.True(t, rec.Token.TotalCost.Equal(generic.NewAmountFromInt(150)))

	rec, err = f.accounts.PayFeastToken(ctx, manager, "S-1", generic.NewAmountFromInt(100))
	require.NoError(t, err)
	assert.True(t, rec.Token.DueAmount.Equal(generic.NewAmountFromInt(50)))

	// THEN: The token survives the round trip through the store
	got, err := f.accounts.FeastTokenDetails(ctx, manager, "S-1")
	require.NoError(t, err)
	assert.Equal(t, 26, got.Token.StartDay)
	assert.True(t, got.Token.PaidAmount.Equal(generic.NewAmountFromInt(100)))
	assert.False(t, got.Token.IsPaid)

	all, err := f.accounts.ListFeastTokens(ctx, manager, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "S-1", all[0].Student.Code)

	byName, err := f.accounts.ListFeastTokens(ctx, manager, "RAF")
	require.NoError(t, err)
	assert.Len(t, byName, 1)
	none, err := f.accounts.ListFeastTokens(ctx, manager, "nadia")
	require.NoError(t, err)
	assert.Empty(t, none)

	// AND: The separate feast fee is now a conflict
	_, err = f.accounts.PayFeast(ctx, manager, "S-1")
	assert.ErrorIs(t, err, generic.ErrConflict)
}

func TestFeastToken_RollsBackOnStoreFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.start(t)
	_, err := f.accounts.PurchaseDays(ctx, manager, "S-1", ids(m, 1, 2), generic.NewAmountFromInt(160), rafi)
	require.NoError(t, err)
	f.store.FailOn("SaveStudent", errors.New("disk full"))

	_, err = f.accounts.CreateFeastToken(ctx, manager, "S-1", 1)
	require.ErrorIs(t, err, generic.ErrPersistence)

	_, err = f.accounts.FeastTokenDetails(ctx, manager, "S-1")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}
