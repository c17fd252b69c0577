/*
handlers_test.go - HTTP tests for the dining API

Tests for:
- Manager header enforcement
- Month and break day endpoints
- Purchase/return flow and error kind to status mapping
- Feast tokens
- CSV exports
- CORS credentials
*/
package api

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/messhall/dining-engine/account"
	"github.com/messhall/dining-engine/dining"
	"github.com/messhall/dining-engine/generic"
	"github.com/messhall/dining-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	t      *testing.T
	router http.Handler
	store  *memory.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.New()
	now := time.Date(2024, time.December, 31, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	h := NewHandler(
		dining.NewMonthService(store, clock, nil),
		dining.NewAccountService(store, account.DefaultPolicy(), clock, nil),
		nil,
	)
	return &testServer{t: t, router: NewRouter(h, Options{}), store: store}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ManagerHeader, "mgr-1")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) startMonth() MonthDTO {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/months", StartMonthRequest{StartDate: "2025-01-01"})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[MonthDTO](s.t, rec)
}

func dayIDs(m MonthDTO, from, to int) []string {
	var out []string
	for i := from - 1; i < to; i++ {
		out = append(out, m.DiningDays[i].ID)
	}
	return out
}

// =============================================================================
// TESTS
// =============================================================================

func TestRequireManager(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/calendar", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCalendar_NoActiveMonth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/calendar", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, generic.KindNotFound, decode[ErrorResponse](t, rec).Kind)
}

func TestStartMonth_Validation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/months", StartMonthRequest{StartDate: "01/01/2025"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, generic.KindValidation, resp.Kind)
	assert.Contains(t, resp.Context["fields"], "startDate")
}

func TestBreaks_AddAndRemove(t *testing.T) {
	// GIVEN: a month of Jan 1 - Jan 30
	s := newTestServer(t)
	m := s.startMonth()
	assert.Equal(t, "2025-01-30", m.EndDate)
	day5 := m.DiningDays[4].ID

	// WHEN: Jan 5 becomes a break
	rec := s.do(http.MethodPost, "/api/calendar/breaks", BreakDaysRequest{Dates: []string{"2025-01-05"}, Reason: "Holiday"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	m = decode[MonthDTO](t, rec)

	// THEN: the window extends by one day and identities shift right
	assert.Equal(t, "2025-01-31", m.EndDate)
	require.Len(t, m.DiningDays, 30)
	assert.Equal(t, day5, m.DiningDays[4].ID)
	assert.Equal(t, "2025-01-06", m.DiningDays[4].Date)
	assert.Equal(t, []BreakDayDTO{{Date: "2025-01-05", Reason: "Holiday"}}, m.BreakDays)

	// AND: adding it again is a validation error
	rec = s.do(http.MethodPost, "/api/calendar/breaks", BreakDaysRequest{Dates: []string{"2025-01-05"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// WHEN: the break is removed
	rec = s.do(http.MethodDelete, "/api/calendar/breaks", BreakDaysRequest{Dates: []string{"2025-01-05"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	m = decode[MonthDTO](t, rec)

	// THEN: the original layout is back
	assert.Equal(t, "2025-01-30", m.EndDate)
	assert.Equal(t, "2025-01-05", m.DiningDays[4].Date)
	assert.Empty(t, m.BreakDays)

	rec = s.do(http.MethodGet, "/api/calendar", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cal := decode[CalendarDTO](t, rec)
	assert.Equal(t, 30, cal.Stats.Total)
	assert.Equal(t, 30, cal.Stats.RemainingCount)
}

func TestStudentFlow(t *testing.T) {
	s := newTestServer(t)
	m := s.startMonth()

	// Unknown student: 200 with exists=false and the calendar to pick from
	rec := s.do(http.MethodGet, "/api/students/S-42", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	search := decode[SearchResponse](t, rec)
	assert.False(t, search.Exists)
	assert.Len(t, search.CalendarDays, 30)

	// New student without a name
	rec = s.do(http.MethodPost, "/api/students/S-42/purchase", PurchaseRequest{DayIDs: dayIDs(m, 1, 5)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Buy 5 days, pay 400
	rec = s.do(http.MethodPost, "/api/students/S-42/purchase", map[string]any{
		"dayIds":     dayIDs(m, 1, 5),
		"paidAmount": 400,
		"name":       "Asha",
		"roomNo":     "B-12",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decode[StudentDTO](t, rec)
	assert.Equal(t, "S-42", st.StudentID)
	assert.Equal(t, 400.0, st.TotalAmount)
	assert.Equal(t, 0.0, st.DueAmount)

	// Returning 2 days is below the minimum batch
	rec = s.do(http.MethodPost, "/api/students/S-42/return", ReturnRequest{Dates: []string{"2025-01-01", "2025-01-02"}})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	fault := decode[ErrorResponse](t, rec)
	assert.Equal(t, generic.KindQuotaExceeded, fault.Kind)
	assert.Equal(t, generic.QuotaBelowMinimum, fault.Context["reason"])

	// Returning 3 days refunds 35 each
	rec = s.do(http.MethodPost, "/api/students/S-42/return", ReturnRequest{Dates: []string{"2025-01-01", "2025-01-02", "2025-01-03"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ret := decode[ReturnResponse](t, rec)
	assert.Equal(t, -105.0, ret.Student.DueAmount)
	assert.Equal(t, 7, ret.Quota.RemainingReturns)
	assert.Len(t, ret.Student.ReturnedDays, 3)

	// Returned days cannot be bought back
	rec = s.do(http.MethodPost, "/api/students/S-42/purchase", PurchaseRequest{DayIDs: dayIDs(m, 1, 1)})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.NotEmpty(t, decode[ErrorResponse](t, rec).Context["restrictedDays"])

	// Feast once
	rec = s.do(http.MethodPost, "/api/students/S-42/feast", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[StudentDTO](t, rec).FeastPaid)
	rec = s.do(http.MethodPost, "/api/students/S-42/feast", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Settle the refund
	rec = s.do(http.MethodPost, "/api/students/S-42/clear-due", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 0.0, decode[StudentDTO](t, rec).DueAmount)

	rec = s.do(http.MethodPost, "/api/students/S-42/clear-due", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Listings
	rec = s.do(http.MethodGet, "/api/students", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]StudentDTO](t, rec), 1)

	rec = s.do(http.MethodGet, "/api/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decode[[]TransactionDTO](t, rec)
	require.Len(t, txs, 4)
	assert.Equal(t, "Asha", txs[0].StudentName)

	rec = s.do(http.MethodGet, "/api/dashboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dash := decode[DashboardDTO](t, rec)
	assert.Equal(t, 1, dash.StudentCount)
	require.NotNil(t, dash.NextDay)
	assert.Equal(t, 1, dash.NextDay.DayNumber)
}

func TestSettle_UnknownStudent(t *testing.T) {
	s := newTestServer(t)
	s.startMonth()

	for _, path := range []string{"feast", "daily-quota", "clear-due"} {
		rec := s.do(http.MethodPost, "/api/students/nobody/"+path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestPersistenceFailure_Is503(t *testing.T) {
	s := newTestServer(t)
	m := s.startMonth()
	s.store.FailOn("SaveStudent", assert.AnError)

	rec := s.do(http.MethodPost, "/api/students/S-1/purchase", map[string]any{
		"dayIds": dayIDs(m, 1, 3),
		"name":   "Ravi",
	})

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.True(t, resp.Retryable)
	assert.NotContains(t, resp.Error, assert.AnError.Error())

	// nothing was applied
	rec = s.do(http.MethodGet, "/api/students/S-1", nil)
	assert.False(t, decode[SearchResponse](t, rec).Exists)
}

func TestExportCSV(t *testing.T) {
	s := newTestServer(t)
	m := s.startMonth()
	rec := s.do(http.MethodPost, "/api/students/S-7/purchase", map[string]any{
		"dayIds":     dayIDs(m, 1, 2),
		"paidAmount": "100",
		"name":       "Mira",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/students?format=csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/csv"))
	rows, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"S-7", "Mira", "", "", "2", "160", "100", "60"}, rows[1])

	rec = s.do(http.MethodGet, "/api/transactions?format=csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows, err = csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Payment", rows[1][4])
}

func TestGetTariff(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/tariff", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var card map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &card))
	assert.Equal(t, "80", card["rate_per_day"])
	assert.Equal(t, 10.0, card["max_returns"])
}

func TestReturnDays_RefundedAmount(t *testing.T) {
	s := newTestServer(t)
	m := s.startMonth()
	rec := s.do(http.MethodPost, "/api/students/S-9/purchase", map[string]any{
		"dayIds":     dayIDs(m, 1, 5),
		"paidAmount": 400,
		"name":       "Tanvir",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// GIVEN: the old field name is not part of the contract
	rec = s.do(http.MethodPost, "/api/students/S-9/return", map[string]any{
		"dates":        []string{"2025-01-01", "2025-01-02", "2025-01-03"},
		"refundAmount": 90,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Details, "refundAmount")

	// WHEN: the refund is sent as refundedAmount
	rec = s.do(http.MethodPost, "/api/students/S-9/return", map[string]any{
		"dates":          []string{"2025-01-01", "2025-01-02", "2025-01-03"},
		"refundedAmount": 90,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: the explicit amount replaces the default 35/day
	ret := decode[ReturnResponse](t, rec)
	assert.Equal(t, -90.0, ret.Student.DueAmount)
	last := ret.Student.Transactions[len(ret.Student.Transactions)-1]
	assert.Equal(t, -90.0, last.Amount)
	assert.Equal(t, -3, last.Days)
}

func TestFeastTokenEndpoints(t *testing.T) {
	s := newTestServer(t)
	m := s.startMonth()
	rec := s.do(http.MethodPost, "/api/students/S-5/purchase", map[string]any{
		"dayIds":     dayIDs(m, 1, 2),
		"paidAmount": 160,
		"name":       "Lamia",
		"roomNo":     "C-3",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/students/S-5/feast-token", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Start day out of range
	rec = s.do(http.MethodPost, "/api/students/S-5/feast-token", FeastTokenRequest{StartDay: 31})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 5 days at 10 plus the feast fee
	rec = s.do(http.MethodPost, "/api/students/S-5/feast-token", FeastTokenRequest{StartDay: 26})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	token := decode[FeastTokenDTO](t, rec)
	assert.Equal(t, 150.0, token.TotalCost)
	assert.Equal(t, 5, token.RemainingDays)
	assert.Equal(t, "Pending", token.PaymentStatus)

	rec = s.do(http.MethodPost, "/api/students/S-5/feast-token", FeastTokenRequest{StartDay: 1})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodPost, "/api/students/S-5/feast-token/payment", map[string]any{"paidAmount": 200})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/students/S-5/feast-token/payment", map[string]any{"paidAmount": 150})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	token = decode[FeastTokenDTO](t, rec)
	assert.Equal(t, 0.0, token.DueAmount)
	assert.Equal(t, "Paid", token.PaymentStatus)

	rec = s.do(http.MethodGet, "/api/feast-tokens?search=lam", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]FeastTokenDTO](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "S-5", list[0].StudentID)
	assert.Equal(t, "C-3", list[0].RoomNo)

	rec = s.do(http.MethodGet, "/api/feast-tokens?search=zzz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]FeastTokenDTO](t, rec))
}

func TestCORS_CredentialsOnlyForListedOrigins(t *testing.T) {
	h := NewHandler(
		dining.NewMonthService(memory.New(), nil, nil),
		dining.NewAccountService(memory.New(), account.DefaultPolicy(), nil, nil),
		nil,
	)
	get := func(router http.Handler, origin string) http.Header {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Header()
	}

	open := NewRouter(h, Options{})
	assert.Empty(t, get(open, "https://anywhere.example").Get("Access-Control-Allow-Credentials"))

	listed := NewRouter(h, Options{AllowedOrigins: []string{"https://mess.example"}})
	hdr := get(listed, "https://mess.example")
	assert.Equal(t, "https://mess.example", hdr.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", hdr.Get("Access-Control-Allow-Credentials"))
	assert.Empty(t, get(listed, "https://evil.example").Get("Access-Control-Allow-Origin"))
}
