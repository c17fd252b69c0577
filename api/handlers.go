/*
handlers.go - HTTP API handlers for the dining engine

PURPOSE:
  Exposes the dining services via REST API. Handles HTTP request/response,
  JSON serialization and validation, and delegates to the dining package.

ENDPOINTS:
  Month:
    POST   /api/months                       Start a new dining month
    GET    /api/calendar                     Active month with stats
    POST   /api/calendar/breaks              Add break days
    DELETE /api/calendar/breaks              Remove break days
    GET    /api/dashboard                    Landing page summary

  Students:
    GET    /api/students                     All students with totals (?format=csv)
    GET    /api/students/{id}                Search a student by code
    POST   /api/students/{id}/purchase       Buy dining days
    POST   /api/students/{id}/return         Return days for a refund
    POST   /api/students/{id}/feast          Pay the feast fee
    POST   /api/students/{id}/daily-quota    Pay the daily feast quota
    POST   /api/students/{id}/clear-due      Settle the outstanding balance

  Feast tokens:
    GET    /api/feast-tokens                 Every token (?search=name or code)
    GET    /api/students/{id}/feast-token    One student's token
    POST   /api/students/{id}/feast-token    Subscribe from a start day
    POST   /api/students/{id}/feast-token/payment  Pay an instalment

  Ledger:
    GET    /api/transactions                 Every ledger entry (?format=csv)
    GET    /api/tariff                       Rates in force

IDENTITY:
  Every /api route needs an X-Manager-ID header. Authentication is done
  upstream; the header is trusted as is.

ERROR HANDLING:
  Service errors are flattened with generic.Describe and mapped by kind:
  - 400: validation
  - 422: quota_exceeded
  - 404: not_found
  - 409: conflict
  - 503: persistence (nothing applied, retryable)
  - 500: internal

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/messhall/dining-engine/account"
	"github.com/messhall/dining-engine/dining"
	"github.com/messhall/dining-engine/factory"
	"github.com/messhall/dining-engine/generic"
	"github.com/messhall/dining-engine/logger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// ManagerHeader carries the caller's manager identity.
const ManagerHeader = "X-Manager-ID"

type ctxKey int

const managerKey ctxKey = iota

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Months   *dining.MonthService
	Accounts *dining.AccountService
	Tariffs  *factory.TariffFactory

	validate *validator.Validate
	logger   *zap.Logger
}

// NewHandler creates a handler over the two services.
func NewHandler(months *dining.MonthService, accounts *dining.AccountService, log *zap.Logger) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		Months:   months,
		Accounts: accounts,
		Tariffs:  factory.NewTariffFactory(),
		validate: v,
		logger:   logger.Named(log, "api"),
	}
}

// RequireManager rejects requests without a manager identity and stores it
// in the request context.
func RequireManager(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(ManagerHeader))
		if id == "" {
			writeError(w, http.StatusUnauthorized, "Missing "+ManagerHeader+" header", nil)
			return
		}
		ctx := context.WithValue(r.Context(), managerKey, generic.ManagerID(id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func managerFrom(r *http.Request) generic.ManagerID {
	id, _ := r.Context().Value(managerKey).(generic.ManagerID)
	return id
}

// =============================================================================
// MONTH HANDLERS
// =============================================================================

// StartMonth deactivates the current month and opens a new one.
func (h *Handler) StartMonth(w http.ResponseWriter, r *http.Request) {
	var req StartMonthRequest
	if !h.bind(w, r, &req) {
		return
	}
	start, err := generic.ParseDate(req.StartDate)
	if err != nil {
		h.fail(w, &generic.ValidationError{Field: "startDate", Value: req.StartDate, Message: "must be YYYY-MM-DD"})
		return
	}

	month, err := h.Months.StartCycle(r.Context(), managerFrom(r), start)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMonthDTO(month))
}

func (h *Handler) GetCalendar(w http.ResponseWriter, r *http.Request) {
	view, err := h.Months.GetCalendar(r.Context(), managerFrom(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CalendarDTO{Month: toMonthDTO(view.Month), Stats: view.Stats})
}

func (h *Handler) AddBreaks(w http.ResponseWriter, r *http.Request) {
	var req BreakDaysRequest
	if !h.bind(w, r, &req) {
		return
	}
	dates, err := generic.ParseDates(req.Dates)
	if err != nil {
		h.fail(w, &generic.ValidationError{Field: "dates", Message: err.Error()})
		return
	}

	month, err := h.Months.AddBreaks(r.Context(), managerFrom(r), dates, req.Reason)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMonthDTO(month))
}

func (h *Handler) RemoveBreaks(w http.ResponseWriter, r *http.Request) {
	var req BreakDaysRequest
	if !h.bind(w, r, &req) {
		return
	}
	dates, err := generic.ParseDates(req.Dates)
	if err != nil {
		h.fail(w, &generic.ValidationError{Field: "dates", Message: err.Error()})
		return
	}

	month, err := h.Months.RemoveBreaks(r.Context(), managerFrom(r), dates)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMonthDTO(month))
}

func (h *Handler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := h.Months.Dashboard(r.Context(), managerFrom(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DashboardDTO{
		Month:        toMonthDTO(dash.Month),
		Today:        dash.Today.String(),
		CurrentDay:   dash.CurrentDay,
		NextDay:      dash.NextDay,
		Stats:        dash.Stats,
		StudentCount: dash.StudentCount,
	})
}

// =============================================================================
// STUDENT HANDLERS
// =============================================================================

// SearchStudent answers 200 for unknown codes too, with exists=false, so the
// purchase screen can offer to create the student.
func (h *Handler) SearchStudent(w http.ResponseWriter, r *http.Request) {
	res, err := h.Accounts.SearchStudent(r.Context(), managerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	resp := SearchResponse{
		Exists:       res.Exists,
		CalendarDays: toDayDTOs(res.CalendarDays),
		BreakDays:    toBreakDayDTOs(res.BreakDays),
	}
	if res.Student != nil {
		dto := toStudentDTO(res.Student, true)
		quota := res.Quota
		resp.Student = &dto
		resp.Quota = &quota
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) PurchaseDays(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !h.bind(w, r, &req) {
		return
	}
	ids := make([]generic.DayID, len(req.DayIDs))
	for i, id := range req.DayIDs {
		ids[i] = generic.DayID(id)
	}
	var info *account.Info
	if req.Name != "" || req.Phone != "" || req.RoomNo != "" {
		info = &account.Info{Name: req.Name, Phone: req.Phone, RoomNo: req.RoomNo}
	}

	st, err := h.Accounts.PurchaseDays(r.Context(), managerFrom(r), chi.URLParam(r, "id"), ids, generic.Amount{Value: req.PaidAmount}, info)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStudentDTO(st, true))
}

func (h *Handler) ReturnDays(w http.ResponseWriter, r *http.Request) {
	var req ReturnRequest
	if !h.bind(w, r, &req) {
		return
	}
	dates, err := generic.ParseDates(req.Dates)
	if err != nil {
		h.fail(w, &generic.ValidationError{Field: "dates", Message: err.Error()})
		return
	}
	var refund *generic.Amount
	if req.RefundedAmount != nil {
		refund = &generic.Amount{Value: *req.RefundedAmount}
	}

	st, quota, err := h.Accounts.ReturnDays(r.Context(), managerFrom(r), chi.URLParam(r, "id"), dates, refund)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReturnResponse{Student: toStudentDTO(st, true), Quota: quota})
}

func (h *Handler) PayFeast(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.Accounts.PayFeast)
}

func (h *Handler) PayDailyQuota(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.Accounts.PayDailyQuota)
}

func (h *Handler) ClearDue(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.Accounts.ClearDue)
}

type settleFunc func(ctx context.Context, manager generic.ManagerID, code string) (*account.Student, error)

func (h *Handler) settle(w http.ResponseWriter, r *http.Request, fn settleFunc) {
	st, err := fn(r.Context(), managerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStudentDTO(st, true))
}

// =============================================================================
// FEAST TOKENS
// =============================================================================

func (h *Handler) CreateFeastToken(w http.ResponseWriter, r *http.Request) {
	var req FeastTokenRequest
	if !h.bind(w, r, &req) {
		return
	}
	rec, err := h.Accounts.CreateFeastToken(r.Context(), managerFrom(r), chi.URLParam(r, "id"), req.StartDay)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toFeastTokenDTO(*rec))
}

func (h *Handler) PayFeastToken(w http.ResponseWriter, r *http.Request) {
	var req FeastTokenPaymentRequest
	if !h.bind(w, r, &req) {
		return
	}
	rec, err := h.Accounts.PayFeastToken(r.Context(), managerFrom(r), chi.URLParam(r, "id"), generic.Amount{Value: req.PaidAmount})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFeastTokenDTO(*rec))
}

func (h *Handler) GetFeastToken(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Accounts.FeastTokenDetails(r.Context(), managerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFeastTokenDTO(*rec))
}

func (h *Handler) ListFeastTokens(w http.ResponseWriter, r *http.Request) {
	records, err := h.Accounts.ListFeastTokens(r.Context(), managerFrom(r), r.URL.Query().Get("search"))
	if err != nil {
		h.fail(w, err)
		return
	}
	dtos := make([]FeastTokenDTO, len(records))
	for i, rec := range records {
		dtos[i] = toFeastTokenDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// LISTINGS
// =============================================================================

func (h *Handler) ListStudents(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.Accounts.ListStudents(r.Context(), managerFrom(r))
	if err != nil {
		h.fail(w, err)
		return
	}

	if wantsCSV(r) {
		rows := make([][]string, len(summaries))
		for i, s := range summaries {
			rows[i] = []string{
				s.Student.Code,
				s.Student.Name,
				s.Student.RoomNo,
				s.Student.Phone,
				strconv.Itoa(s.TotalDays),
				s.TotalAmount.String(),
				s.TotalPaid.String(),
				s.DueAmount.String(),
			}
		}
		h.writeCSV(w, "students.csv",
			[]string{"Student ID", "Name", "Room", "Phone", "Total Days", "Total Amount", "Total Paid", "Due"}, rows)
		return
	}

	dtos := make([]StudentDTO, len(summaries))
	for i, s := range summaries {
		dtos[i] = toStudentDTO(s.Student, false)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	records, err := h.Accounts.ListTransactions(r.Context(), managerFrom(r))
	if err != nil {
		h.fail(w, err)
		return
	}

	if wantsCSV(r) {
		rows := make([][]string, len(records))
		for i, rec := range records {
			rows[i] = []string{
				rec.Date.UTC().Format("2006-01-02 15:04"),
				rec.StudentCode,
				rec.StudentName,
				rec.RoomNo,
				string(rec.Type),
				strconv.Itoa(rec.Days),
				rec.Amount.String(),
				rec.PaidAmount.String(),
				rec.Note,
			}
		}
		h.writeCSV(w, "transactions.csv",
			[]string{"Date", "Student ID", "Name", "Room", "Type", "Days", "Amount", "Paid", "Note"}, rows)
		return
	}

	dtos := make([]TransactionDTO, len(records))
	for i, rec := range records {
		dto := toTransactionDTO(rec.Transaction)
		dto.StudentID = rec.StudentCode
		dto.StudentName = rec.StudentName
		dto.RoomNo = rec.RoomNo
		dtos[i] = dto
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetTariff returns the rates the account service charges.
func (h *Handler) GetTariff(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Tariffs.ToJSON(h.Accounts.Policy()))
}

// =============================================================================
// HELPERS
// =============================================================================

// bind decodes and validates the body. Unknown fields are rejected. It
// writes the 400 itself and reports whether the handler may continue.
func (h *Handler) bind(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	err := h.validate.Struct(dst)
	if err == nil {
		return true
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	fields := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fe.Field()] = fe.Tag()
	}
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   "Validation failed",
		Kind:    generic.KindValidation,
		Context: map[string]any{"fields": fields},
	})
	return false
}

// fail renders a service error. The services already logged it.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	f := generic.Describe(err)
	writeJSON(w, statusFor(f.Kind), ErrorResponse{
		Error:     f.Message,
		Kind:      f.Kind,
		Retryable: f.Retryable,
		Context:   f.Context,
	})
}

func statusFor(kind generic.Kind) int {
	switch kind {
	case generic.KindValidation:
		return http.StatusBadRequest
	case generic.KindQuotaExceeded:
		return http.StatusUnprocessableEntity
	case generic.KindNotFound:
		return http.StatusNotFound
	case generic.KindConflict:
		return http.StatusConflict
	case generic.KindPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func wantsCSV(r *http.Request) bool {
	return strings.EqualFold(r.URL.Query().Get("format"), "csv")
}

func (h *Handler) writeCSV(w http.ResponseWriter, filename string, header []string, rows [][]string) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	cw.Write(header)
	if err := cw.WriteAll(rows); err != nil {
		h.logger.Warn("csv export interrupted", zap.String("file", filename), zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
