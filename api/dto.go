/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model (calendar, account, generic) from the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Request types carry validator/v10 tags. Handler.bind runs them before any
  service call; field errors are reported by their JSON name.

MONEY:
  Requests accept amounts as JSON numbers or decimal strings. Responses render
  them as JSON numbers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/messhall/dining-engine/account"
	"github.com/messhall/dining-engine/calendar"
	"github.com/messhall/dining-engine/dining"
	"github.com/messhall/dining-engine/generic"
)

// =============================================================================
// REQUESTS
// =============================================================================

type StartMonthRequest struct {
	StartDate string `json:"startDate" validate:"required,datetime=2006-01-02"`
}

type BreakDaysRequest struct {
	Dates  []string `json:"dates" validate:"required,min=1,dive,datetime=2006-01-02"`
	Reason string   `json:"reason" validate:"omitempty,max=120"`
}

// PurchaseRequest buys dining days. Name is required the first time a student
// code is seen; later the profile fields only overwrite when non-empty.
type PurchaseRequest struct {
	DayIDs     []string        `json:"dayIds" validate:"required,min=1,dive,required"`
	PaidAmount decimal.Decimal `json:"paidAmount"`
	Name       string          `json:"name" validate:"omitempty,max=120"`
	Phone      string          `json:"phone" validate:"omitempty,max=32"`
	RoomNo     string          `json:"roomNo" validate:"omitempty,max=32"`
}

// ReturnRequest hands days back. RefundedAmount defaults to the tariff's
// refund rate times the number of days.
type ReturnRequest struct {
	Dates          []string         `json:"dates" validate:"required,min=1,dive,datetime=2006-01-02"`
	RefundedAmount *decimal.Decimal `json:"refundedAmount,omitempty"`
}

type FeastTokenRequest struct {
	StartDay int `json:"startDay" validate:"required,min=1"`
}

type FeastTokenPaymentRequest struct {
	PaidAmount decimal.Decimal `json:"paidAmount"`
}

// =============================================================================
// CALENDAR
// =============================================================================

type DayDTO struct {
	ID            string   `json:"id"`
	DayNumber     int      `json:"dayNumber"`
	Date          string   `json:"date"`
	IsPast        bool     `json:"isPast"`
	Students      []string `json:"students"`
	EnrolledCount int      `json:"enrolledCount"`
}

type BreakDayDTO struct {
	Date   string `json:"date"`
	Reason string `json:"reason"`
}

type MonthDTO struct {
	ID         string        `json:"id"`
	StartDate  string        `json:"startDate"`
	EndDate    string        `json:"endDate"`
	DayCount   int           `json:"dayCount"`
	IsActive   bool          `json:"isActive"`
	CreatedAt  time.Time     `json:"createdAt"`
	DiningDays []DayDTO      `json:"diningDays"`
	BreakDays  []BreakDayDTO `json:"breakDays"`
}

type CalendarDTO struct {
	Month MonthDTO       `json:"month"`
	Stats calendar.Stats `json:"stats"`
}

type DashboardDTO struct {
	Month        MonthDTO        `json:"month"`
	Today        string          `json:"today"`
	CurrentDay   int             `json:"currentDay"`
	NextDay      *dining.NextDay `json:"nextDay,omitempty"`
	Stats        calendar.Stats  `json:"stats"`
	StudentCount int             `json:"studentCount"`
}

// =============================================================================
// STUDENTS
// =============================================================================

type TransactionDTO struct {
	ID          string    `json:"id"`
	Date        time.Time `json:"date"`
	Days        int       `json:"days"`
	Amount      float64   `json:"amount"`
	PaidAmount  float64   `json:"paidAmount"`
	Type        string    `json:"type"`
	Note        string    `json:"note,omitempty"`
	StudentID   string    `json:"studentId,omitempty"`
	StudentName string    `json:"studentName,omitempty"`
	RoomNo      string    `json:"roomNo,omitempty"`
}

type StudentDTO struct {
	ID                  string           `json:"id"`
	StudentID           string           `json:"studentId"`
	Name                string           `json:"name"`
	Phone               string           `json:"phone"`
	RoomNo              string           `json:"roomNo"`
	SelectedDays        []string         `json:"selectedDays"`
	ReturnedDays        []string         `json:"returnedDays"`
	ReturnCount         int              `json:"returnCount"`
	FeastPaid           bool             `json:"feastPaid"`
	DailyFeastQuotaPaid bool             `json:"dailyFeastQuotaPaid"`
	TotalDays           int              `json:"totalDays"`
	TotalAmount         float64          `json:"totalAmount"`
	TotalPaid           float64          `json:"totalPaid"`
	DueAmount           float64          `json:"dueAmount"`
	Transactions        []TransactionDTO `json:"transactions,omitempty"`
	CreatedAt           time.Time        `json:"createdAt"`
	UpdatedAt           time.Time        `json:"updatedAt"`
}

// FeastTokenDTO is a token with its holder. PaymentStatus is "Paid" or
// "Pending".
type FeastTokenDTO struct {
	ID            string    `json:"id"`
	StudentID     string    `json:"studentId"`
	StudentName   string    `json:"studentName"`
	RoomNo        string    `json:"roomNo"`
	StartDay      int       `json:"startDay"`
	EndDay        int       `json:"endDay"`
	RemainingDays int       `json:"remainingDays"`
	TotalCost     float64   `json:"totalCost"`
	PaidAmount    float64   `json:"paidAmount"`
	DueAmount     float64   `json:"dueAmount"`
	PaymentStatus string    `json:"paymentStatus"`
	CreatedAt     time.Time `json:"createdAt"`
}

// SearchResponse feeds the purchase screen: the student if known and the
// calendar to pick slots from.
type SearchResponse struct {
	Exists       bool                `json:"exists"`
	Student      *StudentDTO         `json:"student,omitempty"`
	Quota        *account.ReturnInfo `json:"quota,omitempty"`
	CalendarDays []DayDTO            `json:"calendarDays"`
	BreakDays    []BreakDayDTO       `json:"breakDays"`
}

type ReturnResponse struct {
	Student StudentDTO         `json:"student"`
	Quota   account.ReturnInfo `json:"quota"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error     string         `json:"error"`
	Details   string         `json:"details,omitempty"`
	Kind      generic.Kind   `json:"kind,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toDayDTOs(slots []calendar.Slot) []DayDTO {
	out := make([]DayDTO, len(slots))
	for i, s := range slots {
		students := make([]string, len(s.Students))
		for j, id := range s.Students {
			students[j] = string(id)
		}
		out[i] = DayDTO{
			ID:            string(s.ID),
			DayNumber:     s.DayNumber,
			Date:          s.Date.String(),
			IsPast:        s.IsPast,
			Students:      students,
			EnrolledCount: len(students),
		}
	}
	return out
}

func toBreakDayDTOs(breaks []calendar.BreakDay) []BreakDayDTO {
	out := make([]BreakDayDTO, len(breaks))
	for i, b := range breaks {
		out[i] = BreakDayDTO{Date: b.Date.String(), Reason: b.Reason}
	}
	return out
}

func toMonthDTO(m *calendar.Month) MonthDTO {
	return MonthDTO{
		ID:         string(m.ID),
		StartDate:  m.Window.Start.String(),
		EndDate:    m.Window.End.String(),
		DayCount:   m.DayCount,
		IsActive:   m.IsActive,
		CreatedAt:  m.CreatedAt,
		DiningDays: toDayDTOs(m.Window.Slots),
		BreakDays:  toBreakDayDTOs(m.Window.Breaks),
	}
}

func toTransactionDTO(tx generic.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:         string(tx.ID),
		Date:       tx.Date,
		Days:       tx.Days,
		Amount:     tx.Amount.Float64(),
		PaidAmount: tx.PaidAmount.Float64(),
		Type:       string(tx.Type),
		Note:       tx.Note,
	}
}

func dayIDStrings(ids []generic.DayID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

// toStudentDTO renders a student with totals replayed from its log.
// withLog includes the transactions themselves.
func toStudentDTO(st *account.Student, withLog bool) StudentDTO {
	totals := st.Totals()
	dto := StudentDTO{
		ID:                  string(st.ID),
		StudentID:           st.Code,
		Name:                st.Name,
		Phone:               st.Phone,
		RoomNo:              st.RoomNo,
		SelectedDays:        dayIDStrings(st.SelectedDays),
		ReturnedDays:        dayIDStrings(st.ReturnedDays),
		ReturnCount:         st.ReturnCount,
		FeastPaid:           st.FeastPaid,
		DailyFeastQuotaPaid: st.DailyFeastQuotaPaid,
		TotalDays:           totals.TotalDays,
		TotalAmount:         totals.TotalAmount.Float64(),
		TotalPaid:           totals.TotalPaid.Float64(),
		DueAmount:           totals.Due().Float64(),
		CreatedAt:           st.CreatedAt,
		UpdatedAt:           st.UpdatedAt,
	}
	if withLog {
		dto.Transactions = make([]TransactionDTO, len(st.Transactions))
		for i, tx := range st.Transactions {
			dto.Transactions[i] = toTransactionDTO(tx)
		}
	}
	return dto
}

func toFeastTokenDTO(rec dining.FeastTokenRecord) FeastTokenDTO {
	status := "Pending"
	if rec.Token.IsPaid {
		status = "Paid"
	}
	return FeastTokenDTO{
		ID:            string(rec.Token.ID),
		StudentID:     rec.Student.Code,
		StudentName:   rec.Student.Name,
		RoomNo:        rec.Student.RoomNo,
		StartDay:      rec.Token.StartDay,
		EndDay:        rec.Token.EndDay,
		RemainingDays: rec.Token.RemainingDays,
		TotalCost:     rec.Token.TotalCost.Float64(),
		PaidAmount:    rec.Token.PaidAmount.Float64(),
		DueAmount:     rec.Token.DueAmount.Float64(),
		PaymentStatus: status,
		CreatedAt:     rec.Token.CreatedAt,
	}
}
