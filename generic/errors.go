/*
errors.go - Centralized error types for the dining engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages return these; the service boundary turns them into a
  structured Fault (kind + message + context) and never lets them escape
  unclassified.

ERROR KINDS:
  1. validation      - malformed or policy-violating input, rejected before any mutation
  2. quota_exceeded  - return-quota floor/ceiling violations, with the quota numbers
  3. not_found       - unknown student or no active month
  4. conflict        - re-purchase of a returned day, repeated one-time fee
  5. persistence     - atomic commit failure; nothing applied. Retryable only
                       when the store saw a transient fault (busy, timeout)

USAGE:
  if errors.Is(err, generic.ErrQuotaExceeded) {
      var q *generic.QuotaExceededError
      errors.As(err, &q)
      fmt.Println(q.RemainingReturns)
  }

SEE ALSO:
  - api/handlers.go: Maps Fault kinds to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation    = errors.New("validation failed")
	ErrQuotaExceeded = errors.New("return quota exceeded")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrPersistence   = errors.New("persistence failure")

	// ErrNoActiveMonth is returned when a manager has no running cycle.
	ErrNoActiveMonth = fmt.Errorf("no active dining month: %w", ErrNotFound)
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field and value.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("%s %s: %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Quota violation reasons, in the order they are checked.
const (
	QuotaLimitReached  = "limit_reached"
	QuotaBelowMinimum  = "below_minimum"
	QuotaOverRemaining = "over_remaining"
)

// QuotaExceededError carries the quota numbers so the caller can show the
// remaining allowance.
type QuotaExceededError struct {
	Reason           string
	ReturnCount      int
	RemainingReturns int
	MaxReturns       int
	MinReturnDays    int
	Requested        int
}

func (e *QuotaExceededError) Error() string {
	switch e.Reason {
	case QuotaLimitReached:
		return fmt.Sprintf("cannot return tokens: maximum return limit (%d) has been reached", e.MaxReturns)
	case QuotaBelowMinimum:
		return fmt.Sprintf("minimum %d days required to return, %d selected", e.MinReturnDays, e.Requested)
	default:
		return fmt.Sprintf("cannot return %d days: only %d day(s) remaining in quota", e.Requested, e.RemainingReturns)
	}
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

// NotFoundError names the missing resource.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.Key)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError is returned when the request collides with recorded state.
// Restricted lists the day identities involved, if any.
type ConflictError struct {
	Message    string
	Restricted []DayID
}

func (e *ConflictError) Error() string {
	if len(e.Restricted) == 0 {
		return e.Message
	}
	ids := make([]string, len(e.Restricted))
	for i, id := range e.Restricted {
		ids[i] = string(id)
	}
	return fmt.Sprintf("%s (%s)", e.Message, strings.Join(ids, ", "))
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// PersistenceError wraps a store failure. The unit of work was rolled back.
// Retryable marks transient faults; integrity refusals leave it false.
type PersistenceError struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// Persistence wraps err unless it is already classified. Stores use it on
// every driver error so callers only ever see taxonomy errors.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindInternal {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

type Kind string

const (
	KindValidation    Kind = "validation"
	KindQuotaExceeded Kind = "quota_exceeded"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindPersistence   Kind = "persistence"
	KindInternal      Kind = "internal"
)

// KindOf classifies err.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	default:
		return KindInternal
	}
}

// IsRetryable returns true if the error might succeed on retry. Only
// persistence errors the store marked as transient qualify.
func IsRetryable(err error) bool {
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// =============================================================================
// FAULT - The structured result handed to the presentation layer
// =============================================================================

// Fault is an error flattened into kind, message and optional context.
type Fault struct {
	Kind      Kind           `json:"kind"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// Describe converts any error into a Fault. Persistence and unclassified
// errors are reported opaquely.
func Describe(err error) Fault {
	f := Fault{Kind: KindOf(err), Message: err.Error()}

	var (
		ve *ValidationError
		qe *QuotaExceededError
		ne *NotFoundError
		ce *ConflictError
	)
	switch {
	case errors.As(err, &qe):
		f.Context = map[string]any{
			"reason":           qe.Reason,
			"returnCount":      qe.ReturnCount,
			"remainingReturns": qe.RemainingReturns,
			"maxReturns":       qe.MaxReturns,
			"minReturnDays":    qe.MinReturnDays,
			"requested":        qe.Requested,
		}
	case errors.As(err, &ce):
		if len(ce.Restricted) > 0 {
			f.Context = map[string]any{"restrictedDays": ce.Restricted}
		}
	case errors.As(err, &ve):
		f.Context = map[string]any{"field": ve.Field}
		if ve.Value != "" {
			f.Context["value"] = ve.Value
		}
	case errors.As(err, &ne):
		f.Context = map[string]any{"resource": ne.Resource}
	}

	switch f.Kind {
	case KindPersistence:
		f.Retryable = IsRetryable(err)
		f.Message = "the operation was not applied"
		if f.Retryable {
			f.Message += ", please retry"
		}
	case KindInternal:
		f.Message = "internal error"
	}
	return f
}
