package generic_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/messhall/dining-engine/generic"
)

func TestDescribe_KindsAndContext(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      generic.Kind
		message   string
		retryable bool
		context   map[string]any
	}{
		{
			name: "quota carries the numbers",
			err: &generic.QuotaExceededError{
				Reason: generic.QuotaOverRemaining, ReturnCount: 8, RemainingReturns: 2,
				MaxReturns: 10, MinReturnDays: 3, Requested: 3,
			},
			kind:    generic.KindQuotaExceeded,
			message: "cannot return 3 days: only 2 day(s) remaining in quota",
			context: map[string]any{
				"reason": generic.QuotaOverRemaining, "returnCount": 8, "remainingReturns": 2,
				"maxReturns": 10, "minReturnDays": 3, "requested": 3,
			},
		},
		{
			name:    "conflict lists restricted days",
			err:     &generic.ConflictError{Message: "returned days cannot be bought", Restricted: []generic.DayID{"d-1"}},
			kind:    generic.KindConflict,
			message: "returned days cannot be bought (d-1)",
			context: map[string]any{"restrictedDays": []generic.DayID{"d-1"}},
		},
		{
			name:    "conflict without days has no context",
			err:     &generic.ConflictError{Message: "feast fee already posted"},
			kind:    generic.KindConflict,
			message: "feast fee already posted",
		},
		{
			name:    "validation names field and value",
			err:     &generic.ValidationError{Field: "dates", Value: "2025-01-09", Message: "is in the past"},
			kind:    generic.KindValidation,
			message: "dates 2025-01-09: is in the past",
			context: map[string]any{"field": "dates", "value": "2025-01-09"},
		},
		{
			name:    "not found names the resource",
			err:     fmt.Errorf("clear due: %w", &generic.NotFoundError{Resource: "student", Key: "S-9"}),
			kind:    generic.KindNotFound,
			message: `clear due: student "S-9" not found`,
			context: map[string]any{"resource": "student"},
		},
		{
			name:    "no active month",
			err:     generic.ErrNoActiveMonth,
			kind:    generic.KindNotFound,
			message: "no active dining month: not found",
		},
		{
			name:      "transient persistence is retryable and opaque",
			err:       &generic.PersistenceError{Op: "commit", Err: errors.New("database is locked"), Retryable: true},
			kind:      generic.KindPersistence,
			message:   "the operation was not applied, please retry",
			retryable: true,
		},
		{
			name:    "integrity persistence is not retryable",
			err:     generic.Persistence("save student", errors.New("ledger would shrink")),
			kind:    generic.KindPersistence,
			message: "the operation was not applied",
		},
		{
			name:    "unclassified is internal",
			err:     errors.New("boom"),
			kind:    generic.KindInternal,
			message: "internal error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := generic.Describe(tt.err)

			assert.Equal(t, tt.kind, f.Kind)
			assert.Equal(t, tt.message, f.Message)
			assert.Equal(t, tt.retryable, f.Retryable)
			assert.Equal(t, tt.context, f.Context)
			assert.Equal(t, tt.retryable, generic.IsRetryable(tt.err))
		})
	}
}

func TestPersistence_KeepsClassifiedErrors(t *testing.T) {
	conflict := &generic.ConflictError{Message: "taken"}

	assert.Same(t, conflict, generic.Persistence("save", conflict))
	assert.Nil(t, generic.Persistence("save", nil))

	err := generic.Persistence("begin", context.Canceled)
	assert.ErrorIs(t, err, generic.ErrPersistence)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, generic.IsNotFound(generic.ErrNoActiveMonth))
	assert.True(t, generic.IsNotFound(&generic.NotFoundError{Resource: "feast token"}))
	assert.False(t, generic.IsNotFound(&generic.ConflictError{}))
}
