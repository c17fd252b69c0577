package dining

import (
	"context"
	"strings"

	"github.com/messhall/dining-engine/account"
	"github.com/messhall/dining-engine/generic"
)

// =============================================================================
// FEAST TOKENS
// =============================================================================

// FeastTokenRecord is a token together with the student holding it.
type FeastTokenRecord struct {
	Student *account.Student
	Token   account.FeastToken
}

// CreateFeastToken subscribes the student to the feast from startDay on.
func (s *AccountService) CreateFeastToken(ctx context.Context, manager generic.ManagerID, code string, startDay int) (*FeastTokenRecord, error) {
	st, err := s.apply(ctx, "create feast token", manager, code, func(st *account.Student) (*account.Outcome, error) {
		return s.engine.CreateFeastToken(st, startDay)
	})
	if err != nil {
		return nil, err
	}
	return s.record(st), nil
}

// PayFeastToken records an instalment against the student's token.
func (s *AccountService) PayFeastToken(ctx context.Context, manager generic.ManagerID, code string, amount generic.Amount) (*FeastTokenRecord, error) {
	st, err := s.apply(ctx, "pay feast token", manager, code, func(st *account.Student) (*account.Outcome, error) {
		return s.engine.PayFeastToken(st, amount)
	})
	if err != nil {
		return nil, err
	}
	return s.record(st), nil
}

// FeastTokenDetails returns the student's token, or a not-found error when
// the student has none.
func (s *AccountService) FeastTokenDetails(ctx context.Context, manager generic.ManagerID, code string) (*FeastTokenRecord, error) {
	var rec *FeastTokenRecord
	err := s.store.WithTx(ctx, func(tx Tx) error {
		_, student, err := s.load(ctx, tx, manager, code)
		if err != nil {
			return err
		}
		token, ok := s.engine.FeastTokenOf(student)
		if !ok {
			return &generic.NotFoundError{Resource: "feast token", Key: student.Code}
		}
		rec = &FeastTokenRecord{Student: student, Token: token}
		return nil
	})
	if err != nil {
		return nil, s.reject("feast token details", manager, err)
	}
	return rec, nil
}

// ListFeastTokens returns every token of the active month. A non-empty
// search keeps students whose name or code contains it, ignoring case.
func (s *AccountService) ListFeastTokens(ctx context.Context, manager generic.ManagerID, search string) ([]FeastTokenRecord, error) {
	students, err := s.students(ctx, manager)
	if err != nil {
		return nil, s.reject("list feast tokens", manager, err)
	}
	needle := strings.ToLower(strings.TrimSpace(search))
	out := []FeastTokenRecord{}
	for _, st := range students {
		token, ok := s.engine.FeastTokenOf(st)
		if !ok {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(st.Name), needle) &&
			!strings.Contains(strings.ToLower(st.Code), needle) {
			continue
		}
		out = append(out, FeastTokenRecord{Student: st, Token: token})
	}
	return out, nil
}

func (s *AccountService) record(st *account.Student) *FeastTokenRecord {
	token, _ := s.engine.FeastTokenOf(st)
	return &FeastTokenRecord{Student: st, Token: token}
}
