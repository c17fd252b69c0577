/*
Package factory provides JSON to Go tariff conversion.

PURPOSE:
  Converts a JSON tariff card into an account.Policy, so a mess can change
  its rates without a rebuild. Missing fields fall back to the standard
  tariff.

JSON SCHEMA:
  {
    "rate_per_day": 80,
    "refund_rate_per_day": 35,
    "feast_fee": 100,
    "daily_quota_rate": 10,
    "max_returns": 10,
    "min_return_batch": 3
  }

VALIDATION:
  - rates and fees must not be negative
  - min_return_batch must be at least 1 and at most max_returns

USAGE:
  f := factory.NewTariffFactory()
  policy, err := f.LoadFile(cfg.Tariff.File)

SEE ALSO:
  - account/student.go: Policy and DefaultPolicy
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"github.com/messhall/dining-engine/account"
	"github.com/messhall/dining-engine/generic"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// TariffJSON is the JSON representation of a tariff card.
type TariffJSON struct {
	RatePerDay       *decimal.Decimal `json:"rate_per_day,omitempty"`
	RefundRatePerDay *decimal.Decimal `json:"refund_rate_per_day,omitempty"`
	FeastFee         *decimal.Decimal `json:"feast_fee,omitempty"`
	DailyQuotaRate   *decimal.Decimal `json:"daily_quota_rate,omitempty"`
	MaxReturns       *int             `json:"max_returns,omitempty"`
	MinReturnBatch   *int             `json:"min_return_batch,omitempty"`
}

// =============================================================================
// FACTORY
// =============================================================================

type TariffFactory struct {
	defaults account.Policy
}

func NewTariffFactory() *TariffFactory {
	return &TariffFactory{defaults: account.DefaultPolicy()}
}

// ParseTariff converts a JSON tariff card into a policy.
func (f *TariffFactory) ParseTariff(jsonStr string) (account.Policy, error) {
	var tj TariffJSON
	if err := json.Unmarshal([]byte(jsonStr), &tj); err != nil {
		return account.Policy{}, fmt.Errorf("failed to parse tariff JSON: %w", err)
	}
	return f.FromJSON(tj)
}

// LoadFile reads a tariff card from disk. An empty path yields the defaults.
func (f *TariffFactory) LoadFile(path string) (account.Policy, error) {
	if path == "" {
		return f.defaults, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return account.Policy{}, fmt.Errorf("failed to read tariff file: %w", err)
	}
	return f.ParseTariff(string(b))
}

// FromJSON overlays the card on the default policy.
func (f *TariffFactory) FromJSON(tj TariffJSON) (account.Policy, error) {
	p := f.defaults

	money := []struct {
		name string
		src  *decimal.Decimal
		dst  *generic.Amount
	}{
		{"rate_per_day", tj.RatePerDay, &p.RatePerDay},
		{"refund_rate_per_day", tj.RefundRatePerDay, &p.RefundRatePerDay},
		{"feast_fee", tj.FeastFee, &p.FeastFee},
		{"daily_quota_rate", tj.DailyQuotaRate, &p.DailyQuotaRate},
	}
	for _, m := range money {
		if m.src == nil {
			continue
		}
		if m.src.IsNegative() {
			return account.Policy{}, fmt.Errorf("%s must not be negative", m.name)
		}
		*m.dst = generic.Amount{Value: *m.src}
	}

	if tj.MaxReturns != nil {
		p.MaxReturns = *tj.MaxReturns
	}
	if tj.MinReturnBatch != nil {
		p.MinReturnBatch = *tj.MinReturnBatch
	}
	if p.MaxReturns < 0 {
		return account.Policy{}, fmt.Errorf("max_returns must not be negative")
	}
	if p.MinReturnBatch < 1 || p.MinReturnBatch > p.MaxReturns {
		return account.Policy{}, fmt.Errorf("min_return_batch must be between 1 and max_returns (%d)", p.MaxReturns)
	}
	return p, nil
}

// ToJSON renders a policy as a complete tariff card.
func (f *TariffFactory) ToJSON(p account.Policy) TariffJSON {
	return TariffJSON{
		RatePerDay:       &p.RatePerDay.Value,
		RefundRatePerDay: &p.RefundRatePerDay.Value,
		FeastFee:         &p.FeastFee.Value,
		DailyQuotaRate:   &p.DailyQuotaRate.Value,
		MaxReturns:       &p.MaxReturns,
		MinReturnBatch:   &p.MinReturnBatch,
	}
}
