package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CostRange is an estimated repair cost envelope.
type CostRange struct {
	Min      decimal.Decimal `json:"min"`
	Max      decimal.Decimal `json:"max"`
	Currency string          `json:"currency"`
}

// NewCostRange parses decimal bounds, normalising the order.
func NewCostRange(minValue, maxValue, currency string) (CostRange, error) {
	lo, err := decimal.NewFromString(minValue)
	if err != nil {
		return CostRange{}, fmt.Errorf("invalid min cost %q: %w", minValue, err)
	}
	hi, err := decimal.NewFromString(maxValue)
	if err != nil {
		return CostRange{}, fmt.Errorf("invalid max cost %q: %w", maxValue, err)
	}
	if lo.IsNegative() || hi.IsNegative() {
		return CostRange{}, fmt.Errorf("cost bounds must be non-negative")
	}
	if hi.LessThan(lo) {
		lo, hi = hi, lo
	}
	if currency == "" {
		currency = "USD"
	}
	return CostRange{Min: lo, Max: hi, Currency: currency}, nil
}

// Equal compares bounds numerically.
func (c CostRange) Equal(other CostRange) bool {
	return c.Min.Equal(other.Min) && c.Max.Equal(other.Max) && c.Currency == other.Currency
}

func (c CostRange) String() string {
	return fmt.Sprintf("%s-%s %s", c.Min.StringFixed(2), c.Max.StringFixed(2), c.Currency)
}
