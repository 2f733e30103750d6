package models

import (
	"github.com/shopspring/decimal"
)

// Currency is immutable after creation. The full set is loaded from the
// currencies table once at process start and never mutated at runtime.
type Currency struct {
	Code          string `json:"code" db:"code"`
	Name          string `json:"name" db:"name"`
	Symbol        string `json:"symbol" db:"symbol"`
	DecimalPlaces int32  `json:"decimal_places" db:"decimal_places"`
}

// ValidAmount reports whether d is positive and does not carry more
// fractional digits than the currency allows.
func (c Currency) ValidAmount(d decimal.Decimal) bool {
	if d.Sign() <= 0 {
		return false
	}
	return d.Equal(d.Truncate(c.DecimalPlaces))
}
