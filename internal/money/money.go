// Package money fixes the arithmetic rules for ledger amounts: fixed-point,
// four fractional digits, banker's rounding at every boundary.
package money

import "github.com/shopspring/decimal"

// Scale is the number of fractional digits carried by every ledger amount.
const Scale = 4

// Quantize rounds an amount to the ledger scale using banker's rounding.
func Quantize(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(Scale)
}

// Parse converts a decimal string into a quantized ledger amount.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return Quantize(d), nil
}

// IsPositive reports whether the amount is strictly greater than zero.
func IsPositive(d decimal.Decimal) bool {
	return d.IsPositive()
}
