// Package money provides shared decimal parsing and formatting for escrow amounts.
//
// Amounts are shopspring decimals quantized to the minor-unit scale of their
// currency (2 for most ISO currencies, 0 for JPY/KRW, 3 for the dinars).
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultScale is used for currencies without an explicit entry.
const DefaultScale int32 = 2

var (
	ErrInvalidAmount   = errors.New("money: invalid amount")
	ErrTooPrecise      = errors.New("money: amount has more decimals than the currency allows")
	ErrUnknownCurrency = errors.New("money: currency must be a 3-letter ISO code")
)

var scales = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"BHD": 3,
	"KWD": 3,
	"OMR": 3,
	"TND": 3,
}

// Zero is the additive identity, exported to keep call sites short.
var Zero = decimal.Zero

// Scale returns the number of minor-unit decimals for currency.
func Scale(currency string) int32 {
	if s, ok := scales[strings.ToUpper(currency)]; ok {
		return s
	}
	return DefaultScale
}

// NormalizeCurrency upper-cases and validates an ISO 4217 code.
func NormalizeCurrency(currency string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(currency))
	if len(c) != 3 {
		return "", ErrUnknownCurrency
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return "", ErrUnknownCurrency
		}
	}
	return c, nil
}

// Parse converts a decimal string (e.g. "1000.50") into a decimal.
// Returns (zero, false) on empty, malformed, or negative input.
func Parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return decimal.Zero, false
	}
	return d, true
}

// ParsePositive parses s and checks it is strictly positive and fits the
// currency's minor-unit scale.
func ParsePositive(s, currency string) (decimal.Decimal, error) {
	d, ok := Parse(s)
	if !ok || !d.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if err := CheckScale(d, currency); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// CheckScale rejects amounts with sub-minor-unit precision.
func CheckScale(d decimal.Decimal, currency string) error {
	if !d.Equal(d.Truncate(Scale(currency))) {
		return ErrTooPrecise
	}
	return nil
}

// Half returns half of total truncated to the currency scale. The remainder
// lost to truncation is picked up by the final remaining-balance release.
func Half(total decimal.Decimal, currency string) decimal.Decimal {
	return total.Div(decimal.NewFromInt(2)).Truncate(Scale(currency))
}

// Format renders d with exactly the currency's number of decimals.
func Format(d decimal.Decimal, currency string) string {
	return d.StringFixed(Scale(currency))
}

// Sum adds amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
