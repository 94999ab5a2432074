// Package money parses and validates wallet amounts. Amounts are fixed-point
// decimals with at most two fraction digits, matching the NUMERIC(15,2)
// columns of the ledger.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fraction digits carried by every amount.
const Scale = 2

var (
	// ErrInvalidAmount is returned for malformed, non-positive or
	// over-precise amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	maxAmount = decimal.RequireFromString("9999999999999.99")
)

// Parse converts a decimal string such as "3000.00" into a validated amount.
func Parse(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%w: amount is required", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if err := Validate(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// Validate checks that d is strictly positive, fits the ledger column and has
// no more than two fraction digits.
func Validate(d decimal.Decimal) error {
	if !d.IsPositive() {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if !d.Round(Scale).Equal(d) {
		return fmt.Errorf("%w: at most %d decimal places", ErrInvalidAmount, Scale)
	}
	if d.GreaterThan(maxAmount) {
		return fmt.Errorf("%w: exceeds %s", ErrInvalidAmount, maxAmount.StringFixed(Scale))
	}
	return nil
}

// Format renders d with exactly two fraction digits.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}

// MustParse is Parse for constants and tests.
func MustParse(raw string) decimal.Decimal {
	d, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return d
}
