// Package fixedpoint provides the integer-precision arithmetic shared by every
// part of the engine.
//
// The engine has exactly one internal scale: base-currency amounts, token
// quantities and prices are shopspring/decimal values truncated to Scale (18)
// fractional digits. The 6-decimal token-unit convention and raw 18-decimal
// integers ("wei") exist only at the boundary and are converted here.
//
// All monetary values use shopspring/decimal, never float64.
package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// Scale is the number of fractional digits kept for every internal value.
	Scale int32 = 18

	// TokenScale is the 6-decimal convention used for token quantities by
	// some external clients.
	TokenScale int32 = 6

	// BasisPoints is the denominator for every rate expressed in bps.
	BasisPoints int64 = 10000
)

var (
	// ErrInvalidNumber is returned when a boundary value cannot be parsed.
	ErrInvalidNumber = errors.New("fixedpoint: invalid number")

	// ErrTooPrecise is returned when input carries more than Scale digits.
	ErrTooPrecise = errors.New("fixedpoint: more than 18 fractional digits")
)

// Mul returns a × b truncated to Scale digits.
func Mul(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).Truncate(Scale)
}

// Div returns a / b truncated to Scale digits. Division by zero yields zero;
// callers validate denominators before dividing.
func Div(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.Zero
	}
	// Two guard digits so the truncation, not DivRound's rounding, decides
	// the last kept digit.
	return a.DivRound(b, Scale+2).Truncate(Scale)
}

// Bps converts a basis-point rate to a fraction (500 → 0.05). The shift by
// four digits is exact division by BasisPoints.
func Bps(rate int64) decimal.Decimal {
	return decimal.NewFromInt(rate).Shift(-4)
}

// ApplyBps returns x × rate / 10000 truncated to Scale digits.
func ApplyBps(x decimal.Decimal, rate int64) decimal.Decimal {
	return x.Mul(decimal.NewFromInt(rate)).Shift(-4).Truncate(Scale)
}

// Parse reads a canonical decimal string. Exponent notation is accepted;
// values with more than Scale fractional digits are rejected rather than
// silently truncated.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrInvalidNumber)
	}
	x, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidNumber, s)
	}
	if !x.Equal(x.Truncate(Scale)) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrTooPrecise, s)
	}
	return x, nil
}

// FromTokenUnits converts an integer quantity in 6-decimal token units to the
// canonical scale (1_500_000 → 1.5).
func FromTokenUnits(units int64) decimal.Decimal {
	return decimal.New(units, -TokenScale)
}

// ToTokenUnits converts a canonical value to 6-decimal token units,
// truncating any finer precision.
func ToTokenUnits(x decimal.Decimal) int64 {
	return x.Shift(TokenScale).Truncate(0).IntPart()
}

// FromWei converts a raw 18-decimal integer to the canonical scale.
func FromWei(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -Scale)
}

// ToWei converts a canonical value to a raw 18-decimal integer.
func ToWei(x decimal.Decimal) *big.Int {
	return x.Shift(Scale).Truncate(0).BigInt()
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
