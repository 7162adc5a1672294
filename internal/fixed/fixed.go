// Package fixed implements the engine's fixed-point arithmetic.
//
// Every monetary or percentage value carries at most Scale fractional digits
// (1e-18 resolution). Values are shopspring/decimal, never float64, and every
// operation that could produce more digits truncates toward zero so results
// are reproducible bit for bit.
package fixed

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept after each operation.
const Scale int32 = 18

var (
	// ErrDivisionByZero is returned by Div and MulDiv for a zero divisor.
	ErrDivisionByZero = errors.New("fixed: division by zero")

	// One is 1.0, which is also 100% for rates and health ratios.
	One = decimal.NewFromInt(1)

	unit = decimal.New(1, Scale) // 10^18
)

// Normalize truncates d to Scale fractional digits.
func Normalize(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(Scale)
}

// Mul returns a*b truncated to Scale digits.
func Mul(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).Truncate(Scale)
}

// Div returns a/b truncated toward zero at Scale digits.
func Div(a, b decimal.Decimal) (decimal.Decimal, error) {
	if b.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}
	q, _ := a.QuoRem(b, Scale)
	return q, nil
}

// MulDiv returns a*b/c with a single truncation at the end.
func MulDiv(a, b, c decimal.Decimal) (decimal.Decimal, error) {
	return Div(a.Mul(b), c)
}

// ToScaled converts d to its integer representation in units of 1e-18.
func ToScaled(d decimal.Decimal) *big.Int {
	return Normalize(d).Mul(unit).BigInt()
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
