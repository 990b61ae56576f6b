package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Fixed-point amounts, always rounded to 2 places at boundaries
// =============================================================================

// Money is a rupee amount. All computed amounts go through Round2 before they
// are stored or compared, so balance == total - paid holds exactly.
type Money = decimal.Decimal

var (
	// Epsilon is the rounding tolerance used for status derivation.
	Epsilon = decimal.New(1, -2)

	hundred      = decimal.NewFromInt(100)
	halfLowBand  = decimal.RequireFromString("0.49")
	halfHighBand = decimal.RequireFromString("0.51")
)

// Round2 rounds half away from zero to 2 decimal places.
func Round2(m Money) Money {
	return m.Round(2)
}

// ParseMoney parses a decimal string such as "1250.50".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

// MustMoney parses s or panics. Intended for constants and tests.
func MustMoney(s string) Money {
	return decimal.RequireFromString(s)
}

// MoneyFromInt returns a whole-rupee amount.
func MoneyFromInt(v int64) Money {
	return decimal.NewFromInt(v)
}

// HasAtMostTwoPlaces reports whether m needs no rounding.
func HasAtMostTwoPlaces(m Money) bool {
	return m.Equal(Round2(m))
}

// percentOf returns round2(m * pct / 100).
func percentOf(m, pct Money) Money {
	return Round2(m.Mul(pct).Div(hundred))
}

func maxMoney(a, b Money) Money {
	if a.GreaterThan(b) {
		return a
	}
	return b
}
