// Package numeric provides decimal parsing and tick helpers shared by loaders and serializers.
package numeric

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Parse converts a decimal string. Empty or malformed input returns (zero, false).
func Parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// ParseNull converts a decimal string into a NullDecimal.
func ParseNull(s string) decimal.NullDecimal {
	d, ok := Parse(s)
	if !ok {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

// ScaleFromStep derives the fractional precision of a step such as "0.010".
func ScaleFromStep(step decimal.Decimal) int32 {
	if step.IsZero() {
		return 0
	}
	s := strings.TrimRight(step.String(), "0")
	idx := strings.IndexByte(s, '.')
	if idx < 0 {
		return 0
	}
	return int32(len(s) - idx - 1)
}

// Ticks expresses value as a whole number of steps, rounding to the nearest step.
func Ticks(value, step decimal.Decimal) (int64, bool) {
	if !step.IsPositive() {
		return 0, false
	}
	return value.Div(step).Round(0).IntPart(), true
}

// RoundToStep rounds value to the step's precision.
func RoundToStep(value, step decimal.Decimal) decimal.Decimal {
	return value.Round(ScaleFromStep(step))
}
