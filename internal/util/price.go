// Package util provides common utility functions for price calculations.
package util

import "github.com/shopspring/decimal"

// PennyTick is the minimum price increment for most listed options.
var PennyTick = decimal.RequireFromString("0.01")

// RoundToTick rounds x to the nearest tick increment, ties away from zero.
// For example, with tick=0.05, 1.27 becomes 1.25 and 1.275 becomes 1.30.
func RoundToTick(x, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return x
	}
	return x.Div(tick).Round(0).Mul(tick)
}

// FloorToTick rounds x down to a tick multiple.
func FloorToTick(x, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return x
	}
	return x.Div(tick).Floor().Mul(tick)
}

// CeilToTick rounds x up to a tick multiple.
func CeilToTick(x, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return x
	}
	return x.Div(tick).Ceil().Mul(tick)
}

// FromFloat converts a configured float to a decimal rounded to the given
// number of places, so 0.1 from YAML becomes exactly 0.1.
func FromFloat(f float64, places int32) decimal.Decimal {
	return decimal.NewFromFloat(f).Round(places)
}
