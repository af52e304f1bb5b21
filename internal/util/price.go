// Package util provides common helpers for price and volume arithmetic.
package util

import "math"

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.01, 1.2345 becomes 1.23 or 1.24 depending on rounding.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// QuantizeVolume rounds volume DOWN to the nearest multiple of step.
// Sizing must never round up past what risk approved.
func QuantizeVolume(volume, step float64) float64 {
	if step <= 0 {
		return volume
	}
	q := math.Floor(volume/step+1e-9) * step
	// floor in float space can leave residue like 0.049999999
	return math.Round(q/step) * step
}

// Clamp bounds x to [lo, hi]. hi <= 0 means no upper bound.
func Clamp(x, lo, hi float64) float64 {
	if hi > 0 && x > hi {
		x = hi
	}
	if x < lo {
		x = lo
	}
	return x
}
