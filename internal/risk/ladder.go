package risk

import "github.com/shopspring/decimal"

const targetPlaces = 8

// dropFrom returns ref × (1 − pct) rounded to the ledger precision.
func dropFrom(ref, pct float64) float64 {
	one := decimal.NewFromInt(1)
	out, _ := decimal.NewFromFloat(ref).
		Mul(one.Sub(decimal.NewFromFloat(pct))).
		Round(targetPlaces).
		Float64()
	return out
}

// DropTarget is the first ladder target below a reference price.
func DropTarget(ref, pct float64) float64 {
	return dropFrom(ref, pct)
}

// ReferencePrice picks the price the next ladder step is measured from.
// A high-water mark that rallied beyond lastFill × (1 + pct/2) replaces the stale fill price.
func ReferencePrice(lastFill, hwm, pct float64) float64 {
	if hwm > lastFill*(1+pct/2) {
		return hwm
	}
	return lastFill
}

// NextTarget returns the trigger of the step after a fill at lastFill.
// The result is always strictly below the reference price for pct in (0,1).
func NextTarget(lastFill, hwm, pct float64) float64 {
	return dropFrom(ReferencePrice(lastFill, hwm, pct), pct)
}

// StaleTarget reports whether price ran far enough above a resting target
// that the target should be re-derived from the current price.
func StaleTarget(price, target, pct float64) bool {
	if pct <= 0 || pct >= 1 || target <= 0 {
		return false
	}
	return price > target/(1-pct)*(1+pct/2)
}

// TakeProfitPrice returns avg × (1 + pct) rounded to the ledger precision.
func TakeProfitPrice(avg, pct float64) float64 {
	out, _ := decimal.NewFromFloat(avg).
		Mul(decimal.NewFromInt(1).Add(decimal.NewFromFloat(pct))).
		Round(targetPlaces).
		Float64()
	return out
}
