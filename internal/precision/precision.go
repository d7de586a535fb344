// Package precision normalizes prices and quantities to exchange tick/step filters.
package precision

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Adapter rounds values to a market's trading constraints.
type Adapter interface {
	RoundPrice(market string, price float64) float64
	RoundQty(market string, qty float64) float64
	MinNotional(market string) float64
}

// Filter holds the exchange constraints of one market.
type Filter struct {
	TickSize    float64
	StepSize    float64
	MinQty      float64
	MinNotional float64
}

// Default is used for markets without an explicit filter, e.g. in backtests.
var Default = Filter{TickSize: 0.01, StepSize: 0.001, MinQty: 0.001, MinNotional: 5}

// Table is an Adapter backed by a per-market filter map.
type Table struct {
	mu       sync.RWMutex
	filters  map[string]Filter
	fallback Filter
}

// NewTable returns a table that uses fallback for unknown markets.
func NewTable(fallback Filter) *Table {
	return &Table{filters: make(map[string]Filter), fallback: fallback}
}

// Set registers the filter of a market.
func (t *Table) Set(market string, f Filter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filters[strings.ToUpper(market)] = f
}

// Filter returns the filter applied to market.
func (t *Table) Filter(market string) Filter {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if f, ok := t.filters[strings.ToUpper(market)]; ok {
		return f
	}
	return t.fallback
}

// RoundPrice rounds to the nearest tick.
func (t *Table) RoundPrice(market string, price float64) float64 {
	f := t.Filter(market)
	if f.TickSize <= 0 {
		return price
	}
	tick := decimal.NewFromFloat(f.TickSize)
	out, _ := decimal.NewFromFloat(price).Div(tick).Round(0).Mul(tick).Float64()
	return out
}

// RoundQty floors to the step size. Quantities below the minimum are raised to it.
func (t *Table) RoundQty(market string, qty float64) float64 {
	f := t.Filter(market)
	if qty <= 0 {
		return 0
	}
	d := decimal.NewFromFloat(qty)
	if f.StepSize > 0 {
		step := decimal.NewFromFloat(f.StepSize)
		d = d.Div(step).Floor().Mul(step)
	}
	if f.MinQty > 0 && d.LessThan(decimal.NewFromFloat(f.MinQty)) {
		d = decimal.NewFromFloat(f.MinQty)
	}
	out, _ := d.Float64()
	return out
}

func (t *Table) MinNotional(market string) float64 {
	return t.Filter(market).MinNotional
}

// Round8 rounds to eight decimal places, the ledger's comparison precision.
func Round8(v float64) float64 {
	out, _ := decimal.NewFromFloat(v).Round(8).Float64()
	return out
}
