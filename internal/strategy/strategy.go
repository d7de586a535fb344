// Package strategy derives staged entry and exit intents from the ledger and the current price.
// Every function here is pure: callers own the ledger and persist the returned rows.
package strategy

import (
	"errors"
	"fmt"
	"ladder-futures-bot/internal/models"
	"ladder-futures-bot/internal/precision"
	"ladder-futures-bot/internal/risk"
	"math"
	"time"
)

// ErrInvalidLedger marks a ledger row the strategy refuses to act on.
var ErrInvalidLedger = errors.New("invalid ledger row")

// sellTolerance is the absolute difference under which two rounded sell figures are equal.
const sellTolerance = 1e-8

func invalid(row models.BuyIntent, reason string) error {
	return fmt.Errorf("%w: market=%s kind=%s step=%d status=%q: %s",
		ErrInvalidLedger, row.Market, row.Kind, row.Step, row.Status, reason)
}

// Generate returns the buy rows of one market that must be created or changed.
// rows are the market's current buy rows; hwm is the market's high-water mark (0 if none).
// A non-nil error means the market's ledger is corrupt and nothing should be submitted for it.
func Generate(s models.Settings, rows []models.BuyIntent, price, hwm float64, now time.Time) ([]models.BuyIntent, error) {
	if price <= 0 || math.IsNaN(price) {
		return nil, fmt.Errorf("strategy %s: invalid price %v", s.Market, price)
	}
	if len(rows) == 0 {
		return seed(s, price, now), nil
	}

	var delta []models.BuyIntent
	present := make(map[models.IntentKind]bool, len(rows))
	var initial *models.BuyIntent

	for i := range rows {
		row := rows[i]
		present[row.Kind] = true
		if row.Kind == models.KindInitial {
			initial = &rows[i]
		}

		switch row.Status {
		case models.StatusUpdate:
			// already queued for the dispatcher
			continue
		case models.StatusEmpty:
			if err := validateManual(row); err != nil {
				return nil, err
			}
			row.Status = models.StatusUpdate
			row.UpdatedAt = now
			delta = append(delta, row)
		case models.StatusWait:
			if row.Kind == models.KindInitial {
				continue
			}
			pct := s.FlowPct(row.Kind)
			if risk.StaleTarget(price, row.TargetPrice, pct) {
				row.TargetPrice = risk.DropTarget(price, pct)
				row.Status = models.StatusUpdate
				row.UpdatedAt = now
				delta = append(delta, row)
			}
		case models.StatusDone:
			if row.Kind == models.KindInitial {
				continue
			}
			if !row.Kind.Valid() {
				return nil, invalid(row, "unknown kind")
			}
			pct := s.FlowPct(row.Kind)
			row.TargetPrice = risk.NextTarget(row.TargetPrice, hwm, pct)
			row.Step++
			row.Units = s.FlowUnits(row.Kind)
			row.Amount = s.UnitSize * row.Units
			row.OrderType = models.OrderLimit
			row.ExchangeOrderID = ""
			row.Status = models.StatusUpdate
			row.UpdatedAt = now
			delta = append(delta, row)
		default:
			return nil, invalid(row, "unexpected status")
		}
	}

	// A ledger rebuilt from holdings carries only the initial row; re-arm the ladder below it.
	if initial != nil && initial.Status == models.StatusDone {
		ref := initial.TargetPrice
		if price < ref {
			ref = price
		}
		for _, kind := range models.FlowKinds {
			if !present[kind] {
				delta = append(delta, flowRow(s, kind, ref, now))
			}
		}
	}
	return delta, nil
}

// seed emits the initial market entry plus the first step of both ladders.
func seed(s models.Settings, price float64, now time.Time) []models.BuyIntent {
	units := s.FlowUnits(models.KindInitial)
	return []models.BuyIntent{
		{
			Market:      s.Market,
			Kind:        models.KindInitial,
			Step:        0,
			TargetPrice: precision.Round8(price),
			Amount:      s.UnitSize * units,
			Units:       units,
			OrderType:   models.OrderMarket,
			Status:      models.StatusUpdate,
			UpdatedAt:   now,
		},
		flowRow(s, models.KindSmallFlow, price, now),
		flowRow(s, models.KindLargeFlow, price, now),
	}
}

func flowRow(s models.Settings, kind models.IntentKind, ref float64, now time.Time) models.BuyIntent {
	units := s.FlowUnits(kind)
	return models.BuyIntent{
		Market:      s.Market,
		Kind:        kind,
		Step:        1,
		TargetPrice: risk.DropTarget(ref, s.FlowPct(kind)),
		Amount:      s.UnitSize * units,
		Units:       units,
		OrderType:   models.OrderLimit,
		Status:      models.StatusUpdate,
		UpdatedAt:   now,
	}
}

func validateManual(row models.BuyIntent) error {
	switch {
	case row.Market == "":
		return invalid(row, "missing market")
	case row.TargetPrice <= 0:
		return invalid(row, "missing price")
	case row.Amount <= 0:
		return invalid(row, "missing amount")
	case row.Units <= 0:
		return invalid(row, "missing units")
	case !row.Kind.Valid():
		return invalid(row, "missing kind")
	}
	return nil
}

// GenerateSell derives the take-profit row for a holding.
// The boolean is false when the existing row already matches, in which case the ledger must not change.
func GenerateSell(s models.Settings, h models.Holding, existing *models.SellIntent, now time.Time) (models.SellIntent, bool) {
	if h.Quantity <= 0 || h.AvgEntryPrice <= 0 {
		return models.SellIntent{}, false
	}
	avg := precision.Round8(h.AvgEntryPrice)
	qty := precision.Round8(h.Quantity)
	target := risk.TakeProfitPrice(avg, s.TakeProfitPct)

	if existing != nil &&
		math.Abs(existing.AvgPrice-avg) <= sellTolerance &&
		math.Abs(existing.Quantity-qty) <= sellTolerance &&
		math.Abs(existing.TargetPrice-target) <= sellTolerance {
		return *existing, false
	}

	return models.SellIntent{
		Market:      h.Market,
		AvgPrice:    avg,
		Quantity:    qty,
		TargetPrice: target,
		Status:      models.StatusUpdate,
		UpdatedAt:   now,
	}, true
}
