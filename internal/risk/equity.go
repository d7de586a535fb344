package risk

// EquityState is the margin view of one market or sub-account.
type EquityState struct {
	Cash            float64
	RealizedPnl     float64
	UnrealizedPnl   float64
	UsedMargin      float64
	PositionValue   float64
	TotalEquity     float64
	AvailableMargin float64
}

// ComputeEquity derives the equity and margin figures for an open position.
func ComputeEquity(cash, realized, qty, avgPrice, costBasis, mark float64, leverage int) EquityState {
	if leverage < 1 {
		leverage = 1
	}
	eq := EquityState{Cash: cash, RealizedPnl: realized}
	if qty > 0 {
		eq.UnrealizedPnl = (mark - avgPrice) * qty
		eq.UsedMargin = costBasis / float64(leverage)
		eq.PositionValue = mark * qty
	}
	eq.TotalEquity = eq.Cash + eq.RealizedPnl + eq.UnrealizedPnl
	eq.AvailableMargin = eq.TotalEquity - eq.UsedMargin
	return eq
}

// LiquidationBreached reports whether available margin fell below the maintenance requirement.
func LiquidationBreached(eq EquityState, maintenanceRate, safetyFactor float64) bool {
	if eq.PositionValue <= 0 {
		return false
	}
	if safetyFactor <= 0 {
		safetyFactor = 1
	}
	return eq.AvailableMargin < maintenanceRate*eq.PositionValue*safetyFactor
}

// LiquidationPrice returns the mark at which LiquidationBreached starts to hold, 0 when flat.
func LiquidationPrice(cash, qty, avgPrice, costBasis float64, leverage int, maintenanceRate, safetyFactor float64) float64 {
	if qty <= 0 {
		return 0
	}
	if leverage < 1 {
		leverage = 1
	}
	if safetyFactor <= 0 {
		safetyFactor = 1
	}
	denom := qty * (1 - maintenanceRate*safetyFactor)
	if denom <= 0 {
		return 0
	}
	p := (avgPrice*qty + costBasis/float64(leverage) - cash) / denom
	if p < 0 {
		return 0
	}
	return p
}

// StopLossBreached reports whether equity fell to the configured fraction of initial capital.
// A threshold of zero disables the check.
func StopLossBreached(equity, initialCapital, threshold float64) bool {
	if threshold <= 0 || initialCapital <= 0 {
		return false
	}
	return equity <= initialCapital*threshold
}
