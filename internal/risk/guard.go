package risk

import (
	"ladder-futures-bot/internal/models"
	"time"

	"go.uber.org/zap"
)

// Action is the guard's verdict for one holding.
type Action struct {
	Type             EventType // empty when no breach
	Market           string
	Equity           EquityState
	LiquidationPrice float64
}

// Breached reports whether the holding must be force-closed.
func (a Action) Breached() bool { return a.Type != "" }

// Guard 在实盘中维护冷却期和高水位, 状态由调用方加载并持久化
type Guard struct {
	cfg      models.RiskConfig
	settings map[string]models.Settings
	state    *models.RiskState
	logger   *zap.Logger
}

// NewGuard wraps a loaded RiskState. A nil state starts empty.
func NewGuard(cfg models.RiskConfig, settings map[string]models.Settings, state *models.RiskState, logger *zap.Logger) *Guard {
	if state == nil {
		state = models.NewRiskState()
	}
	if state.Cooldowns == nil {
		state.Cooldowns = make(map[string]models.CooldownState)
	}
	if state.HighWaterMarks == nil {
		state.HighWaterMarks = make(map[string]float64)
	}
	return &Guard{cfg: cfg, settings: settings, state: state, logger: logger}
}

// State returns the state to persist.
func (g *Guard) State() *models.RiskState { return g.state }

// HWM returns the high-water mark of a market, 0 when flat.
func (g *Guard) HWM(market string) float64 { return g.state.HighWaterMarks[market] }

// Observe raises the market's high-water mark. HWM never decreases while a position is open.
func (g *Guard) Observe(market string, price float64, now time.Time) {
	if price > g.state.HighWaterMarks[market] {
		g.state.HighWaterMarks[market] = price
	}
	g.state.LastUpdateTime = now
}

// RecordFill restarts the high-water mark at a buy fill, so the next ladder step
// is measured from the fill until price rallies past it.
func (g *Guard) RecordFill(market string, price float64, now time.Time) {
	g.state.HighWaterMarks[market] = price
	g.state.LastUpdateTime = now
}

// ResetHWM clears the high-water mark on position close.
func (g *Guard) ResetHWM(market string) {
	delete(g.state.HighWaterMarks, market)
}

// Allow reports whether entries are permitted for market at now.
// Expired cooldowns are cleared.
func (g *Guard) Allow(market string, now time.Time) bool {
	c, ok := g.state.Cooldowns[market]
	if !ok {
		return true
	}
	if c.Expired(now) {
		delete(g.state.Cooldowns, market)
		g.logger.Info("冷却期结束", zap.String("market", market))
		return true
	}
	return false
}

// Evaluate computes the market's equity against its configured capital allocation.
// Liquidation takes precedence over stop-loss.
func (g *Guard) Evaluate(h models.Holding, now time.Time) Action {
	act := Action{Market: h.Market}
	if h.Quantity <= 0 {
		return act
	}
	leverage := 1
	if s, ok := g.settings[h.Market]; ok {
		leverage = s.Leverage
	}
	mark := h.MarkPrice
	if mark <= 0 {
		mark = h.AvgEntryPrice
	}
	cost := h.AvgEntryPrice * h.Quantity
	act.Equity = ComputeEquity(g.cfg.InitialCapital, 0, h.Quantity, h.AvgEntryPrice, cost, mark, leverage)
	act.LiquidationPrice = LiquidationPrice(g.cfg.InitialCapital, h.Quantity, h.AvgEntryPrice, cost, leverage, g.cfg.MaintenanceMarginRate, g.cfg.SafetyFactor)

	switch {
	case LiquidationBreached(act.Equity, g.cfg.MaintenanceMarginRate, g.cfg.SafetyFactor):
		act.Type = EventLiquidation
	case StopLossBreached(act.Equity.TotalEquity, g.cfg.InitialCapital, g.cfg.StopLossThreshold):
		act.Type = EventStopLoss
	}
	if act.Breached() {
		g.logger.Warn("风控阈值被触发",
			zap.String("market", h.Market),
			zap.String("type", string(act.Type)),
			zap.Float64("equity", act.Equity.TotalEquity),
			zap.Float64("available_margin", act.Equity.AvailableMargin),
			zap.Float64("liquidation_price", act.LiquidationPrice),
			zap.Float64("mark", mark))
	}
	return act
}

// StartCooldown blocks entries for the configured duration and resets the HWM.
func (g *Guard) StartCooldown(market string, now time.Time) models.CooldownState {
	c := models.CooldownState{Active: true, Until: now.Add(time.Duration(g.cfg.CooldownMinutes) * time.Minute)}
	g.state.Cooldowns[market] = c
	g.ResetHWM(market)
	g.state.LastUpdateTime = now
	return c
}
