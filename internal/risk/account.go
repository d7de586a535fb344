package risk

import (
	"ladder-futures-bot/internal/models"
	"time"
)

// PositionState 是单个账户的仓位状态机
type PositionState string

const (
	StateFlat       PositionState = "FLAT"
	StateEntered    PositionState = "ENTERED"
	StateScaling    PositionState = "SCALING"
	StateClosed     PositionState = "CLOSED"
	StateLiquidated PositionState = "LIQUIDATED"
)

// EventType 标识风控状态转换
type EventType string

const (
	EventTakeProfit  EventType = "take_profit"
	EventStopLoss    EventType = "stop_loss"
	EventLiquidation EventType = "liquidation"
	EventProfitReset EventType = "profit_reset"
)

// Event 描述一次平仓或重置。爆仓和止损是状态转换, 不是错误。
type Event struct {
	Type         EventType
	Market       string
	Time         time.Time
	Price        float64 // 触发价
	EquityBefore float64
	EquityAfter  float64
	Injected     float64 // 为恢复初始资金而注入的外部资金
	Banked       float64 // 转入钱包的盈余
	Trade        *models.CompletedTrade
}

// Params 是账户的风控与费用参数
type Params struct {
	InitialCapital        float64
	Leverage              int
	MaintenanceMarginRate float64
	SafetyFactor          float64
	PanicSellPenalty      float64
	StopLossThreshold     float64
	Cooldown              time.Duration
	TakerFeeRate          float64
	MakerFeeRate          float64
	SlippageRate          float64
}

// ParamsFrom builds account parameters from config and per-market settings.
func ParamsFrom(cfg models.RiskConfig, s models.Settings) Params {
	return Params{
		InitialCapital:        cfg.InitialCapital,
		Leverage:              s.Leverage,
		MaintenanceMarginRate: cfg.MaintenanceMarginRate,
		SafetyFactor:          cfg.SafetyFactor,
		PanicSellPenalty:      cfg.PanicSellPenalty,
		StopLossThreshold:     cfg.StopLossThreshold,
		Cooldown:              time.Duration(cfg.CooldownMinutes) * time.Minute,
		TakerFeeRate:          cfg.TakerFeeRate,
		MakerFeeRate:          cfg.MakerFeeRate,
		SlippageRate:          cfg.SlippageRate,
	}
}

// Position 是多头仓位及其阶梯状态
type Position struct {
	Quantity     float64
	AvgPrice     float64
	CostBasis    float64
	Step         int
	LastBuyPrice float64
	HWM          float64
	EntryTime    time.Time
}

// Open reports whether a position is held.
func (p Position) Open() bool { return p.Quantity > 1e-12 }

// Account 模拟一个独立的逐仓账户, 可被单独爆仓
type Account struct {
	Market string
	Params Params

	Cash            float64
	RealizedPnl     float64
	InjectedCapital float64
	Wallet          float64
	TotalFees       float64
	TotalSlippage   float64

	Position Position
	State    PositionState
	Cooldown models.CooldownState
}

// NewAccount funds an account with the initial capital.
func NewAccount(market string, p Params) *Account {
	return &Account{Market: market, Params: p, Cash: p.InitialCapital, State: StateFlat}
}

// Equity returns the margin view at mark.
func (a *Account) Equity(mark float64) EquityState {
	return ComputeEquity(a.Cash, a.RealizedPnl, a.Position.Quantity, a.Position.AvgPrice, a.Position.CostBasis, mark, a.Params.Leverage)
}

// InCooldown reports whether new entries are blocked at now.
func (a *Account) InCooldown(now time.Time) bool {
	if a.Cooldown.Active && a.Cooldown.Expired(now) {
		a.Cooldown = models.CooldownState{}
	}
	return a.Cooldown.Active
}

// Buy 记录一笔买入成交。price 为已包含滑点的成交价。
func (a *Account) Buy(price, qty, feeRate, slippage float64, now time.Time) {
	if qty <= 0 || price <= 0 {
		return
	}
	fee := price * qty * feeRate
	a.Cash -= fee
	a.TotalFees += fee
	a.TotalSlippage += slippage

	if !a.Position.Open() {
		a.Position = Position{EntryTime: now}
		a.State = StateEntered
	} else {
		a.Position.Step++
		a.State = StateScaling
	}
	a.Position.CostBasis += price * qty
	a.Position.Quantity += qty
	a.Position.AvgPrice = a.Position.CostBasis / a.Position.Quantity
	a.Position.LastBuyPrice = price
	// 高水位从最近一次成交价重新计算
	a.Position.HWM = price
}

// Observe raises the high-water mark while a position is open.
func (a *Account) Observe(price float64) {
	if a.Position.Open() && price > a.Position.HWM {
		a.Position.HWM = price
	}
}

// EstimatedLiquidationPrice 估算多头爆仓价, 与 CheckLiquidation 使用同一判定
func (a *Account) EstimatedLiquidationPrice() float64 {
	p := a.Position
	if !p.Open() {
		return 0
	}
	return LiquidationPrice(a.Cash+a.RealizedPnl, p.Quantity, p.AvgPrice, p.CostBasis, a.Params.Leverage, a.Params.MaintenanceMarginRate, a.Params.SafetyFactor)
}

// CheckLiquidation reports whether the maintenance requirement is breached at mark.
func (a *Account) CheckLiquidation(mark float64) bool {
	if !a.Position.Open() {
		return false
	}
	return LiquidationBreached(a.Equity(mark), a.Params.MaintenanceMarginRate, a.Params.SafetyFactor)
}

// CheckStopLoss reports whether equity at the bar low breaches the stop-loss threshold.
func (a *Account) CheckStopLoss(low float64) bool {
	if !a.Position.Open() {
		return false
	}
	return StopLossBreached(a.Equity(low).TotalEquity, a.Params.InitialCapital, a.Params.StopLossThreshold)
}

// CheckRisk applies liquidation before stop-loss when both hold at price.
func (a *Account) CheckRisk(price float64, now time.Time) *Event {
	if a.CheckLiquidation(price) {
		ev := a.Liquidate(price, now)
		return &ev
	}
	if a.CheckStopLoss(price) {
		ev := a.StopOut(price, now)
		return &ev
	}
	return nil
}

// Liquidate 强制平仓并将账户重置为初始资金
func (a *Account) Liquidate(mark float64, now time.Time) Event {
	ev := a.panicReset(EventLiquidation, mark, now)
	a.State = StateLiquidated
	return ev
}

// StopOut 止损平仓, 重置方式与爆仓相同
func (a *Account) StopOut(price float64, now time.Time) Event {
	ev := a.panicReset(EventStopLoss, price, now)
	a.State = StateClosed
	return ev
}

func (a *Account) panicReset(kind EventType, price float64, now time.Time) Event {
	before := a.Equity(price).TotalEquity
	exit := price * (1 - a.Params.PanicSellPenalty)
	trade := a.closeAt(exit, price, a.Params.TakerFeeRate, string(kind), now)

	equityAfter := a.Cash + a.RealizedPnl
	injected := a.Params.InitialCapital - equityAfter
	if injected < 0 {
		a.Wallet += -injected
		injected = 0
	}
	a.InjectedCapital += injected
	a.resetCapital()
	a.Cooldown = models.CooldownState{Active: true, Until: now.Add(a.Params.Cooldown)}

	return Event{
		Type:         kind,
		Market:       a.Market,
		Time:         now,
		Price:        price,
		EquityBefore: before,
		EquityAfter:  a.Cash + a.RealizedPnl,
		Injected:     injected,
		Trade:        trade,
	}
}

// TakeProfitTarget returns avg × (1 + pct).
func (a *Account) TakeProfitTarget(pct float64) float64 {
	if !a.Position.Open() {
		return 0
	}
	return TakeProfitPrice(a.Position.AvgPrice, pct)
}

// TakeProfit 在目标价止盈平仓。slip 为对交易者不利的滑点比例。
func (a *Account) TakeProfit(target, slip float64, now time.Time) Event {
	before := a.Equity(target).TotalEquity
	trade := a.closeAt(target*(1-slip), target, a.Params.MakerFeeRate, string(EventTakeProfit), now)
	a.State = StateClosed
	return Event{
		Type:         EventTakeProfit,
		Market:       a.Market,
		Time:         now,
		Price:        target,
		EquityBefore: before,
		EquityAfter:  a.Cash + a.RealizedPnl,
		Trade:        trade,
	}
}

// ShouldProfitReset reports whether equity reached initial × (1 + pct).
func (a *Account) ShouldProfitReset(mark, pct float64) bool {
	if pct <= 0 {
		return false
	}
	return a.Equity(mark).TotalEquity >= a.Params.InitialCapital*(1+pct)
}

// ProfitReset 平掉所有仓位, 将超出初始资金的部分转入钱包, 权益重置为初始资金
func (a *Account) ProfitReset(price, slip float64, now time.Time) Event {
	before := a.Equity(price).TotalEquity
	var trade *models.CompletedTrade
	if a.Position.Open() {
		trade = a.closeAt(price*(1-slip), price, a.Params.TakerFeeRate, string(EventProfitReset), now)
	}
	surplus := a.Cash + a.RealizedPnl - a.Params.InitialCapital
	var injected float64
	if surplus > 0 {
		a.Wallet += surplus
	} else {
		injected = -surplus
		surplus = 0
		a.InjectedCapital += injected
	}
	a.resetCapital()
	a.State = StateClosed
	return Event{
		Type:         EventProfitReset,
		Market:       a.Market,
		Time:         now,
		Price:        price,
		EquityBefore: before,
		EquityAfter:  a.Cash + a.RealizedPnl,
		Injected:     injected,
		Banked:       surplus,
		Trade:        trade,
	}
}

// WithdrawWallet moves amount out of the banked wallet.
func (a *Account) WithdrawWallet(amount float64) bool {
	if amount <= 0 || a.Wallet < amount {
		return false
	}
	a.Wallet -= amount
	return true
}

// closeAt 以 exec 价格平掉全部仓位, 记录成交并重置阶梯状态
func (a *Account) closeAt(exec, reference, feeRate float64, reason string, now time.Time) *models.CompletedTrade {
	p := a.Position
	if !p.Open() {
		a.Position = Position{}
		return nil
	}
	fee := exec * p.Quantity * feeRate
	pnl := (exec-p.AvgPrice)*p.Quantity - fee
	a.RealizedPnl += pnl
	a.TotalFees += fee
	slippage := (reference - exec) * p.Quantity
	a.TotalSlippage += slippage

	a.Position = Position{}
	return &models.CompletedTrade{
		Market:       a.Market,
		Quantity:     p.Quantity,
		EntryTime:    p.EntryTime,
		ExitTime:     now,
		HoldDuration: now.Sub(p.EntryTime),
		EntryPrice:   p.AvgPrice,
		ExitPrice:    exec,
		Profit:       pnl,
		Fee:          fee,
		Slippage:     slippage,
		Reason:       reason,
	}
}

func (a *Account) resetCapital() {
	a.Cash = a.Params.InitialCapital
	a.RealizedPnl = 0
	a.Position = Position{}
}
