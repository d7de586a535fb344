// Package backtest replays historical bars through the live strategy and risk engine.
package backtest

import (
	"context"
	"fmt"
	"ladder-futures-bot/internal/models"
	"ladder-futures-bot/internal/precision"
	"ladder-futures-bot/internal/risk"
	"ladder-futures-bot/internal/strategy"
	"sort"
	"time"

	"go.uber.org/zap"
)

// maxChainFills bounds the ladder steps that may fill at a single price point.
const maxChainFills = 64

// Features 是回测引擎的功能开关
type Features struct {
	Slippage      bool // 成交价计入不利滑点
	DynamicSizing bool // 单位仓位按 权益/初始资金 缩放
	Compounding   bool // 利润落袋并以钱包余额开启子账户
}

// FeaturesFrom reads the feature flags from config.
func FeaturesFrom(cfg models.BacktestConfig) Features {
	return Features{Slippage: cfg.Slippage, DynamicSizing: cfg.DynamicSizing, Compounding: cfg.Compounding}
}

// EquityPoint is one sample of the run's net equity.
type EquityPoint struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
}

// Result 是一次回测的完整输出
type Result struct {
	Market      string                  `json:"market"`
	Start       time.Time               `json:"start"`
	End         time.Time               `json:"end"`
	Features    Features                `json:"features"`
	Segments    []Segment               `json:"segments"`
	Metrics     Metrics                 `json:"metrics"`
	EquityCurve []EquityPoint           `json:"equity_curve"`
	Trades      []models.CompletedTrade `json:"trades"`
	Events      []risk.Event            `json:"-"`
}

// subAccount 是一个可被独立爆仓的仓位单元及其账本
type subAccount struct {
	id       int
	acct     *risk.Account
	ledger   *models.Ledger
	unitSize float64
}

// Replayer drives bars through strategy.Generate and risk.Account in timestamp order.
type Replayer struct {
	risk      models.RiskConfig
	settings  models.Settings
	features  Features
	precision precision.Adapter
	logger    *zap.Logger

	accounts []*subAccount
	wallet   float64 // 复利模式下汇集的落袋资金
	injected float64
	result   *Result
	segment  *Segment
	pending  bool // 上一根K线发生爆仓, 下一根K线开启新区段
}

// New creates a replayer for one market.
func New(cfg models.RiskConfig, s models.Settings, f Features, adapter precision.Adapter, logger *zap.Logger) *Replayer {
	if adapter == nil {
		adapter = precision.NewTable(precision.Default)
	}
	return &Replayer{risk: cfg, settings: s, features: f, precision: adapter, logger: logger}
}

// Run replays bars and returns per-segment and whole-run metrics.
func (r *Replayer) Run(ctx context.Context, bars []models.Bar) (*Result, error) {
	bars = cleanBars(bars)
	if len(bars) == 0 {
		return nil, fmt.Errorf("backtest %s: no usable bars", r.settings.Market)
	}
	if r.risk.InitialCapital <= 0 {
		return nil, fmt.Errorf("backtest %s: initial capital must be positive", r.settings.Market)
	}

	r.accounts = []*subAccount{r.newSubAccount(r.risk.InitialCapital)}
	r.wallet, r.injected = 0, 0
	r.result = &Result{
		Market:   r.settings.Market,
		Start:    bars[0].Time,
		End:      bars[len(bars)-1].Time,
		Features: r.features,
	}
	r.segment = newSegment(0, bars[0].Time)
	r.pending = false

	for i, bar := range bars {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if r.pending {
			r.result.Segments = append(r.result.Segments, *r.segment)
			r.segment = newSegment(len(r.result.Segments), bar.Time)
			r.pending = false
		}

		for _, sa := range r.accounts {
			if err := r.step(sa, bar); err != nil {
				return nil, err
			}
		}
		if r.features.Compounding {
			r.reinvest(bar.Time)
		}

		eq := r.netEquity(bar.Close)
		r.result.EquityCurve = append(r.result.EquityCurve, EquityPoint{Time: bar.Time, Equity: eq})
		r.segment.observe(bar.Time, eq)
	}

	r.segment.EndedBy = "end"
	r.result.Segments = append(r.result.Segments, *r.segment)
	for i := range r.result.Segments {
		r.result.Segments[i].finish(r.risk.InitialCapital)
	}
	r.result.Metrics = r.summarize(bars[len(bars)-1].Close)

	r.logger.Info("回测完成",
		zap.String("market", r.settings.Market),
		zap.Int("bars", len(bars)),
		zap.Int("segments", len(r.result.Segments)),
		zap.Int("trades", r.result.Metrics.TotalTrades),
		zap.Int("liquidations", r.result.Metrics.Liquidations),
		zap.Float64("final_balance", r.result.Metrics.FinalBalance))
	return r.result, nil
}

func (r *Replayer) newSubAccount(capital float64) *subAccount {
	p := risk.ParamsFrom(r.risk, r.settings)
	p.InitialCapital = capital
	if !r.features.Slippage {
		p.SlippageRate = 0
	}
	if p.Leverage <= 0 {
		p.Leverage = 1
	}
	return &subAccount{
		id:     len(r.accounts),
		acct:   risk.NewAccount(r.settings.Market, p),
		ledger: &models.Ledger{},
	}
}

func (r *Replayer) slip() float64 {
	if !r.features.Slippage {
		return 0
	}
	return r.risk.SlippageRate
}

// step 按 O->L->H->C 的路径在一根K线内推进一个子账户
func (r *Replayer) step(sa *subAccount, bar models.Bar) error {
	a := sa.acct
	if !a.Position.Open() && len(sa.ledger.Buys) == 0 {
		r.bankIfFlat(sa, bar.Open, bar.Time)
		if a.InCooldown(bar.Time) {
			return nil
		}
		sa.unitSize = r.unitSize(a)
		if err := r.regenerate(sa, bar.Open, bar.Time); err != nil {
			return err
		}
	}

	for _, p := range []float64{bar.Open, bar.Low, bar.High, bar.Close} {
		if len(sa.ledger.Buys) == 0 {
			// 本根K线内已平仓, 下一根K线再入场
			return nil
		}
		if err := r.fillAt(sa, p, bar.Time); err != nil {
			return err
		}
		a.Observe(p)

		if ev := a.CheckRisk(p, bar.Time); ev != nil {
			r.record(sa, *ev)
			r.bankIfFlat(sa, p, bar.Time)
			continue
		}
		if a.Position.Open() {
			if target := a.TakeProfitTarget(r.settings.TakeProfitPct); p >= target {
				r.record(sa, a.TakeProfit(target, r.slip(), bar.Time))
				r.bankIfFlat(sa, target, bar.Time)
				continue
			}
		}
		if r.features.Compounding && a.ShouldProfitReset(p, r.risk.ProfitResetPct) {
			r.record(sa, a.ProfitReset(p, r.slip(), bar.Time))
		}
	}
	return nil
}

// bankIfFlat 复利模式下空仓账户的权益达到落袋线时直接落袋, 不再开仓后立即平仓
func (r *Replayer) bankIfFlat(sa *subAccount, price float64, now time.Time) {
	a := sa.acct
	if !r.features.Compounding || a.Position.Open() {
		return
	}
	if a.ShouldProfitReset(price, r.risk.ProfitResetPct) {
		r.record(sa, a.ProfitReset(price, r.slip(), now))
	}
}

// fillAt fills every resting buy touched at p and lets the strategy chain the next steps.
func (r *Replayer) fillAt(sa *subAccount, p float64, now time.Time) error {
	for i := 0; i < maxChainFills; i++ {
		filled := false
		for j := range sa.ledger.Buys {
			row := &sa.ledger.Buys[j]
			if row.Status == models.StatusWait && row.OrderType == models.OrderLimit && p <= row.TargetPrice {
				r.buy(sa, row, row.TargetPrice, r.risk.MakerFeeRate, now)
				filled = true
			}
		}
		if err := r.regenerate(sa, p, now); err != nil {
			return err
		}
		if !filled {
			return nil
		}
	}
	r.logger.Warn("单个价格点上的阶梯成交次数达到上限",
		zap.String("market", r.settings.Market),
		zap.Float64("price", p),
		zap.Time("time", now))
	return nil
}

// regenerate asks the strategy for changed rows and submits them to the simulated book.
func (r *Replayer) regenerate(sa *subAccount, price float64, now time.Time) error {
	s := r.settings
	s.UnitSize = sa.unitSize
	rows := append([]models.BuyIntent(nil), sa.ledger.Buys...)
	delta, err := strategy.Generate(s, rows, price, sa.acct.Position.HWM, now)
	if err != nil {
		return fmt.Errorf("backtest %s at %s: %w", s.Market, now.Format(time.RFC3339), err)
	}
	for _, row := range delta {
		sa.ledger.UpsertBuy(row)
	}
	for j := range sa.ledger.Buys {
		row := &sa.ledger.Buys[j]
		if row.Status != models.StatusUpdate {
			continue
		}
		if row.OrderType == models.OrderMarket {
			r.buy(sa, row, price, r.risk.TakerFeeRate, now)
			continue
		}
		row.Status = models.StatusWait
	}
	return nil
}

// buy 以 ref 价格 (含不利滑点) 成交一行买单
func (r *Replayer) buy(sa *subAccount, row *models.BuyIntent, ref, feeRate float64, now time.Time) {
	slip := r.slip()
	exec := ref * (1 + slip)
	qty := r.precision.RoundQty(r.settings.Market, row.Amount/exec)
	sa.acct.Buy(exec, qty, feeRate, (exec-ref)*qty, now)
	row.TargetPrice = precision.Round8(ref)
	row.Status = models.StatusDone
	row.UpdatedAt = now
	r.logger.Debug("回测买单成交",
		zap.Int("account", sa.id),
		zap.String("kind", string(row.Kind)),
		zap.Int("step", row.Step),
		zap.Float64("price", exec),
		zap.Float64("quantity", qty),
		zap.Float64("liquidation_price", sa.acct.EstimatedLiquidationPrice()))
}

// unitSize 按子账户资金占初始资金的比例缩放单位仓位; 动态仓位模式下使用当前权益
func (r *Replayer) unitSize(a *risk.Account) float64 {
	base := a.Params.InitialCapital
	if r.features.DynamicSizing {
		base = a.Cash + a.RealizedPnl
	}
	return r.settings.UnitSize * base / r.risk.InitialCapital
}

// record 记录风控事件, 清空账本; 爆仓会结束当前区段
func (r *Replayer) record(sa *subAccount, ev risk.Event) {
	sa.ledger = &models.Ledger{}
	r.injected += ev.Injected
	r.result.Events = append(r.result.Events, ev)
	if ev.Trade != nil {
		r.result.Trades = append(r.result.Trades, *ev.Trade)
		r.segment.addTrade(*ev.Trade)
	}

	fields := []zap.Field{
		zap.Int("account", sa.id),
		zap.String("event", string(ev.Type)),
		zap.Time("time", ev.Time),
		zap.Float64("price", ev.Price),
		zap.Float64("equity_before", ev.EquityBefore),
		zap.Float64("equity_after", ev.EquityAfter),
	}
	switch ev.Type {
	case risk.EventLiquidation:
		r.segment.Liquidations++
		r.segment.EndedBy = string(risk.EventLiquidation)
		r.segment.End = ev.Time
		r.pending = true
		r.logger.Warn("回测爆仓", append(fields, zap.Float64("injected", ev.Injected))...)
	case risk.EventStopLoss:
		r.segment.StopLosses++
		r.logger.Warn("回测止损", fields...)
	default:
		r.logger.Debug("回测平仓", fields...)
	}
}

// reinvest 汇集所有子账户的钱包余额, 达到阈值后开启新的子账户
func (r *Replayer) reinvest(now time.Time) {
	for _, sa := range r.accounts {
		if amount := sa.acct.Wallet; sa.acct.WithdrawWallet(amount) {
			r.wallet += amount
		}
	}
	threshold := r.risk.ReinvestThreshold
	if threshold <= 0 {
		return
	}
	for r.wallet >= threshold {
		r.wallet -= threshold
		sa := r.newSubAccount(threshold)
		r.accounts = append(r.accounts, sa)
		r.logger.Info("钱包余额达到阈值, 开启新的子账户",
			zap.Int("account", sa.id),
			zap.Float64("capital", threshold),
			zap.Time("time", now))
	}
}

// netEquity is the equity of every sub-account plus banked funds, net of injected capital.
func (r *Replayer) netEquity(mark float64) float64 {
	total := r.wallet - r.injected
	for _, sa := range r.accounts {
		total += sa.acct.Equity(mark).TotalEquity + sa.acct.Wallet
	}
	return total
}

func cleanBars(bars []models.Bar) []models.Bar {
	out := make([]models.Bar, 0, len(bars))
	for _, b := range bars {
		if b.Open > 0 && b.High > 0 && b.Low > 0 && b.Close > 0 {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}
