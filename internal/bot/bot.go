package bot

import (
	"context"
	"errors"
	"fmt"
	"ladder-futures-bot/internal/config"
	"ladder-futures-bot/internal/dispatcher"
	"ladder-futures-bot/internal/gateway"
	"ladder-futures-bot/internal/metrics"
	"ladder-futures-bot/internal/models"
	"ladder-futures-bot/internal/notify"
	"ladder-futures-bot/internal/persistence"
	"ladder-futures-bot/internal/precision"
	"ladder-futures-bot/internal/reconciler"
	"ladder-futures-bot/internal/risk"
	"ladder-futures-bot/internal/strategy"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrHoldingsUnavailable aborts a cycle: trading against unknown exposure is never safe.
var ErrHoldingsUnavailable = errors.New("holdings unavailable")

// LadderBot 是实盘阶梯加仓机器人的核心结构
// 每个周期: 持仓 -> 账本 -> 对账 -> 订单同步 -> 风控 -> 策略 -> 下单 -> 持久化
type LadderBot struct {
	config     *models.Config
	settings   map[string]models.Settings
	gateway    gateway.Gateway
	store      persistence.LedgerStore
	reconciler *reconciler.Reconciler
	dispatcher *dispatcher.Dispatcher
	notifier   notify.Notifier
	metrics    *metrics.Recorder
	logger     *zap.Logger
	now        func() time.Time
	cycles     int
}

// NewLadderBot 创建一个新的机器人实例。notifier 和 rec 可以为 nil。
func NewLadderBot(cfg *models.Config, settings map[string]models.Settings, gw gateway.Gateway, store persistence.LedgerStore, adapter precision.Adapter, notifier notify.Notifier, rec *metrics.Recorder, logger *zap.Logger) *LadderBot {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &LadderBot{
		config:     cfg,
		settings:   settings,
		gateway:    gw,
		store:      store,
		reconciler: reconciler.New(gw, logger),
		dispatcher: dispatcher.New(gw, adapter, settings, cfg.MarginMode, logger, notifier, rec),
		notifier:   notifier,
		metrics:    rec,
		logger:     logger,
		now:        time.Now,
	}
}

// Run 按固定间隔执行周期, 周期之间从不重叠, ctx 取消后返回
func (b *LadderBot) Run(ctx context.Context) error {
	interval := time.Duration(b.config.CycleInterval) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.logger.Info("阶梯机器人已启动",
		zap.Strings("markets", config.Markets(b.settings)),
		zap.Duration("interval", interval))

	b.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("阶梯机器人已停止")
			return nil
		case <-ticker.C:
			b.runOnce(ctx)
		}
	}
}

func (b *LadderBot) runOnce(ctx context.Context) {
	err := b.RunCycle(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrHoldingsUnavailable):
		b.logger.Error("无法获取持仓, 本周期已中止", zap.Error(err))
	default:
		b.logger.Warn("周期完成, 但存在错误", zap.Error(err))
	}
}

// RunCycle 执行一个完整的交易周期。单个交易对的错误会被汇总返回, 不会中断其他交易对。
func (b *LadderBot) RunCycle(ctx context.Context) (err error) {
	start := b.now()
	now := start
	result := "ok"
	defer func() {
		if err != nil && result == "ok" {
			result = "error"
		}
		b.metrics.Cycle(result, b.now().Sub(start))
	}()

	holdings, herr := b.gateway.Holdings(ctx)
	if herr != nil {
		result = "aborted"
		return fmt.Errorf("%w: %v", ErrHoldingsUnavailable, herr)
	}

	ledger, lerr := b.store.LoadLedger()
	if lerr != nil {
		result = "aborted"
		return fmt.Errorf("load ledger: %w", lerr)
	}
	state, serr := b.store.LoadRiskState()
	if serr != nil {
		result = "aborted"
		return fmt.Errorf("load risk state: %w", serr)
	}
	guard := risk.NewGuard(b.config.Risk, b.settings, state, b.logger)
	b.dispatcher.BeginCycle()

	var errs error
	if _, rerr := b.reconciler.Reconcile(ctx, ledger, holdings, b.settings, now); rerr != nil {
		errs = multierr.Append(errs, rerr)
	}
	transitions, terr := b.reconciler.SyncOrders(ctx, ledger, now)
	errs = multierr.Append(errs, terr)
	b.applyTransitions(ledger, guard, transitions, now)

	held := make(map[string]models.Holding, len(holdings))
	for _, h := range holdings {
		if h.Quantity > 0 {
			held[h.Market] = h
		}
	}

	prices := make(map[string]float64, len(b.settings))
	for _, market := range config.Markets(b.settings) {
		if err := b.cycleMarket(ctx, ledger, guard, market, held, prices, now); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	// 先挂止盈卖单: 撤单会撤掉该交易对的全部挂单, 随后提交的买单不受影响
	errs = multierr.Append(errs, b.dispatcher.DispatchSells(ctx, ledger, now))
	errs = multierr.Append(errs, b.dispatcher.DispatchBuys(ctx, ledger, prices, now))

	if perr := b.store.SaveLedger(ledger); perr != nil {
		result = "aborted"
		return multierr.Append(errs, fmt.Errorf("save ledger: %w", perr))
	}
	if perr := b.store.SaveRiskState(guard.State()); perr != nil {
		errs = multierr.Append(errs, fmt.Errorf("save risk state: %w", perr))
	}

	b.cycles++
	if b.config.SummaryEvery > 0 && b.cycles%b.config.SummaryEvery == 0 {
		b.summary(ledger, held, prices, guard, now)
	}
	return errs
}

// cycleMarket 对单个交易对执行风控和策略
func (b *LadderBot) cycleMarket(ctx context.Context, ledger *models.Ledger, guard *risk.Guard, market string, held map[string]models.Holding, prices map[string]float64, now time.Time) error {
	s := b.settings[market]
	price, err := b.gateway.CurrentPrice(ctx, market)
	if err != nil {
		b.logger.Error("获取价格失败", zap.String("market", market), zap.Error(err))
		return fmt.Errorf("price %s: %w", market, err)
	}
	prices[market] = price

	h, isHeld := held[market]
	if isHeld {
		if h.MarkPrice <= 0 {
			h.MarkPrice = price
		}
		guard.Observe(market, price, now)
		act := guard.Evaluate(h, now)
		b.metrics.Equity(market, act.Equity.TotalEquity)
		if act.Breached() {
			return b.handleBreach(ctx, ledger, guard, h, act, now)
		}
	}

	if !guard.Allow(market, now) {
		b.logger.Debug("冷却期内, 跳过入场", zap.String("market", market))
		return nil
	}

	delta, err := strategy.Generate(s, ledger.BuysFor(market), price, guard.HWM(market), now)
	if err != nil {
		b.logger.Error("策略拒绝处理该交易对的账本",
			zap.String("market", market),
			zap.Float64("price", price),
			zap.Error(err))
		return err
	}
	for _, row := range delta {
		ledger.UpsertBuy(row)
		b.logger.Info("生成买单",
			zap.String("market", market),
			zap.String("kind", string(row.Kind)),
			zap.Int("step", row.Step),
			zap.Float64("target", row.TargetPrice),
			zap.Float64("amount", row.Amount))
	}

	if isHeld {
		var existing *models.SellIntent
		if sell, ok := ledger.Sell(market); ok {
			existing = &sell
		}
		if sell, changed := strategy.GenerateSell(s, h, existing, now); changed {
			ledger.UpsertSell(sell)
			b.logger.Info("更新止盈卖单",
				zap.String("market", market),
				zap.Float64("avg_price", sell.AvgPrice),
				zap.Float64("quantity", sell.Quantity),
				zap.Float64("target", sell.TargetPrice))
		}
	}
	return nil
}

// handleBreach 撤单, 市价平仓, 清除账本并开始冷却
func (b *LadderBot) handleBreach(ctx context.Context, ledger *models.Ledger, guard *risk.Guard, h models.Holding, act risk.Action, now time.Time) error {
	b.metrics.RiskEvent(string(act.Type))
	if err := b.dispatcher.ClosePosition(ctx, h, now); err != nil {
		b.logger.Error("风控平仓失败, 下个周期重试", zap.String("market", h.Market), zap.Error(err))
		b.notifier.Notify(notify.Event{
			Type:    notify.OrderFailed,
			Market:  h.Market,
			Message: fmt.Sprintf("%s close failed: %v", act.Type, err),
			Time:    now,
		})
		return err
	}
	ledger.DropMarket(h.Market)
	cooldown := guard.StartCooldown(h.Market, now)

	kind := notify.StopLoss
	if act.Type == risk.EventLiquidation {
		kind = notify.Liquidation
	}
	b.notifier.Notify(notify.Event{
		Type:    kind,
		Market:  h.Market,
		Message: fmt.Sprintf("%s triggered, position closed", act.Type),
		Fields: map[string]interface{}{
			"equity":            act.Equity.TotalEquity,
			"available_margin":  act.Equity.AvailableMargin,
			"liquidation_price": act.LiquidationPrice,
			"quantity":          h.Quantity,
			"mark":              h.MarkPrice,
			"cooldown_until":    cooldown.Until.Format(time.RFC3339),
		},
		Time: now,
	})
	return nil
}

// applyTransitions 发送成交/撤单通知, 并用买单成交价重置高水位
func (b *LadderBot) applyTransitions(ledger *models.Ledger, guard *risk.Guard, transitions []reconciler.Transition, now time.Time) {
	for _, t := range transitions {
		ev := notify.Event{
			Market: t.Market,
			Fields: map[string]interface{}{"kind": t.Kind, "order_id": t.OrderID},
			Time:   now,
		}
		switch t.State {
		case models.OrderDone:
			ev.Type = notify.OrderFilled
			ev.Message = fmt.Sprintf("%s order filled", t.Kind)
			if t.Kind == "sell" {
				guard.ResetHWM(t.Market)
				break
			}
			for _, row := range ledger.BuysFor(t.Market) {
				if string(row.Kind) == t.Kind {
					guard.RecordFill(t.Market, row.TargetPrice, now)
				}
			}
		case models.OrderCancel:
			ev.Type = notify.OrderCancelled
			ev.Message = fmt.Sprintf("%s order cancelled at exchange, re-armed", t.Kind)
		default:
			continue
		}
		b.notifier.Notify(ev)
	}
}

// summary 推送持仓汇总
func (b *LadderBot) summary(ledger *models.Ledger, held map[string]models.Holding, prices map[string]float64, guard *risk.Guard, now time.Time) {
	for _, market := range config.Markets(b.settings) {
		fields := map[string]interface{}{
			"price": prices[market],
			"hwm":   guard.HWM(market),
		}
		waiting := 0
		for _, row := range ledger.BuysFor(market) {
			if row.Status == models.StatusWait {
				waiting++
			}
		}
		fields["resting_buys"] = waiting
		if h, ok := held[market]; ok {
			fields["quantity"] = h.Quantity
			fields["avg_price"] = h.AvgEntryPrice
		}
		if sell, ok := ledger.Sell(market); ok {
			fields["take_profit"] = sell.TargetPrice
		}
		if c, ok := guard.State().Cooldowns[market]; ok && c.Active {
			fields["cooldown_until"] = c.Until.Format(time.RFC3339)
		}
		b.notifier.Notify(notify.Event{
			Type:    notify.PositionSummary,
			Market:  market,
			Message: "position summary",
			Fields:  fields,
			Time:    now,
		})
	}
}
