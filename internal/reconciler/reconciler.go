// Package reconciler heals drift between the local ledger and the exchange.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"ladder-futures-bot/internal/gateway"
	"ladder-futures-bot/internal/models"
	"ladder-futures-bot/internal/precision"
	"sort"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Transition records a status change observed at the exchange.
type Transition struct {
	Market  string
	Kind    string // intent kind, or "sell"
	OrderID string
	State   models.OrderState
}

// Reconciler trusts exchange holdings and order status over the ledger.
type Reconciler struct {
	gw     gateway.Gateway
	logger *zap.Logger
}

// New returns a reconciler bound to a gateway.
func New(gw gateway.Gateway, logger *zap.Logger) *Reconciler {
	return &Reconciler{gw: gw, logger: logger}
}

// Reconcile aligns the ledger with holdings in place and reports whether it changed.
// Running it twice against the same holdings changes nothing the second time.
func (r *Reconciler) Reconcile(ctx context.Context, ledger *models.Ledger, holdings []models.Holding, settings map[string]models.Settings, now time.Time) (bool, error) {
	held := make(map[string]models.Holding, len(holdings))
	for _, h := range holdings {
		if h.Quantity > 0 {
			held[h.Market] = h
		}
	}

	changed := false
	var errs error

	// 账本丢失或被清空: 根据持仓重建一条已成交的初始买单
	for _, market := range sortedMarkets(settings) {
		h, ok := held[market]
		if !ok || ledger.HasMarket(market) {
			continue
		}
		s := settings[market]
		units := s.FlowUnits(models.KindInitial)
		ledger.UpsertBuy(models.BuyIntent{
			Market:      market,
			Kind:        models.KindInitial,
			TargetPrice: precision.Round8(h.AvgEntryPrice),
			Amount:      precision.Round8(h.AvgEntryPrice * h.Quantity),
			Units:       units,
			OrderType:   models.OrderMarket,
			Status:      models.StatusDone,
			UpdatedAt:   now,
		})
		changed = true
		r.logger.Warn("账本中缺少持仓记录, 已根据持仓重建初始买单",
			zap.String("market", market),
			zap.Float64("quantity", h.Quantity),
			zap.Float64("avg_price", h.AvgEntryPrice))
	}

	// 仓位已在别处平掉: 撤销挂单并清除该交易对的所有记录
	for _, market := range ledger.Markets() {
		if _, ok := held[market]; ok {
			continue
		}
		if initial, ok := ledger.Initial(market); ok && initial.Status != models.StatusDone {
			// entry not filled yet; dropping it would double-buy on the next cycle
			continue
		}
		if err := r.cancelMarket(ctx, ledger, market); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		ledger.DropMarket(market)
		changed = true
		r.logger.Info("持仓已关闭, 已清除该交易对的账本记录", zap.String("market", market))
	}

	return changed, errs
}

func (r *Reconciler) cancelMarket(ctx context.Context, ledger *models.Ledger, market string) error {
	var errs error
	cancel := func(kind, id string) {
		err := r.gw.CancelOrder(ctx, market, id)
		if err == nil || gateway.IsIdempotentSuccess(err) || errors.Is(err, gateway.ErrOrderNotFound) {
			return
		}
		r.logger.Error("撤销挂单失败",
			zap.String("market", market),
			zap.String("kind", kind),
			zap.String("order_id", id),
			zap.Error(err))
		errs = multierr.Append(errs, fmt.Errorf("cancel %s %s: %w", market, id, err))
	}

	for _, b := range ledger.BuysFor(market) {
		if b.Status == models.StatusWait && b.ExchangeOrderID != "" {
			cancel(string(b.Kind), b.ExchangeOrderID)
		}
	}
	if s, ok := ledger.Sell(market); ok && s.Status == models.StatusWait && s.ExchangeOrderID != "" {
		cancel("sell", s.ExchangeOrderID)
	}
	return errs
}

// SyncOrders queries every resting order and applies its exchange status to the ledger.
// Filled orders become done; cancelled or vanished orders are re-armed for submission.
// Query failures are collected per market and leave the row untouched.
func (r *Reconciler) SyncOrders(ctx context.Context, ledger *models.Ledger, now time.Time) ([]Transition, error) {
	var (
		out  []Transition
		errs error
	)

	for i := range ledger.Buys {
		row := &ledger.Buys[i]
		if row.Status != models.StatusWait {
			continue
		}
		id := row.ExchangeOrderID
		state, err := r.status(ctx, row.Market, id)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		switch state {
		case models.OrderDone:
			row.Status = models.StatusDone
		case models.OrderCancel:
			row.Status = models.StatusUpdate
			row.ExchangeOrderID = ""
		default:
			continue
		}
		row.UpdatedAt = now
		out = append(out, Transition{Market: row.Market, Kind: string(row.Kind), OrderID: id, State: state})
	}

	for i := range ledger.Sells {
		row := &ledger.Sells[i]
		if row.Status != models.StatusWait {
			continue
		}
		id := row.ExchangeOrderID
		state, err := r.status(ctx, row.Market, id)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		switch state {
		case models.OrderDone:
			row.Status = models.StatusDone
		case models.OrderCancel:
			row.Status = models.StatusUpdate
			row.ExchangeOrderID = ""
		default:
			continue
		}
		row.UpdatedAt = now
		out = append(out, Transition{Market: row.Market, Kind: "sell", OrderID: id, State: state})
	}
	return out, errs
}

// status normalizes the order lookup. An unknown order is terminal, never an indefinite wait.
func (r *Reconciler) status(ctx context.Context, market, id string) (models.OrderState, error) {
	if id == "" {
		r.logger.Warn("等待中的订单缺少订单号, 将重新提交", zap.String("market", market))
		return models.OrderCancel, nil
	}
	state, err := r.gw.OrderStatus(ctx, market, id)
	if errors.Is(err, gateway.ErrOrderNotFound) {
		return models.OrderCancel, nil
	}
	if err != nil {
		r.logger.Error("查询订单状态失败",
			zap.String("market", market),
			zap.String("order_id", id),
			zap.Error(err))
		return "", fmt.Errorf("order status %s %s: %w", market, id, err)
	}
	if state == models.OrderError {
		r.logger.Warn("交易所返回未知订单状态", zap.String("market", market), zap.String("order_id", id))
		return models.OrderWait, nil
	}
	return state, nil
}

func sortedMarkets(settings map[string]models.Settings) []string {
	out := make([]string, 0, len(settings))
	for m := range settings {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
