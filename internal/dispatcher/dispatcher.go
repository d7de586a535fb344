// Package dispatcher turns ledger rows marked update into exchange orders.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"ladder-futures-bot/internal/gateway"
	"ladder-futures-bot/internal/metrics"
	"ladder-futures-bot/internal/models"
	"ladder-futures-bot/internal/notify"
	"ladder-futures-bot/internal/precision"
	"time"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrEmptyOrderID is returned when the exchange accepted an order but sent back no id.
var ErrEmptyOrderID = errors.New("exchange returned empty order id")

// ErrBelowMinNotional marks a row whose rounded size is too small to submit.
var ErrBelowMinNotional = errors.New("order below minimum notional")

// Dispatcher submits ready rows. A row is only changed when its submission succeeded.
type Dispatcher struct {
	gw         gateway.Gateway
	precision  precision.Adapter
	settings   map[string]models.Settings
	marginMode string
	logger     *zap.Logger
	notifier   notify.Notifier
	metrics    *metrics.Recorder

	configured map[string]bool // markets whose leverage/margin mode was applied this cycle
}

// New creates a dispatcher. notifier and rec may be nil.
func New(gw gateway.Gateway, adapter precision.Adapter, settings map[string]models.Settings, marginMode string, logger *zap.Logger, notifier notify.Notifier, rec *metrics.Recorder) *Dispatcher {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Dispatcher{
		gw:         gw,
		precision:  adapter,
		settings:   settings,
		marginMode: marginMode,
		logger:     logger,
		notifier:   notifier,
		metrics:    rec,
		configured: make(map[string]bool),
	}
}

// BeginCycle forgets which markets were configured, so the next buy re-applies leverage.
func (d *Dispatcher) BeginCycle() {
	d.configured = make(map[string]bool)
}

// NewClientOrderID returns a short, unique client order id.
func NewClientOrderID() string {
	id := uuid.New()
	return "lb" + base62.EncodeToString(id[:])
}

// DispatchBuys submits every buy row in update status. prices supplies the quantity basis
// of market orders. Every row is attempted; failures are aggregated.
func (d *Dispatcher) DispatchBuys(ctx context.Context, ledger *models.Ledger, prices map[string]float64, now time.Time) error {
	var errs error
	for i := range ledger.Buys {
		row := &ledger.Buys[i]
		if row.Status != models.StatusUpdate {
			continue
		}
		if err := d.dispatchBuy(ctx, row, prices[row.Market], now); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (d *Dispatcher) dispatchBuy(ctx context.Context, row *models.BuyIntent, price float64, now time.Time) error {
	fail := func(err error) error {
		d.logger.Error("提交买单失败",
			zap.String("market", row.Market),
			zap.String("kind", string(row.Kind)),
			zap.Int("step", row.Step),
			zap.Float64("target", row.TargetPrice),
			zap.Error(err))
		d.metrics.Order("buy", "failed")
		d.notifier.Notify(notify.Event{
			Type:    notify.OrderFailed,
			Market:  row.Market,
			Message: fmt.Sprintf("buy %s step %d failed: %v", row.Kind, row.Step, err),
			Time:    now,
		})
		return fmt.Errorf("buy %s %s step %d: %w", row.Market, row.Kind, row.Step, err)
	}

	if err := d.ensureConfigured(ctx, row.Market); err != nil {
		return fail(err)
	}

	// 重新定价的行仍带着旧订单号, 先撤掉旧单
	if row.ExchangeOrderID != "" {
		err := d.gw.CancelOrder(ctx, row.Market, row.ExchangeOrderID)
		if errors.Is(err, gateway.ErrOrderNotFound) {
			// 撤单时订单可能刚好成交, 成交的一步不能被新挂单覆盖
			filled, serr := d.filledBeforeCancel(ctx, row)
			if serr != nil {
				return fail(serr)
			}
			if filled {
				d.markFilled(row, now)
				return nil
			}
			err = nil
		}
		if err != nil && !gateway.IsIdempotentSuccess(err) {
			return fail(fmt.Errorf("cancel previous order %s: %w", row.ExchangeOrderID, err))
		}
		d.notifier.Notify(notify.Event{
			Type:    notify.OrderCancelled,
			Market:  row.Market,
			Message: fmt.Sprintf("repriced %s step %d, cancelled %s", row.Kind, row.Step, row.ExchangeOrderID),
			Time:    now,
		})
	}

	orderType := row.OrderType
	if orderType == "" {
		orderType = models.OrderLimit
	}
	req := gateway.OrderRequest{
		Market:        row.Market,
		Side:          models.Buy,
		Type:          orderType,
		ClientOrderID: NewClientOrderID(),
	}

	basis := row.TargetPrice
	if orderType == models.OrderMarket {
		basis = price
	} else {
		req.Price = d.precision.RoundPrice(row.Market, row.TargetPrice)
		basis = req.Price
	}
	if basis <= 0 {
		return fail(fmt.Errorf("no price to size %s order", orderType))
	}
	req.Quantity = d.precision.RoundQty(row.Market, row.Amount/basis)
	if floor := d.precision.MinNotional(row.Market); req.Quantity*basis < floor {
		return fail(fmt.Errorf("%w: %.4f < %.4f", ErrBelowMinNotional, req.Quantity*basis, floor))
	}

	ack, err := d.gw.PlaceOrder(ctx, req)
	if err == nil && (ack == nil || ack.OrderID == "") {
		err = ErrEmptyOrderID
	}
	if err != nil {
		return fail(err)
	}

	row.ExchangeOrderID = ack.OrderID
	row.Status = models.StatusWait
	row.UpdatedAt = now
	d.metrics.Order("buy", "placed")
	d.logger.Info("买单已提交",
		zap.String("market", row.Market),
		zap.String("kind", string(row.Kind)),
		zap.Int("step", row.Step),
		zap.String("type", string(orderType)),
		zap.Float64("price", req.Price),
		zap.Float64("quantity", req.Quantity),
		zap.String("order_id", ack.OrderID))
	d.notifier.Notify(notify.Event{
		Type:    notify.OrderSubmitted,
		Market:  row.Market,
		Message: fmt.Sprintf("buy %s step %d submitted", row.Kind, row.Step),
		Fields: map[string]interface{}{
			"order_id": ack.OrderID,
			"price":    req.Price,
			"quantity": req.Quantity,
		},
		Time: now,
	})
	return nil
}

// filledBeforeCancel reports whether a row's order, unknown to cancel, was in fact filled.
func (d *Dispatcher) filledBeforeCancel(ctx context.Context, row *models.BuyIntent) (bool, error) {
	state, err := d.gw.OrderStatus(ctx, row.Market, row.ExchangeOrderID)
	if errors.Is(err, gateway.ErrOrderNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("status of previous order %s: %w", row.ExchangeOrderID, err)
	}
	return state == models.OrderDone, nil
}

func (d *Dispatcher) markFilled(row *models.BuyIntent, now time.Time) {
	d.logger.Info("改价前旧买单已成交, 不再提交新挂单",
		zap.String("market", row.Market),
		zap.String("kind", string(row.Kind)),
		zap.Int("step", row.Step),
		zap.String("order_id", row.ExchangeOrderID))
	d.notifier.Notify(notify.Event{
		Type:    notify.OrderFilled,
		Market:  row.Market,
		Message: fmt.Sprintf("%s order filled before reprice", row.Kind),
		Fields:  map[string]interface{}{"kind": string(row.Kind), "order_id": row.ExchangeOrderID},
		Time:    now,
	})
	row.Status = models.StatusDone
	row.UpdatedAt = now
}

// ensureConfigured applies leverage and margin mode once per market per cycle.
func (d *Dispatcher) ensureConfigured(ctx context.Context, market string) error {
	if d.configured[market] {
		return nil
	}
	s, ok := d.settings[market]
	if !ok {
		return fmt.Errorf("no settings for %s", market)
	}
	mode := s.MarginMode
	if mode == "" {
		mode = d.marginMode
	}
	if mode != "" {
		if err := d.gw.SetMarginMode(ctx, market, mode); err != nil && !gateway.IsIdempotentSuccess(err) {
			return fmt.Errorf("set margin mode %s: %w", mode, err)
		}
	}
	if s.Leverage > 0 {
		if err := d.gw.SetLeverage(ctx, market, s.Leverage); err != nil && !gateway.IsIdempotentSuccess(err) {
			return fmt.Errorf("set leverage %d: %w", s.Leverage, err)
		}
	}
	d.configured[market] = true
	return nil
}

// DispatchSells replaces the exit order of every sell row in update status.
// All open orders of the market are cancelled before the new limit sell is placed.
func (d *Dispatcher) DispatchSells(ctx context.Context, ledger *models.Ledger, now time.Time) error {
	var errs error
	for i := range ledger.Sells {
		row := &ledger.Sells[i]
		if row.Status != models.StatusUpdate {
			continue
		}
		if err := d.dispatchSell(ctx, row, now); err != nil {
			d.logger.Error("提交止盈卖单失败",
				zap.String("market", row.Market),
				zap.Float64("target", row.TargetPrice),
				zap.Float64("quantity", row.Quantity),
				zap.Error(err))
			d.metrics.Order("sell", "failed")
			d.notifier.Notify(notify.Event{
				Type:    notify.OrderFailed,
				Market:  row.Market,
				Message: fmt.Sprintf("take-profit sell failed: %v", err),
				Time:    now,
			})
			errs = multierr.Append(errs, fmt.Errorf("sell %s: %w", row.Market, err))
		}
	}
	return errs
}

func (d *Dispatcher) dispatchSell(ctx context.Context, row *models.SellIntent, now time.Time) error {
	if err := d.gw.CancelAllOpen(ctx, row.Market); err != nil && !gateway.IsIdempotentSuccess(err) {
		return fmt.Errorf("cancel open orders: %w", err)
	}

	req := gateway.OrderRequest{
		Market:        row.Market,
		Side:          models.Sell,
		Type:          models.OrderLimit,
		Price:         d.precision.RoundPrice(row.Market, row.TargetPrice),
		Quantity:      d.precision.RoundQty(row.Market, row.Quantity),
		ReduceOnly:    true,
		ClientOrderID: NewClientOrderID(),
	}
	if req.Quantity <= 0 {
		return fmt.Errorf("nothing to sell")
	}

	ack, err := d.gw.PlaceOrder(ctx, req)
	if err != nil {
		return err
	}
	if ack == nil || ack.OrderID == "" {
		return ErrEmptyOrderID
	}

	row.ExchangeOrderID = ack.OrderID
	row.Status = models.StatusWait
	row.UpdatedAt = now
	d.metrics.Order("sell", "placed")
	d.logger.Info("止盈卖单已提交",
		zap.String("market", row.Market),
		zap.Float64("price", req.Price),
		zap.Float64("quantity", req.Quantity),
		zap.String("order_id", ack.OrderID))
	d.notifier.Notify(notify.Event{
		Type:    notify.OrderSubmitted,
		Market:  row.Market,
		Message: "take-profit sell submitted",
		Fields: map[string]interface{}{
			"order_id": ack.OrderID,
			"price":    req.Price,
			"quantity": req.Quantity,
		},
		Time: now,
	})
	return nil
}

// ClosePosition flattens a holding with a reduce-only market sell after cancelling resting orders.
func (d *Dispatcher) ClosePosition(ctx context.Context, h models.Holding, now time.Time) error {
	if err := d.gw.CancelAllOpen(ctx, h.Market); err != nil && !gateway.IsIdempotentSuccess(err) {
		return fmt.Errorf("close %s: cancel open orders: %w", h.Market, err)
	}
	req := gateway.OrderRequest{
		Market:        h.Market,
		Side:          models.Sell,
		Type:          models.OrderMarket,
		Quantity:      d.precision.RoundQty(h.Market, h.Quantity),
		ReduceOnly:    true,
		ClientOrderID: NewClientOrderID(),
	}
	ack, err := d.gw.PlaceOrder(ctx, req)
	if err == nil && (ack == nil || ack.OrderID == "") {
		err = ErrEmptyOrderID
	}
	if err != nil {
		d.metrics.Order("sell", "failed")
		return fmt.Errorf("close %s: %w", h.Market, err)
	}
	d.metrics.Order("sell", "placed")
	d.logger.Warn("已市价平仓",
		zap.String("market", h.Market),
		zap.Float64("quantity", req.Quantity),
		zap.String("order_id", ack.OrderID),
		zap.Time("time", now))
	return nil
}
