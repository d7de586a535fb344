// Package binance implements the Gateway against Binance USDT-M futures.
package binance

import (
	"context"
	"errors"
	"fmt"
	"ladder-futures-bot/internal/gateway"
	"ladder-futures-bot/internal/models"
	"ladder-futures-bot/internal/precision"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"
)

// Binance 错误码
const (
	codeDisconnected     = -1001
	codeTooManyRequests  = -1003
	codeTimeout          = -1007
	codeCancelRejected   = -2011
	codeNoSuchOrder      = -2013
	codeNoNeedMarginType = -4046
	codeNoNeedChange     = -4059
	codeInvalidLeverage  = -4028
	defaultKlineInterval = "1m"
	maxKlinesPerRequest  = 1500
)

// Gateway 使用 go-binance 的 futures 客户端实现 gateway.Gateway
type Gateway struct {
	client *futures.Client
	logger *zap.Logger
}

// New 创建一个新的实盘网关。baseURL 为空时使用库的默认地址。
func New(apiKey, secretKey, baseURL string, timeout time.Duration, logger *zap.Logger) *Gateway {
	client := futures.NewClient(apiKey, secretKey)
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	if timeout > 0 {
		client.HTTPClient = &http.Client{Timeout: timeout}
	}
	return &Gateway{client: client, logger: logger}
}

var _ gateway.Gateway = (*Gateway)(nil)

// classify 将交易所错误映射为网关的哨兵错误
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case codeCancelRejected, codeNoSuchOrder:
			return fmt.Errorf("%w: %s", gateway.ErrOrderNotFound, apiErr.Message)
		case codeNoNeedMarginType, codeNoNeedChange:
			return fmt.Errorf("%w: %s", gateway.ErrAlreadyConfigured, apiErr.Message)
		case codeDisconnected, codeTooManyRequests, codeTimeout:
			return fmt.Errorf("%w: %s", gateway.ErrTransient, apiErr.Message)
		}
	}
	return err
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// CurrentPrice 获取最新成交价
func (g *Gateway) CurrentPrice(ctx context.Context, market string) (float64, error) {
	prices, err := g.client.NewListPricesService().Symbol(market).Do(ctx)
	if err != nil {
		return 0, classify(err)
	}
	for _, p := range prices {
		if p.Symbol == market {
			return strconv.ParseFloat(p.Price, 64)
		}
	}
	return 0, fmt.Errorf("未找到交易对 %s 的价格", market)
}

// Bars 返回截至 to 的最近 count 根一分钟K线, 按时间升序
func (g *Gateway) Bars(ctx context.Context, market string, to time.Time, count int) ([]models.Bar, error) {
	if count > maxKlinesPerRequest {
		count = maxKlinesPerRequest
	}
	klines, err := g.client.NewKlinesService().
		Symbol(market).
		Interval(defaultKlineInterval).
		EndTime(to.UnixMilli()).
		Limit(count).
		Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	bars := make([]models.Bar, 0, len(klines))
	for _, k := range klines {
		if k == nil {
			continue
		}
		bars = append(bars, models.Bar{
			Time:   time.UnixMilli(k.OpenTime).UTC(),
			Open:   parseFloat(k.Open),
			High:   parseFloat(k.High),
			Low:    parseFloat(k.Low),
			Close:  parseFloat(k.Close),
			Volume: parseFloat(k.Volume),
		})
	}
	return bars, nil
}

// PlaceOrder 下单。限价单使用 GTC。
func (g *Gateway) PlaceOrder(ctx context.Context, req gateway.OrderRequest) (*gateway.OrderAck, error) {
	side := futures.SideTypeBuy
	if req.Side == models.Sell {
		side = futures.SideTypeSell
	}

	svc := g.client.NewCreateOrderService().
		Symbol(req.Market).
		Side(side).
		Quantity(formatFloat(req.Quantity))

	if req.Type == models.OrderLimit {
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(formatFloat(req.Price))
	} else {
		svc = svc.Type(futures.OrderTypeMarket)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		g.logger.Error("下单请求失败，交易所返回错误",
			zap.String("market", req.Market),
			zap.String("side", string(req.Side)),
			zap.Float64("quantity", req.Quantity),
			zap.Float64("price", req.Price),
			zap.Error(err))
		return nil, classify(err)
	}
	if res == nil || res.OrderID == 0 {
		return &gateway.OrderAck{}, nil
	}
	return &gateway.OrderAck{OrderID: strconv.FormatInt(res.OrderID, 10)}, nil
}

// CancelOrder 撤销订单。id 为数字时视为交易所订单号, 否则视为客户端订单号。
func (g *Gateway) CancelOrder(ctx context.Context, market, orderID string) error {
	svc := g.client.NewCancelOrderService().Symbol(market)
	if id, err := strconv.ParseInt(orderID, 10, 64); err == nil {
		svc = svc.OrderID(id)
	} else {
		svc = svc.OrigClientOrderID(orderID)
	}
	_, err := svc.Do(ctx)
	return classify(err)
}

// CancelAllOpen 撤销交易对的所有挂单
func (g *Gateway) CancelAllOpen(ctx context.Context, market string) error {
	return classify(g.client.NewCancelAllOpenOrdersService().Symbol(market).Do(ctx))
}

// OrderStatus 查询订单状态并归一化
func (g *Gateway) OrderStatus(ctx context.Context, market, orderID string) (models.OrderState, error) {
	svc := g.client.NewGetOrderService().Symbol(market)
	if id, err := strconv.ParseInt(orderID, 10, 64); err == nil {
		svc = svc.OrderID(id)
	} else {
		svc = svc.OrigClientOrderID(orderID)
	}
	order, err := svc.Do(ctx)
	if err != nil {
		return "", classify(err)
	}
	return normalizeStatus(order.Status), nil
}

func normalizeStatus(s futures.OrderStatusType) models.OrderState {
	switch s {
	case futures.OrderStatusTypeNew, futures.OrderStatusTypePartiallyFilled:
		return models.OrderWait
	case futures.OrderStatusTypeFilled:
		return models.OrderDone
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired, futures.OrderStatusTypeRejected:
		return models.OrderCancel
	}
	return models.OrderError
}

// Holdings 获取所有非零持仓
func (g *Gateway) Holdings(ctx context.Context) ([]models.Holding, error) {
	positions, err := g.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	var out []models.Holding
	for _, p := range positions {
		qty := parseFloat(p.PositionAmt)
		if qty == 0 {
			continue
		}
		out = append(out, models.Holding{
			Market:        p.Symbol,
			Quantity:      qty,
			AvgEntryPrice: parseFloat(p.EntryPrice),
			MarkPrice:     parseFloat(p.MarkPrice),
		})
	}
	return out, nil
}

// SetLeverage 设置杠杆
func (g *Gateway) SetLeverage(ctx context.Context, market string, leverage int) error {
	_, err := g.client.NewChangeLeverageService().Symbol(market).Leverage(leverage).Do(ctx)
	return classify(err)
}

// SetMarginMode 设置保证金模式 ("ISOLATED" 或 "CROSSED")
func (g *Gateway) SetMarginMode(ctx context.Context, market, mode string) error {
	marginType := futures.MarginTypeIsolated
	if strings.EqualFold(mode, "CROSSED") {
		marginType = futures.MarginTypeCrossed
	}
	return classify(g.client.NewChangeMarginTypeService().Symbol(market).MarginType(marginType).Do(ctx))
}

// LoadFilters 从交易所信息中读取 tick/step/最小名义价值, 填充精度表
func (g *Gateway) LoadFilters(ctx context.Context, table *precision.Table, markets []string) error {
	info, err := g.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return classify(err)
	}
	wanted := make(map[string]bool, len(markets))
	for _, m := range markets {
		wanted[m] = true
	}
	for _, s := range info.Symbols {
		if !wanted[s.Symbol] {
			continue
		}
		f := precision.Default
		if pf := s.PriceFilter(); pf != nil {
			f.TickSize = parseFloat(pf.TickSize)
		}
		if lf := s.LotSizeFilter(); lf != nil {
			f.StepSize = parseFloat(lf.StepSize)
			f.MinQty = parseFloat(lf.MinQuantity)
		}
		if nf := s.MinNotionalFilter(); nf != nil {
			f.MinNotional = parseFloat(nf.Notional)
		}
		table.Set(s.Symbol, f)
		g.logger.Info("已加载交易规则",
			zap.String("market", s.Symbol),
			zap.Float64("tick", f.TickSize),
			zap.Float64("step", f.StepSize),
			zap.Float64("min_notional", f.MinNotional))
	}
	return nil
}
