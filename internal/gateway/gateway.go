package gateway

import (
	"context"
	"errors"
	"ladder-futures-bot/internal/models"
	"time"
)

var (
	// ErrOrderNotFound 订单不存在 (已成交后清理, 或已被撤销)
	ErrOrderNotFound = errors.New("order not found")
	// ErrNothingToCancel 没有可撤销的挂单
	ErrNothingToCancel = errors.New("nothing to cancel")
	// ErrAlreadyConfigured 杠杆或保证金模式已是目标值
	ErrAlreadyConfigured = errors.New("already configured")
	// ErrTransient 网络或限频等可重试的错误
	ErrTransient = errors.New("transient gateway failure")
)

// IsIdempotentSuccess reports errors that mean the requested end state already holds.
func IsIdempotentSuccess(err error) bool {
	return errors.Is(err, ErrNothingToCancel) || errors.Is(err, ErrAlreadyConfigured)
}

// OrderRequest 描述一笔待提交的订单
type OrderRequest struct {
	Market        string
	Side          models.Side
	Type          models.OrderType
	Quantity      float64
	Price         float64 // 仅限价单使用
	ReduceOnly    bool
	ClientOrderID string
}

// OrderAck 是下单成功后交易所返回的确认
type OrderAck struct {
	OrderID string
}

// Gateway 定义了核心逻辑使用的交易所能力。
// 实盘与回测各有一个实现, 在启动时选定后注入。
type Gateway interface {
	CurrentPrice(ctx context.Context, market string) (float64, error)
	Bars(ctx context.Context, market string, to time.Time, count int) ([]models.Bar, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	CancelOrder(ctx context.Context, market, orderID string) error
	CancelAllOpen(ctx context.Context, market string) error
	OrderStatus(ctx context.Context, market, orderID string) (models.OrderState, error)
	Holdings(ctx context.Context) ([]models.Holding, error)
	SetLeverage(ctx context.Context, market string, leverage int) error
	SetMarginMode(ctx context.Context, market, mode string) error
}
