package gateway

import (
	"context"
	"errors"
	"fmt"
	"ladder-futures-bot/internal/models"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RetryPolicy bounds every gateway call.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration
}

// Resilient wraps a Gateway with per-call timeouts, fixed-backoff retries for
// transient failures and a token-bucket rate limit.
type Resilient struct {
	inner   Gateway
	policy  RetryPolicy
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewResilient decorates inner. A nil limiter disables rate limiting.
func NewResilient(inner Gateway, policy RetryPolicy, limiter *rate.Limiter, logger *zap.Logger) *Resilient {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	return &Resilient{inner: inner, policy: policy, limiter: limiter, logger: logger}
}

// NewResilientFromConfig builds the decorator from the app config.
func NewResilientFromConfig(inner Gateway, cfg *models.Config, logger *zap.Logger) *Resilient {
	policy := RetryPolicy{
		Attempts: cfg.RetryAttempts,
		Backoff:  time.Duration(cfg.RetryInitialDelayMs) * time.Millisecond,
		Timeout:  time.Duration(cfg.RequestTimeoutMs) * time.Millisecond,
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.RequestBurst)
	}
	return NewResilient(inner, policy, limiter, logger)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (r *Resilient) call(ctx context.Context, op, market string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= r.policy.Attempts; attempt++ {
		if r.limiter != nil {
			if werr := r.limiter.Wait(ctx); werr != nil {
				return werr
			}
		}

		callCtx := ctx
		cancel := func() {}
		if r.policy.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, r.policy.Timeout)
		}
		err = fn(callCtx)
		cancel()

		if err == nil || !IsTransient(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == r.policy.Attempts {
			break
		}
		r.logger.Warn("网关调用失败, 准备重试",
			zap.String("op", op),
			zap.String("market", market),
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.policy.Backoff):
		}
	}
	return fmt.Errorf("%s %s: retries exhausted: %w", op, market, err)
}

func (r *Resilient) CurrentPrice(ctx context.Context, market string) (float64, error) {
	var price float64
	err := r.call(ctx, "current_price", market, func(ctx context.Context) error {
		var err error
		price, err = r.inner.CurrentPrice(ctx, market)
		return err
	})
	return price, err
}

func (r *Resilient) Bars(ctx context.Context, market string, to time.Time, count int) ([]models.Bar, error) {
	var bars []models.Bar
	err := r.call(ctx, "bars", market, func(ctx context.Context) error {
		var err error
		bars, err = r.inner.Bars(ctx, market, to, count)
		return err
	})
	return bars, err
}

// PlaceOrder retries with the same client order id so a retried submission
// cannot create a second order on the exchange.
func (r *Resilient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	var ack *OrderAck
	err := r.call(ctx, "place_order", req.Market, func(ctx context.Context) error {
		var err error
		ack, err = r.inner.PlaceOrder(ctx, req)
		return err
	})
	return ack, err
}

func (r *Resilient) CancelOrder(ctx context.Context, market, orderID string) error {
	return r.call(ctx, "cancel_order", market, func(ctx context.Context) error {
		return r.inner.CancelOrder(ctx, market, orderID)
	})
}

func (r *Resilient) CancelAllOpen(ctx context.Context, market string) error {
	return r.call(ctx, "cancel_all_open", market, func(ctx context.Context) error {
		return r.inner.CancelAllOpen(ctx, market)
	})
}

func (r *Resilient) OrderStatus(ctx context.Context, market, orderID string) (models.OrderState, error) {
	var state models.OrderState
	err := r.call(ctx, "order_status", market, func(ctx context.Context) error {
		var err error
		state, err = r.inner.OrderStatus(ctx, market, orderID)
		return err
	})
	return state, err
}

func (r *Resilient) Holdings(ctx context.Context) ([]models.Holding, error) {
	var holdings []models.Holding
	err := r.call(ctx, "holdings", "", func(ctx context.Context) error {
		var err error
		holdings, err = r.inner.Holdings(ctx)
		return err
	})
	return holdings, err
}

func (r *Resilient) SetLeverage(ctx context.Context, market string, leverage int) error {
	return r.call(ctx, "set_leverage", market, func(ctx context.Context) error {
		return r.inner.SetLeverage(ctx, market, leverage)
	})
}

func (r *Resilient) SetMarginMode(ctx context.Context, market, mode string) error {
	return r.call(ctx, "set_margin_mode", market, func(ctx context.Context) error {
		return r.inner.SetMarginMode(ctx, market, mode)
	})
}
