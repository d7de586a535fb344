// Package gatewaytest provides an in-memory Gateway for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"ladder-futures-bot/internal/gateway"
	"ladder-futures-bot/internal/models"
	"sync"
	"time"
)

// Fake records every call and answers from configurable tables.
type Fake struct {
	mu sync.Mutex

	Prices       map[string]float64
	HoldingsList []models.Holding
	HoldingsErr  error
	States       map[string]models.OrderState // order id -> state
	StatusErrs   map[string]error             // order id -> error
	PlaceErrs    map[string]error             // market -> error
	CancelErrs   map[string]error             // order id -> error
	CancelAllErr error
	LeverageErr  error
	MarginErr    error
	EmptyAck     bool

	Placed        []gateway.OrderRequest
	Cancelled     []string
	CancelAllFor  []string
	LeverageCalls []string
	MarginCalls   []string
	seq           int
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		Prices:     make(map[string]float64),
		States:     make(map[string]models.OrderState),
		StatusErrs: make(map[string]error),
		PlaceErrs:  make(map[string]error),
		CancelErrs: make(map[string]error),
	}
}

func (f *Fake) CurrentPrice(_ context.Context, market string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.Prices[market]
	if !ok {
		return 0, fmt.Errorf("no price for %s", market)
	}
	return p, nil
}

func (f *Fake) Bars(_ context.Context, market string, to time.Time, count int) ([]models.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.Prices[market]
	bars := make([]models.Bar, 0, count)
	for i := count - 1; i >= 0; i-- {
		bars = append(bars, models.Bar{Time: to.Add(-time.Duration(i) * time.Minute), Open: p, High: p, Low: p, Close: p})
	}
	return bars, nil
}

func (f *Fake) PlaceOrder(_ context.Context, req gateway.OrderRequest) (*gateway.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.PlaceErrs[req.Market]; err != nil {
		return nil, err
	}
	f.Placed = append(f.Placed, req)
	if f.EmptyAck {
		return &gateway.OrderAck{}, nil
	}
	f.seq++
	id := fmt.Sprintf("ord-%d", f.seq)
	f.States[id] = models.OrderWait
	return &gateway.OrderAck{OrderID: id}, nil
}

func (f *Fake) CancelOrder(_ context.Context, market, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.CancelErrs[orderID]; err != nil {
		return err
	}
	f.Cancelled = append(f.Cancelled, orderID)
	f.States[orderID] = models.OrderCancel
	return nil
}

func (f *Fake) CancelAllOpen(_ context.Context, market string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CancelAllFor = append(f.CancelAllFor, market)
	return f.CancelAllErr
}

func (f *Fake) OrderStatus(_ context.Context, market, orderID string) (models.OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.StatusErrs[orderID]; err != nil {
		return "", err
	}
	s, ok := f.States[orderID]
	if !ok {
		return "", gateway.ErrOrderNotFound
	}
	return s, nil
}

func (f *Fake) Holdings(context.Context) ([]models.Holding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.HoldingsErr != nil {
		return nil, f.HoldingsErr
	}
	out := make([]models.Holding, len(f.HoldingsList))
	copy(out, f.HoldingsList)
	return out, nil
}

func (f *Fake) SetLeverage(_ context.Context, market string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LeverageCalls = append(f.LeverageCalls, market)
	return f.LeverageErr
}

func (f *Fake) SetMarginMode(_ context.Context, market, mode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.MarginCalls = append(f.MarginCalls, market)
	return f.MarginErr
}

// Fill marks an order as done.
func (f *Fake) Fill(orderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.States[orderID] = models.OrderDone
}
