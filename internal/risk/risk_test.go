package risk

import (
	"ladder-futures-bot/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func testParams() Params {
	return Params{
		InitialCapital:        3000,
		Leverage:              10,
		MaintenanceMarginRate: 0.005,
		SafetyFactor:          1,
		PanicSellPenalty:      0.01,
		StopLossThreshold:     0.65,
		Cooldown:              1440 * time.Minute,
	}
}

func TestLadderTargets(t *testing.T) {
	assert.Equal(t, 96.0, DropTarget(100, 0.04))
	assert.Equal(t, 83.0, DropTarget(100, 0.17))

	// Without a rally the next step is measured from the fill.
	assert.Equal(t, 92.16, NextTarget(96, 0, 0.04))
	// A rally beyond fill × (1 + pct/2) moves the reference to the HWM.
	assert.Equal(t, 105.6, NextTarget(96, 110, 0.04))
	// A small bounce does not.
	assert.Equal(t, 92.16, NextTarget(96, 97, 0.04))
}

func TestNextTargetStrictlyDecreasesAlongChain(t *testing.T) {
	price := 100.0
	for i := 0; i < 20; i++ {
		next := NextTarget(price, 0, 0.04)
		require.Less(t, next, price)
		price = next
	}
}

func TestStaleTarget(t *testing.T) {
	// target 96 from 100 at 4%: stale above 100 × 1.02 = 102.
	assert.False(t, StaleTarget(101.9, 96, 0.04))
	assert.True(t, StaleTarget(102.1, 96, 0.04))
	assert.False(t, StaleTarget(200, 0, 0.04))
}

func TestComputeEquity(t *testing.T) {
	eq := ComputeEquity(3000, 0, 150, 100, 15000, 93, 10)
	assert.InDelta(t, -1050, eq.UnrealizedPnl, 1e-9)
	assert.InDelta(t, 1500, eq.UsedMargin, 1e-9)
	assert.InDelta(t, 1950, eq.TotalEquity, 1e-9)
	assert.InDelta(t, 450, eq.AvailableMargin, 1e-9)
	assert.False(t, LiquidationBreached(eq, 0.005, 1))
	assert.True(t, StopLossBreached(eq.TotalEquity, 3000, 0.65))
	assert.False(t, StopLossBreached(eq.TotalEquity, 3000, 0))
}

func TestStopLossResetsEquityAndStartsCooldown(t *testing.T) {
	a := NewAccount("BTCUSDT", testParams())
	a.Buy(100, 150, 0, 0, t0)

	assert.False(t, a.CheckStopLoss(93.5))
	require.True(t, a.CheckStopLoss(93))

	ev := a.CheckRisk(93, t0.Add(time.Hour))
	require.NotNil(t, ev)
	assert.Equal(t, EventStopLoss, ev.Type)
	assert.InDelta(t, 1950, ev.EquityBefore, 1e-9)
	assert.InDelta(t, 3000, a.Equity(93).TotalEquity, 1e-9)
	assert.InDelta(t, 3000, ev.EquityAfter, 1e-9)
	assert.Equal(t, StateClosed, a.State)
	assert.True(t, a.Cooldown.Until.Equal(t0.Add(time.Hour).Add(1440*time.Minute)))
	assert.True(t, a.InCooldown(t0.Add(2*time.Hour)))
	assert.False(t, a.InCooldown(t0.Add(26*time.Hour)))
	require.NotNil(t, ev.Trade)
	assert.Equal(t, "stop_loss", ev.Trade.Reason)
}

func TestLiquidationRefillsToInitialCapital(t *testing.T) {
	p := testParams()
	p.StopLossThreshold = 0
	a := NewAccount("BTCUSDT", p)
	a.Buy(100, 150, 0, 0, t0)
	a.Buy(90, 10, 0, 0, t0.Add(time.Minute))
	assert.Equal(t, StateScaling, a.State)

	require.True(t, a.CheckLiquidation(85))
	ev := a.Liquidate(85, t0.Add(time.Hour))

	assert.Equal(t, EventLiquidation, ev.Type)
	assert.Equal(t, StateLiquidated, a.State)
	assert.GreaterOrEqual(t, ev.Injected, 0.0)
	assert.GreaterOrEqual(t, a.InjectedCapital, 0.0)
	assert.InDelta(t, 3000, a.Equity(85).TotalEquity, 1e-9)
	assert.False(t, a.Position.Open())
	assert.Zero(t, a.Position.Step)
	assert.Zero(t, a.Position.HWM)
	assert.True(t, a.Cooldown.Active)
}

func TestLiquidationWinsOverStopLoss(t *testing.T) {
	a := NewAccount("BTCUSDT", testParams())
	a.Buy(100, 150, 0, 0, t0)

	// At 85 both conditions hold.
	require.True(t, a.CheckLiquidation(85))
	require.True(t, a.CheckStopLoss(85))
	ev := a.CheckRisk(85, t0)
	require.NotNil(t, ev)
	assert.Equal(t, EventLiquidation, ev.Type)
}

func TestTakeProfitFillsAtTarget(t *testing.T) {
	a := NewAccount("BTCUSDT", testParams())
	a.Buy(100, 10, 0, 0, t0)

	target := a.TakeProfitTarget(0.006)
	assert.InDelta(t, 100.6, target, 1e-9)

	barHigh := 100.7
	require.GreaterOrEqual(t, barHigh, target)
	ev := a.TakeProfit(target, 0, t0.Add(time.Hour))
	require.NotNil(t, ev.Trade)
	assert.GreaterOrEqual(t, ev.Trade.ExitPrice, 100*(1+0.006)-1e-9)
	assert.InDelta(t, 6, ev.Trade.Profit, 1e-9)
	assert.Equal(t, time.Hour, ev.Trade.HoldDuration)
	assert.Equal(t, StateClosed, a.State)
	assert.Zero(t, a.Position.LastBuyPrice)
	assert.InDelta(t, 3006, a.Equity(0).TotalEquity, 1e-9)
}

func TestProfitResetBanksSurplus(t *testing.T) {
	a := NewAccount("BTCUSDT", testParams())
	a.Buy(100, 100, 0, 0, t0)

	assert.False(t, a.ShouldProfitReset(102, 0.1))
	require.True(t, a.ShouldProfitReset(104, 0.1))
	ev := a.ProfitReset(104, 0, t0.Add(time.Hour))

	assert.InDelta(t, 400, ev.Banked, 1e-9)
	assert.InDelta(t, 400, a.Wallet, 1e-9)
	assert.InDelta(t, 3000, a.Equity(104).TotalEquity, 1e-9)
	assert.True(t, a.WithdrawWallet(300))
	assert.False(t, a.WithdrawWallet(300))
}

func TestEstimatedLiquidationPrice(t *testing.T) {
	p := testParams()
	a := NewAccount("BTCUSDT", p)
	assert.Zero(t, a.EstimatedLiquidationPrice())
	a.Buy(100, 150, 0, 0, t0)
	liq := a.EstimatedLiquidationPrice()
	assert.InDelta(t, (15000+1500-3000)/(150*(1-0.005)), liq, 1e-9)
	assert.True(t, a.CheckLiquidation(liq-0.01))
	assert.False(t, a.CheckLiquidation(liq+0.01))
}

func TestGuardEvaluateAndCooldown(t *testing.T) {
	cfg := models.RiskConfig{InitialCapital: 3000, MaintenanceMarginRate: 0.005, SafetyFactor: 1, StopLossThreshold: 0.65, CooldownMinutes: 1440}
	settings := map[string]models.Settings{"BTCUSDT": {Market: "BTCUSDT", Leverage: 10}}
	g := NewGuard(cfg, settings, nil, zap.NewNop())

	g.Observe("BTCUSDT", 101, t0)
	g.Observe("BTCUSDT", 99, t0)
	assert.Equal(t, 101.0, g.HWM("BTCUSDT"))
	g.RecordFill("BTCUSDT", 96, t0)
	assert.Equal(t, 96.0, g.HWM("BTCUSDT"))
	g.Observe("BTCUSDT", 101, t0)

	ok := g.Evaluate(models.Holding{Market: "BTCUSDT", Quantity: 150, AvgEntryPrice: 100, MarkPrice: 99}, t0)
	assert.False(t, ok.Breached())
	assert.InDelta(t, 13500/149.25, ok.LiquidationPrice, 1e-9)

	sl := g.Evaluate(models.Holding{Market: "BTCUSDT", Quantity: 150, AvgEntryPrice: 100, MarkPrice: 93}, t0)
	assert.Equal(t, EventStopLoss, sl.Type)

	liq := g.Evaluate(models.Holding{Market: "BTCUSDT", Quantity: 150, AvgEntryPrice: 100, MarkPrice: 85}, t0)
	assert.Equal(t, EventLiquidation, liq.Type)

	c := g.StartCooldown("BTCUSDT", t0)
	assert.True(t, c.Until.Equal(t0.Add(1440*time.Minute)))
	assert.Zero(t, g.HWM("BTCUSDT"))
	assert.False(t, g.Allow("BTCUSDT", t0.Add(time.Hour)))
	assert.True(t, g.Allow("BTCUSDT", t0.Add(1440*time.Minute)))
	_, still := g.State().Cooldowns["BTCUSDT"]
	assert.False(t, still)
}

func TestBuyRestartsHighWaterMark(t *testing.T) {
	a := NewAccount("BTCUSDT", testParams())
	a.Buy(100, 1, 0, 0, t0)
	a.Observe(102)
	assert.Equal(t, 102.0, a.Position.HWM)

	a.Buy(96, 2, 0, 0, t0)
	assert.Equal(t, 96.0, a.Position.HWM)
	assert.InDelta(t, 92.16, NextTarget(96, a.Position.HWM, 0.04), 1e-9)
}
