package strategy

import (
	"ladder-futures-bot/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func btcSettings() models.Settings {
	return models.Settings{
		Market:         "BTCUSDT",
		UnitSize:       100,
		SmallFlowPct:   0.04,
		SmallFlowUnits: 2,
		LargeFlowPct:   0.17,
		LargeFlowUnits: 10,
		TakeProfitPct:  0.006,
		Leverage:       5,
	}
}

func byKind(rows []models.BuyIntent) map[models.IntentKind]models.BuyIntent {
	out := make(map[models.IntentKind]models.BuyIntent)
	for _, r := range rows {
		out[r.Kind] = r
	}
	return out
}

func TestGenerateSeedsThreeIntents(t *testing.T) {
	delta, err := Generate(btcSettings(), nil, 100, 0, now)
	require.NoError(t, err)
	require.Len(t, delta, 3)

	rows := byKind(delta)
	initial := rows[models.KindInitial]
	assert.Equal(t, 100.0, initial.TargetPrice)
	assert.Equal(t, 100.0, initial.Amount)
	assert.Equal(t, 0, initial.Step)
	assert.Equal(t, models.OrderMarket, initial.OrderType)

	small := rows[models.KindSmallFlow]
	assert.Equal(t, 96.0, small.TargetPrice)
	assert.Equal(t, 200.0, small.Amount)
	assert.Equal(t, 1, small.Step)
	assert.Equal(t, models.OrderLimit, small.OrderType)

	large := rows[models.KindLargeFlow]
	assert.Equal(t, 83.0, large.TargetPrice)
	assert.Equal(t, 1000.0, large.Amount)

	for _, r := range delta {
		assert.Equal(t, models.StatusUpdate, r.Status)
		assert.Empty(t, r.ExchangeOrderID)
	}
}

func TestGenerateChainsDoneFlowFromFiredPrice(t *testing.T) {
	rows := []models.BuyIntent{
		{Market: "BTCUSDT", Kind: models.KindInitial, TargetPrice: 100, Amount: 100, Units: 1, Status: models.StatusDone},
		{Market: "BTCUSDT", Kind: models.KindSmallFlow, Step: 1, TargetPrice: 96, Amount: 200, Units: 2, ExchangeOrderID: "7", Status: models.StatusDone},
		{Market: "BTCUSDT", Kind: models.KindLargeFlow, Step: 1, TargetPrice: 83, Amount: 1000, Units: 10, ExchangeOrderID: "8", Status: models.StatusWait},
	}
	delta, err := Generate(btcSettings(), rows, 95, 97, now)
	require.NoError(t, err)
	require.Len(t, delta, 1)

	next := delta[0]
	assert.Equal(t, models.KindSmallFlow, next.Kind)
	assert.Equal(t, 2, next.Step)
	assert.Equal(t, 92.16, next.TargetPrice)
	assert.Empty(t, next.ExchangeOrderID)
	assert.Equal(t, models.StatusUpdate, next.Status)
	assert.Less(t, next.TargetPrice, 96.0)
}

func TestGenerateDoneFlowUsesRalliedHWM(t *testing.T) {
	rows := []models.BuyIntent{
		{Market: "BTCUSDT", Kind: models.KindInitial, TargetPrice: 100, Amount: 100, Units: 1, Status: models.StatusDone},
		{Market: "BTCUSDT", Kind: models.KindSmallFlow, Step: 1, TargetPrice: 96, Amount: 200, Units: 2, Status: models.StatusDone},
	}
	delta, err := Generate(btcSettings(), rows, 109, 110, now)
	require.NoError(t, err)
	got := byKind(delta)[models.KindSmallFlow]
	assert.Equal(t, 105.6, got.TargetPrice)
}

func TestGenerateRepricesStaleWaitRow(t *testing.T) {
	rows := []models.BuyIntent{
		{Market: "BTCUSDT", Kind: models.KindInitial, TargetPrice: 100, Amount: 100, Units: 1, Status: models.StatusDone},
		{Market: "BTCUSDT", Kind: models.KindSmallFlow, Step: 1, TargetPrice: 96, Amount: 200, Units: 2, ExchangeOrderID: "7", Status: models.StatusWait},
		{Market: "BTCUSDT", Kind: models.KindLargeFlow, Step: 1, TargetPrice: 83, Amount: 1000, Units: 10, ExchangeOrderID: "8", Status: models.StatusWait},
	}

	// Below the staleness bound nothing moves.
	delta, err := Generate(btcSettings(), rows, 101.5, 101.5, now)
	require.NoError(t, err)
	assert.Empty(t, delta)

	delta, err = Generate(btcSettings(), rows, 105, 105, now)
	require.NoError(t, err)
	require.Len(t, delta, 1)
	assert.Equal(t, models.KindSmallFlow, delta[0].Kind)
	assert.Equal(t, 100.8, delta[0].TargetPrice)
	assert.Equal(t, models.StatusUpdate, delta[0].Status)
	assert.Equal(t, "7", delta[0].ExchangeOrderID, "old order id is kept so it can be cancelled")
	assert.Equal(t, 1, delta[0].Step)
}

func TestGenerateLeavesUpdateRowsAlone(t *testing.T) {
	rows := []models.BuyIntent{
		{Market: "BTCUSDT", Kind: models.KindInitial, TargetPrice: 100, Amount: 100, Units: 1, Status: models.StatusUpdate},
		{Market: "BTCUSDT", Kind: models.KindSmallFlow, Step: 1, TargetPrice: 96, Amount: 200, Units: 2, Status: models.StatusUpdate},
	}
	delta, err := Generate(btcSettings(), rows, 150, 150, now)
	require.NoError(t, err)
	assert.Empty(t, delta)
}

func TestGenerateValidatesManualRows(t *testing.T) {
	good := []models.BuyIntent{
		{Market: "BTCUSDT", Kind: models.KindInitial, TargetPrice: 100, Amount: 100, Units: 1, Status: models.StatusDone},
		{Market: "BTCUSDT", Kind: models.KindSmallFlow, Step: 1, TargetPrice: 96, Amount: 200, Units: 2, OrderType: models.OrderLimit},
	}
	delta, err := Generate(btcSettings(), good, 100, 0, now)
	require.NoError(t, err)
	rows := byKind(delta)
	assert.Equal(t, models.StatusUpdate, rows[models.KindSmallFlow].Status)
	assert.Equal(t, 96.0, rows[models.KindSmallFlow].TargetPrice)

	bad := []models.BuyIntent{
		{Market: "BTCUSDT", Kind: models.KindSmallFlow, Step: 1, TargetPrice: 96, Units: 2},
	}
	_, err = Generate(btcSettings(), bad, 100, 0, now)
	assert.ErrorIs(t, err, ErrInvalidLedger)
	assert.ErrorContains(t, err, "amount")
}

func TestGenerateRejectsStrayCancel(t *testing.T) {
	rows := []models.BuyIntent{
		{Market: "BTCUSDT", Kind: models.KindInitial, TargetPrice: 100, Amount: 100, Units: 1, Status: models.StatusDone},
		{Market: "BTCUSDT", Kind: models.KindLargeFlow, Step: 1, TargetPrice: 83, Amount: 1000, Units: 10, Status: models.StatusCancel},
	}
	delta, err := Generate(btcSettings(), rows, 100, 0, now)
	assert.ErrorIs(t, err, ErrInvalidLedger)
	assert.Nil(t, delta)
}

func TestGenerateRearmsLadderForRebuiltLedger(t *testing.T) {
	rows := []models.BuyIntent{
		{Market: "BTCUSDT", Kind: models.KindInitial, TargetPrice: 100, Amount: 100, Units: 1, Status: models.StatusDone},
	}
	delta, err := Generate(btcSettings(), rows, 90, 0, now)
	require.NoError(t, err)
	require.Len(t, delta, 2)
	got := byKind(delta)
	assert.Equal(t, 86.4, got[models.KindSmallFlow].TargetPrice)
	assert.Equal(t, 74.7, got[models.KindLargeFlow].TargetPrice)
}

func TestGenerateRejectsBadPrice(t *testing.T) {
	_, err := Generate(btcSettings(), nil, 0, 0, now)
	assert.Error(t, err)
}

func TestGenerateSellTarget(t *testing.T) {
	h := models.Holding{Market: "BTCUSDT", Quantity: 10, AvgEntryPrice: 100}
	row, changed := GenerateSell(btcSettings(), h, nil, now)
	require.True(t, changed)
	assert.Equal(t, 100.6, row.TargetPrice)
	assert.Equal(t, 10.0, row.Quantity)
	assert.Equal(t, models.StatusUpdate, row.Status)
}

func TestGenerateSellUnchangedSnapshotDoesNotMutate(t *testing.T) {
	h := models.Holding{Market: "BTCUSDT", Quantity: 10, AvgEntryPrice: 100}
	first, changed := GenerateSell(btcSettings(), h, nil, now)
	require.True(t, changed)

	// Dispatcher moved it to wait.
	first.Status = models.StatusWait
	first.ExchangeOrderID = "42"

	second, changed := GenerateSell(btcSettings(), h, &first, now.Add(time.Minute))
	assert.False(t, changed)
	assert.Equal(t, first, second)

	// Float noise below the rounding precision is not a change.
	h.AvgEntryPrice = 100.000000000001
	_, changed = GenerateSell(btcSettings(), h, &first, now)
	assert.False(t, changed)

	// A new fill moves the average and re-arms the sell.
	h.AvgEntryPrice = 98
	h.Quantity = 12
	third, changed := GenerateSell(btcSettings(), h, &first, now)
	assert.True(t, changed)
	assert.Equal(t, models.StatusUpdate, third.Status)
	assert.Empty(t, third.ExchangeOrderID)
	assert.Equal(t, 98.588, third.TargetPrice)
}

func TestGenerateSellIgnoresFlatHolding(t *testing.T) {
	_, changed := GenerateSell(btcSettings(), models.Holding{Market: "BTCUSDT"}, nil, now)
	assert.False(t, changed)
}
