package reporter

import (
	"bytes"
	"encoding/json"
	"ladder-futures-bot/internal/backtest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sampleResult() *backtest.Result {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &backtest.Result{
		Market:   "BTCUSDT",
		Start:    start,
		End:      start.Add(48 * time.Hour),
		Features: backtest.Features{Slippage: true},
		Segments: []backtest.Segment{
			{Index: 0, Start: start, End: start.Add(24 * time.Hour), FinalEquity: 821, ReturnPct: -72.63, Trades: 3, EndedBy: "liquidation"},
			{Index: 1, Start: start.Add(25 * time.Hour), End: start.Add(48 * time.Hour), FinalEquity: 900, ReturnPct: 2.6, Trades: 2, EndedBy: "end"},
		},
		Metrics: backtest.Metrics{
			InitialCapital: 3000,
			FinalBalance:   900,
			TotalPnlPct:    -70,
			MaxDrawdownPct: 72.63,
			WinRate:        60,
			TotalTrades:    5,
			Liquidations:   1,
			ProfitFactor:   0.4,
			ReturnOverMDD:  -0.96,
		},
	}
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	Render(&buf, sampleResult(), "data/btc.csv")
	out := buf.String()
	assert.Contains(t, out, "BTCUSDT")
	assert.Contains(t, out, "data/btc.csv")
	assert.Contains(t, out, "liquidation")
	assert.Contains(t, out, "slippage")
	assert.Contains(t, out, "-70.00%")
}

func TestWriteReports(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteReports(dir, sampleResult(), zap.NewNop())
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &record))
	for _, key := range []string{"Final Balance", "Total PNL%", "MDD%", "Win Rate", "Total Trades", "Liquidations", "Profit Factor", "Return/MDD"} {
		assert.Contains(t, record, key)
	}
	assert.Equal(t, 900.0, record["Final Balance"])

	segments, err := filepath.Glob(filepath.Join(dir, "BTCUSDT_20240101_segment_*.txt"))
	require.NoError(t, err)
	assert.Len(t, segments, 2)
}
