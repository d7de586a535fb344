package downloader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type fakeSource struct {
	bars  []*futures.Kline
	calls int
	err   error
}

func (f *fakeSource) Klines(_ context.Context, _ string, start, end time.Time, limit int) ([]*futures.Kline, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []*futures.Kline
	for _, k := range f.bars {
		if k.OpenTime >= start.UnixMilli() && k.OpenTime <= end.UnixMilli() && len(out) < 2 {
			out = append(out, k)
		}
	}
	return out, nil
}

func kline(t time.Time, price float64) *futures.Kline {
	p := strconv.FormatFloat(price, 'f', 2, 64)
	return &futures.Kline{
		OpenTime:  t.UnixMilli(),
		Open:      p,
		High:      p,
		Low:       p,
		Close:     p,
		Volume:    "1",
		CloseTime: t.Add(time.Minute).UnixMilli() - 1,
	}
}

func newTestDownloader(src KlineSource) *KlineDownloader {
	d := NewWithSource(src, zap.NewNop())
	d.limiter = rate.NewLimiter(rate.Inf, 1)
	return d
}

func TestDownloadAndLoadRoundTrip(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{}
	for i := 0; i < 5; i++ {
		src.bars = append(src.bars, kline(start.Add(time.Duration(i)*time.Minute), 100+float64(i)))
	}
	path := filepath.Join(t.TempDir(), "data", "BTCUSDT.csv")

	d := newTestDownloader(src)
	require.NoError(t, d.DownloadKlines(context.Background(), "BTCUSDT", path, start, start.Add(5*time.Minute)))
	assert.Equal(t, 3, src.calls, "pages of two bars")

	bars, err := LoadBars(path, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, bars, 5)
	assert.True(t, bars[0].Time.Equal(start))
	assert.Equal(t, 104.0, bars[4].Close)

	// A second call is served from the cache.
	require.NoError(t, d.DownloadKlines(context.Background(), "BTCUSDT", path, start, start.Add(5*time.Minute)))
	assert.Equal(t, 3, src.calls)
}

func TestDownloadFailureLeavesNoCache(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "BTCUSDT.csv")
	d := newTestDownloader(&fakeSource{err: errors.New("boom")})

	err := d.DownloadKlines(context.Background(), "BTCUSDT", path, start, start.Add(time.Hour))
	require.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestLoadBarsFlexibleHeaders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bars.csv")
	content := "Timestamp,Open,High,Low,Close\n" +
		"2024-01-01T00:02:00Z,3,4,2,3.5\n" +
		"2024-01-01 00:00:00,1,2,0.5,1.5\n" +
		"1704067260,2,3,1,2.5\n" +
		"garbage,1,1,1,1\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	bars, err := LoadBars(path, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, 1.5, bars[0].Close)
	assert.Equal(t, 2.5, bars[1].Close)
	assert.Equal(t, 3.5, bars[2].Close)
	assert.Zero(t, bars[0].Volume)
}

func TestLoadBarsRejectsMissingColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte("time,open,close\n1,2,3\n"), 0644))
	_, err := LoadBars(path, zap.NewNop())
	assert.Error(t, err)
}
