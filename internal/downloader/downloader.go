// Package downloader fetches 1m futures klines into CSV files and loads them back as bars.
package downloader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"ladder-futures-bot/internal/models"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// maxKlinesPerRequest 是 U 本位合约单次请求的最大K线数
const maxKlinesPerRequest = 1500

// KlineSource 返回 [start, end] 内从 start 开始的一批1分钟K线
type KlineSource interface {
	Klines(ctx context.Context, symbol string, start, end time.Time, limit int) ([]*futures.Kline, error)
}

type futuresSource struct {
	client *futures.Client
}

func (s futuresSource) Klines(ctx context.Context, symbol string, start, end time.Time, limit int) ([]*futures.Kline, error) {
	return s.client.NewKlinesService().
		Symbol(symbol).
		Interval("1m").
		StartTime(start.UnixMilli()).
		EndTime(end.UnixMilli()).
		Limit(limit).
		Do(ctx)
}

// KlineDownloader 用于从币安合约下载K线数据
type KlineDownloader struct {
	source  KlineSource
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewKlineDownloader 使用公共接口创建下载器, baseURL 为空时使用生产网
func NewKlineDownloader(baseURL string, logger *zap.Logger) *KlineDownloader {
	client := futures.NewClient("", "") // 公共接口不需要API Key
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return NewWithSource(futuresSource{client: client}, logger)
}

// NewWithSource creates a downloader over any kline source.
func NewWithSource(src KlineSource, logger *zap.Logger) *KlineDownloader {
	return &KlineDownloader{
		source:  src,
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		logger:  logger,
	}
}

var header = []string{"open_time", "open", "high", "low", "close", "volume", "close_time", "quote_asset_volume", "number_of_trades", "taker_buy_base_asset_volume", "taker_buy_quote_asset_volume"}

// DownloadKlines 下载指定交易对和时间范围内的1分钟K线数据，并保存到CSV文件。
// 如果文件已存在，则会跳过下载，直接使用缓存。
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, filePath string, startTime, endTime time.Time) error {
	if _, err := os.Stat(filePath); err == nil {
		d.logger.Info("从缓存加载数据", zap.String("path", filePath))
		return nil
	}
	if !startTime.Before(endTime) {
		return fmt.Errorf("invalid range: %s >= %s", startTime, endTime)
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("无法创建目录: %w", err)
	}
	// 先写临时文件, 中途失败不会留下被当作缓存的残缺文件
	tmp := filePath + ".part"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", tmp, err)
	}

	err = d.download(ctx, file, symbol, startTime, endTime)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return err
	}
	d.logger.Info("成功下载K线数据", zap.String("symbol", symbol), zap.String("path", filePath))
	return nil
}

func (d *KlineDownloader) download(ctx context.Context, w io.Writer, symbol string, startTime, endTime time.Time) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("写入CSV表头失败: %w", err)
	}

	rows := 0
	for t := startTime; t.Before(endTime); {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		klines, err := d.source.Klines(ctx, symbol, t, endTime, maxKlinesPerRequest)
		if err != nil {
			return fmt.Errorf("下载K线数据失败: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			record := []string{
				strconv.FormatInt(k.OpenTime, 10),
				k.Open,
				k.High,
				k.Low,
				k.Close,
				k.Volume,
				strconv.FormatInt(k.CloseTime, 10),
				k.QuoteAssetVolume,
				strconv.FormatInt(k.TradeNum, 10),
				k.TakerBuyBaseAssetVolume,
				k.TakerBuyQuoteAssetVolume,
			}
			if err := writer.Write(record); err != nil {
				return fmt.Errorf("写入CSV记录失败: %w", err)
			}
		}
		rows += len(klines)

		next := time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		if !next.After(t) {
			break
		}
		t = next
		d.logger.Debug("已下载数据", zap.Time("until", t), zap.Int("rows", rows))
	}
	writer.Flush()
	return writer.Error()
}

// LoadBars 读取K线CSV。时间列可以是 open_time、time、timestamp 或 date,
// 取值为毫秒、秒时间戳或 RFC3339 / "2006-01-02 15:04:05" 文本。
// 无法解析的行会被跳过, 结果按时间升序排列。
func LoadBars(path string, logger *zap.Logger) ([]models.Bar, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("无法打开历史数据文件: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	head, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("读取CSV表头失败: %w", err)
	}
	cols, err := columns(head)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var bars []models.Bar
	skipped := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("读取CSV记录失败: %w", err)
		}
		b, err := parseBar(record, cols)
		if err != nil {
			skipped++
			continue
		}
		bars = append(bars, b)
	}
	if skipped > 0 {
		logger.Warn("部分K线无法解析, 已跳过", zap.String("path", path), zap.Int("skipped", skipped))
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%s: 历史数据文件为空或只有表头", path)
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	return bars, nil
}

type columnIndex struct {
	time, open, high, low, close, volume int
}

func columns(head []string) (columnIndex, error) {
	idx := columnIndex{time: -1, open: -1, high: -1, low: -1, close: -1, volume: -1}
	for i, h := range head {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "open_time", "time", "timestamp", "date":
			if idx.time < 0 {
				idx.time = i
			}
		case "open":
			idx.open = i
		case "high":
			idx.high = i
		case "low":
			idx.low = i
		case "close":
			idx.close = i
		case "volume":
			idx.volume = i
		}
	}
	if idx.time < 0 || idx.open < 0 || idx.high < 0 || idx.low < 0 || idx.close < 0 {
		return idx, fmt.Errorf("CSV header must contain time, open, high, low and close columns, got %v", head)
	}
	return idx, nil
}

func parseBar(record []string, c columnIndex) (models.Bar, error) {
	field := func(i int) (float64, error) {
		if i < 0 {
			return 0, nil
		}
		if i >= len(record) {
			return 0, fmt.Errorf("missing column %d", i)
		}
		return strconv.ParseFloat(strings.TrimSpace(record[i]), 64)
	}
	if c.time >= len(record) {
		return models.Bar{}, fmt.Errorf("missing time column")
	}
	t, err := parseTime(record[c.time])
	if err != nil {
		return models.Bar{}, err
	}
	var b models.Bar
	b.Time = t
	var errs [5]error
	b.Open, errs[0] = field(c.open)
	b.High, errs[1] = field(c.high)
	b.Low, errs[2] = field(c.low)
	b.Close, errs[3] = field(c.close)
	b.Volume, errs[4] = field(c.volume)
	if err := multierr.Combine(errs[:]...); err != nil {
		return models.Bar{}, err
	}
	return b, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		// 小于 1e12 视为秒级时间戳
		if n < 1e12 {
			return time.Unix(n, 0).UTC(), nil
		}
		return time.UnixMilli(n).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
