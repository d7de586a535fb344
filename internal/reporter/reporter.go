// Package reporter renders backtest results as tables and a machine-readable metrics record.
package reporter

import (
	"encoding/json"
	"fmt"
	"io"
	"ladder-futures-bot/internal/backtest"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"go.uber.org/zap"
)

const timeLayout = "2006-01-02 15:04"

// Render 将回测汇总和每个区段的结果以表格形式输出
func Render(w io.Writer, res *backtest.Result, dataPath string) {
	m := res.Metrics

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("回测结果报告 %s", res.Market)
	t.AppendRows([]table.Row{
		{"数据文件", dataPath},
		{"回测周期", fmt.Sprintf("%s 到 %s", res.Start.Format(timeLayout), res.End.Format(timeLayout))},
		{"功能开关", features(res.Features)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"初始资金", fmt.Sprintf("%.2f USDT", m.InitialCapital)},
		{"最终资金 (扣除注资)", fmt.Sprintf("%.2f USDT", m.FinalBalance)},
		{"收益率", fmt.Sprintf("%.2f%%", m.TotalPnlPct)},
		{"最大回撤", fmt.Sprintf("%.2f%%", m.MaxDrawdownPct)},
		{"收益/回撤", fmt.Sprintf("%.2f", m.ReturnOverMDD)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"总交易次数", m.TotalTrades},
		{"胜率", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"盈亏因子", fmt.Sprintf("%.2f", m.ProfitFactor)},
		{"爆仓次数", m.Liquidations},
		{"止损次数", m.StopLosses},
		{"利润落袋次数", m.ProfitResets},
		{"子账户数", m.SubAccounts},
		{"最长持仓", m.LongestHold.Round(time.Minute).String()},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"外部注资", fmt.Sprintf("%.2f USDT", m.TotalInjected)},
		{"钱包余额", fmt.Sprintf("%.2f USDT", m.Wallet)},
		{"总手续费", fmt.Sprintf("%.4f USDT", m.TotalFees)},
		{"总滑点成本", fmt.Sprintf("%.4f USDT", m.TotalSlippage)},
	})
	t.Render()

	renderSegments(w, res.Segments)
}

func renderSegments(w io.Writer, segments []backtest.Segment) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("区段")
	t.AppendHeader(table.Row{"#", "开始", "结束", "期末权益", "收益率", "最大回撤", "交易", "胜率", "盈亏因子", "最长持仓", "结束原因"})
	for _, s := range segments {
		t.AppendRow(table.Row{
			s.Index,
			s.Start.Format(timeLayout),
			s.End.Format(timeLayout),
			fmt.Sprintf("%.2f", s.FinalEquity),
			fmt.Sprintf("%.2f%%", s.ReturnPct),
			fmt.Sprintf("%.2f%%", s.MaxDrawdownPct),
			s.Trades,
			fmt.Sprintf("%.2f%%", s.WinRate),
			fmt.Sprintf("%.2f", s.ProfitFactor),
			s.LongestHold.Round(time.Minute).String(),
			s.EndedBy,
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})
	t.Render()
}

func features(f backtest.Features) string {
	var on []string
	if f.Slippage {
		on = append(on, "slippage")
	}
	if f.DynamicSizing {
		on = append(on, "dynamic_sizing")
	}
	if f.Compounding {
		on = append(on, "compounding")
	}
	if len(on) == 0 {
		return "none"
	}
	return strings.Join(on, ", ")
}

// WriteReports writes one table per segment and the metrics record into dir.
// It returns the path of the metrics file.
func WriteReports(dir string, res *backtest.Result, logger *zap.Logger) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	prefix := fmt.Sprintf("%s_%s", res.Market, res.Start.Format("20060102"))

	for _, s := range res.Segments {
		path := filepath.Join(dir, fmt.Sprintf("%s_segment_%02d.txt", prefix, s.Index))
		f, err := os.Create(path)
		if err != nil {
			return "", fmt.Errorf("create segment report: %w", err)
		}
		renderSegments(f, []backtest.Segment{s})
		if err := f.Close(); err != nil {
			return "", err
		}
	}

	data, err := json.MarshalIndent(res.Metrics, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode metrics: %w", err)
	}
	path := filepath.Join(dir, prefix+"_metrics.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write metrics: %w", err)
	}
	logger.Info("回测报告已生成",
		zap.String("dir", dir),
		zap.Int("segments", len(res.Segments)),
		zap.String("metrics", path))
	return path, nil
}
