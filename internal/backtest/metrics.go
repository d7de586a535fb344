package backtest

import (
	"ladder-futures-bot/internal/models"
	"ladder-futures-bot/internal/risk"
	"math"
	"time"
)

// maxProfitFactor caps the profit factor of runs without losing trades.
const maxProfitFactor = 999.99

// Segment 是两次爆仓 (或起止点) 之间的一段回测区间
type Segment struct {
	Index          int           `json:"index"`
	Start          time.Time     `json:"start"`
	End            time.Time     `json:"end"`
	StartEquity    float64       `json:"start_equity"`
	FinalEquity    float64       `json:"final_equity"`
	ReturnPct      float64       `json:"return_pct"` // 相对初始资金
	MaxDrawdownPct float64       `json:"max_drawdown_pct"`
	LongestHold    time.Duration `json:"longest_hold"`
	Trades         int           `json:"trades"`
	Wins           int           `json:"wins"`
	WinRate        float64       `json:"win_rate"`
	ProfitFactor   float64       `json:"profit_factor"`
	Liquidations   int           `json:"liquidations"`
	StopLosses     int           `json:"stop_losses"`
	EndedBy        string        `json:"ended_by"` // liquidation 或 end

	equity      []float64
	grossProfit float64
	grossLoss   float64
}

func newSegment(index int, start time.Time) *Segment {
	return &Segment{Index: index, Start: start, End: start}
}

func (s *Segment) observe(t time.Time, equity float64) {
	if len(s.equity) == 0 {
		s.StartEquity = equity
	}
	s.equity = append(s.equity, equity)
	s.FinalEquity = equity
	s.End = t
}

func (s *Segment) addTrade(tr models.CompletedTrade) {
	s.Trades++
	if tr.Profit > 0 {
		s.Wins++
		s.grossProfit += tr.Profit
	} else {
		s.grossLoss += -tr.Profit
	}
	if tr.HoldDuration > s.LongestHold {
		s.LongestHold = tr.HoldDuration
	}
}

func (s *Segment) finish(initialCapital float64) {
	if initialCapital > 0 {
		s.ReturnPct = (s.FinalEquity - s.StartEquity) / initialCapital * 100
	}
	s.MaxDrawdownPct = MaxDrawdown(s.equity) * 100
	if s.Trades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Trades) * 100
	}
	s.ProfitFactor = profitFactor(s.grossProfit, s.grossLoss)
}

// Metrics 是整个回测的机器可读指标
type Metrics struct {
	InitialCapital float64       `json:"Initial Capital"`
	FinalBalance   float64       `json:"Final Balance"`
	TotalPnlPct    float64       `json:"Total PNL%"`
	MaxDrawdownPct float64       `json:"MDD%"`
	WinRate        float64       `json:"Win Rate"`
	TotalTrades    int           `json:"Total Trades"`
	Liquidations   int           `json:"Liquidations"`
	StopLosses     int           `json:"Stop Losses"`
	ProfitResets   int           `json:"Profit Resets"`
	ProfitFactor   float64       `json:"Profit Factor"`
	ReturnOverMDD  float64       `json:"Return/MDD"`
	TotalInjected  float64       `json:"Injected Capital"`
	Wallet         float64       `json:"Wallet"`
	TotalFees      float64       `json:"Total Fees"`
	TotalSlippage  float64       `json:"Total Slippage"`
	SubAccounts    int           `json:"Sub Accounts"`
	LongestHold    time.Duration `json:"Longest Hold"`
}

func (r *Replayer) summarize(lastClose float64) Metrics {
	m := Metrics{
		InitialCapital: r.risk.InitialCapital,
		FinalBalance:   r.netEquity(lastClose),
		TotalInjected:  r.injected,
		Wallet:         r.wallet,
		SubAccounts:    len(r.accounts),
		TotalTrades:    len(r.result.Trades),
	}
	for _, sa := range r.accounts {
		m.Wallet += sa.acct.Wallet
		m.TotalFees += sa.acct.TotalFees
		m.TotalSlippage += sa.acct.TotalSlippage
	}
	for _, ev := range r.result.Events {
		switch ev.Type {
		case risk.EventLiquidation:
			m.Liquidations++
		case risk.EventStopLoss:
			m.StopLosses++
		case risk.EventProfitReset:
			m.ProfitResets++
		}
	}

	var wins int
	var grossProfit, grossLoss float64
	for _, tr := range r.result.Trades {
		if tr.Profit > 0 {
			wins++
			grossProfit += tr.Profit
		} else {
			grossLoss += -tr.Profit
		}
		if tr.HoldDuration > m.LongestHold {
			m.LongestHold = tr.HoldDuration
		}
	}
	if m.TotalTrades > 0 {
		m.WinRate = float64(wins) / float64(m.TotalTrades) * 100
	}
	m.ProfitFactor = profitFactor(grossProfit, grossLoss)

	m.TotalPnlPct = (m.FinalBalance - m.InitialCapital) / m.InitialCapital * 100
	curve := make([]float64, len(r.result.EquityCurve))
	for i, p := range r.result.EquityCurve {
		curve[i] = p.Equity
	}
	m.MaxDrawdownPct = MaxDrawdown(curve) * 100
	if m.MaxDrawdownPct > 0 {
		m.ReturnOverMDD = m.TotalPnlPct / m.MaxDrawdownPct
	}
	return m
}

func profitFactor(grossProfit, grossLoss float64) float64 {
	if grossLoss <= 0 {
		if grossProfit > 0 {
			return maxProfitFactor
		}
		return 0
	}
	return math.Min(grossProfit/grossLoss, maxProfitFactor)
}

// MaxDrawdown 计算权益曲线的最大回撤 (峰值到谷值的比例)
func MaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}
