package models

import (
	"fmt"
	"sort"
	"time"
)

// IntentKind 区分初始入场和两种补仓阶梯
type IntentKind string

const (
	KindInitial   IntentKind = "initial"
	KindSmallFlow IntentKind = "small_flow"
	KindLargeFlow IntentKind = "large_flow"
)

// FlowKinds lists the ladder kinds in evaluation order.
var FlowKinds = []IntentKind{KindSmallFlow, KindLargeFlow}

// Valid reports whether k is one of the known kinds.
func (k IntentKind) Valid() bool {
	switch k {
	case KindInitial, KindSmallFlow, KindLargeFlow:
		return true
	}
	return false
}

// IntentStatus 是账本行的生命周期状态
type IntentStatus string

const (
	StatusEmpty  IntentStatus = ""       // 手工插入的行, 尚未校验
	StatusUpdate IntentStatus = "update" // 等待提交到交易所
	StatusWait   IntentStatus = "wait"   // 已挂单, 等待成交
	StatusDone   IntentStatus = "done"   // 已成交
	StatusCancel IntentStatus = "cancel" // 已取消
)

// ParseIntentStatus converts a persisted status string into the closed set.
// "nan" is accepted as empty because spreadsheet exports write it for blank cells.
func ParseIntentStatus(s string) (IntentStatus, error) {
	switch IntentStatus(s) {
	case StatusEmpty, StatusUpdate, StatusWait, StatusDone, StatusCancel:
		return IntentStatus(s), nil
	}
	if s == "nan" || s == "NaN" {
		return StatusEmpty, nil
	}
	return "", fmt.Errorf("unknown intent status %q", s)
}

// BuyIntent 是一笔分阶段的入场挂单
type BuyIntent struct {
	Market          string       `json:"market"`
	Kind            IntentKind   `json:"kind"`
	Step            int          `json:"step"`         // 0=初始, 1..=补仓阶梯序号
	TargetPrice     float64      `json:"target_price"` // 目标挂单价
	Amount          float64      `json:"amount"`       // 名义价值 (计价货币)
	Units           float64      `json:"units"`        // 单位数, Amount = UnitSize * Units
	OrderType       OrderType    `json:"order_type"`
	ExchangeOrderID string       `json:"exchange_order_id,omitempty"`
	Status          IntentStatus `json:"status"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// SellIntent 是每个交易对唯一的止盈挂单
type SellIntent struct {
	Market          string       `json:"market"`
	AvgPrice        float64      `json:"avg_price"`
	Quantity        float64      `json:"quantity"`
	TargetPrice     float64      `json:"target_price"`
	ExchangeOrderID string       `json:"exchange_order_id,omitempty"`
	Status          IntentStatus `json:"status"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Ledger is the full buy/sell row set. It is read and written wholesale once per cycle.
type Ledger struct {
	Buys  []BuyIntent  `json:"buys"`
	Sells []SellIntent `json:"sells"`
}

// Clone returns a deep copy of the ledger.
func (l *Ledger) Clone() *Ledger {
	return &Ledger{
		Buys:  append([]BuyIntent(nil), l.Buys...),
		Sells: append([]SellIntent(nil), l.Sells...),
	}
}

// BuysFor returns copies of the buy rows for a market.
func (l *Ledger) BuysFor(market string) []BuyIntent {
	var rows []BuyIntent
	for _, b := range l.Buys {
		if b.Market == market {
			rows = append(rows, b)
		}
	}
	return rows
}

// HasMarket reports whether any buy or sell row exists for the market.
func (l *Ledger) HasMarket(market string) bool {
	for _, b := range l.Buys {
		if b.Market == market {
			return true
		}
	}
	for _, s := range l.Sells {
		if s.Market == market {
			return true
		}
	}
	return false
}

// Markets returns the sorted set of markets that have rows in the ledger.
func (l *Ledger) Markets() []string {
	seen := make(map[string]bool)
	for _, b := range l.Buys {
		seen[b.Market] = true
	}
	for _, s := range l.Sells {
		seen[s.Market] = true
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Initial returns the initial row of a market, if any.
func (l *Ledger) Initial(market string) (BuyIntent, bool) {
	for _, b := range l.Buys {
		if b.Market == market && b.Kind == KindInitial {
			return b, true
		}
	}
	return BuyIntent{}, false
}

// UpsertBuy replaces the row with the same market and kind, or appends it.
// Each market carries at most one row per kind; flow rows advance their step in place.
func (l *Ledger) UpsertBuy(row BuyIntent) {
	for i := range l.Buys {
		if l.Buys[i].Market == row.Market && l.Buys[i].Kind == row.Kind {
			l.Buys[i] = row
			return
		}
	}
	l.Buys = append(l.Buys, row)
}

// Sell returns the active sell row for a market.
func (l *Ledger) Sell(market string) (SellIntent, bool) {
	for _, s := range l.Sells {
		if s.Market == market {
			return s, true
		}
	}
	return SellIntent{}, false
}

// UpsertSell replaces the sell row for the market, or appends it.
func (l *Ledger) UpsertSell(row SellIntent) {
	for i := range l.Sells {
		if l.Sells[i].Market == row.Market {
			l.Sells[i] = row
			return
		}
	}
	l.Sells = append(l.Sells, row)
}

// DropMarket removes every buy and sell row of a market.
func (l *Ledger) DropMarket(market string) {
	buys := l.Buys[:0]
	for _, b := range l.Buys {
		if b.Market != market {
			buys = append(buys, b)
		}
	}
	l.Buys = buys
	sells := l.Sells[:0]
	for _, s := range l.Sells {
		if s.Market != market {
			sells = append(sells, s)
		}
	}
	l.Sells = sells
}

// CooldownState 记录止损或爆仓后的冷却期
type CooldownState struct {
	Active bool      `json:"active"`
	Until  time.Time `json:"until"`
}

// Expired reports whether the cooldown no longer blocks entries at now.
func (c CooldownState) Expired(now time.Time) bool {
	return !c.Active || !now.Before(c.Until)
}

// RiskState 是需要跨进程重启保留的风控状态
type RiskState struct {
	Cooldowns      map[string]CooldownState `json:"cooldowns"`
	HighWaterMarks map[string]float64       `json:"high_water_marks"`
	LastUpdateTime time.Time                `json:"last_update_time"`
}

// NewRiskState returns an empty, initialized RiskState.
func NewRiskState() *RiskState {
	return &RiskState{
		Cooldowns:      make(map[string]CooldownState),
		HighWaterMarks: make(map[string]float64),
	}
}
