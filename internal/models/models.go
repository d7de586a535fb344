package models

import "time"

// Config 结构体定义了机器人的所有运行配置参数
type Config struct {
	IsTestnet     bool         `json:"is_testnet"` // 是否使用测试网
	DBPath        string       `json:"db_path"`    // 账本数据库路径
	LiveAPIURL    string       `json:"live_api_url"`
	TestnetAPIURL string       `json:"testnet_api_url"`
	SettingsPath  string       `json:"settings_path"`          // 每个交易对的策略参数表 (YAML)
	CycleInterval int          `json:"cycle_interval_sec"`     // 实盘轮询周期 (秒)
	SummaryEvery  int          `json:"summary_every_cycles"`   // 每隔多少个周期推送一次持仓汇总
	MarginMode    string       `json:"margin_mode"`            // 默认保证金模式: CROSSED 或 ISOLATED
	MetricsAddr   string       `json:"metrics_addr,omitempty"` // Prometheus 监听地址, 为空则不启动
	LogConfig     LogConfig    `json:"log"`                    // 日志配置
	Notify        NotifyConfig `json:"notify"`                 // 通知配置

	RetryAttempts       int     `json:"retry_attempts"`         // 网关调用的重试次数
	RetryInitialDelayMs int     `json:"retry_initial_delay_ms"` // 固定退避间隔 (毫秒)
	RequestTimeoutMs    int     `json:"request_timeout_ms"`     // 单次网关调用超时 (毫秒)
	RequestsPerSecond   float64 `json:"requests_per_second"`    // 网关限速
	RequestBurst        int     `json:"request_burst"`

	Risk     RiskConfig     `json:"risk"`     // 风控参数 (实盘与回测共用)
	Backtest BacktestConfig `json:"backtest"` // 回测引擎特定配置

	BaseURL string `json:"base_url"` // REST API基础地址 (将由程序动态设置)
}

// RiskConfig 定义了保证金、止损和爆仓相关的参数
type RiskConfig struct {
	InitialCapital        float64 `json:"initial_capital"`         // 每个交易对分配的初始资金 (USDT)
	MaintenanceMarginRate float64 `json:"maintenance_margin_rate"` // 维持保证金率
	SafetyFactor          float64 `json:"safety_factor"`           // 爆仓判定的安全系数
	PanicSellPenalty      float64 `json:"panic_sell_penalty"`      // 强平时的折价比例
	StopLossThreshold     float64 `json:"stop_loss_threshold"`     // 权益低于初始资金的该比例时止损, 0 表示关闭
	CooldownMinutes       int     `json:"cooldown_minutes"`        // 止损/爆仓后的冷却时间
	TakerFeeRate          float64 `json:"taker_fee_rate"`          // 吃单手续费率
	MakerFeeRate          float64 `json:"maker_fee_rate"`          // 挂单手续费率
	SlippageRate          float64 `json:"slippage_rate"`           // 滑点率
	ProfitResetPct        float64 `json:"profit_reset_pct"`        // 复利模式: 权益达到初始资金的 (1+该值) 时落袋
	ReinvestThreshold     float64 `json:"reinvest_threshold"`      // 复利模式: 钱包余额达到该值时开启新的子账户
}

// BacktestConfig 定义了回测的功能开关
type BacktestConfig struct {
	Slippage      bool   `json:"slippage"`       // 是否计入滑点
	DynamicSizing bool   `json:"dynamic_sizing"` // 单位仓位是否随权益缩放
	Compounding   bool   `json:"compounding"`    // 是否启用利润落袋与子账户复利
	ReportDir     string `json:"report_dir"`     // 报告输出目录
}

// NotifyConfig 定义了通知输出
type NotifyConfig struct {
	WebhookURL string `json:"webhook_url,omitempty"` // Discord 风格的 Webhook
	HubAddr    string `json:"hub_addr,omitempty"`    // WebSocket 广播监听地址
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// Settings 是单个交易对的策略参数, 每次运行只加载一次
type Settings struct {
	Market         string  `yaml:"market" json:"market"`
	UnitSize       float64 `yaml:"unit_size" json:"unit_size"`               // 单位名义价值 (USDT)
	InitialUnits   float64 `yaml:"initial_units" json:"initial_units"`       // 初始入场单位数, 默认 1
	SmallFlowPct   float64 `yaml:"small_flow_pct" json:"small_flow_pct"`     // 小幅补仓的下跌比例
	SmallFlowUnits float64 `yaml:"small_flow_units" json:"small_flow_units"` // 小幅补仓单位数
	LargeFlowPct   float64 `yaml:"large_flow_pct" json:"large_flow_pct"`     // 大幅补仓的下跌比例
	LargeFlowUnits float64 `yaml:"large_flow_units" json:"large_flow_units"` // 大幅补仓单位数
	TakeProfitPct  float64 `yaml:"take_profit_pct" json:"take_profit_pct"`   // 止盈比例
	Leverage       int     `yaml:"leverage" json:"leverage"`                 // 杠杆倍数
	MarginMode     string  `yaml:"margin_mode" json:"margin_mode"`           // CROSSED 或 ISOLATED
}

// FlowPct returns the drop percentage configured for a flow kind.
func (s Settings) FlowPct(kind IntentKind) float64 {
	switch kind {
	case KindSmallFlow:
		return s.SmallFlowPct
	case KindLargeFlow:
		return s.LargeFlowPct
	}
	return 0
}

// FlowUnits returns the number of units bought per step for a kind.
func (s Settings) FlowUnits(kind IntentKind) float64 {
	switch kind {
	case KindSmallFlow:
		return s.SmallFlowUnits
	case KindLargeFlow:
		return s.LargeFlowUnits
	case KindInitial:
		if s.InitialUnits > 0 {
			return s.InitialUnits
		}
		return 1
	}
	return 0
}

// Bar 是一根历史K线
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Holding 是交易所返回的持仓快照, 每个周期刷新一次
type Holding struct {
	Market        string  `json:"market"`
	Quantity      float64 `json:"quantity"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	MarkPrice     float64 `json:"mark_price"`
}

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderType distinguishes market and limit submissions.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// OrderState is the gateway-normalized order status.
type OrderState string

const (
	OrderWait   OrderState = "wait"
	OrderDone   OrderState = "done"
	OrderCancel OrderState = "cancel"
	OrderError  OrderState = "error"
)

// CompletedTrade 记录一笔完成的平仓交易
type CompletedTrade struct {
	Market       string        `json:"market"`
	Quantity     float64       `json:"quantity"`
	EntryTime    time.Time     `json:"entry_time"`
	ExitTime     time.Time     `json:"exit_time"`
	HoldDuration time.Duration `json:"hold_duration"` // 持仓时长
	EntryPrice   float64       `json:"entry_price"`
	ExitPrice    float64       `json:"exit_price"`
	Profit       float64       `json:"profit"`   // 扣除手续费后的盈亏
	Fee          float64       `json:"fee"`      // 单笔交易手续费
	Slippage     float64       `json:"slippage"` // 单笔交易滑点成本
	Reason       string        `json:"reason"`   // take_profit, stop_loss, liquidation, profit_reset
}
