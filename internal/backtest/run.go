package backtest

import (
	"encoding/json"
	"time"

	"autoquant/internal/market"
)

const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
)

// 订单动作。
const (
	ActionOpenLong   = "open_long"
	ActionCloseLong  = "close_long"
	ActionOpenShort  = "open_short"
	ActionCloseShort = "close_short"
)

// 订单方向。
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// 平仓原因中由引擎自身产生的部分。
const (
	ReasonEndOfData  = "end_of_data"
	ReasonLiquidated = "liquidated"
)

// RunConfig 记录本次回测的参数快照，便于重放。
type RunConfig struct {
	Symbol         string         `json:"symbol"`
	Source         string         `json:"source"`
	Timeframe      string         `json:"timeframe"`
	StartTS        int64          `json:"start_ts"`
	EndTS          int64          `json:"end_ts"`
	InitialBalance float64        `json:"initial_balance"`
	FeeRate        float64        `json:"fee_rate"`
	SlippageBps    float64        `json:"slippage_bps"`
	PositionPct    float64        `json:"position_pct"`
	WarmupBars     int            `json:"warmup_bars"`
	Strategy       string         `json:"strategy"`
	Preset         string         `json:"preset,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
}

// RunStats 汇总收益与风控指标。
type RunStats struct {
	FinalBalance      float64   `json:"final_balance"`
	Profit            float64   `json:"profit"`
	ReturnPct         float64   `json:"return_pct"`
	WinRate           float64   `json:"win_rate"`
	MaxDrawdownPct    float64   `json:"max_drawdown_pct"`
	Sharpe            float64   `json:"sharpe"`
	Orders            int       `json:"orders"`
	Positions         int       `json:"positions"`
	Wins              int       `json:"wins"`
	Losses            int       `json:"losses"`
	TotalFees         float64   `json:"total_fees"`
	AvgHoldingMinutes float64   `json:"avg_holding_minutes"`
	ExposurePct       float64   `json:"exposure_pct"`
	Snapshots         int       `json:"snapshots"`
	EquityPeak        float64   `json:"equity_peak"`
	EquityValley      float64   `json:"equity_valley"`
	Bars              int       `json:"bars"`
	Signals           int       `json:"signals"`
	Notes             []string  `json:"notes,omitempty"`
	FinishedAt        time.Time `json:"finished_at"`
}

// Run 表示一次回测任务。
type Run struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	Strategy       string    `json:"strategy"`
	Status         string    `json:"status"`
	StartTS        int64     `json:"start_ts"`
	EndTS          int64     `json:"end_ts"`
	Timeframe      string    `json:"timeframe"`
	InitialBalance float64   `json:"initial_balance"`
	FinalBalance   float64   `json:"final_balance"`
	Profit         float64   `json:"profit"`
	ReturnPct      float64   `json:"return_pct"`
	WinRate        float64   `json:"win_rate"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	Message        string    `json:"message"`
	Config         RunConfig `json:"config"`
	Stats          RunStats  `json:"stats"`
	Orders         int       `json:"orders"`
	Positions      int       `json:"positions"`
	ChartPath      string    `json:"chart_path,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	CompletedAt    time.Time `json:"completed_at"`
}

func (r Run) MarshalStats() ([]byte, error) {
	return json.Marshal(r.Stats)
}

func (r Run) MarshalConfig() ([]byte, error) {
	return json.Marshal(r.Config)
}

// OrderStatus 订单生命周期：created → submitted → filled，或 rejected/canceled。
type OrderStatus string

const (
	OrderCreated   OrderStatus = "created"
	OrderSubmitted OrderStatus = "submitted"
	OrderFilled    OrderStatus = "filled"
	OrderCanceled  OrderStatus = "canceled"
	OrderRejected  OrderStatus = "rejected"
)

// Order 记录一次模拟成交（开仓/平仓）。
type Order struct {
	ID         string      `json:"id"`
	RunID      string      `json:"run_id"`
	Symbol     string      `json:"symbol"`
	Action     string      `json:"action"` // open_long/close_long/open_short/close_short
	Side       string      `json:"side"`   // buy/sell
	Type       string      `json:"type"`   // 目前仅市价
	Status     OrderStatus `json:"status"`
	Price      float64     `json:"price"`     // 含滑点的成交价
	RefPrice   float64     `json:"ref_price"` // K 线收盘价
	Quantity   float64     `json:"quantity"`
	Notional   float64     `json:"notional"`
	Fee        float64     `json:"fee"`
	Slippage   float64     `json:"slippage"`
	Reason     string      `json:"reason,omitempty"`
	ExecutedAt time.Time   `json:"executed_at"`
}

func (o Order) Filled() bool { return o.Status == OrderFilled }

// Position 记录一次完整持仓的盈亏，PnL 已扣除开平两次手续费。
type Position struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id"`
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"`
	EntryOrderID string    `json:"entry_order_id"`
	ExitOrderID  string    `json:"exit_order_id"`
	EntryPrice   float64   `json:"entry_price"`
	ExitPrice    float64   `json:"exit_price"`
	Quantity     float64   `json:"quantity"`
	PnL          float64   `json:"pnl"`
	PnLPct       float64   `json:"pnl_pct"`
	HoldingMs    int64     `json:"holding_ms"`
	ExitReason   string    `json:"exit_reason,omitempty"`
	OpenedAt     time.Time `json:"opened_at"`
	ClosedAt     time.Time `json:"closed_at"`
}

// Snapshot 是资金曲线上的一个点，每根窗口内 K 线一个。
type Snapshot struct {
	ID       int64   `json:"id"`
	RunID    string  `json:"run_id"`
	TS       int64   `json:"ts"`
	Equity   float64 `json:"equity"`
	Balance  float64 `json:"balance"`
	Drawdown float64 `json:"drawdown"`
	Exposure float64 `json:"exposure"`
	Price    float64 `json:"price"`
	Note     string  `json:"note,omitempty"`
}

// SignalRecord 记录策略信号以及引擎的处理结果。
type SignalRecord struct {
	ID    int64  `json:"id"`
	RunID string `json:"run_id"`
	market.Signal
	Executed bool   `json:"executed"`
	Note     string `json:"note,omitempty"`
}

// RunRequest 为 HTTP 提交使用，未给出的字段取配置默认值。
type RunRequest struct {
	Symbol         string         `json:"symbol"`
	Source         string         `json:"source"`
	Timeframe      string         `json:"timeframe"`
	StartTS        int64          `json:"start_ts"`
	EndTS          int64          `json:"end_ts"`
	InitialBalance float64        `json:"initial_balance"`
	FeeRate        *float64       `json:"fee_rate"`
	SlippageBps    *float64       `json:"slippage_bps"`
	PositionPct    float64        `json:"position_pct"`
	WarmupBars     int            `json:"warmup_bars"`
	Strategy       string         `json:"strategy"`
	Preset         string         `json:"preset"`
	Params         map[string]any `json:"params"`
	Chart          *bool          `json:"chart"`
}
