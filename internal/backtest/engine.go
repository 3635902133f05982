package backtest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"autoquant/internal/logger"
	"autoquant/internal/market"
	"autoquant/internal/strategy"
)

// Result 是一次回测的完整输出。
type Result struct {
	RunID     string         `json:"run_id"`
	Config    RunConfig      `json:"config"`
	Candles   []Candle       `json:"-"`
	Orders    []Order        `json:"orders"`
	Positions []Position     `json:"positions"`
	Snapshots []Snapshot     `json:"snapshots"`
	Signals   []SignalRecord `json:"signals"`
	Stats     RunStats       `json:"stats"`
	ChartPath string         `json:"chart_path,omitempty"`
}

// SnapshotBatch 为引擎向 Recorder 提交资金快照的批大小。
const SnapshotBatch = 256

// Engine 逐根推进 K 线，把策略信号转换为模拟成交。
type Engine struct {
	log   logger.Component
	quiet bool
}

func NewEngine() *Engine {
	return &Engine{log: logger.Named("backtest")}
}

// Quiet 关闭逐笔交易日志，参数优化时使用。
func (e *Engine) Quiet() *Engine {
	return &Engine{log: e.log, quiet: true}
}

func (e *Engine) infof(format string, v ...any) {
	if e.quiet {
		e.log.Debugf(format, v...)
		return
	}
	e.log.Infof(format, v...)
}

// Run 执行回测。open_time 早于 cfg.StartTS 的 K 线仅用于策略预热，其信号被丢弃；
// 窗口内每根 K 线在收盘价处理信号并记录一个资金快照。rec 可为 nil。
func (e *Engine) Run(ctx context.Context, runID string, cfg RunConfig, candles []Candle, st strategy.Strategy, rec Recorder) (*Result, error) {
	if st == nil {
		return nil, fmt.Errorf("strategy 不能为空")
	}
	if cfg.InitialBalance <= 0 {
		return nil, fmt.Errorf("initial_balance 必须 > 0")
	}
	warmup, window := splitWindow(candles, cfg.StartTS, cfg.EndTS)
	if len(window) == 0 {
		return nil, fmt.Errorf("%w: [%s, %s] 内没有 K 线", ErrInsufficientData, formatMillis(cfg.StartTS), formatMillis(cfg.EndTS))
	}
	barsPerYear := 365.0
	if tf, err := ParseTimeframe(cfg.Timeframe); err == nil {
		barsPerYear = tf.BarsPerYear()
	}

	res := &Result{RunID: runID, Config: cfg, Candles: window}
	var notes []string
	if need := st.Warmup(); len(warmup) < need-1 {
		notes = append(notes, fmt.Sprintf("预热 K 线 %d 根，少于策略所需 %d 根", len(warmup), need))
	}
	e.printHeader(cfg, st, len(warmup), len(window))

	for _, c := range warmup {
		if _, err := st.OnBar(strategy.Bar{Candle: c}); err != nil {
			return nil, fmt.Errorf("预热阶段策略出错: %w", err)
		}
	}

	exec := NewSimulatedExecution(cfg.FeeRate, cfg.SlippageBps)
	pf := NewPortfolio(runID, cfg.Symbol, cfg.InitialBalance, cfg.PositionPct, exec)
	peak := cfg.InitialBalance
	last := len(window) - 1
	pending := make([]Snapshot, 0, min(len(window), SnapshotBatch))
	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := pending
		e.record(ctx, rec, "snapshot", func() error { return rec.RecordSnapshots(ctx, batch) })
		pending = make([]Snapshot, 0, SnapshotBatch)
	}

	for i, c := range window {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sig, err := st.OnBar(strategy.Bar{Candle: c, Position: pf.View()})
		if err != nil {
			return nil, fmt.Errorf("%s 策略出错: %w", c.TimeString(), err)
		}
		if sig != nil {
			e.applySignal(ctx, res, pf, c, *sig, rec)
		}
		pf.Mark(c.Close)

		if pf.Holding() && pf.Equity(c.Close) <= 0 {
			e.log.Warnf("%s 权益 %.2f 已归零，强制平仓", c.TimeString(), pf.Equity(c.Close))
			e.closePosition(ctx, res, pf, c, ReasonLiquidated, rec)
			notes = append(notes, ReasonLiquidated)
		}
		if i == last && pf.Holding() {
			e.infof("数据结束，按 %.2f 强制平仓", c.Close)
			e.closePosition(ctx, res, pf, c, ReasonEndOfData, rec)
		}

		equity := pf.Equity(c.Close)
		peak = math.Max(peak, equity)
		snap := Snapshot{
			RunID:    runID,
			TS:       c.CloseTime,
			Equity:   equity,
			Balance:  pf.Balance(),
			Exposure: pf.Exposure(c.Close),
			Price:    c.Close,
		}
		if peak > 0 {
			snap.Drawdown = (peak - equity) / peak
		}
		res.Snapshots = append(res.Snapshots, snap)
		if pending = append(pending, snap); len(pending) >= SnapshotBatch {
			flush()
		}
		e.log.Debugf("%s close=%.2f equity=%.2f balance=%.2f dd=%.2f%%", c.TimeString(), c.Close, equity, snap.Balance, snap.Drawdown*100)
	}

	flush()

	final := pf.Balance()
	res.Stats = ComputeStats(cfg.InitialBalance, final, res.Snapshots, res.Orders, res.Positions, barsPerYear)
	res.Stats.Signals = len(res.Signals)
	res.Stats.Notes = notes
	e.printSummary(res)
	return res, nil
}

// applySignal：空仓时开仓，持有反向仓位时只平仓，同向信号忽略。
func (e *Engine) applySignal(ctx context.Context, res *Result, pf *Portfolio, c Candle, sig market.Signal, rec Recorder) {
	record := SignalRecord{RunID: res.RunID, Signal: sig}
	if record.Symbol == "" {
		record.Symbol = res.Config.Symbol
	}
	e.infof("信号 %s", record.Signal.String())
	switch {
	case !sig.Direction.Valid():
		record.Note = "未知方向"
	case !pf.Holding():
		order, err := pf.Open(sig.Direction, c, sig.Reason)
		switch {
		case err != nil:
			record.Note = err.Error()
		case !order.Filled():
			record.Note = "订单被拒绝"
			e.addOrder(ctx, res, order, rec)
		default:
			record.Executed = true
			e.addOrder(ctx, res, order, rec)
			e.logFill(order, pf, c.Close)
		}
	case pf.Side() == sig.Direction:
		record.Note = "已持有同向仓位，忽略"
	default:
		record.Executed = e.closePosition(ctx, res, pf, c, sig.Reason, rec)
		if !record.Executed {
			record.Note = "平仓失败"
		}
	}
	if record.Note != "" {
		e.log.Debugf("信号未执行: %s", record.Note)
	}
	res.Signals = append(res.Signals, record)
	e.record(ctx, rec, "signal", func() error { return rec.RecordSignal(ctx, record) })
}

func (e *Engine) closePosition(ctx context.Context, res *Result, pf *Portfolio, c Candle, reason string, rec Recorder) bool {
	order, pos, err := pf.Close(c, reason)
	if err != nil {
		e.log.Warnf("平仓失败: %v", err)
		return false
	}
	e.addOrder(ctx, res, order, rec)
	if !order.Filled() {
		e.log.Warnf("平仓订单被拒绝: %s", order.ID)
		return false
	}
	e.logFill(order, pf, c.Close)
	res.Positions = append(res.Positions, pos)
	e.record(ctx, rec, "position", func() error { return rec.RecordPosition(ctx, pos) })
	e.infof("平仓 %s 盈亏 %+.2f (%+.2f%%) 持仓 %s 原因=%s",
		strings.ToUpper(pos.Side), pos.PnL, pos.PnLPct*100, time.Duration(pos.HoldingMs)*time.Millisecond, reason)
	return true
}

func (e *Engine) addOrder(ctx context.Context, res *Result, order Order, rec Recorder) {
	res.Orders = append(res.Orders, order)
	e.record(ctx, rec, "order", func() error { return rec.RecordOrder(ctx, order) })
}

func (e *Engine) logFill(order Order, pf *Portfolio, price float64) {
	equity := pf.Equity(price)
	e.infof("成交 %s %s qty=%.6f price=%.2f fee=%.2f | 权益=%.2f 累计盈亏=%+.2f",
		order.ExecutedAt.Format("2006-01-02 15:04"), order.Action, order.Quantity, order.Price, order.Fee,
		equity, equity-pf.initial)
}

func (e *Engine) record(ctx context.Context, rec Recorder, kind string, fn func() error) {
	if rec == nil {
		return
	}
	if err := fn(); err != nil {
		e.log.Warnf("记录 %s 失败: %v", kind, err)
	}
}

func (e *Engine) printHeader(cfg RunConfig, st strategy.Strategy, warmup, bars int) {
	if e.quiet {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[backtest] ===== 回测开始 =====\n")
	fmt.Fprintf(&b, "[backtest] 标的: %s (%s, %s)\n", cfg.Symbol, cfg.Source, cfg.Timeframe)
	fmt.Fprintf(&b, "[backtest] 区间: %s → %s，窗口 %d 根，预热 %d 根\n", formatMillis(cfg.StartTS), formatMillis(cfg.EndTS), bars, warmup)
	fmt.Fprintf(&b, "[backtest] 初始资金: %.2f 手续费率: %.4f 滑点: %.1f bps 仓位比例: %.2f\n", cfg.InitialBalance, cfg.FeeRate, cfg.SlippageBps, cfg.PositionPct)
	fmt.Fprintf(&b, "[backtest] 策略: %s %s", st.Name(), formatParams(st))
	logger.InfoBlock(b.String())
}

func (e *Engine) printSummary(res *Result) {
	if e.quiet {
		return
	}
	s := res.Stats
	var b strings.Builder
	fmt.Fprintf(&b, "[backtest] ===== 回测结果 =====\n")
	fmt.Fprintf(&b, "[backtest] K 线: %d 信号: %d 成交: %d 平仓: %d (胜 %d / 负 %d)\n", s.Bars, s.Signals, s.Orders, s.Positions, s.Wins, s.Losses)
	fmt.Fprintf(&b, "[backtest] 最终资金: %.2f 盈亏: %+.2f 收益率: %.2f%%\n", s.FinalBalance, s.Profit, s.ReturnPct*100)
	fmt.Fprintf(&b, "[backtest] 胜率: %.2f%% 最大回撤: %.2f%% Sharpe: %.2f\n", s.WinRate*100, s.MaxDrawdownPct*100, s.Sharpe)
	fmt.Fprintf(&b, "[backtest] 手续费: %.2f 持仓占比: %.2f%% 平均持仓: %.1f 分钟", s.TotalFees, s.ExposurePct*100, s.AvgHoldingMinutes)
	if len(s.Notes) > 0 {
		fmt.Fprintf(&b, "\n[backtest] 备注: %s", strings.Join(s.Notes, "; "))
	}
	logger.InfoBlock(b.String())
}

func formatParams(st strategy.Strategy) string {
	d, ok := st.(strategy.Described)
	if !ok {
		return ""
	}
	params := d.Params()
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// splitWindow 按 open_time 切分预热段与回测窗口，end<=0 表示不设上限。
func splitWindow(candles []Candle, start, end int64) (warmup, window []Candle) {
	idx := sort.Search(len(candles), func(i int) bool { return candles[i].OpenTime >= start })
	warmup = candles[:idx]
	window = candles[idx:]
	if end > 0 {
		cut := sort.Search(len(window), func(i int) bool { return window[i].OpenTime > end })
		window = window[:cut]
	}
	return warmup, window
}
