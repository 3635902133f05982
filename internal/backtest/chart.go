package backtest

import (
	"fmt"
	"sort"
	"strings"

	"autoquant/internal/analysis/visual"
	"autoquant/internal/market"
	"autoquant/internal/strategy"
)

// ChartInput 把回测结果转换为绘图数据。history 为含预热段的完整 K 线，
// 用于计算指标叠加线，使窗口起点处的均线不为空。
func ChartInput(res *Result, st strategy.Strategy, history []Candle) visual.BacktestChartInput {
	window := res.Candles
	input := visual.BacktestChartInput{
		Title:     chartTitle(res, st),
		Symbol:    res.Config.Symbol,
		Timeframe: res.Config.Timeframe,
		Candles:   window,
		Equity:    make([]float64, len(window)),
		Drawdown:  make([]float64, len(window)),
	}
	if len(window) == 0 {
		return input
	}
	for i, snap := range res.Snapshots {
		if i >= len(window) {
			break
		}
		input.Equity[i] = snap.Equity
		input.Drawdown[i] = snap.Drawdown
	}
	if ov, ok := st.(strategy.Overlayer); ok {
		src := trimHistory(history, window[len(window)-1].OpenTime)
		if len(src) < len(window) {
			src = window
		}
		for _, line := range ov.Overlays(market.Candles(src)) {
			input.Overlays = append(input.Overlays, visual.Series{Name: line.Name, Values: line.Values})
		}
	}
	for _, ord := range res.Orders {
		if !ord.Filled() {
			continue
		}
		idx := candleIndex(window, ord.ExecutedAt.UnixMilli())
		if idx < 0 {
			continue
		}
		input.Markers = append(input.Markers, visual.Marker{
			Index: idx,
			Price: ord.Price,
			Buy:   ord.Side == SideBuy,
			Label: fmt.Sprintf("%s %.4f", ord.Action, ord.Quantity),
		})
	}
	return input
}

func chartTitle(res *Result, st strategy.Strategy) string {
	name := res.Config.Strategy
	if st != nil {
		name = st.Name()
	}
	if res.Config.Preset != "" {
		name += "/" + res.Config.Preset
	}
	return fmt.Sprintf("%s %s %s  return %.2f%%  maxDD %.2f%%", strings.ToUpper(res.Config.Symbol), res.Config.Timeframe,
		name, res.Stats.ReturnPct*100, res.Stats.MaxDrawdownPct*100)
}

// trimHistory 截掉 lastOpen 之后的 K 线。
func trimHistory(history []Candle, lastOpen int64) []Candle {
	idx := sort.Search(len(history), func(i int) bool { return history[i].OpenTime > lastOpen })
	return history[:idx]
}

// candleIndex 返回包含 ts 的 K 线下标，找不到返回 -1。
func candleIndex(candles []Candle, ts int64) int {
	idx := sort.Search(len(candles), func(i int) bool { return candles[i].CloseTime >= ts })
	if idx >= len(candles) || candles[idx].OpenTime > ts {
		return -1
	}
	return idx
}
