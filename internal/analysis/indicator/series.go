package indicator

import (
	"math"
	"strings"

	"github.com/markcheno/go-talib"
)

// 以下序列函数的输出长度与输入一致，数据不足的位置为 NaN，
// 便于策略按下标与 K 线对齐。

func EMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nanSeries(len(values))
	}
	return maskLeading(talib.Ema(values, period), period-1)
}

func SMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nanSeries(len(values))
	}
	return maskLeading(talib.Sma(values, period), period-1)
}

// MA 根据 kind 选择 ema/sma，默认 ema。
func MA(kind string, values []float64, period int) []float64 {
	if strings.EqualFold(strings.TrimSpace(kind), "sma") {
		return SMA(values, period)
	}
	return EMA(values, period)
}

// RSI 使用 Wilder 平滑，前 period 个位置无值。
func RSI(values []float64, period int) []float64 {
	if period < 2 || len(values) <= period {
		return nanSeries(len(values))
	}
	return maskLeading(talib.Rsi(values, period), period)
}

func ATR(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	if period <= 0 || n <= period || len(highs) != n || len(lows) != n {
		return nanSeries(n)
	}
	return maskLeading(talib.Atr(highs, lows, closes, period), period)
}

// Highest 为滚动窗口最大值（含当前位置）。
func Highest(values []float64, period int) []float64 {
	if period <= 1 {
		return append([]float64(nil), values...)
	}
	if len(values) < period {
		return nanSeries(len(values))
	}
	return maskLeading(talib.Max(values, period), period-1)
}

// Lowest 为滚动窗口最小值（含当前位置）。
func Lowest(values []float64, period int) []float64 {
	if period <= 1 {
		return append([]float64(nil), values...)
	}
	if len(values) < period {
		return nanSeries(len(values))
	}
	return maskLeading(talib.Min(values, period), period-1)
}

// CrossOver 判断 a 在最后一根上穿 b：前一根 a<=b，当前 a>b。
func CrossOver(a, b []float64) bool {
	if !tailValid(a, 2) || !tailValid(b, 2) {
		return false
	}
	n, m := len(a), len(b)
	return a[n-2] <= b[m-2] && a[n-1] > b[m-1]
}

// CrossUnder 判断 a 在最后一根下穿 b：前一根 a>=b，当前 a<b。
func CrossUnder(a, b []float64) bool {
	if !tailValid(a, 2) || !tailValid(b, 2) {
		return false
	}
	n, m := len(a), len(b)
	return a[n-2] >= b[m-2] && a[n-1] < b[m-1]
}

// Last 返回最后一个值，NaN 时 ok=false。
func Last(series []float64) (float64, bool) {
	if len(series) == 0 {
		return 0, false
	}
	v := series[len(series)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// LastOr 在无值时返回 fallback。
func LastOr(series []float64, fallback float64) float64 {
	if v, ok := Last(series); ok {
		return v
	}
	return fallback
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func maskLeading(series []float64, n int) []float64 {
	for i := 0; i < n && i < len(series); i++ {
		series[i] = math.NaN()
	}
	return series
}

func tailValid(series []float64, n int) bool {
	if len(series) < n {
		return false
	}
	for _, v := range series[len(series)-n:] {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
