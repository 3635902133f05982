package indicator

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"autoquant/internal/market"
)

// Settings 描述计算指标报告所需的参数。
type Settings struct {
	Symbol   string
	Interval string
	MAType   string
	EMA      EMASettings
	RSI      RSISettings
	ATR      int
	Channel  int
}

// EMASettings 描述快慢均线周期。
type EMASettings struct {
	Fast int `json:"fast,omitempty"`
	Slow int `json:"slow,omitempty"`
}

// RSISettings 描述 RSI 指标参数。
type RSISettings struct {
	Period     int     `json:"period,omitempty"`
	Oversold   float64 `json:"oversold,omitempty"`
	Overbought float64 `json:"overbought,omitempty"`
}

// IndicatorValue 保存单个指标的最新值、序列与状态。
// Series 与输入 K 线等长，数据不足的位置为 NaN。
type IndicatorValue struct {
	Latest float64   `json:"latest"`
	Series []float64 `json:"-"`
	State  string    `json:"state,omitempty"`
	Note   string    `json:"note,omitempty"`
}

// Report 汇总单个 symbol+interval 的指标输出。
type Report struct {
	Symbol   string                    `json:"symbol"`
	Interval string                    `json:"interval"`
	Count    int                       `json:"count"`
	Values   map[string]IndicatorValue `json:"values"`
	Warnings []string                  `json:"warnings,omitempty"`
}

func (s *Settings) withDefaults() {
	if s.EMA.Fast <= 0 {
		s.EMA.Fast = 5
	}
	if s.EMA.Slow <= 0 {
		s.EMA.Slow = 20
	}
	if s.RSI.Period <= 0 {
		s.RSI.Period = 14
	}
	if s.RSI.Overbought == 0 {
		s.RSI.Overbought = 70
	}
	if s.RSI.Oversold == 0 {
		s.RSI.Oversold = 30
	}
	if s.ATR <= 0 {
		s.ATR = 14
	}
	if s.Channel <= 0 {
		s.Channel = 20
	}
}

// ComputeAll 计算图表与运行摘要使用的指标。
func ComputeAll(candles []market.Candle, cfg Settings) (Report, error) {
	rep := Report{
		Symbol:   cfg.Symbol,
		Interval: cfg.Interval,
		Count:    len(candles),
		Values:   make(map[string]IndicatorValue),
	}
	if len(candles) == 0 {
		return rep, fmt.Errorf("no candles")
	}
	cfg.withDefaults()
	series := market.Candles(candles)
	closes := series.Closes()
	highs := series.Highs()
	lows := series.Lows()
	lastClose := closes[len(closes)-1]
	label := "EMA"
	if cfg.MAType == "sma" {
		label = "SMA"
	}

	fast := MA(cfg.MAType, closes, cfg.EMA.Fast)
	slow := MA(cfg.MAType, closes, cfg.EMA.Slow)
	rep.Values["ma_fast"] = IndicatorValue{
		Latest: round4(LastOr(fast, 0)),
		Series: fast,
		State:  relativeState(lastClose, LastOr(fast, 0)),
		Note:   fmt.Sprintf("%s%d", label, cfg.EMA.Fast),
	}
	rep.Values["ma_slow"] = IndicatorValue{
		Latest: round4(LastOr(slow, 0)),
		Series: slow,
		State:  relativeState(lastClose, LastOr(slow, 0)),
		Note:   fmt.Sprintf("%s%d", label, cfg.EMA.Slow),
	}
	if len(closes) < cfg.EMA.Slow {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("K 线数量 %d 少于慢线周期 %d", len(closes), cfg.EMA.Slow))
	}

	rsi := RSI(closes, cfg.RSI.Period)
	rsiVal := LastOr(rsi, 50)
	state := "neutral"
	switch {
	case rsiVal >= cfg.RSI.Overbought:
		state = "overbought"
	case rsiVal <= cfg.RSI.Oversold:
		state = "oversold"
	}
	rep.Values["rsi"] = IndicatorValue{
		Latest: round4(rsiVal),
		Series: rsi,
		State:  state,
		Note:   fmt.Sprintf("period=%d thresholds=%.1f/%.1f", cfg.RSI.Period, cfg.RSI.Oversold, cfg.RSI.Overbought),
	}

	if len(closes) >= 35 {
		_, _, hist := talib.Macd(closes, 12, 26, 9)
		hist = maskLeading(hist, 33)
		histVal := LastOr(hist, 0)
		rep.Values["macd"] = IndicatorValue{
			Latest: round4(histVal),
			Series: hist,
			State:  polarityState(histVal),
			Note:   "12/26/9 hist",
		}
	}

	atr := ATR(highs, lows, closes, cfg.ATR)
	rep.Values["atr"] = IndicatorValue{
		Latest: round4(LastOr(atr, 0)),
		Series: atr,
		State:  "volatility",
		Note:   fmt.Sprintf("period=%d", cfg.ATR),
	}

	upper := Highest(highs, cfg.Channel)
	lower := Lowest(lows, cfg.Channel)
	rep.Values["channel_high"] = IndicatorValue{
		Latest: round4(LastOr(upper, 0)),
		Series: upper,
		Note:   fmt.Sprintf("Donchian%d high", cfg.Channel),
	}
	rep.Values["channel_low"] = IndicatorValue{
		Latest: round4(LastOr(lower, 0)),
		Series: lower,
		Note:   fmt.Sprintf("Donchian%d low", cfg.Channel),
	}
	return rep, nil
}

func relativeState(price, ref float64) string {
	if ref == 0 {
		return "unknown"
	}
	switch {
	case price > ref*1.002:
		return "above"
	case price < ref*0.998:
		return "below"
	default:
		return "touch"
	}
}

func polarityState(v float64) string {
	switch {
	case v > 0:
		return "positive"
	case v < 0:
		return "negative"
	default:
		return "flat"
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
