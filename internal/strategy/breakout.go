package strategy

import (
	"fmt"
	"math"

	"autoquant/internal/analysis/indicator"
	"autoquant/internal/market"
)

const BreakoutName = "breakout"

// BreakoutParams 为唐奇安通道突破参数。
type BreakoutParams struct {
	EntryLookback int     `mapstructure:"entry_lookback" json:"entry_lookback"`
	ExitLookback  int     `mapstructure:"exit_lookback" json:"exit_lookback"`
	ATRPeriod     int     `mapstructure:"atr_period" json:"atr_period"`
	ATRStopMult   float64 `mapstructure:"atr_stop_mult" json:"atr_stop_mult"`
	AllowShort    bool    `mapstructure:"allow_short" json:"allow_short"`
}

func DefaultBreakoutParams() BreakoutParams {
	return BreakoutParams{
		EntryLookback: 20,
		ExitLookback:  10,
		ATRPeriod:     14,
		ATRStopMult:   2.0,
	}
}

func (p BreakoutParams) Validate() error {
	if p.EntryLookback < 2 {
		return fmt.Errorf("entry_lookback 必须 >= 2")
	}
	if p.ExitLookback < 1 {
		return fmt.Errorf("exit_lookback 必须 >= 1")
	}
	if p.ATRPeriod < 1 {
		return fmt.Errorf("atr_period 必须 >= 1")
	}
	if p.ATRStopMult < 0 {
		return fmt.Errorf("atr_stop_mult 必须 >= 0")
	}
	return nil
}

// Breakout 收盘突破前 N 根高点做多（可选跌破低点做空），
// 跌回离场通道或触发 ATR 跟踪止损时平仓。
type Breakout struct {
	params  BreakoutParams
	history *history
}

func NewBreakout(p BreakoutParams) (*Breakout, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	need := max(p.EntryLookback, p.ExitLookback, p.ATRPeriod) + 1
	return &Breakout{params: p, history: newHistory(need)}, nil
}

func (s *Breakout) Name() string { return BreakoutName }

func (s *Breakout) Warmup() int {
	return max(s.params.EntryLookback, s.params.ExitLookback) + 1
}

func (s *Breakout) Params() map[string]any { return structToMap(s.params) }

func (s *Breakout) OnBar(bar Bar) (*market.Signal, error) {
	if bar.Close <= 0 {
		return nil, fmt.Errorf("%s close 非法: %v", bar.TimeString(), bar.Close)
	}
	s.history.push(bar.Candle)
	if s.history.len() < s.Warmup() {
		return nil, nil
	}
	p := s.params
	highs, lows, closes := s.history.highs(), s.history.lows(), s.history.closes()
	// 通道只看当前 K 线之前的数据
	prevHighs, prevLows := highs[:len(highs)-1], lows[:len(lows)-1]

	pos := bar.Position
	if pos == nil {
		upper := indicator.LastOr(indicator.Highest(prevHighs, p.EntryLookback), math.NaN())
		if !math.IsNaN(upper) && bar.Close > upper {
			return newSignal(bar, market.DirectionLong, "breakout_up"), nil
		}
		lower := indicator.LastOr(indicator.Lowest(prevLows, p.EntryLookback), math.NaN())
		if p.AllowShort && !math.IsNaN(lower) && bar.Close < lower {
			return newSignal(bar, market.DirectionShort, "breakout_down"), nil
		}
		return nil, nil
	}

	atr, hasATR := indicator.Last(indicator.ATR(highs, lows, closes, p.ATRPeriod))
	switch pos.Side {
	case market.DirectionLong:
		exitLow := indicator.LastOr(indicator.Lowest(prevLows, p.ExitLookback), math.NaN())
		if !math.IsNaN(exitLow) && bar.Close < exitLow {
			return newSignal(bar, market.DirectionShort, "channel_exit"), nil
		}
		highest := math.Max(pos.HighestClose, bar.Close)
		if hasATR && p.ATRStopMult > 0 && bar.Close < highest-p.ATRStopMult*atr {
			return newSignal(bar, market.DirectionShort, "atr_stop"), nil
		}
	case market.DirectionShort:
		exitHigh := indicator.LastOr(indicator.Highest(prevHighs, p.ExitLookback), math.NaN())
		if !math.IsNaN(exitHigh) && bar.Close > exitHigh {
			return newSignal(bar, market.DirectionLong, "channel_exit"), nil
		}
		lowest := pos.LowestClose
		if lowest <= 0 || bar.Close < lowest {
			lowest = bar.Close
		}
		if hasATR && p.ATRStopMult > 0 && bar.Close > lowest+p.ATRStopMult*atr {
			return newSignal(bar, market.DirectionLong, "atr_stop"), nil
		}
	}
	return nil, nil
}

// Overlays 输出入场通道上下轨（同样不含当前 K 线）。
func (s *Breakout) Overlays(candles market.Candles) []Overlay {
	upper := shiftRight(indicator.Highest(candles.Highs(), s.params.EntryLookback))
	lower := shiftRight(indicator.Lowest(candles.Lows(), s.params.EntryLookback))
	return []Overlay{
		{Name: fmt.Sprintf("DC%d_upper", s.params.EntryLookback), Values: upper},
		{Name: fmt.Sprintf("DC%d_lower", s.params.EntryLookback), Values: lower},
	}
}

func shiftRight(series []float64) []float64 {
	out := make([]float64, len(series))
	if len(out) == 0 {
		return out
	}
	out[0] = math.NaN()
	copy(out[1:], series[:len(series)-1])
	return out
}
