package strategy

import (
	"fmt"
	"math"
	"strings"

	"autoquant/internal/analysis/indicator"
	"autoquant/internal/market"
)

const MACrossName = "ma_cross"

// MACrossParams 为双均线策略参数，默认值见 DefaultMACrossParams。
type MACrossParams struct {
	ShortPeriod     int     `mapstructure:"short_period" json:"short_period"`
	LongPeriod      int     `mapstructure:"long_period" json:"long_period"`
	MAType          string  `mapstructure:"ma_type" json:"ma_type"`
	StopLossPct     float64 `mapstructure:"stop_loss_pct" json:"stop_loss_pct"`
	TrailingStopPct float64 `mapstructure:"trailing_stop_pct" json:"trailing_stop_pct"`
	RSIPeriod       int     `mapstructure:"rsi_period" json:"rsi_period"`
	RSIUpper        float64 `mapstructure:"rsi_upper" json:"rsi_upper"`
	RSILower        float64 `mapstructure:"rsi_lower" json:"rsi_lower"`
	RSIExitHigh     float64 `mapstructure:"rsi_exit_high" json:"rsi_exit_high"`
	RSIExitLow      float64 `mapstructure:"rsi_exit_low" json:"rsi_exit_low"`
	AllowShort      bool    `mapstructure:"allow_short" json:"allow_short"`
	ExitOnCross     bool    `mapstructure:"exit_on_cross" json:"exit_on_cross"`
}

func DefaultMACrossParams() MACrossParams {
	return MACrossParams{
		ShortPeriod:     5,
		LongPeriod:      20,
		MAType:          "ema",
		StopLossPct:     0.03,
		TrailingStopPct: 0.05,
		RSIPeriod:       14,
		RSIUpper:        75,
		RSILower:        25,
		RSIExitHigh:     80,
		RSIExitLow:      20,
		AllowShort:      true,
	}
}

func (p MACrossParams) Validate() error {
	if p.ShortPeriod <= 0 || p.LongPeriod <= 0 {
		return fmt.Errorf("short_period/long_period 必须 > 0")
	}
	if p.ShortPeriod >= p.LongPeriod {
		return fmt.Errorf("short_period(%d) 必须小于 long_period(%d)", p.ShortPeriod, p.LongPeriod)
	}
	switch strings.ToLower(p.MAType) {
	case "ema", "sma":
	default:
		return fmt.Errorf("ma_type 仅支持 ema/sma: %s", p.MAType)
	}
	if p.StopLossPct < 0 || p.StopLossPct >= 1 {
		return fmt.Errorf("stop_loss_pct 需在 [0,1) 之间")
	}
	if p.TrailingStopPct < 0 || p.TrailingStopPct >= 1 {
		return fmt.Errorf("trailing_stop_pct 需在 [0,1) 之间")
	}
	if p.RSIPeriod < 2 {
		return fmt.Errorf("rsi_period 必须 >= 2")
	}
	if p.RSILower >= p.RSIUpper {
		return fmt.Errorf("rsi_lower 必须小于 rsi_upper")
	}
	if p.RSIExitLow < 0 || p.RSIExitHigh > 100 || p.RSIExitLow >= p.RSIExitHigh {
		return fmt.Errorf("rsi_exit_low/rsi_exit_high 非法")
	}
	return nil
}

// MACross 双均线交叉 + RSI 过滤，持仓期间叠加固定止损与跟踪止损。
type MACross struct {
	params  MACrossParams
	history *history
}

func NewMACross(p MACrossParams) (*MACross, error) {
	p.MAType = strings.ToLower(strings.TrimSpace(p.MAType))
	if err := p.Validate(); err != nil {
		return nil, err
	}
	need := max(p.LongPeriod, p.RSIPeriod) + 1
	return &MACross{params: p, history: newHistory(need)}, nil
}

func (s *MACross) Name() string { return MACrossName }

func (s *MACross) Warmup() int { return s.params.LongPeriod + 1 }

func (s *MACross) Params() map[string]any { return structToMap(s.params) }

func (s *MACross) OnBar(bar Bar) (*market.Signal, error) {
	if bar.Close <= 0 {
		return nil, fmt.Errorf("%s close 非法: %v", bar.TimeString(), bar.Close)
	}
	s.history.push(bar.Candle)
	closes := s.history.closes()
	if len(closes) < s.params.LongPeriod+1 {
		return nil, nil
	}
	if sig := s.checkStops(bar); sig != nil {
		return sig, nil
	}

	p := s.params
	short := indicator.MA(p.MAType, closes, p.ShortPeriod)
	long := indicator.MA(p.MAType, closes, p.LongPeriod)
	rsi := indicator.LastOr(indicator.RSI(closes, p.RSIPeriod), 50)
	crossUp := indicator.CrossOver(short, long)
	crossDown := indicator.CrossUnder(short, long)

	pos := bar.Position
	switch {
	case pos == nil:
		if crossUp && rsi < p.RSIUpper {
			return newSignal(bar, market.DirectionLong, "ma_cross_up"), nil
		}
		if crossDown && rsi > p.RSILower && p.AllowShort {
			return newSignal(bar, market.DirectionShort, "ma_cross_down"), nil
		}
		return nil, nil
	case p.ExitOnCross && pos.Side == market.DirectionLong && crossDown:
		return newSignal(bar, market.DirectionShort, "ma_cross_exit"), nil
	case p.ExitOnCross && pos.Side == market.DirectionShort && crossUp:
		return newSignal(bar, market.DirectionLong, "ma_cross_exit"), nil
	case pos.Side == market.DirectionLong && rsi > p.RSIExitHigh:
		return newSignal(bar, market.DirectionShort, "rsi_overbought"), nil
	case pos.Side == market.DirectionShort && rsi < p.RSIExitLow:
		return newSignal(bar, market.DirectionLong, "rsi_oversold"), nil
	}
	return nil, nil
}

// checkStops：多头在收盘跌破 min(固定止损, 跟踪止损) 时离场，空头对称取 max。
func (s *MACross) checkStops(bar Bar) *market.Signal {
	pos := bar.Position
	if pos == nil || pos.EntryPrice <= 0 {
		return nil
	}
	p := s.params
	switch pos.Side {
	case market.DirectionLong:
		highest := math.Max(pos.HighestClose, bar.Close)
		stop := pos.EntryPrice * (1 - p.StopLossPct)
		trail := highest * (1 - p.TrailingStopPct)
		if bar.Close < math.Min(stop, trail) {
			return newSignal(bar, market.DirectionShort, "stop_loss")
		}
	case market.DirectionShort:
		lowest := pos.LowestClose
		if lowest <= 0 || bar.Close < lowest {
			lowest = bar.Close
		}
		stop := pos.EntryPrice * (1 + p.StopLossPct)
		trail := lowest * (1 + p.TrailingStopPct)
		if bar.Close > math.Max(stop, trail) {
			return newSignal(bar, market.DirectionLong, "stop_loss")
		}
	}
	return nil
}

func (s *MACross) Overlays(candles market.Candles) []Overlay {
	closes := candles.Closes()
	kind := strings.ToUpper(s.params.MAType)
	return []Overlay{
		{Name: fmt.Sprintf("%s%d", kind, s.params.ShortPeriod), Values: indicator.MA(s.params.MAType, closes, s.params.ShortPeriod)},
		{Name: fmt.Sprintf("%s%d", kind, s.params.LongPeriod), Values: indicator.MA(s.params.MAType, closes, s.params.LongPeriod)},
	}
}

func newSignal(bar Bar, dir market.Direction, reason string) *market.Signal {
	return &market.Signal{
		Symbol:    bar.Symbol,
		Time:      bar.CloseTime,
		Direction: dir,
		Price:     bar.Close,
		Reason:    reason,
	}
}
