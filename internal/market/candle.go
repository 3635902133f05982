package market

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrEmptySeries 表示 K 线序列为空。
var ErrEmptySeries = errors.New("K 线序列为空")

// Candle 是一根 OHLCV K 线，时间均为 Unix 毫秒。
type Candle struct {
	Symbol    string  `json:"symbol,omitempty"`
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int64   `json:"trades"`
}

func (c Candle) TimeString() string {
	ts := c.CloseTime
	if ts == 0 {
		ts = c.OpenTime
	}
	if ts <= 0 {
		return "-"
	}
	return time.UnixMilli(ts).UTC().Format("2006-01-02 15:04")
}

// Check 校验单根 K 线的价格关系。
func (c Candle) Check() error {
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return fmt.Errorf("%s 价格必须为正", c.TimeString())
	}
	if c.High < math.Max(c.Open, c.Close) {
		return fmt.Errorf("%s high 低于 open/close", c.TimeString())
	}
	if c.Low > math.Min(c.Open, c.Close) {
		return fmt.Errorf("%s low 高于 open/close", c.TimeString())
	}
	if c.Volume < 0 {
		return fmt.Errorf("%s volume 为负", c.TimeString())
	}
	return nil
}

type Candles []Candle

func (cs Candles) Closes() []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.Close
	}
	return out
}

func (cs Candles) Highs() []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.High
	}
	return out
}

func (cs Candles) Lows() []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.Low
	}
	return out
}

func (cs Candles) Volumes() []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.Volume
	}
	return out
}

// Validate 校验价格关系以及 open_time 严格递增。
func (cs Candles) Validate() error {
	if len(cs) == 0 {
		return ErrEmptySeries
	}
	for i, c := range cs {
		if err := c.Check(); err != nil {
			return fmt.Errorf("第 %d 根 K 线非法: %w", i, err)
		}
		if i > 0 && c.OpenTime <= cs[i-1].OpenTime {
			return fmt.Errorf("第 %d 根 K 线 open_time 未递增", i)
		}
	}
	return nil
}

// Bounds 返回区间最低价与最高价。
func (cs Candles) Bounds() (low, high float64) {
	if len(cs) == 0 {
		return 0, 0
	}
	low, high = cs[0].Low, cs[0].High
	for _, c := range cs[1:] {
		if c.Low < low {
			low = c.Low
		}
		if c.High > high {
			high = c.High
		}
	}
	return low, high
}

// ChangePct 返回首根开盘到末根收盘的涨跌幅（小数）。
func (cs Candles) ChangePct() float64 {
	if len(cs) == 0 {
		return 0
	}
	base := cs[0].Open
	if base == 0 {
		return 0
	}
	return (cs[len(cs)-1].Close - base) / base
}

// WithSymbol 返回填充 symbol 后的副本。
func (cs Candles) WithSymbol(symbol string) Candles {
	out := make(Candles, len(cs))
	for i, c := range cs {
		c.Symbol = symbol
		out[i] = c
	}
	return out
}
