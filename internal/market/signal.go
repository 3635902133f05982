package market

import (
	"fmt"
	"strings"
	"time"
)

// Direction 是信号方向。
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Opposite 返回反向。
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// ParseDirection 兼容 LONG/BUY/SHORT/SELL 等写法。
func ParseDirection(raw string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "long", "buy":
		return DirectionLong, nil
	case "short", "sell":
		return DirectionShort, nil
	default:
		return "", fmt.Errorf("未知方向: %s", raw)
	}
}

// Signal 是策略在某根 K 线收盘时给出的交易意图。
// 引擎结合当前持仓解释：空仓时开仓，持有反向仓位时平仓，同向忽略。
type Signal struct {
	Symbol    string    `json:"symbol"`
	Time      int64     `json:"time"`
	Direction Direction `json:"direction"`
	Price     float64   `json:"price"`
	Reason    string    `json:"reason,omitempty"`
}

func (s Signal) String() string {
	return fmt.Sprintf("%s %s %s @ %.2f (%s)", time.UnixMilli(s.Time).UTC().Format("2006-01-02 15:04"),
		s.Symbol, strings.ToUpper(string(s.Direction)), s.Price, s.Reason)
}
