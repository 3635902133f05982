package strategy

import "autoquant/internal/market"

// history 保存最近的 K 线。容量为所需窗口的数倍，
// 使 EMA/RSI 的递推初值影响衰减到可以忽略。
type history struct {
	limit   int
	candles market.Candles
}

const historyFactor = 5

func newHistory(need int) *history {
	limit := max(need*historyFactor, 300)
	return &history{limit: limit, candles: make(market.Candles, 0, limit+1)}
}

func (h *history) push(c market.Candle) {
	h.candles = append(h.candles, c)
	if len(h.candles) > h.limit {
		n := copy(h.candles, h.candles[len(h.candles)-h.limit:])
		h.candles = h.candles[:n]
	}
}

func (h *history) len() int { return len(h.candles) }

func (h *history) closes() []float64 { return h.candles.Closes() }

func (h *history) highs() []float64 { return h.candles.Highs() }

func (h *history) lows() []float64 { return h.candles.Lows() }
