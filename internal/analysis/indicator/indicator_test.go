package indicator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoquant/internal/market"
)

func TestEMAAlignment(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6}
	ema := EMA(values, 3)
	require.Len(t, ema, len(values))
	assert.True(t, math.IsNaN(ema[0]))
	assert.True(t, math.IsNaN(ema[1]))
	// 首个值为 SMA 种子
	assert.InDelta(t, 2.0, ema[2], 1e-9)
	assert.InDelta(t, 3.0, ema[3], 1e-9)

	short := EMA([]float64{1, 2}, 3)
	assert.True(t, math.IsNaN(short[0]))
	assert.True(t, math.IsNaN(short[1]))
}

func TestSMAAndMA(t *testing.T) {
	values := []float64{2, 4, 6, 8}
	sma := MA("sma", values, 2)
	assert.True(t, math.IsNaN(sma[0]))
	assert.InDelta(t, 3.0, sma[1], 1e-9)
	assert.InDelta(t, 7.0, sma[3], 1e-9)

	ema := MA("", values, 2)
	assert.InDelta(t, 3.0, ema[1], 1e-9)
}

func TestRSI(t *testing.T) {
	up := make([]float64, 20)
	for i := range up {
		up[i] = float64(100 + i)
	}
	rsi := RSI(up, 14)
	v, ok := Last(rsi)
	require.True(t, ok)
	assert.InDelta(t, 100.0, v, 1e-6)
	assert.True(t, math.IsNaN(rsi[13]))

	_, ok = Last(RSI(up[:10], 14))
	assert.False(t, ok)
	assert.Equal(t, 50.0, LastOr(RSI(up[:10], 14), 50))
}

func TestChannel(t *testing.T) {
	values := []float64{3, 1, 4, 1, 5, 9, 2}
	hi := Highest(values, 3)
	lo := Lowest(values, 3)
	assert.True(t, math.IsNaN(hi[1]))
	assert.Equal(t, 4.0, hi[2])
	assert.Equal(t, 9.0, hi[6])
	assert.Equal(t, 1.0, lo[4])
	assert.Equal(t, 2.0, lo[6])
}

func TestCross(t *testing.T) {
	a := []float64{1, 1, 3}
	b := []float64{2, 2, 2}
	assert.True(t, CrossOver(a, b))
	assert.False(t, CrossUnder(a, b))
	assert.True(t, CrossUnder(b, a))
	assert.False(t, CrossOver([]float64{1, math.NaN(), 3}, b))
}

func TestCrossFromEqual(t *testing.T) {
	flat := []float64{10, 10}
	assert.True(t, CrossUnder([]float64{10, 9.5}, []float64{10, 9.75}))
	assert.True(t, CrossOver([]float64{10, 10.5}, []float64{10, 10.25}))
	assert.False(t, CrossOver(flat, flat))
	assert.False(t, CrossUnder(flat, flat))
	assert.False(t, CrossOver([]float64{3}, []float64{2}))
}

func TestComputeAll(t *testing.T) {
	candles := make([]market.Candle, 60)
	price := 100.0
	for i := range candles {
		price += 1
		candles[i] = market.Candle{OpenTime: int64(i) * 60000, Open: price - 0.5, High: price + 1, Low: price - 1, Close: price, Volume: 10}
	}
	rep, err := ComputeAll(candles, Settings{Symbol: "BTC-USD", Interval: "1d", EMA: EMASettings{Fast: 5, Slow: 20}})
	require.NoError(t, err)
	assert.Equal(t, 60, rep.Count)
	assert.Equal(t, "above", rep.Values["ma_fast"].State)
	assert.Equal(t, "overbought", rep.Values["rsi"].State)
	assert.Contains(t, rep.Values, "macd")
	assert.InDelta(t, 2.0, rep.Values["atr"].Latest, 1e-6)
	assert.Equal(t, candles[59].High, rep.Values["channel_high"].Latest)

	_, err = ComputeAll(nil, Settings{})
	assert.Error(t, err)
}
