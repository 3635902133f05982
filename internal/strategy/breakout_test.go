package strategy

import (
	"math"
	"testing"

	"autoquant/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBreakout(t *testing.T, p BreakoutParams) *Breakout {
	t.Helper()
	st, err := NewBreakout(p)
	require.NoError(t, err)
	return st
}

func TestBreakoutEntersOnChannelHigh(t *testing.T) {
	st := newBreakout(t, BreakoutParams{EntryLookback: 3, ExitLookback: 2, ATRPeriod: 2, ATRStopMult: 2})
	assert.Equal(t, 4, st.Warmup())
	sigs := feed(t, st, nil, 10, 10, 10, 10, 11, 13)
	for _, sig := range sigs[:5] {
		assert.Nil(t, sig, "收盘未超过前 3 根最高价")
	}
	require.NotNil(t, sigs[5])
	assert.Equal(t, market.DirectionLong, sigs[5].Direction)
	assert.Equal(t, "breakout_up", sigs[5].Reason)
}

func TestBreakoutShortRequiresFlag(t *testing.T) {
	p := BreakoutParams{EntryLookback: 3, ExitLookback: 2, ATRPeriod: 2, ATRStopMult: 2}
	st := newBreakout(t, p)
	sigs := feed(t, st, nil, 10, 10, 10, 10, 8)
	assert.Nil(t, sigs[4])

	p.AllowShort = true
	st = newBreakout(t, p)
	sigs = feed(t, st, nil, 10, 10, 10, 10, 8)
	require.NotNil(t, sigs[4])
	assert.Equal(t, "breakout_down", sigs[4].Reason)
	assert.Equal(t, market.DirectionShort, sigs[4].Direction)
}

func TestBreakoutChannelExit(t *testing.T) {
	st := newBreakout(t, BreakoutParams{EntryLookback: 3, ExitLookback: 2, ATRPeriod: 2, ATRStopMult: 10})
	pos := &PositionView{Side: market.DirectionLong, EntryPrice: 12, HighestClose: 12}
	sigs := feed(t, st, pos, 10, 10, 10, 10, 12, 11, 8)
	assert.Nil(t, sigs[5])
	require.NotNil(t, sigs[6])
	assert.Equal(t, "channel_exit", sigs[6].Reason)
	assert.Equal(t, market.DirectionShort, sigs[6].Direction)
}

func TestBreakoutATRStop(t *testing.T) {
	st := newBreakout(t, BreakoutParams{EntryLookback: 3, ExitLookback: 5, ATRPeriod: 2, ATRStopMult: 0.5})
	pos := &PositionView{Side: market.DirectionLong, EntryPrice: 10, HighestClose: 20}
	sigs := feed(t, st, pos, 10, 10, 10, 10, 10, 10)
	require.NotNil(t, sigs[5])
	assert.Equal(t, "atr_stop", sigs[5].Reason)

	short := &PositionView{Side: market.DirectionShort, EntryPrice: 10, LowestClose: 5}
	st = newBreakout(t, BreakoutParams{EntryLookback: 3, ExitLookback: 5, ATRPeriod: 2, ATRStopMult: 0.5})
	sigs = feed(t, st, short, 10, 10, 10, 10, 10, 10)
	require.NotNil(t, sigs[5])
	assert.Equal(t, "atr_stop", sigs[5].Reason)
	assert.Equal(t, market.DirectionLong, sigs[5].Direction)
}

func TestBreakoutOverlaysExcludeCurrentBar(t *testing.T) {
	st := newBreakout(t, BreakoutParams{EntryLookback: 2, ExitLookback: 1, ATRPeriod: 2, ATRStopMult: 1})
	candles := market.Candles{candleAt(0, 10), candleAt(1, 20), candleAt(2, 30), candleAt(3, 5)}
	overlays := st.Overlays(candles)
	require.Len(t, overlays, 2)
	upper := overlays[0].Values
	require.Len(t, upper, 4)
	assert.True(t, math.IsNaN(upper[0]))
	assert.True(t, math.IsNaN(upper[1]))
	assert.Equal(t, 21.0, upper[2])
	assert.Equal(t, 31.0, upper[3])
	assert.Equal(t, 9.0, overlays[1].Values[2])
}
