package synthetic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoquant/internal/backtest"
	"autoquant/internal/market"
)

func yearRequest() backtest.FetchRequest {
	return backtest.FetchRequest{
		Symbol:   "BTC-USD",
		Interval: "1d",
		Start:    time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		End:      time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC).UnixMilli(),
	}
}

func TestRealisticDeterministic(t *testing.T) {
	a, err := New(Config{Seed: 42})
	require.NoError(t, err)
	b, err := New(Config{Seed: 42})
	require.NoError(t, err)

	first, err := a.Fetch(context.Background(), yearRequest())
	require.NoError(t, err)
	second, err := b.Fetch(context.Background(), yearRequest())
	require.NoError(t, err)

	require.Len(t, first, 365)
	assert.Equal(t, first, second)
	assert.Equal(t, 16500.0, first[0].Open)
	require.NoError(t, market.Candles(first).Validate())
	for _, c := range first {
		assert.GreaterOrEqual(t, c.Volume, 1e9)
		assert.LessOrEqual(t, c.Volume, 5e9)
		assert.Equal(t, c.OpenTime+24*3600*1000-1, c.CloseTime)
	}

	other, err := New(Config{Seed: 7})
	require.NoError(t, err)
	diff, err := other.Fetch(context.Background(), yearRequest())
	require.NoError(t, err)
	assert.NotEqual(t, first[10].Close, diff[10].Close)
}

func TestBatchesContinueWalk(t *testing.T) {
	whole, err := New(Config{Seed: 42})
	require.NoError(t, err)
	all, err := whole.Fetch(context.Background(), yearRequest())
	require.NoError(t, err)

	batched, err := New(Config{Seed: 42})
	require.NoError(t, err)
	req := yearRequest()
	req.Limit = 100
	part1, err := batched.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, part1, 100)
	req.Start = part1[99].OpenTime + 24*3600*1000
	req.Limit = 0
	part2, err := batched.Fetch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, all, append(part1, part2...))
}

func fetchRange(t *testing.T, src *Source, from, to time.Time) []market.Candle {
	t.Helper()
	var out []market.Candle
	req := backtest.FetchRequest{Symbol: "BTC-USD", Interval: "1d", Start: from.UnixMilli(), End: to.UnixMilli()}
	for {
		bars, err := src.Fetch(context.Background(), req)
		require.NoError(t, err)
		out = append(out, bars...)
		if len(bars) < defaultLimit {
			return out
		}
		req.Start = bars[len(bars)-1].OpenTime + 24*3600*1000
	}
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// 先补后段再补前段（回测预热常见的顺序），拼出的序列与一次性生成的完全相同。
func TestGapFillOrderDoesNotChangeBars(t *testing.T) {
	whole, err := New(Config{Seed: 42})
	require.NoError(t, err)
	want := fetchRange(t, whole, day(2022, 11, 20), day(2023, 12, 31))
	require.Len(t, want, 407)

	gapped, err := New(Config{Seed: 42})
	require.NoError(t, err)
	tail := fetchRange(t, gapped, day(2022, 12, 6), day(2023, 12, 31))
	head := fetchRange(t, gapped, day(2022, 11, 20), day(2022, 12, 5))
	assert.Equal(t, want, append(head, tail...))

	// 接缝处是连续游走，不会重置回初始价格
	assert.Equal(t, want[16], tail[0])
	assert.InDelta(t, head[len(head)-1].Close, tail[0].Open, tail[0].Open*0.05)

	fresh, err := New(Config{Seed: 42})
	require.NoError(t, err)
	middle := fetchRange(t, fresh, day(2023, 6, 1), day(2023, 6, 30))
	assert.Equal(t, want[193:223], middle)
}

func TestAnchorFixesLevel(t *testing.T) {
	src, err := New(Config{Seed: 3, Anchor: day(2023, 6, 1)})
	require.NoError(t, err)
	bars := fetchRange(t, src, day(2023, 5, 30), day(2023, 6, 2))
	require.Len(t, bars, 4)
	assert.Equal(t, 16500.0, bars[2].Open)
	assert.NotEqual(t, 16500.0, bars[0].Open)
	require.NoError(t, market.Candles(bars).Validate())

	// 远离 anchor 的区间同样可复现
	far := fetchRange(t, src, day(2019, 1, 1), day(2019, 1, 10))
	again, err := New(Config{Seed: 3, Anchor: day(2023, 6, 1)})
	require.NoError(t, err)
	assert.Equal(t, far, fetchRange(t, again, day(2019, 1, 1), day(2019, 1, 10)))
	for _, c := range far {
		assert.Positive(t, c.Low)
	}
}

func TestDummyProfile(t *testing.T) {
	src, err := New(Config{Profile: "dummy", Seed: 1})
	require.NoError(t, err)
	req := yearRequest()
	req.Limit = 100
	bars, err := src.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, bars, 100)
	assert.Equal(t, 10000.0, bars[0].Open)
	require.NoError(t, market.Candles(bars).Validate())
	for i := 1; i < len(bars); i++ {
		assert.Equal(t, bars[i-1].Close, bars[i].Open)
	}
}

func TestRejectsUnknownInput(t *testing.T) {
	_, err := New(Config{Profile: "gbm"})
	assert.Error(t, err)
	_, err = New(Config{Volatility: 0.8})
	assert.Error(t, err)

	src, err := New(Config{})
	require.NoError(t, err)
	_, err = src.Fetch(context.Background(), backtest.FetchRequest{Symbol: "BTC-USD", Interval: "2h"})
	assert.Error(t, err)
	_, err = src.Fetch(context.Background(), backtest.FetchRequest{Interval: "1d"})
	assert.Error(t, err)
}
