package backtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dailyCandles(start time.Time, n int, price float64) []Candle {
	out := make([]Candle, n)
	for i := range out {
		open := start.Add(time.Duration(i) * 24 * time.Hour).UnixMilli()
		p := price + float64(i)
		out[i] = Candle{
			OpenTime:  open,
			CloseTime: open + 24*3600*1000 - 1,
			Open:      p,
			High:      p + 1,
			Low:       p - 1,
			Close:     p + 0.5,
			Volume:    100,
		}
	}
	return out
}

func seriesKey(t *testing.T, source, symbol, tf string) SeriesKey {
	t.Helper()
	key, err := NewSeriesKey(source, symbol, tf)
	require.NoError(t, err)
	return key
}

func TestStoreUpsertAndRange(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	key := seriesKey(t, "binance", "BTC/USDT", "1d")

	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := dailyCandles(start, 10, 100)
	n, err := store.InsertCandles(ctx, key, candles)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	candles[3].Close = 999
	_, err = store.InsertCandles(ctx, key, candles[3:4])
	require.NoError(t, err)

	all, err := store.RangeCandles(ctx, key, candles[0].OpenTime, candles[9].OpenTime)
	require.NoError(t, err)
	require.Len(t, all, 10, "重复 open_time 应覆盖而非追加")
	assert.Equal(t, 999.0, all[3].Close)
	assert.Equal(t, "BTC-USDT", all[0].Symbol)

	latest, err := store.QueryCandles(ctx, key, 0, 0, 3)
	require.NoError(t, err)
	require.Len(t, latest, 3)
	assert.Equal(t, candles[7].OpenTime, latest[0].OpenTime)
	assert.Equal(t, candles[9].OpenTime, latest[2].OpenTime)

	m, err := store.Manifest(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "binance", m.Source)
	assert.Equal(t, "BTC-USDT", m.Symbol)
	assert.Equal(t, int64(10), m.Rows)
	assert.Equal(t, candles[0].OpenTime, m.MinTime)
	assert.Equal(t, candles[9].OpenTime, m.MaxTime)
	assert.FileExists(t, m.Path)
	assert.Equal(t, filepath.Join("binance", "BTC-USDT", "1d.db"), relPath(t, store, m.Path))
}

func relPath(t *testing.T, store *Store, path string) string {
	t.Helper()
	rel, err := filepath.Rel(store.root, path)
	require.NoError(t, err)
	return rel
}

func TestStoreKeepsSourcesApart(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	synth := seriesKey(t, "synthetic", "BTC-USD", "1d")
	yahoo := seriesKey(t, "Yahoo", "btc-usd", "1D")
	assert.Equal(t, SeriesKey{Source: "yahoo", Symbol: "BTC-USD", Timeframe: "1d"}, yahoo)
	assert.Equal(t, "yahoo:BTC-USD@1d", yahoo.String())

	_, err = store.InsertCandles(ctx, synth, dailyCandles(start, 5, 100))
	require.NoError(t, err)

	times, err := store.LoadOpenTimes(ctx, yahoo, start.UnixMilli(), start.AddDate(0, 0, 4).UnixMilli())
	require.NoError(t, err)
	assert.Empty(t, times, "同一 symbol@tf 的其他数据源不应看到这些 K 线")

	_, err = store.InsertCandles(ctx, yahoo, dailyCandles(start, 5, 40000))
	require.NoError(t, err)
	a, err := store.RangeCandles(ctx, synth, start.UnixMilli(), start.AddDate(0, 0, 4).UnixMilli())
	require.NoError(t, err)
	b, err := store.RangeCandles(ctx, yahoo, start.UnixMilli(), start.AddDate(0, 0, 4).UnixMilli())
	require.NoError(t, err)
	require.Len(t, a, 5)
	require.Len(t, b, 5)
	assert.Equal(t, 100.0, a[0].Open)
	assert.Equal(t, 40000.0, b[0].Open)
	assert.NotEqual(t, store.Path(synth), store.Path(yahoo))
}

func TestNewSeriesKeyRejects(t *testing.T) {
	for _, tc := range [][3]string{
		{"", "BTC-USD", "1d"},
		{"synthetic", " ", "1d"},
		{"synthetic", "BTC-USD", ""},
		{"../etc", "BTC-USD", "1d"},
		{"yahoo finance", "BTC-USD", "1d"},
		{"synthetic", "../../etc", "1d"},
		{"synthetic", "BTC-USD", "../1d"},
	} {
		_, err := NewSeriesKey(tc[0], tc[1], tc[2])
		assert.Error(t, err, "%v", tc)
	}
}

func TestCheckIntegrityFindsGaps(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	tf, _ := ParseTimeframe("1d")
	key := seriesKey(t, "yahoo", "ETH-USD", "1d")

	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := dailyCandles(start, 10, 100)
	kept := append(append([]Candle{}, candles[:3]...), candles[5:9]...)
	_, err = store.InsertCandles(ctx, key, kept)
	require.NoError(t, err)

	report, err := CheckIntegrity(ctx, store, key, tf, candles[0].OpenTime, candles[9].OpenTime)
	require.NoError(t, err)
	assert.Equal(t, int64(10), report.Expected)
	assert.Equal(t, int64(7), report.Present)
	assert.False(t, report.Complete())
	assert.Equal(t, []Gap{
		{From: candles[3].OpenTime, To: candles[4].OpenTime},
		{From: candles[9].OpenTime, To: candles[9].OpenTime},
	}, report.Gaps)

	report, err = CheckIntegrity(ctx, store, key, tf, candles[5].OpenTime, candles[8].OpenTime)
	require.NoError(t, err)
	assert.True(t, report.Complete())

	h4, _ := ParseTimeframe("4h")
	_, err = CheckIntegrity(ctx, store, key, h4, candles[0].OpenTime, candles[9].OpenTime)
	assert.Error(t, err, "key 与周期不一致")
}
