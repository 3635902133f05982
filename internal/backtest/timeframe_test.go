package backtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe(" 1D ")
	require.NoError(t, err)
	assert.Equal(t, "1d", tf.Key)
	assert.Equal(t, 24*time.Hour, tf.Duration)

	tf, err = ParseTimeframe("60m")
	require.NoError(t, err)
	assert.Equal(t, "1h", tf.Key)

	_, err = ParseTimeframe("2h")
	assert.Error(t, err)

	assert.Equal(t, []string{"1m", "5m", "15m", "30m", "1h", "4h", "1d", "1w"}, SupportedTimeframes())
}

func TestAlignRangeAndExpected(t *testing.T) {
	tf, _ := ParseTimeframe("1h")
	start := time.Date(2023, 1, 1, 10, 25, 0, 0, time.UTC).UnixMilli()
	end := time.Date(2023, 1, 1, 13, 5, 0, 0, time.UTC).UnixMilli()
	s, e := tf.AlignRange(end, start)
	assert.Equal(t, time.Date(2023, 1, 1, 10, 0, 0, 0, time.UTC).UnixMilli(), s)
	assert.Equal(t, time.Date(2023, 1, 1, 13, 0, 0, 0, time.UTC).UnixMilli(), e)
	assert.Equal(t, int64(4), tf.ExpectedCandles(s, e))
	assert.Zero(t, tf.ExpectedCandles(e, s))
}

func TestWeeklyAlignsToMonday(t *testing.T) {
	tf, _ := ParseTimeframe("1w")
	wed := time.Date(2023, 3, 15, 12, 0, 0, 0, time.UTC).UnixMilli()
	aligned := time.UnixMilli(tf.Align(wed)).UTC()
	assert.Equal(t, time.Monday, aligned.Weekday())
	assert.Equal(t, time.Date(2023, 3, 13, 0, 0, 0, 0, time.UTC), aligned)
}

func TestBarsPerYear(t *testing.T) {
	d, _ := ParseTimeframe("1d")
	h, _ := ParseTimeframe("1h")
	assert.InDelta(t, 365.0, d.BarsPerYear(), 1e-9)
	assert.InDelta(t, 8760.0, h.BarsPerYear(), 1e-9)
}
