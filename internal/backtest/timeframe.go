package backtest

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Timeframe 描述回测使用的周期信息（内部 duration + 数据源 interval）
type Timeframe struct {
	Key            string
	Duration       time.Duration
	SourceInterval string
	// Offset 为网格相对 Unix 纪元的偏移，周线从周一 00:00 UTC 开始。
	Offset time.Duration
}

const week = 7 * 24 * time.Hour

var supportedTimeframes = map[string]Timeframe{
	"1m":  {Key: "1m", Duration: time.Minute, SourceInterval: "1m"},
	"5m":  {Key: "5m", Duration: 5 * time.Minute, SourceInterval: "5m"},
	"15m": {Key: "15m", Duration: 15 * time.Minute, SourceInterval: "15m"},
	"30m": {Key: "30m", Duration: 30 * time.Minute, SourceInterval: "30m"},
	"1h":  {Key: "1h", Duration: time.Hour, SourceInterval: "1h"},
	"4h":  {Key: "4h", Duration: 4 * time.Hour, SourceInterval: "4h"},
	"1d":  {Key: "1d", Duration: 24 * time.Hour, SourceInterval: "1d"},
	"1w":  {Key: "1w", Duration: week, SourceInterval: "1w", Offset: 4 * 24 * time.Hour},
}

var timeframeAliases = map[string]string{
	"60m": "1h",
	"24h": "1d",
	"7d":  "1w",
	"1wk": "1w",
}

// ParseTimeframe 返回标准化周期定义。
func ParseTimeframe(input string) (Timeframe, error) {
	key := strings.ToLower(strings.TrimSpace(input))
	if alias, ok := timeframeAliases[key]; ok {
		key = alias
	}
	tf, ok := supportedTimeframes[key]
	if !ok {
		return Timeframe{}, fmt.Errorf("不支持的周期: %s", input)
	}
	return tf, nil
}

// SupportedTimeframes 返回所有支持的 key（按周期长度排序）。
func SupportedTimeframes() []string {
	keys := make([]string, 0, len(supportedTimeframes))
	for k := range supportedTimeframes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return supportedTimeframes[keys[i]].Duration < supportedTimeframes[keys[j]].Duration
	})
	return keys
}

func (tf Timeframe) durationMillis() int64 {
	return tf.Duration.Milliseconds()
}

// BarsPerYear 按全年无休（365 天）折算，用于年化 Sharpe。
func (tf Timeframe) BarsPerYear() float64 {
	if tf.Duration <= 0 {
		return 0
	}
	return float64(365*24*time.Hour) / float64(tf.Duration)
}

func alignDown(ts, step int64) int64 {
	if step <= 0 {
		return ts
	}
	rem := ts % step
	if rem < 0 {
		rem += step
	}
	return ts - rem
}

// Align 将毫秒时间向下对齐到周期网格。
func (tf Timeframe) Align(ts int64) int64 {
	off := tf.Offset.Milliseconds()
	return alignDown(ts-off, tf.durationMillis()) + off
}

// AlignRange 将输入的毫秒时间对齐到周期网格，保证 start<=end。
func (tf Timeframe) AlignRange(start, end int64) (int64, int64) {
	if end < start {
		start, end = end, start
	}
	alStart := tf.Align(start)
	alEnd := tf.Align(end)
	if alEnd < alStart {
		alEnd = alStart
	}
	return alStart, alEnd
}

// ExpectedCandles 计算 start~end（含）区间应存在的 K 线数量。
func (tf Timeframe) ExpectedCandles(start, end int64) int64 {
	if end < start {
		return 0
	}
	step := tf.durationMillis()
	if step == 0 {
		return 0
	}
	return ((end - start) / step) + 1
}
