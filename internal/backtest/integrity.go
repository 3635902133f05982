package backtest

import (
	"context"
	"fmt"
)

// Gap 是一段缺失的 K 线区间（open_time 闭区间）。
type Gap struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// IntegrityReport 汇总区间内应有/已有的 K 线数量及缺口。
type IntegrityReport struct {
	Source    string `json:"source"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
	Expected  int64  `json:"expected"`
	Present   int64  `json:"present"`
	Gaps      []Gap  `json:"gaps,omitempty"`
}

func (r IntegrityReport) Complete() bool {
	return len(r.Gaps) == 0 && r.Present >= r.Expected
}

// CheckIntegrity 对照周期网格检查 [start,end] 内缺失的 K 线。
// key.Timeframe 须与 tf 一致。
func CheckIntegrity(ctx context.Context, store CandleStore, key SeriesKey, tf Timeframe, start, end int64) (IntegrityReport, error) {
	if store == nil {
		return IntegrityReport{}, fmt.Errorf("candle store 不能为空")
	}
	if key.Timeframe != tf.Key {
		return IntegrityReport{}, fmt.Errorf("序列 %s 与周期 %s 不一致", key, tf.Key)
	}
	start, end = tf.AlignRange(start, end)
	report := IntegrityReport{
		Source:    key.Source,
		Symbol:    key.Symbol,
		Timeframe: tf.Key,
		Start:     start,
		End:       end,
		Expected:  tf.ExpectedCandles(start, end),
	}
	times, err := store.LoadOpenTimes(ctx, key, start, end)
	if err != nil {
		return IntegrityReport{}, err
	}
	step := tf.durationMillis()
	present := make(map[int64]struct{}, len(times))
	for _, ts := range times {
		present[tf.Align(ts)] = struct{}{}
	}
	report.Present = int64(len(present))

	var open *Gap
	for ts := start; ts <= end; ts += step {
		if _, ok := present[ts]; ok {
			if open != nil {
				report.Gaps = append(report.Gaps, *open)
				open = nil
			}
			continue
		}
		if open == nil {
			open = &Gap{From: ts, To: ts}
		} else {
			open.To = ts
		}
	}
	if open != nil {
		report.Gaps = append(report.Gaps, *open)
	}
	return report, nil
}
