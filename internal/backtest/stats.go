package backtest

import (
	"math"
	"time"
)

// ComputeStats 根据资金曲线、成交与持仓汇总回测指标。
// Sharpe 使用逐根收益率的均值/标准差，再乘以 sqrt(每年 K 线数) 年化，无风险利率取 0。
func ComputeStats(initial, final float64, snapshots []Snapshot, orders []Order, positions []Position, barsPerYear float64) RunStats {
	stats := RunStats{
		FinalBalance: final,
		Profit:       final - initial,
		Snapshots:    len(snapshots),
		Bars:         len(snapshots),
		EquityPeak:   initial,
		EquityValley: initial,
		FinishedAt:   time.Now(),
	}
	if initial > 0 {
		stats.ReturnPct = (final - initial) / initial
	}

	peak := initial
	held := 0
	for _, snap := range snapshots {
		if snap.Equity > peak {
			peak = snap.Equity
		}
		if peak > 0 {
			stats.MaxDrawdownPct = math.Max(stats.MaxDrawdownPct, (peak-snap.Equity)/peak)
		}
		stats.EquityPeak = math.Max(stats.EquityPeak, snap.Equity)
		stats.EquityValley = math.Min(stats.EquityValley, snap.Equity)
		if snap.Exposure > 0 {
			held++
		}
	}
	if len(snapshots) > 0 {
		stats.ExposurePct = float64(held) / float64(len(snapshots))
	}
	stats.Sharpe = sharpe(initial, snapshots, barsPerYear)

	for _, o := range orders {
		if !o.Filled() {
			continue
		}
		stats.Orders++
		stats.TotalFees += o.Fee
	}

	var holdingMs int64
	for _, pos := range positions {
		if pos.PnL >= 0 {
			stats.Wins++
		} else {
			stats.Losses++
		}
		holdingMs += pos.HoldingMs
	}
	stats.Positions = len(positions)
	if stats.Positions > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.Positions)
		stats.AvgHoldingMinutes = float64(holdingMs) / float64(stats.Positions) / 60000
	}
	return stats
}

func sharpe(initial float64, snapshots []Snapshot, barsPerYear float64) float64 {
	if len(snapshots) < 2 || barsPerYear <= 0 {
		return 0
	}
	returns := make([]float64, 0, len(snapshots))
	prev := initial
	for _, snap := range snapshots {
		if prev > 0 {
			returns = append(returns, snap.Equity/prev-1)
		}
		prev = snap.Equity
	}
	if len(returns) < 2 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	std := math.Sqrt(variance / float64(len(returns)-1))
	if std < 1e-12 {
		return 0
	}
	return mean / std * math.Sqrt(barsPerYear)
}
