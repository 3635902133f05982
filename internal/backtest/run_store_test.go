package backtest

import (
	"context"
	"testing"
	"time"

	"autoquant/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResultStore(t *testing.T) *ResultStore {
	t.Helper()
	store, err := NewResultStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestResultStoreRunLifecycle(t *testing.T) {
	store := newTestResultStore(t)
	ctx := context.Background()
	cfg := RunConfig{Symbol: "BTC-USD", Timeframe: "1d", StartTS: day(2023, 1, 1), EndTS: day(2023, 12, 31),
		InitialBalance: 1000, Strategy: "ma_cross", Params: map[string]any{"short_period": 5}}
	run := newRun("run-1", cfg)
	require.NoError(t, store.InsertRun(ctx, run))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusPending, got.Status)
	assert.Equal(t, "ma_cross", got.Strategy)
	assert.EqualValues(t, 5, got.Config.Params["short_period"])
	assert.True(t, got.CompletedAt.IsZero())

	stats := RunStats{FinalBalance: 1100, Profit: 100, ReturnPct: 0.1, WinRate: 0.5, Orders: 4, Positions: 2, Sharpe: 1.2}
	require.NoError(t, store.UpdateRunSummary(ctx, "run-1", RunStatusDone, stats, "完成"))
	require.NoError(t, store.SetChartPath(ctx, "run-1", "charts/run-1.html"))

	got, err = store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusDone, got.Status)
	assert.Equal(t, 1100.0, got.FinalBalance)
	assert.Equal(t, 4, got.Orders)
	assert.Equal(t, 1.2, got.Stats.Sharpe)
	assert.Equal(t, "charts/run-1.html", got.ChartPath)
	assert.False(t, got.CompletedAt.IsZero())

	_, err = store.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	runs, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestResultStoreDetails(t *testing.T) {
	store := newTestResultStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertRun(ctx, newRun("run-2", RunConfig{Symbol: "ETH-USD", Timeframe: "1d", InitialBalance: 500})))

	at := time.Date(2023, 2, 1, 23, 59, 59, 0, time.UTC)
	order := Order{ID: "ord-1", RunID: "run-2", Symbol: "ETH-USD", Action: ActionOpenLong, Side: SideBuy, Type: "market",
		Status: OrderFilled, Price: 100.02, RefPrice: 100, Quantity: 2, Notional: 200.04, Fee: 0.2, Slippage: 0.04, Reason: "ma_cross_up", ExecutedAt: at}
	require.NoError(t, store.InsertOrder(ctx, order))
	assert.Error(t, store.InsertOrder(ctx, Order{RunID: "run-2"}))

	pos := Position{RunID: "run-2", Symbol: "ETH-USD", Side: "long", EntryOrderID: "ord-1", ExitOrderID: "ord-2",
		EntryPrice: 100, ExitPrice: 110, Quantity: 2, PnL: 19.6, PnLPct: 0.098, HoldingMs: 86_400_000,
		ExitReason: "stop_loss", OpenedAt: at, ClosedAt: at.Add(24 * time.Hour)}
	id, err := store.InsertPosition(ctx, &pos)
	require.NoError(t, err)
	assert.Equal(t, id, pos.ID)

	require.NoError(t, store.InsertSnapshots(ctx, []Snapshot{
		{RunID: "run-2", TS: at.UnixMilli(), Equity: 510, Balance: 500, Exposure: 0.4, Price: 100},
	}))
	_, err = store.InsertSignal(ctx, SignalRecord{RunID: "run-2", Executed: true,
		Signal: market.Signal{Symbol: "ETH-USD", Time: at.UnixMilli(), Direction: market.DirectionLong, Price: 100, Reason: "ma_cross_up"}})
	require.NoError(t, err)
	_, err = store.InsertSignal(ctx, SignalRecord{RunID: "run-2", Note: "已持有同向仓位",
		Signal: market.Signal{Symbol: "ETH-USD", Time: at.Add(time.Hour).UnixMilli(), Direction: market.DirectionLong, Price: 101}})
	require.NoError(t, err)

	orders, err := store.ListOrders(ctx, "run-2", 0)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, order, orders[0])

	positions, err := store.ListPositions(ctx, "run-2", 0)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "stop_loss", positions[0].ExitReason)
	assert.Equal(t, at, positions[0].OpenedAt)

	snaps, err := store.ListSnapshots(ctx, "run-2", 0)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, 100.0, snaps[0].Price)

	signals, err := store.ListSignals(ctx, "run-2", 0)
	require.NoError(t, err)
	require.Len(t, signals, 2)
	assert.True(t, signals[0].Executed)
	assert.Equal(t, market.DirectionLong, signals[0].Direction)
	assert.False(t, signals[1].Executed)
	assert.Equal(t, "已持有同向仓位", signals[1].Note)

	run, err := store.GetRun(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, 1, run.Orders)
	assert.Equal(t, 1, run.Positions)
}
