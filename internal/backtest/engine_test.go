package backtest

import (
	"context"
	"testing"
	"time"

	"autoquant/internal/market"
	"autoquant/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var engineStart = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

// scripted 按 K 线序号返回预设信号，并记录每根 K 线看到的持仓视图。
type scripted struct {
	start   int64
	signals map[int]market.Direction
	views   []*strategy.PositionView
}

func (s *scripted) Name() string { return "scripted" }
func (s *scripted) Warmup() int  { return 1 }

func (s *scripted) OnBar(bar strategy.Bar) (*market.Signal, error) {
	s.views = append(s.views, bar.Position)
	idx := int((bar.OpenTime - s.start) / (24 * time.Hour).Milliseconds())
	dir, ok := s.signals[idx]
	if !ok {
		return nil, nil
	}
	return &market.Signal{Symbol: bar.Symbol, Time: bar.CloseTime, Direction: dir, Price: bar.Close, Reason: "script"}, nil
}

func closesSeries(closes ...float64) []Candle {
	out := make([]Candle, len(closes))
	for i, c := range closes {
		open := engineStart.Add(time.Duration(i) * 24 * time.Hour).UnixMilli()
		out[i] = Candle{Symbol: "BTC-USD", OpenTime: open, CloseTime: open + 86_400_000 - 1, Open: c, High: c, Low: c, Close: c, Volume: 1}
	}
	return out
}

func engineConfig(candles []Candle) RunConfig {
	return RunConfig{
		Symbol:         "BTC-USD",
		Source:         "synthetic",
		Timeframe:      "1d",
		StartTS:        candles[0].OpenTime,
		EndTS:          candles[len(candles)-1].OpenTime,
		InitialBalance: 100000,
		FeeRate:        0.001,
		SlippageBps:    0,
		PositionPct:    1,
	}
}

func runScript(t *testing.T, cfg RunConfig, candles []Candle, signals map[int]market.Direction) (*Result, *scripted) {
	t.Helper()
	st := &scripted{start: candles[0].OpenTime, signals: signals}
	res, err := NewEngine().Run(context.Background(), "run-1", cfg, candles, st, nil)
	require.NoError(t, err)
	return res, st
}

func TestEngineLongRoundTrip(t *testing.T) {
	candles := closesSeries(100, 110, 120, 130)
	res, st := runScript(t, engineConfig(candles), candles, map[int]market.Direction{1: market.DirectionLong, 2: market.DirectionShort})

	require.Len(t, res.Orders, 2)
	require.Len(t, res.Positions, 1)
	open, closeOrder := res.Orders[0], res.Orders[1]
	assert.Equal(t, ActionOpenLong, open.Action)
	assert.Equal(t, ActionCloseLong, closeOrder.Action)
	assert.LessOrEqual(t, open.Notional+open.Fee, 100000.0+1e-6)

	pos := res.Positions[0]
	want := (closeOrder.Price-open.Price)*open.Quantity - open.Fee - closeOrder.Fee
	assert.InDelta(t, want, pos.PnL, 1e-6)
	assert.Equal(t, "script", pos.ExitReason)
	assert.InDelta(t, 100000+want, res.Stats.FinalBalance, 1e-6)
	assert.Len(t, res.Snapshots, len(candles))
	assert.InDelta(t, res.Stats.FinalBalance, res.Snapshots[len(res.Snapshots)-1].Equity, 1e-6)
	assert.Equal(t, 1, res.Stats.Wins)

	require.Len(t, st.views, 4)
	assert.Nil(t, st.views[1])
	require.NotNil(t, st.views[2])
	assert.Equal(t, market.DirectionLong, st.views[2].Side)
	assert.Equal(t, 110.0, st.views[2].EntryPrice)
	assert.Equal(t, 110.0, st.views[2].HighestClose)
	assert.Nil(t, st.views[3])
}

func TestEngineShortRoundTrip(t *testing.T) {
	candles := closesSeries(100, 100, 80, 80)
	cfg := engineConfig(candles)
	cfg.SlippageBps = 5
	res, _ := runScript(t, cfg, candles, map[int]market.Direction{1: market.DirectionShort, 2: market.DirectionLong})

	require.Len(t, res.Positions, 1)
	open, closeOrder := res.Orders[0], res.Orders[1]
	assert.Equal(t, "sell", open.Side)
	assert.InDelta(t, 100*(1-0.0005), open.Price, 1e-9)
	assert.InDelta(t, 80*(1+0.0005), closeOrder.Price, 1e-9)
	want := (open.Price-closeOrder.Price)*open.Quantity - open.Fee - closeOrder.Fee
	assert.InDelta(t, want, res.Positions[0].PnL, 1e-6)
	assert.Greater(t, res.Stats.ReturnPct, 0.15)
}

func TestEngineForcesCloseAtEnd(t *testing.T) {
	candles := closesSeries(100, 101, 102, 103, 104)
	res, _ := runScript(t, engineConfig(candles), candles, map[int]market.Direction{2: market.DirectionLong})
	require.Len(t, res.Positions, 1)
	assert.Equal(t, ReasonEndOfData, res.Positions[0].ExitReason)
	assert.Equal(t, candles[4].CloseTime, res.Positions[0].ClosedAt.UnixMilli())
	assert.InDelta(t, 0.4, res.Stats.ExposurePct, 1e-9, "最后一根先平仓再记快照")
}

func TestEngineDropsWarmupSignals(t *testing.T) {
	candles := closesSeries(100, 101, 102, 103, 104)
	cfg := engineConfig(candles)
	cfg.StartTS = candles[2].OpenTime
	res, st := runScript(t, cfg, candles, map[int]market.Direction{0: market.DirectionLong, 1: market.DirectionLong})
	assert.Empty(t, res.Orders)
	assert.Empty(t, res.Signals)
	assert.Len(t, res.Snapshots, 3)
	assert.Len(t, st.views, 5, "预热 K 线同样喂给策略")
	assert.Len(t, res.Candles, 3)
}

func TestEngineNoReversalWithinBar(t *testing.T) {
	candles := closesSeries(100, 101, 102, 103, 104)
	res, _ := runScript(t, engineConfig(candles), candles, map[int]market.Direction{
		1: market.DirectionLong,
		2: market.DirectionLong,
		3: market.DirectionShort,
	})
	require.Len(t, res.Signals, 3)
	assert.True(t, res.Signals[0].Executed)
	assert.False(t, res.Signals[1].Executed)
	assert.NotEmpty(t, res.Signals[1].Note)
	assert.True(t, res.Signals[2].Executed)
	assert.Len(t, res.Orders, 2, "反向信号只平仓不反手")
	assert.Zero(t, res.Snapshots[4].Exposure)
}

func TestEngineLiquidationStopsTrading(t *testing.T) {
	candles := closesSeries(100, 100, 250, 260, 270)
	res, _ := runScript(t, engineConfig(candles), candles, map[int]market.Direction{
		1: market.DirectionShort,
		3: market.DirectionLong,
	})
	require.Len(t, res.Positions, 1)
	assert.Equal(t, ReasonLiquidated, res.Positions[0].ExitReason)
	assert.Contains(t, res.Stats.Notes, ReasonLiquidated)
	require.Len(t, res.Signals, 2)
	assert.False(t, res.Signals[1].Executed)
	assert.GreaterOrEqual(t, res.Stats.FinalBalance, 0.0)
	assert.Len(t, res.Orders, 2)
}

func TestEngineErrors(t *testing.T) {
	candles := closesSeries(100, 101)
	cfg := engineConfig(candles)
	cfg.StartTS = candles[1].OpenTime + 1
	_, err := NewEngine().Run(context.Background(), "r", cfg, candles, &scripted{}, nil)
	assert.ErrorIs(t, err, ErrInsufficientData)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewEngine().Run(ctx, "r", engineConfig(candles), candles, &scripted{}, nil)
	assert.ErrorIs(t, err, context.Canceled)

	cfg = engineConfig(candles)
	cfg.InitialBalance = 0
	_, err = NewEngine().Run(context.Background(), "r", cfg, candles, &scripted{}, nil)
	assert.Error(t, err)
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) RecordOrder(ctx context.Context, order Order) error {
	return m.Called(ctx, order).Error(0)
}

func (m *mockRecorder) RecordPosition(ctx context.Context, pos Position) error {
	return m.Called(ctx, pos).Error(0)
}

func (m *mockRecorder) RecordSnapshots(ctx context.Context, snaps []Snapshot) error {
	return m.Called(ctx, snaps).Error(0)
}

func (m *mockRecorder) RecordSignal(ctx context.Context, sig SignalRecord) error {
	return m.Called(ctx, sig).Error(0)
}

func TestEngineStreamsToRecorder(t *testing.T) {
	candles := closesSeries(100, 110, 120)
	rec := &mockRecorder{}
	rec.On("RecordOrder", mock.Anything, mock.AnythingOfType("backtest.Order")).Return(nil)
	rec.On("RecordPosition", mock.Anything, mock.AnythingOfType("backtest.Position")).Return(nil)
	rec.On("RecordSnapshots", mock.Anything, mock.AnythingOfType("[]backtest.Snapshot")).Return(nil)
	rec.On("RecordSignal", mock.Anything, mock.AnythingOfType("backtest.SignalRecord")).Return(assert.AnError)

	st := &scripted{start: candles[0].OpenTime, signals: map[int]market.Direction{1: market.DirectionLong}}
	res, err := NewEngine().Run(context.Background(), "run-2", engineConfig(candles), candles, st, rec)
	require.NoError(t, err, "记录失败只告警")
	rec.AssertNumberOfCalls(t, "RecordSnapshots", 1)
	rec.AssertNumberOfCalls(t, "RecordOrder", 2)
	rec.AssertNumberOfCalls(t, "RecordPosition", 1)
	rec.AssertNumberOfCalls(t, "RecordSignal", 1)
	assert.Equal(t, "run-2", res.Snapshots[0].RunID)
}

func TestEngineBatchesSnapshots(t *testing.T) {
	closes := make([]float64, 2*SnapshotBatch+10)
	for i := range closes {
		closes[i] = 100 + float64(i%7)
	}
	candles := closesSeries(closes...)
	var sizes []int
	rec := &mockRecorder{}
	rec.On("RecordSnapshots", mock.Anything, mock.AnythingOfType("[]backtest.Snapshot")).
		Run(func(args mock.Arguments) { sizes = append(sizes, len(args.Get(1).([]Snapshot))) }).
		Return(nil)

	st := &scripted{start: candles[0].OpenTime}
	res, err := NewEngine().Quiet().Run(context.Background(), "run-3", engineConfig(candles), candles, st, rec)
	require.NoError(t, err)
	assert.Equal(t, []int{SnapshotBatch, SnapshotBatch, 10}, sizes)
	assert.Len(t, res.Snapshots, len(candles))
}
