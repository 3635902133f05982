package backtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedExecutionSlippageDirection(t *testing.T) {
	exec := NewSimulatedExecution(0.001, 10)
	cases := []struct {
		action string
		side   string
		price  float64
	}{
		{ActionOpenLong, "buy", 100.1},
		{ActionCloseShort, "buy", 100.1},
		{ActionOpenShort, "sell", 99.9},
		{ActionCloseLong, "sell", 99.9},
	}
	for _, tc := range cases {
		t.Run(tc.action, func(t *testing.T) {
			order := exec.Execute(OrderIntent{Symbol: "BTC-USD", Action: tc.action, RefPrice: 100, Quantity: 2, Time: 1_700_000_000_000})
			require.True(t, order.Filled())
			assert.NotEmpty(t, order.ID)
			assert.Equal(t, tc.side, order.Side)
			assert.InDelta(t, tc.price, order.Price, 1e-9)
			assert.InDelta(t, tc.price*2, order.Notional, 1e-9)
			assert.InDelta(t, tc.price*2*0.001, order.Fee, 1e-9)
			assert.InDelta(t, 0.2, order.Slippage, 1e-9)
			assert.Equal(t, 100.0, order.RefPrice)
			assert.Equal(t, int64(1_700_000_000_000), order.ExecutedAt.UnixMilli())
		})
	}
}

func TestSimulatedExecutionRejects(t *testing.T) {
	exec := NewSimulatedExecution(0.001, 2)
	order := exec.Execute(OrderIntent{Action: ActionOpenLong, RefPrice: 100, Quantity: 0})
	assert.Equal(t, OrderRejected, order.Status)
	assert.Zero(t, order.Fee)

	order = exec.Execute(OrderIntent{Action: ActionOpenLong, RefPrice: -1, Quantity: 1})
	assert.Equal(t, OrderRejected, order.Status)
}

func TestSimulatedExecutionZeroCosts(t *testing.T) {
	exec := NewSimulatedExecution(0, 0)
	order := exec.Execute(OrderIntent{Action: ActionOpenShort, RefPrice: 250.5, Quantity: 4})
	require.True(t, order.Filled())
	assert.Equal(t, 250.5, order.Price)
	assert.Zero(t, order.Fee)
	assert.Zero(t, order.Slippage)
	assert.Equal(t, 0.0, exec.FeeRate())
}
