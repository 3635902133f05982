package backtest

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var bpsDivisor = decimal.NewFromInt(10000)

// OrderIntent 是引擎要求执行的一笔市价单。
type OrderIntent struct {
	RunID    string
	Symbol   string
	Action   string
	RefPrice float64
	Quantity float64
	Reason   string
	Time     int64
}

func (i OrderIntent) isBuy() bool {
	return i.Action == ActionOpenLong || i.Action == ActionCloseShort
}

// SimulatedExecution 以收盘价加滑点模拟成交，手续费按成交额计算。
type SimulatedExecution struct {
	feeRate decimal.Decimal
	slip    decimal.Decimal
}

func NewSimulatedExecution(feeRate, slippageBps float64) *SimulatedExecution {
	return &SimulatedExecution{
		feeRate: decimal.NewFromFloat(math.Max(feeRate, 0)),
		slip:    decimal.NewFromFloat(math.Max(slippageBps, 0)).Div(bpsDivisor),
	}
}

// FillPrice 返回含滑点的成交价：买入上浮、卖出下浮。
func (e *SimulatedExecution) FillPrice(refPrice float64, buy bool) float64 {
	ref := decimal.NewFromFloat(refPrice)
	if buy {
		return ref.Mul(decimal.NewFromInt(1).Add(e.slip)).InexactFloat64()
	}
	return ref.Mul(decimal.NewFromInt(1).Sub(e.slip)).InexactFloat64()
}

// Fee 返回给定成交额的手续费。
func (e *SimulatedExecution) Fee(notional float64) float64 {
	return decimal.NewFromFloat(notional).Mul(e.feeRate).InexactFloat64()
}

// FeeRate 返回手续费率。
func (e *SimulatedExecution) FeeRate() float64 { return e.feeRate.InexactFloat64() }

// Execute 撮合一笔订单；价格或数量非法时返回 rejected 状态的订单。
func (e *SimulatedExecution) Execute(in OrderIntent) Order {
	side := SideSell
	if in.isBuy() {
		side = SideBuy
	}
	order := Order{
		ID:         uuid.NewString(),
		RunID:      in.RunID,
		Symbol:     in.Symbol,
		Action:     in.Action,
		Side:       side,
		Type:       "market",
		Status:     OrderCreated,
		RefPrice:   in.RefPrice,
		Quantity:   in.Quantity,
		Reason:     in.Reason,
		ExecutedAt: time.UnixMilli(in.Time).UTC(),
	}
	if !positive(in.RefPrice) || !positive(in.Quantity) {
		order.Status = OrderRejected
		return order
	}
	order.Status = OrderSubmitted

	ref := decimal.NewFromFloat(in.RefPrice)
	qty := decimal.NewFromFloat(in.Quantity)
	price := decimal.NewFromFloat(e.FillPrice(in.RefPrice, in.isBuy()))
	notional := price.Mul(qty)
	order.Price = price.InexactFloat64()
	order.Notional = notional.InexactFloat64()
	order.Fee = notional.Mul(e.feeRate).InexactFloat64()
	order.Slippage = price.Sub(ref).Abs().Mul(qty).InexactFloat64()
	order.Status = OrderFilled
	return order
}

func positive(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
