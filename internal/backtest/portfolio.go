package backtest

import (
	"fmt"
	"math"
	"time"

	"autoquant/internal/market"
	"autoquant/internal/strategy"
)

// openPosition 为引擎内部的持仓状态。
type openPosition struct {
	side          market.Direction
	entryPrice    float64
	qty           float64
	entryTime     int64
	entryOrder    string
	entryNotional float64
	entryFee      float64
	highest       float64
	lowest        float64
}

// Portfolio 维护现金余额与至多一个持仓。
// 多空均按 1 倍保证金处理：开仓只扣手续费，平仓结算已实现盈亏。
type Portfolio struct {
	runID       string
	symbol      string
	initial     float64
	balance     float64
	positionPct float64
	exec        *SimulatedExecution

	position   *openPosition
	liquidated bool
}

func NewPortfolio(runID, symbol string, initial, positionPct float64, exec *SimulatedExecution) *Portfolio {
	if positionPct <= 0 || positionPct > 1 {
		positionPct = 1
	}
	return &Portfolio{
		runID:       runID,
		symbol:      symbol,
		initial:     initial,
		balance:     initial,
		positionPct: positionPct,
		exec:        exec,
	}
}

func (p *Portfolio) Balance() float64 { return p.balance }

func (p *Portfolio) Liquidated() bool { return p.liquidated }

func (p *Portfolio) Holding() bool { return p.position != nil }

// Side 返回当前持仓方向，空仓时为空字符串。
func (p *Portfolio) Side() market.Direction {
	if p.position == nil {
		return ""
	}
	return p.position.side
}

func (p *Portfolio) unrealizedPnL(price float64) float64 {
	pos := p.position
	if pos == nil {
		return 0
	}
	if pos.side == market.DirectionLong {
		return (price - pos.entryPrice) * pos.qty
	}
	return (pos.entryPrice - price) * pos.qty
}

// Equity = 现金 + 按 price 计算的浮动盈亏。
func (p *Portfolio) Equity(price float64) float64 {
	return p.balance + p.unrealizedPnL(price)
}

// Exposure 返回持仓市值占权益的比例。
func (p *Portfolio) Exposure(price float64) float64 {
	if p.position == nil {
		return 0
	}
	equity := p.Equity(price)
	if equity <= 0 {
		return 1
	}
	return math.Abs(p.position.qty*price) / equity
}

// View 返回提供给策略的只读持仓视图。
func (p *Portfolio) View() *strategy.PositionView {
	pos := p.position
	if pos == nil {
		return nil
	}
	return &strategy.PositionView{
		Side:         pos.side,
		EntryPrice:   pos.entryPrice,
		Quantity:     pos.qty,
		HighestClose: pos.highest,
		LowestClose:  pos.lowest,
		EntryTime:    pos.entryTime,
	}
}

// Mark 在每根 K 线收盘后更新持仓以来的最高/最低收盘价。
func (p *Portfolio) Mark(close float64) {
	pos := p.position
	if pos == nil {
		return
	}
	pos.highest = math.Max(pos.highest, close)
	if pos.lowest <= 0 || close < pos.lowest {
		pos.lowest = close
	}
}

// Open 按余额比例开仓，名义价值与手续费之和不超过余额。
func (p *Portfolio) Open(side market.Direction, candle Candle, reason string) (Order, error) {
	if p.position != nil {
		return Order{}, fmt.Errorf("已有 %s 持仓", p.position.side)
	}
	if p.liquidated {
		return Order{}, fmt.Errorf("账户已爆仓，不再开仓")
	}
	if p.balance <= 0 {
		return Order{}, fmt.Errorf("余额不足: %.2f", p.balance)
	}
	action := ActionOpenLong
	if side == market.DirectionShort {
		action = ActionOpenShort
	}
	fill := p.exec.FillPrice(candle.Close, action == ActionOpenLong)
	if !positive(fill) {
		return p.exec.Execute(OrderIntent{RunID: p.runID, Symbol: p.symbol, Action: action, RefPrice: candle.Close, Reason: reason, Time: candle.CloseTime}), nil
	}
	notional := p.balance * p.positionPct
	if notional*(1+p.exec.FeeRate()) > p.balance {
		notional = p.balance / (1 + p.exec.FeeRate())
	}
	order := p.exec.Execute(OrderIntent{
		RunID:    p.runID,
		Symbol:   p.symbol,
		Action:   action,
		RefPrice: candle.Close,
		Quantity: notional / fill,
		Reason:   reason,
		Time:     candle.CloseTime,
	})
	if !order.Filled() {
		return order, nil
	}
	p.balance -= order.Fee
	p.position = &openPosition{
		side:          side,
		entryPrice:    order.Price,
		qty:           order.Quantity,
		entryTime:     candle.CloseTime,
		entryOrder:    order.ID,
		entryNotional: order.Notional,
		entryFee:      order.Fee,
		highest:       candle.Close,
		lowest:        candle.Close,
	}
	return order, nil
}

// Close 以 candle 收盘价平掉当前持仓并返回成交与持仓记录。
func (p *Portfolio) Close(candle Candle, reason string) (Order, Position, error) {
	pos := p.position
	if pos == nil {
		return Order{}, Position{}, fmt.Errorf("当前无持仓")
	}
	action := ActionCloseLong
	if pos.side == market.DirectionShort {
		action = ActionCloseShort
	}
	order := p.exec.Execute(OrderIntent{
		RunID:    p.runID,
		Symbol:   p.symbol,
		Action:   action,
		RefPrice: candle.Close,
		Quantity: pos.qty,
		Reason:   reason,
		Time:     candle.CloseTime,
	})
	if !order.Filled() {
		return order, Position{}, nil
	}
	gross := (order.Price - pos.entryPrice) * pos.qty
	if pos.side == market.DirectionShort {
		gross = -gross
	}
	p.balance += gross - order.Fee
	net := gross - pos.entryFee - order.Fee
	pnlPct := 0.0
	if pos.entryNotional > 0 {
		pnlPct = net / pos.entryNotional
	}
	position := Position{
		RunID:        p.runID,
		Symbol:       p.symbol,
		Side:         string(pos.side),
		EntryOrderID: pos.entryOrder,
		ExitOrderID:  order.ID,
		EntryPrice:   pos.entryPrice,
		ExitPrice:    order.Price,
		Quantity:     pos.qty,
		PnL:          net,
		PnLPct:       pnlPct,
		HoldingMs:    max(candle.CloseTime-pos.entryTime, 0),
		ExitReason:   reason,
		OpenedAt:     time.UnixMilli(pos.entryTime).UTC(),
		ClosedAt:     time.UnixMilli(candle.CloseTime).UTC(),
	}
	p.position = nil
	if reason == ReasonLiquidated {
		p.liquidated = true
		p.balance = math.Max(p.balance, 0)
	}
	return order, position, nil
}
