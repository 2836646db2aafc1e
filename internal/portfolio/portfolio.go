package portfolio

import (
	"math"
	"sort"
	"time"

	"riptide/internal/market"
)

const qtyEpsilon = 1e-12

// Position 是 (symbol, side) 上的一笔未平仓持仓。同键只允许一笔，
// 反向成交先减后翻。
type Position struct {
	Symbol        string
	Side          market.Side
	Qty           float64
	AvgPrice      float64
	OpenTS        time.Time
	EntryFees     float64
	EntrySlippage float64
	MAEPrice      float64
	MFEPrice      float64
	Meta          market.IntentMeta
}

// Portfolio 维护现金、持仓、已实现/未实现盈亏与保证金。
// 恒等式 equity = cash + realized_pnl_cum + unrealized_pnl 在每次
// 状态变化后重算并由 CheckInvariants 复核。
type Portfolio struct {
	initialCash float64
	cash        float64
	realized    float64
	maxLeverage float64

	positions map[string]*Position
	marks     map[string]float64

	unrealized float64
	marginUsed float64
	equity     float64
}

func New(initialCash, maxLeverage float64) *Portfolio {
	if maxLeverage <= 0 {
		maxLeverage = 1
	}
	p := &Portfolio{
		initialCash: initialCash,
		cash:        initialCash,
		maxLeverage: maxLeverage,
		positions:   map[string]*Position{},
		marks:       map[string]float64{},
	}
	p.recalc()
	return p
}

func key(symbol string, side market.Side) string { return symbol + "|" + string(side) }

func (p *Portfolio) InitialCash() float64 { return p.initialCash }
func (p *Portfolio) Cash() float64        { return p.cash }
func (p *Portfolio) RealizedPnL() float64 { return p.realized }
func (p *Portfolio) Unrealized() float64  { return p.unrealized }
func (p *Portfolio) MarginUsed() float64  { return p.marginUsed }
func (p *Portfolio) Equity() float64      { return p.equity }
func (p *Portfolio) FreeMargin() float64  { return p.equity - p.marginUsed }

// OpenPositionCount 返回未平仓笔数。
func (p *Portfolio) OpenPositionCount() int { return len(p.positions) }

// PositionQty 返回 (symbol, side) 的持仓数量，无仓位时为 0。
func (p *Portfolio) PositionQty(symbol string, side market.Side) float64 {
	if pos, ok := p.positions[key(symbol, side)]; ok {
		return pos.Qty
	}
	return 0
}

// OpenPositions 返回按键排序的持仓副本列表（遍历顺序确定）。
func (p *Portfolio) OpenPositions() []Position {
	keys := make([]string, 0, len(p.positions))
	for k := range p.positions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Position, 0, len(keys))
	for _, k := range keys {
		out = append(out, *p.positions[k])
	}
	return out
}

// LastMark 返回 symbol 最近的标记价。
func (p *Portfolio) LastMark(symbol string) (float64, bool) {
	mark, ok := p.marks[symbol]
	return mark, ok
}

// ApplyFill 把一笔成交记入持仓与现金。手续费在成交时刻从现金扣除；
// 价格盈亏与费用分开记账。返回本次成交平掉的 Trade（可能为空）。
func (p *Portfolio) ApplyFill(fill market.Fill) ([]market.Trade, error) {
	if fill.Qty <= 0 {
		return nil, market.NewFault(market.FaultPortfolio, "%s: fill qty 必须 > 0, got %v", fill.Symbol, fill.Qty)
	}
	p.cash -= fill.FeeCost
	p.marks[fill.Symbol] = fill.Price

	var trades []market.Trade
	oppositeKey := key(fill.Symbol, fill.Side.Opposite())
	if pos, ok := p.positions[oppositeKey]; ok {
		trade, residual := p.reduce(pos, fill)
		trades = append(trades, trade)
		if pos.Qty <= qtyEpsilon {
			delete(p.positions, oppositeKey)
		}
		if residual > qtyEpsilon {
			residualFill := fill
			residualFill.Qty = residual
			residualFill.FeeCost = fill.FeeCost * residual / fill.Qty
			residualFill.SlippageCost = fill.SlippageCost * residual / fill.Qty
			p.open(residualFill)
		}
	} else {
		p.open(fill)
	}
	p.recalc()
	return trades, nil
}

// open 开新仓或加仓（数量加权均价）。
func (p *Portfolio) open(fill market.Fill) {
	k := key(fill.Symbol, fill.Side)
	pos, ok := p.positions[k]
	if !ok {
		p.positions[k] = &Position{
			Symbol:        fill.Symbol,
			Side:          fill.Side,
			Qty:           fill.Qty,
			AvgPrice:      fill.Price,
			OpenTS:        fill.TSFilled,
			EntryFees:     fill.FeeCost,
			EntrySlippage: fill.SlippageCost,
			MAEPrice:      fill.Price,
			MFEPrice:      fill.Price,
			Meta:          fill.Meta,
		}
		return
	}
	newQty := pos.Qty + fill.Qty
	pos.AvgPrice = (pos.AvgPrice*pos.Qty + fill.Price*fill.Qty) / newQty
	pos.Qty = newQty
	pos.EntryFees += fill.FeeCost
	pos.EntrySlippage += fill.SlippageCost
}

// reduce 把反向成交冲减持仓，产出 Trade；返回翻仓的残余数量。
func (p *Portfolio) reduce(pos *Position, fill market.Fill) (market.Trade, float64) {
	reduceQty := math.Min(pos.Qty, fill.Qty)
	residual := fill.Qty - reduceQty

	pnlPrice := (fill.Price - pos.AvgPrice) * reduceQty * pos.Side.Sign()
	p.realized += pnlPrice

	frac := reduceQty / pos.Qty
	entryFeeShare := pos.EntryFees * frac
	entrySlipShare := pos.EntrySlippage * frac
	pos.EntryFees -= entryFeeShare
	pos.EntrySlippage -= entrySlipShare

	exitFrac := reduceQty / fill.Qty
	exitFee := fill.FeeCost * exitFrac
	exitSlip := fill.SlippageCost * exitFrac

	feesPaid := entryFeeShare + exitFee
	trade := market.Trade{
		EntryTS:      pos.OpenTS,
		ExitTS:       fill.TSFilled,
		Symbol:       pos.Symbol,
		Side:         pos.Side,
		Qty:          reduceQty,
		EntryPrice:   pos.AvgPrice,
		ExitPrice:    fill.Price,
		PnLPrice:     pnlPrice,
		FeesPaid:     feesPaid,
		PnLNet:       pnlPrice - feesPaid,
		SlippagePaid: entrySlipShare + exitSlip,
		MAEPrice:     pos.MAEPrice,
		MFEPrice:     pos.MFEPrice,
	}
	// 开仓意图的风险元数据随 Trade 传播；legacy proxy 仓位不产 R 倍数。
	if pos.Meta.RiskAmount > 0 {
		risk := pos.Meta.RiskAmount
		trade.RiskAmount = &risk
	}
	if pos.Meta.StopDistance > 0 {
		dist := pos.Meta.StopDistance
		trade.StopDistance = &dist
	}
	if pos.Meta.RMetricsValid && pos.Meta.RiskAmount > 0 {
		gross := pnlPrice / pos.Meta.RiskAmount
		net := trade.PnLNet / pos.Meta.RiskAmount
		trade.RMultipleGross = &gross
		trade.RMultipleNet = &net
	}

	pos.Qty -= reduceQty
	return trade, residual
}

// MarkToMarket 用当前 K 线收盘价更新标记价并重算状态。
// 缺 K 线的 symbol 沿用上一个标记价（不插值）。
func (p *Portfolio) MarkToMarket(bars map[string]market.Bar) {
	for symbol, bar := range bars {
		p.marks[symbol] = bar.Close
	}
	p.recalc()
}

// UpdateExtremes 依据当前 K 线的高低点滚动 MAE/MFE（方向感知）。
func (p *Portfolio) UpdateExtremes(bars map[string]market.Bar) {
	for _, pos := range p.positions {
		bar, ok := bars[pos.Symbol]
		if !ok {
			continue
		}
		if pos.Side == market.SideBuy {
			pos.MAEPrice = math.Min(pos.MAEPrice, bar.Low)
			pos.MFEPrice = math.Max(pos.MFEPrice, bar.High)
		} else {
			pos.MAEPrice = math.Max(pos.MAEPrice, bar.High)
			pos.MFEPrice = math.Min(pos.MFEPrice, bar.Low)
		}
	}
}

func (p *Portfolio) recalc() {
	unrealized := 0.0
	margin := 0.0
	for _, pos := range p.positions {
		mark, ok := p.marks[pos.Symbol]
		if !ok {
			mark = pos.AvgPrice
		}
		unrealized += (mark - pos.AvgPrice) * pos.Qty * pos.Side.Sign()
		margin += math.Abs(pos.Qty) * mark / p.maxLeverage
	}
	p.unrealized = unrealized
	p.marginUsed = margin
	p.equity = p.cash + p.realized + p.unrealized
}

// Snapshot 返回给策略的只读资金摘要。
func (p *Portfolio) Snapshot() market.PortfolioSnapshot {
	snap := market.PortfolioSnapshot{
		Cash:          p.cash,
		Equity:        p.equity,
		RealizedPnL:   p.realized,
		UnrealizedPnL: p.unrealized,
		MarginUsed:    p.marginUsed,
		FreeMargin:    p.FreeMargin(),
	}
	for _, pos := range p.OpenPositions() {
		mark, ok := p.marks[pos.Symbol]
		if !ok {
			mark = pos.AvgPrice
		}
		snap.Positions = append(snap.Positions, market.PositionSummary{
			Symbol:        pos.Symbol,
			Side:          pos.Side,
			Qty:           pos.Qty,
			AvgPrice:      pos.AvgPrice,
			UnrealizedPnL: (mark - pos.AvgPrice) * pos.Qty * pos.Side.Sign(),
		})
	}
	return snap
}

// EquityPoint 生成 equity.csv 的一行。
func (p *Portfolio) EquityPoint(ts time.Time) market.EquityPoint {
	return market.EquityPoint{
		TS:            ts,
		Cash:          p.cash,
		Equity:        p.equity,
		RealizedPnL:   p.realized,
		UnrealizedPnL: p.unrealized,
		MarginUsed:    p.marginUsed,
	}
}

// CheckInvariants 断言资金恒等式与持仓数量约束，失败即致命。
func (p *Portfolio) CheckInvariants() error {
	recomputed := p.cash + p.realized + p.unrealized
	if math.Abs(p.equity-recomputed) > 1e-8 {
		return market.NewFault(market.FaultPortfolio,
			"equity 恒等式被破坏: equity=%v cash=%v realized=%v unrealized=%v", p.equity, p.cash, p.realized, p.unrealized)
	}
	for _, pos := range p.positions {
		if pos.Qty <= 0 {
			return market.NewFault(market.FaultPortfolio,
				"%s/%s: 持仓数量必须 > 0, got %v", pos.Symbol, pos.Side, pos.Qty)
		}
		if math.IsNaN(pos.AvgPrice) || math.IsInf(pos.AvgPrice, 0) {
			return market.NewFault(market.FaultPortfolio, "%s/%s: avg price 非法: %v", pos.Symbol, pos.Side, pos.AvgPrice)
		}
	}
	return nil
}
