package execution

import (
	"math"
	"time"

	"riptide/internal/market"
)

// Model 维护待成交队列并实现成交价管线：
// intrabar 原始价 → 半价差 → 滑点 → 手续费（单独记账）。
// 只支持市价单，其余类型是致命的执行错误。
type Model struct {
	profile      Profile
	spreadMode   string
	intrabarMode string
	queue        []*pendingOrder
}

type pendingOrder struct {
	intent         market.OrderIntent
	delayRemaining int
}

// NewModel 校验模式后构造执行模型。
func NewModel(profile Profile, spreadMode, intrabarMode string) (*Model, error) {
	switch spreadMode {
	case "none", "fixed_bps":
	default:
		return nil, market.NewFault(market.FaultConfig, "invalid execution.spread_mode: %q", spreadMode)
	}
	switch intrabarMode {
	case "worst_case", "best_case", "midpoint":
	default:
		return nil, market.NewFault(market.FaultConfig, "invalid execution.intrabar_mode: %q", intrabarMode)
	}
	return &Model{profile: profile, spreadMode: spreadMode, intrabarMode: intrabarMode}, nil
}

func (m *Model) Profile() Profile     { return m.profile }
func (m *Model) SpreadMode() string   { return m.spreadMode }
func (m *Model) IntrabarMode() string { return m.intrabarMode }
func (m *Model) PendingCount() int    { return len(m.queue) }

// Enqueue 把放行的意图挂入队列，delay_remaining 取档位的 delay_bars。
func (m *Model) Enqueue(intent market.OrderIntent) error {
	if intent.OrderType != market.OrderTypeMarket {
		return market.NewFault(market.FaultExecution,
			"%s: 只支持 MARKET 订单, got %q", intent.Symbol, intent.OrderType)
	}
	intent.Meta.DelayRemaining = m.profile.DelayBars
	m.queue = append(m.queue, &pendingOrder{intent: intent, delayRemaining: m.profile.DelayBars})
	return nil
}

// Step 在新 K 线上推进队列：先对有 K 线的 symbol 扣减 delay，
// delay_remaining=0 的订单在同一根 K 线成交。symbol 缺 K 线时订单原地等待。
func (m *Model) Step(ts time.Time, bars map[string]market.Bar) []market.Fill {
	var fills []market.Fill
	var remaining []*pendingOrder
	for _, order := range m.queue {
		bar, ok := bars[order.intent.Symbol]
		if !ok {
			remaining = append(remaining, order)
			continue
		}
		if order.delayRemaining > 0 {
			order.delayRemaining--
		}
		if order.delayRemaining > 0 {
			order.intent.Meta.DelayRemaining = order.delayRemaining
			remaining = append(remaining, order)
			continue
		}
		order.intent.Meta.DelayRemaining = 0
		fills = append(fills, m.fill(ts, order.intent, bar))
	}
	m.queue = remaining
	return fills
}

// FillAt 用同一条成本管线就地成交（强平路径复用）。
func (m *Model) FillAt(ts time.Time, symbol string, side market.Side, qty float64, bar market.Bar, meta market.IntentMeta) market.Fill {
	intent := market.OrderIntent{
		TSCreated: ts, Symbol: symbol, Side: side,
		OrderType: market.OrderTypeMarket, Qty: qty, Meta: meta,
	}
	return m.fill(ts, intent, bar)
}

func (m *Model) fill(ts time.Time, intent market.OrderIntent, bar market.Bar) market.Fill {
	sign := intent.Side.Sign()

	// 1. intrabar 原始价。
	raw := m.intrabarPrice(intent.Side, bar)

	// 2. 价差：fixed_bps 下买方付上半价差，卖方让出下半价差。
	price := raw
	var spreadCost float64
	if m.spreadMode == "fixed_bps" {
		adjust := sign * (m.profile.SpreadBps / 2 / 10_000) * raw
		price = raw + adjust
		spreadCost = math.Abs(adjust) * intent.Qty
	}

	// 3. 滑点。
	slip := sign * (m.profile.SlippageBps / 10_000) * price
	price += slip
	slippageCost := math.Abs(slip) * intent.Qty

	// 4. 手续费（taker），不并入成交价。
	fee := m.profile.TakerFee * math.Abs(intent.Qty*price)

	return market.Fill{
		TSFilled:     ts,
		Symbol:       intent.Symbol,
		Side:         intent.Side,
		Qty:          intent.Qty,
		Price:        price,
		FeeCost:      fee,
		SlippageCost: slippageCost,
		SpreadCost:   spreadCost,
		Meta:         intent.Meta,
	}
}

func (m *Model) intrabarPrice(side market.Side, bar market.Bar) float64 {
	switch m.intrabarMode {
	case "best_case":
		if side == market.SideBuy {
			return bar.Low
		}
		return bar.High
	case "midpoint":
		return (bar.High + bar.Low) / 2
	default: // worst_case
		if side == market.SideBuy {
			return bar.High
		}
		return bar.Low
	}
}
