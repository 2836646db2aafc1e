package strategy

import (
	"riptide/internal/feed"
	"riptide/internal/indicator"
	"riptide/internal/market"
)

// IndicatorValue 是指标的只读快照，策略拿不到可变的指标对象。
type IndicatorValue struct {
	Ready bool
	Value float64
}

// ContextView 是暴露给策略的只读视图：标量全部按值拷贝返回，
// 指标与 HTF 只给快照。策略无从改动引擎状态——不是运行时拦截，
// 而是构造上就没有可变入口。
type ContextView struct {
	snapshot  market.PortfolioSnapshot
	registry  *indicator.Registry
	resampler *feed.Resampler
	history   map[string][]market.Bar
	historyN  int
}

// NewContextView 由引擎每步构造。history 按 symbol 保留最近 N 根。
func NewContextView(snapshot market.PortfolioSnapshot, reg *indicator.Registry, res *feed.Resampler, history map[string][]market.Bar, historyN int) *ContextView {
	return &ContextView{
		snapshot:  snapshot,
		registry:  reg,
		resampler: res,
		history:   history,
		historyN:  historyN,
	}
}

// Portfolio 返回资金快照（值拷贝，含持仓摘要副本）。
func (c *ContextView) Portfolio() market.PortfolioSnapshot {
	snap := c.snapshot
	snap.Positions = append([]market.PositionSummary{}, c.snapshot.Positions...)
	return snap
}

// Indicator 返回指标的只读快照。
func (c *ContextView) Indicator(symbol, name string) (IndicatorValue, bool) {
	if c.registry == nil {
		return IndicatorValue{}, false
	}
	ind, ok := c.registry.Lookup(symbol, name)
	if !ok {
		return IndicatorValue{}, false
	}
	return IndicatorValue{Ready: ind.Ready(), Value: ind.Value()}, true
}

// HTF 返回最近一根已关闭的高周期 K 线（ctx["htf"][tf][symbol] 的等价物）。
// 已关闭意味着 htf_bar.ts 必然早于当前步。
func (c *ContextView) HTF(tf, symbol string) (market.HTFBar, bool) {
	if c.resampler == nil {
		return market.HTFBar{}, false
	}
	return c.resampler.LatestClosed(tf, symbol)
}

// History 返回某 symbol 最近 n 根 K 线的副本（含当前步）。
func (c *ContextView) History(symbol string, n int) []market.Bar {
	bars := c.history[symbol]
	if n > 0 && len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return append([]market.Bar{}, bars...)
}

// HistoryDepth 返回上下文保留的最大历史深度。
func (c *ContextView) HistoryDepth() int { return c.historyN }
