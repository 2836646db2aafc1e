package indicator

import (
	"fmt"
	"sort"

	talib "github.com/markcheno/go-talib"

	"riptide/internal/market"
)

// Indicator 是逐根喂入的流式指标。风控与策略只在 Ready 为真时读值，
// 未就绪就使用属于契约违规，由调用方处理。
type Indicator interface {
	Update(bar market.Bar)
	Ready() bool
	Value() float64
}

// window 维护有界的 OHLC 历史，容量为 period 的若干倍，足够 talib 收敛。
type window struct {
	period int
	highs  []float64
	lows   []float64
	closes []float64
}

func newWindow(period int) window {
	return window{period: period}
}

func (w *window) push(bar market.Bar) {
	limit := w.period*4 + 8
	w.highs = appendBounded(w.highs, bar.High, limit)
	w.lows = appendBounded(w.lows, bar.Low, limit)
	w.closes = appendBounded(w.closes, bar.Close, limit)
}

func appendBounded(s []float64, v float64, limit int) []float64 {
	s = append(s, v)
	if len(s) > limit {
		s = s[len(s)-limit:]
	}
	return s
}

// ATR 用 talib 在有界窗口上重算，取末值。
type ATR struct {
	w    window
	last float64
}

func NewATR(period int) *ATR {
	if period < 1 {
		period = 14
	}
	return &ATR{w: newWindow(period)}
}

func (a *ATR) Update(bar market.Bar) {
	a.w.push(bar)
	if !a.Ready() {
		return
	}
	series := talib.Atr(a.w.highs, a.w.lows, a.w.closes, a.w.period)
	a.last = series[len(series)-1]
}

func (a *ATR) Ready() bool { return len(a.w.closes) > a.w.period }

func (a *ATR) Value() float64 { return a.last }

// EMA 同理，基于收盘价。
type EMA struct {
	w    window
	last float64
}

func NewEMA(period int) *EMA {
	if period < 1 {
		period = 20
	}
	return &EMA{w: newWindow(period)}
}

func (e *EMA) Update(bar market.Bar) {
	e.w.push(bar)
	if !e.Ready() {
		return
	}
	series := talib.Ema(e.w.closes, e.w.period)
	e.last = series[len(series)-1]
}

func (e *EMA) Ready() bool { return len(e.w.closes) >= e.w.period }

func (e *EMA) Value() float64 { return e.last }

// Registry 按 (symbol, name) 管理指标实例，引擎每根 K 线调用 UpdateBar。
type Registry struct {
	bySymbol map[string]map[string]Indicator
}

func NewRegistry() *Registry {
	return &Registry{bySymbol: map[string]map[string]Indicator{}}
}

// Ensure 返回已注册的指标，缺失时用 mk 创建。
func (r *Registry) Ensure(symbol, name string, mk func() Indicator) Indicator {
	symbols := r.bySymbol[symbol]
	if symbols == nil {
		symbols = map[string]Indicator{}
		r.bySymbol[symbol] = symbols
	}
	if ind, ok := symbols[name]; ok {
		return ind
	}
	ind := mk()
	symbols[name] = ind
	return ind
}

// Lookup 查找指标。
func (r *Registry) Lookup(symbol, name string) (Indicator, bool) {
	symbols, ok := r.bySymbol[symbol]
	if !ok {
		return nil, false
	}
	ind, ok := symbols[name]
	return ind, ok
}

// UpdateBar 把一根 K 线喂给该 symbol 的全部指标（按名字序，保证确定性）。
func (r *Registry) UpdateBar(bar market.Bar) {
	symbols, ok := r.bySymbol[bar.Symbol]
	if !ok {
		return
	}
	names := make([]string, 0, len(symbols))
	for name := range symbols {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		symbols[name].Update(bar)
	}
}

// Names 返回某 symbol 的指标名（排序后），供只读上下文展示。
func (r *Registry) Names(symbol string) []string {
	symbols, ok := r.bySymbol[symbol]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(symbols))
	for name := range symbols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe 供日志输出。
func (r *Registry) Describe(symbol string) string {
	return fmt.Sprintf("%s: %v", symbol, r.Names(symbol))
}
