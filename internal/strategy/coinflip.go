package strategy

import (
	"sort"
	"time"

	"riptide/internal/indicator"
	"riptide/internal/market"
)

// coinflip 是确定性伪随机基线策略：固定 seed 的 LCG 决定方向，
// 每 every_bars 根出一次信号，持仓时先平后开。用于校验管线而非赚钱。
type coinflip struct {
	seed      uint64
	every     int
	stopMode  string
	stopPct   float64
	atrPeriod int
	atrMult   float64

	state uint64
	count int
}

func init() {
	Register("coinflip", newCoinflip)
}

func newCoinflip(params map[string]any) (Strategy, error) {
	c := &coinflip{
		seed:      uint64(paramInt(params, "seed", 42)),
		every:     paramInt(params, "every_bars", 10),
		stopMode:  paramString(params, "stop_mode", "explicit"),
		stopPct:   paramFloat(params, "stop_pct", 0.01),
		atrPeriod: paramInt(params, "atr_period", 14),
		atrMult:   paramFloat(params, "atr_multiple", 2.0),
	}
	if c.every < 1 {
		c.every = 1
	}
	c.state = c.seed*6364136223846793005 + 1442695040888963407
	return c, nil
}

func (c *coinflip) BindIndicators(reg *indicator.Registry, symbols []string) {
	if c.stopMode != "atr" {
		return
	}
	for _, symbol := range symbols {
		reg.Ensure(symbol, "atr", func() indicator.Indicator { return indicator.NewATR(c.atrPeriod) })
	}
}

func (c *coinflip) next() uint64 {
	c.state = c.state*6364136223846793005 + 1442695040888963407
	return c.state >> 33
}

func (c *coinflip) OnBars(ts time.Time, bars map[string]market.Bar, tradeable map[string]bool, ctx *ContextView) ([]market.Signal, error) {
	c.count++
	if c.count%c.every != 0 {
		return nil, nil
	}
	symbols := make([]string, 0, len(bars))
	for symbol := range bars {
		if tradeable == nil || tradeable[symbol] {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)

	var signals []market.Signal
	open := map[string]market.Side{}
	for _, pos := range ctx.Portfolio().Positions {
		open[pos.Symbol] = pos.Side
	}
	for _, symbol := range symbols {
		bar := bars[symbol]
		if side, held := open[symbol]; held {
			exitSide := side.Opposite()
			signals = append(signals, market.Signal{
				TS: ts, Symbol: symbol, Side: exitSide, SignalType: "coinflip_exit",
				Confidence: 1.0, Metadata: map[string]any{"reduce_only": true},
			})
			continue
		}
		side := market.SideBuy
		if c.next()%2 == 1 {
			side = market.SideSell
		}
		sig := market.Signal{TS: ts, Symbol: symbol, Side: side, SignalType: "coinflip_entry", Confidence: 0.5}
		switch c.stopMode {
		case "explicit":
			stop := bar.Close * (1 - c.stopPct)
			if side == market.SideSell {
				stop = bar.Close * (1 + c.stopPct)
			}
			sig.StopPrice = &stop
		case "atr":
			sig.Metadata = map[string]any{
				"stop_spec": map[string]any{
					"kind":          "atr",
					"atr_multiple":  c.atrMult,
					"atr_indicator": "atr",
				},
			}
		}
		signals = append(signals, sig)
	}
	return signals, nil
}
