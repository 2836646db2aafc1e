package strategy

import (
	"sort"
	"time"

	"riptide/internal/indicator"
	"riptide/internal/market"
)

// volfloorDonchian：HTF Donchian 通道突破，ATR 波动率地板过滤，
// 止损用 hybrid（结构位 = 反向通道边，ATR 倍数兜底）。
type volfloorDonchian struct {
	timeframe    string
	entryLook    int
	exitLook     int
	atrPeriod    int
	atrMult      float64
	volFloorPct  float64
	hybridPolicy string

	state map[string]*donchianState
}

type donchianState struct {
	highs     []float64
	lows      []float64
	natrHist  []float64
	lastHTFTS time.Time
	inSide    market.Side
	held      bool
}

func init() {
	Register("volfloor_donchian", newVolfloorDonchian)
}

func newVolfloorDonchian(params map[string]any) (Strategy, error) {
	s := &volfloorDonchian{
		timeframe:    paramString(params, "timeframe", "15m"),
		entryLook:    paramInt(params, "channel_period", 20),
		exitLook:     paramInt(params, "exit_period", 10),
		atrPeriod:    paramInt(params, "atr_period", 14),
		atrMult:      paramFloat(params, "atr_multiple", 2.0),
		volFloorPct:  paramFloat(params, "vol_floor_pct", 60.0),
		hybridPolicy: paramString(params, "hybrid_policy", ""),
		state:        map[string]*donchianState{},
	}
	if s.entryLook < 2 {
		s.entryLook = 2
	}
	if s.exitLook < 1 {
		s.exitLook = 1
	}
	return s, nil
}

func (s *volfloorDonchian) BindIndicators(reg *indicator.Registry, symbols []string) {
	for _, symbol := range symbols {
		reg.Ensure(symbol, "atr", func() indicator.Indicator { return indicator.NewATR(s.atrPeriod) })
	}
}

func (s *volfloorDonchian) stateFor(symbol string) *donchianState {
	st, ok := s.state[symbol]
	if !ok {
		st = &donchianState{}
		s.state[symbol] = st
	}
	return st
}

func percentileRank(reference []float64, value float64) float64 {
	if len(reference) == 0 {
		return 0
	}
	count := 0
	for _, item := range reference {
		if item <= value {
			count++
		}
	}
	return float64(count) / float64(len(reference)) * 100
}

func maxTail(s []float64, n int) (float64, bool) {
	if len(s) < n {
		return 0, false
	}
	tail := s[len(s)-n:]
	m := tail[0]
	for _, v := range tail[1:] {
		if v > m {
			m = v
		}
	}
	return m, true
}

func minTail(s []float64, n int) (float64, bool) {
	if len(s) < n {
		return 0, false
	}
	tail := s[len(s)-n:]
	m := tail[0]
	for _, v := range tail[1:] {
		if v < m {
			m = v
		}
	}
	return m, true
}

func (s *volfloorDonchian) OnBars(ts time.Time, bars map[string]market.Bar, tradeable map[string]bool, ctx *ContextView) ([]market.Signal, error) {
	symbols := make([]string, 0, len(bars))
	for symbol := range bars {
		if tradeable == nil || tradeable[symbol] {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)

	held := map[string]market.Side{}
	for _, pos := range ctx.Portfolio().Positions {
		held[pos.Symbol] = pos.Side
	}

	var signals []market.Signal
	for _, symbol := range symbols {
		htfBar, ok := ctx.HTF(s.timeframe, symbol)
		if !ok {
			continue
		}
		st := s.stateFor(symbol)
		if !st.lastHTFTS.IsZero() && !htfBar.TS.After(st.lastHTFTS) {
			continue
		}
		st.lastHTFTS = htfBar.TS

		prevHighs := append([]float64{}, st.highs...)
		prevLows := append([]float64{}, st.lows...)

		atr, atrOK := ctx.Indicator(symbol, "atr")
		var volRank float64
		if atrOK && atr.Ready && htfBar.Close > 0 {
			natr := atr.Value / htfBar.Close
			volRank = percentileRank(st.natrHist, natr)
			st.natrHist = appendBoundedF(st.natrHist, natr, 2880)
		}

		entryHigh, entryHighOK := maxTail(prevHighs, s.entryLook)
		entryLow, entryLowOK := minTail(prevLows, s.entryLook)
		exitHigh, exitHighOK := maxTail(prevHighs, s.exitLook)
		exitLow, exitLowOK := minTail(prevLows, s.exitLook)

		limit := s.entryLook
		if s.exitLook > limit {
			limit = s.exitLook
		}
		st.highs = appendBoundedF(st.highs, htfBar.High, limit)
		st.lows = appendBoundedF(st.lows, htfBar.Low, limit)

		if side, holding := held[symbol]; holding {
			if side == market.SideBuy && exitLowOK && htfBar.Close < exitLow {
				signals = append(signals, s.exitSignal(ts, symbol, market.SideSell))
			}
			if side == market.SideSell && exitHighOK && htfBar.Close > exitHigh {
				signals = append(signals, s.exitSignal(ts, symbol, market.SideBuy))
			}
			continue
		}

		if !atrOK || !atr.Ready || volRank < s.volFloorPct {
			continue
		}
		if entryHighOK && htfBar.Close > entryHigh {
			signals = append(signals, s.entrySignal(ts, symbol, market.SideBuy, entryLow, entryLowOK))
		} else if entryLowOK && htfBar.Close < entryLow {
			signals = append(signals, s.entrySignal(ts, symbol, market.SideSell, entryHigh, entryHighOK))
		}
	}
	return signals, nil
}

func (s *volfloorDonchian) exitSignal(ts time.Time, symbol string, side market.Side) market.Signal {
	return market.Signal{
		TS: ts, Symbol: symbol, Side: side, SignalType: "donchian_exit",
		Confidence: 1.0, Metadata: map[string]any{"reduce_only": true},
	}
}

func (s *volfloorDonchian) entrySignal(ts time.Time, symbol string, side market.Side, structural float64, structuralOK bool) market.Signal {
	spec := map[string]any{
		"kind":          "atr",
		"atr_multiple":  s.atrMult,
		"atr_indicator": "atr",
	}
	if structuralOK {
		spec = map[string]any{
			"kind":          "hybrid",
			"stop_price":    structural,
			"atr_multiple":  s.atrMult,
			"atr_indicator": "atr",
		}
		if s.hybridPolicy != "" {
			spec["hybrid_policy"] = s.hybridPolicy
		}
	}
	return market.Signal{
		TS: ts, Symbol: symbol, Side: side, SignalType: "donchian_breakout",
		Confidence: 0.8,
		Metadata:   map[string]any{"stop_spec": spec},
	}
}

func appendBoundedF(s []float64, v float64, limit int) []float64 {
	s = append(s, v)
	if len(s) > limit {
		s = s[len(s)-limit:]
	}
	return s
}
