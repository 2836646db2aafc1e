package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riptide/internal/indicator"
	"riptide/internal/market"
)

var ts0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type stubAccount struct {
	equity     float64
	freeMargin float64
	openCount  int
	qty        map[string]float64
}

func (s *stubAccount) Equity() float64        { return s.equity }
func (s *stubAccount) FreeMargin() float64    { return s.freeMargin }
func (s *stubAccount) OpenPositionCount() int { return s.openCount }
func (s *stubAccount) PositionQty(symbol string, side market.Side) float64 {
	return s.qty[symbol+"|"+string(side)]
}

func defaultAccount() *stubAccount {
	return &stubAccount{equity: 10_000, freeMargin: 10_000, qty: map[string]float64{}}
}

func defaultParams(mode Mode) Params {
	return Params{
		RPerTrade:            0.01,
		MaxPositions:         1,
		MaxNotionalPctEquity: 10,
		MaxLeverage:          10,
		LotSize:              1e-8,
		Mode:                 mode,
	}
}

func bar0() market.Bar {
	return market.Bar{TS: ts0, Symbol: "AAA", Open: 100, High: 101, Low: 99, Close: 100, Volume: 10}
}

func buyWithStop(stop float64) market.Signal {
	return market.Signal{
		TS: ts0, Symbol: "AAA", Side: market.SideBuy, SignalType: "breakout",
		Confidence: 1, StopPrice: &stop,
	}
}

func TestEvaluateEntryExplicitStop(t *testing.T) {
	engine := NewEngine(defaultParams(Mode{StopResolutionMode: "strict"}))
	intent, decision, err := engine.Evaluate(ts0, buyWithStop(99), bar0(), nil, defaultAccount(), indicator.NewRegistry())
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.True(t, decision.Accepted)
	assert.Equal(t, ResolvedExplicit, decision.ReasonCode)
	// risk = 0.01*10000 = 100, distance = 1 → qty = 100
	assert.InDelta(t, 100.0, intent.Qty, 1e-9)
	assert.Equal(t, SourceExplicitStopPrice, intent.Meta.StopSource)
	assert.True(t, intent.Meta.RMetricsValid)
	assert.False(t, intent.Meta.UsedLegacyProxy)
}

func TestEvaluateEntryMissingStop(t *testing.T) {
	noStop := market.Signal{TS: ts0, Symbol: "AAA", Side: market.SideBuy, SignalType: "breakout", Confidence: 1}

	t.Run("strict 拒绝", func(t *testing.T) {
		engine := NewEngine(defaultParams(Mode{StopResolutionMode: "strict"}))
		intent, decision, err := engine.Evaluate(ts0, noStop, bar0(), nil, defaultAccount(), indicator.NewRegistry())
		require.NoError(t, err)
		assert.Nil(t, intent)
		assert.Equal(t, RejectStopUnresolvableStrict, decision.ReasonCode)
	})

	t.Run("safe 无 proxy 拒绝", func(t *testing.T) {
		engine := NewEngine(defaultParams(Mode{StopResolutionMode: "safe"}))
		intent, decision, err := engine.Evaluate(ts0, noStop, bar0(), nil, defaultAccount(), indicator.NewRegistry())
		require.NoError(t, err)
		assert.Nil(t, intent)
		assert.Equal(t, RejectStopUnresolvableNoProxy, decision.ReasonCode)
	})

	t.Run("safe+proxy 合成 legacy 代理", func(t *testing.T) {
		engine := NewEngine(defaultParams(Mode{StopResolutionMode: "safe", AllowLegacyProxy: true}))
		prev := bar0()
		intent, decision, err := engine.Evaluate(ts0, noStop, bar0(), &prev, defaultAccount(), indicator.NewRegistry())
		require.NoError(t, err)
		require.NotNil(t, intent)
		assert.True(t, decision.Accepted)
		assert.Equal(t, FallbackLegacyProxy, decision.ReasonCode)
		assert.True(t, intent.Meta.UsedLegacyProxy)
		assert.False(t, intent.Meta.RMetricsValid)
		assert.Equal(t, SourceLegacyHighLowProxy, intent.Meta.StopSource)
		// distance = entry(100) - prev.low(99) = 1 → qty = 100
		assert.InDelta(t, 100.0, intent.Qty, 1e-9)
	})
}

func TestEvaluateEntryStopValidation(t *testing.T) {
	engine := NewEngine(defaultParams(Mode{StopResolutionMode: "strict"}))

	t.Run("多头止损在错误一侧", func(t *testing.T) {
		intent, decision, err := engine.Evaluate(ts0, buyWithStop(101), bar0(), nil, defaultAccount(), indicator.NewRegistry())
		require.NoError(t, err)
		assert.Nil(t, intent)
		assert.Equal(t, RejectInvalidStopDistance, decision.ReasonCode)
	})

	t.Run("min_stop_distance 下限", func(t *testing.T) {
		params := defaultParams(Mode{StopResolutionMode: "strict"})
		params.MinStopDistancePct = 0.05 // 5% of 100 = 5 > 1
		tight := NewEngine(params)
		intent, decision, err := tight.Evaluate(ts0, buyWithStop(99), bar0(), nil, defaultAccount(), indicator.NewRegistry())
		require.NoError(t, err)
		assert.Nil(t, intent)
		assert.Equal(t, RejectMinStopDistance, decision.ReasonCode)
	})

	t.Run("atr 未就绪拒绝", func(t *testing.T) {
		sig := market.Signal{
			TS: ts0, Symbol: "AAA", Side: market.SideBuy, SignalType: "breakout", Confidence: 1,
			Metadata: map[string]any{"stop_spec": map[string]any{"kind": "atr", "atr_multiple": 2.0}},
		}
		intent, decision, err := engine.Evaluate(ts0, sig, bar0(), nil, defaultAccount(), indicator.NewRegistry())
		require.NoError(t, err)
		assert.Nil(t, intent)
		assert.Equal(t, RejectIndicatorNotReady, decision.ReasonCode)
	})

	t.Run("畸形 stop_spec 是契约违规", func(t *testing.T) {
		sig := market.Signal{
			TS: ts0, Symbol: "AAA", Side: market.SideBuy, SignalType: "breakout", Confidence: 1,
			Metadata: map[string]any{"stop_spec": map[string]any{"kind": "psychic"}},
		}
		_, _, err := engine.Evaluate(ts0, sig, bar0(), nil, defaultAccount(), indicator.NewRegistry())
		require.Error(t, err)
		assert.Equal(t, market.FaultStrategy, market.KindOf(err))
	})
}

// warmATR 向注册表灌入足够历史让 ATR 就绪。
func warmATR(reg *indicator.Registry, symbol string, period int, tr float64) {
	reg.Ensure(symbol, "atr", func() indicator.Indicator { return indicator.NewATR(period) })
	base := 100.0
	for i := 0; i < period*3; i++ {
		bar := market.Bar{
			TS: ts0.Add(time.Duration(i) * time.Minute), Symbol: symbol,
			Open: base, High: base + tr/2, Low: base - tr/2, Close: base, Volume: 1,
		}
		reg.UpdateBar(bar)
	}
}

func TestEvaluateEntryHybrid(t *testing.T) {
	mkSignal := func(policy string) market.Signal {
		spec := map[string]any{
			"kind": "hybrid", "stop_price": 99.0, "atr_multiple": 2.0,
		}
		if policy != "" {
			spec["hybrid_policy"] = policy
		}
		return market.Signal{
			TS: ts0, Symbol: "AAA", Side: market.SideBuy, SignalType: "breakout", Confidence: 1,
			Metadata: map[string]any{"stop_spec": spec},
		}
	}
	resolveWith := func(policy string) float64 {
		reg := indicator.NewRegistry()
		warmATR(reg, "AAA", 14, 2.0) // ATR≈2 → atr distance≈4, structural distance=1
		engine := NewEngine(defaultParams(Mode{StopResolutionMode: "strict", HybridPolicy: "wider"}))
		intent, decision, err := engine.Evaluate(ts0, mkSignal(policy), bar0(), nil, defaultAccount(), reg)
		require.NoError(t, err)
		require.NotNil(t, intent, decision.ReasonCode)
		assert.Equal(t, ResolvedHybrid, decision.ReasonCode)
		return intent.Meta.StopDistance
	}

	wider := resolveWith("wider")
	tighter := resolveWith("tighter")
	assert.GreaterOrEqual(t, wider, tighter)
	assert.InDelta(t, 1.0, tighter, 0.2)   // structural 分量
	assert.Greater(t, wider, 3.0)          // atr 分量胜出
}

func TestEvaluateGuardrails(t *testing.T) {
	t.Run("max_positions", func(t *testing.T) {
		engine := NewEngine(defaultParams(Mode{StopResolutionMode: "strict"}))
		acct := defaultAccount()
		acct.openCount = 1
		intent, decision, err := engine.Evaluate(ts0, buyWithStop(99), bar0(), nil, acct, indicator.NewRegistry())
		require.NoError(t, err)
		assert.Nil(t, intent)
		assert.Equal(t, RejectMaxPositions, decision.ReasonCode)
	})

	t.Run("notional cap", func(t *testing.T) {
		params := defaultParams(Mode{StopResolutionMode: "strict"})
		params.MaxNotionalPctEquity = 0.5 // cap 5000 < 100*100=10000
		engine := NewEngine(params)
		intent, decision, err := engine.Evaluate(ts0, buyWithStop(99), bar0(), nil, defaultAccount(), indicator.NewRegistry())
		require.NoError(t, err)
		assert.Nil(t, intent)
		assert.Equal(t, RejectNotionalCap, decision.ReasonCode)
	})

	t.Run("insufficient margin", func(t *testing.T) {
		params := defaultParams(Mode{StopResolutionMode: "strict"})
		params.MaxLeverage = 1
		engine := NewEngine(params)
		acct := defaultAccount()
		acct.freeMargin = 100 // margin_required = 10000
		intent, decision, err := engine.Evaluate(ts0, buyWithStop(99), bar0(), nil, acct, indicator.NewRegistry())
		require.NoError(t, err)
		assert.Nil(t, intent)
		assert.Equal(t, RejectInsufficientMargin, decision.ReasonCode)
	})
}

func TestEvaluateExitShortCircuit(t *testing.T) {
	engine := NewEngine(defaultParams(Mode{StopResolutionMode: "strict"}))
	exit := market.Signal{
		TS: ts0, Symbol: "AAA", Side: market.SideSell, SignalType: "trend_exit", Confidence: 1,
		Metadata: map[string]any{"reduce_only": true},
	}

	t.Run("按持仓数量出 reduce-only 意图", func(t *testing.T) {
		acct := defaultAccount()
		acct.qty["AAA|BUY"] = 42
		intent, decision, err := engine.Evaluate(ts0, exit, bar0(), nil, acct, indicator.NewRegistry())
		require.NoError(t, err)
		require.NotNil(t, intent)
		assert.True(t, decision.Accepted)
		assert.Equal(t, ApprovedCloseOnly, decision.ReasonCode)
		assert.True(t, intent.Meta.ReduceOnly)
		assert.InDelta(t, 42.0, intent.Qty, 1e-12)
	})

	t.Run("无持仓拒绝", func(t *testing.T) {
		intent, decision, err := engine.Evaluate(ts0, exit, bar0(), nil, defaultAccount(), indicator.NewRegistry())
		require.NoError(t, err)
		assert.Nil(t, intent)
		assert.Equal(t, RejectCloseOnlyNoPosition, decision.ReasonCode)
	})
}

func TestDeterministicResolution(t *testing.T) {
	engine := NewEngine(defaultParams(Mode{StopResolutionMode: "strict"}))
	first, firstDecision, err := engine.Evaluate(ts0, buyWithStop(99), bar0(), nil, defaultAccount(), indicator.NewRegistry())
	require.NoError(t, err)
	second, secondDecision, err := engine.Evaluate(ts0, buyWithStop(99), bar0(), nil, defaultAccount(), indicator.NewRegistry())
	require.NoError(t, err)
	assert.Equal(t, first.Qty, second.Qty)
	assert.Equal(t, firstDecision.ReasonCode, secondDecision.ReasonCode)
	assert.Equal(t, first.Meta.StopDistance, second.Meta.StopDistance)
}
