package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riptide/internal/market"
)

var execTS = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func execBar(minute int, open, high, low, close float64) market.Bar {
	return market.Bar{
		TS: execTS.Add(time.Duration(minute) * time.Minute), Symbol: "AAA",
		Open: open, High: high, Low: low, Close: close, Volume: 10,
	}
}

func buyIntent(qty float64) market.OrderIntent {
	return market.OrderIntent{
		TSCreated: execTS, Symbol: "AAA", Side: market.SideBuy,
		OrderType: market.OrderTypeMarket, Qty: qty,
	}
}

func TestFillPricePipelineTier2(t *testing.T) {
	// S1 的成交数学：tier2 + worst_case，BUY 在 bar1 high=102 成交。
	profile, err := BuiltinProfile("tier2")
	require.NoError(t, err)
	model, err := NewModel(profile, "fixed_bps", "worst_case")
	require.NoError(t, err)

	require.NoError(t, model.Enqueue(buyIntent(100)))
	// tier2 delay_bars=1：下一根扣减到 0 并在同一根成交。
	fills := model.Step(execTS.Add(time.Minute), map[string]market.Bar{"AAA": execBar(1, 100, 102, 100, 101)})
	require.Len(t, fills, 1)
	fill := fills[0]

	raw := 102.0
	afterSpread := raw * (1 + 0.5/10_000) // 半价差 0.5bps
	final := afterSpread * (1 + 2.0/10_000)
	assert.InDelta(t, final, fill.Price, 1e-9)
	assert.InDelta(t, (afterSpread-raw)*100, fill.SpreadCost, 1e-9)
	assert.InDelta(t, (final-afterSpread)*100, fill.SlippageCost, 1e-9)
	assert.InDelta(t, 0.0006*100*final, fill.FeeCost, 1e-9)
	assert.Equal(t, 0, fill.Meta.DelayRemaining)
}

func TestDelayBarsStrictCount(t *testing.T) {
	// S5：delay_bars=2 + midpoint，t0 创建只在 t2 成交，价格取 t2 的 (h+l)/2。
	profile := Profile{Name: "custom", TakerFee: 0, SlippageBps: 0, SpreadBps: 0, DelayBars: 2}
	model, err := NewModel(profile, "none", "midpoint")
	require.NoError(t, err)

	require.NoError(t, model.Enqueue(buyIntent(1)))
	assert.Empty(t, model.Step(execTS.Add(1*time.Minute), map[string]market.Bar{"AAA": execBar(1, 100, 110, 90, 100)}))
	fills := model.Step(execTS.Add(2*time.Minute), map[string]market.Bar{"AAA": execBar(2, 100, 106, 100, 103)})
	require.Len(t, fills, 1)
	assert.InDelta(t, 103.0, fills[0].Price, 1e-12) // (106+100)/2
	assert.Zero(t, fills[0].FeeCost)
	assert.Zero(t, fills[0].SpreadCost)
	assert.Zero(t, fills[0].SlippageCost)
}

func TestIntrabarModes(t *testing.T) {
	profile := Profile{Name: "custom", DelayBars: 0}
	bar := execBar(0, 100, 110, 90, 100)
	cases := []struct {
		mode string
		side market.Side
		want float64
	}{
		{"worst_case", market.SideBuy, 110},
		{"worst_case", market.SideSell, 90},
		{"best_case", market.SideBuy, 90},
		{"best_case", market.SideSell, 110},
		{"midpoint", market.SideBuy, 100},
	}
	for _, tc := range cases {
		model, err := NewModel(profile, "none", tc.mode)
		require.NoError(t, err)
		fill := model.FillAt(execTS, "AAA", tc.side, 1, bar, market.IntentMeta{})
		assert.InDelta(t, tc.want, fill.Price, 1e-12, "%s/%s", tc.mode, tc.side)
	}
}

func TestSellSideSignOnCosts(t *testing.T) {
	profile := Profile{Name: "custom", TakerFee: 0.001, SlippageBps: 10, SpreadBps: 4, DelayBars: 0}
	model, err := NewModel(profile, "fixed_bps", "worst_case")
	require.NoError(t, err)
	fill := model.FillAt(execTS, "AAA", market.SideSell, 2, execBar(0, 100, 110, 90, 100), market.IntentMeta{})
	raw := 90.0
	afterSpread := raw * (1 - 2.0/10_000) // SELL 让出下半价差
	final := afterSpread * (1 - 10.0/10_000)
	assert.InDelta(t, final, fill.Price, 1e-9)
	assert.Greater(t, fill.SpreadCost, 0.0)
	assert.Greater(t, fill.SlippageCost, 0.0)
	assert.InDelta(t, 0.001*2*final, fill.FeeCost, 1e-9)
}

func TestMissingBarWaits(t *testing.T) {
	profile := Profile{Name: "custom", DelayBars: 1}
	model, err := NewModel(profile, "none", "worst_case")
	require.NoError(t, err)
	require.NoError(t, model.Enqueue(buyIntent(1)))
	// symbol 缺 K 线：不扣减、不成交。
	assert.Empty(t, model.Step(execTS.Add(time.Minute), map[string]market.Bar{}))
	assert.Equal(t, 1, model.PendingCount())
	fills := model.Step(execTS.Add(2*time.Minute), map[string]market.Bar{"AAA": execBar(2, 100, 101, 99, 100)})
	assert.Len(t, fills, 1)
}

func TestNonMarketOrderFatal(t *testing.T) {
	profile := Profile{Name: "custom"}
	model, err := NewModel(profile, "none", "worst_case")
	require.NoError(t, err)
	intent := buyIntent(1)
	intent.OrderType = "LIMIT"
	err = model.Enqueue(intent)
	require.Error(t, err)
	assert.Equal(t, market.FaultExecution, market.KindOf(err))
}
