package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riptide/internal/config"
	"riptide/internal/feed"
	"riptide/internal/market"
	"riptide/internal/strategy"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// scriptedStrategy 在第一次回调发出预设信号，之后沉默。
type scriptedStrategy struct {
	signals []market.Signal
	fired   bool
}

func (s *scriptedStrategy) OnBars(ts time.Time, bars map[string]market.Bar, tradeable map[string]bool, ctx *strategy.ContextView) ([]market.Signal, error) {
	if s.fired {
		return nil, nil
	}
	s.fired = true
	out := make([]market.Signal, len(s.signals))
	for i, sig := range s.signals {
		sig.TS = ts
		out[i] = sig
	}
	return out, nil
}

func twoBars() map[string][]market.Bar {
	return map[string][]market.Bar{
		"AAA": {
			{TS: t0, Symbol: "AAA", Open: 100, High: 101, Low: 99, Close: 100, Volume: 10},
			{TS: t0.Add(time.Minute), Symbol: "AAA", Open: 100, High: 102, Low: 100, Close: 101, Volume: 10},
		},
	}
}

func resolveConfig(t *testing.T, overlay map[string]any) *config.Resolved {
	t.Helper()
	base := map[string]any{
		"risk": map[string]any{
			"r_per_trade":          0.01,
			"stop_resolution_mode": "strict",
		},
		"portfolio": map[string]any{"initial_cash": 10_000.0},
	}
	merged, err := config.Resolve(base)
	require.NoError(t, err)
	tree := merged.Tree
	if overlay != nil {
		for k, v := range overlay {
			section, ok := tree[k].(map[string]any)
			if !ok {
				tree[k] = v
				continue
			}
			for kk, vv := range v.(map[string]any) {
				section[kk] = vv
			}
		}
	}
	resolved, err := config.Resolve(tree)
	require.NoError(t, err)
	return resolved
}

func runScripted(t *testing.T, cfg *config.Resolved, bars map[string][]market.Bar, signals []market.Signal) (*Engine, error) {
	t.Helper()
	order := make([]string, 0, len(bars))
	for symbol := range bars {
		order = append(order, symbol)
	}
	dataFeed, err := feed.NewFromBars(order, bars, feed.Scope{})
	require.NoError(t, err)
	runDir := filepath.Join(t.TempDir(), "run")
	eng, err := New(cfg, dataFeed, &scriptedStrategy{signals: signals}, feed.Scope{}, "run_test", runDir)
	require.NoError(t, err)
	return eng, eng.Run(context.Background())
}

func buySignal(stop float64) market.Signal {
	return market.Signal{
		Symbol: "AAA", Side: market.SideBuy, SignalType: "breakout",
		Confidence: 1, StopPrice: &stop,
	}
}

func TestScenarioS1HappyPath(t *testing.T) {
	cfg := resolveConfig(t, nil)
	eng, err := runScripted(t, cfg, twoBars(), []market.Signal{buySignal(99)})
	require.NoError(t, err)

	fills := eng.Sink().Fills()
	require.NotEmpty(t, fills)
	entry := fills[0]
	assert.Equal(t, t0.Add(time.Minute), entry.TSFilled)
	assert.InDelta(t, 100.0, entry.Qty, 1e-9) // (10000*0.01)/(100-99)

	raw := 102.0 // worst_case → bar1 high
	afterSpread := raw * (1 + 0.5/10_000)
	final := afterSpread * (1 + 2.0/10_000)
	assert.InDelta(t, final, entry.Price, 1e-9)
	assert.InDelta(t, 0.0006*100*final, entry.FeeCost, 1e-9)
	assert.True(t, entry.Meta.RMetricsValid)
	assert.False(t, entry.Meta.UsedLegacyProxy)

	// 默认 max_leverage=1 下名义市值≈权益：bar1 扣费并按收盘 101 盯市后
	// equity≈9890.8 < margin_used=10100，free_margin<0，当步即强平，仓位清零。
	require.Len(t, fills, 2)
	assert.Equal(t, "liquidation:negative_free_margin", fills[1].Meta.ReasonCode)
	assert.Equal(t, 0, eng.pf.OpenPositionCount())

	var status map[string]any
	raw2, err := os.ReadFile(filepath.Join(eng.RunDir(), "run_status.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw2, &status))
	assert.Equal(t, "PASS", status["status"])
	assert.Equal(t, "tier2", status["execution_profile"])
	assert.Equal(t, true, status["r_metrics_valid"])
	assert.Equal(t, false, status["used_legacy_stop_proxy"])
}

func TestScenarioS2StrictRejectsMissingStop(t *testing.T) {
	cfg := resolveConfig(t, nil)
	noStop := market.Signal{Symbol: "AAA", Side: market.SideBuy, SignalType: "breakout", Confidence: 1}
	eng, err := runScripted(t, cfg, twoBars(), []market.Signal{noStop})
	require.NoError(t, err)

	assert.Empty(t, eng.Sink().Fills())
	decisions := eng.Sink().Decisions()
	require.Len(t, decisions, 1)
	assert.False(t, decisions[0].Accepted)
	assert.Equal(t, "risk_rejected:stop_unresolvable:strict", decisions[0].ReasonCode)

	equity := eng.Sink().Equity()
	require.Len(t, equity, 2)
	assert.InDelta(t, 10_000.0, equity[len(equity)-1].Equity, 1e-9)
}

func TestScenarioS3SafeLegacyProxy(t *testing.T) {
	cfg := resolveConfig(t, map[string]any{
		"risk": map[string]any{"stop_resolution_mode": "safe", "allow_legacy_proxy": true},
	})
	noStop := market.Signal{Symbol: "AAA", Side: market.SideBuy, SignalType: "breakout", Confidence: 1}
	eng, err := runScripted(t, cfg, twoBars(), []market.Signal{noStop})
	require.NoError(t, err)

	fills := eng.Sink().Fills()
	require.NotEmpty(t, fills)
	assert.True(t, fills[0].Meta.UsedLegacyProxy)
	assert.False(t, fills[0].Meta.RMetricsValid)

	trades := eng.Sink().Trades()
	require.NotEmpty(t, trades)
	assert.Nil(t, trades[0].RMultipleGross)
	assert.Nil(t, trades[0].RMultipleNet)

	var status map[string]any
	raw, err := os.ReadFile(filepath.Join(eng.RunDir(), "run_status.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &status))
	assert.Equal(t, true, status["used_legacy_stop_proxy"])
	assert.Equal(t, false, status["r_metrics_valid"])
}

func TestEmptyFeedPasses(t *testing.T) {
	cfg := resolveConfig(t, nil)
	eng, err := runScripted(t, cfg, map[string][]market.Bar{}, nil)
	require.NoError(t, err)

	assert.Empty(t, eng.Sink().Trades())
	assert.Empty(t, eng.Sink().Fills())
	assert.InDelta(t, 10_000.0, eng.pf.Equity(), 1e-12)

	raw, err := os.ReadFile(filepath.Join(eng.RunDir(), "run_status.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"status": "PASS"`)
}

func TestSingleBarWithDelayNeverFills(t *testing.T) {
	cfg := resolveConfig(t, nil)
	oneBar := map[string][]market.Bar{
		"AAA": {{TS: t0, Symbol: "AAA", Open: 100, High: 101, Low: 99, Close: 100, Volume: 10}},
	}
	eng, err := runScripted(t, cfg, oneBar, []market.Signal{buySignal(99)})
	require.NoError(t, err)
	assert.Empty(t, eng.Sink().Fills(), "delay_bars=1 且无下一根 K 线 ⇒ 永不成交")
	decisions := eng.Sink().Decisions()
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].Accepted)
}

func TestConflictNetOutS6(t *testing.T) {
	cfg := resolveConfig(t, map[string]any{
		"strategy": map[string]any{"signal_conflict_policy": "net_out"},
	})
	signals := []market.Signal{buySignal(99), sellSignal(101)}
	eng, err := runScripted(t, cfg, twoBars(), signals)
	require.NoError(t, err)

	assert.Empty(t, eng.Sink().Fills())
	decisions := eng.Sink().Decisions()
	require.Len(t, decisions, 1)
	assert.Equal(t, "conflict:net_out", decisions[0].ReasonCode)
	assert.Equal(t, 2, decisions[0].Metadata["dropped_count"])
}

func sellSignal(stop float64) market.Signal {
	return market.Signal{
		Symbol: "AAA", Side: market.SideSell, SignalType: "breakdown",
		Confidence: 1, StopPrice: &stop,
	}
}

func TestDeterministicArtifacts(t *testing.T) {
	readAll := func(dir string) map[string]string {
		out := map[string]string{}
		for _, name := range []string{"equity.csv", "trades.csv", "fills.jsonl"} {
			raw, err := os.ReadFile(filepath.Join(dir, name))
			require.NoError(t, err)
			out[name] = string(raw)
		}
		return out
	}
	cfg := resolveConfig(t, nil)
	engA, err := runScripted(t, cfg, twoBars(), []market.Signal{buySignal(99)})
	require.NoError(t, err)
	cfgB := resolveConfig(t, nil)
	engB, err := runScripted(t, cfgB, twoBars(), []market.Signal{buySignal(99)})
	require.NoError(t, err)

	filesA, filesB := readAll(engA.RunDir()), readAll(engB.RunDir())
	for name := range filesA {
		assert.Equal(t, filesA[name], filesB[name], "%s 必须逐位一致", name)
	}
}

func TestRequiredArtifactsPresent(t *testing.T) {
	cfg := resolveConfig(t, map[string]any{
		"report":    map[string]any{"summary": true},
		"benchmark": map[string]any{"enabled": true},
	})
	eng, err := runScripted(t, cfg, twoBars(), []market.Signal{buySignal(99)})
	require.NoError(t, err)

	required := []string{
		"config_used.yaml", "equity.csv", "trades.csv", "fills.jsonl", "decisions.jsonl",
		"performance.json", "performance_by_bucket.csv", "run_status.json", "sanity.json",
		"run_manifest.json", "summary.txt", "benchmark_equity.csv", "benchmark_compare.json",
	}
	for _, name := range required {
		_, err := os.Stat(filepath.Join(eng.RunDir(), name))
		assert.NoError(t, err, name)
	}
	// scope 未生效时不写 data_scope.json。
	_, err = os.Stat(filepath.Join(eng.RunDir(), "data_scope.json"))
	assert.True(t, os.IsNotExist(err))

	raw, err := os.ReadFile(filepath.Join(eng.RunDir(), "equity.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	assert.Equal(t, "ts,cash,equity,realized_pnl,unrealized_pnl,margin_used", lines[0])
}

func TestStrategyContractViolationFailsRun(t *testing.T) {
	cfg := resolveConfig(t, nil) // 默认 reject 策略
	signals := []market.Signal{buySignal(99), sellSignal(101)}
	eng, err := runScripted(t, cfg, twoBars(), signals)
	require.Error(t, err)
	assert.Equal(t, market.FaultStrategy, market.KindOf(err))

	raw, readErr := os.ReadFile(filepath.Join(eng.RunDir(), "run_status.json"))
	require.NoError(t, readErr)
	var status map[string]any
	require.NoError(t, json.Unmarshal(raw, &status))
	assert.Equal(t, "FAIL", status["status"])
	assert.Equal(t, "StrategyContractError", status["error_type"])
	assert.NotEmpty(t, status["error_message"])
}
