package config

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeepMerge(t *testing.T) {
	t.Run("map+map 递归合并", func(t *testing.T) {
		base := map[string]any{"risk": map[string]any{"r_per_trade": 0.01, "max_positions": 1}}
		overlay := map[string]any{"risk": map[string]any{"max_positions": 3}}
		merged := deepMerge(base, overlay)
		risk := merged["risk"].(map[string]any)
		assert.Equal(t, 0.01, risk["r_per_trade"])
		assert.Equal(t, 3, risk["max_positions"])
	})

	t.Run("标量与列表整体替换", func(t *testing.T) {
		base := map[string]any{"data": map[string]any{"symbols_subset": []any{"AAA", "BBB"}}}
		overlay := map[string]any{"data": map[string]any{"symbols_subset": []any{"CCC"}}}
		merged := deepMerge(base, overlay)
		assert.Equal(t, []any{"CCC"}, merged["data"].(map[string]any)["symbols_subset"])
	})

	t.Run("结果不共享输入子树", func(t *testing.T) {
		base := map[string]any{"a": map[string]any{"x": 1}}
		merged := deepMerge(base, map[string]any{})
		merged["a"].(map[string]any)["x"] = 99
		assert.Equal(t, 1, base["a"].(map[string]any)["x"])
	})

	t.Run("键不相交时满足结合律", func(t *testing.T) {
		base := map[string]any{"a": map[string]any{"x": 1}}
		overlayA := map[string]any{"b": map[string]any{"y": 2}}
		overlayB := map[string]any{"c": 3}
		left := deepMerge(base, deepMerge(overlayA, overlayB))
		right := deepMerge(deepMerge(base, overlayA), overlayB)
		assert.True(t, reflect.DeepEqual(left, right))
	})
}

func TestResolveStopResolutionAlias(t *testing.T) {
	cases := []struct {
		name      string
		legacy    string
		wantMode  string
		wantProxy bool
	}{
		{"strict 展开", "strict", "strict", false},
		{"allow_legacy_proxy 展开", "allow_legacy_proxy", "safe", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resolved, err := Resolve(map[string]any{
				"risk": map[string]any{"stop_resolution": tc.legacy},
			})
			require.NoError(t, err)
			assert.Equal(t, tc.wantMode, resolved.Cfg.Risk.StopResolutionMode)
			assert.Equal(t, tc.wantProxy, resolved.Cfg.Risk.AllowLegacyProxy)
			_, hasLegacy := resolved.Tree["risk"].(map[string]any)["stop_resolution"]
			assert.False(t, hasLegacy)
		})
	}

	t.Run("别名与规范键矛盾时报错", func(t *testing.T) {
		_, err := Resolve(map[string]any{
			"risk": map[string]any{
				"stop_resolution":      "strict",
				"stop_resolution_mode": "safe",
			},
		})
		assert.Error(t, err)
	})

	t.Run("strict 禁止 allow_legacy_proxy", func(t *testing.T) {
		_, err := Resolve(map[string]any{
			"risk": map[string]any{
				"stop_resolution_mode": "strict",
				"allow_legacy_proxy":   true,
			},
		})
		assert.Error(t, err)
	})
}

func TestSymbolsAlias(t *testing.T) {
	t.Run("data.symbols 并入 symbols_subset", func(t *testing.T) {
		resolved, err := Resolve(map[string]any{
			"data": map[string]any{"symbols": []any{"AAA"}},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"AAA"}, resolved.Cfg.Data.SymbolsSubset)
	})

	t.Run("两者不一致时报错", func(t *testing.T) {
		_, err := Resolve(map[string]any{
			"data": map[string]any{
				"symbols":        []any{"AAA"},
				"symbols_subset": []any{"BBB"},
			},
		})
		assert.Error(t, err)
	})
}

func TestTimeframeAlias(t *testing.T) {
	resolved, err := Resolve(map[string]any{
		"data": map[string]any{"timeframe": "15m"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"15m"}, resolved.Cfg.HTF.Timeframes)
	assert.True(t, resolved.Cfg.HTF.Strict)
}

func TestExecutionProfileRules(t *testing.T) {
	t.Run("preset 禁止覆写键", func(t *testing.T) {
		_, err := Resolve(map[string]any{
			"execution": map[string]any{"profile": "tier2", "taker_fee": 0.001},
		})
		assert.Error(t, err)
	})

	t.Run("custom 缺键报错", func(t *testing.T) {
		_, err := Resolve(map[string]any{
			"execution": map[string]any{"profile": "custom", "taker_fee": 0.001},
		})
		assert.Error(t, err)
	})

	t.Run("custom 全量通过", func(t *testing.T) {
		resolved, err := Resolve(map[string]any{
			"execution": map[string]any{
				"profile": "custom", "maker_fee": 0.0, "taker_fee": 0.001,
				"slippage_bps": 1.0, "spread_bps": 0.5, "delay_bars": 2,
			},
		})
		require.NoError(t, err)
		assert.Equal(t, "custom", resolved.Cfg.Execution.Profile)
	})
}

func TestRiskBounds(t *testing.T) {
	for _, tc := range []struct {
		name string
		risk map[string]any
	}{
		{"r_per_trade 为零", map[string]any{"r_per_trade": 0.0}},
		{"r_per_trade 超一", map[string]any{"r_per_trade": 1.5}},
		{"min_stop_distance_pct 超界", map[string]any{"min_stop_distance_pct": 1.1}},
		{"max_notional_pct_equity 超界", map[string]any{"max_notional_pct_equity": 20.0}},
		{"类型不符直接失败", map[string]any{"r_per_trade": "a lot"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Resolve(map[string]any{"risk": tc.risk})
			assert.Error(t, err)
		})
	}
}

func TestResolveFixedPoint(t *testing.T) {
	first, err := Load()
	require.NoError(t, err)
	second, err := Resolve(first.Tree)
	require.NoError(t, err)
	assert.True(t, reflect.DeepEqual(first.Tree, second.Tree), "再解析一次必须是不动点")
}

func TestStrategyParamsSchema(t *testing.T) {
	t.Run("合法参数通过", func(t *testing.T) {
		_, err := Resolve(map[string]any{
			"strategy": map[string]any{
				"name":   "coinflip",
				"params": map[string]any{"seed": 7, "every_bars": 5},
			},
		})
		assert.NoError(t, err)
	})

	t.Run("未知字段被拒", func(t *testing.T) {
		_, err := Resolve(map[string]any{
			"strategy": map[string]any{
				"name":   "coinflip",
				"params": map[string]any{"bogus": true},
			},
		})
		assert.Error(t, err)
	})
}
