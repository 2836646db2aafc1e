package config

// 内置 overlay 链：base → fees defaults → slippage defaults。
// 用户 overlay（--config/--override/--local-config）在其后依次叠加。

func baseOverlay() map[string]any {
	return map[string]any{
		"app": map[string]any{
			"log_level": "info",
			"out_dir":   "outputs/runs",
		},
		"data": map[string]any{
			"chunksize": 200_000,
		},
		"risk": map[string]any{
			"r_per_trade":                 0.01,
			"stop_resolution_mode":        "safe",
			"allow_legacy_proxy":          false,
			"min_stop_distance":           0.0,
			"min_stop_distance_pct":       0.0,
			"max_positions":               1,
			"max_notional_pct_equity":     1.0,
			"maintenance_free_margin_pct": 0.0,
			"max_leverage":                1.0,
			"hybrid_policy":               "wider",
			"lot_size":                    1e-8,
		},
		"strategy": map[string]any{
			"signal_conflict_policy": "reject",
		},
		"htf_resampler": map[string]any{
			"timeframes": []any{},
			"strict":     true,
		},
		"benchmark": map[string]any{
			"enabled": false,
		},
		"portfolio": map[string]any{
			"initial_cash": 10_000.0,
		},
		"report": map[string]any{
			"summary":    false,
			"chart":      false,
			"png":        false,
			"results_db": false,
		},
	}
}

func feesOverlay() map[string]any {
	return map[string]any{
		"execution": map[string]any{
			"profile": "tier2",
		},
	}
}

func slippageOverlay() map[string]any {
	return map[string]any{
		"execution": map[string]any{
			"spread_mode":   "fixed_bps",
			"intrabar_mode": "worst_case",
		},
	}
}

// builtinOverlays 返回内置 overlay 的固定顺序。
func builtinOverlays() []map[string]any {
	return []map[string]any{baseOverlay(), feesOverlay(), slippageOverlay()}
}
