package config

import (
	"riptide/internal/execution"
	"riptide/internal/market"
)

var validSpreadModes = map[string]bool{"none": true, "fixed_bps": true}
var validIntrabarModes = map[string]bool{"worst_case": true, "best_case": true, "midpoint": true}
var validConflictPolicies = map[string]bool{"reject": true, "first_wins": true, "last_wins": true, "net_out": true}
var validHybridPolicies = map[string]bool{"wider": true, "tighter": true}

// validate 对归一化后的树做边界与类型校验。类型不匹配在这里尽早失败，
// 不等到解码阶段被弱类型转换吞掉。
func validate(tree map[string]any) error {
	executionCfg, err := section(tree, "execution")
	if err != nil {
		return err
	}
	if _, err := execution.ResolveProfile(executionCfg); err != nil {
		return err
	}
	if raw, ok := executionCfg["spread_mode"]; ok {
		s, _ := raw.(string)
		if !validSpreadModes[s] {
			return market.NewFault(market.FaultConfig,
				"invalid execution.spread_mode: expected one of none|fixed_bps, got %v", raw)
		}
	}
	if raw, ok := executionCfg["intrabar_mode"]; ok {
		s, _ := raw.(string)
		if !validIntrabarModes[s] {
			return market.NewFault(market.FaultConfig,
				"invalid execution.intrabar_mode: expected one of worst_case|best_case|midpoint, got %v", raw)
		}
	}

	risk, err := section(tree, "risk")
	if err != nil {
		return err
	}
	if err := boundedFloat(risk, "risk.r_per_trade", "r_per_trade", 0, false, 1, true); err != nil {
		return err
	}
	if err := boundedFloat(risk, "risk.min_stop_distance_pct", "min_stop_distance_pct", 0, true, 1, true); err != nil {
		return err
	}
	if err := boundedFloat(risk, "risk.max_notional_pct_equity", "max_notional_pct_equity", 0, false, 10, true); err != nil {
		return err
	}
	if err := boundedFloat(risk, "risk.maintenance_free_margin_pct", "maintenance_free_margin_pct", 0, true, 1, true); err != nil {
		return err
	}
	if raw, ok := risk["min_stop_distance"]; ok {
		if f, valid := numeric(raw); !valid || f < 0 {
			return market.NewFault(market.FaultConfig, "invalid risk.min_stop_distance: expected float >= 0, got %v (%T)", raw, raw)
		}
	}
	if raw, ok := risk["max_positions"]; ok {
		if f, valid := numeric(raw); !valid || f < 1 || f != float64(int(f)) {
			return market.NewFault(market.FaultConfig, "invalid risk.max_positions: expected int >= 1, got %v (%T)", raw, raw)
		}
	}
	if raw, ok := risk["max_leverage"]; ok {
		if f, valid := numeric(raw); !valid || f <= 0 {
			return market.NewFault(market.FaultConfig, "invalid risk.max_leverage: expected float > 0, got %v (%T)", raw, raw)
		}
	}
	if raw, ok := risk["lot_size"]; ok {
		if f, valid := numeric(raw); !valid || f <= 0 {
			return market.NewFault(market.FaultConfig, "invalid risk.lot_size: expected float > 0, got %v (%T)", raw, raw)
		}
	}
	if raw, ok := risk["stop_resolution_mode"]; ok {
		s, _ := raw.(string)
		if s != "safe" && s != "strict" {
			return market.NewFault(market.FaultConfig,
				"invalid risk.stop_resolution_mode: expected safe|strict, got %v", raw)
		}
	}
	if raw, ok := risk["hybrid_policy"]; ok {
		s, _ := raw.(string)
		if !validHybridPolicies[s] {
			return market.NewFault(market.FaultConfig,
				"invalid risk.hybrid_policy: expected wider|tighter, got %v", raw)
		}
	}

	strategyCfg, err := section(tree, "strategy")
	if err != nil {
		return err
	}
	if raw, ok := strategyCfg["signal_conflict_policy"]; ok {
		s, _ := raw.(string)
		if !validConflictPolicies[s] {
			return market.NewFault(market.FaultConfig,
				"invalid strategy.signal_conflict_policy: expected reject|first_wins|last_wins|net_out, got %v", raw)
		}
	}
	if err := validateStrategyParams(strategyCfg); err != nil {
		return err
	}

	data, err := section(tree, "data")
	if err != nil {
		return err
	}
	if raw, ok := data["max_symbols"]; ok {
		if f, valid := numeric(raw); !valid || f <= 0 || f != float64(int(f)) {
			return market.NewFault(market.FaultConfig, "invalid data.max_symbols: expected int > 0, got %v (%T)", raw, raw)
		}
	}
	if raw, ok := data["row_limit_per_symbol"]; ok {
		if f, valid := numeric(raw); !valid || f <= 0 || f != float64(int(f)) {
			return market.NewFault(market.FaultConfig, "invalid data.row_limit_per_symbol: expected int > 0, got %v (%T)", raw, raw)
		}
	}
	if raw, ok := data["chunksize"]; ok {
		if f, valid := numeric(raw); !valid || f <= 0 || f != float64(int(f)) {
			return market.NewFault(market.FaultConfig, "invalid data.chunksize: expected int > 0, got %v (%T)", raw, raw)
		}
	}

	portfolioCfg, err := section(tree, "portfolio")
	if err != nil {
		return err
	}
	if raw, ok := portfolioCfg["initial_cash"]; ok {
		if f, valid := numeric(raw); !valid || f <= 0 {
			return market.NewFault(market.FaultConfig, "invalid portfolio.initial_cash: expected float > 0, got %v (%T)", raw, raw)
		}
	}
	return nil
}

// boundedFloat 校验区间端点；lowInclusive/highInclusive 控制开闭。
func boundedFloat(sectionMap map[string]any, path, key string, low float64, lowInclusive bool, high float64, highInclusive bool) error {
	raw, ok := sectionMap[key]
	if !ok {
		return nil
	}
	f, valid := numeric(raw)
	if !valid {
		return market.NewFault(market.FaultConfig, "invalid %s: expected a number, got %v (%T)", path, raw, raw)
	}
	lowOK := f > low || (lowInclusive && f == low)
	highOK := f < high || (highInclusive && f == high)
	if !lowOK || !highOK {
		l, h := "(", ")"
		if lowInclusive {
			l = "["
		}
		if highInclusive {
			h = "]"
		}
		return market.NewFault(market.FaultConfig, "invalid %s: expected value in %s%v, %v%s, got %v", path, l, low, high, h, f)
	}
	return nil
}

// numeric 接受 int/float，拒绝 bool 与字符串。
func numeric(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}
