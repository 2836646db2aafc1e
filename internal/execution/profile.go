package execution

import (
	"sort"
	"strings"

	"riptide/internal/market"
)

// Profile 是一组固定的执行成本参数。tier1/2/3 为内置档位，custom 要求
// 五个参数全部显式给出。
type Profile struct {
	Name        string  `json:"name"`
	MakerFee    float64 `json:"maker_fee"`
	TakerFee    float64 `json:"taker_fee"`
	SlippageBps float64 `json:"slippage_bps"`
	SpreadBps   float64 `json:"spread_bps"`
	DelayBars   int     `json:"delay_bars"`
}

var builtinProfiles = map[string]Profile{
	"tier1": {Name: "tier1", MakerFee: 0.0, TakerFee: 0.0004, SlippageBps: 0.5, SpreadBps: 0.0, DelayBars: 0},
	"tier2": {Name: "tier2", MakerFee: 0.0, TakerFee: 0.0006, SlippageBps: 2.0, SpreadBps: 1.0, DelayBars: 1},
	"tier3": {Name: "tier3", MakerFee: 0.0, TakerFee: 0.0008, SlippageBps: 5.0, SpreadBps: 3.0, DelayBars: 1},
}

// profileOverrideKeys 是 custom 必填、preset 禁填的五个键。
var profileOverrideKeys = []string{"maker_fee", "taker_fee", "slippage_bps", "delay_bars", "spread_bps"}

// BuiltinProfile 返回内置档位。
func BuiltinProfile(name string) (Profile, error) {
	p, ok := builtinProfiles[name]
	if !ok {
		return Profile{}, market.NewFault(market.FaultConfig,
			"invalid execution.profile: expected one of tier1|tier2|tier3|custom, got %q", name)
	}
	return p, nil
}

// ResolveProfile 从 execution.* 配置段解析有效执行档位。
// preset 档位与五个覆写键互斥；custom 缺一不可。
func ResolveProfile(executionCfg map[string]any) (Profile, error) {
	name := "tier2"
	if raw, ok := executionCfg["profile"]; ok {
		s, ok := raw.(string)
		if !ok {
			return Profile{}, market.NewFault(market.FaultConfig,
				"invalid execution.profile: expected string, got %T", raw)
		}
		name = strings.ToLower(strings.TrimSpace(s))
	}
	if name != "custom" {
		p, err := BuiltinProfile(name)
		if err != nil {
			return Profile{}, err
		}
		var conflicting []string
		for _, key := range profileOverrideKeys {
			if _, ok := executionCfg[key]; ok {
				conflicting = append(conflicting, key)
			}
		}
		if len(conflicting) > 0 {
			sort.Strings(conflicting)
			return Profile{}, market.NewFault(market.FaultConfig,
				"execution.profile=%s forbids overrides (%s); set execution.profile=custom to specify them",
				name, strings.Join(conflicting, ", "))
		}
		return p, nil
	}

	var missing []string
	for _, key := range profileOverrideKeys {
		if _, ok := executionCfg[key]; !ok {
			missing = append(missing, "execution."+key)
		}
	}
	if len(missing) > 0 {
		return Profile{}, market.NewFault(market.FaultConfig,
			"execution.profile=custom requires all override keys; missing: %s", strings.Join(missing, ", "))
	}

	p := Profile{Name: "custom"}
	var err error
	if p.MakerFee, err = nonNegativeFloat(executionCfg["maker_fee"], "execution.maker_fee"); err != nil {
		return Profile{}, err
	}
	if p.TakerFee, err = nonNegativeFloat(executionCfg["taker_fee"], "execution.taker_fee"); err != nil {
		return Profile{}, err
	}
	if p.SlippageBps, err = nonNegativeFloat(executionCfg["slippage_bps"], "execution.slippage_bps"); err != nil {
		return Profile{}, err
	}
	if p.SpreadBps, err = nonNegativeFloat(executionCfg["spread_bps"], "execution.spread_bps"); err != nil {
		return Profile{}, err
	}
	if p.DelayBars, err = nonNegativeInt(executionCfg["delay_bars"], "execution.delay_bars"); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func nonNegativeFloat(v any, key string) (float64, error) {
	f, ok := asFloat(v)
	if !ok {
		return 0, market.NewFault(market.FaultConfig, "invalid %s: expected a number, got %v (%T)", key, v, v)
	}
	if f < 0 {
		return 0, market.NewFault(market.FaultConfig, "invalid %s: expected >= 0, got %v", key, f)
	}
	return f, nil
}

func nonNegativeInt(v any, key string) (int, error) {
	switch t := v.(type) {
	case int:
		if t < 0 {
			return 0, market.NewFault(market.FaultConfig, "invalid %s: expected int >= 0, got %d", key, t)
		}
		return t, nil
	case int64:
		return nonNegativeInt(int(t), key)
	case float64:
		if t != float64(int(t)) {
			return 0, market.NewFault(market.FaultConfig, "invalid %s: expected int >= 0, got %v", key, t)
		}
		return nonNegativeInt(int(t), key)
	default:
		return 0, market.NewFault(market.FaultConfig, "invalid %s: expected int >= 0, got %v (%T)", key, v, v)
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

// Snapshot 返回写入 run_status.json 的 effective_execution 字典。
func (p Profile) Snapshot() map[string]any {
	return map[string]any{
		"maker_fee":    p.MakerFee,
		"taker_fee":    p.TakerFee,
		"slippage_bps": p.SlippageBps,
		"spread_bps":   p.SpreadBps,
		"delay_bars":   p.DelayBars,
	}
}
