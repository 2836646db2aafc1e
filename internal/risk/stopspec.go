package risk

import (
	"math"

	"riptide/internal/market"
)

// StopKind 是止损意图的归一化变体标签。
type StopKind string

const (
	StopExplicit    StopKind = "explicit"
	StopStructural  StopKind = "structural"
	StopATR         StopKind = "atr"
	StopHybrid      StopKind = "hybrid"
	StopLegacyProxy StopKind = "legacy_proxy"
)

// StopSpec 是策略止损意图的唯一归一化形态。下游只处理这个变体，
// 永远不直接碰 signal.metadata 的自由格式。
type StopSpec struct {
	Kind         StopKind
	StopPrice    *float64
	Structural   *float64
	ATRMultiple  float64
	ATRIndicator string
	HybridPolicy string // wider | tighter；空值表示跟随全局配置
	RawSource    string
	Details      map[string]any
}

// Mode 是安全/严格模式配置。
type Mode struct {
	StopResolutionMode string // safe | strict
	AllowLegacyProxy   bool
	HybridPolicy       string // 全局 hybrid 策略，信号未指定时生效
}

// NormalizeStopSpec 把信号上的止损意图归一化为 StopSpec。
// 优先级：metadata.stop_spec → signal.stop_price → metadata.stop_price。
// 载荷畸形（kind 非法、字段缺失或非正数）是策略契约违规，直接报错；
// 完全没有止损意图返回 (nil, nil)，交由调用方按模式拒绝或合成代理。
func NormalizeStopSpec(sig market.Signal) (*StopSpec, error) {
	if sig.Metadata != nil {
		if payload, ok := sig.Metadata["stop_spec"]; ok {
			return normalizeStructured(payload)
		}
	}
	if sig.StopPrice != nil {
		price, err := positiveFinite(*sig.StopPrice, "signal.stop_price")
		if err != nil {
			return nil, err
		}
		return &StopSpec{Kind: StopExplicit, StopPrice: &price, RawSource: "signal.stop_price"}, nil
	}
	if price, ok := sig.MetaFloat("stop_price"); ok {
		normalized, err := positiveFinite(price, "signal.metadata.stop_price")
		if err != nil {
			return nil, err
		}
		return &StopSpec{Kind: StopExplicit, StopPrice: &normalized, RawSource: "signal.metadata.stop_price"}, nil
	}
	return nil, nil
}

func normalizeStructured(payload any) (*StopSpec, error) {
	m, ok := payload.(map[string]any)
	if !ok {
		return nil, market.NewFault(market.FaultStrategy,
			"invalid signal.metadata.stop_spec: expected a mapping, got %T", payload)
	}
	kindRaw, _ := m["kind"].(string)
	kind := StopKind(kindRaw)
	spec := &StopSpec{Kind: kind, RawSource: "signal.metadata.stop_spec"}

	details := map[string]any{}
	for k, v := range m {
		switch k {
		case "kind", "stop_price", "atr_multiple", "atr_indicator", "hybrid_policy":
		default:
			details[k] = v
		}
	}
	if len(details) > 0 {
		spec.Details = details
	}

	switch kind {
	case StopExplicit, StopStructural:
		price, err := requireFloat(m, "stop_price", string(kind))
		if err != nil {
			return nil, err
		}
		if kind == StopExplicit {
			spec.StopPrice = &price
		} else {
			spec.Structural = &price
		}
	case StopATR:
		mult, err := requireFloat(m, "atr_multiple", string(kind))
		if err != nil {
			return nil, err
		}
		spec.ATRMultiple = mult
		spec.ATRIndicator = stringOr(m, "atr_indicator", "atr")
	case StopHybrid:
		price, err := requireFloat(m, "stop_price", string(kind))
		if err != nil {
			return nil, err
		}
		mult, err := requireFloat(m, "atr_multiple", string(kind))
		if err != nil {
			return nil, err
		}
		spec.Structural = &price
		spec.ATRMultiple = mult
		spec.ATRIndicator = stringOr(m, "atr_indicator", "atr")
		if policyRaw, ok := m["hybrid_policy"]; ok {
			policy, _ := policyRaw.(string)
			if policy != "wider" && policy != "tighter" {
				return nil, market.NewFault(market.FaultStrategy,
					"invalid signal.metadata.stop_spec.hybrid_policy: expected wider|tighter, got %v", policyRaw)
			}
			spec.HybridPolicy = policy
		}
	default:
		return nil, market.NewFault(market.FaultStrategy,
			"invalid signal.metadata.stop_spec.kind: expected one of explicit|structural|atr|hybrid, got %v", m["kind"])
	}
	return spec, nil
}

// LegacyProxySpec 在 safe+allow_legacy_proxy 下由风控合成。
func LegacyProxySpec() *StopSpec {
	return &StopSpec{Kind: StopLegacyProxy, RawSource: "synthesized:legacy_proxy"}
}

func requireFloat(m map[string]any, key, kind string) (float64, error) {
	raw, ok := m[key]
	if !ok {
		return 0, market.NewFault(market.FaultStrategy,
			"invalid StopSpec for kind=%q: missing required field %q", kind, key)
	}
	f, ok := asNumber(raw)
	if !ok {
		return 0, market.NewFault(market.FaultStrategy,
			"invalid signal.metadata.stop_spec.%s: expected a finite number, got %v (%T)", key, raw, raw)
	}
	return positiveFinite(f, "signal.metadata.stop_spec."+key)
}

func positiveFinite(v float64, path string) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, market.NewFault(market.FaultStrategy, "invalid %s: expected finite value > 0, got %v", path, v)
	}
	return v, nil
}

func asNumber(v any) (float64, bool) {
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

func stringOr(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
