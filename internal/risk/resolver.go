package risk

import (
	"math"

	"riptide/internal/indicator"
	"riptide/internal/market"
)

// Resolution 是止损解析的归一化输出。IsValid=false 时 RejectCode 必填，
// 代表一条拒绝决策而非错误。
type Resolution struct {
	StopPrice    *float64
	StopDistance float64
	StopSource   string
	IsValid      bool
	UsedFallback bool
	ReasonCode   string
	RejectCode   string
	Details      map[string]any
}

func rejected(code string, details map[string]any) Resolution {
	return Resolution{IsValid: false, RejectCode: code, Details: details}
}

// ResolveStop 按 StopSpec 变体解析止损价距。
//
//	explicit/structural: |entry − stop|，方向错误即拒绝
//	atr:                 atr_multiple × ATR，指标未就绪即拒绝
//	hybrid:              两个分量都解析成功后按 wider/tighter 合并
//	legacy_proxy:        |entry − prev_bar.{low|high}|，标记 fallback
func ResolveStop(spec *StopSpec, symbol string, side market.Side, entryPrice float64, prevBar *market.Bar, reg *indicator.Registry, globalHybrid string) Resolution {
	switch spec.Kind {
	case StopExplicit:
		return resolvePriceLevel(*spec.StopPrice, side, entryPrice, SourceExplicitStopPrice, ResolvedExplicit)
	case StopStructural:
		return resolvePriceLevel(*spec.Structural, side, entryPrice, SourceStructuralStop, ResolvedStructural)
	case StopATR:
		return resolveATR(spec, symbol, reg)
	case StopHybrid:
		return resolveHybrid(spec, symbol, side, entryPrice, reg, globalHybrid)
	case StopLegacyProxy:
		return resolveLegacyProxy(side, entryPrice, prevBar)
	default:
		return rejected(RejectStopUnresolvable, map[string]any{"kind": string(spec.Kind)})
	}
}

func resolvePriceLevel(stopPrice float64, side market.Side, entryPrice float64, source, reason string) Resolution {
	validDirection := (side == market.SideBuy && stopPrice < entryPrice) ||
		(side == market.SideSell && stopPrice > entryPrice)
	if !validDirection {
		return rejected(RejectInvalidStopDistance, map[string]any{
			"stop_price": stopPrice, "entry_price": entryPrice, "side": string(side),
		})
	}
	distance := math.Abs(entryPrice - stopPrice)
	if distance <= 0 {
		return rejected(RejectInvalidStopDistance, map[string]any{"stop_distance": distance})
	}
	price := stopPrice
	return Resolution{
		StopPrice:    &price,
		StopDistance: distance,
		StopSource:   source,
		IsValid:      true,
		ReasonCode:   reason,
		Details:      map[string]any{"stop_price": stopPrice},
	}
}

func resolveATR(spec *StopSpec, symbol string, reg *indicator.Registry) Resolution {
	name := spec.ATRIndicator
	if name == "" {
		name = "atr"
	}
	ind, ok := reg.Lookup(symbol, name)
	if !ok || !ind.Ready() {
		return rejected(RejectIndicatorNotReady, map[string]any{"atr_indicator": name})
	}
	atrValue := ind.Value()
	if atrValue <= 0 {
		return rejected(RejectInvalidStopDistance, map[string]any{"atr_value": atrValue})
	}
	distance := spec.ATRMultiple * atrValue
	return Resolution{
		StopDistance: distance,
		StopSource:   SourceATRMultiple,
		IsValid:      true,
		ReasonCode:   ResolvedATR,
		Details: map[string]any{
			"atr_multiple": spec.ATRMultiple,
			"atr_value":    atrValue,
			"atr_name":     name,
		},
	}
}

func resolveHybrid(spec *StopSpec, symbol string, side market.Side, entryPrice float64, reg *indicator.Registry, globalHybrid string) Resolution {
	structural := resolvePriceLevel(*spec.Structural, side, entryPrice, SourceStructuralStop, ResolvedStructural)
	if !structural.IsValid {
		return structural
	}
	atrSpec := *spec
	atrSpec.Kind = StopATR
	atr := resolveATR(&atrSpec, symbol, reg)
	if !atr.IsValid {
		return atr
	}

	// 信号自带 policy 优先，全局配置兜底，默认 wider。
	policy := spec.HybridPolicy
	if policy == "" {
		policy = globalHybrid
	}
	if policy == "" {
		policy = "wider"
	}
	distance := structural.StopDistance
	component := "structural"
	if (policy == "wider" && atr.StopDistance > distance) ||
		(policy == "tighter" && atr.StopDistance < distance) {
		distance = atr.StopDistance
		component = "atr"
	}
	return Resolution{
		StopPrice:    structural.StopPrice,
		StopDistance: distance,
		StopSource:   SourceHybrid,
		IsValid:      true,
		ReasonCode:   ResolvedHybrid,
		Details: map[string]any{
			"hybrid_policy":       policy,
			"hybrid_winner":       component,
			"structural_distance": structural.StopDistance,
			"atr_distance":        atr.StopDistance,
		},
	}
}

func resolveLegacyProxy(side market.Side, entryPrice float64, prevBar *market.Bar) Resolution {
	if prevBar == nil {
		return rejected(RejectInvalidStopDistance, map[string]any{"reason": "no previous bar for legacy proxy"})
	}
	var distance float64
	if side == market.SideBuy {
		distance = entryPrice - prevBar.Low
	} else {
		distance = prevBar.High - entryPrice
	}
	if distance <= 0 {
		return rejected(RejectInvalidStopDistance, map[string]any{
			"proxy_high": prevBar.High, "proxy_low": prevBar.Low, "stop_distance": distance,
		})
	}
	return Resolution{
		StopDistance: distance,
		StopSource:   SourceLegacyHighLowProxy,
		IsValid:      true,
		UsedFallback: true,
		ReasonCode:   FallbackLegacyProxy,
		Details:      map[string]any{"proxy_high": prevBar.High, "proxy_low": prevBar.Low},
	}
}
