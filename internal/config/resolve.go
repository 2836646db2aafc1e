package config

import (
	"fmt"
	"reflect"
	"strings"

	"riptide/internal/market"
)

// normalize 消解所有输入别名，使树只剩规范键。对已归一化的树重复调用
// 不产生任何变化。
func normalize(tree map[string]any) error {
	if err := normalizeStopResolution(tree); err != nil {
		return err
	}
	if err := normalizeSymbolsAlias(tree); err != nil {
		return err
	}
	if err := normalizeTimeframeAlias(tree); err != nil {
		return err
	}
	return nil
}

// normalizeStopResolution 处理 risk.stop_resolution 旧别名：
//
//	strict            → (stop_resolution_mode=strict, allow_legacy_proxy=false)
//	allow_legacy_proxy → (stop_resolution_mode=safe,  allow_legacy_proxy=true)
//
// 与规范键矛盾时报错，而不是悄悄取其一。
func normalizeStopResolution(tree map[string]any) error {
	risk, err := section(tree, "risk")
	if err != nil {
		return err
	}
	legacyRaw, hasLegacy := risk["stop_resolution"]
	if hasLegacy {
		legacy, ok := legacyRaw.(string)
		if !ok {
			return market.NewFault(market.FaultConfig,
				"invalid risk.stop_resolution: expected strict|allow_legacy_proxy, got %v (%T)", legacyRaw, legacyRaw)
		}
		var wantMode string
		var wantProxy bool
		switch strings.ToLower(strings.TrimSpace(legacy)) {
		case "strict":
			wantMode, wantProxy = "strict", false
		case "allow_legacy_proxy":
			wantMode, wantProxy = "safe", true
		default:
			return market.NewFault(market.FaultConfig,
				"invalid risk.stop_resolution: expected strict|allow_legacy_proxy, got %q", legacy)
		}
		if modeRaw, ok := risk["stop_resolution_mode"]; ok {
			if mode, _ := modeRaw.(string); mode != wantMode {
				return market.NewFault(market.FaultConfig,
					"conflicting risk.stop_resolution=%q and risk.stop_resolution_mode=%v; define only one or make them agree",
					legacy, modeRaw)
			}
		}
		if proxyRaw, ok := risk["allow_legacy_proxy"]; ok {
			if proxy, _ := proxyRaw.(bool); proxy != wantProxy {
				return market.NewFault(market.FaultConfig,
					"conflicting risk.stop_resolution=%q and risk.allow_legacy_proxy=%v; define only one or make them agree",
					legacy, proxyRaw)
			}
		}
		risk["stop_resolution_mode"] = wantMode
		risk["allow_legacy_proxy"] = wantProxy
		delete(risk, "stop_resolution")
	}

	mode, _ := risk["stop_resolution_mode"].(string)
	proxy, _ := risk["allow_legacy_proxy"].(bool)
	if mode == "strict" && proxy {
		return market.NewFault(market.FaultConfig,
			"risk.stop_resolution_mode=strict cannot be combined with risk.allow_legacy_proxy=true")
	}
	return nil
}

// normalizeSymbolsAlias 把 data.symbols 并入 data.symbols_subset。
func normalizeSymbolsAlias(tree map[string]any) error {
	data, err := section(tree, "data")
	if err != nil {
		return err
	}
	aliasRaw, hasAlias := data["symbols"]
	if !hasAlias {
		return nil
	}
	if subsetRaw, hasSubset := data["symbols_subset"]; hasSubset {
		if !reflect.DeepEqual(normalizeList(aliasRaw), normalizeList(subsetRaw)) {
			return market.NewFault(market.FaultConfig,
				"config conflict: data.symbols and data.symbols_subset both set but differ; use only one (data.symbols=%v data.symbols_subset=%v)",
				aliasRaw, subsetRaw)
		}
	} else {
		data["symbols_subset"] = deepCopyValue(aliasRaw)
	}
	delete(data, "symbols")
	return nil
}

// normalizeTimeframeAlias：data.timeframe 存在时覆盖 htf_resampler.timeframes
// 为单元素列表；resampler 段原本缺失时同时置 strict=true。
func normalizeTimeframeAlias(tree map[string]any) error {
	data, err := section(tree, "data")
	if err != nil {
		return err
	}
	tfRaw, ok := data["timeframe"]
	if !ok {
		return nil
	}
	tf, isStr := tfRaw.(string)
	if !isStr || strings.TrimSpace(tf) == "" {
		return market.NewFault(market.FaultConfig, "invalid data.timeframe: expected non-empty string, got %v (%T)", tfRaw, tfRaw)
	}
	_, hadBlock := tree["htf_resampler"]
	htf, err := section(tree, "htf_resampler")
	if err != nil {
		return err
	}
	htf["timeframes"] = []any{strings.ToLower(strings.TrimSpace(tf))}
	if !hadBlock {
		htf["strict"] = true
	}
	return nil
}

func normalizeList(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	case []string:
		return append([]string{}, t...)
	default:
		return []string{fmt.Sprintf("%v", v)}
	}
}
