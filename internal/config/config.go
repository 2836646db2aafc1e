package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"riptide/internal/market"
)

// Resolved 同时持有归一化后的配置树（config_used.yaml 的内容、合并语义的
// 权威形态）与类型化视图。树在 Resolve 返回前已深拷贝，调用方可放心持有。
type Resolved struct {
	Tree map[string]any
	Cfg  Config
}

// Load 按固定顺序叠加 overlay：内置默认 → 各用户文件 → 本地覆盖，
// 然后归一化、校验并解码。任何一步失败都是 ConfigError。
func Load(paths ...string) (*Resolved, error) {
	merged := map[string]any{}
	for _, path := range paths {
		if path == "" {
			continue
		}
		settings, err := readOverlayFile(path)
		if err != nil {
			return nil, market.WrapFault(market.FaultConfig, fmt.Errorf("reading config file failed (%s): %w", path, err))
		}
		merged = deepMerge(merged, settings)
	}
	return Resolve(merged)
}

// Resolve 先在输入树的副本上展开 risk.stop_resolution 别名（只与输入里
// 的规范键比对，不与内置默认值比对），再垫上内置 overlay 链做其余别名
// 消解 + 边界校验 + 结构化解码。
// 内置默认值被输入树覆盖，因此对已归一化的树再次调用是不动点。
func Resolve(tree map[string]any) (*Resolved, error) {
	input := deepCopyMap(tree)
	if err := normalizeStopResolution(input); err != nil {
		return nil, err
	}
	resolved := map[string]any{}
	for _, overlay := range builtinOverlays() {
		resolved = deepMerge(resolved, overlay)
	}
	resolved = deepMerge(resolved, input)
	if err := normalize(resolved); err != nil {
		return nil, err
	}
	if err := validate(resolved); err != nil {
		return nil, err
	}
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "toml",
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, market.WrapFault(market.FaultConfig, err)
	}
	if err := decoder.Decode(resolved); err != nil {
		return nil, market.WrapFault(market.FaultConfig, fmt.Errorf("parsing config failed: %w", err))
	}
	return &Resolved{Tree: resolved, Cfg: cfg}, nil
}

func readOverlayFile(path string) (map[string]any, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return v.AllSettings(), nil
}

// deepMerge 实现 overlay 语义：map+map 递归合并，标量与序列整体替换。
// 返回值与两个入参不共享任何子树。
func deepMerge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = deepCopyValue(v)
	}
	for k, v := range overlay {
		existing, ok := out[k]
		baseMap, baseIsMap := asStringMap(existing)
		overlayMap, overlayIsMap := asStringMap(v)
		if ok && baseIsMap && overlayIsMap {
			out[k] = deepMerge(baseMap, overlayMap)
			continue
		}
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case map[any]any:
		converted := make(map[string]any, len(t))
		for k, val := range t {
			converted[fmt.Sprintf("%v", k)] = deepCopyValue(val)
		}
		return converted
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopyValue(item)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = item
		}
		return out
	default:
		return v
	}
}

func asStringMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case map[any]any:
		converted := make(map[string]any, len(t))
		for k, val := range t {
			converted[fmt.Sprintf("%v", k)] = val
		}
		return converted, true
	default:
		return nil, false
	}
}

// section 取出（必要时创建）子段并保证是 map。
func section(tree map[string]any, name string) (map[string]any, error) {
	raw, ok := tree[name]
	if !ok || raw == nil {
		m := map[string]any{}
		tree[name] = m
		return m, nil
	}
	m, isMap := asStringMap(raw)
	if !isMap {
		return nil, market.NewFault(market.FaultConfig, "%s must be a mapping, got %T", name, raw)
	}
	tree[name] = m
	return m, nil
}
