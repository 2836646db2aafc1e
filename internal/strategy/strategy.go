package strategy

import (
	"fmt"
	"sort"
	"time"

	"riptide/internal/indicator"
	"riptide/internal/market"
)

// Strategy 每个时间步被调用一次。bars 只含该时刻有 K 线的 symbol
//（缺口保留，不补）；tradeable 是当前可交易集合；ctx 是只读上下文。
// 返回的 Signal 只是意图，数量由风控决定。
type Strategy interface {
	OnBars(ts time.Time, bars map[string]market.Bar, tradeable map[string]bool, ctx *ContextView) ([]market.Signal, error)
}

// IndicatorBinder 由需要指标的策略实现；引擎启动时调用一次，
// 策略在 registry 里注册自己需要的指标。
type IndicatorBinder interface {
	BindIndicators(reg *indicator.Registry, symbols []string)
}

// Factory 按配置参数构建策略实例。
type Factory func(params map[string]any) (Strategy, error)

var factories = map[string]Factory{}

// Register 注册策略工厂，重名直接 panic（启动期错误）。
func Register(name string, factory Factory) {
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("strategy %q registered twice", name))
	}
	factories[name] = factory
}

// New 按名字构建策略。
func New(name string, params map[string]any) (Strategy, error) {
	factory, ok := factories[name]
	if !ok {
		return nil, market.NewFault(market.FaultConfig, "unknown strategy.name: %q (available: %v)", name, Names())
	}
	return factory(params)
}

// Names 返回已注册策略名（排序）。
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// paramInt 容忍 yaml 解出的 int/int64/float64。
func paramInt(params map[string]any, key string, fallback int) int {
	if params == nil {
		return fallback
	}
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func paramFloat(params map[string]any, key string, fallback float64) float64 {
	if params == nil {
		return fallback
	}
	switch v := params[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	default:
		return fallback
	}
}

func paramString(params map[string]any, key, fallback string) string {
	if params == nil {
		return fallback
	}
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
