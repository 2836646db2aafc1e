package config

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"riptide/internal/market"
)

// 各内置策略的 params 约束。未知策略名不做 schema 校验（由策略工厂报错）。
var strategyParamSchemas = map[string]string{
	"coinflip": `{
		"type": "object",
		"properties": {
			"seed":        {"type": "integer", "minimum": 0},
			"every_bars":  {"type": "integer", "minimum": 1},
			"stop_mode":   {"type": "string", "enum": ["explicit", "atr", "none"]},
			"stop_pct":    {"type": "number", "exclusiveMinimum": 0},
			"atr_period":  {"type": "integer", "minimum": 1},
			"atr_multiple": {"type": "number", "exclusiveMinimum": 0}
		},
		"additionalProperties": false
	}`,
	"volfloor_donchian": `{
		"type": "object",
		"properties": {
			"timeframe":      {"type": "string"},
			"channel_period": {"type": "integer", "minimum": 2},
			"exit_period":    {"type": "integer", "minimum": 1},
			"atr_period":     {"type": "integer", "minimum": 1},
			"atr_multiple":   {"type": "number", "exclusiveMinimum": 0},
			"vol_floor_pct":  {"type": "number", "minimum": 0},
			"hybrid_policy":  {"type": "string", "enum": ["wider", "tighter"]}
		},
		"additionalProperties": false
	}`,
}

var compiledSchemas = map[string]*jsonschema.Schema{}

func init() {
	for name, raw := range strategyParamSchemas {
		sch, err := jsonschema.CompileString(name+"_params.json", raw)
		if err != nil {
			panic(fmt.Sprintf("strategy params schema %s: %v", name, err))
		}
		compiledSchemas[name] = sch
	}
}

// validateStrategyParams 用 JSON Schema 校验 strategy.params 的形状。
func validateStrategyParams(strategyCfg map[string]any) error {
	nameRaw, ok := strategyCfg["name"]
	if !ok {
		return nil
	}
	name, _ := nameRaw.(string)
	sch, known := compiledSchemas[name]
	if !known {
		return nil
	}
	paramsRaw, ok := strategyCfg["params"]
	if !ok || paramsRaw == nil {
		return nil
	}
	// jsonschema 只认 JSON 解码出的类型，过一遍 JSON 往返。
	encoded, err := json.Marshal(paramsRaw)
	if err != nil {
		return market.NewFault(market.FaultConfig, "strategy.params is not serializable: %v", err)
	}
	var doc any
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return market.NewFault(market.FaultConfig, "strategy.params is not serializable: %v", err)
	}
	if err := sch.Validate(doc); err != nil {
		return market.NewFault(market.FaultConfig, "invalid strategy.params for %s: %v", name, err)
	}
	return nil
}
