package engine

import (
	"path/filepath"
	"runtime/debug"

	"riptide/internal/artifacts"
	"riptide/internal/market"
)

const runStatusSchemaVersion = 2

// writeRunStatus 写 run_status.json。无论成功失败都必须落盘，
// 失败路径上也只尽力而为，绝不二次抛错盖掉原始错误。
func (e *Engine) writeRunStatus(runErr error) error {
	status := "PASS"
	errorType, errorMessage, traceback := "", "", ""
	if runErr != nil {
		status = "FAIL"
		errorType = string(market.KindOf(runErr))
		errorMessage = runErr.Error()
		traceback = string(debug.Stack())
	}
	mode := e.riskEngine.Mode()
	payload := map[string]any{
		"schema_version":         runStatusSchemaVersion,
		"status":                 status,
		"error_type":             errorType,
		"error_message":          errorMessage,
		"traceback":              traceback,
		"run_id":                 e.runID,
		"execution_profile":      e.execModel.Profile().Name,
		"effective_execution":    e.execModel.Profile().Snapshot(),
		"spread_mode":            e.execModel.SpreadMode(),
		"intrabar_mode":          e.execModel.IntrabarMode(),
		"stop_resolution":        mode.StopResolutionMode,
		"used_legacy_stop_proxy": e.usedLegacyProxy,
		"r_metrics_valid":        e.rMetricsAllValid,
		"stop_resolution_counts": toAnyMap(e.stopResolutionCounts),
		"notes":                  stringsToAny(e.notes),
		"stop_contract": map[string]any{
			"stop_resolution_mode": mode.StopResolutionMode,
			"allow_legacy_proxy":   mode.AllowLegacyProxy,
			"hybrid_policy":        mode.HybridPolicy,
		},
	}
	return artifacts.WriteJSONDeterministic(filepath.Join(e.runDir, "run_status.json"), payload)
}

func stringsToAny(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
