package benchmark

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"

	"riptide/internal/artifacts"
)

// WriteCompare 读取已落盘的 performance.json（原始 JSON 直接取值，
// 不反序列化整个结构）并与基准终值对比，写 benchmark_compare.json。
func WriteCompare(runDir, symbol string, initialCash, benchmarkFinal float64) error {
	perfPath := filepath.Join(runDir, "performance.json")
	raw, err := os.ReadFile(perfPath)
	if err != nil {
		return fmt.Errorf("benchmark compare 需要先写 performance.json: %w", err)
	}
	strategyFinal := gjson.GetBytes(raw, "final_equity").Float()
	strategyMaxDD := gjson.GetBytes(raw, "max_drawdown_pct").Float()

	strategyReturn := 0.0
	benchmarkReturn := 0.0
	if initialCash > 0 {
		strategyReturn = strategyFinal/initialCash - 1
		benchmarkReturn = benchmarkFinal/initialCash - 1
	}
	payload := map[string]any{
		"benchmark_symbol":       symbol,
		"benchmark_final_equity": benchmarkFinal,
		"benchmark_return_pct":   benchmarkReturn * 100,
		"strategy_final_equity":  strategyFinal,
		"strategy_return_pct":    strategyReturn * 100,
		"strategy_max_drawdown":  strategyMaxDD,
		"excess_return_pct":      (strategyReturn - benchmarkReturn) * 100,
	}
	return artifacts.WriteJSONDeterministic(filepath.Join(runDir, "benchmark_compare.json"), payload)
}
