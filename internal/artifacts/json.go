package artifacts

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
)

// 产物里的浮点统一舍入到 12 位小数，保证跨次运行逐位一致。
const floatDecimals = 12

// RoundFloats 递归舍入 dict/list 里的浮点；NaN/Inf 直接报错，
// 产物必须可以被精确重建。
func RoundFloats(v any) (any, error) {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, fmt.Errorf("产物载荷包含非有限浮点: %v", t)
		}
		return roundTo(t, floatDecimals), nil
	case float32:
		return RoundFloats(float64(t))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			rounded, err := RoundFloats(item)
			if err != nil {
				return nil, err
			}
			out[k] = rounded
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			rounded, err := RoundFloats(item)
			if err != nil {
				return nil, err
			}
			out[i] = rounded
		}
		return out, nil
	default:
		return v, nil
	}
}

func roundTo(v float64, decimals int) float64 {
	scale := math.Pow10(decimals)
	return math.Round(v*scale) / scale
}

// WriteJSONDeterministic 以确定形态写 JSON：键排序（encoding/json 对
// map 天然有序）、两空格缩进、浮点 12 位舍入、末尾换行。
func WriteJSONDeterministic(path string, payload map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	rounded, err := RoundFloats(payload)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	encoded, err := json.MarshalIndent(rounded, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(encoded, '\n'), 0o644)
}

// FormatFloat 给 CSV 用：12 位舍入后去尾零。
func FormatFloat(v float64) string {
	return strconv.FormatFloat(roundTo(v, floatDecimals), 'f', -1, 64)
}

// MarshalJSONLine 序列化一行 JSONL（键排序，浮点舍入）。
func MarshalJSONLine(record map[string]any) ([]byte, error) {
	rounded, err := RoundFloats(record)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rounded)
}
