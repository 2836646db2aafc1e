package market

import (
	"strings"
	"time"
)

// Signal 是策略的交易意图，只描述"想做什么"，不携带仓位大小。
// 止损意图通过 StopPrice 或 Metadata["stop_spec"] 传递，由风控层归一化。
type Signal struct {
	TS         time.Time      `json:"ts"`
	Symbol     string         `json:"symbol"`
	Side       Side           `json:"side"`
	SignalType string         `json:"signal_type"`
	Confidence float64        `json:"confidence"`
	StopPrice  *float64       `json:"stop_price,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// IsExit 判断信号是否为平仓类：signal_type 以 _exit 结尾，
// 或 metadata 中 is_exit / reduce_only 为真。
func (s Signal) IsExit() bool {
	if strings.HasSuffix(s.SignalType, "_exit") {
		return true
	}
	if s.Metadata == nil {
		return false
	}
	if v, ok := s.Metadata["is_exit"].(bool); ok && v {
		return true
	}
	if v, ok := s.Metadata["reduce_only"].(bool); ok && v {
		return true
	}
	return false
}

// MetaFloat 从 metadata 读取数值字段（容忍 int/float）。
func (s Signal) MetaFloat(key string) (float64, bool) {
	if s.Metadata == nil {
		return 0, false
	}
	switch v := s.Metadata[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
