package engine

import (
	"path/filepath"
	"strings"

	"riptide/internal/artifacts"
)

// SanityCounters 是运行级对账计数器，随 sanity.json 落盘。
// 数字对不上通常意味着管线哪一步吞了记录。
type SanityCounters struct {
	RunID              string
	SignalsApproved    int
	SignalsRejected    int
	ApprovedByReason   map[string]int
	RejectedByReason   map[string]int
	Fills              int
	ClosedTrades       int
	ForcedLiquidations int
}

func NewSanityCounters(runID string) *SanityCounters {
	return &SanityCounters{
		RunID:            runID,
		ApprovedByReason: map[string]int{},
		RejectedByReason: map[string]int{},
	}
}

// RecordDecision 归一 reason 后计数：拒绝码去掉 risk_rejected: 前缀
// 只留首段，批准码原样。
func (s *SanityCounters) RecordDecision(accepted bool, reason string) {
	key := reason
	if key == "" {
		key = "unknown"
	}
	if accepted {
		s.SignalsApproved++
		s.ApprovedByReason[key]++
		return
	}
	if trimmed, ok := strings.CutPrefix(key, "risk_rejected:"); ok {
		key = strings.SplitN(trimmed, ":", 2)[0]
	}
	s.SignalsRejected++
	s.RejectedByReason[key]++
}

// Write 落盘 sanity.json。
func (s *SanityCounters) Write(runDir string) error {
	payload := map[string]any{
		"run_id":              s.RunID,
		"signals_emitted":     s.SignalsApproved + s.SignalsRejected,
		"signals_approved":    s.SignalsApproved,
		"signals_rejected":    s.SignalsRejected,
		"approved_by_reason":  toAnyMap(s.ApprovedByReason),
		"rejected_by_reason":  toAnyMap(s.RejectedByReason),
		"fills":               s.Fills,
		"closed_trades":       s.ClosedTrades,
		"forced_liquidations": s.ForcedLiquidations,
	}
	return artifacts.WriteJSONDeterministic(filepath.Join(runDir, "sanity.json"), payload)
}

func toAnyMap(m map[string]int) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
