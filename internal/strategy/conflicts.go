package strategy

import (
	"fmt"
	"strings"
	"time"

	"riptide/internal/market"
)

// ConflictNote 记录一次冲突消解，写入 decisions.jsonl 供复盘。
type ConflictNote struct {
	TS           time.Time
	Symbol       string
	Policy       string
	Kept         *market.Signal
	DroppedCount int
	Reason       string
}

type conflictGroup struct {
	key     string
	ts      time.Time
	symbol  string
	indexed []int
}

// ResolveConflicts 对同一 (ts, symbol) 的多条信号执行冲突策略。
// reject：冲突即致命（策略契约违规）；first_wins/last_wins 保留首/末条；
// net_out：反向 entry 互相抵消，exit 类信号压过 entry，多条 exit 留最后一条，
// 同向多条 entry 留最后一条。结果确定且稳定。
func ResolveConflicts(signals []market.Signal, policy string) ([]market.Signal, []ConflictNote, error) {
	switch policy {
	case "reject", "first_wins", "last_wins", "net_out":
	default:
		return nil, nil, market.NewFault(market.FaultConfig,
			"invalid strategy.signal_conflict_policy=%q; expected one of first_wins|last_wins|net_out|reject", policy)
	}

	groupsByKey := map[string]*conflictGroup{}
	var groups []*conflictGroup
	for i, sig := range signals {
		key := sig.TS.Format(time.RFC3339Nano) + "|" + sig.Symbol
		g, ok := groupsByKey[key]
		if !ok {
			g = &conflictGroup{key: key, ts: sig.TS, symbol: sig.Symbol}
			groupsByKey[key] = g
			groups = append(groups, g)
		}
		g.indexed = append(g.indexed, i)
	}

	keep := map[int]bool{}
	var notes []ConflictNote
	for _, g := range groups {
		if len(g.indexed) == 1 {
			keep[g.indexed[0]] = true
			continue
		}
		if policy == "reject" {
			var involved []string
			for _, idx := range g.indexed {
				involved = append(involved, fmt.Sprintf("%s:%s", signals[idx].SignalType, signals[idx].Side))
			}
			return nil, nil, market.NewFault(market.FaultStrategy,
				"signal conflict at ts=%s symbol=%s: got %d signals [%s]; set strategy.signal_conflict_policy to one of first_wins|last_wins|net_out|reject",
				g.ts.Format(time.RFC3339), g.symbol, len(g.indexed), strings.Join(involved, ", "))
		}
		idx, kept, reason := resolveGroup(signals, g.indexed, policy)
		if idx >= 0 {
			keep[idx] = true
		}
		notes = append(notes, ConflictNote{
			TS:           g.ts,
			Symbol:       g.symbol,
			Policy:       policy,
			Kept:         kept,
			DroppedCount: droppedCount(len(g.indexed), kept),
			Reason:       reason,
		})
	}

	var resolved []market.Signal
	for i, sig := range signals {
		if keep[i] {
			resolved = append(resolved, sig)
		}
	}
	return resolved, notes, nil
}

func droppedCount(groupSize int, kept *market.Signal) int {
	if kept == nil {
		return groupSize
	}
	return groupSize - 1
}

func resolveGroup(signals []market.Signal, indexed []int, policy string) (int, *market.Signal, string) {
	switch policy {
	case "first_wins":
		idx := indexed[0]
		sig := signals[idx]
		return idx, &sig, "kept first emitted signal"
	case "last_wins":
		idx := indexed[len(indexed)-1]
		sig := signals[idx]
		return idx, &sig, "kept last emitted signal"
	}

	// net_out
	var exits, entries []int
	for _, idx := range indexed {
		if signals[idx].IsExit() {
			exits = append(exits, idx)
		} else {
			entries = append(entries, idx)
		}
	}
	if len(exits) > 0 {
		idx := exits[len(exits)-1]
		sig := signals[idx]
		return idx, &sig, "exit wins; kept last exit-like signal"
	}
	hasBuy, hasSell := false, false
	for _, idx := range entries {
		switch signals[idx].Side {
		case market.SideBuy:
			hasBuy = true
		case market.SideSell:
			hasSell = true
		}
	}
	if hasBuy && hasSell {
		return -1, nil, "opposite entry sides netted to no-op"
	}
	idx := entries[len(entries)-1]
	sig := signals[idx]
	return idx, &sig, "kept last entry-like signal"
}
