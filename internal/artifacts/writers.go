package artifacts

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"riptide/internal/market"
)

// Sink 汇聚一次运行的全部逐步产物。行在内存里按产生顺序缓冲，
// Flush 在运行结束（或失败时尽力而为）一次性落盘。
type Sink struct {
	runDir    string
	equity    []market.EquityPoint
	trades    []market.Trade
	fills     []market.Fill
	decisions []market.Decision
}

func NewSink(runDir string) (*Sink, error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, err
	}
	return &Sink{runDir: runDir}, nil
}

func (s *Sink) RunDir() string { return s.runDir }

func (s *Sink) RecordEquity(point market.EquityPoint)   { s.equity = append(s.equity, point) }
func (s *Sink) RecordTrade(trade market.Trade)          { s.trades = append(s.trades, trade) }
func (s *Sink) RecordFill(fill market.Fill)             { s.fills = append(s.fills, fill) }
func (s *Sink) RecordDecision(decision market.Decision) { s.decisions = append(s.decisions, decision) }

func (s *Sink) Equity() []market.EquityPoint { return s.equity }
func (s *Sink) Trades() []market.Trade       { return s.trades }
func (s *Sink) Fills() []market.Fill         { return s.fills }
func (s *Sink) Decisions() []market.Decision { return s.decisions }

// Flush 把四类逐步产物写盘，顺序即产生顺序。
func (s *Sink) Flush() error {
	if err := s.writeEquityCSV(); err != nil {
		return err
	}
	if err := s.writeTradesCSV(); err != nil {
		return err
	}
	if err := s.writeFillsJSONL(); err != nil {
		return err
	}
	return s.writeDecisionsJSONL()
}

func formatTS(ts time.Time) string { return ts.UTC().Format(time.RFC3339) }

func (s *Sink) writeEquityCSV() error {
	file, err := os.Create(filepath.Join(s.runDir, "equity.csv"))
	if err != nil {
		return err
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write([]string{"ts", "cash", "equity", "realized_pnl", "unrealized_pnl", "margin_used"}); err != nil {
		return err
	}
	for _, point := range s.equity {
		row := []string{
			formatTS(point.TS),
			FormatFloat(point.Cash),
			FormatFloat(point.Equity),
			FormatFloat(point.RealizedPnL),
			FormatFloat(point.UnrealizedPnL),
			FormatFloat(point.MarginUsed),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// tradesColumns 是对外稳定的列集合；可空列在值缺席时留空。
var tradesColumns = []string{
	"entry_ts", "exit_ts", "symbol", "side", "qty",
	"entry_price", "exit_price", "pnl", "pnl_price", "fees_paid", "pnl_net",
	"fees", "slippage", "mae_price", "mfe_price",
	"risk_amount", "stop_distance", "r_multiple_gross", "r_multiple_net",
}

func (s *Sink) writeTradesCSV() error {
	file, err := os.Create(filepath.Join(s.runDir, "trades.csv"))
	if err != nil {
		return err
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(tradesColumns); err != nil {
		return err
	}
	optional := func(v *float64) string {
		if v == nil {
			return ""
		}
		return FormatFloat(*v)
	}
	for _, trade := range s.trades {
		row := []string{
			formatTS(trade.EntryTS),
			formatTS(trade.ExitTS),
			trade.Symbol,
			string(trade.Side),
			FormatFloat(trade.Qty),
			FormatFloat(trade.EntryPrice),
			FormatFloat(trade.ExitPrice),
			FormatFloat(trade.PnLPrice), // pnl：历史列，等于价格盈亏
			FormatFloat(trade.PnLPrice),
			FormatFloat(trade.FeesPaid),
			FormatFloat(trade.PnLNet),
			FormatFloat(trade.FeesPaid), // fees：历史列别名
			FormatFloat(trade.SlippagePaid),
			FormatFloat(trade.MAEPrice),
			FormatFloat(trade.MFEPrice),
			optional(trade.RiskAmount),
			optional(trade.StopDistance),
			optional(trade.RMultipleGross),
			optional(trade.RMultipleNet),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func (s *Sink) writeFillsJSONL() error {
	file, err := os.Create(filepath.Join(s.runDir, "fills.jsonl"))
	if err != nil {
		return err
	}
	defer file.Close()
	for _, fill := range s.fills {
		record := map[string]any{
			"ts":            formatTS(fill.TSFilled),
			"symbol":        fill.Symbol,
			"side":          string(fill.Side),
			"qty":           fill.Qty,
			"price":         fill.Price,
			"fee_cost":      fill.FeeCost,
			"slippage_cost": fill.SlippageCost,
			"spread_cost":   fill.SpreadCost,
			"metadata":      intentMetaMap(fill.Meta),
		}
		line, err := MarshalJSONLine(record)
		if err != nil {
			return err
		}
		if _, err := file.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) writeDecisionsJSONL() error {
	file, err := os.Create(filepath.Join(s.runDir, "decisions.jsonl"))
	if err != nil {
		return err
	}
	defer file.Close()
	for _, decision := range s.decisions {
		record := map[string]any{
			"ts":          formatTS(decision.TS),
			"symbol":      decision.Symbol,
			"accepted":    decision.Accepted,
			"reason_code": decision.ReasonCode,
			"metadata":    decision.Metadata,
		}
		line, err := MarshalJSONLine(record)
		if err != nil {
			return err
		}
		if _, err := file.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return nil
}

// intentMetaMap 把 IntentMeta 展开成 JSON 字典（经 json 往返统一类型）。
func intentMetaMap(meta market.IntentMeta) map[string]any {
	encoded, err := json.Marshal(meta)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(encoded, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// WriteDataScope 写 data_scope.json（仅当裁剪旋钮生效时由引擎调用）。
func WriteDataScope(runDir string, payload map[string]any) error {
	return WriteJSONDeterministic(filepath.Join(runDir, "data_scope.json"), payload)
}

// WriteRunManifest 列出 run 目录里实际产出的文件。
func WriteRunManifest(runDir, runID string) error {
	entries, err := os.ReadDir(runDir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == "run_manifest.json" {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	asAny := make([]any, len(files))
	for i, name := range files {
		asAny[i] = name
	}
	return WriteJSONDeterministic(filepath.Join(runDir, "run_manifest.json"), map[string]any{
		"manifest_version": 1,
		"run_id":           runID,
		"artifacts":        asAny,
	})
}
