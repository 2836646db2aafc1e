package metrics

import (
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/shopspring/decimal"

	"riptide/internal/artifacts"
	"riptide/internal/market"
)

const PerformanceSchemaVersion = 3

// 1 分钟基础周期下的年化步数。
const periodsPerYear = 365.25 * 24 * 60

// Report 是 performance.json 的载荷。成本合计用 decimal 精确累加，
// 输出前才转回浮点。
type Report struct {
	RunID            string
	FinalEquity      float64
	TotalTrades      int
	EVNet            float64
	WinRate          float64
	GrossPnL         float64
	NetPnL           float64
	FeeTotal         float64
	SlippageTotal    float64
	SpreadTotal      float64
	FeeDragPct       float64
	SlippageDragPct  float64
	SpreadDragPct    float64
	MaxDrawdownPct   float64
	MaxDrawdownBars  int
	CAGR             *float64
	SharpeAnnualized *float64
	SortinoAnnual    *float64
	EVRGross         *float64
	EVRNet           *float64
	WinRateR         *float64
	EVByBucket       map[string]float64
	TradesByBucket   map[string]int
}

// Compute 从 equity 序列、trades 与 fills 聚合运行级指标。
func Compute(runID string, initialCash float64, equity []market.EquityPoint, trades []market.Trade, fills []market.Fill) Report {
	report := Report{
		RunID:          runID,
		FinalEquity:    initialCash,
		EVByBucket:     map[string]float64{},
		TradesByBucket: map[string]int{},
	}
	if len(equity) > 0 {
		report.FinalEquity = equity[len(equity)-1].Equity
	}

	grossSum := decimal.Zero
	netSum := decimal.Zero
	wins := 0
	for _, trade := range trades {
		grossSum = grossSum.Add(decimal.NewFromFloat(trade.PnLPrice))
		netSum = netSum.Add(decimal.NewFromFloat(trade.PnLNet))
		if trade.PnLNet > 0 {
			wins++
		}
	}
	report.TotalTrades = len(trades)
	report.GrossPnL, _ = grossSum.Float64()
	report.NetPnL, _ = netSum.Float64()
	if len(trades) > 0 {
		report.EVNet = report.NetPnL / float64(len(trades))
		report.WinRate = float64(wins) / float64(len(trades))
	}

	feeSum, slipSum, spreadSum := decimal.Zero, decimal.Zero, decimal.Zero
	for _, fill := range fills {
		feeSum = feeSum.Add(decimal.NewFromFloat(math.Abs(fill.FeeCost)))
		slipSum = slipSum.Add(decimal.NewFromFloat(math.Abs(fill.SlippageCost)))
		spreadSum = spreadSum.Add(decimal.NewFromFloat(math.Abs(fill.SpreadCost)))
	}
	report.FeeTotal, _ = feeSum.Float64()
	report.SlippageTotal, _ = slipSum.Float64()
	report.SpreadTotal, _ = spreadSum.Float64()
	report.FeeDragPct = dragPct(report.FeeTotal, report.GrossPnL)
	report.SlippageDragPct = dragPct(report.SlippageTotal, report.GrossPnL)
	report.SpreadDragPct = dragPct(report.SpreadTotal, report.GrossPnL)

	report.MaxDrawdownPct, report.MaxDrawdownBars = maxDrawdown(equity)
	report.CAGR = cagr(initialCash, report.FinalEquity, equity)
	report.SharpeAnnualized = sharpe(equity, false)
	report.SortinoAnnual = sharpe(equity, true)

	computeRMetrics(&report, trades)
	computeBuckets(&report, trades)
	return report
}

func dragPct(cost, gross float64) float64 {
	denom := math.Abs(gross)
	if denom == 0 {
		return 0
	}
	return 100 * cost / denom
}

func maxDrawdown(equity []market.EquityPoint) (float64, int) {
	peak := math.Inf(-1)
	peakIdx := 0
	maxDD := 0.0
	maxDuration := 0
	for i, point := range equity {
		if point.Equity > peak {
			peak = point.Equity
			peakIdx = i
			continue
		}
		if peak > 0 {
			dd := (peak - point.Equity) / peak
			if dd > maxDD {
				maxDD = dd
			}
			if duration := i - peakIdx; duration > maxDuration {
				maxDuration = duration
			}
		}
	}
	return maxDD, maxDuration
}

func cagr(initial, final float64, equity []market.EquityPoint) *float64 {
	if len(equity) < 2 || initial <= 0 || final <= 0 {
		return nil
	}
	elapsed := equity[len(equity)-1].TS.Sub(equity[0].TS)
	years := elapsed.Minutes() / periodsPerYear
	if years <= 0 {
		return nil
	}
	value := math.Pow(final/initial, 1/years) - 1
	return &value
}

// sharpe（downside=true 时为 sortino）基于逐 bar 收益率年化。
func sharpe(equity []market.EquityPoint, downside bool) *float64 {
	if len(equity) < 3 {
		return nil
	}
	var returns []float64
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].Equity
		if prev <= 0 {
			return nil
		}
		returns = append(returns, equity[i].Equity/prev-1)
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	n := 0
	for _, r := range returns {
		d := r - mean
		if downside {
			if r >= 0 {
				continue
			}
			d = r
		}
		variance += d * d
		n++
	}
	if n == 0 {
		return nil
	}
	std := math.Sqrt(variance / float64(n))
	if std == 0 {
		return nil
	}
	value := mean / std * math.Sqrt(periodsPerYear)
	return &value
}

func computeRMetrics(report *Report, trades []market.Trade) {
	var grossSum, netSum decimal.Decimal
	winsR, n := 0, 0
	for _, trade := range trades {
		if trade.RMultipleGross == nil || trade.RMultipleNet == nil {
			continue
		}
		grossSum = grossSum.Add(decimal.NewFromFloat(*trade.RMultipleGross))
		netSum = netSum.Add(decimal.NewFromFloat(*trade.RMultipleNet))
		if *trade.RMultipleNet > 0 {
			winsR++
		}
		n++
	}
	if n == 0 {
		return
	}
	evGross, _ := grossSum.Div(decimal.NewFromInt(int64(n))).Float64()
	evNet, _ := netSum.Div(decimal.NewFromInt(int64(n))).Float64()
	winRate := float64(winsR) / float64(n)
	report.EVRGross = &evGross
	report.EVRNet = &evNet
	report.WinRateR = &winRate
}

func computeBuckets(report *Report, trades []market.Trade) {
	sums := map[string]decimal.Decimal{}
	for _, trade := range trades {
		bucket := trade.Bucket
		if bucket == "" {
			bucket = "unknown"
		}
		sums[bucket] = sums[bucket].Add(decimal.NewFromFloat(trade.PnLNet))
		report.TradesByBucket[bucket]++
	}
	for bucket, sum := range sums {
		n := report.TradesByBucket[bucket]
		ev, _ := sum.Div(decimal.NewFromInt(int64(n))).Float64()
		report.EVByBucket[bucket] = ev
	}
}

// WritePerformance 落盘 performance.json。
func WritePerformance(runDir string, report Report) error {
	payload := map[string]any{
		"schema_version":             PerformanceSchemaVersion,
		"run_id":                     report.RunID,
		"final_equity":               report.FinalEquity,
		"total_trades":               report.TotalTrades,
		"ev_net":                     report.EVNet,
		"win_rate":                   report.WinRate,
		"gross_pnl":                  report.GrossPnL,
		"net_pnl":                    report.NetPnL,
		"fee_total":                  report.FeeTotal,
		"slippage_total":             report.SlippageTotal,
		"spread_total":               report.SpreadTotal,
		"fee_drag_pct":               report.FeeDragPct,
		"slippage_drag_pct":          report.SlippageDragPct,
		"spread_drag_pct":            report.SpreadDragPct,
		"max_drawdown_pct":           report.MaxDrawdownPct,
		"max_drawdown_duration_bars": report.MaxDrawdownBars,
		"cagr":                       optionalFloat(report.CAGR),
		"sharpe_annualized":          optionalFloat(report.SharpeAnnualized),
		"sortino_annualized":         optionalFloat(report.SortinoAnnual),
		"ev_r_gross":                 optionalFloat(report.EVRGross),
		"ev_r_net":                   optionalFloat(report.EVRNet),
		"win_rate_r":                 optionalFloat(report.WinRateR),
		"ev_by_bucket":               toAnyMapF(report.EVByBucket),
		"trades_by_bucket":           toAnyMapI(report.TradesByBucket),
	}
	return artifacts.WriteJSONDeterministic(filepath.Join(runDir, "performance.json"), payload)
}

// WriteBucketCSV 落盘 performance_by_bucket.csv（bucket 排序保证确定性）。
func WriteBucketCSV(runDir string, report Report) error {
	file, err := os.Create(filepath.Join(runDir, "performance_by_bucket.csv"))
	if err != nil {
		return err
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write([]string{"bucket", "n_trades", "ev_net"}); err != nil {
		return err
	}
	buckets := make([]string, 0, len(report.TradesByBucket))
	for bucket := range report.TradesByBucket {
		buckets = append(buckets, bucket)
	}
	sort.Strings(buckets)
	for _, bucket := range buckets {
		row := []string{
			bucket,
			artifacts.FormatFloat(float64(report.TradesByBucket[bucket])),
			artifacts.FormatFloat(report.EVByBucket[bucket]),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func optionalFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func toAnyMapF(m map[string]float64) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toAnyMapI(m map[string]int) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
