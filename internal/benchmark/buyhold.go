package benchmark

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"time"

	"riptide/internal/artifacts"
	"riptide/internal/market"
)

// BuyHold 在同一条 feed 上跟踪买入持有基准：首个收盘价全仓买入，
// 此后逐步标记。与策略共用时间轴，供 compare 产出超额收益。
type BuyHold struct {
	symbol      string
	initialCash float64
	entryPrice  float64
	points      []market.EquityPoint
}

func NewBuyHold(symbol string, initialCash float64) *BuyHold {
	return &BuyHold{symbol: symbol, initialCash: initialCash}
}

// Observe 每个时间步调用一次；基准 symbol 当步缺 K 线时沿用上一个权益点。
func (b *BuyHold) Observe(ts time.Time, bars map[string]market.Bar) {
	bar, ok := bars[b.symbol]
	if !ok {
		if len(b.points) > 0 {
			last := b.points[len(b.points)-1]
			last.TS = ts
			b.points = append(b.points, last)
		}
		return
	}
	if b.entryPrice == 0 {
		b.entryPrice = bar.Close
	}
	equity := b.initialCash * bar.Close / b.entryPrice
	b.points = append(b.points, market.EquityPoint{
		TS:            ts,
		Cash:          0,
		Equity:        equity,
		RealizedPnL:   0,
		UnrealizedPnL: equity - b.initialCash,
		MarginUsed:    equity,
	})
}

// FinalEquity 返回基准终值（无数据时等于初始资金）。
func (b *BuyHold) FinalEquity() float64 {
	if len(b.points) == 0 {
		return b.initialCash
	}
	return b.points[len(b.points)-1].Equity
}

// WriteEquityCSV 落盘 benchmark_equity.csv。
func (b *BuyHold) WriteEquityCSV(runDir string) error {
	file, err := os.Create(filepath.Join(runDir, "benchmark_equity.csv"))
	if err != nil {
		return err
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write([]string{"ts", "equity"}); err != nil {
		return err
	}
	for _, point := range b.points {
		if err := w.Write([]string{point.TS.UTC().Format(time.RFC3339), artifacts.FormatFloat(point.Equity)}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
