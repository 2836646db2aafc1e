package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"riptide/internal/logger"
	"riptide/internal/metrics"
)

// writeSummary 生成一页人读汇总（report.summary 打开时），
// 同时把同一块内容打到日志尾部。
func (e *Engine) writeSummary(report metrics.Report) error {
	var b strings.Builder
	fmt.Fprintf(&b, "run         : %s\n", e.runID)
	fmt.Fprintf(&b, "steps       : %d\n", e.steps)
	fmt.Fprintf(&b, "symbols     : %s\n", strings.Join(e.feed.Symbols(), ","))
	fmt.Fprintf(&b, "trades      : %d (win %.1f%%)\n", report.TotalTrades, report.WinRate*100)
	fmt.Fprintf(&b, "final equity: %.2f\n", report.FinalEquity)
	fmt.Fprintf(&b, "gross pnl   : %.2f\n", report.GrossPnL)
	fmt.Fprintf(&b, "net pnl     : %.2f\n", report.NetPnL)
	fmt.Fprintf(&b, "costs       : fee=%.4f slippage=%.4f spread=%.4f\n",
		report.FeeTotal, report.SlippageTotal, report.SpreadTotal)
	fmt.Fprintf(&b, "max drawdown: %.2f%%\n", report.MaxDrawdownPct*100)
	if report.SharpeAnnualized != nil {
		fmt.Fprintf(&b, "sharpe      : %.3f\n", *report.SharpeAnnualized)
	}
	if report.CAGR != nil {
		fmt.Fprintf(&b, "cagr        : %.2f%%\n", *report.CAGR*100)
	}
	text := b.String()
	logger.InfoBlock(text)
	return os.WriteFile(filepath.Join(e.runDir, "summary.txt"), []byte(text), 0o644)
}
