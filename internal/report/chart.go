package report

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"

	"riptide/internal/market"
)

const (
	colorBackground = "#060c1b"
	colorEquity     = "#34d399"
	colorDrawdown   = "#f87171"

	chartWidth  = "1600px"
	chartHeight = "520px"
)

// WriteEquityChart 把权益曲线与回撤渲染成 equity.html（report.chart 打开时）。
func WriteEquityChart(runDir, runID string, equity []market.EquityPoint) (string, error) {
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)

	xs := make([]string, 0, len(equity))
	equitySeries := make([]opts.LineData, 0, len(equity))
	drawdownSeries := make([]opts.LineData, 0, len(equity))
	peak := 0.0
	for _, point := range equity {
		xs = append(xs, point.TS.UTC().Format(time.RFC3339))
		equitySeries = append(equitySeries, opts.LineData{Value: point.Equity})
		if point.Equity > peak {
			peak = point.Equity
		}
		dd := 0.0
		if peak > 0 {
			dd = (peak - point.Equity) / peak * 100
		}
		drawdownSeries = append(drawdownSeries, opts.LineData{Value: -dd})
	}

	equityLine := charts.NewLine()
	equityLine.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeChalk,
			Width:           chartWidth,
			Height:          chartHeight,
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{Title: "equity " + runID}),
		charts.WithTooltipOpts(opts.Tooltip{Trigger: "axis"}),
	)
	equityLine.SetXAxis(xs).AddSeries("equity", equitySeries,
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorEquity}))

	drawdownLine := charts.NewLine()
	drawdownLine.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeChalk,
			Width:           chartWidth,
			Height:          "260px",
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{Title: "drawdown %"}),
	)
	drawdownLine.SetXAxis(xs).AddSeries("drawdown", drawdownSeries,
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorDrawdown}))

	page.AddCharts(equityLine, drawdownLine)

	path := filepath.Join(runDir, "equity.html")
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	if err := page.Render(file); err != nil {
		return "", err
	}
	return path, nil
}
