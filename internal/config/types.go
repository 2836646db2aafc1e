package config

import (
	"fmt"
	"time"
)

// Config 是归一化后的配置树的类型化视图。规范键统一落在
// execution.* / risk.* / data.* / strategy.* / htf_resampler.* / benchmark.*
// 下，别名在 Resolve 阶段已消解。
type Config struct {
	App       AppConfig       `toml:"app"`
	Data      DataConfig      `toml:"data"`
	Execution ExecutionConfig `toml:"execution"`
	Risk      RiskConfig      `toml:"risk"`
	Strategy  StrategyConfig  `toml:"strategy"`
	HTF       ResamplerConfig `toml:"htf_resampler"`
	Benchmark BenchmarkConfig `toml:"benchmark"`
	Portfolio PortfolioConfig `toml:"portfolio"`
	Report    ReportConfig    `toml:"report"`
	Fetch     FetchConfig     `toml:"fetch"`
	Server    ServerConfig    `toml:"server"`
}

type AppConfig struct {
	LogLevel string `toml:"log_level"`
	LogPath  string `toml:"log_path"`
	OutDir   string `toml:"out_dir"`
}

// DataConfig 控制数据源与裁剪范围。SymbolsSubset 的别名 data.symbols
// 在 Resolve 阶段合并。
type DataConfig struct {
	Path              string     `toml:"path"`
	SymbolsSubset     []string   `toml:"symbols_subset"`
	MaxSymbols        int        `toml:"max_symbols"`
	DateRange         *DateRange `toml:"date_range"`
	RowLimitPerSymbol int        `toml:"row_limit_per_symbol"`
	Chunksize         int        `toml:"chunksize"`
	Timeframe         string     `toml:"timeframe"`
}

// DateRange 是 UTC 半开区间 [start, end)。
type DateRange struct {
	Start string `toml:"start"`
	End   string `toml:"end"`
}

// Parse 解析 RFC3339 时间并强制 UTC。
func (d *DateRange) Parse() (time.Time, time.Time, error) {
	var start, end time.Time
	var err error
	if d.Start != "" {
		if start, err = parseUTC(d.Start); err != nil {
			return start, end, fmt.Errorf("data.date_range.start: %w", err)
		}
	}
	if d.End != "" {
		if end, err = parseUTC(d.End); err != nil {
			return start, end, fmt.Errorf("data.date_range.end: %w", err)
		}
	}
	if !start.IsZero() && !end.IsZero() && !start.Before(end) {
		return start, end, fmt.Errorf("data.date_range: start must be before end")
	}
	return start, end, nil
}

func parseUTC(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as UTC timestamp", s)
}

type ExecutionConfig struct {
	Profile      string `toml:"profile"`
	SpreadMode   string `toml:"spread_mode"`
	IntrabarMode string `toml:"intrabar_mode"`
	// 仅 profile=custom 时出现。
	MakerFee    *float64 `toml:"maker_fee"`
	TakerFee    *float64 `toml:"taker_fee"`
	SlippageBps *float64 `toml:"slippage_bps"`
	SpreadBps   *float64 `toml:"spread_bps"`
	DelayBars   *int     `toml:"delay_bars"`
}

type RiskConfig struct {
	RPerTrade                float64 `toml:"r_per_trade"`
	StopResolutionMode       string  `toml:"stop_resolution_mode"`
	AllowLegacyProxy         bool    `toml:"allow_legacy_proxy"`
	MinStopDistance          float64 `toml:"min_stop_distance"`
	MinStopDistancePct       float64 `toml:"min_stop_distance_pct"`
	MaxPositions             int     `toml:"max_positions"`
	MaxNotionalPctEquity     float64 `toml:"max_notional_pct_equity"`
	MaintenanceFreeMarginPct float64 `toml:"maintenance_free_margin_pct"`
	MaxLeverage              float64 `toml:"max_leverage"`
	HybridPolicy             string  `toml:"hybrid_policy"`
	LotSize                  float64 `toml:"lot_size"`
}

type StrategyConfig struct {
	Name                 string         `toml:"name"`
	SignalConflictPolicy string         `toml:"signal_conflict_policy"`
	Params               map[string]any `toml:"params"`
}

type ResamplerConfig struct {
	Timeframes []string `toml:"timeframes"`
	Strict     bool     `toml:"strict"`
}

type BenchmarkConfig struct {
	Enabled bool   `toml:"enabled"`
	Symbol  string `toml:"symbol"`
}

type PortfolioConfig struct {
	InitialCash float64 `toml:"initial_cash"`
}

// ReportConfig 控制可选产物：summary.txt、equity.html、equity.png、runs.db。
type ReportConfig struct {
	Summary   bool `toml:"summary"`
	Chart     bool `toml:"chart"`
	PNG       bool `toml:"png"`
	ResultsDB bool `toml:"results_db"`
}

// FetchConfig 供 riptide fetch 子命令使用。
type FetchConfig struct {
	BaseURL     string `toml:"base_url"`
	Interval    string `toml:"interval"`
	Concurrency int    `toml:"concurrency"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}
