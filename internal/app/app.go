package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"riptide/internal/config"
	"riptide/internal/engine"
	"riptide/internal/feed"
	"riptide/internal/fetch"
	"riptide/internal/logger"
	"riptide/internal/market"
	"riptide/internal/results"
	"riptide/internal/server"
	"riptide/internal/strategy"
)

// Options 来自 CLI 标志。overlay 顺序固定：--config → --override(可重复) →
// --local-config；--data/--out 直接覆盖对应配置键。
type Options struct {
	Mode        string // run | fetch | serve
	ConfigPath  string
	Overrides   []string
	LocalConfig string
	DataPath    string
	OutDir      string

	FetchSymbols []string
	FetchStart   string
	FetchEnd     string
	FetchOut     string
}

// App 是装配完成的应用：配置已归一化，子命令从这里分发。
type App struct {
	cfg  *config.Resolved
	opts Options
}

// NewApp 加载 overlay 链并构建 App。
func NewApp(opts Options) (*App, error) {
	paths := []string{}
	if opts.ConfigPath != "" {
		paths = append(paths, opts.ConfigPath)
	}
	paths = append(paths, opts.Overrides...)
	if opts.LocalConfig != "" {
		paths = append(paths, opts.LocalConfig)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, opts: opts}, nil
}

func (a *App) Config() *config.Resolved { return a.cfg }

// Run 按模式分发。
func (a *App) Run(ctx context.Context) error {
	switch a.opts.Mode {
	case "", "run":
		return a.runBacktest(ctx)
	case "fetch":
		return a.runFetch(ctx)
	case "serve":
		return a.runServe(ctx)
	default:
		return fmt.Errorf("未知子命令: %q (可用: run|fetch|serve)", a.opts.Mode)
	}
}

func (a *App) runBacktest(ctx context.Context) error {
	dataPath := a.opts.DataPath
	if dataPath == "" {
		dataPath = a.cfg.Cfg.Data.Path
	}
	if dataPath == "" {
		return market.NewFault(market.FaultConfig, "缺少数据路径：--data 或 data.path")
	}
	scope, err := buildScope(a.cfg.Cfg.Data)
	if err != nil {
		return err
	}
	dataFeed, err := openFeed(dataPath, scope)
	if err != nil {
		return err
	}
	defer dataFeed.Close()

	strategyName := a.cfg.Cfg.Strategy.Name
	if strategyName == "" {
		strategyName = "coinflip"
	}
	strat, err := strategy.New(strategyName, a.cfg.Cfg.Strategy.Params)
	if err != nil {
		return err
	}

	outDir := a.opts.OutDir
	if outDir == "" {
		outDir = a.cfg.Cfg.App.OutDir
	}
	runID := "run_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	runDir := filepath.Join(outDir, runID)

	eng, err := engine.New(a.cfg, dataFeed, strat, scope, runID, runDir)
	if err != nil {
		return err
	}

	var store *results.Store
	if a.cfg.Cfg.Report.ResultsDB {
		store, err = results.NewStore(outDir)
		if err != nil {
			return err
		}
		defer store.Close()
		configJSON, _ := json.Marshal(a.cfg.Tree)
		_ = store.InsertRun(ctx, results.RunRecord{
			ID:          runID,
			Status:      "running",
			Strategy:    strategyName,
			Symbols:     strings.Join(dataFeed.Symbols(), ","),
			InitialCash: a.cfg.Cfg.Portfolio.InitialCash,
			RunDir:      runDir,
			ConfigJSON:  string(configJSON),
			CreatedAt:   time.Now().UTC(),
		})
	}

	runErr := eng.Run(ctx)
	if store != nil {
		status := "done"
		message := ""
		if runErr != nil {
			status = "failed"
			message = runErr.Error()
		}
		perf := eng.Perf()
		if err := store.CompleteRun(ctx, runID, status, perf.FinalEquity, perf.NetPnL, perf.TotalTrades, message); err != nil {
			logger.Warnf("results store 回填失败: %v", err)
		}
		if runErr == nil {
			if err := store.InsertTrades(ctx, runID, eng.Sink().Trades()); err != nil {
				logger.Warnf("results store 写 trades 失败: %v", err)
			}
			if err := store.InsertEquity(ctx, runID, eng.Sink().Equity()); err != nil {
				logger.Warnf("results store 写 equity 失败: %v", err)
			}
		}
	}
	return runErr
}

func (a *App) runFetch(ctx context.Context) error {
	if len(a.opts.FetchSymbols) == 0 {
		return fmt.Errorf("fetch 需要 --symbols")
	}
	start, err := parseFetchTime(a.opts.FetchStart)
	if err != nil {
		return fmt.Errorf("--start: %w", err)
	}
	end, err := parseFetchTime(a.opts.FetchEnd)
	if err != nil {
		return fmt.Errorf("--end: %w", err)
	}
	if end.IsZero() {
		end = time.Now().UTC().Truncate(time.Minute)
	}
	if start.IsZero() {
		start = end.Add(-24 * time.Hour)
	}
	outDir := a.opts.FetchOut
	if outDir == "" {
		outDir = "datasets/fetched"
	}
	service := fetch.NewService(a.cfg.Cfg.Fetch.BaseURL)
	return service.Run(ctx, fetch.Params{
		Symbols:     a.opts.FetchSymbols,
		Interval:    "1m",
		Start:       start,
		End:         end,
		OutDir:      outDir,
		Concurrency: a.cfg.Cfg.Fetch.Concurrency,
	})
}

func (a *App) runServe(ctx context.Context) error {
	outDir := a.opts.OutDir
	if outDir == "" {
		outDir = a.cfg.Cfg.App.OutDir
	}
	store, err := results.NewStore(outDir)
	if err != nil {
		return err
	}
	defer store.Close()
	return server.New(store, a.cfg.Cfg.Server.Addr).Run(ctx)
}

// buildScope 把 data.* 裁剪旋钮转换为 feed.Scope。
func buildScope(data config.DataConfig) (feed.Scope, error) {
	scope := feed.Scope{
		SymbolsSubset:     data.SymbolsSubset,
		MaxSymbols:        data.MaxSymbols,
		RowLimitPerSymbol: data.RowLimitPerSymbol,
		Chunksize:         data.Chunksize,
	}
	if data.DateRange != nil {
		start, end, err := data.DateRange.Parse()
		if err != nil {
			return feed.Scope{}, market.WrapFault(market.FaultConfig, err)
		}
		scope.DateStart, scope.DateEnd = start, end
	}
	return scope, nil
}

// openFeed 按路径类型选择输入模式：目录走流式 dataset，文件走整表。
func openFeed(path string, scope feed.Scope) (*feed.Feed, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, market.NewFault(market.FaultData, "数据路径不存在: %s", path)
	}
	if info.IsDir() {
		return feed.NewStreaming(path, scope)
	}
	return feed.NewFromFile(path, scope)
}

func parseFetchTime(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("无法解析时间 %q", raw)
}
