package engine

import (
	"context"
	"path/filepath"
	"sort"
	"time"

	"riptide/internal/artifacts"
	"riptide/internal/benchmark"
	"riptide/internal/config"
	"riptide/internal/execution"
	"riptide/internal/feed"
	"riptide/internal/indicator"
	"riptide/internal/logger"
	"riptide/internal/market"
	"riptide/internal/metrics"
	"riptide/internal/portfolio"
	"riptide/internal/report"
	"riptide/internal/risk"
	"riptide/internal/strategy"
)

// historyDepth 是只读上下文保留的每 symbol K 线数。
const historyDepth = 512

// Engine 是单线程的时间步协调器，按固定次序驱动
// feed → 延迟扣减/成交 → HTF+策略 → 冲突+风控 → 入队 → 逐日盯市 →
// 产物行 → 强平检查。一次 run 独占一个输出目录。
type Engine struct {
	cfg   *config.Resolved
	feed  *feed.Feed
	strat strategy.Strategy

	resampler  *feed.Resampler
	registry   *indicator.Registry
	riskEngine *risk.Engine
	execModel  *execution.Model
	pf         *portfolio.Portfolio
	sink       *artifacts.Sink
	sanity     *SanityCounters
	bench      *benchmark.BuyHold

	runID  string
	runDir string
	scope  feed.Scope

	prevBars map[string]market.Bar
	lastBars map[string]market.Bar
	history  map[string][]market.Bar

	stopResolutionCounts map[string]int
	usedLegacyProxy      bool
	rMetricsAllValid     bool
	notes                []string
	steps                int
	lastTS               time.Time
	perf                 metrics.Report
}

// New 从 resolved config 装配引擎。所有部件显式传入，循环期间
// 不读任何进程级全局。
func New(cfg *config.Resolved, dataFeed *feed.Feed, strat strategy.Strategy, scope feed.Scope, runID, runDir string) (*Engine, error) {
	executionSection, _ := cfg.Tree["execution"].(map[string]any)
	profile, err := execution.ResolveProfile(executionSection)
	if err != nil {
		return nil, err
	}
	execModel, err := execution.NewModel(profile, cfg.Cfg.Execution.SpreadMode, cfg.Cfg.Execution.IntrabarMode)
	if err != nil {
		return nil, err
	}
	riskEngine := risk.NewEngine(risk.Params{
		RPerTrade:                cfg.Cfg.Risk.RPerTrade,
		MinStopDistance:          cfg.Cfg.Risk.MinStopDistance,
		MinStopDistancePct:       cfg.Cfg.Risk.MinStopDistancePct,
		MaxPositions:             cfg.Cfg.Risk.MaxPositions,
		MaxNotionalPctEquity:     cfg.Cfg.Risk.MaxNotionalPctEquity,
		MaintenanceFreeMarginPct: cfg.Cfg.Risk.MaintenanceFreeMarginPct,
		MaxLeverage:              cfg.Cfg.Risk.MaxLeverage,
		LotSize:                  cfg.Cfg.Risk.LotSize,
		Mode: risk.Mode{
			StopResolutionMode: cfg.Cfg.Risk.StopResolutionMode,
			AllowLegacyProxy:   cfg.Cfg.Risk.AllowLegacyProxy,
			HybridPolicy:       cfg.Cfg.Risk.HybridPolicy,
		},
	})

	var resampler *feed.Resampler
	if len(cfg.Cfg.HTF.Timeframes) > 0 {
		resampler, err = feed.NewResampler(cfg.Cfg.HTF.Timeframes, cfg.Cfg.HTF.Strict)
		if err != nil {
			return nil, err
		}
	}

	sink, err := artifacts.NewSink(runDir)
	if err != nil {
		return nil, market.WrapFault(market.FaultData, err)
	}

	e := &Engine{
		cfg:                  cfg,
		feed:                 dataFeed,
		strat:                strat,
		resampler:            resampler,
		registry:             indicator.NewRegistry(),
		riskEngine:           riskEngine,
		execModel:            execModel,
		pf:                   portfolio.New(cfg.Cfg.Portfolio.InitialCash, cfg.Cfg.Risk.MaxLeverage),
		sink:                 sink,
		sanity:               NewSanityCounters(runID),
		runID:                runID,
		runDir:               runDir,
		scope:                scope,
		prevBars:             map[string]market.Bar{},
		lastBars:             map[string]market.Bar{},
		history:              map[string][]market.Bar{},
		stopResolutionCounts: map[string]int{},
		rMetricsAllValid:     true,
	}
	if cfg.Cfg.Benchmark.Enabled {
		symbol := cfg.Cfg.Benchmark.Symbol
		if symbol == "" && len(dataFeed.Symbols()) > 0 {
			symbol = dataFeed.Symbols()[0]
		}
		e.bench = benchmark.NewBuyHold(symbol, cfg.Cfg.Portfolio.InitialCash)
	}
	return e, nil
}

func (e *Engine) RunDir() string { return e.runDir }
func (e *Engine) RunID() string  { return e.runID }

// Run 执行整个回测。无论成败 run_status.json 都会写出；
// 失败时逐步产物也尽力落盘，目录留给事后检查。
func (e *Engine) Run(ctx context.Context) error {
	if err := e.cfg.WriteUsed(filepath.Join(e.runDir, "config_used.yaml")); err != nil {
		_ = e.writeRunStatus(err)
		return err
	}
	runErr := e.run(ctx)
	if runErr != nil {
		_ = e.sink.Flush()
		_ = e.sanity.Write(e.runDir)
		_ = e.writeRunStatus(runErr)
		return runErr
	}
	if err := e.writeArtifacts(ctx); err != nil {
		_ = e.writeRunStatus(err)
		return err
	}
	if err := e.writeRunStatus(nil); err != nil {
		return err
	}
	// manifest 最后写，收录全部已产出文件。
	if err := artifacts.WriteRunManifest(e.runDir, e.runID); err != nil {
		return err
	}
	logger.Infof("run %s 完成: steps=%d trades=%d final_equity=%.2f",
		e.runID, e.steps, len(e.sink.Trades()), e.pf.Equity())
	return nil
}

func (e *Engine) run(ctx context.Context) error {
	if binder, ok := e.strat.(strategy.IndicatorBinder); ok {
		binder.BindIndicators(e.registry, e.feed.Symbols())
	}
	tradeable := map[string]bool{}
	for _, symbol := range e.feed.Symbols() {
		tradeable[symbol] = true
	}

	for {
		select {
		case <-ctx.Done():
			return market.NewFault(market.FaultRuntime, "run interrupted: %v", ctx.Err())
		default:
		}

		ts, bars, ok, err := e.feed.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		e.steps++

		if err := e.step(ts, bars, tradeable); err != nil {
			return err
		}

		for symbol, bar := range bars {
			e.prevBars[symbol] = bar
			e.lastBars[symbol] = bar
		}
		e.lastTS = ts
	}

	// 数据耗尽：末根时间戳上强制平掉剩余仓位。
	if err := e.liquidate(e.lastTS, nil, risk.LiquidationEndOfRun); err != nil {
		return err
	}
	return e.pf.CheckInvariants()
}

// step 按 §4.7 的固定子顺序处理一个时间步。
func (e *Engine) step(ts time.Time, bars map[string]market.Bar, tradeable map[string]bool) error {
	// (2)(3) 扣减延迟并对到期订单成交。
	for _, fill := range e.execModel.Step(ts, bars) {
		if err := e.applyFill(fill); err != nil {
			return err
		}
	}
	e.pf.UpdateExtremes(bars)

	// (4) HTF 聚合、指标更新、策略回调。symbol 排序保证逐位一致。
	symbols := sortedSymbols(bars)
	for _, symbol := range symbols {
		bar := bars[symbol]
		if e.resampler != nil {
			e.resampler.Update(bar)
		}
		e.registry.UpdateBar(bar)
		e.history[symbol] = appendHistory(e.history[symbol], bar)
	}
	ctxView := strategy.NewContextView(e.pf.Snapshot(), e.registry, e.resampler, e.history, historyDepth)
	signals, err := e.strat.OnBars(ts, bars, tradeable, ctxView)
	if err != nil {
		return market.WrapFault(market.FaultStrategy, err)
	}
	for _, sig := range signals {
		if !sig.TS.Equal(ts) {
			return market.NewFault(market.FaultStrategy,
				"%s: signal ts (%s) 必须等于当前步 ts (%s)", sig.Symbol, sig.TS, ts)
		}
	}

	// (5) 冲突消解 + 风控。
	resolved, conflictNotes, err := strategy.ResolveConflicts(signals, e.cfg.Cfg.Strategy.SignalConflictPolicy)
	if err != nil {
		return err
	}
	for _, note := range conflictNotes {
		metadata := map[string]any{
			"policy":        note.Policy,
			"dropped_count": note.DroppedCount,
			"reason":        note.Reason,
		}
		if note.Kept != nil {
			metadata["kept_signal_type"] = note.Kept.SignalType
			metadata["kept_side"] = string(note.Kept.Side)
		}
		e.sink.RecordDecision(market.Decision{
			TS: note.TS, Symbol: note.Symbol, Accepted: false,
			ReasonCode: risk.ConflictNetOut, Metadata: metadata,
		})
	}

	for _, sig := range resolved {
		bar, ok := bars[sig.Symbol]
		if !ok {
			return market.NewFault(market.FaultStrategy,
				"%s: 信号指向当前步没有 K 线的 symbol", sig.Symbol)
		}
		// legacy proxy 的参照 K 线：有前一根用前一根，首根退回当前根。
		refBar := bar
		if prev, ok := e.prevBars[sig.Symbol]; ok {
			refBar = prev
		}
		intent, decision, err := e.riskEngine.Evaluate(ts, sig, bar, &refBar, e.pf, e.registry)
		if err != nil {
			return err
		}
		e.sink.RecordDecision(decision)
		e.sanity.RecordDecision(decision.Accepted, decision.ReasonCode)
		if intent == nil {
			continue
		}
		// (6) 放行意图入队。
		if err := e.execModel.Enqueue(*intent); err != nil {
			return err
		}
		if !intent.Meta.ReduceOnly {
			e.stopResolutionCounts[intent.Meta.StopSource]++
			if intent.Meta.UsedLegacyProxy {
				e.usedLegacyProxy = true
			}
			if !intent.Meta.RMetricsValid {
				e.rMetricsAllValid = false
			}
		}
	}

	// (7)(8) 逐日盯市并记录本步产物行。
	e.pf.MarkToMarket(bars)
	e.sink.RecordEquity(e.pf.EquityPoint(ts))
	if e.bench != nil {
		e.bench.Observe(ts, bars)
	}

	// (9) 强平检查。
	if e.pf.FreeMargin() < 0 {
		if err := e.liquidate(ts, bars, risk.LiquidationMargin); err != nil {
			return err
		}
	}
	return e.pf.CheckInvariants()
}

func (e *Engine) applyFill(fill market.Fill) error {
	e.sink.RecordFill(fill)
	e.sanity.Fills++
	trades, err := e.pf.ApplyFill(fill)
	if err != nil {
		return err
	}
	for _, trade := range trades {
		e.sink.RecordTrade(trade)
		e.sanity.ClosedTrades++
	}
	return nil
}

// liquidate 用执行模型的同一条成本管线平掉全部持仓。
// bars 为 nil（end_of_run）或缺该 symbol 时，以最后已知收盘价合成
// O=H=L=C 的 K 线，保证强平永不失败。
func (e *Engine) liquidate(ts time.Time, bars map[string]market.Bar, reason string) error {
	positions := e.pf.OpenPositions()
	if len(positions) == 0 {
		return nil
	}
	for _, pos := range positions {
		bar, ok := market.Bar{}, false
		if bars != nil {
			bar, ok = bars[pos.Symbol]
		}
		if !ok {
			close, haveMark := e.pf.LastMark(pos.Symbol)
			if !haveMark {
				if last, haveLast := e.lastBars[pos.Symbol]; haveLast {
					close = last.Close
					haveMark = true
				}
			}
			if !haveMark {
				close = pos.AvgPrice
			}
			bar = market.Bar{
				TS: ts, Symbol: pos.Symbol,
				Open: close, High: close, Low: close, Close: close,
			}
		}
		meta := market.IntentMeta{
			ReasonCode:         reason,
			ReduceOnly:         true,
			StopResolutionMode: e.riskEngine.Mode().StopResolutionMode,
		}
		fill := e.execModel.FillAt(ts, pos.Symbol, pos.Side.Opposite(), pos.Qty, bar, meta)
		if err := e.applyFill(fill); err != nil {
			return err
		}
		e.sink.RecordDecision(market.Decision{
			TS: ts, Symbol: pos.Symbol, Accepted: true, ReasonCode: reason,
			Metadata: map[string]any{"qty": pos.Qty, "side": string(pos.Side.Opposite())},
		})
		e.sanity.ForcedLiquidations++
	}
	e.pf.MarkToMarket(nil)
	return nil
}

// writeArtifacts 在成功路径写出全部运行级产物。
func (e *Engine) writeArtifacts(ctx context.Context) error {
	if err := e.sink.Flush(); err != nil {
		return err
	}
	e.perf = metrics.Compute(e.runID, e.cfg.Cfg.Portfolio.InitialCash, e.sink.Equity(), e.sink.Trades(), e.sink.Fills())
	if err := metrics.WritePerformance(e.runDir, e.perf); err != nil {
		return err
	}
	if err := metrics.WriteBucketCSV(e.runDir, e.perf); err != nil {
		return err
	}
	if err := e.sanity.Write(e.runDir); err != nil {
		return err
	}
	if e.scope.Active() {
		if err := artifacts.WriteDataScope(e.runDir, e.scope.Payload(e.feed.Symbols())); err != nil {
			return err
		}
	}
	if e.bench != nil {
		if err := e.bench.WriteEquityCSV(e.runDir); err != nil {
			return err
		}
		symbol := e.cfg.Cfg.Benchmark.Symbol
		if symbol == "" && len(e.feed.Symbols()) > 0 {
			symbol = e.feed.Symbols()[0]
		}
		if err := benchmark.WriteCompare(e.runDir, symbol, e.cfg.Cfg.Portfolio.InitialCash, e.bench.FinalEquity()); err != nil {
			return err
		}
	}
	if e.cfg.Cfg.Report.Summary {
		if err := e.writeSummary(e.perf); err != nil {
			return err
		}
	}
	if e.cfg.Cfg.Report.Chart {
		htmlPath, err := report.WriteEquityChart(e.runDir, e.runID, e.sink.Equity())
		if err != nil {
			return err
		}
		if e.cfg.Cfg.Report.PNG {
			// 无头浏览器缺席时只降级告警，不拖垮整次运行。
			if err := report.WriteEquityPNG(ctx, e.runDir, htmlPath); err != nil {
				logger.Warnf("equity.png 渲染失败（已跳过）: %v", err)
			}
		}
	}
	return nil
}

// Perf 返回本次运行的聚合指标（Run 成功后有效）。
func (e *Engine) Perf() metrics.Report { return e.perf }

// Sink 暴露逐步产物缓冲，供结果库等下游读取。
func (e *Engine) Sink() *artifacts.Sink { return e.sink }

func sortedSymbols(bars map[string]market.Bar) []string {
	symbols := make([]string, 0, len(bars))
	for symbol := range bars {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

func appendHistory(bars []market.Bar, bar market.Bar) []market.Bar {
	bars = append(bars, bar)
	if len(bars) > historyDepth {
		bars = bars[len(bars)-historyDepth:]
	}
	return bars
}
