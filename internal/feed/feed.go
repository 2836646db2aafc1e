package feed

import (
	"container/heap"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"riptide/internal/market"
)

// stream 是参与 k 路归并的单 symbol 流。
type stream interface {
	Symbol() string
	Next() (market.Bar, bool, error)
	Reset() error
	Close() error
}

type heapItem struct {
	ts    time.Time
	order int
	bar   market.Bar
}

// mergeHeap 以 (ts, symbol_order) 为键，symbol_order 保证同刻输出顺序稳定。
type mergeHeap []heapItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if !h[i].ts.Equal(h[j].ts) {
		return h[i].ts.Before(h[j].ts)
	}
	return h[i].order < h[j].order
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(heapItem)) }
func (h *mergeHeap) Pop() any          { old := *h; item := old[len(old)-1]; *h = old[:len(old)-1]; return item }

// Feed 把多条 per-symbol 流按时间对齐合并。每个 tick 产出
// symbol→Bar 映射，该时刻没有 K 线的 symbol 直接缺席（不补缺口）。
type Feed struct {
	streams []stream
	symbols []string
	h       mergeHeap
	primed  bool
	lastTS  time.Time
}

// NewStreaming 从 dataset 目录构建流式 feed（dataset 目录只支持流式）。
func NewStreaming(datasetDir string, scope Scope) (*Feed, error) {
	manifest, err := LoadManifest(datasetDir)
	if err != nil {
		return nil, err
	}
	manifest, err = manifest.ApplyScope(scope)
	if err != nil {
		return nil, err
	}
	streams := make([]stream, 0, len(manifest.Symbols))
	for _, symbol := range manifest.Symbols {
		src, err := NewSymbolSource(symbol, filepath.Join(datasetDir, manifest.FilesBySymbol[symbol]), scope)
		if err != nil {
			return nil, err
		}
		streams = append(streams, src)
	}
	return newFeed(streams)
}

// NewFromFile 整表读入单文件（.csv/.parquet），校验后按内存 feed 工作。
func NewFromFile(path string, scope Scope) (*Feed, error) {
	bars, err := loadTable(path, scope.chunk())
	if err != nil {
		return nil, err
	}
	bySymbol := map[string][]market.Bar{}
	var order []string
	for _, bar := range bars {
		if _, ok := bySymbol[bar.Symbol]; !ok {
			order = append(order, bar.Symbol)
		}
		bySymbol[bar.Symbol] = append(bySymbol[bar.Symbol], bar)
	}
	sort.Strings(order)
	return NewFromBars(order, bySymbol, scope)
}

// NewFromBars 从内存数据构建 feed，测试与基准复用。
func NewFromBars(symbolOrder []string, bySymbol map[string][]market.Bar, scope Scope) (*Feed, error) {
	symbols := append([]string{}, symbolOrder...)
	if len(scope.SymbolsSubset) > 0 {
		for _, symbol := range scope.SymbolsSubset {
			if _, ok := bySymbol[symbol]; !ok {
				return nil, market.NewFault(market.FaultData, "data.symbols_subset 含未知 symbol: %q", symbol)
			}
		}
		symbols = append([]string{}, scope.SymbolsSubset...)
	}
	if scope.MaxSymbols > 0 && len(symbols) > scope.MaxSymbols {
		symbols = symbols[:scope.MaxSymbols]
	}
	streams := make([]stream, 0, len(symbols))
	for _, symbol := range symbols {
		src, err := newMemorySource(symbol, bySymbol[symbol], scope)
		if err != nil {
			return nil, err
		}
		streams = append(streams, src)
	}
	return newFeed(streams)
}

func newFeed(streams []stream) (*Feed, error) {
	f := &Feed{streams: streams}
	for _, s := range streams {
		f.symbols = append(f.symbols, s.Symbol())
	}
	if err := f.prime(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Feed) prime() error {
	f.h = f.h[:0]
	heap.Init(&f.h)
	for i, s := range f.streams {
		if err := f.pushNext(i, s); err != nil {
			return err
		}
	}
	f.primed = true
	return nil
}

func (f *Feed) pushNext(order int, s stream) error {
	bar, ok, err := s.Next()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	heap.Push(&f.h, heapItem{ts: bar.TS, order: order, bar: bar})
	return nil
}

// Symbols 返回参与本次运行的 symbol 列表（裁剪后）。
func (f *Feed) Symbols() []string { return append([]string{}, f.symbols...) }

// Next 产出下一个时间步。ok=false 表示数据耗尽。
func (f *Feed) Next() (time.Time, map[string]market.Bar, bool, error) {
	if f.h.Len() == 0 {
		return time.Time{}, nil, false, nil
	}
	first := heap.Pop(&f.h).(heapItem)
	ts := first.ts
	bars := map[string]market.Bar{first.bar.Symbol: first.bar}
	popped := []int{first.order}
	for f.h.Len() > 0 && f.h[0].ts.Equal(ts) {
		item := heap.Pop(&f.h).(heapItem)
		bars[item.bar.Symbol] = item.bar
		popped = append(popped, item.order)
	}
	for _, order := range popped {
		if err := f.pushNext(order, f.streams[order]); err != nil {
			return time.Time{}, nil, false, err
		}
	}
	f.lastTS = ts
	return ts, bars, true, nil
}

// Reset 把所有底层流拨回起点并重建归并堆。
func (f *Feed) Reset() error {
	for _, s := range f.streams {
		if err := s.Reset(); err != nil {
			return err
		}
	}
	f.lastTS = time.Time{}
	return f.prime()
}

// Close 释放底层文件句柄。
func (f *Feed) Close() error {
	var firstErr error
	for _, s := range f.streams {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// loadTable 把单文件整表读入内存并逐行校验（symbol 列可选，缺省用文件名）。
func loadTable(path string, chunk int) ([]market.Bar, error) {
	var rows rowReader
	var err error
	defaultSymbol := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		rows, err = newCSVReader(path)
	case ".parquet":
		rows, err = newParquetReader(path, chunk)
	default:
		return nil, market.NewFault(market.FaultData, "不支持的文件扩展名: %s", filepath.Ext(path))
	}
	if err != nil {
		return nil, market.WrapFault(market.FaultData, err)
	}
	defer rows.close()

	var bars []market.Bar
	lastTS := map[string]time.Time{}
	for {
		row, ok, err := rows.next()
		if err != nil {
			return nil, market.WrapFault(market.FaultData, err)
		}
		if !ok {
			break
		}
		symbol := row.symbol
		if symbol == "" {
			symbol = defaultSymbol
		}
		ts := row.ts.UTC()
		if ts.Second() != 0 || ts.Nanosecond() != 0 {
			return nil, market.NewFault(market.FaultData,
				"%s: 基础数据必须是 1 分钟 UTC K 线, row %d ts=%s 未对齐到分钟",
				symbol, row.number, ts.Format(time.RFC3339Nano))
		}
		if last, ok := lastTS[symbol]; ok && !ts.After(last) {
			return nil, market.NewFault(market.FaultData,
				"%s: ts 非严格递增 (%s), row %d", symbol, path, row.number)
		}
		lastTS[symbol] = ts
		bar := market.Bar{TS: ts, Symbol: symbol, Open: row.open, High: row.high, Low: row.low, Close: row.close, Volume: row.volume}
		if err := bar.Validate(); err != nil {
			return nil, market.WrapFault(market.FaultData, err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// memorySource 是就地校验过的内存流，供单文件模式与测试使用。
type memorySource struct {
	symbol string
	bars   []market.Bar
	scope  Scope
	pos    int
	sent   int
}

func newMemorySource(symbol string, bars []market.Bar, scope Scope) (*memorySource, error) {
	var last time.Time
	for i, bar := range bars {
		if bar.Symbol != symbol {
			return nil, market.NewFault(market.FaultData, "%s: 第 %d 根 K 线 symbol 不匹配: %q", symbol, i+1, bar.Symbol)
		}
		ts := bar.TS.UTC()
		if ts.Second() != 0 || ts.Nanosecond() != 0 {
			return nil, market.NewFault(market.FaultData, "%s: 基础数据必须是 1 分钟 UTC K 线 (ts=%s)", symbol, ts.Format(time.RFC3339Nano))
		}
		if !last.IsZero() && !ts.After(last) {
			return nil, market.NewFault(market.FaultData, "%s: ts 非严格递增或重复 (ts=%s)", symbol, ts.Format(time.RFC3339))
		}
		last = ts
		if err := bar.Validate(); err != nil {
			return nil, market.WrapFault(market.FaultData, err)
		}
	}
	return &memorySource{symbol: symbol, bars: bars, scope: scope}, nil
}

func (m *memorySource) Symbol() string { return m.symbol }

func (m *memorySource) Next() (market.Bar, bool, error) {
	for m.pos < len(m.bars) {
		if m.scope.RowLimitPerSymbol > 0 && m.sent >= m.scope.RowLimitPerSymbol {
			return market.Bar{}, false, nil
		}
		bar := m.bars[m.pos]
		m.pos++
		if !m.scope.inRange(bar.TS) {
			continue
		}
		m.sent++
		return bar, true, nil
	}
	return market.Bar{}, false, nil
}

func (m *memorySource) Reset() error {
	m.pos, m.sent = 0, 0
	return nil
}

func (m *memorySource) Close() error { return nil }
