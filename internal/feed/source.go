package feed

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"riptide/internal/market"
)

// BarIter 是可重启的惰性 K 线流。Next 返回 (bar, ok, err)；ok=false 表示
// 流结束。Reset 把流拨回起点，供引擎之外的消费者（基准等）复用。
type BarIter interface {
	Next() (market.Bar, bool, error)
	Reset() error
	Close() error
}

// Scope 是数据裁剪旋钮，按固定顺序生效：
// symbols_subset → max_symbols → date_range → row_limit_per_symbol → chunksize。
type Scope struct {
	SymbolsSubset     []string
	MaxSymbols        int
	DateStart         time.Time
	DateEnd           time.Time
	RowLimitPerSymbol int
	Chunksize         int
}

// Active 判断是否有缩减数据范围的旋钮生效（chunksize 只影响性能，不算）。
func (s Scope) Active() bool {
	return len(s.SymbolsSubset) > 0 || s.MaxSymbols > 0 ||
		!s.DateStart.IsZero() || !s.DateEnd.IsZero() || s.RowLimitPerSymbol > 0
}

// Payload 生成 data_scope.json 的内容。
func (s Scope) Payload(symbols []string) map[string]any {
	payload := map[string]any{
		"symbols_effective": symbols,
	}
	if len(s.SymbolsSubset) > 0 {
		payload["symbols_subset"] = s.SymbolsSubset
	}
	if s.MaxSymbols > 0 {
		payload["max_symbols"] = s.MaxSymbols
	}
	if !s.DateStart.IsZero() || !s.DateEnd.IsZero() {
		rangePayload := map[string]any{}
		if !s.DateStart.IsZero() {
			rangePayload["start"] = s.DateStart.Format(time.RFC3339)
		}
		if !s.DateEnd.IsZero() {
			rangePayload["end"] = s.DateEnd.Format(time.RFC3339)
		}
		payload["date_range"] = rangePayload
	}
	if s.RowLimitPerSymbol > 0 {
		payload["row_limit_per_symbol"] = s.RowLimitPerSymbol
	}
	return payload
}

func (s Scope) chunk() int {
	if s.Chunksize > 0 {
		return s.Chunksize
	}
	return 200_000
}

// inRange 应用 UTC 半开区间 [start, end)。
func (s Scope) inRange(ts time.Time) bool {
	if !s.DateStart.IsZero() && ts.Before(s.DateStart) {
		return false
	}
	if !s.DateEnd.IsZero() && !ts.Before(s.DateEnd) {
		return false
	}
	return true
}

// SymbolSource 按行读取并校验单个 symbol 的数据文件（.csv / .parquet）。
// 校验规则：ts 必须带时区且为 UTC、严格递增、OHLC 结构约束、volume >= 0。
type SymbolSource struct {
	symbol string
	path   string
	scope  Scope

	rows    rowReader
	lastTS  time.Time
	emitted int
	done    bool
}

// rowReader 是底层文件格式适配层。
type rowReader interface {
	next() (rawRow, bool, error)
	reset() error
	close() error
}

type rawRow struct {
	ts     time.Time
	tsRaw  string
	open   float64
	high   float64
	low    float64
	close  float64
	volume float64
	symbol string
	number int
}

// NewSymbolSource 打开数据文件并根据扩展名选择读取器。
func NewSymbolSource(symbol, path string, scope Scope) (*SymbolSource, error) {
	if symbol == "" {
		return nil, market.NewFault(market.FaultData, "symbol 不能为空")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, market.NewFault(market.FaultData, "%s: 数据文件不存在: %s", symbol, path)
	}
	src := &SymbolSource{symbol: symbol, path: path, scope: scope}
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		src.rows, err = newCSVReader(path)
	case ".parquet":
		src.rows, err = newParquetReader(path, scope.chunk())
	default:
		return nil, market.NewFault(market.FaultData, "%s: 不支持的文件扩展名: %s", symbol, filepath.Ext(path))
	}
	if err != nil {
		return nil, market.WrapFault(market.FaultData, err)
	}
	return src, nil
}

func (s *SymbolSource) Symbol() string { return s.symbol }

// Next 产出下一根通过校验、落在 scope 内的 K 线。
func (s *SymbolSource) Next() (market.Bar, bool, error) {
	if s.done {
		return market.Bar{}, false, nil
	}
	for {
		if s.scope.RowLimitPerSymbol > 0 && s.emitted >= s.scope.RowLimitPerSymbol {
			s.done = true
			return market.Bar{}, false, nil
		}
		row, ok, err := s.rows.next()
		if err != nil {
			return market.Bar{}, false, market.WrapFault(market.FaultData, err)
		}
		if !ok {
			s.done = true
			return market.Bar{}, false, nil
		}
		bar, err := s.validateRow(row)
		if err != nil {
			return market.Bar{}, false, err
		}
		s.lastTS = bar.TS
		if !s.scope.inRange(bar.TS) {
			continue
		}
		s.emitted++
		return bar, true, nil
	}
}

func (s *SymbolSource) validateRow(row rawRow) (market.Bar, error) {
	if row.symbol != "" && row.symbol != s.symbol {
		return market.Bar{}, market.NewFault(market.FaultData,
			"%s: 文件内出现不匹配的 symbol 值 %q (row %d)", s.symbol, row.symbol, row.number)
	}
	ts := row.ts.UTC()
	if ts.Second() != 0 || ts.Nanosecond() != 0 {
		return market.Bar{}, market.NewFault(market.FaultData,
			"%s: 基础数据必须是 1 分钟 UTC K 线, row %d ts=%s 未对齐到分钟",
			s.symbol, row.number, ts.Format(time.RFC3339Nano))
	}
	if !s.lastTS.IsZero() && !ts.After(s.lastTS) {
		return market.Bar{}, market.NewFault(market.FaultData,
			"%s: ts 非严格递增 (%s), row %d ts=%s", s.symbol, s.path, row.number, ts.Format(time.RFC3339))
	}
	bar := market.Bar{
		TS:     ts,
		Symbol: s.symbol,
		Open:   row.open,
		High:   row.high,
		Low:    row.low,
		Close:  row.close,
		Volume: row.volume,
	}
	if err := bar.Validate(); err != nil {
		return market.Bar{}, market.WrapFault(market.FaultData, fmt.Errorf("row %d: %w", row.number, err))
	}
	return bar, nil
}

// Reset 重新打开底层文件，流回到起点。
func (s *SymbolSource) Reset() error {
	if err := s.rows.reset(); err != nil {
		return market.WrapFault(market.FaultData, err)
	}
	s.lastTS = time.Time{}
	s.emitted = 0
	s.done = false
	return nil
}

func (s *SymbolSource) Close() error { return s.rows.close() }

// csvReader 流式读 CSV，不整表加载。
type csvReader struct {
	path    string
	file    *os.File
	reader  *csv.Reader
	columns map[string]int
	number  int
}

func newCSVReader(path string) (*csvReader, error) {
	r := &csvReader{path: path}
	if err := r.reset(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *csvReader) reset() error {
	if r.file != nil {
		_ = r.file.Close()
	}
	file, err := os.Open(r.path)
	if err != nil {
		return err
	}
	r.file = file
	r.reader = csv.NewReader(file)
	r.reader.ReuseRecord = true
	r.number = 0

	header, err := r.reader.Read()
	if err != nil {
		return fmt.Errorf("读取 CSV 表头失败 (%s): %w", r.path, err)
	}
	r.columns = map[string]int{}
	for i, name := range header {
		r.columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"ts", "open", "high", "low", "close", "volume"} {
		if _, ok := r.columns[required]; !ok {
			return fmt.Errorf("CSV 缺少必需列 %q (%s)", required, r.path)
		}
	}
	return nil
}

func (r *csvReader) next() (rawRow, bool, error) {
	record, err := r.reader.Read()
	if err == io.EOF {
		return rawRow{}, false, nil
	}
	if err != nil {
		return rawRow{}, false, err
	}
	r.number++
	row := rawRow{number: r.number}
	row.tsRaw = record[r.columns["ts"]]
	row.ts, err = parseUTCTimestamp(row.tsRaw)
	if err != nil {
		return rawRow{}, false, fmt.Errorf("row %d: %w", r.number, err)
	}
	fields := []struct {
		name string
		dst  *float64
	}{
		{"open", &row.open}, {"high", &row.high}, {"low", &row.low},
		{"close", &row.close}, {"volume", &row.volume},
	}
	for _, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[r.columns[f.name]]), 64)
		if err != nil {
			return rawRow{}, false, fmt.Errorf("row %d: 列 %q 不是数值: %q", r.number, f.name, record[r.columns[f.name]])
		}
		*f.dst = v
	}
	if idx, ok := r.columns["symbol"]; ok {
		row.symbol = strings.TrimSpace(record[idx])
	}
	return row, true, nil
}

func (r *csvReader) close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}

// parseUTCTimestamp 要求时间串自带时区信息（裸时间一律拒绝）。
func parseUTCTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05Z07:00"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	if epoch, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return fromEpoch(epoch), nil
	}
	return time.Time{}, fmt.Errorf("ts 必须是带时区的 UTC 时间戳, got %q", raw)
}

// fromEpoch 按数量级猜测 epoch 单位（s/ms/us/ns）。
func fromEpoch(v int64) time.Time {
	switch {
	case v >= 1e17:
		return time.Unix(0, v).UTC()
	case v >= 1e14:
		return time.UnixMicro(v).UTC()
	case v >= 1e11:
		return time.UnixMilli(v).UTC()
	default:
		return time.Unix(v, 0).UTC()
	}
}
