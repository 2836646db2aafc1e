package feed

import (
	"strings"
	"time"

	"riptide/internal/market"
)

// 支持的高周期及其分钟数。基础流假定为 1 分钟，bucket 内缺口检测的
// 阈值与该假定绑定（见 gapThreshold）。
var timeframeMinutes = map[string]int{
	"1m": 1, "3m": 3, "5m": 5, "15m": 15, "30m": 30,
	"1h": 60, "4h": 240, "1d": 1440,
}

// gapThreshold 与 1 分钟基础周期绑定；若未来支持非 1m 基础流，
// 此阈值必须跟着参数化。
const gapThreshold = time.Minute

// NormalizeTimeframe 校验并归一化周期字符串。
func NormalizeTimeframe(value string) (string, error) {
	tf := strings.ToLower(strings.TrimSpace(value))
	if _, ok := timeframeMinutes[tf]; !ok {
		return "", market.NewFault(market.FaultConfig,
			"不支持的 timeframe: %q（可用: 1m 3m 5m 15m 30m 1h 4h 1d）", value)
	}
	return tf, nil
}

// TimeframeDuration 返回周期时长。
func TimeframeDuration(tf string) time.Duration {
	return time.Duration(timeframeMinutes[tf]) * time.Minute
}

type bucketState struct {
	bucketStart  time.Time
	open         float64
	high         float64
	low          float64
	close        float64
	volume       float64
	nBars        int
	expectedBars int
	incomplete   bool
	lastSeen     time.Time
}

// Resampler 把 1 分钟 K 线流式聚合为高周期 K 线。
// bucket 在下一个 bucket 的首根 K 线到达时关闭；strict 模式丢弃不完整
// bucket；流结束时余下的未关闭 bucket 永不发出。
type Resampler struct {
	timeframes   []string
	strict       bool
	states       map[string]map[string]*bucketState // tf → symbol → bucket
	latestClosed map[string]map[string]market.HTFBar
}

// NewResampler 构造 resampler；timeframes 保序去重。
func NewResampler(timeframes []string, strict bool) (*Resampler, error) {
	if len(timeframes) == 0 {
		return nil, market.NewFault(market.FaultConfig, "resampler 至少需要一个 timeframe")
	}
	seen := map[string]bool{}
	var normalized []string
	for _, tf := range timeframes {
		n, err := NormalizeTimeframe(tf)
		if err != nil {
			return nil, err
		}
		if !seen[n] {
			seen[n] = true
			normalized = append(normalized, n)
		}
	}
	r := &Resampler{
		timeframes:   normalized,
		strict:       strict,
		states:       map[string]map[string]*bucketState{},
		latestClosed: map[string]map[string]market.HTFBar{},
	}
	for _, tf := range normalized {
		r.states[tf] = map[string]*bucketState{}
		r.latestClosed[tf] = map[string]market.HTFBar{}
	}
	return r, nil
}

// Timeframes 返回目标周期（归一化后保序）。
func (r *Resampler) Timeframes() []string { return append([]string{}, r.timeframes...) }

// LatestClosed 返回某 symbol/timeframe 最近关闭的 HTF K 线。
func (r *Resampler) LatestClosed(tf, symbol string) (market.HTFBar, bool) {
	bySymbol, ok := r.latestClosed[tf]
	if !ok {
		return market.HTFBar{}, false
	}
	bar, ok := bySymbol[symbol]
	return bar, ok
}

// Reset 清空全部在途与已关闭状态。
func (r *Resampler) Reset() {
	for _, tf := range r.timeframes {
		r.states[tf] = map[string]*bucketState{}
		r.latestClosed[tf] = map[string]market.HTFBar{}
	}
}

// Update 喂入一根 1 分钟 K 线，返回本步新关闭的 HTF K 线。
func (r *Resampler) Update(bar market.Bar) []market.HTFBar {
	var emitted []market.HTFBar
	for _, tf := range r.timeframes {
		bucketStart := bar.TS.Truncate(TimeframeDuration(tf))
		states := r.states[tf]
		state := states[bar.Symbol]

		if state == nil {
			states[bar.Symbol] = newBucket(bucketStart, tf, bar)
			continue
		}
		if !bucketStart.Equal(state.bucketStart) {
			if closed, ok := r.finalize(bar.Symbol, tf, state); ok {
				emitted = append(emitted, closed)
				r.latestClosed[tf][bar.Symbol] = closed
			}
			states[bar.Symbol] = newBucket(bucketStart, tf, bar)
			continue
		}

		// 同一 bucket：检测分钟缺口并滚动聚合。
		if bar.TS.Sub(state.lastSeen) > gapThreshold {
			state.incomplete = true
		}
		if bar.High > state.high {
			state.high = bar.High
		}
		if bar.Low < state.low {
			state.low = bar.Low
		}
		state.close = bar.Close
		state.volume += bar.Volume
		state.nBars++
		state.lastSeen = bar.TS
	}
	return emitted
}

func newBucket(bucketStart time.Time, tf string, bar market.Bar) *bucketState {
	return &bucketState{
		bucketStart:  bucketStart,
		open:         bar.Open,
		high:         bar.High,
		low:          bar.Low,
		close:        bar.Close,
		volume:       bar.Volume,
		nBars:        1,
		expectedBars: timeframeMinutes[tf],
		lastSeen:     bar.TS,
	}
}

func (r *Resampler) finalize(symbol, tf string, state *bucketState) (market.HTFBar, bool) {
	complete := !state.incomplete && state.nBars == state.expectedBars
	if r.strict && !complete {
		return market.HTFBar{}, false
	}
	return market.HTFBar{
		TS:           state.bucketStart,
		Symbol:       symbol,
		Open:         state.open,
		High:         state.high,
		Low:          state.low,
		Close:        state.close,
		Volume:       state.volume,
		Timeframe:    tf,
		NBars:        state.nBars,
		ExpectedBars: state.expectedBars,
		Complete:     complete,
	}, true
}
