package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riptide/internal/market"
)

func utc(minute int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(minute) * time.Minute)
}

func flatBar(symbol string, minute int, price float64) market.Bar {
	return market.Bar{
		TS: utc(minute), Symbol: symbol,
		Open: price, High: price, Low: price, Close: price, Volume: 1,
	}
}

func TestFeedMergeAlignsByTimestamp(t *testing.T) {
	bySymbol := map[string][]market.Bar{
		"AAA": {flatBar("AAA", 0, 100), flatBar("AAA", 1, 101), flatBar("AAA", 2, 102)},
		"BBB": {flatBar("BBB", 0, 10), flatBar("BBB", 2, 12)}, // minute 1 缺席
	}
	f, err := NewFromBars([]string{"AAA", "BBB"}, bySymbol, Scope{})
	require.NoError(t, err)

	ts, bars, ok, err := f.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, utc(0), ts)
	assert.Len(t, bars, 2)

	ts, bars, ok, err = f.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, utc(1), ts)
	require.Len(t, bars, 1)
	assert.Equal(t, "AAA", bars["AAA"].Symbol)

	ts, bars, ok, err = f.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, utc(2), ts)
	assert.Len(t, bars, 2)

	_, _, ok, err = f.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFeedReset(t *testing.T) {
	bySymbol := map[string][]market.Bar{
		"AAA": {flatBar("AAA", 0, 100), flatBar("AAA", 1, 101)},
	}
	f, err := NewFromBars([]string{"AAA"}, bySymbol, Scope{})
	require.NoError(t, err)

	var firstPass []time.Time
	for {
		ts, _, ok, err := f.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		firstPass = append(firstPass, ts)
	}
	require.NoError(t, f.Reset())
	var secondPass []time.Time
	for {
		ts, _, ok, err := f.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		secondPass = append(secondPass, ts)
	}
	assert.Equal(t, firstPass, secondPass)
}

func TestScopeOrdering(t *testing.T) {
	bySymbol := map[string][]market.Bar{
		"AAA": {flatBar("AAA", 0, 1), flatBar("AAA", 1, 1), flatBar("AAA", 2, 1), flatBar("AAA", 3, 1)},
	}

	t.Run("date_range 是 UTC 半开区间", func(t *testing.T) {
		f, err := NewFromBars([]string{"AAA"}, bySymbol, Scope{DateStart: utc(1), DateEnd: utc(3)})
		require.NoError(t, err)
		var seen []time.Time
		for {
			ts, _, ok, err := f.Next()
			require.NoError(t, err)
			if !ok {
				break
			}
			seen = append(seen, ts)
		}
		assert.Equal(t, []time.Time{utc(1), utc(2)}, seen)
	})

	t.Run("row_limit 截断每个 symbol", func(t *testing.T) {
		f, err := NewFromBars([]string{"AAA"}, bySymbol, Scope{RowLimitPerSymbol: 2})
		require.NoError(t, err)
		count := 0
		for {
			_, _, ok, err := f.Next()
			require.NoError(t, err)
			if !ok {
				break
			}
			count++
		}
		assert.Equal(t, 2, count)
	})

	t.Run("max_symbols 取子集后的前 N", func(t *testing.T) {
		multi := map[string][]market.Bar{
			"AAA": {flatBar("AAA", 0, 1)},
			"BBB": {flatBar("BBB", 0, 1)},
			"CCC": {flatBar("CCC", 0, 1)},
		}
		f, err := NewFromBars([]string{"AAA", "BBB", "CCC"}, multi,
			Scope{SymbolsSubset: []string{"CCC", "AAA"}, MaxSymbols: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"CCC"}, f.Symbols())
	})
}

func TestFeedValidation(t *testing.T) {
	t.Run("OHLC 违例拒绝", func(t *testing.T) {
		bad := market.Bar{TS: utc(0), Symbol: "AAA", Open: 100, High: 99, Low: 98, Close: 100, Volume: 1}
		_, err := NewFromBars([]string{"AAA"}, map[string][]market.Bar{"AAA": {bad}}, Scope{})
		assert.Error(t, err)
	})

	t.Run("重复时间戳拒绝", func(t *testing.T) {
		bars := []market.Bar{flatBar("AAA", 0, 1), flatBar("AAA", 0, 1)}
		_, err := NewFromBars([]string{"AAA"}, map[string][]market.Bar{"AAA": bars}, Scope{})
		assert.Error(t, err)
	})

	t.Run("非分钟对齐拒绝", func(t *testing.T) {
		bad := flatBar("AAA", 0, 1)
		bad.TS = bad.TS.Add(30 * time.Second)
		_, err := NewFromBars([]string{"AAA"}, map[string][]market.Bar{"AAA": {bad}}, Scope{})
		assert.Error(t, err)
	})

	t.Run("未知 subset symbol 拒绝", func(t *testing.T) {
		_, err := NewFromBars([]string{"AAA"}, map[string][]market.Bar{"AAA": {flatBar("AAA", 0, 1)}},
			Scope{SymbolsSubset: []string{"ZZZ"}})
		assert.Error(t, err)
	})
}
