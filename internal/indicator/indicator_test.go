package indicator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riptide/internal/market"
)

func constantRangeBar(i int, tr float64) market.Bar {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Minute)
	return market.Bar{
		TS: ts, Symbol: "AAA",
		Open: 100, High: 100 + tr/2, Low: 100 - tr/2, Close: 100, Volume: 1,
	}
}

func TestATRWarmupAndValue(t *testing.T) {
	atr := NewATR(14)
	for i := 0; i < 14; i++ {
		atr.Update(constantRangeBar(i, 2))
	}
	assert.False(t, atr.Ready(), "恰好 period 根还不够")
	for i := 14; i < 50; i++ {
		atr.Update(constantRangeBar(i, 2))
	}
	require.True(t, atr.Ready())
	// 恒定 true range = 2 ⇒ ATR 收敛到 2。
	assert.InDelta(t, 2.0, atr.Value(), 1e-6)
}

func TestRegistryLookupAndUpdate(t *testing.T) {
	reg := NewRegistry()
	created := 0
	mk := func() Indicator { created++; return NewATR(2) }
	first := reg.Ensure("AAA", "atr", mk)
	second := reg.Ensure("AAA", "atr", mk)
	assert.Same(t, first, second)
	assert.Equal(t, 1, created)

	_, ok := reg.Lookup("AAA", "missing")
	assert.False(t, ok)
	_, ok = reg.Lookup("BBB", "atr")
	assert.False(t, ok)

	for i := 0; i < 10; i++ {
		reg.UpdateBar(constantRangeBar(i, 4))
	}
	ind, ok := reg.Lookup("AAA", "atr")
	require.True(t, ok)
	assert.True(t, ind.Ready())
	assert.InDelta(t, 4.0, ind.Value(), 1e-6)
}
