package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riptide/internal/market"
)

var mTS = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func equitySeries(values ...float64) []market.EquityPoint {
	out := make([]market.EquityPoint, len(values))
	for i, v := range values {
		out[i] = market.EquityPoint{TS: mTS.Add(time.Duration(i) * time.Minute), Equity: v, Cash: v}
	}
	return out
}

func TestComputeAggregates(t *testing.T) {
	trades := []market.Trade{
		{PnLPrice: 100, FeesPaid: 10, PnLNet: 90, Bucket: "trend"},
		{PnLPrice: -50, FeesPaid: 5, PnLNet: -55},
	}
	fills := []market.Fill{
		{FeeCost: 10, SlippageCost: 2, SpreadCost: 1},
		{FeeCost: 5, SlippageCost: 1, SpreadCost: 0.5},
	}
	report := Compute("run_x", 10_000, equitySeries(10_000, 10_100, 10_035), trades, fills)

	assert.Equal(t, 2, report.TotalTrades)
	assert.InDelta(t, 50.0, report.GrossPnL, 1e-9)
	assert.InDelta(t, 35.0, report.NetPnL, 1e-9)
	assert.InDelta(t, 17.5, report.EVNet, 1e-9)
	assert.InDelta(t, 0.5, report.WinRate, 1e-9)
	assert.InDelta(t, 15.0, report.FeeTotal, 1e-9)
	assert.InDelta(t, 3.0, report.SlippageTotal, 1e-9)
	assert.InDelta(t, 1.5, report.SpreadTotal, 1e-9)
	assert.InDelta(t, 100*15.0/50.0, report.FeeDragPct, 1e-9)
	assert.InDelta(t, 10_035.0, report.FinalEquity, 1e-9)
	assert.InDelta(t, (10_100.0-10_035.0)/10_100.0, report.MaxDrawdownPct, 1e-9)
	assert.Equal(t, 1, report.TradesByBucket["trend"])
	assert.Equal(t, 1, report.TradesByBucket["unknown"])
}

func TestComputeEmptyRun(t *testing.T) {
	report := Compute("run_empty", 10_000, nil, nil, nil)
	assert.Equal(t, 0, report.TotalTrades)
	assert.InDelta(t, 10_000.0, report.FinalEquity, 1e-12)
	assert.Zero(t, report.GrossPnL)
	assert.Zero(t, report.FeeDragPct)
	assert.Nil(t, report.CAGR)
	assert.Nil(t, report.SharpeAnnualized)
}

func TestWriteBucketCSVSorted(t *testing.T) {
	dir := t.TempDir()
	report := Compute("run_b", 10_000, nil, []market.Trade{
		{PnLNet: 10, Bucket: "zeta"},
		{PnLNet: 20, Bucket: "alpha"},
		{PnLNet: 30, Bucket: "alpha"},
	}, nil)
	require.NoError(t, WriteBucketCSV(dir, report))
	raw, err := os.ReadFile(filepath.Join(dir, "performance_by_bucket.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "bucket,n_trades,ev_net", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "alpha,2,25"))
	assert.True(t, strings.HasPrefix(lines[2], "zeta,1,10"))
}

func TestRMetricsOnlyFromValidTrades(t *testing.T) {
	g1, n1 := 1.0, 0.9
	trades := []market.Trade{
		{PnLNet: 90, RMultipleGross: &g1, RMultipleNet: &n1},
		{PnLNet: -55}, // legacy proxy：无 R
	}
	report := Compute("run_r", 10_000, nil, trades, nil)
	require.NotNil(t, report.EVRNet)
	assert.InDelta(t, 0.9, *report.EVRNet, 1e-12)
	require.NotNil(t, report.WinRateR)
	assert.InDelta(t, 1.0, *report.WinRateR, 1e-12)
}
