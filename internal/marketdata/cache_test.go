package marketdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/config"
	"autotrader/internal/core"
	"autotrader/internal/logging"
	"autotrader/internal/mock"
)

func testMarketConfig() config.MarketDataConfig {
	return config.MarketDataConfig{
		UniverseTTLMinutes: 15,
		SnapshotTTLSeconds: 60,
		SliceSize:          3,
		CandleInterval:     "5m",
		CandleLimit:        12,
	}
}

func newTestCache(t *testing.T) (*Cache, *mock.Venue, *time.Time) {
	t.Helper()
	v := mock.NewVenue("mock")
	c := NewCache(v, testMarketConfig(), logging.NewNop())
	now := time.Now()
	c.now = func() time.Time { return now }
	return c, v, &now
}

func risingCandles(n int, start float64) []core.Candle {
	series := make([]core.Candle, n)
	price := start
	for i := range series {
		series[i] = core.Candle{
			Open:   decimal.NewFromFloat(price),
			High:   decimal.NewFromFloat(price * 1.01),
			Low:    decimal.NewFromFloat(price * 0.99),
			Close:  decimal.NewFromFloat(price * 1.005),
			Volume: decimal.NewFromInt(100),
		}
		price *= 1.005
	}
	return series
}

func TestUniverse_CachedWithinTTL(t *testing.T) {
	c, v, now := newTestCache(t)
	v.SetSymbols([]string{"XBT/USD", "ETH/USD"})

	first, err := c.Universe(context.Background())
	require.NoError(t, err)
	assert.Len(t, first, 2)

	// Inside the TTL the cached list is served even if the venue changes
	v.SetSymbols([]string{"XBT/USD"})
	second, err := c.Universe(context.Background())
	require.NoError(t, err)
	assert.Len(t, second, 2)

	// Past the TTL the list is refetched
	*now = now.Add(16 * time.Minute)
	third, err := c.Universe(context.Background())
	require.NoError(t, err)
	assert.Len(t, third, 1)
}

func TestUniverse_StaleNeverServed(t *testing.T) {
	c, v, now := newTestCache(t)
	v.SetSymbols([]string{"XBT/USD"})

	_, err := c.Universe(context.Background())
	require.NoError(t, err)

	*now = now.Add(16 * time.Minute)
	v.FailWith("GetSymbols", errors.New("venue down"))

	_, err = c.Universe(context.Background())
	require.Error(t, err, "an expired cache with a failing venue is an error, not stale data")
}

func TestNextSlice_RotatesThroughWholeUniverse(t *testing.T) {
	c, v, _ := newTestCache(t)
	universe := []string{"A", "B", "C", "D", "E", "F", "G"}
	v.SetSymbols(universe)

	seen := make(map[string]int)
	// ceil(7/3) slices cover everything once, with wraparound overlap
	for i := 0; i < 3; i++ {
		slice, err := c.NextSlice(context.Background())
		require.NoError(t, err)
		assert.Len(t, slice, 3)
		for _, s := range slice {
			seen[s]++
		}
	}
	for _, s := range universe {
		assert.GreaterOrEqual(t, seen[s], 1, "symbol %s never scanned", s)
	}

	// Fourth slice wraps: cursor is at 9 % 7 = 2
	slice, err := c.NextSlice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "D", "E"}, slice)
}

func TestNextSlice_SmallUniverse(t *testing.T) {
	c, v, _ := newTestCache(t)
	v.SetSymbols([]string{"A", "B"})

	slice, err := c.NextSlice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, slice)

	slice, err = c.NextSlice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, slice)
}

func TestGetCandles_RefetchesPastTTL(t *testing.T) {
	c, v, now := newTestCache(t)
	v.SetCandles("XBT/USD", risingCandles(12, 100))

	first, err := c.GetCandles(context.Background(), "XBT/USD")
	require.NoError(t, err)
	require.Len(t, first, 12)

	// Within the TTL the cached series is returned without a venue call
	v.FailWith("GetCandles", errors.New("venue down"))
	second, err := c.GetCandles(context.Background(), "XBT/USD")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Past the TTL the failure surfaces
	*now = now.Add(61 * time.Second)
	_, err = c.GetCandles(context.Background(), "XBT/USD")
	require.Error(t, err)
}

func TestGetSnapshot_DerivedFromCandles(t *testing.T) {
	c, v, _ := newTestCache(t)
	series := risingCandles(12, 100)
	v.SetCandles("XBT/USD", series)

	snap, err := c.GetSnapshot(context.Background(), "XBT/USD")
	require.NoError(t, err)
	assert.Equal(t, "XBT/USD", snap.Symbol)
	assert.True(t, snap.Price.Equal(series[len(series)-1].Close))
	assert.Greater(t, snap.Strength, 0.0, "rising series must score positive strength")
}

func TestGetSnapshot_StaleIsAMiss(t *testing.T) {
	c, v, now := newTestCache(t)
	v.SetCandles("XBT/USD", risingCandles(12, 100))

	_, err := c.GetSnapshot(context.Background(), "XBT/USD")
	require.NoError(t, err)

	*now = now.Add(61 * time.Second)
	v.FailWith("GetCandles", errors.New("venue down"))

	_, err = c.GetSnapshot(context.Background(), "XBT/USD")
	require.Error(t, err, "expired snapshot must refetch, not serve stale")
}

func TestStrengthFromCandles(t *testing.T) {
	// Flat series scores zero
	flat := []core.Candle{
		{Open: decimal.NewFromInt(100), Close: decimal.NewFromInt(100)},
		{Open: decimal.NewFromInt(100), Close: decimal.NewFromInt(100)},
	}
	assert.Zero(t, StrengthFromCandles(flat))

	// Downward series scores zero, not negative
	down := []core.Candle{
		{Open: decimal.NewFromInt(100), Close: decimal.NewFromInt(98)},
		{Open: decimal.NewFromInt(98), Close: decimal.NewFromInt(95)},
	}
	assert.Zero(t, StrengthFromCandles(down))

	// A 2.5% rise over the window is half strength
	half := []core.Candle{
		{Open: decimal.NewFromInt(1000), Close: decimal.NewFromInt(1010)},
		{Open: decimal.NewFromInt(1010), Close: decimal.NewFromInt(1025)},
	}
	assert.InDelta(t, 50.0, StrengthFromCandles(half), 0.01)

	// Gains beyond the full-strength move clamp at 100
	surge := []core.Candle{
		{Open: decimal.NewFromInt(100), Close: decimal.NewFromInt(105)},
		{Open: decimal.NewFromInt(105), Close: decimal.NewFromInt(120)},
	}
	assert.Equal(t, 100.0, StrengthFromCandles(surge))

	assert.Zero(t, StrengthFromCandles(nil))
}
