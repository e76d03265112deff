package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/config"
)

func testPolicy() config.RiskPolicyConfig {
	return config.RiskPolicyConfig{
		MinFraction:              0.02,
		MaxFraction:              0.10,
		MaxTotalExposureFraction: 0.50,
		MaxConcurrentPositions:   5,
		EquityFloor:              100,
		MaxUserRiskFraction:      0.10,
	}
}

func TestSizer_EquityFloor(t *testing.T) {
	s := NewSizer(testPolicy())

	for _, equity := range []float64{0, 1, 50, 99.99} {
		d := s.Size(Input{
			Equity:        decimal.NewFromFloat(equity),
			TrendStrength: 90,
		})
		assert.True(t, d.Reject, "equity %v is below the floor", equity)
		assert.Equal(t, "equity below floor", d.Reason)
	}
}

func TestSizer_WeakAndStrongBuckets(t *testing.T) {
	s := NewSizer(testPolicy())
	equity := decimal.NewFromInt(1000)

	weak := s.Size(Input{Equity: equity, TrendStrength: 10})
	require.False(t, weak.Reject)
	assert.True(t, weak.Notional.Equal(decimal.NewFromInt(20)),
		"weak trend should size min_fraction * equity, got %s", weak.Notional)

	strong := s.Size(Input{Equity: equity, TrendStrength: 95})
	require.False(t, strong.Reject)
	assert.True(t, strong.Notional.Equal(decimal.NewFromInt(100)),
		"strong trend should size max_fraction * equity, got %s", strong.Notional)
}

func TestSizer_MonotoneAndBounded(t *testing.T) {
	s := NewSizer(testPolicy())
	equity := decimal.NewFromInt(1000)
	min := decimal.NewFromInt(20)
	max := decimal.NewFromInt(100)

	prev := decimal.Zero
	for strength := 0.0; strength <= 100; strength += 2.5 {
		d := s.Size(Input{Equity: equity, TrendStrength: strength})
		require.False(t, d.Reject, "strength %v", strength)

		assert.True(t, d.Notional.GreaterThanOrEqual(prev),
			"sizing must be non-decreasing in strength: %s < %s at %v", d.Notional, prev, strength)
		assert.True(t, d.Notional.GreaterThanOrEqual(min) && d.Notional.LessThanOrEqual(max),
			"sizing out of [min,max]*equity at %v: %s", strength, d.Notional)
		prev = d.Notional
	}
}

func TestSizer_ExposureClamp(t *testing.T) {
	s := NewSizer(testPolicy())
	equity := decimal.NewFromInt(1000)

	// 460 already committed of the 500 allowed: only 40 of headroom left
	d := s.Size(Input{
		Equity:        equity,
		TrendStrength: 95,
		OpenNotional:  decimal.NewFromInt(460),
		OpenPositions: 2,
	})
	require.False(t, d.Reject)
	assert.True(t, d.Notional.Equal(decimal.NewFromInt(40)),
		"expected exposure headroom 40, got %s", d.Notional)

	// No headroom at all rejects rather than truncating to zero
	d = s.Size(Input{
		Equity:        equity,
		TrendStrength: 95,
		OpenNotional:  decimal.NewFromInt(500),
		OpenPositions: 2,
	})
	assert.True(t, d.Reject)
	assert.Equal(t, "total exposure limit reached", d.Reason)
}

func TestSizer_RejectionCases(t *testing.T) {
	s := NewSizer(testPolicy())
	equity := decimal.NewFromInt(1000)

	d := s.Size(Input{Equity: equity, TrendStrength: 50, OpenPositions: 5})
	assert.True(t, d.Reject)
	assert.Equal(t, "max concurrent positions reached", d.Reason)

	d = s.Size(Input{Equity: equity, TrendStrength: 50, SymbolHeld: true})
	assert.True(t, d.Reject)
	assert.Equal(t, "symbol already has an open position", d.Reason)
}

func TestScaleForDependent_CapScenario(t *testing.T) {
	// Master equity $5,000, dependent $500 (10%). Master fills $1,000:
	// proportional share is $100, hard cap is 10% of $500 = $50.
	scaled := ScaleForDependent(
		decimal.NewFromInt(1000),
		decimal.NewFromInt(5000),
		decimal.NewFromInt(500),
		testPolicy(),
	)
	assert.True(t, scaled.Equal(decimal.NewFromInt(50)), "got %s", scaled)
}

func TestScaleForDependent_UnderCap(t *testing.T) {
	// Proportional share below the cap passes through unchanged
	scaled := ScaleForDependent(
		decimal.NewFromInt(100),
		decimal.NewFromInt(5000),
		decimal.NewFromInt(500),
		testPolicy(),
	)
	assert.True(t, scaled.Equal(decimal.NewFromInt(10)), "got %s", scaled)
}

func TestScaleForDependent_ZeroEquity(t *testing.T) {
	scaled := ScaleForDependent(
		decimal.NewFromInt(1000),
		decimal.Zero,
		decimal.NewFromInt(500),
		testPolicy(),
	)
	assert.True(t, scaled.IsZero())
}
