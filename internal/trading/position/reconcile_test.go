package position

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/core"
	"autotrader/internal/mock"
	apperrors "autotrader/pkg/errors"
)

func TestReconcile_CleanMatch(t *testing.T) {
	l, _ := newTestLedger(t)
	openPosition(t, l, "XBT/USD", decimal.NewFromInt(100), decimal.NewFromInt(2))

	venue := mock.NewVenue("mock")
	venue.SetPositions([]core.VenuePosition{
		{Symbol: "XBT/USD", Side: core.OrderSideBuy, Quantity: decimal.NewFromInt(2), EntryPrice: decimal.NewFromInt(100)},
	})

	res, err := l.Reconcile(context.Background(), venue)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)
	assert.Empty(t, res.Missing)
	assert.Empty(t, res.Mismatch)
	assert.Empty(t, res.Unknown)
	assert.False(t, l.Get("XBT/USD").IntegrityHold)
}

func TestReconcile_MissingAtVenueFreezesPosition(t *testing.T) {
	l, _ := newTestLedger(t)
	p := openPosition(t, l, "XBT/USD", decimal.NewFromInt(100), decimal.NewFromInt(2))

	venue := mock.NewVenue("mock")

	res, err := l.Reconcile(context.Background(), venue)
	require.NoError(t, err)
	assert.Equal(t, []string{"XBT/USD"}, res.Missing)
	assert.True(t, p.IntegrityHold, "a position the venue cannot see must be frozen")
}

func TestReconcile_QuantityMismatch(t *testing.T) {
	l, _ := newTestLedger(t)
	p := openPosition(t, l, "XBT/USD", decimal.NewFromInt(100), decimal.NewFromInt(2))

	venue := mock.NewVenue("mock")
	venue.SetPositions([]core.VenuePosition{
		{Symbol: "XBT/USD", Side: core.OrderSideBuy, Quantity: decimal.NewFromFloat(1.5)},
	})

	res, err := l.Reconcile(context.Background(), venue)
	require.NoError(t, err)
	assert.Equal(t, []string{"XBT/USD"}, res.Mismatch)
	assert.True(t, p.IntegrityHold)
}

func TestReconcile_RoundingWithinToleranceIsNotAMismatch(t *testing.T) {
	l, _ := newTestLedger(t)
	p := openPosition(t, l, "XBT/USD", decimal.NewFromInt(100), decimal.NewFromInt(2))

	venue := mock.NewVenue("mock")
	venue.SetPositions([]core.VenuePosition{
		{Symbol: "XBT/USD", Side: core.OrderSideBuy, Quantity: decimal.NewFromFloat(2.00005)},
	})

	res, err := l.Reconcile(context.Background(), venue)
	require.NoError(t, err)
	assert.Empty(t, res.Mismatch)
	assert.False(t, p.IntegrityHold)
}

func TestReconcile_UnknownVenuePositionIsReported(t *testing.T) {
	l, _ := newTestLedger(t)

	venue := mock.NewVenue("mock")
	venue.SetPositions([]core.VenuePosition{
		{Symbol: "ETH/USD", Side: core.OrderSideBuy, Quantity: decimal.NewFromInt(1)},
	})

	res, err := l.Reconcile(context.Background(), venue)
	require.NoError(t, err)
	assert.Equal(t, []string{"ETH/USD"}, res.Unknown)
}

func TestReconcile_VenueErrorPropagates(t *testing.T) {
	l, _ := newTestLedger(t)
	p := openPosition(t, l, "XBT/USD", decimal.NewFromInt(100), decimal.NewFromInt(2))

	venue := mock.NewVenue("mock")
	venue.FailWith("GetPositions", apperrors.ErrNetwork)

	_, err := l.Reconcile(context.Background(), venue)
	require.ErrorIs(t, err, apperrors.ErrNetwork)
	assert.False(t, p.IntegrityHold, "a failed fetch must not flag anything")
}
