package position

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/config"
	"autotrader/internal/core"
	"autotrader/internal/logging"
)

func testExitConfig() config.ExitConfig {
	return config.ExitConfig{
		StopLossPct:     0.03,
		TakeProfitPcts:  []float64{0.02, 0.05},
		TakeProfitSizes: []float64{0.5, 1.0},
		TrailingStopPct: 0,
		MaxAgeUnprofit:  240,
		CooldownMinutes: 30,
		MaxExitFailures: 3,
	}
}

// memArchiver records archive calls
type memArchiver struct {
	records []ArchiveRecord
}

func (a *memArchiver) ArchivePosition(_ context.Context, rec ArchiveRecord) error {
	a.records = append(a.records, rec)
	return nil
}

func newTestLedger(t *testing.T) (*Ledger, *memArchiver) {
	t.Helper()
	archiver := &memArchiver{}
	return NewLedger("acct-1", testExitConfig(), archiver, logging.NewNop()), archiver
}

func openPosition(t *testing.T, l *Ledger, symbol string, price, qty decimal.Decimal) *Position {
	t.Helper()
	_, err := l.OpenPending(symbol, core.OrderSideBuy, "ord-1", price, qty)
	require.NoError(t, err)
	require.NoError(t, l.ConfirmEntry(symbol, price, qty))
	return l.Get(symbol)
}

func TestLedger_EntryLifecycle(t *testing.T) {
	l, _ := newTestLedger(t)

	p, err := l.OpenPending("XBT/USD", core.OrderSideBuy, "ord-1",
		decimal.NewFromInt(100), decimal.NewFromInt(2))
	require.NoError(t, err)
	assert.Equal(t, StagePendingEntry, p.Stage)
	assert.True(t, l.Holds("XBT/USD"))

	// Second entry for the same symbol is rejected
	_, err = l.OpenPending("XBT/USD", core.OrderSideBuy, "ord-2",
		decimal.NewFromInt(100), decimal.NewFromInt(1))
	require.Error(t, err)

	// Fill at a slightly different price re-derives the triggers
	require.NoError(t, l.ConfirmEntry("XBT/USD", decimal.NewFromInt(101), decimal.NewFromInt(2)))
	p = l.Get("XBT/USD")
	assert.Equal(t, StageOpen, p.Stage)
	assert.True(t, p.EntryPrice.Equal(decimal.NewFromInt(101)))
	assert.True(t, p.StopPrice.Equal(decimal.NewFromFloat(97.97)), "stop %s", p.StopPrice)
}

func TestLedger_RoundTripQuantityConservation(t *testing.T) {
	// Entry fills, TP1 takes half, then the break-even stop closes the
	// rest: total exited must equal entry quantity with nothing left over.
	l, archiver := newTestLedger(t)
	entryQty := decimal.NewFromInt(2)
	p := openPosition(t, l, "XBT/USD", decimal.NewFromInt(100), entryQty)

	// TP1 at +2%: half of remaining
	tp1Price := decimal.NewFromInt(102)
	d := Evaluate(p, tp1Price, time.Now())
	require.Equal(t, ExitTakeProfit, d.Kind)
	require.NoError(t, l.ApplyPartialClose(context.Background(), "XBT/USD", tp1Price, d.Quantity))

	p = l.Get("XBT/USD")
	require.NotNil(t, p)
	assert.Equal(t, StagePartiallyClosed, p.Stage)
	assert.True(t, p.StopPrice.Equal(decimal.NewFromInt(100)), "stop must move to break-even, got %s", p.StopPrice)

	// Price falls back to entry: the break-even stop fires
	d = Evaluate(p, decimal.NewFromInt(100), time.Now())
	require.Equal(t, ExitStop, d.Kind)
	require.NoError(t, l.ApplyFullClose(context.Background(), "XBT/USD", decimal.NewFromInt(100), d.Kind.String()))

	assert.False(t, l.Holds("XBT/USD"))
	assert.True(t, p.Remaining.IsZero(), "no residual quantity, got %s", p.Remaining)
	assert.True(t, p.Exited.Equal(entryQty), "total exited %s != entry %s", p.Exited, entryQty)
	assert.True(t, p.RealizedPnL.GreaterThanOrEqual(decimal.Zero))

	require.Len(t, archiver.records, 1)
	assert.Equal(t, "stop_loss", archiver.records[0].Reason)
}

func TestLedger_StopNeverMovesWorseThanEntry(t *testing.T) {
	l, _ := newTestLedger(t)
	p := openPosition(t, l, "XBT/USD", decimal.NewFromInt(100), decimal.NewFromInt(4))

	// Manually place the stop above entry, as a trailing update might
	p.StopPrice = decimal.NewFromInt(103)

	tpPrice := decimal.NewFromInt(102)
	require.NoError(t, l.ApplyPartialClose(context.Background(), "XBT/USD", tpPrice, decimal.NewFromInt(2)))

	assert.True(t, p.StopPrice.Equal(decimal.NewFromInt(103)),
		"break-even move must never lower an already better stop, got %s", p.StopPrice)
}

func TestEvaluate_StopWinsTieBreak(t *testing.T) {
	// Gapping tick where both the stop and the next take-profit are
	// breached: capital preservation picks the stop.
	l, _ := newTestLedger(t)
	p := openPosition(t, l, "XBT/USD", decimal.NewFromInt(100), decimal.NewFromInt(1))

	p.StopPrice = decimal.NewFromInt(105)
	p.TakeProfits[0].Price = decimal.NewFromInt(102)

	d := Evaluate(p, decimal.NewFromInt(103), time.Now())
	assert.Equal(t, ExitStop, d.Kind, "stop must take precedence over take-profit")
	assert.True(t, d.Quantity.Equal(p.Remaining))
}

func TestEvaluate_TrailingStop(t *testing.T) {
	l, _ := newTestLedger(t)
	cfg := testExitConfig()
	cfg.TrailingStopPct = 0.02
	l.exitCfg = cfg
	p := openPosition(t, l, "XBT/USD", decimal.NewFromInt(100), decimal.NewFromInt(1))

	// Not armed before the peak clears entry
	d := Evaluate(p, decimal.NewFromFloat(99.5), time.Now())
	assert.Equal(t, ExitNone, d.Kind)

	// Peak advances to 110, then a 2% retrace fires the trailing stop
	Evaluate(p, decimal.NewFromInt(110), time.Now())
	d = Evaluate(p, decimal.NewFromFloat(107.8), time.Now())
	assert.Equal(t, ExitTrailing, d.Kind)
}

func TestEvaluate_MaxAgeOnlyWhileUnprofitable(t *testing.T) {
	l, _ := newTestLedger(t)
	p := openPosition(t, l, "XBT/USD", decimal.NewFromInt(100), decimal.NewFromInt(1))
	p.OpenedAt = time.Now().Add(-5 * time.Hour)

	// Profitable: ages out never, holds on
	d := Evaluate(p, decimal.NewFromFloat(100.5), time.Now())
	assert.Equal(t, ExitNone, d.Kind)

	// Unprofitable past the deadline: close
	d = Evaluate(p, decimal.NewFromFloat(99.5), time.Now())
	assert.Equal(t, ExitMaxAge, d.Kind)
}

func TestLedger_ExitStuckAfterRepeatedFailures(t *testing.T) {
	l, _ := newTestLedger(t)
	p := openPosition(t, l, "XBT/USD", decimal.NewFromInt(100), decimal.NewFromInt(1))

	for i := 0; i < 3; i++ {
		assert.False(t, p.ExitStuck)
		l.RecordExitFailure("XBT/USD")
	}
	assert.True(t, p.ExitStuck)
	assert.Equal(t, 1, l.StuckCount())

	// Stuck positions produce no further automatic exits
	d := Evaluate(p, decimal.NewFromInt(1), time.Now())
	assert.Equal(t, ExitNone, d.Kind)
}

func TestLedger_CooldownBlocksReentry(t *testing.T) {
	l, _ := newTestLedger(t)
	now := time.Now()
	l.now = func() time.Time { return now }

	openPosition(t, l, "XBT/USD", decimal.NewFromInt(100), decimal.NewFromInt(1))
	require.NoError(t, l.ApplyFullClose(context.Background(), "XBT/USD", decimal.NewFromInt(99), "stop_loss"))

	assert.True(t, l.InCooldown("XBT/USD"))
	_, err := l.OpenPending("XBT/USD", core.OrderSideBuy, "ord-2",
		decimal.NewFromInt(100), decimal.NewFromInt(1))
	require.Error(t, err)

	// Cooldown expires
	now = now.Add(31 * time.Minute)
	assert.False(t, l.InCooldown("XBT/USD"))
	_, err = l.OpenPending("XBT/USD", core.OrderSideBuy, "ord-3",
		decimal.NewFromInt(100), decimal.NewFromInt(1))
	require.NoError(t, err)
}

func TestLedger_OppositeSignalDebounce(t *testing.T) {
	l, _ := newTestLedger(t)
	openPosition(t, l, "XBT/USD", decimal.NewFromInt(100), decimal.NewFromInt(1))

	assert.False(t, l.RecordOppositeSignal("XBT/USD"), "one opposite signal must not exit")

	// A same-direction signal interrupts the streak
	l.ClearOppositeSignal("XBT/USD")
	assert.False(t, l.RecordOppositeSignal("XBT/USD"))

	// Two in a row confirm
	assert.True(t, l.RecordOppositeSignal("XBT/USD"))
}

func TestLedger_IntegrityOnOversizedExit(t *testing.T) {
	l, _ := newTestLedger(t)
	p := openPosition(t, l, "XBT/USD", decimal.NewFromInt(100), decimal.NewFromInt(1))

	err := l.ApplyPartialClose(context.Background(), "XBT/USD", decimal.NewFromInt(102), decimal.NewFromInt(5))
	require.Error(t, err)
	assert.True(t, p.IntegrityHold, "oversized fill must flag the position for review")

	// Held positions are frozen, not auto-closed
	d := Evaluate(p, decimal.NewFromInt(1), time.Now())
	assert.Equal(t, ExitNone, d.Kind)
}

func TestLedger_ShortSideTriggers(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.OpenPending("ETH/USD", core.OrderSideSell, "ord-1",
		decimal.NewFromInt(200), decimal.NewFromInt(1))
	require.NoError(t, err)
	require.NoError(t, l.ConfirmEntry("ETH/USD", decimal.NewFromInt(200), decimal.NewFromInt(1)))
	p := l.Get("ETH/USD")

	// Short: stop above entry, TP below
	assert.True(t, p.StopPrice.Equal(decimal.NewFromInt(206)), "stop %s", p.StopPrice)
	assert.True(t, p.TakeProfits[0].Price.Equal(decimal.NewFromInt(196)), "tp %s", p.TakeProfits[0].Price)

	d := Evaluate(p, decimal.NewFromInt(207), time.Now())
	assert.Equal(t, ExitStop, d.Kind)

	d = Evaluate(p, decimal.NewFromInt(195), time.Now())
	assert.Equal(t, ExitTakeProfit, d.Kind)
}

func TestLedger_PendingEntryCannotBeClosed(t *testing.T) {
	l, archiver := newTestLedger(t)
	p, err := l.OpenPending("XBT/USD", core.OrderSideBuy, "ord-1",
		decimal.NewFromInt(100), decimal.NewFromInt(2))
	require.NoError(t, err)

	// The entry order is still awaiting its fill; the venue may hold
	// nothing for this symbol yet.
	err = l.ApplyFullClose(context.Background(), "XBT/USD", decimal.NewFromInt(100), "opposite_signal")
	require.Error(t, err)
	err = l.ApplyPartialClose(context.Background(), "XBT/USD", decimal.NewFromInt(100), decimal.NewFromInt(1))
	require.Error(t, err)

	assert.Equal(t, StagePendingEntry, p.Stage)
	assert.True(t, l.Holds("XBT/USD"))
	assert.Empty(t, archiver.records, "an unconfirmed entry must never be archived as closed")

	// Once the fill confirms, the position closes normally
	require.NoError(t, l.ConfirmEntry("XBT/USD", decimal.NewFromInt(100), decimal.NewFromInt(2)))
	require.NoError(t, l.ApplyFullClose(context.Background(), "XBT/USD", decimal.NewFromInt(101), "opposite_signal"))
	assert.False(t, l.Holds("XBT/USD"))
}

func TestLedger_StopPartialFillKeepsTakeProfitSchedule(t *testing.T) {
	l, archiver := newTestLedger(t)
	p := openPosition(t, l, "XBT/USD", decimal.NewFromInt(100), decimal.NewFromInt(2))
	stopBefore := p.StopPrice

	// The venue fills only half of a stop-loss exit
	require.NoError(t, l.ApplyPartialExitFill(context.Background(), "XBT/USD",
		decimal.NewFromInt(97), decimal.NewFromInt(1), "stop_loss"))

	assert.Equal(t, 0, p.TPStage, "a partially filled stop must not consume a take-profit stage")
	assert.True(t, p.StopPrice.Equal(stopBefore),
		"stop must stay at %s, got %s", stopBefore, p.StopPrice)
	assert.Equal(t, StagePartiallyClosed, p.Stage)
	assert.True(t, p.Remaining.Equal(decimal.NewFromInt(1)))

	// The same stop re-fires for the remainder on the next tick
	d := Evaluate(p, decimal.NewFromInt(96), time.Now())
	require.Equal(t, ExitStop, d.Kind)
	assert.True(t, d.Quantity.Equal(decimal.NewFromInt(1)))

	require.NoError(t, l.ApplyPartialExitFill(context.Background(), "XBT/USD",
		decimal.NewFromInt(96), decimal.NewFromInt(1), "stop_loss"))
	assert.False(t, l.Holds("XBT/USD"))
	require.Len(t, archiver.records, 1)
	assert.Equal(t, "stop_loss", archiver.records[0].Reason)
}
