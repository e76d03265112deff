package position

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"autotrader/internal/config"
	"autotrader/internal/core"
)

// ArchiveRecord is the durable form of a fully closed position
type ArchiveRecord struct {
	ID          string
	Account     string
	Symbol      string
	Side        string
	EntryPrice  decimal.Decimal
	ExitPrice   decimal.Decimal
	Quantity    decimal.Decimal
	RealizedPnL decimal.Decimal
	Reason      string
	OpenedAt    time.Time
	ClosedAt    time.Time
}

// Archiver persists fully closed positions
type Archiver interface {
	ArchivePosition(ctx context.Context, rec ArchiveRecord) error
}

// Ledger holds every live position of one account. It must only be touched
// from that account's loop goroutine.
type Ledger struct {
	account  string
	exitCfg  config.ExitConfig
	archiver Archiver
	logger   core.ILogger

	positions map[string]*Position // keyed by symbol, at most one per symbol
	cooldowns map[string]time.Time

	now func() time.Time
}

func NewLedger(account string, exitCfg config.ExitConfig, archiver Archiver, logger core.ILogger) *Ledger {
	return &Ledger{
		account:   account,
		exitCfg:   exitCfg,
		archiver:  archiver,
		logger:    logger.WithField("component", "ledger").WithField("account", account),
		positions: make(map[string]*Position),
		cooldowns: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Holds reports whether the symbol has an open or pending position
func (l *Ledger) Holds(symbol string) bool {
	_, ok := l.positions[symbol]
	return ok
}

// InCooldown reports whether the symbol was closed too recently to re-enter
func (l *Ledger) InCooldown(symbol string) bool {
	until, ok := l.cooldowns[symbol]
	return ok && l.now().Before(until)
}

// OpenCount returns the number of live positions, pending entries included
func (l *Ledger) OpenCount() int {
	return len(l.positions)
}

// OpenNotional sums the entry notional of all live positions
func (l *Ledger) OpenNotional() decimal.Decimal {
	total := decimal.Zero
	for _, p := range l.positions {
		total = total.Add(p.Notional())
	}
	return total
}

// StuckCount returns how many positions are flagged EXIT_STUCK
func (l *Ledger) StuckCount() int {
	n := 0
	for _, p := range l.positions {
		if p.ExitStuck {
			n++
		}
	}
	return n
}

// Positions returns the live position set. Callers must not retain the
// slice across ticks.
func (l *Ledger) Positions() []*Position {
	out := make([]*Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	return out
}

// Get returns the position for a symbol, or nil
func (l *Ledger) Get(symbol string) *Position {
	return l.positions[symbol]
}

// OpenPending records a submitted entry order. The position stays
// PENDING_ENTRY until the fill is confirmed.
func (l *Ledger) OpenPending(symbol string, side core.OrderSide, orderID string, price, quantity decimal.Decimal) (*Position, error) {
	if l.Holds(symbol) {
		return nil, fmt.Errorf("symbol %s already has a position", symbol)
	}
	if l.InCooldown(symbol) {
		return nil, fmt.Errorf("symbol %s is in cooldown", symbol)
	}

	p := &Position{
		ID:      uuid.New().String(),
		Symbol:  symbol,
		Side:    side,
		OrderID: orderID,
		Stage:   StagePendingEntry,
	}
	l.applyTriggers(p, price, quantity)
	l.positions[symbol] = p
	return p, nil
}

// applyTriggers derives the exit trigger set from config at entry price
func (l *Ledger) applyTriggers(p *Position, price, quantity decimal.Decimal) {
	stopPct := decimal.NewFromFloat(l.exitCfg.StopLossPct)
	one := decimal.NewFromInt(1)

	if p.Side == core.OrderSideBuy {
		p.StopPrice = price.Mul(one.Sub(stopPct))
	} else {
		p.StopPrice = price.Mul(one.Add(stopPct))
	}

	p.TakeProfits = make([]TakeProfit, 0, len(l.exitCfg.TakeProfitPcts))
	for i, pct := range l.exitCfg.TakeProfitPcts {
		tpPct := decimal.NewFromFloat(pct)
		var tpPrice decimal.Decimal
		if p.Side == core.OrderSideBuy {
			tpPrice = price.Mul(one.Add(tpPct))
		} else {
			tpPrice = price.Mul(one.Sub(tpPct))
		}
		fraction := decimal.NewFromInt(1)
		if i < len(l.exitCfg.TakeProfitSizes) {
			fraction = decimal.NewFromFloat(l.exitCfg.TakeProfitSizes[i])
		}
		p.TakeProfits = append(p.TakeProfits, TakeProfit{Price: tpPrice, Fraction: fraction})
	}

	p.TrailingPct = decimal.NewFromFloat(l.exitCfg.TrailingStopPct)
	p.MaxUnprofitableAge = time.Duration(l.exitCfg.MaxAgeUnprofit) * time.Minute
	p.EntryPrice = price
	p.Quantity = quantity
	p.Remaining = quantity
	p.PeakPrice = price
}

// ConfirmEntry transitions PENDING_ENTRY to OPEN on the confirmed fill.
// The fill price and quantity replace the submitted values, and triggers
// are re-derived from the actual entry price.
func (l *Ledger) ConfirmEntry(symbol string, fillPrice, fillQty decimal.Decimal) error {
	p := l.positions[symbol]
	if p == nil {
		return fmt.Errorf("no pending position for %s", symbol)
	}
	if p.Stage != StagePendingEntry {
		return fmt.Errorf("position %s is %s, not PENDING_ENTRY", symbol, p.Stage)
	}

	l.applyTriggers(p, fillPrice, fillQty)
	p.Stage = StageOpen
	p.OpenedAt = l.now()
	l.logger.Info("Position opened",
		"symbol", symbol,
		"side", p.Side.String(),
		"entry_price", fillPrice.String(),
		"quantity", fillQty.String(),
		"stop", p.StopPrice.String())
	return nil
}

// AbandonPending removes a PENDING_ENTRY position whose order never filled
func (l *Ledger) AbandonPending(symbol string) {
	p := l.positions[symbol]
	if p != nil && p.Stage == StagePendingEntry {
		delete(l.positions, symbol)
	}
}

// FlagIntegrity marks a position for manual review after an inconsistent
// fill confirmation. Flagged positions are excluded from automatic exits.
func (l *Ledger) FlagIntegrity(symbol, reason string) {
	p := l.positions[symbol]
	if p == nil {
		l.logger.Error("Fill confirmation for unknown position", "symbol", symbol, "reason", reason)
		return
	}
	p.IntegrityHold = true
	l.logger.Error("Position flagged for manual review", "symbol", symbol, "reason", reason)
}

// RecordOppositeSignal counts a confirmed opposite-direction signal for a
// held symbol and reports whether the debounce threshold (two in a row) is
// met, meaning the position should be exited.
func (l *Ledger) RecordOppositeSignal(symbol string) bool {
	p := l.positions[symbol]
	if p == nil {
		return false
	}
	p.oppositeSignals++
	return p.oppositeSignals >= 2
}

// ClearOppositeSignal resets the debounce counter after a same-direction
// signal interrupts the streak
func (l *Ledger) ClearOppositeSignal(symbol string) {
	if p := l.positions[symbol]; p != nil {
		p.oppositeSignals = 0
	}
}

// ApplyPartialClose records a filled take-profit partial: reduces remaining
// quantity, realizes PnL, advances the take-profit stage, and on the first
// take-profit moves the stop to break-even. The stop never moves to a level
// worse than entry. Partial fills of full exits go through
// ApplyPartialExitFill instead, which leaves the schedule alone.
func (l *Ledger) ApplyPartialClose(ctx context.Context, symbol string, exitPrice, exitQty decimal.Decimal) error {
	p, err := l.closeable(symbol)
	if err != nil {
		return err
	}
	if err := l.reduce(p, exitPrice, exitQty); err != nil {
		return err
	}

	if p.TPStage == 0 {
		// Break-even stop after the first partial
		if p.favorable(p.StopPrice, p.EntryPrice) {
			p.StopPrice = p.EntryPrice
		}
	}
	p.TPStage++

	l.logger.Info("Take-profit filled",
		"symbol", symbol,
		"stage", p.TPStage,
		"exit_price", exitPrice.String(),
		"exit_qty", exitQty.String(),
		"remaining", p.Remaining.String(),
		"stop", p.StopPrice.String())

	if p.Remaining.IsZero() {
		return l.close(ctx, p, exitPrice, "take_profit_complete")
	}
	return nil
}

// ApplyPartialExitFill records a partial fill of a full exit (stop,
// trailing, max-age, opposite signal). The remainder stays live under the
// unchanged trigger set; the take-profit schedule and the stop are not
// touched, so the same trigger re-fires for the rest on the next tick.
func (l *Ledger) ApplyPartialExitFill(ctx context.Context, symbol string, exitPrice, exitQty decimal.Decimal, reason string) error {
	p, err := l.closeable(symbol)
	if err != nil {
		return err
	}
	if err := l.reduce(p, exitPrice, exitQty); err != nil {
		return err
	}

	l.logger.Warn("Full exit only partially filled, remainder stays live",
		"symbol", symbol,
		"reason", reason,
		"exit_qty", exitQty.String(),
		"remaining", p.Remaining.String())

	if p.Remaining.IsZero() {
		return l.close(ctx, p, exitPrice, reason)
	}
	return nil
}

// closeable returns the position if it is in a stage the state machine
// allows exits from. PENDING_ENTRY in particular cannot be closed: the
// entry order may still fill venue-side.
func (l *Ledger) closeable(symbol string) (*Position, error) {
	p := l.positions[symbol]
	if p == nil {
		return nil, fmt.Errorf("no position for %s", symbol)
	}
	if p.Stage != StageOpen && p.Stage != StagePartiallyClosed {
		return nil, fmt.Errorf("position %s is %s, cannot close", symbol, p.Stage)
	}
	return p, nil
}

// reduce applies one exit fill to the position's quantity accounting
func (l *Ledger) reduce(p *Position, exitPrice, exitQty decimal.Decimal) error {
	if exitQty.GreaterThan(p.Remaining) {
		p.IntegrityHold = true
		return fmt.Errorf("exit quantity %s exceeds remaining %s for %s", exitQty, p.Remaining, p.Symbol)
	}
	p.Remaining = p.Remaining.Sub(exitQty)
	p.Exited = p.Exited.Add(exitQty)
	p.RealizedPnL = p.RealizedPnL.Add(p.pnlFor(exitPrice, exitQty))
	p.Stage = StagePartiallyClosed
	p.ExitFailures = 0
	return nil
}

// ApplyFullClose records a filled full exit of the remaining quantity
func (l *Ledger) ApplyFullClose(ctx context.Context, symbol string, exitPrice decimal.Decimal, reason string) error {
	p, err := l.closeable(symbol)
	if err != nil {
		return err
	}

	qty := p.Remaining
	p.Remaining = decimal.Zero
	p.Exited = p.Exited.Add(qty)
	p.RealizedPnL = p.RealizedPnL.Add(p.pnlFor(exitPrice, qty))
	return l.close(ctx, p, exitPrice, reason)
}

func (l *Ledger) close(ctx context.Context, p *Position, exitPrice decimal.Decimal, reason string) error {
	p.Stage = StageClosed
	p.ClosedAt = l.now()
	p.CloseReason = reason
	delete(l.positions, p.Symbol)

	cooldown := time.Duration(l.exitCfg.CooldownMinutes) * time.Minute
	if cooldown > 0 {
		l.cooldowns[p.Symbol] = l.now().Add(cooldown)
	}

	l.logger.Info("Position closed",
		"symbol", p.Symbol,
		"reason", reason,
		"exit_price", exitPrice.String(),
		"realized_pnl", p.RealizedPnL.String())

	if l.archiver != nil {
		rec := ArchiveRecord{
			ID:          p.ID,
			Account:     l.account,
			Symbol:      p.Symbol,
			Side:        p.Side.String(),
			EntryPrice:  p.EntryPrice,
			ExitPrice:   exitPrice,
			Quantity:    p.Quantity,
			RealizedPnL: p.RealizedPnL,
			Reason:      reason,
			OpenedAt:    p.OpenedAt,
			ClosedAt:    p.ClosedAt,
		}
		if err := l.archiver.ArchivePosition(ctx, rec); err != nil {
			return fmt.Errorf("archive position %s: %w", p.Symbol, err)
		}
	}
	return nil
}

// RecordExitFailure counts a failed exit submission. After the configured
// number of consecutive failures the position is flagged EXIT_STUCK and
// automatic exits stop for it; other positions are unaffected.
func (l *Ledger) RecordExitFailure(symbol string) {
	p := l.positions[symbol]
	if p == nil {
		return
	}
	p.ExitFailures++
	if l.exitCfg.MaxExitFailures > 0 && p.ExitFailures >= l.exitCfg.MaxExitFailures && !p.ExitStuck {
		p.ExitStuck = true
		l.logger.Error("Position exit stuck, manual intervention required",
			"symbol", symbol,
			"failures", p.ExitFailures)
	}
}
