// Package position implements the per-account position ledger and the exit
// lifecycle state machine. A Ledger is owned and mutated exclusively by its
// account's trading loop goroutine; it is deliberately unsynchronized.
package position

import (
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/core"
)

// Stage is the lifecycle state of a position
type Stage int

const (
	StagePendingEntry Stage = iota
	StageOpen
	StagePartiallyClosed
	StageClosed
)

func (s Stage) String() string {
	switch s {
	case StagePendingEntry:
		return "PENDING_ENTRY"
	case StageOpen:
		return "OPEN"
	case StagePartiallyClosed:
		return "PARTIALLY_CLOSED"
	case StageClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// TakeProfit is one partial exit level. Fraction applies to the quantity
// remaining when the level triggers, not the original entry quantity.
type TakeProfit struct {
	Price    decimal.Decimal
	Fraction decimal.Decimal
}

// Position tracks one live position and its exit triggers
type Position struct {
	ID      string
	Symbol  string
	Side    core.OrderSide
	OrderID string
	Stage   Stage
	TPStage int

	EntryPrice decimal.Decimal
	Quantity   decimal.Decimal // original entry quantity
	Remaining  decimal.Decimal
	Exited     decimal.Decimal

	StopPrice          decimal.Decimal
	TakeProfits        []TakeProfit
	TrailingPct        decimal.Decimal // zero disables trailing
	MaxUnprofitableAge time.Duration

	PeakPrice   decimal.Decimal // best price seen since entry, favorable direction
	OpenedAt    time.Time
	ClosedAt    time.Time
	RealizedPnL decimal.Decimal

	// Failure and review flags
	ExitFailures  int
	ExitStuck     bool
	IntegrityHold bool
	CloseReason   string

	oppositeSignals int
}

// Notional returns remaining quantity at entry price
func (p *Position) Notional() decimal.Decimal {
	return p.Remaining.Mul(p.EntryPrice)
}

// favorable reports whether price b is better than a for this side
func (p *Position) favorable(a, b decimal.Decimal) bool {
	if p.Side == core.OrderSideBuy {
		return b.GreaterThan(a)
	}
	return b.LessThan(a)
}

// profitable reports whether the position is in profit at price
func (p *Position) profitable(price decimal.Decimal) bool {
	return p.favorable(p.EntryPrice, price)
}

// pnlFor returns the realized PnL of exiting qty at price
func (p *Position) pnlFor(price, qty decimal.Decimal) decimal.Decimal {
	diff := price.Sub(p.EntryPrice)
	if p.Side == core.OrderSideSell {
		diff = diff.Neg()
	}
	return diff.Mul(qty)
}
