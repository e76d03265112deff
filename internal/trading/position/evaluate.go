package position

import (
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/core"
)

// ExitKind identifies which trigger fired
type ExitKind int

const (
	ExitNone ExitKind = iota
	ExitStop
	ExitTrailing
	ExitTakeProfit
	ExitMaxAge
)

func (k ExitKind) String() string {
	switch k {
	case ExitStop:
		return "stop_loss"
	case ExitTrailing:
		return "trailing_stop"
	case ExitTakeProfit:
		return "take_profit"
	case ExitMaxAge:
		return "max_age_unprofitable"
	default:
		return "none"
	}
}

// ExitDecision is the action the loop should take for one position on one
// tick. Quantity is the amount to close; for full exits it equals the
// position's remaining quantity.
type ExitDecision struct {
	Kind     ExitKind
	Quantity decimal.Decimal
}

// Evaluate inspects a position against the current price and returns the
// exit to perform, if any. When a stop condition and a take-profit level
// are both breached on the same tick, the stop wins. Positions in
// PENDING_ENTRY, flagged EXIT_STUCK, or held for manual review produce no
// action.
//
// Evaluate also advances the favorable-price peak used by the trailing
// stop; it is otherwise side-effect free.
func Evaluate(p *Position, price decimal.Decimal, now time.Time) ExitDecision {
	if p.Stage != StageOpen && p.Stage != StagePartiallyClosed {
		return ExitDecision{Kind: ExitNone}
	}
	if p.ExitStuck || p.IntegrityHold {
		return ExitDecision{Kind: ExitNone}
	}

	if p.favorable(p.PeakPrice, price) {
		p.PeakPrice = price
	}

	// Stop conditions take precedence over take-profits on a gapping tick
	if stopBreached(p, price) {
		return ExitDecision{Kind: ExitStop, Quantity: p.Remaining}
	}
	if trailingBreached(p, price) {
		return ExitDecision{Kind: ExitTrailing, Quantity: p.Remaining}
	}
	if maxAgeBreached(p, price, now) {
		return ExitDecision{Kind: ExitMaxAge, Quantity: p.Remaining}
	}

	if p.TPStage < len(p.TakeProfits) {
		tp := p.TakeProfits[p.TPStage]
		if p.favorable(tp.Price, price) || price.Equal(tp.Price) {
			qty := p.Remaining.Mul(tp.Fraction)
			if qty.GreaterThan(p.Remaining) {
				qty = p.Remaining
			}
			return ExitDecision{Kind: ExitTakeProfit, Quantity: qty}
		}
	}

	return ExitDecision{Kind: ExitNone}
}

func stopBreached(p *Position, price decimal.Decimal) bool {
	if p.StopPrice.IsZero() {
		return false
	}
	return p.favorable(price, p.StopPrice) || price.Equal(p.StopPrice)
}

func trailingBreached(p *Position, price decimal.Decimal) bool {
	if p.TrailingPct.IsZero() {
		return false
	}
	// Trailing only arms once the peak has moved favorably past entry
	if !p.favorable(p.EntryPrice, p.PeakPrice) {
		return false
	}
	drop := p.PeakPrice.Mul(p.TrailingPct)
	if p.Side == core.OrderSideBuy {
		return price.LessThanOrEqual(p.PeakPrice.Sub(drop))
	}
	return price.GreaterThanOrEqual(p.PeakPrice.Add(drop))
}

func maxAgeBreached(p *Position, price decimal.Decimal, now time.Time) bool {
	if p.MaxUnprofitableAge <= 0 {
		return false
	}
	if p.profitable(price) {
		return false
	}
	return now.Sub(p.OpenedAt) > p.MaxUnprofitableAge
}
