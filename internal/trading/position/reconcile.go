package position

import (
	"context"

	"github.com/shopspring/decimal"

	"autotrader/internal/core"
)

// quantityTolerance absorbs venue rounding when comparing quantities
var quantityTolerance = decimal.NewFromFloat(0.0001)

// ReconcileResult reports ledger/venue divergence from one pass
type ReconcileResult struct {
	Checked  int
	Missing  []string // held in ledger, absent at venue
	Mismatch []string // quantity differs beyond tolerance
	Unknown  []string // open at venue, unknown to ledger
}

// Reconcile compares the ledger against the venue's own position view and
// flags divergent positions for manual review. Money-correctness outranks
// availability: a mismatch freezes automatic exits for that position
// rather than trusting either side.
func (l *Ledger) Reconcile(ctx context.Context, venue core.IVenue) (ReconcileResult, error) {
	var res ReconcileResult

	venuePositions, err := venue.GetPositions(ctx)
	if err != nil {
		return res, err
	}

	bySymbol := make(map[string]core.VenuePosition, len(venuePositions))
	for _, vp := range venuePositions {
		bySymbol[vp.Symbol] = vp
	}

	for symbol, p := range l.positions {
		if p.Stage != StageOpen && p.Stage != StagePartiallyClosed {
			continue
		}
		res.Checked++

		vp, ok := bySymbol[symbol]
		if !ok {
			res.Missing = append(res.Missing, symbol)
			l.FlagIntegrity(symbol, "position missing at venue")
			continue
		}
		delete(bySymbol, symbol)

		if vp.Quantity.Sub(p.Remaining).Abs().GreaterThan(quantityTolerance) {
			res.Mismatch = append(res.Mismatch, symbol)
			l.FlagIntegrity(symbol, "quantity mismatch against venue")
		}
	}

	for symbol := range bySymbol {
		res.Unknown = append(res.Unknown, symbol)
		l.logger.Warn("Venue reports position unknown to ledger", "symbol", symbol)
	}

	return res, nil
}
