// Package risk contains position sizing and account-level trading halts.
package risk

import (
	"github.com/shopspring/decimal"

	"autotrader/internal/config"
)

// Strength buckets. The sizer is a step function of trend strength: weak
// trends take the minimum fraction of equity, strong trends the maximum,
// with one intermediate bucket between them.
const (
	strengthModerate = 40.0
	strengthStrong   = 70.0
)

// SizeDecision is the outcome of one sizing evaluation. Notional is zero
// whenever Reject is set; Reason explains the rejection.
type SizeDecision struct {
	Notional decimal.Decimal
	Reject   bool
	Reason   string
}

// noSize rejects with a reason
func noSize(reason string) SizeDecision {
	return SizeDecision{Reject: true, Reason: reason}
}

// Sizer converts equity and trend strength into a bounded position notional.
// It is pure: all state it consults arrives through the Input.
type Sizer struct {
	policy config.RiskPolicyConfig
}

// Input carries everything one sizing decision depends on
type Input struct {
	Equity        decimal.Decimal
	TrendStrength float64
	OpenNotional  decimal.Decimal
	OpenPositions int
	SymbolHeld    bool
}

func NewSizer(policy config.RiskPolicyConfig) *Sizer {
	return &Sizer{policy: policy}
}

// Size returns the notional to commit for a new entry, or a rejection.
// The output is a monotonically non-decreasing step function of trend
// strength, clamped to [min_fraction, max_fraction] * equity and to the
// remaining total-exposure headroom. Rejection cases never truncate
// silently: equity below the floor, position slots exhausted, or the
// symbol already held all return no size.
func (s *Sizer) Size(in Input) SizeDecision {
	floor := decimal.NewFromFloat(s.policy.EquityFloor)
	if in.Equity.LessThan(floor) {
		return noSize("equity below floor")
	}
	if in.OpenPositions >= s.policy.MaxConcurrentPositions {
		return noSize("max concurrent positions reached")
	}
	if in.SymbolHeld {
		return noSize("symbol already has an open position")
	}

	fraction := s.fractionFor(in.TrendStrength)
	notional := in.Equity.Mul(decimal.NewFromFloat(fraction))

	// Total-exposure clamp: never let open notional plus this entry
	// exceed the configured fraction of equity.
	maxExposure := in.Equity.Mul(decimal.NewFromFloat(s.policy.MaxTotalExposureFraction))
	headroom := maxExposure.Sub(in.OpenNotional)
	if headroom.LessThanOrEqual(decimal.Zero) {
		return noSize("total exposure limit reached")
	}
	if notional.GreaterThan(headroom) {
		notional = headroom
	}

	return SizeDecision{Notional: notional}
}

// fractionFor maps trend strength to an equity fraction. Buckets are
// inclusive at their lower bound so the mapping is non-decreasing.
func (s *Sizer) fractionFor(strength float64) float64 {
	min, max := s.policy.MinFraction, s.policy.MaxFraction
	switch {
	case strength >= strengthStrong:
		return max
	case strength >= strengthModerate:
		return min + (max-min)/2
	default:
		return min
	}
}

// ScaleForDependent computes the replicated notional for a dependent
// account: proportional to the equity ratio, then hard-capped at
// max_user_risk_fraction of the dependent's equity.
func ScaleForDependent(masterNotional, masterEquity, dependentEquity decimal.Decimal, policy config.RiskPolicyConfig) decimal.Decimal {
	if masterEquity.LessThanOrEqual(decimal.Zero) || dependentEquity.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}

	scaled := masterNotional.Mul(dependentEquity).Div(masterEquity)
	limit := dependentEquity.Mul(decimal.NewFromFloat(policy.MaxUserRiskFraction))
	if scaled.GreaterThan(limit) {
		return limit
	}
	return scaled
}
