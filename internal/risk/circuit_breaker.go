package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/config"
	"autotrader/pkg/telemetry"
)

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
)

// CircuitBreaker halts new entries for one account after a configured loss
// streak or daily realized loss. Exits are never blocked by the breaker.
// The daily loss window resets at UTC midnight.
type CircuitBreaker struct {
	mu      sync.RWMutex
	account string
	policy  config.RiskPolicyConfig

	state             CircuitState
	consecutiveLosses int
	dailyLoss         decimal.Decimal
	dayStart          time.Time
	trippedAt         time.Time
	reason            string

	now func() time.Time
}

func NewCircuitBreaker(account string, policy config.RiskPolicyConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		account: account,
		policy:  policy,
		state:   CircuitClosed,
		now:     time.Now,
	}
	cb.dayStart = cb.utcDay(cb.now())
	return cb
}

func (cb *CircuitBreaker) utcDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// RecordTrade feeds one realized PnL into the breaker
func (cb *CircuitBreaker) RecordTrade(pnl decimal.Decimal) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.rollDayLocked()

	if pnl.IsNegative() {
		cb.consecutiveLosses++
		cb.dailyLoss = cb.dailyLoss.Add(pnl.Neg())
	} else {
		cb.consecutiveLosses = 0
	}

	cb.checkThresholdsLocked()
}

func (cb *CircuitBreaker) rollDayLocked() {
	day := cb.utcDay(cb.now())
	if day.After(cb.dayStart) {
		cb.dayStart = day
		cb.dailyLoss = decimal.Zero
	}
}

func (cb *CircuitBreaker) checkThresholdsLocked() {
	if cb.state == CircuitOpen {
		return
	}

	if cb.policy.MaxConsecutiveLosses > 0 && cb.consecutiveLosses >= cb.policy.MaxConsecutiveLosses {
		cb.tripLocked("consecutive loss limit reached")
		return
	}

	if cb.policy.MaxDailyLoss > 0 && cb.dailyLoss.GreaterThanOrEqual(decimal.NewFromFloat(cb.policy.MaxDailyLoss)) {
		cb.tripLocked("daily loss limit reached")
	}
}

func (cb *CircuitBreaker) tripLocked(reason string) {
	cb.state = CircuitOpen
	cb.trippedAt = cb.now()
	cb.reason = reason

	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen(cb.account, true)
}

// Trip opens the breaker manually
func (cb *CircuitBreaker) Trip(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.tripLocked(reason)
}

// IsTripped reports whether new entries are currently halted. A tripped
// breaker auto-resets when the daily window rolls over, unless it was
// tripped by a loss streak (those need an operator Reset).
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return false
	}

	if cb.reason == "daily loss limit reached" && cb.utcDay(cb.now()).After(cb.utcDay(cb.trippedAt)) {
		cb.resetLocked()
		return false
	}
	return true
}

// Reason returns why the breaker last tripped
func (cb *CircuitBreaker) Reason() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.reason
}

// Reset closes the breaker and clears loss counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.resetLocked()
}

func (cb *CircuitBreaker) resetLocked() {
	cb.state = CircuitClosed
	cb.consecutiveLosses = 0
	cb.dailyLoss = decimal.Zero
	cb.reason = ""

	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen(cb.account, false)
}
