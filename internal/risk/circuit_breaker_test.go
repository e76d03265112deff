package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/config"
)

func TestCircuitBreaker_ConsecutiveLoss(t *testing.T) {
	cb := NewCircuitBreaker("acct-1", config.RiskPolicyConfig{
		MaxConsecutiveLosses: 3,
	})

	if cb.IsTripped() {
		t.Error("Circuit breaker should not be tripped initially")
	}

	// 1st loss
	cb.RecordTrade(decimal.NewFromFloat(-10.0))
	if cb.IsTripped() {
		t.Error("Circuit breaker should not trip after 1 loss")
	}

	// 1 win resets count
	cb.RecordTrade(decimal.NewFromFloat(5.0))
	if cb.consecutiveLosses != 0 {
		t.Errorf("Consecutive losses should be reset after a win, got %d", cb.consecutiveLosses)
	}

	// 3 consecutive losses
	cb.RecordTrade(decimal.NewFromFloat(-5.0))
	cb.RecordTrade(decimal.NewFromFloat(-5.0))
	cb.RecordTrade(decimal.NewFromFloat(-5.0))

	if !cb.IsTripped() {
		t.Error("Circuit breaker should trip after 3 consecutive losses")
	}
	if cb.Reason() != "consecutive loss limit reached" {
		t.Errorf("Unexpected trip reason: %s", cb.Reason())
	}
}

func TestCircuitBreaker_DailyLoss(t *testing.T) {
	cb := NewCircuitBreaker("acct-1", config.RiskPolicyConfig{
		MaxDailyLoss: 100,
	})

	cb.RecordTrade(decimal.NewFromInt(-60))
	if cb.IsTripped() {
		t.Error("Should not trip below the daily limit")
	}

	// A win between losses does not shrink the daily total
	cb.RecordTrade(decimal.NewFromInt(20))
	cb.RecordTrade(decimal.NewFromInt(-50))

	if !cb.IsTripped() {
		t.Error("Circuit breaker should trip after exceeding max daily loss")
	}
}

func TestCircuitBreaker_DailyLossResetsAtMidnight(t *testing.T) {
	now := time.Date(2025, 3, 10, 22, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("acct-1", config.RiskPolicyConfig{
		MaxDailyLoss: 100,
	})
	cb.now = func() time.Time { return now }
	cb.dayStart = cb.utcDay(now)

	cb.RecordTrade(decimal.NewFromInt(-150))
	if !cb.IsTripped() {
		t.Fatal("Should be tripped")
	}

	// Next UTC day: the daily window rolls over and the breaker closes
	now = now.Add(4 * time.Hour)
	if cb.IsTripped() {
		t.Error("Daily loss trip should auto-reset after the UTC day rolls")
	}
	if !cb.dailyLoss.IsZero() {
		t.Errorf("Daily loss should be zero after reset, got %s", cb.dailyLoss)
	}
}

func TestCircuitBreaker_LossStreakNeedsManualReset(t *testing.T) {
	now := time.Date(2025, 3, 10, 22, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("acct-1", config.RiskPolicyConfig{
		MaxConsecutiveLosses: 1,
	})
	cb.now = func() time.Time { return now }
	cb.dayStart = cb.utcDay(now)

	cb.RecordTrade(decimal.NewFromInt(-10))
	if !cb.IsTripped() {
		t.Fatal("Should be tripped")
	}

	// Day roll does not clear a streak trip
	now = now.Add(4 * time.Hour)
	if !cb.IsTripped() {
		t.Error("Loss streak trip should survive the day roll")
	}

	cb.Reset()
	if cb.IsTripped() {
		t.Error("Should not be tripped after reset")
	}
	if cb.consecutiveLosses != 0 {
		t.Error("Consecutive losses should be 0 after reset")
	}
}
