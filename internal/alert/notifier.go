package alert

import (
	"context"
	"fmt"
	"time"

	"autotrader/internal/core"
)

// StatusSource exposes the account states the notifier watches
type StatusSource interface {
	Status() map[string]core.AccountStatus
}

// BalanceSource exposes the latest known equity per account
type BalanceSource interface {
	Balances() map[string]float64
}

// StuckSource exposes EXIT_STUCK counts per account
type StuckSource interface {
	StuckCounts() map[string]int
}

// Notifier turns engine state transitions into operator alerts. Each
// condition alerts once on the transition into the bad state, not every
// tick it stays there.
type Notifier struct {
	manager          *AlertManager
	statuses         StatusSource
	balances         BalanceSource
	stuck            StuckSource
	kill             core.KillSwitch
	balanceThreshold float64
	interval         time.Duration
	logger           core.ILogger

	lastStatus map[string]core.AccountStatus
	lastStuck  map[string]int
	belowMin   map[string]bool
	killSeen   bool
}

func NewNotifier(manager *AlertManager, statuses StatusSource, balances BalanceSource, stuck StuckSource, kill core.KillSwitch, balanceThreshold float64, interval time.Duration, logger core.ILogger) *Notifier {
	return &Notifier{
		manager:          manager,
		statuses:         statuses,
		balances:         balances,
		stuck:            stuck,
		kill:             kill,
		balanceThreshold: balanceThreshold,
		interval:         interval,
		logger:           logger.WithField("component", "notifier"),
		lastStatus:       make(map[string]core.AccountStatus),
		lastStuck:        make(map[string]int),
		belowMin:         make(map[string]bool),
	}
}

// Run checks conditions at the configured interval until ctx is cancelled
func (n *Notifier) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n.Check(ctx)
		}
	}
}

// Check evaluates every watched condition once
func (n *Notifier) Check(ctx context.Context) {
	n.checkStatuses(ctx)
	n.checkBalances(ctx)
	n.checkStuck(ctx)
	n.checkKillSwitch(ctx)
}

func (n *Notifier) checkStatuses(ctx context.Context) {
	for account, status := range n.statuses.Status() {
		prev := n.lastStatus[account]
		n.lastStatus[account] = status
		if status == prev {
			continue
		}

		switch status {
		case core.AccountHalted:
			n.manager.Alert(ctx, "Account halted",
				fmt.Sprintf("Account %s was halted and excluded from trading", account),
				Critical, map[string]string{"account": account})
		case core.AccountDegraded:
			n.manager.Alert(ctx, "Account degraded",
				fmt.Sprintf("Account %s is degraded", account),
				Warning, map[string]string{"account": account})
		case core.AccountHealthy:
			if prev != "" {
				n.manager.Alert(ctx, "Account recovered",
					fmt.Sprintf("Account %s is healthy again", account),
					Info, map[string]string{"account": account})
			}
		}
	}
}

func (n *Notifier) checkBalances(ctx context.Context) {
	if n.balanceThreshold <= 0 {
		return
	}
	for account, equity := range n.balances.Balances() {
		below := equity < n.balanceThreshold
		if below && !n.belowMin[account] {
			n.manager.Alert(ctx, "Balance below threshold",
				fmt.Sprintf("Account %s equity %.2f fell below %.2f", account, equity, n.balanceThreshold),
				Warning, map[string]string{"account": account})
		}
		n.belowMin[account] = below
	}
}

func (n *Notifier) checkStuck(ctx context.Context) {
	for account, count := range n.stuck.StuckCounts() {
		if count > n.lastStuck[account] {
			n.manager.Alert(ctx, "Position exit stuck",
				fmt.Sprintf("Account %s has %d position(s) needing manual close", account, count),
				Error, map[string]string{"account": account})
		}
		n.lastStuck[account] = count
	}
}

func (n *Notifier) checkKillSwitch(ctx context.Context) {
	engaged := n.kill.Engaged()
	if engaged && !n.killSeen {
		n.manager.Alert(ctx, "Kill switch engaged",
			"New entries are halted process-wide; exits continue", Critical, nil)
	}
	n.killSeen = engaged
}
