// Package loop runs the per-account trading cycle: confirm pending fills,
// evaluate exits against the lifecycle state machine, then scan the current
// rotation slice for new entries. One Loop per account, one goroutine per
// Loop; cross-account interaction happens only through fill publication.
package loop

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	apperrors "autotrader/pkg/errors"
	"autotrader/pkg/retry"
	"autotrader/pkg/telemetry"

	"autotrader/internal/config"
	"autotrader/internal/core"
	"autotrader/internal/risk"
	"autotrader/internal/trading/position"
)

// entryStrengthFloor is the minimum trend strength that qualifies a symbol
// for a new entry. Below it the symbol is scanned but skipped.
const entryStrengthFloor = 40.0

// Loop drives one account's trading cycle
type Loop struct {
	account config.AccountConfig
	role    core.AccountRole

	venue   core.IVenue
	market  core.IMarketData
	ledger  *position.Ledger
	sizer   *risk.Sizer
	breaker *risk.CircuitBreaker
	kill    core.KillSwitch
	pub     core.FillPublisher // nil for dependents
	logger  core.ILogger

	intents chan core.TradeIntent

	status       core.AccountStatus
	statusReason string

	// Exit retry backoff, keyed by symbol
	nextExitTry map[string]time.Time
	exitBackoff retry.Policy

	cycles     int
	cycleClean bool

	now func() time.Time
}

// reconcileEvery is how many cycles pass between ledger/venue
// reconciliation sweeps
const reconcileEvery = 10

// Deps bundles the collaborators a Loop needs
type Deps struct {
	Venue   core.IVenue
	Market  core.IMarketData
	Ledger  *position.Ledger
	Sizer   *risk.Sizer
	Breaker *risk.CircuitBreaker
	Kill    core.KillSwitch
	Pub     core.FillPublisher
	Logger  core.ILogger
}

func New(account config.AccountConfig, role core.AccountRole, deps Deps) *Loop {
	return &Loop{
		account:     account,
		role:        role,
		venue:       deps.Venue,
		market:      deps.Market,
		ledger:      deps.Ledger,
		sizer:       deps.Sizer,
		breaker:     deps.Breaker,
		kill:        deps.Kill,
		pub:         deps.Pub,
		logger:      deps.Logger.WithField("component", "loop").WithField("account", account.ID),
		intents:     make(chan core.TradeIntent, 16),
		status:      core.AccountHealthy,
		nextExitTry: make(map[string]time.Time),
		exitBackoff: retry.Policy{
			MaxAttempts:    1,
			InitialBackoff: 5 * time.Second,
			MaxBackoff:     2 * time.Minute,
		},
		now: time.Now,
	}
}

// AccountID returns the account this loop trades
func (l *Loop) AccountID() string {
	return l.account.ID
}

// Status returns the current health classification and its reason
func (l *Loop) Status() (core.AccountStatus, string) {
	return l.status, l.statusReason
}

// SubmitIntent queues a verified external trade intent for the next cycle.
// Intents are dropped when the queue is full rather than blocking the
// webhook handler.
func (l *Loop) SubmitIntent(intent core.TradeIntent) bool {
	select {
	case l.intents <- intent:
		return true
	default:
		l.logger.Warn("Intent queue full, dropping", "symbol", intent.Symbol)
		return false
	}
}

// Run executes cycles at the configured interval until ctx is cancelled.
// The stop signal is honored between cycles only: each cycle runs on a
// context detached from the stop signal and bounded by the cycle interval,
// so an in-flight exit submission completes instead of being aborted
// mid-request. The supervisor's drain grace bounds how long it waits for
// that final cycle.
func (l *Loop) Run(ctx context.Context) error {
	interval := time.Duration(l.account.CycleInterval) * time.Second
	l.logger.Info("Trading loop started", "role", string(l.role), "interval", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	work := context.WithoutCancel(ctx)
	for {
		cycleCtx, cancel := context.WithTimeout(work, interval)
		l.RunCycle(cycleCtx)
		cancel()

		select {
		case <-ctx.Done():
			l.logger.Info("Trading loop stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle performs one full cycle. Exits are always processed; entries
// are gated by the kill switch, the circuit breaker, and account health.
func (l *Loop) RunCycle(ctx context.Context) {
	if l.status == core.AccountHalted {
		return
	}

	l.cycles++
	l.cycleClean = true
	l.drainIntents(ctx)
	l.confirmPending(ctx)

	if l.cycles%reconcileEvery == 0 {
		if _, err := l.ledger.Reconcile(ctx, l.venue); err != nil {
			l.noteVenueError(err)
		}
	}

	l.processExits(ctx)

	if l.kill.Engaged() {
		l.logger.Debug("Kill switch engaged, skipping entries")
	} else if l.breaker != nil && l.breaker.IsTripped() {
		l.setStatus(core.AccountDegraded, l.breaker.Reason())
	} else {
		l.scanEntries(ctx)
	}

	l.reportTelemetry(ctx)
}

// drainIntents applies queued webhook intents: opposite-direction intents
// feed the debounced exit, same-direction ones reset the debounce, and
// intents for unheld symbols become entry candidates.
func (l *Loop) drainIntents(ctx context.Context) {
	for {
		select {
		case intent := <-l.intents:
			l.handleIntent(ctx, intent)
		default:
			return
		}
	}
}

func (l *Loop) handleIntent(ctx context.Context, intent core.TradeIntent) {
	side := core.OrderSideBuy
	if intent.Action == "sell" || intent.Action == "close" {
		side = core.OrderSideSell
	}

	pos := l.ledger.Get(intent.Symbol)
	if pos == nil {
		if intent.Action == "buy" && !l.kill.Engaged() {
			l.tryEntry(ctx, intent.Symbol, intent.Price)
		}
		return
	}

	if pos.Stage == position.StagePendingEntry {
		// The entry fill is unconfirmed; there may be nothing venue-side
		// to close yet, and the state machine defines no exit from here.
		l.logger.Debug("Intent ignored while entry is pending", "symbol", intent.Symbol)
		return
	}

	if pos.Side == side {
		l.ledger.ClearOppositeSignal(intent.Symbol)
		return
	}

	if l.ledger.RecordOppositeSignal(intent.Symbol) {
		l.logger.Info("Opposite signal confirmed, exiting position", "symbol", intent.Symbol)
		l.submitExit(ctx, pos, pos.Remaining, "opposite_signal")
	}
}

// confirmPending polls the venue for entry orders awaiting fill
func (l *Loop) confirmPending(ctx context.Context) {
	for _, p := range l.ledger.Positions() {
		if p.Stage != position.StagePendingEntry {
			continue
		}

		order, err := l.venue.GetOrderStatus(ctx, p.Symbol, p.OrderID)
		if err != nil {
			l.noteVenueError(err)
			continue
		}

		switch order.Status {
		case core.OrderStatusFilled:
			price := order.AvgFillPrice
			if price.IsZero() {
				price = order.Price
			}
			if order.FilledQty.IsZero() {
				l.ledger.FlagIntegrity(p.Symbol, "filled order reports zero quantity")
				continue
			}
			if err := l.ledger.ConfirmEntry(p.Symbol, price, order.FilledQty); err != nil {
				l.logger.Error("Entry confirmation failed", "symbol", p.Symbol, "error", err)
				continue
			}
			l.publishFill(order.ID, p.Symbol, p.Side, price, order.FilledQty, false)
		case core.OrderStatusCanceled, core.OrderStatusRejected:
			l.logger.Warn("Entry order did not fill", "symbol", p.Symbol, "status", order.Status.String())
			l.ledger.AbandonPending(p.Symbol)
		}
	}
}

// processExits evaluates every open position against the state machine
func (l *Loop) processExits(ctx context.Context) {
	now := l.now()
	for _, p := range l.ledger.Positions() {
		if p.Stage != position.StageOpen && p.Stage != position.StagePartiallyClosed {
			continue
		}
		if next, ok := l.nextExitTry[p.Symbol]; ok && now.Before(next) {
			continue
		}

		snap, err := l.market.GetSnapshot(ctx, p.Symbol)
		if err != nil {
			l.noteVenueError(err)
			continue
		}

		decision := position.Evaluate(p, snap.Price, now)
		if decision.Kind == position.ExitNone {
			continue
		}
		l.submitExit(ctx, p, decision.Quantity, decision.Kind.String())
	}
}

// submitExit places a reduce-only market order for qty and applies the
// ledger transition on fill. A failed submission schedules a backoff and
// counts toward the EXIT_STUCK threshold.
func (l *Loop) submitExit(ctx context.Context, p *position.Position, qty decimal.Decimal, reason string) {
	req := &core.PlaceOrderRequest{
		Symbol:     p.Symbol,
		Side:       p.Side.Opposite(),
		Type:       core.OrderTypeMarket,
		Quantity:   qty,
		ReduceOnly: true,
	}

	order, err := l.venue.PlaceOrder(ctx, req)
	if err != nil {
		l.noteVenueError(err)
		l.ledger.RecordExitFailure(p.Symbol)
		delay := retry.Delay(p.ExitFailures-1, l.exitBackoff.InitialBackoff, l.exitBackoff.MaxBackoff)
		l.nextExitTry[p.Symbol] = l.now().Add(retry.Jitter(delay))
		l.logger.Error("Exit submission failed",
			"symbol", p.Symbol,
			"reason", reason,
			"failures", p.ExitFailures,
			"error", err)
		return
	}
	delete(l.nextExitTry, p.Symbol)

	price := order.AvgFillPrice
	if price.IsZero() {
		price = order.Price
	}
	filled := order.FilledQty
	if filled.IsZero() {
		filled = qty
	}

	fullExit := filled.GreaterThanOrEqual(p.Remaining)
	var appErr error
	switch {
	case fullExit:
		appErr = l.ledger.ApplyFullClose(ctx, p.Symbol, price, reason)
	case reason == position.ExitTakeProfit.String():
		appErr = l.ledger.ApplyPartialClose(ctx, p.Symbol, price, filled)
	default:
		// A partially filled full exit must not consume a take-profit
		// stage; the remainder re-fires under the same trigger.
		appErr = l.ledger.ApplyPartialExitFill(ctx, p.Symbol, price, filled, reason)
	}
	if appErr != nil {
		l.logger.Error("Exit bookkeeping failed", "symbol", p.Symbol, "error", appErr)
		return
	}

	if fullExit && l.breaker != nil {
		closedPnL := p.RealizedPnL
		l.breaker.RecordTrade(closedPnL)
	}
	l.publishFill(order.ID, p.Symbol, p.Side.Opposite(), price, filled, true)
}

// scanEntries walks the current rotation slice looking for new entries
func (l *Loop) scanEntries(ctx context.Context) {
	slice, err := l.market.NextSlice(ctx)
	if err != nil {
		l.noteVenueError(err)
		return
	}

	metrics := telemetry.GetGlobalMetrics()
	if metrics.ScansTotal != nil {
		metrics.ScansTotal.Add(ctx, int64(len(slice)))
	}

	for _, symbol := range slice {
		if l.kill.Engaged() {
			return
		}
		if l.ledger.Holds(symbol) || l.ledger.InCooldown(symbol) {
			continue
		}

		snap, err := l.market.GetSnapshot(ctx, symbol)
		if err != nil {
			l.noteVenueError(err)
			continue
		}
		if snap.Strength < entryStrengthFloor {
			continue
		}

		l.tryEntry(ctx, symbol, snap.Price)
	}
}

// tryEntry sizes and submits one entry order
func (l *Loop) tryEntry(ctx context.Context, symbol string, price decimal.Decimal) {
	if price.IsZero() {
		return
	}
	if l.ledger.Holds(symbol) || l.ledger.InCooldown(symbol) {
		return
	}

	balance, err := l.venue.GetBalance(ctx)
	if err != nil {
		l.noteVenueError(err)
		return
	}

	snap, err := l.market.GetSnapshot(ctx, symbol)
	if err != nil {
		l.noteVenueError(err)
		return
	}

	decision := l.sizer.Size(risk.Input{
		Equity:        balance.Equity,
		TrendStrength: snap.Strength,
		OpenNotional:  l.ledger.OpenNotional(),
		OpenPositions: l.ledger.OpenCount(),
		SymbolHeld:    l.ledger.Holds(symbol),
	})
	if decision.Reject {
		l.logger.Debug("Entry rejected by sizer", "symbol", symbol, "reason", decision.Reason)
		return
	}

	qty := decision.Notional.Div(price)
	req := &core.PlaceOrderRequest{
		Symbol:   symbol,
		Side:     core.OrderSideBuy,
		Type:     core.OrderTypeMarket,
		Quantity: qty,
	}

	order, err := l.venue.PlaceOrder(ctx, req)
	if err != nil {
		l.noteVenueError(err)
		return
	}

	if _, err := l.ledger.OpenPending(symbol, core.OrderSideBuy, order.ID, price, qty); err != nil {
		l.logger.Error("Ledger rejected pending entry", "symbol", symbol, "error", err)
		return
	}

	metrics := telemetry.GetGlobalMetrics()
	if metrics.OrdersPlacedTotal != nil {
		metrics.OrdersPlacedTotal.Add(ctx, 1)
	}
	l.logger.Info("Entry order placed",
		"symbol", symbol,
		"notional", decision.Notional.String(),
		"quantity", qty.String())

	if order.Status == core.OrderStatusFilled {
		fillPrice := order.AvgFillPrice
		if fillPrice.IsZero() {
			fillPrice = price
		}
		filled := order.FilledQty
		if filled.IsZero() {
			filled = qty
		}
		if err := l.ledger.ConfirmEntry(symbol, fillPrice, filled); err != nil {
			l.logger.Error("Entry confirmation failed", "symbol", symbol, "error", err)
			return
		}
		l.publishFill(order.ID, symbol, core.OrderSideBuy, fillPrice, filled, false)
	}
}

// publishFill emits a fill event for the replicator. Only the master
// publishes; dependents never fan out. exit marks position-reducing fills
// so replication can place them reduce-only.
func (l *Loop) publishFill(orderID, symbol string, side core.OrderSide, price, qty decimal.Decimal, exit bool) {
	metrics := telemetry.GetGlobalMetrics()
	if metrics.OrdersFilledTotal != nil {
		metrics.OrdersFilledTotal.Add(context.Background(), 1)
	}

	if l.pub == nil || l.role != core.RoleMaster {
		return
	}
	l.pub.Publish(core.FillEvent{
		ID:        orderID,
		Account:   l.account.ID,
		Symbol:    symbol,
		Side:      side,
		Price:     price,
		Quantity:  qty,
		Exit:      exit,
		Timestamp: l.now(),
	})
}

// noteVenueError folds one venue failure into account health. Auth and
// credential failures halt the account; transient errors only degrade it.
func (l *Loop) noteVenueError(err error) {
	switch {
	case apperrors.IsAuth(err):
		l.setStatus(core.AccountHalted, err.Error())
		l.logger.Error("Authentication failure, halting account", "error", err)
	case apperrors.IsTerminal(err):
		l.logger.Warn("Terminal venue error", "error", err)
	default:
		l.cycleClean = false
		l.setStatus(core.AccountDegraded, err.Error())
		l.logger.Warn("Transient venue error", "error", err)
	}
}

func (l *Loop) setStatus(status core.AccountStatus, reason string) {
	if l.status == status {
		return
	}
	l.status = status
	l.statusReason = reason
}

// reportTelemetry refreshes the per-account observable gauges
func (l *Loop) reportTelemetry(ctx context.Context) {
	metrics := telemetry.GetGlobalMetrics()
	metrics.SetOpenPositions(l.account.ID, int64(l.ledger.OpenCount()))
	metrics.SetExitStuck(l.account.ID, int64(l.ledger.StuckCount()))

	if balance, err := l.venue.GetBalance(ctx); err == nil {
		equity, _ := balance.Equity.Float64()
		metrics.SetAccountBalance(l.account.ID, equity)
	}

	// A clean cycle recovers a degraded account
	if l.cycleClean && l.status == core.AccountDegraded && (l.breaker == nil || !l.breaker.IsTripped()) {
		l.setStatus(core.AccountHealthy, "")
	}
}
