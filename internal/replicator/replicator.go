// Package replicator mirrors master fill events onto dependent accounts.
// Scaling is proportional to the equity ratio with a hard per-trade cap;
// fan-out to dependents is parallel but independent, and events are
// consumed strictly in the order the master produced them.
package replicator

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/pkg/concurrency"
	"autotrader/pkg/telemetry"

	"autotrader/internal/config"
	"autotrader/internal/core"
	"autotrader/internal/risk"
)

// dedupWindow bounds how long processed event IDs are remembered
const dedupWindow = 30 * time.Minute

// Target is one dependent account receiving replicated orders
type Target struct {
	Account config.AccountConfig
	Venue   core.IVenue
}

// Replicator consumes the master fill stream and drives scaled orders
// into each dependent's venue client
type Replicator struct {
	masterVenue core.IVenue
	targets     []Target
	pool        *concurrency.WorkerPool
	logger      core.ILogger

	events chan core.FillEvent

	mu   sync.Mutex
	seen map[string]time.Time

	now func() time.Time
}

func New(masterVenue core.IVenue, targets []Target, pool *concurrency.WorkerPool, logger core.ILogger) *Replicator {
	return &Replicator{
		masterVenue: masterVenue,
		targets:     targets,
		pool:        pool,
		logger:      logger.WithField("component", "replicator"),
		events:      make(chan core.FillEvent, 256),
		seen:        make(map[string]time.Time),
		now:         time.Now,
	}
}

// Publish enqueues a master fill event. Implements core.FillPublisher.
// The queue is buffered; if it overflows the event is dropped and logged
// loudly rather than blocking the master's trading cycle.
func (r *Replicator) Publish(event core.FillEvent) {
	select {
	case r.events <- event:
	default:
		r.logger.Error("Replication queue full, dropping fill event",
			"event_id", event.ID,
			"symbol", event.Symbol)
	}
}

// Run consumes fill events until ctx is cancelled. Events are processed
// one at a time so dependents observe the master's fill order; the
// fan-out inside one event runs in parallel.
func (r *Replicator) Run(ctx context.Context) error {
	r.logger.Info("Replicator started", "dependents", len(r.targets))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-r.events:
			r.Replicate(ctx, event)
		}
	}
}

// Replicate fans one master fill out to every dependent. Replaying an
// event ID that was already processed is a no-op.
func (r *Replicator) Replicate(ctx context.Context, event core.FillEvent) {
	if !r.markProcessed(event.ID) {
		r.logger.Debug("Duplicate fill event ignored", "event_id", event.ID)
		return
	}

	masterBalance, err := r.masterVenue.GetBalance(ctx)
	if err != nil {
		r.logger.Error("Cannot read master equity, skipping replication",
			"event_id", event.ID,
			"error", err)
		return
	}

	group := r.pool.Group()
	for _, target := range r.targets {
		group.Submit(func() {
			r.replicateOne(ctx, event, target, masterBalance.Equity)
		})
	}
	group.Wait()
}

// replicateOne submits the scaled order for a single dependent. Failures
// are contained here; they never affect the other dependents.
func (r *Replicator) replicateOne(ctx context.Context, event core.FillEvent, target Target, masterEquity decimal.Decimal) {
	logger := r.logger.WithField("dependent", target.Account.ID).WithField("event_id", event.ID)
	metrics := telemetry.GetGlobalMetrics()

	balance, err := target.Venue.GetBalance(ctx)
	if err != nil {
		logger.Error("Dependent balance fetch failed", "error", err)
		if metrics.ReplicationFailures != nil {
			metrics.ReplicationFailures.Add(ctx, 1)
		}
		return
	}

	notional := risk.ScaleForDependent(event.Notional(), masterEquity, balance.Equity, target.Account.Risk)
	if notional.LessThanOrEqual(decimal.Zero) {
		logger.Debug("Scaled notional is zero, skipping")
		return
	}

	qty := notional.Div(event.Price)
	req := &core.PlaceOrderRequest{
		Symbol:     event.Symbol,
		Side:       event.Side,
		Type:       core.OrderTypeMarket,
		Quantity:   qty,
		ReduceOnly: event.Exit,
	}

	if _, err := target.Venue.PlaceOrder(ctx, req); err != nil {
		logger.Error("Replicated order failed", "symbol", event.Symbol, "error", err)
		if metrics.ReplicationFailures != nil {
			metrics.ReplicationFailures.Add(ctx, 1)
		}
		return
	}

	if metrics.ReplicationsTotal != nil {
		metrics.ReplicationsTotal.Add(ctx, 1)
	}
	logger.Info("Fill replicated",
		"symbol", event.Symbol,
		"side", event.Side.String(),
		"notional", notional.String())
}

// markProcessed records an event ID, returning false if it was already
// seen inside the dedup window
func (r *Replicator) markProcessed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if seenAt, ok := r.seen[id]; ok && now.Sub(seenAt) < dedupWindow {
		return false
	}

	for k, t := range r.seen {
		if now.Sub(t) >= dedupWindow {
			delete(r.seen, k)
		}
	}
	r.seen[id] = now
	return true
}
