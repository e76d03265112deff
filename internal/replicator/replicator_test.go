package replicator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/config"
	"autotrader/internal/core"
	"autotrader/internal/logging"
	"autotrader/internal/mock"
	"autotrader/pkg/concurrency"
)

func testPool(t *testing.T) *concurrency.WorkerPool {
	t.Helper()
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "replication-test",
		MaxWorkers: 4,
	}, logging.NewNop())
	t.Cleanup(pool.Stop)
	return pool
}

func dependentTarget(id string, equity decimal.Decimal) (Target, *mock.Venue) {
	v := mock.NewVenue("mock-" + id)
	v.SetBalance(equity)
	return Target{
		Account: config.AccountConfig{
			ID: id,
			Risk: config.RiskPolicyConfig{
				MaxUserRiskFraction: 0.10,
			},
		},
		Venue: v,
	}, v
}

func masterFill(id string) core.FillEvent {
	return core.FillEvent{
		ID:        id,
		Account:   "master",
		Symbol:    "XBT/USD",
		Side:      core.OrderSideBuy,
		Price:     decimal.NewFromInt(100),
		Quantity:  decimal.NewFromInt(10), // $1000 notional
		Timestamp: time.Now(),
	}
}

func TestReplicate_ScalesAndCapsPerDependent(t *testing.T) {
	master := mock.NewVenue("mock-master")
	master.SetBalance(decimal.NewFromInt(5000))

	// Proportional share would be $100; the 10% risk cap on $500 equity
	// limits the trade to $50.
	target, depVenue := dependentTarget("dep-1", decimal.NewFromInt(500))

	r := New(master, []Target{target}, testPool(t), logging.NewNop())
	r.Replicate(context.Background(), masterFill("evt-1"))

	placed := depVenue.PlacedOrders()
	require.Len(t, placed, 1)
	assert.Equal(t, "XBT/USD", placed[0].Symbol)
	assert.Equal(t, core.OrderSideBuy, placed[0].Side)
	assert.Equal(t, core.OrderTypeMarket, placed[0].Type)
	assert.True(t, placed[0].Quantity.Equal(decimal.NewFromFloat(0.5)),
		"want qty 0.5 ($50 at $100), got %s", placed[0].Quantity)
}

func TestReplicate_DuplicateEventIsNoOp(t *testing.T) {
	master := mock.NewVenue("mock-master")
	master.SetBalance(decimal.NewFromInt(5000))
	target, depVenue := dependentTarget("dep-1", decimal.NewFromInt(500))

	r := New(master, []Target{target}, testPool(t), logging.NewNop())
	event := masterFill("evt-replayed")
	r.Replicate(context.Background(), event)
	r.Replicate(context.Background(), event)

	assert.Len(t, depVenue.PlacedOrders(), 1, "replayed event must not double-submit")
}

func TestReplicate_DedupExpiresAfterWindow(t *testing.T) {
	master := mock.NewVenue("mock-master")
	master.SetBalance(decimal.NewFromInt(5000))
	target, depVenue := dependentTarget("dep-1", decimal.NewFromInt(500))

	r := New(master, []Target{target}, testPool(t), logging.NewNop())
	now := time.Now()
	r.now = func() time.Time { return now }

	event := masterFill("evt-old")
	r.Replicate(context.Background(), event)

	now = now.Add(dedupWindow + time.Minute)
	r.Replicate(context.Background(), event)

	assert.Len(t, depVenue.PlacedOrders(), 2)
}

func TestReplicate_FailingDependentDoesNotBlockOthers(t *testing.T) {
	master := mock.NewVenue("mock-master")
	master.SetBalance(decimal.NewFromInt(5000))

	broken, brokenVenue := dependentTarget("dep-broken", decimal.NewFromInt(500))
	brokenVenue.FailWith("PlaceOrder", errors.New("insufficient funds"))
	noBalance, noBalanceVenue := dependentTarget("dep-nobalance", decimal.NewFromInt(500))
	noBalanceVenue.FailWith("GetBalance", errors.New("venue timeout"))
	healthy, healthyVenue := dependentTarget("dep-healthy", decimal.NewFromInt(500))

	r := New(master, []Target{broken, noBalance, healthy}, testPool(t), logging.NewNop())
	r.Replicate(context.Background(), masterFill("evt-1"))

	assert.Len(t, healthyVenue.PlacedOrders(), 1, "healthy dependent must still receive the order")
	assert.Empty(t, noBalanceVenue.PlacedOrders())
}

func TestReplicate_MasterEquityUnavailableSkipsEvent(t *testing.T) {
	master := mock.NewVenue("mock-master")
	master.FailWith("GetBalance", errors.New("auth expired"))
	target, depVenue := dependentTarget("dep-1", decimal.NewFromInt(500))

	r := New(master, []Target{target}, testPool(t), logging.NewNop())
	r.Replicate(context.Background(), masterFill("evt-1"))

	assert.Empty(t, depVenue.PlacedOrders(), "no master equity means no replication")
}

func TestReplicate_ZeroDependentEquityPlacesNothing(t *testing.T) {
	master := mock.NewVenue("mock-master")
	master.SetBalance(decimal.NewFromInt(5000))
	target, depVenue := dependentTarget("dep-1", decimal.Zero)

	r := New(master, []Target{target}, testPool(t), logging.NewNop())
	r.Replicate(context.Background(), masterFill("evt-1"))

	assert.Empty(t, depVenue.PlacedOrders())
}

func TestPublish_DropsWhenQueueFull(t *testing.T) {
	master := mock.NewVenue("mock-master")
	r := New(master, nil, testPool(t), logging.NewNop())

	for i := 0; i < cap(r.events)+10; i++ {
		r.Publish(masterFill("evt-flood"))
	}
	assert.Len(t, r.events, cap(r.events), "overflow must drop, never block")
}

func TestRun_ConsumesPublishedEvents(t *testing.T) {
	master := mock.NewVenue("mock-master")
	master.SetBalance(decimal.NewFromInt(5000))
	target, depVenue := dependentTarget("dep-1", decimal.NewFromInt(500))

	r := New(master, []Target{target}, testPool(t), logging.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()

	r.Publish(masterFill("evt-a"))
	r.Publish(masterFill("evt-b"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(depVenue.PlacedOrders()) < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	assert.Len(t, depVenue.PlacedOrders(), 2)
}

func TestReplicate_ExitFillIsReduceOnly(t *testing.T) {
	master := mock.NewVenue("mock-master")
	master.SetBalance(decimal.NewFromInt(5000))
	target, depVenue := dependentTarget("dep-1", decimal.NewFromInt(500))

	r := New(master, []Target{target}, testPool(t), logging.NewNop())

	exit := masterFill("evt-exit")
	exit.Side = core.OrderSideSell
	exit.Exit = true
	r.Replicate(context.Background(), exit)

	placed := depVenue.PlacedOrders()
	require.Len(t, placed, 1)
	assert.True(t, placed[0].ReduceOnly,
		"a replicated exit must never flip a dependent into the opposite direction")

	// Entry fills stay plain orders
	entry := masterFill("evt-entry")
	r.Replicate(context.Background(), entry)
	placed = depVenue.PlacedOrders()
	require.Len(t, placed, 2)
	assert.False(t, placed[1].ReduceOnly)
}
