package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricScansTotal          = "autotrader_scans_total"
	MetricOrdersPlacedTotal   = "autotrader_orders_placed_total"
	MetricOrdersFilledTotal   = "autotrader_orders_filled_total"
	MetricReplicationsTotal   = "autotrader_replications_total"
	MetricReplicationFailures = "autotrader_replication_failures_total"
	MetricLoopRestartsTotal   = "autotrader_loop_restarts_total"
	MetricVenueLatency        = "autotrader_venue_latency_ms"
	MetricAccountBalance      = "autotrader_account_balance"
	MetricOpenPositions       = "autotrader_open_positions"
	MetricExitStuck           = "autotrader_exit_stuck_positions"
	MetricCircuitBreakerOpen  = "autotrader_circuit_breaker_open"
	MetricKillSwitchEngaged   = "autotrader_kill_switch_engaged"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	ScansTotal          metric.Int64Counter
	OrdersPlacedTotal   metric.Int64Counter
	OrdersFilledTotal   metric.Int64Counter
	ReplicationsTotal   metric.Int64Counter
	ReplicationFailures metric.Int64Counter
	LoopRestartsTotal   metric.Int64Counter
	VenueLatency        metric.Float64Histogram
	AccountBalance      metric.Float64ObservableGauge
	OpenPositions       metric.Int64ObservableGauge
	ExitStuck           metric.Int64ObservableGauge
	CircuitBreakerOpen  metric.Int64ObservableGauge
	KillSwitchEngaged   metric.Int64ObservableGauge

	// State for observable gauges, keyed by account
	mu            sync.RWMutex
	balanceMap    map[string]float64
	openPosMap    map[string]int64
	exitStuckMap  map[string]int64
	cbOpenMap     map[string]int64
	killSwitchVal int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			balanceMap:   make(map[string]float64),
			openPosMap:   make(map[string]int64),
			exitStuckMap: make(map[string]int64),
			cbOpenMap:    make(map[string]int64),
		}
		// Instrument initialization happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.ScansTotal, err = meter.Int64Counter(MetricScansTotal, metric.WithDescription("Symbols scanned per account"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders filled"))
	if err != nil {
		return err
	}

	m.ReplicationsTotal, err = meter.Int64Counter(MetricReplicationsTotal, metric.WithDescription("Copy-trade orders submitted to dependents"))
	if err != nil {
		return err
	}

	m.ReplicationFailures, err = meter.Int64Counter(MetricReplicationFailures, metric.WithDescription("Copy-trade submissions that failed"))
	if err != nil {
		return err
	}

	m.LoopRestartsTotal, err = meter.Int64Counter(MetricLoopRestartsTotal, metric.WithDescription("Account loop restarts after a crash"))
	if err != nil {
		return err
	}

	m.VenueLatency, err = meter.Float64Histogram(MetricVenueLatency, metric.WithDescription("Latency of venue API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.AccountBalance, err = meter.Float64ObservableGauge(MetricAccountBalance, metric.WithDescription("Account equity"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for acct, val := range m.balanceMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("account", acct)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.OpenPositions, err = meter.Int64ObservableGauge(MetricOpenPositions, metric.WithDescription("Open positions per account"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for acct, val := range m.openPosMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("account", acct)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.ExitStuck, err = meter.Int64ObservableGauge(MetricExitStuck, metric.WithDescription("Positions flagged EXIT_STUCK"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for acct, val := range m.exitStuckMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("account", acct)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen, metric.WithDescription("Circuit breaker open state (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for acct, val := range m.cbOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("account", acct)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.KillSwitchEngaged, err = meter.Int64ObservableGauge(MetricKillSwitchEngaged, metric.WithDescription("Kill switch state (1=engaged)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.killSwitchVal)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetAccountBalance(account string, equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balanceMap[account] = equity
}

func (m *MetricsHolder) SetOpenPositions(account string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPosMap[account] = count
}

func (m *MetricsHolder) SetExitStuck(account string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exitStuckMap[account] = count
}

func (m *MetricsHolder) SetCircuitBreakerOpen(account string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbOpenMap[account] = val
}

func (m *MetricsHolder) SetKillSwitchEngaged(engaged bool) {
	val := int64(0)
	if engaged {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killSwitchVal = val
}

// Balances returns a copy of the last reported equity per account
func (m *MetricsHolder) Balances() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64, len(m.balanceMap))
	for k, v := range m.balanceMap {
		res[k] = v
	}
	return res
}

// StuckCounts returns a copy of the EXIT_STUCK position counts per account
func (m *MetricsHolder) StuckCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int, len(m.exitStuckMap))
	for k, v := range m.exitStuckMap {
		res[k] = int(v)
	}
	return res
}

func (m *MetricsHolder) GetOpenPositions() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.openPosMap {
		res[k] = v
	}
	return res
}
