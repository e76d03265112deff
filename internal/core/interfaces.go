// Package core defines the shared types and interfaces of the trading engine
package core

import (
	"context"
	"time"
)

// IVenue is the capability boundary over one brokerage venue's API. Each
// implementation owns its authentication scheme and error mapping; callers
// never see venue-specific wire formats.
type IVenue interface {
	// Identity
	GetName() string
	CheckHealth(ctx context.Context) error

	// Account operations
	GetBalance(ctx context.Context) (Balance, error)
	GetPositions(ctx context.Context) ([]VenuePosition, error)

	// Order operations
	PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrderStatus(ctx context.Context, symbol, orderID string) (*Order, error)

	// Market data
	GetSymbols(ctx context.Context) ([]string, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
}

// IVenueStreamer is implemented by venues that can push price updates,
// letting the market data cache skip polling for subscribed symbols.
type IVenueStreamer interface {
	StartPriceStream(ctx context.Context, symbols []string, callback func(Snapshot)) error
	StopPriceStream() error
}

// IMarketData is the two-tier market data cache consumed by trading loops
type IMarketData interface {
	Universe(ctx context.Context) ([]string, error)
	NextSlice(ctx context.Context) ([]string, error)
	GetSnapshot(ctx context.Context, symbol string) (Snapshot, error)
	GetCandles(ctx context.Context, symbol string) ([]Candle, error)
}

// FillPublisher emits fill events from the master loop to the replicator
type FillPublisher interface {
	Publish(event FillEvent)
}

// IHealthMonitor aggregates per-component health checks
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// KillSwitch is the process-wide halt flag. Engaged means no new entries;
// exits keep flowing for safety.
type KillSwitch interface {
	Engaged() bool
	EngagedSince() (time.Time, bool)
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
