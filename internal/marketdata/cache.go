// Package marketdata provides the two-tier market data cache: a slowly
// refreshed tradable-symbol universe and a per-symbol candle tier scoped to
// roughly one scan cycle. A rotation cursor bounds how much of the universe
// any single cycle may request.
package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"autotrader/internal/config"
	"autotrader/internal/core"
)

// Cache implements core.IMarketData over one venue client
type Cache struct {
	venue  core.IVenue
	cfg    config.MarketDataConfig
	logger core.ILogger

	mu              sync.Mutex
	universe        []string
	universeFetched time.Time
	cursor          int
	snapshots       map[string]core.Snapshot
	candles         map[string]candleEntry

	now func() time.Time
}

type candleEntry struct {
	series    []core.Candle
	fetchedAt time.Time
}

// NewCache creates a cache bound to one venue client
func NewCache(venue core.IVenue, cfg config.MarketDataConfig, logger core.ILogger) *Cache {
	return &Cache{
		venue:     venue,
		cfg:       cfg,
		logger:    logger.WithField("component", "marketdata"),
		snapshots: make(map[string]core.Snapshot),
		candles:   make(map[string]candleEntry),
		now:       time.Now,
	}
}

func (c *Cache) universeTTL() time.Duration {
	return time.Duration(c.cfg.UniverseTTLMinutes) * time.Minute
}

func (c *Cache) snapshotTTL() time.Duration {
	return time.Duration(c.cfg.SnapshotTTLSeconds) * time.Second
}

// Universe returns the tradable symbol list, refetching past the TTL.
// Stale data is never served: a fetch failure with an expired cache is an
// error, not a silent fallback.
func (c *Cache) Universe(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.universeLocked(ctx)
}

func (c *Cache) universeLocked(ctx context.Context) ([]string, error) {
	if len(c.universe) > 0 && c.now().Sub(c.universeFetched) < c.universeTTL() {
		return c.universe, nil
	}

	symbols, err := c.venue.GetSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh symbol universe: %w", err)
	}

	c.universe = symbols
	c.universeFetched = c.now()
	c.cursor = c.cursor % max(len(symbols), 1)
	c.logger.Debug("Symbol universe refreshed", "count", len(symbols))
	return c.universe, nil
}

// NextSlice returns the next rotation slice of the universe. Consecutive
// calls cover the whole universe in bounded batches, wrapping at the end.
func (c *Cache) NextSlice(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	universe, err := c.universeLocked(ctx)
	if err != nil {
		return nil, err
	}
	if len(universe) == 0 {
		return nil, nil
	}

	size := c.cfg.SliceSize
	if size > len(universe) {
		size = len(universe)
	}

	slice := make([]string, 0, size)
	for i := 0; i < size; i++ {
		slice = append(slice, universe[(c.cursor+i)%len(universe)])
	}
	c.cursor = (c.cursor + size) % len(universe)
	return slice, nil
}

// GetCandles returns the recent candle series for a symbol, refetching past
// the snapshot TTL
func (c *Cache) GetCandles(ctx context.Context, symbol string) ([]core.Candle, error) {
	c.mu.Lock()
	entry, ok := c.candles[symbol]
	fresh := ok && c.now().Sub(entry.fetchedAt) < c.snapshotTTL()
	c.mu.Unlock()

	if fresh {
		return entry.series, nil
	}

	series, err := c.venue.GetCandles(ctx, symbol, c.cfg.CandleInterval, c.cfg.CandleLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch candles for %s: %w", symbol, err)
	}

	now := c.now()
	c.mu.Lock()
	c.candles[symbol] = candleEntry{series: series, fetchedAt: now}
	if len(series) > 0 {
		last := series[len(series)-1]
		c.snapshots[symbol] = core.Snapshot{
			Symbol:    symbol,
			Price:     last.Close,
			Volume:    last.Volume,
			Strength:  StrengthFromCandles(series),
			FetchedAt: now,
		}
	}
	c.mu.Unlock()

	return series, nil
}

// GetSnapshot returns the latest sample for a symbol. A snapshot past its
// TTL is a cache miss and triggers a candle refetch.
func (c *Cache) GetSnapshot(ctx context.Context, symbol string) (core.Snapshot, error) {
	c.mu.Lock()
	snap, ok := c.snapshots[symbol]
	fresh := ok && snap.Age(c.now()) < c.snapshotTTL()
	c.mu.Unlock()

	if fresh {
		return snap, nil
	}

	if _, err := c.GetCandles(ctx, symbol); err != nil {
		return core.Snapshot{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok = c.snapshots[symbol]
	if !ok {
		return core.Snapshot{}, fmt.Errorf("no market data for %s", symbol)
	}
	return snap, nil
}

// AttachStream subscribes the cache to a venue price stream. Pushed prices
// refresh the fast tier without a poll; strength keeps the last computed
// value until the next candle refetch.
func (c *Cache) AttachStream(ctx context.Context, streamer core.IVenueStreamer, symbols []string) error {
	return streamer.StartPriceStream(ctx, symbols, func(update core.Snapshot) {
		c.mu.Lock()
		defer c.mu.Unlock()
		prev, ok := c.snapshots[update.Symbol]
		if ok {
			update.Strength = prev.Strength
		}
		c.snapshots[update.Symbol] = update
	})
}
