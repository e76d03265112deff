// Package mock provides an in-memory venue for tests and dry runs
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"autotrader/internal/core"

	"github.com/shopspring/decimal"
)

// Venue implements core.IVenue for testing. All state is in memory and
// every call site can inject failures per operation.
type Venue struct {
	name string

	mu             sync.RWMutex
	balance        core.Balance
	symbols        []string
	prices         map[string]decimal.Decimal
	candles        map[string][]core.Candle
	positions      []core.VenuePosition
	orders         map[string]*core.Order
	orderIDCounter int64

	placed []core.PlaceOrderRequest

	// Error injection, keyed by operation name
	failures map[string]error
	failOnce map[string]int
}

// NewVenue creates a mock venue with a default balance
func NewVenue(name string) *Venue {
	return &Venue{
		name:           name,
		balance:        core.Balance{Asset: "USD", Equity: decimal.NewFromInt(10000), Available: decimal.NewFromInt(10000)},
		prices:         make(map[string]decimal.Decimal),
		candles:        make(map[string][]core.Candle),
		orders:         make(map[string]*core.Order),
		orderIDCounter: 1000,
		failures:       make(map[string]error),
		failOnce:       make(map[string]int),
	}
}

// SetBalance overrides the account balance
func (m *Venue) SetBalance(equity decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance = core.Balance{Asset: "USD", Equity: equity, Available: equity}
}

// SetSymbols sets the tradable universe
func (m *Venue) SetSymbols(symbols []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbols = symbols
}

// SetPositions sets the venue-side open positions
func (m *Venue) SetPositions(positions []core.VenuePosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = positions
}

// SetPrice sets the latest price for a symbol
func (m *Venue) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

// SetCandles sets the candle series for a symbol
func (m *Venue) SetCandles(symbol string, candles []core.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles[symbol] = candles
}

// FailWith makes the named operation return err until cleared
func (m *Venue) FailWith(operation string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[operation] = err
}

// FailNTimes makes the named operation return err for the next n calls
func (m *Venue) FailNTimes(operation string, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[operation] = err
	m.failOnce[operation] = n
}

// ClearFailure removes injected failures for an operation
func (m *Venue) ClearFailure(operation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, operation)
	delete(m.failOnce, operation)
}

// PlacedOrders returns a copy of every order request received
func (m *Venue) PlacedOrders() []core.PlaceOrderRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.PlaceOrderRequest, len(m.placed))
	copy(out, m.placed)
	return out
}

func (m *Venue) injectedError(operation string) error {
	err, ok := m.failures[operation]
	if !ok {
		return nil
	}
	if n, bounded := m.failOnce[operation]; bounded {
		if n <= 0 {
			delete(m.failures, operation)
			delete(m.failOnce, operation)
			return nil
		}
		m.failOnce[operation] = n - 1
	}
	return err
}

func (m *Venue) GetName() string {
	return m.name
}

func (m *Venue) CheckHealth(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.injectedError("CheckHealth")
}

func (m *Venue) GetBalance(ctx context.Context) (core.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("GetBalance"); err != nil {
		return core.Balance{}, err
	}
	return m.balance, nil
}

func (m *Venue) GetPositions(ctx context.Context) ([]core.VenuePosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("GetPositions"); err != nil {
		return nil, err
	}
	out := make([]core.VenuePosition, len(m.positions))
	copy(out, m.positions)
	return out, nil
}

func (m *Venue) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("PlaceOrder"); err != nil {
		return nil, err
	}

	m.placed = append(m.placed, *req)
	m.orderIDCounter++
	id := fmt.Sprintf("mock-%d", m.orderIDCounter)

	price := req.Price
	if price.IsZero() {
		if p, ok := m.prices[req.Symbol]; ok {
			price = p
		} else {
			price = decimal.NewFromInt(100)
		}
	}

	// Mock fills immediately at the reference price
	order := &core.Order{
		ID:            id,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         price,
		Quantity:      req.Quantity,
		FilledQty:     req.Quantity,
		AvgFillPrice:  price,
		Status:        core.OrderStatusFilled,
		CreatedAt:     time.Now(),
	}
	m.orders[id] = order
	return order, nil
}

func (m *Venue) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("CancelOrder"); err != nil {
		return err
	}
	if o, ok := m.orders[orderID]; ok {
		o.Status = core.OrderStatusCanceled
	}
	return nil
}

func (m *Venue) GetOrderStatus(ctx context.Context, symbol, orderID string) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("GetOrderStatus"); err != nil {
		return nil, err
	}
	o, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	cp := *o
	return &cp, nil
}

func (m *Venue) GetSymbols(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("GetSymbols"); err != nil {
		return nil, err
	}
	out := make([]string, len(m.symbols))
	copy(out, m.symbols)
	return out, nil
}

func (m *Venue) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]core.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("GetCandles"); err != nil {
		return nil, err
	}
	series := m.candles[symbol]
	if limit > 0 && len(series) > limit {
		series = series[len(series)-limit:]
	}
	out := make([]core.Candle, len(series))
	copy(out, series)
	return out, nil
}
