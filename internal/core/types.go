package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents the direction of an order
type OrderSide int

const (
	OrderSideUnspecified OrderSide = iota
	OrderSideBuy
	OrderSideSell
)

func (s OrderSide) String() string {
	switch s {
	case OrderSideBuy:
		return "BUY"
	case OrderSideSell:
		return "SELL"
	default:
		return "UNSPECIFIED"
	}
}

// Opposite returns the opposing side
func (s OrderSide) Opposite() OrderSide {
	switch s {
	case OrderSideBuy:
		return OrderSideSell
	case OrderSideSell:
		return OrderSideBuy
	default:
		return OrderSideUnspecified
	}
}

// OrderType represents the execution style of an order
type OrderType int

const (
	OrderTypeMarket OrderType = iota
	OrderTypeLimit
)

func (t OrderType) String() string {
	if t == OrderTypeLimit {
		return "LIMIT"
	}
	return "MARKET"
}

// OrderStatus represents the venue-side lifecycle of an order
type OrderStatus int

const (
	OrderStatusUnspecified OrderStatus = iota
	OrderStatusNew
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCanceled
	OrderStatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusNew:
		return "NEW"
	case OrderStatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusCanceled:
		return "CANCELED"
	case OrderStatusRejected:
		return "REJECTED"
	default:
		return "UNSPECIFIED"
	}
}

// PlaceOrderRequest is a venue-neutral order intent
type PlaceOrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Price         decimal.Decimal // zero for market orders
	Quantity      decimal.Decimal
	ClientOrderID string
	ReduceOnly    bool
}

// Order is the normalized venue-side view of a submitted order
type Order struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Status        OrderStatus
	CreatedAt     time.Time
}

// Balance is a venue account balance snapshot
type Balance struct {
	Asset     string
	Equity    decimal.Decimal
	Available decimal.Decimal
}

// VenuePosition is the venue's own view of an open position, used for
// reconciliation against the ledger
type VenuePosition struct {
	Symbol     string
	Side       OrderSide
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
}

// Candle is one OHLCV bar
type Candle struct {
	Symbol   string
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// Snapshot is the most recent market sample for one symbol. Strength is a
// normalized trend-strength score in [0, 100].
type Snapshot struct {
	Symbol    string
	Price     decimal.Decimal
	Volume    decimal.Decimal
	Strength  float64
	FetchedAt time.Time
}

// Age returns how long ago the snapshot was fetched
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.FetchedAt)
}

// AccountRole distinguishes the master account from replicated dependents
type AccountRole string

const (
	RoleMaster    AccountRole = "master"
	RoleDependent AccountRole = "dependent"
)

// AccountStatus is the health classification reported in telemetry
type AccountStatus string

const (
	AccountHealthy  AccountStatus = "healthy"
	AccountDegraded AccountStatus = "degraded"
	AccountHalted   AccountStatus = "halted"
)

// FillEvent is the immutable record of one executed order. It is emitted
// exactly once per fill and is the sole input to the replicator.
type FillEvent struct {
	ID       string
	Account  string
	Symbol   string
	Side     OrderSide
	Price    decimal.Decimal
	Quantity decimal.Decimal

	// Exit marks a position-reducing fill. Replications of exit fills are
	// placed reduce-only so a dependent with no position to reduce is not
	// flipped into the opposite direction.
	Exit      bool
	Timestamp time.Time
}

// Notional returns price * quantity
func (f FillEvent) Notional() decimal.Decimal {
	return f.Price.Mul(f.Quantity)
}

// TradeIntent is a verified external entry trigger (webhook alert)
type TradeIntent struct {
	Symbol     string
	Action     string // "buy" | "sell" | "close"
	Price      decimal.Decimal
	ReceivedAt time.Time
}
