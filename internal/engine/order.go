// Package engine implements the matching engine: order book, accounts,
// and price-time-priority matching with atomic balance settlement.
package engine

import (
	"fmt"
	"strings"
	"time"

	"exchange_simulator/pkg/errors"

	"github.com/shopspring/decimal"
)

// Side is the order side
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is a known value
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the other side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the order type
type OrderType string

const (
	TypeLimit  OrderType = "LIMIT"
	TypeMarket OrderType = "MARKET"
)

// Valid reports whether the order type is a known value
func (t OrderType) Valid() bool {
	return t == TypeLimit || t == TypeMarket
}

// TimeInForce controls how long an order stays live
type TimeInForce string

const (
	TIFGtc TimeInForce = "GTC"
	TIFIoc TimeInForce = "IOC"
	TIFFok TimeInForce = "FOK"
)

// Valid reports whether the time in force is a known value
func (t TimeInForce) Valid() bool {
	return t == TIFGtc || t == TIFIoc || t == TIFFok
}

// OrderStatus is the order lifecycle state
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
)

// Terminal reports whether the status is a terminal state
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Order is a single order. Mutations happen only under the engine lock;
// everything handed outside the engine is a copy.
type Order struct {
	OrderID        string          `json:"order_id"`
	SessionID      string          `json:"-"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"type"`
	Price          decimal.Decimal `json:"price"` // zero for market orders
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	TimeInForce    TimeInForce     `json:"time_in_force"`
	Status         OrderStatus     `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`

	// Sequence is the monotonic arrival counter used for FIFO tie-breaks
	Sequence uint64 `json:"-"`
}

// RemainingQuantity returns the unfilled quantity
func (o *Order) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// IsFilled reports whether the order is completely filled
func (o *Order) IsFilled() bool {
	return o.FilledQuantity.GreaterThanOrEqual(o.Quantity)
}

// applyFill records a fill of qty and advances the status
func (o *Order) applyFill(qty decimal.Decimal) {
	o.FilledQuantity = o.FilledQuantity.Add(qty)
	if o.IsFilled() {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartiallyFilled
	}
	o.UpdatedAt = time.Now().UTC()
}

func (o *Order) cancel() {
	o.Status = StatusCancelled
	o.UpdatedAt = time.Now().UTC()
}

func (o *Order) reject() {
	o.Status = StatusRejected
	o.UpdatedAt = time.Now().UTC()
}

// Clone returns a copy safe to hand outside the engine lock
func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// Fill records one side of an executed trade
type Fill struct {
	FillID    string          `json:"fill_id"`
	OrderID   string          `json:"order_id"`
	SessionID string          `json:"-"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	IsMaker   bool            `json:"is_maker"`
	Timestamp time.Time       `json:"timestamp"`
}

// Trade is the anonymous public record of a match
type Trade struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	AggressorSide Side            `json:"aggressor_side"`
	Timestamp     time.Time       `json:"timestamp"`
}

// SplitSymbol splits "BASE/QUOTE" into its assets
func SplitSymbol(symbol string) (base, quote string, err error) {
	parts := strings.SplitN(symbol, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: bad symbol %q", apperrors.ErrUnknownSymbol, symbol)
	}
	return parts[0], parts[1], nil
}
