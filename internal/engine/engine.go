package engine

import (
	"fmt"
	"sync"
	"time"

	"exchange_simulator/internal/core"
	"exchange_simulator/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType discriminates engine events
type EventType string

const (
	EventOrderUpdate EventType = "ORDER_UPDATE"
	EventFill        EventType = "FILL"
	EventTrade       EventType = "TRADE"
)

// Event is emitted by the engine after state changes commit. SessionID is
// the delivery target; it is empty for public trade events.
type Event struct {
	Type      EventType
	SessionID string
	Symbol    string
	Order     *Order
	Fill      *Fill
	Trade     *Trade
}

// PlaceOrderRequest carries a validated order submission
type PlaceOrderRequest struct {
	SessionID   string
	Symbol      string
	Side        Side
	Type        OrderType
	Price       decimal.Decimal // required for LIMIT, must be absent for MARKET
	Quantity    decimal.Decimal
	TimeInForce TimeInForce // defaults to GTC for LIMIT, ignored for MARKET
}

// Engine is the matching engine. A single mutex serializes order flow per
// engine, so matching plus settlement is atomic with respect to any
// concurrent query or cancel.
type Engine struct {
	mu sync.Mutex

	symbols  map[string]struct{}
	books    map[string]*OrderBook
	accounts *AccountManager

	orders map[string]*Order
	fills  map[string][]*Fill // keyed by session

	lastPrices map[string]decimal.Decimal

	seq uint64

	// sessions refused after a settlement left a negative balance
	poisoned map[string]bool

	rejectUnfilledMarket bool

	listener func(Event)
	logger   core.ILogger
}

// NewEngine creates an engine for the given symbols, seeding last trade
// prices from the configured initial prices.
func NewEngine(symbols []string, initialPrices map[string]decimal.Decimal, accounts *AccountManager, rejectUnfilledMarket bool, logger core.ILogger) *Engine {
	e := &Engine{
		symbols:              make(map[string]struct{}, len(symbols)),
		books:                make(map[string]*OrderBook, len(symbols)),
		accounts:             accounts,
		orders:               make(map[string]*Order),
		fills:                make(map[string][]*Fill),
		lastPrices:           make(map[string]decimal.Decimal, len(symbols)),
		poisoned:             make(map[string]bool),
		rejectUnfilledMarket: rejectUnfilledMarket,
		logger:               logger.WithField("component", "engine"),
	}
	for _, sym := range symbols {
		e.symbols[sym] = struct{}{}
		e.books[sym] = NewOrderBook(sym)
		if p, ok := initialPrices[sym]; ok {
			e.lastPrices[sym] = p
		}
	}
	return e
}

// SetListener registers the event sink. Events are dispatched outside the
// engine lock, in commit order.
func (e *Engine) SetListener(fn func(Event)) {
	e.mu.Lock()
	e.listener = fn
	e.mu.Unlock()
}

func (e *Engine) emit(events []Event) {
	if e.listener == nil {
		return
	}
	for _, ev := range events {
		e.listener(ev)
	}
}

// Symbols returns the configured symbols
func (e *Engine) Symbols() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.symbols))
	for sym := range e.symbols {
		out = append(out, sym)
	}
	return out
}

// HasSymbol reports whether the symbol is traded here
func (e *Engine) HasSymbol(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.symbols[symbol]
	return ok
}

// LastPrice returns the last trade price for the symbol
func (e *Engine) LastPrice(symbol string) (decimal.Decimal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.lastPrices[symbol]
	return p, ok
}

// PlaceOrder validates, reserves, matches, and settles an order in one
// atomic step. The returned order reflects the final state; fills cover
// the taker side of each match. Rejected orders are returned alongside
// the rejection error.
func (e *Engine) PlaceOrder(req PlaceOrderRequest) (*Order, []*Fill, error) {
	e.mu.Lock()

	order, fills, events, err := e.placeLocked(req)

	e.mu.Unlock()
	e.emit(events)
	return order, fills, err
}

func (e *Engine) placeLocked(req PlaceOrderRequest) (*Order, []*Fill, []Event, error) {
	if e.poisoned[req.SessionID] {
		return nil, nil, nil, fmt.Errorf("%w: session suspended after accounting fault", apperrors.ErrInternal)
	}

	if _, ok := e.symbols[req.Symbol]; !ok {
		return nil, nil, nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownSymbol, req.Symbol)
	}
	if !req.Side.Valid() {
		return nil, nil, nil, fmt.Errorf("%w: side %q", apperrors.ErrInvalidOrder, req.Side)
	}
	if !req.Type.Valid() {
		return nil, nil, nil, fmt.Errorf("%w: type %q", apperrors.ErrInvalidOrder, req.Type)
	}
	if !req.Quantity.IsPositive() {
		return nil, nil, nil, fmt.Errorf("%w: quantity must be positive", apperrors.ErrInvalidOrder)
	}

	tif := req.TimeInForce
	switch req.Type {
	case TypeLimit:
		if !req.Price.IsPositive() {
			return nil, nil, nil, fmt.Errorf("%w: limit orders require a positive price", apperrors.ErrInvalidOrder)
		}
		if tif == "" {
			tif = TIFGtc
		}
		if !tif.Valid() {
			return nil, nil, nil, fmt.Errorf("%w: time in force %q", apperrors.ErrInvalidOrder, tif)
		}
	case TypeMarket:
		if !req.Price.IsZero() {
			return nil, nil, nil, fmt.Errorf("%w: market orders must not carry a price", apperrors.ErrInvalidOrder)
		}
		// a market order can never rest
		tif = TIFIoc
	}

	base, quote, err := SplitSymbol(req.Symbol)
	if err != nil {
		return nil, nil, nil, err
	}

	now := time.Now().UTC()
	e.seq++
	order := &Order{
		OrderID:     uuid.New().String(),
		SessionID:   req.SessionID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Price:       req.Price,
		Quantity:    req.Quantity,
		TimeInForce: tif,
		Status:      StatusNew,
		CreatedAt:   now,
		UpdatedAt:   now,
		Sequence:    e.seq,
	}
	e.orders[order.OrderID] = order

	account := e.accounts.GetOrCreate(req.SessionID)
	book := e.books[req.Symbol]

	// Reservation. A BUY LIMIT locks quote at its own limit price; a SELL
	// locks base. A BUY MARKET pays from free quote per matching step.
	switch {
	case order.Side == SideSell:
		if err := account.Lock(base, order.Quantity); err != nil {
			order.reject()
			return order, nil, []Event{e.orderEvent(order)}, err
		}
	case order.Type == TypeLimit: // BUY LIMIT
		if err := account.Lock(quote, order.Price.Mul(order.Quantity)); err != nil {
			order.reject()
			return order, nil, []Event{e.orderEvent(order)}, err
		}
	}

	// Fill-or-kill feasibility before any fill happens
	if order.Type == TypeLimit && tif == TIFFok {
		if book.AvailableWithin(order.Side, order.Price).LessThan(order.Quantity) {
			e.releaseReservation(account, order, base, quote)
			order.reject()
			return order, nil, []Event{e.orderEvent(order)},
				fmt.Errorf("%w: available liquidity below %s", apperrors.ErrFOKUnfillable, order.Quantity)
		}
	}

	order.Status = StatusOpen

	fills, events, matchErr := e.match(book, account, order, base, quote)

	// Disposition of any remainder
	if !order.Status.Terminal() && order.RemainingQuantity().IsPositive() {
		switch {
		case order.Type == TypeMarket || tif == TIFIoc:
			e.releaseReservation(account, order, base, quote)
			// only MARKET orders reject on zero fill; a LIMIT IOC remainder
			// always cancels
			if order.Type == TypeMarket && order.FilledQuantity.IsZero() && (matchErr != nil || e.rejectUnfilledMarket) {
				order.reject()
			} else {
				order.cancel()
			}
		default:
			book.Add(order)
		}
	}

	events = append(events, e.orderEvent(order))

	if !account.NonNegative() {
		e.poisoned[req.SessionID] = true
		e.logger.Error("settlement produced a negative balance, suspending session",
			"session_id", req.SessionID, "order_id", order.OrderID)
	}

	if matchErr != nil && order.FilledQuantity.IsZero() {
		return order, fills, events, matchErr
	}
	return order, fills, events, nil
}

// match runs the price-time-priority loop for the taker order. It returns
// the taker-side fills and the events for both parties. A non-nil error
// means a market-order step could not be funded; matching stops there.
func (e *Engine) match(book *OrderBook, takerAccount *Account, taker *Order, base, quote string) ([]*Fill, []Event, error) {
	var fills []*Fill
	var events []Event

	for taker.RemainingQuantity().IsPositive() {
		level := book.bestOpposing(taker.Side)
		if level == nil {
			break
		}
		if taker.Type == TypeLimit && !crosses(taker.Side, taker.Price, level.Price) {
			break
		}

		maker := level.Front()
		price := maker.Price // maker price wins
		qty := decimal.Min(taker.RemainingQuantity(), maker.RemainingQuantity())
		cost := price.Mul(qty)

		makerAccount := e.accounts.GetOrCreate(maker.SessionID)

		if taker.Side == SideBuy {
			if taker.Type == TypeMarket {
				if err := takerAccount.SpendFree(quote, cost); err != nil {
					return fills, events, err
				}
			} else {
				// the reservation for this step was taken at the taker's
				// limit price; spend it and refund the improvement
				takerAccount.SpendLocked(quote, taker.Price.Mul(qty))
				if refund := taker.Price.Sub(price).Mul(qty); refund.IsPositive() {
					takerAccount.Credit(quote, refund)
				}
			}
			takerAccount.Credit(base, qty)
			makerAccount.SpendLocked(base, qty)
			makerAccount.Credit(quote, cost)
		} else {
			takerAccount.SpendLocked(base, qty)
			takerAccount.Credit(quote, cost)
			makerAccount.SpendLocked(quote, cost)
			makerAccount.Credit(base, qty)
		}

		taker.applyFill(qty)
		maker.applyFill(qty)
		e.lastPrices[taker.Symbol] = price

		now := time.Now().UTC()
		takerFill := &Fill{
			FillID:    uuid.New().String(),
			OrderID:   taker.OrderID,
			SessionID: taker.SessionID,
			Symbol:    taker.Symbol,
			Side:      taker.Side,
			Price:     price,
			Quantity:  qty,
			IsMaker:   false,
			Timestamp: now,
		}
		makerFill := &Fill{
			FillID:    uuid.New().String(),
			OrderID:   maker.OrderID,
			SessionID: maker.SessionID,
			Symbol:    maker.Symbol,
			Side:      maker.Side,
			Price:     price,
			Quantity:  qty,
			IsMaker:   true,
			Timestamp: now,
		}
		trade := &Trade{
			Symbol:        taker.Symbol,
			Price:         price,
			Quantity:      qty,
			AggressorSide: taker.Side,
			Timestamp:     now,
		}

		fills = append(fills, takerFill)
		e.fills[taker.SessionID] = append(e.fills[taker.SessionID], takerFill)
		e.fills[maker.SessionID] = append(e.fills[maker.SessionID], makerFill)

		events = append(events,
			Event{Type: EventFill, SessionID: taker.SessionID, Symbol: taker.Symbol, Fill: takerFill, Order: taker.Clone()},
			Event{Type: EventFill, SessionID: maker.SessionID, Symbol: maker.Symbol, Fill: makerFill, Order: maker.Clone()},
			Event{Type: EventTrade, Symbol: taker.Symbol, Trade: trade},
		)

		if maker.IsFilled() {
			book.Remove(maker)
		}
		events = append(events, e.orderEvent(maker))
	}

	return fills, events, nil
}

// releaseReservation returns the unfilled remainder of an order's
// reservation to the free balance.
func (e *Engine) releaseReservation(account *Account, order *Order, base, quote string) {
	remaining := order.RemainingQuantity()
	if !remaining.IsPositive() {
		return
	}
	switch {
	case order.Side == SideSell:
		account.Unlock(base, remaining)
	case order.Type == TypeLimit: // BUY LIMIT
		account.Unlock(quote, order.Price.Mul(remaining))
	}
}

func (e *Engine) orderEvent(order *Order) Event {
	return Event{
		Type:      EventOrderUpdate,
		SessionID: order.SessionID,
		Symbol:    order.Symbol,
		Order:     order.Clone(),
	}
}

// CancelOrder removes a resting order and releases its reservation.
// Unknown, already-terminal, and foreign orders all report NOT_FOUND.
func (e *Engine) CancelOrder(sessionID, orderID string) (*Order, error) {
	e.mu.Lock()

	order, ok := e.orders[orderID]
	if !ok || order.SessionID != sessionID || order.Status.Terminal() {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: order %s", apperrors.ErrNotFound, orderID)
	}

	base, quote, err := SplitSymbol(order.Symbol)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}

	e.books[order.Symbol].Remove(order)
	e.releaseReservation(e.accounts.GetOrCreate(sessionID), order, base, quote)
	order.cancel()
	events := []Event{e.orderEvent(order)}

	e.mu.Unlock()
	e.emit(events)
	return order.Clone(), nil
}

// GetOrder returns a copy of the order. A foreign order reports FORBIDDEN.
func (e *Engine) GetOrder(sessionID, orderID string) (*Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", apperrors.ErrNotFound, orderID)
	}
	if order.SessionID != sessionID {
		return nil, fmt.Errorf("%w: order %s", apperrors.ErrForbidden, orderID)
	}
	return order.Clone(), nil
}

// ListOrders returns copies of the session's orders, optionally filtered
// by symbol and status.
func (e *Engine) ListOrders(sessionID, symbol string, status OrderStatus) []*Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*Order
	for _, order := range e.orders {
		if order.SessionID != sessionID {
			continue
		}
		if symbol != "" && order.Symbol != symbol {
			continue
		}
		if status != "" && order.Status != status {
			continue
		}
		out = append(out, order.Clone())
	}
	return out
}

// OpenOrders returns copies of the session's non-terminal orders
func (e *Engine) OpenOrders(sessionID string) []*Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*Order
	for _, order := range e.orders {
		if order.SessionID == sessionID && !order.Status.Terminal() {
			out = append(out, order.Clone())
		}
	}
	return out
}

// Balances returns the session's per-asset balances, creating the account
// on first touch.
func (e *Engine) Balances(sessionID string) map[string]Balance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accounts.GetOrCreate(sessionID).Balances()
}

// Position returns the session's total holding of the symbol's base asset
func (e *Engine) Position(sessionID, symbol string) (string, decimal.Decimal, error) {
	base, _, err := SplitSymbol(symbol)
	if err != nil {
		return "", decimal.Zero, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.symbols[symbol]; !ok {
		return "", decimal.Zero, fmt.Errorf("%w: %s", apperrors.ErrUnknownSymbol, symbol)
	}
	return base, e.accounts.GetOrCreate(sessionID).Balance(base).Total(), nil
}

// Fills returns copies of the session's fills, newest last
func (e *Engine) Fills(sessionID string, limit int) []*Fill {
	e.mu.Lock()
	defer e.mu.Unlock()

	fills := e.fills[sessionID]
	if limit > 0 && len(fills) > limit {
		fills = fills[len(fills)-limit:]
	}
	out := make([]*Fill, len(fills))
	for i, f := range fills {
		c := *f
		out[i] = &c
	}
	return out
}

// Depth returns an aggregated book snapshot for the symbol
func (e *Engine) Depth(symbol string, levels int) (bids, asks []DepthLevel, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	book, ok := e.books[symbol]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownSymbol, symbol)
	}
	if levels <= 0 {
		levels = 20
	}
	bids, asks = book.Depth(levels)
	return bids, asks, nil
}
