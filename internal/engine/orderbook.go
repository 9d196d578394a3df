package engine

import (
	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

const btreeDegree = 32

// PriceLevel holds the resting orders at one price in arrival order
type PriceLevel struct {
	Price  decimal.Decimal
	orders []*Order
}

// Append adds an order to the back of the level
func (l *PriceLevel) Append(o *Order) {
	l.orders = append(l.orders, o)
}

// Remove drops the order with the given ID, preserving FIFO order
func (l *PriceLevel) Remove(orderID string) bool {
	for i, o := range l.orders {
		if o.OrderID == orderID {
			l.orders = append(l.orders[:i], l.orders[i+1:]...)
			return true
		}
	}
	return false
}

// Front returns the oldest order at this level
func (l *PriceLevel) Front() *Order {
	if len(l.orders) == 0 {
		return nil
	}
	return l.orders[0]
}

// TotalQuantity sums the remaining quantity across the level
func (l *PriceLevel) TotalQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, o := range l.orders {
		total = total.Add(o.RemainingQuantity())
	}
	return total
}

// Empty reports whether the level has no orders
func (l *PriceLevel) Empty() bool {
	return len(l.orders) == 0
}

// priceLevelItem wraps a PriceLevel for btree ordering by price
type priceLevelItem struct {
	price decimal.Decimal
	level *PriceLevel
}

func (i *priceLevelItem) Less(than btree.Item) bool {
	return i.price.LessThan(than.(*priceLevelItem).price)
}

// bookSide is one side of the book. Bids iterate best-first from the
// maximum price, asks from the minimum.
type bookSide struct {
	tree *btree.BTree
	desc bool // true for bids
}

func newBookSide(desc bool) *bookSide {
	return &bookSide{tree: btree.New(btreeDegree), desc: desc}
}

func (s *bookSide) get(price decimal.Decimal) *PriceLevel {
	item := s.tree.Get(&priceLevelItem{price: price})
	if item == nil {
		return nil
	}
	return item.(*priceLevelItem).level
}

func (s *bookSide) getOrCreate(price decimal.Decimal) *PriceLevel {
	if level := s.get(price); level != nil {
		return level
	}
	level := &PriceLevel{Price: price}
	s.tree.ReplaceOrInsert(&priceLevelItem{price: price, level: level})
	return level
}

func (s *bookSide) remove(price decimal.Decimal) {
	s.tree.Delete(&priceLevelItem{price: price})
}

// best returns the top-of-book level for this side
func (s *bookSide) best() *PriceLevel {
	var item btree.Item
	if s.desc {
		item = s.tree.Max()
	} else {
		item = s.tree.Min()
	}
	if item == nil {
		return nil
	}
	return item.(*priceLevelItem).level
}

// iterate visits levels best-first until fn returns false
func (s *bookSide) iterate(fn func(*PriceLevel) bool) {
	visit := func(item btree.Item) bool {
		return fn(item.(*priceLevelItem).level)
	}
	if s.desc {
		s.tree.Descend(visit)
	} else {
		s.tree.Ascend(visit)
	}
}

// DepthLevel is one aggregated row of a depth snapshot
type DepthLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBook is the two-sided book for one symbol. It is not internally
// locked; the engine serializes all access.
type OrderBook struct {
	Symbol string

	bids *bookSide
	asks *bookSide

	orders map[string]*Order
}

// NewOrderBook creates an empty book for the symbol
func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{
		Symbol: symbol,
		bids:   newBookSide(true),
		asks:   newBookSide(false),
		orders: make(map[string]*Order),
	}
}

func (b *OrderBook) side(s Side) *bookSide {
	if s == SideBuy {
		return b.bids
	}
	return b.asks
}

// Add rests a limit order on its side of the book
func (b *OrderBook) Add(o *Order) {
	b.side(o.Side).getOrCreate(o.Price).Append(o)
	b.orders[o.OrderID] = o
}

// Remove takes an order off the book, dropping its level when it empties
func (b *OrderBook) Remove(o *Order) bool {
	level := b.side(o.Side).get(o.Price)
	if level == nil || !level.Remove(o.OrderID) {
		return false
	}
	if level.Empty() {
		b.side(o.Side).remove(o.Price)
	}
	delete(b.orders, o.OrderID)
	return true
}

// Contains reports whether the order is resting on the book
func (b *OrderBook) Contains(orderID string) bool {
	_, ok := b.orders[orderID]
	return ok
}

// BestBid returns the highest resting bid price
func (b *OrderBook) BestBid() (decimal.Decimal, bool) {
	level := b.bids.best()
	if level == nil {
		return decimal.Zero, false
	}
	return level.Price, true
}

// BestAsk returns the lowest resting ask price
func (b *OrderBook) BestAsk() (decimal.Decimal, bool) {
	level := b.asks.best()
	if level == nil {
		return decimal.Zero, false
	}
	return level.Price, true
}

// bestOpposing returns the top level the taker would match against
func (b *OrderBook) bestOpposing(taker Side) *PriceLevel {
	return b.side(taker.Opposite()).best()
}

// crosses reports whether a limit price crosses the given resting level
func crosses(taker Side, limit, resting decimal.Decimal) bool {
	if taker == SideBuy {
		return limit.GreaterThanOrEqual(resting)
	}
	return limit.LessThanOrEqual(resting)
}

// AvailableWithin sums opposing liquidity a taker limit order at the given
// price could reach. Used for fill-or-kill feasibility.
func (b *OrderBook) AvailableWithin(taker Side, limit decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	b.side(taker.Opposite()).iterate(func(level *PriceLevel) bool {
		if !crosses(taker, limit, level.Price) {
			return false
		}
		total = total.Add(level.TotalQuantity())
		return true
	})
	return total
}

// Depth returns aggregated bid and ask rows, best-first, up to levels rows
// per side.
func (b *OrderBook) Depth(levels int) (bids, asks []DepthLevel) {
	collect := func(s *bookSide) []DepthLevel {
		out := make([]DepthLevel, 0, levels)
		s.iterate(func(level *PriceLevel) bool {
			out = append(out, DepthLevel{Price: level.Price, Quantity: level.TotalQuantity()})
			return len(out) < levels
		})
		return out
	}
	return collect(b.bids), collect(b.asks)
}
