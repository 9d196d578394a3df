package marketdata

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one published market data point
type Tick struct {
	Symbol     string          `json:"symbol"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Last       decimal.Decimal `json:"last"`
	High24h    decimal.Decimal `json:"high_24h"`
	Low24h     decimal.Decimal `json:"low_24h"`
	Volume24h  decimal.Decimal `json:"volume_24h"`
	SequenceID uint64          `json:"sequence_id"`
	Timestamp  time.Time       `json:"timestamp"`
}

// History keeps a bounded ring of recent ticks per symbol
type History struct {
	capacity int

	mu      sync.RWMutex
	rings   map[string][]Tick
	starts  map[string]int
	lengths map[string]int
}

// NewHistory creates a history bounded to capacity ticks per symbol
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{
		capacity: capacity,
		rings:    make(map[string][]Tick),
		starts:   make(map[string]int),
		lengths:  make(map[string]int),
	}
}

// Append records a tick, evicting the oldest when the ring is full
func (h *History) Append(tick Tick) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ring, ok := h.rings[tick.Symbol]
	if !ok {
		ring = make([]Tick, h.capacity)
		h.rings[tick.Symbol] = ring
	}
	start := h.starts[tick.Symbol]
	length := h.lengths[tick.Symbol]

	if length < h.capacity {
		ring[(start+length)%h.capacity] = tick
		h.lengths[tick.Symbol] = length + 1
	} else {
		ring[start] = tick
		h.starts[tick.Symbol] = (start + 1) % h.capacity
	}
}

// Recent returns up to limit of the newest ticks, oldest first
func (h *History) Recent(symbol string, limit int) []Tick {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ring := h.rings[symbol]
	length := h.lengths[symbol]
	if ring == nil || length == 0 {
		return nil
	}
	if limit <= 0 || limit > length {
		limit = length
	}
	start := h.starts[symbol]

	out := make([]Tick, limit)
	for i := 0; i < limit; i++ {
		out[i] = ring[(start+length-limit+i)%h.capacity]
	}
	return out
}

// Len returns the number of ticks held for the symbol
func (h *History) Len(symbol string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lengths[symbol]
}

// HighLowSince scans held ticks at or after the cutoff for extremes of
// the last price. ok is false when no tick qualifies.
func (h *History) HighLowSince(symbol string, cutoff time.Time) (high, low decimal.Decimal, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ring := h.rings[symbol]
	length := h.lengths[symbol]
	start := h.starts[symbol]
	for i := 0; i < length; i++ {
		t := ring[(start+i)%h.capacity]
		if t.Timestamp.Before(cutoff) {
			continue
		}
		if !ok {
			high, low, ok = t.Last, t.Last, true
			continue
		}
		if t.Last.GreaterThan(high) {
			high = t.Last
		}
		if t.Last.LessThan(low) {
			low = t.Last
		}
	}
	return high, low, ok
}
