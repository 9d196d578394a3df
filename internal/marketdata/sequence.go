package marketdata

import (
	"fmt"
	"sync"
)

// Sequencer hands out strictly monotonic sequence numbers per
// (channel, symbol) stream, starting at 1.
type Sequencer struct {
	mu   sync.Mutex
	next map[string]uint64
}

// NewSequencer creates an empty sequencer
func NewSequencer() *Sequencer {
	return &Sequencer{next: make(map[string]uint64)}
}

// Next returns the next sequence number for the stream
func (s *Sequencer) Next(channel, symbol string) uint64 {
	key := fmt.Sprintf("%s:%s", channel, symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[key]++
	return s.next[key]
}

// Current returns the last issued number for the stream, zero before the
// first issue.
func (s *Sequencer) Current(channel, symbol string) uint64 {
	key := fmt.Sprintf("%s:%s", channel, symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next[key]
}
