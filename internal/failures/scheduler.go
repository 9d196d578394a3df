package failures

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"exchange_simulator/internal/core"
)

type scheduledEntry struct {
	at        time.Time
	seq       uint64 // insertion order breaks timestamp ties
	sessionID string
	deliver   func()
	index     int
}

type deliveryHeap []*scheduledEntry

func (h deliveryHeap) Len() int { return len(h) }
func (h deliveryHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h deliveryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *deliveryHeap) Push(x interface{}) {
	e := x.(*scheduledEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *deliveryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler delivers delayed messages from a single goroutine in release
// time order. Disconnecting a session discards everything still pending
// for it.
type Scheduler struct {
	mu      sync.Mutex
	pending deliveryHeap
	seq     uint64
	kick    chan struct{}
	done    chan struct{}
	stopped bool

	logger core.ILogger
}

// NewScheduler creates a scheduler; call Run to start delivery
func NewScheduler(logger core.ILogger) *Scheduler {
	return &Scheduler{
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger.WithField("component", "delivery_scheduler"),
	}
}

// Schedule queues fn for delivery after delay on behalf of sessionID.
// A non-positive delay still goes through the queue so ordering with
// already-queued messages holds.
func (s *Scheduler) Schedule(sessionID string, delay time.Duration, fn func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.seq++
	heap.Push(&s.pending, &scheduledEntry{
		at:        time.Now().Add(delay),
		seq:       s.seq,
		sessionID: sessionID,
		deliver:   fn,
	})
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// CancelSession discards every pending delivery for the session
func (s *Scheduler) CancelSession(sessionID string) {
	s.mu.Lock()
	kept := s.pending[:0]
	dropped := 0
	for _, e := range s.pending {
		if e.sessionID == sessionID {
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	s.pending = kept
	heap.Init(&s.pending)
	s.mu.Unlock()

	if dropped > 0 {
		s.logger.Debug("discarded pending deliveries", "session_id", sessionID, "count", dropped)
	}
}

// Pending returns the number of queued deliveries
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Run delivers until the context is cancelled
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var wait time.Duration = time.Hour
		if len(s.pending) > 0 {
			wait = time.Until(s.pending[0].at)
		}
		s.mu.Unlock()

		if wait <= 0 {
			s.deliverDue()
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.stopped = true
			s.pending = nil
			s.mu.Unlock()
			return
		case <-s.kick:
		case <-timer.C:
			s.deliverDue()
		}
	}
}

// Done closes once Run has returned
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

func (s *Scheduler) deliverDue() {
	now := time.Now()
	for {
		s.mu.Lock()
		if len(s.pending) == 0 || s.pending[0].at.After(now) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.pending).(*scheduledEntry)
		s.mu.Unlock()

		e.deliver()
	}
}
