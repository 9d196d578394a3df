package failures

import (
	"sync"

	"golang.org/x/time/rate"
)

// Throttle bounds per-session message throughput with a token bucket.
// Messages over the rate are delayed until a token frees up rather than
// dropped.
type Throttle struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewThrottle creates a throttle of maxPerSecond messages per session
func NewThrottle(maxPerSecond int) *Throttle {
	if maxPerSecond < 1 {
		maxPerSecond = 1
	}
	return &Throttle{
		limit:    rate.Limit(maxPerSecond),
		burst:    maxPerSecond,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (t *Throttle) Name() string { return "throttle" }

func (t *Throttle) limiter(sessionID string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[sessionID]
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		t.limiters[sessionID] = l
	}
	return l
}

func (t *Throttle) Apply(ctx Context, msg []byte) Outcome {
	r := t.limiter(ctx.SessionID).ReserveN(ctx.Now, 1)
	if !r.OK() {
		return Drop()
	}
	if d := r.DelayFrom(ctx.Now); d > 0 {
		return Delayed(msg, d)
	}
	return Pass(msg)
}

func (t *Throttle) OnConnect(string) {}

// OnDisconnect forgets the session's bucket
func (t *Throttle) OnDisconnect(sessionID string) {
	t.mu.Lock()
	delete(t.limiters, sessionID)
	t.mu.Unlock()
}
