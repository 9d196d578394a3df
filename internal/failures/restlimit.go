package failures

import (
	"sync"
	"time"
)

// Rate limit escalation: violations inside a 60 second window ratchet
// the penalty from a short wait to a temporary ban to a permanent one.
const (
	violationWindow = 60 * time.Second
	firstPenalty    = 10 * time.Second
	secondPenalty   = 60 * time.Second
)

// RestDecision is the verdict for one REST request
type RestDecision struct {
	Allowed        bool
	RetryAfter     time.Duration
	ViolationCount int
	Banned         bool // permanently
}

type restSessionState struct {
	requests    []time.Time // sliding window of accepted request times
	violations  []time.Time // violations inside the escalation window
	blockedTill time.Time
	banned      bool
}

// RestRateLimiter enforces a per-session request budget over a sliding
// one second window, with escalating penalties for repeat offenders.
type RestRateLimiter struct {
	budget int

	mu       sync.Mutex
	sessions map[string]*restSessionState
}

// NewRestRateLimiter creates a limiter allowing budget requests per second
// per session.
func NewRestRateLimiter(budget int) *RestRateLimiter {
	if budget < 1 {
		budget = 1
	}
	return &RestRateLimiter{
		budget:   budget,
		sessions: make(map[string]*restSessionState),
	}
}

// Check records and judges one request at the given time
func (l *RestRateLimiter) Check(sessionID string, now time.Time) RestDecision {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.sessions[sessionID]
	if !ok {
		st = &restSessionState{}
		l.sessions[sessionID] = st
	}

	if st.banned {
		return RestDecision{Banned: true, ViolationCount: len(st.violations)}
	}
	if now.Before(st.blockedTill) {
		return RestDecision{
			RetryAfter:     st.blockedTill.Sub(now),
			ViolationCount: len(st.violations),
		}
	}

	// slide the windows
	cutoff := now.Add(-time.Second)
	st.requests = trimBefore(st.requests, cutoff)
	st.violations = trimBefore(st.violations, now.Add(-violationWindow))

	if len(st.requests) < l.budget {
		st.requests = append(st.requests, now)
		return RestDecision{Allowed: true}
	}

	st.violations = append(st.violations, now)
	switch len(st.violations) {
	case 1:
		st.blockedTill = now.Add(firstPenalty)
		return RestDecision{RetryAfter: firstPenalty, ViolationCount: 1}
	case 2:
		st.blockedTill = now.Add(secondPenalty)
		return RestDecision{RetryAfter: secondPenalty, ViolationCount: 2}
	default:
		st.banned = true
		return RestDecision{Banned: true, ViolationCount: len(st.violations)}
	}
}

// Reset clears all per-session rate limit state
func (l *RestRateLimiter) Reset() {
	l.mu.Lock()
	l.sessions = make(map[string]*restSessionState)
	l.mu.Unlock()
}

func trimBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}
