// Package failures implements the failure injection pipeline: per-session
// strategy chains that drop, delay, duplicate, reorder, corrupt, and
// throttle messages between the wire and the exchange core.
package failures

import (
	"math/rand"
	"sync"
	"time"
)

// Direction tells a strategy which way a message is flowing
type Direction string

const (
	Inbound  Direction = "inbound"  // client to exchange
	Outbound Direction = "outbound" // exchange to client
)

// Context carries per-message metadata through a strategy chain
type Context struct {
	SessionID string
	Direction Direction
	Now       time.Time
}

// Verdict is the kind of outcome a strategy produced
type Verdict int

const (
	VerdictPass Verdict = iota
	VerdictDrop
	VerdictDelay
	VerdictExpand
)

// Outcome is the uniform result of applying one strategy to one message.
// Expand with an empty message list absorbs the message now; a later
// Expand from the same strategy may release it.
type Outcome struct {
	Verdict  Verdict
	Message  []byte        // for Pass and Delay, possibly transformed
	Delay    time.Duration // for Delay
	Messages [][]byte      // for Expand
}

// Pass forwards the message unchanged or transformed
func Pass(msg []byte) Outcome {
	return Outcome{Verdict: VerdictPass, Message: msg}
}

// Drop discards the message
func Drop() Outcome {
	return Outcome{Verdict: VerdictDrop}
}

// Delayed forwards the message after the given delay
func Delayed(msg []byte, d time.Duration) Outcome {
	return Outcome{Verdict: VerdictDelay, Message: msg, Delay: d}
}

// Expand replaces the message with zero or more messages
func Expand(msgs ...[]byte) Outcome {
	return Outcome{Verdict: VerdictExpand, Messages: msgs}
}

// Strategy transforms a single message into an outcome. Apply must be
// safe for concurrent use across sessions.
type Strategy interface {
	Name() string
	Apply(ctx Context, msg []byte) Outcome
}

// SessionObserver is implemented by strategies that keep per-session
// state needing lifecycle hooks.
type SessionObserver interface {
	OnConnect(sessionID string)
	OnDisconnect(sessionID string)
}

// lockedRand is a mutex-guarded rand usable from concurrent sessions
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newLockedRand(rng *rand.Rand) *lockedRand {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &lockedRand{rng: rng}
}

func (r *lockedRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

func (r *lockedRand) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Intn(n)
}

func (r *lockedRand) NormFloat64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.NormFloat64()
}

func (r *lockedRand) Shuffle(n int, swap func(i, j int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rng.Shuffle(n, swap)
}
