package failures

import (
	"math/rand"
	"sync"
	"time"
)

// DropMessage discards each message independently with fixed probability
type DropMessage struct {
	probability float64
	rng         *lockedRand
}

// NewDropMessage creates a drop strategy. A nil rng self-seeds.
func NewDropMessage(probability float64, rng *rand.Rand) *DropMessage {
	return &DropMessage{probability: probability, rng: newLockedRand(rng)}
}

func (s *DropMessage) Name() string { return "drop_messages" }

func (s *DropMessage) Apply(_ Context, msg []byte) Outcome {
	if s.rng.Float64() < s.probability {
		return Drop()
	}
	return Pass(msg)
}

// DelayMessage delays each selected message by a uniform duration in
// [min, max].
type DelayMessage struct {
	probability float64
	min, max    time.Duration
	rng         *lockedRand
}

// NewDelayMessage creates a delay strategy over [minMs, maxMs] milliseconds
func NewDelayMessage(probability float64, minMs, maxMs int, rng *rand.Rand) *DelayMessage {
	if maxMs < minMs {
		maxMs = minMs
	}
	return &DelayMessage{
		probability: probability,
		min:         time.Duration(minMs) * time.Millisecond,
		max:         time.Duration(maxMs) * time.Millisecond,
		rng:         newLockedRand(rng),
	}
}

func (s *DelayMessage) Name() string { return "delay_messages" }

func (s *DelayMessage) Apply(_ Context, msg []byte) Outcome {
	if s.rng.Float64() >= s.probability {
		return Pass(msg)
	}
	span := s.max - s.min
	d := s.min
	if span > 0 {
		d += time.Duration(s.rng.Float64() * float64(span))
	}
	return Delayed(msg, d)
}

// DuplicateMessage repeats each selected message, emitting the original
// plus 1..maxDuplicates copies.
type DuplicateMessage struct {
	probability   float64
	maxDuplicates int
	rng           *lockedRand
}

// NewDuplicateMessage creates a duplication strategy
func NewDuplicateMessage(probability float64, maxDuplicates int, rng *rand.Rand) *DuplicateMessage {
	if maxDuplicates < 1 {
		maxDuplicates = 1
	}
	return &DuplicateMessage{
		probability:   probability,
		maxDuplicates: maxDuplicates,
		rng:           newLockedRand(rng),
	}
}

func (s *DuplicateMessage) Name() string { return "duplicate" }

func (s *DuplicateMessage) Apply(_ Context, msg []byte) Outcome {
	if s.rng.Float64() >= s.probability {
		return Pass(msg)
	}
	copies := 1 + s.rng.Intn(s.maxDuplicates)
	out := make([][]byte, 0, copies+1)
	out = append(out, msg)
	for i := 0; i < copies; i++ {
		dup := make([]byte, len(msg))
		copy(dup, msg)
		out = append(out, dup)
	}
	return Expand(out...)
}

// reorderFlushAfter bounds how long a partial window may sit buffered.
// Without it a quiet session would never see its held messages again.
const reorderFlushAfter = time.Second

// ReorderMessages buffers messages per session and releases each window
// in random order, either when the window fills or when the oldest held
// message has aged past the flush bound. Buffered messages of a
// disconnecting session are discarded.
type ReorderMessages struct {
	windowSize int
	rng        *lockedRand

	mu      sync.Mutex
	buffers map[string]*reorderBuffer
}

type reorderBuffer struct {
	messages [][]byte
	firstAt  time.Time
}

// NewReorderMessages creates a reorder strategy with the given window
func NewReorderMessages(windowSize int, rng *rand.Rand) *ReorderMessages {
	if windowSize < 2 {
		windowSize = 2
	}
	return &ReorderMessages{
		windowSize: windowSize,
		rng:        newLockedRand(rng),
		buffers:    make(map[string]*reorderBuffer),
	}
}

func (s *ReorderMessages) Name() string { return "reorder" }

func (s *ReorderMessages) Apply(ctx Context, msg []byte) Outcome {
	s.mu.Lock()
	buf, ok := s.buffers[ctx.SessionID]
	if !ok {
		buf = &reorderBuffer{firstAt: ctx.Now}
		s.buffers[ctx.SessionID] = buf
	}
	buf.messages = append(buf.messages, msg)
	if len(buf.messages) < s.windowSize && ctx.Now.Sub(buf.firstAt) < reorderFlushAfter {
		s.mu.Unlock()
		return Expand() // held until the window fills or ages out
	}
	delete(s.buffers, ctx.SessionID)
	s.mu.Unlock()

	out := buf.messages
	s.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return Expand(out...)
}

func (s *ReorderMessages) OnConnect(string) {}

func (s *ReorderMessages) OnDisconnect(sessionID string) {
	s.mu.Lock()
	delete(s.buffers, sessionID)
	s.mu.Unlock()
}

// CorruptMessage flips a fraction of each selected message's bytes to
// random printable ASCII. The result is usually unparseable JSON, which
// is the point.
type CorruptMessage struct {
	probability float64
	level       float64 // fraction of bytes to replace
	rng         *lockedRand
}

// NewCorruptMessage creates a corruption strategy
func NewCorruptMessage(probability, level float64, rng *rand.Rand) *CorruptMessage {
	if level <= 0 {
		level = 0.1
	}
	return &CorruptMessage{probability: probability, level: level, rng: newLockedRand(rng)}
}

func (s *CorruptMessage) Name() string { return "corrupt" }

func (s *CorruptMessage) Apply(_ Context, msg []byte) Outcome {
	if len(msg) == 0 || s.rng.Float64() >= s.probability {
		return Pass(msg)
	}
	corrupted := make([]byte, len(msg))
	copy(corrupted, msg)

	n := int(float64(len(msg)) * s.level)
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		pos := s.rng.Intn(len(corrupted))
		corrupted[pos] = byte(33 + s.rng.Intn(94)) // printable ASCII 33..126
	}
	return Pass(corrupted)
}

// SilentConnection stops delivering outbound messages to a session after
// it has received a set number, while keeping the socket open. Counters
// persist across reconnects unless resetOnReconnect is set.
type SilentConnection struct {
	afterMessages    int
	resetOnReconnect bool

	mu    sync.Mutex
	sent  map[string]int
	muted map[string]bool
}

// NewSilentConnection creates a silent connection strategy
func NewSilentConnection(afterMessages int, resetOnReconnect bool) *SilentConnection {
	return &SilentConnection{
		afterMessages:    afterMessages,
		resetOnReconnect: resetOnReconnect,
		sent:             make(map[string]int),
		muted:            make(map[string]bool),
	}
}

func (s *SilentConnection) Name() string { return "silent_connection" }

func (s *SilentConnection) Apply(ctx Context, msg []byte) Outcome {
	if ctx.Direction != Outbound {
		return Pass(msg)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.muted[ctx.SessionID] {
		return Drop()
	}
	s.sent[ctx.SessionID]++
	if s.afterMessages > 0 && s.sent[ctx.SessionID] >= s.afterMessages {
		s.muted[ctx.SessionID] = true
	}
	return Pass(msg)
}

// Muted reports whether the session has gone silent
func (s *SilentConnection) Muted(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted[sessionID]
}

func (s *SilentConnection) OnConnect(sessionID string) {
	if !s.resetOnReconnect {
		return
	}
	s.mu.Lock()
	delete(s.sent, sessionID)
	delete(s.muted, sessionID)
	s.mu.Unlock()
}

func (s *SilentConnection) OnDisconnect(string) {}
