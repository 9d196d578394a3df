// Package session tracks connected clients and their subscriptions.
// Accounts and orders live in the engine and survive disconnects; a
// session here is only the connection-scoped state.
package session

import (
	"sync"

	"exchange_simulator/internal/core"
	"exchange_simulator/internal/protocol"
)

// DefaultQueueSize bounds a session's outbound queue
const DefaultQueueSize = 256

// Session is one connected client
type Session struct {
	ID string

	send chan []byte

	mu            sync.Mutex
	subscriptions map[string]bool
	closed        bool

	dropped int64
}

// Send returns the channel the write pump drains
func (s *Session) Send() <-chan []byte {
	return s.send
}

// Enqueue queues a frame without blocking. When the queue is full the
// frame is dropped; a client that cannot keep up loses data rather than
// stalling the exchange.
func (s *Session) Enqueue(msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		s.dropped++
		return false
	}
}

// Dropped returns how many frames backpressure discarded
func (s *Session) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Subscribed reports whether the session follows the stream
func (s *Session) Subscribed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriptions[key]
}

// Subscriptions returns a copy of the session's stream keys
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subscriptions))
	for key := range s.subscriptions {
		out = append(out, key)
	}
	return out
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// Manager registers sessions and routes broadcast frames to subscribers
type Manager struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	queueSize int
	logger    core.ILogger
}

// NewManager creates a session manager
func NewManager(queueSize int, logger core.ILogger) *Manager {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Manager{
		sessions:  make(map[string]*Session),
		queueSize: queueSize,
		logger:    logger.WithField("component", "session_manager"),
	}
}

// Register creates the session, replacing any previous connection with
// the same ID.
func (m *Manager) Register(id string) *Session {
	s := &Session{
		ID:            id,
		send:          make(chan []byte, m.queueSize),
		subscriptions: make(map[string]bool),
	}

	m.mu.Lock()
	if old, ok := m.sessions[id]; ok {
		old.close()
	}
	m.sessions[id] = s
	count := len(m.sessions)
	m.mu.Unlock()

	m.logger.Info("session registered", "session_id", id, "active", count)
	return s
}

// Unregister removes the session and closes its queue. Registering the
// same ID later starts with empty subscriptions but the same account.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return
	}
	s.close()
	m.logger.Info("session unregistered", "session_id", id, "active", count)
}

// UnregisterSession removes exactly this session and reports whether it
// was still the registered one. When a reconnect has already replaced it
// under the same ID, the replacement stays and the result is false.
func (m *Manager) UnregisterSession(s *Session) bool {
	m.mu.Lock()
	current, ok := m.sessions[s.ID]
	if ok && current == s {
		delete(m.sessions, s.ID)
	} else {
		ok = false
	}
	count := len(m.sessions)
	m.mu.Unlock()

	s.close()
	if ok {
		m.logger.Info("session unregistered", "session_id", s.ID, "active", count)
	}
	return ok
}

// Get returns the session or nil
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Count returns the number of connected sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Subscribe adds the session to a stream
func (m *Manager) Subscribe(sessionID, channel, symbol string) bool {
	s := m.Get(sessionID)
	if s == nil {
		return false
	}
	key := protocol.SubscriptionKey(channel, symbol)
	s.mu.Lock()
	s.subscriptions[key] = true
	s.mu.Unlock()
	return true
}

// Unsubscribe removes the session from a stream
func (m *Manager) Unsubscribe(sessionID, channel, symbol string) bool {
	s := m.Get(sessionID)
	if s == nil {
		return false
	}
	key := protocol.SubscriptionKey(channel, symbol)
	s.mu.Lock()
	delete(s.subscriptions, key)
	s.mu.Unlock()
	return true
}

// Subscribers returns the sessions following the stream
func (m *Manager) Subscribers(channel, symbol string) []*Session {
	key := protocol.SubscriptionKey(channel, symbol)

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.Subscribed(key) {
			out = append(out, s)
		}
	}
	return out
}
