package server

import (
	"net/http"
	"time"

	"exchange_simulator/internal/failures"
	"exchange_simulator/internal/protocol"
	"exchange_simulator/internal/session"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and runs the pumps. The session
// ID comes from the session_id query parameter so a client can reconnect
// as itself; without one the connection gets a fresh identity.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err.Error())
		return
	}

	sess := s.sessions.Register(sessionID)
	s.injector.NotifyConnect(sessionID)
	activeSessions.Inc()

	go s.writePump(conn, sess)
	go s.readPump(conn, sess)
}

func (s *Server) readPump(conn *websocket.Conn, sess *session.Session) {
	defer func() {
		s.disconnect(sess)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error",
					"session_id", sess.ID, "error", err.Error())
			}
			return
		}
		wsMessagesTotal.WithLabelValues("inbound").Inc()

		deliveries := s.injector.Process(failures.Context{
			SessionID: sess.ID,
			Direction: failures.Inbound,
			Now:       time.Now(),
		}, raw)

		for _, d := range deliveries {
			msg := d.Message
			if d.Delay > 0 {
				s.scheduler.Schedule(sess.ID, d.Delay, func() {
					s.handleInbound(sess.ID, msg)
				})
				continue
			}
			s.handleInbound(sess.ID, msg)
		}
	}
}

// handleInbound routes one surviving inbound message and sends the
// responses back through the outbound pipeline.
func (s *Server) handleInbound(sessionID string, raw []byte) {
	for _, out := range s.router.Dispatch(sessionID, raw) {
		s.sendToSession(sessionID, out)
	}
}

// sendToSession pushes one frame through the outbound failure chain and
// onto the session queue, directly or via the delivery scheduler.
func (s *Server) sendToSession(sessionID string, frame *protocol.Outbound) {
	data, err := frame.Encode()
	if err != nil {
		s.logger.Error("frame encode failed", "type", frame.Type, "error", err.Error())
		return
	}

	deliveries := s.injector.Process(failures.Context{
		SessionID: sessionID,
		Direction: failures.Outbound,
		Now:       time.Now(),
	}, data)

	for _, d := range deliveries {
		msg := d.Message
		if d.Delay > 0 {
			s.scheduler.Schedule(sessionID, d.Delay, func() {
				s.enqueue(sessionID, msg)
			})
			continue
		}
		s.enqueue(sessionID, msg)
	}
}

func (s *Server) enqueue(sessionID string, msg []byte) {
	sess := s.sessions.Get(sessionID)
	if sess == nil {
		return
	}
	if !sess.Enqueue(msg) {
		s.logger.Debug("outbound queue full, frame dropped", "session_id", sessionID)
	}
}

func (s *Server) writePump(conn *websocket.Conn, sess *session.Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sess.Send():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			wsMessagesTotal.WithLabelValues("outbound").Inc()
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// disconnect tears the session down: pending injected deliveries are
// discarded, strategies are notified, and subscriptions die with the
// session. The account and resting orders stay in the engine. When a
// reconnect has already replaced the session under the same ID, the
// scheduler and injector state now belongs to the successor and is left
// alone.
func (s *Server) disconnect(sess *session.Session) {
	if s.sessions.UnregisterSession(sess) {
		s.scheduler.CancelSession(sess.ID)
		s.injector.NotifyDisconnect(sess.ID)
	}
	activeSessions.Dec()
}
