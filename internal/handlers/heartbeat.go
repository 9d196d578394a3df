package handlers

import (
	"exchange_simulator/internal/protocol"
	"exchange_simulator/internal/router"
)

// HeartbeatHandler answers application-level pings
type HeartbeatHandler struct{}

// NewHeartbeatHandler creates a heartbeat handler
func NewHeartbeatHandler() *HeartbeatHandler {
	return &HeartbeatHandler{}
}

// Register binds the handler's message types on the router
func (h *HeartbeatHandler) Register(r *router.Router) {
	r.Register(protocol.TypePing, h.Ping)
}

// Ping handles PING
func (h *HeartbeatHandler) Ping(_ string, msg *protocol.Inbound) []*protocol.Outbound {
	return []*protocol.Outbound{protocol.NewData(protocol.TypePong, msg.RequestID, nil)}
}
