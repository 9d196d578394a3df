// Package router dispatches decoded client frames to their handlers.
package router

import (
	"fmt"

	"exchange_simulator/internal/core"
	"exchange_simulator/internal/protocol"
	"exchange_simulator/pkg/errors"
)

// Handler processes one inbound frame and returns the frames to send back
type Handler func(sessionID string, msg *protocol.Inbound) []*protocol.Outbound

// Router maps message types to handlers. Registration happens at startup;
// Dispatch is safe for concurrent use afterwards.
type Router struct {
	handlers map[string]Handler
	logger   core.ILogger
}

// New creates an empty router
func New(logger core.ILogger) *Router {
	return &Router{
		handlers: make(map[string]Handler),
		logger:   logger.WithField("component", "router"),
	}
}

// Register binds a message type to its handler
func (r *Router) Register(msgType string, h Handler) {
	r.handlers[msgType] = h
}

// Dispatch parses a raw frame and runs its handler. Parse failures and
// unknown types come back as ERROR frames, never as a dropped message.
func (r *Router) Dispatch(sessionID string, raw []byte) []*protocol.Outbound {
	msg, err := protocol.ParseInbound(raw)
	if err != nil {
		r.logger.Debug("rejected inbound frame",
			"session_id", sessionID, "error", err.Error())
		return []*protocol.Outbound{protocol.NewError("", err)}
	}

	h, ok := r.handlers[msg.Type]
	if !ok {
		return []*protocol.Outbound{protocol.NewError(msg.RequestID,
			fmt.Errorf("%w: no handler for %q", apperrors.ErrUnknownMessageType, msg.Type))}
	}
	return h(sessionID, msg)
}
