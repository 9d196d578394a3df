package handlers

import (
	"fmt"

	"exchange_simulator/internal/core"
	"exchange_simulator/internal/engine"
	"exchange_simulator/internal/protocol"
	"exchange_simulator/internal/router"
	"exchange_simulator/internal/session"
	"exchange_simulator/pkg/errors"
)

// SubscriptionHandler serves channel subscribe and unsubscribe
type SubscriptionHandler struct {
	sessions *session.Manager
	engine   *engine.Engine
	logger   core.ILogger
}

// NewSubscriptionHandler creates a subscription handler
func NewSubscriptionHandler(sessions *session.Manager, eng *engine.Engine, logger core.ILogger) *SubscriptionHandler {
	return &SubscriptionHandler{
		sessions: sessions,
		engine:   eng,
		logger:   logger.WithField("component", "subscription_handler"),
	}
}

// Register binds the handler's message types on the router
func (h *SubscriptionHandler) Register(r *router.Router) {
	r.Register(protocol.TypeSubscribe, h.Subscribe)
	r.Register(protocol.TypeUnsubscribe, h.Unsubscribe)
}

// SubscriptionData acknowledges a subscription change
type SubscriptionData struct {
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
}

func (h *SubscriptionHandler) validate(msg *protocol.Inbound) error {
	if !protocol.ValidChannel(msg.Channel) {
		return fmt.Errorf("%w: unknown channel %q", apperrors.ErrInvalidOrder, msg.Channel)
	}
	if !h.engine.HasSymbol(msg.Symbol) {
		return fmt.Errorf("%w: %s", apperrors.ErrUnknownSymbol, msg.Symbol)
	}
	return nil
}

// Subscribe handles SUBSCRIBE
func (h *SubscriptionHandler) Subscribe(sessionID string, msg *protocol.Inbound) []*protocol.Outbound {
	if err := h.validate(msg); err != nil {
		return []*protocol.Outbound{protocol.NewError(msg.RequestID, err)}
	}
	if !h.sessions.Subscribe(sessionID, msg.Channel, msg.Symbol) {
		return []*protocol.Outbound{protocol.NewError(msg.RequestID,
			fmt.Errorf("%w: session %s", apperrors.ErrNotFound, sessionID))}
	}
	h.logger.Debug("subscribed",
		"session_id", sessionID, "channel", msg.Channel, "symbol", msg.Symbol)
	return []*protocol.Outbound{protocol.NewData(protocol.TypeSubscribed, msg.RequestID,
		SubscriptionData{Channel: msg.Channel, Symbol: msg.Symbol})}
}

// Unsubscribe handles UNSUBSCRIBE. Unsubscribing from a stream the
// session never followed still acknowledges.
func (h *SubscriptionHandler) Unsubscribe(sessionID string, msg *protocol.Inbound) []*protocol.Outbound {
	if err := h.validate(msg); err != nil {
		return []*protocol.Outbound{protocol.NewError(msg.RequestID, err)}
	}
	if !h.sessions.Unsubscribe(sessionID, msg.Channel, msg.Symbol) {
		return []*protocol.Outbound{protocol.NewError(msg.RequestID,
			fmt.Errorf("%w: session %s", apperrors.ErrNotFound, sessionID))}
	}
	return []*protocol.Outbound{protocol.NewData(protocol.TypeUnsubscribed, msg.RequestID,
		SubscriptionData{Channel: msg.Channel, Symbol: msg.Symbol})}
}
