// Package handlers implements the WebSocket message handlers over the
// matching engine and session manager.
package handlers

import (
	"fmt"

	"exchange_simulator/internal/core"
	"exchange_simulator/internal/engine"
	"exchange_simulator/internal/protocol"
	"exchange_simulator/internal/router"
	"exchange_simulator/pkg/errors"

	"github.com/shopspring/decimal"
)

// OrderHandler serves order entry and account queries
type OrderHandler struct {
	engine *engine.Engine
	logger core.ILogger
}

// NewOrderHandler creates an order handler
func NewOrderHandler(eng *engine.Engine, logger core.ILogger) *OrderHandler {
	return &OrderHandler{
		engine: eng,
		logger: logger.WithField("component", "order_handler"),
	}
}

// Register binds the handler's message types on the router
func (h *OrderHandler) Register(r *router.Router) {
	r.Register(protocol.TypePlaceOrder, h.Place)
	r.Register(protocol.TypeCancelOrder, h.Cancel)
	r.Register(protocol.TypeQueryOrder, h.Get)
	r.Register(protocol.TypeGetOrders, h.List)
	r.Register(protocol.TypeGetBalance, h.Balance)
	r.Register(protocol.TypeGetPosition, h.Position)
}

// Place handles PLACE_ORDER
func (h *OrderHandler) Place(sessionID string, msg *protocol.Inbound) []*protocol.Outbound {
	req, err := buildPlaceRequest(sessionID, msg)
	if err != nil {
		return []*protocol.Outbound{protocol.NewError(msg.RequestID, err)}
	}

	order, _, err := h.engine.PlaceOrder(req)
	if err != nil {
		out := protocol.NewError(msg.RequestID, err)
		if order != nil {
			out.Data = order
		}
		return []*protocol.Outbound{out}
	}

	h.logger.Debug("order placed",
		"session_id", sessionID, "order_id", order.OrderID,
		"symbol", order.Symbol, "status", string(order.Status))
	return []*protocol.Outbound{protocol.NewData(protocol.TypeOrderAck, msg.RequestID, order)}
}

// buildPlaceRequest validates the frame shape; business validation
// happens in the engine.
func buildPlaceRequest(sessionID string, msg *protocol.Inbound) (engine.PlaceOrderRequest, error) {
	req := engine.PlaceOrderRequest{
		SessionID:   sessionID,
		Symbol:      msg.Symbol,
		Side:        engine.Side(msg.Side),
		Type:        engine.OrderType(msg.OrderType),
		TimeInForce: engine.TimeInForce(msg.TimeInForce),
	}

	qty, err := decimal.NewFromString(msg.Quantity)
	if err != nil {
		return req, fmt.Errorf("%w: bad quantity %q", apperrors.ErrInvalidOrder, msg.Quantity)
	}
	req.Quantity = qty

	if msg.Price != "" {
		price, err := decimal.NewFromString(msg.Price)
		if err != nil {
			return req, fmt.Errorf("%w: bad price %q", apperrors.ErrInvalidOrder, msg.Price)
		}
		req.Price = price
	}
	return req, nil
}

// Cancel handles CANCEL_ORDER
func (h *OrderHandler) Cancel(sessionID string, msg *protocol.Inbound) []*protocol.Outbound {
	if msg.OrderID == "" {
		return []*protocol.Outbound{protocol.NewError(msg.RequestID,
			fmt.Errorf("%w: order_id is required", apperrors.ErrInvalidOrder))}
	}
	order, err := h.engine.CancelOrder(sessionID, msg.OrderID)
	if err != nil {
		return []*protocol.Outbound{protocol.NewError(msg.RequestID, err)}
	}
	return []*protocol.Outbound{protocol.NewData(protocol.TypeOrderUpdate, msg.RequestID, order)}
}

// Get handles QUERY_ORDER
func (h *OrderHandler) Get(sessionID string, msg *protocol.Inbound) []*protocol.Outbound {
	order, err := h.engine.GetOrder(sessionID, msg.OrderID)
	if err != nil {
		return []*protocol.Outbound{protocol.NewError(msg.RequestID, err)}
	}
	return []*protocol.Outbound{protocol.NewData(protocol.TypeOrderUpdate, msg.RequestID, order)}
}

// List handles GET_ORDERS
func (h *OrderHandler) List(sessionID string, msg *protocol.Inbound) []*protocol.Outbound {
	orders := h.engine.ListOrders(sessionID, msg.Symbol, engine.OrderStatus(msg.Status))
	return []*protocol.Outbound{protocol.NewData(protocol.TypeOrders, msg.RequestID, orders)}
}

// Balance handles GET_BALANCE
func (h *OrderHandler) Balance(sessionID string, msg *protocol.Inbound) []*protocol.Outbound {
	return []*protocol.Outbound{protocol.NewData(protocol.TypeBalance, msg.RequestID,
		h.engine.Balances(sessionID))}
}

// PositionData is the GET_POSITION payload
type PositionData struct {
	Symbol   string          `json:"symbol"`
	Asset    string          `json:"asset"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Position handles GET_POSITION
func (h *OrderHandler) Position(sessionID string, msg *protocol.Inbound) []*protocol.Outbound {
	asset, qty, err := h.engine.Position(sessionID, msg.Symbol)
	if err != nil {
		return []*protocol.Outbound{protocol.NewError(msg.RequestID, err)}
	}
	return []*protocol.Outbound{protocol.NewData(protocol.TypePosition, msg.RequestID,
		PositionData{Symbol: msg.Symbol, Asset: asset, Quantity: qty})}
}
