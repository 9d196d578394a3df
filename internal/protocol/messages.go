// Package protocol defines the JSON frames exchanged over the WebSocket
// and the channel naming shared with the REST surface.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"exchange_simulator/pkg/errors"
)

// Inbound message types
const (
	TypePlaceOrder  = "PLACE_ORDER"
	TypeCancelOrder = "CANCEL_ORDER"
	TypeQueryOrder  = "QUERY_ORDER"
	TypeGetOrders   = "GET_ORDERS"
	TypeGetBalance  = "GET_BALANCE"
	TypeGetPosition = "GET_POSITION"
	TypeSubscribe   = "SUBSCRIBE"
	TypeUnsubscribe = "UNSUBSCRIBE"
	TypePing        = "PING"
)

// Outbound message types
const (
	TypeOrderAck     = "ORDER_ACK"
	TypeOrderUpdate  = "ORDER_UPDATE"
	TypeFill         = "FILL"
	TypeTrade        = "TRADE"
	TypeTicker       = "TICKER"
	TypeMarketData   = "MARKET_DATA"
	TypeOrderbook    = "ORDERBOOK"
	TypeOrders       = "ORDERS"
	TypeBalance      = "BALANCE"
	TypePosition     = "POSITION"
	TypeSubscribed   = "SUBSCRIBED"
	TypeUnsubscribed = "UNSUBSCRIBED"
	TypePong         = "PONG"
	TypeError        = "ERROR"
)

// Subscription channels
const (
	ChannelTrades     = "TRADES"
	ChannelTicker     = "TICKER"
	ChannelOrderbook  = "ORDERBOOK"
	ChannelMarketData = "MARKET_DATA"
)

// ValidChannel reports whether the channel name is known
func ValidChannel(ch string) bool {
	switch ch {
	case ChannelTrades, ChannelTicker, ChannelOrderbook, ChannelMarketData:
		return true
	}
	return false
}

// SubscriptionKey names one (channel, symbol) stream
func SubscriptionKey(channel, symbol string) string {
	return fmt.Sprintf("%s:%s", channel, symbol)
}

// Inbound is the envelope for every client frame. Fields beyond Type are
// populated per message type.
type Inbound struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`

	// PLACE_ORDER
	Symbol      string `json:"symbol,omitempty"`
	Side        string `json:"side,omitempty"`
	OrderType   string `json:"order_type,omitempty"`
	Price       string `json:"price,omitempty"`
	Quantity    string `json:"quantity,omitempty"`
	TimeInForce string `json:"time_in_force,omitempty"`

	// CANCEL_ORDER, QUERY_ORDER
	OrderID string `json:"order_id,omitempty"`

	// GET_ORDERS filter
	Status string `json:"status,omitempty"`

	// SUBSCRIBE, UNSUBSCRIBE
	Channel string `json:"channel,omitempty"`
}

// ParseInbound decodes a client frame. A decode failure reports
// MALFORMED; a missing or unknown type reports UNKNOWN_MESSAGE_TYPE.
func ParseInbound(data []byte) (*Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformed, err)
	}
	switch msg.Type {
	case TypePlaceOrder, TypeCancelOrder, TypeQueryOrder, TypeGetOrders,
		TypeGetBalance, TypeGetPosition, TypeSubscribe, TypeUnsubscribe, TypePing:
		return &msg, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", apperrors.ErrUnknownMessageType)
	default:
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownMessageType, msg.Type)
	}
}

// Outbound is the envelope for every server frame
type Outbound struct {
	Type       string      `json:"type"`
	RequestID  string      `json:"request_id,omitempty"`
	Channel    string      `json:"channel,omitempty"`
	Symbol     string      `json:"symbol,omitempty"`
	SequenceID uint64      `json:"sequence_id,omitempty"`
	Data       interface{} `json:"data,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`

	// ERROR frames
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

// Encode marshals a server frame, stamping the timestamp when unset
func (m *Outbound) Encode() ([]byte, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return json.Marshal(m)
}

// NewError builds an ERROR frame from an application error
func NewError(requestID string, err error) *Outbound {
	return &Outbound{
		Type:      TypeError,
		RequestID: requestID,
		Kind:      apperrors.Kind(err),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
	}
}

// NewData builds a typed frame carrying a payload
func NewData(msgType, requestID string, data interface{}) *Outbound {
	return &Outbound{
		Type:      msgType,
		RequestID: requestID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// NewChannelData builds a sequenced frame for a subscription stream
func NewChannelData(msgType, channel, symbol string, seq uint64, data interface{}) *Outbound {
	return &Outbound{
		Type:       msgType,
		Channel:    channel,
		Symbol:     symbol,
		SequenceID: seq,
		Data:       data,
		Timestamp:  time.Now().UTC(),
	}
}
