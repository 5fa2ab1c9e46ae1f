package realtime

import (
	"time"

	"permit_server/server/chat/domain"
)

// Client to server events.
const (
	EventJoinOrderRoom  = "join-order-room"
	EventLeaveOrderRoom = "leave-order-room"
	EventTypingStart    = "typing-start"
	EventTypingStop     = "typing-stop"
	EventMarkRead       = "mark-read"
	EventPing           = "ping"
)

// Server to client events.
const (
	EventConnected       = "connected"
	EventUserJoinedOrder = "user-joined-order"
	EventUserLeftOrder   = "user-left-order"
	EventUserTyping      = "user-typing"
	EventMessageRead     = "message-read"
	EventNewMessage      = "new-message"
	EventOrderUpdated    = "order-updated"
	EventNotification    = "notification"
	EventError           = "error"
	EventPong            = "pong"
)

// Inbound is a frame read from a client connection.
type Inbound struct {
	Type    string `json:"type"`
	OrderID string `json:"order_id"`
}

// Event is a frame written to a client connection.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type MemberSignal struct {
	Identity  domain.Identity `json:"identity"`
	OrderID   string          `json:"order_id"`
	Timestamp time.Time       `json:"timestamp"`
}

type TypingSignal struct {
	Identity domain.Identity `json:"identity"`
	OrderID  string          `json:"order_id"`
	IsTyping bool            `json:"is_typing"`
}

type MessageSignal struct {
	OrderID   string             `json:"order_id"`
	Message   domain.ChatMessage `json:"message"`
	Timestamp time.Time          `json:"timestamp"`
}

type OrderSignal struct {
	OrderID   string             `json:"order_id"`
	Update    domain.OrderUpdate `json:"update"`
	Timestamp time.Time          `json:"timestamp"`
}

type ConnectedSignal struct {
	ConnectionID string          `json:"connection_id"`
	Identity     domain.Identity `json:"identity"`
}

type ErrorSignal struct {
	Event   string `json:"event,omitempty"`
	OrderID string `json:"order_id,omitempty"`
	Message string `json:"message"`
}

func errorEvent(event, orderID, message string) Event {
	return Event{Type: EventError, Data: ErrorSignal{Event: event, OrderID: orderID, Message: message}}
}
