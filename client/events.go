// Package client is the browser-side half of the chat protocol written for Go
// programs: a reconnecting websocket connection, the optimistic delivery
// pipeline, typing indicators, the history loader and the inbox state.
package client

import (
	"encoding/json"
	"errors"

	"github.com/eleven-am/pondchat/models"
)

var (
	// ErrNotConnected is returned when emitting while the socket is down.
	ErrNotConnected = errors.New("client is not connected")
	// ErrSendFailed wraps the persistence error of a message that was rolled back.
	ErrSendFailed = errors.New("message could not be sent")
	// ErrEmptyMessage is returned for blank content.
	ErrEmptyMessage = errors.New("message content is required")
	// ErrNotOwner is returned when deleting another user's message.
	ErrNotOwner = errors.New("only the sender can delete a message")
	// ErrLoadInFlight is returned by History.Load while another page is loading.
	ErrLoadInFlight = errors.New("history load already in flight")
)

const (
	EventUserConnected     = "user-connected"
	EventJoinConversation  = "join-conversation"
	EventLeaveConversation = "leave-conversation"
	EventSendMessage       = "send-message"
	EventReceiveMessage    = "receive-message"
	EventTyping            = "typing"
	EventStopTyping        = "stop-typing"
	EventUserTyping        = "user-typing"
	EventUserStopTyping    = "user-stop-typing"
	EventMarkRead          = "mark-read"
	EventMessagesRead      = "messages-read"
	EventMessageDeleted    = "message-deleted"
	EventUserStatusChanged = "user-status-changed"
	EventError             = "error"
)

// outgoing is the frame written to the server.
type outgoing struct {
	Event     string      `json:"event"`
	RequestID string      `json:"requestId,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

// incoming is a frame read from the server. The payload is decoded by the
// handler registered for the event.
type incoming struct {
	Event     string          `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type SendMessagePayload struct {
	ConversationID string          `json:"conversationId"`
	Message        *models.Message `json:"message"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	Username       string `json:"username"`
}

type ReadPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type DeletedPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type StatusPayload struct {
	UserID   string                `json:"userId"`
	Status   models.PresenceStatus `json:"status"`
	LastSeen string                `json:"lastSeen,omitempty"`
}

// ServerError is the payload of an error event.
type ServerError struct {
	Room      string      `json:"room,omitempty"`
	Code      int         `json:"code"`
	Message   string      `json:"message"`
	Temporary bool        `json:"temporary"`
	Details   interface{} `json:"details,omitempty"`
}

func (e *ServerError) Error() string {
	return e.Message
}

// Emitter writes one event to the server.
type Emitter interface {
	Emit(event string, payload interface{}) error
}
