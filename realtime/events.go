package realtime

import (
	"encoding/json"
	"strings"

	"github.com/eleven-am/pondchat/models"
)

// Event is the envelope of every frame exchanged over a connection.
// NodeID is only set on events relayed between nodes.
type Event struct {
	Event     string      `json:"event"`
	RequestId string      `json:"requestId,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	NodeID    string      `json:"nodeId,omitempty"`
}

// Validate reports whether the event carries a name.
func (e *Event) Validate() bool {
	return strings.TrimSpace(e.Event) != ""
}

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

type ErrorPayload struct {
	Room      string      `json:"room,omitempty"`
	Code      int         `json:"code"`
	Message   string      `json:"message"`
	Temporary bool        `json:"temporary"`
	Details   interface{} `json:"details,omitempty"`
}

// parsePayload re-decodes a loosely typed payload into v.
func parsePayload(v interface{}, payload interface{}) error {
	marshaled, err := json.Marshal(payload)

	if err != nil {
		return wrapF(err, "failed to marshal payload")
	}
	err = json.Unmarshal(marshaled, v)

	if err != nil {
		return wrapF(err, "failed to unmarshal payload")
	}
	return nil
}

// stringOrField accepts either a bare string payload or an object and
// returns the bare string or the value of field.
func stringOrField(payload interface{}, field string) (string, map[string]interface{}) {
	switch p := payload.(type) {
	case string:
		return strings.TrimSpace(p), nil
	case map[string]interface{}:
		value, _ := p[field].(string)
		return strings.TrimSpace(value), p
	default:
		return "", nil
	}
}

// normalizeUser reads a user-connected payload: "u1" or {"userId":"u1"}.
func normalizeUser(payload interface{}) (string, error) {
	userID, _ := stringOrField(payload, "userId")
	if userID == "" {
		return "", badRequest("", "user-connected requires a user id")
	}
	return userID, nil
}

// normalizeRoom reads a join or leave payload: "c1" or {"conversationId":"c1"}.
func normalizeRoom(event string, payload interface{}) (string, error) {
	roomID, _ := stringOrField(payload, "conversationId")
	if roomID == "" {
		return "", badRequest("", event+" requires a conversation id")
	}
	return roomID, nil
}

// normalizeTyping reads typing and stop-typing payloads. Both accept a bare
// conversation id; the username then defaults to the empty string.
func normalizeTyping(event string, payload interface{}) (TypingPayload, error) {
	roomID, fields := stringOrField(payload, "conversationId")
	if roomID == "" {
		return TypingPayload{}, badRequest("", event+" requires a conversation id")
	}
	typing := TypingPayload{ConversationID: roomID}
	if fields != nil {
		typing.Username, _ = fields["username"].(string)
	}
	return typing, nil
}

func normalizeSend(payload interface{}) (SendMessagePayload, error) {
	var send SendMessagePayload
	if err := parsePayload(&send, payload); err != nil {
		return send, badRequest("", "send-message payload must be an object").withDetails(err.Error())
	}
	if send.ConversationID == "" {
		return send, badRequest("", "send-message requires a conversation id")
	}
	if send.Message == nil {
		return send, badRequest(send.ConversationID, "send-message requires a message")
	}
	return send, nil
}

func normalizeRead(payload interface{}) (ReadPayload, error) {
	roomID, fields := stringOrField(payload, "conversationId")
	if roomID == "" {
		return ReadPayload{}, badRequest("", "mark-read requires a conversation id")
	}
	read := ReadPayload{ConversationID: roomID}
	if fields != nil {
		read.UserID, _ = fields["userId"].(string)
	}
	return read, nil
}

func normalizeDeleted(payload interface{}) (DeletedPayload, error) {
	var deleted DeletedPayload
	if err := parsePayload(&deleted, payload); err != nil {
		return deleted, badRequest("", "message-deleted payload must be an object").withDetails(err.Error())
	}
	if deleted.ConversationID == "" || deleted.MessageID == "" {
		return deleted, badRequest(deleted.ConversationID, "message-deleted requires a conversation id and a message id")
	}
	return deleted, nil
}
