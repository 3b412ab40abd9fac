// Package models holds the data shared by the hub, the stores and the client:
// messages, conversations, presence state and pagination metadata.
package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

// DeliveryStatus is the client-side state of a message. It is never persisted.
type DeliveryStatus string

const (
	StatusSending DeliveryStatus = "sending"
	StatusSent    DeliveryStatus = "sent"
	StatusRead    DeliveryStatus = "read"
)

// DeletedContent replaces the content of a soft-deleted message.
const DeletedContent = "🚫 This message was deleted"

// ReplyPreviewLength is the number of runes of the target message kept in a reply preview.
const ReplyPreviewLength = 100

// Sender identifies the author of a message.
type Sender struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// ReplyRef points at the message being answered.
type ReplyRef struct {
	ID         string `json:"_id"`
	Content    string `json:"content"`
	SenderName string `json:"senderName"`
}

// Message is a single chat message. ReadBy behaves as a set; its order carries no meaning.
type Message struct {
	ID             string         `json:"_id"`
	ConversationID string         `json:"conversationId"`
	Sender         Sender         `json:"sender"`
	Content        string         `json:"content"`
	ReplyTo        *ReplyRef      `json:"replyTo,omitempty"`
	ReadBy         []string       `json:"readBy"`
	CreatedAt      time.Time      `json:"createdAt"`
	Deleted        bool           `json:"deleted,omitempty"`
	DeletedAt      *time.Time     `json:"deletedAt,omitempty"`
	Status         DeliveryStatus `json:"status,omitempty"`
}

// Clone returns a deep copy so callers can mutate it without sharing ReadBy or ReplyTo.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.ReadBy = append([]string(nil), m.ReadBy...)
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		c.ReplyTo = &r
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// HasReader reports whether userID is in the ReadBy set.
func (m *Message) HasReader(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// MarkReadBy adds userID to ReadBy. It returns false when the user was already present.
func (m *Message) MarkReadBy(userID string) bool {
	if userID == "" || m.HasReader(userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, userID)
	return true
}

// SoftDelete replaces the content with DeletedContent. Deleting twice keeps the first timestamp.
func (m *Message) SoftDelete(at time.Time) {
	if m.Deleted {
		return
	}
	m.Deleted = true
	m.Content = DeletedContent
	m.DeletedAt = &at
}

// IsOptimistic reports whether the message has not been confirmed by the store yet.
func (m *Message) IsOptimistic() bool {
	return m.Status == StatusSending
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
)

// Sanitize escapes the characters that would let message text inject markup.
func Sanitize(s string) string {
	return htmlEscaper.Replace(s)
}

// TruncateReply shortens content to ReplyPreviewLength runes.
func TruncateReply(content string) string {
	if utf8.RuneCountInString(content) <= ReplyPreviewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:ReplyPreviewLength])
}

// NewReplyRef builds the preview stored alongside a reply.
func NewReplyRef(target *Message) *ReplyRef {
	if target == nil {
		return nil
	}
	name := target.Sender.Username
	if name == "" {
		name = "Unknown"
	}
	return &ReplyRef{
		ID:         target.ID,
		Content:    TruncateReply(target.Content),
		SenderName: name,
	}
}
