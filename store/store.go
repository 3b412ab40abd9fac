// Package store persists messages, conversations and presence for the chat
// hub. The hub itself never waits on a store; the HTTP API and the presence
// writer are the only callers.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/eleven-am/pondchat/models"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrForbidden = errors.New("store: forbidden")
	ErrConflict  = errors.New("store: already exists")
)

// MessageStore holds the message history of every conversation.
type MessageStore interface {
	// InsertMessage assigns an id and timestamp, seeds ReadBy with the sender
	// and returns the canonical message.
	InsertMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)

	// ListMessages returns one page of a conversation, newest first.
	ListMessages(ctx context.Context, conversationID string, page, limit int) ([]*models.Message, models.Pagination, error)

	// MarkRead adds userID to the readers of every message in the conversation
	// and returns how many messages changed.
	MarkRead(ctx context.Context, conversationID, userID string) (int, error)
	UnreadCount(ctx context.Context, conversationID, userID string) (int, error)

	// SoftDelete replaces the content of a message. Only its sender may delete it.
	SoftDelete(ctx context.Context, messageID, userID string) (*models.Message, error)
}

// ConversationStore holds conversations and their participants.
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)

	// ListConversations returns the conversations userID takes part in, most
	// recently active first, with UnreadCount computed for userID.
	ListConversations(ctx context.Context, userID string) ([]*models.Conversation, error)
	CreateConversation(ctx context.Context, conv *models.Conversation) (*models.Conversation, error)

	// TouchConversation records the latest message preview of a conversation.
	TouchConversation(ctx context.Context, conversationID, lastMessage string, at time.Time) error
}

// PresenceStore persists the last known status of each user. Unknown users
// are reported offline without a last-seen time.
type PresenceStore interface {
	SetStatus(ctx context.Context, state models.PresenceState) error
	GetStatus(ctx context.Context, userID string) (models.PresenceState, error)
}

// Store is the full persistence boundary used by the API server.
type Store interface {
	MessageStore
	ConversationStore
	PresenceStore
	Ping(ctx context.Context) error
	Close()
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 100
)

// NormalizePage clamps page and limit to the accepted range.
func NormalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return page, limit
}

func prepareMessage(msg *models.Message, id string, now time.Time) *models.Message {
	out := msg.Clone()
	out.ID = id
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	out.CreatedAt = out.CreatedAt.UTC()
	out.Status = ""
	out.Deleted = false
	out.DeletedAt = nil
	readers := []string{out.Sender.ID}
	for _, r := range out.ReadBy {
		if r != out.Sender.ID {
			readers = append(readers, r)
		}
	}
	out.ReadBy = readers
	return out
}

func offlineState(userID string) models.PresenceState {
	return models.PresenceState{UserID: userID, Status: models.Offline}
}
