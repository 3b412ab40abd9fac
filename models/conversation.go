package models

import "time"

type ConversationType string

const (
	ConversationDM    ConversationType = "dm"
	ConversationGroup ConversationType = "group"
)

// Conversation is the room a set of participants share. UnreadCount is computed per viewer.
type Conversation struct {
	ID            string           `json:"_id"`
	Type          ConversationType `json:"type"`
	Name          string           `json:"name,omitempty"`
	Participants  []string         `json:"participants"`
	LastMessage   string           `json:"lastMessage,omitempty"`
	LastMessageAt *time.Time       `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	UnreadCount   int              `json:"unreadCount"`
}

// HasParticipant reports whether userID belongs to the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Pagination describes one page of history.
type Pagination struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasMore    bool `json:"hasMore"`
}

// NewPagination computes the pagination block for page (1-based) of size limit over total items.
func NewPagination(page, limit, total int) Pagination {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 1
	}
	skip := (page - 1) * limit
	return Pagination{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: (total + limit - 1) / limit,
		HasMore:    skip+limit < total,
	}
}

// Skip is the number of items before this page.
func (p Pagination) Skip() int {
	return (p.Page - 1) * p.Limit
}
