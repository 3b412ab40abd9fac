package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/eleven-am/pondchat/models"
)

// MemoryStore keeps everything in process memory. It is used for development
// and tests, and when no database is configured.
type MemoryStore struct {
	messages      *table[*models.Message]
	conversations *table[*models.Conversation]
	presence      *table[models.PresenceState]

	mu       sync.RWMutex
	timeline map[string][]string
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:      newTable[*models.Message](),
		conversations: newTable[*models.Conversation](),
		presence:      newTable[models.PresenceState](),
		timeline:      make(map[string][]string),
		now:           time.Now,
	}
}

func cloneMessage(m *models.Message) *models.Message { return m.Clone() }

func cloneConversation(c *models.Conversation) *models.Conversation {
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	if c.LastMessageAt != nil {
		at := *c.LastMessageAt
		out.LastMessageAt = &at
	}
	return &out
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() {}

func (s *MemoryStore) InsertMessage(_ context.Context, msg *models.Message) (*models.Message, error) {
	stored := prepareMessage(msg, ulid.Make().String(), s.now())
	out := stored.Clone()

	if err := s.messages.Create(stored.ID, stored); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.timeline[stored.ConversationID] = append(s.timeline[stored.ConversationID], stored.ID)
	s.mu.Unlock()

	return out, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (*models.Message, error) {
	found := s.messages.Collect([]string{id}, cloneMessage)
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	return found[0], nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string, page, limit int) ([]*models.Message, models.Pagination, error) {
	page, limit = NormalizePage(page, limit)
	ids := s.conversationIDs(conversationID)
	pagination := models.NewPagination(page, limit, len(ids))

	window := make([]string, 0, limit)
	for i := len(ids) - 1 - pagination.Skip(); i >= 0 && len(window) < limit; i-- {
		window = append(window, ids[i])
	}
	return s.messages.Collect(window, cloneMessage), pagination, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, conversationID, userID string) (int, error) {
	marked := 0
	for _, id := range s.conversationIDs(conversationID) {
		_, _ = s.messages.Modify(id, func(m *models.Message) error {
			if m.MarkReadBy(userID) {
				marked++
			}
			return nil
		}, cloneMessage)
	}
	return marked, nil
}

func (s *MemoryStore) UnreadCount(_ context.Context, conversationID, userID string) (int, error) {
	msgs := s.messages.Collect(s.conversationIDs(conversationID), cloneMessage)
	return models.UnreadCount(msgs, userID), nil
}

func (s *MemoryStore) SoftDelete(_ context.Context, messageID, userID string) (*models.Message, error) {
	return s.messages.Modify(messageID, func(m *models.Message) error {
		if m.Sender.ID != userID {
			return ErrForbidden
		}
		m.SoftDelete(s.now().UTC())
		return nil
	}, cloneMessage)
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	found := s.conversations.Collect([]string{id}, cloneConversation)
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	return found[0], nil
}

func (s *MemoryStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return conv.HasParticipant(userID), nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, userID string) ([]*models.Conversation, error) {
	result := s.conversations.Filter(func(c *models.Conversation) bool {
		return c.HasParticipant(userID)
	}, cloneConversation)

	for _, c := range result {
		unread, err := s.UnreadCount(ctx, c.ID, userID)
		if err != nil {
			return nil, err
		}
		c.UnreadCount = unread
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

func (s *MemoryStore) CreateConversation(_ context.Context, conv *models.Conversation) (*models.Conversation, error) {
	c := cloneConversation(conv)
	if c.ID == "" {
		c.ID = ulid.Make().String()
	}
	if c.Type == "" {
		c.Type = models.ConversationDM
	}
	now := s.now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	out := cloneConversation(c)

	if err := s.conversations.Create(c.ID, c); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MemoryStore) TouchConversation(_ context.Context, conversationID, lastMessage string, at time.Time) error {
	_, err := s.conversations.Modify(conversationID, func(c *models.Conversation) error {
		at := at.UTC()
		c.LastMessage = lastMessage
		c.LastMessageAt = &at
		c.UpdatedAt = at
		return nil
	}, cloneConversation)
	return err
}

// SetStatus records the status of a user. last_seen only moves forward.
func (s *MemoryStore) SetStatus(_ context.Context, state models.PresenceState) error {
	s.presence.Upsert(state.UserID, func(current models.PresenceState, exists bool) models.PresenceState {
		if exists && current.LastSeen != nil && (state.LastSeen == nil || current.LastSeen.After(*state.LastSeen)) {
			seen := *current.LastSeen
			state.LastSeen = &seen
		}
		return state
	})
	return nil
}

func (s *MemoryStore) GetStatus(_ context.Context, userID string) (models.PresenceState, error) {
	state, err := s.presence.Read(userID)
	if err != nil {
		return offlineState(userID), nil
	}
	return state, nil
}

func (s *MemoryStore) conversationIDs(conversationID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.timeline[conversationID]...)
}
