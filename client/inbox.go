package client

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eleven-am/pondchat/models"
)

// ConversationLister returns the caller's conversations with unread counts.
type ConversationLister interface {
	ListConversations(ctx context.Context) ([]*models.Conversation, error)
}

// Inbox is the sidebar state: who is online, when offline users were last
// seen, and the conversation list, reloaded at most once per quiet period
// while messages keep arriving.
type Inbox struct {
	lister ConversationLister
	delay  time.Duration
	logger zerolog.Logger
	reload Debouncer

	mu            sync.RWMutex
	online        map[string]struct{}
	lastSeen      map[string]time.Time
	conversations []*models.Conversation
	active        string

	// OnChange is called after presence or the conversation list changed.
	OnChange func()
	// OnNotify receives messages for conversations that are not open.
	OnNotify func(*models.Message)
}

func NewInbox(lister ConversationLister, config *Config) *Inbox {
	if config == nil {
		config = DefaultConfig()
	}
	return &Inbox{
		lister:   lister,
		delay:    config.ReloadDebounce,
		logger:   config.Logger,
		online:   make(map[string]struct{}),
		lastSeen: make(map[string]time.Time),
	}
}

// SetActive records the conversation currently open.
func (in *Inbox) SetActive(conversationID string) {
	in.mu.Lock()
	in.active = conversationID
	in.mu.Unlock()
}

// HandleStatus applies a user-status-changed event.
func (in *Inbox) HandleStatus(payload StatusPayload) {
	in.mu.Lock()
	switch payload.Status {
	case models.Online:
		in.online[payload.UserID] = struct{}{}
	case models.Offline:
		delete(in.online, payload.UserID)
		if payload.LastSeen != "" {
			if seen, err := time.Parse(time.RFC3339Nano, payload.LastSeen); err == nil {
				if prev, ok := in.lastSeen[payload.UserID]; !ok || seen.After(prev) {
					in.lastSeen[payload.UserID] = seen
				}
			}
		}
	}
	in.mu.Unlock()

	in.changed()
}

// HandleMessage notifies about messages outside the open conversation and
// schedules a reload of the conversation list.
func (in *Inbox) HandleMessage(msg *models.Message) {
	in.mu.RLock()
	active := in.active
	in.mu.RUnlock()

	if msg.ConversationID != active && in.OnNotify != nil {
		in.OnNotify(msg)
	}
	in.ScheduleReload()
}

// ScheduleReload reloads the conversation list after the debounce delay.
// Calls within the delay collapse into one reload.
func (in *Inbox) ScheduleReload() {
	in.reload.Trigger(in.delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := in.Reload(ctx); err != nil {
			in.logger.Warn().Err(err).Msg("failed to reload conversations")
		}
	})
}

// Reload fetches the conversation list now.
func (in *Inbox) Reload(ctx context.Context) error {
	conversations, err := in.lister.ListConversations(ctx)
	if err != nil {
		return err
	}

	in.mu.Lock()
	in.conversations = conversations
	in.mu.Unlock()

	in.changed()
	return nil
}

// Close cancels a pending reload.
func (in *Inbox) Close() {
	in.reload.Cancel()
}

func (in *Inbox) IsOnline(userID string) bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	_, ok := in.online[userID]
	return ok
}

// Online returns the online users, sorted.
func (in *Inbox) Online() []string {
	in.mu.RLock()
	defer in.mu.RUnlock()

	users := make([]string, 0, len(in.online))
	for id := range in.online {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

func (in *Inbox) LastSeen(userID string) (time.Time, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	seen, ok := in.lastSeen[userID]
	return seen, ok
}

// Conversations returns the last loaded conversation list.
func (in *Inbox) Conversations() []*models.Conversation {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return append([]*models.Conversation(nil), in.conversations...)
}

// Bind feeds user-status-changed and receive-message events from sub.
func (in *Inbox) Bind(sub Subscriber) func() {
	offStatus := sub.On(EventUserStatusChanged, func(raw json.RawMessage) {
		if payload, err := decode[StatusPayload](raw); err == nil {
			in.HandleStatus(payload)
		}
	})
	offReceive := sub.On(EventReceiveMessage, func(raw json.RawMessage) {
		if msg, err := decode[*models.Message](raw); err == nil && msg != nil {
			in.HandleMessage(msg)
		}
	})
	return func() {
		offStatus()
		offReceive()
	}
}

func (in *Inbox) changed() {
	if in.OnChange != nil {
		in.OnChange()
	}
}
