package client

import (
	"context"
	"sync"

	"github.com/eleven-am/pondchat/models"
)

// HistorySource serves pages of a conversation, newest message first.
type HistorySource interface {
	FetchPage(ctx context.Context, conversationID string, page, limit int) ([]*models.Message, models.Pagination, error)
}

// Viewport is the scrollable area the messages are rendered in.
type Viewport interface {
	ContentHeight() float64
	ScrollTop() float64
	SetScrollTop(offset float64)
}

// History loads a conversation into a MessageList page by page. Older pages
// are prepended without moving what the reader is looking at.
type History struct {
	conversationID string
	source         HistorySource
	list           *MessageList
	viewport       Viewport
	limit          int

	mu        sync.Mutex
	page      int
	hasMore   bool
	loading   bool
	separator int
}

// NewHistory creates a loader for conversationID. viewport may be nil when
// nothing is rendered.
func NewHistory(conversationID string, source HistorySource, list *MessageList, viewport Viewport, config *Config) *History {
	if config == nil {
		config = DefaultConfig()
	}
	limit := config.PageLimit
	if limit <= 0 {
		limit = 50
	}
	return &History{
		conversationID: conversationID,
		source:         source,
		list:           list,
		viewport:       viewport,
		limit:          limit,
		separator:      -1,
	}
}

// Load replaces the list with the newest page in chronological order. The
// unread separator is placed once, before the last unreadCount messages.
// It returns ErrLoadInFlight and leaves the list alone while another load runs.
func (h *History) Load(ctx context.Context, unreadCount int) error {
	h.mu.Lock()
	if h.loading {
		h.mu.Unlock()
		return ErrLoadInFlight
	}
	h.loading = true
	h.mu.Unlock()

	msgs, pagination, err := h.source.FetchPage(ctx, h.conversationID, 1, h.limit)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.loading = false
	if err != nil {
		return err
	}

	chronological := reverse(msgs)
	h.list.Replace(chronological)
	h.page = 1
	h.hasMore = pagination.HasMore
	h.separator = -1
	if unreadCount > 0 {
		h.separator = max(0, len(chronological)-unreadCount)
	}
	return nil
}

// LoadOlder prepends the next page. It does nothing when there is no more
// history or a load is in flight, and returns the number of messages added.
// The viewport scroll offset grows by the height the new content added.
func (h *History) LoadOlder(ctx context.Context) (int, error) {
	h.mu.Lock()
	if !h.hasMore || h.loading {
		h.mu.Unlock()
		return 0, nil
	}
	h.loading = true
	next := h.page + 1
	h.mu.Unlock()

	msgs, pagination, err := h.source.FetchPage(ctx, h.conversationID, next, h.limit)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.loading = false
	if err != nil {
		return 0, err
	}

	before := 0.0
	if h.viewport != nil {
		before = h.viewport.ContentHeight()
	}

	added := h.list.Prepend(reverse(msgs))
	h.page = next
	h.hasMore = pagination.HasMore
	if h.separator >= 0 {
		h.separator += added
	}

	if h.viewport != nil {
		delta := h.viewport.ContentHeight() - before
		h.viewport.SetScrollTop(h.viewport.ScrollTop() + delta)
	}
	return added, nil
}

// Separator returns the list index the unread separator is drawn before.
func (h *History) Separator() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.separator, h.separator >= 0
}

func (h *History) HasMore() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hasMore
}

func (h *History) Page() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.page
}

func reverse(msgs []*models.Message) []*models.Message {
	out := make([]*models.Message, len(msgs))
	for i, msg := range msgs {
		out[len(msgs)-1-i] = msg
	}
	return out
}
