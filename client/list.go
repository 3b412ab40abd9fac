package client

import (
	"container/list"
	"sync"
	"time"

	"github.com/eleven-am/pondchat/models"
)

// MessageList is the ordered message view of one conversation. Entries are
// indexed by id so reconciliation and receipts never depend on positions,
// which shift whenever older history is prepended.
type MessageList struct {
	mu    sync.RWMutex
	order *list.List
	index map[string]*list.Element

	// pending remembers the most recent reconciliations, oldest first in
	// pendingOrder, so late lookups by temp id still resolve.
	pending      map[string]string
	pendingOrder []string
}

// maxPending bounds the temp id history kept for Resolve.
const maxPending = 64

func NewMessageList() *MessageList {
	return &MessageList{
		order:   list.New(),
		index:   make(map[string]*list.Element),
		pending: make(map[string]string),
	}
}

// Append adds msg at the end. An entry with the same id is replaced in place.
func (l *MessageList) Append(msg *models.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.index[msg.ID]; ok {
		el.Value = msg.Clone()
		return
	}
	l.index[msg.ID] = l.order.PushBack(msg.Clone())
}

// AppendIfAbsent adds msg at the end unless its id is already present. It
// reports whether the message was added.
func (l *MessageList) AppendIfAbsent(msg *models.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.index[msg.ID]; ok {
		return false
	}
	l.index[msg.ID] = l.order.PushBack(msg.Clone())
	return true
}

// Prepend inserts older messages, given in chronological order, before the
// current first entry. Ids already present are skipped. It returns the number
// of messages inserted.
func (l *MessageList) Prepend(msgs []*models.Message) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	front := l.order.Front()
	added := 0
	for _, msg := range msgs {
		if _, ok := l.index[msg.ID]; ok {
			continue
		}
		var el *list.Element
		if front == nil {
			el = l.order.PushBack(msg.Clone())
		} else {
			el = l.order.InsertBefore(msg.Clone(), front)
		}
		l.index[msg.ID] = el
		added++
	}
	return added
}

// Replace drops every entry and loads msgs, given in chronological order.
func (l *MessageList) Replace(msgs []*models.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.order.Init()
	l.index = make(map[string]*list.Element, len(msgs))
	l.pending = make(map[string]string)
	l.pendingOrder = nil
	for _, msg := range msgs {
		if _, ok := l.index[msg.ID]; ok {
			continue
		}
		l.index[msg.ID] = l.order.PushBack(msg.Clone())
	}
}

// Reconcile swaps the optimistic entry tempID for the canonical message,
// keeping its position and marking it sent. When the canonical id is already
// present the optimistic entry is dropped instead, so the message is never
// listed twice. It returns false when tempID is unknown.
func (l *MessageList) Reconcile(tempID string, canonical *models.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	el, ok := l.index[tempID]
	if !ok {
		return false
	}
	delete(l.index, tempID)
	l.rememberLocked(tempID, canonical.ID)

	confirmed := canonical.Clone()
	confirmed.Status = models.StatusSent

	if existing, ok := l.index[canonical.ID]; ok {
		l.order.Remove(el)
		existing.Value = confirmed
		return true
	}
	el.Value = confirmed
	l.index[canonical.ID] = el
	return true
}

func (l *MessageList) rememberLocked(tempID, canonicalID string) {
	if _, ok := l.pending[tempID]; !ok {
		l.pendingOrder = append(l.pendingOrder, tempID)
	}
	l.pending[tempID] = canonicalID
	for len(l.pendingOrder) > maxPending {
		delete(l.pending, l.pendingOrder[0])
		l.pendingOrder = l.pendingOrder[1:]
	}
}

// Resolve returns the canonical id an optimistic id was reconciled to.
func (l *MessageList) Resolve(tempID string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	id, ok := l.pending[tempID]
	return id, ok
}

// Remove deletes the entry with id.
func (l *MessageList) Remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	el, ok := l.index[id]
	if !ok {
		return false
	}
	l.order.Remove(el)
	delete(l.index, id)
	return true
}

// MarkReadBy adds userID to every message and returns how many changed.
func (l *MessageList) MarkReadBy(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	marked := 0
	for el := l.order.Front(); el != nil; el = el.Next() {
		if el.Value.(*models.Message).MarkReadBy(userID) {
			marked++
		}
	}
	return marked
}

// MarkDeleted soft deletes the entry with id.
func (l *MessageList) MarkDeleted(id string, at time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	el, ok := l.index[id]
	if !ok {
		return false
	}
	el.Value.(*models.Message).SoftDelete(at)
	return true
}

// Get returns a copy of the entry with id.
func (l *MessageList) Get(id string) (*models.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	el, ok := l.index[id]
	if !ok {
		return nil, false
	}
	return el.Value.(*models.Message).Clone(), true
}

// Snapshot returns copies of every entry in display order.
func (l *MessageList) Snapshot() []*models.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*models.Message, 0, l.order.Len())
	for el := l.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*models.Message).Clone())
	}
	return out
}

func (l *MessageList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.order.Len()
}
