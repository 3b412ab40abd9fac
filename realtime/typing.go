package realtime

import (
	"hash/fnv"
	"sync"
	"time"
)

// typingStripes is the number of sequence locks rooms hash onto.
const typingStripes = 64

type typingHost interface {
	Broadcast(roomID, event string, payload interface{}, excludeConnID string)
}

type typingState struct {
	connID   string
	username string
	timer    *time.Timer
	gen      uint64
}

// TypingCoordinator relays typing indicators. Each room has at most one
// typer; a newer typer replaces the previous one. The indicator is cleared
// when the typer stops, leaves, disconnects or stays silent for timeout.
// Nothing is persisted.
//
// A room's state change and its broadcast happen under the room's sequence
// lock, so peers see indicators in the order the state changed.
type TypingCoordinator struct {
	sequences [typingStripes]sync.Mutex

	mu      sync.Mutex
	rooms   map[string]*typingState
	host    typingHost
	timeout time.Duration
	gen     uint64
	stopped bool
}

func newTypingCoordinator(host typingHost, timeout time.Duration) *TypingCoordinator {
	return &TypingCoordinator{
		rooms:   make(map[string]*typingState),
		host:    host,
		timeout: timeout,
	}
}

func (tc *TypingCoordinator) sequence(room string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(room))
	return &tc.sequences[h.Sum32()%typingStripes]
}

func (tc *TypingCoordinator) start(connID string, payload TypingPayload) {
	seq := tc.sequence(payload.ConversationID)
	seq.Lock()
	defer seq.Unlock()

	tc.mu.Lock()
	if tc.stopped {
		tc.mu.Unlock()
		return
	}
	if previous, ok := tc.rooms[payload.ConversationID]; ok && previous.timer != nil {
		previous.timer.Stop()
	}
	tc.gen++
	state := &typingState{connID: connID, username: payload.Username, gen: tc.gen}
	if tc.timeout > 0 {
		room, gen := payload.ConversationID, tc.gen
		state.timer = time.AfterFunc(tc.timeout, func() {
			tc.expire(room, gen)
		})
	}
	tc.rooms[payload.ConversationID] = state
	tc.mu.Unlock()

	tc.host.Broadcast(payload.ConversationID, EventUserTyping, payload, connID)
}

// stopTyping clears the room's indicator if connID owns it and always relays
// the stop so clients that missed the start still converge.
func (tc *TypingCoordinator) stopTyping(connID string, payload TypingPayload) {
	seq := tc.sequence(payload.ConversationID)
	seq.Lock()
	defer seq.Unlock()

	tc.mu.Lock()
	if state, ok := tc.rooms[payload.ConversationID]; ok && state.connID == connID {
		if state.timer != nil {
			state.timer.Stop()
		}
		delete(tc.rooms, payload.ConversationID)
		if payload.Username == "" {
			payload.Username = state.username
		}
	}
	tc.mu.Unlock()

	tc.host.Broadcast(payload.ConversationID, EventUserStopTyping, payload, connID)
}

func (tc *TypingCoordinator) expire(room string, gen uint64) {
	seq := tc.sequence(room)
	seq.Lock()
	defer seq.Unlock()

	tc.mu.Lock()
	state, ok := tc.rooms[room]
	if !ok || state.gen != gen || tc.stopped {
		tc.mu.Unlock()
		return
	}
	delete(tc.rooms, room)
	tc.mu.Unlock()

	tc.host.Broadcast(room, EventUserStopTyping, TypingPayload{ConversationID: room, Username: state.username}, state.connID)
}

// connectionLeft clears the indicators owned by connID in rooms.
func (tc *TypingCoordinator) connectionLeft(connID string, rooms []string) {
	for _, room := range rooms {
		tc.clearOwned(connID, room)
	}
}

func (tc *TypingCoordinator) clearOwned(connID, room string) {
	seq := tc.sequence(room)
	seq.Lock()
	defer seq.Unlock()

	tc.mu.Lock()
	state, ok := tc.rooms[room]
	if !ok || state.connID != connID || tc.stopped {
		tc.mu.Unlock()
		return
	}
	if state.timer != nil {
		state.timer.Stop()
	}
	delete(tc.rooms, room)
	tc.mu.Unlock()

	tc.host.Broadcast(room, EventUserStopTyping, TypingPayload{ConversationID: room, Username: state.username}, connID)
}

// Typer returns the username currently typing in room.
func (tc *TypingCoordinator) Typer(room string) (string, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	state, ok := tc.rooms[room]
	if !ok {
		return "", false
	}
	return state.username, true
}

func (tc *TypingCoordinator) stop() {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.stopped = true
	for room, state := range tc.rooms {
		if state.timer != nil {
			state.timer.Stop()
		}
		delete(tc.rooms, room)
	}
}
