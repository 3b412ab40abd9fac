// Package realtime is the connection and room hub of the chat service. It
// tracks which connection belongs to which user and which rooms it joined,
// relays room events with per-room ordering, derives user presence from the
// number of live connections, and coordinates typing indicators.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eleven-am/pondchat/store"
)

// HubOptions configures a Hub. The zero value is usable: presence demotes
// immediately, typing never auto-clears on the server, and events stay on
// this node.
type HubOptions struct {
	NodeID        string
	PubSub        PubSub
	Hooks         *Hooks
	Logger        zerolog.Logger
	PresenceStore store.PresenceStore
	PresenceGrace time.Duration
	TypingTimeout time.Duration
	Now           func() time.Time
}

type connection struct {
	transport Transport
	userID    string
	rooms     map[string]struct{}
	openedAt  time.Time
}

type room struct {
	members map[string]struct{}

	// sequence serializes fan-outs so members observe room events in call order.
	sequence sync.Mutex
}

// Hub owns every connection of this node. Create one per process with NewHub.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*connection
	rooms       map[string]*room
	users       map[string]map[string]struct{}

	nodeID   string
	pubsub   PubSub
	hooks    *Hooks
	metrics  MetricsCollector
	logger   zerolog.Logger
	pipeline *middleware
	presence *PresenceTracker
	typing   *TypingCoordinator
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

func NewHub(ctx context.Context, opts HubOptions) (*Hub, error) {
	hubCtx, cancel := context.WithCancel(ctx)

	if opts.NodeID == "" {
		opts.NodeID = uuid.NewString()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Hooks == nil {
		opts.Hooks = &Hooks{}
	}
	if opts.PubSub == nil {
		opts.PubSub = NewLocalPubSub(hubCtx, 100)
	}

	h := &Hub{
		connections: make(map[string]*connection),
		rooms:       make(map[string]*room),
		users:       make(map[string]map[string]struct{}),
		nodeID:      opts.NodeID,
		pubsub:      opts.PubSub,
		hooks:       opts.Hooks,
		metrics:     opts.Hooks.metrics(),
		logger:      opts.Logger.With().Str("node", opts.NodeID).Logger(),
		pipeline:    newMiddleware(),
		now:         opts.Now,
		ctx:         hubCtx,
		cancel:      cancel,
	}
	h.presence = newPresenceTracker(hubCtx, h, presenceOptions{
		grace:   opts.PresenceGrace,
		store:   opts.PresenceStore,
		now:     opts.Now,
		logger:  h.logger,
		metrics: h.metrics,
	})
	h.typing = newTypingCoordinator(h, opts.TypingTimeout)
	h.pipeline.Use(WithMetrics(opts.Hooks), WithRateLimiter(opts.Hooks), WithBeforeMessage(opts.Hooks))

	if err := h.pubsub.Subscribe(relayPattern, h.handleRelay); err != nil {
		cancel()
		return nil, wrapF(err, "failed to subscribe to %s", relayPattern)
	}
	return h, nil
}

// NodeID identifies this hub among the nodes sharing a PubSub.
func (h *Hub) NodeID() string {
	return h.nodeID
}

func (h *Hub) Presence() *PresenceTracker {
	return h.presence
}

// AddConnection registers a transport. The hub wires itself as the
// transport's message handler and disconnects it when the transport closes.
func (h *Hub) AddConnection(t Transport) error {
	if h.hooks.OnConnect != nil {
		if err := h.hooks.OnConnect(t); err != nil {
			return wrap(err, "connection rejected")
		}
	}

	id := t.GetID()
	h.mu.Lock()
	if _, exists := h.connections[id]; exists {
		h.mu.Unlock()
		return badRequest("", "connection "+id+" already registered")
	}
	h.connections[id] = &connection{
		transport: t,
		rooms:     make(map[string]struct{}),
		openedAt:  h.now(),
	}
	h.mu.Unlock()

	t.OnMessage(h.handleEvent)
	t.OnClose(func(closed Transport) error {
		h.Disconnect(closed.GetID())
		return nil
	})

	h.metrics.ConnectionOpened(id)
	h.logger.Debug().Str("conn", id).Msg("connection added")
	return nil
}

// Join adds the connection to room, creating the room on first use.
// Joining twice or joining with an unknown connection is a no-op.
func (h *Hub) Join(connID, roomID string) {
	h.mu.Lock()
	c, ok := h.connections[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, member := c.rooms[roomID]; member {
		h.mu.Unlock()
		return
	}
	r, exists := h.rooms[roomID]
	if !exists {
		r = &room{members: make(map[string]struct{})}
		h.rooms[roomID] = r
	}
	r.members[connID] = struct{}{}
	c.rooms[roomID] = struct{}{}
	h.mu.Unlock()

	h.metrics.RoomJoined(roomID)
}

// Leave removes the connection from room and destroys the room once empty.
func (h *Hub) Leave(connID, roomID string) {
	h.mu.Lock()
	c, ok := h.connections[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, member := c.rooms[roomID]; !member {
		h.mu.Unlock()
		return
	}
	delete(c.rooms, roomID)
	h.removeMemberLocked(roomID, connID)
	h.mu.Unlock()

	h.typing.connectionLeft(connID, []string{roomID})
	h.metrics.RoomLeft(roomID)
}

func (h *Hub) removeMemberLocked(roomID, connID string) {
	r, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(r.members, connID)
	if len(r.members) == 0 {
		delete(h.rooms, roomID)
	}
}

// RegisterUser binds userID to the connection, replacing any previous
// binding. It is the only way the hub learns who is behind a connection.
func (h *Hub) RegisterUser(connID, userID string) {
	h.mu.Lock()
	c, ok := h.connections[connID]
	if !ok || userID == "" {
		h.mu.Unlock()
		return
	}
	previous := c.userID
	if previous == userID {
		h.mu.Unlock()
		h.presence.connected(userID)
		return
	}
	if previous != "" {
		h.unbindLocked(previous, connID)
	}
	c.userID = userID
	set, exists := h.users[userID]
	if !exists {
		set = make(map[string]struct{})
		h.users[userID] = set
	}
	set[connID] = struct{}{}
	h.mu.Unlock()

	h.presence.connected(userID)
	if previous != "" {
		h.presence.disconnected(previous)
	}
}

func (h *Hub) unbindLocked(userID, connID string) {
	set, ok := h.users[userID]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(h.users, userID)
	}
}

// Disconnect forgets the connection: it leaves every room, its user binding
// is cleared and presence is re-evaluated. Only the first call has an effect.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	c, ok := h.connections[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.connections, connID)

	rooms := make([]string, 0, len(c.rooms))
	for roomID := range c.rooms {
		rooms = append(rooms, roomID)
		h.removeMemberLocked(roomID, connID)
	}
	if c.userID != "" {
		h.unbindLocked(c.userID, connID)
	}
	h.mu.Unlock()

	h.typing.connectionLeft(connID, rooms)
	for _, roomID := range rooms {
		h.metrics.RoomLeft(roomID)
	}
	if c.userID != "" {
		h.presence.disconnected(c.userID)
	}
	if h.hooks.RateLimiter != nil {
		h.hooks.RateLimiter.Reset(connID)
	}
	if h.hooks.OnDisconnect != nil {
		h.hooks.OnDisconnect(c.transport)
	}
	h.metrics.ConnectionClosed(connID, h.now().Sub(c.openedAt))
	h.logger.Debug().Str("conn", connID).Str("user", c.userID).Msg("connection removed")
}

// Broadcast delivers event to every member of room except excludeConnID and
// relays it to the other nodes. Unknown rooms are ignored.
func (h *Hub) Broadcast(roomID, event string, payload interface{}, excludeConnID string) {
	ev := &Event{Event: event, RequestId: uuid.NewString(), Payload: payload}

	h.deliver(roomID, ev, excludeConnID)
	h.publish(formatRoomTopic(roomID), relayEnvelope{NodeID: h.nodeID, Room: roomID, Event: ev})
}

// BroadcastAll delivers event to every connection of every node.
func (h *Hub) BroadcastAll(event string, payload interface{}) {
	ev := &Event{Event: event, RequestId: uuid.NewString(), Payload: payload}

	h.deliverAll(ev)
	h.publish(formatSystemTopic(event), relayEnvelope{NodeID: h.nodeID, Event: ev})
}

func (h *Hub) deliver(roomID string, ev *Event, excludeConnID string) int {
	r, targets := h.lockRoom(roomID, excludeConnID)
	if r == nil {
		return 0
	}
	defer r.sequence.Unlock()

	h.send(targets, ev)
	h.metrics.MessageBroadcast(roomID, ev.Event, len(targets))
	return len(targets)
}

// lockRoom takes the sequence lock of roomID and snapshots its members. The
// hub lock is never held while waiting for a sequence lock, so a slow fan-out
// only delays later fan-outs to the same room. It returns nil when the room
// does not exist.
func (h *Hub) lockRoom(roomID, excludeConnID string) (*room, []Transport) {
	for {
		h.mu.RLock()
		r, ok := h.rooms[roomID]
		h.mu.RUnlock()
		if !ok {
			return nil, nil
		}

		r.sequence.Lock()
		h.mu.RLock()
		if h.rooms[roomID] != r {
			// The room was emptied and recreated while we waited.
			h.mu.RUnlock()
			r.sequence.Unlock()
			continue
		}
		targets := make([]Transport, 0, len(r.members))
		for id := range r.members {
			if id == excludeConnID {
				continue
			}
			if c, exists := h.connections[id]; exists {
				targets = append(targets, c.transport)
			}
		}
		h.mu.RUnlock()
		return r, targets
	}
}

func (h *Hub) deliverAll(ev *Event) int {
	h.mu.RLock()
	targets := make([]Transport, 0, len(h.connections))
	for _, c := range h.connections {
		targets = append(targets, c.transport)
	}
	h.mu.RUnlock()

	h.send(targets, ev)
	h.metrics.MessageBroadcast("*", ev.Event, len(targets))
	return len(targets)
}

// send never fails the caller; a transport that cannot accept the event is
// reported and left for its own close path to clean up.
func (h *Hub) send(targets []Transport, ev *Event) {
	for _, t := range targets {
		if err := t.SendJSON(ev); err != nil {
			h.metrics.Error("hub_send", err)
			h.logger.Debug().Err(err).Str("conn", t.GetID()).Str("event", ev.Event).Msg("delivery failed")
		}
	}
}

func (h *Hub) publish(topic string, envelope relayEnvelope) {
	data, err := json.Marshal(envelope)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("failed to encode relay")
		return
	}
	if err := h.pubsub.Publish(topic, data); err != nil {
		h.metrics.Error("pubsub_publish", err)
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to relay event")
	}
}

func (h *Hub) handleRelay(topic string, data []byte) {
	if h.ctx.Err() != nil {
		return
	}
	var envelope relayEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("dropping malformed relay")
		return
	}
	if envelope.NodeID == h.nodeID || envelope.Event == nil {
		return
	}
	if envelope.Room != "" {
		h.deliver(envelope.Room, envelope.Event, "")
		return
	}
	h.deliverAll(envelope.Event)
}

// Members returns the connection ids in room.
func (h *Hub) Members(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.rooms[roomID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	return ids
}

// Rooms returns the rooms the connection joined.
func (h *Hub) Rooms(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.connections[connID]
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	return rooms
}

// IsMember reports whether the connection joined room.
func (h *Hub) IsMember(connID, roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.connections[connID]
	if !ok {
		return false
	}
	_, member := c.rooms[roomID]
	return member
}

// UserOf returns the user bound to the connection, or "".
func (h *Hub) UserOf(connID string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if c, ok := h.connections[connID]; ok {
		return c.userID
	}
	return ""
}

// UserConnectionCount is the number of live connections bound to userID.
func (h *Hub) UserConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Close disconnects every connection and stops background work.
func (h *Hub) Close() error {
	h.mu.RLock()
	transports := make([]Transport, 0, len(h.connections))
	for _, c := range h.connections {
		transports = append(transports, c.transport)
	}
	h.mu.RUnlock()

	for _, t := range transports {
		t.Close()
	}
	h.typing.stop()
	err := h.presence.wait()
	h.cancel()

	return err
}
