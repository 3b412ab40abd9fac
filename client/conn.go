package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var errClosed = errors.New("client is closed")

// EventHandler receives the raw payload of one server event.
type EventHandler func(payload json.RawMessage)

// ConnectionHandler is told about every connect and disconnect.
type ConnectionHandler func(connected bool)

// Subscriber registers event handlers. It is implemented by Conn.
type Subscriber interface {
	On(event string, handler EventHandler) func()
}

// Conn is a reconnecting websocket connection to the chat hub. It remembers
// the identity and the joined rooms and replays them after every reconnect,
// so the server never sees an anonymous socket after a network blip.
type Conn struct {
	address *url.URL
	header  http.Header
	config  *Config
	logger  zerolog.Logger
	dialer  *websocket.Dialer

	connMu        sync.RWMutex
	conn          *websocket.Conn
	disconnecting bool

	writeMu sync.Mutex

	stateMu   sync.RWMutex
	connected bool

	sessionMu sync.Mutex
	userID    string
	rooms     map[string]struct{}

	handlersMu    sync.RWMutex
	handlers      map[string]map[int]EventHandler
	stateHandlers map[int]ConnectionHandler
	nextHandlerID int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConn prepares a connection to endpoint. http and https endpoints are
// rewritten to ws and wss. Nothing is dialled until Connect.
func NewConn(endpoint string, header http.Header, config *Config) (*Conn, error) {
	address, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL: %w", err)
	}

	switch address.Scheme {
	case "http":
		address.Scheme = "ws"
	case "https":
		address.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme: %s", address.Scheme)
	}

	if config == nil {
		config = DefaultConfig()
	} else {
		cfgCopy := *config
		config = &cfgCopy
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Conn{
		address:       address,
		header:        header.Clone(),
		config:        config,
		logger:        config.Logger.With().Str("component", "client").Logger(),
		dialer:        &websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout},
		rooms:         make(map[string]struct{}),
		handlers:      make(map[string]map[int]EventHandler),
		stateHandlers: make(map[int]ConnectionHandler),
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Connect dials the server. Calling it while connected is a no-op.
func (c *Conn) Connect(ctx context.Context) error {
	c.connMu.Lock()
	if c.disconnecting {
		c.connMu.Unlock()
		return errClosed
	}
	if c.conn != nil {
		c.connMu.Unlock()
		return nil
	}

	conn, _, err := c.dialer.DialContext(ctx, c.address.String(), c.header)
	if err != nil {
		c.connMu.Unlock()
		return fmt.Errorf("failed to connect to %s: %w", c.address.String(), err)
	}
	c.conn = conn
	c.connMu.Unlock()

	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.config.WriteTimeout))
	})

	c.setConnected(true)
	c.resync()

	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

// Close stops reconnecting and closes the socket.
func (c *Conn) Close() error {
	c.cancel()

	c.connMu.Lock()
	c.disconnecting = true
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}

	c.wg.Wait()
	c.setConnected(false)
	return nil
}

// Connected reports whether the socket is currently up.
func (c *Conn) Connected() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.connected
}

// Emit writes one event. It fails with ErrNotConnected while the socket is down.
func (c *Conn) Emit(event string, payload interface{}) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(outgoing{Event: event, RequestID: uuid.NewString(), Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", event, err)
	}
	return nil
}

// Identify binds the socket to userID. The binding is replayed on reconnect,
// so a disconnected socket is not an error here.
func (c *Conn) Identify(userID string) error {
	c.sessionMu.Lock()
	c.userID = userID
	c.sessionMu.Unlock()

	return ignoreOffline(c.Emit(EventUserConnected, map[string]string{"userId": userID}))
}

// Join enters a conversation room and remembers it for reconnects.
func (c *Conn) Join(conversationID string) error {
	c.sessionMu.Lock()
	c.rooms[conversationID] = struct{}{}
	c.sessionMu.Unlock()

	return ignoreOffline(c.Emit(EventJoinConversation, conversationID))
}

// Leave exits a conversation room.
func (c *Conn) Leave(conversationID string) error {
	c.sessionMu.Lock()
	delete(c.rooms, conversationID)
	c.sessionMu.Unlock()

	return ignoreOffline(c.Emit(EventLeaveConversation, conversationID))
}

// Rooms returns the joined rooms, sorted.
func (c *Conn) Rooms() []string {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// On registers a handler for event and returns its unsubscribe function.
// Handlers run on the read goroutine in arrival order.
func (c *Conn) On(event string, handler EventHandler) func() {
	c.handlersMu.Lock()
	id := c.nextHandlerID
	c.nextHandlerID++
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]EventHandler)
	}
	c.handlers[event][id] = handler
	c.handlersMu.Unlock()

	return func() {
		c.handlersMu.Lock()
		delete(c.handlers[event], id)
		c.handlersMu.Unlock()
	}
}

// OnConnectionChange subscribes to connection state changes.
func (c *Conn) OnConnectionChange(handler ConnectionHandler) func() {
	c.handlersMu.Lock()
	id := c.nextHandlerID
	c.nextHandlerID++
	c.stateHandlers[id] = handler
	c.handlersMu.Unlock()

	return func() {
		c.handlersMu.Lock()
		delete(c.stateHandlers, id)
		c.handlersMu.Unlock()
	}
}

func (c *Conn) resync() {
	c.sessionMu.Lock()
	userID := c.userID
	c.sessionMu.Unlock()

	if userID != "" {
		if err := c.Emit(EventUserConnected, map[string]string{"userId": userID}); err != nil {
			c.logger.Warn().Err(err).Msg("failed to identify after connect")
			return
		}
	}
	for _, room := range c.Rooms() {
		if err := c.Emit(EventJoinConversation, room); err != nil {
			c.logger.Warn().Err(err).Str("conversation", room).Msg("failed to rejoin after connect")
			return
		}
	}
}

func (c *Conn) setConnected(connected bool) {
	c.stateMu.Lock()
	changed := c.connected != connected
	c.connected = connected
	c.stateMu.Unlock()

	if !changed {
		return
	}

	c.handlersMu.RLock()
	handlers := make([]ConnectionHandler, 0, len(c.stateHandlers))
	for _, handler := range c.stateHandlers {
		handlers = append(handlers, handler)
	}
	c.handlersMu.RUnlock()

	for _, handler := range handlers {
		handler(connected)
	}
}

func (c *Conn) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("connection lost")
			}
			break
		}

		var frame incoming
		if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
			c.logger.Debug().Msg("dropping malformed frame")
			continue
		}
		c.dispatch(frame)
	}

	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closing := c.disconnecting
	c.connMu.Unlock()

	_ = conn.Close()
	c.setConnected(false)

	if !closing {
		c.reconnect()
	}
}

func (c *Conn) dispatch(frame incoming) {
	c.handlersMu.RLock()
	handlers := make([]EventHandler, 0, len(c.handlers[frame.Event]))
	for _, handler := range c.handlers[frame.Event] {
		handlers = append(handlers, handler)
	}
	c.handlersMu.RUnlock()

	for _, handler := range handlers {
		c.invoke(frame.Event, handler, frame.Payload)
	}
}

func (c *Conn) invoke(event string, handler EventHandler, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("event", event).Msg("event handler panicked")
		}
	}()
	handler(payload)
}

func (c *Conn) reconnect() {
	for attempt := 1; c.config.MaxReconnectTries < 0 || attempt <= c.config.MaxReconnectTries; attempt++ {
		timer := time.NewTimer(c.config.backoff(attempt))
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := c.Connect(c.ctx)
		if err == nil {
			c.logger.Info().Int("attempt", attempt).Msg("reconnected")
			return
		}
		if errors.Is(err, errClosed) || c.ctx.Err() != nil {
			return
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	}
	c.logger.Error().Int("attempts", c.config.MaxReconnectTries).Msg("giving up reconnecting")
}

func ignoreOffline(err error) error {
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// decode unmarshals an event payload into T.
func decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, errors.New("empty payload")
	}
	err := json.Unmarshal(payload, &v)
	return v, err
}
