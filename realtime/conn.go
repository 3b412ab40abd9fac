// This file contains Conn, the websocket Transport. A Conn runs a reader and
// a writer goroutine per socket; events are decoded and handed to the hub in
// the order they arrived.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type Conn struct {
	ID         string
	RemoteAddr string

	ws     *websocket.Conn
	opts   *Options
	logger zerolog.Logger

	// outbox holds encoded frames for the writer, inbox raw frames for the
	// dispatcher. Neither is ever closed; ctx ends both loops.
	outbox chan []byte
	inbox  chan []byte
	slots  chan struct{}

	ctx        context.Context
	cancel     context.CancelFunc
	readerDone chan struct{}
	closeOnce  sync.Once

	mu       sync.RWMutex
	closing  bool
	handler  func(Event, Transport) error
	onClosed []func(Transport) error
}

func newConn(parent context.Context, ws *websocket.Conn, id string, opts *Options) (*Conn, error) {
	slots := opts.MaxConcurrentHandlers
	if slots <= 0 {
		slots = 1
	}

	ctx, cancel := context.WithCancel(parent)
	c := &Conn{
		ID:         id,
		RemoteAddr: ws.RemoteAddr().String(),
		ws:         ws,
		opts:       opts,
		logger:     opts.Logger.With().Str("conn", id).Logger(),
		outbox:     make(chan []byte, opts.SendChannelBuffer),
		inbox:      make(chan []byte, opts.ReceiveChannelBuffer),
		slots:      make(chan struct{}, slots),
		ctx:        ctx,
		cancel:     cancel,
		readerDone: make(chan struct{}),
	}

	ws.SetReadLimit(opts.MaxMessageSize)
	if err := c.extendReadDeadline(); err != nil {
		cancel()
		return nil, wrapF(err, "connection %s: initial read deadline", id)
	}
	ws.SetPongHandler(func(string) error { return c.extendReadDeadline() })
	ws.SetCloseHandler(func(code int, text string) error {
		c.logger.Debug().Int("code", code).Str("reason", text).Msg("client closed the socket")
		go c.Close()
		return nil
	})

	go c.read()
	go c.write()
	return c, nil
}

func (c *Conn) extendReadDeadline() error {
	return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
}

func (c *Conn) writeDeadline() time.Time {
	return time.Now().Add(c.opts.WriteWait)
}

// read pulls frames off the socket until it fails or the connection ends.
func (c *Conn) read() {
	defer func() {
		close(c.readerDone)
		c.shutdown(true)
	}()

	for c.ctx.Err() == nil {
		kind, frame, err := c.ws.ReadMessage()
		if err != nil {
			expected := websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
			if !expected && c.ctx.Err() == nil {
				c.reportError("read", err)
			}
			return
		}
		if err := c.extendReadDeadline(); err != nil {
			c.reportError("read", err)
			return
		}

		if kind != websocket.TextMessage {
			_ = c.SendJSON(errorEvent(badRequest("", "events must be sent as text frames")))
			continue
		}

		select {
		case c.inbox <- frame:
		case <-c.ctx.Done():
			return
		case <-time.After(c.opts.WriteWait):
			c.reportError("read", timeout("", "event handlers are not keeping up"))
			return
		}
	}
}

// write sends one event per websocket frame and pings on an interval.
func (c *Conn) write() {
	ping := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ping.Stop()
		c.Close()
	}()

	for {
		select {
		case frame := <-c.outbox:
			_ = c.ws.SetWriteDeadline(c.writeDeadline())
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.reportError("write", err)
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, c.writeDeadline()); err != nil {
				return
			}
		case <-c.ctx.Done():
			goodbye := websocket.FormatCloseMessage(websocket.CloseGoingAway, "connection closed")
			_ = c.ws.WriteControl(websocket.CloseMessage, goodbye, c.writeDeadline())
			return
		}
	}
}

// HandleMessages starts handing decoded events to the handler set with
// OnMessage. Frames that do not decode to a named event are answered with an
// error event and skipped.
func (c *Conn) HandleMessages() {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error().Interface("panic", r).Msg("dispatcher panic")
				c.Close()
			}
		}()

		for {
			var frame []byte
			select {
			case frame = <-c.inbox:
			case <-c.ctx.Done():
				return
			}

			var ev Event
			if err := json.Unmarshal(frame, &ev); err != nil {
				_ = c.SendJSON(errorEvent(badRequest("", "malformed event").withDetails(err.Error())))
				continue
			}
			if !ev.Validate() {
				_ = c.SendJSON(errorEvent(badRequest("", "event name is required")))
				continue
			}

			c.mu.RLock()
			handler := c.handler
			c.mu.RUnlock()
			if handler == nil {
				_ = c.SendJSON(errorEvent(internal("", "connection is not attached to a hub")))
				continue
			}

			select {
			case c.slots <- struct{}{}:
			case <-c.ctx.Done():
				return
			}
			if cap(c.slots) == 1 {
				c.run(ev, handler)
			} else {
				go c.run(ev, handler)
			}
		}
	}()
}

// run invokes handler for one event and reports its error to the client.
func (c *Conn) run(ev Event, handler func(Event, Transport) error) {
	defer func() {
		<-c.slots
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("event", ev.Event).Msg("handler panic")
			c.reportError("handler", internal("", "handler panic recovered"))
		}
	}()

	if err := handler(ev, c); err != nil {
		c.logger.Debug().Err(err).Str("event", ev.Event).Msg("event rejected")
		_ = c.SendJSON(errorEvent(err))
	}
}

// SendJSON encodes v and queues it for the writer. A connection whose buffer
// stays full for SendTimeout is considered dead and closed.
func (c *Conn) SendJSON(v interface{}) error {
	if !c.IsActive() {
		return unavailable("", "connection "+c.ID+" is closing")
	}
	frame, err := json.Marshal(v)
	if err != nil {
		return wrapF(err, "connection %s: encode frame", c.ID)
	}

	wait := c.opts.SendTimeout
	if wait <= 0 {
		wait = 5 * time.Second
	}

	select {
	case c.outbox <- frame:
		return nil
	case <-c.ctx.Done():
		return unavailable("", "connection "+c.ID+" is closing")
	case <-time.After(wait):
		go c.Close()
		return timeout("", "connection "+c.ID+" is not draining its buffer")
	}
}

func (c *Conn) OnMessage(handler func(Event, Transport) error) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// OnClose registers callback to run once the connection is closed. Callbacks
// run in registration order.
func (c *Conn) OnClose(callback func(Transport) error) {
	c.mu.Lock()
	c.onClosed = append(c.onClosed, callback)
	c.mu.Unlock()
}

func (c *Conn) IsActive() bool {
	if c.ctx.Err() != nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closing
}

// Close ends the connection and runs the close callbacks. Safe to call more
// than once and from any goroutine.
func (c *Conn) Close() {
	c.shutdown(false)
}

// shutdown stops both loops and runs the close callbacks. When called from
// outside the reader it closes the socket first so the reader unblocks, and
// waits for it, so no event is dispatched after the callbacks ran.
func (c *Conn) shutdown(fromReader bool) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		callbacks := append([]func(Transport) error(nil), c.onClosed...)
		c.mu.Unlock()

		c.cancel()
		if !fromReader {
			_ = c.ws.Close()
			<-c.readerDone
		}

		var errs []error
		for _, callback := range callbacks {
			if err := callback(c); err != nil {
				errs = append(errs, err)
			}
		}
		c.reportError("close", errors.Join(errs...))

		if fromReader {
			_ = c.ws.Close()
		}
	})
}

func (c *Conn) reportError(component string, err error) {
	if err == nil {
		return
	}
	c.logger.Warn().Err(err).Str("component", component).Msg("connection error")
	c.opts.Hooks.metrics().Error(component, err)
}

func (c *Conn) GetID() string {
	return c.ID
}
