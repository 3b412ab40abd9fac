// This file contains Manager, which upgrades HTTP requests to websocket
// connections, enforces origin and connection limits, and hands each new
// connection to the hub.
package realtime

import (
	"context"
	"net/http"
	"regexp"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Options configures websocket connections.
type Options struct {
	CheckOrigin           bool
	AllowedOrigins        []string
	AllowedOriginRegexps  []*regexp.Regexp
	ReadBufferSize        int
	WriteBufferSize       int
	MaxMessageSize        int64
	PingInterval          time.Duration
	PongWait              time.Duration
	WriteWait             time.Duration
	SendTimeout           time.Duration
	EnableCompression     bool
	MaxConnections        int
	SendChannelBuffer     int
	ReceiveChannelBuffer  int
	MaxConcurrentHandlers int
	Hooks                 *Hooks
	Logger                zerolog.Logger
}

// DefaultOptions accepts every origin, limits frames to 64KB, pings every
// 30s and dispatches one event at a time per connection so a client's events
// are handled in order.
func DefaultOptions() *Options {
	return &Options{
		CheckOrigin:           false,
		ReadBufferSize:        1024,
		WriteBufferSize:       1024,
		MaxMessageSize:        64 * 1024,
		PingInterval:          30 * time.Second,
		PongWait:              60 * time.Second,
		WriteWait:             10 * time.Second,
		SendTimeout:           5 * time.Second,
		SendChannelBuffer:     256,
		ReceiveChannelBuffer:  256,
		MaxConcurrentHandlers: 1,
		Logger:                zerolog.Nop(),
	}
}

// createOriginChecker allows any origin unless CheckOrigin is set, in which
// case the Origin header must be listed or match one of the patterns.
func createOriginChecker(opts *Options) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if !opts.CheckOrigin {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return false
		}
		if slices.ContainsFunc(opts.AllowedOrigins, func(allowed string) bool {
			return allowed == "*" || allowed == origin
		}) {
			return true
		}
		return slices.ContainsFunc(opts.AllowedOriginRegexps, func(p *regexp.Regexp) bool {
			return p.MatchString(origin)
		})
	}
}

type Manager struct {
	Options  *Options
	hub      *Hub
	upgrader websocket.Upgrader
	ctx      context.Context
	logger   zerolog.Logger
}

// NewManager creates a Manager feeding connections into hub. Nil options
// fall back to DefaultOptions.
func NewManager(ctx context.Context, hub *Hub, opts *Options) *Manager {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.Hooks == nil {
		opts.Hooks = hub.hooks
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:    opts.ReadBufferSize,
		WriteBufferSize:   opts.WriteBufferSize,
		CheckOrigin:       createOriginChecker(opts),
		EnableCompression: opts.EnableCompression,
	}
	return &Manager{
		Options:  opts,
		hub:      hub,
		upgrader: upgrader,
		ctx:      ctx,
		logger:   opts.Logger,
	}
}

// HTTPHandler upgrades the request and registers the connection with the hub.
func (m *Manager) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-m.ctx.Done():
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
			return
		default:
		}

		if m.Options.MaxConnections > 0 && m.hub.ConnectionCount() >= m.Options.MaxConnections {
			err := unavailable("", "connection limit reached")
			m.Options.Hooks.metrics().Error("manager", err)
			http.Error(w, err.Message, http.StatusServiceUnavailable)
			return
		}

		wsConn, err := m.upgrader.Upgrade(w, r, nil)
		if err != nil {
			m.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}

		conn, err := newConn(m.ctx, wsConn, uuid.NewString(), m.Options)
		if err != nil {
			m.logger.Warn().Err(err).Msg("failed to initialise connection")
			_ = wsConn.Close()
			return
		}

		if err := m.hub.AddConnection(conn); err != nil {
			_ = conn.SendJSON(errorEvent(err))
			conn.Close()
			return
		}
		conn.HandleMessages()
	}
}
