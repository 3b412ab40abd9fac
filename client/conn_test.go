package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/eleven-am/pondchat/api"
	"github.com/eleven-am/pondchat/metrics"
	"github.com/eleven-am/pondchat/models"
	"github.com/eleven-am/pondchat/realtime"
	"github.com/eleven-am/pondchat/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func TestNewConn(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"http://localhost:4000/ws", "ws://localhost:4000/ws"},
		{"https://localhost:4000/ws", "wss://localhost:4000/ws"},
		{"ws://localhost:4000/ws", "ws://localhost:4000/ws"},
		{"wss://localhost:4000/ws", "wss://localhost:4000/ws"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			conn, err := NewConn(tt.input, nil, nil)
			if err != nil {
				t.Fatalf("failed to create connection: %v", err)
			}
			if conn.address.String() != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, conn.address.String())
			}
			if conn.Connected() {
				t.Error("nothing should be dialled yet")
			}
		})
	}

	if _, err := NewConn("ftp://localhost:4000/ws", nil, nil); err == nil || !strings.Contains(err.Error(), "unsupported scheme") {
		t.Errorf("expected unsupported scheme error, got %v", err)
	}
}

// frameLog records the frames one mock server connection received.
type frameLog struct {
	mu     sync.Mutex
	frames [][]string
}

func (l *frameLog) add(conn int, event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.frames) <= conn {
		l.frames = append(l.frames, nil)
	}
	l.frames[conn] = append(l.frames[conn], event)
}

func (l *frameLog) get(conn int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if conn >= len(l.frames) {
		return nil
	}
	return append([]string(nil), l.frames[conn]...)
}

func TestConnReconnects(t *testing.T) {
	log := &frameLog{}
	var mu sync.Mutex
	connections := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		mu.Lock()
		index := connections
		connections++
		mu.Unlock()

		for {
			var frame outgoing
			if err := ws.ReadJSON(&frame); err != nil {
				return
			}
			log.add(index, frame.Event)

			if index == 0 && frame.Event == EventJoinConversation {
				return
			}
			if frame.Event == "ping" {
				_ = ws.WriteJSON(outgoing{Event: "pong", Payload: map[string]string{"n": "1"}})
			}
		}
	}))
	defer server.Close()

	config := DefaultConfig()
	config.ReconnectInterval = 10 * time.Millisecond
	config.MaxReconnectInterval = 20 * time.Millisecond

	conn, err := NewConn(server.URL, nil, config)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	var states []bool
	var statesMu sync.Mutex
	conn.OnConnectionChange(func(connected bool) {
		statesMu.Lock()
		states = append(states, connected)
		statesMu.Unlock()
	})

	pongs := make(chan json.RawMessage, 1)
	conn.On("pong", func(payload json.RawMessage) { pongs <- payload })

	if err := conn.Identify("alice"); err != nil {
		t.Fatalf("identify while offline should be remembered, got %v", err)
	}
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := conn.Join("c1"); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "replayed session", func() bool { return len(log.get(1)) >= 2 })
	if got := log.get(0); len(got) != 2 || got[0] != EventUserConnected || got[1] != EventJoinConversation {
		t.Errorf("unexpected first session %v", got)
	}
	if got := log.get(1); got[0] != EventUserConnected || got[1] != EventJoinConversation {
		t.Errorf("expected identify then rejoin after reconnect, got %v", got)
	}

	if err := conn.Emit("ping", nil); err != nil {
		t.Fatal(err)
	}
	select {
	case payload := <-pongs:
		if !strings.Contains(string(payload), `"n":"1"`) {
			t.Errorf("unexpected payload %s", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	_ = conn.Close()
	if conn.Connected() {
		t.Error("expected disconnected after close")
	}
	if err := conn.Emit("ping", nil); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}

	statesMu.Lock()
	defer statesMu.Unlock()
	if len(states) < 4 || !states[0] || states[1] || !states[2] || states[len(states)-1] {
		t.Errorf("unexpected state transitions %v", states)
	}
}

func TestConnGivesUp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err == nil {
			_ = ws.Close()
		}
	}))
	url := server.URL

	config := DefaultConfig()
	config.ReconnectInterval = 5 * time.Millisecond
	config.MaxReconnectInterval = 5 * time.Millisecond
	config.MaxReconnectTries = 2

	conn, err := NewConn(url, nil, config)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	server.Close()

	waitUntil(t, "disconnect", func() bool { return !conn.Connected() })
	time.Sleep(50 * time.Millisecond)
	if conn.Connected() {
		t.Error("connection should stay down once retries are exhausted")
	}

	done := make(chan struct{})
	go func() {
		_ = conn.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close hung")
	}
}

func TestEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub, err := realtime.NewHub(ctx, realtime.HubOptions{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = hub.Close() })

	s := store.NewMemoryStore()
	conv, err := s.CreateConversation(ctx, &models.Conversation{Participants: []string{"alice", "bob"}})
	if err != nil {
		t.Fatal(err)
	}

	router := api.NewRouter(api.Options{
		Store:          s,
		Metrics:        metrics.New(prometheus.NewRegistry()),
		Logger:         zerolog.Nop(),
		WebSocket:      realtime.NewManager(ctx, hub, nil).HTTPHandler(),
		MetricsHandler: http.NotFoundHandler(),
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	type session struct {
		conn     *Conn
		pipeline *Pipeline
		inbox    *Inbox
		typing   *TypingIndicator
	}
	open := func(user models.Sender) *session {
		conn, err := NewConn(server.URL+"/ws", nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = conn.Close() })

		rest := NewREST(server.URL, user, nil)
		sess := &session{
			conn: conn,
			pipeline: NewPipeline(PipelineOptions{
				ConversationID: conv.ID,
				Participants:   conv.Participants,
				Me:             user,
				Persister:      rest,
				Reads:          rest,
				Emitter:        conn,
			}),
			inbox:  NewInbox(rest, nil),
			typing: NewTypingIndicator(0, nil),
		}
		t.Cleanup(sess.inbox.Close)
		sess.pipeline.Bind(conn)
		sess.inbox.Bind(conn)
		sess.typing.Bind(conn)

		_ = conn.Identify(user.ID)
		_ = conn.Join(conv.ID)
		if err := conn.Connect(ctx); err != nil {
			t.Fatal(err)
		}
		return sess
	}

	alice := open(models.Sender{ID: "alice", Username: "Alice"})
	bob := open(models.Sender{ID: "bob", Username: "Bob"})

	waitUntil(t, "both in the room", func() bool { return len(hub.Members(conv.ID)) == 2 })
	waitUntil(t, "alice sees bob online", func() bool { return alice.inbox.IsOnline("bob") })

	t.Run("typing is relayed", func(t *testing.T) {
		sender := NewTypingSender(alice.conn, conv.ID, "Alice", nil)
		sender.InputChanged("hel")
		waitUntil(t, "bob sees alice typing", func() bool {
			name, _ := bob.typing.Typer(conv.ID)
			return name == "Alice"
		})
		sender.Stop()
		waitUntil(t, "typing cleared", func() bool {
			_, ok := bob.typing.Typer(conv.ID)
			return !ok
		})
	})

	t.Run("send, deliver and read", func(t *testing.T) {
		saved, err := alice.pipeline.Send(ctx, "hi <bob>", nil)
		if err != nil {
			t.Fatal(err)
		}

		waitUntil(t, "bob receives", func() bool {
			_, ok := bob.pipeline.List().Get(saved.ID)
			return ok
		})
		got, _ := bob.pipeline.List().Get(saved.ID)
		if got.Content != "hi &lt;bob&gt;" {
			t.Errorf("unexpected content %q", got.Content)
		}

		waitUntil(t, "alice sees the read receipt", func() bool {
			m, ok := alice.pipeline.List().Get(saved.ID)
			return ok && alice.pipeline.Status(m) == models.StatusRead
		})

		unread, err := s.UnreadCount(ctx, conv.ID, "bob")
		if err != nil || unread != 0 {
			t.Errorf("expected bob to have read everything, got %d (%v)", unread, err)
		}
		if alice.pipeline.List().Len() != 1 {
			t.Errorf("expected no duplicate on the sender side, got %d", alice.pipeline.List().Len())
		}
	})

	t.Run("delete is propagated", func(t *testing.T) {
		msgs := alice.pipeline.List().Snapshot()
		if err := alice.pipeline.Delete(ctx, msgs[0].ID); err != nil {
			t.Fatal(err)
		}
		waitUntil(t, "bob sees the deletion", func() bool {
			m, _ := bob.pipeline.List().Get(msgs[0].ID)
			return m != nil && m.Deleted
		})
	})

	t.Run("history loads over the api", func(t *testing.T) {
		list := NewMessageList()
		h := NewHistory(conv.ID, NewREST(server.URL, models.Sender{ID: "bob"}, nil), list, nil, nil)
		if err := h.Load(ctx, 0); err != nil {
			t.Fatal(err)
		}
		if list.Len() != 1 || h.HasMore() {
			t.Errorf("expected one message and no more pages, got %d", list.Len())
		}
	})

	t.Run("api errors surface", func(t *testing.T) {
		rest := NewREST(server.URL, models.Sender{ID: "mallory"}, nil)
		_, err := rest.SendMessage(ctx, conv.ID, "hi", "")
		apiErr, ok := err.(*APIError)
		if !ok || apiErr.StatusCode != http.StatusNotFound {
			t.Errorf("expected 404 APIError, got %v", err)
		}
	})

	t.Run("bob going away is broadcast", func(t *testing.T) {
		_ = bob.conn.Close()
		waitUntil(t, "bob offline", func() bool { return !alice.inbox.IsOnline("bob") })
		if _, ok := alice.inbox.LastSeen("bob"); !ok {
			t.Error("expected a last seen time for bob")
		}
	})
}
