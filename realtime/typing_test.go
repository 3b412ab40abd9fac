package realtime

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func typingRoom(t *testing.T, opts HubOptions) (*Hub, *testTransport, *testTransport, *testTransport) {
	t.Helper()

	hub := newTestHub(t, opts)
	alice := connect(t, hub, "alice")
	bob := connect(t, hub, "bob")
	carol := connect(t, hub, "carol")
	for _, id := range []string{"alice", "bob", "carol"} {
		hub.Join(id, "room")
	}
	return hub, alice, bob, carol
}

func TestTypingCoordinator(t *testing.T) {
	t.Run("typing is relayed to everyone but the typer", func(t *testing.T) {
		hub, alice, bob, _ := typingRoom(t, HubOptions{})

		if err := alice.emit(EventTyping, map[string]interface{}{"conversationId": "room", "username": "Alice"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		payload := payloadMap(t, expect(t, bob, EventUserTyping))
		if payload["conversationId"] != "room" || payload["username"] != "Alice" {
			t.Errorf("unexpected payload %v", payload)
		}
		expectNone(t, alice, EventUserTyping, 50*time.Millisecond)

		if name, ok := hub.typing.Typer("room"); !ok || name != "Alice" {
			t.Errorf("expected Alice typing, got %q %v", name, ok)
		}
	})

	t.Run("a newer typer replaces the previous one", func(t *testing.T) {
		hub, alice, bob, carol := typingRoom(t, HubOptions{})

		_ = alice.emit(EventTyping, map[string]interface{}{"conversationId": "room", "username": "Alice"})
		_ = bob.emit(EventTyping, map[string]interface{}{"conversationId": "room", "username": "Bob"})

		expect(t, carol, EventUserTyping)
		payload := payloadMap(t, expect(t, carol, EventUserTyping))
		if payload["username"] != "Bob" {
			t.Errorf("expected Bob, got %v", payload)
		}
		if name, _ := hub.typing.Typer("room"); name != "Bob" {
			t.Errorf("expected Bob to be the typer, got %q", name)
		}

		// Alice is no longer the owner, so her stop is relayed but leaves Bob in place.
		_ = alice.emit(EventStopTyping, "room")
		expect(t, carol, EventUserStopTyping)
		if name, _ := hub.typing.Typer("room"); name != "Bob" {
			t.Errorf("expected Bob to remain the typer, got %q", name)
		}
	})

	t.Run("stop typing accepts a bare conversation id", func(t *testing.T) {
		hub, alice, bob, _ := typingRoom(t, HubOptions{})

		_ = alice.emit(EventTyping, map[string]interface{}{"conversationId": "room", "username": "Alice"})
		expect(t, bob, EventUserTyping)

		if err := alice.emit(EventStopTyping, "room"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		payload := payloadMap(t, expect(t, bob, EventUserStopTyping))
		if payload["conversationId"] != "room" || payload["username"] != "Alice" {
			t.Errorf("unexpected payload %v", payload)
		}
		if _, ok := hub.typing.Typer("room"); ok {
			t.Error("expected indicator to be cleared")
		}
	})

	t.Run("silent typer expires after the timeout", func(t *testing.T) {
		hub, alice, bob, _ := typingRoom(t, HubOptions{TypingTimeout: 50 * time.Millisecond})

		_ = alice.emit(EventTyping, map[string]interface{}{"conversationId": "room", "username": "Alice"})
		expect(t, bob, EventUserTyping)

		payload := payloadMap(t, expect(t, bob, EventUserStopTyping))
		if payload["username"] != "Alice" {
			t.Errorf("unexpected payload %v", payload)
		}
		if _, ok := hub.typing.Typer("room"); ok {
			t.Error("expected indicator to expire")
		}
	})

	t.Run("renewed typing restarts the timeout", func(t *testing.T) {
		_, alice, bob, _ := typingRoom(t, HubOptions{TypingTimeout: 150 * time.Millisecond})

		_ = alice.emit(EventTyping, map[string]interface{}{"conversationId": "room", "username": "Alice"})
		time.Sleep(100 * time.Millisecond)
		_ = alice.emit(EventTyping, map[string]interface{}{"conversationId": "room", "username": "Alice"})

		expectNone(t, bob, EventUserStopTyping, 100*time.Millisecond)
		expect(t, bob, EventUserStopTyping)
	})

	t.Run("disconnect clears the indicator", func(t *testing.T) {
		hub, alice, bob, _ := typingRoom(t, HubOptions{})

		_ = alice.emit(EventTyping, map[string]interface{}{"conversationId": "room", "username": "Alice"})
		expect(t, bob, EventUserTyping)

		alice.Close()

		payload := payloadMap(t, expect(t, bob, EventUserStopTyping))
		if payload["username"] != "Alice" {
			t.Errorf("unexpected payload %v", payload)
		}
		if _, ok := hub.typing.Typer("room"); ok {
			t.Error("expected indicator to be cleared")
		}
	})

	t.Run("leaving clears the indicator", func(t *testing.T) {
		hub, alice, bob, _ := typingRoom(t, HubOptions{})

		_ = alice.emit(EventTyping, map[string]interface{}{"conversationId": "room", "username": "Alice"})
		expect(t, bob, EventUserTyping)

		_ = alice.emit(EventLeaveConversation, "room")

		expect(t, bob, EventUserStopTyping)
		if _, ok := hub.typing.Typer("room"); ok {
			t.Error("expected indicator to be cleared")
		}
	})

	t.Run("typing requires membership", func(t *testing.T) {
		hub := newTestHub(t, HubOptions{})
		outsider := connect(t, hub, "outsider")

		err := outsider.emit(EventTyping, map[string]interface{}{"conversationId": "room", "username": "Eve"})
		if err == nil {
			t.Fatal("expected typing outside the room to fail")
		}
		payload := payloadMap(t, expect(t, outsider, EventError))
		if payload["code"].(float64) != StatusForbidden {
			t.Errorf("expected 403, got %v", payload["code"])
		}
	})

	t.Run("stop typing outside the room is ignored", func(t *testing.T) {
		hub := newTestHub(t, HubOptions{})
		outsider := connect(t, hub, "outsider")

		if err := outsider.emit(EventStopTyping, "room"); err != nil {
			t.Errorf("expected no error, got %v", err)
		}
	})
}

// recordingTypingHost keeps the last indicator each room saw. The first
// broadcast is held back to widen the window between a state change and its
// relay.
type recordingTypingHost struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
	last  map[string]string
}

func (h *recordingTypingHost) Broadcast(roomID, event string, payload interface{}, _ string) {
	h.mu.Lock()
	h.calls++
	first := h.calls == 1
	h.mu.Unlock()
	if first {
		time.Sleep(h.delay)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if event == EventUserStopTyping {
		h.last[roomID] = ""
		return
	}
	h.last[roomID] = payload.(TypingPayload).Username
}

func TestTypingRelayOrder(t *testing.T) {
	t.Run("peers end on the current typer", func(t *testing.T) {
		for round := 0; round < 10; round++ {
			host := &recordingTypingHost{delay: 20 * time.Millisecond, last: make(map[string]string)}
			tc := newTypingCoordinator(host, 0)

			var wg sync.WaitGroup
			for i := 0; i < 4; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					time.Sleep(time.Duration(i) * 2 * time.Millisecond)
					name := fmt.Sprintf("user-%d", i)
					tc.start(name, TypingPayload{ConversationID: "room", Username: name})
				}(i)
			}
			wg.Wait()

			typer, _ := tc.Typer("room")
			host.mu.Lock()
			seen := host.last["room"]
			host.mu.Unlock()
			if seen != typer {
				t.Fatalf("round %d: peers last saw %q typing, coordinator has %q", round, seen, typer)
			}
		}
	})

	t.Run("an expiry does not overtake a newer start", func(t *testing.T) {
		host := &recordingTypingHost{delay: 30 * time.Millisecond, last: make(map[string]string)}
		tc := newTypingCoordinator(host, 10*time.Millisecond)

		tc.start("alice", TypingPayload{ConversationID: "room", Username: "Alice"})
		time.Sleep(5 * time.Millisecond)
		tc.start("bob", TypingPayload{ConversationID: "room", Username: "Bob"})
		time.Sleep(60 * time.Millisecond)

		if _, ok := tc.Typer("room"); ok {
			t.Fatal("expected Bob's indicator to expire")
		}
		host.mu.Lock()
		defer host.mu.Unlock()
		if host.last["room"] != "" {
			t.Errorf("expected peers to end on a stop, got %q", host.last["room"])
		}
	})
}
