package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eleven-am/pondchat/realtime"
)

func newTestPubSub(t *testing.T, addr string) *RedisPubSub {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ps, err := NewRedisPubSub(context.Background(), client, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create pubsub: %v", err)
	}
	t.Cleanup(func() { _ = ps.Close() })
	return ps
}

// publishUntil republishes until received fires, since a PSUBSCRIBE is only
// active once Redis has processed it.
func publishUntil(t *testing.T, ps *RedisPubSub, topic string, data []byte, received <-chan struct{}) {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		if err := ps.Publish(topic, data); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		select {
		case <-received:
			return
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no delivery on %s", topic)
		}
	}
}

func TestRedisPubSub(t *testing.T) {
	mr := miniredis.RunT(t)

	t.Run("delivers across clients by pattern", func(t *testing.T) {
		publisher := newTestPubSub(t, mr.Addr())
		subscriber := newTestPubSub(t, mr.Addr())

		received := make(chan struct{}, 16)
		var mu sync.Mutex
		var topics []string

		err := subscriber.Subscribe("pondchat:.*", func(topic string, data []byte) {
			mu.Lock()
			topics = append(topics, topic)
			mu.Unlock()
			select {
			case received <- struct{}{}:
			default:
			}
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		publishUntil(t, publisher, "pondchat:room:a", []byte("x"), received)

		mu.Lock()
		defer mu.Unlock()
		if topics[0] != "pondchat:room:a" {
			t.Errorf("unexpected topic %q", topics[0])
		}
	})

	t.Run("keeps publish order", func(t *testing.T) {
		publisher := newTestPubSub(t, mr.Addr())
		subscriber := newTestPubSub(t, mr.Addr())

		ready := make(chan struct{}, 64)
		var mu sync.Mutex
		var seq []int

		_ = subscriber.Subscribe("order:.*", func(topic string, data []byte) {
			if topic == "order:ready" {
				select {
				case ready <- struct{}{}:
				default:
				}
				return
			}
			var n int
			_ = json.Unmarshal(data, &n)
			mu.Lock()
			seq = append(seq, n)
			mu.Unlock()
		})
		publishUntil(t, publisher, "order:ready", []byte("1"), ready)

		for i := 0; i < 50; i++ {
			data, _ := json.Marshal(i)
			if err := publisher.Publish("order:room", data); err != nil {
				t.Fatalf("publish failed: %v", err)
			}
		}

		deadline := time.Now().Add(2 * time.Second)
		for {
			mu.Lock()
			n := len(seq)
			mu.Unlock()
			if n == 50 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("received %d of 50 messages", n)
			}
			time.Sleep(10 * time.Millisecond)
		}

		mu.Lock()
		defer mu.Unlock()
		for i, n := range seq {
			if n != i {
				t.Fatalf("message %d out of order: %d", i, n)
			}
		}
	})

	t.Run("unsubscribe and close", func(t *testing.T) {
		ps := newTestPubSub(t, mr.Addr())

		_ = ps.Subscribe("a:.*", func(string, []byte) {})
		_ = ps.Subscribe("a:.*", func(string, []byte) {})

		if err := ps.Unsubscribe("a:.*"); err != nil {
			t.Fatalf("unsubscribe failed: %v", err)
		}
		if err := ps.Unsubscribe("a:.*"); err == nil {
			t.Error("expected second unsubscribe to fail")
		}
		if _, ok := ps.patterns["a:*"]; ok {
			t.Error("expected redis pattern to be released")
		}

		if err := ps.Close(); err != nil {
			t.Fatalf("close failed: %v", err)
		}
		if err := ps.Close(); err != nil {
			t.Errorf("second close should be a no-op, got %v", err)
		}
		if err := ps.Publish("a:b", nil); !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	})

	t.Run("fails when redis is unreachable", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
		defer client.Close()

		if _, err := NewRedisPubSub(context.Background(), client, zerolog.Nop()); err == nil {
			t.Error("expected ping failure")
		}
	})
}

func TestPatterns(t *testing.T) {
	if got := toRedisPattern("pondchat:.*"); got != "pondchat:*" {
		t.Errorf("unexpected redis pattern %q", got)
	}
	if got := toRedisPattern("exact"); got != "exact" {
		t.Errorf("unexpected redis pattern %q", got)
	}
	if !matchPattern("pondchat:.*", "pondchat:room:x") || matchPattern("pondchat:room:.*", "pondchat:system:x") {
		t.Error("unexpected prefix matching")
	}
}

// relayTransport is the smallest realtime.Transport needed to observe a hub.
type relayTransport struct {
	id     string
	events chan realtime.Event
}

func (r *relayTransport) GetID() string { return r.id }

func (r *relayTransport) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var ev realtime.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	select {
	case r.events <- ev:
	default:
	}
	return nil
}

func (r *relayTransport) IsActive() bool                                          { return true }
func (r *relayTransport) Close()                                                  {}
func (r *relayTransport) OnClose(func(realtime.Transport) error)                  {}
func (r *relayTransport) OnMessage(func(realtime.Event, realtime.Transport) error) {}

func TestHubsOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	hubs := make([]*realtime.Hub, 2)
	for i, node := range []string{"node-a", "node-b"} {
		hub, err := realtime.NewHub(context.Background(), realtime.HubOptions{
			NodeID: node,
			PubSub: newTestPubSub(t, mr.Addr()),
		})
		if err != nil {
			t.Fatalf("failed to create hub: %v", err)
		}
		t.Cleanup(func() { _ = hub.Close() })
		hubs[i] = hub
	}

	remote := &relayTransport{id: "remote", events: make(chan realtime.Event, 64)}
	if err := hubs[1].AddConnection(remote); err != nil {
		t.Fatalf("add connection failed: %v", err)
	}
	hubs[1].Join("remote", "room")

	deadline := time.After(3 * time.Second)
	for {
		hubs[0].Broadcast("room", realtime.EventReceiveMessage, map[string]string{"content": "over redis"}, "")
		select {
		case ev := <-remote.events:
			if ev.Event != realtime.EventReceiveMessage {
				t.Fatalf("unexpected event %q", ev.Event)
			}
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("relay never arrived")
		}
	}
}
