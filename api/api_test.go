package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/eleven-am/pondchat/metrics"
	"github.com/eleven-am/pondchat/models"
	"github.com/eleven-am/pondchat/store"
)

type testServer struct {
	*httptest.Server
	store   *store.MemoryStore
	metrics *metrics.Collector
	convID  string
}

func newTestServer(t *testing.T, checks map[string]HealthCheck) *testServer {
	t.Helper()

	s := store.NewMemoryStore()
	conv, err := s.CreateConversation(context.Background(), &models.Conversation{
		Type:         models.ConversationDM,
		Participants: []string{"alice", "bob"},
	})
	if err != nil {
		t.Fatalf("failed to seed conversation: %v", err)
	}

	collector := metrics.New(prometheus.NewRegistry())
	router := NewRouter(Options{
		Store:          s,
		Metrics:        collector,
		Logger:         zerolog.Nop(),
		MetricsHandler: http.NotFoundHandler(),
		HealthChecks:   checks,
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testServer{Server: server, store: s, metrics: collector, convID: conv.ID}
}

func (ts *testServer) do(t *testing.T, method, path, user string, body interface{}) (*http.Response, []byte) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(HeaderUserID, user)
		req.Header.Set(HeaderUserName, strings.ToUpper(user[:1])+user[1:])
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("failed to decode %s: %v", data, err)
	}
}

func TestRequireUser(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, _ := ts.do(t, http.MethodGet, "/api/conversations", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestPostMessage(t *testing.T) {
	ts := newTestServer(t, nil)
	path := "/api/conversations/" + ts.convID + "/messages"

	t.Run("persists a sanitized message", func(t *testing.T) {
		resp, body := ts.do(t, http.MethodPost, path, "alice", map[string]string{"content": "  <b>hi</b> & 'bye'  "})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", resp.StatusCode, body)
		}

		var msg models.Message
		decodeJSON(t, body, &msg)

		if msg.Content != "&lt;b&gt;hi&lt;/b&gt; &amp; &#x27;bye&#x27;" {
			t.Errorf("unexpected content %q", msg.Content)
		}
		if msg.ID == "" || msg.Sender.ID != "alice" || msg.Sender.Username != "Alice" {
			t.Errorf("unexpected message %+v", msg)
		}
		if len(msg.ReadBy) != 1 || msg.ReadBy[0] != "alice" {
			t.Errorf("expected readBy [alice], got %v", msg.ReadBy)
		}

		conv, _ := ts.store.GetConversation(context.Background(), ts.convID)
		if conv.LastMessage != msg.Content || conv.LastMessageAt == nil {
			t.Errorf("conversation preview not updated: %+v", conv)
		}
		if got := testutil.ToFloat64(ts.metrics.MessagesPosted); got != 1 {
			t.Errorf("expected 1 posted message, got %v", got)
		}
	})

	t.Run("rejects blank content", func(t *testing.T) {
		resp, _ := ts.do(t, http.MethodPost, path, "alice", map[string]string{"content": " \n\t "})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", resp.StatusCode)
		}
	})

	t.Run("rejects invalid JSON", func(t *testing.T) {
		resp, _ := ts.do(t, http.MethodPost, path, "alice", "not an object")
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", resp.StatusCode)
		}
	})

	t.Run("hides conversations from outsiders", func(t *testing.T) {
		resp, _ := ts.do(t, http.MethodPost, path, "mallory", map[string]string{"content": "hi"})
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("expected 404, got %d", resp.StatusCode)
		}
	})

	t.Run("builds reply previews", func(t *testing.T) {
		long := strings.Repeat("é", 150)
		_, body := ts.do(t, http.MethodPost, path, "bob", map[string]string{"content": long})
		var target models.Message
		decodeJSON(t, body, &target)

		resp, body := ts.do(t, http.MethodPost, path, "alice", map[string]interface{}{
			"content": "answer",
			"replyTo": map[string]string{"_id": target.ID},
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", resp.StatusCode, body)
		}

		var reply models.Message
		decodeJSON(t, body, &reply)
		if reply.ReplyTo == nil || reply.ReplyTo.ID != target.ID || reply.ReplyTo.SenderName != "Bob" {
			t.Fatalf("unexpected reply ref %+v", reply.ReplyTo)
		}
		if reply.ReplyTo.Content != strings.Repeat("é", models.ReplyPreviewLength) {
			t.Errorf("expected preview truncated to %d runes", models.ReplyPreviewLength)
		}
	})

	t.Run("rejects replies to unknown messages", func(t *testing.T) {
		resp, _ := ts.do(t, http.MethodPost, path, "alice", map[string]interface{}{
			"content": "answer",
			"replyTo": map[string]string{"_id": "missing"},
		})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", resp.StatusCode)
		}
	})
}

func TestListMessages(t *testing.T) {
	ts := newTestServer(t, nil)
	path := "/api/conversations/" + ts.convID + "/messages"

	for i := 1; i <= 120; i++ {
		resp, _ := ts.do(t, http.MethodPost, path, "alice", map[string]string{"content": fmt.Sprintf("m%d", i)})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("seeding message %d failed: %d", i, resp.StatusCode)
		}
	}

	tests := []struct {
		query      string
		count      int
		newest     string
		hasMore    bool
		totalPages int
	}{
		{"", 50, "m120", true, 3},
		{"?page=2&limit=50", 50, "m70", true, 3},
		{"?page=3&limit=50", 20, "m20", false, 3},
		{"?limit=500", 100, "m120", true, 2},
	}

	for _, tt := range tests {
		t.Run("query "+tt.query, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodGet, path+tt.query, "bob", nil)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("expected 200, got %d", resp.StatusCode)
			}

			var page MessagesResponse
			decodeJSON(t, body, &page)

			if len(page.Messages) != tt.count {
				t.Fatalf("expected %d messages, got %d", tt.count, len(page.Messages))
			}
			if page.Messages[0].Content != tt.newest {
				t.Errorf("expected newest %s, got %s", tt.newest, page.Messages[0].Content)
			}
			if page.Pagination.HasMore != tt.hasMore || page.Pagination.TotalPages != tt.totalPages || page.Pagination.Total != 120 {
				t.Errorf("unexpected pagination %+v", page.Pagination)
			}
		})
	}

	t.Run("rejects non-numeric paging", func(t *testing.T) {
		resp, _ := ts.do(t, http.MethodGet, path+"?page=two", "bob", nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", resp.StatusCode)
		}
	})
}

func TestMarkReadAndUnread(t *testing.T) {
	ts := newTestServer(t, nil)
	path := "/api/conversations/" + ts.convID

	for i := 0; i < 3; i++ {
		ts.do(t, http.MethodPost, path+"/messages", "alice", map[string]string{"content": "hi"})
	}

	var conversations []models.Conversation
	_, body := ts.do(t, http.MethodGet, "/api/conversations", "bob", nil)
	decodeJSON(t, body, &conversations)
	if len(conversations) != 1 || conversations[0].UnreadCount != 3 {
		t.Fatalf("expected 3 unread, got %+v", conversations)
	}

	var read ReadResponse
	_, body = ts.do(t, http.MethodPost, path+"/read", "bob", nil)
	decodeJSON(t, body, &read)
	if read.MarkedRead != 3 {
		t.Errorf("expected 3 marked, got %d", read.MarkedRead)
	}

	_, body = ts.do(t, http.MethodPost, path+"/read", "bob", nil)
	decodeJSON(t, body, &read)
	if read.MarkedRead != 0 {
		t.Errorf("expected second mark to change nothing, got %d", read.MarkedRead)
	}

	_, body = ts.do(t, http.MethodGet, "/api/conversations", "bob", nil)
	decodeJSON(t, body, &conversations)
	if conversations[0].UnreadCount != 0 {
		t.Errorf("expected 0 unread, got %d", conversations[0].UnreadCount)
	}
}

func TestDeleteMessage(t *testing.T) {
	ts := newTestServer(t, nil)
	path := "/api/conversations/" + ts.convID + "/messages"

	_, body := ts.do(t, http.MethodPost, path, "alice", map[string]string{"content": "oops"})
	var msg models.Message
	decodeJSON(t, body, &msg)

	t.Run("only the sender may delete", func(t *testing.T) {
		resp, _ := ts.do(t, http.MethodDelete, path+"/"+msg.ID, "bob", nil)
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("expected 403, got %d", resp.StatusCode)
		}
	})

	t.Run("sender deletes softly", func(t *testing.T) {
		resp, body := ts.do(t, http.MethodDelete, path+"/"+msg.ID, "alice", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		var out DeleteResponse
		decodeJSON(t, body, &out)
		if !out.Success || !out.Message.Deleted || out.Message.Content != models.DeletedContent {
			t.Errorf("unexpected response %+v", out.Message)
		}
	})

	t.Run("unknown message", func(t *testing.T) {
		resp, _ := ts.do(t, http.MethodDelete, path+"/missing", "alice", nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("expected 404, got %d", resp.StatusCode)
		}
	})

	t.Run("message from another conversation", func(t *testing.T) {
		resp, _ := ts.do(t, http.MethodDelete, "/api/conversations/other/messages/"+msg.ID, "alice", nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("expected 404, got %d", resp.StatusCode)
		}
	})
}

func TestCreateConversation(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.do(t, http.MethodPost, "/api/conversations", "alice", map[string]string{"participantId": "bob"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected existing conversation with 200, got %d", resp.StatusCode)
	}
	var existing models.Conversation
	decodeJSON(t, body, &existing)
	if existing.ID != ts.convID {
		t.Errorf("expected %s, got %s", ts.convID, existing.ID)
	}

	resp, body = ts.do(t, http.MethodPost, "/api/conversations", "alice", map[string]string{"participantId": "carol"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created models.Conversation
	decodeJSON(t, body, &created)
	if !created.HasParticipant("alice") || !created.HasParticipant("carol") || created.Type != models.ConversationDM {
		t.Errorf("unexpected conversation %+v", created)
	}

	for _, other := range []string{"", "alice"} {
		resp, _ = ts.do(t, http.MethodPost, "/api/conversations", "alice", map[string]string{"participantId": other})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("participant %q: expected 400, got %d", other, resp.StatusCode)
		}
	}
}

func TestPresenceAndHealth(t *testing.T) {
	failing := errors.New("redis down")
	ts := newTestServer(t, map[string]HealthCheck{
		"redis": func(context.Context) error { return failing },
	})

	_ = ts.store.SetStatus(context.Background(), models.PresenceState{UserID: "alice", Status: models.Online})

	var state models.PresenceState
	_, body := ts.do(t, http.MethodGet, "/api/presence/alice", "bob", nil)
	decodeJSON(t, body, &state)
	if state.Status != models.Online {
		t.Errorf("expected alice online, got %+v", state)
	}

	_, body = ts.do(t, http.MethodGet, "/api/presence/nobody", "bob", nil)
	decodeJSON(t, body, &state)
	if state.Status != models.Offline {
		t.Errorf("expected unknown user offline, got %+v", state)
	}

	resp, body := ts.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	var health HealthResponse
	decodeJSON(t, body, &health)
	if health.Checks["store"].Status != "pass" || health.Checks["redis"].Status != "fail" {
		t.Errorf("unexpected checks %+v", health.Checks)
	}

	if got := testutil.ToFloat64(ts.metrics.HTTPRequestsTotal.WithLabelValues("GET", "/api/presence/{userId}", "200")); got != 2 {
		t.Errorf("expected 2 presence requests by route pattern, got %v", got)
	}
}
