package client

import (
	"fmt"
	"testing"
	"time"

	"github.com/eleven-am/pondchat/models"
)

func msg(id string) *models.Message {
	return &models.Message{
		ID:             id,
		ConversationID: "c1",
		Sender:         models.Sender{ID: "alice", Username: "Alice"},
		Content:        "content " + id,
		ReadBy:         []string{"alice"},
	}
}

func ids(msgs []*models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func assertIDs(t *testing.T, l *MessageList, want ...string) {
	t.Helper()
	got := ids(l.Snapshot())
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestMessageList(t *testing.T) {
	t.Run("append if absent deduplicates", func(t *testing.T) {
		l := NewMessageList()
		if !l.AppendIfAbsent(msg("m1")) {
			t.Fatal("first append should add")
		}
		if l.AppendIfAbsent(msg("m1")) {
			t.Error("second append should be ignored")
		}
		assertIDs(t, l, "m1")
	})

	t.Run("append replaces in place", func(t *testing.T) {
		l := NewMessageList()
		l.Append(msg("m1"))
		l.Append(msg("m2"))
		updated := msg("m1")
		updated.Content = "edited"
		l.Append(updated)

		assertIDs(t, l, "m1", "m2")
		if got, _ := l.Get("m1"); got.Content != "edited" {
			t.Errorf("expected edited content, got %q", got.Content)
		}
	})

	t.Run("prepend keeps order and skips known ids", func(t *testing.T) {
		l := NewMessageList()
		l.Replace([]*models.Message{msg("m3"), msg("m4")})

		added := l.Prepend([]*models.Message{msg("m1"), msg("m2"), msg("m3")})
		if added != 2 {
			t.Errorf("expected 2 added, got %d", added)
		}
		assertIDs(t, l, "m1", "m2", "m3", "m4")
	})

	t.Run("prepend into empty list", func(t *testing.T) {
		l := NewMessageList()
		l.Prepend([]*models.Message{msg("m1"), msg("m2")})
		assertIDs(t, l, "m1", "m2")
	})

	t.Run("reconcile swaps by id after history shifted positions", func(t *testing.T) {
		l := NewMessageList()
		l.Replace([]*models.Message{msg("m5")})

		temp := msg("temp-1")
		temp.Status = models.StatusSending
		l.Append(temp)
		l.Append(msg("m6"))
		l.Prepend([]*models.Message{msg("m1"), msg("m2")})

		canonical := msg("m7")
		if !l.Reconcile("temp-1", canonical) {
			t.Fatal("reconcile failed")
		}

		assertIDs(t, l, "m1", "m2", "m5", "m7", "m6")
		got, _ := l.Get("m7")
		if got.Status != models.StatusSent {
			t.Errorf("expected sent, got %q", got.Status)
		}
		if _, ok := l.Get("temp-1"); ok {
			t.Error("temporary entry left behind")
		}
		if id, ok := l.Resolve("temp-1"); !ok || id != "m7" {
			t.Errorf("expected temp-1 to resolve to m7, got %q", id)
		}
	})

	t.Run("only recent reconciliations are remembered", func(t *testing.T) {
		l := NewMessageList()
		for i := 0; i < maxPending+10; i++ {
			temp := fmt.Sprintf("temp-%d", i)
			l.Append(msg(temp))
			l.Reconcile(temp, msg(fmt.Sprintf("m%d", i)))
		}

		if len(l.pending) != maxPending || len(l.pendingOrder) != maxPending {
			t.Fatalf("expected %d remembered ids, got %d", maxPending, len(l.pending))
		}
		if _, ok := l.Resolve("temp-0"); ok {
			t.Error("the oldest reconciliation should be forgotten")
		}
		last := maxPending + 9
		if id, ok := l.Resolve(fmt.Sprintf("temp-%d", last)); !ok || id != fmt.Sprintf("m%d", last) {
			t.Errorf("expected the latest reconciliation to resolve, got %q", id)
		}
		if l.Len() != maxPending+10 {
			t.Errorf("expected every message to stay listed, got %d", l.Len())
		}
	})

	t.Run("reconcile drops the optimistic copy when the canonical id is present", func(t *testing.T) {
		l := NewMessageList()
		l.Append(msg("temp-1"))
		l.Append(msg("m1"))

		l.Reconcile("temp-1", msg("m1"))
		assertIDs(t, l, "m1")
	})

	t.Run("reconcile of unknown temp id", func(t *testing.T) {
		l := NewMessageList()
		if l.Reconcile("temp-x", msg("m1")) {
			t.Error("expected false")
		}
		if l.Len() != 0 {
			t.Error("list should be untouched")
		}
	})

	t.Run("mark read and delete", func(t *testing.T) {
		l := NewMessageList()
		l.Replace([]*models.Message{msg("m1"), msg("m2")})

		if n := l.MarkReadBy("bob"); n != 2 {
			t.Errorf("expected 2 marked, got %d", n)
		}
		if n := l.MarkReadBy("bob"); n != 0 {
			t.Errorf("expected 0 on repeat, got %d", n)
		}

		at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		if !l.MarkDeleted("m1", at) {
			t.Fatal("delete failed")
		}
		got, _ := l.Get("m1")
		if !got.Deleted || got.Content != models.DeletedContent {
			t.Errorf("unexpected deleted message %+v", got)
		}
		if l.MarkDeleted("missing", at) {
			t.Error("unknown id should report false")
		}
	})

	t.Run("snapshot is a copy", func(t *testing.T) {
		l := NewMessageList()
		l.Append(msg("m1"))
		snap := l.Snapshot()
		snap[0].Content = "mutated"
		snap[0].ReadBy[0] = "mallory"

		got, _ := l.Get("m1")
		if got.Content == "mutated" || got.ReadBy[0] == "mallory" {
			t.Error("snapshot shares state with the list")
		}
	})

	t.Run("remove", func(t *testing.T) {
		l := NewMessageList()
		l.Append(msg("m1"))
		if !l.Remove("m1") || l.Remove("m1") {
			t.Error("remove should succeed exactly once")
		}
	})
}

func TestDebouncer(t *testing.T) {
	t.Run("collapses triggers", func(t *testing.T) {
		var d Debouncer
		fired := make(chan int, 10)
		for i := 0; i < 5; i++ {
			n := i
			d.Trigger(30*time.Millisecond, func() { fired <- n })
		}

		select {
		case n := <-fired:
			if n != 4 {
				t.Errorf("expected last trigger to win, got %d", n)
			}
		case <-time.After(time.Second):
			t.Fatal("debounced call never ran")
		}
		select {
		case n := <-fired:
			t.Errorf("unexpected extra call %d", n)
		case <-time.After(60 * time.Millisecond):
		}
	})

	t.Run("cancel", func(t *testing.T) {
		var d Debouncer
		fired := make(chan struct{}, 1)
		d.Trigger(20*time.Millisecond, func() { fired <- struct{}{} })
		if !d.Pending() {
			t.Error("expected pending call")
		}
		if !d.Cancel() {
			t.Error("expected cancel to report a pending call")
		}
		select {
		case <-fired:
			t.Error("cancelled call ran")
		case <-time.After(60 * time.Millisecond):
		}
		if d.Cancel() {
			t.Error("nothing left to cancel")
		}
	})
}
