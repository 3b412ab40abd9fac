package realtime

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError(t *testing.T) {
	t.Run("formats with and without a room", func(t *testing.T) {
		if got := badRequest("", "bad").Error(); got != "bad (code: 400)" {
			t.Errorf("unexpected message %q", got)
		}
		if got := forbidden("c1", "no").Error(); got != "room c1: no (code: 403)" {
			t.Errorf("unexpected message %q", got)
		}
	})

	t.Run("wrap keeps the code of an Error", func(t *testing.T) {
		base := tooManyRequests("c1", "slow down")
		wrapped := wrap(base, "rejected")

		if wrapped.Code != StatusTooManyRequests || !wrapped.Temporary || wrapped.Room != "c1" {
			t.Errorf("unexpected wrapped error %+v", wrapped)
		}
		if wrapped.Message != "rejected: slow down" {
			t.Errorf("unexpected message %q", wrapped.Message)
		}
	})

	t.Run("wrap turns plain errors into internal errors", func(t *testing.T) {
		cause := fmt.Errorf("disk on fire")
		wrapped := wrapF(cause, "saving %s", "m1")

		if wrapped.Code != StatusInternalServerError {
			t.Errorf("expected 500, got %d", wrapped.Code)
		}
		if !errors.Is(wrapped, cause) {
			t.Error("expected cause to be reachable")
		}
		if wrap(nil, "x") != nil || wrapF(nil, "x") != nil {
			t.Error("wrapping nil must return nil")
		}
	})

	t.Run("throttling and outages are temporary", func(t *testing.T) {
		tests := []struct {
			err       *Error
			temporary bool
		}{
			{badRequest("", "x"), false},
			{forbidden("", "x"), false},
			{notFound("", "x"), false},
			{internal("", "x"), false},
			{tooManyRequests("", "x"), true},
			{unavailable("", "x"), true},
			{timeout("", "x"), true},
		}
		for _, tt := range tests {
			if tt.err.Temporary != tt.temporary {
				t.Errorf("code %d: expected temporary=%v", tt.err.Code, tt.temporary)
			}
		}
	})
}

func TestErrorEvent(t *testing.T) {
	t.Run("carries the Error fields", func(t *testing.T) {
		ev := errorEvent(forbidden("c1", "join first").withDetails("hint"))

		if ev.Event != EventError || ev.RequestId == "" {
			t.Fatalf("unexpected event %+v", ev)
		}
		payload := ev.Payload.(ErrorPayload)
		if payload.Code != StatusForbidden || payload.Room != "c1" || payload.Details != "hint" {
			t.Errorf("unexpected payload %+v", payload)
		}
	})

	t.Run("hides internal causes", func(t *testing.T) {
		ev := errorEvent(fmt.Errorf("password=hunter2"))

		payload := ev.Payload.(ErrorPayload)
		if payload.Code != StatusInternalServerError || strings.Contains(payload.Message, "hunter2") {
			t.Errorf("unexpected payload %+v", payload)
		}
	})

	t.Run("nil error has no event", func(t *testing.T) {
		if errorEvent(nil) != nil {
			t.Error("expected nil")
		}
	})
}
