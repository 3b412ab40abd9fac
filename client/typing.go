package client

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TypingSender turns compose input changes into typing and stop-typing
// events for one conversation.
type TypingSender struct {
	emitter        Emitter
	conversationID string
	username       string
	timeout        time.Duration
	logger         zerolog.Logger
	idle           Debouncer
}

func NewTypingSender(emitter Emitter, conversationID, username string, config *Config) *TypingSender {
	if config == nil {
		config = DefaultConfig()
	}
	return &TypingSender{
		emitter:        emitter,
		conversationID: conversationID,
		username:       username,
		timeout:        config.TypingTimeout,
		logger:         config.Logger,
	}
}

// InputChanged is called on every edit of the compose box. Non-empty text
// emits typing and restarts the idle timer; empty text stops immediately.
func (s *TypingSender) InputChanged(text string) {
	if strings.TrimSpace(text) == "" {
		s.Stop()
		return
	}

	s.emit(EventTyping)
	s.idle.Trigger(s.timeout, func() {
		s.emit(EventStopTyping)
	})
}

// Stop cancels the idle timer and emits stop-typing right away.
func (s *TypingSender) Stop() {
	s.idle.Cancel()
	s.emit(EventStopTyping)
}

func (s *TypingSender) emit(event string) {
	err := s.emitter.Emit(event, TypingPayload{ConversationID: s.conversationID, Username: s.username})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		s.logger.Debug().Err(err).Str("event", event).Msg("failed to emit typing state")
	}
}

// TypingIndicator tracks who is typing in each room. A room shows at most one
// name; the latest typing event wins and stop-typing clears it.
type TypingIndicator struct {
	mu       sync.Mutex
	typers   map[string]string
	timers   map[string]*Debouncer
	ttl      time.Duration
	onChange func(conversationID, username string)
}

// NewTypingIndicator creates an indicator. A positive ttl clears a name that
// was not refreshed in time; onChange receives the empty name on clear.
func NewTypingIndicator(ttl time.Duration, onChange func(conversationID, username string)) *TypingIndicator {
	return &TypingIndicator{
		typers:   make(map[string]string),
		timers:   make(map[string]*Debouncer),
		ttl:      ttl,
		onChange: onChange,
	}
}

// HandleTyping records payload.Username as the typer of its room.
func (ti *TypingIndicator) HandleTyping(payload TypingPayload) {
	ti.mu.Lock()
	ti.typers[payload.ConversationID] = payload.Username
	if ti.ttl > 0 {
		timer, ok := ti.timers[payload.ConversationID]
		if !ok {
			timer = &Debouncer{}
			ti.timers[payload.ConversationID] = timer
		}
		timer.Trigger(ti.ttl, func() {
			ti.clear(payload.ConversationID)
		})
	}
	ti.mu.Unlock()

	ti.notify(payload.ConversationID, payload.Username)
}

// HandleStopTyping clears the typer of the room.
func (ti *TypingIndicator) HandleStopTyping(payload TypingPayload) {
	ti.mu.Lock()
	if timer, ok := ti.timers[payload.ConversationID]; ok {
		timer.Cancel()
	}
	ti.mu.Unlock()

	ti.clear(payload.ConversationID)
}

// Typer returns the name shown for the room.
func (ti *TypingIndicator) Typer(conversationID string) (string, bool) {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	name, ok := ti.typers[conversationID]
	return name, ok
}

// Bind feeds user-typing and user-stop-typing events from sub.
func (ti *TypingIndicator) Bind(sub Subscriber) func() {
	offTyping := sub.On(EventUserTyping, func(raw json.RawMessage) {
		if payload, err := decode[TypingPayload](raw); err == nil {
			ti.HandleTyping(payload)
		}
	})
	offStop := sub.On(EventUserStopTyping, func(raw json.RawMessage) {
		if payload, err := decode[TypingPayload](raw); err == nil {
			ti.HandleStopTyping(payload)
		}
	})
	return func() {
		offTyping()
		offStop()
	}
}

func (ti *TypingIndicator) clear(conversationID string) {
	ti.mu.Lock()
	_, ok := ti.typers[conversationID]
	delete(ti.typers, conversationID)
	ti.mu.Unlock()

	if ok {
		ti.notify(conversationID, "")
	}
}

func (ti *TypingIndicator) notify(conversationID, username string) {
	if ti.onChange != nil {
		ti.onChange(conversationID, username)
	}
}
