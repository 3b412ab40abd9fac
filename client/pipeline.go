package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eleven-am/pondchat/models"
)

// TempIDPrefix marks ids of messages that have not been persisted yet.
const TempIDPrefix = "temp-"

// Persister is the durable store of messages.
type Persister interface {
	SendMessage(ctx context.Context, conversationID, content, replyToID string) (*models.Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID string) (*models.Message, error)
}

// ReadMarker acknowledges every message of a conversation as read.
type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID string) (int, error)
}

type PipelineOptions struct {
	ConversationID string
	Participants   []string
	Me             models.Sender

	List      *MessageList // a new list when nil
	Persister Persister
	Reads     ReadMarker
	Emitter   Emitter
	Typing    *TypingSender // stop-typing is emitted directly when nil

	// ClearInput empties the compose box once the optimistic copy is shown.
	ClearInput func()
	// OnChange is called after every change of the list.
	OnChange func()
	// OnNotify receives messages for conversations other than this one.
	OnNotify func(*models.Message)

	Logger zerolog.Logger
}

// Pipeline delivers messages of one open conversation: optimistic sends,
// reconciliation with the persisted copy, live arrivals and receipts.
type Pipeline struct {
	conversationID string
	participants   []string
	me             models.Sender

	list      *MessageList
	persister Persister
	reads     ReadMarker
	emitter   Emitter
	typing    *TypingSender

	clearInput func()
	onChange   func()
	onNotify   func(*models.Message)

	logger zerolog.Logger
	now    func() time.Time
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	list := opts.List
	if list == nil {
		list = NewMessageList()
	}
	return &Pipeline{
		conversationID: opts.ConversationID,
		participants:   append([]string(nil), opts.Participants...),
		me:             opts.Me,
		list:           list,
		persister:      opts.Persister,
		reads:          opts.Reads,
		emitter:        opts.Emitter,
		typing:         opts.Typing,
		clearInput:     opts.ClearInput,
		onChange:       opts.OnChange,
		onNotify:       opts.OnNotify,
		logger:         opts.Logger.With().Str("conversation", opts.ConversationID).Logger(),
		now:            time.Now,
	}
}

func (p *Pipeline) List() *MessageList {
	return p.list
}

// Send shows the message immediately with status sending, persists it, and
// on success swaps in the canonical copy and announces it to the room. On
// failure the optimistic copy is removed and ErrSendFailed is returned; the
// message is not retried.
func (p *Pipeline) Send(ctx context.Context, content string, replyTo *models.Message) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}

	temp := &models.Message{
		ID:             TempIDPrefix + uuid.NewString(),
		ConversationID: p.conversationID,
		Sender:         p.me,
		Content:        content,
		ReplyTo:        models.NewReplyRef(replyTo),
		ReadBy:         []string{p.me.ID},
		CreatedAt:      p.now().UTC(),
		Status:         models.StatusSending,
	}
	p.list.Append(temp)
	if p.clearInput != nil {
		p.clearInput()
	}
	p.changed()

	replyToID := ""
	if replyTo != nil {
		replyToID = replyTo.ID
	}

	saved, err := p.persister.SendMessage(ctx, p.conversationID, content, replyToID)
	if err != nil {
		p.list.Remove(temp.ID)
		p.changed()
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	p.list.Reconcile(temp.ID, saved)
	p.changed()

	p.emit(EventSendMessage, SendMessagePayload{ConversationID: p.conversationID, Message: saved})
	if p.typing != nil {
		p.typing.Stop()
	} else {
		p.emit(EventStopTyping, TypingPayload{ConversationID: p.conversationID, Username: p.me.Username})
	}
	return saved, nil
}

// HandleIncoming processes a receive-message event. Messages of other
// conversations only notify. Messages of this one are appended once and
// acknowledged as read.
func (p *Pipeline) HandleIncoming(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return nil
	}
	if msg.ConversationID != p.conversationID {
		if p.onNotify != nil {
			p.onNotify(msg)
		}
		return nil
	}

	incoming := msg.Clone()
	incoming.Status = ""
	if !p.list.AppendIfAbsent(incoming) {
		return nil
	}
	p.changed()

	if p.reads == nil || msg.Sender.ID == p.me.ID {
		return nil
	}
	if _, err := p.reads.MarkRead(ctx, p.conversationID); err != nil {
		return fmt.Errorf("failed to acknowledge message %s: %w", msg.ID, err)
	}
	if p.list.MarkReadBy(p.me.ID) > 0 {
		p.changed()
	}
	p.emit(EventMarkRead, ReadPayload{ConversationID: p.conversationID, UserID: p.me.ID})
	return nil
}

// HandleMessagesRead applies a messages-read event to the list.
func (p *Pipeline) HandleMessagesRead(payload ReadPayload) {
	if payload.ConversationID != p.conversationID || payload.UserID == "" {
		return
	}
	if p.list.MarkReadBy(payload.UserID) > 0 {
		p.changed()
	}
}

// HandleMessageDeleted applies a message-deleted event to the list.
func (p *Pipeline) HandleMessageDeleted(payload DeletedPayload) {
	if payload.ConversationID != p.conversationID {
		return
	}
	if p.list.MarkDeleted(payload.MessageID, p.now().UTC()) {
		p.changed()
	}
}

// Delete soft deletes one of the caller's own messages and tells the room.
func (p *Pipeline) Delete(ctx context.Context, messageID string) error {
	msg, ok := p.list.Get(messageID)
	if !ok {
		return fmt.Errorf("message %s is not loaded", messageID)
	}
	if msg.Sender.ID != p.me.ID {
		return ErrNotOwner
	}
	if msg.IsOptimistic() {
		return fmt.Errorf("message %s is still being sent", messageID)
	}

	deleted, err := p.persister.DeleteMessage(ctx, p.conversationID, messageID)
	if err != nil {
		return err
	}

	at := p.now().UTC()
	if deleted != nil && deleted.DeletedAt != nil {
		at = *deleted.DeletedAt
	}
	p.list.MarkDeleted(messageID, at)
	p.changed()

	p.emit(EventMessageDeleted, DeletedPayload{ConversationID: p.conversationID, MessageID: messageID})
	return nil
}

// Status is the delivery status the caller sees for msg.
func (p *Pipeline) Status(msg *models.Message) models.DeliveryStatus {
	return models.DisplayStatus(msg, p.participants, p.me.ID)
}

// Bind feeds receive-message, messages-read and message-deleted events from sub.
func (p *Pipeline) Bind(sub Subscriber) func() {
	offReceive := sub.On(EventReceiveMessage, func(raw json.RawMessage) {
		msg, err := decode[*models.Message](raw)
		if err != nil {
			p.logger.Debug().Err(err).Msg("dropping malformed message")
			return
		}
		if err := p.HandleIncoming(context.Background(), msg); err != nil {
			p.logger.Warn().Err(err).Msg("failed to handle incoming message")
		}
	})
	offRead := sub.On(EventMessagesRead, func(raw json.RawMessage) {
		if payload, err := decode[ReadPayload](raw); err == nil {
			p.HandleMessagesRead(payload)
		}
	})
	offDeleted := sub.On(EventMessageDeleted, func(raw json.RawMessage) {
		if payload, err := decode[DeletedPayload](raw); err == nil {
			p.HandleMessageDeleted(payload)
		}
	})
	return func() {
		offReceive()
		offRead()
		offDeleted()
	}
}

func (p *Pipeline) emit(event string, payload interface{}) {
	if p.emitter == nil {
		return
	}
	if err := p.emitter.Emit(event, payload); err != nil && !errors.Is(err, ErrNotConnected) {
		p.logger.Warn().Err(err).Str("event", event).Msg("failed to emit")
	}
}

func (p *Pipeline) changed() {
	if p.onChange != nil {
		p.onChange()
	}
}
