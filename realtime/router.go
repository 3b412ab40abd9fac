package realtime

// handleEvent is the message handler installed on every transport. Events go
// through the middleware chain before being dispatched.
func (h *Hub) handleEvent(ev Event, t Transport) error {
	return h.pipeline.Handle(h.ctx, &ev, t, h.dispatch)
}

func (h *Hub) dispatch(ev *Event, t Transport) error {
	connID := t.GetID()

	switch ev.Event {
	case EventUserConnected:
		userID, err := normalizeUser(ev.Payload)
		if err != nil {
			return err
		}
		h.RegisterUser(connID, userID)

	case EventJoinConversation:
		room, err := normalizeRoom(ev.Event, ev.Payload)
		if err != nil {
			return err
		}
		h.Join(connID, room)

	case EventLeaveConversation:
		room, err := normalizeRoom(ev.Event, ev.Payload)
		if err != nil {
			return err
		}
		h.Leave(connID, room)

	case EventSendMessage:
		send, err := normalizeSend(ev.Payload)
		if err != nil {
			return err
		}
		if err := h.requireMember(connID, send.ConversationID); err != nil {
			return err
		}
		msg := send.Message.Clone()
		msg.Status = ""
		if msg.ConversationID == "" {
			msg.ConversationID = send.ConversationID
		}
		h.Broadcast(send.ConversationID, EventReceiveMessage, msg, connID)

	case EventTyping:
		typing, err := normalizeTyping(ev.Event, ev.Payload)
		if err != nil {
			return err
		}
		if err := h.requireMember(connID, typing.ConversationID); err != nil {
			return err
		}
		h.typing.start(connID, typing)

	case EventStopTyping:
		typing, err := normalizeTyping(ev.Event, ev.Payload)
		if err != nil {
			return err
		}
		if !h.IsMember(connID, typing.ConversationID) {
			return nil
		}
		h.typing.stopTyping(connID, typing)

	case EventMarkRead:
		read, err := normalizeRead(ev.Payload)
		if err != nil {
			return err
		}
		if err := h.requireMember(connID, read.ConversationID); err != nil {
			return err
		}
		if bound := h.UserOf(connID); bound != "" {
			read.UserID = bound
		}
		if read.UserID == "" {
			return badRequest(read.ConversationID, "mark-read requires a user id")
		}
		h.Broadcast(read.ConversationID, EventMessagesRead, read, connID)

	case EventMessageDeleted:
		deleted, err := normalizeDeleted(ev.Payload)
		if err != nil {
			return err
		}
		if err := h.requireMember(connID, deleted.ConversationID); err != nil {
			return err
		}
		h.Broadcast(deleted.ConversationID, EventMessageDeleted, deleted, connID)

	default:
		return notFound("", "unknown event "+ev.Event).withDetails(map[string]string{"event": ev.Event})
	}
	return nil
}

func (h *Hub) requireMember(connID, room string) error {
	if h.IsMember(connID, room) {
		return nil
	}
	return forbidden(room, "join the conversation before sending events to it")
}
