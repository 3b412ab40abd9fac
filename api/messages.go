package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/eleven-am/pondchat/models"
	"github.com/eleven-am/pondchat/store"
)

// MessagesResponse is one page of history, newest message first.
type MessagesResponse struct {
	Messages   []*models.Message `json:"messages"`
	Pagination models.Pagination `json:"pagination"`
}

// ReadResponse reports how many messages a mark-as-read changed.
type ReadResponse struct {
	MarkedRead int `json:"markedRead"`
}

type DeleteResponse struct {
	Success bool            `json:"success"`
	Message *models.Message `json:"message"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
	ReplyTo *struct {
		ID string `json:"_id"`
	} `json:"replyTo,omitempty"`
}

func queryInt(r *http.Request, key string, defaultValue int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return defaultValue, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ListMessages returns a page of the conversation, newest first. page
// defaults to 1 and limit to 50, capped at 100.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	page, okPage := queryInt(r, "page", 1)
	limit, okLimit := queryInt(r, "limit", store.DefaultPageLimit)
	if !okPage || !okLimit {
		h.Error(w, http.StatusBadRequest, "page and limit must be integers")
		return
	}
	if !h.requireParticipant(w, r, conversationID) {
		return
	}
	page, limit = store.NormalizePage(page, limit)

	messages, pagination, err := h.store.ListMessages(r.Context(), conversationID, page, limit)
	if err != nil {
		h.storeError(w, r, err, "Conversation not found")
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	h.JSON(w, http.StatusOK, MessagesResponse{Messages: messages, Pagination: pagination})
}

// PostMessage persists a message from the caller and returns the canonical
// copy. Broadcasting it is left to the sender's websocket connection.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	me := identity(r)

	var req sendMessageRequest
	if !h.decode(w, r, &req) {
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		h.Error(w, http.StatusBadRequest, "Message content is required")
		return
	}
	if !h.requireParticipant(w, r, conversationID) {
		return
	}

	msg := &models.Message{
		ConversationID: conversationID,
		Sender:         me,
		Content:        models.Sanitize(content),
		CreatedAt:      h.now().UTC(),
	}

	if req.ReplyTo != nil && req.ReplyTo.ID != "" {
		target, err := h.store.GetMessage(r.Context(), req.ReplyTo.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			h.storeError(w, r, err, "Message not found")
			return
		}
		if target == nil || target.ConversationID != conversationID {
			h.Error(w, http.StatusBadRequest, "reply target not found in this conversation")
			return
		}
		msg.ReplyTo = models.NewReplyRef(target)
	}

	saved, err := h.store.InsertMessage(r.Context(), msg)
	if err != nil {
		h.storeError(w, r, err, "Conversation not found")
		return
	}
	if err := h.store.TouchConversation(r.Context(), conversationID, saved.Content, saved.CreatedAt); err != nil {
		h.logger.Warn().Err(err).Str("conversation", conversationID).Msg("failed to update conversation preview")
	}
	if h.metrics != nil {
		h.metrics.MessagesPosted.Inc()
	}
	h.JSON(w, http.StatusCreated, saved)
}

// MarkRead adds the caller to the readers of every message in the
// conversation. Repeating it is harmless and reports zero.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	if !h.requireParticipant(w, r, conversationID) {
		return
	}
	marked, err := h.store.MarkRead(r.Context(), conversationID, identity(r).ID)
	if err != nil {
		h.storeError(w, r, err, "Conversation not found")
		return
	}
	if h.metrics != nil {
		h.metrics.ReadsMarked.Add(float64(marked))
	}
	h.JSON(w, http.StatusOK, ReadResponse{MarkedRead: marked})
}

// DeleteMessage soft deletes one of the caller's own messages.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	messageID := chi.URLParam(r, "messageId")

	msg, err := h.store.GetMessage(r.Context(), messageID)
	if err != nil {
		h.storeError(w, r, err, "Message not found")
		return
	}
	if msg.ConversationID != conversationID {
		h.Error(w, http.StatusNotFound, "Message not found")
		return
	}

	deleted, err := h.store.SoftDelete(r.Context(), messageID, identity(r).ID)
	if errors.Is(err, store.ErrForbidden) {
		h.Error(w, http.StatusForbidden, "Cannot delete this message")
		return
	}
	if err != nil {
		h.storeError(w, r, err, "Message not found")
		return
	}
	if h.metrics != nil {
		h.metrics.MessagesDeleted.Inc()
	}
	h.JSON(w, http.StatusOK, DeleteResponse{Success: true, Message: deleted})
}
