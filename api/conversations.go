package api

import (
	"net/http"
	"strings"

	"github.com/eleven-am/pondchat/models"
)

// ListConversations returns the caller's conversations, most recently active
// first, each with the caller's unread count.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	me := identity(r)

	conversations, err := h.store.ListConversations(r.Context(), me.ID)
	if err != nil {
		h.storeError(w, r, err, "Conversation not found")
		return
	}
	if conversations == nil {
		conversations = []*models.Conversation{}
	}
	h.JSON(w, http.StatusOK, conversations)
}

type createConversationRequest struct {
	ParticipantID string `json:"participantId"`
}

// CreateConversation opens the direct conversation between the caller and
// participantId, returning the existing one when there is one.
func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	me := identity(r)

	var req createConversationRequest
	if !h.decode(w, r, &req) {
		return
	}
	other := strings.TrimSpace(req.ParticipantID)
	if other == "" {
		h.Error(w, http.StatusBadRequest, "participantId is required")
		return
	}
	if other == me.ID {
		h.Error(w, http.StatusBadRequest, "cannot open a conversation with yourself")
		return
	}

	existing, err := h.store.ListConversations(r.Context(), me.ID)
	if err != nil {
		h.storeError(w, r, err, "Conversation not found")
		return
	}
	for _, conv := range existing {
		if conv.Type == models.ConversationDM && conv.HasParticipant(other) {
			h.JSON(w, http.StatusOK, conv)
			return
		}
	}

	conv, err := h.store.CreateConversation(r.Context(), &models.Conversation{
		Type:         models.ConversationDM,
		Participants: []string{me.ID, other},
	})
	if err != nil {
		h.storeError(w, r, err, "Conversation not found")
		return
	}
	h.JSON(w, http.StatusCreated, conv)
}

// requireParticipant writes a 404 unless the caller takes part in the
// conversation named by the route, so outsiders cannot discover ids.
func (h *Handler) requireParticipant(w http.ResponseWriter, r *http.Request, conversationID string) bool {
	ok, err := h.store.IsParticipant(r.Context(), conversationID, identity(r).ID)
	if err != nil {
		h.storeError(w, r, err, "Conversation not found")
		return false
	}
	if !ok {
		h.Error(w, http.StatusNotFound, "Conversation not found")
		return false
	}
	return true
}
