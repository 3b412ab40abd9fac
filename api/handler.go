// Package api is the HTTP persistence boundary of the chat service: history,
// sending, read receipts, deletion and presence lookups. Real-time fan-out is
// left to the websocket hub mounted next to it.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/eleven-am/pondchat/metrics"
	"github.com/eleven-am/pondchat/store"
)

// maxBodySize bounds request bodies; message content is the largest field.
const maxBodySize = 64 * 1024

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store    store.Store
	presence store.PresenceStore
	metrics  *metrics.Collector
	logger   zerolog.Logger
	now      func() time.Time
}

func NewHandler(s store.Store, presence store.PresenceStore, collector *metrics.Collector, logger zerolog.Logger) *Handler {
	if presence == nil {
		presence = s
	}
	return &Handler{
		store:    s,
		presence: presence,
		metrics:  collector,
		logger:   logger,
		now:      time.Now,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Debug().Err(err).Msg("failed to write response")
	}
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// storeError maps store sentinels onto HTTP statuses. Anything else is
// logged and reported as an internal error.
func (h *Handler) storeError(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.Error(w, http.StatusNotFound, notFound)
	case errors.Is(err, store.ErrForbidden):
		h.Error(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, store.ErrConflict):
		h.Error(w, http.StatusConflict, "already exists")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.Error(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("store failure")
		if h.metrics != nil {
			h.metrics.Error("api_store", err)
		}
		h.Error(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
