package api

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

const version = "0.1.0"

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status    string           `json:"status"`
	Version   string           `json:"version"`
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

// HealthCheck checks one dependency.
type HealthCheck func(ctx context.Context) error

// Health pings the store and every extra check. Any failure reports the
// service as degraded with a 503.
func (h *Handler) Health(checks map[string]HealthCheck) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		results := make(map[string]Check)
		healthy := true

		run := func(name string, check HealthCheck) {
			start := time.Now()
			if err := check(ctx); err != nil {
				results[name] = Check{Status: "fail", Message: "connection failed"}
				healthy = false
				return
			}
			results[name] = Check{Status: "pass", Latency: time.Since(start).String()}
		}

		run("store", h.store.Ping)
		for _, name := range names {
			run(name, checks[name])
		}

		status, code := "healthy", http.StatusOK
		if !healthy {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		h.JSON(w, code, HealthResponse{
			Status:    status,
			Version:   version,
			Checks:    results,
			Timestamp: h.now().UTC().Format(time.RFC3339),
		})
	}
}

// Presence returns the last persisted status of a user.
func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userId"))

	state, err := h.presence.GetStatus(r.Context(), userID)
	if err != nil {
		h.storeError(w, r, err, "User not found")
		return
	}
	h.JSON(w, http.StatusOK, state)
}
